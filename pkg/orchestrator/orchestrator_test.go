// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/daokit/daokit-go/pkg/dispatch/anthropicshim"
	"github.com/daokit/daokit-go/pkg/lease"
	"github.com/daokit/daokit-go/pkg/model"
	"github.com/daokit/daokit-go/pkg/statestore"
)

func newTestStore(t *testing.T) *statestore.FSStore {
	t.Helper()
	s, err := statestore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	return s
}

func seedOneStepPlan(t *testing.T, s *statestore.FSStore) {
	t.Helper()
	ctx := context.Background()
	state, err := s.LoadState(ctx)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	state.Goal = "ship the release"
	state.Steps = []model.StepContract{
		{
			ID:                 "S1",
			Title:              "write release notes",
			Category:           "analysis",
			Goal:               "document the release",
			Actions:            []string{"draft notes"},
			AcceptanceCriteria: []string{"notes exist"},
			ExpectedOutputs:    []string{"notes.md"},
		},
	}
	if _, err := s.SaveState(ctx, state, nil, nil, nil); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
}

func TestRunDrivesHappyPathToDone(t *testing.T) {
	s := newTestStore(t)
	seedOneStepPlan(t, s)

	o := New(s)
	o.Evaluate = func(ctx context.Context, state model.TaskRun, step model.StepContract) (model.AcceptanceDecision, error) {
		return model.AcceptanceDecision{
			Status: "passed",
			Proof:  model.Proof{ProofID: "proof-" + step.ID, Status: "passed"},
		}, nil
	}

	final, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Status != model.StatusDone {
		t.Fatalf("expected final status DONE, got %q", final.Status)
	}
	if final.RoleLifecycle["step:S1"] != model.RoleAccepted {
		t.Fatalf("expected step S1 to be accepted, got %q", final.RoleLifecycle["step:S1"])
	}

	snapshots, err := s.ListSnapshots(context.Background())
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snapshots) != 6 {
		t.Fatalf("expected one snapshot per seed save plus one per node (6), got %d", len(snapshots))
	}
}

func TestRunReworksOnFailedAcceptance(t *testing.T) {
	s := newTestStore(t)
	seedOneStepPlan(t, s)

	calls := 0
	o := New(s)
	o.Evaluate = func(ctx context.Context, state model.TaskRun, step model.StepContract) (model.AcceptanceDecision, error) {
		calls++
		if calls == 1 {
			return model.AcceptanceDecision{
				Status:         "failed",
				Proof:          model.Proof{ProofID: "proof-attempt-1", Status: "failed"},
				FailureReasons: []string{model.ReasonMissingEvidence},
			}, nil
		}
		return model.AcceptanceDecision{
			Status: "passed",
			Proof:  model.Proof{ProofID: "proof-attempt-2", Status: "passed"},
		}, nil
	}

	final, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Status != model.StatusDone {
		t.Fatalf("expected eventual DONE after rework, got %q", final.Status)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 acceptance evaluations, got %d", calls)
	}
}

func TestStepRejectsOutOfOrderNode(t *testing.T) {
	s := newTestStore(t)
	seedOneStepPlan(t, s)

	o := New(s)
	if _, err := o.Step(context.Background(), NodeDispatch); err == nil {
		t.Fatalf("expected illegal transition error running dispatch before extract/plan")
	} else if _, ok := err.(*IllegalTransitionError); !ok {
		t.Fatalf("expected *IllegalTransitionError, got %T: %v", err, err)
	}
}

func TestPlanNodeRejectsEmptySteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	state, _ := s.LoadState(ctx)
	state.Goal = "no steps here"
	if _, err := s.SaveState(ctx, state, nil, nil, nil); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	o := New(s)
	if _, err := o.Step(ctx, NodeExtract); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if _, err := o.Step(ctx, NodePlan); err == nil {
		t.Fatalf("expected plan node to reject a run with no steps")
	}
}

func TestDiagnoseFlagsExpiredActiveLease(t *testing.T) {
	s := newTestStore(t)
	seedOneStepPlan(t, s)

	leaseDir := t.TempDir()
	leases, err := lease.NewFSStore(leaseDir)
	if err != nil {
		t.Fatalf("lease.NewFSStore: %v", err)
	}
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	if _, err := lease.Register(ctx, leases, "workers", "S1", "T1", "R1", "", time.Minute, past); err != nil {
		t.Fatalf("lease.Register: %v", err)
	}

	o := New(s)
	findings, err := o.Diagnose(ctx, leases)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	found := false
	for _, f := range findings {
		if f.Code == "EXPIRED_LEASE_STILL_ACTIVE" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an EXPIRED_LEASE_STILL_ACTIVE finding, got %+v", findings)
	}
}

// TestRunDispatchesThroughAnthropicshimAdapter exercises the dispatch
// node against a real dispatch.Adapter implementation -- anthropicshim
// -- pointed at a fake Messages API server, rather than a hand-rolled
// test double, so the node's create/resume/rework wiring is proven
// against the adapter callers actually configure in production.
func TestRunDispatchesThroughAnthropicshimAdapter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_test",
			"type":        "message",
			"role":        "assistant",
			"content":     []map[string]any{{"type": "text", "text": "notes.md written"}},
			"model":       "claude-sonnet-4-5-20250929",
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 1, "output_tokens": 1},
		})
	}))
	defer server.Close()

	s := newTestStore(t)
	seedOneStepPlan(t, s)

	o := New(s)
	o.Dispatcher = anthropicshim.New("test-key", "", option.WithBaseURL(server.URL))
	o.Evaluate = func(ctx context.Context, state model.TaskRun, step model.StepContract) (model.AcceptanceDecision, error) {
		return model.AcceptanceDecision{
			Status: "passed",
			Proof:  model.Proof{ProofID: "proof-" + step.ID, Status: "passed"},
		}, nil
	}

	final, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Status != model.StatusDone {
		t.Fatalf("expected final status DONE, got %q", final.Status)
	}
	if final.RoleLifecycle["step:S1"] != model.RoleAccepted {
		t.Fatalf("expected step S1 to be accepted, got %q", final.RoleLifecycle["step:S1"])
	}
}

func TestDiagnoseReturnsNoFindingsForCleanLedger(t *testing.T) {
	s := newTestStore(t)
	seedOneStepPlan(t, s)

	o := New(s)
	findings, err := o.Diagnose(context.Background(), nil)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected no findings on a freshly seeded ledger, got %+v", findings)
	}
}
