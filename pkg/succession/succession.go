// SPDX-License-Identifier: AGPL-3.0-or-later

// Package succession implements successor takeover (spec §4.6): when
// a worker crashes mid-run, AcceptSuccessor atomically takes over its
// active leases in a lane, marks non-adopted steps failed, and records
// the decision in both the event log and the TaskRun ledger.
package succession

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/daokit/daokit-go/pkg/lease"
	"github.com/daokit/daokit-go/pkg/metrics"
	"github.com/daokit/daokit-go/pkg/model"
	"github.com/daokit/daokit-go/pkg/statestore"
)

// Result reports which steps were adopted by the successor and which
// were marked failed because their lease was not adopted.
type Result struct {
	Adopted []string
	Failed  []string
}

// AcceptSuccessor takes over every ACTIVE lease in lane, classifies
// the TaskRun's steps into adopted vs. failed, persists the updated
// ledger, and emits one SUCCESSION_ACCEPTED event plus one
// LEASE_ADOPTED or STEP_FAILED event per affected step.
// metrics may be nil, in which case no instrumentation is recorded.
func AcceptSuccessor(ctx context.Context, store statestore.Store, fs lease.FileStore, lane string, successor lease.Successor, now time.Time, m *metrics.Metrics) (Result, error) {
	state, err := store.LoadState(ctx)
	if err != nil {
		return Result{}, err
	}

	taken, err := lease.TakeoverRunningLeases(ctx, fs, lane, successor, now)
	if err != nil {
		return Result{}, err
	}
	if m != nil && len(taken) > 0 {
		m.RecordLeaseTakeover(lane)
	}

	adoptedSet := make(map[string]struct{}, len(taken))
	for _, l := range taken {
		adoptedSet[l.StepID] = struct{}{}
	}

	working := state.Clone()
	var adopted, failed []string
	for _, s := range working.Steps {
		if _, ok := adoptedSet[s.ID]; ok {
			adopted = append(adopted, s.ID)
			continue
		}
		if working.RoleLifecycle["step:"+s.ID] == model.RoleAccepted {
			continue
		}
		failed = append(failed, s.ID)
		working.RoleLifecycle["step:"+s.ID] = model.RoleFailedNonAdoptedLease
	}
	adopted = orderedUnique(adopted)
	failed = orderedUnique(failed)

	ts := now.UTC().Format(time.RFC3339)
	working.Succession.LastTakeoverAt = &ts

	saved, err := store.SaveState(ctx, working, nil, nil, nil)
	if err != nil {
		return Result{}, err
	}

	successionKey := fmt.Sprintf("succession-accepted:%s:%s:%s", saved.TaskID, saved.RunID, ts)
	payload := map[string]any{
		"lane":    lane,
		"adopted": adopted,
		"failed":  failed,
	}
	if _, err := store.AppendEvent(ctx, saved.TaskID, saved.RunID, nil, model.EventSuccessionAccepted, model.SeverityWarn, payload, &successionKey); err != nil {
		return Result{}, err
	}

	for _, stepID := range adopted {
		stepID := stepID
		key := fmt.Sprintf("lease-adopted:%s:%s:%s", saved.TaskID, saved.RunID, stepID)
		if _, err := store.AppendEvent(ctx, saved.TaskID, saved.RunID, &stepID, model.EventLeaseAdopted, model.SeverityInfo, map[string]any{"step_id": stepID}, &key); err != nil {
			return Result{}, err
		}
	}
	for _, stepID := range failed {
		stepID := stepID
		key := fmt.Sprintf("step-failed:%s:%s:%s:lease-not-adopted", saved.TaskID, saved.RunID, stepID)
		payload := map[string]any{"step_id": stepID, "reason_code": model.ReasonLeaseNotAdopted}
		if _, err := store.AppendEvent(ctx, saved.TaskID, saved.RunID, &stepID, model.EventStepFailed, model.SeverityError, payload, &key); err != nil {
			return Result{}, err
		}
	}

	return Result{Adopted: adopted, Failed: failed}, nil
}

// orderedUnique de-duplicates while preserving first-seen order, then
// stably sorts so callers see a deterministic listing regardless of
// step iteration order -- matching the Python original's
// _ordered_unique helper.
func orderedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
