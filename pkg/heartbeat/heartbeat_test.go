// SPDX-License-Identifier: AGPL-3.0-or-later

package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/daokit/daokit-go/pkg/model"
	"github.com/daokit/daokit-go/pkg/statestore"
)

var testThresholds = Thresholds{
	CheckInterval: time.Minute,
	WarningAfter:  10 * time.Minute,
	StaleAfter:    20 * time.Minute,
}

func TestEvaluateIdleWhenNotActive(t *testing.T) {
	now := time.Now()
	c := Evaluate(now, false, now, now, testThresholds)
	if c.Status != model.HeartbeatIdle {
		t.Fatalf("expected IDLE when execution is not active, got %q", c.Status)
	}
}

func TestEvaluateStaleWhenActiveWithNoSignalYet(t *testing.T) {
	c := Evaluate(time.Now(), true, time.Time{}, time.Time{}, testThresholds)
	if c.Status != model.HeartbeatStale {
		t.Fatalf("expected STALE when active but no signal has ever been observed, got %q", c.Status)
	}
}

func TestEvaluateRunningWithinWarning(t *testing.T) {
	now := time.Now()
	c := Evaluate(now, true, now.Add(-5*time.Minute), time.Time{}, testThresholds)
	if c.Status != model.HeartbeatRunning {
		t.Fatalf("expected RUNNING, got %q", c.Status)
	}
}

func TestEvaluateWarningAfterThreshold(t *testing.T) {
	now := time.Now()
	c := Evaluate(now, true, now.Add(-12*time.Minute), time.Time{}, testThresholds)
	if c.Status != model.HeartbeatWarning {
		t.Fatalf("expected WARNING, got %q", c.Status)
	}
	if c.ReasonCode == "" {
		t.Fatalf("expected a NO_OUTPUT reason code")
	}
}

func TestEvaluateStaleAfterThreshold(t *testing.T) {
	now := time.Now()
	c := Evaluate(now, true, now.Add(-25*time.Minute), time.Time{}, testThresholds)
	if c.Status != model.HeartbeatStale {
		t.Fatalf("expected STALE, got %q", c.Status)
	}
}

func TestEvaluateUsesLatestArtifactMtimeWhenNewer(t *testing.T) {
	now := time.Now()
	explicit := now.Add(-30 * time.Minute)
	artifact := now.Add(-1 * time.Minute)
	c := Evaluate(now, true, explicit, artifact, testThresholds)
	if c.Status != model.HeartbeatRunning {
		t.Fatalf("expected the fresher artifact mtime to keep status RUNNING, got %q", c.Status)
	}
}

// TestEvaluateReasonCodeDerivesFromThresholdCrossedNotElapsedSilence
// mirrors spec Scenario B: an explicit heartbeat recorded 2h05m before
// now with stale_after=20m must report NO_OUTPUT_20M, the threshold
// that was crossed, not NO_OUTPUT_2H derived from the elapsed silence.
func TestEvaluateReasonCodeDerivesFromThresholdCrossedNotElapsedSilence(t *testing.T) {
	now := time.Now()
	explicit := now.Add(-(2*time.Hour + 5*time.Minute))
	c := Evaluate(now, true, explicit, time.Time{}, testThresholds)
	if c.Status != model.HeartbeatStale {
		t.Fatalf("expected STALE, got %q", c.Status)
	}
	if c.ReasonCode != "NO_OUTPUT_20M" {
		t.Fatalf("expected NO_OUTPUT_20M (the stale_after threshold), got %q", c.ReasonCode)
	}
}

func TestDaemonTickEmitsExactlyOneStaleEventOnEdge(t *testing.T) {
	store, err := statestore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d, err := NewDaemon(store, testThresholds)
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
	d.RecordExplicitHeartbeat(base)

	tickAt := base
	d.Now = func() time.Time { return tickAt }

	// Still fresh: no event.
	if _, err := d.Tick(ctx, "TASK", "RUN"); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	// Cross into STALE.
	tickAt = base.Add(25 * time.Minute)
	if _, err := d.Tick(ctx, "TASK", "RUN"); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	// Ticking again while still STALE must not emit a second event.
	tickAt = base.Add(26 * time.Minute)
	final, err := d.Tick(ctx, "TASK", "RUN")
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if final.Status != model.HeartbeatStale {
		t.Fatalf("expected persisted status STALE, got %q", final.Status)
	}

	events, err := store.ListEvents(ctx)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	staleEvents := 0
	for _, e := range events {
		if e.EventType == model.EventHeartbeatStale {
			staleEvents++
		}
	}
	if staleEvents != 1 {
		t.Fatalf("expected exactly one HEARTBEAT_STALE event, got %d", staleEvents)
	}
}

func TestDaemonRejectsInvalidThresholds(t *testing.T) {
	store, err := statestore.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	_, err = NewDaemon(store, Thresholds{CheckInterval: time.Hour, WarningAfter: time.Minute, StaleAfter: time.Minute})
	if err == nil {
		t.Fatalf("expected error for check_interval > warning_after")
	}
}
