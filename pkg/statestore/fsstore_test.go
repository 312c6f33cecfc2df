// SPDX-License-Identifier: AGPL-3.0-or-later

package statestore

import (
	"context"
	"testing"

	"github.com/daokit/daokit-go/pkg/model"
)

func newTestFSStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	return s
}

func TestFSStoreBootstrapsDefaults(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()

	state, err := s.LoadState(ctx)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if state.Status != model.StatusPlanning {
		t.Fatalf("expected default status PLANNING, got %q", state.Status)
	}

	hb, err := s.LoadHeartbeatStatus(ctx)
	if err != nil {
		t.Fatalf("LoadHeartbeatStatus: %v", err)
	}
	if hb.Status != model.HeartbeatIdle {
		t.Fatalf("expected default heartbeat status IDLE, got %q", hb.Status)
	}
}

func TestFSStoreSaveStateAppendsSnapshot(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()

	state, _ := s.LoadState(ctx)
	state.Goal = "ship it"
	node := "extract"
	from := string(model.StatusPlanning)
	to := string(model.StatusAnalysis)

	saved, err := s.SaveState(ctx, state, &node, &from, &to)
	if err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	if saved.Goal != "ship it" {
		t.Fatalf("expected saved goal to round-trip")
	}

	snapshots, err := s.ListSnapshots(ctx)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snapshots) != 1 {
		t.Fatalf("expected exactly one snapshot, got %d", len(snapshots))
	}
	if snapshots[0].State.Goal != "ship it" {
		t.Fatalf("snapshot state did not capture the saved goal")
	}
	if *snapshots[0].Node != "extract" {
		t.Fatalf("snapshot node mismatch: %q", *snapshots[0].Node)
	}
}

func TestAppendEventDedupesByKey(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()

	key := "heartbeat-stale:TASK:RUN:S1:NO_OUTPUT_20M:2024-01-01T00:00:00Z"
	first, err := s.AppendEvent(ctx, "TASK", "RUN", nil, model.EventHeartbeatStale, model.SeverityWarn, map[string]any{"n": 1}, &key)
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	second, err := s.AppendEvent(ctx, "TASK", "RUN", nil, model.EventHeartbeatStale, model.SeverityWarn, map[string]any{"n": 2}, &key)
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if first.EventID != second.EventID {
		t.Fatalf("expected dedup_key collision to return the same event, got %q and %q", first.EventID, second.EventID)
	}

	events, err := s.listEventsLocked()
	if err != nil {
		t.Fatalf("listEventsLocked: %v", err)
	}
	count := 0
	for _, e := range events {
		if e.DedupKey != nil && *e.DedupKey == key {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one persisted event for dedup_key, got %d", count)
	}
}

func TestAppendEventWithoutDedupKeyAlwaysAppends(t *testing.T) {
	s := newTestFSStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.AppendEvent(ctx, "TASK", "RUN", nil, model.EventSystem, model.SeverityInfo, map[string]any{"i": i}, nil); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	events, err := s.listEventsLocked()
	if err != nil {
		t.Fatalf("listEventsLocked: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events with no dedup key, got %d", len(events))
	}
}
