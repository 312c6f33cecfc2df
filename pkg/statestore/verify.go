// SPDX-License-Identifier: AGPL-3.0-or-later

package statestore

import (
	"context"
	"encoding/json"
	"fmt"
)

// Divergence describes one field that differs between two Store
// backends observing what should be the same state root.
type Divergence struct {
	Field string
	A     string
	B     string
}

// Verify compares two Store implementations for the same logical
// root, the Go rendition of the Python original's
// reliability/consistency/cross_backend.py concept: a drift detector
// for deployments running more than one backend (e.g. during a
// filesystem-to-SQLite migration).
func Verify(ctx context.Context, a, b Store) ([]Divergence, error) {
	var diffs []Divergence

	stateA, err := a.LoadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("statestore: verify: load state from a: %w", err)
	}
	stateB, err := b.LoadState(ctx)
	if err != nil {
		return nil, fmt.Errorf("statestore: verify: load state from b: %w", err)
	}
	if d := diffJSON("pipeline_state", stateA, stateB); d != nil {
		diffs = append(diffs, *d)
	}

	hbA, err := a.LoadHeartbeatStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("statestore: verify: load heartbeat from a: %w", err)
	}
	hbB, err := b.LoadHeartbeatStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("statestore: verify: load heartbeat from b: %w", err)
	}
	if d := diffJSON("heartbeat_status", hbA, hbB); d != nil {
		diffs = append(diffs, *d)
	}

	snapsA, err := a.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("statestore: verify: list snapshots from a: %w", err)
	}
	snapsB, err := b.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("statestore: verify: list snapshots from b: %w", err)
	}
	if len(snapsA) != len(snapsB) {
		diffs = append(diffs, Divergence{
			Field: "snapshots.count",
			A:     fmt.Sprintf("%d", len(snapsA)),
			B:     fmt.Sprintf("%d", len(snapsB)),
		})
	}

	return diffs, nil
}

func diffJSON(field string, a, b any) *Divergence {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	if string(aj) == string(bj) {
		return nil
	}
	return &Divergence{Field: field, A: string(aj), B: string(bj)}
}
