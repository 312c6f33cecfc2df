// SPDX-License-Identifier: AGPL-3.0-or-later

// Package statestore implements the durable ledger described in
// spec §4.1: pipeline state, heartbeat status, the event log, and the
// snapshot log, with atomic writes and dedup-key enforcement on
// AppendEvent. Multiple backends (filesystem, SQLite, Postgres) share
// the same Store contract.
package statestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/daokit/daokit-go/pkg/model"
)

// ErrNotValidJSON is returned when a persisted file cannot be parsed.
var ErrNotValidJSON = errors.New("statestore: persisted payload is not valid JSON")

// ErrNotObject names a persisted payload whose root is not a JSON object.
// The stores in this package do not return it: such a payload fails to
// decode and is reported as ErrNotValidJSON.
var ErrNotObject = errors.New("statestore: persisted payload root must be an object")

// StoreError is a typed I/O error, per spec §7 "I/O errors".
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("statestore: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Store is the durable ledger contract every backend implements.
type Store interface {
	LoadState(ctx context.Context) (model.TaskRun, error)
	// SaveState persists state and appends a matching snapshot,
	// atomically from a reader's point of view (spec §4.1).
	SaveState(ctx context.Context, state model.TaskRun, node, fromStatus, toStatus *string) (model.TaskRun, error)
	LoadHeartbeatStatus(ctx context.Context) (model.HeartbeatStatus, error)
	SaveHeartbeatStatus(ctx context.Context, status model.HeartbeatStatus) (model.HeartbeatStatus, error)
	// AppendEvent is a no-op returning the existing event when
	// dedupKey is non-empty and already present for this run.
	AppendEvent(ctx context.Context, taskID, runID string, stepID *string, eventType, severity string, payload any, dedupKey *string) (model.Event, error)
	ListSnapshots(ctx context.Context) ([]model.Snapshot, error)
	// ListEvents returns the append-only event log in insertion order,
	// for `daokit replay --source events` (spec §6).
	ListEvents(ctx context.Context) ([]model.Event, error)
}
