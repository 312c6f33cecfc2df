// SPDX-License-Identifier: AGPL-3.0-or-later

package statestore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/daokit/daokit-go/pkg/model"
)

// FSStore is a filesystem-backed Store rooted at <root>/state/, per
// spec §6's persistent layout. Writes to any single file are
// all-or-nothing (write-to-temp-and-rename). Every operation additionally
// holds two locks: the in-process mu, which serializes goroutines within
// this one CLI invocation, and an OS-level advisory flock on
// <root>/.lock, which serializes the separate OS processes spec §5
// requires to coordinate (each of run/takeover/handoff/check is its own
// process per spec §6). SaveState orders its two writes -- snapshots.jsonl
// first, then pipeline_state.json -- so a crash between them leaves at
// worst an extra snapshot with no corresponding state update, never a
// state update with no snapshot trail; this is stricter than the Python
// original's state/store.py, whose save_state has no equivalent ordering
// guarantee or cross-process lock at all.
type FSStore struct {
	root string

	mu  sync.Mutex
	flk *flock.Flock
}

// NewFSStore opens (and lazily bootstraps) a filesystem state store
// rooted at <dir>/state/.
func NewFSStore(dir string) (*FSStore, error) {
	root := filepath.Join(dir, "state")
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, &StoreError{Op: "mkdir", Path: root, Err: err}
	}
	s := &FSStore{root: root, flk: flock.New(filepath.Join(root, ".lock"))}
	if err := s.ensureLayout(); err != nil {
		return nil, err
	}
	return s, nil
}

// lock acquires both the in-process mutex and the cross-process flock,
// in that order, and returns a function that releases both in reverse
// order. Callers must defer the returned function.
func (s *FSStore) lock() (func(), error) {
	s.mu.Lock()
	if err := s.flk.Lock(); err != nil {
		s.mu.Unlock()
		return nil, &StoreError{Op: "flock", Path: s.flk.Path(), Err: err}
	}
	return func() {
		_ = s.flk.Unlock()
		s.mu.Unlock()
	}, nil
}

func (s *FSStore) path(name string) string { return filepath.Join(s.root, name) }

func (s *FSStore) ensureLayout() error {
	if _, err := os.Stat(s.path("pipeline_state.json")); os.IsNotExist(err) {
		if err := writeJSONFile(s.path("pipeline_state.json"), defaultPipelineState()); err != nil {
			return err
		}
	}
	if _, err := os.Stat(s.path("heartbeat_status.json")); os.IsNotExist(err) {
		if err := writeJSONFile(s.path("heartbeat_status.json"), defaultHeartbeatStatus()); err != nil {
			return err
		}
	}
	for _, name := range []string{"events.jsonl", "snapshots.jsonl"} {
		p := s.path(name)
		if _, err := os.Stat(p); os.IsNotExist(err) {
			if err := os.WriteFile(p, nil, 0o640); err != nil {
				return &StoreError{Op: "create", Path: p, Err: err}
			}
		}
	}
	return nil
}

func defaultPipelineState() model.TaskRun {
	return model.TaskRun{
		SchemaVersion: model.PipelineStateSchemaVersion,
		Goal:          "",
		Status:        model.StatusPlanning,
		Steps:         []model.StepContract{},
		RoleLifecycle: map[string]string{"orchestrator": model.RoleIdle},
		Succession:    model.Succession{Enabled: true},
		UpdatedAt:     nowISO(),
	}
}

func defaultHeartbeatStatus() model.HeartbeatStatus {
	return model.HeartbeatStatus{
		SchemaVersion: model.HeartbeatStatusSchemaVersion,
		Status:        model.HeartbeatIdle,
		UpdatedAt:     nowISO(),
	}
}

func nowISO() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &StoreError{Op: "marshal", Path: path, Err: err}
	}
	data = append(data, '\n')
	return atomicWrite(path, data)
}

// atomicWrite writes data to path via a PID-suffixed temp file and
// rename, following internal/core/state/state.go's saveState pattern.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return &StoreError{Op: "mkdir", Path: dir, Err: err}
	}
	tmp := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return &StoreError{Op: "write", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return &StoreError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

func (s *FSStore) LoadState(ctx context.Context) (model.TaskRun, error) {
	if err := ctx.Err(); err != nil {
		return model.TaskRun{}, err
	}
	unlock, err := s.lock()
	if err != nil {
		return model.TaskRun{}, err
	}
	defer unlock()
	return s.loadStateLocked()
}

func (s *FSStore) loadStateLocked() (model.TaskRun, error) {
	var out model.TaskRun
	data, err := os.ReadFile(s.path("pipeline_state.json"))
	if err != nil {
		return out, &StoreError{Op: "read", Path: s.path("pipeline_state.json"), Err: err}
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, &StoreError{Op: "unmarshal", Path: s.path("pipeline_state.json"), Err: ErrNotValidJSON}
	}
	if out.RoleLifecycle == nil {
		out.RoleLifecycle = map[string]string{}
	}
	return out, nil
}

func (s *FSStore) SaveState(ctx context.Context, state model.TaskRun, node, fromStatus, toStatus *string) (model.TaskRun, error) {
	if err := ctx.Err(); err != nil {
		return model.TaskRun{}, err
	}
	unlock, err := s.lock()
	if err != nil {
		return model.TaskRun{}, err
	}
	defer unlock()

	payload := state.Clone()
	payload.SchemaVersion = model.PipelineStateSchemaVersion
	payload.UpdatedAt = nowISO()

	snapshot := model.Snapshot{
		Timestamp:  payload.UpdatedAt,
		Node:       node,
		FromStatus: fromStatus,
		ToStatus:   toStatus,
		State:      payload,
	}
	line, err := json.Marshal(snapshot)
	if err != nil {
		return model.TaskRun{}, &StoreError{Op: "marshal", Path: s.path("snapshots.jsonl"), Err: err}
	}
	// Snapshot first: a crash between these two writes must never leave
	// pipeline_state.json updated with no matching snapshots.jsonl entry
	// (spec §4.1, Testable Property 2). The reverse ordering risks exactly
	// that; this ordering's worst case is a trailing snapshot that hasn't
	// yet been promoted to the current state, which is recoverable.
	if err := appendLine(s.path("snapshots.jsonl"), line); err != nil {
		return model.TaskRun{}, err
	}
	if err := writeJSONFile(s.path("pipeline_state.json"), payload); err != nil {
		return model.TaskRun{}, err
	}
	return payload, nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return &StoreError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return &StoreError{Op: "append", Path: path, Err: err}
	}
	return nil
}

func (s *FSStore) LoadHeartbeatStatus(ctx context.Context) (model.HeartbeatStatus, error) {
	if err := ctx.Err(); err != nil {
		return model.HeartbeatStatus{}, err
	}
	unlock, err := s.lock()
	if err != nil {
		return model.HeartbeatStatus{}, err
	}
	defer unlock()
	var out model.HeartbeatStatus
	data, err := os.ReadFile(s.path("heartbeat_status.json"))
	if err != nil {
		return out, &StoreError{Op: "read", Path: s.path("heartbeat_status.json"), Err: err}
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, &StoreError{Op: "unmarshal", Path: s.path("heartbeat_status.json"), Err: ErrNotValidJSON}
	}
	return out, nil
}

func (s *FSStore) SaveHeartbeatStatus(ctx context.Context, status model.HeartbeatStatus) (model.HeartbeatStatus, error) {
	if err := ctx.Err(); err != nil {
		return model.HeartbeatStatus{}, err
	}
	unlock, err := s.lock()
	if err != nil {
		return model.HeartbeatStatus{}, err
	}
	defer unlock()
	status.SchemaVersion = model.HeartbeatStatusSchemaVersion
	status.UpdatedAt = nowISO()
	if err := writeJSONFile(s.path("heartbeat_status.json"), status); err != nil {
		return model.HeartbeatStatus{}, err
	}
	return status, nil
}

func (s *FSStore) AppendEvent(ctx context.Context, taskID, runID string, stepID *string, eventType, severity string, payload any, dedupKey *string) (model.Event, error) {
	if err := ctx.Err(); err != nil {
		return model.Event{}, err
	}
	unlock, err := s.lock()
	if err != nil {
		return model.Event{}, err
	}
	defer unlock()

	if dedupKey != nil && strings.TrimSpace(*dedupKey) != "" {
		if existing, ok, err := s.findByDedupKeyLocked(runID, *dedupKey); err != nil {
			return model.Event{}, err
		} else if ok {
			return existing, nil
		}
	}

	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return model.Event{}, &StoreError{Op: "marshal", Path: s.path("events.jsonl"), Err: err}
	}

	event := model.Event{
		SchemaVersion: model.EventSchemaVersion,
		EventID:       "evt_" + randomHex(16),
		TaskID:        taskID,
		RunID:         runID,
		StepID:        stepID,
		EventType:     eventType,
		Severity:      severity,
		Timestamp:     nowISO(),
		Payload:       rawPayload,
		DedupKey:      dedupKey,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return model.Event{}, &StoreError{Op: "marshal", Path: s.path("events.jsonl"), Err: err}
	}
	if err := appendLine(s.path("events.jsonl"), line); err != nil {
		return model.Event{}, err
	}
	return event, nil
}

func (s *FSStore) findByDedupKeyLocked(runID, dedupKey string) (model.Event, bool, error) {
	events, err := s.listEventsLocked()
	if err != nil {
		return model.Event{}, false, err
	}
	for _, e := range events {
		if e.RunID == runID && e.DedupKey != nil && *e.DedupKey == dedupKey {
			return e, true, nil
		}
	}
	return model.Event{}, false, nil
}

func (s *FSStore) listEventsLocked() ([]model.Event, error) {
	data, err := os.ReadFile(s.path("events.jsonl"))
	if err != nil {
		return nil, &StoreError{Op: "read", Path: s.path("events.jsonl"), Err: err}
	}
	var out []model.Event
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var e model.Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, &StoreError{Op: "unmarshal", Path: s.path("events.jsonl"), Err: ErrNotValidJSON}
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *FSStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.listEventsLocked()
}

func (s *FSStore) ListSnapshots(ctx context.Context) ([]model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	data, err := os.ReadFile(s.path("snapshots.jsonl"))
	if err != nil {
		return nil, &StoreError{Op: "read", Path: s.path("snapshots.jsonl"), Err: err}
	}
	var out []model.Snapshot
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var snap model.Snapshot
		if err := json.Unmarshal([]byte(line), &snap); err != nil {
			return nil, &StoreError{Op: "unmarshal", Path: s.path("snapshots.jsonl"), Err: ErrNotValidJSON}
		}
		out = append(out, snap)
	}
	return out, nil
}

func randomHex(n int) string {
	b := make([]byte, n/2)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is unrecoverable; fall back to a
		// timestamp-derived value so callers never see a panic.
		return hex.EncodeToString([]byte(nowISO()))[:n]
	}
	return hex.EncodeToString(b)
}
