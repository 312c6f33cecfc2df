// SPDX-License-Identifier: AGPL-3.0-or-later

package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/daokit/daokit-go/pkg/model"
)

// SQLiteStore is the SQLite alternative backend spec §6 names
// explicitly: "the same logical schemas in tables with identical
// field names." Each top-level record type gets one table; the
// pipeline_state and heartbeat_status tables are kept to a single row
// (id=1) the same way FSStore keeps a single JSON file per record.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite-backed store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StoreError{Op: "open", Path: path, Err: err}
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version TEXT NOT NULL,
			task_id TEXT,
			run_id TEXT,
			goal TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step TEXT,
			steps TEXT NOT NULL,
			role_lifecycle TEXT NOT NULL,
			succession TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS heartbeat_status (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version TEXT NOT NULL,
			status TEXT NOT NULL,
			last_heartbeat_at TEXT,
			reason_code TEXT,
			warning_after_seconds REAL NOT NULL DEFAULT 0,
			stale_after_seconds REAL NOT NULL DEFAULT 0,
			last_escalation_at TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			schema_version TEXT NOT NULL,
			event_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			step_id TEXT,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			payload TEXT NOT NULL,
			dedup_key TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			node TEXT,
			from_status TEXT,
			to_status TEXT,
			state TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return &StoreError{Op: "migrate", Path: stmt, Err: err}
		}
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM pipeline_state`).Scan(&n); err != nil {
		return &StoreError{Op: "migrate", Path: "pipeline_state", Err: err}
	}
	if n == 0 {
		if _, err := s.insertPipelineStateRow(defaultPipelineState()); err != nil {
			return err
		}
	}
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM heartbeat_status`).Scan(&n); err != nil {
		return &StoreError{Op: "migrate", Path: "heartbeat_status", Err: err}
	}
	if n == 0 {
		if _, err := s.insertHeartbeatRow(defaultHeartbeatStatus()); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) insertPipelineStateRow(t model.TaskRun) (model.TaskRun, error) {
	steps, _ := json.Marshal(t.Steps)
	roles, _ := json.Marshal(t.RoleLifecycle)
	succession, _ := json.Marshal(t.Succession)
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO pipeline_state
			(id, schema_version, task_id, run_id, goal, status, current_step, steps, role_lifecycle, succession, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SchemaVersion, nullableString(t.TaskID), nullableString(t.RunID), t.Goal, string(t.Status),
		nullablePtr(t.CurrentStep), string(steps), string(roles), string(succession), t.UpdatedAt,
	)
	if err != nil {
		return model.TaskRun{}, &StoreError{Op: "insert", Path: "pipeline_state", Err: err}
	}
	return t, nil
}

func (s *SQLiteStore) insertHeartbeatRow(h model.HeartbeatStatus) (model.HeartbeatStatus, error) {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO heartbeat_status
			(id, schema_version, status, last_heartbeat_at, reason_code, warning_after_seconds, stale_after_seconds, last_escalation_at, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.SchemaVersion, h.Status, nullablePtr(h.LastHeartbeatAt), nullablePtr(h.ReasonCode),
		h.WarningAfterSeconds, h.StaleAfterSeconds, nullablePtr(h.LastEscalationAt), h.UpdatedAt,
	)
	if err != nil {
		return model.HeartbeatStatus{}, &StoreError{Op: "insert", Path: "heartbeat_status", Err: err}
	}
	return h, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullablePtr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func (s *SQLiteStore) LoadState(ctx context.Context) (model.TaskRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT schema_version, task_id, run_id, goal, status, current_step, steps, role_lifecycle, succession, updated_at FROM pipeline_state WHERE id = 1`)
	var t model.TaskRun
	var taskID, runID, currentStep sql.NullString
	var steps, roles, succession string
	if err := row.Scan(&t.SchemaVersion, &taskID, &runID, &t.Goal, &t.Status, &currentStep, &steps, &roles, &succession, &t.UpdatedAt); err != nil {
		return t, &StoreError{Op: "select", Path: "pipeline_state", Err: err}
	}
	t.TaskID = taskID.String
	t.RunID = runID.String
	if currentStep.Valid {
		v := currentStep.String
		t.CurrentStep = &v
	}
	if err := json.Unmarshal([]byte(steps), &t.Steps); err != nil {
		return t, &StoreError{Op: "unmarshal", Path: "pipeline_state.steps", Err: ErrNotValidJSON}
	}
	if err := json.Unmarshal([]byte(roles), &t.RoleLifecycle); err != nil {
		return t, &StoreError{Op: "unmarshal", Path: "pipeline_state.role_lifecycle", Err: ErrNotValidJSON}
	}
	if err := json.Unmarshal([]byte(succession), &t.Succession); err != nil {
		return t, &StoreError{Op: "unmarshal", Path: "pipeline_state.succession", Err: ErrNotValidJSON}
	}
	if t.RoleLifecycle == nil {
		t.RoleLifecycle = map[string]string{}
	}
	return t, nil
}

func (s *SQLiteStore) SaveState(ctx context.Context, state model.TaskRun, node, fromStatus, toStatus *string) (model.TaskRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.TaskRun{}, &StoreError{Op: "begin", Path: "pipeline_state", Err: err}
	}
	defer tx.Rollback()

	payload := state.Clone()
	payload.SchemaVersion = model.PipelineStateSchemaVersion
	payload.UpdatedAt = nowISO()

	steps, _ := json.Marshal(payload.Steps)
	roles, _ := json.Marshal(payload.RoleLifecycle)
	succession, _ := json.Marshal(payload.Succession)
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO pipeline_state
			(id, schema_version, task_id, run_id, goal, status, current_step, steps, role_lifecycle, succession, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payload.SchemaVersion, nullableString(payload.TaskID), nullableString(payload.RunID), payload.Goal, string(payload.Status),
		nullablePtr(payload.CurrentStep), string(steps), string(roles), string(succession), payload.UpdatedAt,
	); err != nil {
		return model.TaskRun{}, &StoreError{Op: "update", Path: "pipeline_state", Err: err}
	}

	stateJSON, err := json.Marshal(payload)
	if err != nil {
		return model.TaskRun{}, &StoreError{Op: "marshal", Path: "snapshots", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (timestamp, node, from_status, to_status, state) VALUES (?, ?, ?, ?, ?)`,
		payload.UpdatedAt, nullablePtr(node), nullablePtr(fromStatus), nullablePtr(toStatus), string(stateJSON),
	); err != nil {
		return model.TaskRun{}, &StoreError{Op: "insert", Path: "snapshots", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return model.TaskRun{}, &StoreError{Op: "commit", Path: "pipeline_state", Err: err}
	}
	return payload, nil
}

func (s *SQLiteStore) LoadHeartbeatStatus(ctx context.Context) (model.HeartbeatStatus, error) {
	row := s.db.QueryRowContext(ctx, `SELECT schema_version, status, last_heartbeat_at, reason_code, warning_after_seconds, stale_after_seconds, last_escalation_at, updated_at FROM heartbeat_status WHERE id = 1`)
	var h model.HeartbeatStatus
	var lastHeartbeat, reasonCode, lastEscalation sql.NullString
	if err := row.Scan(&h.SchemaVersion, &h.Status, &lastHeartbeat, &reasonCode, &h.WarningAfterSeconds, &h.StaleAfterSeconds, &lastEscalation, &h.UpdatedAt); err != nil {
		return h, &StoreError{Op: "select", Path: "heartbeat_status", Err: err}
	}
	if lastHeartbeat.Valid {
		v := lastHeartbeat.String
		h.LastHeartbeatAt = &v
	}
	if reasonCode.Valid {
		v := reasonCode.String
		h.ReasonCode = &v
	}
	if lastEscalation.Valid {
		v := lastEscalation.String
		h.LastEscalationAt = &v
	}
	return h, nil
}

func (s *SQLiteStore) SaveHeartbeatStatus(ctx context.Context, status model.HeartbeatStatus) (model.HeartbeatStatus, error) {
	status.SchemaVersion = model.HeartbeatStatusSchemaVersion
	status.UpdatedAt = nowISO()
	if _, err := s.insertHeartbeatRow(status); err != nil {
		return model.HeartbeatStatus{}, err
	}
	return status, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, taskID, runID string, stepID *string, eventType, severity string, payload any, dedupKey *string) (model.Event, error) {
	if dedupKey != nil && *dedupKey != "" {
		row := s.db.QueryRowContext(ctx,
			`SELECT schema_version, event_id, task_id, run_id, step_id, event_type, severity, timestamp, payload, dedup_key
			 FROM events WHERE run_id = ? AND dedup_key = ? LIMIT 1`, runID, *dedupKey)
		var e model.Event
		var sid, dk sql.NullString
		var rawPayload string
		err := row.Scan(&e.SchemaVersion, &e.EventID, &e.TaskID, &e.RunID, &sid, &e.EventType, &e.Severity, &e.Timestamp, &rawPayload, &dk)
		if err == nil {
			if sid.Valid {
				v := sid.String
				e.StepID = &v
			}
			e.Payload = json.RawMessage(rawPayload)
			if dk.Valid {
				v := dk.String
				e.DedupKey = &v
			}
			return e, nil
		}
		if err != sql.ErrNoRows {
			return model.Event{}, &StoreError{Op: "select", Path: "events", Err: err}
		}
	}

	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return model.Event{}, &StoreError{Op: "marshal", Path: "events", Err: err}
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
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO events (schema_version, event_id, task_id, run_id, step_id, event_type, severity, timestamp, payload, dedup_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.SchemaVersion, event.EventID, event.TaskID, event.RunID, nullablePtr(event.StepID),
		event.EventType, event.Severity, event.Timestamp, string(event.Payload), nullablePtr(event.DedupKey),
	); err != nil {
		return model.Event{}, &StoreError{Op: "insert", Path: "events", Err: err}
	}
	return event, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT schema_version, event_id, task_id, run_id, step_id, event_type, severity, timestamp, payload, dedup_key
		 FROM events ORDER BY seq ASC`)
	if err != nil {
		return nil, &StoreError{Op: "select", Path: "events", Err: err}
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		var sid, dk sql.NullString
		var rawPayload string
		if err := rows.Scan(&e.SchemaVersion, &e.EventID, &e.TaskID, &e.RunID, &sid, &e.EventType, &e.Severity, &e.Timestamp, &rawPayload, &dk); err != nil {
			return nil, &StoreError{Op: "scan", Path: "events", Err: err}
		}
		if sid.Valid {
			v := sid.String
			e.StepID = &v
		}
		e.Payload = json.RawMessage(rawPayload)
		if dk.Valid {
			v := dk.String
			e.DedupKey = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context) ([]model.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT timestamp, node, from_status, to_status, state FROM snapshots ORDER BY seq ASC`)
	if err != nil {
		return nil, &StoreError{Op: "select", Path: "snapshots", Err: err}
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		var snap model.Snapshot
		var node, fromStatus, toStatus sql.NullString
		var stateJSON string
		if err := rows.Scan(&snap.Timestamp, &node, &fromStatus, &toStatus, &stateJSON); err != nil {
			return nil, &StoreError{Op: "scan", Path: "snapshots", Err: err}
		}
		if node.Valid {
			v := node.String
			snap.Node = &v
		}
		if fromStatus.Valid {
			v := fromStatus.String
			snap.FromStatus = &v
		}
		if toStatus.Valid {
			v := toStatus.String
			snap.ToStatus = &v
		}
		if err := json.Unmarshal([]byte(stateJSON), &snap.State); err != nil {
			return nil, &StoreError{Op: "unmarshal", Path: "snapshots.state", Err: ErrNotValidJSON}
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("statestore: close sqlite: %w", err)
	}
	return nil
}
