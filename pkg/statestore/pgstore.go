// SPDX-License-Identifier: AGPL-3.0-or-later

package statestore

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/daokit/daokit-go/pkg/model"
)

// PGStore is a second SQL alternative backend, kept from the
// teacher's pgx dependency: spec §6 only requires "the same logical
// schemas... with identical field names" across backends, which does
// not restrict which SQL engines qualify alongside the SQLite backend
// it names explicitly.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to Postgres and migrates the daokit schema.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &StoreError{Op: "connect", Path: dsn, Err: err}
	}
	s := &PGStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version TEXT NOT NULL,
			task_id TEXT,
			run_id TEXT,
			goal TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step TEXT,
			steps JSONB NOT NULL,
			role_lifecycle JSONB NOT NULL,
			succession JSONB NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS heartbeat_status (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version TEXT NOT NULL,
			status TEXT NOT NULL,
			last_heartbeat_at TEXT,
			reason_code TEXT,
			warning_after_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			stale_after_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_escalation_at TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq BIGSERIAL PRIMARY KEY,
			schema_version TEXT NOT NULL,
			event_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			step_id TEXT,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			payload JSONB NOT NULL,
			dedup_key TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			seq BIGSERIAL PRIMARY KEY,
			timestamp TEXT NOT NULL,
			node TEXT,
			from_status TEXT,
			to_status TEXT,
			state JSONB NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return &StoreError{Op: "migrate", Path: stmt, Err: err}
		}
	}
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(1) FROM pipeline_state`).Scan(&n); err != nil {
		return &StoreError{Op: "migrate", Path: "pipeline_state", Err: err}
	}
	if n == 0 {
		if _, err := s.SaveState(ctx, defaultPipelineState(), nil, nil, nil); err != nil {
			return err
		}
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(1) FROM heartbeat_status`).Scan(&n); err != nil {
		return &StoreError{Op: "migrate", Path: "heartbeat_status", Err: err}
	}
	if n == 0 {
		if _, err := s.SaveHeartbeatStatus(ctx, defaultHeartbeatStatus()); err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) LoadState(ctx context.Context) (model.TaskRun, error) {
	var t model.TaskRun
	var steps, roles, succession []byte
	row := s.pool.QueryRow(ctx, `SELECT schema_version, COALESCE(task_id,''), COALESCE(run_id,''), goal, status, current_step, steps, role_lifecycle, succession, updated_at FROM pipeline_state WHERE id = 1`)
	if err := row.Scan(&t.SchemaVersion, &t.TaskID, &t.RunID, &t.Goal, &t.Status, &t.CurrentStep, &steps, &roles, &succession, &t.UpdatedAt); err != nil {
		return t, &StoreError{Op: "select", Path: "pipeline_state", Err: err}
	}
	if err := json.Unmarshal(steps, &t.Steps); err != nil {
		return t, &StoreError{Op: "unmarshal", Path: "pipeline_state.steps", Err: ErrNotValidJSON}
	}
	if err := json.Unmarshal(roles, &t.RoleLifecycle); err != nil {
		return t, &StoreError{Op: "unmarshal", Path: "pipeline_state.role_lifecycle", Err: ErrNotValidJSON}
	}
	if err := json.Unmarshal(succession, &t.Succession); err != nil {
		return t, &StoreError{Op: "unmarshal", Path: "pipeline_state.succession", Err: ErrNotValidJSON}
	}
	if t.RoleLifecycle == nil {
		t.RoleLifecycle = map[string]string{}
	}
	return t, nil
}

func (s *PGStore) SaveState(ctx context.Context, state model.TaskRun, node, fromStatus, toStatus *string) (model.TaskRun, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.TaskRun{}, &StoreError{Op: "begin", Path: "pipeline_state", Err: err}
	}
	defer tx.Rollback(ctx)

	payload := state.Clone()
	payload.SchemaVersion = model.PipelineStateSchemaVersion
	payload.UpdatedAt = nowISO()

	steps, _ := json.Marshal(payload.Steps)
	roles, _ := json.Marshal(payload.RoleLifecycle)
	succession, _ := json.Marshal(payload.Succession)
	if _, err := tx.Exec(ctx,
		`INSERT INTO pipeline_state (id, schema_version, task_id, run_id, goal, status, current_step, steps, role_lifecycle, succession, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			schema_version = EXCLUDED.schema_version, task_id = EXCLUDED.task_id, run_id = EXCLUDED.run_id,
			goal = EXCLUDED.goal, status = EXCLUDED.status, current_step = EXCLUDED.current_step,
			steps = EXCLUDED.steps, role_lifecycle = EXCLUDED.role_lifecycle, succession = EXCLUDED.succession,
			updated_at = EXCLUDED.updated_at`,
		payload.SchemaVersion, nullableString(payload.TaskID), nullableString(payload.RunID), payload.Goal,
		string(payload.Status), payload.CurrentStep, steps, roles, succession, payload.UpdatedAt,
	); err != nil {
		return model.TaskRun{}, &StoreError{Op: "upsert", Path: "pipeline_state", Err: err}
	}

	stateJSON, err := json.Marshal(payload)
	if err != nil {
		return model.TaskRun{}, &StoreError{Op: "marshal", Path: "snapshots", Err: err}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO snapshots (timestamp, node, from_status, to_status, state) VALUES ($1, $2, $3, $4, $5)`,
		payload.UpdatedAt, node, fromStatus, toStatus, stateJSON,
	); err != nil {
		return model.TaskRun{}, &StoreError{Op: "insert", Path: "snapshots", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.TaskRun{}, &StoreError{Op: "commit", Path: "pipeline_state", Err: err}
	}
	return payload, nil
}

func (s *PGStore) LoadHeartbeatStatus(ctx context.Context) (model.HeartbeatStatus, error) {
	var h model.HeartbeatStatus
	row := s.pool.QueryRow(ctx, `SELECT schema_version, status, last_heartbeat_at, reason_code, warning_after_seconds, stale_after_seconds, last_escalation_at, updated_at FROM heartbeat_status WHERE id = 1`)
	if err := row.Scan(&h.SchemaVersion, &h.Status, &h.LastHeartbeatAt, &h.ReasonCode, &h.WarningAfterSeconds, &h.StaleAfterSeconds, &h.LastEscalationAt, &h.UpdatedAt); err != nil {
		return h, &StoreError{Op: "select", Path: "heartbeat_status", Err: err}
	}
	return h, nil
}

func (s *PGStore) SaveHeartbeatStatus(ctx context.Context, status model.HeartbeatStatus) (model.HeartbeatStatus, error) {
	status.SchemaVersion = model.HeartbeatStatusSchemaVersion
	status.UpdatedAt = nowISO()
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO heartbeat_status (id, schema_version, status, last_heartbeat_at, reason_code, warning_after_seconds, stale_after_seconds, last_escalation_at, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			schema_version = EXCLUDED.schema_version, status = EXCLUDED.status, last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			reason_code = EXCLUDED.reason_code, warning_after_seconds = EXCLUDED.warning_after_seconds,
			stale_after_seconds = EXCLUDED.stale_after_seconds, last_escalation_at = EXCLUDED.last_escalation_at,
			updated_at = EXCLUDED.updated_at`,
		status.SchemaVersion, status.Status, status.LastHeartbeatAt, status.ReasonCode,
		status.WarningAfterSeconds, status.StaleAfterSeconds, status.LastEscalationAt, status.UpdatedAt,
	); err != nil {
		return model.HeartbeatStatus{}, &StoreError{Op: "upsert", Path: "heartbeat_status", Err: err}
	}
	return status, nil
}

func (s *PGStore) AppendEvent(ctx context.Context, taskID, runID string, stepID *string, eventType, severity string, payload any, dedupKey *string) (model.Event, error) {
	if dedupKey != nil && *dedupKey != "" {
		var e model.Event
		var rawPayload []byte
		row := s.pool.QueryRow(ctx,
			`SELECT schema_version, event_id, task_id, run_id, step_id, event_type, severity, timestamp, payload, dedup_key
			 FROM events WHERE run_id = $1 AND dedup_key = $2 LIMIT 1`, runID, *dedupKey)
		err := row.Scan(&e.SchemaVersion, &e.EventID, &e.TaskID, &e.RunID, &e.StepID, &e.EventType, &e.Severity, &e.Timestamp, &rawPayload, &e.DedupKey)
		if err == nil {
			e.Payload = rawPayload
			return e, nil
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
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO events (schema_version, event_id, task_id, run_id, step_id, event_type, severity, timestamp, payload, dedup_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.SchemaVersion, event.EventID, event.TaskID, event.RunID, event.StepID,
		event.EventType, event.Severity, event.Timestamp, []byte(event.Payload), event.DedupKey,
	); err != nil {
		return model.Event{}, &StoreError{Op: "insert", Path: "events", Err: err}
	}
	return event, nil
}

func (s *PGStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT schema_version, event_id, task_id, run_id, step_id, event_type, severity, timestamp, payload, dedup_key
		 FROM events ORDER BY seq ASC`)
	if err != nil {
		return nil, &StoreError{Op: "select", Path: "events", Err: err}
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		var rawPayload []byte
		if err := rows.Scan(&e.SchemaVersion, &e.EventID, &e.TaskID, &e.RunID, &e.StepID, &e.EventType, &e.Severity, &e.Timestamp, &rawPayload, &e.DedupKey); err != nil {
			return nil, &StoreError{Op: "scan", Path: "events", Err: err}
		}
		e.Payload = rawPayload
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) ListSnapshots(ctx context.Context) ([]model.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT timestamp, node, from_status, to_status, state FROM snapshots ORDER BY seq ASC`)
	if err != nil {
		return nil, &StoreError{Op: "select", Path: "snapshots", Err: err}
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		var snap model.Snapshot
		var stateJSON []byte
		if err := rows.Scan(&snap.Timestamp, &snap.Node, &snap.FromStatus, &snap.ToStatus, &stateJSON); err != nil {
			return nil, &StoreError{Op: "scan", Path: "snapshots", Err: err}
		}
		if err := json.Unmarshal(stateJSON, &snap.State); err != nil {
			return nil, &StoreError{Op: "unmarshal", Path: "snapshots.state", Err: ErrNotValidJSON}
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Close releases the underlying connection pool.
func (s *PGStore) Close() { s.pool.Close() }
