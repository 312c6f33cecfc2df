// SPDX-License-Identifier: AGPL-3.0-or-later

// Package heartbeat implements liveness evaluation for a running
// TaskRun (spec §4.4): a pure classification function plus a Daemon
// that persists the result and emits one deduplicated HEARTBEAT_STALE
// event per edge-transition into STALE.
package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/daokit/daokit-go/pkg/metrics"
	"github.com/daokit/daokit-go/pkg/model"
	"github.com/daokit/daokit-go/pkg/statestore"
)

// Thresholds bound the silence-based classification. CheckInterval
// must be <= WarningAfter <= StaleAfter.
type Thresholds struct {
	CheckInterval time.Duration
	WarningAfter  time.Duration
	StaleAfter    time.Duration
}

// Validate enforces the ordering invariant the Python original's
// evaluator.py asserts at construction time.
func (t Thresholds) Validate() error {
	if t.CheckInterval <= 0 || t.WarningAfter <= 0 || t.StaleAfter <= 0 {
		return fmt.Errorf("heartbeat: thresholds must be positive durations")
	}
	if t.CheckInterval > t.WarningAfter {
		return fmt.Errorf("heartbeat: check_interval (%s) must be <= warning_after (%s)", t.CheckInterval, t.WarningAfter)
	}
	if t.WarningAfter > t.StaleAfter {
		return fmt.Errorf("heartbeat: warning_after (%s) must be <= stale_after (%s)", t.WarningAfter, t.StaleAfter)
	}
	return nil
}

// Classification is the outcome of Evaluate.
type Classification struct {
	Status     string // IDLE, RUNNING, WARNING, STALE
	ReasonCode string // empty unless Status is WARNING or STALE
}

// Evaluate classifies liveness from silence since the effective
// signal: max(explicitHeartbeatAt, latestArtifactMtime). When active
// is false (execution is not running at all) the result is always
// IDLE. When active is true but no signal has ever been observed
// (explicitHeartbeatAt and latestArtifactMtime are both zero), silence
// is treated as exactly t.StaleAfter, which routes to STALE rather
// than IDLE -- matching evaluator.py's "no signal yet" handling.
func Evaluate(now time.Time, active bool, explicitHeartbeatAt, latestArtifactMtime time.Time, t Thresholds) Classification {
	if !active {
		return Classification{Status: model.HeartbeatIdle}
	}

	effective := explicitHeartbeatAt
	if latestArtifactMtime.After(effective) {
		effective = latestArtifactMtime
	}

	var silence time.Duration
	if effective.IsZero() {
		silence = t.StaleAfter
	} else if silence = now.Sub(effective); silence < 0 {
		silence = 0
	}

	switch {
	case silence >= t.StaleAfter:
		return Classification{Status: model.HeartbeatStale, ReasonCode: silenceReasonCode(t.StaleAfter)}
	case silence >= t.WarningAfter:
		return Classification{Status: model.HeartbeatWarning, ReasonCode: silenceReasonCode(t.WarningAfter)}
	default:
		return Classification{Status: model.HeartbeatRunning}
	}
}

// silenceReasonCode derives the NO_OUTPUT_<unit> reason code from the
// configured threshold that was crossed (stale_after or warning_after),
// not from the elapsed silence duration, matching evaluator.py's
// silence_reason_code(threshold_seconds) exactly.
func silenceReasonCode(threshold time.Duration) string {
	secs := int64(threshold / time.Second)
	switch {
	case secs%3600 == 0:
		return fmt.Sprintf("NO_OUTPUT_%dH", secs/3600)
	case secs%60 == 0:
		return fmt.Sprintf("NO_OUTPUT_%dM", secs/60)
	default:
		return fmt.Sprintf("NO_OUTPUT_%dS", secs)
	}
}

// Daemon persists heartbeat status and emits deduplicated
// HEARTBEAT_STALE events on the IDLE/RUNNING/WARNING -> STALE edge.
type Daemon struct {
	Store      statestore.Store
	Thresholds Thresholds
	Now        func() time.Time

	// Metrics records heartbeat_stale_transitions_total on every
	// edge-transition into STALE. Nil disables recording.
	Metrics *metrics.Metrics

	explicitAt time.Time
	artifactAt time.Time
}

// NewDaemon constructs a Daemon after validating thresholds.
func NewDaemon(store statestore.Store, thresholds Thresholds) (*Daemon, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Daemon{Store: store, Thresholds: thresholds, Now: time.Now}, nil
}

func (d *Daemon) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// RecordExplicitHeartbeat records an explicit liveness signal (a
// caller actively reporting progress), independent of artifact mtimes.
func (d *Daemon) RecordExplicitHeartbeat(at time.Time) {
	if at.After(d.explicitAt) {
		d.explicitAt = at
	}
}

// RecordArtifactMtime folds in the latest observed artifact mtime,
// the implicit half of the effective-signal computation.
func (d *Daemon) RecordArtifactMtime(at time.Time) {
	if at.After(d.artifactAt) {
		d.artifactAt = at
	}
}

// LatestArtifactMtime reports the most recent mtime folded in so far.
func (d *Daemon) LatestArtifactMtime() time.Time { return d.artifactAt }

// Tick evaluates current liveness, persists the result, and - only on
// the edge-transition into STALE - appends a deduplicated
// HEARTBEAT_STALE event. The edge check compares against the
// previously *persisted* status, not a timestamp, matching the Python
// original's daemon.py exactly.
func (d *Daemon) Tick(ctx context.Context, taskID, runID string) (model.HeartbeatStatus, error) {
	prior, err := d.Store.LoadHeartbeatStatus(ctx)
	if err != nil {
		return model.HeartbeatStatus{}, err
	}

	now := d.now()
	// Tick represents a live check against a running orchestrator
	// process, so execution is always considered active here --
	// matching HeartbeatDaemon.tick()'s hardcoded execution_active=True.
	classification := Evaluate(now, true, d.explicitAt, d.artifactAt, d.Thresholds)

	updated := prior
	updated.Status = classification.Status
	updated.WarningAfterSeconds = d.Thresholds.WarningAfter.Seconds()
	updated.StaleAfterSeconds = d.Thresholds.StaleAfter.Seconds()
	if classification.ReasonCode != "" {
		rc := classification.ReasonCode
		updated.ReasonCode = &rc
	} else {
		updated.ReasonCode = nil
	}
	if !d.explicitAt.IsZero() {
		ts := d.explicitAt.UTC().Format(time.RFC3339)
		updated.LastHeartbeatAt = &ts
	}

	edgeIntoStale := classification.Status == model.HeartbeatStale && prior.Status != model.HeartbeatStale
	if edgeIntoStale {
		ts := now.UTC().Format(time.RFC3339)
		updated.LastEscalationAt = &ts
		if d.Metrics != nil {
			d.Metrics.RecordHeartbeatStale(classification.ReasonCode)
		}
	}

	saved, err := d.Store.SaveHeartbeatStatus(ctx, updated)
	if err != nil {
		return saved, err
	}

	if edgeIntoStale {
		signal := d.explicitAt
		if d.artifactAt.After(signal) {
			signal = d.artifactAt
		}
		signalISO := ""
		if !signal.IsZero() {
			signalISO = signal.UTC().Format(time.RFC3339)
		}
		dedupKey := fmt.Sprintf("heartbeat-stale:%s:%s:%s:%s", taskID, runID, classification.ReasonCode, signalISO)
		payload := map[string]any{
			"reason_code": classification.ReasonCode,
			"since":       now.UTC().Format(time.RFC3339),
		}
		if _, err := d.Store.AppendEvent(ctx, taskID, runID, nil, model.EventHeartbeatStale, model.SeverityWarn, payload, &dedupKey); err != nil {
			return saved, err
		}
	}

	return saved, nil
}
