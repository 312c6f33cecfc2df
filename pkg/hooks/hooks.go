// SPDX-License-Identifier: AGPL-3.0-or-later

// Package hooks implements the Hook Runtime (spec §4.9): four
// lifecycle points executed sequentially against a working ledger,
// with an idempotency cache, a cumulative timeout budget, and
// rollback-on-error/timeout semantics.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Point is one of the four lifecycle points a hook can register for.
type Point string

const (
	PointPreDispatch  Point = "pre-dispatch"
	PointPostAccept   Point = "post-accept"
	PointPreCompact   Point = "pre-compact"
	PointSessionStart Point = "session-start"
)

// Callback is a registered hook body. It receives a deep copy of the
// working ledger and the caller-supplied context map, and returns the
// (possibly mutated) ledger or an error.
type Callback func(ctx context.Context, ledger map[string]any, callCtx map[string]any) (map[string]any, error)

type registration struct {
	Point      Point
	Name       string
	Callback   Callback
	Timeout    time.Duration
	Idempotent bool
}

// EntryResult is the per-hook outcome recorded in a Run.
type EntryResult string

const (
	EntryOK      EntryResult = "ok"
	EntrySkipped EntryResult = "skipped"
	EntryError   EntryResult = "error"
	EntryTimeout EntryResult = "timeout"
)

// Entry is one hook's execution record.
type Entry struct {
	Name   string
	Result EntryResult
	Error  string `json:",omitempty"`
}

// RunResult is returned by Run.
type RunResult struct {
	Status  EntryResult // ok, error, or timeout, summarizing the whole run
	Ledger  map[string]any
	Entries []Entry
}

type cacheKey struct {
	Point Point
	Name  string
	Key   string
}

// Runtime is the Hook Runtime: a registry of per-point callbacks plus
// an idempotency cache keyed by (point, name, idempotency_key).
type Runtime struct {
	registrations  map[Point][]registration
	cache          map[cacheKey]map[string]any
	defaultTimeout time.Duration
	now            func() time.Time
}

// NewRuntime constructs an empty Runtime. defaultTimeout bounds any
// hook registered without an explicit timeout.
func NewRuntime(defaultTimeout time.Duration) *Runtime {
	return &Runtime{
		registrations:  map[Point][]registration{},
		cache:          map[cacheKey]map[string]any{},
		defaultTimeout: defaultTimeout,
		now:            time.Now,
	}
}

// Register adds a hook at point under name. Duplicate names at the
// same point are rejected.
func (r *Runtime) Register(point Point, name string, cb Callback, timeout time.Duration, idempotent bool) error {
	for _, existing := range r.registrations[point] {
		if existing.Name == name {
			return fmt.Errorf("hooks: duplicate hook name %q at point %q", name, point)
		}
	}
	r.registrations[point] = append(r.registrations[point], registration{
		Point:      point,
		Name:       name,
		Callback:   cb,
		Timeout:    timeout,
		Idempotent: idempotent,
	})
	return nil
}

// RegisterSkill bulk-registers every hook a skill exposes, a
// supplemented feature beyond the core register/run pair: a "skill"
// is just a named bundle of (point, callback) pairs registered
// together under a shared name prefix, useful for plugin-style
// extension points.
func (r *Runtime) RegisterSkill(skillName string, callbacks map[Point]Callback, timeout time.Duration, idempotent bool) error {
	for point, cb := range callbacks {
		name := skillName + ":" + string(point)
		if err := r.Register(point, name, cb, timeout, idempotent); err != nil {
			return err
		}
	}
	return nil
}

// ListRegistered returns the hook names registered at point, in
// registration order.
func (r *Runtime) ListRegistered(point Point) []string {
	regs := r.registrations[point]
	out := make([]string, len(regs))
	for i, reg := range regs {
		out[i] = reg.Name
	}
	return out
}

// Run executes every hook registered at point, in registration order,
// against a deep copy of ledger. idempotencyKey gates the cache for
// idempotent hooks only; timeoutBudget bounds cumulative elapsed time
// across the whole run.
func (r *Runtime) Run(ctx context.Context, point Point, ledger map[string]any, callCtx map[string]any, idempotencyKey string, timeoutBudget time.Duration) (RunResult, error) {
	working := deepCopy(ledger)
	entries := make([]Entry, 0, len(r.registrations[point]))
	status := EntryOK

	start := r.now()
	budgetExceeded := false

	for _, reg := range r.registrations[point] {
		elapsed := r.now().Sub(start)
		if timeoutBudget > 0 && elapsed >= timeoutBudget {
			budgetExceeded = true
		}
		if budgetExceeded {
			entries = append(entries, Entry{Name: reg.Name, Result: EntryTimeout})
			status = EntryTimeout
			continue
		}

		if idempotencyKey != "" && reg.Idempotent {
			key := cacheKey{Point: point, Name: reg.Name, Key: idempotencyKey}
			if cached, ok := r.cache[key]; ok {
				working = deepCopy(cached)
				entries = append(entries, Entry{Name: reg.Name, Result: EntrySkipped})
				continue
			}
		}

		effectiveTimeout := r.effectiveTimeout(reg, timeoutBudget, elapsed)
		result, err := r.runOne(ctx, reg, working, callCtx, effectiveTimeout)
		switch {
		case err != nil:
			entries = append(entries, Entry{Name: reg.Name, Result: EntryError, Error: err.Error()})
			status = EntryError
			// working ledger is left unchanged: reg.Callback's own
			// failed attempt never replaced it.
		case result == nil:
			entries = append(entries, Entry{Name: reg.Name, Result: EntryTimeout})
			status = EntryTimeout
		default:
			working = result
			entries = append(entries, Entry{Name: reg.Name, Result: EntryOK})
			if idempotencyKey != "" && reg.Idempotent {
				key := cacheKey{Point: point, Name: reg.Name, Key: idempotencyKey}
				r.cache[key] = deepCopy(working)
			}
		}
	}

	return RunResult{Status: status, Ledger: working, Entries: entries}, nil
}

func (r *Runtime) effectiveTimeout(reg registration, budget, elapsed time.Duration) time.Duration {
	timeout := reg.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	if budget > 0 {
		remaining := budget - elapsed
		if remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

// runOne executes a single hook against a deep copy of working,
// reverting to the original on error or timeout. A nil, nil return
// means the hook timed out.
func (r *Runtime) runOne(ctx context.Context, reg registration, working map[string]any, callCtx map[string]any, timeout time.Duration) (map[string]any, error) {
	attempt := deepCopy(working)
	callCtx2, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		ledger map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("hooks: hook %q panicked: %v", reg.Name, p)}
			}
		}()
		ledger, err := reg.Callback(callCtx2, attempt, callCtx)
		done <- outcome{ledger: ledger, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		return o.ledger, nil
	case <-callCtx2.Done():
		return nil, nil
	}
}

// deepCopy round-trips v through JSON, the Go analogue of the Python
// original's copy.deepcopy over a JSON-shaped ledger.
func deepCopy(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("hooks: marshal for deep copy: %v", err))
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("hooks: unmarshal for deep copy: %v", err))
	}
	return out
}
