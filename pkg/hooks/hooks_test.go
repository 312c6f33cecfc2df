// SPDX-License-Identifier: AGPL-3.0-or-later

package hooks

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegisterRejectsDuplicateNameAtSamePoint(t *testing.T) {
	r := NewRuntime(time.Second)
	cb := func(ctx context.Context, ledger, callCtx map[string]any) (map[string]any, error) { return ledger, nil }
	if err := r.Register(PointPreDispatch, "h1", cb, 0, false); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(PointPreDispatch, "h1", cb, 0, false); err == nil {
		t.Fatalf("expected duplicate name rejection")
	}
	if err := r.Register(PointPostAccept, "h1", cb, 0, false); err != nil {
		t.Fatalf("expected same name at a different point to be allowed, got %v", err)
	}
}

func TestRunRollsBackLedgerOnHookError(t *testing.T) {
	r := NewRuntime(time.Second)
	err := r.Register(PointPreDispatch, "H1", func(ctx context.Context, ledger, callCtx map[string]any) (map[string]any, error) {
		ledger["x"] = 1
		return nil, errors.New("boom")
	}, 0, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	result, err := r.Run(context.Background(), PointPreDispatch, map[string]any{"x": 0}, nil, "", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != EntryError {
		t.Fatalf("expected overall status error, got %v", result.Status)
	}
	if result.Ledger["x"] != float64(0) && result.Ledger["x"] != 0 {
		t.Fatalf("expected ledger to be rolled back to x=0, got %v", result.Ledger["x"])
	}
	if len(result.Entries) != 1 || result.Entries[0].Result != EntryError {
		t.Fatalf("expected single error entry, got %+v", result.Entries)
	}
}

func TestRunStopsAtBudgetExceeded(t *testing.T) {
	r := NewRuntime(time.Hour)
	now := time.Now()
	tick := 0
	r.now = func() time.Time {
		tick++
		return now.Add(time.Duration(tick) * time.Minute)
	}
	calls := 0
	cb := func(ctx context.Context, ledger, callCtx map[string]any) (map[string]any, error) {
		calls++
		return ledger, nil
	}
	if err := r.Register(PointPreDispatch, "H1", cb, 0, false); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(PointPreDispatch, "H2", cb, 0, false); err != nil {
		t.Fatalf("Register: %v", err)
	}

	result, err := r.Run(context.Background(), PointPreDispatch, map[string]any{}, nil, "", time.Minute)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != EntryTimeout {
		t.Fatalf("expected overall status timeout, got %v", result.Status)
	}
	if calls != 0 {
		t.Fatalf("expected no hook to run once the budget was already exceeded, got %d calls", calls)
	}
	for _, e := range result.Entries {
		if e.Result != EntryTimeout {
			t.Fatalf("expected every entry to be marked timeout, got %+v", e)
		}
	}
}

func TestRunSkipsIdempotentHookOnCacheHit(t *testing.T) {
	r := NewRuntime(time.Second)
	calls := 0
	cb := func(ctx context.Context, ledger, callCtx map[string]any) (map[string]any, error) {
		calls++
		ledger["calls"] = calls
		return ledger, nil
	}
	if err := r.Register(PointPostAccept, "H1", cb, 0, true); err != nil {
		t.Fatalf("Register: %v", err)
	}

	first, err := r.Run(context.Background(), PointPostAccept, map[string]any{}, nil, "key-1", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if first.Entries[0].Result != EntryOK {
		t.Fatalf("expected first run to execute the hook, got %+v", first.Entries[0])
	}

	second, err := r.Run(context.Background(), PointPostAccept, map[string]any{}, nil, "key-1", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if second.Entries[0].Result != EntrySkipped {
		t.Fatalf("expected second run with the same idempotency key to be skipped, got %+v", second.Entries[0])
	}
	if calls != 1 {
		t.Fatalf("expected the callback to execute exactly once, got %d", calls)
	}
}

func TestRunTimesOutSlowHook(t *testing.T) {
	r := NewRuntime(10 * time.Millisecond)
	err := r.Register(PointPreCompact, "Slow", func(ctx context.Context, ledger, callCtx map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return ledger, nil
	}, 0, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	result, err := r.Run(context.Background(), PointPreCompact, map[string]any{}, nil, "", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != EntryTimeout {
		t.Fatalf("expected status timeout, got %v", result.Status)
	}
	if result.Entries[0].Result != EntryTimeout {
		t.Fatalf("expected entry result timeout, got %+v", result.Entries[0])
	}
}

func TestRunRecoversFromHookPanic(t *testing.T) {
	r := NewRuntime(time.Second)
	err := r.Register(PointSessionStart, "Panicky", func(ctx context.Context, ledger, callCtx map[string]any) (map[string]any, error) {
		panic("unexpected")
	}, 0, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	result, err := r.Run(context.Background(), PointSessionStart, map[string]any{}, nil, "", 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != EntryError {
		t.Fatalf("expected status error after a panic, got %v", result.Status)
	}
	if result.Entries[0].Result != EntryError || result.Entries[0].Error == "" {
		t.Fatalf("expected a recorded error entry, got %+v", result.Entries[0])
	}
}
