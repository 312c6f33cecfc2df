// SPDX-License-Identifier: AGPL-3.0-or-later

package lease

import (
	"context"
	"testing"
	"time"

	"github.com/daokit/daokit-go/pkg/model"
)

func newTestFS(t *testing.T) *FSStore {
	t.Helper()
	fs, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	return fs
}

func TestRegisterRejectsDoubleActiveRegistration(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := Register(ctx, fs, "lane-a", "S1", "TASK", "RUN", "", time.Minute, now); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := Register(ctx, fs, "lane-a", "S1", "TASK", "RUN", "", time.Minute, now); err == nil {
		t.Fatalf("expected second registration of an active lease to fail")
	}
}

func TestRegisterReplacesExpiredLease(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	now := time.Now()

	l1, err := Register(ctx, fs, "lane-a", "S1", "TASK", "RUN", "", time.Millisecond, now)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	later := now.Add(time.Hour)
	l2, err := Register(ctx, fs, "lane-a", "S1", "TASK", "RUN", "", time.Minute, later)
	if err != nil {
		t.Fatalf("expected registration to succeed after expiry, got %v", err)
	}
	if l1.LeaseToken == l2.LeaseToken {
		t.Fatalf("expected a fresh lease token after replacement")
	}
}

func TestRegistryHeartbeatAndRenew(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	now := time.Now()

	l, err := Register(ctx, fs, "lane-a", "S1", "TASK", "RUN", "worker-1", time.Minute, now)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	r := NewRegistry()
	r.Now = func() time.Time { return now.Add(time.Second) }

	hb, err := r.Heartbeat(ctx, fs, "lane-a", "S1", l.LeaseToken)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if hb.LastHeartbeatAt == l.LastHeartbeatAt {
		t.Fatalf("expected last_heartbeat_at to advance")
	}

	renewed, err := r.Renew(ctx, fs, "lane-a", "S1", l.LeaseToken, 2*time.Minute)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if renewed.Expiry == l.Expiry {
		t.Fatalf("expected expiry to advance after renew")
	}
}

func TestRegistryRejectsWrongToken(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := Register(ctx, fs, "lane-a", "S1", "TASK", "RUN", "worker-1", time.Minute, now); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r := NewRegistry()
	r.Now = func() time.Time { return now }
	if _, err := r.Heartbeat(ctx, fs, "lane-a", "S1", "wrong-token"); err == nil {
		t.Fatalf("expected token mismatch error")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	now := time.Now()

	l, err := Register(ctx, fs, "lane-a", "S1", "TASK", "RUN", "worker-1", time.Minute, now)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	r := NewRegistry()
	r.Now = func() time.Time { return now }

	if err := r.Release(ctx, fs, "lane-a", "S1", l.LeaseToken); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := r.Release(ctx, fs, "lane-a", "S1", l.LeaseToken); err != nil {
		t.Fatalf("expected second release to be a no-op, got %v", err)
	}
	if err := r.Release(ctx, fs, "lane-a", "unknown-step", "missing-token"); err != nil {
		t.Fatalf("expected release of a missing lease to be a no-op, got %v", err)
	}
}

func TestTakeoverRunningLeasesRotatesTokens(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	now := time.Now()

	l1, err := Register(ctx, fs, "lane-a", "S1", "TASK", "RUN", "worker-1", time.Hour, now)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := Register(ctx, fs, "lane-a", "S2", "TASK", "RUN", "worker-1", time.Hour, now); err != nil {
		t.Fatalf("Register: %v", err)
	}

	taken, err := TakeoverRunningLeases(ctx, fs, "lane-a", Successor{ThreadID: "thr2", PID: 2002}, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("TakeoverRunningLeases: %v", err)
	}
	if len(taken) != 2 {
		t.Fatalf("expected 2 leases taken over, got %d", len(taken))
	}
	for _, l := range taken {
		if l.LeaseToken == l1.LeaseToken {
			t.Fatalf("expected lease tokens to rotate on takeover")
		}
		if l.ThreadID != "thr2" || l.PID != 2002 {
			t.Fatalf("expected adopted lease to be owned by the successor, got %+v", l)
		}
	}
}

func TestTakeoverRunningLeasesSkipsExpiredLeases(t *testing.T) {
	fs := newTestFS(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := Register(ctx, fs, "lane-a", "S1", "TASK", "RUN", "worker-1", 5*time.Minute, now); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := Register(ctx, fs, "lane-a", "S2", "TASK", "RUN", "worker-1", -time.Minute, now); err != nil {
		t.Fatalf("Register: %v", err)
	}

	taken, err := TakeoverRunningLeases(ctx, fs, "lane-a", Successor{ThreadID: "thr2", PID: 2002}, now)
	if err != nil {
		t.Fatalf("TakeoverRunningLeases: %v", err)
	}
	if len(taken) != 1 || taken[0].StepID != "S1" {
		t.Fatalf("expected only S1 adopted (S2 already expired), got %v", taken)
	}
}

func TestSyncRoleLifecycle(t *testing.T) {
	state := &model.TaskRun{}
	leases := []model.Lease{{StepID: "S1", Status: model.LeaseActive}}
	SyncRoleLifecycle(state, leases)
	if state.RoleLifecycle["lease:S1"] != string(model.LeaseActive) {
		t.Fatalf("expected role_lifecycle to reflect lease status")
	}
}
