// SPDX-License-Identifier: AGPL-3.0-or-later

// Package lease implements the process lease registry (spec §4.5): a
// file-backed ledger of expiring, exclusive claims on a (lane,
// step_id) pair, used to coordinate concurrent workers and recover
// from crashed ones via takeover.
package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	catrate "github.com/joeycumines/go-catrate"

	"github.com/daokit/daokit-go/pkg/model"
)

const defaultLane = "default"

func normalizeLane(lane string) string {
	lane = strings.TrimSpace(lane)
	if lane == "" {
		return defaultLane
	}
	return strings.ToLower(lane)
}

// Registry rate-limits Heartbeat/Renew calls per lane against a
// caller-supplied FileStore, bounding file-lock contention under
// concurrent workers.
type Registry struct {
	Now func() time.Time

	limiter *catrate.Limiter
	mu      sync.Mutex
}

// NewRegistry constructs a Registry with a per-lane rate limit of 5
// heartbeat/renew calls per second, matching the registry's file-write
// cadence under normal operation.
func NewRegistry() *Registry {
	return &Registry{
		Now:     time.Now,
		limiter: catrate.NewLimiter(map[time.Duration]int{time.Second: 5}),
	}
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// defaultThreadID derives a default thread identity from the process
// id and a random suffix when a caller does not supply one, mirroring
// the Python original's OS-thread-identity default. No library for
// reading the calling goroutine's id was retrieved in the pack (see
// DESIGN.md), so this intentionally avoids runtime stack introspection.
func defaultThreadID() string {
	return fmt.Sprintf("pid-%d-%s", os.Getpid(), randomToken()[:8])
}

func randomToken() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// FileStore is the lease-registry analogue of statestore.Store's
// LoadState/SaveState, persisted as a sibling JSON document at the
// same state root. Since statestore.Store does not expose a generic
// file API, Registry depends on this narrower interface; FSStore in
// this package is the filesystem-backed implementation.
type FileStore interface {
	LoadLeases(ctx context.Context) (model.LeaseRegistryFile, error)
	SaveLeases(ctx context.Context, file model.LeaseRegistryFile) (model.LeaseRegistryFile, error)
}

// Register creates a new ACTIVE lease for (lane, stepID), rejecting a
// second registration while an unexpired lease is already active for
// the same key.
func Register(ctx context.Context, fs FileStore, lane, stepID, taskID, runID, threadID string, ttl time.Duration, now time.Time) (model.Lease, error) {
	lane = normalizeLane(lane)
	if threadID == "" {
		threadID = defaultThreadID()
	}
	file, err := fs.LoadLeases(ctx)
	if err != nil {
		return model.Lease{}, err
	}
	file = expireStaleLocked(file, now)

	for i, existing := range file.Leases {
		if existing.Lane == lane && existing.StepID == stepID {
			if existing.Status == model.LeaseActive {
				return model.Lease{}, fmt.Errorf("lease: lane %q step %q already has an active lease", lane, stepID)
			}
			// A released/expired lease for this key is replaced in place.
			file.Leases[i] = newLease(lane, stepID, taskID, runID, threadID, ttl, now)
			saved, err := fs.SaveLeases(ctx, file)
			if err != nil {
				return model.Lease{}, err
			}
			return findLease(saved, lane, stepID)
		}
	}

	l := newLease(lane, stepID, taskID, runID, threadID, ttl, now)
	file.Leases = append(file.Leases, l)
	saved, err := fs.SaveLeases(ctx, file)
	if err != nil {
		return model.Lease{}, err
	}
	return findLease(saved, lane, stepID)
}

func newLease(lane, stepID, taskID, runID, threadID string, ttl time.Duration, now time.Time) model.Lease {
	ts := now.UTC().Format(time.RFC3339)
	return model.Lease{
		Lane:            lane,
		StepID:          stepID,
		TaskID:          taskID,
		RunID:           runID,
		ThreadID:        threadID,
		PID:             0,
		LeaseToken:      randomToken(),
		Expiry:          now.Add(ttl).UTC().Format(time.RFC3339),
		Status:          model.LeaseActive,
		LastHeartbeatAt: ts,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
}

func findLease(file model.LeaseRegistryFile, lane, stepID string) (model.Lease, error) {
	for _, l := range file.Leases {
		if l.Lane == lane && l.StepID == stepID {
			return l, nil
		}
	}
	return model.Lease{}, fmt.Errorf("lease: no lease found for lane %q step %q", lane, stepID)
}

// Heartbeat refreshes last_heartbeat_at without extending expiry,
// rate-limited per lane.
func (r *Registry) Heartbeat(ctx context.Context, fs FileStore, lane, stepID, leaseToken string) (model.Lease, error) {
	lane = normalizeLane(lane)
	if _, allowed := r.limiter.Allow(lane); !allowed {
		return model.Lease{}, fmt.Errorf("lease: heartbeat rate limit exceeded for lane %q", lane)
	}
	return r.mutate(ctx, fs, lane, stepID, leaseToken, func(l *model.Lease, now time.Time) error {
		l.LastHeartbeatAt = now.UTC().Format(time.RFC3339)
		return nil
	})
}

// Renew extends a lease's expiry by ttl, rate-limited per lane.
func (r *Registry) Renew(ctx context.Context, fs FileStore, lane, stepID, leaseToken string, ttl time.Duration) (model.Lease, error) {
	lane = normalizeLane(lane)
	if _, allowed := r.limiter.Allow(lane); !allowed {
		return model.Lease{}, fmt.Errorf("lease: renew rate limit exceeded for lane %q", lane)
	}
	return r.mutate(ctx, fs, lane, stepID, leaseToken, func(l *model.Lease, now time.Time) error {
		l.Expiry = now.Add(ttl).UTC().Format(time.RFC3339)
		return nil
	})
}

// Release marks a lease RELEASED. Releasing an already-released or
// missing lease is a no-op success, matching the Python original's
// idempotent release.
func (r *Registry) Release(ctx context.Context, fs FileStore, lane, stepID, leaseToken string) error {
	lane = normalizeLane(lane)
	file, err := fs.LoadLeases(ctx)
	if err != nil {
		return err
	}
	found := false
	for i, l := range file.Leases {
		if l.Lane == lane && l.StepID == stepID && l.LeaseToken == leaseToken {
			file.Leases[i].Status = model.LeaseReleased
			file.Leases[i].UpdatedAt = r.now().UTC().Format(time.RFC3339)
			found = true
		}
	}
	if !found {
		return nil
	}
	_, err = fs.SaveLeases(ctx, file)
	return err
}

func (r *Registry) mutate(ctx context.Context, fs FileStore, lane, stepID, leaseToken string, fn func(l *model.Lease, now time.Time) error) (model.Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := fs.LoadLeases(ctx)
	if err != nil {
		return model.Lease{}, err
	}
	now := r.now()
	file = expireStaleLocked(file, now)

	for i, l := range file.Leases {
		if l.Lane != lane || l.StepID != stepID {
			continue
		}
		if l.LeaseToken != leaseToken {
			return model.Lease{}, fmt.Errorf("lease: token mismatch for lane %q step %q", lane, stepID)
		}
		if l.Status != model.LeaseActive {
			return model.Lease{}, fmt.Errorf("lease: lane %q step %q is not ACTIVE (status %q)", lane, stepID, l.Status)
		}
		if err := fn(&file.Leases[i], now); err != nil {
			return model.Lease{}, err
		}
		file.Leases[i].UpdatedAt = now.UTC().Format(time.RFC3339)
		saved, err := fs.SaveLeases(ctx, file)
		if err != nil {
			return model.Lease{}, err
		}
		return findLease(saved, lane, stepID)
	}
	return model.Lease{}, fmt.Errorf("lease: no lease found for lane %q step %q", lane, stepID)
}

// expireStaleLocked flips any ACTIVE lease whose expiry has passed to
// EXPIRED, as a side effect of any registry read. Expired leases are
// retained indefinitely in the ledger (spec open question 1).
func expireStaleLocked(file model.LeaseRegistryFile, now time.Time) model.LeaseRegistryFile {
	for i, l := range file.Leases {
		if l.Status != model.LeaseActive {
			continue
		}
		expiry, err := time.Parse(time.RFC3339, l.Expiry)
		if err != nil {
			continue
		}
		if now.After(expiry) {
			file.Leases[i].Status = model.LeaseExpired
			file.Leases[i].UpdatedAt = now.UTC().Format(time.RFC3339)
		}
	}
	return file
}

// Successor identifies the worker taking over a lane's active leases.
type Successor struct {
	ThreadID string
	PID      int
}

// TakeoverRunningLeases rotates the lease_token on every ACTIVE lease
// in lane and reassigns it to successor, returning the updated
// leases; any lease that expired as a side effect of this read is
// left EXPIRED, not taken over. Used by pkg/succession to adopt a
// crashed worker's in-flight steps.
func TakeoverRunningLeases(ctx context.Context, fs FileStore, lane string, successor Successor, now time.Time) ([]model.Lease, error) {
	lane = normalizeLane(lane)
	file, err := fs.LoadLeases(ctx)
	if err != nil {
		return nil, err
	}
	file = expireStaleLocked(file, now)

	var taken []model.Lease
	for i, l := range file.Leases {
		if l.Lane != lane || l.Status != model.LeaseActive {
			continue
		}
		file.Leases[i].LeaseToken = randomToken()
		if successor.ThreadID != "" {
			file.Leases[i].ThreadID = successor.ThreadID
		}
		if successor.PID != 0 {
			file.Leases[i].PID = successor.PID
		}
		file.Leases[i].UpdatedAt = now.UTC().Format(time.RFC3339)
		taken = append(taken, file.Leases[i])
	}
	if len(taken) == 0 {
		return nil, nil
	}
	if _, err := fs.SaveLeases(ctx, file); err != nil {
		return nil, err
	}
	return taken, nil
}

// SyncRoleLifecycle mirrors lane ownership for the given leases back
// into a TaskRun's role_lifecycle map, so the ledger always reflects
// who currently holds a step's lease.
func SyncRoleLifecycle(state *model.TaskRun, leases []model.Lease) {
	if state.RoleLifecycle == nil {
		state.RoleLifecycle = map[string]string{}
	}
	for _, l := range leases {
		state.RoleLifecycle["lease:"+l.StepID] = string(l.Status)
	}
}
