// Package lease gives a worker exclusive, expiring ownership of a job row.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-alignment/core"
)

// ErrLeaseLost marks a heartbeat or finalize that found the lease held by
// someone else, or expired.
var ErrLeaseLost = core.NewLeaseLostError("lease: job lease lost", nil)

const reclaimNote = "lease: reclaimed after previous holder's lease expired"

type Config struct {
	Duration          time.Duration
	HeartbeatInterval time.Duration
}

func ConfigFrom(cfg core.LeaseConfig) Config {
	return Config{Duration: cfg.Duration, HeartbeatInterval: cfg.HeartbeatInterval}
}

type Manager struct {
	store  core.JobStore
	config Config
	now    func() time.Time
}

func NewManager(store core.JobStore, config Config, now func() time.Time) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("lease: job store is required")
	}
	defaults := ConfigFrom(core.DefaultConfig().Lease)
	if config.Duration <= 0 {
		config.Duration = defaults.Duration
	}
	if config.HeartbeatInterval <= 0 || config.HeartbeatInterval >= config.Duration {
		config.HeartbeatInterval = config.Duration / 4
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{store: store, config: config, now: now}, nil
}

func (m *Manager) Config() Config {
	return m.config
}

// Acquire claims a queued job, or takes over a running job whose lease has
// expired. acquired=false means another worker holds a live lease or the
// job is already terminal.
func (m *Manager) Acquire(ctx context.Context, jobID string, workerID string) (bool, error) {
	claim, err := m.claim(jobID, workerID)
	if err != nil {
		return false, err
	}
	ok, err := m.store.Claim(ctx, claim)
	if err != nil {
		return false, fmt.Errorf("lease: claim %s: %w", claim.JobID, err)
	}
	if ok {
		return true, nil
	}
	claim.Note = reclaimNote
	ok, err = m.store.Reclaim(ctx, claim)
	if err != nil {
		return false, fmt.Errorf("lease: reclaim %s: %w", claim.JobID, err)
	}
	return ok, nil
}

// Heartbeat extends the lease while workerID still holds it.
func (m *Manager) Heartbeat(ctx context.Context, jobID string, workerID string) error {
	claim, err := m.claim(jobID, workerID)
	if err != nil {
		return err
	}
	ok, err := m.store.Heartbeat(ctx, claim)
	if err != nil {
		return fmt.Errorf("lease: heartbeat %s: %w", claim.JobID, err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// Finalize writes the terminal status only if workerID still holds the
// lease, and clears locked_by and lock_expires_at.
func (m *Manager) Finalize(ctx context.Context, in core.JobFinalize) error {
	in.JobID = strings.TrimSpace(in.JobID)
	in.WorkerID = strings.TrimSpace(in.WorkerID)
	if in.At.IsZero() {
		in.At = m.now()
	}
	in.ErrorMessage = core.RedactErrorMessage(in.ErrorMessage)
	ok, err := m.store.Finalize(ctx, in)
	if err != nil {
		return fmt.Errorf("lease: finalize %s: %w", in.JobID, err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

func (m *Manager) claim(jobID, workerID string) (core.LeaseClaim, error) {
	jobID = strings.TrimSpace(jobID)
	workerID = strings.TrimSpace(workerID)
	if jobID == "" || workerID == "" {
		return core.LeaseClaim{}, core.NewBadInputError("lease: job id and worker id are required", nil)
	}
	now := m.now()
	return core.LeaseClaim{
		JobID:     jobID,
		WorkerID:  workerID,
		Now:       now,
		ExpiresAt: now.Add(m.config.Duration),
	}, nil
}

// KeepAlive heartbeats in the background until Stop is called or the lease
// is lost. A failed heartbeat is retried on the next tick; once the last
// successful renewal has expired the lease counts as lost.
type KeepAlive struct {
	lost     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	lostOnce sync.Once
	stopOnce sync.Once
	mu       sync.Mutex
	err      error
}

func (m *Manager) KeepAlive(ctx context.Context, jobID string, workerID string) *KeepAlive {
	keeper := &KeepAlive{
		lost: make(chan struct{}),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go keeper.loop(ctx, m, jobID, workerID)
	return keeper
}

func (k *KeepAlive) loop(ctx context.Context, m *Manager, jobID, workerID string) {
	defer close(k.done)
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()
	renewedAt := m.now()
	for {
		select {
		case <-k.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := m.Heartbeat(ctx, jobID, workerID)
		if err == nil {
			renewedAt = m.now()
			continue
		}
		if errors.Is(err, ErrLeaseLost) || !m.now().Before(renewedAt.Add(m.config.Duration)) {
			k.markLost(err)
			return
		}
	}
}

func (k *KeepAlive) markLost(err error) {
	k.lostOnce.Do(func() {
		k.mu.Lock()
		k.err = err
		k.mu.Unlock()
		close(k.lost)
	})
}

// Lost is closed when the lease can no longer be trusted.
func (k *KeepAlive) Lost() <-chan struct{} {
	return k.lost
}

func (k *KeepAlive) IsLost() bool {
	select {
	case <-k.lost:
		return true
	default:
		return false
	}
}

func (k *KeepAlive) Err() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.err
}

// Stop ends the heartbeat loop and waits for it to exit.
func (k *KeepAlive) Stop() {
	k.stopOnce.Do(func() {
		close(k.stop)
	})
	<-k.done
}
