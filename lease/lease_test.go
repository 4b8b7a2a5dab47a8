package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-alignment/core"
)

type stubJobStore struct {
	mu           sync.Mutex
	claimOK      bool
	reclaimOK    bool
	heartbeatOK  bool
	heartbeatErr error
	finalizeOK   bool
	claims       []core.LeaseClaim
	reclaims     []core.LeaseClaim
	heartbeats   int
	finalized    []core.JobFinalize
}

func (s *stubJobStore) Create(_ context.Context, job core.AlignmentJob) (core.AlignmentJob, error) {
	return job, nil
}

func (s *stubJobStore) Get(context.Context, string) (core.AlignmentJob, error) {
	return core.AlignmentJob{}, core.ErrNotFound
}

func (s *stubJobStore) Claim(_ context.Context, claim core.LeaseClaim) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims = append(s.claims, claim)
	return s.claimOK, nil
}

func (s *stubJobStore) Reclaim(_ context.Context, claim core.LeaseClaim) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reclaims = append(s.reclaims, claim)
	return s.reclaimOK, nil
}

func (s *stubJobStore) Heartbeat(context.Context, core.LeaseClaim) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return s.heartbeatOK, s.heartbeatErr
}

func (s *stubJobStore) Finalize(_ context.Context, in core.JobFinalize) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = append(s.finalized, in)
	return s.finalizeOK, nil
}

func (s *stubJobStore) ListClaimable(context.Context, time.Time, int) ([]core.AlignmentJob, error) {
	return nil, nil
}

func (s *stubJobStore) CountCreatedSince(context.Context, string, time.Time) (int, error) {
	return 0, nil
}

func (s *stubJobStore) HasOpen(context.Context, string, string) (bool, error) {
	return false, nil
}

func (s *stubJobStore) LastSuccess(context.Context, string) (*time.Time, error) {
	return nil, nil
}

var fixedNow = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, store *stubJobStore, cfg Config) *Manager {
	t.Helper()
	manager, err := NewManager(store, cfg, func() time.Time { return fixedNow })
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return manager
}

func TestAcquire_ClaimsQueuedJob(t *testing.T) {
	store := &stubJobStore{claimOK: true}
	manager := newTestManager(t, store, Config{Duration: 2 * time.Minute, HeartbeatInterval: 30 * time.Second})

	ok, err := manager.Acquire(context.Background(), "job_1", "worker_a")
	if err != nil || !ok {
		t.Fatalf("expected acquire, got ok=%v err=%v", ok, err)
	}
	if len(store.reclaims) != 0 {
		t.Fatalf("reclaim must not run after a successful claim")
	}
	claim := store.claims[0]
	if !claim.ExpiresAt.Equal(fixedNow.Add(2*time.Minute)) || claim.WorkerID != "worker_a" {
		t.Fatalf("unexpected claim %+v", claim)
	}
}

func TestAcquire_FallsBackToReclaimWithNote(t *testing.T) {
	store := &stubJobStore{reclaimOK: true}
	manager := newTestManager(t, store, Config{})

	ok, err := manager.Acquire(context.Background(), "job_1", "worker_b")
	if err != nil || !ok {
		t.Fatalf("expected reclaim, got ok=%v err=%v", ok, err)
	}
	if len(store.reclaims) != 1 || store.reclaims[0].Note == "" {
		t.Fatalf("expected reclaim with audit note, got %+v", store.reclaims)
	}
}

func TestAcquire_ReportsLiveLease(t *testing.T) {
	manager := newTestManager(t, &stubJobStore{}, Config{})
	ok, err := manager.Acquire(context.Background(), "job_1", "worker_b")
	if err != nil || ok {
		t.Fatalf("expected acquired=false without error, got ok=%v err=%v", ok, err)
	}
	if _, err := manager.Acquire(context.Background(), "", "worker_b"); err == nil {
		t.Fatalf("expected missing job id error")
	}
}

func TestHeartbeatAndFinalize_ReturnLeaseLost(t *testing.T) {
	store := &stubJobStore{}
	manager := newTestManager(t, store, Config{})

	if err := manager.Heartbeat(context.Background(), "job_1", "worker_a"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost from heartbeat, got %v", err)
	}
	err := manager.Finalize(context.Background(), core.JobFinalize{
		JobID:        "job_1",
		WorkerID:     "worker_a",
		Status:       core.JobStatusFailed,
		ErrorMessage: "analysis failed api_key=sk-123",
	})
	if !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost from finalize, got %v", err)
	}
	if store.finalized[0].ErrorMessage == "analysis failed api_key=sk-123" {
		t.Fatalf("expected redacted error message")
	}
	if !store.finalized[0].At.Equal(fixedNow) {
		t.Fatalf("expected finalize time from clock")
	}
}

func TestNewManager_ClampsHeartbeat(t *testing.T) {
	manager := newTestManager(t, &stubJobStore{}, Config{Duration: time.Minute, HeartbeatInterval: 2 * time.Minute})
	if manager.Config().HeartbeatInterval != 15*time.Second {
		t.Fatalf("expected heartbeat clamped to a quarter lease, got %s", manager.Config().HeartbeatInterval)
	}
}

func TestKeepAlive_SignalsLostLease(t *testing.T) {
	store := &stubJobStore{}
	manager, err := NewManager(store, Config{Duration: 40 * time.Millisecond, HeartbeatInterval: 5 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	keeper := manager.KeepAlive(context.Background(), "job_1", "worker_a")
	defer keeper.Stop()

	select {
	case <-keeper.Lost():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected lease lost signal")
	}
	if !keeper.IsLost() || !errors.Is(keeper.Err(), ErrLeaseLost) {
		t.Fatalf("expected lost state with ErrLeaseLost, got %v", keeper.Err())
	}
}

func TestKeepAlive_RenewsUntilStopped(t *testing.T) {
	store := &stubJobStore{heartbeatOK: true}
	manager, err := NewManager(store, Config{Duration: 40 * time.Millisecond, HeartbeatInterval: 5 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	keeper := manager.KeepAlive(context.Background(), "job_1", "worker_a")
	time.Sleep(40 * time.Millisecond)
	keeper.Stop()

	if keeper.IsLost() {
		t.Fatalf("lease must not be lost while heartbeats succeed")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.heartbeats == 0 {
		t.Fatalf("expected heartbeats to run")
	}
}
