package leader

import (
	"context"
	"errors"
	"testing"
)

func TestLockID_StableAndDistinct(t *testing.T) {
	if LockID("alignment:scheduler") != LockID(" alignment:scheduler ") {
		t.Fatalf("expected trimmed keys to share an id")
	}
	if LockID("alignment:scheduler") == LockID("alignment:dlq") {
		t.Fatalf("expected distinct keys to differ")
	}
	// FNV-1a 64 offset basis for the empty key.
	if uint64(LockID("")) != 0xcbf29ce484222325 {
		t.Fatalf("unexpected empty-key hash %x", uint64(LockID("")))
	}
}

func TestMemoryLocker_ExcludesSecondHolder(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	first, ok, err := locker.TryAcquire(ctx, "tick")
	if err != nil || !ok {
		t.Fatalf("expected first acquire, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := locker.TryAcquire(ctx, "tick"); err != nil || ok {
		t.Fatalf("expected contention, got ok=%v err=%v", ok, err)
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := first.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld on double release, got %v", err)
	}
	if _, ok, _ := locker.TryAcquire(ctx, "tick"); !ok {
		t.Fatalf("expected reacquire after release")
	}
}

func TestWithLeaderLock_RunsOnceUnderContention(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	value, ran, err := WithLeaderLock(ctx, locker, "tick", func(ctx context.Context) (int, error) {
		if !locker.Held("tick") {
			t.Fatalf("expected lock held during fn")
		}
		_, innerRan, innerErr := WithLeaderLock(ctx, locker, "tick", func(context.Context) (int, error) {
			t.Fatalf("contended fn must not run")
			return 0, nil
		})
		if innerRan || innerErr != nil {
			t.Fatalf("expected ran=false without error, got ran=%v err=%v", innerRan, innerErr)
		}
		return 42, nil
	})
	if err != nil || !ran || value != 42 {
		t.Fatalf("unexpected result value=%d ran=%v err=%v", value, ran, err)
	}
	if locker.Held("tick") {
		t.Fatalf("expected lock released after fn")
	}
}

func TestWithLeaderLock_ReleasesOnError(t *testing.T) {
	locker := NewMemoryLocker()
	boom := errors.New("boom")
	_, ran, err := WithLeaderLock(context.Background(), locker, "tick", func(context.Context) (struct{}, error) {
		return struct{}{}, boom
	})
	if !ran || !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got ran=%v err=%v", ran, err)
	}
	if locker.Held("tick") {
		t.Fatalf("expected lock released after failure")
	}
}

func TestWithLeaderLock_RequiresLocker(t *testing.T) {
	if _, _, err := WithLeaderLock(context.Background(), nil, "tick", func(context.Context) (int, error) { return 0, nil }); err == nil {
		t.Fatalf("expected missing locker error")
	}
}

func TestConstructorsValidate(t *testing.T) {
	if _, err := NewPostgresLocker(nil); err == nil {
		t.Fatalf("expected postgres locker to require a db")
	}
	if _, err := NewRedisLocker(nil, "", 0); err == nil {
		t.Fatalf("expected redis locker to require a client")
	}
}
