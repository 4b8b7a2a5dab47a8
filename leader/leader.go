// Package leader elects a single holder for periodic work across processes.
package leader

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
)

// ErrNotHeld is returned by Release when the lock was already lost or
// released.
var ErrNotHeld = errors.New("leader: lock not held")

type Handle interface {
	Release(ctx context.Context) error
}

// Locker is a non-blocking mutual exclusion primitive. Contention is
// reported as acquired=false with a nil error.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (Handle, bool, error)
}

// LockID maps a lock key to the signed 64-bit id used by Postgres advisory
// locks. It is FNV-1a so every process derives the same id.
func LockID(key string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(key)))
	return int64(hasher.Sum64())
}

// WithLeaderLock runs fn only when the lock was acquired. ran reports
// whether fn executed; losing the race is not an error.
func WithLeaderLock[T any](ctx context.Context, locker Locker, key string, fn func(context.Context) (T, error)) (result T, ran bool, err error) {
	if locker == nil {
		return result, false, fmt.Errorf("leader: locker is required")
	}
	handle, acquired, err := locker.TryAcquire(ctx, key)
	if err != nil {
		return result, false, fmt.Errorf("leader: acquire %q: %w", key, err)
	}
	if !acquired {
		return result, false, nil
	}
	defer func() {
		// Release on a fresh context so a cancelled tick still frees the lock.
		releaseErr := handle.Release(context.WithoutCancel(ctx))
		if releaseErr != nil && !errors.Is(releaseErr, ErrNotHeld) {
			err = errors.Join(err, fmt.Errorf("leader: release %q: %w", key, releaseErr))
		}
	}()
	result, err = fn(ctx)
	return result, true, err
}

// MemoryLocker serves tests and single-process deployments.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]uint64
	seq  uint64
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]uint64{}}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, key string) (Handle, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, fmt.Errorf("leader: lock key is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]uint64{}
	}
	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	l.seq++
	l.held[key] = l.seq
	return &memoryHandle{locker: l, key: key, token: l.seq}, true, nil
}

// Held reports whether key is currently locked.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[strings.TrimSpace(key)]
	return ok
}

type memoryHandle struct {
	locker *MemoryLocker
	key    string
	token  uint64
}

func (h *memoryHandle) Release(context.Context) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()
	if h.locker.held[h.key] != h.token {
		return ErrNotHeld
	}
	delete(h.locker.held, h.key)
	return nil
}
