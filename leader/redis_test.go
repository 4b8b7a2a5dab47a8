package leader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// scriptedRedis keeps string keys in memory and answers the lock scripts by
// their hash. Every extension is reported on extended.
type scriptedRedis struct {
	mu       sync.Mutex
	values   map[string]string
	ttls     map[string]time.Duration
	extended chan string
}

func newScriptedRedis() *scriptedRedis {
	return &scriptedRedis{
		values:   map[string]string{},
		ttls:     map[string]time.Duration{},
		extended: make(chan string, 64),
	}
}

func (r *scriptedRedis) SetNX(_ context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	r.values[key] = value.(string)
	r.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (r *scriptedRedis) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return redis.NewCmdResult(nil, errors.New("scripted redis: only EVALSHA is supported"))
}

func (r *scriptedRedis) EvalSha(_ context.Context, sha1 string, keys []string, args ...any) *redis.Cmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, token := keys[0], args[0].(string)
	if r.values[key] != token {
		return redis.NewCmdResult(int64(0), nil)
	}
	switch sha1 {
	case extendScript.Hash():
		r.ttls[key] = time.Duration(args[1].(int64)) * time.Millisecond
		select {
		case r.extended <- key:
		default:
		}
	case releaseScript.Hash():
		delete(r.values, key)
		delete(r.ttls, key)
	default:
		return redis.NewCmdResult(nil, errors.New("scripted redis: unknown script"))
	}
	return redis.NewCmdResult(int64(1), nil)
}

func (r *scriptedRedis) EvalRO(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return r.Eval(ctx, script, keys, args...)
}

func (r *scriptedRedis) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...any) *redis.Cmd {
	return r.EvalSha(ctx, sha1, keys, args...)
}

func (r *scriptedRedis) ScriptExists(context.Context, ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult([]bool{false}, nil)
}

func (r *scriptedRedis) ScriptLoad(context.Context, string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func (r *scriptedRedis) steal(key string, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = token
}

func waitExtended(t *testing.T, r *scriptedRedis, key string) {
	t.Helper()
	select {
	case got := <-r.extended:
		if got != key {
			t.Fatalf("expected %s to be extended, got %s", key, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected %s to be extended while held", key)
	}
}

func TestRedisLocker_ExcludesSecondHolder(t *testing.T) {
	client := newScriptedRedis()
	locker, err := NewRedisLocker(client, "", time.Minute)
	if err != nil {
		t.Fatalf("new locker: %v", err)
	}
	ctx := context.Background()

	handle, ok, err := locker.TryAcquire(ctx, "alignment:scheduler")
	if err != nil || !ok {
		t.Fatalf("expected acquire, got ok=%v err=%v", ok, err)
	}
	if client.ttls["lock:alignment:scheduler"] != time.Minute {
		t.Fatalf("expected the lock ttl on the key, got %s", client.ttls["lock:alignment:scheduler"])
	}
	if _, ok, err := locker.TryAcquire(ctx, "alignment:scheduler"); err != nil || ok {
		t.Fatalf("expected contention, got ok=%v err=%v", ok, err)
	}
	if err := handle.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := handle.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld on double release, got %v", err)
	}
	if _, ok, _ := locker.TryAcquire(ctx, "alignment:scheduler"); !ok {
		t.Fatalf("expected reacquire after release")
	}
}

func TestRedisLocker_ExtendsTTLUntilReleased(t *testing.T) {
	client := newScriptedRedis()
	locker, err := NewRedisLocker(client, "lock:", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("new locker: %v", err)
	}
	ctx := context.Background()

	_, ran, err := WithLeaderLock(ctx, locker, "alignment:dlq", func(context.Context) (struct{}, error) {
		// Outlive the TTL twice over inside fn.
		waitExtended(t, client, "lock:alignment:dlq")
		waitExtended(t, client, "lock:alignment:dlq")
		return struct{}{}, nil
	})
	if err != nil || !ran {
		t.Fatalf("expected fn to run, got ran=%v err=%v", ran, err)
	}
	if _, held := client.values["lock:alignment:dlq"]; held {
		t.Fatalf("expected key deleted on release")
	}

	// Drain anything in flight, then make sure the watchdog has stopped.
	time.Sleep(50 * time.Millisecond)
	for len(client.extended) > 0 {
		<-client.extended
	}
	select {
	case key := <-client.extended:
		t.Fatalf("unexpected extension of %s after release", key)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRedisLocker_StolenLockIsNotReleased(t *testing.T) {
	client := newScriptedRedis()
	locker, err := NewRedisLocker(client, "lock:", time.Minute)
	if err != nil {
		t.Fatalf("new locker: %v", err)
	}
	ctx := context.Background()

	handle, ok, err := locker.TryAcquire(ctx, "alignment:scheduler")
	if err != nil || !ok {
		t.Fatalf("expected acquire, got ok=%v err=%v", ok, err)
	}
	client.steal("lock:alignment:scheduler", "other-holder")
	if err := handle.Release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld for a lock taken over, got %v", err)
	}
	if client.values["lock:alignment:scheduler"] != "other-holder" {
		t.Fatalf("expected the new holder's key to survive")
	}
}
