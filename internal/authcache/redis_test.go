package authcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeRedisClient struct {
	mu      sync.Mutex
	hashes  map[string]map[string]string
	strings map[string]string
	hgetErr  error
	evals    int
	renewals int
}

func newFakeRedisClient() *fakeRedisClient {
	return &fakeRedisClient{
		hashes:  make(map[string]map[string]string),
		strings: make(map[string]string),
	}
}

func (c *fakeRedisClient) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hgetErr != nil {
		return redis.NewMapStringStringResult(nil, c.hgetErr)
	}
	out := make(map[string]string, len(c.hashes[key]))
	for field, value := range c.hashes[key] {
		out[field] = value
	}
	return redis.NewMapStringStringResult(out, nil)
}

func (c *fakeRedisClient) HSet(_ context.Context, key string, values ...any) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(values) != 2 {
		return redis.NewIntResult(0, fmt.Errorf("unsupported HSet argument format"))
	}
	if _, ok := c.hashes[key]; !ok {
		c.hashes[key] = make(map[string]string)
	}
	c.hashes[key][fmt.Sprint(values[0])] = fmt.Sprint(values[1])
	return redis.NewIntResult(1, nil)
}

func (c *fakeRedisClient) SetNX(_ context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.strings[key]; held {
		return redis.NewBoolResult(false, nil)
	}
	c.strings[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (c *fakeRedisClient) Eval(_ context.Context, script string, keys []string, args ...any) *redis.Cmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(keys) != 1 || len(args) == 0 {
		return redis.NewCmdResult(nil, fmt.Errorf("unsupported Eval arguments"))
	}
	owned := c.strings[keys[0]] == fmt.Sprint(args[0])
	switch script {
	case renewScript:
		c.renewals++
		if !owned {
			return redis.NewCmdResult(int64(0), nil)
		}
		return redis.NewCmdResult(int64(1), nil)
	case releaseScript:
		c.evals++
		if !owned {
			return redis.NewCmdResult(int64(0), nil)
		}
		delete(c.strings, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	default:
		return redis.NewCmdResult(nil, fmt.Errorf("unknown script"))
	}
}

func (c *fakeRedisClient) setString(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strings[key] = value
}

func (c *fakeRedisClient) renewalCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renewals
}

func TestRedisBackendRoundTrip(t *testing.T) {
	t.Parallel()

	client := newFakeRedisClient()
	backend := newRedisBackendFromCommander(client, RedisConfig{Namespace: "test"})
	ctx := context.Background()

	if err := backend.Save(ctx, "c1", ClusterAuthState{Token: strPtr("tok"), AuthGuest: boolPtr(true)}); err != nil {
		t.Fatalf("Save() unexpected error: %v", err)
	}
	client.hashes["test:authcache"]["broken"] = "{"

	got, err := backend.Load(ctx)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Load() returned %d records, want 1", len(got))
	}
	if got["c1"].Token == nil || *got["c1"].Token != "tok" {
		t.Fatalf("c1 token = %v, want tok", got["c1"].Token)
	}
	if got["c1"].AuthGuest == nil || !*got["c1"].AuthGuest {
		t.Fatalf("c1 auth_guest = %v, want true", got["c1"].AuthGuest)
	}
}

func TestRedisBackendLoadError(t *testing.T) {
	t.Parallel()

	client := newFakeRedisClient()
	client.hgetErr = errors.New("connection refused")
	backend := newRedisBackendFromCommander(client, RedisConfig{})

	if _, err := backend.Load(context.Background()); err == nil {
		t.Fatalf("Load() expected error")
	}
}

func TestRedisLockerAcquireAndRelease(t *testing.T) {
	t.Parallel()

	client := newFakeRedisClient()
	locker := newRedisLockerFromCommander(client, RedisConfig{PollInterval: time.Millisecond})
	tokens := []string{"owner-a", "owner-b"}
	locker.NewToken = func() string {
		token := tokens[0]
		tokens = tokens[1:]
		return token
	}

	unlock, err := locker.Lock(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Lock() unexpected error: %v", err)
	}
	if got := client.strings["jobmetrics:authcache:lock:c1"]; got != "owner-a" {
		t.Fatalf("lease owner = %q, want owner-a", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, "c1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Lock() on held lease error = %v, want deadline exceeded", err)
	}

	unlock()
	if _, held := client.strings["jobmetrics:authcache:lock:c1"]; held {
		t.Fatalf("lease still held after unlock")
	}
	if client.evals != 1 {
		t.Fatalf("Eval calls = %d, want 1", client.evals)
	}
}

func TestRedisLockerDoesNotReleaseForeignLease(t *testing.T) {
	t.Parallel()

	client := newFakeRedisClient()
	locker := newRedisLockerFromCommander(client, RedisConfig{})
	locker.NewToken = func() string { return "mine" }

	unlock, err := locker.Lock(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Lock() unexpected error: %v", err)
	}
	// The lease expired and another replica took it.
	client.setString("jobmetrics:authcache:lock:c1", "theirs")

	unlock()
	if got := client.strings["jobmetrics:authcache:lock:c1"]; got != "theirs" {
		t.Fatalf("lease owner = %q, want theirs", got)
	}
}

func TestRedisLockerRenewsHeldLease(t *testing.T) {
	t.Parallel()

	client := newFakeRedisClient()
	locker := newRedisLockerFromCommander(client, RedisConfig{LockTTL: 30 * time.Millisecond})
	locker.NewToken = func() string { return "mine" }

	unlock, err := locker.Lock(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Lock() unexpected error: %v", err)
	}
	waitFor(t, func() bool { return client.renewalCount() >= 2 })

	unlock()
	unlock()
	settled := client.renewalCount()
	time.Sleep(50 * time.Millisecond)
	if got := client.renewalCount(); got != settled {
		t.Fatalf("renewals after unlock = %d, want %d", got, settled)
	}
	if client.evals != 1 {
		t.Fatalf("release calls = %d, want 1", client.evals)
	}
}

func TestRedisLockerStopsRenewingLostLease(t *testing.T) {
	t.Parallel()

	client := newFakeRedisClient()
	locker := newRedisLockerFromCommander(client, RedisConfig{LockTTL: 30 * time.Millisecond})
	locker.NewToken = func() string { return "mine" }

	unlock, err := locker.Lock(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Lock() unexpected error: %v", err)
	}
	defer unlock()

	client.setString("jobmetrics:authcache:lock:c1", "theirs")
	before := client.renewalCount()
	waitFor(t, func() bool { return client.renewalCount() > before })
	stopped := client.renewalCount()
	time.Sleep(50 * time.Millisecond)
	if got := client.renewalCount(); got != stopped {
		t.Fatalf("renewals after losing lease = %d, want %d", got, stopped)
	}
}

// A lease outliving its TTL while held must not be taken by another replica.
func TestRedisLockerLeaseSurvivesLongHold(t *testing.T) {
	t.Parallel()

	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(server.Close)

	newReplica := func() *RedisLocker {
		client := redis.NewClient(&redis.Options{Addr: server.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewRedisLocker(client, RedisConfig{LockTTL: 300 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	}
	replicaA := newReplica()
	replicaB := newReplica()

	unlock, err := replicaA.Lock(context.Background(), "c1")
	if err != nil {
		t.Fatalf("replica A Lock() unexpected error: %v", err)
	}

	// Move the Redis clock well past the TTL while A keeps renewing.
	for i := 0; i < 6; i++ {
		time.Sleep(150 * time.Millisecond)
		server.FastForward(100 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := replicaB.Lock(ctx, "c1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("replica B Lock() while A holds c1 error = %v, want deadline exceeded", err)
	}

	unlock()
	unlockB, err := replicaB.Lock(context.Background(), "c1")
	if err != nil {
		t.Fatalf("replica B Lock() after release unexpected error: %v", err)
	}
	unlockB()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
