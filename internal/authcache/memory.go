package authcache

import (
	"context"
	"sync"
)

// MemoryBackend keeps the mapping in process memory only.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]ClusterAuthState
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]ClusterAuthState)}
}

// Load returns a copy of every record.
func (b *MemoryBackend) Load(_ context.Context) (map[string]ClusterAuthState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]ClusterAuthState, len(b.records))
	for cluster, state := range b.records {
		out[cluster] = state.Clone()
	}
	return out, nil
}

// Save upserts one record.
func (b *MemoryBackend) Save(_ context.Context, cluster string, state ClusterAuthState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[cluster] = state.Clone()
	return nil
}

// MemoryLocker serializes clusters within one process.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMemoryLocker creates a locker with no held clusters.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]chan struct{})}
}

// Lock blocks until cluster is free or ctx is done.
func (l *MemoryLocker) Lock(ctx context.Context, cluster string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[cluster]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[cluster] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-slot })
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
