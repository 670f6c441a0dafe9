// Package authcache keeps per-cluster scheduler authentication state across
// requests. A Store serializes read-modify-write access per cluster and
// persists entries through a pluggable Backend.
package authcache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ClusterAuthState is the cached authentication state of one cluster.
// Every field is optional; nil means unknown.
type ClusterAuthState struct {
	Token       *string `json:"token"`
	AuthEnabled *bool   `json:"auth_enabled"`
	AuthGuest   *bool   `json:"auth_guest"`
}

// Empty reports whether nothing is known about the cluster.
func (s *ClusterAuthState) Empty() bool {
	return s.Token == nil && s.AuthEnabled == nil && s.AuthGuest == nil
}

// Invalidate forgets everything known about the cluster.
func (s *ClusterAuthState) Invalidate() {
	s.Token = nil
	s.AuthEnabled = nil
	s.AuthGuest = nil
}

// Clone returns a deep copy.
func (s ClusterAuthState) Clone() ClusterAuthState {
	out := ClusterAuthState{}
	if s.Token != nil {
		token := *s.Token
		out.Token = &token
	}
	if s.AuthEnabled != nil {
		enabled := *s.AuthEnabled
		out.AuthEnabled = &enabled
	}
	if s.AuthGuest != nil {
		guest := *s.AuthGuest
		out.AuthGuest = &guest
	}
	return out
}

// Backend persists the cluster → state mapping.
type Backend interface {
	// Load returns the persisted mapping. A missing or unreadable record is
	// an empty mapping.
	Load(ctx context.Context) (map[string]ClusterAuthState, error)
	// Save upserts the record of one cluster, leaving other clusters untouched.
	Save(ctx context.Context, cluster string, state ClusterAuthState) error
}

// Locker serializes access to one cluster's entry.
type Locker interface {
	Lock(ctx context.Context, cluster string) (unlock func(), err error)
}

// Store hands out per-request sessions over a shared backend.
type Store struct {
	backend Backend
	locker  Locker
	logger  *zap.Logger
}

// NewStore creates a store. A nil locker falls back to an in-process MemoryLocker.
func NewStore(backend Backend, locker Locker, logger ...*zap.Logger) *Store {
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &Store{
		backend: backend,
		locker:  locker,
		logger:  baseLogger,
	}
}

// Begin locks the cluster entry and opens a session. The returned release
// function must be called once the caller is done, after Persist if any.
func (s *Store) Begin(ctx context.Context, cluster string) (*Session, func(), error) {
	if s == nil || s.backend == nil {
		return nil, nil, fmt.Errorf("auth cache store is not initialized")
	}
	unlock, err := s.locker.Lock(ctx, cluster)
	if err != nil {
		return nil, nil, fmt.Errorf("lock auth cache entry for cluster %s: %w", cluster, err)
	}
	return NewSession(s.backend, s.logger), unlock, nil
}

// Healthy reports whether the backend can be read.
func (s *Store) Healthy(ctx context.Context) bool {
	if s == nil || s.backend == nil {
		return false
	}
	_, err := s.backend.Load(ctx)
	return err == nil
}

// Snapshot reads every persisted cluster state without locking.
func (s *Store) Snapshot(ctx context.Context) (map[string]ClusterAuthState, error) {
	if s == nil || s.backend == nil {
		return nil, fmt.Errorf("auth cache store is not initialized")
	}
	return s.backend.Load(ctx)
}

// Session is the request-scoped view of the cache. It loads the backend
// lazily, once, and only writes back entries it handed out.
type Session struct {
	backend Backend
	logger  *zap.Logger

	mu      sync.Mutex
	loaded  bool
	entries map[string]*ClusterAuthState
	touched map[string]struct{}
}

// NewSession opens a session over backend.
func NewSession(backend Backend, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		backend: backend,
		logger:  logger,
		entries: make(map[string]*ClusterAuthState),
		touched: make(map[string]struct{}),
	}
}

// Get returns the entry for cluster, creating an empty one if needed.
// The returned pointer is owned by the session; mutations are persisted by Persist.
func (s *Session) Get(ctx context.Context, cluster string) *ClusterAuthState {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loadLocked(ctx)
	entry, ok := s.entries[cluster]
	if !ok {
		entry = &ClusterAuthState{}
		s.entries[cluster] = entry
	}
	s.touched[cluster] = struct{}{}
	return entry
}

// Persist writes every entry obtained through Get back to the backend.
// Callers must only persist once authentication work has succeeded.
func (s *Session) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clusters := make([]string, 0, len(s.touched))
	for cluster := range s.touched {
		clusters = append(clusters, cluster)
	}
	sort.Strings(clusters)

	for _, cluster := range clusters {
		if err := s.backend.Save(ctx, cluster, s.entries[cluster].Clone()); err != nil {
			return fmt.Errorf("persist auth cache entry for cluster %s: %w", cluster, err)
		}
	}
	return nil
}

// Snapshot returns a copy of every entry currently known to the session.
func (s *Session) Snapshot(ctx context.Context) map[string]ClusterAuthState {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loadLocked(ctx)
	out := make(map[string]ClusterAuthState, len(s.entries))
	for cluster, entry := range s.entries {
		out[cluster] = entry.Clone()
	}
	return out
}

func (s *Session) loadLocked(ctx context.Context) {
	if s.loaded {
		return
	}
	s.loaded = true

	persisted, err := s.backend.Load(ctx)
	if err != nil {
		s.logger.Warn("auth cache unreadable; starting with empty cache", zap.Error(err))
		return
	}
	for cluster, state := range persisted {
		if _, exists := s.entries[cluster]; exists {
			continue
		}
		entry := state.Clone()
		s.entries[cluster] = &entry
	}
}
