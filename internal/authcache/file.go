package authcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// FileBackend stores the whole mapping as one JSON object in a file.
// Writes are atomic (temp file + rename) and serialized within the process.
type FileBackend struct {
	path   string
	logger *zap.Logger

	mu sync.Mutex
}

// NewFileBackend creates a file-backed cache at path.
func NewFileBackend(path string, logger ...*zap.Logger) *FileBackend {
	baseLogger := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		baseLogger = logger[0]
	}
	return &FileBackend{
		path:   path,
		logger: baseLogger,
	}
}

// Load reads the file. A missing file or content that is not a JSON object
// yields an empty mapping and no error.
func (b *FileBackend) Load(_ context.Context) (map[string]ClusterAuthState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readLocked()
}

// Save replaces the record of cluster in the file.
func (b *FileBackend) Save(_ context.Context, cluster string, state ClusterAuthState) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, err := b.readLocked()
	if err != nil {
		return err
	}
	current[cluster] = state

	payload, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("marshal auth cache: %w", err)
	}
	return b.writeLocked(payload)
}

func (b *FileBackend) readLocked() (map[string]ClusterAuthState, error) {
	raw, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]ClusterAuthState), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read auth cache %s: %w", b.path, err)
	}

	var decoded map[string]ClusterAuthState
	if err := json.Unmarshal(raw, &decoded); err != nil {
		b.logger.Warn("auth cache file is not valid JSON; ignoring its content", zap.String("path", b.path), zap.Error(err))
		return make(map[string]ClusterAuthState), nil
	}
	if decoded == nil {
		decoded = make(map[string]ClusterAuthState)
	}
	return decoded, nil
}

func (b *FileBackend) writeLocked(payload []byte) error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create auth cache directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(b.path)+".*")
	if err != nil {
		return fmt.Errorf("create auth cache temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write auth cache temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync auth cache temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close auth cache temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod auth cache temp file: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		return fmt.Errorf("replace auth cache %s: %w", b.path, err)
	}
	return nil
}
