package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/plasticity/resultsync/pkg/logger"
)

// Storage persists the ordered queue. Load must tolerate absent and corrupt
// contents by returning an empty queue. Modify applies fn to the current
// queue and saves its result as one atomic step; fn may run more than once.
type Storage interface {
	Load(ctx context.Context) ([]Action, error)
	Save(ctx context.Context, actions []Action) error
	Modify(ctx context.Context, fn func([]Action) []Action) error
}

// maxModifyAttempts bounds optimistic retries of a contended Redis queue.
const maxModifyAttempts = 10

// MemoryStorage keeps the queue for the life of the process only.
type MemoryStorage struct {
	mu      sync.Mutex
	actions []Action
}

// NewMemoryStorage creates an empty in-process queue.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Load returns a copy of the queue.
func (m *MemoryStorage) Load(context.Context) ([]Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Action(nil), m.actions...), nil
}

// Save replaces the queue.
func (m *MemoryStorage) Save(_ context.Context, actions []Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append([]Action(nil), actions...)
	return nil
}

// Modify applies fn under the storage lock.
func (m *MemoryStorage) Modify(_ context.Context, fn func([]Action) []Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append([]Action(nil), fn(append([]Action(nil), m.actions...))...)
	return nil
}

// FileStorage keeps the queue in a single JSON file that survives restarts.
// One process owns the file.
type FileStorage struct {
	mu   sync.Mutex
	path string
	log  *logger.Logger
}

// NewFileStorage stores the queue at path. Parent directories are created on save.
func NewFileStorage(path string, log *logger.Logger) *FileStorage {
	return &FileStorage{path: path, log: log}
}

// Path returns the queue file location.
func (f *FileStorage) Path() string {
	return f.path
}

// Load reads the queue file. A missing or corrupt file is an empty queue.
func (f *FileStorage) Load(context.Context) ([]Action, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	actions, err := Decode(data)
	if err != nil {
		f.log.Warn("Discarding unreadable pending queue", logger.F("path", f.path), logger.Err(err))
		return nil, nil
	}
	return actions, nil
}

// Save writes the queue atomically.
func (f *FileStorage) Save(_ context.Context, actions []Action) error {
	data, err := Encode(actions)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create queue directory: %w", err)
	}
	return writeFileAtomic(f.path, data, 0o600)
}

// Modify loads, applies fn and saves while holding the file lock.
func (f *FileStorage) Modify(ctx context.Context, fn func([]Action) []Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	actions, err := f.Load(ctx)
	if err != nil {
		return err
	}
	return f.Save(ctx, fn(actions))
}

func writeFileAtomic(path string, content []byte, mode os.FileMode) error {
	parent := filepath.Dir(path)
	tmp, err := os.CreateTemp(parent, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("rename temp file: %w", err)
		}
		// Windows refuses to rename over an existing file.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("remove old queue file: %w", rmErr)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			return fmt.Errorf("rename temp file: %w", err)
		}
	}
	committed = true

	if dir, err := os.Open(parent); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

// RedisStorage keeps the queue under one key that several API replicas may
// share. Modify is an optimistic WATCH transaction, so concurrent enqueues
// and flushes never overwrite each other. Two replicas can still replay the
// same action; replays converge because every write is keyed.
type RedisStorage struct {
	client *redis.Client
	key    string
	log    *logger.Logger
}

// NewRedisStorage stores the queue at key.
func NewRedisStorage(client *redis.Client, key string, log *logger.Logger) *RedisStorage {
	return &RedisStorage{client: client, key: key, log: log}
}

// Load reads the queue. A missing or corrupt value is an empty queue.
func (r *RedisStorage) Load(ctx context.Context) ([]Action, error) {
	return r.decode(r.client.Get(ctx, r.key).Bytes())
}

func (r *RedisStorage) decode(data []byte, err error) ([]Action, error) {
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending queue: %w", err)
	}
	actions, err := Decode(data)
	if err != nil {
		r.log.Warn("Discarding unreadable pending queue", logger.F("key", r.key), logger.Err(err))
		return nil, nil
	}
	return actions, nil
}

// Save replaces the queue. An empty queue deletes the key.
func (r *RedisStorage) Save(ctx context.Context, actions []Action) error {
	if len(actions) == 0 {
		if err := r.client.Del(ctx, r.key).Err(); err != nil {
			return fmt.Errorf("failed to clear pending queue: %w", err)
		}
		return nil
	}
	data, err := Encode(actions)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save pending queue: %w", err)
	}
	return nil
}

// Modify reads the queue under WATCH and writes fn's result in a MULTI
// block. A concurrent write to the key aborts the transaction and fn runs
// again on the fresh value.
func (r *RedisStorage) Modify(ctx context.Context, fn func([]Action) []Action) error {
	txf := func(tx *redis.Tx) error {
		actions, err := r.decode(tx.Get(ctx, r.key).Bytes())
		if err != nil {
			return err
		}
		next := fn(actions)

		var data []byte
		if len(next) > 0 {
			if data, err = Encode(next); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(next) == 0 {
				pipe.Del(ctx, r.key)
				return nil
			}
			pipe.Set(ctx, r.key, data, 0)
			return nil
		})
		return err
	}

	for attempt := 1; attempt <= maxModifyAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, r.key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("failed to update pending queue: %w", err)
		}
		r.log.Debug("Pending queue changed concurrently, retrying",
			logger.F("key", r.key),
			logger.F("attempt", attempt),
		)
	}
	return fmt.Errorf("failed to update pending queue after %d attempts: %w", maxModifyAttempts, redis.TxFailedErr)
}
