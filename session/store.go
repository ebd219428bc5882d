package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
)

// Store is a small string key/value store. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

// MemoryStore is an in-process Store. It backs the session scope by default,
// which lives exactly as long as the Session holding it.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	return v, ok
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()

	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()

	return nil
}

// FileStore is a Store persisted as a JSON object on disk, used for the
// persistent scope (e.g. the selected entity survives restarts). Every
// write goes to a temp file in the same directory which is then renamed
// over the destination, so readers never see a partial file.
type FileStore struct {
	mu     sync.RWMutex
	path   string
	data   map[string]string
	logger *slog.Logger
}

// OpenFileStore loads path if it exists, or starts empty.
func OpenFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("path must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsStore := FileStore{
		path:   path,
		data:   make(map[string]string),
		logger: logger,
	}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &fsStore, nil
	case err != nil:
		return nil, fmt.Errorf("reading store: %w", err)
	}

	if len(b) > 0 {
		if err := json.Unmarshal(b, &fsStore.data); err != nil {
			return nil, fmt.Errorf("decoding store: %w", err)
		}
		if fsStore.data == nil { // file held a JSON null
			fsStore.data = make(map[string]string)
		}
	}

	return &fsStore, nil
}

func (f *FileStore) Get(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	v, ok := f.data[key]
	return v, ok
}

func (f *FileStore) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := maps.Clone(f.data)
	next[key] = value

	if err := f.flush(next); err != nil {
		return err
	}
	f.data = next

	return nil
}

func (f *FileStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.data[key]; !ok {
		return nil
	}

	next := maps.Clone(f.data)
	delete(next, key)

	if err := f.flush(next); err != nil {
		return err
	}
	f.data = next

	return nil
}

// flush writes data to a temp file beside f.path and renames it into place.
// On any error the temp file is removed. Caller must hold the write lock.
func (f *FileStore) flush(data map[string]string) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding store: %w", err)
	}

	file, err := os.CreateTemp(filepath.Dir(f.path), ".httpguard-store-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	var successful bool
	defer func() {
		if err := file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			f.logger.Error("defer closing temp file", "error", err)
		}
		if !successful {
			if err := os.Remove(file.Name()); err != nil {
				f.logger.Error("failed to remove temp file", "error", err)
			}
		}
	}()

	if _, err := file.Write(b); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(file.Name(), f.path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	successful = true

	return nil
}
