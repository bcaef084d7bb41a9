package kernelcache

import (
	"fmt"
	"os"
	"path/filepath"
)

// A Store persists compiled kernel binaries keyed by the digest of their
// compiler options and source text.
type Store interface {
	// Fetch a stored binary. Returns ok=false when the key is unknown.
	Get(key string) (data []byte, ok bool, err error)

	// Store a binary under the given key, replacing any previous entry.
	Put(key string, data []byte) error
}

// An in-memory store. Entries do not survive the process; used by tests and
// by callers that explicitly disable persistence.
type MemStore struct {
	entries map[string][]byte
}

// Create an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		entries: make(map[string][]byte),
	}
}

func (s *MemStore) Get(key string) ([]byte, bool, error) {
	data, ok := s.entries[key]
	return data, ok, nil
}

func (s *MemStore) Put(key string, data []byte) error {
	stored := make([]byte, len(data))
	copy(stored, data)
	s.entries[key] = stored
	return nil
}

// A store backed by one file per entry under a cache directory. Entries
// survive process restarts.
type FileStore struct {
	dir string
}

// Create a file store rooted at dir, creating the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("kernelcache: could not create cache dir %s: %v", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) entryPath(key string) string {
	return filepath.Join(s.dir, key+".ptx")
}

func (s *FileStore) Get(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.entryPath(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kernelcache: could not read cache entry %s: %v", key, err)
	}
	return data, true, nil
}

func (s *FileStore) Put(key string, data []byte) error {
	// Write to a temp file first so a crash never leaves a torn entry.
	tmp, err := os.CreateTemp(s.dir, key+".tmp*")
	if err != nil {
		return fmt.Errorf("kernelcache: could not create cache entry %s: %v", key, err)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("kernelcache: could not write cache entry %s: %v", key, err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("kernelcache: could not write cache entry %s: %v", key, err)
	}

	if err = os.Rename(tmpName, s.entryPath(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("kernelcache: could not store cache entry %s: %v", key, err)
	}
	return nil
}
