package deviceid

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rcourtman/shopcalc/internal/securefile"
)

// FileName is the device id file inside the client state directory.
const FileName = "device-id"

const maxIDFileSize = 1024

// ErrNotFound means no id has been stored yet.
var ErrNotFound = errors.New("device id not stored")

// Store persists the derived id.
type Store interface {
	Load() (string, error)
	Save(id string) error
}

// FileStore keeps the id in an owner-only file.
type FileStore struct {
	Path string
}

// NewFileStore returns a store for dir/device-id.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Path: filepath.Join(dir, FileName)}
}

func (s *FileStore) Load() (string, error) {
	data, err := securefile.ReadBounded(s.Path, maxIDFileSize)
	if err != nil {
		if securefile.IsMissing(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read device id: %w", err)
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", ErrNotFound
	}
	return id, nil
}

func (s *FileStore) Save(id string) error {
	if err := securefile.WriteAtomic(s.Path, []byte(id+"\n")); err != nil {
		return fmt.Errorf("write device id: %w", err)
	}
	return nil
}

// MemoryStore keeps the id for the process lifetime only.
type MemoryStore struct {
	mu sync.Mutex
	id string
}

func (s *MemoryStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == "" {
		return "", ErrNotFound
	}
	return s.id, nil
}

func (s *MemoryStore) Save(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	return nil
}
