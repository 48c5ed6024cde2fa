package licensestate

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rcourtman/shopcalc/internal/securefile"
)

// FileName is the fixed storage name of the persisted record.
const FileName = "license-state.json"

const maxStateFileSize = 64 << 10

// ErrNoRecord means nothing has been persisted yet.
var ErrNoRecord = errors.New("no license state stored")

// Store persists the single license record of a device.
type Store interface {
	Load() (*Record, error)
	Save(rec *Record) error
}

// FileStore keeps the record as owner-only JSON.
type FileStore struct {
	Path string
}

// NewFileStore returns a store for dir/license-state.json.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Path: filepath.Join(dir, FileName)}
}

func (s *FileStore) Load() (*Record, error) {
	data, err := securefile.ReadBounded(s.Path, maxStateFileSize)
	if err != nil {
		if securefile.IsMissing(err) {
			return nil, ErrNoRecord
		}
		return nil, fmt.Errorf("read license state: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode license state: %w", err)
	}
	return &rec, nil
}

func (s *FileStore) Save(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode license state: %w", err)
	}
	if err := securefile.WriteAtomic(s.Path, data); err != nil {
		return fmt.Errorf("write license state: %w", err)
	}
	return nil
}

// MemoryStore keeps the record in memory.
type MemoryStore struct {
	mu      sync.Mutex
	rec     *Record
	saves   int
	saveErr error
}

func (s *MemoryStore) Load() (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, ErrNoRecord
	}
	return s.rec.clone(), nil
}

func (s *MemoryStore) Save(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.rec = rec.clone()
	s.saves++
	return nil
}

// Saves returns the number of successful saves.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// SetSaveErr makes every following Save fail with err until reset to nil.
func (s *MemoryStore) SetSaveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}
