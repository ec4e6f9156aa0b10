package chatsync

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory Storage adapter. Useful for
// tests and for callers that do not want persistence across restarts.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

func (s *MemoryStorage) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStorage) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStorage) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// ============================================================================
// FileStorage
// ============================================================================

// FileStorage persists each key as one file under a directory. Used by the
// CLI so snapshots and watermarks survive restarts.
type FileStorage struct {
	dir string
}

// NewFileStorage creates the directory if needed.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create storage directory: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

// keyPath flattens a storage key into a safe file name.
func (s *FileStorage) keyPath(key string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(s.dir, safe+".json")
}

func (s *FileStorage) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(s.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (s *FileStorage) Set(key string, value []byte) error {
	return os.WriteFile(s.keyPath(key), value, 0o600)
}

func (s *FileStorage) Remove(key string) error {
	err := os.Remove(s.keyPath(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ============================================================================
// Watermark persistence
// ============================================================================

// loadWatermark reads the persisted backfill watermark (ms since epoch) for
// one identity. Missing or corrupt data yields zero.
func loadWatermark(st Storage, identity string) int64 {
	if st == nil || identity == "" {
		return 0
	}
	raw, err := st.Get(watermarkKeyPrefix + identity)
	if err != nil || len(raw) == 0 {
		return 0
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || ms < 0 {
		return 0
	}
	return ms
}

// saveWatermark persists the watermark for one identity. Best effort.
func saveWatermark(st Storage, identity string, ms int64) {
	if st == nil || identity == "" || ms <= 0 {
		return
	}
	_ = st.Set(watermarkKeyPrefix+identity, []byte(strconv.FormatInt(ms, 10)))
}
