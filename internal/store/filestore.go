package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/juano2310/SuperCANBus-sub000/internal/logging"
)

// FileStore keeps the whole key space in memory and rewrites one CBOR
// snapshot file on every Put/Clear. Writes go through a temp file and a
// rename so a crash mid-write leaves the previous snapshot intact. The
// broker only persists on state-changing operations, so write volume is
// low enough that whole-file rewrites are fine.
type FileStore struct {
	mu   sync.Mutex
	path string
	data map[string][]byte
	log  zerolog.Logger
}

// OpenFileStore loads (or initializes) a snapshot at path.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path: path,
		data: make(map[string][]byte),
		log:  logging.Component("filestore"),
	}
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// First boot, nothing to load.
	case err != nil:
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	default:
		if err := cbor.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("store: decode %q: %w", path, err)
		}
	}
	return s, nil
}

func (s *FileStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.data[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, true
}

func (s *FileStore) Put(key string, val []byte) error {
	cp := make([]byte, len(val))
	copy(cp, val)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = cp
	return s.flushLocked()
}

func (s *FileStore) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return
	}
	delete(s.data, key)
	if err := s.flushLocked(); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("flush after clear failed")
	}
}

func (s *FileStore) flushLocked() error {
	raw, err := cbor.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("store: encode snapshot: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".canbus-store-*")
	if err != nil {
		return fmt.Errorf("store: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: replace snapshot: %w", err)
	}
	return nil
}
