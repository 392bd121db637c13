package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mappaturasmd/mappatura/internal/fsutil"
)

// DefaultPendingFile is the file name used when no DSN is configured.
const DefaultPendingFile = "mappaturasmd_pending.json"

// FilePendingStore keeps the snapshot in one pretty-printed JSON file. Writes
// go through a temp file and rename, under an advisory lock on a sidecar
// file so two agents never interleave.
type FilePendingStore struct {
	path string
	mu   sync.Mutex
}

func NewFilePendingStore(path string) (*FilePendingStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FilePendingStore{path: path}, nil
}

func (s *FilePendingStore) Path() string {
	return s.path
}

// Load moves an unreadable file aside and starts empty rather than refusing
// to start.
func (s *FilePendingStore) Load() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := lockFile(s.path + ".lock")
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().UnixNano())
		if renameErr := os.Rename(s.path, aside); renameErr != nil {
			return nil, fmt.Errorf("decode %s: %w", s.path, err)
		}
		return nil, nil
	}
	return &snapshot, nil
}

func (s *FilePendingStore) Save(snapshot *Snapshot) error {
	if snapshot == nil {
		return nil
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	unlock, err := lockFile(s.path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()
	return fsutil.WriteFileAtomic(s.path, data, 0o644)
}

func (s *FilePendingStore) Close() error {
	return nil
}
