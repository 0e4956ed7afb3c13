package usagestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/meallensai/entitlements/pkg/entitlements"
)

const (
	privateDirPerm  = 0o700
	privateFilePerm = 0o600
)

// FileStore persists one JSON document per namespace under <dataDir>/usage.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a file-backed store rooted at dataDir.
func NewFileStore(dataDir string) (*FileStore, error) {
	if strings.TrimSpace(dataDir) == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	dir := filepath.Join(filepath.Clean(dataDir), "usage")
	if err := ensureOwnerOnlyDir(dir); err != nil {
		return nil, fmt.Errorf("create usage store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Load returns the state for ns. Missing files are treated as "no state yet".
func (s *FileStore) Load(ns string) (entitlements.UsageState, error) {
	path, err := s.statePath(ns)
	if err != nil {
		return entitlements.UsageState{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return readState(path)
}

func (s *FileStore) SaveTrialStart(ns string, ts time.Time) error {
	return s.update(ns, func(state *entitlements.UsageState) {
		if state.TrialStart == nil {
			start := ts.UTC()
			state.TrialStart = &start
		}
	})
}

func (s *FileStore) IncrementCount(ns string, max int) (int, error) {
	var count int
	err := s.update(ns, func(state *entitlements.UsageState) {
		state.FreeUsageCount = saturatingIncrement(state.FreeUsageCount, max)
		count = state.FreeUsageCount
	})
	return count, err
}

func (s *FileStore) Reset(ns string, clearTrial bool) error {
	return s.update(ns, func(state *entitlements.UsageState) {
		state.FreeUsageCount = 0
		if clearTrial {
			state.TrialStart = nil
		}
	})
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) update(ns string, mutate func(*entitlements.UsageState)) error {
	path, err := s.statePath(ns)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := readState(path)
	if err != nil {
		return err
	}
	mutate(&state)

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode usage state for %q: %w", ns, err)
	}
	return writeFileAtomic(path, data)
}

func (s *FileStore) statePath(ns string) (string, error) {
	ns, err := checkNamespace(ns)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, url.PathEscape(ns)+".json"), nil
}

func readState(path string) (entitlements.UsageState, error) {
	var state entitlements.UsageState
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return state, fmt.Errorf("read usage state %s: %w", path, err)
	}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return entitlements.UsageState{}, fmt.Errorf("decode usage state %s: %w", path, err)
	}
	if state.FreeUsageCount < 0 {
		state.FreeUsageCount = 0
	}
	return state, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := ensureOwnerOnlyDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("create usage directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, privateFilePerm); err != nil {
		return fmt.Errorf("write temp usage state: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit usage state: %w", err)
	}
	return nil
}

func ensureOwnerOnlyDir(dir string) error {
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return err
	}
	return os.Chmod(dir, privateDirPerm)
}
