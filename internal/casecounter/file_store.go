package casecounter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// DefaultFile is the case file used when none is configured.
const DefaultFile = "CaseSystem.json"

// pathLocks serializes every access to one case file within the process.
var pathLocks sync.Map

func lockFor(path string) *sync.Mutex {
	key := path
	if abs, err := filepath.Abs(path); err == nil {
		key = abs
	}
	lock, _ := pathLocks.LoadOrStore(key, &sync.Mutex{})

	return lock.(*sync.Mutex)
}

type tenantRecord struct {
	LastUsedNumber int64 `json:"lastUsedNumber"`
}

// FileStore keeps every tenant in one JSON object, rewritten as a whole on each save:
//
//	{"<tenant id>": {"lastUsedNumber": 12}}
type FileStore struct {
	path string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store over path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("new case file store: empty path")
	}

	return &FileStore{path: path}, nil
}

// errCorruptFile marks a case file that exists but does not decode.
var errCorruptFile = errors.New("corrupt case file")

// Load returns 0 for missing files, unparsable files and unknown tenants.
// A file that exists but cannot be read is an error.
func (s *FileStore) Load(_ context.Context, tenantID string) (int64, error) {
	lock := lockFor(s.path)
	lock.Lock()
	defer lock.Unlock()

	records, err := s.readLocked()
	if errors.Is(err, errCorruptFile) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return records[tenantID].LastUsedNumber, nil
}

// Save merges value into the file and rewrites it.
func (s *FileStore) Save(_ context.Context, tenantID string, value int64) error {
	lock := lockFor(s.path)
	lock.Lock()
	defer lock.Unlock()

	records, err := s.readLocked()
	if errors.Is(err, errCorruptFile) {
		records = make(map[string]tenantRecord)
	} else if err != nil {
		return err
	}
	records[tenantID] = tenantRecord{LastUsedNumber: value}

	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode case file: %w", err)
	}
	if err := os.WriteFile(s.path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write case file %s: %w", s.path, err)
	}

	return nil
}

func (s *FileStore) readLocked() (map[string]tenantRecord, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(map[string]tenantRecord), nil
		}
		return nil, fmt.Errorf("read case file %s: %w", s.path, err)
	}

	records := make(map[string]tenantRecord)
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode case file %s: %w: %w", s.path, errCorruptFile, err)
	}

	return records, nil
}
