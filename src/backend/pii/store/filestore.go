package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Lock-file acquisition parameters. The lock is only held across one
// load-modify-save cycle, so a lock older than staleLockAge belongs to a
// dead process and is taken over.
const (
	lockRetryInterval = 25 * time.Millisecond
	lockTimeout       = 5 * time.Second
	staleLockAge      = 30 * time.Second
)

// FileStore keeps the mapping table in a JSON file:
//
//	{"PERSON_001": {"original": "John Smith", "type": "PERSON"}}
//
// Every mutation is a load-modify-save cycle guarded by a lock file next to
// the mapping file, so concurrent worker processes sharing the file never
// interleave writes. Within a process a mutex serializes access. Saves go
// through a temp file and rename so a crash never leaves a half-written
// table behind.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates the parent directory if needed. The mapping file
// itself is created lazily on first mutation.
func NewFileStore(path string) (*FileStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create mapping directory: %w", err)
		}
	}
	return &FileStore{path: path}, nil
}

// acquireLock takes the cross-process lock file, waiting up to lockTimeout.
func (s *FileStore) acquireLock() (release func(), err error) {
	lockPath := s.path + ".lock"
	deadline := time.Now().Add(lockTimeout)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, &PersistError{Target: lockPath, Err: err}
		}

		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			log.Printf("[FileStore] Warning: removing stale lock file %s", lockPath)
			os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for lock file %s", lockPath)
		}
		time.Sleep(lockRetryInterval)
	}
}

// load reads the mapping file. A missing file is an empty table; an
// unreadable or unparsable file degrades to an empty table with a warning so
// the tool stays usable even when the mapping file is damaged.
func (s *FileStore) load() map[string]Entry {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[FileStore] Warning: cannot read %s, starting with empty table: %v", s.path, err)
		}
		return map[string]Entry{}
	}

	table := map[string]Entry{}
	if err := json.Unmarshal(data, &table); err != nil {
		log.Printf("[FileStore] Warning: %s is corrupted, starting with empty table: %v", s.path, err)
		return map[string]Entry{}
	}
	return table
}

func (s *FileStore) save(table map[string]Entry) error {
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return &PersistError{Target: s.path, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".mappings-*.tmp")
	if err != nil {
		return &PersistError{Target: s.path, Err: err}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &PersistError{Target: s.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &PersistError{Target: s.path, Err: err}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return &PersistError{Target: s.path, Err: err}
	}
	return nil
}

// GetOrCreate implements Store. The whole read-modify-write runs under the
// lock file so counters allocated by concurrent workers never collide.
func (s *FileStore) GetOrCreate(ctx context.Context, original, entityType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	release, err := s.acquireLock()
	if err != nil {
		return "", err
	}
	defer release()

	table := s.load()

	for placeholder, entry := range table {
		if entry.Original == original && entry.Type == entityType {
			return placeholder, nil
		}
	}

	next := 0
	for placeholder := range table {
		if n := counterSuffix(placeholder, entityType); n > next {
			next = n
		}
	}
	placeholder := Placeholder(entityType, next+1)
	table[placeholder] = Entry{Original: original, Type: entityType}

	if err := s.save(table); err != nil {
		return "", err
	}
	return placeholder, nil
}

// Resolve implements Store.
func (s *FileStore) Resolve(ctx context.Context, placeholder string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.load()[placeholder]
	if !ok {
		return "", false, nil
	}
	return entry.Original, true, nil
}

// Clear implements Store. Persists the empty table; counters restart at zero
// because the whole table was reset.
func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	release, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer release()

	return s.save(map[string]Entry{})
}

// Count implements Store.
func (s *FileStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.load()), nil
}

// Close implements Store. The file store holds no open handles.
func (s *FileStore) Close() error {
	return nil
}
