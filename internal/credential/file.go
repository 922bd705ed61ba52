package credential

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// FileStore keeps credentials in a 0600 TOML file in the session directory.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by path. The file is created on the
// first Set.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vals, err := s.read()
	if err != nil {
		return "", false, err
	}
	v, ok := vals[key]
	return v, ok && v != "", nil
}

// Set implements Writer.
func (s *FileStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vals, err := s.read()
	if err != nil {
		return err
	}
	vals[key] = value
	return s.write(vals)
}

// Delete implements Writer. Deleting a missing key is not an error.
func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vals, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := vals[key]; !ok {
		return nil
	}
	delete(vals, key)
	return s.write(vals)
}

func (s *FileStore) read() (map[string]string, error) {
	vals := map[string]string{}
	if _, err := toml.DecodeFile(s.path, &vals); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return vals, nil
}

func (s *FileStore) write(vals map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(vals)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
