package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/ashureev/traitlab/internal/domain"
)

// FileStore is a MemoryStore that rewrites a JSON state file after every
// mutation. Writes go through a temp file and rename so a crash never leaves
// a torn file behind.
type FileStore struct {
	*MemoryStore
	path string
}

// NewFile opens (or creates) the state file at path.
func NewFile(path string) (*FileStore, error) {
	state := newMemoryState()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read state file: %w", err)
	default:
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("decode state file: %w", err)
		}
		fillState(&state)
	}

	f := &FileStore{
		MemoryStore: &MemoryStore{state: state},
		path:        path,
	}
	f.persist = f.write
	return f, nil
}

func (f *FileStore) write(state memoryState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return writeFileAtomic(f.path, data)
}

// Path returns the state file location.
func (f *FileStore) Path() string {
	return f.path
}

// fillState replaces nil maps left by a sparse state file.
func fillState(s *memoryState) {
	if s.Users == nil {
		s.Users = make(map[string]*domain.User)
	}
	if s.Sessions == nil {
		s.Sessions = make(map[string]*domain.Session)
	}
	if s.Answers == nil {
		s.Answers = make(map[string]domain.Answers)
	}
	if s.Analyses == nil {
		s.Analyses = make(map[string][]*domain.Analysis)
	}
}
