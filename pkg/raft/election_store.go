package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// ElectionStore persists the current term and vote of a node for a group.
// Store must be durable when it returns: a vote or a term increase is never
// acknowledged before being stored.
type ElectionStore interface {
	Load() (ElectionState, error)
	Store(ElectionState) error
}

type MemoryElectionStore struct {
	mu    sync.Mutex
	state ElectionState
}

func NewMemoryElectionStore() *MemoryElectionStore {
	return &MemoryElectionStore{}
}

func (s *MemoryElectionStore) Load() (ElectionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state, nil
}

func (s *MemoryElectionStore) Store(state ElectionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state
	return nil
}

// FileElectionStore keeps the election state as a JSON document synced to
// disk on every write.
type FileElectionStore struct {
	filePath string
	file     *os.File

	mu sync.Mutex
}

func NewFileElectionStore(filePath string) *FileElectionStore {
	return &FileElectionStore{
		filePath: filePath,
	}
}

func (s *FileElectionStore) Open() error {
	flags := os.O_RDWR | os.O_CREATE
	file, err := os.OpenFile(s.filePath, flags, 0600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", s.filePath, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()

		return fmt.Errorf("cannot stat %q: %w", s.filePath, err)
	}

	s.file = file

	if info.Size() == 0 {
		if err := s.Store(ElectionState{}); err != nil {
			file.Close()

			return fmt.Errorf("cannot write default state to %q: %w",
				s.filePath, err)
		}
	}

	return nil
}

func (s *FileElectionStore) Close() {
	s.file.Close()
}

func (s *FileElectionStore) Load() (ElectionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state ElectionState

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return state, fmt.Errorf("cannot seek %q: %w", s.filePath, err)
	}

	d := json.NewDecoder(s.file)
	if err := d.Decode(&state); err != nil {
		return state, fmt.Errorf("cannot read json data from %q: %w",
			s.filePath, err)
	}

	return state, nil
}

func (s *FileElectionStore) Store(state ElectionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("cannot seek %q: %w", s.filePath, err)
	}

	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("cannot truncate %q: %w", s.filePath, err)
	}

	e := json.NewEncoder(s.file)
	if err := e.Encode(&state); err != nil {
		return fmt.Errorf("cannot write json data to %q: %w", s.filePath, err)
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", s.filePath, err)
	}

	return nil
}
