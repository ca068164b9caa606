package raft

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// MembersStore persists the member list of a replication group. SetMembers
// replaces the whole list and must be atomic.
type MembersStore interface {
	Members() ([]Node, error)
	SetMembers([]Node) error
}

type MemoryMembersStore struct {
	mu      sync.Mutex
	members []Node
}

func NewMemoryMembersStore(members []Node) *MemoryMembersStore {
	return &MemoryMembersStore{
		members: append([]Node(nil), members...),
	}
}

func (s *MemoryMembersStore) Members() ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Node(nil), s.members...), nil
}

func (s *MemoryMembersStore) SetMembers(members []Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.members = append([]Node(nil), members...)
	return nil
}

// FileMembersStore keeps the member list in a YAML document so that
// operators can read it. The document is replaced atomically.
type FileMembersStore struct {
	filePath string

	// Members used when the file does not exist yet
	initialMembers []Node

	mu sync.Mutex
}

type membersDocument struct {
	Members []Node `yaml:"members"`
}

func NewFileMembersStore(filePath string, initialMembers []Node) *FileMembersStore {
	return &FileMembersStore{
		filePath:       filePath,
		initialMembers: initialMembers,
	}
}

func (s *FileMembersStore) Members() ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return append([]Node(nil), s.initialMembers...), nil
		}

		return nil, fmt.Errorf("cannot read %q: %w", s.filePath, err)
	}

	var doc membersDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("cannot decode yaml data from %q: %w",
			s.filePath, err)
	}

	return doc.Members, nil
}

func (s *FileMembersStore) SetMembers(members []Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(membersDocument{Members: members})
	if err != nil {
		return fmt.Errorf("cannot encode members: %w", err)
	}

	return writeFileAtomically(s.filePath, data)
}
