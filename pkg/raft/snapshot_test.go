package raft

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type sliceSnapshotStore struct {
	domain   string
	chunks   []string
	restored []string
}

func (s *sliceSnapshotStore) Domain() string {
	return s.domain
}

func (s *sliceSnapshotStore) Stream(ctx context.Context, emit func([]byte) error) error {
	for _, chunk := range s.chunks {
		if err := emit([]byte(chunk)); err != nil {
			return err
		}
	}

	return nil
}

func (s *sliceSnapshotStore) Restore(data []byte) error {
	s.restored = append(s.restored, string(data))
	return nil
}

func (s *sliceSnapshotStore) Clear() error {
	s.restored = nil
	return nil
}

func TestSnapshotManager(t *testing.T) {
	_, err := NewSnapshotManager(&sliceSnapshotStore{domain: "a"},
		&sliceSnapshotStore{domain: "a"})
	if !errors.Is(err, ErrInvalidCfg) {
		t.Fatalf("duplicate domains accepted: %v", err)
	}

	var sources []*sliceSnapshotStore
	var stores []SnapshotDataStore

	for _, domain := range []string{"a", "b", "c"} {
		s := sliceSnapshotStore{domain: domain}
		for i := 0; i < 20; i++ {
			s.chunks = append(s.chunks, fmt.Sprintf("%s-%d", domain, i))
		}

		sources = append(sources, &s)
		stores = append(stores, &s)
	}

	m, err := NewSnapshotManager(stores...)
	if err != nil {
		t.Fatalf("cannot create snapshot manager: %v", err)
	}

	var chunks []SnapshotChunk

	err = m.Stream(context.Background(), func(chunk SnapshotChunk) error {
		chunks = append(chunks, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("cannot stream snapshot: %v", err)
	}

	if len(chunks) != 60 {
		t.Fatalf("%d chunks streamed instead of 60", len(chunks))
	}

	// Chunks of different domains are interleaved, but each domain is
	// streamed in order.
	counts := make(map[string]int)
	for _, chunk := range chunks {
		expected := fmt.Sprintf("%s-%d", chunk.Domain, counts[chunk.Domain])
		if string(chunk.Data) != expected {
			t.Fatalf("chunk %q received instead of %q", chunk.Data, expected)
		}

		counts[chunk.Domain]++
	}

	targets := []SnapshotDataStore{
		&sliceSnapshotStore{domain: "a", restored: []string{"old"}},
		&sliceSnapshotStore{domain: "b"},
		&sliceSnapshotStore{domain: "c"},
	}

	m2, err := NewSnapshotManager(targets...)
	if err != nil {
		t.Fatalf("cannot create snapshot manager: %v", err)
	}

	if err := m2.Clear(); err != nil {
		t.Fatalf("cannot clear snapshot stores: %v", err)
	}

	for _, chunk := range chunks {
		if err := m2.Restore(chunk); err != nil {
			t.Fatalf("cannot restore chunk: %v", err)
		}
	}

	for i, target := range targets {
		restored := target.(*sliceSnapshotStore).restored
		if !equalStrings(restored, sources[i].chunks) {
			t.Fatalf("domain %s restored as %v", sources[i].domain, restored)
		}
	}

	err = m2.Restore(SnapshotChunk{Domain: "z", Data: []byte("foo")})
	if !errors.Is(err, ErrUnknownSnapshotDomain) {
		t.Fatalf("restoring a chunk of an unknown domain returned %v", err)
	}
}

func TestSnapshotManagerEmitError(t *testing.T) {
	s := sliceSnapshotStore{domain: "a"}
	for i := 0; i < 100; i++ {
		s.chunks = append(s.chunks, fmt.Sprintf("a-%d", i))
	}

	m, err := NewSnapshotManager(&s)
	if err != nil {
		t.Fatalf("cannot create snapshot manager: %v", err)
	}

	errEmit := errors.New("emit error")
	nbChunks := 0

	err = m.Stream(context.Background(), func(chunk SnapshotChunk) error {
		nbChunks++
		if nbChunks == 3 {
			return errEmit
		}

		return nil
	})
	if !errors.Is(err, errEmit) {
		t.Fatalf("stream returned %v instead of the emit error", err)
	}

	if nbChunks != 3 {
		t.Fatalf("%d chunks emitted after the error", nbChunks)
	}
}
