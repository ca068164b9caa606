package raft

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

type SnapshotChunk struct {
	Domain string `json:"domain"`
	Data   []byte `json:"data"`
}

// SnapshotDataStore produces and consumes the snapshot data of one domain of
// the replicated state machine. Chunk content is opaque to the consensus
// engine.
type SnapshotDataStore interface {
	Domain() string

	// Stream calls emit for every chunk of the current state. Emitted slices
	// must not be modified afterwards.
	Stream(ctx context.Context, emit func([]byte) error) error

	Restore([]byte) error
	Clear() error
}

type SnapshotManager struct {
	stores   []SnapshotDataStore
	byDomain map[string]SnapshotDataStore
}

func NewSnapshotManager(stores ...SnapshotDataStore) (*SnapshotManager, error) {
	m := SnapshotManager{
		byDomain: make(map[string]SnapshotDataStore),
	}

	for _, store := range stores {
		domain := store.Domain()

		if _, found := m.byDomain[domain]; found {
			return nil, invalidCfgf("duplicate snapshot domain %q", domain)
		}

		m.stores = append(m.stores, store)
		m.byDomain[domain] = store
	}

	return &m, nil
}

// Stream produces the chunks of all stores concurrently and passes them to
// emit one at a time. Chunks of a given domain are emitted in order.
func (m *SnapshotManager) Stream(ctx context.Context, emit func(SnapshotChunk) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	chunks := make(chan SnapshotChunk)

	for _, store := range m.stores {
		store := store
		domain := store.Domain()

		g.Go(func() error {
			return store.Stream(gctx, func(data []byte) error {
				select {
				case chunks <- SnapshotChunk{Domain: domain, Data: data}:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		})
	}

	go func() {
		g.Wait()
		close(chunks)
	}()

	var emitErr error

	for chunk := range chunks {
		if emitErr != nil {
			continue
		}

		if err := emit(chunk); err != nil {
			emitErr = err
			cancel()
		}
	}

	if emitErr != nil {
		return emitErr
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("cannot produce snapshot: %w", err)
	}

	return nil
}

func (m *SnapshotManager) Clear() error {
	for _, store := range m.stores {
		if err := store.Clear(); err != nil {
			return fmt.Errorf("cannot clear snapshot domain %q: %w",
				store.Domain(), err)
		}
	}

	return nil
}

func (m *SnapshotManager) Restore(chunk SnapshotChunk) error {
	store, found := m.byDomain[chunk.Domain]
	if !found {
		return fmt.Errorf("%w %q", ErrUnknownSnapshotDomain, chunk.Domain)
	}

	if err := store.Restore(chunk.Data); err != nil {
		return fmt.Errorf("cannot restore snapshot chunk for domain %q: %w",
			chunk.Domain, err)
	}

	return nil
}
