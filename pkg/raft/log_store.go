package raft

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// LogEntryStore is the index-addressed log of a replication group, along with
// its commit and apply bookkeeping.
//
// Invariants: lastAppliedIndex <= commitIndex, the commit index never
// decreases, and entries up to lastAppliedIndex are never rewritten.
type LogEntryStore interface {
	// AppendEntries writes contiguous entries starting at entries[0].Index,
	// discarding any stored entry whose index is greater or equal.
	AppendEntries([]LogEntry) error

	// MarkCommitted advances the commit index. It returns false and leaves
	// the store untouched if the index is lower than the current one.
	MarkCommitted(LogIndex) bool

	CommitIndex() LogIndex
	LastAppliedIndex() LogIndex

	// ApplyEntries calls the consumer for each committed entry which has not
	// been applied yet, in index order, and returns the number of entries
	// applied. Only one call runs at a time; concurrent calls return 0
	// immediately.
	ApplyEntries(func(LogEntry) error) (int, error)

	Entry(LogIndex) (LogEntry, bool)
	Entries(from LogIndex, max int) []LogEntry
	TermAt(LogIndex) (Term, bool)

	FirstLogIndex() LogIndex
	LastLogIndex() LogIndex
	LastLogTerm() Term

	// Compact drops applied entries up to the given index included.
	Compact(LogIndex) error

	// ResetTo discards the whole log and restarts it after the given
	// position, which is considered committed and applied. Used when
	// installing a snapshot.
	ResetTo(LogIndex, Term) error

	Close() error
}

type MemoryLogStore struct {
	mu sync.RWMutex

	baseIndex LogIndex
	baseTerm  Term
	entries   []LogEntry

	commitIndex LogIndex
	lastApplied LogIndex

	applyRunning atomic.Bool
}

func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{}
}

func (s *MemoryLogStore) Close() error {
	return nil
}

func (s *MemoryLogStore) AppendEntries(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	if err := checkContiguousEntries(entries); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	first := entries[0].Index
	last := s.baseIndex + LogIndex(len(s.entries))

	if first > last+1 {
		return fmt.Errorf("%w: first index %d, last index %d",
			ErrLogGap, first, last)
	}

	if first <= s.baseIndex || first <= s.lastApplied {
		return fmt.Errorf("%w: index %d", ErrImmutableEntry, first)
	}

	s.entries = s.entries[:first-s.baseIndex-1]
	s.entries = append(s.entries, entries...)

	return nil
}

func (s *MemoryLogStore) MarkCommitted(index LogIndex) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < s.commitIndex {
		return false
	}

	s.commitIndex = index
	return true
}

func (s *MemoryLogStore) CommitIndex() LogIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.commitIndex
}

func (s *MemoryLogStore) LastAppliedIndex() LogIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastApplied
}

func (s *MemoryLogStore) ApplyEntries(consumer func(LogEntry) error) (int, error) {
	if !s.applyRunning.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.applyRunning.Store(false)

	return applyCommittedEntries(s, consumer, s.advanceLastApplied)
}

func (s *MemoryLogStore) advanceLastApplied(index LogIndex) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index != s.lastApplied+1 {
		// The log was reset while the entry was being applied
		return false
	}

	s.lastApplied = index
	return true
}

func (s *MemoryLogStore) Entry(index LogIndex) (LogEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index <= s.baseIndex || index > s.baseIndex+LogIndex(len(s.entries)) {
		return LogEntry{}, false
	}

	return s.entries[index-s.baseIndex-1], true
}

func (s *MemoryLogStore) Entries(from LogIndex, max int) []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	last := s.baseIndex + LogIndex(len(s.entries))
	if from <= s.baseIndex || from > last || max <= 0 {
		return nil
	}

	start := int(from - s.baseIndex - 1)
	end := start + max
	if end > len(s.entries) {
		end = len(s.entries)
	}

	entries := make([]LogEntry, end-start)
	copy(entries, s.entries[start:end])

	return entries
}

func (s *MemoryLogStore) TermAt(index LogIndex) (Term, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index == s.baseIndex {
		return s.baseTerm, true
	}

	if index < s.baseIndex || index > s.baseIndex+LogIndex(len(s.entries)) {
		return 0, false
	}

	return s.entries[index-s.baseIndex-1].Term, true
}

func (s *MemoryLogStore) FirstLogIndex() LogIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.baseIndex + 1
}

func (s *MemoryLogStore) LastLogIndex() LogIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.baseIndex + LogIndex(len(s.entries))
}

func (s *MemoryLogStore) LastLogTerm() Term {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return s.baseTerm
	}

	return s.entries[len(s.entries)-1].Term
}

func (s *MemoryLogStore) Compact(index LogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index > s.lastApplied {
		index = s.lastApplied
	}

	if index <= s.baseIndex {
		return nil
	}

	n := int(index - s.baseIndex)

	s.baseTerm = s.entries[n-1].Term
	s.baseIndex = index

	entries := make([]LogEntry, len(s.entries)-n)
	copy(entries, s.entries[n:])
	s.entries = entries

	return nil
}

func (s *MemoryLogStore) ResetTo(index LogIndex, term Term) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = nil
	s.baseIndex = index
	s.baseTerm = term

	s.commitIndex = index
	s.lastApplied = index

	return nil
}

// MaxEntryTypeLength is the size limit of the type of a log entry in bytes.
const MaxEntryTypeLength = math.MaxUint16

func checkEntryType(entryType string) error {
	if len(entryType) > MaxEntryTypeLength {
		return fmt.Errorf("%w: type is %d bytes long", ErrInvalidEntry,
			len(entryType))
	}

	return nil
}

func checkContiguousEntries(entries []LogEntry) error {
	first := entries[0].Index
	if first == 0 {
		return fmt.Errorf("invalid log index 0")
	}

	for i, entry := range entries {
		if entry.Index != first+LogIndex(i) {
			return fmt.Errorf("%w: entry %d has index %d instead of %d",
				ErrLogGap, i, entry.Index, first+LogIndex(i))
		}

		if err := checkEntryType(entry.Type); err != nil {
			return fmt.Errorf("entry %d: %w", entry.Index, err)
		}
	}

	return nil
}

// applyCommittedEntries drains (lastAppliedIndex, commitIndex]. The advance
// function records a successfully applied index and reports whether applying
// can go on.
func applyCommittedEntries(s LogEntryStore, consumer func(LogEntry) error, advance func(LogIndex) bool) (int, error) {
	nbApplied := 0

	for {
		index := s.LastAppliedIndex() + 1
		if index > s.CommitIndex() {
			return nbApplied, nil
		}

		entry, found := s.Entry(index)
		if !found {
			return nbApplied, nil
		}

		if err := consumer(entry); err != nil {
			return nbApplied, fmt.Errorf("cannot apply entry %d: %w", index, err)
		}

		if !advance(index) {
			return nbApplied, nil
		}

		nbApplied++
	}
}
