package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/galdor/go-raftgroup/pkg/raft"
)

const eventSnapshotBatchSize = 100

type Event struct {
	Index raft.LogIndex   `json:"index"`
	Term  raft.Term       `json:"term"`
	Data  json.RawMessage `json:"data"`
}

// EventLog is the state machine of a group: the ordered list of the events
// applied so far. It is also the snapshot data store of the "events" domain.
type EventLog struct {
	mu        sync.RWMutex
	events    []Event
	lastIndex raft.LogIndex
}

func NewEventLog() *EventLog {
	return &EventLog{}
}

// Apply is an entry consumer. Entries already applied are ignored.
func (l *EventLog) Apply(entry raft.LogEntry) error {
	if entry.Type != EntryTypeEvent {
		return nil
	}

	event, err := DecodeEventEntry(entry)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.add(event)
	l.mu.Unlock()

	return nil
}

func (l *EventLog) add(event Event) {
	if event.Index <= l.lastIndex {
		return
	}

	l.events = append(l.events, event)
	l.lastIndex = event.Index
}

// Events returns at most max events whose index is greater than after.
func (l *EventLog) Events(after raft.LogIndex, max int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	events := []Event{}

	for _, event := range l.events {
		if event.Index <= after {
			continue
		}

		if max > 0 && len(events) >= max {
			break
		}

		events = append(events, event)
	}

	return events
}

func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.events)
}

func (l *EventLog) Domain() string {
	return "events"
}

func (l *EventLog) Stream(ctx context.Context, emit func([]byte) error) error {
	l.mu.RLock()
	events := make([]Event, len(l.events))
	copy(events, l.events)
	l.mu.RUnlock()

	for start := 0; start < len(events); start += eventSnapshotBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + eventSnapshotBatchSize
		if end > len(events) {
			end = len(events)
		}

		data, err := json.Marshal(events[start:end])
		if err != nil {
			return fmt.Errorf("cannot encode events: %w", err)
		}

		if err := emit(data); err != nil {
			return err
		}
	}

	return nil
}

func (l *EventLog) Restore(data []byte) error {
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return fmt.Errorf("cannot decode events: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, event := range events {
		l.add(event)
	}

	return nil
}

func (l *EventLog) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = nil
	l.lastIndex = 0

	return nil
}
