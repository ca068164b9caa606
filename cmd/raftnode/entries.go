package main

import (
	"encoding/json"
	"fmt"

	"github.com/galdor/go-raftgroup/pkg/raft"
	"github.com/galdor/go-raftgroup/pkg/tasks"
)

// Entry types appended by the service. Entry types reserved by the consensus
// engine start with "raft.".
const (
	EntryTypeEvent = "event"
	EntryTypeTask  = "task"
)

const TaskTypeCompactLog = "compactLog"

type CompactLogPayload struct {
	Group string `json:"group"`

	// Compact up to this index, or up to the last applied entry if zero
	Index raft.LogIndex `json:"index,omitempty"`
}

func EncodeTaskEntry(task tasks.Task) ([]byte, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("cannot encode task: %w", err)
	}

	return data, nil
}

func DecodeTaskEntry(data []byte) (tasks.Task, error) {
	var task tasks.Task

	if err := json.Unmarshal(data, &task); err != nil {
		return task, fmt.Errorf("cannot decode task: %w", err)
	}

	if task.Id == "" || task.Type == "" {
		return task, fmt.Errorf("invalid task: missing id or type")
	}

	return task, nil
}

func DecodeEventEntry(entry raft.LogEntry) (Event, error) {
	if !json.Valid(entry.Data) {
		return Event{}, fmt.Errorf("invalid json event data at index %d",
			entry.Index)
	}

	event := Event{
		Index: entry.Index,
		Term:  entry.Term,
		Data:  json.RawMessage(entry.Data),
	}

	return event, nil
}
