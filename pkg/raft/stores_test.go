package raft

import (
	"context"
	"errors"
	"os"
	"path"
	"testing"
	"time"
)

func TestFileElectionStore(t *testing.T) {
	filePath := path.Join(t.TempDir(), "election.json")

	s := NewFileElectionStore(filePath)
	if err := s.Open(); err != nil {
		t.Fatalf("cannot open store: %v", err)
	}

	state, err := s.Load()
	if err != nil {
		t.Fatalf("cannot load state: %v", err)
	}

	if state != (ElectionState{}) {
		t.Fatalf("initial state is %#v", state)
	}

	if err := s.Store(ElectionState{CurrentTerm: 12, VotedFor: "b"}); err != nil {
		t.Fatalf("cannot store state: %v", err)
	}

	// A shorter document must not leave data of the previous one
	if err := s.Store(ElectionState{CurrentTerm: 13}); err != nil {
		t.Fatalf("cannot store state: %v", err)
	}

	s.Close()

	s = NewFileElectionStore(filePath)
	if err := s.Open(); err != nil {
		t.Fatalf("cannot open store: %v", err)
	}
	defer s.Close()

	state, err = s.Load()
	if err != nil {
		t.Fatalf("cannot load state: %v", err)
	}

	if state.CurrentTerm != 13 || state.VotedFor != "" {
		t.Fatalf("loaded state is %#v", state)
	}
}

func TestFileMembersStore(t *testing.T) {
	filePath := path.Join(t.TempDir(), "members.yaml")

	initial := testMembers("a", "b")
	s := NewFileMembersStore(filePath, initial)

	members, err := s.Members()
	if err != nil {
		t.Fatalf("cannot load members: %v", err)
	}

	if len(members) != 2 || members[1].Id != "b" {
		t.Fatalf("initial members are %#v", members)
	}

	if _, err := os.Stat(filePath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("members file created before the first update")
	}

	updated := testMembers("a", "b", "c")
	updated[2].Role = NodeRoleBackup

	if err := s.SetMembers(updated); err != nil {
		t.Fatalf("cannot store members: %v", err)
	}

	s = NewFileMembersStore(filePath, initial)

	members, err = s.Members()
	if err != nil {
		t.Fatalf("cannot load members: %v", err)
	}

	if len(members) != 3 {
		t.Fatalf("%d members loaded instead of 3", len(members))
	}

	for i, member := range members {
		if member != updated[i] {
			t.Fatalf("member %d is %#v instead of %#v", i, member, updated[i])
		}
	}
}

func TestFuture(t *testing.T) {
	f := newFuture()

	if err := f.Err(); err != nil {
		t.Fatalf("pending future has error %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		10*time.Millisecond)
	defer cancel()

	if err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("waiting for a pending future returned %v", err)
	}

	f.complete(ErrLeadershipLost)
	f.complete(nil)

	select {
	case <-f.Done():
	default:
		t.Fatalf("completed future not done")
	}

	if err := f.Wait(context.Background()); !errors.Is(err, ErrLeadershipLost) {
		t.Fatalf("future completed with %v instead of the first result", err)
	}

	f = failedFuture(ErrNotAvailable)
	if err := f.Err(); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("failed future has error %v", err)
	}
}
