package raft

import (
	"fmt"
	"time"
)

type followerState struct {
	baseState

	// The election timer and its generation are only accessed with the node
	// lock held. A timer callback whose generation is outdated does nothing.
	electionTimer *time.Timer
	timerGen      uint64
	stopped       bool

	snapshotOffset int
}

func newFollowerState(n *RaftNode) *followerState {
	return &followerState{baseState: baseState{n: n}}
}

func (s *followerState) name() RoleName {
	return RoleFollower
}

func (s *followerState) start() {
	n := s.n

	if n.Leader() == n.Id {
		n.setLeader("")
	}

	member, found := n.config.Member(n.Id)
	if !found {
		n.Log.Info("node is not a member of the group, election timer " +
			"disabled")
		return
	}

	if member.IsBackup() {
		return
	}

	s.resetElectionTimer()
}

func (s *followerState) stop() {
	s.stopped = true

	if s.electionTimer != nil {
		s.electionTimer.Stop()
	}
}

func (s *followerState) resetElectionTimer() {
	if s.stopped {
		return
	}

	if s.electionTimer == nil {
		if member, found := s.n.config.Member(s.n.Id); !found ||
			member.IsBackup() {
			return
		}
	}

	cfg := s.n.config.Cfg
	timeout := s.n.random.between(cfg.MinElectionTimeout,
		cfg.MaxElectionTimeout)

	s.timerGen++
	gen := s.timerGen

	if s.electionTimer != nil {
		s.electionTimer.Stop()
	}

	s.electionTimer = time.AfterFunc(timeout, func() {
		s.onElectionTimeout(gen)
	})
}

func (s *followerState) onElectionTimeout(gen uint64) {
	n := s.n

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != s || s.stopped || gen != s.timerGen {
		return
	}

	if member, found := n.config.Member(n.Id); !found || member.IsBackup() {
		n.Log.Debug(1, "election timeout ignored: node is not a primary "+
			"member of the group")
		return
	}

	n.Log.Debug(1, "election timeout in term %d, no contact with leader",
		n.currentTerm())

	n.setState(newCandidateState(n, false))
}

func (s *followerState) inContactWithLeader() bool {
	contact := s.n.lastLeaderContact.Load()
	if contact == 0 {
		return false
	}

	elapsed := time.Since(time.Unix(0, contact))
	return elapsed < s.n.config.Cfg.MinElectionTimeout
}

func (s *followerState) leaderContact(leaderId NodeId, term Term) {
	n := s.n

	n.setLeader(leaderId)

	// Term 0 requests come from nodes which never won an election and do
	// not establish a leader.
	if term > 0 {
		n.lastLeaderContact.Store(time.Now().UnixNano())
	}

	s.resetElectionTimer()
}

func (s *followerState) requestVote(req *RPCRequestVoteRequest) *RPCRequestVoteResponse {
	res, granted := s.n.handleVoteRequest(req)
	if granted {
		s.resetElectionTimer()
	}

	return res
}

func (s *followerState) appendEntries(req *RPCAppendEntriesRequest) *RPCAppendEntriesResponse {
	n := s.n
	store := n.logStore

	s.leaderContact(req.LeaderId, req.Term)

	base := store.FirstLogIndex() - 1

	// Entries up to the base of the log are committed and therefore match
	// the log of any leader.
	if req.PrevLogIndex > base {
		term, found := store.TermAt(req.PrevLogIndex)
		if !found || term != req.PrevLogTerm {
			n.Log.Debug(1, "log mismatch at index %d (expected term %d)",
				req.PrevLogIndex, req.PrevLogTerm)
			return n.appendEntriesResponse(false, store.LastLogIndex())
		}
	}

	entries := req.Entries

	// Skip entries already present; only the first conflicting entry and
	// the ones after it are written, so that a delayed request never
	// truncates entries appended by a later one.
	i := 0
	for ; i < len(entries); i++ {
		entry := entries[i]

		if entry.Index <= base {
			continue
		}

		term, found := store.TermAt(entry.Index)
		if !found || term != entry.Term {
			break
		}
	}

	if i < len(entries) {
		if err := store.AppendEntries(entries[i:]); err != nil {
			n.fatal(fmt.Errorf("cannot append entries: %w", err))
			return n.appendEntriesResponse(false, store.LastLogIndex())
		}
	}

	lastNewIndex := req.PrevLogIndex + LogIndex(len(entries))

	if req.CommitIndex > store.CommitIndex() {
		commitIndex := minLogIndex(req.CommitIndex, lastNewIndex)

		if commitIndex > store.CommitIndex() && store.MarkCommitted(commitIndex) {
			n.notifyCommit()
		}
	}

	return n.appendEntriesResponse(true, lastNewIndex)
}

func (s *followerState) installSnapshot(req *RPCInstallSnapshotRequest) *RPCInstallSnapshotResponse {
	n := s.n

	s.leaderContact(req.LeaderId, req.Term)

	if n.snapshots == nil {
		n.Log.Error("cannot install snapshot: no snapshot manager")
		return n.installSnapshotResponse(false)
	}

	if req.Offset == 0 {
		n.Log.Info("installing snapshot up to index %d from %s",
			req.LastIncludedIndex, req.LeaderId)

		if err := n.snapshots.Clear(); err != nil {
			n.Log.Error("cannot install snapshot: %v", err)
			return n.installSnapshotResponse(false)
		}

		s.snapshotOffset = 0
	} else if req.Offset != s.snapshotOffset {
		n.Log.Error("cannot install snapshot: unexpected offset %d "+
			"(expected %d)", req.Offset, s.snapshotOffset)
		return n.installSnapshotResponse(false)
	}

	for _, chunk := range req.Chunks {
		if err := n.snapshots.Restore(chunk); err != nil {
			n.Log.Error("cannot install snapshot: %v", err)
			return n.installSnapshotResponse(false)
		}
	}

	s.snapshotOffset += len(req.Chunks)

	if req.Done {
		err := n.logStore.ResetTo(req.LastIncludedIndex, req.LastIncludedTerm)
		if err != nil {
			n.fatal(fmt.Errorf("cannot reset log after snapshot: %w", err))
			return n.installSnapshotResponse(false)
		}

		n.Log.Info("snapshot installed up to index %d (%d chunks)",
			req.LastIncludedIndex, s.snapshotOffset)

		s.snapshotOffset = 0
	}

	return n.installSnapshotResponse(true)
}
