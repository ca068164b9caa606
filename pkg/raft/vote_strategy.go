package raft

import (
	"fmt"
)

// VoteStrategy decides the outcome of an election as votes come in. It is
// used by a single goroutine and does not need to be safe for concurrent use.
type VoteStrategy interface {
	RegisterVote(voter NodeId, granted bool)
	RegisterUnreachable(voter NodeId)

	// Outcome reports whether the election is decided and, if it is,
	// whether it was won.
	Outcome() (decided bool, won bool)

	fmt.Stringer
}

type VoteStrategyFactory func(members []Node, cfg GroupCfg) VoteStrategy

type vote int

const (
	voteGranted vote = iota
	voteRefused
	voteUnreachable
)

// MajorityStrategy requires a strict majority of all members, regardless of
// their role.
type MajorityStrategy struct {
	voters map[NodeId]struct{}
	votes  map[NodeId]vote
}

func NewMajorityStrategy(members []Node, cfg GroupCfg) VoteStrategy {
	s := MajorityStrategy{
		voters: make(map[NodeId]struct{}, len(members)),
		votes:  make(map[NodeId]vote, len(members)),
	}

	for _, member := range members {
		s.voters[member.Id] = struct{}{}
	}

	return &s
}

func (s *MajorityStrategy) RegisterVote(voter NodeId, granted bool) {
	if granted {
		registerVote(s.voters, s.votes, voter, voteGranted)
	} else {
		registerVote(s.voters, s.votes, voter, voteRefused)
	}
}

func (s *MajorityStrategy) RegisterUnreachable(voter NodeId) {
	registerVote(s.voters, s.votes, voter, voteUnreachable)
}

func (s *MajorityStrategy) Outcome() (bool, bool) {
	granted, notGranted := countVotes(s.votes)
	return majorityOutcome(len(s.voters), granted, notGranted)
}

func (s *MajorityStrategy) String() string {
	granted, _ := countVotes(s.votes)
	return fmt.Sprintf("%d/%d votes granted", granted, len(s.voters))
}

// PrimaryAndBackupStrategy requires a strict majority of primary members to
// grant their vote, and at least MinActiveBackups backup members to answer
// the vote request, whatever their answer is. A partition containing a
// majority of primaries but not enough backups cannot elect a leader.
type PrimaryAndBackupStrategy struct {
	primaries        map[NodeId]struct{}
	backups          map[NodeId]struct{}
	minActiveBackups int

	primaryVotes map[NodeId]vote
	backupVotes  map[NodeId]vote
}

func NewPrimaryAndBackupStrategy(members []Node, cfg GroupCfg) VoteStrategy {
	s := PrimaryAndBackupStrategy{
		primaries:        make(map[NodeId]struct{}),
		backups:          make(map[NodeId]struct{}),
		minActiveBackups: cfg.MinActiveBackups,

		primaryVotes: make(map[NodeId]vote),
		backupVotes:  make(map[NodeId]vote),
	}

	for _, member := range members {
		if member.IsBackup() {
			s.backups[member.Id] = struct{}{}
		} else {
			s.primaries[member.Id] = struct{}{}
		}
	}

	return &s
}

func (s *PrimaryAndBackupStrategy) RegisterVote(voter NodeId, granted bool) {
	v := voteRefused
	if granted {
		v = voteGranted
	}

	registerVote(s.primaries, s.primaryVotes, voter, v)
	registerVote(s.backups, s.backupVotes, voter, v)
}

func (s *PrimaryAndBackupStrategy) RegisterUnreachable(voter NodeId) {
	registerVote(s.primaries, s.primaryVotes, voter, voteUnreachable)
	registerVote(s.backups, s.backupVotes, voter, voteUnreachable)
}

func (s *PrimaryAndBackupStrategy) Outcome() (bool, bool) {
	granted, notGranted := countVotes(s.primaryVotes)

	decided, won := majorityOutcome(len(s.primaries), granted, notGranted)
	if decided && !won {
		return true, false
	}

	active, pending := s.activeBackups()

	if active+pending < s.minActiveBackups {
		return true, false
	}

	if decided && active >= s.minActiveBackups {
		return true, true
	}

	return false, false
}

func (s *PrimaryAndBackupStrategy) activeBackups() (active, pending int) {
	for id := range s.backups {
		v, found := s.backupVotes[id]
		switch {
		case !found:
			pending++
		case v != voteUnreachable:
			active++
		}
	}

	return
}

func (s *PrimaryAndBackupStrategy) String() string {
	granted, _ := countVotes(s.primaryVotes)
	active, _ := s.activeBackups()

	return fmt.Sprintf("%d/%d primary votes granted, %d/%d active backups "+
		"(minimum %d)", granted, len(s.primaries), active, len(s.backups),
		s.minActiveBackups)
}

func registerVote(voters map[NodeId]struct{}, votes map[NodeId]vote, voter NodeId, v vote) {
	if _, found := voters[voter]; !found {
		return
	}

	if _, found := votes[voter]; found {
		return
	}

	votes[voter] = v
}

func countVotes(votes map[NodeId]vote) (granted, notGranted int) {
	for _, v := range votes {
		if v == voteGranted {
			granted++
		} else {
			notGranted++
		}
	}

	return
}

func majorityOutcome(nbVoters, granted, notGranted int) (bool, bool) {
	quorum := nbVoters/2 + 1

	if granted >= quorum {
		return true, true
	}

	if notGranted > nbVoters-quorum {
		return true, false
	}

	return false, false
}
