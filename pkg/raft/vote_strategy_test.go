package raft

import (
	"testing"
)

func checkOutcome(t *testing.T, s VoteStrategy, decided, won bool) {
	t.Helper()

	d, w := s.Outcome()
	if d != decided || w != won {
		t.Fatalf("outcome is {decided: %v, won: %v} instead of "+
			"{decided: %v, won: %v} (%v)", d, w, decided, won, s)
	}
}

func TestMajorityStrategy(t *testing.T) {
	members := testMembers("a", "b", "c", "d", "e")

	s := NewMajorityStrategy(members, GroupCfg{})
	s.RegisterVote("a", true)
	s.RegisterVote("b", true)
	checkOutcome(t, s, false, false)

	// Duplicate votes are ignored
	s.RegisterVote("b", true)
	checkOutcome(t, s, false, false)

	// Unknown voters are ignored
	s.RegisterVote("z", true)
	checkOutcome(t, s, false, false)

	s.RegisterVote("c", true)
	checkOutcome(t, s, true, true)

	s = NewMajorityStrategy(members, GroupCfg{})
	s.RegisterVote("a", true)
	s.RegisterVote("b", false)
	s.RegisterUnreachable("c")
	checkOutcome(t, s, false, false)

	s.RegisterVote("d", false)
	checkOutcome(t, s, true, false)

	// Even number of voters: a tie is a loss
	s = NewMajorityStrategy(testMembers("a", "b", "c", "d"), GroupCfg{})
	s.RegisterVote("a", true)
	s.RegisterVote("b", true)
	checkOutcome(t, s, false, false)

	s.RegisterVote("c", false)
	s.RegisterVote("d", false)
	checkOutcome(t, s, true, false)
}

func TestPrimaryAndBackupStrategy(t *testing.T) {
	members := testMembers("p1", "p2", "p3", "b1", "b2")
	members[3].Role = NodeRoleBackup
	members[4].Role = NodeRoleBackup

	cfg := GroupCfg{MinActiveBackups: 1}

	// A majority of primaries is not enough without an active backup
	s := NewPrimaryAndBackupStrategy(members, cfg)
	s.RegisterVote("p1", true)
	s.RegisterVote("p2", true)
	checkOutcome(t, s, false, false)

	// Backups count as active whatever their answer is
	s.RegisterVote("b1", false)
	checkOutcome(t, s, true, true)

	s = NewPrimaryAndBackupStrategy(members, cfg)
	s.RegisterVote("p1", true)
	s.RegisterVote("p2", true)
	s.RegisterUnreachable("b1")
	checkOutcome(t, s, false, false)

	s.RegisterUnreachable("b2")
	checkOutcome(t, s, true, false)

	// Backup votes do not count toward the primary majority
	s = NewPrimaryAndBackupStrategy(members, cfg)
	s.RegisterVote("p1", true)
	s.RegisterVote("b1", true)
	s.RegisterVote("b2", true)
	checkOutcome(t, s, false, false)

	s.RegisterVote("p2", false)
	s.RegisterVote("p3", false)
	checkOutcome(t, s, true, false)

	// Without backup requirement, the strategy is a majority of primaries
	s = NewPrimaryAndBackupStrategy(members, GroupCfg{})
	s.RegisterVote("p1", true)
	s.RegisterVote("p3", true)
	checkOutcome(t, s, true, true)

	// Not enough backups in the group
	s = NewPrimaryAndBackupStrategy(members, GroupCfg{MinActiveBackups: 3})
	checkOutcome(t, s, true, false)
}
