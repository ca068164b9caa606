package raft

import (
	"context"
	"fmt"
	"time"
)

type candidateState struct {
	baseState

	disrupt bool

	election *Election
	cancel   context.CancelFunc

	electionTimer *time.Timer
	stopped       bool
}

func newCandidateState(n *RaftNode, disrupt bool) *candidateState {
	return &candidateState{
		baseState: baseState{n: n},
		disrupt:   disrupt,
	}
}

func (s *candidateState) name() RoleName {
	return RoleCandidate
}

// start increments the term and votes for the local node synchronously, then
// runs the election in the background. A new election starts if no outcome
// is reached before the election timer expires.
func (s *candidateState) start() {
	n := s.n
	cfg := n.config.Cfg

	n.setLeader("")

	var peers []Peer
	for _, member := range n.otherMembers() {
		peers = append(peers, n.peer(member))
	}

	strategy := n.Cfg.VoteStrategyFactory(n.config.Members(), cfg)

	s.election = NewElection(ElectionCfg{
		GroupId:     n.GroupId(),
		CandidateId: n.Id,

		CurrentTerm:  n.currentTerm(),
		LastLogIndex: n.logStore.LastLogIndex(),
		LastLogTerm:  n.logStore.LastLogTerm(),

		DisruptAllowed: s.disrupt,

		Peers:      peers,
		Strategy:   strategy,
		RPCTimeout: cfg.RPCTimeout,

		Logger: n.Log,

		StoreState: n.storeElectionState,
		OnHigherTerm: func(term Term, cause string) {
			n.adoptTerm(s, term, cause)
		},
	})

	if err := s.election.Start(); err != nil {
		n.fatal(err)
		return
	}

	timeout := n.random.between(cfg.MinElectionTimeout, cfg.MaxElectionTimeout)
	s.electionTimer = time.AfterFunc(timeout, s.onElectionTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.run(ctx)
}

func (s *candidateState) stop() {
	s.stopped = true

	if s.electionTimer != nil {
		s.electionTimer.Stop()
	}

	if s.cancel != nil {
		s.cancel()
	}
}

func (s *candidateState) run(ctx context.Context) {
	n := s.n

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			n.Log.Error("panic: %s\n%s", msg, trace)

			n.fatal(fmt.Errorf("panic: %s", msg))
		}
	}()

	result := s.election.Run(ctx)

	if ctx.Err() != nil {
		return
	}

	n.Log.Info("%s", result.Cause)

	if !result.Won {
		// Wait for the election timer to start a new election
		return
	}

	n.transitionFrom(s, func() membershipState {
		return newLeaderState(n)
	})
}

func (s *candidateState) onElectionTimeout() {
	n := s.n

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != s || s.stopped {
		return
	}

	n.Log.Debug(1, "election for term %d timed out", s.election.Term)

	n.setState(newCandidateState(n, s.disrupt))
}
