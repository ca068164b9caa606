package raft

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ElectionCfg struct {
	GroupId     string
	CandidateId NodeId

	// Term of the candidate before the election; the election runs for the
	// next term.
	CurrentTerm Term

	LastLogIndex LogIndex
	LastLogTerm  Term

	DisruptAllowed bool

	Peers      []Peer
	Strategy   VoteStrategy
	RPCTimeout time.Duration

	Logger Logger

	// StoreState durably records the term and vote of the candidate.
	StoreState func(ElectionState) error

	// OnHigherTerm is called when a voter answers with a term higher than
	// the election term. The candidate must adopt this term.
	OnHigherTerm func(term Term, cause string)
}

type ElectionResult struct {
	Term  Term
	Won   bool
	Cause string
}

// Election runs a single election round.
type Election struct {
	Cfg ElectionCfg
	Log Logger

	Term Term
}

func NewElection(cfg ElectionCfg) *Election {
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}

	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = time.Second
	}

	e := Election{
		Cfg: cfg,
		Log: cfg.Logger,

		Term: cfg.CurrentTerm + 1,
	}

	return &e
}

// Start increments the term of the candidate and records its vote for
// itself. It must be called with exclusive access to the election state of
// the candidate, before Run.
func (e *Election) Start() error {
	state := ElectionState{
		CurrentTerm: e.Term,
		VotedFor:    e.Cfg.CandidateId,
	}

	if err := e.Cfg.StoreState(state); err != nil {
		return fmt.Errorf("cannot store election state: %w", err)
	}

	e.Log.Info("starting election for term %d (previous term: %d)",
		e.Term, e.Cfg.CurrentTerm)

	e.Cfg.Strategy.RegisterVote(e.Cfg.CandidateId, true)

	return nil
}

// Run requests votes from all peers concurrently and returns as soon as the
// outcome is decided, without waiting for the remaining responses.
func (e *Election) Run(ctx context.Context) ElectionResult {
	type voteResponse struct {
		peerId NodeId
		res    *RPCRequestVoteResponse
		err    error
	}

	peers := e.Cfg.Peers
	responses := make(chan voteResponse, len(peers))

	for _, peer := range peers {
		peer := peer
		req := e.request()

		go func() {
			rctx, cancel := context.WithTimeout(ctx, e.Cfg.RPCTimeout)
			defer cancel()

			res, err := peer.RequestVote(rctx, req)
			responses <- voteResponse{peerId: peer.Id(), res: res, err: err}
		}()
	}

	if result, decided := e.outcome(); decided {
		return result
	}

	for i := 0; i < len(peers); i++ {
		var r voteResponse

		select {
		case <-ctx.Done():
			return e.result(false, fmt.Sprintf("election for term %d "+
				"interrupted", e.Term))
		case r = <-responses:
		}

		if r.err != nil {
			e.Log.Debug(1, "cannot request vote from %s: %v", r.peerId, r.err)
			e.Cfg.Strategy.RegisterUnreachable(r.peerId)
		} else {
			e.Log.Debug(2, "received %v from %s", r.res, r.peerId)

			if r.res.Term > e.Term {
				cause := fmt.Sprintf("%s received vote response with greater "+
					"term (%d > %d) from %s", e.Cfg.CandidateId, r.res.Term,
					e.Term, r.peerId)

				e.Cfg.OnHigherTerm(r.res.Term, cause)
				return e.result(false, cause)
			}

			// A voter in contact with a leader refuses non-disruptive vote
			// requests without updating its term; its answer does not count.
			if r.res.Term < e.Term {
				continue
			}

			e.Cfg.Strategy.RegisterVote(r.peerId, r.res.VoteGranted)
		}

		if result, decided := e.outcome(); decided {
			return result
		}
	}

	return e.result(false, fmt.Sprintf("election for term %d undecided "+
		"after all responses (%v)", e.Term, e.Cfg.Strategy))
}

func (e *Election) outcome() (ElectionResult, bool) {
	decided, won := e.Cfg.Strategy.Outcome()
	if !decided {
		return ElectionResult{}, false
	}

	status := "lost"
	if won {
		status = "won"
	}

	cause := fmt.Sprintf("%s: election for term %d %s by %s (%v)",
		e.Cfg.GroupId, e.Term, status, e.Cfg.CandidateId, e.Cfg.Strategy)

	return e.result(won, cause), true
}

func (e *Election) result(won bool, cause string) ElectionResult {
	return ElectionResult{
		Term:  e.Term,
		Won:   won,
		Cause: cause,
	}
}

func (e *Election) request() *RPCRequestVoteRequest {
	return &RPCRequestVoteRequest{
		GroupId:        e.Cfg.GroupId,
		CandidateId:    e.Cfg.CandidateId,
		Term:           e.Term,
		LastLogIndex:   e.Cfg.LastLogIndex,
		LastLogTerm:    e.Cfg.LastLogTerm,
		DisruptAllowed: e.Cfg.DisruptAllowed,
		RequestId:      uuid.NewString(),
	}
}
