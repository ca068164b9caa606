package raft

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type votePeer struct {
	id   NodeId
	vote func(context.Context, *RPCRequestVoteRequest) (*RPCRequestVoteResponse, error)
}

func (p *votePeer) Id() NodeId {
	return p.id
}

func (p *votePeer) RequestVote(ctx context.Context, req *RPCRequestVoteRequest) (*RPCRequestVoteResponse, error) {
	return p.vote(ctx, req)
}

func (p *votePeer) AppendEntries(context.Context, *RPCAppendEntriesRequest) (*RPCAppendEntriesResponse, error) {
	return nil, errors.New("not implemented")
}

func (p *votePeer) InstallSnapshot(context.Context, *RPCInstallSnapshotRequest) (*RPCInstallSnapshotResponse, error) {
	return nil, errors.New("not implemented")
}

func answeringPeer(id NodeId, term Term, granted bool) Peer {
	return &votePeer{
		id: id,
		vote: func(ctx context.Context, req *RPCRequestVoteRequest) (*RPCRequestVoteResponse, error) {
			return &RPCRequestVoteResponse{
				GroupId:     req.GroupId,
				NodeId:      id,
				Term:        term,
				VoteGranted: granted,
			}, nil
		},
	}
}

// blockingPeer never answers before the request is canceled.
func blockingPeer(id NodeId) Peer {
	return &votePeer{
		id: id,
		vote: func(ctx context.Context, req *RPCRequestVoteRequest) (*RPCRequestVoteResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

func unreachablePeer(id NodeId) Peer {
	return &votePeer{
		id: id,
		vote: func(ctx context.Context, req *RPCRequestVoteRequest) (*RPCRequestVoteResponse, error) {
			return nil, errUnreachable
		},
	}
}

type testElection struct {
	*Election

	mu          sync.Mutex
	stored      []ElectionState
	higherTerms []Term
}

func newTestElection(t *testing.T, currentTerm Term, peers ...Peer) *testElection {
	var te testElection

	members := testMembers("a")
	for _, peer := range peers {
		members = append(members, Node{Id: peer.Id()})
	}

	te.Election = NewElection(ElectionCfg{
		GroupId:     "test",
		CandidateId: "a",
		CurrentTerm: currentTerm,

		Peers:      peers,
		Strategy:   NewMajorityStrategy(members, GroupCfg{}),
		RPCTimeout: 10 * time.Second,

		Logger: newTestLogger(t, ""),

		StoreState: func(state ElectionState) error {
			te.mu.Lock()
			te.stored = append(te.stored, state)
			te.mu.Unlock()
			return nil
		},

		OnHigherTerm: func(term Term, cause string) {
			te.mu.Lock()
			te.higherTerms = append(te.higherTerms, term)
			te.mu.Unlock()
		},
	})

	if err := te.Start(); err != nil {
		t.Fatalf("cannot start election: %v", err)
	}

	return &te
}

func runElection(t *testing.T, e *testElection) ElectionResult {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	resultChan := make(chan ElectionResult, 1)

	go func() {
		resultChan <- e.Run(ctx)
	}()

	select {
	case result := <-resultChan:
		return result
	case <-time.After(5 * time.Second):
		t.Fatalf("election did not return")
		return ElectionResult{}
	}
}

func TestElectionStart(t *testing.T) {
	e := newTestElection(t, 4, answeringPeer("b", 5, true))

	if e.Term != 5 {
		t.Fatalf("election term is %d instead of 5", e.Term)
	}

	if len(e.stored) != 1 || e.stored[0].CurrentTerm != 5 ||
		e.stored[0].VotedFor != "a" {
		t.Fatalf("invalid stored election states %#v", e.stored)
	}
}

func TestElectionHigherTerm(t *testing.T) {
	e := newTestElection(t, 4,
		answeringPeer("b", 7, false),
		blockingPeer("c"))

	result := runElection(t, e)

	if result.Won {
		t.Fatalf("election won despite higher term")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.higherTerms) != 1 || e.higherTerms[0] != 7 {
		t.Fatalf("higher term not reported: %v", e.higherTerms)
	}
}

func TestElectionWon(t *testing.T) {
	e := newTestElection(t, 0,
		answeringPeer("b", 1, true),
		blockingPeer("c"))

	result := runElection(t, e)

	if !result.Won || result.Term != 1 {
		t.Fatalf("invalid election result %#v", result)
	}
}

func TestElectionLost(t *testing.T) {
	e := newTestElection(t, 0,
		answeringPeer("b", 1, false),
		answeringPeer("c", 1, false))

	if result := runElection(t, e); result.Won {
		t.Fatalf("election won without votes")
	}

	e = newTestElection(t, 0, unreachablePeer("b"), unreachablePeer("c"))

	if result := runElection(t, e); result.Won {
		t.Fatalf("election won without reachable voters")
	}
}

func TestElectionStaleTermResponse(t *testing.T) {
	// A voter in contact with a leader answers with its own, lower term;
	// its answer is ignored.
	e := newTestElection(t, 2,
		answeringPeer("b", 2, true),
		answeringPeer("c", 3, true))

	result := runElection(t, e)
	if !result.Won {
		t.Fatalf("election lost: %s", result.Cause)
	}

	e = newTestElection(t, 2,
		answeringPeer("b", 2, true),
		unreachablePeer("c"))

	if result := runElection(t, e); result.Won {
		t.Fatalf("election won with a stale vote")
	}
}

func TestElectionSingleNode(t *testing.T) {
	e := newTestElection(t, 0)

	if result := runElection(t, e); !result.Won {
		t.Fatalf("single node election lost: %s", result.Cause)
	}
}
