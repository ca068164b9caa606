package raft

// membershipState is the role of a node in a group. Exactly one state is
// active per node; start, stop and all RPC handlers are called with the node
// lock held.
type membershipState interface {
	name() RoleName

	start()
	stop()

	requestVote(*RPCRequestVoteRequest) *RPCRequestVoteResponse
	appendEntries(*RPCAppendEntriesRequest) *RPCAppendEntriesResponse
	installSnapshot(*RPCInstallSnapshotRequest) *RPCInstallSnapshotResponse

	// Called without the node lock
	appendEntry(entryType string, data []byte) *Future
	changeMembers(func([]Node) ([]Node, error)) *Future
	applied(LogEntry)

	// inContactWithLeader reports whether the node recently heard from a
	// leader, in which case it refuses non-disruptive vote requests.
	inContactWithLeader() bool
}

// stateHolder lets states of different types be stored in an atomic.Value.
type stateHolder struct {
	state membershipState
}

// baseState provides the behaviour shared by non-leader states.
type baseState struct {
	n *RaftNode
}

func (s *baseState) requestVote(req *RPCRequestVoteRequest) *RPCRequestVoteResponse {
	res, _ := s.n.handleVoteRequest(req)
	return res
}

func (s *baseState) appendEntries(req *RPCAppendEntriesRequest) *RPCAppendEntriesResponse {
	return s.n.appendEntriesResponse(false, s.n.logStore.LastLogIndex())
}

func (s *baseState) installSnapshot(req *RPCInstallSnapshotRequest) *RPCInstallSnapshotResponse {
	return s.n.installSnapshotResponse(false)
}

func (s *baseState) appendEntry(string, []byte) *Future {
	return failedFuture(s.n.notLeaderError())
}

func (s *baseState) changeMembers(func([]Node) ([]Node, error)) *Future {
	return failedFuture(s.n.notLeaderError())
}

func (s *baseState) applied(LogEntry) {
}

func (s *baseState) inContactWithLeader() bool {
	return false
}

type idleState struct {
	baseState
}

func newIdleState(n *RaftNode) *idleState {
	return &idleState{baseState: baseState{n: n}}
}

func (s *idleState) name() RoleName {
	return RoleIdle
}

func (s *idleState) start() {
	s.n.setLeader("")
}

func (s *idleState) stop() {
}

func (s *idleState) appendEntry(string, []byte) *Future {
	return failedFuture(ErrNotAvailable)
}

func (s *idleState) changeMembers(func([]Node) ([]Node, error)) *Future {
	return failedFuture(ErrNotAvailable)
}
