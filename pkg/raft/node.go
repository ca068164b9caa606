package raft

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type RaftNodeCfg struct {
	Id NodeId

	Logger Logger

	Configuration *Configuration
	LogStore      LogEntryStore
	ElectionStore ElectionStore
	PeerFactory   PeerFactory

	// Optional; without snapshot manager, followers whose next entry has
	// been compacted away cannot catch up.
	SnapshotManager *SnapshotManager

	// Default: NewPrimaryAndBackupStrategy.
	VoteStrategyFactory VoteStrategyFactory

	// Maximum delay before the apply loop checks for newly committed entries
	// when it was not notified. Default: 10ms.
	ApplyIdleInterval time.Duration
}

// EntryConsumer is called for every applied entry, in index order. Delivery
// is at least once: consumers must be idempotent.
type EntryConsumer func(LogEntry) error

type entryConsumer struct {
	id uint64
	fn EntryConsumer
}

type peerEntry struct {
	node Node
	peer Peer
}

// RaftNode is the member of a replication group running on the local process.
type RaftNode struct {
	Cfg RaftNodeCfg
	Log Logger

	Id NodeId

	config        *Configuration
	logStore      LogEntryStore
	electionStore ElectionStore
	snapshots     *SnapshotManager

	// mu serializes role transitions and RPC handling
	mu      sync.Mutex
	state   membershipState
	running bool

	stateRef atomic.Value // stateHolder

	termMu        sync.RWMutex
	electionState ElectionState

	leaderId          atomic.Value // NodeId
	lastLeaderContact atomic.Int64

	peersMu sync.Mutex
	peers   map[NodeId]peerEntry

	consumersMu    sync.RWMutex
	consumers      []entryConsumer
	nextConsumerId uint64

	random *randomDuration

	commitChan chan struct{}

	errorChan chan<- error
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func NewRaftNode(cfg RaftNodeCfg) (*RaftNode, error) {
	if cfg.Id == "" {
		return nil, invalidCfgf("missing or empty node id")
	}

	if cfg.Configuration == nil {
		return nil, invalidCfgf("missing configuration")
	}

	if cfg.LogStore == nil {
		return nil, invalidCfgf("missing log store")
	}

	if cfg.ElectionStore == nil {
		return nil, invalidCfgf("missing election store")
	}

	if cfg.PeerFactory == nil {
		return nil, invalidCfgf("missing peer factory")
	}

	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}

	if cfg.VoteStrategyFactory == nil {
		cfg.VoteStrategyFactory = NewPrimaryAndBackupStrategy
	}

	if cfg.ApplyIdleInterval == 0 {
		cfg.ApplyIdleInterval = 10 * time.Millisecond
	}

	n := &RaftNode{
		Cfg: cfg,
		Log: cfg.Logger,

		Id: cfg.Id,

		config:        cfg.Configuration,
		logStore:      cfg.LogStore,
		electionStore: cfg.ElectionStore,
		snapshots:     cfg.SnapshotManager,

		peers: make(map[NodeId]peerEntry),

		random: newRandomDuration(),

		commitChan: make(chan struct{}, 1),
	}

	n.leaderId.Store(NodeId(""))

	idle := newIdleState(n)
	n.state = idle
	n.stateRef.Store(stateHolder{state: idle})

	return n, nil
}

func (n *RaftNode) GroupId() string {
	return n.config.GroupId()
}

func (n *RaftNode) Configuration() *Configuration {
	return n.config
}

func (n *RaftNode) LogStore() LogEntryStore {
	return n.logStore
}

// Start loads the election state, starts the apply loop and makes the node a
// follower. Fatal errors occurring while the node is running are sent to
// errorChan; the node stops itself after sending them.
func (n *RaftNode) Start(errorChan chan<- error) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return ErrNodeRunning
	}

	n.Log.Debug(1, "starting")

	state, err := n.electionStore.Load()
	if err != nil {
		return fmt.Errorf("cannot load election state: %w", err)
	}

	n.termMu.Lock()
	n.electionState = state
	n.termMu.Unlock()

	n.Log.Debug(1, "initial election state: currentTerm %d, votedFor %q",
		state.CurrentTerm, state.VotedFor)

	n.errorChan = errorChan
	n.stopChan = make(chan struct{})
	n.running = true

	n.wg.Add(1)
	go n.applyLoop(n.stopChan)

	n.setState(newFollowerState(n))

	n.Log.Debug(1, "started")

	return nil
}

// Stop makes the node idle and waits for the apply loop to exit. It can be
// called on a node which was never started.
func (n *RaftNode) Stop() {
	n.mu.Lock()

	if !n.running {
		n.mu.Unlock()
		return
	}

	n.Log.Debug(1, "stopping")

	n.running = false
	close(n.stopChan)

	n.setState(newIdleState(n))

	n.mu.Unlock()

	n.wg.Wait()

	n.peersMu.Lock()
	n.peers = make(map[NodeId]peerEntry)
	n.peersMu.Unlock()

	n.Log.Debug(1, "stopped")
}

func (n *RaftNode) currentState() membershipState {
	return n.stateRef.Load().(stateHolder).state
}

func (n *RaftNode) Role() RoleName {
	return n.currentState().name()
}

func (n *RaftNode) IsLeader() bool {
	return n.Role() == RoleLeader
}

// Leader returns the id of the current leader as known by the node, or an
// empty string.
func (n *RaftNode) Leader() NodeId {
	return n.leaderId.Load().(NodeId)
}

func (n *RaftNode) setLeader(id NodeId) {
	if previous := n.Leader(); previous != id {
		if id != "" {
			n.Log.Info("leader is %s", id)
		}

		n.leaderId.Store(id)
	}
}

func (n *RaftNode) notLeaderError() error {
	return &NotLeaderError{
		GroupId:  n.GroupId(),
		LeaderId: n.Leader(),
	}
}

// setState must be called with the node lock held.
func (n *RaftNode) setState(state membershipState) {
	previous := n.state

	previous.stop()

	n.Log.Debug(1, "%s -> %s", previous.name(), state.name())

	n.state = state
	n.stateRef.Store(stateHolder{state: state})

	state.start()
}

// transitionFrom replaces the current state if it still is from. Used by
// goroutines which do not hold the node lock and whose decision may have
// been made obsolete by a concurrent transition.
func (n *RaftNode) transitionFrom(from membershipState, build func() membershipState) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != from {
		return false
	}

	n.setState(build())
	return true
}

// adoptTerm records a term higher than the current one discovered by from,
// and makes the node a follower.
func (n *RaftNode) adoptTerm(from membershipState, term Term, cause string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != from {
		return
	}

	if err := n.updateTerm(term, cause); err != nil {
		n.fatal(err)
		return
	}

	n.setState(newFollowerState(n))
}

func (n *RaftNode) ElectionState() ElectionState {
	n.termMu.RLock()
	defer n.termMu.RUnlock()

	return n.electionState
}

func (n *RaftNode) currentTerm() Term {
	return n.ElectionState().CurrentTerm
}

// storeElectionState must be called with the node lock held. The state is
// durable before it becomes visible.
func (n *RaftNode) storeElectionState(state ElectionState) error {
	if err := n.electionStore.Store(state); err != nil {
		return fmt.Errorf("cannot store election state: %w", err)
	}

	n.termMu.Lock()
	n.electionState = state
	n.termMu.Unlock()

	return nil
}

// updateTerm must be called with the node lock held. Terms never decrease
// and the vote is reset when the term changes.
func (n *RaftNode) updateTerm(term Term, cause string) error {
	current := n.currentTerm()
	if term <= current {
		return nil
	}

	n.Log.Info("moving from term %d to term %d: %s", current, term, cause)

	return n.storeElectionState(ElectionState{CurrentTerm: term})
}

func (n *RaftNode) fatal(err error) {
	n.Log.Error("fatal error: %v", err)

	if n.errorChan != nil {
		select {
		case n.errorChan <- fmt.Errorf("group %q: %w", n.GroupId(), err):
		default:
		}
	}

	go n.Stop()
}

func (n *RaftNode) RequestVote(req *RPCRequestVoteRequest) (*RPCRequestVoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil, ErrNotAvailable
	}

	n.Log.Debug(2, "received %v", req)

	current := n.currentTerm()

	if req.Term < current {
		return n.voteResponse(false), nil
	}

	if !req.DisruptAllowed && n.state.inContactWithLeader() {
		n.Log.Debug(1, "refusing vote to %s for term %d: in contact with "+
			"leader %s", req.CandidateId, req.Term, n.Leader())
		return n.voteResponse(false), nil
	}

	if req.Term > current {
		cause := fmt.Sprintf("vote requested by %s", req.CandidateId)
		if err := n.updateTerm(req.Term, cause); err != nil {
			n.fatal(err)
			return n.voteResponse(false), nil
		}

		if n.state.name() != RoleFollower {
			n.setState(newFollowerState(n))
		}
	}

	return n.state.requestVote(req), nil
}

// handleVoteRequest applies the voting rule for a request whose term is not
// lower than the current one. It must be called with the node lock held.
func (n *RaftNode) handleVoteRequest(req *RPCRequestVoteRequest) (*RPCRequestVoteResponse, bool) {
	state := n.ElectionState()

	if req.Term < state.CurrentTerm {
		return n.voteResponse(false), false
	}

	if state.VotedFor != "" && state.VotedFor != req.CandidateId {
		n.Log.Debug(1, "refusing vote to %s for term %d: already voted for %s",
			req.CandidateId, req.Term, state.VotedFor)
		return n.voteResponse(false), false
	}

	lastTerm := n.logStore.LastLogTerm()
	lastIndex := n.logStore.LastLogIndex()

	upToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)
	if !upToDate {
		n.Log.Debug(1, "refusing vote to %s for term %d: candidate log "+
			"(%d, %d) is behind local log (%d, %d)", req.CandidateId, req.Term,
			req.LastLogTerm, req.LastLogIndex, lastTerm, lastIndex)
		return n.voteResponse(false), false
	}

	if state.VotedFor != req.CandidateId {
		state.VotedFor = req.CandidateId

		if err := n.storeElectionState(state); err != nil {
			n.fatal(err)
			return n.voteResponse(false), false
		}
	}

	n.Log.Debug(1, "granting vote to %s for term %d", req.CandidateId, req.Term)

	return n.voteResponse(true), true
}

func (n *RaftNode) voteResponse(granted bool) *RPCRequestVoteResponse {
	return &RPCRequestVoteResponse{
		GroupId:     n.GroupId(),
		NodeId:      n.Id,
		Term:        n.currentTerm(),
		VoteGranted: granted,
	}
}

func (n *RaftNode) AppendEntries(req *RPCAppendEntriesRequest) (*RPCAppendEntriesResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil, ErrNotAvailable
	}

	n.Log.Debug(2, "received %v", req)

	current := n.currentTerm()

	if req.Term < current {
		return n.appendEntriesResponse(false, n.logStore.LastLogIndex()), nil
	}

	if req.Term > current {
		cause := fmt.Sprintf("entries received from %s", req.LeaderId)
		if err := n.updateTerm(req.Term, cause); err != nil {
			n.fatal(err)
			return n.appendEntriesResponse(false, n.logStore.LastLogIndex()), nil
		}
	}

	// A candidate learning about a leader for its own term, or a leader
	// learning about a leader for a later term, steps down.
	if role := n.state.name(); role == RoleCandidate ||
		(role == RoleLeader && req.Term > current) {
		n.setState(newFollowerState(n))
	}

	return n.state.appendEntries(req), nil
}

func (n *RaftNode) appendEntriesResponse(success bool, lastLogIndex LogIndex) *RPCAppendEntriesResponse {
	return &RPCAppendEntriesResponse{
		GroupId:      n.GroupId(),
		NodeId:       n.Id,
		Term:         n.currentTerm(),
		Success:      success,
		LastLogIndex: lastLogIndex,
	}
}

func (n *RaftNode) InstallSnapshot(req *RPCInstallSnapshotRequest) (*RPCInstallSnapshotResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil, ErrNotAvailable
	}

	n.Log.Debug(2, "received %v", req)

	current := n.currentTerm()

	if req.Term < current {
		return n.installSnapshotResponse(false), nil
	}

	if req.Term > current {
		cause := fmt.Sprintf("snapshot received from %s", req.LeaderId)
		if err := n.updateTerm(req.Term, cause); err != nil {
			n.fatal(err)
			return n.installSnapshotResponse(false), nil
		}
	}

	if role := n.state.name(); role == RoleCandidate ||
		(role == RoleLeader && req.Term > current) {
		n.setState(newFollowerState(n))
	}

	return n.state.installSnapshot(req), nil
}

func (n *RaftNode) installSnapshotResponse(success bool) *RPCInstallSnapshotResponse {
	return &RPCInstallSnapshotResponse{
		GroupId: n.GroupId(),
		NodeId:  n.Id,
		Term:    n.currentTerm(),
		Success: success,
	}
}

// AppendEntry submits an entry to the group. The future completes once the
// entry is committed, or fails if the node is not the leader or loses
// leadership before the entry is committed.
func (n *RaftNode) AppendEntry(entryType string, data []byte) *Future {
	return n.currentState().appendEntry(entryType, data)
}

func (n *RaftNode) AddNode(node Node) *Future {
	return n.currentState().changeMembers(func(members []Node) ([]Node, error) {
		for _, member := range members {
			if member.Id == node.Id {
				return nil, fmt.Errorf("node %q is already a member of "+
					"group %q", node.Id, n.GroupId())
			}
		}

		return append(members, node), nil
	})
}

func (n *RaftNode) RemoveNode(id NodeId) *Future {
	return n.currentState().changeMembers(func(members []Node) ([]Node, error) {
		for i, member := range members {
			if member.Id == id {
				return append(members[:i], members[i+1:]...), nil
			}
		}

		return nil, fmt.Errorf("node %q is not a member of group %q",
			id, n.GroupId())
	})
}

// StartElection makes a follower or a candidate start a new election
// immediately. With disrupt set, voters grant their vote even if they are in
// contact with a leader.
func (n *RaftNode) StartElection(disrupt bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return ErrNotAvailable
	}

	switch n.state.name() {
	case RoleLeader:
		return nil
	case RoleFollower, RoleCandidate:
		if member, found := n.config.Member(n.Id); !found || member.IsBackup() {
			return fmt.Errorf("node %q is not a primary member of group %q",
				n.Id, n.GroupId())
		}

		n.setState(newCandidateState(n, disrupt))
	}

	return nil
}

// Compact drops applied log entries up to the given index.
func (n *RaftNode) Compact(index LogIndex) error {
	if index > n.logStore.LastAppliedIndex() {
		index = n.logStore.LastAppliedIndex()
	}

	if err := n.logStore.Compact(index); err != nil {
		return fmt.Errorf("cannot compact log up to index %d: %w", index, err)
	}

	n.Log.Info("log compacted up to index %d", index)

	return nil
}

func (n *RaftNode) Status() NodeStatus {
	state := n.ElectionState()

	return NodeStatus{
		GroupId:          n.GroupId(),
		NodeId:           n.Id,
		Role:             n.Role(),
		Term:             state.CurrentTerm,
		VotedFor:         state.VotedFor,
		LeaderId:         n.Leader(),
		CommitIndex:      n.logStore.CommitIndex(),
		LastAppliedIndex: n.logStore.LastAppliedIndex(),
		FirstLogIndex:    n.logStore.FirstLogIndex(),
		LastLogIndex:     n.logStore.LastLogIndex(),
		LastLogTerm:      n.logStore.LastLogTerm(),
		Members:          n.config.Members(),
	}
}

// RegisterEntryConsumer adds a consumer called for every entry applied from
// now on. The returned function unregisters it.
func (n *RaftNode) RegisterEntryConsumer(fn EntryConsumer) func() {
	n.consumersMu.Lock()
	defer n.consumersMu.Unlock()

	n.nextConsumerId++
	id := n.nextConsumerId

	n.consumers = append(n.consumers, entryConsumer{id: id, fn: fn})

	return func() {
		n.consumersMu.Lock()
		defer n.consumersMu.Unlock()

		for i, c := range n.consumers {
			if c.id == id {
				n.consumers = append(n.consumers[:i:i], n.consumers[i+1:]...)
				return
			}
		}
	}
}

func (n *RaftNode) notifyCommit() {
	select {
	case n.commitChan <- struct{}{}:
	default:
	}
}

func (n *RaftNode) applyLoop(stopChan <-chan struct{}) {
	defer n.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			n.Log.Error("panic: %s\n%s", msg, trace)

			n.fatal(fmt.Errorf("panic: %s", msg))
		}
	}()

	interval := n.Cfg.ApplyIdleInterval

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		nbApplied, err := n.logStore.ApplyEntries(n.applyEntry)
		if err != nil {
			if errors.Is(err, errConfigurationNotApplied) {
				n.fatal(err)
				return
			}

			n.Log.Error("%v", err)
		}

		if nbApplied > 0 && err == nil {
			select {
			case <-stopChan:
				return
			default:
				continue
			}
		}

		select {
		case <-stopChan:
			return

		case <-n.commitChan:
			if !timer.Stop() {
				<-timer.C
			}

		case <-timer.C:
		}

		timer.Reset(interval)
	}
}

// errConfigurationNotApplied reports a committed configuration entry which
// could not be decoded or stored. The apply loop cannot move past it.
var errConfigurationNotApplied = errors.New("configuration entry not applied")

func (n *RaftNode) applyEntry(entry LogEntry) error {
	if entry.Type == EntryTypeConfiguration {
		var members []Node
		if err := json.Unmarshal(entry.Data, &members); err != nil {
			return fmt.Errorf("%w: cannot decode members: %v",
				errConfigurationNotApplied, err)
		}

		if err := n.config.Update(members); err != nil {
			return fmt.Errorf("%w: %v", errConfigurationNotApplied, err)
		}

		n.Log.Info("members updated at index %d: %s", entry.Index,
			formatMembers(members))
	}

	n.consumersMu.RLock()
	consumers := make([]entryConsumer, len(n.consumers))
	copy(consumers, n.consumers)
	n.consumersMu.RUnlock()

	for _, c := range consumers {
		if err := c.fn(entry); err != nil {
			return err
		}
	}

	n.currentState().applied(entry)

	return nil
}

// peer returns the peer used to reach a member, creating it the first time
// or when the address of the member has changed.
func (n *RaftNode) peer(node Node) Peer {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	if e, found := n.peers[node.Id]; found && e.node == node {
		return e.peer
	}

	peer := n.Cfg.PeerFactory(n.GroupId(), node)
	n.peers[node.Id] = peerEntry{node: node, peer: peer}

	return peer
}

// otherMembers returns all members except the local node.
func (n *RaftNode) otherMembers() []Node {
	var nodes []Node

	for _, member := range n.config.Members() {
		if member.Id != n.Id {
			nodes = append(nodes, member)
		}
	}

	return nodes
}

func formatMembers(members []Node) string {
	s := ""

	for i, member := range members {
		if i > 0 {
			s += ", "
		}

		s += string(member.Id)
		if member.IsBackup() {
			s += " (backup)"
		}
	}

	return s
}
