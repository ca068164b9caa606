package raft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

const testEntryType = "test"

var errUnreachable = errors.New("node unreachable")

// testLogger drops messages logged once the test is over, since goroutines
// of stopped nodes may still be running.
type testLogger struct {
	t      *testing.T
	prefix string

	mu   sync.Mutex
	done bool
}

func newTestLogger(t *testing.T, prefix string) *testLogger {
	l := testLogger{t: t, prefix: prefix}

	t.Cleanup(func() {
		l.mu.Lock()
		l.done = true
		l.mu.Unlock()
	})

	return &l
}

func (l *testLogger) logf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.done {
		l.t.Logf(l.prefix+format, args...)
	}
}

func (l *testLogger) Debug(level int, format string, args ...interface{}) {
	l.logf("debug: "+format, args...)
}

func (l *testLogger) Info(format string, args ...interface{}) {
	l.logf("info: "+format, args...)
}

func (l *testLogger) Error(format string, args ...interface{}) {
	l.logf("error: "+format, args...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, format string, args ...interface{}) {
	t.Helper()

	deadline := time.Now().Add(timeout)

	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout: "+format, args...)
		}

		time.Sleep(5 * time.Millisecond)
	}
}

// localNetwork connects nodes of the same process. Nodes can be
// disconnected to simulate network partitions.
type localNetwork struct {
	mu           sync.Mutex
	nodes        map[NodeId]*RaftNode
	disconnected map[NodeId]bool
}

func newLocalNetwork() *localNetwork {
	return &localNetwork{
		nodes:        make(map[NodeId]*RaftNode),
		disconnected: make(map[NodeId]bool),
	}
}

func (net *localNetwork) add(node *RaftNode) {
	net.mu.Lock()
	net.nodes[node.Id] = node
	net.mu.Unlock()
}

func (net *localNetwork) disconnect(id NodeId) {
	net.mu.Lock()
	net.disconnected[id] = true
	net.mu.Unlock()
}

func (net *localNetwork) reconnect(id NodeId) {
	net.mu.Lock()
	delete(net.disconnected, id)
	net.mu.Unlock()
}

func (net *localNetwork) target(source, id NodeId) (*RaftNode, error) {
	net.mu.Lock()
	defer net.mu.Unlock()

	if net.disconnected[source] || net.disconnected[id] {
		return nil, errUnreachable
	}

	node, found := net.nodes[id]
	if !found {
		return nil, errUnreachable
	}

	return node, nil
}

func (net *localNetwork) peerFactory(source NodeId) PeerFactory {
	return func(groupId string, node Node) Peer {
		return &localPeer{net: net, source: source, id: node.Id}
	}
}

type localPeer struct {
	net    *localNetwork
	source NodeId
	id     NodeId
}

func (p *localPeer) Id() NodeId {
	return p.id
}

func (p *localPeer) RequestVote(ctx context.Context, req *RPCRequestVoteRequest) (*RPCRequestVoteResponse, error) {
	node, err := p.net.target(p.source, p.id)
	if err != nil {
		return nil, err
	}

	return node.RequestVote(req)
}

func (p *localPeer) AppendEntries(ctx context.Context, req *RPCAppendEntriesRequest) (*RPCAppendEntriesResponse, error) {
	node, err := p.net.target(p.source, p.id)
	if err != nil {
		return nil, err
	}

	return node.AppendEntries(req)
}

func (p *localPeer) InstallSnapshot(ctx context.Context, req *RPCInstallSnapshotRequest) (*RPCInstallSnapshotResponse, error) {
	node, err := p.net.target(p.source, p.id)
	if err != nil {
		return nil, err
	}

	return node.InstallSnapshot(req)
}

// testStateMachine records the data of applied test entries. It is both an
// entry consumer and a snapshot data store.
type testStateMachine struct {
	mu      sync.Mutex
	values  map[LogIndex]string
	indexes []LogIndex
}

func newTestStateMachine() *testStateMachine {
	return &testStateMachine{
		values: make(map[LogIndex]string),
	}
}

func (sm *testStateMachine) apply(entry LogEntry) error {
	if entry.Type != testEntryType {
		return nil
	}

	sm.mu.Lock()
	sm.add(entry.Index, string(entry.Data))
	sm.mu.Unlock()

	return nil
}

func (sm *testStateMachine) add(index LogIndex, value string) {
	if _, found := sm.values[index]; found {
		return
	}

	sm.values[index] = value
	sm.indexes = append(sm.indexes, index)
}

// Values returns applied values in index order.
func (sm *testStateMachine) Values() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	indexes := append([]LogIndex(nil), sm.indexes...)
	sort.Slice(indexes, func(i, j int) bool {
		return indexes[i] < indexes[j]
	})

	values := make([]string, len(indexes))
	for i, index := range indexes {
		values[i] = sm.values[index]
	}

	return values
}

func (sm *testStateMachine) Domain() string {
	return "test"
}

type testSnapshotRecord struct {
	Index LogIndex `json:"index"`
	Value string   `json:"value"`
}

func (sm *testStateMachine) Stream(ctx context.Context, emit func([]byte) error) error {
	sm.mu.Lock()
	records := make([]testSnapshotRecord, 0, len(sm.indexes))
	for _, index := range sm.indexes {
		records = append(records, testSnapshotRecord{
			Index: index,
			Value: sm.values[index],
		})
	}
	sm.mu.Unlock()

	for _, record := range records {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}

		if err := emit(data); err != nil {
			return err
		}
	}

	return nil
}

func (sm *testStateMachine) Restore(data []byte) error {
	var record testSnapshotRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return err
	}

	sm.mu.Lock()
	sm.add(record.Index, record.Value)
	sm.mu.Unlock()

	return nil
}

func (sm *testStateMachine) Clear() error {
	sm.mu.Lock()
	sm.values = make(map[LogIndex]string)
	sm.indexes = nil
	sm.mu.Unlock()

	return nil
}

func testGroupCfg() GroupCfg {
	return GroupCfg{
		GroupId: "test",

		MinElectionTimeout: 60 * time.Millisecond,
		MaxElectionTimeout: 120 * time.Millisecond,
		HeartbeatTimeout:   10 * time.Millisecond,

		MaxEntriesPerBatch:        3,
		FlowBufferSize:            6,
		MaxSnapshotChunksPerBatch: 2,
	}
}

// testStandaloneGroupCfg returns a configuration whose election timers are
// long enough for tests not to be disturbed by elections.
func testStandaloneGroupCfg() GroupCfg {
	cfg := testGroupCfg()

	cfg.MinElectionTimeout = 10 * time.Second
	cfg.MaxElectionTimeout = 20 * time.Second

	return cfg
}

func testMembers(ids ...NodeId) []Node {
	members := make([]Node, len(ids))
	for i, id := range ids {
		members[i] = Node{Id: id, Host: "localhost", Port: 9000 + i}
	}

	return members
}

type testNode struct {
	*RaftNode

	sm    *testStateMachine
	store *MemoryLogStore
	errs  chan error
}

type testCluster struct {
	t     *testing.T
	net   *localNetwork
	nodes map[NodeId]*testNode
	ids   []NodeId
}

func newTestCluster(t *testing.T, members []Node, cfg GroupCfg) *testCluster {
	c := testCluster{
		t:     t,
		net:   newLocalNetwork(),
		nodes: make(map[NodeId]*testNode),
	}

	for _, member := range members {
		c.addNode(member.Id, members, cfg)
	}

	t.Cleanup(c.stop)

	return &c
}

// addNode creates a node which is not started yet.
func (c *testCluster) addNode(id NodeId, members []Node, cfg GroupCfg) *testNode {
	t := c.t

	configuration, err := NewConfiguration(cfg,
		NewMemoryMembersStore(members))
	if err != nil {
		t.Fatalf("cannot create configuration: %v", err)
	}

	state := newTestStateMachine()

	snapshots, err := NewSnapshotManager(state)
	if err != nil {
		t.Fatalf("cannot create snapshot manager: %v", err)
	}

	logStore := NewMemoryLogStore()

	node, err := NewRaftNode(RaftNodeCfg{
		Id:              id,
		Logger:          newTestLogger(t, fmt.Sprintf("%s: ", id)),
		Configuration:   configuration,
		LogStore:        logStore,
		ElectionStore:   NewMemoryElectionStore(),
		PeerFactory:     c.net.peerFactory(id),
		SnapshotManager: snapshots,
	})
	if err != nil {
		t.Fatalf("cannot create node %s: %v", id, err)
	}

	node.RegisterEntryConsumer(state.apply)

	c.net.add(node)

	tn := testNode{
		RaftNode: node,
		sm:       state,
		store:    logStore,
		errs:     make(chan error, 10),
	}

	c.nodes[id] = &tn
	c.ids = append(c.ids, id)

	return &tn
}

func (c *testCluster) start() {
	for _, id := range c.ids {
		node := c.nodes[id]

		if err := node.Start(node.errs); err != nil {
			c.t.Fatalf("cannot start node %s: %v", id, err)
		}
	}
}

func (c *testCluster) stop() {
	for _, node := range c.nodes {
		node.Stop()
	}
}

// leaders returns the running nodes which consider themselves leader.
func (c *testCluster) leaders(excluded ...NodeId) []*testNode {
	var leaders []*testNode

nodes:
	for _, id := range c.ids {
		for _, excludedId := range excluded {
			if id == excludedId {
				continue nodes
			}
		}

		if node := c.nodes[id]; node.IsLeader() {
			leaders = append(leaders, node)
		}
	}

	return leaders
}

// waitLeader waits for a single leader among the nodes which are not
// excluded, and for every other non-excluded node to know about it.
func (c *testCluster) waitLeader(excluded ...NodeId) *testNode {
	var leader *testNode

	waitFor(c.t, 5*time.Second, func() bool {
		leaders := c.leaders(excluded...)
		if len(leaders) != 1 {
			return false
		}

		leader = leaders[0]

	nodes:
		for _, id := range c.ids {
			for _, excludedId := range excluded {
				if id == excludedId {
					continue nodes
				}
			}

			if c.nodes[id].Leader() != leader.Id {
				return false
			}
		}

		return true
	}, "no leader elected")

	return leader
}

func (c *testCluster) followers(leader *testNode) []*testNode {
	var followers []*testNode

	for _, id := range c.ids {
		if id != leader.Id {
			followers = append(followers, c.nodes[id])
		}
	}

	return followers
}

func (c *testCluster) append(node *testNode, value string) {
	c.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	future := node.AppendEntry(testEntryType, []byte(value))
	if err := future.Wait(ctx); err != nil {
		c.t.Fatalf("cannot append %q on %s: %v", value, node.Id, err)
	}
}

// waitValues waits for the state machine of a node to contain exactly the
// given values.
func (c *testCluster) waitValues(node *testNode, values ...string) {
	c.t.Helper()

	waitFor(c.t, 5*time.Second, func() bool {
		return equalStrings(node.sm.Values(), values)
	}, "node %s does not have values %v", node.Id, values)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// newTestNode creates a standalone node whose peers are never reachable,
// for tests driving RPC handlers directly.
func newTestNode(t *testing.T, id NodeId, members []Node) *RaftNode {
	configuration, err := NewConfiguration(testStandaloneGroupCfg(),
		NewMemoryMembersStore(members))
	if err != nil {
		t.Fatalf("cannot create configuration: %v", err)
	}

	node, err := NewRaftNode(RaftNodeCfg{
		Id:            id,
		Logger:        newTestLogger(t, ""),
		Configuration: configuration,
		LogStore:      NewMemoryLogStore(),
		ElectionStore: NewMemoryElectionStore(),
		PeerFactory:   newLocalNetwork().peerFactory(id),
	})
	if err != nil {
		t.Fatalf("cannot create node: %v", err)
	}

	if err := node.Start(nil); err != nil {
		t.Fatalf("cannot start node: %v", err)
	}

	t.Cleanup(node.Stop)

	return node
}
