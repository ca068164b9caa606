package placement

import (
	"fmt"
	"sort"
	"sync"

	"github.com/galdor/go-raftgroup/pkg/raft"
	"github.com/stathat/consistent"
)

// Ring assigns replication groups to cluster nodes with consistent hashing,
// so that adding or removing a node only moves the groups it hosts.
type Ring struct {
	mu    sync.RWMutex
	ring  *consistent.Consistent
	nodes map[string]raft.Node
}

func NewRing(nodes []raft.Node) *Ring {
	r := Ring{
		ring:  consistent.New(),
		nodes: make(map[string]raft.Node),
	}

	r.Set(nodes)

	return &r
}

func (r *Ring) Set(nodes []raft.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes = make(map[string]raft.Node, len(nodes))

	ids := make([]string, len(nodes))
	for i, node := range nodes {
		ids[i] = string(node.Id)
		r.nodes[string(node.Id)] = node
	}

	r.ring.Set(ids)
}

func (r *Ring) Add(node raft.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes[string(node.Id)] = node
	r.ring.Add(string(node.Id))
}

func (r *Ring) Remove(id raft.NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.nodes, string(id))
	r.ring.Remove(string(id))
}

// Members returns n distinct nodes for a group, sorted by id. The result
// only depends on the group id and the set of nodes in the ring.
func (r *Ring) Members(groupId string, n int) ([]raft.Node, error) {
	if n < 1 {
		return nil, fmt.Errorf("invalid replication factor %d", n)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.nodes) < n {
		return nil, fmt.Errorf("cannot place group %q on %d nodes: only %d "+
			"nodes available", groupId, n, len(r.nodes))
	}

	ids, err := r.ring.GetN(groupId, n)
	if err != nil {
		return nil, fmt.Errorf("cannot place group %q: %w", groupId, err)
	}

	members := make([]raft.Node, len(ids))
	for i, id := range ids {
		members[i] = r.nodes[id]
	}

	sort.Slice(members, func(i, j int) bool {
		return members[i].Id < members[j].Id
	})

	return members, nil
}
