package raft

import (
	"fmt"
	"sync"
	"time"
)

// GroupCfg contains the tunable parameters of a replication group. Zero
// values are replaced by their default when the configuration is created.
type GroupCfg struct {
	GroupId string

	// Election timers are drawn uniformly in [MinElectionTimeout,
	// MaxElectionTimeout] every time they are armed. Defaults: 150ms and
	// 300ms.
	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration

	// Interval between two AppendEntries requests sent by the leader to a
	// follower when there is nothing to replicate. Default: 15ms.
	HeartbeatTimeout time.Duration

	// Maximum number of AppendEntries requests a replication pipeline sends
	// before yielding. Default: 10.
	MaxReplicationRound int

	// Maximum number of entries a replication pipeline pushes to a lagging
	// peer before yielding. Default: 100.
	FlowBufferSize int

	// Maximum number of entries in a single AppendEntries request.
	// Default: 10.
	MaxEntriesPerBatch int

	// Maximum number of snapshot chunks in a single InstallSnapshot
	// request. Default: 10.
	MaxSnapshotChunksPerBatch int

	// Number of backup members which must take part in elections and
	// acknowledge entries before they are committed. Default: 0.
	MinActiveBackups int

	// Timeout of outgoing RPCs. Default: MaxElectionTimeout.
	RPCTimeout time.Duration
}

func (cfg *GroupCfg) setDefaults() {
	if cfg.MinElectionTimeout == 0 {
		cfg.MinElectionTimeout = 150 * time.Millisecond
	}

	if cfg.MaxElectionTimeout == 0 {
		cfg.MaxElectionTimeout = 300 * time.Millisecond
	}

	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 15 * time.Millisecond
	}

	if cfg.MaxReplicationRound == 0 {
		cfg.MaxReplicationRound = 10
	}

	if cfg.FlowBufferSize == 0 {
		cfg.FlowBufferSize = 100
	}

	if cfg.MaxEntriesPerBatch == 0 {
		cfg.MaxEntriesPerBatch = 10
	}

	if cfg.MaxSnapshotChunksPerBatch == 0 {
		cfg.MaxSnapshotChunksPerBatch = 10
	}

	if cfg.RPCTimeout == 0 {
		cfg.RPCTimeout = cfg.MaxElectionTimeout
	}
}

func (cfg *GroupCfg) Validate() error {
	if cfg.GroupId == "" {
		return invalidCfgf("missing or empty group id")
	}

	if cfg.MinElectionTimeout < time.Millisecond {
		return invalidCfgf("minimum election timeout must be at least 1ms")
	}

	if cfg.MaxElectionTimeout < cfg.MinElectionTimeout {
		return invalidCfgf("maximum election timeout %v is lower than "+
			"minimum election timeout %v",
			cfg.MaxElectionTimeout, cfg.MinElectionTimeout)
	}

	if cfg.HeartbeatTimeout <= 0 ||
		cfg.HeartbeatTimeout >= cfg.MinElectionTimeout {
		return invalidCfgf("heartbeat timeout %v must be positive and lower "+
			"than minimum election timeout %v",
			cfg.HeartbeatTimeout, cfg.MinElectionTimeout)
	}

	if cfg.MaxReplicationRound < 1 {
		return invalidCfgf("invalid max replication round %d",
			cfg.MaxReplicationRound)
	}

	if cfg.MaxEntriesPerBatch < 1 {
		return invalidCfgf("invalid max entries per batch %d",
			cfg.MaxEntriesPerBatch)
	}

	if cfg.FlowBufferSize < cfg.MaxEntriesPerBatch {
		return invalidCfgf("flow buffer size %d is lower than max entries "+
			"per batch %d", cfg.FlowBufferSize, cfg.MaxEntriesPerBatch)
	}

	if cfg.MaxSnapshotChunksPerBatch < 1 {
		return invalidCfgf("invalid max snapshot chunks per batch %d",
			cfg.MaxSnapshotChunksPerBatch)
	}

	if cfg.MinActiveBackups < 0 {
		return invalidCfgf("invalid min active backups %d",
			cfg.MinActiveBackups)
	}

	if cfg.RPCTimeout <= 0 {
		return invalidCfgf("invalid rpc timeout %v", cfg.RPCTimeout)
	}

	return nil
}

// Configuration is the membership and parameters of a replication group.
// Members are only changed by Update, which stores the new member list
// before making it visible: readers see either the old or the new list.
type Configuration struct {
	Cfg GroupCfg

	store MembersStore

	mu      sync.RWMutex
	members []Node
}

func NewConfiguration(cfg GroupCfg, store MembersStore) (*Configuration, error) {
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if store == nil {
		return nil, invalidCfgf("missing members store")
	}

	members, err := store.Members()
	if err != nil {
		return nil, fmt.Errorf("cannot load members of group %q: %w",
			cfg.GroupId, err)
	}

	if err := validateMembers(members); err != nil {
		return nil, fmt.Errorf("invalid members for group %q: %w",
			cfg.GroupId, err)
	}

	c := &Configuration{
		Cfg:   cfg,
		store: store,

		members: members,
	}

	return c, nil
}

func (c *Configuration) GroupId() string {
	return c.Cfg.GroupId
}

func (c *Configuration) Members() []Node {
	c.mu.RLock()
	defer c.mu.RUnlock()

	members := make([]Node, len(c.members))
	copy(members, c.members)

	return members
}

func (c *Configuration) Member(id NodeId) (Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, member := range c.members {
		if member.Id == id {
			return member, true
		}
	}

	return Node{}, false
}

func (c *Configuration) Update(members []Node) error {
	if err := validateMembers(members); err != nil {
		return err
	}

	members = append([]Node(nil), members...)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.SetMembers(members); err != nil {
		return fmt.Errorf("cannot store members of group %q: %w",
			c.Cfg.GroupId, err)
	}

	c.members = members

	return nil
}

func validateMembers(members []Node) error {
	ids := make(map[NodeId]struct{}, len(members))

	for _, member := range members {
		if member.Id == "" {
			return fmt.Errorf("missing or empty node id")
		}

		if _, found := ids[member.Id]; found {
			return fmt.Errorf("duplicate node id %q", member.Id)
		}

		switch member.Role {
		case "", NodeRolePrimary, NodeRoleBackup:
		default:
			return fmt.Errorf("invalid role %q for node %q",
				member.Role, member.Id)
		}

		ids[member.Id] = struct{}{}
	}

	return nil
}
