package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/galdor/go-raftgroup/pkg/raft"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS raft_election_states
  (group_id TEXT NOT NULL,
   node_id TEXT NOT NULL,
   current_term BIGINT NOT NULL,
   voted_for TEXT NOT NULL DEFAULT '',

   PRIMARY KEY (group_id, node_id));

CREATE TABLE IF NOT EXISTS raft_member_sets
  (owner_id TEXT NOT NULL,
   group_id TEXT NOT NULL,
   update_time TIMESTAMP WITH TIME ZONE NOT NULL,

   PRIMARY KEY (owner_id, group_id));

CREATE TABLE IF NOT EXISTS raft_members
  (owner_id TEXT NOT NULL,
   group_id TEXT NOT NULL,
   position INTEGER NOT NULL,
   node_id TEXT NOT NULL,
   host TEXT NOT NULL,
   port INTEGER NOT NULL,
   role TEXT NOT NULL DEFAULT '',

   PRIMARY KEY (owner_id, group_id, node_id),
   FOREIGN KEY (owner_id, group_id)
     REFERENCES raft_member_sets (owner_id, group_id)
     ON DELETE CASCADE);
`

type ClientCfg struct {
	URI    string
	Logger raft.Logger

	// Timeout of each store operation. Default: 5 seconds.
	Timeout time.Duration
}

// Client stores the durable state of the replication groups of a node in a
// PostgreSQL database.
type Client struct {
	Cfg ClientCfg
	Log raft.Logger

	Pool *pgxpool.Pool
}

func NewClient(cfg ClientCfg) (*Client, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("missing or empty uri")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("cannot create connection pool: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cannot create schema: %w", err)
	}

	c := Client{
		Cfg: cfg,
		Log: cfg.Logger,

		Pool: pool,
	}

	return &c, nil
}

func (c *Client) Close() {
	c.Pool.Close()
}

func (c *Client) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.Cfg.Timeout)
}

func (c *Client) ElectionStore(groupId string, nodeId raft.NodeId) *ElectionStore {
	return &ElectionStore{
		client:  c,
		groupId: groupId,
		nodeId:  nodeId,
	}
}

// MembersStore returns the store of the members of a group as seen by a
// node. The initial members are used until members are stored for the first
// time.
func (c *Client) MembersStore(groupId string, ownerId raft.NodeId, initialMembers []raft.Node) *MembersStore {
	return &MembersStore{
		client:         c,
		groupId:        groupId,
		ownerId:        ownerId,
		initialMembers: initialMembers,
	}
}
