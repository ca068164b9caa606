package zkstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/galdor/go-raftgroup/pkg/raft"
	"github.com/samuel/go-zookeeper/zk"
)

type ClientCfg struct {
	Servers []string
	Logger  raft.Logger

	// Default: 5 seconds.
	SessionTimeout time.Duration

	// Root of all the nodes created by the client. Default: "/raftgroup".
	BasePath string
}

// Client stores the members of replication groups in ZooKeeper, which lets
// operators inspect and repair group membership with standard tools.
type Client struct {
	Cfg ClientCfg
	Log raft.Logger

	Conn *zk.Conn
}

type zkLogger struct {
	log raft.Logger
}

func (l zkLogger) Printf(format string, args ...interface{}) {
	l.log.Debug(1, format, args...)
}

func NewClient(cfg ClientCfg) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("missing servers")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 5 * time.Second
	}

	if cfg.BasePath == "" {
		cfg.BasePath = "/raftgroup"
	}

	conn, _, err := zk.Connect(cfg.Servers, cfg.SessionTimeout,
		zk.WithLogger(zkLogger{log: cfg.Logger}))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to zookeeper: %w", err)
	}

	c := Client{
		Cfg: cfg,
		Log: cfg.Logger,

		Conn: conn,
	}

	if err := c.createPath(cfg.BasePath); err != nil {
		conn.Close()
		return nil, err
	}

	return &c, nil
}

func (c *Client) Close() {
	c.Conn.Close()
}

// createPath creates a node and all its missing parents.
func (c *Client) createPath(nodePath string) error {
	parts := strings.Split(strings.Trim(nodePath, "/"), "/")

	current := ""
	for _, part := range parts {
		current += "/" + part

		_, err := c.Conn.Create(current, []byte{}, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("cannot create node %q: %w", current, err)
		}
	}

	return nil
}

func (c *Client) MembersStore(groupId string, ownerId raft.NodeId, initialMembers []raft.Node) *MembersStore {
	return &MembersStore{
		client: c,
		path: path.Join(c.Cfg.BasePath, "groups", groupId, "members",
			string(ownerId)),
		initialMembers: initialMembers,

		version: -1,
	}
}

// MembersStore keeps the member list of a group as a JSON document in a
// single node. Updates are conditional on the version of the node last read
// or written, so that concurrent writers cannot silently overwrite each
// other.
type MembersStore struct {
	client         *Client
	path           string
	initialMembers []raft.Node

	mu      sync.Mutex
	version int32
}

func (s *MembersStore) Members() ([]raft.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, stat, err := s.client.Conn.Get(s.path)
	if errors.Is(err, zk.ErrNoNode) {
		return append([]raft.Node(nil), s.initialMembers...), nil
	} else if err != nil {
		return nil, fmt.Errorf("cannot read node %q: %w", s.path, err)
	}

	var members []raft.Node
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, fmt.Errorf("cannot decode node %q: %w", s.path, err)
	}

	s.version = stat.Version

	return members, nil
}

func (s *MembersStore) SetMembers(members []raft.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if members == nil {
		members = []raft.Node{}
	}

	data, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("cannot encode members: %w", err)
	}

	conn := s.client.Conn

	if s.version < 0 {
		exists, stat, err := conn.Exists(s.path)
		if err != nil {
			return fmt.Errorf("cannot check node %q: %w", s.path, err)
		}

		if !exists {
			if err := s.client.createPath(path.Dir(s.path)); err != nil {
				return err
			}

			_, err := conn.Create(s.path, data, 0, zk.WorldACL(zk.PermAll))
			if err == nil {
				s.version = 0
				return nil
			} else if !errors.Is(err, zk.ErrNodeExists) {
				return fmt.Errorf("cannot create node %q: %w", s.path, err)
			}

			if _, stat, err = conn.Exists(s.path); err != nil {
				return fmt.Errorf("cannot check node %q: %w", s.path, err)
			}
		}

		s.version = stat.Version
	}

	stat, err := conn.Set(s.path, data, s.version)
	if err != nil {
		if errors.Is(err, zk.ErrBadVersion) {
			s.version = -1
			return fmt.Errorf("node %q was modified concurrently: %w",
				s.path, err)
		}

		return fmt.Errorf("cannot write node %q: %w", s.path, err)
	}

	s.version = stat.Version

	return nil
}
