package main

import (
	"time"

	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-raftgroup/pkg/raft"
	"github.com/galdor/go-service/pkg/service"
)

type ServiceCfg struct {
	Service service.ServiceCfg `json:"service"`
	API     APICfg             `json:"api"`
	Raft    RaftCfg            `json:"raft"`
}

type APICfg struct {
	Address string `json:"address"`
}

type RaftCfg struct {
	// Address the raft transport listens on
	Address string `json:"address"`

	DataDirectory string `json:"dataDirectory"`
	SegmentSize   int64  `json:"segmentSize,omitempty"`

	Nodes  map[raft.NodeId]NodeCfg `json:"nodes"`
	Groups []GroupCfg              `json:"groups"`

	// Election state and members are stored in PostgreSQL when set, and in
	// the data directory otherwise. Members are stored in ZooKeeper when
	// set.
	PostgreSQL *PostgreSQLCfg `json:"postgresql,omitempty"`
	ZooKeeper  *ZooKeeperCfg  `json:"zookeeper,omitempty"`
}

type NodeCfg struct {
	Host string        `json:"host"`
	Port int           `json:"port"`
	Role raft.NodeRole `json:"role,omitempty"`
}

type GroupCfg struct {
	Id string `json:"id"`

	// Either an explicit list of members, or a number of members chosen
	// among the nodes of the cluster.
	Members           []raft.NodeId `json:"members,omitempty"`
	ReplicationFactor int           `json:"replicationFactor,omitempty"`

	MinActiveBackups int `json:"minActiveBackups,omitempty"`

	// Milliseconds
	MinElectionTimeout int `json:"minElectionTimeout,omitempty"`
	MaxElectionTimeout int `json:"maxElectionTimeout,omitempty"`
	HeartbeatTimeout   int `json:"heartbeatTimeout,omitempty"`
}

type PostgreSQLCfg struct {
	URI string `json:"uri"`
}

type ZooKeeperCfg struct {
	Servers  []string `json:"servers"`
	BasePath string   `json:"basePath,omitempty"`
}

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)
	v.CheckObject("api", &cfg.API)
	v.CheckObject("raft", &cfg.Raft)
}

func (cfg *APICfg) ValidateJSON(v *jsonvalidator.Validator) {
}

func (cfg *RaftCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckStringNotEmpty("address", cfg.Address)
	v.CheckStringNotEmpty("dataDirectory", cfg.DataDirectory)

	v.Check("segmentSize", cfg.SegmentSize >= 0, "invalid_value",
		"segment size must be positive")

	v.WithChild("nodes", func() {
		v.Check("", len(cfg.Nodes) > 0, "missing_value", "missing nodes")

		for id, node := range cfg.Nodes {
			node := node
			v.CheckObject(string(id), &node)
		}
	})

	v.WithChild("groups", func() {
		ids := make(map[string]struct{})

		for i := range cfg.Groups {
			group := &cfg.Groups[i]

			_, duplicate := ids[group.Id]
			v.Check(i, !duplicate, "duplicate_value",
				"duplicate group id %q", group.Id)
			ids[group.Id] = struct{}{}

			v.CheckObject(i, group)

			v.WithChild(i, func() {
				v.WithChild("members", func() {
					for j, id := range group.Members {
						_, found := cfg.Nodes[id]
						v.Check(j, found, "unknown_node",
							"unknown node %q", id)
					}
				})
			})
		}
	})

	if cfg.PostgreSQL != nil {
		v.CheckObject("postgresql", cfg.PostgreSQL)
	}

	if cfg.ZooKeeper != nil {
		v.CheckObject("zookeeper", cfg.ZooKeeper)
	}
}

func (cfg *NodeCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckStringNotEmpty("host", cfg.Host)

	v.Check("port", cfg.Port > 0 && cfg.Port < 65536, "invalid_value",
		"invalid port %d", cfg.Port)

	v.Check("role", cfg.Role == "" || cfg.Role == raft.NodeRolePrimary ||
		cfg.Role == raft.NodeRoleBackup, "invalid_value",
		"invalid role %q", cfg.Role)
}

func (cfg *GroupCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckStringNotEmpty("id", cfg.Id)

	v.Check("members", len(cfg.Members) > 0 || cfg.ReplicationFactor > 0,
		"missing_value", "members or replication factor required")

	v.Check("replicationFactor", cfg.ReplicationFactor >= 0,
		"invalid_value", "invalid replication factor %d",
		cfg.ReplicationFactor)

	v.Check("minActiveBackups", cfg.MinActiveBackups >= 0,
		"invalid_value", "invalid number of backups %d",
		cfg.MinActiveBackups)
}

func (cfg *PostgreSQLCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckStringNotEmpty("uri", cfg.URI)
}

func (cfg *ZooKeeperCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.Check("servers", len(cfg.Servers) > 0, "missing_value",
		"missing servers")
}

func (cfg *GroupCfg) RaftGroupCfg() raft.GroupCfg {
	return raft.GroupCfg{
		GroupId: cfg.Id,

		MinElectionTimeout: time.Duration(cfg.MinElectionTimeout) * time.Millisecond,
		MaxElectionTimeout: time.Duration(cfg.MaxElectionTimeout) * time.Millisecond,
		HeartbeatTimeout:   time.Duration(cfg.HeartbeatTimeout) * time.Millisecond,

		MinActiveBackups: cfg.MinActiveBackups,
	}
}

func (cfg *RaftCfg) ClusterNodes() []raft.Node {
	nodes := make([]raft.Node, 0, len(cfg.Nodes))

	for id, node := range cfg.Nodes {
		nodes = append(nodes, raft.Node{
			Id:   id,
			Host: node.Host,
			Port: node.Port,
			Role: node.Role,
		})
	}

	return nodes
}
