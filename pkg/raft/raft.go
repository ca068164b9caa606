package raft

import (
	"net"
	"strconv"
)

type NodeId string

type NodeRole string

const (
	NodeRolePrimary NodeRole = "primary"
	NodeRoleBackup  NodeRole = "backup"
)

// Node is a member of a replication group. Identity is the id; the network
// address is only used to reach the member.
type Node struct {
	Id   NodeId   `json:"id" yaml:"id"`
	Host string   `json:"host" yaml:"host"`
	Port int      `json:"port" yaml:"port"`
	Role NodeRole `json:"role,omitempty" yaml:"role,omitempty"`
}

func (n Node) Address() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

func (n Node) IsBackup() bool {
	return n.Role == NodeRoleBackup
}

type RoleName string

const (
	RoleIdle      RoleName = "idle"
	RoleFollower  RoleName = "follower"
	RoleCandidate RoleName = "candidate"
	RoleLeader    RoleName = "leader"
)

type Term uint64

type LogIndex uint64

// Entry types reserved by the consensus engine. Consumers receive these
// entries like any other and should ignore the types they do not know.
const (
	EntryTypeLeaderElected = "raft.leaderElected"
	EntryTypeConfiguration = "raft.configuration"
)

type LogEntry struct {
	Index LogIndex `json:"index"`
	Term  Term     `json:"term"`
	Type  string   `json:"type"`
	Data  []byte   `json:"data,omitempty"`
}

type ElectionState struct {
	CurrentTerm Term   `json:"currentTerm"`
	VotedFor    NodeId `json:"votedFor,omitempty"`
}

type NodeStatus struct {
	GroupId          string   `json:"groupId"`
	NodeId           NodeId   `json:"nodeId"`
	Role             RoleName `json:"role"`
	Term             Term     `json:"term"`
	VotedFor         NodeId   `json:"votedFor,omitempty"`
	LeaderId         NodeId   `json:"leaderId,omitempty"`
	CommitIndex      LogIndex `json:"commitIndex"`
	LastAppliedIndex LogIndex `json:"lastAppliedIndex"`
	FirstLogIndex    LogIndex `json:"firstLogIndex"`
	LastLogIndex     LogIndex `json:"lastLogIndex"`
	LastLogTerm      Term     `json:"lastLogTerm"`
	Members          []Node   `json:"members"`
}
