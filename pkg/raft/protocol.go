package raft

import (
	"fmt"
)

type RPCMsg interface {
	GetType() string
	GetTerm() Term

	fmt.Stringer
}

const (
	RPCTypeRequestVote     = "requestVote"
	RPCTypeAppendEntries   = "appendEntries"
	RPCTypeInstallSnapshot = "installSnapshot"
)

type RPCRequestVoteRequest struct {
	GroupId        string   `json:"groupId"`
	CandidateId    NodeId   `json:"candidateId"`
	Term           Term     `json:"term"`
	LastLogIndex   LogIndex `json:"lastLogIndex"`
	LastLogTerm    Term     `json:"lastLogTerm"`
	DisruptAllowed bool     `json:"disruptAllowed,omitempty"`
	RequestId      string   `json:"requestId,omitempty"`
}

func (msg *RPCRequestVoteRequest) GetType() string {
	return RPCTypeRequestVote
}

func (msg *RPCRequestVoteRequest) GetTerm() Term {
	return msg.Term
}

func (msg *RPCRequestVoteRequest) String() string {
	return fmt.Sprintf("RequestVoteRequest{group: %q, term: %d, "+
		"candidateId: %q, lastLogIndex: %d, lastLogTerm: %d, "+
		"disruptAllowed: %v}",
		msg.GroupId, msg.Term, msg.CandidateId, msg.LastLogIndex,
		msg.LastLogTerm, msg.DisruptAllowed)
}

type RPCRequestVoteResponse struct {
	GroupId     string `json:"groupId"`
	NodeId      NodeId `json:"nodeId"`
	Term        Term   `json:"term"`
	VoteGranted bool   `json:"voteGranted"`
}

func (msg *RPCRequestVoteResponse) GetType() string {
	return RPCTypeRequestVote
}

func (msg *RPCRequestVoteResponse) GetTerm() Term {
	return msg.Term
}

func (msg *RPCRequestVoteResponse) String() string {
	return fmt.Sprintf("RequestVoteResponse{group: %q, nodeId: %q, "+
		"term: %d, voteGranted: %v}",
		msg.GroupId, msg.NodeId, msg.Term, msg.VoteGranted)
}

type RPCAppendEntriesRequest struct {
	GroupId      string     `json:"groupId"`
	LeaderId     NodeId     `json:"leaderId"`
	Term         Term       `json:"term"`
	PrevLogIndex LogIndex   `json:"prevLogIndex"`
	PrevLogTerm  Term       `json:"prevLogTerm"`
	Entries      []LogEntry `json:"entries,omitempty"`
	CommitIndex  LogIndex   `json:"commitIndex"`
}

func (msg *RPCAppendEntriesRequest) GetType() string {
	return RPCTypeAppendEntries
}

func (msg *RPCAppendEntriesRequest) GetTerm() Term {
	return msg.Term
}

func (msg *RPCAppendEntriesRequest) String() string {
	return fmt.Sprintf("AppendEntriesRequest{group: %q, term: %d, "+
		"leaderId: %q, prevLogIndex: %d, prevLogTerm: %d, %d entries, "+
		"commitIndex: %d}",
		msg.GroupId, msg.Term, msg.LeaderId, msg.PrevLogIndex,
		msg.PrevLogTerm, len(msg.Entries), msg.CommitIndex)
}

// RPCAppendEntriesResponse reports in LastLogIndex the last index known to
// match the leader log on success, and the last index of the follower log on
// failure so that the leader can skip ahead when searching for the last
// matching entry.
type RPCAppendEntriesResponse struct {
	GroupId      string   `json:"groupId"`
	NodeId       NodeId   `json:"nodeId"`
	Term         Term     `json:"term"`
	Success      bool     `json:"success"`
	LastLogIndex LogIndex `json:"lastLogIndex"`
}

func (msg *RPCAppendEntriesResponse) GetType() string {
	return RPCTypeAppendEntries
}

func (msg *RPCAppendEntriesResponse) GetTerm() Term {
	return msg.Term
}

func (msg *RPCAppendEntriesResponse) String() string {
	return fmt.Sprintf("AppendEntriesResponse{group: %q, nodeId: %q, "+
		"term: %d, success: %v, lastLogIndex: %d}",
		msg.GroupId, msg.NodeId, msg.Term, msg.Success, msg.LastLogIndex)
}

// RPCInstallSnapshotRequest transfers one batch of snapshot chunks. The
// first request of a transfer has offset 0; the last one has Done set.
type RPCInstallSnapshotRequest struct {
	GroupId           string          `json:"groupId"`
	LeaderId          NodeId          `json:"leaderId"`
	Term              Term            `json:"term"`
	Offset            int             `json:"offset"`
	LastIncludedIndex LogIndex        `json:"lastIncludedIndex"`
	LastIncludedTerm  Term            `json:"lastIncludedTerm"`
	Chunks            []SnapshotChunk `json:"chunks,omitempty"`
	Done              bool            `json:"done"`
}

func (msg *RPCInstallSnapshotRequest) GetType() string {
	return RPCTypeInstallSnapshot
}

func (msg *RPCInstallSnapshotRequest) GetTerm() Term {
	return msg.Term
}

func (msg *RPCInstallSnapshotRequest) String() string {
	return fmt.Sprintf("InstallSnapshotRequest{group: %q, term: %d, "+
		"leaderId: %q, offset: %d, lastIncludedIndex: %d, "+
		"lastIncludedTerm: %d, %d chunks, done: %v}",
		msg.GroupId, msg.Term, msg.LeaderId, msg.Offset,
		msg.LastIncludedIndex, msg.LastIncludedTerm, len(msg.Chunks),
		msg.Done)
}

type RPCInstallSnapshotResponse struct {
	GroupId string `json:"groupId"`
	NodeId  NodeId `json:"nodeId"`
	Term    Term   `json:"term"`
	Success bool   `json:"success"`
}

func (msg *RPCInstallSnapshotResponse) GetType() string {
	return RPCTypeInstallSnapshot
}

func (msg *RPCInstallSnapshotResponse) GetTerm() Term {
	return msg.Term
}

func (msg *RPCInstallSnapshotResponse) String() string {
	return fmt.Sprintf("InstallSnapshotResponse{group: %q, nodeId: %q, "+
		"term: %d, success: %v}",
		msg.GroupId, msg.NodeId, msg.Term, msg.Success)
}
