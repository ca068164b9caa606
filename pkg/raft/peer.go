package raft

import (
	"context"
)

// Peer is the outbound RPC channel to another member of a group.
type Peer interface {
	Id() NodeId

	RequestVote(context.Context, *RPCRequestVoteRequest) (*RPCRequestVoteResponse, error)
	AppendEntries(context.Context, *RPCAppendEntriesRequest) (*RPCAppendEntriesResponse, error)
	InstallSnapshot(context.Context, *RPCInstallSnapshotRequest) (*RPCInstallSnapshotResponse, error)
}

type PeerFactory func(groupId string, node Node) Peer
