package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

type pendingEntry struct {
	index  LogIndex
	future *Future
}

type leaderState struct {
	baseState

	term Term

	ctx    context.Context
	cancel context.CancelFunc

	// Protects all fields below. Never acquire the node lock while holding
	// it.
	mu                   sync.Mutex
	stopped              bool
	pipelines            map[NodeId]*replicationPipeline
	matchIndex           map[NodeId]LogIndex
	pending              []pendingEntry
	configChangeIndex    LogIndex
	configChangeInFlight bool
}

func newLeaderState(n *RaftNode) *leaderState {
	ctx, cancel := context.WithCancel(context.Background())

	return &leaderState{
		baseState: baseState{n: n},

		term: n.currentTerm(),

		ctx:    ctx,
		cancel: cancel,

		pipelines:  make(map[NodeId]*replicationPipeline),
		matchIndex: make(map[NodeId]LogIndex),
	}
}

func (l *leaderState) name() RoleName {
	return RoleLeader
}

func (l *leaderState) start() {
	n := l.n

	n.setLeader(n.Id)

	n.Log.Info("leader for term %d", l.term)

	l.mu.Lock()

	l.detectPendingConfigChange()

	// The first entry of the term lets the leader commit entries of previous
	// terms as soon as possible.
	pipelines, err := l.appendLocked(EntryTypeLeaderElected,
		[]byte(n.Id), nil)
	if err != nil {
		l.mu.Unlock()
		return
	}

	l.syncPipelinesLocked()

	l.mu.Unlock()

	for _, p := range pipelines {
		p.notify()
	}

	l.advanceCommitIndex()
}

func (l *leaderState) stop() {
	l.cancel()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopped = true

	for _, p := range l.pipelines {
		p.stop()
	}
	l.pipelines = nil

	for _, e := range l.pending {
		e.future.complete(ErrLeadershipLost)
	}
	l.pending = nil
}

func (l *leaderState) inContactWithLeader() bool {
	return true
}

func (l *leaderState) requestVote(req *RPCRequestVoteRequest) *RPCRequestVoteResponse {
	res, _ := l.n.handleVoteRequest(req)
	return res
}

func (l *leaderState) appendEntries(req *RPCAppendEntriesRequest) *RPCAppendEntriesResponse {
	n := l.n

	n.Log.Error("rejecting entries from %s: node is the leader for term %d",
		req.LeaderId, l.term)

	return n.appendEntriesResponse(false, n.logStore.LastLogIndex())
}

func (l *leaderState) installSnapshot(req *RPCInstallSnapshotRequest) *RPCInstallSnapshotResponse {
	n := l.n

	n.Log.Error("rejecting snapshot from %s: node is the leader for term %d",
		req.LeaderId, l.term)

	return n.installSnapshotResponse(false)
}

func (l *leaderState) appendEntry(entryType string, data []byte) *Future {
	future := newFuture()

	l.mu.Lock()
	pipelines, err := l.appendLocked(entryType, data, future)
	l.mu.Unlock()

	if err != nil {
		future.complete(err)
		return future
	}

	for _, p := range pipelines {
		p.notify()
	}

	l.advanceCommitIndex()

	return future
}

// appendLocked writes a new entry of the current term to the local log and
// returns the pipelines to notify.
func (l *leaderState) appendLocked(entryType string, data []byte, future *Future) ([]*replicationPipeline, error) {
	n := l.n

	if l.stopped {
		return nil, n.notLeaderError()
	}

	if err := checkEntryType(entryType); err != nil {
		return nil, err
	}

	entry := LogEntry{
		Index: n.logStore.LastLogIndex() + 1,
		Term:  l.term,
		Type:  entryType,
		Data:  data,
	}

	if err := n.logStore.AppendEntries([]LogEntry{entry}); err != nil {
		err = fmt.Errorf("cannot append entry %d: %w", entry.Index, err)
		n.fatal(err)
		return nil, err
	}

	if future != nil {
		l.pending = append(l.pending, pendingEntry{
			index:  entry.Index,
			future: future,
		})
	}

	if entryType == EntryTypeConfiguration {
		l.configChangeIndex = entry.Index
		l.configChangeInFlight = true
	}

	pipelines := make([]*replicationPipeline, 0, len(l.pipelines))
	for _, p := range l.pipelines {
		pipelines = append(pipelines, p)
	}

	return pipelines, nil
}

// detectPendingConfigChange looks for a configuration entry appended by a
// previous leader and not applied yet.
func (l *leaderState) detectPendingConfigChange() {
	store := l.n.logStore

	from := store.LastAppliedIndex() + 1
	last := store.LastLogIndex()
	if last < from {
		return
	}

	for _, entry := range store.Entries(from, int(last-from+1)) {
		if entry.Type == EntryTypeConfiguration {
			l.configChangeIndex = entry.Index
			l.configChangeInFlight = true
		}
	}
}

// changeMembers appends a configuration entry. Only one change can be in
// flight: the next one is accepted once the previous entry is applied.
func (l *leaderState) changeMembers(update func([]Node) ([]Node, error)) *Future {
	n := l.n

	future := newFuture()

	l.mu.Lock()

	if l.configChangeInFlight {
		l.mu.Unlock()
		future.complete(ErrMembershipChangeInProgress)
		return future
	}

	members, err := update(n.config.Members())
	if err == nil {
		err = validateMembers(members)
	}
	if err != nil {
		l.mu.Unlock()
		future.complete(err)
		return future
	}

	data, err := json.Marshal(members)
	if err != nil {
		l.mu.Unlock()
		future.complete(fmt.Errorf("cannot encode members: %w", err))
		return future
	}

	n.Log.Info("changing members to %s", formatMembers(members))

	pipelines, err := l.appendLocked(EntryTypeConfiguration, data, future)
	l.mu.Unlock()

	if err != nil {
		future.complete(err)
		return future
	}

	for _, p := range pipelines {
		p.notify()
	}

	l.advanceCommitIndex()

	return future
}

func (l *leaderState) applied(entry LogEntry) {
	if entry.Type != EntryTypeConfiguration {
		return
	}

	n := l.n

	l.mu.Lock()

	if l.stopped {
		l.mu.Unlock()
		return
	}

	if entry.Index >= l.configChangeIndex {
		l.configChangeInFlight = false
	}

	l.syncPipelinesLocked()

	l.mu.Unlock()

	if _, found := n.config.Member(n.Id); !found {
		n.Log.Info("node removed from the group, stepping down")

		go n.transitionFrom(l, func() membershipState {
			return newFollowerState(n)
		})
	}
}

// syncPipelinesLocked starts a replication pipeline for every member without
// one and stops the pipelines of former members.
func (l *leaderState) syncPipelinesLocked() {
	n := l.n

	members := make(map[NodeId]Node)
	for _, member := range n.otherMembers() {
		members[member.Id] = member
	}

	for id, p := range l.pipelines {
		if member, found := members[id]; !found || member != p.node {
			p.stop()
			delete(l.pipelines, id)
			delete(l.matchIndex, id)
		}
	}

	for id, member := range members {
		if _, found := l.pipelines[id]; found {
			continue
		}

		p := newReplicationPipeline(l, member)
		l.pipelines[id] = p
		p.start()
	}
}

func (l *leaderState) updateMatchIndex(id NodeId, index LogIndex) {
	l.mu.Lock()

	if l.stopped {
		l.mu.Unlock()
		return
	}

	if index > l.matchIndex[id] {
		l.matchIndex[id] = index
	}

	l.mu.Unlock()

	l.advanceCommitIndex()
}

// advanceCommitIndex commits the highest index stored by a majority of
// primary members and by at least MinActiveBackups backup members, as long
// as the entry at this index belongs to the current term.
func (l *leaderState) advanceCommitIndex() {
	n := l.n
	store := n.logStore

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}

	var primaries, backups []LogIndex

	for _, member := range n.config.Members() {
		index := l.matchIndex[member.Id]
		if member.Id == n.Id {
			index = store.LastLogIndex()
		}

		if member.IsBackup() {
			backups = append(backups, index)
		} else {
			primaries = append(primaries, index)
		}
	}

	if len(primaries) == 0 {
		return
	}

	sortLogIndexesDesc(primaries)
	sortLogIndexesDesc(backups)

	candidate := primaries[len(primaries)/2]

	if minBackups := n.config.Cfg.MinActiveBackups; minBackups > 0 {
		if len(backups) < minBackups {
			return
		}

		candidate = minLogIndex(candidate, backups[minBackups-1])
	}

	if candidate <= store.CommitIndex() {
		return
	}

	if term, found := store.TermAt(candidate); !found || term != l.term {
		return
	}

	if !store.MarkCommitted(candidate) {
		return
	}

	n.Log.Debug(2, "commit index is now %d", candidate)

	n.notifyCommit()

	i := 0
	for ; i < len(l.pending); i++ {
		if l.pending[i].index > candidate {
			break
		}

		l.pending[i].future.complete(nil)
	}

	l.pending = l.pending[i:]

	for _, p := range l.pipelines {
		p.notify()
	}
}

func sortLogIndexesDesc(indexes []LogIndex) {
	sort.Slice(indexes, func(i, j int) bool {
		return indexes[i] > indexes[j]
	})
}
