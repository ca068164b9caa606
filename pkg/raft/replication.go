package raft

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errSteppedDown = errors.New("leader stepped down")

// replicationPipeline pushes the log of the leader to one member. Each
// pipeline runs in its own goroutine so that a slow member never delays the
// others.
type replicationPipeline struct {
	l    *leaderState
	node Node
	peer Peer

	ctx    context.Context
	cancel context.CancelFunc

	notifyChan chan struct{}

	// Only accessed by the pipeline goroutine
	nextIndex LogIndex
	backoff   *backoff.ExponentialBackOff
}

func newReplicationPipeline(l *leaderState, node Node) *replicationPipeline {
	ctx, cancel := context.WithCancel(l.ctx)

	cfg := l.n.config.Cfg

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.HeartbeatTimeout
	b.MaxInterval = cfg.MaxElectionTimeout
	b.MaxElapsedTime = 0
	b.Reset()

	return &replicationPipeline{
		l:    l,
		node: node,
		peer: l.n.peer(node),

		ctx:    ctx,
		cancel: cancel,

		notifyChan: make(chan struct{}, 1),

		nextIndex: l.n.logStore.LastLogIndex() + 1,
		backoff:   b,
	}
}

func (p *replicationPipeline) start() {
	go p.run()
}

func (p *replicationPipeline) stop() {
	p.cancel()
}

func (p *replicationPipeline) notify() {
	select {
	case p.notifyChan <- struct{}{}:
	default:
	}
}

func (p *replicationPipeline) run() {
	n := p.l.n

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			n.Log.Error("panic: %s\n%s", msg, trace)

			n.fatal(fmt.Errorf("panic: %s", msg))
		}
	}()

	heartbeat := n.config.Cfg.HeartbeatTimeout

	// The first round is immediate and lets the member know about the new
	// leader.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.notifyChan:
		case <-timer.C:
		}

		p.replicate()

		if p.ctx.Err() != nil {
			return
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}

		timer.Reset(heartbeat)
	}
}

// replicate sends at most MaxReplicationRound requests, and stops early once
// the member is up to date or FlowBufferSize entries were pushed.
func (p *replicationPipeline) replicate() {
	l := p.l
	n := l.n
	store := n.logStore
	cfg := n.config.Cfg

	nbSent := 0

	for round := 0; round < cfg.MaxReplicationRound; round++ {
		if p.ctx.Err() != nil {
			return
		}

		if p.nextIndex < store.FirstLogIndex() {
			if err := p.sendSnapshot(); err != nil {
				if !errors.Is(err, errSteppedDown) && p.ctx.Err() == nil {
					n.Log.Error("cannot send snapshot to %s: %v", p.node.Id, err)
					p.wait()
				}

				return
			}

			continue
		}

		prevIndex := p.nextIndex - 1

		prevTerm, found := store.TermAt(prevIndex)
		if !found {
			// The log was compacted since the previous check, or nextIndex
			// is beyond the end of the log.
			if last := store.LastLogIndex(); p.nextIndex > last+1 {
				p.nextIndex = last + 1
			}

			continue
		}

		entries := store.Entries(p.nextIndex, cfg.MaxEntriesPerBatch)

		req := RPCAppendEntriesRequest{
			GroupId:      n.GroupId(),
			LeaderId:     n.Id,
			Term:         l.term,
			PrevLogIndex: prevIndex,
			PrevLogTerm:  prevTerm,
			Entries:      entries,
			CommitIndex:  store.CommitIndex(),
		}

		ctx, cancel := context.WithTimeout(p.ctx, cfg.RPCTimeout)
		res, err := p.peer.AppendEntries(ctx, &req)
		cancel()

		if err != nil {
			if p.ctx.Err() == nil {
				n.Log.Debug(1, "cannot send entries to %s: %v", p.node.Id, err)
				p.wait()
			}

			return
		}

		p.backoff.Reset()

		if res.Term > l.term {
			cause := fmt.Sprintf("%s answered with term %d", p.node.Id,
				res.Term)
			n.adoptTerm(l, res.Term, cause)
			return
		}

		if !res.Success {
			next := p.nextIndex - 1
			if res.LastLogIndex+1 < next {
				next = res.LastLogIndex + 1
			}
			if next < 1 {
				next = 1
			}

			n.Log.Debug(2, "%s rejected entries after index %d, retrying "+
				"from index %d", p.node.Id, prevIndex, next)

			p.nextIndex = next
			continue
		}

		matchIndex := prevIndex + LogIndex(len(entries))
		p.nextIndex = matchIndex + 1

		l.updateMatchIndex(p.node.Id, matchIndex)

		nbSent += len(entries)

		if len(entries) == 0 || p.nextIndex > store.LastLogIndex() ||
			nbSent >= cfg.FlowBufferSize {
			return
		}
	}
}

// sendSnapshot streams the state of the leader to a member whose next entry
// has been compacted away. Entries applied while the snapshot is produced
// may be part of it and are sent again afterwards; consumers are idempotent.
func (p *replicationPipeline) sendSnapshot() error {
	l := p.l
	n := l.n
	store := n.logStore
	cfg := n.config.Cfg

	if n.snapshots == nil {
		return fmt.Errorf("log compacted up to index %d and no snapshot "+
			"manager available", store.FirstLogIndex()-1)
	}

	lastIncludedIndex := store.LastAppliedIndex()

	lastIncludedTerm, found := store.TermAt(lastIncludedIndex)
	if !found {
		return fmt.Errorf("cannot find term of last applied entry %d",
			lastIncludedIndex)
	}

	n.Log.Info("sending snapshot up to index %d to %s", lastIncludedIndex,
		p.node.Id)

	offset := 0
	var chunks []SnapshotChunk

	send := func(done bool) error {
		req := RPCInstallSnapshotRequest{
			GroupId:           n.GroupId(),
			LeaderId:          n.Id,
			Term:              l.term,
			Offset:            offset,
			LastIncludedIndex: lastIncludedIndex,
			LastIncludedTerm:  lastIncludedTerm,
			Chunks:            chunks,
			Done:              done,
		}

		ctx, cancel := context.WithTimeout(p.ctx, cfg.RPCTimeout)
		res, err := p.peer.InstallSnapshot(ctx, &req)
		cancel()

		if err != nil {
			return err
		}

		if res.Term > l.term {
			cause := fmt.Sprintf("%s answered with term %d", p.node.Id,
				res.Term)
			n.adoptTerm(l, res.Term, cause)
			return errSteppedDown
		}

		if !res.Success {
			return fmt.Errorf("snapshot rejected at offset %d", offset)
		}

		offset += len(chunks)
		chunks = nil

		return nil
	}

	err := n.snapshots.Stream(p.ctx, func(chunk SnapshotChunk) error {
		chunks = append(chunks, chunk)

		if len(chunks) >= cfg.MaxSnapshotChunksPerBatch {
			return send(false)
		}

		return nil
	})
	if err != nil {
		return err
	}

	if err := send(true); err != nil {
		return err
	}

	p.backoff.Reset()

	p.nextIndex = lastIncludedIndex + 1
	l.updateMatchIndex(p.node.Id, lastIncludedIndex)

	return nil
}

func (p *replicationPipeline) wait() {
	delay := p.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = p.backoff.MaxInterval
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-p.ctx.Done():
	case <-timer.C:
	}
}
