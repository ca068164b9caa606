package raft

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestClusterElection(t *testing.T) {
	c := newTestCluster(t, testMembers("a", "b", "c"), testGroupCfg())
	c.start()

	leader := c.waitLeader()

	term := leader.currentTerm()
	if term == 0 {
		t.Fatalf("leader elected for term 0")
	}

	// The first entry of a leader records its election
	waitFor(t, 5*time.Second, func() bool {
		for _, node := range c.nodes {
			entry, found := node.store.Entry(node.store.LastLogIndex())
			if !found || entry.Type != EntryTypeLeaderElected ||
				string(entry.Data) != string(leader.Id) {
				return false
			}

			if node.store.CommitIndex() != node.store.LastLogIndex() {
				return false
			}
		}

		return true
	}, "leader election entry not replicated")

	for _, node := range c.followers(leader) {
		if role := node.Role(); role != RoleFollower {
			t.Fatalf("node %s is %s instead of follower", node.Id, role)
		}

		if nodeTerm := node.currentTerm(); nodeTerm != term {
			t.Fatalf("node %s is at term %d instead of %d",
				node.Id, nodeTerm, term)
		}
	}
}

func TestClusterReplication(t *testing.T) {
	c := newTestCluster(t, testMembers("a", "b", "c"), testGroupCfg())
	c.start()

	leader := c.waitLeader()

	var values []string
	for i := 0; i < 25; i++ {
		value := fmt.Sprintf("value-%d", i)
		c.append(leader, value)
		values = append(values, value)
	}

	for _, node := range c.nodes {
		c.waitValues(node, values...)
	}

	// Concurrent writers
	var wg sync.WaitGroup
	errs := make(chan error, 20)

	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(),
				5*time.Second)
			defer cancel()

			data := []byte(fmt.Sprintf("concurrent-%d", i))
			errs <- leader.AppendEntry(testEntryType, data).Wait(ctx)
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("cannot append entry: %v", err)
		}
	}

	leaderValues := leader.sm.Values()
	if len(leaderValues) != 45 {
		t.Fatalf("leader applied %d values instead of 45", len(leaderValues))
	}

	for _, node := range c.followers(leader) {
		c.waitValues(node, leaderValues...)
	}
}

func TestClusterNotLeader(t *testing.T) {
	c := newTestCluster(t, testMembers("a", "b", "c"), testGroupCfg())
	c.start()

	leader := c.waitLeader()

	for _, node := range c.followers(leader) {
		err := node.AppendEntry(testEntryType, []byte("foo")).
			Wait(context.Background())

		var notLeaderErr *NotLeaderError
		if !errors.As(err, &notLeaderErr) {
			t.Fatalf("append on follower %s should fail with "+
				"NotLeaderError, got %v", node.Id, err)
		}

		if notLeaderErr.LeaderId != leader.Id {
			t.Fatalf("follower %s reported leader %q instead of %s",
				node.Id, notLeaderErr.LeaderId, leader.Id)
		}
	}
}

func TestClusterFailover(t *testing.T) {
	c := newTestCluster(t, testMembers("a", "b", "c"), testGroupCfg())
	c.start()

	oldLeader := c.waitLeader()
	oldTerm := oldLeader.currentTerm()

	c.append(oldLeader, "x")

	c.net.disconnect(oldLeader.Id)

	// The isolated leader cannot commit anything
	lost := oldLeader.AppendEntry(testEntryType, []byte("lost"))

	leader := c.waitLeader(oldLeader.Id)

	if term := leader.currentTerm(); term <= oldTerm {
		t.Fatalf("new leader elected for term %d, previous term was %d",
			term, oldTerm)
	}

	c.append(leader, "y")

	c.net.reconnect(oldLeader.Id)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := lost.Wait(ctx); !errors.Is(err, ErrLeadershipLost) {
		t.Fatalf("entry of the isolated leader should fail with "+
			"ErrLeadershipLost, got %v", err)
	}

	c.waitLeader()

	for _, node := range c.nodes {
		c.waitValues(node, "x", "y")
	}
}

func TestClusterElectionSafety(t *testing.T) {
	c := newTestCluster(t, testMembers("a", "b", "c", "d", "e"),
		testGroupCfg())

	var mu sync.Mutex
	leaders := make(map[Term]NodeId)
	var violations []string

	stopChan := make(chan struct{})
	samplerDone := make(chan struct{})

	go func() {
		defer close(samplerDone)

		for {
			select {
			case <-stopChan:
				return
			default:
			}

			for _, node := range c.nodes {
				l, ok := node.currentState().(*leaderState)
				if !ok {
					continue
				}

				mu.Lock()
				if id, found := leaders[l.term]; found && id != node.Id {
					violations = append(violations, fmt.Sprintf(
						"term %d: leaders %s and %s", l.term, id, node.Id))
				}
				leaders[l.term] = node.Id
				mu.Unlock()
			}

			time.Sleep(time.Millisecond)
		}
	}()

	c.start()

	for i := 0; i < 3; i++ {
		leader := c.waitLeader()
		c.append(leader, fmt.Sprintf("value-%d", i))

		c.net.disconnect(leader.Id)
		c.waitLeader(leader.Id)
		c.net.reconnect(leader.Id)
	}

	c.waitLeader()

	close(stopChan)
	<-samplerDone

	mu.Lock()
	defer mu.Unlock()

	if len(violations) > 0 {
		t.Fatalf("multiple leaders elected for the same term: %v", violations)
	}

	if len(leaders) < 4 {
		t.Fatalf("only %d leaders observed", len(leaders))
	}
}

func TestClusterSnapshot(t *testing.T) {
	members := testMembers("a", "b", "c")
	members[2].Role = NodeRoleBackup

	c := newTestCluster(t, members, testGroupCfg())
	c.start()

	leader := c.waitLeader()
	backup := c.nodes["c"]

	c.append(leader, "before")
	c.waitValues(backup, "before")

	c.net.disconnect(backup.Id)

	var values = []string{"before"}
	for i := 0; i < 15; i++ {
		value := fmt.Sprintf("value-%d", i)
		c.append(leader, value)
		values = append(values, value)
	}

	c.waitValues(leader, values...)

	if err := leader.Compact(leader.store.LastAppliedIndex()); err != nil {
		t.Fatalf("cannot compact log: %v", err)
	}

	if first, last := leader.store.FirstLogIndex(), backup.store.LastLogIndex(); first <= last+1 {
		t.Fatalf("log not compacted past the end of the backup log "+
			"(first index %d, backup last index %d)", first, last)
	}

	c.net.reconnect(backup.Id)

	c.waitValues(backup, values...)

	// Replication goes on after the snapshot
	c.append(leader, "after")
	c.waitValues(backup, append(values, "after")...)

	if first := backup.store.FirstLogIndex(); first == 1 {
		t.Fatalf("backup log was not reset by the snapshot")
	}
}

func TestClusterMinActiveBackups(t *testing.T) {
	members := testMembers("a", "b", "c")
	members[2].Role = NodeRoleBackup

	cfg := testGroupCfg()
	cfg.MinActiveBackups = 1

	c := newTestCluster(t, members, cfg)
	c.start()

	leader := c.waitLeader("c")
	c.append(leader, "x")

	c.net.disconnect("c")

	// A majority of primaries is not enough without the backup
	future := leader.AppendEntry(testEntryType, []byte("y"))

	select {
	case <-future.Done():
		t.Fatalf("entry committed without active backup: %v", future.Err())
	case <-time.After(200 * time.Millisecond):
	}

	c.net.reconnect("c")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := future.Wait(ctx); err != nil {
		t.Fatalf("entry not committed once the backup is back: %v", err)
	}

	for _, node := range c.nodes {
		c.waitValues(node, "x", "y")
	}
}

func TestClusterMembershipChange(t *testing.T) {
	members := testMembers("a", "b", "c")
	cfg := testGroupCfg()

	c := newTestCluster(t, members, cfg)

	// The new node only knows the initial members: it does not consider
	// itself part of the group and never starts an election.
	d := c.addNode("d", members, cfg)
	c.start()

	leader := c.waitLeader("d")
	c.append(leader, "x")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dNode := Node{Id: "d", Host: "localhost", Port: 9003}
	if err := leader.AddNode(dNode).Wait(ctx); err != nil {
		t.Fatalf("cannot add node: %v", err)
	}

	if err := leader.AddNode(dNode).Wait(ctx); err == nil {
		t.Fatalf("node added twice")
	}

	c.waitValues(d, "x")

	waitFor(t, 5*time.Second, func() bool {
		_, found := d.Configuration().Member("d")
		return found
	}, "new node does not know it is a member")

	c.append(leader, "y")

	for _, node := range c.nodes {
		c.waitValues(node, "x", "y")

		waitFor(t, 5*time.Second, func() bool {
			return len(node.Configuration().Members()) == 4
		}, "node %s has %d members", node.Id,
			len(node.Configuration().Members()))
	}

	// Remove the leader itself; it steps down once the change is applied
	if err := leader.RemoveNode(leader.Id).Wait(ctx); err != nil {
		t.Fatalf("cannot remove node: %v", err)
	}

	newLeader := c.waitLeader(leader.Id)
	c.append(newLeader, "z")

	for _, id := range c.ids {
		if id == leader.Id {
			continue
		}

		node := c.nodes[id]
		c.waitValues(node, "x", "y", "z")

		if _, found := node.Configuration().Member(leader.Id); found {
			t.Fatalf("removed node %s still a member for node %s",
				leader.Id, id)
		}
	}

	if leader.IsLeader() {
		t.Fatalf("removed leader did not step down")
	}
}

func TestClusterMembershipChangeInProgress(t *testing.T) {
	c := newTestCluster(t, testMembers("a", "b", "c"), testGroupCfg())
	c.start()

	leader := c.waitLeader()

	for _, node := range c.followers(leader) {
		c.net.disconnect(node.Id)
	}

	first := leader.AddNode(Node{Id: "d", Host: "localhost", Port: 9003})

	ctx := context.Background()

	err := leader.RemoveNode(c.followers(leader)[0].Id).Wait(ctx)
	if !errors.Is(err, ErrMembershipChangeInProgress) {
		t.Fatalf("concurrent membership change should fail with "+
			"ErrMembershipChangeInProgress, got %v", err)
	}

	leader.Stop()

	if err := first.Wait(ctx); !errors.Is(err, ErrLeadershipLost) {
		t.Fatalf("pending membership change should fail with "+
			"ErrLeadershipLost, got %v", err)
	}
}

func TestClusterRestart(t *testing.T) {
	c := newTestCluster(t, testMembers("a", "b", "c"), testGroupCfg())
	c.start()

	leader := c.waitLeader()
	c.append(leader, "x")

	follower := c.followers(leader)[0]
	c.waitValues(follower, "x")

	follower.Stop()

	c.append(leader, "y")

	if err := follower.Start(follower.errs); err != nil {
		t.Fatalf("cannot restart node: %v", err)
	}

	// Entries are delivered again after a restart; consumers ignore the
	// ones they already applied.
	c.waitValues(follower, "x", "y")

	c.waitLeader()
}
