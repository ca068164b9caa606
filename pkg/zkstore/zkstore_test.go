package zkstore

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/galdor/go-raftgroup/pkg/raft"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Debug(level int, format string, args ...interface{}) {
	l.t.Logf("debug: "+format, args...)
}

func (l *testLogger) Info(format string, args ...interface{}) {
	l.t.Logf("info: "+format, args...)
}

func (l *testLogger) Error(format string, args ...interface{}) {
	l.t.Logf("error: "+format, args...)
}

func TestMembersStore(t *testing.T) {
	servers := os.Getenv("RAFTGROUP_TEST_ZK_SERVERS")
	if servers == "" {
		t.Skip("RAFTGROUP_TEST_ZK_SERVERS not set")
	}

	client, err := NewClient(ClientCfg{
		Servers:  strings.Split(servers, ","),
		Logger:   &testLogger{t: t},
		BasePath: fmt.Sprintf("/raftgroup-test-%d", time.Now().UnixNano()),
	})
	if err != nil {
		t.Fatalf("cannot create client: %v", err)
	}
	defer client.Close()

	initial := []raft.Node{
		{Id: "node1", Host: "localhost", Port: 9001},
	}

	store := client.MembersStore("orders", "node1", initial)

	members, err := store.Members()
	if err != nil {
		t.Fatalf("cannot load members: %v", err)
	}

	if len(members) != 1 || members[0] != initial[0] {
		t.Fatalf("unexpected initial members %v", members)
	}

	updated := append(initial, raft.Node{
		Id:   "node2",
		Host: "localhost",
		Port: 9002,
		Role: raft.NodeRoleBackup,
	})

	for i := 0; i < 2; i++ {
		if err := store.SetMembers(updated[:i+1]); err != nil {
			t.Fatalf("cannot store members: %v", err)
		}
	}

	// A second store for the same node sees the update and detects
	// concurrent modifications.
	store2 := client.MembersStore("orders", "node1", nil)

	members, err = store2.Members()
	if err != nil {
		t.Fatalf("cannot load members: %v", err)
	}

	if len(members) != 2 || members[1] != updated[1] {
		t.Fatalf("unexpected members %v", members)
	}

	if err := store2.SetMembers(initial); err != nil {
		t.Fatalf("cannot store members: %v", err)
	}

	if err := store.SetMembers(updated); err == nil {
		t.Fatalf("concurrent update was not detected")
	}
}
