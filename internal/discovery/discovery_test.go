package discovery

import (
	"testing"
	"time"

	"DistMR/internal/logger"
)

func newNode(t *testing.T, id string, meta []byte, join ...string) *NodeDiscovery {
	t.Helper()
	nd, err := NewNodeDiscovery(Config{
		NodeID:       id,
		LocalAddress: "127.0.0.1",
		LocalPort:    0,
		JoinAddrs:    join,
		Meta:         meta,
		Logger:       logger.Discard(),
	})
	if err != nil {
		t.Fatalf("Failed to start %s: %v", id, err)
	}
	t.Cleanup(func() { nd.Shutdown() })
	return nd
}

func TestJoinAndLeaveCallbacks(t *testing.T) {
	seed := newNode(t, "master", nil)

	joined := make(chan string, 1)
	left := make(chan string, 1)
	seed.RegisterJoinCallback(func(nodeID, _ string, meta []byte) {
		if len(meta) != 0 {
			t.Errorf("unexpected meta from %s: %q", nodeID, meta)
		}
		joined <- nodeID
	})
	seed.RegisterLeaveCallback(func(nodeID string) { left <- nodeID })

	worker := newNode(t, "worker-test", nil, seed.LocalAddr())

	select {
	case id := <-joined:
		if id != "worker-test" {
			t.Fatalf("joined = %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("join was not reported")
	}
	if n := seed.NumMembers(); n != 2 {
		t.Fatalf("members = %d, want 2", n)
	}

	if err := worker.Leave(time.Second); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	select {
	case id := <-left:
		if id != "worker-test" {
			t.Fatalf("left = %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("leave was not reported")
	}
	if n := seed.NumMembers(); n != 1 {
		t.Fatalf("members = %d after leave, want 1", n)
	}
}

// Meta set by a joining node reaches the seed's join callback
func TestJoinCarriesMeta(t *testing.T) {
	seed := newNode(t, "master", nil)

	metas := make(chan string, 1)
	seed.RegisterJoinCallback(func(_, _ string, meta []byte) { metas <- string(meta) })

	newNode(t, "status-test", []byte("status=127.0.0.1:7000"), seed.LocalAddr())

	select {
	case meta := <-metas:
		if meta != "status=127.0.0.1:7000" {
			t.Fatalf("meta = %q", meta)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("join was not reported")
	}
	t.Logf("✓ Join carried meta")
}

func TestOversizedMetaRejected(t *testing.T) {
	_, err := NewNodeDiscovery(Config{
		NodeID:       "chatty",
		LocalAddress: "127.0.0.1",
		Meta:         make([]byte, 1024),
		Logger:       logger.Discard(),
	})
	if err == nil {
		t.Fatalf("meta over the memberlist limit should be rejected")
	}
}

func TestJoinUnreachableSeedFails(t *testing.T) {
	_, err := NewNodeDiscovery(Config{
		NodeID:       "lonely",
		LocalAddress: "127.0.0.1",
		JoinAddrs:    []string{"127.0.0.1:1"},
		Logger:       logger.Discard(),
	})
	if err == nil {
		t.Fatalf("joining a dead seed should fail")
	}
}
