package raft

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"DistMR/internal/logger"
	"DistMR/internal/types"

	hraft "github.com/hashicorp/raft"
)

func newTestCluster(t *testing.T, id string, bootstrap bool) *Cluster {
	t.Helper()
	c, err := NewCluster(Config{
		NodeID:    id,
		BindAddr:  "127.0.0.1",
		BindPort:  0,
		DataDir:   filepath.Join(t.TempDir(), id),
		Bootstrap: bootstrap,
		Logger:    logger.Discard(),
	})
	if err != nil {
		t.Fatalf("Failed to create cluster node %s: %v", id, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// TestSingleNodeElectsItself checks a bootstrapped node leads on its own
func TestSingleNodeElectsItself(t *testing.T) {
	c := newTestCluster(t, "master", true)

	if err := c.WaitForLeader(3 * time.Second); err != nil {
		t.Fatalf("No leader elected: %v", err)
	}
	if !c.IsLeader() {
		t.Fatalf("Bootstrapped node should be the leader")
	}

	t.Logf("✓ Single node elected as leader: %s", c.GetLeader())
}

// TestStatusEntriesAreApplied records a short job history and reads it back
func TestStatusEntriesAreApplied(t *testing.T) {
	c := newTestCluster(t, "master", true)
	if err := c.WaitForLeader(3 * time.Second); err != nil {
		t.Fatalf("No leader elected: %v", err)
	}

	jobID := "job-1234abcd"
	steps := []error{
		c.RecordPhase(jobID, types.PhaseMap),
		c.RecordWorker(jobID, types.WorkerUpdate{WorkerID: 0, Hostname: "127.0.0.1:6001", Status: types.WorkerIdle}),
		c.RecordOperation(jobID, types.OperationUpdate{Kind: types.MapOperation, ID: 3, FilePath: "map/map-3", WorkerID: 0, Status: types.OperationRunning}),
		c.RecordOperation(jobID, types.OperationUpdate{Kind: types.MapOperation, ID: 3, WorkerID: 0, Status: types.OperationCompleted}),
		c.RecordWorker(jobID, types.WorkerUpdate{WorkerID: 0, Status: types.WorkerFailed}),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}

	state := c.GetClusterState()
	if state.JobID != jobID || state.Phase != types.PhaseMap {
		t.Fatalf("job=%s phase=%s", state.JobID, state.Phase)
	}

	w := state.Workers[0]
	if w == nil || w.Hostname != "127.0.0.1:6001" || w.Status != types.WorkerFailed || w.TasksCompleted != 1 {
		t.Fatalf("worker state = %+v", w)
	}

	op := state.Operations[types.OperationKey(types.MapOperation, 3)]
	if op == nil || op.Status != types.OperationCompleted || op.FilePath != "map/map-3" || op.Attempts != 1 {
		t.Fatalf("operation state = %+v", op)
	}
	if state.Version != int64(len(steps)) {
		t.Fatalf("version = %d, want %d", state.Version, len(steps))
	}
	if state.Leader == "" {
		t.Fatalf("leader should be reported")
	}

	t.Logf("✓ Status history applied: version=%d", state.Version)
}

// TestReplicaFollowsLeader adds a non-voting replica and checks it converges
func TestReplicaFollowsLeader(t *testing.T) {
	leader := newTestCluster(t, "master", true)
	if err := leader.WaitForLeader(3 * time.Second); err != nil {
		t.Fatalf("No leader elected: %v", err)
	}
	replica := newTestCluster(t, "display", false)

	if err := leader.AddReplica("display", replica.Addr()); err != nil {
		t.Fatalf("Failed to add replica: %v", err)
	}
	if err := leader.RecordPhase("job-1", types.PhaseReduce); err != nil {
		t.Fatalf("RecordPhase failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if replica.GetClusterState().Phase == types.PhaseReduce {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if got := replica.GetClusterState().Phase; got != types.PhaseReduce {
		t.Fatalf("replica phase = %s", got)
	}

	err := replica.RecordPhase("job-1", types.PhaseDone)
	if !errors.Is(err, ErrNotLeader) {
		t.Fatalf("replica accepted an entry: %v", err)
	}

	if err := leader.RemoveReplica("display"); err != nil {
		t.Fatalf("Failed to remove replica: %v", err)
	}
	f := leader.raft.GetConfiguration()
	if err := f.Error(); err != nil {
		t.Fatalf("GetConfiguration failed: %v", err)
	}
	for _, srv := range f.Configuration().Servers {
		if srv.ID == hraft.ServerID("display") {
			t.Fatalf("removed replica still in configuration")
		}
	}

	t.Logf("✓ Replica caught up with leader %s", replica.GetLeader())
}

func TestFSMRejectsUnknownEntry(t *testing.T) {
	f := NewFSM(logger.Discard())
	data, _ := json.Marshal(types.LogEntry{Type: "task", Operation: "assign"})

	if _, ok := f.Apply(&hraft.Log{Data: data}).(error); !ok {
		t.Fatalf("unknown entry type should be rejected")
	}
	if f.GetState().Version != 0 {
		t.Fatalf("rejected entry changed the state")
	}
}

type memorySink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memorySink) ID() string    { return "mem" }
func (s *memorySink) Close() error  { return nil }
func (s *memorySink) Cancel() error { s.cancelled = true; return nil }

func TestFSMSnapshotRestore(t *testing.T) {
	f := NewFSM(logger.Discard())
	for _, e := range []types.LogEntry{
		{Type: EntryWorker, JobID: "job-9", Data: types.WorkerUpdate{WorkerID: 2, Hostname: "h:1", Status: types.WorkerIdle}},
		{Type: EntryOperation, JobID: "job-9", Data: types.OperationUpdate{Kind: types.ReduceOperation, ID: 1, WorkerID: 2, Status: types.OperationRunning}},
	} {
		data, _ := json.Marshal(e)
		if res := f.Apply(&hraft.Log{Data: data}); res != nil {
			t.Fatalf("Apply failed: %v", res)
		}
	}

	snap, err := f.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	sink := &memorySink{}
	if err := snap.Persist(sink); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	snap.Release()

	restored := NewFSM(logger.Discard())
	if err := restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	got := restored.GetState()
	if got.JobID != "job-9" || got.Version != 2 {
		t.Fatalf("restored job=%s version=%d", got.JobID, got.Version)
	}
	if w := got.Workers[2]; w == nil || w.Hostname != "h:1" {
		t.Fatalf("restored worker = %+v", w)
	}
	if op := got.Operations[types.OperationKey(types.ReduceOperation, 1)]; op == nil || op.Status != types.OperationRunning {
		t.Fatalf("restored operation = %+v", op)
	}
}
