package mapreduce

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"DistMR/internal/config"
	"DistMR/internal/discovery"
	"DistMR/internal/logger"
	"DistMR/internal/raft"
	"DistMR/internal/storage"
	"DistMR/internal/types"
)

const (
	// statusMetaPrefix marks a gossip node as a status replica; the raft
	// address follows it.
	statusMetaPrefix = "status="

	replicaJoinTimeout = 30 * time.Second
	replicaSyncTimeout = 5 * time.Second
)

// ErrJobFailed is returned by a status replica that saw the job fail.
var ErrJobFailed = errors.New("job failed")

// replicaAddr returns the raft address a joining node announced, if it is
// a status replica.
func replicaAddr(meta []byte) (string, bool) {
	addr, ok := bytes.CutPrefix(meta, []byte(statusMetaPrefix))
	if !ok || len(addr) == 0 {
		return "", false
	}
	return string(addr), true
}

// replicaSet tracks the status replicas the master has added so it can
// wait for them to read the last entry before shutting the log down.
type replicaSet struct {
	mu  sync.Mutex
	ids map[string]bool
}

func newReplicaSet() *replicaSet {
	return &replicaSet{ids: make(map[string]bool)}
}

func (r *replicaSet) add(id string) {
	r.mu.Lock()
	r.ids[id] = true
	r.mu.Unlock()
}

func (r *replicaSet) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ids[id] {
		return false
	}
	delete(r.ids, id)
	return true
}

func (r *replicaSet) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// wait blocks until every replica has left or timeout passes
func (r *replicaSet) wait(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for r.len() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
	return true
}

// replicateStatus adds every status replica that joins the gossip cluster
// to the status log, and drops it again when it leaves. Leave events are
// handed to evict first.
func replicateStatus(nd *discovery.NodeDiscovery, cluster *raft.Cluster, evict func(string), lg *logger.Logger) *replicaSet {
	replicas := newReplicaSet()

	nd.RegisterJoinCallback(func(nodeID, _ string, meta []byte) {
		addr, ok := replicaAddr(meta)
		if !ok {
			return
		}
		replicas.add(nodeID)
		go func() {
			if err := cluster.AddReplica(nodeID, addr); err != nil {
				replicas.remove(nodeID)
				lg.Warn("Failed to add status replica: node=%s addr=%s error=%v", nodeID, addr, err)
				return
			}
			lg.Info("Status replica added: node=%s addr=%s", nodeID, addr)
		}()
	})

	nd.RegisterLeaveCallback(func(nodeID string) {
		evict(nodeID)
		if !replicas.remove(nodeID) {
			return
		}
		go func() {
			if err := cluster.RemoveReplica(nodeID); err != nil {
				lg.Warn("Failed to remove status replica: node=%s error=%v", nodeID, err)
			}
		}()
	})

	return replicas
}

// WatchStatus runs a status replica: it joins the master's gossip cluster,
// follows the status log and hands every new state to report until the
// job ends. It returns ErrJobFailed when the master recorded a failure.
func WatchStatus(ctx context.Context, cfg config.Config, report func(*types.ClusterState)) error {
	lg := logger.New("status", cfg.LogLevel)
	nodeID := "status-" + uuid.New().String()[:8]

	if err := storage.ClearDirectory(cfg.StatusDir); err != nil {
		return fmt.Errorf("failed to clear status log: %w", err)
	}
	cluster, err := raft.NewCluster(raft.Config{
		NodeID:   nodeID,
		BindAddr: cfg.Addr,
		BindPort: cfg.StatusPort,
		DataDir:  cfg.StatusDir,
		Logger:   logger.New("raft", cfg.LogLevel),
	})
	if err != nil {
		return err
	}
	defer cluster.Close()

	nd, err := joinGossip(ctx, cfg, nodeID, []byte(statusMetaPrefix+cluster.Addr()), lg)
	if err != nil {
		return err
	}
	defer nd.Shutdown()
	// Leaving tells the master this replica has read the end of the job.
	defer nd.Leave(time.Second)

	if err := cluster.WaitForLeader(replicaJoinTimeout); err != nil {
		return err
	}
	lg.Info("Following status log: node=%s leader=%s members=%d", nodeID, cluster.GetLeader(), nd.NumMembers())

	interval := cfg.StatusPollInterval
	if interval <= 0 {
		interval = config.Default().StatusPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	version := int64(-1)
	for {
		state := cluster.GetClusterState()
		if state.Version != version {
			version = state.Version
			report(state)
		}
		switch state.Phase {
		case types.PhaseDone:
			return nil
		case types.PhaseFailed:
			return fmt.Errorf("%w: job_id=%s", ErrJobFailed, state.JobID)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// joinGossip joins the master's gossip node, retrying until it is up
func joinGossip(ctx context.Context, cfg config.Config, nodeID string, meta []byte, lg *logger.Logger) (*discovery.NodeDiscovery, error) {
	for attempt := 1; ; attempt++ {
		nd, err := discovery.NewNodeDiscovery(discovery.Config{
			NodeID:       nodeID,
			LocalAddress: cfg.Addr,
			LocalPort:    cfg.GossipPort,
			JoinAddrs:    []string{cfg.MasterGossipAddr},
			Meta:         meta,
			Logger:       logger.New("discovery", cfg.LogLevel),
		})
		if err == nil {
			return nd, nil
		}

		lg.Warn("(%d) Failed to join %s: %v. Retrying in %s", attempt, cfg.MasterGossipAddr, err, cfg.RegisterBackoff)
		select {
		case <-time.After(cfg.RegisterBackoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("join aborted: %w", ctx.Err())
		}
	}
}

// logStatus is the report used by the status role: one line per change
func logStatus(lg *logger.Logger) func(*types.ClusterState) {
	return func(st *types.ClusterState) {
		ops := map[types.OperationStatus]int{}
		for _, op := range st.Operations {
			ops[op.Status]++
		}
		live := 0
		for _, w := range st.Workers {
			if w.Status != types.WorkerFailed {
				live++
			}
		}
		lg.Info("Status: %s", lg.WithContext(map[string]interface{}{
			"job_id":    st.JobID,
			"phase":     st.Phase,
			"workers":   live,
			"pending":   ops[types.OperationPending],
			"running":   ops[types.OperationRunning],
			"completed": ops[types.OperationCompleted],
			"failed":    ops[types.OperationFailed],
		}))
	}
}
