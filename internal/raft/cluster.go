package raft

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"DistMR/internal/logger"
	"DistMR/internal/types"

	raft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

// ErrNotLeader is returned when a status entry is sent to a replica
var ErrNotLeader = errors.New("not the leader")

const applyTimeout = 5 * time.Second

// Cluster is the replicated status log of a job. The master appends
// worker, operation and phase transitions; replicas (and the display
// collaborator) read the resulting ClusterState.
type Cluster struct {
	nodeID        string
	bootstrap     bool
	raft          *raft.Raft
	fsm           *FSM
	logStore      *raftboltdb.BoltStore
	stableStore   *raftboltdb.BoltStore
	snapshotStore raft.SnapshotStore
	transport     *raft.NetworkTransport
	logger        *logger.Logger
}

// Config for creating a new cluster node
type Config struct {
	NodeID    string // Unique node identifier
	BindAddr  string // Address to bind Raft transport
	BindPort  int    // Port for Raft transport, 0 picks a free one
	DataDir   string // Directory for log store and snapshots
	Bootstrap bool   // Start a new single-voter cluster; replicas are added by the leader
	Logger    *logger.Logger
}

// NewCluster creates a new Raft node
func NewCluster(cfg Config) (*Cluster, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("NodeID cannot be empty")
	}

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("DataDir cannot be empty")
	}

	lg := cfg.Logger
	if lg == nil {
		lg = logger.New("raft", "INFO")
	}
	lg.Info("Initializing status log node: node_id=%s bind_addr=%s:%d", cfg.NodeID, cfg.BindAddr, cfg.BindPort)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		lg.Error("Failed to create data directory: %v", err)
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	c := &Cluster{
		nodeID:    cfg.NodeID,
		bootstrap: cfg.Bootstrap,
		fsm:       NewFSM(lg),
		logger:    lg,
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-logs.db"))
	if err != nil {
		lg.Error("Failed to create log store: %v", err)
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}
	c.logStore = logStore

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		lg.Error("Failed to create stable store: %v", err)
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}
	c.stableStore = stableStore

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 3, lg.Writer())
	if err != nil {
		c.closeStores()
		lg.Error("Failed to create snapshot store: %v", err)
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}
	c.snapshotStore = snapshotStore

	bind := net.JoinHostPort(cfg.BindAddr, strconv.Itoa(cfg.BindPort))
	var advertise net.Addr
	if cfg.BindPort != 0 {
		addr, err := net.ResolveTCPAddr("tcp", bind)
		if err != nil {
			c.closeStores()
			lg.Error("Failed to resolve address: %v", err)
			return nil, fmt.Errorf("failed to resolve address: %w", err)
		}
		advertise = addr
	}

	transport, err := raft.NewTCPTransport(bind, advertise, 3, 10*time.Second, lg.Writer())
	if err != nil {
		c.closeStores()
		lg.Error("Failed to create transport: %v", err)
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	c.transport = transport

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 200 * time.Millisecond
	raftCfg.ElectionTimeout = 200 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 100 * time.Millisecond
	raftCfg.SnapshotInterval = 2 * time.Second
	raftCfg.SnapshotThreshold = 20
	raftCfg.LogOutput = lg.Writer()
	raftCfg.LogLevel = "WARN"

	r, err := raft.NewRaft(raftCfg, c.fsm, c.logStore, c.stableStore, c.snapshotStore, transport)
	if err != nil {
		transport.Close()
		c.closeStores()
		lg.Error("Failed to create raft instance: %v", err)
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	c.raft = r
	lg.Info("Raft node initialized: node_id=%s addr=%s", cfg.NodeID, c.Addr())

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					Suffrage: raft.Voter,
					ID:       raft.ServerID(cfg.NodeID),
					Address:  transport.LocalAddr(),
				},
			},
		}
		f := c.raft.BootstrapCluster(configuration)
		if err := f.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			c.Close()
			lg.Error("Failed to bootstrap cluster: %v", err)
			return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
		lg.Info("Cluster bootstrapped as first node")
	}

	return c, nil
}

// Addr is the address other nodes reach this one on
func (c *Cluster) Addr() string {
	return string(c.transport.LocalAddr())
}

// WaitForLeader blocks until the cluster has a leader or timeout passes.
// A bootstrapping node waits until it leads itself.
func (c *Cluster) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		if c.bootstrap && c.IsLeader() {
			return nil
		}
		if !c.bootstrap && c.GetLeader() != "" {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
	}
	return fmt.Errorf("no leader elected within %s", timeout)
}

// AddReplica adds a non-voting node that receives every status entry
func (c *Cluster) AddReplica(nodeID, address string) error {
	f := c.raft.AddNonvoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 0)
	return f.Error()
}

// RemoveReplica drops a replica that has left
func (c *Cluster) RemoveReplica(nodeID string) error {
	f := c.raft.RemoveServer(raft.ServerID(nodeID), 0, 0)
	return f.Error()
}

// IsLeader returns true if this node is the current leader
func (c *Cluster) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// GetLeader returns the current leader address
func (c *Cluster) GetLeader() string {
	return string(c.raft.Leader())
}

// ApplyLog appends a status entry. Only the leader accepts entries.
func (c *Cluster) ApplyLog(entry *types.LogEntry) error {
	if !c.IsLeader() {
		return fmt.Errorf("%w, current leader: %s", ErrNotLeader, c.GetLeader())
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	f := c.raft.Apply(data, applyTimeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("failed to apply log: %w", err)
	}
	if err, ok := f.Response().(error); ok {
		return err
	}

	return nil
}

// RecordWorker logs a worker status change
func (c *Cluster) RecordWorker(jobID string, u types.WorkerUpdate) error {
	return c.ApplyLog(&types.LogEntry{
		Type:      EntryWorker,
		Operation: "status",
		JobID:     jobID,
		Data:      u,
		Timestamp: time.Now(),
	})
}

// RecordOperation logs an operation status change
func (c *Cluster) RecordOperation(jobID string, u types.OperationUpdate) error {
	return c.ApplyLog(&types.LogEntry{
		Type:      EntryOperation,
		Operation: "status",
		JobID:     jobID,
		Data:      u,
		Timestamp: time.Now(),
	})
}

// RecordPhase logs a job phase change
func (c *Cluster) RecordPhase(jobID string, phase types.Phase) error {
	return c.ApplyLog(&types.LogEntry{
		Type:      EntryPhase,
		Operation: "status",
		JobID:     jobID,
		Data:      types.PhaseUpdate{Phase: phase},
		Timestamp: time.Now(),
	})
}

// GetClusterState returns the status as applied on this node
func (c *Cluster) GetClusterState() *types.ClusterState {
	state := c.fsm.GetState()
	state.Leader = c.GetLeader()
	return state
}

// Close shuts the node down and releases its stores
func (c *Cluster) Close() error {
	f := c.raft.Shutdown()
	if err := f.Error(); err != nil {
		return err
	}

	if err := c.transport.Close(); err != nil {
		return err
	}

	return c.closeStores()
}

func (c *Cluster) closeStores() error {
	var firstErr error
	for _, s := range []*raftboltdb.BoltStore{c.logStore, c.stableStore} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
