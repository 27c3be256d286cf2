package raft

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"DistMR/internal/logger"
	"DistMR/internal/types"
	raft "github.com/hashicorp/raft"
)

// Status entry types
const (
	EntryWorker    = "worker"
	EntryOperation = "operation"
	EntryPhase     = "phase"
)

// FSM folds committed status entries into a ClusterState
type FSM struct {
	mu     sync.RWMutex
	state  *types.ClusterState
	logger *logger.Logger
}

// NewFSM creates a new FSM with an empty state
func NewFSM(lg *logger.Logger) *FSM {
	if lg == nil {
		lg = logger.New("raft", "INFO")
	}
	return &FSM{
		state:  types.NewClusterState(),
		logger: lg,
	}
}

// logEntry is types.LogEntry with the payload left undecoded until the
// entry type is known
type logEntry struct {
	Type      string          `json:"type"`
	Operation string          `json:"operation"`
	JobID     string          `json:"job_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Apply implements raft.FSM - processes a log entry committed by Raft
func (f *FSM) Apply(log *raft.Log) interface{} {
	var entry logEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		f.logger.Error("Failed to unmarshal log entry: %v", err)
		return fmt.Errorf("failed to unmarshal log entry: %w", err)
	}

	f.logger.Debug("Applying log entry: type=%s operation=%s", entry.Type, entry.Operation)

	f.mu.Lock()
	defer f.mu.Unlock()

	if entry.JobID != "" && entry.JobID != f.state.JobID {
		f.state.JobID = entry.JobID
	}

	switch entry.Type {
	case EntryWorker:
		var u types.WorkerUpdate
		if err := json.Unmarshal(entry.Data, &u); err != nil {
			return fmt.Errorf("invalid worker update: %w", err)
		}
		f.state.ApplyWorker(u, entry.Timestamp)
		return nil

	case EntryOperation:
		var u types.OperationUpdate
		if err := json.Unmarshal(entry.Data, &u); err != nil {
			return fmt.Errorf("invalid operation update: %w", err)
		}
		f.state.ApplyOperation(u, entry.Timestamp)
		return nil

	case EntryPhase:
		var u types.PhaseUpdate
		if err := json.Unmarshal(entry.Data, &u); err != nil {
			return fmt.Errorf("invalid phase update: %w", err)
		}
		f.state.ApplyPhase(u)
		f.logger.Info("Job phase: job_id=%s phase=%s", f.state.JobID, u.Phase)
		return nil

	default:
		f.logger.Warn("Unknown log entry type: %s", entry.Type)
		return fmt.Errorf("unknown log entry type: %s", entry.Type)
	}
}

// Snapshot implements raft.FSM - creates a snapshot of the current state
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &snapshot{state: f.state.Clone()}, nil
}

// Restore implements raft.FSM - restores state from a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	state := types.NewClusterState()
	if err := json.NewDecoder(rc).Decode(state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	return nil
}

// GetState returns a copy of the current state
func (f *FSM) GetState() *types.ClusterState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.Clone()
}

// snapshot implements raft.FSMSnapshot
type snapshot struct {
	state *types.ClusterState
}

// Persist writes the snapshot to a sink
func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.state)
	if err != nil {
		sink.Cancel()
		return err
	}

	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}

	return sink.Close()
}

// Release is called when we are done with the snapshot
func (s *snapshot) Release() {}
