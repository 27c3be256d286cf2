package types

import (
	"strconv"
	"time"
)

// WorkerStatus is the lifecycle state of a worker as tracked by the master
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerRunning WorkerStatus = "running"
	WorkerFailed  WorkerStatus = "failed"
)

// OperationStatus is the lifecycle state of an operation as shown on the status feed
type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationRunning   OperationStatus = "running"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
)

// Phase is the coarse progress of a job
type Phase string

const (
	PhaseInit        Phase = "init"
	PhaseMap         Phase = "map"
	PhaseMergeMap    Phase = "merge-map"
	PhaseReduce      Phase = "reduce"
	PhaseMergeReduce Phase = "merge-reduce"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// RemoteWorker is the master-side handle of a registered worker
type RemoteWorker struct {
	ID       int
	Hostname string
	NodeName string // gossip node name, empty when liveness probing is off
	Status   WorkerStatus
}

// WorkerState is a worker as seen by the status display
type WorkerState struct {
	ID             int          `json:"id"`
	Hostname       string       `json:"hostname"`
	Status         WorkerStatus `json:"status"`
	TasksCompleted int64        `json:"tasks_completed"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// OperationState is an operation as seen by the status display
type OperationState struct {
	Kind      OperationKind   `json:"kind"`
	ID        int             `json:"id"`
	FilePath  string          `json:"file_path"`
	WorkerID  int             `json:"worker_id"`
	Status    OperationStatus `json:"status"`
	Attempts  int             `json:"attempts"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ClusterState is the status snapshot consumed by the display collaborator
type ClusterState struct {
	JobID      string                     `json:"job_id"`
	Phase      Phase                      `json:"phase"`
	Workers    map[int]*WorkerState       `json:"workers"`
	Operations map[string]*OperationState `json:"operations"`
	Leader     string                     `json:"leader"`
	Version    int64                      `json:"version"`
}

// NewClusterState returns an empty state
func NewClusterState() *ClusterState {
	return &ClusterState{
		Phase:      PhaseInit,
		Workers:    make(map[int]*WorkerState),
		Operations: make(map[string]*OperationState),
	}
}

// OperationKey is the key of an operation in ClusterState.Operations
func OperationKey(kind OperationKind, id int) string {
	return string(kind) + "-" + strconv.Itoa(id)
}

// LogEntry represents an entry in the status log
type LogEntry struct {
	Type      string      `json:"type"`      // "worker", "operation", "phase"
	Operation string      `json:"operation"` // "status"
	JobID     string      `json:"job_id"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// WorkerUpdate is a log entry payload
type WorkerUpdate struct {
	WorkerID int          `json:"worker_id"`
	Hostname string       `json:"hostname"`
	Status   WorkerStatus `json:"status"`
}

// OperationUpdate is a log entry payload
type OperationUpdate struct {
	Kind     OperationKind   `json:"kind"`
	ID       int             `json:"id"`
	FilePath string          `json:"file_path"`
	WorkerID int             `json:"worker_id"`
	Status   OperationStatus `json:"status"`
}

// PhaseUpdate is a log entry payload
type PhaseUpdate struct {
	Phase Phase `json:"phase"`
}

// ApplyWorker folds a worker update into the state.
func (s *ClusterState) ApplyWorker(u WorkerUpdate, at time.Time) {
	w, ok := s.Workers[u.WorkerID]
	if !ok {
		w = &WorkerState{ID: u.WorkerID}
		s.Workers[u.WorkerID] = w
	}
	if u.Hostname != "" {
		w.Hostname = u.Hostname
	}
	w.Status = u.Status
	w.UpdatedAt = at
	s.Version++
}

// ApplyOperation folds an operation update into the state. A completion
// is credited to the worker that ran the operation.
func (s *ClusterState) ApplyOperation(u OperationUpdate, at time.Time) {
	key := OperationKey(u.Kind, u.ID)
	op, ok := s.Operations[key]
	if !ok {
		op = &OperationState{Kind: u.Kind, ID: u.ID}
		s.Operations[key] = op
	}
	if u.FilePath != "" {
		op.FilePath = u.FilePath
	}
	if u.Status == OperationRunning {
		op.Attempts++
	}
	if u.Status == OperationCompleted && op.Status != OperationCompleted {
		if w, ok := s.Workers[u.WorkerID]; ok {
			w.TasksCompleted++
		}
	}
	op.WorkerID = u.WorkerID
	op.Status = u.Status
	op.UpdatedAt = at
	s.Version++
}

// ApplyPhase records the job phase.
func (s *ClusterState) ApplyPhase(u PhaseUpdate) {
	s.Phase = u.Phase
	s.Version++
}

// Clone returns a deep copy.
func (s *ClusterState) Clone() *ClusterState {
	c := &ClusterState{
		JobID:      s.JobID,
		Phase:      s.Phase,
		Workers:    make(map[int]*WorkerState, len(s.Workers)),
		Operations: make(map[string]*OperationState, len(s.Operations)),
		Leader:     s.Leader,
		Version:    s.Version,
	}
	for k, v := range s.Workers {
		w := *v
		c.Workers[k] = &w
	}
	for k, v := range s.Operations {
		op := *v
		c.Operations[k] = &op
	}
	return c
}
