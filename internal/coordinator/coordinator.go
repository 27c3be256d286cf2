package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"DistMR/internal/config"
	"DistMR/internal/logger"
	"DistMR/internal/protocol"
	"DistMR/internal/storage"
	"DistMR/internal/transport"
	"DistMR/internal/types"
)

// Queue sizes. More workers than IdleWorkerBuffer may register; the
// surplus is queued in the background.
const (
	IdleWorkerBuffer     = 100
	FailedWorkerBuffer   = 100
	RetryOperationBuffer = 100

	doneCallTimeout = 5 * time.Second
)

// ErrWorkerPoolExhausted is returned when every registered worker has been
// evicted and none registered within the drain timeout.
var ErrWorkerPoolExhausted = errors.New("worker pool exhausted")

// Caller issues one RPC to a worker.
type Caller interface {
	Call(ctx context.Context, addr, method string, args, reply interface{}) error
}

// StatusRecorder receives status changes, e.g. a replicated log read by a
// status display.
type StatusRecorder interface {
	RecordWorker(jobID string, u types.WorkerUpdate) error
	RecordOperation(jobID string, u types.OperationUpdate) error
	RecordPhase(jobID string, phase types.Phase) error
}

// Master coordinates a MapReduce job over the workers that register with it
type Master struct {
	cfg      config.Config
	task     *types.Task
	store    *storage.Storage
	caller   Caller
	recorder StatusRecorder
	logger   *logger.Logger
	jobID    string

	registry *Registry
	idle     chan types.RemoteWorker
	failed   chan types.RemoteWorker
	retry    chan types.Operation

	completedMu  sync.Mutex
	completed    int
	completedIDs map[int]bool

	inflightMu sync.Mutex
	inflight   map[int]context.CancelFunc

	statusMu sync.Mutex
	status   *types.ClusterState

	serverMu sync.Mutex
	server   *transport.Server

	stopped  chan struct{}
	stopOnce sync.Once
}

// Option customizes a Master
type Option func(*Master)

// WithCaller replaces the RPC client used to reach workers
func WithCaller(c Caller) Option {
	return func(m *Master) { m.caller = c }
}

// WithStorage replaces the storage rooted at cfg.WorkDir
func WithStorage(s *storage.Storage) Option {
	return func(m *Master) { m.store = s }
}

// WithLogger replaces the default logger
func WithLogger(lg *logger.Logger) Option {
	return func(m *Master) { m.logger = lg }
}

// WithStatusRecorder forwards every status change to r
func WithStatusRecorder(r StatusRecorder) Option {
	return func(m *Master) { m.recorder = r }
}

// NewMaster creates a master for task. The task's reduce count is taken
// from cfg.
func NewMaster(cfg config.Config, task *types.Task, opts ...Option) *Master {
	m := &Master{
		cfg:          cfg,
		task:         task,
		jobID:        "job-" + uuid.New().String()[:8],
		registry:     NewRegistry(),
		idle:         make(chan types.RemoteWorker, IdleWorkerBuffer),
		failed:       make(chan types.RemoteWorker, FailedWorkerBuffer),
		completedIDs: make(map[int]bool),
		inflight:     make(map[int]context.CancelFunc),
		status:       types.NewClusterState(),
		stopped:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = logger.New("master", cfg.LogLevel)
	}
	if m.store == nil {
		m.store = storage.New(cfg.WorkDir, storage.WithLogger(logger.New("storage", cfg.LogLevel)))
	}
	if m.caller == nil {
		m.caller = transport.NewClient()
	}
	m.task.NumReduceJobs = cfg.ReduceJobs
	m.status.JobID = m.jobID

	m.logger.Info("Master initialized: job_id=%s reduce_jobs=%d", m.jobID, cfg.ReduceJobs)
	return m
}

// JobID identifies this run
func (m *Master) JobID() string {
	return m.jobID
}

// Registry exposes the worker registry
func (m *Master) Registry() *Registry {
	return m.registry
}

// registerService is the RPC face of the master
type registerService struct {
	m *Master
}

// Register is called by a worker once it is ready to serve operations.
func (s *registerService) Register(args *protocol.RegisterArgs, reply *protocol.RegisterReply) error {
	w := s.m.register(args.WorkerHostname, args.NodeName)
	reply.WorkerID = w.ID
	reply.ReduceJobs = s.m.task.NumReduceJobs
	reply.JobID = s.m.jobID
	return nil
}

// register inserts the worker and queues it as idle before the reply goes
// out, so the scheduler can see it before it can be called.
func (m *Master) register(hostname, nodeName string) types.RemoteWorker {
	w := m.registry.Add(hostname, nodeName)
	m.logger.Info("Worker registered: worker_id=%d hostname=%s node=%s", w.ID, w.Hostname, w.NodeName)
	m.recordWorker(w, types.WorkerIdle)

	m.pushIdle(w)
	return w
}

// Start serves the Register service on cfg.Hostname()
func (m *Master) Start() error {
	m.serverMu.Lock()
	defer m.serverMu.Unlock()
	if m.server != nil {
		return nil
	}

	srv := transport.NewServer(transport.ServerOpts{
		ID:     "master",
		Addr:   m.cfg.Hostname(),
		Logger: m.logger,
	})
	if err := srv.Register(protocol.RegisterService, &registerService{m: m}); err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	m.server = srv
	return nil
}

// Addr is the address workers should register with
func (m *Master) Addr() string {
	m.serverMu.Lock()
	defer m.serverMu.Unlock()
	if m.server == nil {
		return m.cfg.Hostname()
	}
	return m.server.Addr()
}

// Close stops the Register service
func (m *Master) Close() error {
	m.serverMu.Lock()
	defer m.serverMu.Unlock()
	if m.server == nil {
		return nil
	}
	err := m.server.Close()
	m.server = nil
	return err
}

// Run executes the whole job: split, map phase, merge, reduce phase,
// merge, and finally tells every worker it is done.
func (m *Master) Run(ctx context.Context) error {
	if err := m.Start(); err != nil {
		return err
	}
	defer m.Close()
	defer m.stopOnce.Do(func() { close(m.stopped) })

	ctx, cancel := context.WithCancel(ctx)
	listening := make(chan struct{})
	go func() {
		defer close(listening)
		m.failureListener(ctx)
	}()
	defer func() {
		cancel()
		<-listening
	}()

	if err := m.run(ctx); err != nil {
		m.recordPhase(types.PhaseFailed)
		m.logger.Error("Job failed: job_id=%s error=%v", m.jobID, err)
		return err
	}

	m.recordPhase(types.PhaseDone)
	m.logger.Info("Job completed: %s", m.logger.WithContext(map[string]interface{}{
		"job_id":  m.jobID,
		"maps":    m.task.NumMapFiles,
		"reduces": m.task.NumReduceJobs,
		"result":  m.store.FinalResultPath(),
	}))
	return nil
}

func (m *Master) run(ctx context.Context) error {
	if err := m.store.Reset(); err != nil {
		return fmt.Errorf("failed to reset working directories: %w", err)
	}
	numFiles, err := m.store.Split(m.cfg.InputPath, m.cfg.ChunkSize)
	if err != nil {
		return err
	}
	m.task.NumMapFiles = numFiles

	m.recordPhase(types.PhaseMap)
	mapOps, err := collectOperations(ctx, types.MapOperation, m.store.FanInFilePaths(ctx, numFiles))
	if err != nil {
		return err
	}
	if err := m.runPhase(ctx, mapOps); err != nil {
		return err
	}

	m.recordPhase(types.PhaseMergeMap)
	if err := m.store.MergeMapLocal(m.task, numFiles); err != nil {
		return err
	}

	m.recordPhase(types.PhaseReduce)
	reduceOps, err := collectOperations(ctx, types.ReduceOperation, m.store.FanReduceFilePaths(ctx, m.task.NumReduceJobs))
	if err != nil {
		return err
	}
	if err := m.runPhase(ctx, reduceOps); err != nil {
		return err
	}

	m.recordPhase(types.PhaseMergeReduce)
	if err := m.store.MergeReduceLocal(m.task.NumReduceJobs); err != nil {
		return err
	}

	m.shutdownWorkers(ctx)
	return nil
}

// collectOperations turns a path stream into operations. A stream cut
// short by ctx is an error, not a shorter phase.
func collectOperations(ctx context.Context, kind types.OperationKind, paths <-chan string) ([]types.Operation, error) {
	var ops []types.Operation
	for path := range paths {
		ops = append(ops, types.Operation{Kind: kind, ID: len(ops), FilePath: path})
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s operations cut short after %d: %w", kind, len(ops), err)
	}
	return ops, nil
}

// shutdownWorkers sends Done to every live worker
func (m *Master) shutdownWorkers(ctx context.Context) {
	for _, w := range m.registry.Snapshot() {
		if w.Status == types.WorkerFailed {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, doneCallTimeout)
		var reply protocol.DoneReply
		err := m.caller.Call(callCtx, w.Hostname, protocol.DoneMethod, &protocol.EmptyMessage{}, &reply)
		cancel()
		if err != nil {
			m.logger.Warn("Failed to shut down worker: worker_id=%d hostname=%s error=%v", w.ID, w.Hostname, err)
			continue
		}
		m.logger.Info("Worker shut down: worker_id=%d operations=%d", w.ID, reply.Operations)
	}
}

// EvictNode evicts the worker registered under a gossip node name. It is
// wired to the liveness probe's leave notifications.
func (m *Master) EvictNode(nodeName string) {
	w, ok := m.registry.FindByNode(nodeName)
	if !ok {
		return
	}
	m.logger.Warn("Worker left the cluster: worker_id=%d node=%s", w.ID, nodeName)
	m.evict(w)
}

// Status returns a snapshot of worker and operation status
func (m *Master) Status() *types.ClusterState {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.status.Clone()
}

func (m *Master) recordWorker(w types.RemoteWorker, status types.WorkerStatus) {
	u := types.WorkerUpdate{WorkerID: w.ID, Hostname: w.Hostname, Status: status}
	m.apply(func(s *types.ClusterState, at time.Time) { s.ApplyWorker(u, at) })
	if m.recorder != nil {
		m.recorded("worker", m.recorder.RecordWorker(m.jobID, u))
	}
}

func (m *Master) recordOperation(op types.Operation, workerID int, status types.OperationStatus) {
	u := types.OperationUpdate{Kind: op.Kind, ID: op.ID, FilePath: op.FilePath, WorkerID: workerID, Status: status}
	m.apply(func(s *types.ClusterState, at time.Time) { s.ApplyOperation(u, at) })
	if m.recorder != nil {
		m.recorded("operation", m.recorder.RecordOperation(m.jobID, u))
	}
}

func (m *Master) recordPhase(phase types.Phase) {
	m.logger.Info("Phase: %s", phase)
	m.apply(func(s *types.ClusterState, _ time.Time) { s.ApplyPhase(types.PhaseUpdate{Phase: phase}) })
	if m.recorder != nil {
		m.recorded("phase", m.recorder.RecordPhase(m.jobID, phase))
	}
}

func (m *Master) apply(fn func(*types.ClusterState, time.Time)) {
	m.statusMu.Lock()
	fn(m.status, time.Now())
	m.statusMu.Unlock()
}

// recorded logs a status change the recorder refused. The job goes on.
func (m *Master) recorded(kind string, err error) {
	if err != nil {
		m.logger.Warn("Failed to record status: type=%s error=%v", kind, err)
	}
}
