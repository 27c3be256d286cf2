package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"DistMR/internal/config"
	"DistMR/internal/discovery"
	"DistMR/internal/logger"
	"DistMR/internal/protocol"
	"DistMR/internal/storage"
	"DistMR/internal/transport"
	"DistMR/internal/types"
)

// State is the lifecycle of a worker process.
type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistering  State = "registering"
	StateIdle         State = "idle"
	StateRunning      State = "running"
	StateDone         State = "done"
)

var (
	// ErrInducedFailure is returned by the operation that trips FailAfter.
	ErrInducedFailure = errors.New("induced failure")

	// ErrAlreadyRegistered is returned by a second Register.
	ErrAlreadyRegistered = errors.New("worker already registered")
)

// Caller issues one RPC to the master.
type Caller interface {
	Call(ctx context.Context, addr, method string, args, reply interface{}) error
}

// Worker registers with the master and then serves RunMap, RunReduce and
// Done until told to stop.
type Worker struct {
	cfg    config.Config
	task   *types.Task
	store  *storage.Storage
	caller Caller
	logger *logger.Logger
	exit   func(code int)

	nodeName  string
	discovery *discovery.NodeDiscovery

	mu     sync.Mutex
	state  State
	id     int
	jobID  string
	served int
	server *transport.Server

	registered   chan struct{}
	registerOnce sync.Once
	done         chan struct{}
	doneOnce     sync.Once
}

// Option customizes a Worker
type Option func(*Worker)

// WithStorage replaces the storage rooted at cfg.WorkDir
func WithStorage(s *storage.Storage) Option {
	return func(w *Worker) { w.store = s }
}

// WithLogger replaces the default logger
func WithLogger(lg *logger.Logger) Option {
	return func(w *Worker) { w.logger = lg }
}

// WithCaller replaces the RPC client used to reach the master
func WithCaller(c Caller) Option {
	return func(w *Worker) { w.caller = c }
}

// WithExit replaces os.Exit, which is called on fatal storage errors and
// induced failures.
func WithExit(exit func(code int)) Option {
	return func(w *Worker) { w.exit = exit }
}

// New creates a worker for task. The reduce count is filled in by the
// master on registration.
func New(cfg config.Config, task *types.Task, opts ...Option) *Worker {
	w := &Worker{
		cfg:        cfg,
		task:       task,
		nodeName:   "worker-" + uuid.New().String()[:8],
		state:      StateUnregistered,
		id:         -1,
		registered: make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.logger == nil {
		w.logger = logger.New("worker", cfg.LogLevel)
	}
	if w.store == nil {
		w.store = storage.New(cfg.WorkDir, storage.WithLogger(logger.New("storage", cfg.LogLevel)))
	}
	if w.caller == nil {
		w.caller = transport.NewClient()
	}
	if w.exit == nil {
		w.exit = os.Exit
	}
	return w
}

// State returns the current state
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// ID is the id issued by the master, -1 before registration
func (w *Worker) ID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

// Served is the number of operations completed so far
func (w *Worker) Served() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.served
}

// NodeName is the gossip name sent to the master on registration
func (w *Worker) NodeName() string {
	return w.nodeName
}

// Addr is the address of the Runner service
func (w *Worker) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.server == nil {
		return w.cfg.Hostname()
	}
	return w.server.Addr()
}

// Done is closed once the master has sent Done
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	w.logger.Debug("Worker state: %s", s)
}

// Start serves the Runner service. Calls are held until Register has
// stored the id and reduce count.
func (w *Worker) Start() error {
	srv := transport.NewServer(transport.ServerOpts{
		ID:     w.nodeName,
		Addr:   w.cfg.Hostname(),
		Logger: w.logger,
	})
	if err := srv.Register(protocol.RunnerService, &runnerService{w: w}); err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	w.mu.Lock()
	w.server = srv
	w.mu.Unlock()
	return nil
}

// Register announces the worker to the master, retrying with a fixed
// backoff until the master answers or ctx ends. A worker registers once.
func (w *Worker) Register(ctx context.Context) error {
	select {
	case <-w.registered:
		return ErrAlreadyRegistered
	default:
	}
	w.setState(StateRegistering)

	args := &protocol.RegisterArgs{WorkerHostname: w.Addr()}
	if w.discovery != nil {
		args.NodeName = w.nodeName
	}

	for attempt := 1; ; attempt++ {
		var reply protocol.RegisterReply
		err := w.caller.Call(ctx, w.cfg.MasterAddr, protocol.RegisterMethod, args, &reply)
		if err == nil {
			first := false
			w.registerOnce.Do(func() {
				first = true
				w.mu.Lock()
				w.id = reply.WorkerID
				w.jobID = reply.JobID
				w.task.NumReduceJobs = reply.ReduceJobs
				w.state = StateIdle
				w.mu.Unlock()
				close(w.registered)
			})
			if !first {
				return ErrAlreadyRegistered
			}

			w.logger.Info("Registered with master: worker_id=%d job_id=%s reduce_jobs=%d", reply.WorkerID, reply.JobID, reply.ReduceJobs)
			return nil
		}

		w.logger.Warn("(%d) Failed to register with %s: %v. Retrying in %s", attempt, w.cfg.MasterAddr, err, w.cfg.RegisterBackoff)
		select {
		case <-time.After(w.cfg.RegisterBackoff):
		case <-ctx.Done():
			return fmt.Errorf("registration aborted: %w", ctx.Err())
		}
	}
}

// Run starts serving, joins the liveness cluster when configured,
// registers and then blocks until Done or ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.store.EnsureDirs(); err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Close()

	if w.cfg.GossipPort != 0 {
		nd, err := discovery.NewNodeDiscovery(discovery.Config{
			NodeID:       w.nodeName,
			LocalAddress: w.cfg.Addr,
			LocalPort:    w.cfg.GossipPort,
			JoinAddrs:    []string{w.cfg.MasterGossipAddr},
			Logger:       logger.New("discovery", w.cfg.LogLevel),
		})
		if err != nil {
			return err
		}
		w.discovery = nd
	}

	if err := w.Register(ctx); err != nil {
		return err
	}

	select {
	case <-w.done:
		w.logger.Info("Worker finished: worker_id=%d operations=%d", w.ID(), w.Served())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops serving and leaves the liveness cluster
func (w *Worker) Close() error {
	if w.discovery != nil {
		w.discovery.Leave(time.Second)
		w.discovery.Shutdown()
		w.discovery = nil
	}

	w.mu.Lock()
	srv := w.server
	w.server = nil
	w.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// begin waits for registration and claims the next operation slot. It
// trips the induced failure once FailAfter operations have been served.
func (w *Worker) begin(op types.Operation) error {
	<-w.registered

	w.mu.Lock()
	tripped := w.cfg.FailAfter > 0 && w.served >= w.cfg.FailAfter
	if !tripped {
		w.state = StateRunning
	}
	w.mu.Unlock()

	if tripped {
		w.crash(fmt.Errorf("%w after %d operations, dropping %s", ErrInducedFailure, w.cfg.FailAfter, op))
		return ErrInducedFailure
	}
	w.logger.Debug("Running operation: %s", op)
	return nil
}

func (w *Worker) finish(op types.Operation) {
	w.mu.Lock()
	w.served++
	w.state = StateIdle
	w.mu.Unlock()
	w.logger.Info("Operation done: %s", op)
}

// fail handles an error that leaves this worker unable to vouch for its
// output. The process goes away so the master reassigns the operation.
func (w *Worker) fail(op types.Operation, err error) error {
	err = fmt.Errorf("%s: %w", op, err)
	w.crash(err)
	return err
}

// crash takes the worker down as abruptly as a dying process would: the
// server drops every connection without replying, then the exit hook runs.
func (w *Worker) crash(err error) {
	w.logger.Error("Worker terminating: %v", err)

	w.mu.Lock()
	srv := w.server
	w.mu.Unlock()
	if srv != nil {
		srv.Kill()
	}
	if w.discovery != nil {
		w.discovery.Shutdown()
	}
	w.exit(1)
}

func (w *Worker) runMap(args *protocol.RunArgs) error {
	op := types.Operation{Kind: types.MapOperation, ID: args.ID, FilePath: args.FilePath}
	if err := w.begin(op); err != nil {
		return err
	}

	data, err := os.ReadFile(args.FilePath)
	if err != nil {
		return w.fail(op, fmt.Errorf("failed to read chunk: %w", err))
	}
	records := w.task.Job.Map(data)
	if err := w.store.StoreLocal(w.task, args.ID, records); err != nil {
		return w.fail(op, err)
	}

	w.finish(op)
	return nil
}

func (w *Worker) runReduce(args *protocol.RunArgs) error {
	op := types.Operation{Kind: types.ReduceOperation, ID: args.ID, FilePath: args.FilePath}
	if err := w.begin(op); err != nil {
		return err
	}

	records, err := w.store.LoadLocal(args.ID)
	if err != nil {
		return w.fail(op, err)
	}
	if err := w.store.StoreResult(args.ID, w.task.Job.Reduce(records)); err != nil {
		return w.fail(op, err)
	}

	w.finish(op)
	return nil
}

func (w *Worker) finishJob() int {
	w.setState(StateDone)
	w.doneOnce.Do(func() { close(w.done) })
	return w.Served()
}

// runnerService is the RPC face of the worker
type runnerService struct {
	w *Worker
}

// RunMap maps one input chunk and stores its shards.
func (s *runnerService) RunMap(args *protocol.RunArgs, reply *protocol.EmptyMessage) error {
	return s.w.runMap(args)
}

// RunReduce reduces one merged bucket and stores the result.
func (s *runnerService) RunReduce(args *protocol.RunArgs, reply *protocol.EmptyMessage) error {
	return s.w.runReduce(args)
}

// Done ends the job for this worker.
func (s *runnerService) Done(args *protocol.EmptyMessage, reply *protocol.DoneReply) error {
	reply.Operations = s.w.finishJob()
	return nil
}
