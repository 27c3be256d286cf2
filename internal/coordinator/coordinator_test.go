package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"DistMR/internal/config"
	"DistMR/internal/logger"
	"DistMR/internal/protocol"
	"DistMR/internal/storage"
	"DistMR/internal/types"
)

// fakeCaller stands in for the RPC client. behave decides the outcome of
// each Run call; nil means success.
type fakeCaller struct {
	mu     sync.Mutex
	behave func(ctx context.Context, addr string, args *protocol.RunArgs) error
	ran    map[int][]string // op id -> workers that completed it
	done   []string
}

func newFakeCaller(behave func(ctx context.Context, addr string, args *protocol.RunArgs) error) *fakeCaller {
	return &fakeCaller{behave: behave, ran: make(map[int][]string)}
}

func (f *fakeCaller) Call(ctx context.Context, addr, method string, args, reply interface{}) error {
	if method == protocol.DoneMethod {
		f.mu.Lock()
		f.done = append(f.done, addr)
		f.mu.Unlock()
		return nil
	}

	run := args.(*protocol.RunArgs)
	if f.behave != nil {
		if err := f.behave(ctx, addr, run); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.ran[run.ID] = append(f.ran[run.ID], addr)
	f.mu.Unlock()
	return nil
}

func (f *fakeCaller) completedBy(id int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ran[id]...)
}

func newTestMaster(t *testing.T, caller Caller, tune func(*config.Config)) *Master {
	t.Helper()
	cfg := config.Default()
	cfg.Role = config.RoleMaster
	cfg.Addr = "127.0.0.1"
	cfg.Port = 0
	cfg.ReduceJobs = 2
	cfg.DrainTimeout = 2 * time.Second
	if tune != nil {
		tune(&cfg)
	}
	return NewMaster(cfg, &types.Task{},
		WithCaller(caller),
		WithLogger(logger.Discard()),
		WithStorage(storage.New(t.TempDir(), storage.WithLogger(logger.Discard()))),
	)
}

func mapOperations(n int) []types.Operation {
	ops := make([]types.Operation, n)
	for i := range ops {
		ops[i] = types.Operation{Kind: types.MapOperation, ID: i, FilePath: fmt.Sprintf("map/map-%d", i)}
	}
	return ops
}

func TestRunPhaseCompletesEveryOperation(t *testing.T) {
	fc := newFakeCaller(nil)
	m := newTestMaster(t, fc, nil)
	m.register("w0", "")
	m.register("w1", "")

	if err := m.runPhase(context.Background(), mapOperations(8)); err != nil {
		t.Fatalf("runPhase failed: %v", err)
	}
	if m.Completed() != 8 {
		t.Fatalf("completed = %d, want 8", m.Completed())
	}
	for i := 0; i < 8; i++ {
		if len(fc.completedBy(i)) != 1 {
			t.Fatalf("op %d ran %v", i, fc.completedBy(i))
		}
	}
}

func TestRunPhaseReassignsFailedOperation(t *testing.T) {
	var (
		mu     sync.Mutex
		failed string
	)
	fc := newFakeCaller(func(_ context.Context, addr string, args *protocol.RunArgs) error {
		mu.Lock()
		defer mu.Unlock()
		if args.ID == 3 && failed == "" {
			failed = addr
			return errors.New("connection reset by peer")
		}
		if addr == failed {
			return errors.New("connection refused")
		}
		return nil
	})
	m := newTestMaster(t, fc, nil)
	m.register("w0", "")
	m.register("w1", "")

	ops := mapOperations(6)
	if err := m.runPhase(context.Background(), ops); err != nil {
		t.Fatalf("runPhase failed: %v", err)
	}

	if m.Completed() != len(ops) {
		t.Fatalf("completed = %d, want %d", m.Completed(), len(ops))
	}
	ranOn := fc.completedBy(3)
	if len(ranOn) != 1 || ranOn[0] == failed {
		t.Fatalf("op 3 completed by %v, failed worker was %s", ranOn, failed)
	}
	if m.Registry().Len() != 1 {
		t.Fatalf("failed worker should be evicted, live=%d", m.Registry().Len())
	}

	st := m.Status()
	op := st.Operations[types.OperationKey(types.MapOperation, 3)]
	if op == nil || op.Status != types.OperationCompleted || op.Attempts != 2 {
		t.Fatalf("status of op 3 = %+v", op)
	}
}

func TestRunPhaseFailsWhenPoolExhausted(t *testing.T) {
	fc := newFakeCaller(func(context.Context, string, *protocol.RunArgs) error {
		return errors.New("connection refused")
	})
	m := newTestMaster(t, fc, func(c *config.Config) { c.DrainTimeout = 100 * time.Millisecond })
	m.register("w0", "")

	start := time.Now()
	err := m.runPhase(context.Background(), mapOperations(3))
	if !errors.Is(err, ErrWorkerPoolExhausted) {
		t.Fatalf("expected ErrWorkerPoolExhausted, got %v", err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Fatalf("gave up before the drain timeout")
	}
}

func TestRunPhaseWaitsForLateWorker(t *testing.T) {
	var once sync.Once
	fc := newFakeCaller(func(_ context.Context, addr string, _ *protocol.RunArgs) error {
		if addr == "w0" {
			var err error
			once.Do(func() { err = errors.New("worker crashed") })
			if err == nil {
				err = errors.New("connection refused")
			}
			return err
		}
		return nil
	})
	m := newTestMaster(t, fc, nil)
	m.register("w0", "")

	go func() {
		time.Sleep(100 * time.Millisecond)
		m.register("w1", "")
	}()

	if err := m.runPhase(context.Background(), mapOperations(4)); err != nil {
		t.Fatalf("runPhase failed: %v", err)
	}
	if m.Completed() != 4 {
		t.Fatalf("completed = %d", m.Completed())
	}
}

func TestOperationTimeoutEvictsHungWorker(t *testing.T) {
	fc := newFakeCaller(func(ctx context.Context, addr string, _ *protocol.RunArgs) error {
		if addr == "hung" {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	m := newTestMaster(t, fc, func(c *config.Config) { c.OperationTimeout = 100 * time.Millisecond })
	m.register("hung", "")
	m.register("ok", "")

	if err := m.runPhase(context.Background(), mapOperations(4)); err != nil {
		t.Fatalf("runPhase failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		if ran := fc.completedBy(i); len(ran) != 1 || ran[0] != "ok" {
			t.Fatalf("op %d completed by %v", i, ran)
		}
	}
}

func TestEvictNodeCancelsInFlightOperation(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	fc := newFakeCaller(func(ctx context.Context, addr string, _ *protocol.RunArgs) error {
		if addr == "w0" {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	m := newTestMaster(t, fc, nil)
	m.register("w0", "worker-a")

	go func() {
		<-started
		m.register("w1", "worker-b")
		m.EvictNode("worker-a")
	}()

	done := make(chan error, 1)
	go func() { done <- m.runPhase(context.Background(), mapOperations(2)) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runPhase failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("phase did not finish after eviction")
	}

	w, _ := m.Registry().Get(0)
	if w.Status != types.WorkerFailed {
		t.Fatalf("evicted worker status = %s", w.Status)
	}
}

func TestRunPhaseHonoursCancellation(t *testing.T) {
	m := newTestMaster(t, newFakeCaller(nil), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.runPhase(ctx, mapOperations(2)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while waiting for workers, got %v", err)
	}
}

func TestFailureListenerRemovesEvictedWorker(t *testing.T) {
	m := newTestMaster(t, newFakeCaller(nil), nil)
	w0 := m.register("w0", "")
	m.register("w1", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.failureListener(ctx)

	m.evict(w0)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := m.Registry().Get(w0.ID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("evicted worker %d still registered", w0.ID)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if m.Registry().Len() != 1 || m.Registry().Registered() != 2 {
		t.Fatalf("live=%d registered=%d", m.Registry().Len(), m.Registry().Registered())
	}
}

func TestRegisterDoesNotBlockOnFullIdleQueue(t *testing.T) {
	total := IdleWorkerBuffer + 5

	var (
		mu      sync.Mutex
		running int
		workers = map[string]bool{}
	)
	all := make(chan struct{})
	fc := newFakeCaller(func(ctx context.Context, addr string, _ *protocol.RunArgs) error {
		mu.Lock()
		workers[addr] = true
		running++
		if running == total {
			close(all)
		}
		mu.Unlock()

		select {
		case <-all:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	m := newTestMaster(t, fc, nil)

	registered := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			m.register(fmt.Sprintf("w%d", i), "")
		}
		close(registered)
	}()
	select {
	case <-registered:
	case <-time.After(3 * time.Second):
		t.Fatalf("registration stalled on a full idle queue")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.runPhase(ctx, mapOperations(total)); err != nil {
		t.Fatalf("runPhase failed: %v", err)
	}
	if len(workers) != total {
		t.Fatalf("%d workers ran operations, want %d", len(workers), total)
	}
	t.Logf("✓ %d workers registered past the idle buffer of %d", total, IdleWorkerBuffer)
}

func TestRunPhaseWithNoOperationsHonoursCancellation(t *testing.T) {
	m := newTestMaster(t, newFakeCaller(nil), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.runPhase(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := m.runPhase(context.Background(), nil); err != nil {
		t.Fatalf("empty phase failed: %v", err)
	}
}

func TestCollectOperationsRejectsCutStream(t *testing.T) {
	paths := make(chan string, 2)
	paths <- "map/map-0"
	paths <- "map/map-1"
	close(paths)

	ops, err := collectOperations(context.Background(), types.MapOperation, paths)
	if err != nil || len(ops) != 2 || ops[1].ID != 1 {
		t.Fatalf("ops=%v err=%v", ops, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cut := make(chan string, 1)
	cut <- "map/map-0"
	close(cut)
	if _, err := collectOperations(ctx, types.MapOperation, cut); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled for a cut stream, got %v", err)
	}
}

// recorderStub collects what the master records
type recorderStub struct {
	mu      sync.Mutex
	jobIDs  map[string]bool
	workers []types.WorkerUpdate
	ops     []types.OperationUpdate
	phases  []types.Phase
	err     error
}

func (r *recorderStub) RecordWorker(jobID string, u types.WorkerUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobIDs[jobID] = true
	r.workers = append(r.workers, u)
	return r.err
}

func (r *recorderStub) RecordOperation(jobID string, u types.OperationUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobIDs[jobID] = true
	r.ops = append(r.ops, u)
	return r.err
}

func (r *recorderStub) RecordPhase(jobID string, phase types.Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobIDs[jobID] = true
	r.phases = append(r.phases, phase)
	return r.err
}

func TestStatusChangesReachRecorder(t *testing.T) {
	for _, refuse := range []bool{false, true} {
		rec := &recorderStub{jobIDs: map[string]bool{}}
		if refuse {
			rec.err = errors.New("not the leader")
		}
		cfg := config.Default()
		cfg.Addr = "127.0.0.1"
		cfg.Port = 0
		cfg.ReduceJobs = 1
		m := NewMaster(cfg, &types.Task{},
			WithCaller(newFakeCaller(nil)),
			WithLogger(logger.Discard()),
			WithStorage(storage.New(t.TempDir(), storage.WithLogger(logger.Discard()))),
			WithStatusRecorder(rec),
		)
		m.register("w0", "")
		m.recordPhase(types.PhaseMap)

		if err := m.runPhase(context.Background(), mapOperations(2)); err != nil {
			t.Fatalf("refuse=%v: runPhase failed: %v", refuse, err)
		}

		rec.mu.Lock()
		if len(rec.jobIDs) != 1 || !rec.jobIDs[m.JobID()] {
			t.Fatalf("refuse=%v: job ids %v, want %s", refuse, rec.jobIDs, m.JobID())
		}
		if len(rec.phases) != 1 || rec.phases[0] != types.PhaseMap {
			t.Fatalf("refuse=%v: phases %v", refuse, rec.phases)
		}
		completed := 0
		for _, u := range rec.ops {
			if u.Status == types.OperationCompleted {
				completed++
			}
		}
		if completed != 2 || len(rec.ops) != 6 {
			t.Fatalf("refuse=%v: %d operation updates, %d completed", refuse, len(rec.ops), completed)
		}
		if len(rec.workers) == 0 || rec.workers[0].Status != types.WorkerIdle {
			t.Fatalf("refuse=%v: worker updates %v", refuse, rec.workers)
		}
		rec.mu.Unlock()

		if st := m.Status(); st.Phase != types.PhaseMap {
			t.Fatalf("refuse=%v: local status phase = %s", refuse, st.Phase)
		}
	}
}
