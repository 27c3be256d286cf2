package coordinator

import (
	"context"
	"sync"
	"time"

	"DistMR/internal/protocol"
	"DistMR/internal/types"
)

// runPhase dispatches ops to idle workers until every one of them has
// completed once. Operations that fail are queued again and picked up by
// the next idle worker.
func (m *Master) runPhase(ctx context.Context, ops []types.Operation) error {
	total := len(ops)
	m.resetCompleted()
	if total == 0 {
		return ctx.Err()
	}

	// Every operation is either queued here or running on exactly one
	// worker, so the buffer never fills.
	m.retry = make(chan types.Operation, max(total, RetryOperationBuffer))
	for _, op := range ops {
		m.recordOperation(op, -1, types.OperationPending)
		m.retry <- op
	}
	finished := make(chan struct{}, 1)

	phaseCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	m.logger.Info("Phase started: operations=%d workers=%d", total, m.registry.Len())
	for m.Completed() < total {
		select {
		case op := <-m.retry:
			w, err := m.popIdle(phaseCtx)
			if err != nil {
				return err
			}

			wg.Add(1)
			go func(w types.RemoteWorker, op types.Operation) {
				defer wg.Done()
				if !m.dispatch(phaseCtx, w, op) && phaseCtx.Err() == nil {
					m.logger.Info("Requeueing operation: %s", op)
					m.retry <- op
				}
				select {
				case finished <- struct{}{}:
				default:
				}
			}(w, op)

		case <-finished:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.logger.Info("Phase finished: operations=%d", total)
	return nil
}

// popIdle waits for a worker that can take an operation. Handles of
// workers that failed after they were queued are skipped. Once every
// registered worker is gone it waits DrainTimeout for a new registration.
func (m *Master) popIdle(ctx context.Context) (types.RemoteWorker, error) {
	var deadline time.Time
	for {
		changed := m.registry.Changed()

		var timer *time.Timer
		var drain <-chan time.Time
		if m.registry.Exhausted() && m.cfg.DrainTimeout > 0 {
			if deadline.IsZero() {
				deadline = time.Now().Add(m.cfg.DrainTimeout)
				m.logger.Warn("No live workers left, waiting %s for a registration", m.cfg.DrainTimeout)
			}
			timer = time.NewTimer(time.Until(deadline))
			drain = timer.C
		} else {
			deadline = time.Time{}
		}

		var (
			w   types.RemoteWorker
			got bool
			err error
		)
		select {
		case w = <-m.idle:
			got = m.registry.Claim(w.ID)
			if !got {
				m.logger.Debug("Skipping stale worker handle: worker_id=%d", w.ID)
			}
		case <-changed:
		case <-drain:
			err = ErrWorkerPoolExhausted
		case <-ctx.Done():
			err = ctx.Err()
		}
		if timer != nil {
			timer.Stop()
		}

		if err != nil {
			return types.RemoteWorker{}, err
		}
		if got {
			return w, nil
		}
	}
}

// dispatch runs op on w. It reports whether the operation completed; on
// failure the worker has been evicted.
func (m *Master) dispatch(ctx context.Context, w types.RemoteWorker, op types.Operation) bool {
	callCtx, cancel := m.operationContext(ctx)
	defer cancel()
	m.trackInflight(w.ID, cancel)
	defer m.untrackInflight(w.ID)

	m.recordWorker(w, types.WorkerRunning)
	m.recordOperation(op, w.ID, types.OperationRunning)
	m.logger.Debug("Dispatching operation: %s worker_id=%d", op, w.ID)

	method := protocol.RunMapMethod
	if op.Kind == types.ReduceOperation {
		method = protocol.RunReduceMethod
	}
	args := &protocol.RunArgs{ID: op.ID, FilePath: op.FilePath}

	if err := m.caller.Call(callCtx, w.Hostname, method, args, &protocol.EmptyMessage{}); err != nil {
		if ctx.Err() != nil {
			m.release(w)
			return false
		}
		m.logger.Warn("Operation failed: %s worker_id=%d error=%v", op, w.ID, err)
		m.recordOperation(op, w.ID, types.OperationFailed)
		m.evict(w)
		return false
	}

	if m.markCompleted(op.ID) {
		m.recordOperation(op, w.ID, types.OperationCompleted)
		m.logger.Debug("Operation completed: %s worker_id=%d", op, w.ID)
	}
	m.release(w)
	return true
}

func (m *Master) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.OperationTimeout > 0 {
		return context.WithTimeout(ctx, m.cfg.OperationTimeout)
	}
	return context.WithCancel(ctx)
}

// release hands a Running worker back to the idle queue.
func (m *Master) release(w types.RemoteWorker) {
	if !m.registry.Release(w.ID) {
		return
	}
	w.Status = types.WorkerIdle
	m.recordWorker(w, types.WorkerIdle)
	m.pushIdle(w)
}

// pushIdle queues w for the scheduler. When the queue is full the send
// moves to a goroutine, so neither Register nor a dispatch stalls on it.
// Such a goroutine gives up once the job has ended.
func (m *Master) pushIdle(w types.RemoteWorker) {
	select {
	case m.idle <- w:
		return
	default:
	}

	m.logger.Warn("Idle queue full, queueing in background: worker_id=%d", w.ID)
	go func() {
		select {
		case m.idle <- w:
		case <-m.stopped:
		}
	}()
}

// evict marks w Failed, aborts whatever it is running and hands it to the
// failure listener. Only the first eviction of a worker has any effect.
func (m *Master) evict(w types.RemoteWorker) {
	if !m.registry.MarkFailed(w.ID) {
		return
	}

	m.inflightMu.Lock()
	cancel := m.inflight[w.ID]
	m.inflightMu.Unlock()
	if cancel != nil {
		cancel()
	}

	w.Status = types.WorkerFailed
	m.recordWorker(w, types.WorkerFailed)

	select {
	case m.failed <- w:
	default:
		m.registry.Remove(w.ID)
	}
}

// failureListener drops failed workers from the pool until ctx ends, then
// drops whatever is still queued.
func (m *Master) failureListener(ctx context.Context) {
	for {
		select {
		case w := <-m.failed:
			m.removeFailed(w)
		case <-ctx.Done():
			for {
				select {
				case w := <-m.failed:
					m.removeFailed(w)
				default:
					return
				}
			}
		}
	}
}

func (m *Master) removeFailed(w types.RemoteWorker) {
	if m.registry.Remove(w.ID) {
		m.logger.Warn("Worker removed: worker_id=%d hostname=%s live=%d", w.ID, w.Hostname, m.registry.Len())
	}
}

func (m *Master) trackInflight(id int, cancel context.CancelFunc) {
	m.inflightMu.Lock()
	m.inflight[id] = cancel
	m.inflightMu.Unlock()
}

func (m *Master) untrackInflight(id int) {
	m.inflightMu.Lock()
	delete(m.inflight, id)
	m.inflightMu.Unlock()
}

// markCompleted counts op id once per phase.
func (m *Master) markCompleted(id int) bool {
	m.completedMu.Lock()
	defer m.completedMu.Unlock()
	if m.completedIDs[id] {
		return false
	}
	m.completedIDs[id] = true
	m.completed++
	return true
}

// Completed is the number of operations of the current phase that have
// completed.
func (m *Master) Completed() int {
	m.completedMu.Lock()
	defer m.completedMu.Unlock()
	return m.completed
}

func (m *Master) resetCompleted() {
	m.completedMu.Lock()
	m.completed = 0
	m.completedIDs = make(map[int]bool)
	m.completedMu.Unlock()
}
