package mapreduce

import (
	"context"
	"fmt"
	"sync"

	"DistMR/internal/logger"
	"DistMR/internal/storage"
	"DistMR/internal/types"
)

// State is the progress of a sequential run.
type State string

const (
	StateInit     State = "init"
	StateMapping  State = "mapping"
	StateMerging  State = "merging"
	StateReducing State = "reducing"
	StateDone     State = "done"
)

// Engine runs map and reduce in a single process, driving Storage
// directly. It is the reference the distributed path is checked against.
type Engine struct {
	store  *storage.Storage
	logger *logger.Logger

	mu    sync.Mutex
	state State
}

// NewEngine creates a new sequential engine on top of store.
func NewEngine(store *storage.Storage, lg *logger.Logger) *Engine {
	if lg == nil {
		lg = logger.New("sequential", "INFO")
	}
	return &Engine{
		store:  store,
		logger: lg,
		state:  StateInit,
	}
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.logger.Debug("Sequential state: %s", s)
}

// RunSequential maps every chunk received on input and stores its shards.
// When input is closed it merges the shards, reduces each bucket and sends
// the result on output. output is closed when RunSequential returns.
func (e *Engine) RunSequential(
	ctx context.Context,
	task *types.Task,
	input <-chan []byte,
	output chan<- storage.Bucket,
) error {
	defer close(output)

	e.setState(StateMapping)
	mapCounter := 0
	for {
		var (
			chunk []byte
			ok    bool
		)
		select {
		case chunk, ok = <-input:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !ok {
			break
		}

		records := task.Job.Map(chunk)
		if err := e.store.StoreLocal(task, mapCounter, records); err != nil {
			return fmt.Errorf("map %d: %w", mapCounter, err)
		}
		mapCounter++
	}
	task.NumMapFiles = mapCounter

	e.setState(StateMerging)
	if err := e.store.MergeMapLocal(task, mapCounter); err != nil {
		return err
	}

	e.setState(StateReducing)
	for r := 0; r < task.NumReduceJobs; r++ {
		records, err := e.store.LoadLocal(r)
		if err != nil {
			return fmt.Errorf("reduce %d: %w", r, err)
		}

		select {
		case output <- storage.Bucket{ID: r, Records: task.Job.Reduce(records)}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e.setState(StateDone)
	e.logger.Info("Sequential run finished: maps=%d reduces=%d", mapCounter, task.NumReduceJobs)
	return nil
}
