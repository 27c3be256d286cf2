package mapreduce

import (
	"context"
	"fmt"
	"time"

	"DistMR/internal/config"
	"DistMR/internal/coordinator"
	"DistMR/internal/discovery"
	"DistMR/internal/logger"
	"DistMR/internal/raft"
	"DistMR/internal/storage"
	"DistMR/internal/types"
	"DistMR/internal/worker"
)

const (
	masterNodeID      = "master"
	leaderWaitTimeout = 5 * time.Second
)

// RunJob runs job according to cfg: in this process when the mode is
// sequential, otherwise as the master or as one worker.
func RunJob(ctx context.Context, cfg config.Config, job types.Job) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	task := types.NewTask(job)

	switch {
	case cfg.Mode == config.Sequential:
		return Sequential(ctx, cfg, task)
	case cfg.Role == config.RoleMaster:
		return runMaster(ctx, cfg, task)
	case cfg.Role == config.RoleStatus:
		return WatchStatus(ctx, cfg, logStatus(logger.New("status", cfg.LogLevel)))
	default:
		return worker.New(cfg, task).Run(ctx)
	}
}

// Sequential splits the input, streams the chunks through an Engine and
// merges the results into the final result file.
func Sequential(ctx context.Context, cfg config.Config, task *types.Task) error {
	lg := logger.New("sequential", cfg.LogLevel)
	store := storage.New(cfg.WorkDir, storage.WithLogger(logger.New("storage", cfg.LogLevel)))

	if err := store.Reset(); err != nil {
		return fmt.Errorf("failed to reset working directories: %w", err)
	}
	n, err := store.Split(cfg.InputPath, cfg.ChunkSize)
	if err != nil {
		return err
	}
	task.NumReduceJobs = cfg.ReduceJobs

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// A chunk that cannot be read must not look like the end of the input,
	// so the stream is only closed when every chunk was delivered.
	data, readErr := store.FanInData(ctx, n)
	input := make(chan []byte)
	go func() {
		for chunk := range data {
			select {
			case input <- chunk:
			case <-ctx.Done():
			}
		}
		if err := <-readErr; err != nil {
			cancel(err)
			return
		}
		close(input)
	}()

	output, written := store.FanOutData(ctx)

	engine := NewEngine(store, lg)
	if err := engine.RunSequential(ctx, task, input, output); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
		return err
	}
	if err := <-written; err != nil {
		return err
	}

	if err := store.MergeReduceLocal(task.NumReduceJobs); err != nil {
		return err
	}
	lg.Info("Job completed: result=%s", store.FinalResultPath())
	return nil
}

func runMaster(ctx context.Context, cfg config.Config, task *types.Task) error {
	var (
		opts    []coordinator.Option
		cluster *raft.Cluster
	)

	if cfg.StatusDir != "" {
		if err := storage.ClearDirectory(cfg.StatusDir); err != nil {
			return fmt.Errorf("failed to clear status log: %w", err)
		}
		var err error
		cluster, err = raft.NewCluster(raft.Config{
			NodeID:    masterNodeID,
			BindAddr:  cfg.Addr,
			BindPort:  cfg.StatusPort,
			DataDir:   cfg.StatusDir,
			Bootstrap: true,
			Logger:    logger.New("raft", cfg.LogLevel),
		})
		if err != nil {
			return err
		}
		defer cluster.Close()

		if err := cluster.WaitForLeader(leaderWaitTimeout); err != nil {
			return err
		}
		opts = append(opts, coordinator.WithStatusRecorder(cluster))
	}

	m := coordinator.NewMaster(cfg, task, opts...)
	if cfg.GossipPort == 0 {
		return m.Run(ctx)
	}

	lg := logger.New("discovery", cfg.LogLevel)
	nd, err := discovery.NewNodeDiscovery(discovery.Config{
		NodeID:       masterNodeID,
		LocalAddress: cfg.Addr,
		LocalPort:    cfg.GossipPort,
		Logger:       lg,
	})
	if err != nil {
		return err
	}
	defer nd.Shutdown()
	lg.Info("Liveness seed listening: addr=%s", nd.LocalAddr())

	if cluster == nil {
		nd.RegisterLeaveCallback(m.EvictNode)
		return m.Run(ctx)
	}

	replicas := replicateStatus(nd, cluster, m.EvictNode, lg)
	runErr := m.Run(ctx)
	if !replicas.wait(replicaSyncTimeout) {
		lg.Warn("Status replicas still attached after %s: count=%d", replicaSyncTimeout, replicas.len())
	}
	return runErr
}
