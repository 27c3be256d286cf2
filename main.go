package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"DistMR/internal/config"
	"DistMR/internal/mapreduce"
	"DistMR/internal/wordcount"
)

func main() {
	cfg := config.Default()

	mode := flag.String("mode", string(cfg.Mode), "Mode: 'sequential' runs the job in this process, 'distributed' runs one master or worker")
	role := flag.String("type", string(cfg.Role), "Node type in distributed mode: 'master', 'worker' or 'status' (follows the master's status log)")
	flag.IntVar(&cfg.ReduceJobs, "reduce", cfg.ReduceJobs, "Number of reduce jobs")
	flag.StringVar(&cfg.InputPath, "input", cfg.InputPath, "Input file")
	flag.IntVar(&cfg.ChunkSize, "chunk", cfg.ChunkSize, "Map input chunk size in bytes")
	flag.StringVar(&cfg.WorkDir, "workdir", cfg.WorkDir, "Directory holding map/, reduce/ and result/")
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Address to listen on")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "Port to listen on")
	flag.StringVar(&cfg.MasterAddr, "master", cfg.MasterAddr, "Master address (host:port)")
	flag.IntVar(&cfg.FailAfter, "fail", cfg.FailAfter, "Worker crashes on the operation after this many (0 = never)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "DEBUG, INFO, WARN or ERROR")
	flag.IntVar(&cfg.GossipPort, "gossip-port", cfg.GossipPort, "Gossip port for worker liveness probing (0 = off)")
	flag.StringVar(&cfg.MasterGossipAddr, "master-gossip", cfg.MasterGossipAddr, "Master gossip address for workers to join")
	flag.StringVar(&cfg.StatusDir, "status-dir", cfg.StatusDir, "Status log directory (empty = off on the master, required for a status node)")
	flag.IntVar(&cfg.StatusPort, "status-port", cfg.StatusPort, "Status log port")
	flag.DurationVar(&cfg.StatusPollInterval, "status-poll", cfg.StatusPollInterval, "How often a status node reports the job state")
	flag.DurationVar(&cfg.OperationTimeout, "op-timeout", cfg.OperationTimeout, "Per-operation timeout (0 = none)")
	flag.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "How long to wait for workers once all have failed")
	flag.DurationVar(&cfg.RegisterBackoff, "register-backoff", cfg.RegisterBackoff, "Delay between registration attempts")
	flag.Parse()

	cfg.Mode = config.Mode(*mode)
	cfg.Role = config.Role(*role)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("Starting %s run (type=%s)", cfg.Mode, cfg.Role)
	if err := mapreduce.RunJob(ctx, cfg, wordcount.New()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
