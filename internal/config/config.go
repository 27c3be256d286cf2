package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Mode selects the execution path.
type Mode string

const (
	Sequential  Mode = "sequential"
	Distributed Mode = "distributed"
)

// Role selects what a distributed process does.
type Role string

const (
	RoleMaster Role = "master"
	RoleWorker Role = "worker"
	RoleStatus Role = "status" // follows the master's status log for a display
)

// Config is the parsed job configuration handed to the core by the
// bootstrap layer. The core never parses flags itself.
type Config struct {
	Mode Mode
	Role Role

	// Job
	ReduceJobs int
	InputPath  string
	ChunkSize  int
	WorkDir    string // map/, reduce/ and result/ live under it

	// Network
	Addr       string // address this process listens on
	Port       int
	MasterAddr string // host:port of the master's Register service

	// Induced failure: crash after this many operations (0 = never)
	FailAfter int

	LogLevel string

	// Liveness probing; GossipPort 0 disables it
	GossipPort       int
	MasterGossipAddr string

	// Status log; empty StatusDir disables it on the master. The master
	// replicates it to status nodes only when gossip is on.
	StatusDir          string
	StatusPort         int
	StatusPollInterval time.Duration

	OperationTimeout time.Duration // 0 = wait for the transport
	DrainTimeout     time.Duration
	RegisterBackoff  time.Duration
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Mode:               Distributed,
		Role:               RoleWorker,
		ReduceJobs:         5,
		InputPath:          "files/pg1342.txt",
		ChunkSize:          100 * 1024,
		WorkDir:            ".",
		Addr:               "localhost",
		Port:               5000,
		MasterAddr:         "localhost:5000",
		LogLevel:           "INFO",
		StatusPort:         5100,
		StatusPollInterval: time.Second,
		DrainTimeout:       10 * time.Second,
		RegisterBackoff:    time.Second,
	}
}

// Hostname is the dialable address of this process.
func (c Config) Hostname() string {
	return net.JoinHostPort(c.Addr, strconv.Itoa(c.Port))
}

// Validate checks the fields the selected mode and role rely on.
func (c Config) Validate() error {
	switch c.Mode {
	case Sequential, Distributed:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, c.Mode)
	}

	if c.Mode == Distributed {
		switch c.Role {
		case RoleMaster, RoleWorker, RoleStatus:
		default:
			return fmt.Errorf("%w: unknown node type %q", ErrInvalid, c.Role)
		}
		if c.Port < 0 || c.Port > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
		}
	}

	runsJob := c.Mode == Sequential || c.Role == RoleMaster
	if runsJob {
		if c.ReduceJobs <= 0 {
			return fmt.Errorf("%w: reduce jobs must be positive, got %d", ErrInvalid, c.ReduceJobs)
		}
		if c.ChunkSize <= 0 {
			return fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalid, c.ChunkSize)
		}
		if c.InputPath == "" {
			return fmt.Errorf("%w: input file is required", ErrInvalid)
		}
	}

	if c.Mode == Distributed && c.Role == RoleWorker {
		if c.MasterAddr == "" {
			return fmt.Errorf("%w: master address is required", ErrInvalid)
		}
		if c.FailAfter < 0 {
			return fmt.Errorf("%w: fail countdown must not be negative", ErrInvalid)
		}
		if c.GossipPort != 0 && c.MasterGossipAddr == "" {
			return fmt.Errorf("%w: gossip enabled without master gossip address", ErrInvalid)
		}
	}

	if c.Mode == Distributed && c.Role == RoleStatus {
		if c.StatusDir == "" {
			return fmt.Errorf("%w: status replica needs a status dir", ErrInvalid)
		}
		if c.MasterGossipAddr == "" {
			return fmt.Errorf("%w: status replica needs the master gossip address", ErrInvalid)
		}
	}

	if c.OperationTimeout < 0 || c.DrainTimeout < 0 || c.RegisterBackoff < 0 || c.StatusPollInterval < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalid)
	}
	if c.WorkDir == "" {
		return fmt.Errorf("%w: work dir is required", ErrInvalid)
	}

	return nil
}
