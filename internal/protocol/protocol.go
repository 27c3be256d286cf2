// Package protocol defines the messages exchanged between master and
// workers. Field names must start with capital letters, otherwise gob
// drops them on the wire.
package protocol

// Service names as registered on the RPC servers.
const (
	RegisterService = "Register"
	RunnerService   = "Runner"
)

// Fully qualified method names.
const (
	RegisterMethod  = RegisterService + ".Register"
	RunMapMethod    = RunnerService + ".RunMap"
	RunReduceMethod = RunnerService + ".RunReduce"
	DoneMethod      = RunnerService + ".Done"
)

// RegisterArgs is sent by a worker when it announces itself.
type RegisterArgs struct {
	WorkerHostname string // host:port of the worker's Runner service
	NodeName       string // gossip node name, empty when liveness probing is off
}

// RegisterReply carries what a worker must know before serving operations.
type RegisterReply struct {
	WorkerID   int
	ReduceJobs int
	JobID      string
}

// RunArgs identifies one operation. FilePath is the map-input chunk for
// RunMap and the merged bucket file for RunReduce.
type RunArgs struct {
	ID       int
	FilePath string
}

// EmptyMessage is used where a call carries no data. gob refuses structs
// without exported fields, hence the placeholder.
type EmptyMessage struct {
	Ack bool
}

// DoneReply reports how many operations the worker served.
type DoneReply struct {
	Operations int
}
