package types

import "fmt"

// KeyValue is the record flowing through map, shuffle and reduce.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Job is the capability every MapReduce job supplies. All three methods
// must be pure: Shuffle in particular may depend only on its arguments so
// that the master and every worker route a key to the same bucket.
type Job interface {
	// Map turns one input chunk into intermediate records.
	Map(data []byte) []KeyValue

	// Shuffle returns the reduce bucket for key, in [0, numReduce).
	Shuffle(key string, numReduce int) int

	// Reduce folds the records of one bucket into its output records.
	Reduce(records []KeyValue) []KeyValue
}

// Task binds a Job to the parameters of one run. Every process builds its
// own Task from the same job definition.
type Task struct {
	Job           Job
	NumMapFiles   int
	NumReduceJobs int
}

// NewTask creates a Task with a single map file and a single reduce job.
func NewTask(job Job) *Task {
	return &Task{
		Job:           job,
		NumMapFiles:   1,
		NumReduceJobs: 1,
	}
}

// OperationKind tells a map operation from a reduce operation.
type OperationKind string

const (
	MapOperation    OperationKind = "map"
	ReduceOperation OperationKind = "reduce"
)

// Operation is a schedulable unit of work. A failed operation is requeued
// with the same ID and FilePath.
type Operation struct {
	Kind     OperationKind
	ID       int
	FilePath string
}

func (o Operation) String() string {
	return fmt.Sprintf("%s#%d(%s)", o.Kind, o.ID, o.FilePath)
}
