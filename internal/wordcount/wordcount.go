package wordcount

import (
	"hash/fnv"
	"sort"
	"strconv"

	"DistMR/internal/tokenize"
	"DistMR/internal/types"
)

// WordCount counts word occurrences.
type WordCount struct{}

// New creates a WordCount job.
func New() *WordCount {
	return &WordCount{}
}

// Map emits (word, "1") for every normalized token of data.
func (wc *WordCount) Map(data []byte) []types.KeyValue {
	words := tokenize.Fields(string(data))

	results := make([]types.KeyValue, 0, len(words))
	for _, word := range words {
		results = append(results, types.KeyValue{Key: word, Value: "1"})
	}
	return results
}

// Shuffle routes key by its 32-bit FNV-1a hash. numReduce must be positive.
func (wc *WordCount) Shuffle(key string, numReduce int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()&0x7fffffff) % numReduce
}

// Reduce sums the counts of each key. Output is sorted by key.
func (wc *WordCount) Reduce(records []types.KeyValue) []types.KeyValue {
	counts := make(map[string]int)
	for _, kv := range records {
		n, err := strconv.Atoi(kv.Value)
		if err != nil {
			// a value that is not a count is one occurrence
			n = 1
		}
		counts[kv.Key] += n
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	results := make([]types.KeyValue, 0, len(keys))
	for _, k := range keys {
		results = append(results, types.KeyValue{Key: k, Value: strconv.Itoa(counts[k])})
	}
	return results
}

// NewTask binds a WordCount job to numReduce buckets.
func NewTask(numReduce int) *types.Task {
	task := types.NewTask(New())
	task.NumReduceJobs = numReduce
	return task
}
