package mapreduce

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"DistMR/internal/config"
	"DistMR/internal/logger"
	"DistMR/internal/storage"
	"DistMR/internal/types"
	"DistMR/internal/wordcount"
)

func writeInput(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write input: %v", err)
	}
	return path
}

func sequentialConfig(t *testing.T, input string, reduceJobs, chunkSize int) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Mode = config.Sequential
	cfg.InputPath = writeInput(t, input)
	cfg.ReduceJobs = reduceJobs
	cfg.ChunkSize = chunkSize
	cfg.WorkDir = t.TempDir()
	cfg.LogLevel = "ERROR"
	return cfg
}

func loadCounts(t *testing.T, workDir string) map[string]string {
	t.Helper()
	final, err := storage.New(workDir, storage.WithLogger(logger.Discard())).LoadFinal()
	if err != nil {
		t.Fatalf("LoadFinal failed: %v", err)
	}
	counts := make(map[string]string, len(final))
	for _, kv := range final {
		if _, dup := counts[kv.Key]; dup {
			t.Fatalf("key %q appears in more than one bucket", kv.Key)
		}
		counts[kv.Key] = kv.Value
	}
	return counts
}

func TestEngineStates(t *testing.T) {
	store := storage.New(t.TempDir(), storage.WithLogger(logger.Discard()))
	if err := store.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	e := NewEngine(store, logger.Discard())
	if e.State() != StateInit {
		t.Fatalf("initial state = %s", e.State())
	}

	task := wordcount.NewTask(2)
	input := make(chan []byte, 2)
	input <- []byte("the cat")
	input <- []byte("the hat")
	close(input)
	output := make(chan storage.Bucket, 2)

	if err := e.RunSequential(context.Background(), task, input, output); err != nil {
		t.Fatalf("RunSequential failed: %v", err)
	}
	if e.State() != StateDone {
		t.Fatalf("final state = %s", e.State())
	}
	if task.NumMapFiles != 2 {
		t.Fatalf("NumMapFiles = %d, want 2", task.NumMapFiles)
	}

	counts := map[string]string{}
	buckets := 0
	for b := range output {
		buckets++
		for _, kv := range b.Records {
			counts[kv.Key] = kv.Value
		}
	}
	if buckets != 2 {
		t.Fatalf("got %d buckets, want 2", buckets)
	}
	if counts["the"] != "2" || counts["cat"] != "1" || counts["hat"] != "1" {
		t.Fatalf("counts = %v", counts)
	}
}

func TestEngineStopsOnCancel(t *testing.T) {
	store := storage.New(t.TempDir(), storage.WithLogger(logger.Discard()))
	e := NewEngine(store, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	output := make(chan storage.Bucket)
	err := e.RunSequential(ctx, wordcount.NewTask(1), make(chan []byte), output)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, open := <-output; open {
		t.Fatalf("output should be closed")
	}
}

func TestSequentialWordCount(t *testing.T) {
	cfg := sequentialConfig(t, "a b a", 1, 1024)

	if err := RunJob(context.Background(), cfg, wordcount.New()); err != nil {
		t.Fatalf("RunJob failed: %v", err)
	}
	counts := loadCounts(t, cfg.WorkDir)
	if len(counts) != 2 || counts["a"] != "2" || counts["b"] != "1" {
		t.Fatalf("counts = %v, want {a:2 b:1}", counts)
	}
}

func TestSequentialIndependentOfChunkingAndBuckets(t *testing.T) {
	text := strings.Repeat("It is a truth universally acknowledged, that a single man in possession of a good fortune, must be in want of a wife. ", 20)

	base := sequentialConfig(t, text, 1, 1<<20)
	if err := RunJob(context.Background(), base, wordcount.New()); err != nil {
		t.Fatalf("baseline failed: %v", err)
	}
	want := loadCounts(t, base.WorkDir)
	if want["a"] != "80" {
		t.Fatalf("baseline count for a = %s, want 80", want["a"])
	}

	for _, tc := range []struct{ reduce, chunk int }{{3, 64}, {5, 17}, {7, 1}} {
		cfg := sequentialConfig(t, text, tc.reduce, tc.chunk)
		if err := RunJob(context.Background(), cfg, wordcount.New()); err != nil {
			t.Fatalf("reduce=%d chunk=%d failed: %v", tc.reduce, tc.chunk, err)
		}
		got := loadCounts(t, cfg.WorkDir)
		if len(got) != len(want) {
			t.Fatalf("reduce=%d chunk=%d: %d keys, want %d", tc.reduce, tc.chunk, len(got), len(want))
		}
		for k, v := range want {
			if got[k] != v {
				t.Fatalf("reduce=%d chunk=%d: %s=%s, want %s", tc.reduce, tc.chunk, k, got[k], v)
			}
		}
	}
}

func TestSequentialMissingInput(t *testing.T) {
	cfg := sequentialConfig(t, "", 1, 10)
	cfg.InputPath = filepath.Join(t.TempDir(), "missing.txt")

	if err := RunJob(context.Background(), cfg, wordcount.New()); err == nil {
		t.Fatalf("expected error for unreadable input")
	}
}

func TestSequentialEmptyInput(t *testing.T) {
	cfg := sequentialConfig(t, "", 2, 10)

	if err := RunJob(context.Background(), cfg, wordcount.New()); err != nil {
		t.Fatalf("RunJob failed: %v", err)
	}
	if counts := loadCounts(t, cfg.WorkDir); len(counts) != 0 {
		t.Fatalf("empty input produced %v", counts)
	}
}

func TestRunJobRejectsInvalidConfig(t *testing.T) {
	cfg := sequentialConfig(t, "x", 0, 10)

	err := RunJob(context.Background(), cfg, wordcount.New())
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

// lengthJob sends every key to the bucket of its length, so a test can
// tell which buckets exist.
type lengthJob struct{ *wordcount.WordCount }

func (lengthJob) Shuffle(key string, numReduce int) int { return len(key) % numReduce }

var _ types.Job = lengthJob{}

func TestSequentialUsesJobShuffle(t *testing.T) {
	cfg := sequentialConfig(t, "aa b cc d", 2, 1024)

	if err := RunJob(context.Background(), cfg, lengthJob{wordcount.New()}); err != nil {
		t.Fatalf("RunJob failed: %v", err)
	}

	store := storage.New(cfg.WorkDir, storage.WithLogger(logger.Discard()), storage.WithRetry(1, time.Millisecond))
	even, err := store.LoadLocal(0)
	if err != nil {
		t.Fatalf("LoadLocal failed: %v", err)
	}
	for _, kv := range even {
		if len(kv.Key)%2 != 0 {
			t.Fatalf("key %q in the even bucket", kv.Key)
		}
	}
	if len(even) != 2 {
		t.Fatalf("even bucket = %v", even)
	}
}
