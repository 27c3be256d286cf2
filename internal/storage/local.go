package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"DistMR/internal/types"
)

// StoreLocal partitions the output of map operation idMap by the job's
// shuffle function and writes one shard per bucket. Every bucket gets a
// shard, possibly empty, and a rerun replaces the previous shards.
func (s *Storage) StoreLocal(task *types.Task, idMap int, records []types.KeyValue) error {
	n := task.NumReduceJobs
	buckets := make([][]types.KeyValue, n)
	for _, kv := range records {
		r := task.Job.Shuffle(kv.Key, n)
		if r < 0 || r >= n {
			panic(fmt.Sprintf("shuffle returned bucket %d for key %q, want [0, %d)", r, kv.Key, n))
		}
		buckets[r] = append(buckets[r], kv)
	}

	for r, bucket := range buckets {
		data, err := encodeRecords(bucket)
		if err != nil {
			return fmt.Errorf("failed to encode shard %s: %w", ReduceName(idMap, r), err)
		}
		if err := writeAtomic(s.ShardFilePath(idMap, r), data); err != nil {
			return fmt.Errorf("failed to store shard %s: %w", ReduceName(idMap, r), err)
		}
	}

	s.logger.Debug("Map output stored: map_id=%d records=%d buckets=%d", idMap, len(records), n)
	return nil
}

// MergeMapLocal concatenates, for every bucket, the shards of map
// operations 0..mapCount-1 in map-id order into the merged bucket file.
func (s *Storage) MergeMapLocal(task *types.Task, mapCount int) error {
	for r := 0; r < task.NumReduceJobs; r++ {
		sources := make([]string, mapCount)
		for m := 0; m < mapCount; m++ {
			sources[m] = s.ShardFilePath(m, r)
		}
		if err := s.concat(s.MergedFilePath(r), sources); err != nil {
			return fmt.Errorf("failed to merge bucket %d: %w", r, err)
		}
	}

	s.logger.Info("Map output merged: maps=%d buckets=%d", mapCount, task.NumReduceJobs)
	return nil
}

// LoadLocal reads the merged records of bucket idReduce in file order.
func (s *Storage) LoadLocal(idReduce int) ([]types.KeyValue, error) {
	return readRecords(s.MergedFilePath(idReduce))
}

// StoreResult writes the output of reduce operation idReduce.
func (s *Storage) StoreResult(idReduce int, records []types.KeyValue) error {
	data, err := encodeRecords(records)
	if err != nil {
		return fmt.Errorf("failed to encode result %d: %w", idReduce, err)
	}
	if err := writeAtomic(s.ResultFilePath(idReduce), data); err != nil {
		return fmt.Errorf("failed to store result %d: %w", idReduce, err)
	}
	return nil
}

// MergeReduceLocal concatenates result files 0..reduceCount-1 into the
// final result file.
func (s *Storage) MergeReduceLocal(reduceCount int) error {
	sources := make([]string, reduceCount)
	for r := 0; r < reduceCount; r++ {
		sources[r] = s.ResultFilePath(r)
	}
	if err := s.concat(s.FinalResultPath(), sources); err != nil {
		return fmt.Errorf("failed to merge results: %w", err)
	}

	s.logger.Info("Reduce output merged: buckets=%d file=%s", reduceCount, s.FinalResultPath())
	return nil
}

// LoadFinal reads the final result file.
func (s *Storage) LoadFinal() ([]types.KeyValue, error) {
	return readRecords(s.FinalResultPath())
}

// concat overwrites target with the contents of sources, in order.
func (s *Storage) concat(target string, sources []string) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(target)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, src := range sources {
		f, err := s.openWithRetry(src)
		if err != nil {
			tmp.Close()
			return err
		}
		_, err = io.Copy(w, f)
		f.Close()
		if err != nil {
			tmp.Close()
			return fmt.Errorf("failed to copy %s: %w", src, err)
		}
	}

	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// openWithRetry tolerates a shard that is not visible yet because its
// writer has not finished flushing.
func (s *Storage) openWithRetry(path string) (*os.File, error) {
	var lastErr error
	for i := 0; i < s.maxRetry; i++ {
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
		lastErr = err
		s.logger.Warn("(%d/%d) Failed to open file %s. Retrying in %s...", i+1, s.maxRetry, path, s.backoff)
		if i < s.maxRetry-1 {
			time.Sleep(s.backoff)
		}
	}

	if errors.Is(lastErr, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrShardMissing, path)
	}
	return nil, fmt.Errorf("failed to open %s: %w", path, lastErr)
}

// encodeRecords serializes one JSON record per line.
func encodeRecords(records []types.KeyValue) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func readRecords(path string) ([]types.KeyValue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	records := []types.KeyValue{}
	dec := json.NewDecoder(bufio.NewReader(f))
	for dec.More() {
		var kv types.KeyValue
		if err := dec.Decode(&kv); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
		records = append(records, kv)
	}
	return records, nil
}

// writeAtomic writes data to a temp file next to path and renames it into
// place, so readers never see a partial file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
