package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"DistMR/internal/logger"
)

const (
	MapPath    = "map"
	ReducePath = "reduce"
	ResultPath = "result"

	FinalResultName = "result-final.txt"

	OpenFileMaxRetry = 3
	OpenFileBackoff  = time.Second

	// DefaultStreamBuffer is the capacity of fan-in/fan-out streams.
	DefaultStreamBuffer = 1
)

// ErrShardMissing is returned when a file to merge is still absent after
// every retry.
var ErrShardMissing = errors.New("shard missing after retries")

// Storage owns the on-disk layout of one job below a root directory.
// Every path is written by exactly one operation at a time, so no file
// locking is done here.
type Storage struct {
	root         string
	maxRetry     int
	backoff      time.Duration
	streamBuffer int
	logger       *logger.Logger
}

// Option tweaks a Storage.
type Option func(*Storage)

// WithRetry overrides the open retry policy used by the merges.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(s *Storage) {
		if attempts > 0 {
			s.maxRetry = attempts
		}
		s.backoff = backoff
	}
}

// WithStreamBuffer sets the capacity of fan-in/fan-out streams.
func WithStreamBuffer(n int) Option {
	return func(s *Storage) {
		if n > 0 {
			s.streamBuffer = n
		}
	}
}

// WithLogger replaces the default logger.
func WithLogger(lg *logger.Logger) Option {
	return func(s *Storage) {
		s.logger = lg
	}
}

// New creates a Storage rooted at root.
func New(root string, opts ...Option) *Storage {
	s := &Storage{
		root:         root,
		maxRetry:     OpenFileMaxRetry,
		backoff:      OpenFileBackoff,
		streamBuffer: DefaultStreamBuffer,
		logger:       logger.New("storage", "INFO"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the job working directory.
func (s *Storage) Root() string {
	return s.root
}

// MapName is the name of the i-th map input chunk.
func MapName(i int) string {
	return "map-" + strconv.Itoa(i)
}

// ReduceName is the shard written by map operation idMap for bucket idReduce.
func ReduceName(idMap, idReduce int) string {
	return fmt.Sprintf("reduce-%d-%d", idMap, idReduce)
}

// MergeReduceName is the merged input of bucket idReduce.
func MergeReduceName(idReduce int) string {
	return "reduce-" + strconv.Itoa(idReduce)
}

// ResultName is the output of reduce operation idReduce.
func ResultName(idReduce int) string {
	return "result-" + strconv.Itoa(idReduce)
}

func (s *Storage) MapFilePath(i int) string {
	return filepath.Join(s.root, MapPath, MapName(i))
}

func (s *Storage) ShardFilePath(idMap, idReduce int) string {
	return filepath.Join(s.root, ReducePath, ReduceName(idMap, idReduce))
}

func (s *Storage) MergedFilePath(idReduce int) string {
	return filepath.Join(s.root, ReducePath, MergeReduceName(idReduce))
}

func (s *Storage) ResultFilePath(idReduce int) string {
	return filepath.Join(s.root, ResultPath, ResultName(idReduce))
}

func (s *Storage) FinalResultPath() string {
	return filepath.Join(s.root, ResultPath, FinalResultName)
}

// ClearDirectory removes everything inside dir. A missing directory is not
// an error.
func ClearDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Reset empties map/, reduce/ and result/ and makes sure they exist.
func (s *Storage) Reset() error {
	for _, dir := range []string{MapPath, ReducePath, ResultPath} {
		path := filepath.Join(s.root, dir)
		if err := ClearDirectory(path); err != nil {
			return err
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// EnsureDirs creates the layout without clearing it. Workers call this
// since the master owns the reset.
func (s *Storage) EnsureDirs() error {
	for _, dir := range []string{MapPath, ReducePath, ResultPath} {
		if err := os.MkdirAll(filepath.Join(s.root, dir), 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
