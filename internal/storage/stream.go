package storage

import (
	"context"
	"fmt"
	"os"

	"DistMR/internal/types"
)

// Bucket is the reduce output of one bucket travelling to FanOutData.
type Bucket struct {
	ID      int
	Records []types.KeyValue
}

// FanInFilePaths streams the paths of map-input chunks 0..n-1. The channel
// is bounded: the producer blocks while it is full and closes it when done
// or when ctx is cancelled.
func (s *Storage) FanInFilePaths(ctx context.Context, n int) <-chan string {
	return s.fanPaths(ctx, n, s.MapFilePath)
}

// FanReduceFilePaths streams the merged bucket paths 0..n-1.
func (s *Storage) FanReduceFilePaths(ctx context.Context, n int) <-chan string {
	return s.fanPaths(ctx, n, s.MergedFilePath)
}

func (s *Storage) fanPaths(ctx context.Context, n int, name func(int) string) <-chan string {
	out := make(chan string, s.streamBuffer)

	go func() {
		defer close(out)
		for i := 0; i < n; i++ {
			select {
			case out <- name(i):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// FanInData streams the contents of map-input chunks 0..n-1 in order. A
// read failure stops the stream and is delivered on the error channel,
// which is closed after the data channel.
func (s *Storage) FanInData(ctx context.Context, n int) (<-chan []byte, <-chan error) {
	out := make(chan []byte, s.streamBuffer)
	errc := make(chan error, 1)

	go func() {
		defer close(errc)
		defer close(out)
		for i := 0; i < n; i++ {
			data, err := os.ReadFile(s.MapFilePath(i))
			if err != nil {
				errc <- fmt.Errorf("failed to read chunk %d: %w", i, err)
				return
			}
			select {
			case out <- data:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()

	return out, errc
}

// FanOutData consumes reduce outputs and stores each as a result file.
// The returned channel yields the first storage error, or nothing, and is
// closed once the input channel has been closed and drained.
func (s *Storage) FanOutData(ctx context.Context) (chan<- Bucket, <-chan error) {
	in := make(chan Bucket, s.streamBuffer)
	done := make(chan error, 1)

	go func() {
		defer close(done)
		var firstErr error
		for {
			select {
			case b, ok := <-in:
				if !ok {
					if firstErr != nil {
						done <- firstErr
					}
					return
				}
				if firstErr != nil {
					continue
				}
				if err := s.StoreResult(b.ID, b.Records); err != nil {
					firstErr = err
				}
			case <-ctx.Done():
				done <- ctx.Err()
				return
			}
		}
	}()

	return in, done
}
