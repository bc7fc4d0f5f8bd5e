package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mongosink/internal/logging"
	"mongosink/internal/record"
	"mongosink/internal/writer"
)

// flushDue takes the tracked offsets and flushes them. It returns the
// offsets that are now safe to commit, or nil when the round was skipped
// because the flush timed out, ctx ended or the writer is closed; skipped offsets go back into
// the tracker. Any other flush error means the writer is broken.
func flushDue(ctx context.Context, flush FlushFunc, timeout time.Duration, tr *tracker) (map[record.TopicPartition]int64, error) {
	targets := tr.Take(time.Now())
	if len(targets) == 0 {
		return nil, nil
	}

	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := flush(fctx, targets)
	switch {
	case err == nil:
		return targets, nil
	case ctx.Err() != nil:
		tr.Restore(targets)
		return nil, nil
	case errors.Is(err, writer.ErrClosed):
		logging.L().Warn("kafka: writer closed, skipping commit", "partitions", len(targets))
		tr.Restore(targets)
		return nil, nil
	case errors.Is(err, writer.ErrInterrupted):
		logging.L().Warn("kafka: flush timed out, skipping commit", "partitions", len(targets), "timeout", timeout)
		tr.Restore(targets)
		return nil, nil
	default:
		return nil, fmt.Errorf("kafka: flush before commit: %w", err)
	}
}

// failure keeps the first fatal error of a driver and stops its Run.
type failure struct {
	mu     sync.Mutex
	err    error
	cancel context.CancelFunc
}

func (f *failure) bind(cancel context.CancelFunc) {
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()
}

func (f *failure) set(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = err
	}
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *failure) get() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}
