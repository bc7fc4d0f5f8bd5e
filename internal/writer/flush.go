package writer

import (
	"context"
	"fmt"
	"time"

	"mongosink/internal/record"
)

// Flush blocks until, for every target partition, the persisted watermark
// is at least the requested offset.
//
// A pending fault fails the call at once, and also ends a wait in
// progress. Cancelling ctx ends the wait with ErrInterrupted. Once the
// writer has stopped, unmet targets fail with ErrClosed since nothing can
// advance them any more.
func (w *Writer) Flush(ctx context.Context, targets map[record.TopicPartition]int64) error {
	start := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fault != nil {
		w.log.Error("writer is in failed state, refusing flush", "err", w.fault)
		return fmt.Errorf("%w: %w", ErrFaulted, w.fault)
	}

	waiting := make([]record.TopicPartition, 0, len(targets))
	for tp := range targets {
		waiting = append(waiting, tp)
	}

	var stopWake func() bool
	defer func() {
		if stopWake != nil {
			stopWake()
			w.metrics.RecordFlushWait(time.Since(start))
		}
	}()

	for {
		waiting = w.unmetLocked(waiting, targets)
		if len(waiting) == 0 {
			return nil
		}
		if w.fault != nil {
			return fmt.Errorf("%w: %w", ErrFaulted, w.fault)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrInterrupted, err)
		}
		if State(w.state.Load()) == StateStopped {
			return fmt.Errorf("%w: %d partition(s) below requested offset", ErrClosed, len(waiting))
		}
		if stopWake == nil {
			// the broadcast takes mu, so it cannot slip in between the ctx
			// check above and Wait below
			stopWake = context.AfterFunc(ctx, func() {
				w.mu.Lock()
				w.cond.Broadcast()
				w.mu.Unlock()
			})
		}
		w.cond.Wait()
	}
}

// unmetLocked filters waiting down to partitions still below target.
// Must be called with w.mu held.
func (w *Writer) unmetLocked(waiting []record.TopicPartition, targets map[record.TopicPartition]int64) []record.TopicPartition {
	out := waiting[:0]
	for _, tp := range waiting {
		if off, ok := w.offsets[tp]; ok && off >= targets[tp] {
			continue
		}
		out = append(out, tp)
	}
	return out
}
