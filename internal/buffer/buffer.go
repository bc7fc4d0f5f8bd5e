// Package buffer is the bounded hand-off between the broker integration
// layer (any number of producers) and the single writer goroutine.
package buffer

import (
	"context"
	"errors"

	"mongosink/internal/record"
)

var ErrFull = errors.New("buffer: full")

type Buffer struct {
	ch chan record.Record
}

// New panics when capacity < 1; config validation rejects that earlier.
func New(capacity int) *Buffer {
	if capacity < 1 {
		panic("buffer: capacity must be >= 1")
	}
	return &Buffer{ch: make(chan record.Record, capacity)}
}

// Offer enqueues without blocking.
func (b *Buffer) Offer(r record.Record) error {
	select {
	case b.ch <- r:
		return nil
	default:
		return ErrFull
	}
}

// Put blocks while the buffer is full.
func (b *Buffer) Put(ctx context.Context, r record.Record) error {
	select {
	case b.ch <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take blocks until a record arrives or stop is closed. A closed stop
// always wins over a ready record.
func (b *Buffer) Take(stop <-chan struct{}) (record.Record, bool) {
	select {
	case <-stop:
		return record.Record{}, false
	default:
	}
	select {
	case r := <-b.ch:
		return r, true
	case <-stop:
		return record.Record{}, false
	}
}

func (b *Buffer) Len() int { return len(b.ch) }
func (b *Buffer) Cap() int { return cap(b.ch) }
