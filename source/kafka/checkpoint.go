package kafka

import (
	"time"

	"mongosink/internal/record"
)

// tracker collects the highest delivered offset per partition between
// commits. Callers serialize access.
type tracker struct {
	every   time.Duration
	last    time.Time
	pending map[record.TopicPartition]int64
}

func newTracker(every time.Duration, now time.Time) *tracker {
	return &tracker{every: every, last: now, pending: map[record.TopicPartition]int64{}}
}

func (t *tracker) Track(tp record.TopicPartition, offset int64) {
	if cur, ok := t.pending[tp]; !ok || offset > cur {
		t.pending[tp] = offset
	}
}

// Due reports whether there is something to commit and the interval has
// elapsed since the last Take.
func (t *tracker) Due(now time.Time) bool {
	return len(t.pending) > 0 && now.Sub(t.last) >= t.every
}

func (t *tracker) Take(now time.Time) map[record.TopicPartition]int64 {
	out := t.pending
	t.pending = map[record.TopicPartition]int64{}
	t.last = now
	return out
}

// Restore puts back targets whose commit did not happen.
func (t *tracker) Restore(targets map[record.TopicPartition]int64) {
	for tp, off := range targets {
		t.Track(tp, off)
	}
}

// Remove drops tp and returns its pending offset, if any.
func (t *tracker) Remove(tp record.TopicPartition) (int64, bool) {
	off, ok := t.pending[tp]
	delete(t.pending, tp)
	return off, ok
}

func (t *tracker) Len() int { return len(t.pending) }
