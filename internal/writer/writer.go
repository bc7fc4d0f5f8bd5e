// Package writer drains the record buffer into a storage gateway on a
// single goroutine and tracks, per partition, the highest offset that
// has been persisted so callers can wait for it with Flush.
//
// Records that cannot be converted, or that still fail after MaxAttempts
// store attempts, are dropped so the pipeline keeps moving. The first
// such failure is kept as the pending fault: every later Flush fails with
// it, which is how the broker integration layer learns it must not commit.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"mongosink/internal/buffer"
	"mongosink/internal/convert"
	"mongosink/internal/logging"
	"mongosink/internal/record"
	"mongosink/internal/telemetry"
	"mongosink/sink"
)

// MaxAttempts is the number of store calls made for one record.
const MaxAttempts = 3

var (
	ErrConnection  = errors.New("writer: cannot connect to store")
	ErrFaulted     = errors.New("writer: in failed state")
	ErrClosed      = errors.New("writer: closed")
	ErrInterrupted = errors.New("writer: flush interrupted")
)

type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Options struct {
	Namer sink.Namer
	// StoreTimeout bounds each store call; 0 leaves it to the gateway.
	StoreTimeout time.Duration
	// ProbeTimeout bounds the construction-time health probe.
	ProbeTimeout time.Duration
	Metrics      *telemetry.Metrics
	Logger       *slog.Logger
}

type Writer struct {
	gw           sink.Gateway
	buf          *buffer.Buffer
	reg          *convert.Registry
	namer        sink.Namer
	storeTimeout time.Duration
	metrics      *telemetry.Metrics
	log          *slog.Logger

	processed atomic.Int64
	state     atomic.Int32

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}

	// mu guards offsets and fault; cond is signalled on every change to
	// either and when the writer stops.
	mu      sync.Mutex
	cond    *sync.Cond
	offsets map[record.TopicPartition]int64
	fault   error
}

// New probes the gateway once and fails with ErrConnection if it is not
// reachable; the gateway is closed in that case. The writer does not run
// until Start.
func New(gw sink.Gateway, buf *buffer.Buffer, reg *convert.Registry, opts Options) (*Writer, error) {
	lg := opts.Logger
	if lg == nil {
		lg = logging.Component("writer")
	}
	probe := opts.ProbeTimeout
	if probe <= 0 {
		probe = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), probe)
	defer cancel()
	if !gw.CheckConnection(ctx) {
		if err := gw.Close(ctx); err != nil {
			lg.Warn("closing unreachable store failed", "err", err)
		}
		return nil, ErrConnection
	}

	w := &Writer{
		gw:           gw,
		buf:          buf,
		reg:          reg,
		namer:        opts.Namer,
		storeTimeout: opts.StoreTimeout,
		metrics:      opts.Metrics,
		log:          lg,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		offsets:      map[record.TopicPartition]int64{},
	}
	w.cond = sync.NewCond(&w.mu)
	return w, nil
}

// Start launches the writer goroutine. It has no effect after Close.
func (w *Writer) Start() {
	w.startOnce.Do(func() {
		if !w.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
			return
		}
		go w.run()
	})
}

// Close asks the writer to stop after the record in hand. It neither
// waits for the goroutine (see Wait) nor flushes the buffer, and always
// returns nil; gateway close errors are only logged.
func (w *Writer) Close() error {
	w.stopOnce.Do(func() {
		w.log.Info("writer is shutting down")
		close(w.stop)
		if w.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
			w.closeGateway()
			w.markStopped()
			close(w.done)
			return
		}
		w.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
	})
	return nil
}

// Wait blocks until the writer goroutine has exited and the gateway is
// closed.
func (w *Writer) Wait() { <-w.done }

func (w *Writer) State() State { return State(w.state.Load()) }

// Processed reports how many records have been stored.
func (w *Writer) Processed() int64 { return w.processed.Load() }

// Fault returns the pending fault, if any.
func (w *Writer) Fault() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fault
}

// Watermark returns the highest persisted offset for tp.
func (w *Writer) Watermark(tp record.TopicPartition) (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	off, ok := w.offsets[tp]
	return off, ok
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		rec, ok := w.buf.Take(w.stop)
		if !ok {
			break
		}
		w.handle(rec)
	}
	w.closeGateway()
	w.markStopped()
	w.log.Info("writer done", "processed", w.processed.Load())
}

func (w *Writer) handle(rec record.Record) {
	doc, reason, err := w.convert(rec)
	if err != nil {
		w.log.Error("unsupported data in record, skipping",
			"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "err", err)
		w.metrics.RecordFailure(reason)
		w.settle(rec, err)
		return
	}
	w.settle(rec, w.store(rec, doc))
}

func (w *Writer) convert(rec record.Record) (doc record.Document, reason string, err error) {
	c, err := w.reg.Resolve(rec)
	if err != nil {
		return nil, telemetry.ReasonUnsupported, fmt.Errorf("writer: record %s: %w", rec, err)
	}
	defer func() {
		if p := recover(); p != nil {
			doc, reason, err = nil, telemetry.ReasonConversion, fmt.Errorf("writer: record %s: converter panic: %v", rec, p)
		}
	}()
	doc, err = c.Convert(rec)
	if err != nil {
		return nil, telemetry.ReasonConversion, fmt.Errorf("writer: record %s cannot be converted: %w", rec, err)
	}
	return doc, "", nil
}

// store makes up to MaxAttempts calls, back to back. A permanent error
// ends the attempts early.
func (w *Writer) store(rec record.Record, doc record.Document) error {
	coll := w.namer.Collection(rec.Topic)

	var err error
	attempt := 1
	for ; attempt <= MaxAttempts; attempt++ {
		if attempt > 1 {
			w.metrics.RecordRetry()
		}
		start := time.Now()
		if err = w.storeOnce(coll, doc); err == nil {
			w.processed.Add(1)
			w.metrics.RecordStored(time.Since(start))
			return nil
		}
		if errors.Is(err, sink.ErrPermanent) {
			break
		}
		if attempt < MaxAttempts {
			w.log.Warn("store failed, retrying",
				"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "attempt", attempt, "err", err)
		}
	}
	w.log.Error("store failed, skipping record",
		"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset,
		"attempts", min(attempt, MaxAttempts), "collection", coll, "err", err)
	w.metrics.RecordFailure(telemetry.ReasonStore)
	return fmt.Errorf("writer: store %s: %w", rec, err)
}

func (w *Writer) storeOnce(coll string, doc record.Document) error {
	ctx := context.Background()
	if w.storeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.storeTimeout)
		defer cancel()
	}
	return w.gw.Store(ctx, coll, doc)
}

// settle publishes the outcome of one record: a stored record advances
// its partition watermark, a failed one becomes the pending fault unless
// one is already set.
func (w *Writer) settle(rec record.Record, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		tp := rec.TopicPartition()
		if cur, ok := w.offsets[tp]; !ok || rec.Offset > cur {
			w.offsets[tp] = rec.Offset
		}
	} else if w.fault == nil {
		w.fault = err
		w.metrics.RecordFault()
	}
	w.cond.Broadcast()
}

func (w *Writer) closeGateway() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.gw.Close(ctx); err != nil {
		w.log.Warn("closing store failed", "err", err)
	}
}

func (w *Writer) markStopped() {
	w.mu.Lock()
	w.state.Store(int32(StateStopped))
	w.cond.Broadcast()
	w.mu.Unlock()
}
