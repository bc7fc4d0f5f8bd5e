package writer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"mongosink/internal/buffer"
	"mongosink/internal/convert"
	"mongosink/internal/record"
	"mongosink/sink"
)

type stored struct {
	coll string
	doc  record.Document
}

type fakeGateway struct {
	unhealthy bool
	closeErr  error
	// fail decides the outcome of the n-th Store call (1-based).
	fail func(n int) error
	// gate, when set, is received from before each Store returns.
	gate chan struct{}
	// entered is signalled when a Store call starts.
	entered chan struct{}

	mu       sync.Mutex
	calls    int
	stored   []stored
	closed   int
	inflight atomic.Int32
	overlap  atomic.Bool
}

func (f *fakeGateway) CheckConnection(context.Context) bool { return !f.unhealthy }

func (f *fakeGateway) Store(_ context.Context, coll string, doc record.Document) error {
	if f.inflight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inflight.Add(-1)

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		if err := f.fail(f.calls); err != nil {
			return err
		}
	}
	f.stored = append(f.stored, stored{coll, doc})
	return nil
}

func (f *fakeGateway) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return f.closeErr
}

func (f *fakeGateway) snapshot() (calls int, docs []stored, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]stored(nil), f.stored...), f.closed
}

func mykeyConverter() convert.Converter {
	return convert.Func(func(r record.Record) (record.Document, error) {
		return bson.D{{Key: "mykey", Value: fmt.Sprint(r.Value)}}, nil
	}, convert.ValueKey("string"), convert.PairKey("int32", "int"))
}

func newWriter(t *testing.T, gw *fakeGateway, capacity int, convs ...convert.Converter) (*Writer, *buffer.Buffer) {
	t.Helper()
	reg, err := convert.NewRegistry(func() []convert.Converter { return convs })
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	buf := buffer.New(capacity)
	w, err := New(gw, buf, reg, Options{Namer: sink.NewNamer("{$topic}")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = w.Close()
	})
	return w, buf
}

func tp(topic string, p int32) record.TopicPartition {
	return record.TopicPartition{Topic: topic, Partition: p}
}

func strRec(topic string, p int32, off int64, v string) record.Record {
	return record.Record{Topic: topic, Partition: p, Offset: off, ValueSchema: "string", Value: v}
}

func timeoutCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNew_UnreachableStore(t *testing.T) {
	gw := &fakeGateway{unhealthy: true}
	reg, _ := convert.NewRegistry()
	w, err := New(gw, buffer.New(1), reg, Options{})
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("want ErrConnection, got %v", err)
	}
	if w != nil {
		t.Fatal("writer returned on failed probe")
	}
	if _, _, closed := gw.snapshot(); closed != 1 {
		t.Fatalf("gateway closed %d times, want 1", closed)
	}
}

func TestWriter_EndToEnd(t *testing.T) {
	gw := &fakeGateway{}
	w, buf := newWriter(t, gw, 10, mykeyConverter())

	_ = buf.Offer(record.Record{Topic: "mytopic", Partition: 5, Offset: 1000, KeySchema: "int32", Key: int32(1), ValueSchema: "int", Value: int32(2)})
	_ = buf.Offer(strRec("mytopic", 5, 1001, "hi"))

	w.Start()
	if err := w.Flush(timeoutCtx(t), map[record.TopicPartition]int64{tp("mytopic", 5): 1000}); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := w.Flush(timeoutCtx(t), map[record.TopicPartition]int64{tp("mytopic", 5): 1001}); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	_, docs, _ := gw.snapshot()
	want := []stored{
		{"mytopic", bson.D{{Key: "mykey", Value: "2"}}},
		{"mytopic", bson.D{{Key: "mykey", Value: "hi"}}},
	}
	if len(docs) != len(want) {
		t.Fatalf("want %d stores, got %d", len(want), len(docs))
	}
	for i := range want {
		if docs[i].coll != want[i].coll || fmt.Sprint(docs[i].doc) != fmt.Sprint(want[i].doc) {
			t.Fatalf("store %d: want %v, got %v", i, want[i], docs[i])
		}
	}
	if w.Processed() != 2 {
		t.Fatalf("processed = %d", w.Processed())
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	w.Wait()
	if _, _, closed := gw.snapshot(); closed != 1 {
		t.Fatalf("gateway closed %d times, want 1", closed)
	}
	if w.State() != StateStopped {
		t.Fatalf("state = %s", w.State())
	}
}

func TestWriter_WatermarkIsMaxPerPartition(t *testing.T) {
	gw := &fakeGateway{}
	w, buf := newWriter(t, gw, 100, mykeyConverter())

	want := map[record.TopicPartition]int64{}
	offsets := []int64{5, 3, 9, 1, 7, 2}
	for i, off := range offsets {
		for _, p := range []record.TopicPartition{tp("a", 0), tp("a", 1), tp("b", 0)} {
			o := off + int64(i)*int64(p.Partition)
			_ = buf.Offer(strRec(p.Topic, p.Partition, o, "v"))
			if o > want[p] {
				want[p] = o
			}
		}
	}

	w.Start()
	if err := w.Flush(timeoutCtx(t), want); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	for p, off := range want {
		got, ok := w.Watermark(p)
		if !ok || got != off {
			t.Fatalf("%s: watermark %d (ok=%v), want %d", p, got, ok, off)
		}
	}
	if gw.overlap.Load() {
		t.Fatal("concurrent Store calls observed")
	}
}

func TestFlush_SatisfiedReturnsWithoutWaiting(t *testing.T) {
	gw := &fakeGateway{}
	w, buf := newWriter(t, gw, 10, mykeyConverter())
	_ = buf.Offer(strRec("t", 0, 10, "x"))
	w.Start()
	if err := w.Flush(timeoutCtx(t), map[record.TopicPartition]int64{tp("t", 0): 10}); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// a cancelled context only matters when the call would have to wait
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Flush(ctx, map[record.TopicPartition]int64{tp("t", 0): 4}); err != nil {
		t.Fatalf("satisfied flush: %v", err)
	}
	if err := w.Flush(ctx, nil); err != nil {
		t.Fatalf("empty flush: %v", err)
	}
}

func TestFlush_BlocksUntilWatermarkAdvances(t *testing.T) {
	gw := &fakeGateway{gate: make(chan struct{})}
	w, buf := newWriter(t, gw, 10, mykeyConverter())
	_ = buf.Offer(strRec("t", 0, 1, "x"))
	w.Start()

	res := make(chan error, 1)
	go func() {
		res <- w.Flush(timeoutCtx(t), map[record.TopicPartition]int64{tp("t", 0): 1})
	}()

	select {
	case err := <-res:
		t.Fatalf("flush returned before the record was stored: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gw.gate)
	select {
	case err := <-res:
		if err != nil {
			t.Fatalf("Flush: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("flush did not wake up")
	}
}

func TestFlush_ConcurrentCallers(t *testing.T) {
	gw := &fakeGateway{}
	w, buf := newWriter(t, gw, 100, mykeyConverter())

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for p := int32(0); p < 4; p++ {
		wg.Add(1)
		go func(p int32) {
			defer wg.Done()
			errs <- w.Flush(timeoutCtx(t), map[record.TopicPartition]int64{tp("t", p): 9})
		}(p)
	}

	w.Start()
	for off := int64(0); off < 10; off++ {
		for p := int32(0); p < 4; p++ {
			if err := buf.Put(timeoutCtx(t), strRec("t", p, off, "x")); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}
}

func TestStore_ExhaustsRetriesThenFaults(t *testing.T) {
	boom := errors.New("connection refused")
	gw := &fakeGateway{fail: func(int) error { return boom }}
	w, buf := newWriter(t, gw, 10, mykeyConverter())
	_ = buf.Offer(strRec("t", 0, 1, "x"))
	w.Start()

	err := w.Flush(timeoutCtx(t), map[record.TopicPartition]int64{tp("t", 0): 1})
	if !errors.Is(err, ErrFaulted) || !errors.Is(err, boom) {
		t.Fatalf("want ErrFaulted wrapping the store error, got %v", err)
	}
	if calls, _, _ := gw.snapshot(); calls != MaxAttempts {
		t.Fatalf("store attempted %d times, want %d", calls, MaxAttempts)
	}
	if _, ok := w.Watermark(tp("t", 0)); ok {
		t.Fatal("failed record advanced the watermark")
	}
	if w.Fault() == nil {
		t.Fatal("pending fault not set")
	}
}

func TestStore_RetryRecovers(t *testing.T) {
	gw := &fakeGateway{fail: func(n int) error {
		if n < MaxAttempts {
			return errors.New("transient")
		}
		return nil
	}}
	w, buf := newWriter(t, gw, 10, mykeyConverter())
	_ = buf.Offer(strRec("t", 0, 1, "x"))
	w.Start()

	if err := w.Flush(timeoutCtx(t), map[record.TopicPartition]int64{tp("t", 0): 1}); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if w.Fault() != nil {
		t.Fatalf("unexpected fault %v", w.Fault())
	}
}

func TestStore_PermanentErrorIsNotRetried(t *testing.T) {
	gw := &fakeGateway{fail: func(int) error { return sink.Permanent(errors.New("document failed validation")) }}
	w, buf := newWriter(t, gw, 10, mykeyConverter())
	_ = buf.Offer(strRec("t", 0, 1, "x"))
	w.Start()

	err := w.Flush(timeoutCtx(t), map[record.TopicPartition]int64{tp("t", 0): 1})
	if !errors.Is(err, ErrFaulted) || !errors.Is(err, sink.ErrPermanent) {
		t.Fatalf("want permanent fault, got %v", err)
	}
	if calls, _, _ := gw.snapshot(); calls != 1 {
		t.Fatalf("store attempted %d times, want 1", calls)
	}
}

func TestUnsupportedSchema_DroppedAndFaulted(t *testing.T) {
	gw := &fakeGateway{}
	w, buf := newWriter(t, gw, 10, mykeyConverter())
	_ = buf.Offer(record.Record{Topic: "t", Partition: 0, Offset: 1, ValueSchema: "avro.Unknown", Value: []byte{1}})
	_ = buf.Offer(strRec("t", 0, 2, "ok"))
	w.Start()

	waitFor(t, func() bool {
		_, ok := w.Watermark(tp("t", 0))
		return ok
	})

	if err := w.Fault(); !errors.Is(err, convert.ErrUnsupportedSchema) {
		t.Fatalf("want unsupported schema fault, got %v", err)
	}
	// the loop kept going: the second record was stored
	if off, ok := w.Watermark(tp("t", 0)); !ok || off != 2 {
		t.Fatalf("watermark = %d (ok=%v)", off, ok)
	}
	err := w.Flush(timeoutCtx(t), map[record.TopicPartition]int64{tp("t", 0): 2})
	if !errors.Is(err, ErrFaulted) {
		t.Fatalf("want ErrFaulted, got %v", err)
	}
}

func TestConverterError_Faulted(t *testing.T) {
	bad := convert.Func(func(record.Record) (record.Document, error) {
		return nil, errors.New("bad value")
	}, convert.ValueKey("string"))
	gw := &fakeGateway{}
	w, buf := newWriter(t, gw, 10, bad)
	_ = buf.Offer(strRec("t", 0, 1, "x"))
	w.Start()

	err := w.Flush(timeoutCtx(t), map[record.TopicPartition]int64{tp("t", 0): 1})
	if !errors.Is(err, ErrFaulted) {
		t.Fatalf("want ErrFaulted, got %v", err)
	}
	if calls, _, _ := gw.snapshot(); calls != 0 {
		t.Fatalf("unconvertible record reached the store %d times", calls)
	}
}

func TestConverterPanic_Faulted(t *testing.T) {
	bad := convert.Func(func(record.Record) (record.Document, error) {
		panic("nil map")
	}, convert.ValueKey("string"))
	w, buf := newWriter(t, &fakeGateway{}, 10, bad)
	_ = buf.Offer(strRec("t", 0, 1, "x"))
	w.Start()

	err := w.Flush(timeoutCtx(t), map[record.TopicPartition]int64{tp("t", 0): 1})
	if !errors.Is(err, ErrFaulted) {
		t.Fatalf("want ErrFaulted, got %v", err)
	}
}

func TestFault_FirstOneWins(t *testing.T) {
	w, buf := newWriter(t, &fakeGateway{}, 10, mykeyConverter())
	_ = buf.Offer(record.Record{Topic: "t", Offset: 1, ValueSchema: "first"})
	_ = buf.Offer(record.Record{Topic: "t", Offset: 2, ValueSchema: "second"})
	_ = buf.Offer(strRec("t", 0, 3, "ok"))
	w.Start()

	waitFor(t, func() bool { return w.Processed() == 1 })
	if err := w.Fault(); err == nil || !strings.Contains(err.Error(), `"first"`) {
		t.Fatalf("want first fault to stick, got %v", err)
	}
}

func TestFlush_Interrupted(t *testing.T) {
	w, _ := newWriter(t, &fakeGateway{}, 10, mykeyConverter())
	w.Start()

	ctx, cancel := context.WithCancel(context.Background())
	res := make(chan error, 1)
	go func() {
		res <- w.Flush(ctx, map[record.TopicPartition]int64{tp("t", 0): 1})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-res:
		if !errors.Is(err, ErrInterrupted) || !errors.Is(err, context.Canceled) {
			t.Fatalf("want ErrInterrupted, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("flush ignored cancellation")
	}
}

func TestClose_WithoutFlushLeavesBufferedRecords(t *testing.T) {
	gw := &fakeGateway{gate: make(chan struct{}), entered: make(chan struct{}, 3)}
	w, buf := newWriter(t, gw, 10, mykeyConverter())
	for off := int64(1); off <= 3; off++ {
		_ = buf.Offer(strRec("t", 0, off, "x"))
	}
	w.Start()
	<-gw.entered

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s := w.State(); s != StateStopping {
		t.Fatalf("state = %s, want stopping", s)
	}
	close(gw.gate)
	w.Wait()

	calls, _, closed := gw.snapshot()
	if calls != 1 {
		t.Fatalf("stored %d records after close, want only the one in hand", calls)
	}
	if buf.Len() != 2 {
		t.Fatalf("buffer len = %d, want 2", buf.Len())
	}
	if closed != 1 {
		t.Fatalf("gateway closed %d times", closed)
	}

	err := w.Flush(timeoutCtx(t), map[record.TopicPartition]int64{tp("t", 0): 3})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
	if err := w.Flush(timeoutCtx(t), map[record.TopicPartition]int64{tp("t", 0): 1}); err != nil {
		t.Fatalf("flush of a stored offset after close: %v", err)
	}
}

func TestClose_BeforeStart(t *testing.T) {
	gw := &fakeGateway{closeErr: errors.New("already gone")}
	w, _ := newWriter(t, gw, 1, mykeyConverter())

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = w.Close()
	w.Wait()
	w.Start()

	if _, _, closed := gw.snapshot(); closed != 1 {
		t.Fatalf("gateway closed %d times", closed)
	}
	if w.State() != StateStopped {
		t.Fatalf("state = %s", w.State())
	}
}

func TestFlush_WokenByStop(t *testing.T) {
	w, _ := newWriter(t, &fakeGateway{}, 1, mykeyConverter())
	w.Start()

	res := make(chan error, 1)
	go func() {
		res <- w.Flush(context.Background(), map[record.TopicPartition]int64{tp("t", 0): 1})
	}()
	time.Sleep(20 * time.Millisecond)
	_ = w.Close()

	select {
	case err := <-res:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("want ErrClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("flush not woken by stop")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateCreated: "created", StateRunning: "running", StateStopping: "stopping", StateStopped: "stopped",
	} {
		if s.String() != want {
			t.Fatalf("%d: %s", s, s.String())
		}
	}
}
