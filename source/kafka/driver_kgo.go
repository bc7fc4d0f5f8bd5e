package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"mongosink/internal/logging"
	"mongosink/internal/record"
)

// KgoDriver consumes with franz-go. Rebalances are blocked while a polled
// batch is emitted and committed, so the revoke hook only runs between
// polls; mu still guards the tracker the two share.
type KgoDriver struct {
	cfg  Config
	cl   *kgo.Client
	fail failure

	mu    sync.Mutex
	flush FlushFunc
	tr    *tracker
	last  map[record.TopicPartition]*kgo.Record
}

func (d *KgoDriver) Configure(config Config) error {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return err
	}
	d.cfg = config

	opts := append(kgoOptions(config),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsRevoked(d.onRevoked),
		kgo.OnPartitionsLost(d.onLost),
	)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return err
	}
	d.cl = cl
	return nil
}

func kgoOptions(config Config) []kgo.Opt {
	start := kgo.NewOffset().AtStart()
	if config.StartFrom == "newest" {
		start = kgo.NewOffset().AtEnd()
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(config.Brokers...),
		kgo.ConsumerGroup(config.GroupID),
		kgo.ConsumeTopics(config.Topics...),
		kgo.ConsumeResetOffset(start),
		kgo.DisableAutoCommit(),
	}
	if config.TLSEn {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if config.SASLUser != "" {
		opts = append(opts, kgo.SASL(plain.Auth{User: config.SASLUser, Pass: config.SASLPass}.AsMechanism()))
	}
	return opts
}

func (d *KgoDriver) Run(ctx context.Context, emit EmitFunc, flush FlushFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.fail.bind(cancel)

	cp := d.cfg.Checkpoint
	d.mu.Lock()
	d.flush = flush
	d.tr = newTracker(cp.CommitInt, time.Now())
	d.last = map[record.TopicPartition]*kgo.Record{}
	d.mu.Unlock()

	for {
		// poll no longer than one commit interval so idle partitions still commit
		pctx, pcancel := context.WithTimeout(ctx, cp.CommitInt)
		fetches := d.cl.PollFetches(pctx)
		pcancel()

		done, err := d.process(ctx, fetches, emit)
		d.cl.AllowRebalance()
		if done || err != nil {
			return err
		}
	}
}

// process emits one polled batch and commits when due. done reports that
// Run must return.
func (d *KgoDriver) process(ctx context.Context, fetches kgo.Fetches, emit EmitFunc) (bool, error) {
	if fetches.IsClientClosed() {
		return true, d.fail.get()
	}
	if ctx.Err() != nil {
		d.commitAll(context.WithoutCancel(ctx))
		return true, d.fail.get()
	}
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		logging.L().Warn("kgo-driver: fetch error", "topic", topic, "partition", partition, "err", err)
	})

	var emitErr error
	fetches.EachRecord(func(r *kgo.Record) {
		if emitErr != nil {
			return
		}
		rec := decode(d.cfg.Schemas, rawMessage{
			topic:     r.Topic,
			partition: r.Partition,
			offset:    r.Offset,
			key:       r.Key,
			value:     r.Value,
			headers:   kgoHeaders(r.Headers),
			ts:        r.Timestamp,
		})
		if emitErr = emit(ctx, rec); emitErr != nil {
			return
		}
		tp := rec.TopicPartition()
		d.mu.Lock()
		d.tr.Track(tp, rec.Offset)
		d.last[tp] = r
		d.mu.Unlock()
	})
	if emitErr != nil {
		if ctx.Err() != nil {
			d.commitAll(context.WithoutCancel(ctx))
			return true, d.fail.get()
		}
		return true, emitErr
	}

	d.mu.Lock()
	due := d.tr.Due(time.Now())
	d.mu.Unlock()
	if due {
		if err := d.commitAll(ctx); err != nil {
			return true, err
		}
	}
	return false, nil
}

func (d *KgoDriver) commitAll(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commitLocked(ctx, d.tr)
}

// commitLocked flushes what tr holds and commits offset+1 for every
// flushed partition. Must be called with d.mu held.
func (d *KgoDriver) commitLocked(ctx context.Context, tr *tracker) error {
	targets, err := flushDue(ctx, d.flush, d.cfg.Checkpoint.FlushTimeout, tr)
	if err != nil {
		logging.L().Error("kgo-driver: writer failed, stopping consumer", "err", err)
		d.fail.set(err)
		return err
	}
	if len(targets) == 0 {
		return nil
	}
	recs := make([]*kgo.Record, 0, len(targets))
	for tp := range targets {
		if r, ok := d.last[tp]; ok {
			recs = append(recs, r)
			delete(d.last, tp)
		}
	}
	// CommitRecords commits offset+1 for each record
	if err := d.cl.CommitRecords(ctx, recs...); err != nil {
		logging.L().Warn("kgo-driver: commit failed", "err", err)
	}
	return nil
}

// onRevoked flushes and commits the revoked partitions while this member
// still owns them, then forgets them.
func (d *KgoDriver) onRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tr == nil {
		return
	}
	sub := newTracker(0, time.Now())
	for _, tp := range partitionsOf(revoked) {
		if off, ok := d.tr.Remove(tp); ok {
			sub.Track(tp, off)
		}
	}
	if sub.Len() > 0 {
		logging.L().Info("kgo-driver: committing revoked partitions", "partitions", sub.Len())
		// a skipped round is dropped with the partitions
		_ = d.commitLocked(ctx, sub)
	}
	d.forget(revoked)
}

// onLost drops lost partitions without committing; another member may
// already own them.
func (d *KgoDriver) onLost(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tr == nil {
		return
	}
	for _, tp := range partitionsOf(lost) {
		d.tr.Remove(tp)
	}
	d.forget(lost)
	logging.L().Warn("kgo-driver: partitions lost, pending offsets dropped", "topics", len(lost))
}

func partitionsOf(parts map[string][]int32) []record.TopicPartition {
	var out []record.TopicPartition
	for topic, ps := range parts {
		for _, p := range ps {
			out = append(out, record.TopicPartition{Topic: topic, Partition: p})
		}
	}
	return out
}

func (d *KgoDriver) forget(parts map[string][]int32) {
	for _, tp := range partitionsOf(parts) {
		delete(d.last, tp)
	}
}

func (d *KgoDriver) Close() error {
	if d.cl != nil {
		d.cl.Close()
	}
	return nil
}

func kgoHeaders(src []kgo.RecordHeader) map[string][]byte {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(src))
	for _, h := range src {
		out[h.Key] = h.Value
	}
	return out
}
