package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/IBM/sarama"

	"mongosink/internal/logging"
)

type SaramaDriver struct {
	cfg   Config
	cl    sarama.Client
	group sarama.ConsumerGroup
	fail  failure
}

func (d *SaramaDriver) Configure(config Config) error {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return err
	}
	d.cfg = config

	sc, err := saramaConfig(config)
	if err != nil {
		return err
	}
	if d.cl, err = sarama.NewClient(config.Brokers, sc); err != nil {
		return err
	}
	d.group, err = sarama.NewConsumerGroupFromClient(config.GroupID, d.cl)
	return err
}

func saramaConfig(config Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if config.Version != "" {
		ver, err := sarama.ParseKafkaVersion(config.Version)
		if err != nil {
			return nil, err
		}
		sc.Version = ver
	}
	sc.Consumer.Return.Errors = true
	// offsets are committed explicitly after a successful flush
	sc.Consumer.Offsets.AutoCommit.Enable = false
	if config.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if config.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = config.SASLUser, config.SASLPass
	}
	switch config.StartFrom {
	case "newest":
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	return sc, nil
}

func (d *SaramaDriver) Run(ctx context.Context, emit EmitFunc, flush FlushFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.fail.bind(cancel)

	go func() {
		for err := range d.group.Errors() {
			logging.L().Warn("sarama-driver: consumer error", "err", err)
		}
	}()

	handler := &groupHandler{driver: d, emit: emit, flush: flush}
	for {
		if err := d.group.Consume(ctx, d.cfg.Topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return d.fail.get()
			}
			return err
		}
		if ctx.Err() != nil {
			return d.fail.get()
		}
	}
}

func (d *SaramaDriver) Close() error {
	var errs []error
	if d.group != nil {
		errs = append(errs, d.group.Close())
	}
	if d.cl != nil && !d.cl.Closed() {
		errs = append(errs, d.cl.Close())
	}
	return errors.Join(errs...)
}

type groupHandler struct {
	driver *SaramaDriver
	emit   EmitFunc
	flush  FlushFunc
}

func (*groupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (*groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *groupHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	cp := h.driver.cfg.Checkpoint
	tr := newTracker(cp.CommitInt, time.Now())
	tick := time.NewTicker(cp.CommitInt)
	defer tick.Stop()

	for {
		select {
		case <-sess.Context().Done():
			return h.commit(sess, tr, true)

		case <-tick.C:
			if err := h.commit(sess, tr, false); err != nil {
				return err
			}

		case msg, ok := <-claim.Messages():
			if !ok {
				return h.commit(sess, tr, true)
			}
			rec := decode(h.driver.cfg.Schemas, rawMessage{
				topic:     msg.Topic,
				partition: msg.Partition,
				offset:    msg.Offset,
				key:       msg.Key,
				value:     msg.Value,
				headers:   toHeaderMap(msg.Headers),
				ts:        msg.Timestamp,
			})
			if err := h.emit(sess.Context(), rec); err != nil {
				if sess.Context().Err() != nil {
					return h.commit(sess, tr, true)
				}
				return err
			}
			tr.Track(rec.TopicPartition(), rec.Offset)
		}
	}
}

// commit flushes what the claim delivered and marks offset+1 per
// partition. final rounds run on a detached context because the session
// context is already cancelled when a claim ends.
func (h *groupHandler) commit(sess sarama.ConsumerGroupSession, tr *tracker, final bool) error {
	ctx := sess.Context()
	if final {
		ctx = context.WithoutCancel(ctx)
	}
	targets, err := flushDue(ctx, h.flush, h.driver.cfg.Checkpoint.FlushTimeout, tr)
	if err != nil {
		logging.L().Error("sarama-driver: writer failed, stopping consumer", "err", err)
		h.driver.fail.set(err)
		return err
	}
	if len(targets) == 0 {
		return nil
	}
	for tp, off := range targets {
		sess.MarkOffset(tp.Topic, tp.Partition, off+1, "")
	}
	sess.Commit()
	return nil
}

func toHeaderMap(src []*sarama.RecordHeader) map[string][]byte {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(src))
	for _, h := range src {
		out[string(h.Key)] = h.Value
	}
	return out
}
