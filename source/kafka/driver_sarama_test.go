package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mongosink/internal/record"
	"mongosink/internal/writer"
)

type fakeSession struct {
	ctx context.Context

	mu      sync.Mutex
	marked  map[record.TopicPartition]int64
	commits int
}

func newFakeSession(ctx context.Context) *fakeSession {
	return &fakeSession{ctx: ctx, marked: map[record.TopicPartition]int64{}}
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string           { return "member" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) MarkOffset(topic string, partition int32, offset int64, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked[record.TopicPartition{Topic: topic, Partition: partition}] = offset
}
func (s *fakeSession) Commit() {
	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
}
func (s *fakeSession) ResetOffset(string, int32, int64, string)     {}
func (s *fakeSession) MarkMessage(*sarama.ConsumerMessage, string) {}
func (s *fakeSession) Context() context.Context                    { return s.ctx }

type fakeClaim struct {
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "orders" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func testDriver() *SaramaDriver {
	return &SaramaDriver{cfg: Config{
		Checkpoint: CheckpointCfg{CommitInt: time.Hour, FlushTimeout: time.Second},
		Schemas:    map[string]TopicSchema{"orders": {Key: "string", Value: "string"}},
	}}
}

func claimOf(msgs ...*sarama.ConsumerMessage) *fakeClaim {
	c := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, len(msgs))}
	for _, m := range msgs {
		c.msgs <- m
	}
	close(c.msgs)
	return c
}

func TestConsumeClaim_FlushesThenCommitsNextOffset(t *testing.T) {
	var (
		emitted []record.Record
		flushed map[record.TopicPartition]int64
	)
	h := &groupHandler{
		driver: testDriver(),
		emit: func(_ context.Context, r record.Record) error {
			emitted = append(emitted, r)
			return nil
		},
		flush: func(_ context.Context, targets map[record.TopicPartition]int64) error {
			flushed = targets
			return nil
		},
	}
	sess := newFakeSession(context.Background())

	err := h.ConsumeClaim(sess, claimOf(
		&sarama.ConsumerMessage{Topic: "orders", Partition: 0, Offset: 10, Key: []byte("a"), Value: []byte("x")},
		&sarama.ConsumerMessage{Topic: "orders", Partition: 0, Offset: 11, Key: []byte("b"), Value: []byte("y")},
	))
	require.NoError(t, err)

	require.Len(t, emitted, 2)
	assert.Equal(t, "a", emitted[0].Key)
	assert.Equal(t, "y", emitted[1].Value)

	tp := record.TopicPartition{Topic: "orders", Partition: 0}
	assert.Equal(t, map[record.TopicPartition]int64{tp: 11}, flushed)
	assert.Equal(t, int64(12), sess.marked[tp])
	assert.Equal(t, 1, sess.commits)
}

func TestConsumeClaim_FaultStopsWithoutCommit(t *testing.T) {
	d := testDriver()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.fail.bind(cancel)

	h := &groupHandler{
		driver: d,
		emit:   func(context.Context, record.Record) error { return nil },
		flush: func(context.Context, map[record.TopicPartition]int64) error {
			return fmt.Errorf("%w: boom", writer.ErrFaulted)
		},
	}
	sess := newFakeSession(ctx)

	err := h.ConsumeClaim(sess, claimOf(
		&sarama.ConsumerMessage{Topic: "orders", Offset: 1, Value: []byte("x")},
	))
	require.ErrorIs(t, err, writer.ErrFaulted)
	assert.ErrorIs(t, d.fail.get(), writer.ErrFaulted)
	assert.Error(t, ctx.Err(), "fatal flush error cancels the run")
	assert.Empty(t, sess.marked)
	assert.Zero(t, sess.commits)
}

func TestConsumeClaim_NothingDeliveredNoCommit(t *testing.T) {
	called := false
	h := &groupHandler{
		driver: testDriver(),
		emit:   func(context.Context, record.Record) error { return nil },
		flush: func(context.Context, map[record.TopicPartition]int64) error {
			called = true
			return nil
		},
	}
	sess := newFakeSession(context.Background())

	require.NoError(t, h.ConsumeClaim(sess, claimOf()))
	assert.False(t, called)
	assert.Zero(t, sess.commits)
}

func TestSaramaConfig(t *testing.T) {
	sc, err := saramaConfig(Config{StartFrom: "newest", Version: "3.6.0", SASLUser: "u", SASLPass: "p", TLSEn: true})
	require.NoError(t, err)
	assert.Equal(t, sarama.OffsetNewest, sc.Consumer.Offsets.Initial)
	assert.False(t, sc.Consumer.Offsets.AutoCommit.Enable)
	assert.True(t, sc.Net.SASL.Enable)
	assert.True(t, sc.Net.TLS.Enable)

	_, err = saramaConfig(Config{Version: "not-a-version"})
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	c := Config{Brokers: []string{"b:9092"}, Topics: []string{"t"}, GroupID: "g"}
	c.ApplyDefaults()
	require.NoError(t, c.Validate())
	assert.Equal(t, "oldest", c.StartFrom)
	assert.Equal(t, 5*time.Second, c.Checkpoint.CommitInt)

	c.StartFrom = "middle"
	assert.Error(t, c.Validate())

	assert.Error(t, Config{Topics: []string{"t"}, GroupID: "g"}.Validate())
}

func TestNewAdapter_Unknown(t *testing.T) {
	_, err := NewAdapter("nope")
	assert.Error(t, err)
}

type closingGroup struct {
	sarama.ConsumerGroup
	err error
}

func (g closingGroup) Close() error { return g.err }

func TestSaramaDriver_CloseReportsErrors(t *testing.T) {
	boom := errors.New("leave group failed")
	d := &SaramaDriver{group: closingGroup{err: boom}}
	assert.ErrorIs(t, d.Close(), boom)

	d = &SaramaDriver{group: closingGroup{}}
	assert.NoError(t, d.Close())
}
