package kafka

import (
	"context"

	"mongosink/internal/record"
)

// EmitFunc hands one decoded record to the buffer; it may block.
type EmitFunc func(context.Context, record.Record) error

// FlushFunc blocks until every target offset is persisted.
type FlushFunc func(context.Context, map[record.TopicPartition]int64) error

// Adapter is a Kafka consumer driver. Run emits records and, before it
// commits an offset back to Kafka, flushes up to that offset.
type Adapter interface {
	Configure(Config) error
	Run(ctx context.Context, emit EmitFunc, flush FlushFunc) error
	Close() error
}
