// Package record holds the values that flow from the broker integration
// layer through the buffer into the writer.
package record

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Document is the store-native representation a converter produces.
type Document = bson.D

// TopicPartition identifies one Kafka partition.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s[%d]", tp.Topic, tp.Partition)
}

// Record is one inbound unit. KeySchema is empty when the key carries no
// schema; ValueSchema is always set by the source.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64

	KeySchema string
	Key       any

	ValueSchema string
	Value       any

	Timestamp time.Time
}

func (r Record) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}

// ID is a stable identity derived from the record position.
func (r Record) ID() string {
	return fmt.Sprintf("%s-%d-%d", r.Topic, r.Partition, r.Offset)
}

func (r Record) String() string {
	return fmt.Sprintf("%s[%d]@%d", r.Topic, r.Partition, r.Offset)
}
