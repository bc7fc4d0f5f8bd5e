package kafka

import (
	"time"

	"mongosink/internal/codec"
	"mongosink/internal/convert"
	"mongosink/internal/logging"
	"mongosink/internal/record"
)

// Header names a producer may set to declare schemas per record.
const (
	HeaderKeySchema   = "key.schema"
	HeaderValueSchema = "value.schema"
)

type rawMessage struct {
	topic     string
	partition int32
	offset    int64
	key       []byte
	value     []byte
	headers   map[string][]byte
	ts        time.Time
}

// decode resolves schemas (record header first, then the topic table,
// then bytes) and decodes key and value. Undecodable payloads are passed
// on as raw bytes so the writer records the failure.
func decode(schemas map[string]TopicSchema, m rawMessage) record.Record {
	ts := schemas[m.topic]

	valueSchema := string(m.headers[HeaderValueSchema])
	if valueSchema == "" {
		valueSchema = ts.Value
	}
	if valueSchema == "" {
		valueSchema = convert.SchemaBytes
	}

	var keySchema string
	if m.key != nil {
		keySchema = string(m.headers[HeaderKeySchema])
		if keySchema == "" {
			keySchema = ts.Key
		}
	}

	rec := record.Record{
		Topic:       m.topic,
		Partition:   m.partition,
		Offset:      m.offset,
		KeySchema:   keySchema,
		ValueSchema: valueSchema,
		Timestamp:   m.ts,
	}
	rec.Key = decodeField(rec, "key", keySchema, m.key)
	rec.Value = decodeField(rec, "value", valueSchema, m.value)
	return rec
}

func decodeField(rec record.Record, field, schema string, b []byte) any {
	if schema == "" {
		if b == nil {
			return nil
		}
		return append([]byte(nil), b...)
	}
	v, err := codec.Decode(schema, b)
	if err != nil {
		logging.L().Warn("kafka: cannot decode "+field+", passing raw bytes",
			"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "schema", schema, "err", err)
		return append([]byte(nil), b...)
	}
	return v
}
