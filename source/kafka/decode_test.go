package kafka

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestDecode_HeadersWin(t *testing.T) {
	schemas := map[string]TopicSchema{"orders": {Key: "bytes", Value: "bytes"}}
	rec := decode(schemas, rawMessage{
		topic:     "orders",
		partition: 2,
		offset:    17,
		key:       []byte("k1"),
		value:     []byte{0, 0, 0, 42},
		headers: map[string][]byte{
			HeaderKeySchema:   []byte("string"),
			HeaderValueSchema: []byte("int32"),
		},
		ts: time.Unix(10, 0),
	})

	assert.Equal(t, "string", rec.KeySchema)
	assert.Equal(t, "int32", rec.ValueSchema)
	assert.Equal(t, "k1", rec.Key)
	assert.Equal(t, int32(42), rec.Value)
	assert.Equal(t, int64(17), rec.Offset)
	assert.Equal(t, int32(2), rec.Partition)
}

func TestDecode_TopicTableFallback(t *testing.T) {
	schemas := map[string]TopicSchema{"events": {Key: "string", Value: "json"}}
	rec := decode(schemas, rawMessage{
		topic: "events",
		key:   []byte("id-1"),
		value: []byte(`{"a": 1}`),
	})

	require.Equal(t, "json", rec.ValueSchema)
	doc, ok := rec.Value.(bson.D)
	require.True(t, ok, "value is %T", rec.Value)
	require.Len(t, doc, 1)
	assert.Equal(t, "a", doc[0].Key)
}

func TestDecode_NoSchemaIsBytes(t *testing.T) {
	rec := decode(nil, rawMessage{topic: "raw", value: []byte("abc")})

	assert.Equal(t, "bytes", rec.ValueSchema)
	assert.Equal(t, []byte("abc"), rec.Value)
	assert.Empty(t, rec.KeySchema, "nil key has no schema")
	assert.Nil(t, rec.Key)
}

func TestDecode_BadPayloadPassesRawBytes(t *testing.T) {
	rec := decode(nil, rawMessage{
		topic:   "t",
		value:   []byte{1, 2},
		headers: map[string][]byte{HeaderValueSchema: []byte("int64")},
	})

	assert.Equal(t, "int64", rec.ValueSchema)
	assert.Equal(t, []byte{1, 2}, rec.Value)
}
