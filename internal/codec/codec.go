// Package codec decodes raw Kafka key and value bytes into Go values
// according to the schema name the producer declared. Numeric encodings
// follow the Kafka client serializers (big-endian, fixed width).
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"go.mongodb.org/mongo-driver/bson"

	"mongosink/internal/convert"
)

// Decode returns the value for schema. Nil input decodes to nil for every
// schema. Unknown schemas keep the raw bytes.
func Decode(schema string, b []byte) (any, error) {
	if b == nil {
		return nil, nil
	}
	switch schema {
	case convert.SchemaString:
		return string(b), nil
	case convert.SchemaInt, convert.SchemaInt32:
		if len(b) != 4 {
			return nil, sizeErr(schema, 4, b)
		}
		return int32(binary.BigEndian.Uint32(b)), nil
	case convert.SchemaInt64:
		if len(b) != 8 {
			return nil, sizeErr(schema, 8, b)
		}
		return int64(binary.BigEndian.Uint64(b)), nil
	case convert.SchemaFloat:
		if len(b) != 4 {
			return nil, sizeErr(schema, 4, b)
		}
		return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
	case convert.SchemaDouble:
		if len(b) != 8 {
			return nil, sizeErr(schema, 8, b)
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case convert.SchemaBoolean:
		if len(b) != 1 {
			return nil, sizeErr(schema, 1, b)
		}
		return b[0] != 0, nil
	case convert.SchemaJSON:
		var doc bson.D
		if err := bson.UnmarshalExtJSON(b, false, &doc); err != nil {
			return nil, fmt.Errorf("codec: json: %w", err)
		}
		return doc, nil
	default:
		return append([]byte(nil), b...), nil
	}
}

func sizeErr(schema string, want int, b []byte) error {
	return fmt.Errorf("codec: %s wants %d bytes, got %d", schema, want, len(b))
}
