package convert

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"mongosink/internal/record"
)

// Primitive schema names understood by the builtin converters and by the
// codec package.
const (
	SchemaString  = "string"
	SchemaInt     = "int"
	SchemaInt32   = "int32"
	SchemaInt64   = "int64"
	SchemaFloat   = "float"
	SchemaDouble  = "double"
	SchemaBoolean = "boolean"
	SchemaBytes   = "bytes"
	SchemaJSON    = "json"
)

var primitives = []string{
	SchemaString, SchemaInt, SchemaInt32, SchemaInt64,
	SchemaFloat, SchemaDouble, SchemaBoolean, SchemaBytes,
}

// Func adapts a plain function into a Converter.
func Func(fn func(record.Record) (record.Document, error), keys ...Key) Converter {
	return funcConverter{keys: keys, fn: fn}
}

type funcConverter struct {
	keys []Key
	fn   func(record.Record) (record.Document, error)
}

func (f funcConverter) Schemas() []Key { return f.keys }
func (f funcConverter) Convert(r record.Record) (record.Document, error) {
	return f.fn(r)
}

// Builtin installs converters for unkeyed primitive and JSON values, plus
// string-keyed pairs that use the key as the document _id.
func Builtin() Factory {
	return func() []Converter {
		valueKeys := make([]Key, 0, len(primitives)+1)
		pairKeys := make([]Key, 0, len(primitives)+1)
		for _, s := range append(append([]string{}, primitives...), SchemaJSON) {
			valueKeys = append(valueKeys, ValueKey(s))
			pairKeys = append(pairKeys, PairKey(SchemaString, s))
		}
		return []Converter{
			valueConverter{keys: valueKeys},
			keyedConverter{keys: pairKeys},
		}
	}
}

type valueConverter struct{ keys []Key }

func (c valueConverter) Schemas() []Key { return c.keys }

func (c valueConverter) Convert(r record.Record) (record.Document, error) {
	return buildDoc(r.ID(), r)
}

type keyedConverter struct{ keys []Key }

func (c keyedConverter) Schemas() []Key { return c.keys }

func (c keyedConverter) Convert(r record.Record) (record.Document, error) {
	id, ok := r.Key.(string)
	if !ok {
		return nil, fmt.Errorf("convert: %s: key is %T, want string", r, r.Key)
	}
	return buildDoc(id, r)
}

func buildDoc(id string, r record.Record) (record.Document, error) {
	if r.ValueSchema == SchemaJSON {
		fields, ok := r.Value.(bson.D)
		if !ok {
			return nil, fmt.Errorf("convert: %s: json value is %T", r, r.Value)
		}
		doc := make(bson.D, 0, len(fields)+1)
		doc = append(doc, bson.E{Key: "_id", Value: id})
		for _, e := range fields {
			if e.Key == "_id" {
				continue
			}
			doc = append(doc, e)
		}
		return doc, nil
	}
	if err := checkPrimitive(r.ValueSchema, r.Value); err != nil {
		return nil, fmt.Errorf("convert: %s: %w", r, err)
	}
	return bson.D{{Key: "_id", Value: id}, {Key: "value", Value: r.Value}}, nil
}

func checkPrimitive(schema string, v any) error {
	var ok bool
	switch schema {
	case SchemaString:
		_, ok = v.(string)
	case SchemaInt, SchemaInt32:
		_, ok = v.(int32)
	case SchemaInt64:
		_, ok = v.(int64)
	case SchemaFloat:
		_, ok = v.(float32)
	case SchemaDouble:
		_, ok = v.(float64)
	case SchemaBoolean:
		_, ok = v.(bool)
	case SchemaBytes:
		_, ok = v.([]byte)
	default:
		return fmt.Errorf("%q: %w", schema, ErrUnsupportedSchema)
	}
	if !ok {
		return fmt.Errorf("value %T does not match schema %q", v, schema)
	}
	return nil
}
