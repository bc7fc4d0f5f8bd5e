package convert

import (
	"errors"
	"fmt"

	"mongosink/internal/record"
)

var (
	ErrUnsupportedSchema = errors.New("unsupported schema")
	ErrDuplicateSchema   = errors.New("schema already registered")
)

// Key identifies what a converter handles: a value schema alone, or a
// key schema paired with a value schema.
type Key struct {
	KeySchema   string
	ValueSchema string
}

func ValueKey(value string) Key     { return Key{ValueSchema: value} }
func PairKey(key, value string) Key { return Key{KeySchema: key, ValueSchema: value} }

func (k Key) String() string {
	if k.KeySchema == "" {
		return k.ValueSchema
	}
	return k.KeySchema + "-" + k.ValueSchema
}

// Converter turns a record into a document.
type Converter interface {
	Schemas() []Key
	Convert(record.Record) (record.Document, error)
}

// Factory supplies the converters installed at startup.
type Factory func() []Converter

// Registry maps schema keys to converters. It is filled once before the
// writer starts and only read afterwards, so Resolve needs no locking.
type Registry struct {
	byKey map[Key]Converter
	order []Key
}

func NewRegistry(factories ...Factory) (*Registry, error) {
	r := &Registry{byKey: map[Key]Converter{}}
	for _, f := range factories {
		for _, c := range f() {
			if err := r.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// Register maps every key c advertises. A key that is already taken
// rejects the whole converter and leaves the registry unchanged.
func (r *Registry) Register(c Converter) error {
	keys := c.Schemas()
	seen := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := r.byKey[k]; ok {
			return fmt.Errorf("convert: %q: %w", k.String(), ErrDuplicateSchema)
		}
		if _, ok := seen[k]; ok {
			return fmt.Errorf("convert: %q listed twice: %w", k.String(), ErrDuplicateSchema)
		}
		seen[k] = struct{}{}
	}
	for _, k := range keys {
		r.byKey[k] = c
		r.order = append(r.order, k)
	}
	return nil
}

// Resolve tries the key/value pair first, then the value schema alone.
func (r *Registry) Resolve(rec record.Record) (Converter, error) {
	if rec.KeySchema != "" {
		if c, ok := r.byKey[PairKey(rec.KeySchema, rec.ValueSchema)]; ok {
			return c, nil
		}
	}
	if c, ok := r.byKey[ValueKey(rec.ValueSchema)]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("convert: %q: %w", rec.ValueSchema, ErrUnsupportedSchema)
}

// Keys lists registered keys in registration order.
func (r *Registry) Keys() []Key {
	return append([]Key(nil), r.order...)
}
