package sink

import (
	"context"
	"errors"
	"fmt"

	"mongosink/internal/record"
)

// Gateway is the storage side of the writer. Only the writer goroutine
// calls Store, so implementations need not be safe for concurrent Store.
type Gateway interface {
	CheckConnection(ctx context.Context) bool
	Store(ctx context.Context, collection string, doc record.Document) error
	Close(ctx context.Context) error // idempotent
}

// Configurable is implemented by gateways that take a driver-specific
// config block. The engine passes the matching section of the config.
type Configurable interface {
	Configure(any) error
}

// ErrPermanent marks a store failure that a retry cannot fix.
var ErrPermanent = errors.New("permanent store failure")

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() []error {
	return []error{e.err, ErrPermanent}
}

// Permanent wraps err so errors.Is(err, ErrPermanent) reports true.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

/*──────── registry ───────*/

type factory = func() Gateway

var reg = map[string]factory{}

func Register(name string, f factory) { reg[name] = f }

func NewGateway(name string) (Gateway, error) {
	if f, ok := reg[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("unknown sink %q", name)
}
