// Package stdout is a debug gateway that prints every document as relaxed
// extended JSON instead of persisting it.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/bson"

	"mongosink/internal/record"
	"mongosink/sink"
)

/* ────────── public config ────────── */
type Config struct {
	PrintCounter bool `koanf:"print_counter"` // prepend seq#
}

/* ────────── driver ────────── */
type driver struct {
	cfg Config
	out io.Writer

	mu     sync.Mutex
	closed bool
}

var seq uint64

func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("stdout-sink: expected Config, got %T", raw)
	}
	d.cfg = c
	return nil
}

func (d *driver) CheckConnection(context.Context) bool { return true }

func (d *driver) Store(_ context.Context, collection string, doc record.Document) error {
	b, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return sink.Permanent(fmt.Errorf("stdout-sink: encode: %w", err))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("stdout-sink: closed")
	}
	if d.cfg.PrintCounter {
		_, err = fmt.Fprintf(d.out, "[sink %06d] %s %s\n", atomic.AddUint64(&seq, 1), collection, b)
	} else {
		_, err = fmt.Fprintf(d.out, "[sink] %s %s\n", collection, b)
	}
	return err
}

func (d *driver) Close(context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

/* ────────── auto-register ────────── */
func init() {
	sink.Register("stdout", func() sink.Gateway { return &driver{out: os.Stdout} })
}
