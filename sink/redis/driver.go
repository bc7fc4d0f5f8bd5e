// Package redis appends documents to Redis streams, one stream per
// collection, as relaxed extended JSON.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"

	"mongosink/internal/logging"
	"mongosink/internal/record"
	"mongosink/sink"
)

type Config struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	// MaxLen caps each stream (approximate trimming); 0 keeps everything.
	MaxLen int64 `koanf:"max_len"`
}

func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:6379"
	}
}

// Streamer is the part of the go-redis client the gateway uses.
type Streamer interface {
	Ping(ctx context.Context) *goredis.StatusCmd
	XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
	Close() error
}

type driver struct {
	cfg Config
	c   Streamer

	mu     sync.Mutex
	closed bool
}

func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("redis-sink: expected Config, got %T", raw)
	}
	c.ApplyDefaults()
	d.cfg = c
	d.c = goredis.NewClient(&goredis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
	return nil
}

func (d *driver) CheckConnection(ctx context.Context) bool {
	if d.c == nil {
		return false
	}
	if err := d.c.Ping(ctx).Err(); err != nil {
		logging.L().Error("redis-sink: ping failed", "addr", d.cfg.Addr, "err", err)
		return false
	}
	return true
}

func (d *driver) Store(ctx context.Context, collection string, doc record.Document) error {
	if d.c == nil {
		return errors.New("redis-sink: not configured")
	}
	b, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return sink.Permanent(fmt.Errorf("redis-sink: encode: %w", err))
	}
	args := &goredis.XAddArgs{
		Stream: collection,
		Values: []any{"doc", string(b)},
	}
	if d.cfg.MaxLen > 0 {
		args.MaxLen = d.cfg.MaxLen
		args.Approx = true
	}
	if err := d.c.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis-sink: xadd %s: %w", collection, err)
	}
	return nil
}

func (d *driver) Close(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.c == nil {
		d.closed = true
		return nil
	}
	d.closed = true
	return d.c.Close()
}

func init() {
	sink.Register("redis", func() sink.Gateway { return &driver{} })
}
