// Package mongo persists documents into MongoDB collections.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"mongosink/internal/logging"
	"mongosink/internal/record"
	"mongosink/sink"
)

const DefaultPort = 27017

type Config struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Database string `koanf:"database"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`

	// bounds server selection for the health probe and every store call
	SelectionTimeout time.Duration `koanf:"selection_timeout"`
}

func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.SelectionTimeout == 0 {
		c.SelectionTimeout = 30 * time.Second
	}
}

type driver struct {
	cfg    Config
	client *mongo.Client
	db     *mongo.Database

	mu     sync.Mutex
	closed bool
}

func (d *driver) Configure(raw any) error {
	c, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("mongo-sink: expected Config, got %T", raw)
	}
	c.ApplyDefaults()
	if c.Database == "" {
		return errors.New("mongo-sink: database is required")
	}
	d.cfg = c

	// Connect does not dial; the first Ping or write does.
	cl, err := mongo.Connect(context.Background(), clientOptions(c))
	if err != nil {
		return fmt.Errorf("mongo-sink: %w", err)
	}
	d.client = cl
	d.db = cl.Database(c.Database)
	return nil
}

// clientOptions authenticates only when both username and password are set.
func clientOptions(c Config) *options.ClientOptions {
	opts := options.Client().
		SetHosts([]string{net.JoinHostPort(c.Host, strconv.Itoa(c.Port))}).
		SetServerSelectionTimeout(c.SelectionTimeout)
	if c.Username != "" && c.Password != "" {
		opts.SetAuth(options.Credential{
			Username:   c.Username,
			Password:   c.Password,
			AuthSource: c.Database,
		})
	}
	return opts
}

func (d *driver) CheckConnection(ctx context.Context) bool {
	if d.client == nil {
		return false
	}
	if err := d.client.Ping(ctx, readpref.Primary()); err != nil {
		logging.L().Error("mongo-sink: ping failed", "host", d.cfg.Host, "port", d.cfg.Port, "err", err)
		return false
	}
	return true
}

// Store upserts documents that carry an _id so replays after a restart
// overwrite instead of duplicating.
func (d *driver) Store(ctx context.Context, collection string, doc record.Document) error {
	if d.db == nil {
		return errors.New("mongo-sink: not configured")
	}
	coll := d.db.Collection(collection)

	var err error
	if id, ok := documentID(doc); ok {
		_, err = coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}}, doc, options.Replace().SetUpsert(true))
	} else {
		_, err = coll.InsertOne(ctx, doc)
	}
	if err != nil {
		return classify(fmt.Errorf("mongo-sink: %s: %w", collection, err))
	}
	return nil
}

func (d *driver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.client == nil {
		d.closed = true
		return nil
	}
	d.closed = true
	return d.client.Disconnect(ctx)
}

func documentID(doc record.Document) (any, bool) {
	for _, e := range doc {
		if e.Key == "_id" {
			return e.Value, true
		}
	}
	return nil, false
}

// classify marks server-side rejections of the document itself as
// permanent. Network and timeout errors stay retryable.
func classify(err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return err
	}
	if mongo.IsDuplicateKeyError(err) {
		return sink.Permanent(err)
	}
	var we mongo.WriteException
	if errors.As(err, &we) && len(we.WriteErrors) > 0 {
		return sink.Permanent(err)
	}
	if errors.Is(err, mongo.ErrNilDocument) {
		return sink.Permanent(err)
	}
	return err
}

func init() {
	sink.Register("mongo", func() sink.Gateway { return &driver{} })
}
