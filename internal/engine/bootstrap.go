package engine

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"mongosink/internal/buffer"
	"mongosink/internal/config"
	"mongosink/internal/convert"
	"mongosink/internal/logging"
	"mongosink/internal/telemetry"
	"mongosink/internal/transport"
	"mongosink/internal/writer"
	"mongosink/sink"
	"mongosink/source/kafka"
)

// Bootstrap builds every component but starts nothing. A store that does
// not answer the health probe fails here with writer.ErrConnection.
func Bootstrap(cfg config.Config, factories ...convert.Factory) (*Engine, error) {
	logging.Configure(logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})

	// 1. converters
	reg, err := convert.NewRegistry(append([]convert.Factory{convert.Builtin()}, factories...)...)
	if err != nil {
		return nil, fmt.Errorf("converters: %w", err)
	}

	// 2. store gateway
	gw, err := sink.NewGateway(cfg.Store.Kind)
	if err != nil {
		return nil, err
	}
	if c, ok := gw.(sink.Configurable); ok {
		if err := c.Configure(cfg.StoreConfig()); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
	}

	// 3. metrics
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(promReg)

	// 4. buffer + writer
	buf := buffer.New(cfg.Buffer.Capacity)
	w, err := writer.New(gw, buf, reg, writer.Options{
		Namer:        sink.NewNamer(cfg.Collection.Format),
		StoreTimeout: cfg.Store.Timeout,
		Metrics:      metrics,
		Logger:       logging.Component("writer"),
	})
	if err != nil {
		return nil, err
	}

	// 5. kafka source
	src, err := kafka.NewAdapter(cfg.Source.Driver)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := src.Configure(cfg.Kafka); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("source: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		buf:      buf,
		writer:   w,
		source:   src,
		promReg:  promReg,
		metrics:  metrics,
		registry: reg,
	}

	// 6. control server
	if cfg.Control.Port > 0 {
		srv, err := transport.StartServer(cfg.Control.Port, w)
		if err != nil {
			_ = src.Close()
			_ = w.Close()
			return nil, fmt.Errorf("transport: %w", err)
		}
		e.control = srv
	}
	return e, nil
}
