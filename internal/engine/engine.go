// Package engine wires the Kafka source, the record buffer, the writer and
// the store gateway into one process and owns their shutdown order.
package engine

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"mongosink/internal/buffer"
	"mongosink/internal/config"
	"mongosink/internal/convert"
	"mongosink/internal/logging"
	"mongosink/internal/record"
	"mongosink/internal/telemetry"
	"mongosink/internal/transport"
	"mongosink/internal/writer"
	"mongosink/source/kafka"
)

type Engine struct {
	cfg      config.Config
	buf      *buffer.Buffer
	writer   *writer.Writer
	source   kafka.Adapter
	control  *transport.Server
	promReg  *prometheus.Registry
	metrics  *telemetry.Metrics
	registry *convert.Registry
}

// Run starts the writer and consumes until ctx is done, the source fails
// or the writer is stopped through the control service. Shutdown order:
// source (final flush and commit), writer (drains nothing, closes the
// store), then the servers.
func (e *Engine) Run(ctx context.Context) error {
	log := logging.Component("engine")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.writer.Start()
	log.Info("sink started",
		"store", e.cfg.Store.Kind, "driver", e.cfg.Source.Driver,
		"topics", e.cfg.Kafka.Topics, "converters", len(e.registry.Keys()))

	// a paused writer ends the run too
	go func() {
		e.writer.Wait()
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)

	var metricsSrv *http.Server
	if e.cfg.Metrics.Port > 0 {
		metricsSrv = telemetry.Expose(e.cfg.Metrics.Port, e.promReg)
	}

	mon := &telemetry.Monitor{
		Interval:  e.cfg.Metrics.MonitorInterval,
		Processed: e.writer.Processed,
		Buffered:  e.buf.Len,
		Metrics:   e.metrics,
		Logger:    logging.Component("monitor"),
	}
	if mon.Interval > 0 {
		g.Go(func() error {
			mon.Run(gctx)
			return nil
		})
	}

	if e.control != nil {
		g.Go(func() error {
			if err := e.control.Serve(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			e.control.Stop()
			return nil
		})
	}

	g.Go(func() error {
		defer cancel()
		err := e.source.Run(gctx, e.emit, e.writer.Flush)
		if cerr := e.source.Close(); cerr != nil {
			log.Warn("closing source failed", "err", cerr)
		}
		_ = e.writer.Close()
		e.writer.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("source stopped", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	if metricsSrv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(sctx)
		scancel()
	}
	log.Info("sink stopped", "processed", e.writer.Processed())
	return err
}

func (e *Engine) emit(ctx context.Context, rec record.Record) error {
	if err := e.buf.Put(ctx, rec); err != nil {
		return err
	}
	e.metrics.SetBuffered(e.buf.Len())
	return nil
}
