package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Monitor periodically logs how many records have been written and how
// many are still buffered.
type Monitor struct {
	Interval  time.Duration
	Processed func() int64
	Buffered  func() int
	Metrics   *Metrics
	Logger    *slog.Logger
	Clock     clockwork.Clock
}

// Run blocks until ctx is done. The first report is emitted immediately.
func (m *Monitor) Run(ctx context.Context) {
	clock := m.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	t := clock.NewTicker(m.Interval)
	defer t.Stop()

	m.report()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			m.report()
		}
	}
}

func (m *Monitor) report() {
	n := m.Processed()
	buffered := m.Buffered()
	m.Metrics.SetBuffered(buffered)
	m.Logger.Info("records have been written", "count", n, "buffered", buffered)
}
