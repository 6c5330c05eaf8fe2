/*
scheduler.go - Periodic indexation monitor

PURPOSE:
  Periodically scans agreements for upcoming or overdue contractual price
  indexation and logs a warning per agreement so account managers are
  reminded before the date passes.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Scans once immediately on Start
  - Keeps the most recent scan result for inspection (Latest)

CONFIGURATION:
  - CheckInterval: How often to scan (default: 1 hour)
  - WarningDays:   How far ahead a due date triggers a warning (default: 30)
  - Enabled:       Whether the monitor is active (default: true)

USAGE:
  monitor := NewIndexationMonitor(svc, logger)
  monitor.Start()
  // ... later
  monitor.Stop()

SEE ALSO:
  - handlers.go: ListIndexationAlerts endpoint (on-demand scan)
  - billing/period.go: IndexationNotices
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/metrics"
)

// IndexationMonitor logs agreements that need a price review.
type IndexationMonitor struct {
	Service       *billing.Service
	Logger        zerolog.Logger
	CheckInterval time.Duration
	WarningDays   int
	Enabled       bool
	Metrics       *metrics.Metrics

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	latest []billing.IndexationNotice
}

// NewIndexationMonitor creates a new monitor.
func NewIndexationMonitor(svc *billing.Service, logger zerolog.Logger) *IndexationMonitor {
	return &IndexationMonitor{
		Service:       svc,
		Logger:        logger,
		CheckInterval: 1 * time.Hour,
		WarningDays:   30,
		Enabled:       true,
	}
}

// Start begins the monitor.
func (m *IndexationMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.Enabled {
		m.Logger.Info().Msg("indexation monitor disabled")
		return
	}
	if m.ticker != nil {
		return
	}

	// A fresh stop channel per run lets the monitor be restarted after Stop.
	m.ticker = time.NewTicker(m.CheckInterval)
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.run(m.ticker.C, m.stop)

	m.Logger.Info().Dur("interval", m.CheckInterval).Int("warning_days", m.WarningDays).Msg("indexation monitor started")
}

// Stop stops the monitor and waits for an in-flight scan.
func (m *IndexationMonitor) Stop() {
	m.mu.Lock()
	ticker, stop := m.ticker, m.stop
	m.ticker, m.stop = nil, nil
	m.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	m.wg.Wait()
	m.Logger.Info().Msg("indexation monitor stopped")
}

func (m *IndexationMonitor) run(ticks <-chan time.Time, stop <-chan struct{}) {
	defer m.wg.Done()

	m.Scan(context.Background())

	for {
		select {
		case <-ticks:
			m.Scan(context.Background())
		case <-stop:
			return
		}
	}
}

// Scan checks all agreements once and logs each notice.
func (m *IndexationMonitor) Scan(ctx context.Context) []billing.IndexationNotice {
	notices, err := m.Service.IndexationNotices(ctx, billing.Date{}, m.WarningDays)
	if err != nil {
		m.Logger.Error().Err(err).Msg("indexation scan failed")
		return nil
	}

	for _, n := range notices {
		evt := m.Logger.Warn()
		if n.Alert == billing.IndexationOverdue {
			evt = m.Logger.Error()
		}
		evt.Str("agreement_id", string(n.Agreement.ID)).
			Str("customer_id", string(n.Agreement.CustomerID)).
			Str("next_indexation", n.Agreement.NextIndexation.String()).
			Int("days_until", n.DaysUntil).
			Str("alert", string(n.Alert)).
			Msg("agreement indexation needs attention")
	}

	m.Metrics.IndexationScanned(notices)

	m.mu.Lock()
	m.latest = notices
	m.mu.Unlock()

	m.Logger.Debug().Int("notices", len(notices)).Msg("indexation scan complete")
	return notices
}

// Latest returns the result of the most recent scan.
func (m *IndexationMonitor) Latest() []billing.IndexationNotice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]billing.IndexationNotice(nil), m.latest...)
}
