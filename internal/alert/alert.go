// Package alert records operator-facing alerts: each one is logged, counted
// and kept in a bounded most-recent-first buffer for the ops endpoint.
package alert

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskcore/internal/domain"
	"taskcore/internal/metrics"
)

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

type Emitter interface {
	Emit(component, severity, message string, details map[string]any)
}

type Alerter struct {
	mu     sync.Mutex
	items  []domain.Alert
	size   int
	clock  clock.Clock
	logger zerolog.Logger
}

func New(size int, clk clock.Clock) *Alerter {
	if size < 10 {
		size = 10
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Alerter{size: size, clock: clk, logger: log.With().Str("component", "alerts").Logger()}
}

func (a *Alerter) Emit(component, severity, message string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	item := domain.Alert{
		Timestamp: a.clock.Now().UTC(),
		Component: component,
		Severity:  severity,
		Message:   message,
		Details:   details,
	}

	a.mu.Lock()
	a.items = append([]domain.Alert{item}, a.items...)
	if len(a.items) > a.size {
		a.items = a.items[:a.size]
	}
	a.mu.Unlock()

	metrics.AlertsTotal.WithLabelValues(component, severity).Inc()

	ev := a.logger.Warn()
	if severity == SeverityCritical {
		ev = a.logger.Error()
	}
	ev.Str("alert_component", component).Str("severity", severity).Fields(details).Msg(message)
}

// Recent returns up to limit alerts, newest first.
func (a *Alerter) Recent(limit int) []domain.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	limit = max(1, min(limit, a.size))
	n := min(limit, len(a.items))
	out := make([]domain.Alert, n)
	copy(out, a.items[:n])
	return out
}
