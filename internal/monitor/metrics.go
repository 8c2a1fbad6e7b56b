package monitor

import (
	"context"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"execbridge/internal/events"
)

// Metrics holds the bridge's Prometheus instruments.
type Metrics struct {
	ExecutionsTotal   *prometheus.CounterVec
	RejectsTotal      *prometheus.CounterVec
	ReconnectsTotal   prometheus.Counter
	DecodeErrorsTotal prometheus.Counter
	ConnectedLinks    prometheus.Gauge
	HeartbeatAge      *prometheus.GaugeVec
}

// NewMetrics registers the instrument set on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execbridge",
			Name:      "executions_total",
			Help:      "Execution records by final outcome.",
		}, []string{"outcome"}),
		RejectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execbridge",
			Name:      "rejects_total",
			Help:      "Signal rejections by reason class.",
		}, []string{"reason"}),
		ReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "execbridge",
			Name:      "reconnects_total",
			Help:      "Terminal reconnect attempts observed.",
		}),
		DecodeErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "execbridge",
			Name:      "decode_errors_total",
			Help:      "Wire messages dropped because they could not be decoded.",
		}),
		ConnectedLinks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "execbridge",
			Name:      "connected_links",
			Help:      "Terminal links currently connected.",
		}),
		HeartbeatAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "execbridge",
			Name:      "heartbeat_age_seconds",
			Help:      "Seconds since last traffic per terminal link.",
		}, []string{"account"}),
	}

	reg.MustRegister(m.ExecutionsTotal, m.RejectsTotal, m.ReconnectsTotal,
		m.DecodeErrorsTotal, m.ConnectedLinks, m.HeartbeatAge)
	return m
}

// Watch subscribes the metrics to the event bus and updates them until
// every subscription closes.
func (m *Metrics) Watch(bus *events.Bus) {
	type sub struct {
		event events.Event
		apply func(payload any)
	}
	subs := []sub{
		{events.EventExecutionSubmitted, func(any) { m.ExecutionsTotal.WithLabelValues("submitted").Inc() }},
		{events.EventExecutionExecuted, func(any) { m.ExecutionsTotal.WithLabelValues("executed").Inc() }},
		{events.EventExecutionFailed, func(any) { m.ExecutionsTotal.WithLabelValues("failed").Inc() }},
		{events.EventExecutionClosed, func(any) { m.ExecutionsTotal.WithLabelValues("closed").Inc() }},
		{events.EventConnectionUp, func(any) { m.ConnectedLinks.Inc() }},
		{events.EventConnectionDown, func(payload any) {
			m.ConnectedLinks.Dec()
			if acct, ok := payload.(string); ok {
				m.HeartbeatAge.DeleteLabelValues(acct)
			}
		}},
		{events.EventExecutionRejected, func(payload any) {
			reason, _ := payload.(string)
			m.RejectsTotal.WithLabelValues(rejectClass(reason)).Inc()
		}},
		{events.EventTerminalReconnected, func(any) { m.ReconnectsTotal.Inc() }},
		{events.EventDecodeError, func(any) { m.DecodeErrorsTotal.Inc() }},
	}

	for _, s := range subs {
		ch, _ := bus.Subscribe(s.event, 16)
		go func(ch <-chan any, apply func(any)) {
			for payload := range ch {
				apply(payload)
			}
		}(ch, s.apply)
	}
}

// rejectClass folds free-form rejection reasons into a bounded label set.
func rejectClass(reason string) string {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "terminal unreachable"):
		return "unreachable"
	case strings.Contains(r, "spread"):
		return "spread"
	case strings.Contains(r, "unsupported instrument"):
		return "instrument"
	case strings.Contains(r, "daily risk"):
		return "daily_risk"
	case strings.Contains(r, "open positions"):
		return "max_positions"
	case strings.Contains(r, "active position"):
		return "duplicate"
	case strings.Contains(r, "lot size"):
		return "lot"
	case strings.Contains(r, "required fields"),
		strings.Contains(r, "price"),
		strings.Contains(r, "expired"):
		return "validation"
	default:
		return "terminal"
	}
}

// PollHeartbeats samples per-account traffic ages on the given interval
// and mirrors them into the HeartbeatAge gauge until ctx is cancelled.
func (m *Metrics) PollHeartbeats(ctx context.Context, interval time.Duration, sample func() map[string]time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for account, age := range sample() {
					m.HeartbeatAge.WithLabelValues(account).Set(age.Seconds())
				}
			}
		}
	}()
}
