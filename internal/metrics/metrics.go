// Package metrics exposes poll and command counters for Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sweeney/fmip-tracker/internal/scanner"
)

const namespace = "fmip"

// Metrics holds the collectors. It implements scanner.Observer.
type Metrics struct {
	PollsTotal    *prometheus.CounterVec
	PollDuration  *prometheus.HistogramVec
	Devices       *prometheus.GaugeVec
	LastSuccess   *prometheus.GaugeVec
	PollInterval  *prometheus.GaugeVec
	CommandsTotal *prometheus.CounterVec
	SkippedTicks  *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PollsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Poll-and-push cycles by account and result.",
			},
			[]string{"account", "result"},
		),
		PollDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_duration_seconds",
				Help:      "Duration of poll-and-push cycles.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"account"},
		),
		Devices: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "devices",
				Help:      "Devices returned by the last successful poll.",
			},
			[]string{"account"},
		),
		LastSuccess: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful poll.",
			},
			[]string{"account"},
		),
		PollInterval: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "poll_interval_minutes",
				Help:      "Configured poll interval.",
			},
			[]string{"account"},
		),
		CommandsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Commands handled by service and result.",
			},
			[]string{"service", "result"},
		),
		SkippedTicks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skipped_ticks_total",
				Help:      "Scheduled ticks skipped because a poll was still running.",
			},
			[]string{"account"},
		),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// PollCompleted implements scanner.Observer.
func (m *Metrics) PollCompleted(r scanner.PollResult) {
	m.PollsTotal.WithLabelValues(r.AccountID, result(r.Err)).Inc()
	m.PollDuration.WithLabelValues(r.AccountID).Observe(r.Duration.Seconds())
	m.PollInterval.WithLabelValues(r.AccountID).Set(float64(r.Interval))
	if r.Err == nil {
		m.Devices.WithLabelValues(r.AccountID).Set(float64(len(r.Devices)))
		m.LastSuccess.WithLabelValues(r.AccountID).Set(float64(r.Started.Unix()))
	}
}

// CommandHandled counts one command.
func (m *Metrics) CommandHandled(service string, err error) {
	if service == "" {
		service = "unknown"
	}
	m.CommandsTotal.WithLabelValues(service, result(err)).Inc()
}

// TickSkipped counts a tick dropped for account.
func (m *Metrics) TickSkipped(account string) {
	m.SkippedTicks.WithLabelValues(account).Inc()
}
