// Package metrics holds the process-wide Prometheus collectors. They are
// registered on the default registry and served by the ops HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "panelbot"

var (
	// PollRequests counts getUpdates calls by outcome class.
	PollRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_requests_total",
		Help:      "getUpdates requests by result (ok, network, conflict, canceled, other)",
	}, []string{"result"})

	// UpdatesDispatched counts updates handed to the dispatcher.
	UpdatesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "updates_dispatched_total",
		Help:      "Updates dispatched by kind and source",
	}, []string{"kind", "source"})

	DispatchPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_panics_total",
		Help:      "Recovered panics while handling an update",
	})

	// PollerState is 1 for the current state, 0 for the others.
	PollerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "poller_state",
		Help:      "Current poller state",
	}, []string{"state"})

	Leader = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leader",
		Help:      "1 when this replica holds the update lock",
	})

	BackupRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backup_runs_total",
		Help:      "Backup job outcomes by trigger and status",
	}, []string{"trigger", "status"})

	BackupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "backup_duration_seconds",
		Help:      "Duration of executed backup runs",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notification outcomes by kind and status",
	}, []string{"kind", "status"})

	Callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "callbacks_total",
		Help:      "Menu callbacks by verb",
	}, []string{"verb"})

	SettingsReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settings_reloads_total",
		Help:      "Bot settings reloads by result",
	}, []string{"result"})
)

// SetPollerState flips the state gauge to s.
func SetPollerState(s string, all []string) {
	for _, st := range all {
		v := 0.0
		if st == s {
			v = 1
		}
		PollerState.WithLabelValues(st).Set(v)
	}
}
