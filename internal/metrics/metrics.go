// Package metrics holds the Prometheus collectors shared by the hub components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RegistryDevices = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hub",
			Name:      "registry_devices",
			Help:      "Devices currently registered, by source.",
		},
		[]string{"source"},
	)
	Reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hub",
			Name:      "registry_reconciliations_total",
			Help:      "setDevices batches by source and whether the merged map changed.",
		},
		[]string{"source", "result"},
	)
	DeviceBuildFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hub",
			Name:      "registry_device_build_failures_total",
			Help:      "Devices skipped because they failed to initialize.",
		},
		[]string{"source"},
	)
	PollFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hub",
			Name:      "poller_failures_total",
			Help:      "Failed poll cycles by poller.",
		},
		[]string{"poller"},
	)
	PollInterval = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hub",
			Name:      "poller_interval_seconds",
			Help:      "Delay before the next poll cycle.",
		},
		[]string{"poller"},
	)
	KVWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hub",
			Name:      "kvstore_writes_total",
			Help:      "Persisted key/value document writes by module.",
		},
		[]string{"module"},
	)
	WakelightState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hub",
			Name:      "wakelight_state",
			Help:      "Wakelight state: 0 idle, 1 scheduled, 2 running, 3 completed, 4 cancelled.",
		},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hub",
			Name:      "http_requests_total",
			Help:      "API requests by route pattern, method and status.",
		},
		[]string{"route", "method", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		RegistryDevices,
		Reconciliations,
		DeviceBuildFailures,
		PollFailures,
		PollInterval,
		KVWrites,
		WakelightState,
		HTTPRequests,
	)
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler { return promhttp.Handler() }
