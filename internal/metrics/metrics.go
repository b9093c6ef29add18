// Package metrics exposes prometheus collectors for the trading loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersCopied counts mirrored operations that the trade server accepted.
	OrdersCopied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolbox",
		Subsystem: "mirror",
		Name:      "orders_copied_total",
		Help:      "Mirrored operations accepted by the trade server.",
	}, []string{"follower", "op"})

	// OrdersFailed counts mirrored operations rejected or errored.
	OrdersFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolbox",
		Subsystem: "mirror",
		Name:      "orders_failed_total",
		Help:      "Mirrored operations rejected by the trade server or failed in transport.",
	}, []string{"follower", "op"})

	// ConnectFailures counts failed terminal connects per account.
	ConnectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolbox",
		Subsystem: "terminal",
		Name:      "connect_failures_total",
		Help:      "Failed terminal session connects.",
	}, []string{"account"})

	// AccountEquity is the last observed equity per account.
	AccountEquity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "toolbox",
		Subsystem: "account",
		Name:      "equity",
		Help:      "Last observed account equity.",
	}, []string{"account"})

	// StrategiesRunning is the number of live strategy instances.
	StrategiesRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "toolbox",
		Subsystem: "strategy",
		Name:      "running",
		Help:      "Live strategy instances.",
	})

	// BarsSynced counts bars written to the local store.
	BarsSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolbox",
		Subsystem: "datasync",
		Name:      "bars_synced_total",
		Help:      "Bars written to the local bar store.",
	}, []string{"symbol", "timeframe"})
)
