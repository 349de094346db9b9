package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rentsweep_build_info",
			Help: "Build information of the rentsweep service",
		},
		[]string{"version", "commit", "date"},
	)

	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentsweep_scans_total",
			Help: "Total number of sponsor discovery scans",
		},
		[]string{"status"},
	)

	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rentsweep_scan_duration_seconds",
			Help:    "Duration of sponsor discovery scans",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
	)

	ReclaimAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentsweep_reclaim_attempts_total",
			Help: "Total number of reclaim attempts",
		},
		[]string{"mode", "status"},
	)

	ReclaimedSolTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rentsweep_reclaimed_sol_total",
			Help: "Total SOL recovered by real-mode reclaims",
		},
	)

	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rentsweep_rpc_requests_total",
			Help: "Total number of ledger RPC requests",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rentsweep_rpc_request_duration_seconds",
			Help:    "Duration of ledger RPC requests",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"method"},
	)
)
