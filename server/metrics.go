package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftsync_appends_total",
		Help: "Change log appends by outcome.",
	}, []string{"outcome"})

	metricAppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "driftsync_append_duration_seconds",
		Help:    "Change log append latency.",
		Buckets: prometheus.DefBuckets,
	})

	metricSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "driftsync_sessions",
		Help: "Live sessions by channel.",
	}, []string{"channel"})

	metricFanoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftsync_fanout_changes_total",
		Help: "Committed changes delivered to live sessions.",
	})

	metricSlowDisconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftsync_slow_session_disconnects_total",
		Help: "Sessions dropped for not draining their send queue.",
	})
)

const (
	appendOutcomeCommit    = "commit"
	appendOutcomeDuplicate = "duplicate"
	appendOutcomeConflict  = "conflict"
	appendOutcomeRejected  = "rejected"
	appendOutcomeError     = "error"
)
