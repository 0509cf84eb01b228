package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAsks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "comet_auto",
		Name:      "asks_total",
		Help:      "Asks finished, by outcome.",
	}, []string{"outcome"})
	metricAskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "comet_auto",
		Name:      "ask_duration_seconds",
		Help:      "Wall time from prompt submission to outcome.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 9), // 1s to ~4m
	})
	metricPolls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "comet_auto",
		Name:      "status_polls_total",
		Help:      "Status observations taken while waiting for answers.",
	})
	metricRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "comet_auto",
		Name:      "retries_total",
		Help:      "Times the application's retry control was clicked.",
	})
	metricResubmits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "comet_auto",
		Name:      "resubmits_total",
		Help:      "Prompts resubmitted after showing no activity.",
	})
)

func recordOutcome(outcome string, elapsed time.Duration) {
	metricAsks.WithLabelValues(outcome).Inc()
	metricAskDuration.Observe(elapsed.Seconds())
}
