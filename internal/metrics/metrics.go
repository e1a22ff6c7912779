// Package metrics defines the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Experiment engine

	ExperimentsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_experiments_started_total",
			Help: "Experiments launched by intensity",
		},
		[]string{"intensity"},
	)

	ExperimentsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_experiments_finished_total",
			Help: "Experiments finished by terminal status",
		},
		[]string{"status"},
	)

	ExperimentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_experiment_duration_seconds",
			Help:    "Wall-clock duration of completed experiments",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 3600, 7200},
		},
	)

	TestCasesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_test_cases_executed_total",
			Help: "Test cases executed by verdict status",
		},
		[]string{"status"},
	)

	// LLM gateway

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aegis_llm_request_duration_seconds",
			Help:    "Upstream chat completion latency by provider kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	LLMRateLimitRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_llm_rate_limit_retries_total",
			Help: "Retries performed after upstream 429 responses",
		},
		[]string{"provider"},
	)

	// Firewall pipeline

	FirewallDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_firewall_decisions_total",
			Help: "Firewall verdicts by outcome and deciding stage",
		},
		[]string{"outcome", "stage"},
	)

	FirewallLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_firewall_latency_seconds",
			Help:    "End-to-end firewall evaluation latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	FirewallCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_firewall_cache_hits_total",
			Help: "Firewall cache lookups by cache and result",
		},
		[]string{"cache", "result"},
	)

	FirewallRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_firewall_rate_limited_total",
			Help: "Requests rejected by the firewall rate limiter",
		},
	)

	// HTTP API

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_http_requests_total",
			Help: "API requests by method, route, and status class",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aegis_http_request_duration_seconds",
			Help:    "API request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Persistence

	AsyncWriteQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_async_write_queue_depth",
			Help: "Pending writes in the async persistence queue",
		},
	)

	AsyncWritesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_async_writes_dropped_total",
			Help: "Writes dropped because the async queue was full",
		},
	)
)
