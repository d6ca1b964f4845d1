// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engage_http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// LockTransitionsTotal counts lock outcomes by operation and result
	// (acquired, reacquired, already_held, released, not_owner, ...).
	LockTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engage_lock_transitions_total",
			Help: "Engagement lock operations by outcome.",
		},
		[]string{"op", "result"},
	)

	LocksExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engage_locks_expired_total",
			Help: "Held locks cleared after their expiry passed.",
		},
	)

	AllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engage_allocations_total",
			Help: "Busy allocation requests by result.",
		},
		[]string{"result"},
	)

	AllocatedMsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engage_allocated_ms_total",
			Help: "Busy milliseconds granted by the ledger.",
		},
	)

	PropagationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engage_propagations_total",
			Help: "Availability updates delivered to sinks by result.",
		},
		[]string{"sink", "result"},
	)

	PropagationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engage_propagation_queue_depth",
			Help: "Availability updates waiting for delivery.",
		},
	)

	HistoryRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engage_history_records_total",
			Help: "Engagement history appends by result.",
		},
		[]string{"result"},
	)

	StoreRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engage_store_retries_total",
			Help: "Store operations retried after SQLITE_BUSY.",
		},
	)

	CircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engage_store_circuit_state",
			Help: "Store circuit breaker state. 0 closed, 1 open, 2 half-open.",
		},
	)

	SlowQueriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engage_store_slow_queries_total",
			Help: "Store queries that took longer than the slow threshold.",
		},
	)

	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engage_job_runs_total",
			Help: "Scheduled maintenance job runs by job and status.",
		},
		[]string{"job", "status"},
	)

	WSClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engage_ws_clients",
			Help: "Connected availability websocket subscribers.",
		},
	)
)
