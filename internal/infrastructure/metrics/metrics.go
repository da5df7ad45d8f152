package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// LedgerOperations 账务操作次数，result 为 ok / replay / 错误分类
var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ledger",
	Name:      "operations_total",
	Help:      "Ledger operations by operation and result.",
}, []string{"operation", "result"})

// LedgerOperationDuration 账务操作耗时（含等锁）
var LedgerOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "ledger",
	Name:      "operation_duration_seconds",
	Help:      "Ledger operation latency including lock wait.",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
}, []string{"operation"})

// ─── Sweeper Metrics ────────────────────────────────────────────────────────

var LotsExpired = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ledger",
	Name:      "lots_expired_total",
	Help:      "Lots retired by the expiry sweeper.",
})

var PointsExpired = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ledger",
	Name:      "points_expired_total",
	Help:      "Points retired by the expiry sweeper.",
})

var SweepAccountFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "ledger",
	Name:      "sweep_account_failures_total",
	Help:      "Accounts whose expiry sweep failed and will be retried next run.",
})

// ─── Outbox Metrics ─────────────────────────────────────────────────────────

var OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ledger",
	Name:      "outbox_published_total",
	Help:      "Outbox messages published to Kafka by result.",
}, []string{"result"})
