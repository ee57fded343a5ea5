package obs

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus collectors of the worker system.
// Every method is safe on a nil receiver.
type Metrics struct {
	gatherer prometheus.Gatherer

	cycles           *prometheus.CounterVec
	cycleDuration    *prometheus.HistogramVec
	execLockDenied   prometheus.Counter
	ownershipLost    prometheus.Counter
	heartbeatFailure prometheus.Counter
	runningAgents    *prometheus.GaugeVec
	reconcile        *prometheus.CounterVec
	janitorDeleted   prometheus.Counter
	reconnects       *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg. A nil reg uses a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		gatherer: gatherer,
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_cycles_total",
			Help: "Agent cycles by pool and result (ok|error|panic|skipped|cancelled).",
		}, []string{"pool", "result"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentd_cycle_duration_seconds",
			Help:    "Wall time of executed cycles.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"pool"}),
		execLockDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentd_exec_lock_denied_total",
			Help: "Cycles skipped because another instance held the execution lock.",
		}),
		ownershipLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentd_ownership_lost_total",
			Help: "Ownership refreshes that found another owner.",
		}),
		heartbeatFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentd_heartbeat_failures_total",
			Help: "Heartbeat writes that exhausted their retries.",
		}),
		runningAgents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentd_running_agents",
			Help: "Supervisors running in this process by pool.",
		}, []string{"pool"}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_reconcile_findings_total",
			Help: "Reconciliation findings by kind.",
		}, []string{"kind"}),
		janitorDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentd_janitor_deleted_total",
			Help: "Stale pending claims deleted.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_reconnects_total",
			Help: "Trading adapter reconnect attempts by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.cycles, m.cycleDuration, m.execLockDenied, m.ownershipLost,
		m.heartbeatFailure, m.runningAgents, m.reconcile, m.janitorDeleted, m.reconnects,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveCycle counts a cycle and, unless it was skipped, its duration.
func (m *Metrics) ObserveCycle(pool, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(pool, result).Inc()
	if d > 0 {
		m.cycleDuration.WithLabelValues(pool).Observe(d.Seconds())
	}
}

func (m *Metrics) IncExecLockDenied() {
	if m == nil {
		return
	}
	m.execLockDenied.Inc()
}

func (m *Metrics) IncOwnershipLost() {
	if m == nil {
		return
	}
	m.ownershipLost.Inc()
}

func (m *Metrics) IncHeartbeatFailure() {
	if m == nil {
		return
	}
	m.heartbeatFailure.Inc()
}

// SetRunning sets the number of supervisors in a pool.
func (m *Metrics) SetRunning(pool string, n int) {
	if m == nil {
		return
	}
	m.runningAgents.WithLabelValues(pool).Set(float64(n))
}

// AddReconcileFindings adds n findings of kind.
func (m *Metrics) AddReconcileFindings(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconcile.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) AddJanitorDeleted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.janitorDeleted.Add(float64(n))
}

// IncReconnect counts a reconnect attempt, ok or failed.
func (m *Metrics) IncReconnect(ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "ok"
	}
	m.reconnects.WithLabelValues(result).Inc()
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if l == nil || d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	if l == nil {
		return LatencySnapshot{}
	}
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(sum / count),
	}
}
