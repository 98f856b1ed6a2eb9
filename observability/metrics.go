package observability

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"d2dtreasury/native/treasury"
)

const namespace = "d2d"

// TreasuryMetrics records engine operations, HTTP traffic, keeper activity and
// the latest protocol-health snapshot.
type TreasuryMetrics struct {
	operations  *prometheus.CounterVec
	failures    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	requests    *prometheus.CounterVec
	httpLatency *prometheus.HistogramVec
	throttles   *prometheus.CounterVec
	events      *prometheus.CounterVec
	keeperRuns  *prometheus.CounterVec

	totalDeposited    prometheus.Gauge
	liquidBalance     prometheus.Gauge
	totalBorrowed     prometheus.Gauge
	utilization       prometheus.Gauge
	currentAPY        prometheus.Gauge
	recoveryRatio     prometheus.Gauge
	activeDeployments prometheus.Gauge
	queueDepth        prometheus.Gauge
	queuedAmount      prometheus.Gauge
	pendingRewards    prometheus.Gauge
	rewardPool        prometheus.Gauge
	emergencyPause    prometheus.Gauge
}

var (
	treasuryMetricsOnce sync.Once
	treasuryRegistry    *TreasuryMetrics
)

// Treasury returns the lazily-initialised metrics registered with the default
// Prometheus registry.
func Treasury() *TreasuryMetrics {
	treasuryMetricsOnce.Do(func() {
		treasuryRegistry = NewTreasuryMetrics(prometheus.DefaultRegisterer)
	})
	return treasuryRegistry
}

// NewTreasuryMetrics builds the collectors and registers them with reg.
// Passing nil skips registration.
func NewTreasuryMetrics(reg prometheus.Registerer) *TreasuryMetrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "treasury",
			Name:      name,
			Help:      help,
		})
	}
	m := &TreasuryMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "treasury",
			Name:      "operations_total",
			Help:      "Treasury engine operations segmented by operation and outcome.",
		}, []string{"operation", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "treasury",
			Name:      "operation_failures_total",
			Help:      "Failed treasury operations segmented by error kind.",
		}, []string{"operation", "kind"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "treasury",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution for treasury engine operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests segmented by route, method and status code.",
		}, []string{"route", "method", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for HTTP handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "throttles_total",
			Help:      "Requests rejected by throttling policies.",
		}, []string{"reason"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "treasury",
			Name:      "events_total",
			Help:      "Treasury events emitted segmented by type.",
		}, []string{"type"}),
		keeperRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "tasks_total",
			Help:      "Keeper task executions segmented by task and outcome.",
		}, []string{"task", "outcome"}),

		totalDeposited:    gauge("total_deposited", "Total principal staked."),
		liquidBalance:     gauge("liquid_balance", "Liquidity available for withdrawals and deployments."),
		totalBorrowed:     gauge("total_borrowed", "Outstanding deployment debt."),
		utilization:       gauge("utilization_bps", "Borrowed share of deposits in basis points."),
		currentAPY:        gauge("current_apy_bps", "Current staking APY in basis points."),
		recoveryRatio:     gauge("recovery_ratio_bps", "Recovered share of borrowed funds in basis points."),
		activeDeployments: gauge("active_deployments", "Deployments currently holding treasury funds."),
		queueDepth:        gauge("withdrawal_queue_depth", "Pending withdrawal queue entries."),
		queuedAmount:      gauge("withdrawal_queue_amount", "Principal waiting in the withdrawal queue."),
		pendingRewards:    gauge("pending_undistributed_rewards", "Rewards credited while no stake existed."),
		rewardPool:        gauge("reward_pool_balance", "Tracked reward pool balance."),
		emergencyPause:    gauge("emergency_pause", "1 while the treasury is paused."),
	}
	if reg != nil {
		reg.MustRegister(
			m.operations, m.failures, m.latency,
			m.requests, m.httpLatency, m.throttles,
			m.events, m.keeperRuns,
			m.totalDeposited, m.liquidBalance, m.totalBorrowed, m.utilization,
			m.currentAPY, m.recoveryRatio, m.activeDeployments, m.queueDepth,
			m.queuedAmount, m.pendingRewards, m.rewardPool, m.emergencyPause,
		)
	}
	return m
}

var _ treasury.Observer = (*TreasuryMetrics)(nil)

// ObserveOperation records the outcome of an engine operation.
func (m *TreasuryMetrics) ObserveOperation(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	op = label(op)
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.failures.WithLabelValues(op, kindLabel(err)).Inc()
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func kindLabel(err error) string {
	if errors.Is(err, treasury.ErrProgramPaused) {
		return "paused"
	}
	kind := treasury.KindOf(err)
	if kind == treasury.KindUnknown {
		return "internal"
	}
	return kind.String()
}

// ObserveHTTP records the outcome of an HTTP request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *TreasuryMetrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = label(route)
	method = label(method)
	m.requests.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	m.httpLatency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" so dashboards and alerts remain consistent.
func (m *TreasuryMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// ObserveKeeperTask records one keeper task execution.
func (m *TreasuryMetrics) ObserveKeeperTask(task string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.keeperRuns.WithLabelValues(label(task), outcome).Inc()
}

// SetHealth publishes a protocol-health snapshot as gauges.
func (m *TreasuryMetrics) SetHealth(h treasury.ProtocolHealth) {
	if m == nil {
		return
	}
	m.totalDeposited.Set(float64(h.TotalDeposited))
	m.liquidBalance.Set(float64(h.LiquidBalance))
	m.totalBorrowed.Set(float64(h.TotalBorrowed))
	m.utilization.Set(float64(h.UtilizationBps))
	m.currentAPY.Set(float64(h.CurrentAPYBps))
	m.recoveryRatio.Set(float64(h.RecoveryRatioBps))
	m.activeDeployments.Set(float64(h.ActiveDeployments))
	m.queueDepth.Set(float64(h.PendingQueue))
	m.queuedAmount.Set(float64(h.QueuedWithdrawalAmount))
	m.pendingRewards.Set(float64(h.PendingUndistributedRewards))
	m.rewardPool.Set(float64(h.RewardPoolBalance))
	if h.EmergencyPause {
		m.emergencyPause.Set(1)
	} else {
		m.emergencyPause.Set(0)
	}
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
