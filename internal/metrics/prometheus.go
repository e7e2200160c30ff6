package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector with Prometheus vectors.
type PrometheusCollector struct {
	transactions    *prometheus.CounterVec
	withdrawals     *prometheus.CounterVec
	balanceCredits  *prometheus.CounterVec
	quotaRejections *prometheus.CounterVec
	checkouts       *prometheus.CounterVec
	checkoutLines   prometheus.Histogram
	storeCalls      *prometheus.CounterVec
	storeLatency    *prometheus.HistogramVec
	circuitState    *prometheus.GaugeVec
}

// NewPrometheusCollector creates the collector's vectors under namespace.
// Call Register to expose them.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	return &PrometheusCollector{
		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Transactions created or transitioned, by category and resulting status",
			},
			[]string{"category", "status"},
		),
		withdrawals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "withdrawals_total",
				Help:      "Withdrawal requests created or transitioned, by resulting status",
			},
			[]string{"status"},
		),
		balanceCredits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "balance_credited_total",
				Help:      "Amount credited to balances, by balance kind",
			},
			[]string{"kind"},
		),
		quotaRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_rejections_total",
				Help:      "Listing creations or promotions refused by a plan limit",
			},
			[]string{"dimension"},
		),
		checkouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkouts_total",
				Help:      "Checkout attempts by outcome",
			},
			[]string{"outcome"},
		),
		checkoutLines: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "checkout_lines",
				Help:      "Number of cart lines per checkout",
				Buckets:   prometheus.LinearBuckets(1, 2, 8),
			},
		),
		storeCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_calls_total",
				Help:      "Data store calls by operation and result",
			},
			[]string{"op", "result"},
		),
		storeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_call_duration_seconds",
				Help:      "Data store call latency",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"op"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_circuit_state",
				Help:      "Data store circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
	}
}

// Register registers every vector with reg.
func (c *PrometheusCollector) Register(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{
		c.transactions, c.withdrawals, c.balanceCredits, c.quotaRejections,
		c.checkouts, c.checkoutLines, c.storeCalls, c.storeLatency, c.circuitState,
	} {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

func (c *PrometheusCollector) RecordTransaction(category, status string) {
	c.transactions.WithLabelValues(category, status).Inc()
}

func (c *PrometheusCollector) RecordWithdrawal(status string) {
	c.withdrawals.WithLabelValues(status).Inc()
}

func (c *PrometheusCollector) RecordBalanceCredit(kind string, amount float64) {
	if amount <= 0 {
		return
	}
	c.balanceCredits.WithLabelValues(kind).Add(amount)
}

func (c *PrometheusCollector) RecordQuotaRejection(dimension string) {
	c.quotaRejections.WithLabelValues(dimension).Inc()
}

func (c *PrometheusCollector) RecordCheckout(outcome string, lines int) {
	c.checkouts.WithLabelValues(outcome).Inc()
	c.checkoutLines.Observe(float64(lines))
}

func (c *PrometheusCollector) RecordStoreCall(op string, success bool, duration time.Duration) {
	result := "ok"
	if !success {
		result = "error"
	}
	c.storeCalls.WithLabelValues(op, result).Inc()
	c.storeLatency.WithLabelValues(op).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordCircuitState(name string, state CircuitState) {
	c.circuitState.WithLabelValues(name).Set(float64(state))
}
