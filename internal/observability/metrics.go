package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce             sync.Once
	httpDurationHistogram    *prometheus.HistogramVec
	depositCounter           *prometheus.CounterVec
	payoutCounter            *prometheus.CounterVec
	approvalCounter          prometheus.Counter
	reconciliationBreakGauge *prometheus.GaugeVec
	auditChainGauge          prometheus.Gauge
	workerRunCounter         *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		depositCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_deposits_total",
			Help: "Funding events by outcome (applied, duplicate, rejected)",
		}, []string{"outcome"})

		payoutCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_payouts_total",
			Help: "Payout executions by outcome",
		}, []string{"outcome"})

		approvalCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrow_approvals_total",
			Help: "Accepted release-request approval votes",
		})

		reconciliationBreakGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escrow_reconciliation_delta",
			Help: "Internal-minus-custodial delta from the latest reconciliation run",
		}, []string{"currency"})

		auditChainGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_audit_chain_valid",
			Help: "1 when the last audit verification found an intact chain",
		})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			depositCounter,
			payoutCounter,
			approvalCounter,
			reconciliationBreakGauge,
			auditChainGauge,
			workerRunCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementDeposit(outcome string) {
	if depositCounter == nil {
		return
	}
	depositCounter.WithLabelValues(outcome).Inc()
}

func IncrementPayout(outcome string) {
	if payoutCounter == nil {
		return
	}
	payoutCounter.WithLabelValues(outcome).Inc()
}

func IncrementApproval() {
	if approvalCounter == nil {
		return
	}
	approvalCounter.Inc()
}

func SetReconciliationDelta(currency string, delta int64) {
	if reconciliationBreakGauge == nil {
		return
	}
	reconciliationBreakGauge.WithLabelValues(currency).Set(float64(delta))
}

func SetAuditChainValid(valid bool) {
	if auditChainGauge == nil {
		return
	}
	if valid {
		auditChainGauge.Set(1)
	} else {
		auditChainGauge.Set(0)
	}
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}
