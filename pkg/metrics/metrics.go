package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fortune_city_engine_build_info",
			Help: "Build information of the Fortune City engine",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fortune_city_engine_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fortune_city_engine_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fortune_city_engine_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Machine lifecycle metrics
	MachinePurchasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fortune_city_engine_machine_purchases_total",
			Help: "Total number of machines purchased",
		},
		[]string{"tier"},
	)

	MachineCollectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fortune_city_engine_machine_collections_total",
			Help: "Total number of coin box collections",
		},
		[]string{"mode"}, // "safe", "gamble_win", "gamble_lose", "auto"
	)

	MachineCollectedAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fortune_city_engine_machine_collected_amount_total",
			Help: "Total FORTUNE credited from coin box collections",
		},
		[]string{"mode"},
	)

	MachinesExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fortune_city_engine_machines_expired_total",
			Help: "Total number of machines swept to expired",
		},
	)

	// Withdrawal metrics
	WithdrawalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fortune_city_engine_withdrawals_total",
			Help: "Total number of withdrawal requests by terminal status",
		},
		[]string{"method", "status"},
	)

	WithdrawalAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fortune_city_engine_withdrawal_amount_total",
			Help: "Total gross USD requested for withdrawal by terminal status",
		},
		[]string{"method", "status"},
	)

	WithdrawalTaxAmount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fortune_city_engine_withdrawal_tax_amount_total",
			Help: "Total USD retained as withdrawal tax",
		},
	)

	// Referral metrics
	ReferralCreditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fortune_city_engine_referral_credits_total",
			Help: "Total number of referral credits awarded",
		},
		[]string{"level"},
	)

	ReferralCreditAmount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fortune_city_engine_referral_credit_amount_total",
			Help: "Total USD credited to referral balances",
		},
	)

	// Solana RPC metrics
	SolanaRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fortune_city_engine_solana_requests_total",
			Help: "Total number of Solana RPC requests",
		},
		[]string{"method", "status"},
	)

	SolanaRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fortune_city_engine_solana_request_duration_seconds",
			Help:    "Duration of Solana RPC requests in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"method"},
	)

	VaultPayoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fortune_city_engine_vault_payouts_total",
			Help: "Total number of vault payout transactions submitted",
		},
		[]string{"status"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// RecordCollection records a coin box collection and the amount credited.
func RecordCollection(mode string, amount float64) {
	MachineCollectionsTotal.WithLabelValues(mode).Inc()
	MachineCollectedAmount.WithLabelValues(mode).Add(amount)
}

// RecordWithdrawal records a withdrawal reaching a terminal status.
func RecordWithdrawal(method, status string, amount, tax float64) {
	WithdrawalsTotal.WithLabelValues(method, status).Inc()
	WithdrawalAmount.WithLabelValues(method, status).Add(amount)
	if status == "completed" && tax > 0 {
		WithdrawalTaxAmount.Add(tax)
	}
}

// RecordSolanaRequest records metrics for a Solana RPC request.
func RecordSolanaRequest(method string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	SolanaRequestsTotal.WithLabelValues(method, status).Inc()
	SolanaRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}
