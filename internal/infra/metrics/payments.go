package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		transactionsTotal,
		revenueTotal,
		gatewayDuration,
		couponRedemptions,
	)
}

var (
	// status: created|processing|completed|failed|cancelled|refunded
	transactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_transactions_total",
			Help: "Transaction state changes by payment method and resulting status.",
		},
		[]string{"method", "status"},
	)

	revenueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_revenue_minor_total",
			Help: "Captured amount in minor currency units.",
		},
		[]string{"method", "currency"},
	)

	gatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_gateway_duration_seconds",
			Help:    "Latency of outbound provider calls.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		},
		[]string{"provider", "op", "success"},
	)

	// result: applied|exhausted|invalid
	couponRedemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coupon_redemptions_total",
			Help: "Coupon resolutions and redemptions by result.",
		},
		[]string{"result"},
	)
)

func IncTransaction(method, status string) {
	transactionsTotal.WithLabelValues(norm(method), norm(status)).Inc()
}

func AddRevenue(method, currency string, amount int64) {
	revenueTotal.WithLabelValues(norm(method), norm(currency)).Add(float64(amount))
}

// ObserveGateway is used as: defer metrics.ObserveGateway("atmos", "reserve", time.Now(), &err)
func ObserveGateway(provider, op string, start time.Time, errp *error) {
	ok := errp == nil || *errp == nil
	gatewayDuration.WithLabelValues(norm(provider), norm(op), boolLabel(ok)).Observe(time.Since(start).Seconds())
}

func IncCoupon(result string) {
	couponRedemptions.WithLabelValues(norm(result)).Inc()
}
