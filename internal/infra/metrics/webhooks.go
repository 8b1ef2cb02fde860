package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(webhookRequests) }

// result: ok|replay|rejected|bad_signature|error
var webhookRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "payment_webhook_requests_total",
		Help: "Inbound provider callbacks by provider, action and result.",
	},
	[]string{"provider", "action", "result"},
)

func IncWebhook(provider, action, result string) {
	webhookRequests.WithLabelValues(norm(provider), norm(action), norm(result)).Inc()
}
