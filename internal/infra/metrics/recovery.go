package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		entitlementUpgrades,
		recoveryActions,
		notificationsTotal,
	)
}

var (
	// result: upgraded|already_paid|failed|skipped
	entitlementUpgrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitlement_upgrades_total",
			Help: "Tier upgrade attempts by result.",
		},
		[]string{"result"},
	)

	// kind: cancelled_stale|completed_on_requery|entitlement_retry|orphan_resolved|skipped
	recoveryActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_sweep_total",
			Help: "Actions taken by the recovery sweeper.",
		},
		[]string{"kind"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_notifications_total",
			Help: "Notification deliveries by sink and status.",
		},
		[]string{"sink", "status"},
	)
)

func IncEntitlement(result string) {
	entitlementUpgrades.WithLabelValues(norm(result)).Inc()
}

func IncRecovery(kind string) {
	recoveryActions.WithLabelValues(norm(kind)).Inc()
}

func IncNotification(sink string, ok bool) {
	status := "sent"
	if !ok {
		status = "error"
	}
	notificationsTotal.WithLabelValues(norm(sink), status).Inc()
}
