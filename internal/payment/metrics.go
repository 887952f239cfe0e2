package payment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	initiations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_initiations_total",
		Help: "Payment initiations, by gateway and outcome",
	}, []string{"gateway", "outcome"})

	webhooks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhooks_total",
		Help: "Webhook deliveries, by gateway and outcome",
	}, []string{"gateway", "outcome"})
)

func RecordInitiation(gateway, outcome string) {
	initiations.WithLabelValues(gateway, outcome).Inc()
}

func RecordWebhook(gateway, outcome string) {
	webhooks.WithLabelValues(gateway, outcome).Inc()
}
