// Package metrics содержит счётчики Prometheus сервиса оплаты.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Fulfillments считает попытки исполнения по итогу.
	Fulfillments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sprintpay_fulfillments_total",
			Help: "Number of fulfillment attempts by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	// FulfillmentDuration — время транзакции исполнения, включая повторы.
	FulfillmentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "sprintpay_fulfillment_duration_seconds",
			Help: "Time taken to run the fulfillment transaction",
		},
	)

	// WebhookEvents считает входящие вызовы шлюза по результату.
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sprintpay_webhook_events_total",
			Help: "Number of gateway webhook calls by result",
		},
		[]string{"result"},
	)

	// Verifications считает завершения клиентской проверки по состоянию.
	Verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sprintpay_verifications_total",
			Help: "Number of finished client verifications by terminal state",
		},
		[]string{"state"},
	)

	// NotificationFailures считает неудачные публикации событий после фиксации.
	NotificationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sprintpay_notification_failures_total",
			Help: "Number of post-commit notifications that failed to publish",
		},
	)
)

// Register регистрирует счётчики в реестре.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(Fulfillments, FulfillmentDuration, WebhookEvents, Verifications, NotificationFailures)
}
