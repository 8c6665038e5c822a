// Package monitoring exposes Prometheus metrics for the box office.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	holdsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxoffice_holds_total",
			Help: "Hold attempts by result",
		},
		[]string{"event_id", "result"},
	)

	reservationsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxoffice_reservations_resolved_total",
			Help: "Reservations leaving the active state, by final status",
		},
		[]string{"status"},
	)

	holdDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "boxoffice_hold_duration_seconds",
			Help:    "Time a reservation stayed active before it was resolved",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"status"},
	)

	paymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxoffice_payments_total",
			Help: "Payment outcomes by method and status",
		},
		[]string{"method", "status"},
	)

	processingPayments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "boxoffice_processing_payments",
			Help: "Payments waiting for a definitive provider signal",
		},
	)

	walletTransactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxoffice_wallet_transactions_total",
			Help: "Wallet ledger postings by type and status",
		},
		[]string{"type", "status"},
	)

	ticketsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxoffice_tickets_issued_total",
			Help: "Tickets issued per event",
		},
		[]string{"event_id"},
	)

	ticketScans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxoffice_ticket_scans_total",
			Help: "Ticket scans by result",
		},
		[]string{"result"},
	)

	notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxoffice_notifications_total",
			Help: "Notification dispatches by kind and result",
		},
		[]string{"kind", "result"},
	)

	reconciliationFlags = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxoffice_reconciliation_flags_total",
			Help: "Reconciliation mismatches raised by kind",
		},
		[]string{"kind"},
	)

	storeTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "boxoffice_store_tx_duration_seconds",
			Help:    "Duration of store transactions",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func RecordHold(eventID, result string) {
	holdsTotal.WithLabelValues(eventID, result).Inc()
}

func RecordReservationResolved(status string, heldFor time.Duration) {
	reservationsResolved.WithLabelValues(status).Inc()
	holdDuration.WithLabelValues(status).Observe(heldFor.Seconds())
}

func RecordPayment(method, status string) {
	paymentsTotal.WithLabelValues(method, status).Inc()
}

func SetProcessingPayments(n int) {
	processingPayments.Set(float64(n))
}

func RecordWalletTransaction(txType, status string) {
	walletTransactions.WithLabelValues(txType, status).Inc()
}

func RecordTicketIssued(eventID string) {
	ticketsIssued.WithLabelValues(eventID).Inc()
}

func RecordScan(result string) {
	ticketScans.WithLabelValues(result).Inc()
}

func RecordNotification(kind, result string) {
	notifications.WithLabelValues(kind, result).Inc()
}

func RecordFlag(kind string) {
	reconciliationFlags.WithLabelValues(kind).Inc()
}

func ObserveStoreTx(d time.Duration) {
	storeTxDuration.Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
