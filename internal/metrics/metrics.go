// Package metrics exposes Prometheus counters for protocol operations.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Operations counts protocol operations by name and outcome. The outcome
	// label is "ok" or the error kind.
	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskmesh",
		Name:      "operations_total",
		Help:      "Protocol operations by name and outcome.",
	}, []string{"operation", "outcome"})

	// LedgerTransfers counts journal entries by transaction type.
	LedgerTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskmesh",
		Name:      "ledger_transfers_total",
		Help:      "Ledger transfers by transaction type.",
	}, []string{"tx_type"})

	// EventsPublished counts events pushed to the message broker.
	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskmesh",
		Name:      "events_published_total",
		Help:      "Events published to the broker.",
	})
)

// Handler serves the /metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Instrument counts requests to one named operation by outcome ("ok" for
// 2xx, otherwise the status code).
func Instrument(operation string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		outcome := "ok"
		if rec.status >= 300 {
			outcome = strconv.Itoa(rec.status)
		}
		Operations.WithLabelValues(operation, outcome).Inc()
	}
}
