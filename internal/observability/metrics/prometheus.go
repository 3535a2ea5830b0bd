// Package metrics provides Prometheus metrics for the fulfillment core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	PrescriptionsCreated   prometheus.Counter
	PrescriptionsValidated prometheus.Counter
	PrescriptionsCancelled prometheus.Counter
	PrescriptionsFilled    prometheus.Counter
	BatchesDispensed       prometheus.Counter
	DispenseFailures       *prometheus.CounterVec
	StockDeducted          prometheus.Counter
	DispenseDuration       prometheus.Histogram
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		PrescriptionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_created_total",
			Help: "Total prescriptions created",
		}),
		PrescriptionsValidated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_validated_total",
			Help: "Total prescriptions validated",
		}),
		PrescriptionsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_cancelled_total",
			Help: "Total prescriptions cancelled",
		}),
		PrescriptionsFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_filled_total",
			Help: "Total prescriptions fully dispensed",
		}),
		BatchesDispensed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "batches_dispensed_total",
			Help: "Total batches dispensed",
		}),
		DispenseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispense_failures_total",
			Help: "Dispense attempts rejected, by error code",
		}, []string{"code"}),
		StockDeducted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_units_deducted_total",
			Help: "Total stock units deducted by dispensing",
		}),
		DispenseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispense_duration_seconds",
			Help:    "Dispense transaction duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}

	prometheus.MustRegister(
		m.PrescriptionsCreated,
		m.PrescriptionsValidated,
		m.PrescriptionsCancelled,
		m.PrescriptionsFilled,
		m.BatchesDispensed,
		m.DispenseFailures,
		m.StockDeducted,
		m.DispenseDuration,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
