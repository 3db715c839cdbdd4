// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Detections counts poll results by outcome: detected, not_detected, no_frame.
	Detections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facekiosk",
		Name:      "detections_total",
		Help:      "Face detection poll results.",
	}, []string{"result"})

	// Confirmations counts debounce windows that reached the required duration.
	Confirmations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "facekiosk",
		Name:      "confirmations_total",
		Help:      "Continuous detection windows that reached the threshold.",
	})

	// RecordsWritten counts attendance rows inserted.
	RecordsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "facekiosk",
		Name:      "attendance_records_written_total",
		Help:      "Attendance records written.",
	})

	// StoreFailures counts failed store operations by step.
	StoreFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facekiosk",
		Name:      "store_failures_total",
		Help:      "Failed store operations.",
	}, []string{"op"})

	// SessionActive is 1 while a kiosk session is polling.
	SessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "facekiosk",
		Name:      "session_active",
		Help:      "Whether a kiosk session is currently polling.",
	})

	// SnapshotsUploaded counts worker uploads by outcome.
	SnapshotsUploaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facekiosk",
		Name:      "snapshots_uploaded_total",
		Help:      "Confirmation snapshots processed by the worker.",
	}, []string{"status"})
)
