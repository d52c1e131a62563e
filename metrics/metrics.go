// Package metrics exposes Prometheus instrumentation for the endpoint: the
// number of open connections, accept throughput and failures, timeouts
// raised by the poller sweep, rejected dispatches and sendfile outcomes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsOpen tracks currently open socket wrappers per endpoint.
	ConnectionsOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nioendpoint_connections_open",
		Help: "Current number of open connections",
	}, []string{"endpoint"})

	// AcceptedTotal counts sockets returned by accept(2).
	AcceptedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nioendpoint_accepted_total",
		Help: "Total number of accepted connections",
	}, []string{"endpoint"})

	// AcceptErrorsTotal counts accept(2) failures observed while running.
	AcceptErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nioendpoint_accept_errors_total",
		Help: "Total number of accept failures",
	}, []string{"endpoint"})

	// TimeoutsTotal counts read/write timeouts, labeled by op.
	TimeoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nioendpoint_timeouts_total",
		Help: "Total number of socket timeouts",
	}, []string{"endpoint", "op"}) // op = "read", "write"

	// RejectedTotal counts processing tasks the worker pool refused.
	RejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nioendpoint_rejected_total",
		Help: "Total number of socket processing tasks rejected by the worker pool",
	}, []string{"endpoint"})

	// SendfileTotal counts finished sendfile transfers by result.
	SendfileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nioendpoint_sendfile_total",
		Help: "Total number of finished sendfile transfers",
	}, []string{"endpoint", "result"}) // result = "done", "error"

	// AdmissionWaiters tracks acceptors parked on the admission gate.
	AdmissionWaiters = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nioendpoint_admission_waiters",
		Help: "Current number of acceptors waiting for a connection slot",
	}, []string{"endpoint"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsOpen,
		AcceptedTotal,
		AcceptErrorsTotal,
		TimeoutsTotal,
		RejectedTotal,
		SendfileTotal,
		AdmissionWaiters,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
