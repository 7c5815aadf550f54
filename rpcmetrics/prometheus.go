// Package rpcmetrics exports rpcmux request statistics as Prometheus metrics.
package rpcmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc/status"

	"github.com/jhump/rpcmux"
)

// Observer is an rpcmux.Observer that records into Prometheus collectors.
type Observer struct {
	started        *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	expired        *prometheus.CounterVec
	failed         *prometheus.CounterVec
	completed      *prometheus.CounterVec
	responseTime   *prometheus.HistogramVec
	overdue        *prometheus.HistogramVec
	protocolErrors *prometheus.CounterVec
}

var _ rpcmux.Observer = (*Observer)(nil)

// New creates an observer whose collectors are registered with reg, with
// metric names prefixed by namespace. If reg is nil, the default registerer
// is used.
func New(reg prometheus.Registerer, namespace string) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	const subsystem = "rpc"
	return &Observer{
		started: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_started_total",
			Help:      "Total number of requests sent.",
		}, []string{"method"}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_rejected_total",
			Help:      "Total number of requests refused because the connection was overloaded.",
		}, []string{"method"}),
		expired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_expired_total",
			Help:      "Total number of requests that timed out.",
		}, []string{"method"}),
		failed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_failed_total",
			Help:      "Total number of requests that completed with an error.",
		}, []string{"method", "code"}),
		completed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_completed_total",
			Help:      "Total number of requests that completed successfully.",
		}, []string{"method"}),
		responseTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "response_time_seconds",
			Help:      "Time from sending a request to receiving its response.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method"}),
		overdue: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "response_overdue_seconds",
			Help:      "How far past their deadline late responses arrived.",
			Buckets:   []float64{0.001, 0.01, 0.1, 1, 10},
		}, []string{"method"}),
		protocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "protocol_errors_total",
			Help:      "Total number of connections closed because of I/O or protocol errors.",
		}, []string{"addr"}),
	}
}

func (o *Observer) RequestStarted(method string) {
	o.started.WithLabelValues(method).Inc()
}

func (o *Observer) RequestRejected(method string) {
	o.rejected.WithLabelValues(method).Inc()
}

func (o *Observer) RequestExpired(method string) {
	o.expired.WithLabelValues(method).Inc()
}

func (o *Observer) RequestFailed(method string, err error) {
	o.failed.WithLabelValues(method, status.Code(err).String()).Inc()
}

func (o *Observer) RequestCompleted(method string, responseTime, overdue time.Duration) {
	o.completed.WithLabelValues(method).Inc()
	o.responseTime.WithLabelValues(method).Observe(responseTime.Seconds())
	if overdue > 0 {
		o.overdue.WithLabelValues(method).Observe(overdue.Seconds())
	}
}

func (o *Observer) ProtocolError(addr string, _ error) {
	o.protocolErrors.WithLabelValues(addr).Inc()
}
