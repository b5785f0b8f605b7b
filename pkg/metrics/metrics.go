// Package metrics exposes the fabric's prometheus metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values for outcomes.
const (
	ReasonPolicy     = "policy"
	ReasonSwitch     = "switch"
	ReasonNoHandler  = "no_handler"
	ReasonHandlerOff = "handler_off"
	ReasonDecode     = "decode"
	ReasonQueueFull  = "queue_full"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
	OutcomeLate    = "late"
	OutcomeClosed  = "closed"

	SyncOK         = "ok"
	SyncDisabled   = "disabled"
	SyncPullFailed = "pull_failed"
	SyncPushFailed = "push_failed"
)

// Registry holds every fabric metric. A nil *Registry records nothing.
type Registry struct {
	// Producer
	MessagesProducedTotal *prometheus.CounterVec
	MessagesBlockedTotal  *prometheus.CounterVec

	// Dispatcher
	MessagesHandledTotal *prometheus.CounterVec
	MessagesDroppedTotal *prometheus.CounterVec
	DispatchQueueDepth   prometheus.Gauge

	// Commands
	CommandsExecutedTotal *prometheus.CounterVec
	CommandResultsTotal   *prometheus.CounterVec
	CommandsPending       prometheus.Gauge
	CommandDuration       *prometheus.HistogramVec

	// Synchronization
	SyncTotal    *prometheus.CounterVec
	SyncDuration *prometheus.HistogramVec

	// Transport
	TransportSendErrorsTotal *prometheus.CounterVec
	TransportFramesTotal     *prometheus.CounterVec

	registry *prometheus.Registry
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with every metric registered.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	r.initProducerMetrics()
	r.initDispatchMetrics()
	r.initCommandMetrics()
	r.initSyncMetrics()
	r.initTransportMetrics()
	return r
}

func (r *Registry) initProducerMetrics() {
	f := promauto.With(r.registry)
	r.MessagesProducedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gocellar_messages_produced_total",
			Help: "Messages handed to the transport",
		},
		[]string{"kind", "type"},
	)
	r.MessagesBlockedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gocellar_messages_blocked_total",
			Help: "Outbound messages not sent",
		},
		[]string{"kind", "reason"}, // policy, switch
	)
}

func (r *Registry) initDispatchMetrics() {
	f := promauto.With(r.registry)
	r.MessagesHandledTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gocellar_messages_handled_total",
			Help: "Inbound messages passed to a handler",
		},
		[]string{"kind", "status"},
	)
	r.MessagesDroppedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gocellar_messages_dropped_total",
			Help: "Inbound messages skipped before reaching a handler",
		},
		[]string{"kind", "reason"},
	)
	r.DispatchQueueDepth = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "gocellar_dispatch_queue_depth",
			Help: "Messages waiting for a dispatch worker",
		},
	)
}

func (r *Registry) initCommandMetrics() {
	f := promauto.With(r.registry)
	r.CommandsExecutedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gocellar_commands_executed_total",
			Help: "Commands registered for execution",
		},
		[]string{"kind"},
	)
	r.CommandResultsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gocellar_command_results_total",
			Help: "Per-destination command outcomes",
		},
		[]string{"outcome"}, // success, failure, timeout, late, closed
	)
	r.CommandsPending = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "gocellar_commands_pending",
			Help: "Commands awaiting replies",
		},
	)
	r.CommandDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gocellar_command_duration_seconds",
			Help:    "Time from registration to resolution",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"kind"},
	)
}

func (r *Registry) initSyncMetrics() {
	f := promauto.With(r.registry)
	r.SyncTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gocellar_sync_total",
			Help: "Synchronizer runs by outcome",
		},
		[]string{"synchronizer", "outcome"},
	)
	r.SyncDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gocellar_sync_duration_seconds",
			Help:    "Duration of a pull/push cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"synchronizer"},
	)
}

func (r *Registry) initTransportMetrics() {
	f := promauto.With(r.registry)
	r.TransportSendErrorsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gocellar_transport_send_errors_total",
			Help: "Frames that could not be delivered to a peer",
		},
		[]string{"transport"},
	)
	r.TransportFramesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gocellar_transport_frames_total",
			Help: "Frames sent and received",
		},
		[]string{"transport", "direction"},
	)
}

// Handler serves the registry in the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.registry }

func (r *Registry) RecordProduced(kind, msgType string) {
	if r == nil {
		return
	}
	r.MessagesProducedTotal.WithLabelValues(kind, msgType).Inc()
}

func (r *Registry) RecordBlocked(kind, reason string) {
	if r == nil {
		return
	}
	r.MessagesBlockedTotal.WithLabelValues(kind, reason).Inc()
}

func (r *Registry) RecordHandled(kind string, err error) {
	if r == nil {
		return
	}
	status := OutcomeSuccess
	if err != nil {
		status = OutcomeFailure
	}
	r.MessagesHandledTotal.WithLabelValues(kind, status).Inc()
}

func (r *Registry) RecordDropped(kind, reason string) {
	if r == nil {
		return
	}
	r.MessagesDroppedTotal.WithLabelValues(kind, reason).Inc()
}

func (r *Registry) SetQueueDepth(n int) {
	if r == nil {
		return
	}
	r.DispatchQueueDepth.Set(float64(n))
}

// CommandStarted records a newly registered command.
func (r *Registry) CommandStarted(kind string) {
	if r == nil {
		return
	}
	r.CommandsExecutedTotal.WithLabelValues(kind).Inc()
	r.CommandsPending.Inc()
}

// CommandFinished records the resolution of a registered command.
func (r *Registry) CommandFinished(kind string, d time.Duration) {
	if r == nil {
		return
	}
	r.CommandsPending.Dec()
	r.CommandDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (r *Registry) RecordResult(outcome string) {
	if r == nil {
		return
	}
	r.CommandResultsTotal.WithLabelValues(outcome).Inc()
}

func (r *Registry) RecordSync(synchronizer, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.SyncTotal.WithLabelValues(synchronizer, outcome).Inc()
	if outcome != SyncDisabled {
		r.SyncDuration.WithLabelValues(synchronizer).Observe(d.Seconds())
	}
}

func (r *Registry) RecordSendError(transport string) {
	if r == nil {
		return
	}
	r.TransportSendErrorsTotal.WithLabelValues(transport).Inc()
}

func (r *Registry) RecordFrame(transport, direction string) {
	if r == nil {
		return
	}
	r.TransportFramesTotal.WithLabelValues(transport, direction).Inc()
}
