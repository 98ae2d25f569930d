package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"chatsync/pkg/syncerr"
)

// Registry holds every chatsync collector; the metrics endpoint serves it.
var Registry = prometheus.NewRegistry()

var (
	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chatsync",
		Name:      "operation_duration_seconds",
		Help:      "Duration of tracked operations.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"op"})
	opStepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chatsync",
		Name:      "operation_step_duration_seconds",
		Help:      "Duration of marked steps inside tracked operations.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"op", "step"})
	opTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "operations_total",
		Help:      "Tracked operations by outcome.",
	}, []string{"op", "outcome"})
	mutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "optimistic_mutations_total",
		Help:      "Optimistic mutations by kind and result.",
	}, []string{"kind", "result"})
	gauges = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chatsync",
		Name:      "state",
		Help:      "Point-in-time engine state.",
	}, []string{"name"})
)

var registerOnce sync.Once

func init() {
	registerOnce.Do(func() {
		Registry.MustRegister(opDuration, opStepDuration, opTotal, mutations, gauges)
		Registry.MustRegister(collectors.NewGoCollector())
	})
}

type Trace struct {
	Name     string
	Start    time.Time
	lastMark time.Time
	done     bool
}

// Track starts a trace for one operation.
func Track(name string) *Trace {
	now := time.Now()
	return &Trace{Name: name, Start: now, lastMark: now}
}

// Mark records the time since the previous mark as a step.
func (tr *Trace) Mark(step string) {
	now := time.Now()
	opStepDuration.WithLabelValues(tr.Name, step).Observe(now.Sub(tr.lastMark).Seconds())
	tr.lastMark = now
}

// Finish records the trace with the outcome derived from err. Safe to call
// more than once; only the first call counts.
func (tr *Trace) Finish(err error) {
	if tr == nil || tr.done {
		return
	}
	tr.done = true
	opDuration.WithLabelValues(tr.Name).Observe(time.Since(tr.Start).Seconds())
	opTotal.WithLabelValues(tr.Name, Outcome(err)).Inc()
}

// Outcome names the error kind for labels.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch syncerr.Kind(err) {
	case syncerr.ErrNetworkUnavailable:
		return "network_unavailable"
	case syncerr.ErrRemoteRejected:
		return "remote_rejected"
	case syncerr.ErrResourceBusy:
		return "resource_busy"
	case syncerr.ErrPermissionDenied:
		return "permission_denied"
	case syncerr.ErrInvalidOperation:
		return "invalid_operation"
	case syncerr.ErrNotFound:
		return "not_found"
	default:
		return "error"
	}
}

// RecordMutation counts an optimistic mutation result: applied, acked,
// reverted or failed.
func RecordMutation(kind, result string) {
	mutations.WithLabelValues(kind, result).Inc()
}

// SetGauge sets a named engine gauge.
func SetGauge(name string, v float64) {
	gauges.WithLabelValues(name).Set(v)
}
