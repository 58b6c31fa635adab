package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	tasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appmgr",
			Subsystem: "scheduler",
			Name:      "tasks_submitted_total",
			Help:      "Number of tasks accepted by the scheduler.",
		}, []string{"qos"},
	)
	tasksExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appmgr",
			Subsystem: "scheduler",
			Name:      "tasks_executed_total",
			Help:      "Number of task bodies run to completion (including recovered panics).",
		}, []string{"qos"},
	)
	tasksCanceled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "appmgr",
			Subsystem: "scheduler",
			Name:      "tasks_canceled_total",
			Help:      "Number of pending tasks canceled before they ran.",
		},
	)
	tasksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appmgr",
			Subsystem: "scheduler",
			Name:      "tasks_dropped_total",
			Help:      "Number of submissions dropped (dedup hit or scheduler closed).",
		}, []string{"reason"},
	)
	taskPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "appmgr",
			Subsystem: "scheduler",
			Name:      "task_panics_total",
			Help:      "Number of task bodies that panicked.",
		},
	)
	taskOverruns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "appmgr",
			Subsystem: "scheduler",
			Name:      "task_overruns_total",
			Help:      "Number of task bodies that ran longer than their declared timeout.",
		},
	)
	pendingTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "appmgr",
			Subsystem: "scheduler",
			Name:      "pending_tasks",
			Help:      "Tasks currently waiting (delayed or ready).",
		},
	)

	registryProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "appmgr",
			Subsystem: "registry",
			Name:      "processes",
			Help:      "Process records currently held by the registry.",
		},
	)
	registryRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appmgr",
			Subsystem: "registry",
			Name:      "removed_total",
			Help:      "Number of process records removed from the registry.",
		}, []string{"reason"},
	)
	registryReused = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appmgr",
			Subsystem: "registry",
			Name:      "reused_total",
			Help:      "Number of launch requests served by an existing process record.",
		}, []string{"source"},
	)

	connTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appmgr",
			Subsystem: "connection",
			Name:      "state_transitions_total",
			Help:      "Number of connection record state transitions.",
		}, []string{"from", "to"},
	)
	connActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "appmgr",
			Subsystem: "connection",
			Name:      "active",
			Help:      "Connection records currently registered in the connection index.",
		},
	)
	callsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "appmgr",
			Subsystem: "connection",
			Name:      "calls_active",
			Help:      "Call records currently registered.",
		},
	)

	timeoutsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appmgr",
			Subsystem: "timeout",
			Name:      "dispatched_total",
			Help:      "Number of timeout events routed to a handler.",
		}, []string{"kind", "ignored"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		tasksSubmitted, tasksExecuted, tasksCanceled, tasksDropped, taskPanics, taskOverruns, pendingTasks,
		registryProcesses, registryRemoved, registryReused,
		connTransitions, connActive, callsActive,
		timeoutsDispatched,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncTaskSubmitted(qos string) {
	if regOK.Load() {
		tasksSubmitted.WithLabelValues(qos).Inc()
	}
}

func IncTaskExecuted(qos string) {
	if regOK.Load() {
		tasksExecuted.WithLabelValues(qos).Inc()
	}
}

func IncTaskCanceled() {
	if regOK.Load() {
		tasksCanceled.Inc()
	}
}

func IncTaskDropped(reason string) {
	if regOK.Load() {
		tasksDropped.WithLabelValues(reason).Inc()
	}
}

func IncTaskPanic() {
	if regOK.Load() {
		taskPanics.Inc()
	}
}

func IncTaskOverrun() {
	if regOK.Load() {
		taskOverruns.Inc()
	}
}

func SetPendingTasks(n int) {
	if regOK.Load() {
		pendingTasks.Set(float64(n))
	}
}

func SetRegistryProcesses(n int) {
	if regOK.Load() {
		registryProcesses.Set(float64(n))
	}
}

func IncRegistryRemoved(reason string) {
	if regOK.Load() {
		registryRemoved.WithLabelValues(reason).Inc()
	}
}

func IncRegistryReused(source string) {
	if regOK.Load() {
		registryReused.WithLabelValues(source).Inc()
	}
}

func RecordConnectionTransition(from, to string) {
	if regOK.Load() {
		connTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetActiveConnections(n int) {
	if regOK.Load() {
		connActive.Set(float64(n))
	}
}

func SetActiveCalls(n int) {
	if regOK.Load() {
		callsActive.Set(float64(n))
	}
}

func IncTimeoutDispatched(kind string, ignored bool) {
	if regOK.Load() {
		v := "false"
		if ignored {
			v = "true"
		}
		timeoutsDispatched.WithLabelValues(kind, v).Inc()
	}
}
