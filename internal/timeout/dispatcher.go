// Package timeout routes elapsed lifecycle timeouts to the manager that owns
// the timed-out object.
package timeout

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/loykin/appmgr/internal/metrics"
	"github.com/loykin/appmgr/internal/scheduler"
)

// EventKind names the lifecycle step that timed out.
type EventKind int

const (
	Load EventKind = iota
	Active
	Inactive
	Foreground
	ShareData
	Terminate
	Attach
)

func (k EventKind) String() string {
	switch k {
	case Load:
		return "Load"
	case Active:
		return "Active"
	case Inactive:
		return "Inactive"
	case Foreground:
		return "Foreground"
	case ShareData:
		return "ShareData"
	case Terminate:
		return "Terminate"
	case Attach:
		return "Attach"
	default:
		return "Unknown"
	}
}

// Handler receives ability lifecycle timeouts. The payload identifies the
// timed-out object, usually an ability id.
type Handler interface {
	HandleLoadTimeOut(id int64)
	HandleActiveTimeOut(id int64)
	HandleInactiveTimeOut(id int64)
	HandleForegroundTimeOut(id int64)
	HandleShareDataTimeOut(id int64)
}

// ProcessHandler receives process level timeouts keyed by process record id.
type ProcessHandler interface {
	HandleTerminateTimeOut(id int64)
	HandleAttachTimeOut(id int64)
}

type Option func(*Dispatcher)

// WithIgnore installs the escape hatch consulted on every dispatch; while it
// returns true timeouts are dropped.
func WithIgnore(fn func() bool) Option { return func(d *Dispatcher) { d.ignore = fn } }

func WithProcessHandler(p ProcessHandler) Option { return func(d *Dispatcher) { d.process = p } }

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

type Dispatcher struct {
	sched   *scheduler.Scheduler
	handler Handler
	process ProcessHandler
	ignore  func() bool
	log     *slog.Logger
}

func New(sched *scheduler.Scheduler, h Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{sched: sched, handler: h, log: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With("component", "timeout")
	return d
}

// TaskName is the scheduler task name of the timeout for (kind, payload).
func TaskName(kind EventKind, payload int64) string {
	return kind.String() + "Timeout_" + strconv.FormatInt(payload, 10)
}

// Dispatch routes one elapsed timeout and reports whether a handler ran.
func (d *Dispatcher) Dispatch(kind EventKind, payload int64) bool {
	if d.ignore != nil && d.ignore() {
		d.log.Debug("timeout ignored", "kind", kind.String(), "payload", payload)
		metrics.IncTimeoutDispatched(kind.String(), true)
		return false
	}
	handled := d.route(kind, payload)
	if !handled {
		d.log.Error("no handler for timeout", "kind", kind.String(), "payload", payload)
		return false
	}
	d.log.Info("timeout dispatched", "kind", kind.String(), "payload", payload)
	metrics.IncTimeoutDispatched(kind.String(), false)
	return true
}

func (d *Dispatcher) route(kind EventKind, payload int64) bool {
	switch kind {
	case Terminate, Attach:
		if d.process == nil {
			return false
		}
		if kind == Terminate {
			d.process.HandleTerminateTimeOut(payload)
		} else {
			d.process.HandleAttachTimeOut(payload)
		}
		return true
	}
	if d.handler == nil {
		return false
	}
	switch kind {
	case Load:
		d.handler.HandleLoadTimeOut(payload)
	case Active:
		d.handler.HandleActiveTimeOut(payload)
	case Inactive:
		d.handler.HandleInactiveTimeOut(payload)
	case Foreground:
		d.handler.HandleForegroundTimeOut(payload)
	case ShareData:
		d.handler.HandleShareDataTimeOut(payload)
	default:
		return false
	}
	return true
}

// Post arms the timeout for (kind, payload), replacing one already pending.
func (d *Dispatcher) Post(kind EventKind, payload int64, delay time.Duration) scheduler.Handle {
	if d.sched == nil {
		d.log.Error("post timeout without scheduler", "kind", kind.String(), "payload", payload)
		return scheduler.Handle{}
	}
	name := TaskName(kind, payload)
	d.sched.Cancel(name)
	return d.sched.Submit(func() { d.Dispatch(kind, payload) }, scheduler.Options{
		Name:  name,
		Delay: delay,
		QoS:   scheduler.UserInitiated,
	})
}

// Cancel disarms the pending timeout for (kind, payload).
func (d *Dispatcher) Cancel(kind EventKind, payload int64) bool {
	if d.sched == nil {
		return false
	}
	return d.sched.Cancel(TaskName(kind, payload))
}
