package scheduler

import "time"

// Status is the lifecycle state of a submitted task.
type Status int

const (
	Pending Status = iota
	Executing
	Finished
	Canceled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Executing:
		return "EXECUTING"
	case Finished:
		return "FINISHED"
	case Canceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == Finished || s == Canceled }

type task struct {
	seq     uint64
	name    string
	fn      func()
	qos     QoS
	timeout time.Duration

	submittedAt time.Time
	readyAt     time.Time

	// guarded by Scheduler.mu
	status  Status
	delayed bool
	index   int

	done chan struct{}
	s    *Scheduler
}

// Handle refers to one submitted task. The zero Handle is the empty handle
// returned when a submission is dropped; it is never pending.
type Handle struct {
	t *task
}

// IsValid reports whether the handle refers to a submitted task.
func (h Handle) IsValid() bool { return h.t != nil }

// IsSame reports whether both handles refer to the same submission.
func (h Handle) IsSame(o Handle) bool { return h.t != nil && h.t == o.t }

func (h Handle) Name() string {
	if h.t == nil {
		return ""
	}
	return h.t.name
}

func (h Handle) QoS() QoS {
	if h.t == nil {
		return Inherit
	}
	return h.t.qos
}

// Status returns the current task status. The empty handle reports Canceled.
func (h Handle) Status() Status {
	if h.t == nil {
		return Canceled
	}
	h.t.s.mu.Lock()
	defer h.t.s.mu.Unlock()
	return h.t.status
}

// Cancel cancels the task if it is still pending. It returns false when the
// task already started, finished or was canceled.
func (h Handle) Cancel() bool {
	if h.t == nil {
		return false
	}
	return h.t.s.cancelTask(h.t)
}

// Sync blocks until the task is finished or canceled.
func (h Handle) Sync() {
	if h.t == nil {
		return
	}
	<-h.t.done
}

// Done returns a channel closed once the task reaches a terminal status.
func (h Handle) Done() <-chan struct{} {
	if h.t == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return h.t.done
}
