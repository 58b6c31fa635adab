// Package scheduler runs named, delayed, priority-tagged and cancelable
// tasks on a shared worker pool.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/loykin/appmgr/internal/metrics"
)

const defaultWorkers = 4

// Options control a single submission.
type Options struct {
	// Name is the dedup and cancellation key. Empty means anonymous.
	Name string
	// Delay postpones the task; zero or negative runs it as soon as a worker is free.
	Delay time.Duration
	QoS   QoS
	// Dedup drops the submission while another task with the same name is pending.
	Dedup bool
	// MustPost submits even when Dedup would drop it; both tasks stay tracked.
	MustPost bool
	// Timeout, when set, is the expected upper bound of the task body. Overruns
	// are logged and counted; the body is not interrupted.
	Timeout time.Duration
}

type Option func(*Scheduler)

// WithWorkers sets the number of worker goroutines.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithName labels log lines of this scheduler.
func WithName(name string) Option {
	return func(s *Scheduler) { s.name = name }
}

// WithDefaultQoS sets the class used for QoS Inherit without a context value.
func WithDefaultQoS(q QoS) Option {
	return func(s *Scheduler) {
		if q != Inherit {
			s.defQoS = q
		}
	}
}

// Scheduler executes submitted tasks on a fixed worker pool. Delayed tasks
// wait in a min-heap keyed by ready time; runnable tasks are ordered by QoS.
//
// Named tasks are tracked in a name table while pending. A task leaves the
// table the moment it starts executing or is canceled, so the table never
// outgrows the set of pending named tasks.
type Scheduler struct {
	name    string
	log     *slog.Logger
	workers int
	defQoS  QoS

	mu      sync.Mutex
	cond    *sync.Cond
	delayed delayHeap
	ready   readyHeap
	names   map[string][]*task
	seq     uint64
	closed  bool

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

// New starts a scheduler with its worker pool and delay timer.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		name:    "default",
		log:     slog.Default(),
		workers: defaultWorkers,
		defQoS:  Default,
		names:   make(map[string][]*task),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("scheduler", s.name)
	s.cond = sync.NewCond(&s.mu)

	s.wg.Add(s.workers + 1)
	go s.timerLoop()
	for i := 0; i < s.workers; i++ {
		go s.worker()
	}
	return s
}

// Submit schedules fn. It returns the empty handle when fn is nil, the
// scheduler is shut down, or a pending task with the same name absorbs the
// submission (Dedup without MustPost).
func (s *Scheduler) Submit(fn func(), opts Options) Handle {
	return s.SubmitContext(context.Background(), fn, opts)
}

// SubmitContext is Submit where QoS Inherit takes the class from ctx.
func (s *Scheduler) SubmitContext(ctx context.Context, fn func(), opts Options) Handle {
	if fn == nil {
		return Handle{}
	}
	qos := opts.QoS
	if qos == Inherit {
		if q, ok := QoSFromContext(ctx); ok {
			qos = q
		} else {
			qos = s.defQoS
		}
	}

	now := time.Now()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		metrics.IncTaskDropped("closed")
		s.log.Warn("submit after shutdown", "task", opts.Name)
		return Handle{}
	}
	if opts.Name != "" && opts.Dedup && !opts.MustPost && len(s.names[opts.Name]) > 0 {
		s.mu.Unlock()
		metrics.IncTaskDropped("dedup")
		s.log.Debug("duplicate task dropped", "task", opts.Name)
		return Handle{}
	}

	s.seq++
	t := &task{
		seq:         s.seq,
		name:        opts.Name,
		fn:          fn,
		qos:         qos,
		timeout:     opts.Timeout,
		submittedAt: now,
		readyAt:     now.Add(opts.Delay),
		status:      Pending,
		index:       -1,
		done:        make(chan struct{}),
		s:           s,
	}
	if t.name != "" {
		s.names[t.name] = append(s.names[t.name], t)
	}
	if opts.Delay > 0 {
		t.delayed = true
		heap.Push(&s.delayed, t)
		if s.delayed[0] == t {
			s.poke()
		}
	} else {
		heap.Push(&s.ready, t)
		s.cond.Signal()
	}
	pending := len(s.delayed) + len(s.ready)
	s.mu.Unlock()

	metrics.IncTaskSubmitted(qos.String())
	metrics.SetPendingTasks(pending)
	return Handle{t: t}
}

// Cancel cancels every pending task registered under name and forgets the
// name. It reports whether at least one pending task was canceled.
func (s *Scheduler) Cancel(name string) bool {
	if name == "" {
		return false
	}
	s.mu.Lock()
	ts := s.names[name]
	delete(s.names, name)
	var canceled []*task
	for _, t := range ts {
		if s.cancelLocked(t) {
			canceled = append(canceled, t)
		}
	}
	pending := len(s.delayed) + len(s.ready)
	s.mu.Unlock()

	for _, t := range canceled {
		s.finish(t)
	}
	if len(canceled) > 0 {
		metrics.SetPendingTasks(pending)
		s.log.Debug("task canceled", "task", name, "count", len(canceled))
	}
	return len(canceled) > 0
}

func (s *Scheduler) cancelTask(t *task) bool {
	s.mu.Lock()
	ok := s.cancelLocked(t)
	if ok {
		s.forgetLocked(t)
	}
	pending := len(s.delayed) + len(s.ready)
	s.mu.Unlock()
	if ok {
		s.finish(t)
		metrics.SetPendingTasks(pending)
	}
	return ok
}

// cancelLocked moves a pending task to Canceled. The done channel is closed
// by the caller once the lock is released.
func (s *Scheduler) cancelLocked(t *task) bool {
	if t.status != Pending {
		return false
	}
	s.removeQueued(t)
	t.status = Canceled
	metrics.IncTaskCanceled()
	return true
}

// forgetLocked drops t from the name table.
func (s *Scheduler) forgetLocked(t *task) {
	if t.name == "" {
		return
	}
	ts := s.names[t.name]
	for i, x := range ts {
		if x == t {
			ts = append(ts[:i], ts[i+1:]...)
			break
		}
	}
	if len(ts) == 0 {
		delete(s.names, t.name)
	} else {
		s.names[t.name] = ts
	}
}

func (s *Scheduler) finish(t *task) {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// timerLoop promotes delayed tasks to the ready queue when they come due.
func (s *Scheduler) timerLoop() {
	defer s.wg.Done()
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		s.mu.Lock()
		now := time.Now()
		for len(s.delayed) > 0 && !s.delayed[0].readyAt.After(now) {
			t := heap.Pop(&s.delayed).(*task)
			t.delayed = false
			heap.Push(&s.ready, t)
			s.cond.Signal()
		}
		wait := time.Duration(-1)
		if len(s.delayed) > 0 {
			wait = s.delayed[0].readyAt.Sub(now)
		}
		s.mu.Unlock()

		var fire <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			fire = timer.C
		}
		select {
		case <-fire:
		case <-s.wake:
			timer.Stop()
		case <-s.quit:
			return
		}
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.ready) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.ready) == 0 {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.ready).(*task)
		t.status = Executing
		s.forgetLocked(t)
		pending := len(s.delayed) + len(s.ready)
		s.mu.Unlock()

		metrics.SetPendingTasks(pending)
		s.run(t)

		s.mu.Lock()
		t.status = Finished
		s.mu.Unlock()
		s.finish(t)
	}
}

func (s *Scheduler) run(t *task) {
	start := time.Now()
	if r := panics.Try(t.fn); r != nil {
		metrics.IncTaskPanic()
		s.log.Error("task panicked", "task", t.name, "panic", r.Value, "stack", string(r.Stack))
	}
	elapsed := time.Since(start)
	metrics.IncTaskExecuted(t.qos.String())
	if t.timeout > 0 && elapsed > t.timeout {
		metrics.IncTaskOverrun()
		s.log.Warn("task exceeded its timeout", "task", t.name, "timeout", t.timeout, "elapsed", elapsed)
	}
}

// Pending returns the number of tasks waiting to run.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delayed) + len(s.ready)
}

// Names returns the sorted names that currently have pending tasks.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// HasPending reports whether a task named name is pending.
func (s *Scheduler) HasPending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.names[name]) > 0
}

// Shutdown stops accepting tasks, cancels delayed ones, lets the workers drain
// the ready queue and waits for them or for ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var canceled []*task
	for len(s.delayed) > 0 {
		t := s.delayed[0]
		s.cancelLocked(t)
		s.forgetLocked(t)
		canceled = append(canceled, t)
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	close(s.quit)
	for _, t := range canceled {
		s.finish(t)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		metrics.SetPendingTasks(0)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
