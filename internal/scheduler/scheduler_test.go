package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	s := New(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestSubmitRunsTask(t *testing.T) {
	s := newTestScheduler(t)
	var ran atomic.Bool
	h := s.Submit(func() { ran.Store(true) }, Options{})
	require.True(t, h.IsValid())
	h.Sync()
	assert.True(t, ran.Load())
	assert.Equal(t, Finished, h.Status())
}

func TestSubmitNilIsEmptyHandle(t *testing.T) {
	s := newTestScheduler(t)
	h := s.Submit(nil, Options{Name: "x"})
	assert.False(t, h.IsValid())
	h.Sync() // must not block
	assert.False(t, h.Cancel())
}

func TestNamedDedupDropsSecondWhilePending(t *testing.T) {
	s := newTestScheduler(t)
	var runs atomic.Int32
	body := func() { runs.Add(1) }

	h1 := s.Submit(body, Options{Name: "T1", Delay: 100 * time.Millisecond, Dedup: true})
	require.True(t, h1.IsValid())
	time.Sleep(10 * time.Millisecond)
	h2 := s.Submit(body, Options{Name: "T1", Delay: 100 * time.Millisecond, Dedup: true})
	assert.False(t, h2.IsValid(), "second submission must be absorbed")

	h1.Sync()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestDedupIdempotenceAfterCancel(t *testing.T) {
	s := newTestScheduler(t)
	var runs atomic.Int32
	body := func() { runs.Add(1) }

	h1 := s.Submit(body, Options{Name: "dup", Delay: time.Hour, Dedup: true})
	h2 := s.Submit(body, Options{Name: "dup", Delay: time.Hour, Dedup: true})
	require.True(t, h1.IsValid())
	require.False(t, h2.IsValid())
	assert.Equal(t, 1, s.Pending())

	assert.True(t, s.Cancel("dup"))
	assert.Equal(t, Canceled, h1.Status())
	assert.False(t, s.HasPending("dup"))

	h3 := s.Submit(body, Options{Name: "dup", Dedup: true})
	require.True(t, h3.IsValid(), "resubmission after cancel yields a fresh task")
	h3.Sync()
	assert.Equal(t, int32(1), runs.Load())
}

func TestMustPostTracksBoth(t *testing.T) {
	s := newTestScheduler(t)
	h1 := s.Submit(func() {}, Options{Name: "m", Delay: time.Hour, Dedup: true})
	h2 := s.Submit(func() {}, Options{Name: "m", Delay: time.Hour, Dedup: true, MustPost: true})
	require.True(t, h1.IsValid())
	require.True(t, h2.IsValid())
	assert.False(t, h1.IsSame(h2))
	assert.Equal(t, 2, s.Pending())

	assert.True(t, s.Cancel("m"))
	assert.Equal(t, Canceled, h1.Status())
	assert.Equal(t, Canceled, h2.Status())
	assert.Equal(t, 0, s.Pending())
}

func TestCancelUnknownName(t *testing.T) {
	s := newTestScheduler(t)
	assert.False(t, s.Cancel("nope"))
	assert.False(t, s.Cancel(""))
}

func TestCancelAfterExecutionStartedFails(t *testing.T) {
	s := newTestScheduler(t, WithWorkers(1))
	started := make(chan struct{})
	release := make(chan struct{})
	h := s.Submit(func() {
		close(started)
		<-release
	}, Options{Name: "busy"})
	<-started

	assert.Equal(t, Executing, h.Status())
	assert.False(t, h.Cancel())
	assert.False(t, s.Cancel("busy"), "executing tasks leave the name table")
	close(release)
	h.Sync()
	assert.Equal(t, Finished, h.Status())
	assert.False(t, h.Cancel())
}

func TestSyncOnTerminalIsNoop(t *testing.T) {
	s := newTestScheduler(t)
	h := s.Submit(func() {}, Options{Delay: time.Hour})
	require.True(t, h.Cancel())

	done := make(chan struct{})
	go func() {
		h.Sync()
		h.Sync()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sync blocked on a canceled task")
	}
}

func TestNameTableIsCleanedOnStart(t *testing.T) {
	s := newTestScheduler(t)
	h := s.Submit(func() {}, Options{Name: "cleanup", Delay: 20 * time.Millisecond})
	assert.Equal(t, []string{"cleanup"}, s.Names())
	h.Sync()
	assert.Empty(t, s.Names())
}

func TestQoSOrdering(t *testing.T) {
	s := newTestScheduler(t, WithWorkers(1))
	block := make(chan struct{})
	gate := s.Submit(func() { <-block }, Options{})

	var mu sync.Mutex
	var order []string
	rec := func(n string) func() {
		return func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}
	}
	// give the single worker time to pick up the gate task
	time.Sleep(20 * time.Millisecond)
	hs := []Handle{
		s.Submit(rec("background"), Options{QoS: Background}),
		s.Submit(rec("default"), Options{QoS: Default}),
		s.Submit(rec("interactive"), Options{QoS: UserInteractive}),
		s.Submit(rec("default-2"), Options{QoS: Default}),
	}
	close(block)
	gate.Sync()
	for _, h := range hs {
		h.Sync()
	}
	assert.Equal(t, []string{"interactive", "default", "default-2", "background"}, order)
}

func TestInheritQoS(t *testing.T) {
	s := newTestScheduler(t, WithDefaultQoS(Utility))
	h := s.Submit(func() {}, Options{})
	assert.Equal(t, Utility, h.QoS())

	ctx := ContextWithQoS(context.Background(), UserInitiated)
	h2 := s.SubmitContext(ctx, func() {}, Options{QoS: Inherit})
	assert.Equal(t, UserInitiated, h2.QoS())

	h3 := s.SubmitContext(ctx, func() {}, Options{QoS: Background})
	assert.Equal(t, Background, h3.QoS())
}

func TestDelayOrdering(t *testing.T) {
	s := newTestScheduler(t, WithWorkers(1))
	var mu sync.Mutex
	var order []int
	var hs []Handle
	for _, d := range []int{60, 20, 40} {
		d := d
		hs = append(hs, s.Submit(func() {
			mu.Lock()
			order = append(order, d)
			mu.Unlock()
		}, Options{Delay: time.Duration(d) * time.Millisecond}))
	}
	for _, h := range hs {
		h.Sync()
	}
	assert.Equal(t, []int{20, 40, 60}, order)
}

func TestPanicIsSwallowed(t *testing.T) {
	s := newTestScheduler(t, WithWorkers(1))
	h := s.Submit(func() { panic("boom") }, Options{Name: "bad"})
	h.Sync()
	assert.Equal(t, Finished, h.Status())

	var ran atomic.Bool
	h2 := s.Submit(func() { ran.Store(true) }, Options{})
	h2.Sync()
	assert.True(t, ran.Load(), "worker must survive a panicking task")
}

func TestOverrunDoesNotInterrupt(t *testing.T) {
	s := newTestScheduler(t)
	var done atomic.Bool
	h := s.Submit(func() {
		time.Sleep(20 * time.Millisecond)
		done.Store(true)
	}, Options{Timeout: time.Millisecond})
	h.Sync()
	assert.True(t, done.Load())
}

func TestShutdownCancelsDelayedAndRejects(t *testing.T) {
	s := New(WithWorkers(2))
	delayed := s.Submit(func() {}, Options{Name: "later", Delay: time.Hour})
	var ran atomic.Bool
	now := s.Submit(func() { ran.Store(true) }, Options{})
	now.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, Canceled, delayed.Status())
	assert.True(t, ran.Load())
	assert.False(t, s.Submit(func() {}, Options{}).IsValid())
	require.NoError(t, s.Shutdown(ctx), "second shutdown is a no-op")
}

func TestConcurrentNamedSubmitNeverDoublePending(t *testing.T) {
	s := newTestScheduler(t, WithWorkers(8))
	var wg sync.WaitGroup
	var accepted atomic.Int32
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Submit(func() {}, Options{Name: "storm", Delay: time.Hour, Dedup: true}).IsValid() {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
	assert.True(t, s.Cancel("storm"))
}

func TestParseQoS(t *testing.T) {
	assert.Equal(t, UserInteractive, ParseQoS("user_interactive"))
	assert.Equal(t, Background, ParseQoS("background"))
	assert.Equal(t, Default, ParseQoS("bogus"))
	assert.Equal(t, Default, ParseQoS("inherit"))
}
