package timeout

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appmgr/internal/scheduler"
)

type call struct {
	method string
	id     int64
}

type recordingHandler struct {
	mu    sync.Mutex
	calls []call
}

func (h *recordingHandler) add(method string, id int64) {
	h.mu.Lock()
	h.calls = append(h.calls, call{method, id})
	h.mu.Unlock()
}

func (h *recordingHandler) Calls() []call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]call(nil), h.calls...)
}

func (h *recordingHandler) HandleLoadTimeOut(id int64)       { h.add("load", id) }
func (h *recordingHandler) HandleActiveTimeOut(id int64)     { h.add("active", id) }
func (h *recordingHandler) HandleInactiveTimeOut(id int64)   { h.add("inactive", id) }
func (h *recordingHandler) HandleForegroundTimeOut(id int64) { h.add("foreground", id) }
func (h *recordingHandler) HandleShareDataTimeOut(id int64)  { h.add("share_data", id) }
func (h *recordingHandler) HandleTerminateTimeOut(id int64)  { h.add("terminate", id) }
func (h *recordingHandler) HandleAttachTimeOut(id int64)     { h.add("attach", id) }

func TestDispatchRoutesByKind(t *testing.T) {
	h := &recordingHandler{}
	d := New(nil, h, WithProcessHandler(h))

	tests := []struct {
		kind EventKind
		want string
	}{
		{Load, "load"},
		{Active, "active"},
		{Inactive, "inactive"},
		{Foreground, "foreground"},
		{ShareData, "share_data"},
		{Terminate, "terminate"},
		{Attach, "attach"},
	}
	for i, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.True(t, d.Dispatch(tt.kind, int64(i)))
			calls := h.Calls()
			assert.Equal(t, call{tt.want, int64(i)}, calls[len(calls)-1])
		})
	}
}

func TestDispatchWithoutProcessHandler(t *testing.T) {
	h := &recordingHandler{}
	d := New(nil, h)
	assert.False(t, d.Dispatch(Attach, 1))
	assert.False(t, d.Dispatch(EventKind(99), 1))
	assert.Empty(t, h.Calls())
}

func TestIgnoreIsReadAtDispatchTime(t *testing.T) {
	h := &recordingHandler{}
	var ignore atomic.Bool
	d := New(nil, h, WithIgnore(ignore.Load))

	ignore.Store(true)
	assert.False(t, d.Dispatch(Load, 7))
	assert.Empty(t, h.Calls())

	ignore.Store(false)
	assert.True(t, d.Dispatch(Load, 7))
	assert.Len(t, h.Calls(), 1)
}

func TestPostAndCancel(t *testing.T) {
	sched := scheduler.New(scheduler.WithWorkers(2))
	defer func() { _ = sched.Shutdown(context.Background()) }()
	h := &recordingHandler{}
	d := New(sched, h)

	d.Post(Foreground, 3, time.Hour)
	assert.True(t, sched.HasPending("ForegroundTimeout_3"))
	assert.True(t, d.Cancel(Foreground, 3))
	assert.False(t, d.Cancel(Foreground, 3))

	d.Post(Load, 4, time.Hour)
	handle := d.Post(Load, 4, 10*time.Millisecond)
	assert.Equal(t, 1, sched.Pending())
	handle.Sync()

	require.Eventually(t, func() bool { return len(h.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, call{"load", 4}, h.Calls()[0])
}

func TestPostWithoutScheduler(t *testing.T) {
	d := New(nil, &recordingHandler{})
	assert.False(t, d.Post(Load, 1, time.Millisecond).IsValid())
	assert.False(t, d.Cancel(Load, 1))
}

func TestTaskName(t *testing.T) {
	assert.Equal(t, "AttachTimeout_12", TaskName(Attach, 12))
	assert.Equal(t, "ShareDataTimeout_1", TaskName(ShareData, 1))
}
