package connection

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/appmgr/internal/ability"
	"github.com/loykin/appmgr/internal/ipc"
	"github.com/loykin/appmgr/internal/scheduler"
)

// CallRecord is a lightweight call binding: the target hands the caller a
// call stub and the binding stays until released or the stub dies.
type CallRecord struct {
	id          int64
	env         *env
	callerUID   int
	callerToken ipc.Remote
	targetID    int64
	element     ability.Element
	launchMode  ability.LaunchMode
	callback    ConnectCallback
	startTime   time.Time

	mu          sync.Mutex
	state       CallState
	stub        ipc.Remote
	cancelDeath func()
}

func newCallRecord(e *env, callerUID int, callerToken ipc.Remote, target *ability.Record, cb ConnectCallback) *CallRecord {
	return &CallRecord{
		id:          e.index.nextID(),
		env:         e,
		callerUID:   callerUID,
		callerToken: callerToken,
		targetID:    target.ID,
		element:     target.Element(),
		launchMode:  target.Info.LaunchMode,
		callback:    cb,
		startTime:   time.Now(),
		state:       CallRequesting,
	}
}

func (c *CallRecord) ID() int64                { return c.id }
func (c *CallRecord) TargetID() int64          { return c.targetID }
func (c *CallRecord) Element() ability.Element { return c.element }
func (c *CallRecord) CallerUID() int           { return c.callerUID }
func (c *CallRecord) StartTime() time.Time     { return c.startTime }

func (c *CallRecord) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *CallRecord) IsCallState(s CallState) bool { return c.State() == s }

func (c *CallRecord) Stub() ipc.Remote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stub
}

// SetCallStub stores the stub returned by the target and watches it for
// death. Only the first stub is accepted.
func (c *CallRecord) SetCallStub(stub ipc.Remote) bool {
	if stub == nil {
		return false
	}
	c.mu.Lock()
	if c.stub != nil {
		c.mu.Unlock()
		return false
	}
	c.stub = stub
	c.mu.Unlock()

	cancel := stub.RegisterDeathHandler(func(ipc.Remote) {
		c.env.sched.Submit(func() { c.env.owner.callDied(c) }, scheduler.Options{
			Name: "CallDied_" + strconv.FormatInt(c.id, 10),
		})
	})
	c.mu.Lock()
	c.cancelDeath = cancel
	c.mu.Unlock()
	return true
}

// SchedulerConnectDone delivers the stub to the caller and moves the record
// to REQUESTED. It needs a stub and a callback and succeeds once.
func (c *CallRecord) SchedulerConnectDone() bool {
	c.mu.Lock()
	if c.stub == nil || c.callback == nil || c.state == CallRequested {
		c.mu.Unlock()
		return false
	}
	c.state = CallRequested
	stub, cb := c.stub, c.callback
	c.mu.Unlock()

	mode := int(c.launchMode)
	c.env.deliver(func() { cb.OnAbilityConnectDone(c.element, stub, mode) })
	return true
}

// SchedulerDisconnectDone notifies the caller that the call was released.
// The state is left untouched.
func (c *CallRecord) SchedulerDisconnectDone() bool {
	if c.callback == nil {
		return false
	}
	cb := c.callback
	c.env.deliver(func() { cb.OnAbilityDisconnectDone(c.element, ResultOK) })
	return true
}

// release stops watching the stub.
func (c *CallRecord) release() {
	c.mu.Lock()
	cancel := c.cancelDeath
	c.cancelDeath = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CallInfo is a read-only view of a call for diagnostics.
type CallInfo struct {
	ID        int64     `json:"id"`
	State     string    `json:"state"`
	Target    string    `json:"target"`
	CallerUID int       `json:"caller_uid"`
	StartTime time.Time `json:"start_time"`
}

func (c *CallRecord) Info() CallInfo {
	return CallInfo{
		ID:        c.id,
		State:     c.State().String(),
		Target:    c.element.URI(),
		CallerUID: c.callerUID,
		StartTime: c.startTime,
	}
}

func (c *CallRecord) Dump() string {
	return fmt.Sprintf("       > %s/%s   callState #%s   start time [%s]",
		c.element.BundleName, c.element.AbilityName, c.State(), c.startTime.Format("2006-01-02 15:04:05.000"))
}
