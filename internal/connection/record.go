package connection

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/appmgr/internal/ability"
	"github.com/loykin/appmgr/internal/history"
	"github.com/loykin/appmgr/internal/ipc"
	"github.com/loykin/appmgr/internal/metrics"
	"github.com/loykin/appmgr/internal/scheduler"
)

// Want carries the parameters of a connect request.
type Want map[string]string

// Caller identifies the endpoint that asked for a connection.
type Caller struct {
	Token   ipc.Remote
	UID     int
	PID     int
	Name    string
	TokenID uint32
}

// owner is the manager side of a record: dispatching requests to the target
// process and finishing a disconnect once the target answered.
type owner interface {
	dispatchConnect(target *ability.Record)
	dispatchDisconnect(target *ability.Record, rec *ConnectionRecord)
	completeDisconnect(rec *ConnectionRecord)
	forget(rec *ConnectionRecord)
	callDied(rec *CallRecord)
}

// env holds the collaborators shared by every record of one manager.
type env struct {
	log   *slog.Logger
	sched *scheduler.Scheduler
	dir   *ability.Directory
	index *Index
	sink  history.Sink
	owner owner

	connectTimeout    time.Duration
	disconnectTimeout time.Duration
}

// deliver runs fn on the scheduler so callbacks never run under a lock held
// by the caller.
func (e *env) deliver(fn func()) {
	e.sched.Submit(fn, scheduler.Options{QoS: scheduler.UserInitiated})
}

// DisconnectResult describes how a connection ended.
type DisconnectResult struct {
	Code       int
	TargetDied bool
	CallerDied bool
}

// ConnectionRecord is one caller's binding to a target ability. The target is
// referenced by ability id and re-resolved through the directory.
type ConnectionRecord struct {
	id        int64
	env       *env
	caller    Caller
	targetID  int64
	element   ability.Element
	extension ability.ExtensionType
	want      Want
	callback  ConnectCallback
	createdAt time.Time

	mu         sync.Mutex
	state      State
	duplicated []ConnectCallback
	// connectDone and completed make CompleteConnect and CompleteDisconnect
	// fire at most once each, whatever order replies and timeouts arrive in.
	connectDone bool
	completed   bool
	last        DisconnectResult
}

func newConnectionRecord(e *env, caller Caller, target *ability.Record, want Want, cb ConnectCallback) *ConnectionRecord {
	return &ConnectionRecord{
		id:        e.index.nextID(),
		env:       e,
		caller:    caller,
		targetID:  target.ID,
		element:   target.Element(),
		extension: target.Info.ExtensionType,
		want:      want,
		callback:  cb,
		createdAt: time.Now(),
	}
}

func (c *ConnectionRecord) ID() int64                { return c.id }
func (c *ConnectionRecord) TargetID() int64          { return c.targetID }
func (c *ConnectionRecord) Element() ability.Element { return c.element }
func (c *ConnectionRecord) Caller() Caller           { return c.caller }
func (c *ConnectionRecord) Callback() ConnectCallback {
	return c.callback
}

func (c *ConnectionRecord) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastDisconnect returns how the connection ended. It is zero until
// CompleteDisconnect ran.
func (c *ConnectionRecord) LastDisconnect() DisconnectResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *ConnectionRecord) setStateLocked(s State) {
	if c.state == s {
		return
	}
	metrics.RecordConnectionTransition(c.state.String(), s.String())
	c.state = s
}

// AddDuplicatedCallback queues cb to receive the outcome of the pending
// connect. It fails once the connect has completed.
func (c *ConnectionRecord) AddDuplicatedCallback(cb ConnectCallback) error {
	if cb == nil {
		return ErrNullReference
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting || c.connectDone {
		return fmt.Errorf("add duplicated callback in %s: %w", c.state, ErrInvalidConnectionState)
	}
	c.duplicated = append(c.duplicated, cb)
	return nil
}

// takeCallbacksLocked returns the primary callback followed by the queued
// duplicates and clears the queue.
func (c *ConnectionRecord) takeCallbacksLocked() []ConnectCallback {
	cbs := make([]ConnectCallback, 0, 1+len(c.duplicated))
	if c.callback != nil {
		cbs = append(cbs, c.callback)
	}
	cbs = append(cbs, c.duplicated...)
	c.duplicated = nil
	return cbs
}

func (c *ConnectionRecord) connectTimeoutName() string {
	return "ConnectTimeout_" + strconv.FormatInt(c.id, 10)
}

func (c *ConnectionRecord) disconnectTimeoutName() string {
	return "DisconnectTimeout_" + strconv.FormatInt(c.id, 10)
}

// Connect moves the record to CONNECTING, arms the connect timeout and asks
// the manager to bind the target.
func (c *ConnectionRecord) Connect() error {
	target := c.env.dir.Get(c.targetID)
	if target == nil {
		c.env.log.Error("connect: target ability gone", "record_id", c.id, "ability_id", c.targetID)
		return ErrNullReference
	}
	c.mu.Lock()
	if c.state != StateInit {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect in %s: %w", st, ErrInvalidConnectionState)
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if c.env.connectTimeout > 0 {
		c.env.sched.Submit(c.ConnectTimeout, scheduler.Options{
			Name:  c.connectTimeoutName(),
			Delay: c.env.connectTimeout,
		})
	}
	c.env.owner.dispatchConnect(target)
	return nil
}

// ScheduleConnectAbilityDone handles the target's connect reply. A reply in
// any state but CONNECTING is ignored.
func (c *ConnectionRecord) ScheduleConnectAbilityDone() error {
	c.mu.Lock()
	if c.state != StateConnecting || c.connectDone {
		st := c.state
		c.mu.Unlock()
		c.env.log.Debug("late connect reply ignored", "record_id", c.id, "state", st.String())
		return fmt.Errorf("connect done in %s: %w", st, ErrInvalidConnectionState)
	}
	c.mu.Unlock()
	c.env.sched.Cancel(c.connectTimeoutName())
	c.CompleteConnect(ResultOK)
	return nil
}

// CompleteConnect finishes the connect with code. Success marks the target
// active and hands its remote object to every waiting callback; a failure
// rejects all of them with code. A success without a usable remote object is
// treated as an implicit disconnect.
func (c *ConnectionRecord) CompleteConnect(code int) {
	target := c.env.dir.Get(c.targetID)

	c.mu.Lock()
	if c.connectDone || c.completed {
		c.mu.Unlock()
		return
	}
	c.connectDone = true
	if code != ResultOK {
		cbs := c.takeCallbacksLocked()
		c.setStateLocked(StateDisconnected)
		c.completed = true
		c.last = DisconnectResult{Code: code}
		c.mu.Unlock()

		c.env.sched.Cancel(c.connectTimeoutName())
		if target != nil {
			target.RemoveConnection(c.id)
		}
		c.env.owner.forget(c)
		c.env.log.Info("connect rejected", "record_id", c.id, "element", c.element.URI(), "code", code)
		for _, cb := range cbs {
			c.env.deliver(func() { cb.OnAbilityConnectDone(c.element, nil, code) })
		}
		return
	}

	var remote ipc.Remote
	if target != nil {
		remote = target.ConnRemote()
	}
	if remote == nil {
		c.setStateLocked(StateDisconnecting)
		c.mu.Unlock()
		c.env.log.Warn("connect returned no remote object", "record_id", c.id, "element", c.element.URI())
		c.env.deliver(func() { c.env.owner.completeDisconnect(c) })
		return
	}
	c.setStateLocked(StateConnected)
	cbs := c.takeCallbacksLocked()
	// registered before unlocking so a racing CompleteDisconnect removes it
	c.env.index.Add(c)
	c.mu.Unlock()

	target.SetState(ability.StateActive)
	c.env.log.Info("connection established", "record_id", c.id, "element", c.element.URI(), "callbacks", len(cbs))
	c.emit(history.EventConnectionConnected, "")
	for _, cb := range cbs {
		c.env.deliver(func() { cb.OnAbilityConnectDone(c.element, remote, code) })
	}
}

// ConnectTimeout forces the connect to complete when the target never
// answered.
func (c *ConnectionRecord) ConnectTimeout() {
	if c.State() != StateConnecting {
		return
	}
	c.env.log.Warn("connect timed out", "record_id", c.id, "element", c.element.URI())
	c.CompleteConnect(ResultOK)
}

// DisconnectAbility starts tearing the connection down. The last connection
// on a target, and every connection to a UI service extension, dispatches a
// disconnect to the target under a timeout; otherwise the record alone is
// dropped from the target and marked DISCONNECTED.
func (c *ConnectionRecord) DisconnectAbility() error {
	target := c.env.dir.Get(c.targetID)
	if target == nil {
		c.env.log.Error("disconnect: target ability gone", "record_id", c.id, "ability_id", c.targetID)
		return ErrNullReference
	}
	c.mu.Lock()
	if c.state != StateConnected {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("disconnect in %s: %w", st, ErrInvalidConnectionState)
	}
	c.setStateLocked(StateDisconnecting)
	c.mu.Unlock()

	// the last-connection check and the removal happen under the target's lock
	if c.extension != ability.ExtensionUIService && target.RemoveConnectionIfShared(c.id) {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return nil
	}
	c.env.sched.Submit(c.DisconnectTimeout, scheduler.Options{
		Name:  c.disconnectTimeoutName(),
		Delay: c.env.disconnectTimeout,
	})
	c.env.owner.dispatchDisconnect(target, c)
	return nil
}

// ScheduleDisconnectAbilityDone handles the target's disconnect reply. A
// reply in any state but DISCONNECTING is ignored.
func (c *ConnectionRecord) ScheduleDisconnectAbilityDone() error {
	c.mu.Lock()
	if c.state != StateDisconnecting || c.completed {
		st := c.state
		c.mu.Unlock()
		c.env.log.Debug("late disconnect reply ignored", "record_id", c.id, "state", st.String())
		return fmt.Errorf("disconnect done in %s: %w", st, ErrInvalidConnectionState)
	}
	c.mu.Unlock()
	c.env.sched.Cancel(c.disconnectTimeoutName())
	c.CompleteDisconnect(ResultOK, false, false)
	return nil
}

// DisconnectTimeout completes a disconnect the target never acknowledged.
func (c *ConnectionRecord) DisconnectTimeout() {
	if c.State() != StateDisconnecting {
		return
	}
	c.env.log.Warn("disconnect timed out", "record_id", c.id, "element", c.element.URI())
	c.env.owner.completeDisconnect(c)
}

// CompleteDisconnect ends the connection once: it notifies every callback
// still attached, cancels pending timeouts and unregisters the record. The
// delivered code is decremented by one when the target died.
func (c *ConnectionRecord) CompleteDisconnect(code int, callerDied, targetDied bool) {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return
	}
	c.completed = true
	c.connectDone = true
	c.setStateLocked(StateDisconnected)
	c.last = DisconnectResult{Code: code, TargetDied: targetDied, CallerDied: callerDied}
	cbs := c.takeCallbacksLocked()
	c.mu.Unlock()

	c.env.sched.Cancel(c.disconnectTimeoutName())
	c.env.sched.Cancel(c.connectTimeoutName())

	delivered := code
	if targetDied {
		delivered = code - 1
	}
	c.env.index.Remove(c, callerDied)
	if target := c.env.dir.Get(c.targetID); target != nil {
		target.RemoveConnection(c.id)
	}
	c.env.owner.forget(c)

	c.env.log.Info("connection closed", "record_id", c.id, "element", c.element.URI(),
		"code", delivered, "caller_died", callerDied, "target_died", targetDied)
	detail := ""
	switch {
	case targetDied:
		detail = "target_died"
	case callerDied:
		detail = "caller_died"
	}
	c.emit(history.EventConnectionDisconnected, detail)
	for _, cb := range cbs {
		c.env.deliver(func() { cb.OnAbilityDisconnectDone(c.element, delivered) })
	}
}

func (c *ConnectionRecord) emit(t history.EventType, detail string) {
	history.Emit(context.Background(), c.env.sink, c.env.log, history.Event{
		Type:        t,
		RecordID:    c.id,
		PID:         c.caller.PID,
		UID:         c.caller.UID,
		ProcessName: c.caller.Name,
		BundleName:  c.element.BundleName,
		Detail:      detail,
	})
}

// Info is a read-only view of a connection for diagnostics.
type Info struct {
	ID        int64     `json:"id"`
	State     string    `json:"state"`
	Target    string    `json:"target"`
	TargetID  int64     `json:"target_id"`
	CallerUID int       `json:"caller_uid"`
	CallerPID int       `json:"caller_pid"`
	Caller    string    `json:"caller"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *ConnectionRecord) Info() Info {
	return Info{
		ID:        c.id,
		State:     c.State().String(),
		Target:    c.element.URI(),
		TargetID:  c.targetID,
		CallerUID: c.caller.UID,
		CallerPID: c.caller.PID,
		Caller:    c.caller.Name,
		CreatedAt: c.createdAt,
	}
}

// Dump renders the record as one line of the connection dump.
func (c *ConnectionRecord) Dump() string {
	return fmt.Sprintf("       > %s/%s   connectionState #%s   caller %s(%d)",
		c.element.BundleName, c.element.AbilityName, c.State(), c.caller.Name, c.caller.PID)
}
