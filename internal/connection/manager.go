// Package connection implements connection and call records between callers
// and target abilities, and the manager that coalesces, dispatches and
// tears them down.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/appmgr/internal/ability"
	"github.com/loykin/appmgr/internal/history"
	"github.com/loykin/appmgr/internal/ipc"
	"github.com/loykin/appmgr/internal/metrics"
	"github.com/loykin/appmgr/internal/registry"
	"github.com/loykin/appmgr/internal/scheduler"
)

const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultDisconnectTimeout = 10 * time.Second
)

// Loader brings target abilities up and down on behalf of the manager.
type Loader interface {
	// LoadAbility starts or reuses the process hosting target. The manager
	// expects OnAbilityAttached once target has a token.
	LoadAbility(target *ability.Record) error
	// ReleaseAbility is called once target has no connection or call left.
	// Implementations must re-check that target is still idle.
	ReleaseAbility(target *ability.Record)
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.e.log = l
		}
	}
}

func WithSink(s history.Sink) Option { return func(m *Manager) { m.e.sink = s } }

func WithLoader(l Loader) Option { return func(m *Manager) { m.loader = l } }

// WithTimeouts overrides the connect and disconnect timeouts. A zero connect
// timeout disables it.
func WithTimeouts(connect, disconnect time.Duration) Option {
	return func(m *Manager) {
		m.e.connectTimeout = connect
		if disconnect > 0 {
			m.e.disconnectTimeout = disconnect
		}
	}
}

type connKey struct {
	target   int64
	callback ipc.ObjectID
}

type callKey struct {
	caller ipc.ObjectID
	target int64
}

// ConnectRequest asks for a connection from Caller to the ability Target.
type ConnectRequest struct {
	Target   ability.Info
	Caller   Caller
	Want     Want
	Callback ConnectCallback
}

// CallRequest asks for a call binding to the ability Target.
type CallRequest struct {
	Target      ability.Info
	CallerToken ipc.Remote
	CallerUID   int
	Callback    ConnectCallback
}

// Manager owns every connection and call record by id. Its lock only guards
// the maps; record methods and callbacks run outside it.
type Manager struct {
	e      *env
	loader Loader

	mu    sync.Mutex
	conns map[int64]*ConnectionRecord
	byKey map[connKey]*ConnectionRecord
	calls map[callKey]*CallRecord
}

func New(sched *scheduler.Scheduler, dir *ability.Directory, opts ...Option) *Manager {
	m := &Manager{
		e: &env{
			log:               slog.Default(),
			sched:             sched,
			dir:               dir,
			index:             NewIndex(),
			connectTimeout:    DefaultConnectTimeout,
			disconnectTimeout: DefaultDisconnectTimeout,
		},
		conns: make(map[int64]*ConnectionRecord),
		byKey: make(map[connKey]*ConnectionRecord),
		calls: make(map[callKey]*CallRecord),
	}
	for _, o := range opts {
		o(m)
	}
	m.e.owner = m
	m.e.log = m.e.log.With("component", "connection")
	return m
}

func (m *Manager) valid() error {
	if m.e.sched == nil || m.e.dir == nil {
		m.e.log.Error("connection manager is missing a collaborator",
			"scheduler", m.e.sched != nil, "directory", m.e.dir != nil)
		return ErrNullReference
	}
	return nil
}

// Index returns the index of established connections.
func (m *Manager) Index() *Index { return m.e.index }

// ConnectAbility binds req.Caller to req.Target. A request for a target and
// callback identity that is still connecting joins the pending record
// instead of creating a second one.
func (m *Manager) ConnectAbility(req ConnectRequest) (*ConnectionRecord, error) {
	if err := m.valid(); err != nil {
		return nil, err
	}
	if req.Callback == nil {
		return nil, fmt.Errorf("connect %s: callback: %w", req.Target.Element(), ErrNullReference)
	}
	target, _ := m.e.dir.GetOrCreate(req.Target)
	key := connKey{target: target.ID, callback: req.Callback.AsObject()}

	m.mu.Lock()
	if existing := m.byKey[key]; existing != nil {
		if err := existing.AddDuplicatedCallback(req.Callback); err == nil {
			m.mu.Unlock()
			m.e.log.Debug("connect coalesced", "record_id", existing.id, "element", existing.element.URI())
			return existing, nil
		}
		if existing.State() == StateConnected {
			m.mu.Unlock()
			cb, el, remote := req.Callback, existing.element, target.ConnRemote()
			m.e.deliver(func() { cb.OnAbilityConnectDone(el, remote, ResultOK) })
			return existing, nil
		}
		// the previous record is on its way out; a fresh one takes the key
	}
	rec := newConnectionRecord(m.e, req.Caller, target, req.Want, req.Callback)
	m.byKey[key] = rec
	m.conns[rec.id] = rec
	m.mu.Unlock()

	target.AddConnection(rec.id)
	m.e.log.Info("connect requested", "record_id", rec.id, "element", rec.element.URI(),
		"caller", req.Caller.Name, "caller_uid", req.Caller.UID)
	if err := rec.Connect(); err != nil {
		target.RemoveConnection(rec.id)
		m.forget(rec)
		return nil, err
	}
	return rec, nil
}

// DisconnectAbility tears down every connection opened with cb.
func (m *Manager) DisconnectAbility(cb ConnectCallback) error {
	if err := m.valid(); err != nil {
		return err
	}
	if cb == nil {
		return fmt.Errorf("disconnect: callback: %w", ErrNullReference)
	}
	obj := cb.AsObject()
	var recs []*ConnectionRecord
	m.mu.Lock()
	for k, rec := range m.byKey {
		if k.callback == obj {
			recs = append(recs, rec)
		}
	}
	m.mu.Unlock()
	if len(recs) == 0 {
		return fmt.Errorf("disconnect %s: %w", obj, ErrRecordNotFound)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].id < recs[j].id })

	var errs []error
	for _, rec := range recs {
		if err := m.DisconnectRecord(rec); err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", rec.id, err))
		}
	}
	return errors.Join(errs...)
}

// DisconnectRecord disconnects one record and finishes it at once when no
// remote disconnect was needed.
func (m *Manager) DisconnectRecord(rec *ConnectionRecord) error {
	if err := rec.DisconnectAbility(); err != nil {
		return err
	}
	if rec.State() == StateDisconnected {
		rec.CompleteDisconnect(ResultOK, false, false)
	}
	return nil
}

// OnAbilityAttached is called once target has a token: pending connects and
// calls on it are dispatched.
func (m *Manager) OnAbilityAttached(abilityID int64) error {
	if err := m.valid(); err != nil {
		return err
	}
	target := m.e.dir.Get(abilityID)
	if target == nil {
		return fmt.Errorf("ability %d: %w", abilityID, ErrNullReference)
	}
	if !target.IsLoaded() {
		return fmt.Errorf("ability %d not loaded: %w", abilityID, ErrInvalidConnectionState)
	}
	target.ClearLoadRequested()
	if target.IsState(ability.StateInitial) {
		target.SetState(ability.StateInactive)
	}
	for _, rec := range m.recordsOn(target) {
		if rec.State() == StateConnecting {
			m.dispatchConnect(target)
			break
		}
	}
	for _, call := range m.callsOn(abilityID) {
		if call.IsCallState(CallRequesting) && call.Stub() == nil {
			m.dispatchCall(target, call)
		}
	}
	return nil
}

// OnAbilityLoadFailed rejects every connect and call waiting for target.
func (m *Manager) OnAbilityLoadFailed(abilityID int64, code int) {
	target := m.e.dir.Get(abilityID)
	if target == nil {
		return
	}
	m.e.log.Warn("target load failed", "ability_id", abilityID, "element", target.Element().URI(), "code", code)
	target.ClearLoadRequested()
	m.failConnecting(target, code)
	for _, call := range m.callsOn(abilityID) {
		if call.Stub() == nil {
			m.dropCall(call, true, code)
		}
	}
}

// ScheduleConnectAbilityDone handles the target's connect reply: remote is
// handed to every record still connecting to it.
func (m *Manager) ScheduleConnectAbilityDone(abilityID int64, remote ipc.Remote) error {
	target := m.e.dir.Get(abilityID)
	if target == nil {
		return fmt.Errorf("ability %d: %w", abilityID, ErrNullReference)
	}
	target.SetConnRemote(remote)
	for _, rec := range m.recordsOn(target) {
		if rec.State() == StateConnecting {
			_ = rec.ScheduleConnectAbilityDone()
		}
	}
	return nil
}

// ScheduleDisconnectAbilityDone handles the target's reply to the
// disconnect dispatched for record recordID.
func (m *Manager) ScheduleDisconnectAbilityDone(abilityID, recordID int64) error {
	rec := m.get(recordID)
	if rec == nil || rec.targetID != abilityID {
		return fmt.Errorf("record %d on ability %d: %w", recordID, abilityID, ErrRecordNotFound)
	}
	return rec.ScheduleDisconnectAbilityDone()
}

// OnAbilityTerminated invalidates everything bound to an ability that is
// about to leave the directory: its connections complete as if the target
// died and its calls are dropped. Nothing is released back to the loader.
func (m *Manager) OnAbilityTerminated(abilityID int64) {
	target := m.e.dir.Get(abilityID)
	if target == nil {
		return
	}
	recs := m.recordsOn(target)
	calls := m.callsOn(abilityID)
	for _, rec := range recs {
		rec.CompleteDisconnect(ResultOK, false, true)
	}
	for _, call := range calls {
		m.dropCall(call, true, ResultOK-1)
	}
	target.SetConnRemote(nil)
	if len(recs)+len(calls) > 0 {
		m.e.log.Info("terminated ability unbound", "ability_id", abilityID,
			"connections", len(recs), "calls", len(calls))
	}
}

// OnProcessDied invalidates everything referencing the dead process: every
// connection to an ability it hosted completes with the target-died code,
// every call to those abilities is dropped, and connections and calls it
// opened as a caller are closed.
func (m *Manager) OnProcessDied(proc *registry.ProcessRecord) {
	if proc == nil || m.valid() != nil {
		return
	}
	hosted := m.e.dir.ByProcess(proc.RecordID())
	dying := make(map[ipc.ObjectID]bool, len(hosted)+1)
	if obj := ipc.ObjectOf(proc.Client()); obj != "" {
		dying[obj] = true
	}
	for _, target := range hosted {
		if obj := ipc.ObjectOf(target.Token()); obj != "" {
			dying[obj] = true
		}
		target.SetToken(nil)
		target.SetConnRemote(nil)
	}
	for _, target := range hosted {
		for _, rec := range m.recordsOn(target) {
			rec.CompleteDisconnect(ResultOK, false, true)
		}
		for _, call := range m.callsOn(target.ID) {
			m.dropCall(call, true, ResultOK-1)
		}
	}
	for _, rec := range m.Records() {
		if dying[ipc.ObjectOf(rec.caller.Token)] {
			m.closeForDeadCaller(rec)
		}
	}
	for _, call := range m.Calls() {
		if dying[ipc.ObjectOf(call.callerToken)] {
			m.dropCall(call, false, 0)
		}
	}
	m.e.log.Info("process connections invalidated", "record_id", proc.RecordID(), "abilities", len(hosted))
}

func (m *Manager) closeForDeadCaller(rec *ConnectionRecord) {
	target := m.e.dir.Get(rec.targetID)
	if target != nil && rec.State() == StateConnected && target.ConnectionCount() == 1 {
		if token := target.Token(); token != nil {
			el := rec.element
			m.e.sched.Submit(func() {
				ctx, cancel := context.WithTimeout(context.Background(), m.e.disconnectTimeout)
				defer cancel()
				if _, err := token.Send(ctx, ipc.Request{Kind: ipc.KindDisconnectAbility, Payload: el}); err != nil {
					m.e.log.Debug("disconnect for dead caller failed", "element", el.URI(), "error", err)
				}
			}, scheduler.Options{QoS: scheduler.Background})
		}
	}
	rec.CompleteDisconnect(ResultOK, true, false)
}

// CallAbility creates the call record for (req.CallerToken, req.Target).
// Only one live record exists per pair; a second request returns the
// existing record and ErrDuplicateCall.
func (m *Manager) CallAbility(req CallRequest) (*CallRecord, error) {
	if err := m.valid(); err != nil {
		return nil, err
	}
	if req.Callback == nil || req.CallerToken == nil {
		return nil, fmt.Errorf("call %s: %w", req.Target.Element(), ErrNullReference)
	}
	target, _ := m.e.dir.GetOrCreate(req.Target)
	key := callKey{caller: req.CallerToken.AsObject(), target: target.ID}

	m.mu.Lock()
	if existing := m.calls[key]; existing != nil {
		m.mu.Unlock()
		return existing, fmt.Errorf("call %s: %w", target.Element(), ErrDuplicateCall)
	}
	rec := newCallRecord(m.e, req.CallerUID, req.CallerToken, target, req.Callback)
	m.calls[key] = rec
	n := len(m.calls)
	m.mu.Unlock()

	metrics.SetActiveCalls(n)
	m.e.log.Info("call requested", "record_id", rec.id, "element", rec.element.URI(), "caller_uid", req.CallerUID)
	m.dispatchCall(target, rec)
	return rec, nil
}

// OnCallRequestDone hands the stub returned by the target to rec's caller.
func (m *Manager) OnCallRequestDone(rec *CallRecord, stub ipc.Remote) bool {
	if !rec.SetCallStub(stub) {
		return false
	}
	return rec.SchedulerConnectDone()
}

// ReleaseCall drops the call cb holds on element and notifies cb.
func (m *Manager) ReleaseCall(cb ConnectCallback, element ability.Element) error {
	obj := objectOf(cb)
	var found *CallRecord
	for _, call := range m.Calls() {
		if objectOf(call.callback) == obj && call.element == element {
			found = call
			break
		}
	}
	if found == nil {
		return fmt.Errorf("release call %s: %w", element, ErrRecordNotFound)
	}
	if !m.removeCall(found) {
		return fmt.Errorf("release call %s: %w", element, ErrRecordNotFound)
	}
	found.release()
	found.SchedulerDisconnectDone()
	m.releaseIfIdle(found.targetID)
	return nil
}

// OnCallConnectDied tears down the call whose stub died. The record is
// looked up by stub identity.
func (m *Manager) OnCallConnectDied(rec *CallRecord) {
	if rec == nil {
		return
	}
	stub := ipc.ObjectOf(rec.Stub())
	var found *CallRecord
	m.mu.Lock()
	for k, call := range m.calls {
		if call == rec || (stub != "" && ipc.ObjectOf(call.Stub()) == stub) {
			found = call
			delete(m.calls, k)
			break
		}
	}
	n := len(m.calls)
	m.mu.Unlock()
	if found == nil {
		return
	}
	metrics.SetActiveCalls(n)
	found.release()
	if cb := found.callback; cb != nil {
		el := found.element
		m.e.deliver(func() { cb.OnAbilityDisconnectDone(el, ResultOK-1) })
	}
	m.e.log.Info("call stub died", "record_id", found.id, "element", found.element.URI())
	history.Emit(context.Background(), m.e.sink, m.e.log, history.Event{
		Type:       history.EventCallDied,
		RecordID:   found.id,
		UID:        found.callerUID,
		BundleName: found.element.BundleName,
	})
	m.releaseIfIdle(found.targetID)
}

// Records returns every live connection record ordered by id.
func (m *Manager) Records() []*ConnectionRecord {
	m.mu.Lock()
	out := make([]*ConnectionRecord, 0, len(m.conns))
	for _, rec := range m.conns {
		out = append(out, rec)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Calls returns every live call record ordered by id.
func (m *Manager) Calls() []*CallRecord {
	m.mu.Lock()
	out := make([]*CallRecord, 0, len(m.calls))
	for _, rec := range m.calls {
		out = append(out, rec)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Dump renders connections then calls, one line each.
func (m *Manager) Dump() []string {
	var out []string
	for _, rec := range m.Records() {
		out = append(out, rec.Dump())
	}
	for _, call := range m.Calls() {
		out = append(out, call.Dump())
	}
	return out
}

func (m *Manager) get(id int64) *ConnectionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[id]
}

// recordsOn resolves the connections bound to target in bind order.
func (m *Manager) recordsOn(target *ability.Record) []*ConnectionRecord {
	var out []*ConnectionRecord
	for _, id := range target.Connections() {
		if rec := m.get(id); rec != nil {
			out = append(out, rec)
		}
	}
	return out
}

func (m *Manager) callsOn(abilityID int64) []*CallRecord {
	var out []*CallRecord
	for _, call := range m.Calls() {
		if call.targetID == abilityID {
			out = append(out, call)
		}
	}
	return out
}

func (m *Manager) failConnecting(target *ability.Record, code int) {
	for _, rec := range m.recordsOn(target) {
		if rec.State() == StateConnecting {
			rec.CompleteConnect(code)
		}
	}
}

func (m *Manager) requestLoad(target *ability.Record) {
	if m.loader == nil {
		m.e.log.Error("no loader for unloaded target", "ability_id", target.ID, "element", target.Element().URI())
		m.OnAbilityLoadFailed(target.ID, ResultLoadFailed)
		return
	}
	if !target.MarkLoadRequested() {
		return
	}
	m.e.sched.Submit(func() {
		if err := m.loader.LoadAbility(target); err != nil {
			m.e.log.Warn("load ability failed", "ability_id", target.ID, "error", err)
			m.OnAbilityLoadFailed(target.ID, ResultLoadFailed)
		}
	}, scheduler.Options{Name: "LoadAbility_" + strconv.FormatInt(target.ID, 10), Dedup: true, QoS: scheduler.UserInitiated})
}

func (m *Manager) dispatchConnect(target *ability.Record) {
	if !target.IsLoaded() {
		m.requestLoad(target)
		return
	}
	if remote := target.ConnRemote(); remote != nil && target.IsState(ability.StateActive) {
		m.e.deliver(func() { _ = m.ScheduleConnectAbilityDone(target.ID, remote) })
		return
	}
	m.e.sched.Submit(func() { m.sendConnect(target) }, scheduler.Options{
		Name:  "ConnectAbility_" + strconv.FormatInt(target.ID, 10),
		Dedup: true,
		QoS:   scheduler.UserInitiated,
	})
}

func (m *Manager) sendTimeout() time.Duration {
	if m.e.connectTimeout > 0 {
		return m.e.connectTimeout
	}
	return DefaultConnectTimeout
}

func (m *Manager) sendConnect(target *ability.Record) {
	token := target.Token()
	if token == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout())
	defer cancel()
	reply, err := token.Send(ctx, ipc.Request{Kind: ipc.KindConnectAbility, Payload: target.Element()})
	if err != nil {
		// the connect timeout or the death of the target finishes the records
		m.e.log.Warn("connect dispatch failed", "ability_id", target.ID, "error", err)
		return
	}
	if reply.Code != ResultOK {
		m.failConnecting(target, ResultConnectFailed)
		return
	}
	remote, _ := reply.Payload.(ipc.Remote)
	_ = m.ScheduleConnectAbilityDone(target.ID, remote)
}

func (m *Manager) dispatchDisconnect(target *ability.Record, rec *ConnectionRecord) {
	m.e.sched.Submit(func() {
		token := target.Token()
		if token == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.e.disconnectTimeout)
		defer cancel()
		reply, err := token.Send(ctx, ipc.Request{Kind: ipc.KindDisconnectAbility, Payload: rec.element})
		if err != nil {
			m.e.log.Warn("disconnect dispatch failed", "record_id", rec.id, "error", err)
			return
		}
		if reply.Code != ResultOK {
			m.e.log.Warn("target rejected disconnect", "record_id", rec.id, "code", reply.Code)
		}
		_ = m.ScheduleDisconnectAbilityDone(target.ID, rec.id)
	}, scheduler.Options{Name: "DisconnectAbility_" + strconv.FormatInt(rec.id, 10)})
}

func (m *Manager) completeDisconnect(rec *ConnectionRecord) {
	_ = rec.ScheduleDisconnectAbilityDone()
}

func (m *Manager) forget(rec *ConnectionRecord) {
	key := connKey{target: rec.targetID, callback: objectOf(rec.callback)}
	m.mu.Lock()
	delete(m.conns, rec.id)
	if m.byKey[key] == rec {
		delete(m.byKey, key)
	}
	m.mu.Unlock()
	m.releaseIfIdle(rec.targetID)
}

func (m *Manager) callDied(rec *CallRecord) { m.OnCallConnectDied(rec) }

func (m *Manager) dispatchCall(target *ability.Record, rec *CallRecord) {
	if !target.IsLoaded() {
		m.requestLoad(target)
		return
	}
	m.e.sched.Submit(func() {
		token := target.Token()
		if token == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout())
		defer cancel()
		reply, err := token.Send(ctx, ipc.Request{Kind: ipc.KindCallAbility, Payload: rec.element})
		if err != nil {
			m.e.log.Warn("call dispatch failed", "record_id", rec.id, "error", err)
			m.dropCall(rec, true, ResultConnectFailed)
			return
		}
		stub, _ := reply.Payload.(ipc.Remote)
		if reply.Code != ResultOK || stub == nil {
			m.dropCall(rec, true, ResultConnectFailed)
			return
		}
		m.OnCallRequestDone(rec, stub)
	}, scheduler.Options{Name: "CallAbility_" + strconv.FormatInt(rec.id, 10), QoS: scheduler.UserInitiated})
}

func (m *Manager) removeCall(rec *CallRecord) bool {
	m.mu.Lock()
	removed := false
	for k, call := range m.calls {
		if call == rec {
			delete(m.calls, k)
			removed = true
			break
		}
	}
	n := len(m.calls)
	m.mu.Unlock()
	if removed {
		metrics.SetActiveCalls(n)
	}
	return removed
}

// dropCall removes rec. With notify set a call still waiting for its stub is
// rejected with code and a requested one is told it was disconnected.
func (m *Manager) dropCall(rec *CallRecord, notify bool, code int) {
	if !m.removeCall(rec) {
		return
	}
	rec.release()
	if notify && rec.callback != nil {
		cb, el := rec.callback, rec.element
		if rec.IsCallState(CallRequested) {
			m.e.deliver(func() { cb.OnAbilityDisconnectDone(el, code) })
		} else {
			m.e.deliver(func() { cb.OnAbilityConnectDone(el, nil, code) })
		}
	}
	m.releaseIfIdle(rec.targetID)
}

func (m *Manager) releaseIfIdle(abilityID int64) {
	if m.loader == nil {
		return
	}
	target := m.e.dir.Get(abilityID)
	if target == nil || !target.IsLoaded() || target.IsState(ability.StateTerminating) {
		return
	}
	if target.ConnectionCount() > 0 || len(m.callsOn(abilityID)) > 0 {
		return
	}
	m.e.sched.Submit(func() { m.loader.ReleaseAbility(target) }, scheduler.Options{
		Name:  "ReleaseAbility_" + strconv.FormatInt(abilityID, 10),
		Dedup: true,
		QoS:   scheduler.Background,
	})
}
