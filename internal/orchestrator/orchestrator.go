// Package orchestrator owns one instance of every registry and drives
// process launch, attach, teardown and death handling across them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/appmgr/internal/ability"
	"github.com/loykin/appmgr/internal/bundle"
	"github.com/loykin/appmgr/internal/connection"
	"github.com/loykin/appmgr/internal/env"
	"github.com/loykin/appmgr/internal/history"
	"github.com/loykin/appmgr/internal/ipc"
	"github.com/loykin/appmgr/internal/logger"
	"github.com/loykin/appmgr/internal/process"
	"github.com/loykin/appmgr/internal/registry"
	"github.com/loykin/appmgr/internal/scheduler"
	"github.com/loykin/appmgr/internal/timeout"
)

var (
	ErrUnknownProcess  = errors.New("orchestrator: unknown process")
	ErrAlreadyAttached = errors.New("orchestrator: process already attached")
	ErrAbilityNotFound = errors.New("orchestrator: ability not found")
)

// Timeouts bounds the asynchronous steps of the process lifecycle.
type Timeouts struct {
	// Attach is how long a spawned process has to attach its client.
	Attach time.Duration
	// Load is how long an ability has to report its token once launched.
	Load time.Duration
	// Foreground is how long an ability may stay foregrounding.
	Foreground time.Duration
	// DelayKill is the grace period between the last ability leaving a
	// process and the terminate request.
	DelayKill time.Duration
	// Terminate is how long a process has to exit after the terminate
	// request before it is killed.
	Terminate time.Duration
	// Connect and Disconnect bound the connection handshakes.
	Connect    time.Duration
	Disconnect time.Duration
}

// DefaultTimeouts returns the timeouts used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Attach:     10 * time.Second,
		Load:       10 * time.Second,
		Foreground: 5 * time.Second,
		DelayKill:  time.Second,
		Terminate:  3 * time.Second,
		Connect:    connection.DefaultConnectTimeout,
		Disconnect: connection.DefaultDisconnectTimeout,
	}
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

func WithSink(s history.Sink) Option { return func(o *Orchestrator) { o.sink = s } }

func WithTimeouts(t Timeouts) Option { return func(o *Orchestrator) { o.to = t } }

// WithProcessLog sets where spawned processes write stdout and stderr.
func WithProcessLog(c logger.Config) Option { return func(o *Orchestrator) { o.procLog = c } }

// WithIgnoreTimeouts installs the check consulted whenever a timeout fires.
func WithIgnoreTimeouts(fn func() bool) Option { return func(o *Orchestrator) { o.ignore = fn } }

// WithEnv sets the daemon-wide environment layered under each bundle's.
func WithEnv(e *env.Env) Option { return func(o *Orchestrator) { o.env = e } }

// WithUserID sets the user whose bundles are resolved when loading.
func WithUserID(id int) Option { return func(o *Orchestrator) { o.userID = id } }

// WithProcessCache sets the process cache consulted by process matching.
// A process whose last ability leaves is kept cached instead of terminated
// when the cache supports it.
func WithProcessCache(c registry.Cache) Option { return func(o *Orchestrator) { o.cache = c } }

// WithBackgroundBatch sets how pending color mode changes are spread over
// background processes.
func WithBackgroundBatch(p registry.BatchPolicy) Option { return func(o *Orchestrator) { o.batch = p } }

// DefaultBackgroundBatch is the batch policy used when none is configured.
func DefaultBackgroundBatch() registry.BatchPolicy {
	return registry.BatchPolicy{MaxCountPerBatch: 4, Interval: 500 * time.Millisecond}
}

// Orchestrator wires the scheduler, the process registry, the ability
// directory, the connection manager and the timeout dispatcher together.
type Orchestrator struct {
	log     *slog.Logger
	sink    history.Sink
	to      Timeouts
	procLog logger.Config
	ignore  func() bool
	userID  int
	cache   registry.Cache
	env     *env.Env
	batch   registry.BatchPolicy

	sched    *scheduler.Scheduler
	bundles  bundle.Provider
	procs    process.Controller
	reg      *registry.Registry
	dir      *ability.Directory
	conns    *connection.Manager
	timeouts *timeout.Dispatcher

	// launchMu serializes process resolution so two loads of the same
	// process never spawn it twice.
	launchMu sync.Mutex
}

func New(sched *scheduler.Scheduler, bundles bundle.Provider, procs process.Controller, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		log:     slog.Default(),
		to:      DefaultTimeouts(),
		batch:   DefaultBackgroundBatch(),
		sched:   sched,
		bundles: bundles,
		procs:   procs,
		dir:     ability.NewDirectory(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With("component", "orchestrator")

	regOpts := []registry.Option{
		registry.WithScheduler(sched),
		registry.WithSink(o.sink),
		registry.WithLogger(o.log),
	}
	if procs != nil {
		regOpts = append(regOpts, registry.WithKiller(procs))
	}
	if o.cache != nil {
		regOpts = append(regOpts, registry.WithProcessCache(o.cache))
	}
	o.reg = registry.New(regOpts...)
	o.conns = connection.New(sched, o.dir,
		connection.WithLoader(o),
		connection.WithSink(o.sink),
		connection.WithLogger(o.log),
		connection.WithTimeouts(o.to.Connect, o.to.Disconnect),
	)
	o.timeouts = timeout.New(sched, o,
		timeout.WithProcessHandler(o),
		timeout.WithIgnore(o.ignore),
		timeout.WithLogger(o.log),
	)
	return o
}

func (o *Orchestrator) Scheduler() *scheduler.Scheduler { return o.sched }

func (o *Orchestrator) Registry() *registry.Registry { return o.reg }

func (o *Orchestrator) Directory() *ability.Directory { return o.dir }

func (o *Orchestrator) Connections() *connection.Manager { return o.conns }

func (o *Orchestrator) Timeouts() *timeout.Dispatcher { return o.timeouts }

// ConnectAbility binds a caller to a service ability, loading its process
// when needed.
func (o *Orchestrator) ConnectAbility(req connection.ConnectRequest) (*connection.ConnectionRecord, error) {
	return o.conns.ConnectAbility(req)
}

func (o *Orchestrator) DisconnectAbility(cb connection.ConnectCallback) error {
	return o.conns.DisconnectAbility(cb)
}

func (o *Orchestrator) CallAbility(req connection.CallRequest) (*connection.CallRecord, error) {
	return o.conns.CallAbility(req)
}

func (o *Orchestrator) ReleaseCall(cb connection.ConnectCallback, element ability.Element) error {
	return o.conns.ReleaseCall(cb, element)
}

// post arms a timeout; a non-positive duration leaves it disarmed.
func (o *Orchestrator) post(kind timeout.EventKind, payload int64, d time.Duration) {
	if d > 0 {
		o.timeouts.Post(kind, payload, d)
	}
}

func sendContext(d, fallback time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = fallback
	}
	return context.WithTimeout(context.Background(), d)
}

func delayKillName(recordID int32) string {
	return "DELAY_KILL_PROCESS_" + strconv.FormatInt(int64(recordID), 10)
}

// LoadAbility places target in a process: a reusable running process is
// picked when the matching policy finds one, otherwise a new process is
// spawned and given the attach timeout.
func (o *Orchestrator) LoadAbility(target *ability.Record) error {
	if o.bundles == nil || o.procs == nil {
		o.log.Error("orchestrator is missing a collaborator", "bundles", o.bundles != nil, "processes", o.procs != nil)
		return connection.ErrNullReference
	}
	bi, err := o.bundles.GetBundleInfo(target.Info.BundleName, 0, o.userID)
	if err != nil {
		return fmt.Errorf("load %s: %w", target.Element().URI(), err)
	}
	app, err := o.bundles.GetApplicationInfo(target.Info.BundleName, o.userID)
	if err != nil {
		return fmt.Errorf("load %s: %w", target.Element().URI(), err)
	}
	processName := target.Info.ProcessName
	if processName == "" {
		processName = bi.Name
	}

	o.launchMu.Lock()
	defer o.launchMu.Unlock()

	if res := o.reg.FindOrReuse(app.Name, processName, app.UID, bi, registry.MatchCriteria{}); res.Record != nil {
		rec := res.Record
		rec.AddAbility(target)
		if rec.State() == registry.StateCached {
			rec.UpdateFlags(func(f *registry.Flags) { f.Caching = false })
			o.setProcessState(rec, registry.StateReady)
		}
		o.log.Info("ability placed in running process", "ability_id", target.ID, "record_id", rec.RecordID(), "from_cache", res.FromCache)
		if rec.Client() != nil {
			o.launch(rec, target)
		}
		return nil
	}

	rec := o.reg.CreateProcessRecord(app, processName, bi, "", "")
	if rec == nil {
		return fmt.Errorf("load %s: %w", target.Element().URI(), registry.ErrInvalidValue)
	}
	rec.AddAbility(target)
	pid, err := o.procs.Spawn(process.Spec{
		Name:    processName,
		Command: bi.Command,
		WorkDir: bi.WorkDir,
		UID:     app.UID,
		Env: o.env.Compose(bi.Env, []string{
			"APPMGR_RECORD_ID=" + strconv.FormatInt(int64(rec.RecordID()), 10),
			"APPMGR_PROCESS_NAME=" + processName,
			"APPMGR_BUNDLE_NAME=" + bi.Name,
		}),
		Log: o.procLog,
	})
	if err != nil {
		rec.SetKilling("SpawnFailed")
		o.reg.RemoveProcessRecord(rec.RecordID())
		return fmt.Errorf("load %s: %w", target.Element().URI(), err)
	}
	rec.SetPID(pid)
	rec.MarkStarted(time.Now().UnixNano())
	o.post(timeout.Attach, int64(rec.RecordID()), o.to.Attach)
	o.log.Info("process started", "record_id", rec.RecordID(), "pid", pid, "process", processName)
	return nil
}

// launch asks the attached process to start target and waits for the load
// timeout or AttachAbility.
func (o *Orchestrator) launch(rec *registry.ProcessRecord, target *ability.Record) {
	o.post(timeout.Load, target.ID, o.to.Load)
	o.sched.Submit(func() {
		ctx, cancel := sendContext(o.to.Load, DefaultTimeouts().Load)
		defer cancel()
		reply, err := rec.Send(ctx, ipc.Request{Kind: ipc.KindLaunchAbility, Payload: target.Info})
		if err != nil {
			o.log.Warn("launch ability failed", "ability_id", target.ID, "record_id", rec.RecordID(), "error", err)
			return
		}
		if reply.Code != connection.ResultOK {
			o.timeouts.Cancel(timeout.Load, target.ID)
			o.conns.OnAbilityLoadFailed(target.ID, connection.ResultLoadFailed)
			return
		}
		// a process may hand the token back in the reply or attach it later
		if token, ok := reply.Payload.(ipc.Remote); ok && token != nil {
			if err := o.AttachAbility(target.ID, token); err != nil {
				o.log.Warn("attach ability from launch reply failed", "ability_id", target.ID, "error", err)
			}
		}
	}, scheduler.Options{Name: "LaunchAbility_" + strconv.FormatInt(target.ID, 10), Dedup: true, QoS: scheduler.UserInitiated})
}

// AttachApplication is called by a spawned process once its client handle
// is ready. The attach timeout is canceled and every ability placed in the
// process is launched.
func (o *Orchestrator) AttachApplication(pid int, client ipc.Remote) (*registry.ProcessRecord, error) {
	if client == nil {
		return nil, fmt.Errorf("attach %d: %w", pid, connection.ErrNullReference)
	}
	// a process may attach before Spawn returned its pid to LoadAbility
	o.launchMu.Lock()
	defer o.launchMu.Unlock()

	rec := o.reg.GetByPID(pid)
	if rec == nil {
		o.log.Warn("attach from unknown process", "pid", pid)
		if o.procs != nil && pid > 0 {
			_ = o.procs.KillProcess(pid, "UnknownProcess")
		}
		return nil, fmt.Errorf("attach %d: %w", pid, ErrUnknownProcess)
	}
	if rec.Client() != nil {
		return rec, fmt.Errorf("attach %d: %w", pid, ErrAlreadyAttached)
	}
	o.timeouts.Cancel(timeout.Attach, int64(rec.RecordID()))
	rec.SetClient(client, o.onAppDied)
	rec.SetState(registry.StateReady)
	o.log.Info("application attached", "record_id", rec.RecordID(), "pid", pid)

	for _, target := range rec.Abilities() {
		if !target.IsLoaded() {
			o.launch(rec, target)
		}
	}
	return rec, nil
}

// AttachAbility records the scheduler token of a launched ability and
// releases the connects and calls waiting for it.
func (o *Orchestrator) AttachAbility(abilityID int64, token ipc.Remote) error {
	target := o.dir.Get(abilityID)
	if target == nil {
		return fmt.Errorf("ability %d: %w", abilityID, ErrAbilityNotFound)
	}
	if token == nil {
		return fmt.Errorf("ability %d: %w", abilityID, connection.ErrNullReference)
	}
	o.timeouts.Cancel(timeout.Load, abilityID)
	target.SetToken(token)
	return o.conns.OnAbilityAttached(abilityID)
}

// ReleaseAbility terminates target once nothing is bound to it anymore.
func (o *Orchestrator) ReleaseAbility(target *ability.Record) {
	if target.ConnectionCount() > 0 {
		return
	}
	for _, c := range o.conns.Calls() {
		if c.TargetID() == target.ID {
			return
		}
	}
	if err := o.TerminateAbility(target.ID); err != nil {
		o.log.Debug("release ability", "ability_id", target.ID, "error", err)
	}
}

// TerminateAbility removes the ability from its process. Connections and
// calls still bound to it are closed first, as if the target had died. When
// it was the last ability and the process is not kept alive, the process is
// cached if the cache accepts it, and otherwise asked to exit after the
// delay-kill grace period.
func (o *Orchestrator) TerminateAbility(abilityID int64) error {
	target := o.dir.Get(abilityID)
	if target == nil {
		return fmt.Errorf("ability %d: %w", abilityID, ErrAbilityNotFound)
	}
	target.SetState(ability.StateTerminating)
	o.timeouts.Cancel(timeout.Load, abilityID)
	o.timeouts.Cancel(timeout.Foreground, abilityID)
	// records resolve their target by id, so they are closed while it is
	// still in the directory
	o.conns.OnAbilityTerminated(abilityID)
	if o.dir.Remove(abilityID) == nil {
		return fmt.Errorf("ability %d: %w", abilityID, ErrAbilityNotFound)
	}

	rec := o.reg.Get(target.ProcessID())
	if rec == nil {
		return nil
	}
	if rec.RemoveAbility(abilityID) > 0 || rec.KeepAlive() {
		o.syncProcessState(rec)
		return nil
	}
	if o.cache != nil && o.cache.SupportsProcessCache(rec) {
		rec.UpdateFlags(func(f *registry.Flags) { f.Caching = true })
		o.setProcessState(rec, registry.StateCached)
		return nil
	}
	rec.SetTerminating(true)
	id := rec.RecordID()
	o.sched.Submit(func() { o.terminateProcess(id) }, scheduler.Options{
		Name:  delayKillName(id),
		Delay: o.to.DelayKill,
		Dedup: true,
		QoS:   scheduler.Background,
	})
	o.log.Info("process scheduled for termination", "record_id", id, "delay", o.to.DelayKill)
	return nil
}

func (o *Orchestrator) terminateProcess(recordID int32) {
	rec := o.reg.Get(recordID)
	if rec == nil || rec.AbilityCount() > 0 {
		return
	}
	o.post(timeout.Terminate, int64(recordID), o.to.Terminate)
	ctx, cancel := sendContext(o.to.Terminate, DefaultTimeouts().Terminate)
	defer cancel()
	if _, err := rec.Send(ctx, ipc.Request{Kind: ipc.KindTerminate}); err != nil {
		o.log.Debug("terminate request failed", "record_id", recordID, "error", err)
	}
}

// OnProcessExited handles the exit of a spawned process reported by the
// process controller.
func (o *Orchestrator) OnProcessExited(pid int, err error) {
	rec := o.reg.GetByPID(pid)
	if rec == nil {
		return
	}
	reason := "ProcessExited"
	if err != nil {
		reason = "ProcessExited: " + err.Error()
	}
	rec.SetKilling(reason)
	if o.reg.RemoveProcessRecord(rec.RecordID()) == nil {
		return
	}
	rec.SetClient(nil, nil)
	o.cleanup(rec)
}

// onAppDied is the death handler of every attached client.
func (o *Orchestrator) onAppDied(remote ipc.Remote) {
	o.sched.Submit(func() {
		rec := o.reg.OnRemoteDied(remote)
		if rec == nil {
			return
		}
		o.cleanup(rec)
	}, scheduler.Options{QoS: scheduler.UserInteractive})
}

// cleanup invalidates everything that referenced a process record that has
// already left the registry.
func (o *Orchestrator) cleanup(rec *registry.ProcessRecord) {
	id := rec.RecordID()
	o.timeouts.Cancel(timeout.Attach, int64(id))
	o.timeouts.Cancel(timeout.Terminate, int64(id))
	o.sched.Cancel(delayKillName(id))

	hosted := o.dir.ByProcess(id)
	for _, target := range hosted {
		o.timeouts.Cancel(timeout.Load, target.ID)
		o.timeouts.Cancel(timeout.Foreground, target.ID)
		if !target.IsLoaded() {
			o.conns.OnAbilityLoadFailed(target.ID, connection.ResultLoadFailed)
		}
	}
	o.conns.OnProcessDied(rec)
	for _, target := range hosted {
		o.dir.Remove(target.ID)
	}
	o.log.Info("process cleaned up", "record_id", id, "pid", rec.PID(), "abilities", len(hosted))
}

// killProcess removes rec, kills its OS process and cleans up after it.
func (o *Orchestrator) killProcess(rec *registry.ProcessRecord, reason string) {
	rec.SetKilling(reason)
	if o.reg.RemoveProcessRecord(rec.RecordID()) == nil {
		return
	}
	rec.SetClient(nil, nil)
	if pid := rec.PID(); pid > 0 && o.procs != nil {
		if err := o.procs.KillProcess(pid, reason); err != nil {
			o.log.Warn("kill process failed", "record_id", rec.RecordID(), "pid", pid, "error", err)
		}
	}
	o.cleanup(rec)
}

// KillApplication kills every non keep-alive process hosting bundleName and
// returns their pids.
func (o *Orchestrator) KillApplication(bundleName string) []int {
	pids := o.reg.ProcessExitByBundleName(bundleName)
	for _, pid := range pids {
		if rec := o.reg.GetByPID(pid); rec != nil {
			o.killProcess(rec, "KillApplication")
		}
	}
	return pids
}

// KillProcessByPID kills the tracked process with pid.
func (o *Orchestrator) KillProcessByPID(pid int, reason string) error {
	rec := o.reg.GetByPID(pid)
	if rec == nil {
		return fmt.Errorf("pid %d: %w", pid, ErrUnknownProcess)
	}
	o.killProcess(rec, reason)
	return nil
}

// Foreground moves an ability to the foreground; it must report
// ForegroundDone before the foreground timeout.
func (o *Orchestrator) Foreground(abilityID int64) error {
	target := o.dir.Get(abilityID)
	if target == nil {
		return fmt.Errorf("ability %d: %w", abilityID, ErrAbilityNotFound)
	}
	target.SetState(ability.StateForegrounding)
	o.post(timeout.Foreground, abilityID, o.to.Foreground)
	o.syncHost(target)
	return nil
}

// ForegroundDone is the ability's report that it reached the foreground.
func (o *Orchestrator) ForegroundDone(abilityID int64) error {
	target := o.dir.Get(abilityID)
	if target == nil {
		return fmt.Errorf("ability %d: %w", abilityID, ErrAbilityNotFound)
	}
	o.timeouts.Cancel(timeout.Foreground, abilityID)
	target.SetState(ability.StateForeground)
	o.syncHost(target)
	return nil
}

// Background moves an ability to the background. Its process follows once
// no ability of it is in the foreground.
func (o *Orchestrator) Background(abilityID int64) error {
	target := o.dir.Get(abilityID)
	if target == nil {
		return fmt.Errorf("ability %d: %w", abilityID, ErrAbilityNotFound)
	}
	o.timeouts.Cancel(timeout.Foreground, abilityID)
	target.SetState(ability.StateBackground)
	o.syncHost(target)
	return nil
}

func (o *Orchestrator) syncHost(target *ability.Record) {
	if rec := o.reg.Get(target.ProcessID()); rec != nil {
		o.syncProcessState(rec)
	}
}

// syncProcessState derives the process state from its abilities. An ability
// in or entering the foreground makes the process foreground; a process with
// none left there moves to background. Unattached and cached processes keep
// their state.
func (o *Orchestrator) syncProcessState(rec *registry.ProcessRecord) {
	prev := rec.State()
	switch prev {
	case registry.StateCreate, registry.StateCached, registry.StateTerminated:
		return
	}
	var fg, bg bool
	for _, a := range rec.Abilities() {
		switch a.State() {
		case ability.StateForeground, ability.StateForegrounding:
			fg = true
		case ability.StateBackground, ability.StateBackgrounding:
			bg = true
		}
	}
	next := prev
	switch {
	case fg:
		if prev != registry.StateFocus {
			next = registry.StateForeground
		}
	case bg, prev == registry.StateForeground, prev == registry.StateFocus:
		next = registry.StateBackground
	}
	o.setProcessState(rec, next)
}

// setProcessState moves rec to next. A process leaving the background gets
// the configuration deferred while it was there.
func (o *Orchestrator) setProcessState(rec *registry.ProcessRecord, next registry.State) {
	prev := rec.State()
	if prev == next {
		return
	}
	rec.SetState(next)
	o.log.Info("process state changed", "record_id", rec.RecordID(), "from", prev.String(), "to", next.String())
	if prev != registry.StateBackground || !o.reg.IsConfigurationDelayed(rec.RecordID()) {
		return
	}
	o.sched.Submit(func() {
		ctx, cancel := sendContext(o.to.Load, DefaultTimeouts().Load)
		defer cancel()
		if err := o.reg.UpdateConfigurationDelayed(ctx, rec); err != nil {
			o.log.Warn("deferred configuration failed", "record_id", rec.RecordID(), "error", err)
		}
	}, scheduler.Options{
		Name:  "UpdateConfigurationDelayed_" + strconv.FormatInt(int64(rec.RecordID()), 10),
		Dedup: true,
		QoS:   scheduler.UserInitiated,
	})
}

// UpdateConfiguration delivers cfg to the processes of userID, or of every
// user for registry.AllUsers. Background processes defer the change; a
// color mode change is then applied to them in batches.
func (o *Orchestrator) UpdateConfiguration(ctx context.Context, cfg registry.Configuration, userID int) error {
	err := o.reg.UpdateConfiguration(ctx, cfg, userID)
	if _, ok := cfg[registry.ConfigColorMode]; !ok {
		return err
	}
	var apps []registry.BackgroundApp
	seen := make(map[registry.BackgroundApp]bool)
	for _, rec := range o.reg.Snapshot() {
		if rec.State() != registry.StateBackground || !o.reg.IsConfigurationDelayed(rec.RecordID()) {
			continue
		}
		app := registry.BackgroundApp{BundleName: rec.BundleName(), AppIndex: rec.AppIndex()}
		if !seen[app] {
			seen[app] = true
			apps = append(apps, app)
		}
	}
	if len(apps) == 0 {
		return err
	}
	return errors.Join(err, o.reg.UpdateConfigurationForBackgroundApp(apps, o.batch, userID))
}

// Shutdown stops the scheduler. Spawned processes are left to the process
// controller.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.sched.Shutdown(ctx)
}
