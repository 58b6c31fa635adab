// Package registry tracks live application processes and implements the
// process matching and reuse policy.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/loykin/appmgr/internal/ability"
	"github.com/loykin/appmgr/internal/bundle"
	"github.com/loykin/appmgr/internal/history"
	"github.com/loykin/appmgr/internal/ipc"
	"github.com/loykin/appmgr/internal/metrics"
	"github.com/loykin/appmgr/internal/scheduler"
)

// Cache is the process cache collaborator. Records pending eviction are
// resurrected when matching hands them out again.
type Cache interface {
	// ReuseCachedProcess cancels pending eviction of rec and reports whether
	// rec was cached.
	ReuseCachedProcess(rec *ProcessRecord) bool
	// SupportsProcessCache reports whether rec's app may be kept cached.
	SupportsProcessCache(rec *ProcessRecord) bool
}

// Killer terminates OS processes.
type Killer interface {
	KillProcess(pid int, reason string) error
}

// MatchCriteria narrows FindOrReuse beyond process name and bundle identity.
type MatchCriteria struct {
	SpecifiedProcessFlag string
	CustomProcessFlag    string
	InstanceKey          string
	Sandbox              bool
	// NotReuseCachedProcess turns the lookup into an existence check: the
	// first match is returned without resurrecting it from the cache.
	NotReuseCachedProcess bool
}

// FindOrReuseResult is the outcome of FindOrReuse.
type FindOrReuseResult struct {
	Record *ProcessRecord
	// FromCache is set when the record was pending cache eviction.
	FromCache bool
}

type Option func(*Registry)

func WithProcessCache(c Cache) Option { return func(r *Registry) { r.cache = c } }

func WithKiller(k Killer) Option { return func(r *Registry) { r.killer = k } }

func WithSink(s history.Sink) Option { return func(r *Registry) { r.sink = s } }

// WithScheduler sets the scheduler used for batched background
// configuration updates.
func WithScheduler(s *scheduler.Scheduler) Option { return func(r *Registry) { r.sched = s } }

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// Registry owns every ProcessRecord by record id. The lock is held only to
// mutate the maps or copy a snapshot; record methods take their own locks.
type Registry struct {
	log    *slog.Logger
	cache  Cache
	killer Killer
	sink   history.Sink
	sched  *scheduler.Scheduler

	lastID atomic.Int32

	mu      sync.RWMutex
	records map[int32]*ProcessRecord
	// delayed marks records whose last configuration update was deferred.
	delayed map[int32]bool
}

func New(opts ...Option) *Registry {
	r := &Registry{
		log:     slog.Default(),
		records: make(map[int32]*ProcessRecord),
		delayed: make(map[int32]bool),
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With("component", "registry")
	return r
}

// CreateProcessRecord allocates and registers a record. It returns nil when
// app is nil or processName is empty.
func (r *Registry) CreateProcessRecord(app *bundle.AppInfo, processName string, bi bundle.BundleInfo, instanceKey, customFlag string) *ProcessRecord {
	if app == nil || processName == "" {
		r.log.Error("create process record: invalid input", "process", processName, "app_nil", app == nil)
		return nil
	}
	rec := newProcessRecord(r.lastID.Add(1), app, processName, bi, instanceKey, customFlag)

	r.mu.Lock()
	r.records[rec.id] = rec
	r.delayed[rec.id] = false
	n := len(r.records)
	r.mu.Unlock()

	metrics.SetRegistryProcesses(n)
	r.log.Info("process record created", "record_id", rec.id, "process", processName, "uid", app.UID)
	r.emit(history.EventProcessCreated, rec, "")
	return rec
}

// snapshot copies the current record set ordered by record id.
func (r *Registry) snapshot() []*ProcessRecord {
	r.mu.RLock()
	out := make([]*ProcessRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Snapshot returns the live records ordered by record id.
func (r *Registry) Snapshot() []*ProcessRecord { return r.snapshot() }

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *Registry) Get(id int32) *ProcessRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[id]
}

// GetByPID returns the record whose main process is pid.
func (r *Registry) GetByPID(pid int) *ProcessRecord {
	if pid <= 0 {
		return nil
	}
	for _, rec := range r.snapshot() {
		if rec.PID() == pid {
			return rec
		}
	}
	return nil
}

// GetByChildPID returns the record owning child or render process pid.
func (r *Registry) GetByChildPID(pid int) *ProcessRecord {
	if pid <= 0 {
		return nil
	}
	for _, rec := range r.snapshot() {
		if rec.hasChild(pid) {
			return rec
		}
	}
	return nil
}

// GetByAbilityToken returns the record hosting the ability with token obj.
func (r *Registry) GetByAbilityToken(obj ipc.ObjectID) *ProcessRecord {
	for _, rec := range r.snapshot() {
		if rec.AbilityByToken(obj) != nil {
			return rec
		}
	}
	return nil
}

// GetByClient returns the record whose application thread is obj.
func (r *Registry) GetByClient(obj ipc.ObjectID) *ProcessRecord {
	if obj == "" {
		return nil
	}
	for _, rec := range r.snapshot() {
		if ipc.ObjectOf(rec.Client()) == obj {
			return rec
		}
	}
	return nil
}

// FindOrReuse applies the process matching policy: structural match, then
// lifecycle exclusions, then (outside joint-user mode) the hosted app check.
// A hit pending cache eviction is resurrected unless the caller only asks
// whether one exists.
func (r *Registry) FindOrReuse(appName, processName string, uid int, bi bundle.BundleInfo, c MatchCriteria) FindOrReuseResult {
	signCode := bundle.SignCode(bi.AppID)
	for _, rec := range r.snapshot() {
		if !rec.structuralMatch(processName, signCode, bi.JointUserID, c) {
			continue
		}
		if !rec.Reusable() {
			continue
		}
		if bi.JointUserID == "" && !rec.hostsApp(appName, uid) {
			continue
		}
		return r.hit(rec, c.NotReuseCachedProcess)
	}
	return FindOrReuseResult{}
}

func (r *Registry) hit(rec *ProcessRecord, existenceOnly bool) FindOrReuseResult {
	if existenceOnly {
		return FindOrReuseResult{Record: rec}
	}
	res := FindOrReuseResult{Record: rec}
	if r.cache != nil && r.cache.ReuseCachedProcess(rec) {
		res.FromCache = true
		rec.UpdateFlags(func(f *Flags) { f.Caching = false })
		metrics.IncRegistryReused("cache")
	} else {
		metrics.IncRegistryReused("registry")
	}
	return res
}

// FindForSpecifiedProcess returns the reusable normal process started for
// instanceKey and customFlag under uid.
func (r *Registry) FindForSpecifiedProcess(uid int, instanceKey, customFlag string) *ProcessRecord {
	for _, rec := range r.snapshot() {
		if rec.uid != uid || rec.instanceKey != instanceKey || rec.customFlag != customFlag {
			continue
		}
		if rec.ProcessType() != ProcessNormal || !rec.Reusable() {
			continue
		}
		return rec
	}
	return nil
}

// FindMasterProcess picks the process that serves as master for appName:
// an existing master hosting the same kind of ability, else the most recently
// started candidate, else for system common UI extensions the oldest record.
// The winner becomes master and is resurrected from the cache.
func (r *Registry) FindMasterProcess(appName string, info ability.Info, uid int) *ProcessRecord {
	var (
		chosen, newest, oldestUI *ProcessRecord
		newestTS                 int64
	)
	for _, rec := range r.snapshot() {
		if !rec.Reusable() || rec.ProcessType() != ProcessNormal || !rec.hostsApp(appName, uid) {
			continue
		}
		if rec.Master() && rec.hasAbilityOf(info) {
			chosen = rec
			break
		}
		if ts := rec.timestampValue(); ts > newestTS {
			newest, newestTS = rec, ts
		}
		if oldestUI == nil && info.ExtensionType == ability.ExtensionSysCommonUI && rec.hasAbilityOf(info) {
			oldestUI = rec
		}
	}
	if chosen == nil {
		chosen = newest
	}
	if chosen == nil {
		chosen = oldestUI
	}
	if chosen == nil {
		return nil
	}
	chosen.promoteMaster()
	if r.cache != nil {
		r.cache.ReuseCachedProcess(chosen)
	}
	return chosen
}

func (r *Registry) remove(id int32) *ProcessRecord {
	r.mu.Lock()
	rec := r.records[id]
	if rec != nil {
		delete(r.records, id)
		delete(r.delayed, id)
	}
	n := len(r.records)
	r.mu.Unlock()
	if rec == nil {
		return nil
	}
	rec.markRemoved()
	metrics.SetRegistryProcesses(n)
	return rec
}

// RemoveProcessRecord detaches the record from the registry and returns it.
// The caller is responsible for invalidating connections and calls that
// reference it.
func (r *Registry) RemoveProcessRecord(id int32) *ProcessRecord {
	rec := r.remove(id)
	if rec == nil {
		return nil
	}
	for _, c := range rec.Children() {
		rec.RemoveChild(c.PID)
	}
	metrics.IncRegistryRemoved("explicit")
	r.log.Info("process record removed", "record_id", id, "pid", rec.PID())
	r.emit(history.EventProcessRemoved, rec, rec.KillReason())
	return rec
}

// OnRemoteDied handles the death of an application thread handle: the
// owning record is removed, its client detached and its OS process killed.
func (r *Registry) OnRemoteDied(remote ipc.Remote) *ProcessRecord {
	rec := r.GetByClient(ipc.ObjectOf(remote))
	if rec == nil {
		return nil
	}
	if r.remove(rec.id) == nil {
		// lost a race with another removal
		return nil
	}
	rec.detachClient()
	if pid := rec.PID(); pid > 0 && r.killer != nil {
		if err := r.killer.KillProcess(pid, "OnRemoteDied"); err != nil {
			r.log.Warn("kill after remote death failed", "record_id", rec.id, "pid", pid, "error", err)
		}
	}
	metrics.IncRegistryRemoved("remote_died")
	r.log.Info("process remote died", "record_id", rec.id, "pid", rec.PID(), "process", rec.processName)
	r.emit(history.EventProcessDied, rec, "OnRemoteDied")
	return rec
}

func (r *Registry) emit(t history.EventType, rec *ProcessRecord, detail string) {
	history.Emit(context.Background(), r.sink, r.log, history.Event{
		Type:        t,
		RecordID:    int64(rec.id),
		PID:         rec.PID(),
		UID:         rec.uid,
		ProcessName: rec.processName,
		BundleName:  rec.bundleName,
		Detail:      detail,
	})
}
