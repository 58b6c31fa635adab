package registry

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/loykin/appmgr/internal/ability"
	"github.com/loykin/appmgr/internal/bundle"
	"github.com/loykin/appmgr/internal/ipc"
)

type ProcessType int

const (
	ProcessNormal ProcessType = iota
	ProcessExtension
	ProcessRender
	ProcessChild
)

func (t ProcessType) String() string {
	switch t {
	case ProcessNormal:
		return "normal"
	case ProcessExtension:
		return "extension"
	case ProcessRender:
		return "render"
	case ProcessChild:
		return "child"
	default:
		return "unknown"
	}
}

// State is the application state of a process.
type State int

const (
	StateCreate State = iota
	StateReady
	StateForeground
	StateFocus
	StateBackground
	StateTerminated
	StateCached
)

func (s State) String() string {
	switch s {
	case StateCreate:
		return "CREATE"
	case StateReady:
		return "READY"
	case StateForeground:
		return "FOREGROUND"
	case StateFocus:
		return "FOCUS"
	case StateBackground:
		return "BACKGROUND"
	case StateTerminated:
		return "TERMINATED"
	case StateCached:
		return "CACHED"
	default:
		return "UNKNOWN"
	}
}

// Flags is the mutable lifecycle flag set of a process record.
type Flags struct {
	Terminating         bool `json:"terminating"`
	Killing             bool `json:"killing"`
	RestartApp          bool `json:"restart_app"`
	UserRequestCleaning bool `json:"user_request_cleaning"`
	Caching             bool `json:"caching"`
	CacheBlocked        bool `json:"cache_blocked"`
	KillPrecedeStart    bool `json:"kill_precede_start"`
}

// reusable reports whether a record with these flags may be handed out by
// the matching policy.
func (f Flags) reusable() bool {
	return !f.Terminating && !f.Killing && !f.RestartApp && !f.UserRequestCleaning &&
		!(f.Caching && f.CacheBlocked) && !f.KillPrecedeStart
}

// ChildProcess is a child or render process spawned on behalf of a record.
type ChildProcess struct {
	PID  int         `json:"pid"`
	Name string      `json:"name"`
	Type ProcessType `json:"type"`
}

// ProcessRecord tracks one application process. Identity fields are fixed at
// creation; everything else is guarded by mu.
type ProcessRecord struct {
	id            int32
	appName       string
	bundleName    string
	processName   string
	signCode      string
	jointUserID   string
	appIdentifier string
	instanceKey   string
	customFlag    string
	uid           int
	appIndex      int
	bundleType    bundle.Type
	singleton     bool
	keepAlive     bool
	stageModel    bool

	mu               sync.RWMutex
	pid              int
	processType      ProcessType
	specifiedFlag    string
	sandbox          bool
	state            State
	flags            Flags
	killReason       string
	master           bool
	timestamp        int64
	apps             map[string]*bundle.AppInfo
	abilities        map[int64]*ability.Record
	cleaning         map[int64]bool
	children         map[int]ChildProcess
	client           ipc.Remote
	cancelDeath      func()
	configuration    Configuration
	pending          Configuration
	configBackground bool
	memoryLevel      int
	removed          bool
}

func newProcessRecord(id int32, app *bundle.AppInfo, processName string, bi bundle.BundleInfo, instanceKey, customFlag string) *ProcessRecord {
	r := &ProcessRecord{
		id:            id,
		appName:       app.Name,
		bundleName:    app.BundleName,
		processName:   processName,
		signCode:      bundle.SignCode(bi.AppID),
		jointUserID:   bi.JointUserID,
		appIdentifier: bi.AppIdentifier,
		instanceKey:   instanceKey,
		customFlag:    customFlag,
		uid:           app.UID,
		appIndex:      app.AppIndex,
		bundleType:    app.Type,
		singleton:     bi.Singleton,
		keepAlive:     bi.KeepAlive || app.KeepAlive,
		stageModel:    bi.StageModel,
		pid:           -1,
		apps:          make(map[string]*bundle.AppInfo),
		abilities:     make(map[int64]*ability.Record),
		cleaning:      make(map[int64]bool),
		children:      make(map[int]ChildProcess),
	}
	if r.bundleName == "" {
		r.bundleName = bi.Name
	}
	a := *app
	r.apps[a.Name] = &a
	return r
}

func (r *ProcessRecord) RecordID() int32 { return r.id }
func (r *ProcessRecord) AppName() string { return r.appName }
func (r *ProcessRecord) BundleName() string { return r.bundleName }
func (r *ProcessRecord) ProcessName() string { return r.processName }
func (r *ProcessRecord) SignCode() string { return r.signCode }
func (r *ProcessRecord) JointUserID() string { return r.jointUserID }
func (r *ProcessRecord) InstanceKey() string { return r.instanceKey }
func (r *ProcessRecord) CustomFlag() string { return r.customFlag }
func (r *ProcessRecord) UID() int { return r.uid }
func (r *ProcessRecord) AppIndex() int { return r.appIndex }
func (r *ProcessRecord) BundleType() bundle.Type { return r.bundleType }
func (r *ProcessRecord) KeepAlive() bool { return r.keepAlive }
func (r *ProcessRecord) Singleton() bool { return r.singleton }
func (r *ProcessRecord) StageModel() bool { return r.stageModel }
func (r *ProcessRecord) AppIdentifier() string { return r.appIdentifier }

func (r *ProcessRecord) PID() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pid
}

func (r *ProcessRecord) SetPID(pid int) {
	r.mu.Lock()
	r.pid = pid
	r.mu.Unlock()
}

func (r *ProcessRecord) ProcessType() ProcessType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.processType
}

func (r *ProcessRecord) SetProcessType(t ProcessType) {
	r.mu.Lock()
	r.processType = t
	r.mu.Unlock()
}

func (r *ProcessRecord) SpecifiedFlag() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.specifiedFlag
}

func (r *ProcessRecord) SetSpecifiedFlag(f string) {
	r.mu.Lock()
	r.specifiedFlag = f
	r.mu.Unlock()
}

func (r *ProcessRecord) Sandbox() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sandbox
}

func (r *ProcessRecord) SetSandbox(v bool) {
	r.mu.Lock()
	r.sandbox = v
	r.mu.Unlock()
}

func (r *ProcessRecord) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *ProcessRecord) SetState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Flags returns a copy of the lifecycle flags.
func (r *ProcessRecord) Flags() Flags {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flags
}

// UpdateFlags applies fn to the flags under the record lock.
func (r *ProcessRecord) UpdateFlags(fn func(*Flags)) {
	r.mu.Lock()
	fn(&r.flags)
	r.mu.Unlock()
}

func (r *ProcessRecord) SetTerminating(v bool) { r.UpdateFlags(func(f *Flags) { f.Terminating = v }) }

func (r *ProcessRecord) SetRestartApp(v bool) { r.UpdateFlags(func(f *Flags) { f.RestartApp = v }) }

// SetKilling marks the process as being killed for reason.
func (r *ProcessRecord) SetKilling(reason string) {
	r.mu.Lock()
	r.flags.Killing = true
	r.killReason = reason
	r.mu.Unlock()
}

func (r *ProcessRecord) KillReason() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.killReason
}

// Reusable reports whether the lifecycle flags allow matching this record.
func (r *ProcessRecord) Reusable() bool { return r.Flags().reusable() }

func (r *ProcessRecord) Master() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.master
}

// MarkStarted stamps the record as the most recent launch target.
func (r *ProcessRecord) MarkStarted(ts int64) {
	r.mu.Lock()
	r.timestamp = ts
	r.mu.Unlock()
}

func (r *ProcessRecord) timestampValue() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.timestamp
}

func (r *ProcessRecord) promoteMaster() {
	r.mu.Lock()
	r.master = true
	r.timestamp = 0
	r.mu.Unlock()
}

// AddApp records another application hosted by this process.
func (r *ProcessRecord) AddApp(app *bundle.AppInfo) {
	if app == nil {
		return
	}
	a := *app
	r.mu.Lock()
	r.apps[a.Name] = &a
	r.mu.Unlock()
}

// Apps returns the hosted applications ordered by name.
func (r *ProcessRecord) Apps() []bundle.AppInfo {
	r.mu.RLock()
	out := make([]bundle.AppInfo, 0, len(r.apps))
	for _, a := range r.apps {
		out = append(out, *a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// structuralMatch is step 1 of the matching policy.
func (r *ProcessRecord) structuralMatch(processName, signCode, jointUserID string, c MatchCriteria) bool {
	if r.processName != processName || r.Sandbox() != c.Sandbox {
		return false
	}
	if r.signCode != signCode || r.jointUserID != jointUserID || r.instanceKey != c.InstanceKey {
		return false
	}
	if c.SpecifiedProcessFlag != "" && r.SpecifiedFlag() != c.SpecifiedProcessFlag {
		return false
	}
	if c.CustomProcessFlag != "" && r.customFlag != c.CustomProcessFlag {
		return false
	}
	return true
}

// hostsApp is step 4 of the matching policy. A hosted plugin app matches
// any request whose uid is the process uid.
func (r *ProcessRecord) hostsApp(appName string, uid int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.apps {
		if a.Type == bundle.TypeAppPlugin {
			if r.uid == uid {
				return true
			}
			continue
		}
		if a.Name == appName && a.UID == uid {
			return true
		}
	}
	return false
}

func (r *ProcessRecord) hostsBundle(bundleName string) bool {
	if r.bundleName == bundleName {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.apps {
		if a.BundleName == bundleName {
			return true
		}
	}
	return false
}

func (r *ProcessRecord) AddAbility(a *ability.Record) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.abilities[a.ID] = a
	r.mu.Unlock()
	a.SetProcessID(r.id)
}

// RemoveAbility drops the ability and reports whether any remain.
func (r *ProcessRecord) RemoveAbility(id int64) (remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.abilities, id)
	delete(r.cleaning, id)
	return len(r.abilities)
}

// Abilities returns the hosted abilities ordered by id.
func (r *ProcessRecord) Abilities() []*ability.Record {
	r.mu.RLock()
	out := slices.Collect(maps.Values(r.abilities))
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *ProcessRecord) AbilityCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.abilities)
}

// AbilityByToken returns the hosted ability whose scheduler token is obj.
func (r *ProcessRecord) AbilityByToken(obj ipc.ObjectID) *ability.Record {
	if obj == "" {
		return nil
	}
	for _, a := range r.Abilities() {
		if ipc.ObjectOf(a.Token()) == obj {
			return a
		}
	}
	return nil
}

func (r *ProcessRecord) hasAbilityOf(info ability.Info) bool {
	for _, a := range r.Abilities() {
		if a.Info.Type == info.Type && a.Info.ExtensionType == info.ExtensionType {
			return true
		}
	}
	return false
}

func (r *ProcessRecord) markCleaning(id int64) {
	r.mu.Lock()
	if _, ok := r.abilities[id]; ok {
		r.cleaning[id] = true
	}
	r.mu.Unlock()
}

func (r *ProcessRecord) allAbilitiesCleaning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.abilities {
		if !r.cleaning[id] {
			return false
		}
	}
	return true
}

func (r *ProcessRecord) AddChild(c ChildProcess) {
	if c.PID <= 0 {
		return
	}
	r.mu.Lock()
	r.children[c.PID] = c
	r.mu.Unlock()
}

func (r *ProcessRecord) RemoveChild(pid int) {
	r.mu.Lock()
	delete(r.children, pid)
	r.mu.Unlock()
}

// Children returns child and render processes ordered by pid.
func (r *ProcessRecord) Children() []ChildProcess {
	r.mu.RLock()
	out := slices.Collect(maps.Values(r.children))
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

func (r *ProcessRecord) hasChild(pid int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.children[pid]
	return ok
}

// Client returns the application thread handle, nil before attach.
func (r *ProcessRecord) Client() ipc.Remote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.client
}

// SetClient attaches the application thread handle. onDeath, when non-nil,
// is registered as its death handler; a previous registration is dropped.
func (r *ProcessRecord) SetClient(c ipc.Remote, onDeath func(ipc.Remote)) {
	r.mu.Lock()
	prev := r.cancelDeath
	r.client = c
	r.cancelDeath = nil
	r.mu.Unlock()
	if prev != nil {
		prev()
	}
	if c == nil || onDeath == nil {
		return
	}
	cancel := c.RegisterDeathHandler(onDeath)
	r.mu.Lock()
	if r.client == c {
		r.cancelDeath = cancel
		cancel = nil
	}
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *ProcessRecord) detachClient() {
	r.SetClient(nil, nil)
}

// Send delivers req to the application thread unless the record was removed
// from its registry.
func (r *ProcessRecord) Send(ctx context.Context, req ipc.Request) (ipc.Reply, error) {
	r.mu.RLock()
	c, removed := r.client, r.removed
	r.mu.RUnlock()
	if removed || c == nil {
		return ipc.Reply{}, ErrNotAttached
	}
	return c.Send(ctx, req)
}

func (r *ProcessRecord) markRemoved() {
	r.mu.Lock()
	r.removed = true
	r.mu.Unlock()
}

// Removed reports whether the record left its registry.
func (r *ProcessRecord) Removed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.removed
}

// Configuration returns the configuration last applied to the process.
func (r *ProcessRecord) Configuration() Configuration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.configuration.Clone()
}

// PendingConfiguration returns the diff deferred while in background.
func (r *ProcessRecord) PendingConfiguration() Configuration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pending.Clone()
}

// SetConfigInBackground makes background updates apply immediately.
func (r *ProcessRecord) SetConfigInBackground(v bool) {
	r.mu.Lock()
	r.configBackground = v
	r.mu.Unlock()
}

// deferConfiguration merges the delta of cfg into the pending diff when the
// record is in background. It reports whether the update was deferred.
func (r *ProcessRecord) deferConfiguration(cfg Configuration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateBackground || r.configBackground {
		return false
	}
	r.pending = r.pending.Merge(r.configuration.Diff(cfg))
	return true
}

// applyConfiguration records cfg as applied and forwards it to the process.
// A removed record is left untouched.
func (r *ProcessRecord) applyConfiguration(ctx context.Context, cfg Configuration) error {
	r.mu.Lock()
	if r.removed {
		r.mu.Unlock()
		return ErrRecordNotFound
	}
	r.configuration = r.configuration.Merge(cfg)
	r.mu.Unlock()
	_, err := r.Send(ctx, ipc.Request{Kind: ipc.KindUpdateConfiguration, Payload: cfg.Clone()})
	return err
}

// takePending removes and returns the pending items named by keys, or all
// of them when keys is empty.
func (r *ProcessRecord) takePending(keys ...string) Configuration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return nil
	}
	if len(keys) == 0 {
		out := r.pending
		r.pending = nil
		return out
	}
	out := Configuration{}
	for _, k := range keys {
		if v, ok := r.pending[k]; ok {
			out[k] = v
			delete(r.pending, k)
		}
	}
	return out
}

func (r *ProcessRecord) MemoryLevel() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.memoryLevel
}

func (r *ProcessRecord) notifyMemoryLevel(ctx context.Context, level int) error {
	r.mu.Lock()
	r.memoryLevel = level
	r.mu.Unlock()
	_, err := r.Send(ctx, ipc.Request{Kind: ipc.KindMemoryLevel, Payload: level})
	return err
}

// Snapshot is a read-only view of a record for diagnostics.
type Snapshot struct {
	RecordID    int32          `json:"record_id"`
	PID         int            `json:"pid"`
	UID         int            `json:"uid"`
	AppName     string         `json:"app_name"`
	BundleName  string         `json:"bundle_name"`
	ProcessName string         `json:"process_name"`
	InstanceKey string         `json:"instance_key,omitempty"`
	ProcessType string         `json:"process_type"`
	State       string         `json:"state"`
	Flags       Flags          `json:"flags"`
	KillReason  string         `json:"kill_reason,omitempty"`
	Abilities   []int64        `json:"abilities"`
	Children    []ChildProcess `json:"children,omitempty"`
	Attached    bool           `json:"attached"`
}

func (r *ProcessRecord) Snapshot() Snapshot {
	s := Snapshot{
		RecordID:    r.id,
		UID:         r.uid,
		AppName:     r.appName,
		BundleName:  r.bundleName,
		ProcessName: r.processName,
		InstanceKey: r.instanceKey,
		Abilities:   []int64{},
		Children:    r.Children(),
	}
	for _, a := range r.Abilities() {
		s.Abilities = append(s.Abilities, a.ID)
	}
	r.mu.RLock()
	s.PID = r.pid
	s.ProcessType = r.processType.String()
	s.State = r.state.String()
	s.Flags = r.flags
	s.KillReason = r.killReason
	s.Attached = r.client != nil
	r.mu.RUnlock()
	return s
}
