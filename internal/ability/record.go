package ability

import (
	"slices"
	"sync"

	"github.com/loykin/appmgr/internal/ipc"
)

// Record is one ability instance. Connections and calls reference it by ID
// and re-resolve it through the Directory; the process hosting it is
// referenced by process record id.
type Record struct {
	ID   int64
	Info Info

	mu            sync.RWMutex
	state         State
	processID     int32
	token         ipc.Remote // ability scheduler handle, set once loaded
	connRemote    ipc.Remote // object handed to connected callers
	connections   []int64
	loadRequested bool
}

func (r *Record) Element() Element { return r.Info.Element() }

func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Record) SetState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// IsState reports whether the ability is currently in s.
func (r *Record) IsState(s State) bool { return r.State() == s }

// ProcessID returns the hosting process record id, 0 when unassigned.
func (r *Record) ProcessID() int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.processID
}

func (r *Record) SetProcessID(id int32) {
	r.mu.Lock()
	r.processID = id
	r.mu.Unlock()
}

func (r *Record) Token() ipc.Remote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.token
}

// IsLoaded reports whether the ability attached its scheduler token.
func (r *Record) IsLoaded() bool { return r.Token() != nil }

func (r *Record) SetToken(t ipc.Remote) {
	r.mu.Lock()
	r.token = t
	r.mu.Unlock()
}

func (r *Record) ConnRemote() ipc.Remote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connRemote
}

func (r *Record) SetConnRemote(o ipc.Remote) {
	r.mu.Lock()
	r.connRemote = o
	r.mu.Unlock()
}

// MarkLoadRequested records that a load was dispatched. It returns false if
// one was already pending.
func (r *Record) MarkLoadRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loadRequested {
		return false
	}
	r.loadRequested = true
	return true
}

// ClearLoadRequested allows the next MarkLoadRequested to succeed again,
// after the pending load finished or failed.
func (r *Record) ClearLoadRequested() {
	r.mu.Lock()
	r.loadRequested = false
	r.mu.Unlock()
}

func (r *Record) AddConnection(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.connections, id) {
		r.connections = append(r.connections, id)
	}
}

// RemoveConnection drops id and reports whether it was present.
func (r *Record) RemoveConnection(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.Index(r.connections, id)
	if i < 0 {
		return false
	}
	r.connections = slices.Delete(r.connections, i, i+1)
	return true
}

// RemoveConnectionIfShared drops id only while another connection stays
// bound to r. It reports whether id was removed; false means id is the last
// connection (or unknown) and the target has to be told.
func (r *Record) RemoveConnectionIfShared(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.connections) < 2 {
		return false
	}
	i := slices.Index(r.connections, id)
	if i < 0 {
		return false
	}
	r.connections = slices.Delete(r.connections, i, i+1)
	return true
}

// Connections returns a copy of the connection record ids bound to r.
func (r *Record) Connections() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.connections)
}

func (r *Record) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}
