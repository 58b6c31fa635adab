package connection

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/loykin/appmgr/internal/ipc"
	"github.com/loykin/appmgr/internal/metrics"
)

// Index is the registry of established connections, keyed by caller object
// and by target ability. It also hands out record ids.
type Index struct {
	lastID atomic.Int64

	mu       sync.Mutex
	byID     map[int64]*ConnectionRecord
	byCaller map[ipc.ObjectID][]int64
}

func NewIndex() *Index {
	return &Index{
		byID:     make(map[int64]*ConnectionRecord),
		byCaller: make(map[ipc.ObjectID][]int64),
	}
}

func (x *Index) nextID() int64 { return x.lastID.Add(1) }

// Add registers rec. Adding a record twice is a no-op.
func (x *Index) Add(rec *ConnectionRecord) {
	if rec == nil {
		return
	}
	x.mu.Lock()
	if _, ok := x.byID[rec.id]; ok {
		x.mu.Unlock()
		return
	}
	x.byID[rec.id] = rec
	caller := ipc.ObjectOf(rec.caller.Token)
	x.byCaller[caller] = append(x.byCaller[caller], rec.id)
	n := len(x.byID)
	x.mu.Unlock()
	metrics.SetActiveConnections(n)
}

// Remove unregisters rec. When callerDied is set every connection of the
// same caller is dropped from the caller bucket at once.
func (x *Index) Remove(rec *ConnectionRecord, callerDied bool) {
	if rec == nil {
		return
	}
	caller := ipc.ObjectOf(rec.caller.Token)
	x.mu.Lock()
	delete(x.byID, rec.id)
	if callerDied {
		for _, id := range x.byCaller[caller] {
			delete(x.byID, id)
		}
		delete(x.byCaller, caller)
	} else {
		ids := x.byCaller[caller]
		for i, id := range ids {
			if id == rec.id {
				ids = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
		if len(ids) == 0 {
			delete(x.byCaller, caller)
		} else {
			x.byCaller[caller] = ids
		}
	}
	n := len(x.byID)
	x.mu.Unlock()
	metrics.SetActiveConnections(n)
}

func (x *Index) Get(id int64) *ConnectionRecord {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.byID[id]
}

// ByCaller returns the connections opened by the caller object obj.
func (x *Index) ByCaller(obj ipc.ObjectID) []*ConnectionRecord {
	x.mu.Lock()
	out := make([]*ConnectionRecord, 0, len(x.byCaller[obj]))
	for _, id := range x.byCaller[obj] {
		if rec := x.byID[id]; rec != nil {
			out = append(out, rec)
		}
	}
	x.mu.Unlock()
	return out
}

// ByTarget returns the connections bound to the ability abilityID.
func (x *Index) ByTarget(abilityID int64) []*ConnectionRecord {
	var out []*ConnectionRecord
	for _, rec := range x.Snapshot() {
		if rec.targetID == abilityID {
			out = append(out, rec)
		}
	}
	return out
}

func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.byID)
}

// Snapshot returns the registered connections ordered by record id.
func (x *Index) Snapshot() []*ConnectionRecord {
	x.mu.Lock()
	out := make([]*ConnectionRecord, 0, len(x.byID))
	for _, rec := range x.byID {
		out = append(out, rec)
	}
	x.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
