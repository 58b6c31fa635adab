package ability

import (
	"sort"
	"sync"

	"github.com/loykin/appmgr/internal/ipc"
)

// Directory owns ability records by id. Service abilities are also indexed
// by element URI so repeated connects reuse the same instance.
type Directory struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]*Record
	byURI  map[string]int64
}

func NewDirectory() *Directory {
	return &Directory{
		byID:  make(map[int64]*Record),
		byURI: make(map[string]int64),
	}
}

// GetOrCreate returns the record serving info's element, creating it when
// missing. created reports whether a new record was made.
func (d *Directory) GetOrCreate(info Info) (rec *Record, created bool) {
	uri := info.Element().URI()
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.byURI[uri]; ok {
		if r := d.byID[id]; r != nil {
			return r, false
		}
	}
	d.nextID++
	r := &Record{ID: d.nextID, Info: info}
	d.byID[r.ID] = r
	d.byURI[uri] = r.ID
	return r, true
}

func (d *Directory) Get(id int64) *Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byID[id]
}

// FindByElement returns the record registered for e.
func (d *Directory) FindByElement(e Element) *Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id, ok := d.byURI[e.URI()]; ok {
		return d.byID[id]
	}
	return nil
}

// ByToken returns the ability whose scheduler token is obj.
func (d *Directory) ByToken(obj ipc.ObjectID) *Record {
	if obj == "" {
		return nil
	}
	for _, r := range d.Snapshot() {
		if ipc.ObjectOf(r.Token()) == obj {
			return r
		}
	}
	return nil
}

// ByProcess returns abilities hosted by the given process record.
func (d *Directory) ByProcess(processID int32) []*Record {
	var out []*Record
	for _, r := range d.Snapshot() {
		if r.ProcessID() == processID {
			out = append(out, r)
		}
	}
	return out
}

// Remove drops the record and returns it.
func (d *Directory) Remove(id int64) *Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.byID[id]
	if r == nil {
		return nil
	}
	delete(d.byID, id)
	uri := r.Info.Element().URI()
	if d.byURI[uri] == id {
		delete(d.byURI, uri)
	}
	return r
}

// Snapshot returns all records ordered by id.
func (d *Directory) Snapshot() []*Record {
	d.mu.RLock()
	out := make([]*Record, 0, len(d.byID))
	for _, r := range d.byID {
		out = append(out, r)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}
