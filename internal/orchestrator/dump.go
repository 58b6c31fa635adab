package orchestrator

import (
	"github.com/loykin/appmgr/internal/ability"
	"github.com/loykin/appmgr/internal/connection"
	"github.com/loykin/appmgr/internal/registry"
)

// AbilityInfo is the diagnostic view of a target ability.
type AbilityInfo struct {
	ID          int64   `json:"id"`
	Element     string  `json:"element"`
	State       string  `json:"state"`
	ProcessID   int32   `json:"process_id"`
	Loaded      bool    `json:"loaded"`
	Connections []int64 `json:"connections"`
}

// Snapshot is a point-in-time view of every registry.
type Snapshot struct {
	Processes   []registry.Snapshot   `json:"processes"`
	Abilities   []AbilityInfo         `json:"abilities"`
	Connections []connection.Info     `json:"connections"`
	Calls       []connection.CallInfo `json:"calls"`
	Tasks       []string              `json:"tasks"`
}

func abilityInfo(r *ability.Record) AbilityInfo {
	conns := r.Connections()
	if conns == nil {
		conns = []int64{}
	}
	return AbilityInfo{
		ID:          r.ID,
		Element:     r.Element().URI(),
		State:       r.State().String(),
		ProcessID:   r.ProcessID(),
		Loaded:      r.IsLoaded(),
		Connections: conns,
	}
}

func (o *Orchestrator) Snapshot() Snapshot {
	s := Snapshot{
		Processes:   []registry.Snapshot{},
		Abilities:   []AbilityInfo{},
		Connections: []connection.Info{},
		Calls:       []connection.CallInfo{},
		Tasks:       o.sched.Names(),
	}
	for _, rec := range o.reg.Snapshot() {
		s.Processes = append(s.Processes, rec.Snapshot())
	}
	for _, a := range o.dir.Snapshot() {
		s.Abilities = append(s.Abilities, abilityInfo(a))
	}
	for _, c := range o.conns.Records() {
		s.Connections = append(s.Connections, c.Info())
	}
	for _, c := range o.conns.Calls() {
		s.Calls = append(s.Calls, c.Info())
	}
	return s
}

// Dump renders the connection and call records one per line.
func (o *Orchestrator) Dump() []string { return o.conns.Dump() }
