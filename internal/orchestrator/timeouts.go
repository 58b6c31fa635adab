package orchestrator

import (
	"github.com/loykin/appmgr/internal/ability"
	"github.com/loykin/appmgr/internal/connection"
)

// HandleLoadTimeOut rejects everything waiting for an ability that never
// reported its token.
func (o *Orchestrator) HandleLoadTimeOut(abilityID int64) {
	target := o.dir.Get(abilityID)
	if target == nil || target.IsLoaded() {
		return
	}
	o.log.Warn("ability load timed out", "ability_id", abilityID, "element", target.Element().URI())
	o.conns.OnAbilityLoadFailed(abilityID, connection.ResultConnectTimeout)
}

// HandleActiveTimeOut treats an ability stuck activating like a failed load.
func (o *Orchestrator) HandleActiveTimeOut(abilityID int64) {
	target := o.dir.Get(abilityID)
	if target == nil || !target.IsState(ability.StateActivating) {
		return
	}
	o.log.Warn("ability activation timed out", "ability_id", abilityID)
	target.SetState(ability.StateInactive)
	o.conns.OnAbilityLoadFailed(abilityID, connection.ResultConnectTimeout)
}

func (o *Orchestrator) HandleInactiveTimeOut(abilityID int64) {
	target := o.dir.Get(abilityID)
	if target == nil || !target.IsState(ability.StateInactivating) {
		return
	}
	o.log.Warn("ability inactivation timed out", "ability_id", abilityID)
	target.SetState(ability.StateInactive)
}

// HandleForegroundTimeOut sends an ability that failed to come forward to
// the background.
func (o *Orchestrator) HandleForegroundTimeOut(abilityID int64) {
	target := o.dir.Get(abilityID)
	if target == nil || !target.IsState(ability.StateForegrounding) {
		return
	}
	o.log.Warn("ability foreground timed out", "ability_id", abilityID)
	target.SetState(ability.StateBackground)
	o.syncHost(target)
}

func (o *Orchestrator) HandleShareDataTimeOut(id int64) {
	o.log.Warn("share data timed out", "request_id", id)
}

// HandleAttachTimeOut kills a spawned process that never attached.
func (o *Orchestrator) HandleAttachTimeOut(recordID int64) {
	rec := o.reg.Get(int32(recordID))
	if rec == nil || rec.Client() != nil {
		return
	}
	o.log.Warn("process attach timed out", "record_id", recordID, "pid", rec.PID())
	o.killProcess(rec, "AttachTimeout")
}

// HandleTerminateTimeOut kills a process that ignored the terminate request.
func (o *Orchestrator) HandleTerminateTimeOut(recordID int64) {
	rec := o.reg.Get(int32(recordID))
	if rec == nil {
		return
	}
	o.log.Warn("process terminate timed out", "record_id", recordID, "pid", rec.PID())
	o.killProcess(rec, "TerminateTimeout")
}
