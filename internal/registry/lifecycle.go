package registry

import (
	"fmt"

	"github.com/loykin/appmgr/internal/bundle"
	"github.com/loykin/appmgr/internal/ipc"
)

// ProcessExitByBundleName marks every attached, non keep-alive process of
// bundleName as killing and returns their pids.
func (r *Registry) ProcessExitByBundleName(bundleName string) []int {
	var pids []int
	for _, rec := range r.snapshot() {
		pid := rec.PID()
		if pid <= 0 || rec.keepAlive || !rec.hostsBundle(bundleName) {
			continue
		}
		rec.SetKilling("ProcessExitByBundleName")
		pids = append(pids, pid)
	}
	return pids
}

// ProcessExitByBundleNameAndUID is ProcessExitByBundleName restricted to uid;
// keep-alive processes are included.
func (r *Registry) ProcessExitByBundleNameAndUID(bundleName string, uid int) []int {
	var pids []int
	for _, rec := range r.snapshot() {
		pid := rec.PID()
		if pid <= 0 || rec.uid != uid || !rec.hostsBundle(bundleName) {
			continue
		}
		rec.SetKilling("KillApplicationByUid")
		pids = append(pids, pid)
	}
	return pids
}

// ProcessExitByPID marks the process with pid as killing.
func (r *Registry) ProcessExitByPID(pid int, reason string) bool {
	rec := r.GetByPID(pid)
	if rec == nil {
		return false
	}
	rec.SetKilling(reason)
	return true
}

// GetPIDsByUserID returns the pids of attached processes owned by userID.
func (r *Registry) GetPIDsByUserID(userID int) []int {
	var pids []int
	for _, rec := range r.snapshot() {
		if pid := rec.PID(); pid > 0 && bundle.UserID(rec.uid) == userID {
			pids = append(pids, pid)
		}
	}
	return pids
}

// SignRestartAppFlag flags every process of uid and instanceKey for restart.
func (r *Registry) SignRestartAppFlag(uid int, instanceKey string) error {
	found := false
	for _, rec := range r.snapshot() {
		if rec.uid != uid || rec.instanceKey != instanceKey {
			continue
		}
		rec.SetRestartApp(true)
		found = true
	}
	if !found {
		return fmt.Errorf("restart uid %d: %w", uid, ErrInvalidValue)
	}
	return nil
}

// SignRestartProcess flags the process with pid for restart.
func (r *Registry) SignRestartProcess(pid int) error {
	rec := r.GetByPID(pid)
	if rec == nil {
		return fmt.Errorf("restart pid %d: %w", pid, ErrInvalidValue)
	}
	rec.SetRestartApp(true)
	return nil
}

// IsAppRunningByBundleName reports whether a live, non-terminating process
// hosts bundleName at appIndex for userID.
func (r *Registry) IsAppRunningByBundleName(bundleName string, appIndex, userID int) bool {
	for _, rec := range r.snapshot() {
		if rec.appIndex != appIndex || bundle.UserID(rec.uid) != userID || !rec.hostsBundle(bundleName) {
			continue
		}
		f := rec.Flags()
		if !f.Terminating && !f.Killing {
			return true
		}
	}
	return false
}

// CheckRecordIsLast reports whether no other live record shares rec's uid.
func (r *Registry) CheckRecordIsLast(rec *ProcessRecord) bool {
	if rec == nil {
		return false
	}
	for _, o := range r.snapshot() {
		if o.id != rec.id && o.uid == rec.uid {
			return false
		}
	}
	return true
}

// IsAppProcessesAllCached reports whether every process of bundleName and
// uid is in cached.
func (r *Registry) IsAppProcessesAllCached(bundleName string, uid int, cached map[int32]struct{}) bool {
	if len(cached) == 0 {
		return false
	}
	for _, rec := range r.snapshot() {
		if rec.uid != uid || !rec.hostsBundle(bundleName) {
			continue
		}
		if _, ok := cached[rec.id]; !ok {
			return false
		}
	}
	return true
}

// HandleUserRequestClean marks the ability behind token as cleaned by the
// user. Once every ability of a cache-ineligible, non keep-alive process is
// cleaned the process is flagged and its pid and uid are returned for
// killing.
func (r *Registry) HandleUserRequestClean(token ipc.ObjectID) (pid, uid int, ok bool) {
	rec := r.GetByAbilityToken(token)
	if rec == nil {
		return 0, 0, false
	}
	if r.cache != nil && r.cache.SupportsProcessCache(rec) {
		return 0, 0, false
	}
	if a := rec.AbilityByToken(token); a != nil {
		rec.markCleaning(a.ID)
	}
	if !rec.allAbilitiesCleaning() || rec.keepAlive {
		return 0, 0, false
	}
	rec.UpdateFlags(func(f *Flags) { f.UserRequestCleaning = true })
	return rec.PID(), rec.uid, true
}
