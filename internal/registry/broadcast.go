package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/appmgr/internal/bundle"
	"github.com/loykin/appmgr/internal/ipc"
	"github.com/loykin/appmgr/internal/scheduler"
)

// AllUsers selects every user in configuration broadcasts.
const AllUsers = -1

// broadcastLimit bounds concurrent deliveries of one broadcast.
const broadcastLimit = 8

func userMatches(uid, userID int) bool {
	u := bundle.UserID(uid)
	return userID == AllUsers || u == 0 || u == userID
}

func (r *Registry) setDelayed(id int32, v bool) {
	r.mu.Lock()
	if _, ok := r.records[id]; ok {
		r.delayed[id] = v
	}
	r.mu.Unlock()
}

// IsConfigurationDelayed reports whether rec holds a deferred update.
func (r *Registry) IsConfigurationDelayed(id int32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.delayed[id]
}

func batchTaskName(bundleName string, appIndex int) string {
	return bundleName + strconv.Itoa(appIndex)
}

// UpdateConfiguration delivers cfg to every attached process of userID (or
// of every user for AllUsers). Background processes get the change merged
// into their pending diff instead. Records are visited in record id order
// over a snapshot; a record removed meanwhile is skipped.
func (r *Registry) UpdateConfiguration(ctx context.Context, cfg Configuration, userID int) error {
	var errs []error
	for _, rec := range r.snapshot() {
		if r.sched != nil {
			r.sched.Cancel(batchTaskName(rec.bundleName, rec.appIndex))
		}
		if rec.State() == StateCreate || !userMatches(rec.uid, userID) {
			continue
		}
		if err := r.updateOne(ctx, rec, cfg); err != nil && !errors.Is(err, ErrRecordNotFound) {
			errs = append(errs, fmt.Errorf("record %d: %w", rec.id, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) updateOne(ctx context.Context, rec *ProcessRecord, cfg Configuration) error {
	if rec.deferConfiguration(cfg) {
		r.setDelayed(rec.id, true)
		r.log.Debug("configuration deferred", "record_id", rec.id)
		return nil
	}
	r.setDelayed(rec.id, false)
	return rec.applyConfiguration(ctx, cfg)
}

// UpdateConfigurationByBundleName delivers cfg to the processes of one
// bundle and app index.
func (r *Registry) UpdateConfigurationByBundleName(ctx context.Context, cfg Configuration, bundleName string, appIndex int) error {
	var errs []error
	for _, rec := range r.snapshot() {
		if rec.State() == StateCreate || rec.appIndex != appIndex || !rec.hostsBundle(bundleName) {
			continue
		}
		if err := r.updateOne(ctx, rec, cfg); err != nil && !errors.Is(err, ErrRecordNotFound) {
			errs = append(errs, fmt.Errorf("record %d: %w", rec.id, err))
		}
	}
	return errors.Join(errs...)
}

// UpdateConfigurationDelayed flushes the pending diff of rec, if any.
func (r *Registry) UpdateConfigurationDelayed(ctx context.Context, rec *ProcessRecord) error {
	if rec == nil || !r.IsConfigurationDelayed(rec.id) {
		return nil
	}
	r.setDelayed(rec.id, false)
	pending := rec.takePending()
	if len(pending) == 0 {
		return nil
	}
	return rec.applyConfiguration(ctx, pending)
}

// BackgroundApp names an application whose background processes receive a
// batched update.
type BackgroundApp struct {
	BundleName string
	AppIndex   int
}

// BatchPolicy spreads background updates over time.
type BatchPolicy struct {
	MaxCountPerBatch int
	Interval         time.Duration
}

// UpdateConfigurationForBackgroundApp schedules the pending color mode of
// background processes to be applied in batches of policy.MaxCountPerBatch
// apps, one batch per policy.Interval. Each app's task replaces the previous
// one of the same name.
func (r *Registry) UpdateConfigurationForBackgroundApp(apps []BackgroundApp, policy BatchPolicy, userID int) error {
	if policy.MaxCountPerBatch < 1 || policy.Interval < 0 {
		return fmt.Errorf("batch policy %+v: %w", policy, ErrInvalidValue)
	}
	if r.sched == nil {
		return fmt.Errorf("no scheduler: %w", ErrInvalidValue)
	}
	for i, app := range apps {
		batch := i / policy.MaxCountPerBatch
		name := batchTaskName(app.BundleName, app.AppIndex)
		r.sched.Cancel(name)
		r.sched.Submit(func() {
			r.executeConfigurationTask(context.Background(), app, userID)
		}, scheduler.Options{Name: name, Delay: policy.Interval * time.Duration(batch), QoS: scheduler.Background})
	}
	return nil
}

func (r *Registry) executeConfigurationTask(ctx context.Context, app BackgroundApp, userID int) {
	for _, rec := range r.snapshot() {
		if rec.appIndex != app.AppIndex || !rec.hostsBundle(app.BundleName) || !userMatches(rec.uid, userID) {
			continue
		}
		if rec.State() != StateBackground || !r.IsConfigurationDelayed(rec.id) {
			continue
		}
		item := rec.takePending(ConfigColorMode)
		if len(item) == 0 {
			continue
		}
		if err := rec.applyConfiguration(ctx, item); err != nil {
			r.log.Warn("background configuration failed", "record_id", rec.id, "error", err)
		}
	}
}

// fanOut runs fn over recs with bounded concurrency and joins the errors.
func fanOut(ctx context.Context, recs []*ProcessRecord, fn func(context.Context, *ProcessRecord) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(broadcastLimit)
	errs := make([]error, len(recs))
	for i, rec := range recs {
		g.Go(func() error {
			errs[i] = fn(gctx, rec)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func attached(recs []*ProcessRecord) []*ProcessRecord {
	out := recs[:0:0]
	for _, rec := range recs {
		if rec.State() != StateCreate {
			out = append(out, rec)
		}
	}
	return out
}

// NotifyMemoryLevel forwards level to every attached process.
func (r *Registry) NotifyMemoryLevel(ctx context.Context, level int) error {
	return fanOut(ctx, attached(r.snapshot()), func(ctx context.Context, rec *ProcessRecord) error {
		if err := rec.notifyMemoryLevel(ctx, level); err != nil {
			return fmt.Errorf("record %d: %w", rec.id, err)
		}
		return nil
	})
}

// NotifyProcMemoryLevel forwards a per-pid memory level. Unknown pids are
// ignored.
func (r *Registry) NotifyProcMemoryLevel(ctx context.Context, levels map[int]int) error {
	var recs []*ProcessRecord
	for pid := range levels {
		if rec := r.GetByPID(pid); rec != nil {
			recs = append(recs, rec)
		}
	}
	return fanOut(ctx, recs, func(ctx context.Context, rec *ProcessRecord) error {
		return rec.notifyMemoryLevel(ctx, levels[rec.PID()])
	})
}

func (r *Registry) notifyBundle(ctx context.Context, bundleName string, kind ipc.Kind) error {
	var recs []*ProcessRecord
	for _, rec := range attached(r.snapshot()) {
		if rec.hostsBundle(bundleName) {
			recs = append(recs, rec)
		}
	}
	if len(recs) == 0 {
		return fmt.Errorf("%s %s: %w", kind, bundleName, ErrRecordNotFound)
	}
	ok := make([]bool, len(recs))
	idx := make(map[int32]int, len(recs))
	for i, rec := range recs {
		idx[rec.id] = i
	}
	err := fanOut(ctx, recs, func(ctx context.Context, rec *ProcessRecord) error {
		reply, err := rec.Send(ctx, ipc.Request{Kind: kind, Payload: bundleName})
		if err == nil && reply.Code != 0 {
			err = fmt.Errorf("%s: result %d", kind, reply.Code)
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", rec.id, err)
		}
		ok[idx[rec.id]] = true
		return nil
	})
	for _, v := range ok {
		if v {
			return nil
		}
	}
	return err
}

// NotifyLoadRepairPatch asks the processes of bundleName to load a repair
// patch. It succeeds when at least one process did.
func (r *Registry) NotifyLoadRepairPatch(ctx context.Context, bundleName string) error {
	return r.notifyBundle(ctx, bundleName, ipc.KindLoadRepairPatch)
}

func (r *Registry) NotifyHotReloadPage(ctx context.Context, bundleName string) error {
	return r.notifyBundle(ctx, bundleName, ipc.KindHotReloadPage)
}

func (r *Registry) NotifyUnloadRepairPatch(ctx context.Context, bundleName string) error {
	return r.notifyBundle(ctx, bundleName, ipc.KindUnloadRepairPatch)
}
