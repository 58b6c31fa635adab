// Package server exposes the orchestrator state and its operator actions
// over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/appmgr/internal/history"
	"github.com/loykin/appmgr/internal/metrics"
	"github.com/loykin/appmgr/internal/orchestrator"
	"github.com/loykin/appmgr/internal/registry"
)

// Router provides embeddable HTTP handlers. Endpoints, under basePath:
//
//	GET  /processes                  process records
//	GET  /processes/:id/usage        latest resource sample of a record
//	POST /processes/:id/kill         kill the tracked process with pid :id
//	GET  /abilities                  target abilities
//	POST /abilities/:id/terminate    terminate an ability
//	POST /abilities/:id/foreground   also foreground-done and background
//	POST /bundles/:name/kill         kill every process of a bundle
//	POST /bundles/:name/repair-patch load a repair patch, DELETE unloads it
//	POST /bundles/:name/hot-reload   reload the pages of a bundle
//	GET  /connections, /calls        connection and call records
//	GET  /snapshot                   all of the above plus pending tasks
//	GET  /dump                       text dump of connections and calls
//	GET  /tasks                      pending scheduler task names
//	GET  /history                    recent lifecycle events
//	POST /memory-level               body {"level": n}
//	POST /configuration              body {"items": {...}, "user_id": n}
//	GET  /debug/ignore-timeouts      body {"ignore": bool} on PUT
//	GET  /metrics                    prometheus exposition
type Router struct {
	orch     *orchestrator.Orchestrator
	basePath string
	ring     *history.Ring
	usage    *metrics.UsageSampler
	ignore   *atomic.Bool
	metrics  bool
	log      *slog.Logger
}

type Option func(*Router)

// WithHistory serves ring on /history.
func WithHistory(ring *history.Ring) Option { return func(r *Router) { r.ring = ring } }

// WithUsage serves the latest samples of u.
func WithUsage(u *metrics.UsageSampler) Option { return func(r *Router) { r.usage = u } }

// WithIgnoreTimeouts exposes flag on /debug/ignore-timeouts.
func WithIgnoreTimeouts(flag *atomic.Bool) Option { return func(r *Router) { r.ignore = flag } }

// WithMetrics mounts the prometheus handler.
func WithMetrics(enabled bool) Option { return func(r *Router) { r.metrics = enabled } }

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

func NewRouter(orch *orchestrator.Orchestrator, basePath string, opts ...Option) *Router {
	r := &Router{orch: orch, basePath: sanitizeBase(basePath), log: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With("component", "server")
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/processes", r.handleProcesses)
	group.GET("/processes/:id/usage", r.handleUsage)
	group.POST("/processes/:id/kill", r.handleKillProcess)
	group.GET("/abilities", r.handleAbilities)
	group.POST("/abilities/:id/terminate", r.handleTerminateAbility)
	group.POST("/abilities/:id/foreground", r.abilityAction(r.orch.Foreground))
	group.POST("/abilities/:id/foreground-done", r.abilityAction(r.orch.ForegroundDone))
	group.POST("/abilities/:id/background", r.abilityAction(r.orch.Background))
	group.POST("/bundles/:name/kill", r.handleKillBundle)
	group.POST("/bundles/:name/repair-patch", r.bundleNotice(r.orch.Registry().NotifyLoadRepairPatch))
	group.DELETE("/bundles/:name/repair-patch", r.bundleNotice(r.orch.Registry().NotifyUnloadRepairPatch))
	group.POST("/bundles/:name/hot-reload", r.bundleNotice(r.orch.Registry().NotifyHotReloadPage))
	group.GET("/connections", r.handleConnections)
	group.GET("/calls", r.handleCalls)
	group.GET("/snapshot", r.handleSnapshot)
	group.GET("/dump", r.handleDump)
	group.GET("/tasks", r.handleTasks)
	group.GET("/history", r.handleHistory)
	group.POST("/memory-level", r.handleMemoryLevel)
	group.POST("/configuration", r.handleConfiguration)
	group.GET("/debug/ignore-timeouts", r.handleGetIgnore)
	group.PUT("/debug/ignore-timeouts", r.handleSetIgnore)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer wraps h in an http.Server listening on addr. The caller starts
// it.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type killResp struct {
	PIDs []int `json:"pids"`
}

type tasksResp struct {
	Pending int      `json:"pending"`
	Names   []string `json:"names"`
}

type memoryLevelReq struct {
	Level *int `json:"level"`
}

type configurationReq struct {
	Items  map[string]string `json:"items"`
	UserID *int              `json:"user_id"`
}

type ignoreBody struct {
	Ignore bool `json:"ignore"`
}

func (r *Router) handleProcesses(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.orch.Snapshot().Processes)
}

func (r *Router) handleUsage(c *gin.Context) {
	id, ok := paramInt(c, "id")
	if !ok {
		return
	}
	if r.usage == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "usage sampling disabled"})
		return
	}
	u, found := r.usage.Latest(int32(id))
	if !found {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no sample for record"})
		return
	}
	writeJSON(c, http.StatusOK, u)
}

func (r *Router) handleKillProcess(c *gin.Context) {
	pid, ok := paramInt(c, "id")
	if !ok {
		return
	}
	reason := c.DefaultQuery("reason", "KillByOperator")
	if err := r.orch.KillProcessByPID(int(pid), reason); err != nil {
		writeJSON(c, statusOf(err), errorResp{Error: err.Error()})
		return
	}
	r.log.Info("process killed by operator", "pid", pid, "reason", reason)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleAbilities(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.orch.Snapshot().Abilities)
}

func (r *Router) handleTerminateAbility(c *gin.Context) {
	id, ok := paramInt(c, "id")
	if !ok {
		return
	}
	if err := r.orch.TerminateAbility(id); err != nil {
		writeJSON(c, statusOf(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) abilityAction(fn func(int64) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := paramInt(c, "id")
		if !ok {
			return
		}
		if err := fn(id); err != nil {
			writeJSON(c, statusOf(err), errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, okResp{OK: true})
	}
}

// bundleNotice sends one notification to every attached process of the
// bundle named in the path.
func (r *Router) bundleNotice(fn func(context.Context, string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if !isSafeName(name) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid bundle name"})
			return
		}
		if err := fn(c.Request.Context(), name); err != nil {
			writeJSON(c, statusOf(err), errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, okResp{OK: true})
	}
}

func (r *Router) handleKillBundle(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid bundle name"})
		return
	}
	pids := r.orch.KillApplication(name)
	if pids == nil {
		pids = []int{}
	}
	r.log.Info("bundle killed by operator", "bundle", name, "pids", pids)
	writeJSON(c, http.StatusOK, killResp{PIDs: pids})
}

func (r *Router) handleConnections(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.orch.Snapshot().Connections)
}

func (r *Router) handleCalls(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.orch.Snapshot().Calls)
}

func (r *Router) handleSnapshot(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.orch.Snapshot())
}

func (r *Router) handleDump(c *gin.Context) {
	lines := r.orch.Dump()
	body := strings.Join(lines, "\n")
	if len(lines) > 0 {
		body += "\n"
	}
	c.String(http.StatusOK, body)
}

func (r *Router) handleTasks(c *gin.Context) {
	s := r.orch.Scheduler()
	writeJSON(c, http.StatusOK, tasksResp{Pending: s.Pending(), Names: s.Names()})
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.ring == nil {
		writeJSON(c, http.StatusOK, []history.Event{})
		return
	}
	writeJSON(c, http.StatusOK, r.ring.Events())
}

func (r *Router) handleMemoryLevel(c *gin.Context) {
	var req memoryLevelReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Level == nil || *req.Level < 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "level required"})
		return
	}
	if err := r.orch.Registry().NotifyMemoryLevel(c.Request.Context(), *req.Level); err != nil {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleConfiguration(c *gin.Context) {
	var req configurationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if len(req.Items) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "items required"})
		return
	}
	userID := registry.AllUsers
	if req.UserID != nil {
		userID = *req.UserID
	}
	if err := r.orch.UpdateConfiguration(c.Request.Context(), registry.Configuration(req.Items), userID); err != nil {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	r.log.Info("configuration updated by operator", "items", len(req.Items), "user_id", userID)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleGetIgnore(c *gin.Context) {
	writeJSON(c, http.StatusOK, ignoreBody{Ignore: r.ignore != nil && r.ignore.Load()})
}

func (r *Router) handleSetIgnore(c *gin.Context) {
	if r.ignore == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "timeout override not enabled"})
		return
	}
	var body ignoreBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	r.ignore.Store(body.Ignore)
	r.log.Warn("timeout handling changed", "ignore", body.Ignore)
	writeJSON(c, http.StatusOK, body)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownProcess), errors.Is(err, orchestrator.ErrAbilityNotFound),
		errors.Is(err, registry.ErrRecordNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
