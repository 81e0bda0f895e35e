package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"

	"github.com/loykin/uprunner/internal/metrics"
	"github.com/loykin/uprunner/internal/process"
)

// Controller is the view of the child controller used by the admin API.
type Controller interface {
	Snapshot() process.Status
	SpawnIfAbsent() process.SpawnOutcome
}

// Router provides embeddable HTTP handlers for inspecting the child.
// Endpoints:
//
//	GET  {basePath}/status   child handle snapshot plus resource usage
//	GET  {basePath}/healthz  liveness of the supervisor itself
//	POST {basePath}/spawn    same decision as a control port trigger, without the settle delay
//	GET  /metrics            Prometheus exposition, when a metrics handler is set
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctrl     Controller
	basePath string
	metrics  http.Handler
}

type RouterOption func(*Router)

// WithMetricsHandler exposes h on GET /metrics.
func WithMetricsHandler(h http.Handler) RouterOption {
	return func(r *Router) { r.metrics = h }
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/abc" results in /abc/status, /abc/healthz.
func NewRouter(ctrl Controller, basePath string, opts ...RouterOption) *Router {
	r := &Router{ctrl: ctrl, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// BasePath returns the sanitized base path.
func (r *Router) BasePath() string { return r.basePath }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealthz)
	group.POST("/spawn", r.handleSpawn)
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// MountEcho routes the base path and /metrics of e to the gin handler.
func MountEcho(e *echo.Echo, r *Router) {
	h := echo.WrapHandler(r.Handler())
	if r.basePath != "" {
		e.Any(r.basePath, h)
	}
	e.Any(r.basePath+"/*", h)
	if r.metrics != nil {
		e.GET("/metrics", h)
	}
}

// EchoHandler returns an echo instance with the router mounted.
func (r *Router) EchoHandler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	MountEcho(e, r)
	return e
}

// NewServer binds addr and serves h in the background. Binding happens before
// returning so address errors surface to the caller.
func NewServer(addr string, h http.Handler) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	server := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = ln.Close()
		}
	}()
	return server, ln.Addr(), nil
}

// --- Handlers ---

type okResp struct {
	OK bool `json:"ok"`
}

// StatusResponse is the body of GET {base}/status.
type StatusResponse struct {
	Status process.Status        `json:"status"`
	Health string                `json:"health"`
	Usage  *metrics.ProcessUsage `json:"usage,omitempty"`
}

// SpawnResponse is the body of POST {base}/spawn.
type SpawnResponse struct {
	Spawned        bool   `json:"spawned"`
	AlreadyRunning bool   `json:"already_running"`
	PID            int    `json:"pid,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	st := r.ctrl.Snapshot()
	resp := StatusResponse{Status: st, Health: getHealthStatus(st)}
	if st.Running && st.PID > 0 {
		if u, err := metrics.SampleProcess(st.PID); err == nil {
			resp.Usage = &u
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleSpawn(c *gin.Context) {
	out := r.ctrl.SpawnIfAbsent()
	if out.Err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(out.Err, process.ErrClosed):
			code = http.StatusServiceUnavailable
		case errors.Is(out.Err, process.ErrExited):
			code = http.StatusConflict
		}
		writeJSON(c, code, SpawnResponse{Error: out.Err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, SpawnResponse{
		Spawned:        out.Spawned || out.AlreadyRunning,
		AlreadyRunning: out.AlreadyRunning,
		PID:            out.PID,
	})
}

func getHealthStatus(status process.Status) string {
	switch {
	case status.State == process.StateStarting:
		return "transitioning"
	case status.State == process.StateExited:
		return "exited"
	case !status.Running:
		return "not_running"
	case status.PID == 0:
		return "no_pid"
	default:
		return "healthy"
	}
}

// sanitizeBase normalises a base path to "" or "/x" without a trailing slash.
func sanitizeBase(bp string) string {
	bp = strings.TrimRight(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return bp
}

// writeJSON encodes v without gin's HTML escaping.
func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
