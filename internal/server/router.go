package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/bootvisor/internal/events"
	"github.com/loykin/bootvisor/internal/fault"
	"github.com/loykin/bootvisor/internal/history"
	"github.com/loykin/bootvisor/internal/logpipe"
	"github.com/loykin/bootvisor/internal/settings"
	"github.com/loykin/bootvisor/internal/supervisor"
)

// Router provides embeddable HTTP handlers for controlling the child.
// Endpoints:
//
//	GET  {basePath}/status
//	POST {basePath}/start          body: optional settings JSON; query: save=true
//	POST {basePath}/stop           query: confirmed=true (required), wait=5s
//	POST {basePath}/restart        query: wait=5s
//	GET  {basePath}/logs           query: after=<seq>, limit=<n>
//	POST {basePath}/logs/pause
//	POST {basePath}/logs/resume
//	GET  {basePath}/settings
//	PUT  {basePath}/settings       body: settings JSON
//	GET  {basePath}/history        query: limit=<n>
//	GET  {basePath}/events         query: topic=state|logs|heartbeat (server-sent events)
//	GET  {basePath}/metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	opts     Options
	basePath string
	logger   *slog.Logger
}

// Supervisor is the lifecycle surface the router drives.
type Supervisor interface {
	Status() supervisor.Status
	Start(ctx context.Context, cfg settings.Config) error
	Stop(ctx context.Context, grace time.Duration) error
	Restart(ctx context.Context, grace time.Duration) error
}

// Logs is the log pipeline as seen by observers.
type Logs interface {
	Tail(after uint64, limit int) []logpipe.Record
	Pause()
	Resume()
	Paused() bool
	Stats() logpipe.Stats
}

type SettingsStore interface {
	Load() (settings.Config, error)
	Save(cfg settings.Config) error
}

type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Event, error)
}

type Options struct {
	BasePath   string
	Supervisor Supervisor
	Logs       Logs
	Settings   SettingsStore
	// History and Subscribe are optional; their endpoints answer 404 when unset.
	History   HistoryReader
	Subscribe func(topic events.Topic, buffer int) (<-chan events.Event, func())
	Metrics   http.Handler
	Token     string
	StopGrace time.Duration
	Logger    *slog.Logger
}

// NewRouter constructs a new Router.
// Example basePath: "/api" results in /api/start, /api/stop, /api/status.
func NewRouter(opts Options) *Router {
	if opts.StopGrace <= 0 {
		opts.StopGrace = supervisor.DefaultStopGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Router{opts: opts, basePath: sanitizeBase(opts.BasePath), logger: opts.Logger.With("component", "http")}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	group := g.Group(r.basePath)
	group.Use(tokenAuth(r.opts.Token))
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.GET("/logs", r.handleLogs)
	group.POST("/logs/pause", r.handlePause)
	group.POST("/logs/resume", r.handleResume)
	group.GET("/settings", r.handleGetSettings)
	group.PUT("/settings", r.handlePutSettings)
	group.GET("/history", r.handleHistory)
	group.GET("/events", r.handleEvents)
	if r.opts.Metrics != nil {
		group.GET("/metrics", gin.WrapH(r.opts.Metrics))
	}
	return g
}

// NewServer builds an HTTP server for addr using this router; tlsCfg may be nil.
func NewServer(addr string, opts Options, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(opts).Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.logger.Debug("request", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "duration", time.Since(start))
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type okResp struct {
	OK      bool   `json:"ok"`
	Warning string `json:"warning,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

type statusResp struct {
	supervisor.Status
	Logs *logpipe.Stats `json:"logs,omitempty"`
}

type logsResp struct {
	Records []logpipe.Record `json:"records"`
	Next    uint64           `json:"next"`
	Paused  bool             `json:"paused"`
}

type settingsResp struct {
	Settings settings.Config `json:"settings"`
	Warning  string          `json:"warning,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{Status: r.opts.Supervisor.Status()}
	if r.opts.Logs != nil {
		st := r.opts.Logs.Stats()
		resp.Logs = &st
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleStart(c *gin.Context) {
	cfg, provided, err := readConfig(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if !provided {
		if r.opts.Settings == nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "settings body required"})
			return
		}
		// A defaulted load still yields a usable (empty) config; Start reports NotFound.
		cfg, _ = r.opts.Settings.Load()
	} else if c.Query("save") == "true" && r.opts.Settings != nil {
		if err := r.opts.Settings.Save(cfg); err != nil {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: "save settings: " + err.Error()})
			return
		}
	}
	writeResult(c, r.opts.Supervisor.Start(c.Request.Context(), cfg))
}

func (r *Router) handleStop(c *gin.Context) {
	if c.Query("confirmed") != "true" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "stop must be confirmed with confirmed=true"})
		return
	}
	wait, ok := parseWait(c, r.opts.StopGrace)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait duration"})
		return
	}
	// The stop outlives a client that hangs up.
	writeResult(c, r.opts.Supervisor.Stop(context.WithoutCancel(c.Request.Context()), wait))
}

func (r *Router) handleRestart(c *gin.Context) {
	wait, ok := parseWait(c, r.opts.StopGrace)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait duration"})
		return
	}
	writeResult(c, r.opts.Supervisor.Restart(context.WithoutCancel(c.Request.Context()), wait))
}

func (r *Router) handleLogs(c *gin.Context) {
	if r.opts.Logs == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "log pipeline not configured"})
		return
	}
	after, err := parseUint(c.Query("after"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "after must be a sequence number"})
		return
	}
	limit, err := parseUint(c.Query("limit"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a number"})
		return
	}
	recs := r.opts.Logs.Tail(after, int(limit))
	if recs == nil {
		recs = []logpipe.Record{}
	}
	next := after
	if n := len(recs); n > 0 {
		next = recs[n-1].Seq
	}
	writeJSON(c, http.StatusOK, logsResp{Records: recs, Next: next, Paused: r.opts.Logs.Paused()})
}

func (r *Router) handlePause(c *gin.Context) {
	if r.opts.Logs == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "log pipeline not configured"})
		return
	}
	r.opts.Logs.Pause()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleResume(c *gin.Context) {
	if r.opts.Logs == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "log pipeline not configured"})
		return
	}
	r.opts.Logs.Resume()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleGetSettings(c *gin.Context) {
	if r.opts.Settings == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "settings store not configured"})
		return
	}
	cfg, err := r.opts.Settings.Load()
	resp := settingsResp{Settings: cfg}
	if err != nil {
		if fault.IsFatal(err) {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
			return
		}
		resp.Warning = err.Error()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handlePutSettings(c *gin.Context) {
	if r.opts.Settings == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "settings store not configured"})
		return
	}
	cfg, provided, err := readConfig(c)
	if err != nil || !provided {
		msg := "settings body required"
		if err != nil {
			msg = err.Error()
		}
		writeJSON(c, http.StatusBadRequest, errorResp{Error: msg})
		return
	}
	if err := r.opts.Settings.Save(cfg); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, settingsResp{Settings: cfg})
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.opts.History == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "history store not configured"})
		return
	}
	limit, err := parseUint(c.DefaultQuery("limit", "50"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a number"})
		return
	}
	if limit > 1000 {
		limit = 1000
	}
	evts, err := r.opts.History.Recent(c.Request.Context(), int(limit))
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if evts == nil {
		evts = []history.Event{}
	}
	writeJSON(c, http.StatusOK, evts)
}

func (r *Router) handleEvents(c *gin.Context) {
	if r.opts.Subscribe == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "event stream not configured"})
		return
	}
	topic := events.Topic(c.Query("topic"))
	switch topic {
	case events.TopicAll, events.TopicState, events.TopicLogs, events.TopicHeartbeat:
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "unknown topic " + strconv.Quote(string(topic))})
		return
	}
	ch, cancel := r.opts.Subscribe(topic, 64)
	defer cancel()
	ctx := c.Request.Context()
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(e.Topic), e)
			return true
		}
	})
}

// readConfig decodes an optional settings body. provided is false for an
// empty body.
func readConfig(c *gin.Context) (settings.Config, bool, error) {
	var cfg settings.Config
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 64<<10))
	if err != nil {
		return cfg, false, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return cfg, false, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, true, errBadRequest("invalid JSON: " + err.Error())
	}
	cfg.ExecutablePath = strings.TrimSpace(cfg.ExecutablePath)
	cfg.Port = strings.TrimSpace(cfg.Port)
	cfg.Profile = strings.TrimSpace(cfg.Profile)
	if !isSafeAbsPath(cfg.ExecutablePath) {
		return cfg, true, errBadRequest("invalid executable_path: must be an absolute path without traversal")
	}
	if cfg.Port != "" {
		if n, err := strconv.Atoi(cfg.Port); err != nil || n < 1 || n > 65535 {
			return cfg, true, errBadRequest("invalid port: must be 1-65535")
		}
	}
	if !isSafeValue(cfg.Profile) {
		return cfg, true, errBadRequest("invalid profile")
	}
	return cfg, true, nil
}

type errBadRequest string

func (e errBadRequest) Error() string { return string(e) }

func parseUint(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
