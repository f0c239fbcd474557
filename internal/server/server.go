// Package server exposes the local HTTP surface: task execution, hot data
// updates, the chat stream, and the metadata endpoints the dashboard polls.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"antigravity/internal/bridge"
	"antigravity/internal/errorlog"
	"antigravity/internal/logging"
	"antigravity/internal/registry"
	jsonx "antigravity/internal/shared/json"
	"antigravity/internal/snapshot"
	"antigravity/internal/stream"
	"antigravity/internal/telemetry"
)

// macroEventKeys classify a hot update as a macro event.
var macroEventKeys = []string{
	"event", "event_name", "impact", "impact_level", "strategic_note", "strategic_rationale",
}

// SuiteCommand is one dashboard-invocable command.
type SuiteCommand struct {
	Name        string `json:"name"`
	Prompt      string `json:"prompt"`
	Description string `json:"description"`
}

// Config wires the Server.
type Config struct {
	AppName string
	AppRoot string
	Host    string
	Port    int

	PortfolioPath   string
	MacroEventsPath string

	Bridge      *bridge.Bridge
	Stream      *stream.Channel
	Registry    *registry.Registry
	Snapshotter *snapshot.Snapshotter
	Metrics     *telemetry.Metrics
	ErrorLog    *errorlog.Log
	Logger      logging.Logger

	Commands []SuiteCommand
}

// Server owns the gin engine and the HTTP listener.
type Server struct {
	cfg    Config
	logger logging.Logger
	engine *gin.Engine
	http   *http.Server
}

// New builds the Server and registers every route.
func New(cfg Config) *Server {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 5005
	}
	if len(cfg.Commands) == 0 {
		cfg.Commands = defaultCommands()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))

	s := &Server{
		cfg:    cfg,
		logger: logging.OrNop(cfg.Logger),
		engine: engine,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.POST("/execute", s.handleExecute)
	s.engine.POST("/api/hot_update", s.handleHotUpdate)
	s.engine.POST("/api/chat/stream", s.handleChatStream)
	s.engine.POST("/api/chat/clear", s.handleChatClear)
	s.engine.GET("/api/commands", s.handleCommands)
	s.engine.GET("/api/agents/status", s.handleAgentStatus)
	s.engine.GET("/api/registry", s.handleRegistry)
	s.engine.GET("/api/health", s.handleHealth)

	if s.cfg.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(s.cfg.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	// Domain endpoints: thin JSON pass-throughs over the data files.
	s.engine.GET("/api/ledger", s.handleLedger)
	s.engine.POST("/api/ledger/refresh", s.handleLedgerRefresh)
	s.engine.GET("/api/journal", s.handleJournal)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run starts the listener and blocks until the context is canceled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{Addr: addr, Handler: s.engine}

	s.writeConnectionInfo(addr)
	s.logger.Info("HTTP server listening on %s", addr)

	errs := make(chan error, 1)
	go func() {
		errs <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errs:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// writeConnectionInfo advertises the live endpoint for dashboard discovery.
func (s *Server) writeConnectionInfo(addr string) {
	if s.cfg.AppRoot == "" {
		return
	}
	info := map[string]any{
		"app":        s.cfg.AppName,
		"url":        "http://" + addr,
		"status":     "online",
		"started_at": time.Now().Format(time.RFC3339),
	}
	path := filepath.Join(s.cfg.AppRoot, "Alpha_Data", "connection_info.json")
	data, err := jsonx.MarshalIndent(info, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		s.logger.Warn("Cannot write connection info: %v", err)
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		s.logger.Warn("Cannot write connection info: %v", err)
	}
}

type executeRequest struct {
	Task        string `json:"task"`
	Prompt      string `json:"prompt"`
	ProjectName string `json:"project_name"`
	SessionID   string `json:"session_id"`
}

// handleExecute accepts a task and dispatches it in the background; the
// caller gets an immediate acceptance receipt.
func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	task := req.Task
	if task == "" {
		task = req.Prompt
	}
	if task == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task is required"})
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Dispatches.WithLabelValues("accepted").Inc()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		s.cfg.Bridge.Dispatch(ctx, bridge.Payload{
			Prompt:      task,
			ProjectName: req.ProjectName,
			SessionID:   sessionID,
		})
	}()

	c.JSON(http.StatusOK, gin.H{
		"status":     "accepted",
		"task":       task,
		"session_id": sessionID,
	})
}

// handleHotUpdate routes an arbitrary JSON body by key-presence heuristics:
// macro-event keys go to the macro events store, everything else replaces
// the portfolio. The previous file state is snapshotted first.
func (s *Server) handleHotUpdate(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	target := s.cfg.PortfolioPath
	kind := "portfolio"
	if hasMacroKey(body) {
		target = s.cfg.MacroEventsPath
		kind = "macro_event"
	}
	if target == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no data store configured"})
		return
	}

	if s.cfg.Snapshotter != nil {
		if _, err := s.cfg.Snapshotter.Snapshot(target, "hot_update"); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Snapshot before hot update failed: %v", err)
		}
	}

	data, err := jsonx.MarshalIndent(body, "", "  ")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := os.WriteFile(target, data, 0644); err != nil {
		s.recordError("hot update write failed: " + err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info("Hot update applied to %s store", kind)
	c.JSON(http.StatusOK, gin.H{"status": "updated", "kind": kind})
}

func hasMacroKey(body map[string]any) bool {
	for _, key := range macroEventKeys {
		if _, ok := body[key]; ok {
			return true
		}
	}
	return false
}

type chatRequest struct {
	Prompt           string `json:"prompt"`
	ProjectName      string `json:"project_name"`
	SessionID        string `json:"session_id"`
	DashboardContext string `json:"dashboard_context"`
}

// handleChatStream bridges the streaming channel to SSE framing.
func (s *Server) handleChatStream(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	if req.Prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = "default"
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	events := s.cfg.Stream.Stream(c.Request.Context(), stream.Request{
		Prompt:           req.Prompt,
		SessionID:        req.SessionID,
		ProjectName:      req.ProjectName,
		DashboardContext: req.DashboardContext,
	})

	for event := range events {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.StreamEvents.Inc()
		}
		frame, err := jsonx.Marshal(event)
		if err != nil {
			continue
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", frame)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleChatClear(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		sessionID = "default"
	}
	if err := s.cfg.Stream.Clear(c.Request.Context(), sessionID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (s *Server) handleCommands(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Commands)
}

func (s *Server) handleAgentStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()
	c.JSON(http.StatusOK, s.cfg.Registry.Ping(ctx))
}

func (s *Server) handleRegistry(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Registry.All())
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "app": s.cfg.AppName})
}

// handleLedger serves the ledger data file verbatim.
func (s *Server) handleLedger(c *gin.Context) {
	s.serveDataFile(c, filepath.Join(s.cfg.AppRoot, "Alpha_Data", "ledger.json"))
}

// handleLedgerRefresh dispatches a ledger-refresh task through the bridge.
func (s *Server) handleLedgerRefresh(c *gin.Context) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		s.cfg.Bridge.Dispatch(ctx, bridge.Payload{
			Prompt:       "Refresh the ledger from current execution data.",
			SuiteCommand: true,
			SessionID:    "ledger-refresh",
		})
	}()
	c.JSON(http.StatusOK, gin.H{"status": "refresh started"})
}

func (s *Server) handleJournal(c *gin.Context) {
	s.serveDataFile(c, filepath.Join(s.cfg.AppRoot, "Alpha_Data", "journal.json"))
}

func (s *Server) serveDataFile(c *gin.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) recordError(message string) {
	if s.cfg.ErrorLog == nil {
		return
	}
	s.cfg.ErrorLog.Record(s.cfg.AppName, errorlog.SeverityError, message, nil, "")
}

func defaultCommands() []SuiteCommand {
	return []SuiteCommand{
		{
			Name:        "Council Assemble",
			Prompt:      "Council Assemble: convene every specialist and produce a joint status review.",
			Description: "Full specialist roll call with a consolidated status summary.",
		},
		{
			Name:        "Morning Briefing",
			Prompt:      "Produce the morning briefing: portfolio state, overnight events, and priorities.",
			Description: "Daily situational digest.",
		},
		{
			Name:        "Triad Execute",
			Prompt:      "Triad Execute: run the standard plan-review-execute cycle on the active project.",
			Description: "Plan, review, and execute against the active project with workspace vision.",
		},
		{
			Name:        "System Health",
			Prompt:      "Report system health: breakers, error log summary, and budget posture.",
			Description: "Operational self-check.",
		},
	}
}
