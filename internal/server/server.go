// Package server binds the control surface to HTTP: the four
// build operations, the three queries, the observer WebSocket, and the
// Prometheus scrape endpoint. It is intentionally thin — routing and auth
// are scaffolding around the Orchestrator, which owns all build semantics.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"forgeguard/internal/broadcast"
	"forgeguard/internal/buildmodel"
	"forgeguard/internal/config"
	"forgeguard/internal/forgeerr"
	"forgeguard/internal/logging"
	"forgeguard/internal/orchestrator"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ActiveCounter is the slice of BuildStore the entry-point limits consult.
type ActiveCounter interface {
	CountActiveForUser(ctx context.Context, userID string) (int64, error)
	HasActiveForProject(ctx context.Context, projectID string) (bool, error)
}

// Server wires the orchestrator, broadcaster, and store behind gin.
type Server struct {
	orch     *orchestrator.Orchestrator
	bus      *broadcast.Broadcaster
	counts   ActiveCounter
	settings *config.Settings
	jwt      string
	limiter  *userRateLimiter
	log      *zap.Logger
}

// New builds a Server.
func New(orch *orchestrator.Orchestrator, bus *broadcast.Broadcaster, counts ActiveCounter, settings *config.Settings, jwtSecret string) *Server {
	return &Server{
		orch:     orch,
		bus:      bus,
		counts:   counts,
		settings: settings,
		jwt:      jwtSecret,
		limiter:  newUserRateLimiter(settings.PerUserHourlyBuildLimit),
		log:      logging.L().With(zap.String("component", "server")),
	}
}

// Router assembles the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1", RequireAuth(s.jwt))
	{
		api.POST("/builds", s.startBuild)
		api.POST("/builds/:id/cancel", s.cancelBuild)
		api.POST("/builds/:id/resume", s.resumeBuild)
		api.POST("/builds/:id/interject", s.interject)
		api.GET("/builds/:id", s.status)
		api.GET("/builds/:id/logs", s.logs)
		api.GET("/builds/:id/summary", s.summary)
		api.GET("/ws", s.observe)
	}
	return r
}

func userID(c *gin.Context) string {
	v, _ := c.Get("user_id")
	id, _ := v.(string)
	return id
}

// writeErr maps any error to the structured {kind, message} envelope —
// never internal detail.
func writeErr(c *gin.Context, status int, err error) {
	kind, msg := forgeerr.AsStructured(err)
	c.JSON(status, gin.H{"kind": kind, "message": msg})
}

type startBuildRequest struct {
	ProjectID     string   `json:"project_id" binding:"required"`
	TargetKind    string   `json:"target_kind" binding:"required"`
	TargetRef     string   `json:"target_ref"`
	APIKeyRef     string   `json:"api_key_ref"`
	BuildMode     string   `json:"build_mode"`
	Phases        []string `json:"phases"`
	SpendCapUSD   float64  `json:"spend_cap_usd"`
	ContractBatch string   `json:"contract_batch"`
}

func (s *Server) startBuild(c *gin.Context) {
	uid := userID(c)
	var req startBuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"kind": "invalid_request", "message": "malformed start request"})
		return
	}

	if !s.limiter.allow(uid) {
		c.JSON(http.StatusTooManyRequests, gin.H{"kind": "rate_limited", "message": "hourly build limit reached"})
		return
	}
	if n, err := s.counts.CountActiveForUser(c.Request.Context(), uid); err == nil && int(n) >= s.settings.PerUserConcurrentBuilds {
		c.JSON(http.StatusConflict, gin.H{"kind": "limit_exceeded", "message": "concurrent build limit reached"})
		return
	}
	if busy, err := s.counts.HasActiveForProject(c.Request.Context(), req.ProjectID); err == nil && busy {
		c.JSON(http.StatusConflict, gin.H{"kind": "limit_exceeded", "message": "project already has an active build"})
		return
	}

	id, err := s.orch.StartBuild(c.Request.Context(), orchestrator.StartRequest{
		ProjectID:     req.ProjectID,
		UserID:        uid,
		TargetKind:    buildmodel.TargetKind(req.TargetKind),
		TargetRef:     req.TargetRef,
		APIKeyRef:     req.APIKeyRef,
		BuildMode:     req.BuildMode,
		Phases:        req.Phases,
		SpendCapUSD:   req.SpendCapUSD,
		ContractBatch: req.ContractBatch,
	})
	if err != nil {
		writeErr(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"build_id": id})
}

func (s *Server) cancelBuild(c *gin.Context) {
	force := c.Query("force") == "true"
	if err := s.orch.CancelBuild(c.Request.Context(), c.Param("id"), force); err != nil {
		writeErr(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

type resumeRequest struct {
	Action  string `json:"action" binding:"required"`
	Message string `json:"message"`
}

func (s *Server) resumeBuild(c *gin.Context) {
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"kind": "invalid_request", "message": "malformed resume request"})
		return
	}
	action := buildmodel.GateAction(req.Action)
	switch action {
	case buildmodel.ActionRetry, buildmodel.ActionRetryWithMessage, buildmodel.ActionSkipPhase, buildmodel.ActionAbort:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"kind": "invalid_request", "message": "unknown resume action"})
		return
	}
	if err := s.orch.ResumeBuild(c.Request.Context(), c.Param("id"), orchestrator.ResumeRequest{
		Action:  action,
		Message: req.Message,
	}); err != nil {
		writeErr(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resuming"})
}

type interjectRequest struct {
	Message string `json:"message" binding:"required"`
}

func (s *Server) interject(c *gin.Context) {
	var req interjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"kind": "invalid_request", "message": "message is required"})
		return
	}
	if err := s.orch.Interject(c.Request.Context(), c.Param("id"), req.Message); err != nil {
		writeErr(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}

func (s *Server) status(c *gin.Context) {
	b, err := s.orch.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) logs(c *gin.Context) {
	var afterTS time.Time
	if v := c.Query("after_ts"); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			afterTS = t
		}
	}
	limit := 200
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	rows, err := s.orch.Logs(c.Request.Context(), c.Param("id"), afterTS, limit)
	if err != nil {
		writeErr(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": rows})
}

func (s *Server) summary(c *gin.Context) {
	sum, err := s.orch.Summarize(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// observe upgrades the connection and registers it as an observer sink;
// the Broadcaster enforces the 3-sink cap and heartbeat. History replay is
// the logs query — the stream only carries events from registration on.
func (s *Server) observe(c *gin.Context) {
	uid := userID(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	sink := newWSSink(conn, uid)
	s.bus.Register(uid, sink)
	// Unregister when the connection dies; readPump closes done on error.
	go func() {
		<-sink.done
		s.bus.Unregister(uid, sink)
	}()
}
