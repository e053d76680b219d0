package http

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"runcore/internal/eventbus"
	"runcore/internal/jobs"
	"runcore/internal/task"
	"runcore/internal/toolregistry"
)

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := s.engine.Group("/api")
	api.GET("/tools", s.handleListTools)
	api.GET("/runs", s.handleListRuns)

	sessions := api.Group("/sessions/:id")
	{
		sessions.POST("/runs", s.handleStartRun)
		sessions.DELETE("/runs", s.handleCancelRun)
		sessions.GET("/runs", s.handleRunStatus)
		sessions.GET("/events", s.handleEventStream)
		sessions.GET("/ws", s.handleWebSocket)
	}
}

// HealthResponse is the /health body.
type HealthResponse struct {
	OK      bool           `json:"ok"`
	Version string         `json:"version,omitempty"`
	Uptime  string         `json:"uptime"`
	Running int            `json:"running"`
	Bus     eventbus.Stats `json:"bus"`
}

func (s *Server) handleHealth(c *gin.Context) {
	running := 0
	for _, rec := range s.manager.List() {
		if rec.Status == task.StatusRunning {
			running++
		}
	}
	c.JSON(http.StatusOK, HealthResponse{
		OK:      true,
		Version: s.cfg.Version,
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Running: running,
		Bus:     s.bus.Stats(),
	})
}

// ToolInfo describes one registered tool.
type ToolInfo struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Mode        string         `json:"mode" yaml:"mode"`
	TimeoutMS   int64          `json:"timeout_ms" yaml:"timeout_ms"`
	MaxRetries  int            `json:"max_retries" yaml:"max_retries"`
	InputSchema map[string]any `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
}

// ToolCatalog lists the registry's tools sorted by name.
func ToolCatalog(registry *toolregistry.Registry) []ToolInfo {
	specs := registry.List()
	out := make([]ToolInfo, 0, len(specs))
	for _, spec := range specs {
		out = append(out, ToolInfo{
			Name:        spec.Name,
			Description: spec.Description,
			Mode:        string(spec.Mode),
			TimeoutMS:   spec.Timeout.Milliseconds(),
			MaxRetries:  spec.Retry.MaxRetries,
			InputSchema: spec.InputSchema,
		})
	}
	return out
}

func (s *Server) handleListTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": ToolCatalog(s.registry)})
}

func (s *Server) handleListRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": s.manager.List()})
}

// handleStartRun starts a run for the session. An empty body starts the demo
// job. Both outcomes answer 200; the body's result tells them apart.
func (s *Server) handleStartRun(c *gin.Context) {
	sessionID, ok := s.sessionParam(c)
	if !ok {
		return
	}

	var req jobs.Request
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSONError(c, http.StatusBadRequest, "invalid run request", err)
		return
	}
	if req.Kind == "" {
		req.Kind = jobs.KindDemo
	}

	job, err := s.jobs.Build(sessionID, req)
	if err != nil {
		s.writeError(c, "cannot build run", err)
		return
	}
	result, err := s.manager.Start(c.Request.Context(), sessionID, req.Kind, job)
	if err != nil {
		s.writeError(c, "cannot start run", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleCancelRun(c *gin.Context) {
	sessionID, ok := s.sessionParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.manager.Cancel(sessionID))
}

func (s *Server) handleRunStatus(c *gin.Context) {
	sessionID, ok := s.sessionParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.manager.Status(sessionID))
}
