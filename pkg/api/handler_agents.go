package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/process"
	"github.com/aether-os/aether/pkg/supervisor"
)

// SpawnRequest is the body of POST /agents.
type SpawnRequest struct {
	Role     string        `json:"role"`
	Goal     string        `json:"goal"`
	Runtime  string        `json:"runtime"`
	Model    string        `json:"model"`
	Tools    []string      `json:"tools"`
	Priority int           `json:"priority"`
	MaxSteps int           `json:"max_steps"`
	Quota    *models.Quota `json:"quota"`
}

// QueuedResponse is returned when a spawn is parked in the wait queue.
type QueuedResponse struct {
	Code     string `json:"code"`
	Queued   bool   `json:"queued"`
	Position int    `json:"position"`
}

// queuedResponse builds the stable QUEUED reply for a parked spawn.
func queuedResponse(position int) QueuedResponse {
	return QueuedResponse{Code: "QUEUED", Queued: true, Position: position}
}

// AgentDetail is returned by GET /agents/:pid.
type AgentDetail struct {
	Process models.Process        `json:"process"`
	Usage   *models.ResourceUsage `json:"usage,omitempty"`
}

// extractOwner identifies the caller from proxy headers.
// Priority: X-Forwarded-User > X-Remote-User > "api-client".
func extractOwner(c *echo.Context) string {
	if user := c.Request().Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if user := c.Request().Header.Get("X-Remote-User"); user != "" {
		return user
	}
	return "api-client"
}

// createAgentHandler handles POST /agents.
func (s *Server) createAgentHandler(c *echo.Context) error {
	var req SpawnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Role == "" || req.Goal == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "role and goal are required")
	}
	if req.Priority != 0 && (req.Priority < models.PriorityHighest || req.Priority > models.PriorityLowest) {
		return echo.NewHTTPError(http.StatusBadRequest, "priority must be between 1 and 5")
	}

	cfg := models.SpawnConfig{
		Role:     req.Role,
		Goal:     req.Goal,
		Runtime:  models.RuntimeKind(req.Runtime),
		Model:    req.Model,
		Tools:    req.Tools,
		Priority: req.Priority,
		MaxSteps: req.MaxSteps,
	}

	p, err := s.manager.Spawn(c.Request().Context(), cfg, extractOwner(c), 0)
	if err != nil {
		var queued *process.QueuedError
		if errors.As(err, &queued) {
			return respond(c, http.StatusAccepted, queuedResponse(queued.Position))
		}
		return mapKernelError(err)
	}
	if req.Quota != nil && s.governor != nil {
		s.governor.SetQuota(p.PID, *req.Quota)
	}
	return respond(c, http.StatusCreated, p)
}

// listAgentsHandler handles GET /agents.
func (s *Server) listAgentsHandler(c *echo.Context) error {
	procs := s.manager.List()
	limit, offset := pagination(c)
	total := len(procs)
	procs = page(procs, limit, offset)
	return respondList(c, procs, total, limit, offset)
}

// getAgentHandler handles GET /agents/:pid.
func (s *Server) getAgentHandler(c *echo.Context) error {
	pid, err := pathPID(c)
	if err != nil {
		return err
	}
	p := s.manager.Get(pid)
	if p == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no such process")
	}
	detail := AgentDetail{Process: *p}
	if s.governor != nil {
		detail.Usage = s.governor.Usage(pid)
	}
	return respond(c, http.StatusOK, detail)
}

// deleteAgentHandler handles DELETE /agents/:pid. SIGTERM by default,
// SIGKILL with ?force=true.
func (s *Server) deleteAgentHandler(c *echo.Context) error {
	pid, err := pathPID(c)
	if err != nil {
		return err
	}
	sig := models.SIGTERM
	if c.QueryParam("force") == "true" {
		sig = models.SIGKILL
	}
	if !s.manager.Signal(pid, sig) {
		return echo.NewHTTPError(http.StatusNotFound, "no such process")
	}
	return respond(c, http.StatusOK, map[string]any{"pid": pid, "signal": sig})
}

// MessageRequest is the body of POST /agents/:pid/message.
type MessageRequest struct {
	FromPID int    `json:"from_pid"`
	Channel string `json:"channel"`
	Payload any    `json:"payload"`
}

// messageAgentHandler handles POST /agents/:pid/message.
func (s *Server) messageAgentHandler(c *echo.Context) error {
	pid, err := pathPID(c)
	if err != nil {
		return err
	}
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if s.manager.Get(pid) == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no such process")
	}
	msg, err := s.manager.SendMessage(req.FromPID, pid, req.Channel, req.Payload)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return respond(c, http.StatusCreated, msg)
}

// SignalRequest is the body of POST /agents/:pid/signal.
type SignalRequest struct {
	Signal string `json:"signal"`
}

var knownSignals = map[models.Signal]bool{
	models.SIGTERM: true,
	models.SIGKILL: true,
	models.SIGSTOP: true,
	models.SIGCONT: true,
	models.SIGINT:  true,
}

// signalAgentHandler handles POST /agents/:pid/signal.
func (s *Server) signalAgentHandler(c *echo.Context) error {
	pid, err := pathPID(c)
	if err != nil {
		return err
	}
	var req SignalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sig := models.Signal(req.Signal)
	if !knownSignals[sig] {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown signal "+req.Signal)
	}
	if !s.manager.Signal(pid, sig) {
		return echo.NewHTTPError(http.StatusNotFound, "no such process")
	}
	return respond(c, http.StatusOK, map[string]any{"pid": pid, "signal": sig})
}

// pauseAgentHandler handles POST /agents/:pid/pause.
func (s *Server) pauseAgentHandler(c *echo.Context) error {
	pid, err := pathPID(c)
	if err != nil {
		return err
	}
	if s.manager.Get(pid) == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no such process")
	}
	if !s.manager.Pause(pid) {
		return echo.NewHTTPError(http.StatusConflict, "process is not in a pausable state")
	}
	if s.super != nil {
		if err := s.super.Pause(pid); err != nil && !errors.Is(err, supervisor.ErrNotSupervised) {
			s.logger.Warn("failed to pause subprocess", "pid", pid, "error", err)
		}
	}
	return respond(c, http.StatusOK, map[string]any{"pid": pid, "state": models.StatePaused})
}

// resumeAgentHandler handles POST /agents/:pid/resume.
func (s *Server) resumeAgentHandler(c *echo.Context) error {
	pid, err := pathPID(c)
	if err != nil {
		return err
	}
	if s.manager.Get(pid) == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no such process")
	}
	if !s.manager.Resume(pid) {
		return echo.NewHTTPError(http.StatusConflict, "process is not paused")
	}
	if s.super != nil {
		if err := s.super.Resume(pid); err != nil && !errors.Is(err, supervisor.ErrNotSupervised) {
			s.logger.Warn("failed to resume subprocess", "pid", pid, "error", err)
		}
	}
	return respond(c, http.StatusOK, map[string]any{"pid": pid, "state": models.StateRunning})
}

// agentOutputHandler handles GET /agents/:pid/output.
func (s *Server) agentOutputHandler(c *echo.Context) error {
	pid, err := pathPID(c)
	if err != nil {
		return err
	}
	if s.super == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no supervised subprocess")
	}
	stdout, stderr, err := s.super.Output(pid)
	if err != nil {
		if errors.Is(err, supervisor.ErrNotSupervised) {
			return echo.NewHTTPError(http.StatusNotFound, "no supervised subprocess")
		}
		return mapKernelError(err)
	}
	return respond(c, http.StatusOK, map[string]string{"stdout": stdout, "stderr": stderr})
}

// page slices a listing according to limit and offset.
func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}
