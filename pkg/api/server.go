// Package api serves the kernel's REST, SSE, and WebSocket surface.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/aether-os/aether/pkg/audit"
	"github.com/aether-os/aether/pkg/config"
	"github.com/aether-os/aether/pkg/events"
	"github.com/aether-os/aether/pkg/metrics"
	"github.com/aether-os/aether/pkg/process"
	"github.com/aether-os/aether/pkg/resource"
	"github.com/aether-os/aether/pkg/scheduler"
	"github.com/aether-os/aether/pkg/skills"
	"github.com/aether-os/aether/pkg/supervisor"
	"github.com/aether-os/aether/pkg/vfs"
	"github.com/aether-os/aether/pkg/webhooks"
)

// Deps bundles the kernel components the API surface exposes.
type Deps struct {
	Config    *config.Config
	Bus       *events.Bus
	Manager   *process.Manager
	Super     *supervisor.Supervisor
	Governor  *resource.Governor
	Skills    *skills.Executor
	Scheduler *scheduler.Scheduler
	Webhooks  *webhooks.Engine
	FS        *vfs.FS
	Audit     *audit.Logger
	Metrics   *metrics.Metrics
	MCP       http.Handler
	Logger    *slog.Logger
}

// Server is the HTTP front of the kernel.
type Server struct {
	cfg       *config.Config
	bus       *events.Bus
	manager   *process.Manager
	super     *supervisor.Supervisor
	governor  *resource.Governor
	skills    *skills.Executor
	scheduler *scheduler.Scheduler
	webhooks  *webhooks.Engine
	fs        *vfs.FS
	audit     *audit.Logger
	metrics   *metrics.Metrics
	hub       *Hub
	logger    *slog.Logger

	echo *echo.Echo
	http *http.Server

	startedAt time.Time
}

// NewServer wires the route table. Call Start to begin serving.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       deps.Config,
		bus:       deps.Bus,
		manager:   deps.Manager,
		super:     deps.Super,
		governor:  deps.Governor,
		skills:    deps.Skills,
		scheduler: deps.Scheduler,
		webhooks:  deps.Webhooks,
		fs:        deps.FS,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		logger:    logger.With("component", "api"),
		startedAt: time.Now().UTC(),
	}
	s.hub = NewHub(deps.Bus, s.dispatchCommand, deps.Metrics, logger)

	e := echo.New()
	e.HTTPErrorHandler = httpErrorHandler
	e.Use(versionHeader())
	e.Use(securityHeaders())

	e.GET("/healthz", s.healthzHandler)
	e.GET("/system/status", s.systemStatusHandler)
	if deps.Metrics != nil {
		e.GET("/system/metrics", echo.WrapHandler(deps.Metrics.Handler()))
	}

	e.POST("/agents", s.createAgentHandler)
	e.GET("/agents", s.listAgentsHandler)
	e.GET("/agents/:pid", s.getAgentHandler)
	e.DELETE("/agents/:pid", s.deleteAgentHandler)
	e.POST("/agents/:pid/message", s.messageAgentHandler)
	e.POST("/agents/:pid/signal", s.signalAgentHandler)
	e.POST("/agents/:pid/pause", s.pauseAgentHandler)
	e.POST("/agents/:pid/resume", s.resumeAgentHandler)
	e.GET("/agents/:pid/output", s.agentOutputHandler)

	e.GET("/fs/*", s.fsGetHandler)
	e.PUT("/fs/*", s.fsPutHandler)
	e.DELETE("/fs/*", s.fsDeleteHandler)

	e.GET("/skills", s.listSkillsHandler)
	e.POST("/skills", s.createSkillHandler)
	e.GET("/skills/:id", s.getSkillHandler)
	e.DELETE("/skills/:id", s.deleteSkillHandler)
	e.POST("/skills/:id/execute", s.executeSkillHandler)

	e.GET("/cron", s.listCronHandler)
	e.POST("/cron", s.createCronHandler)
	e.GET("/cron/:id", s.getCronHandler)
	e.DELETE("/cron/:id", s.deleteCronHandler)
	e.PATCH("/cron/:id", s.patchCronHandler)

	e.GET("/triggers", s.listTriggersHandler)
	e.POST("/triggers", s.createTriggerHandler)
	e.GET("/triggers/:id", s.getTriggerHandler)
	e.DELETE("/triggers/:id", s.deleteTriggerHandler)

	e.GET("/webhooks", s.listWebhooksHandler)
	e.POST("/webhooks", s.createWebhookHandler)
	e.GET("/webhooks/dlq", s.listDLQHandler)
	e.DELETE("/webhooks/dlq", s.purgeDLQHandler)
	e.POST("/webhooks/dlq/:id/retry", s.retryDLQHandler)
	e.DELETE("/webhooks/dlq/:id", s.purgeDLQEntryHandler)
	e.GET("/webhooks/inbound", s.listInboundHandler)
	e.POST("/webhooks/inbound", s.createInboundHandler)
	e.DELETE("/webhooks/inbound/:id", s.deleteInboundHandler)
	e.GET("/webhooks/:id", s.getWebhookHandler)
	e.DELETE("/webhooks/:id", s.deleteWebhookHandler)
	e.POST("/webhooks/:id/enable", s.enableWebhookHandler)
	e.POST("/webhooks/:id/disable", s.disableWebhookHandler)
	e.GET("/webhooks/:id/logs", s.webhookLogsHandler)
	e.POST("/hooks/:token", s.inboundHookHandler)

	e.GET("/audit", s.listAuditHandler)
	e.GET("/events", s.sseHandler)
	e.GET("/ws", s.wsHandler)

	if deps.MCP != nil {
		e.Any("/mcp", echo.WrapHandler(deps.MCP))
		e.Any("/mcp/*", echo.WrapHandler(deps.MCP))
	}

	s.echo = e
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests and closes WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Hub exposes the WebSocket fan-out for lifecycle wiring.
func (s *Server) Hub() *Hub { return s.hub }
