package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/process"
)

// listWebhooksHandler handles GET /webhooks.
func (s *Server) listWebhooksHandler(c *echo.Context) error {
	hooks := s.webhooks.List()
	limit, offset := pagination(c)
	total := len(hooks)
	return respondList(c, page(hooks, limit, offset), total, limit, offset)
}

// createWebhookHandler handles POST /webhooks.
func (s *Server) createWebhookHandler(c *echo.Context) error {
	var hook models.Webhook
	if err := c.Bind(&hook); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if hook.URL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url is required")
	}
	if len(hook.Events) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one event pattern is required")
	}
	if err := s.webhooks.Create(c.Request().Context(), &hook); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return respond(c, http.StatusCreated, hook)
}

// getWebhookHandler handles GET /webhooks/:id.
func (s *Server) getWebhookHandler(c *echo.Context) error {
	hook := s.webhooks.Get(c.Param("id"))
	if hook == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no such webhook")
	}
	return respond(c, http.StatusOK, hook)
}

// deleteWebhookHandler handles DELETE /webhooks/:id.
func (s *Server) deleteWebhookHandler(c *echo.Context) error {
	if err := s.webhooks.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return mapKernelError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// enableWebhookHandler handles POST /webhooks/:id/enable.
func (s *Server) enableWebhookHandler(c *echo.Context) error {
	return s.setWebhookEnabled(c, true)
}

// disableWebhookHandler handles POST /webhooks/:id/disable.
func (s *Server) disableWebhookHandler(c *echo.Context) error {
	return s.setWebhookEnabled(c, false)
}

func (s *Server) setWebhookEnabled(c *echo.Context, enabled bool) error {
	id := c.Param("id")
	if err := s.webhooks.SetEnabled(c.Request().Context(), id, enabled); err != nil {
		return mapKernelError(err)
	}
	return respond(c, http.StatusOK, s.webhooks.Get(id))
}

// webhookLogsHandler handles GET /webhooks/:id/logs.
func (s *Server) webhookLogsHandler(c *echo.Context) error {
	limit, offset := pagination(c)
	logs, total, err := s.webhooks.Logs(c.Request().Context(), c.Param("id"), limit, offset)
	if err != nil {
		return mapKernelError(err)
	}
	return respondList(c, logs, total, limit, offset)
}

// --- Dead letter queue ---

// listDLQHandler handles GET /webhooks/dlq.
func (s *Server) listDLQHandler(c *echo.Context) error {
	limit, offset := pagination(c)
	entries, total, err := s.webhooks.ListDLQ(c.Request().Context(), limit, offset)
	if err != nil {
		return mapKernelError(err)
	}
	return respondList(c, entries, total, limit, offset)
}

// retryDLQHandler handles POST /webhooks/dlq/:id/retry.
func (s *Server) retryDLQHandler(c *echo.Context) error {
	success, err := s.webhooks.RetryDLQ(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapKernelError(err)
	}
	return respond(c, http.StatusOK, map[string]any{"id": c.Param("id"), "success": success})
}

// purgeDLQEntryHandler handles DELETE /webhooks/dlq/:id.
func (s *Server) purgeDLQEntryHandler(c *echo.Context) error {
	if err := s.webhooks.PurgeDLQEntry(c.Request().Context(), c.Param("id")); err != nil {
		return mapKernelError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// purgeDLQHandler handles DELETE /webhooks/dlq.
func (s *Server) purgeDLQHandler(c *echo.Context) error {
	purged, err := s.webhooks.PurgeDLQ(c.Request().Context())
	if err != nil {
		return mapKernelError(err)
	}
	return respond(c, http.StatusOK, map[string]any{"purged": purged})
}

// --- Inbound webhooks ---

// listInboundHandler handles GET /webhooks/inbound.
func (s *Server) listInboundHandler(c *echo.Context) error {
	hooks := s.webhooks.ListInbound()
	limit, offset := pagination(c)
	total := len(hooks)
	return respondList(c, page(hooks, limit, offset), total, limit, offset)
}

// createInboundHandler handles POST /webhooks/inbound. The minted token is
// returned exactly once, in this response.
func (s *Server) createInboundHandler(c *echo.Context) error {
	var hook models.InboundWebhook
	if err := c.Bind(&hook); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	hook.OwnerUID = extractOwner(c)
	if err := s.webhooks.CreateInbound(c.Request().Context(), &hook); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return respond(c, http.StatusCreated, hook)
}

// deleteInboundHandler handles DELETE /webhooks/inbound/:id.
func (s *Server) deleteInboundHandler(c *echo.Context) error {
	if err := s.webhooks.DeleteInbound(c.Request().Context(), c.Param("id")); err != nil {
		return mapKernelError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// inboundHookHandler handles POST /hooks/:token. Unknown and disabled
// tokens are indistinguishable from missing routes.
func (s *Server) inboundHookHandler(c *echo.Context) error {
	var payload map[string]any
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "body must be a JSON object")
	}
	p, err := s.webhooks.HandleInbound(c.Request().Context(), c.Param("token"), payload)
	if err != nil {
		var queued *process.QueuedError
		if errors.As(err, &queued) {
			return respond(c, http.StatusAccepted, queuedResponse(queued.Position))
		}
		return mapKernelError(err)
	}
	return respond(c, http.StatusAccepted, map[string]any{"pid": p.PID, "uid": p.UID})
}
