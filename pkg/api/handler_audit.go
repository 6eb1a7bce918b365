package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/aether-os/aether/pkg/models"
)

// listAuditHandler handles GET /audit with optional pid, action, kind,
// from, and to filters.
func (s *Server) listAuditHandler(c *echo.Context) error {
	limit, offset := pagination(c)
	q := models.AuditQuery{
		Action: c.QueryParam("action"),
		Kind:   models.AuditKind(c.QueryParam("kind")),
		Limit:  limit,
		Offset: offset,
	}
	if v := c.QueryParam("pid"); v != "" {
		pid, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "pid must be an integer")
		}
		q.PID = pid
	}
	if v := c.QueryParam("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from: must be RFC3339")
		}
		q.From = t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid to: must be RFC3339")
		}
		q.To = t
	}

	entries, total, err := s.audit.Query(c.Request().Context(), q)
	if err != nil {
		return mapKernelError(err)
	}
	return respondList(c, entries, total, limit, offset)
}
