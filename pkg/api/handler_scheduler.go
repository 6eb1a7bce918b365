package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/aether-os/aether/pkg/models"
)

// --- Cron jobs ---

// listCronHandler handles GET /cron.
func (s *Server) listCronHandler(c *echo.Context) error {
	jobs := s.scheduler.ListJobs()
	limit, offset := pagination(c)
	total := len(jobs)
	return respondList(c, page(jobs, limit, offset), total, limit, offset)
}

// createCronHandler handles POST /cron.
func (s *Server) createCronHandler(c *echo.Context) error {
	var job models.CronJob
	if err := c.Bind(&job); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	job.OwnerUID = extractOwner(c)
	if err := s.scheduler.CreateJob(c.Request().Context(), &job); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return respond(c, http.StatusCreated, job)
}

// getCronHandler handles GET /cron/:id.
func (s *Server) getCronHandler(c *echo.Context) error {
	job := s.scheduler.GetJob(c.Param("id"))
	if job == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no such cron job")
	}
	return respond(c, http.StatusOK, job)
}

// deleteCronHandler handles DELETE /cron/:id.
func (s *Server) deleteCronHandler(c *echo.Context) error {
	if err := s.scheduler.DeleteJob(c.Request().Context(), c.Param("id")); err != nil {
		return mapKernelError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// PatchCronRequest is the body of PATCH /cron/:id.
type PatchCronRequest struct {
	Enabled *bool `json:"enabled"`
}

// patchCronHandler handles PATCH /cron/:id. Only the enabled flag is
// mutable; expression or agent changes are a delete-and-recreate.
func (s *Server) patchCronHandler(c *echo.Context) error {
	var req PatchCronRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Enabled == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "enabled field is required")
	}
	if err := s.scheduler.SetJobEnabled(c.Request().Context(), c.Param("id"), *req.Enabled); err != nil {
		return mapKernelError(err)
	}
	return respond(c, http.StatusOK, s.scheduler.GetJob(c.Param("id")))
}

// --- Event triggers ---

// listTriggersHandler handles GET /triggers.
func (s *Server) listTriggersHandler(c *echo.Context) error {
	triggers := s.scheduler.ListTriggers()
	limit, offset := pagination(c)
	total := len(triggers)
	return respondList(c, page(triggers, limit, offset), total, limit, offset)
}

// createTriggerHandler handles POST /triggers.
func (s *Server) createTriggerHandler(c *echo.Context) error {
	var trigger models.EventTrigger
	if err := c.Bind(&trigger); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	trigger.OwnerUID = extractOwner(c)
	if err := s.scheduler.CreateTrigger(c.Request().Context(), &trigger); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return respond(c, http.StatusCreated, trigger)
}

// getTriggerHandler handles GET /triggers/:id.
func (s *Server) getTriggerHandler(c *echo.Context) error {
	trigger := s.scheduler.GetTrigger(c.Param("id"))
	if trigger == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no such trigger")
	}
	return respond(c, http.StatusOK, trigger)
}

// deleteTriggerHandler handles DELETE /triggers/:id.
func (s *Server) deleteTriggerHandler(c *echo.Context) error {
	if err := s.scheduler.DeleteTrigger(c.Request().Context(), c.Param("id")); err != nil {
		return mapKernelError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
