package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/store"
)

// listSkillsHandler handles GET /skills.
func (s *Server) listSkillsHandler(c *echo.Context) error {
	list := s.skills.List()
	limit, offset := pagination(c)
	total := len(list)
	return respondList(c, page(list, limit, offset), total, limit, offset)
}

// createSkillHandler handles POST /skills.
func (s *Server) createSkillHandler(c *echo.Context) error {
	var skill models.Skill
	if err := c.Bind(&skill); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.skills.Register(c.Request().Context(), &skill); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return respond(c, http.StatusCreated, skill)
}

// getSkillHandler handles GET /skills/:id.
func (s *Server) getSkillHandler(c *echo.Context) error {
	skill := s.skills.Get(c.Param("id"))
	if skill == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no such skill")
	}
	return respond(c, http.StatusOK, skill)
}

// deleteSkillHandler handles DELETE /skills/:id.
func (s *Server) deleteSkillHandler(c *echo.Context) error {
	if err := s.skills.Unregister(c.Request().Context(), c.Param("id")); err != nil {
		return mapKernelError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ExecuteSkillRequest is the body of POST /skills/:id/execute.
type ExecuteSkillRequest struct {
	Inputs map[string]any `json:"inputs"`
	PID    int            `json:"pid"`
}

// executeSkillHandler handles POST /skills/:id/execute. A completed
// execution returns 200 even when the pipeline failed; the result carries
// the failure detail.
func (s *Server) executeSkillHandler(c *echo.Context) error {
	var req ExecuteSkillRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := s.skills.Execute(c.Request().Context(), c.Param("id"), req.Inputs, req.PID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no such skill")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return respond(c, http.StatusOK, result)
}
