package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
)

// Envelope wraps every successful response body.
type Envelope struct {
	Data any   `json:"data"`
	Meta *Meta `json:"meta,omitempty"`
}

// Meta carries pagination info for list responses.
type Meta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ErrorEnvelope wraps every error response body.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the error payload inside an ErrorEnvelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respond(c *echo.Context, status int, data any) error {
	return c.JSON(status, Envelope{Data: data})
}

func respondList(c *echo.Context, data any, total, limit, offset int) error {
	return c.JSON(http.StatusOK, Envelope{
		Data: data,
		Meta: &Meta{Total: total, Limit: limit, Offset: offset},
	})
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// pagination parses ?limit and ?offset with the documented defaults and caps.
func pagination(c *echo.Context) (limit, offset int) {
	limit = defaultPageLimit
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, maxPageLimit)
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// pathPID parses the :pid route parameter.
func pathPID(c *echo.Context) (int, error) {
	pid, err := strconv.Atoi(c.Param("pid"))
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "pid must be an integer")
	}
	return pid, nil
}
