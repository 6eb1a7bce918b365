package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/aether-os/aether/pkg/process"
	"github.com/aether-os/aether/pkg/store"
	"github.com/aether-os/aether/pkg/vfs"
	"github.com/aether-os/aether/pkg/webhooks"
)

// Stable machine-readable codes carried in the error envelope. Statuses not
// in the map render as HTTP_<n>, reserved for relayed upstream failures.
var errorCodes = map[int]string{
	http.StatusBadRequest:            "INVALID_INPUT",
	http.StatusConflict:              "INVALID_INPUT",
	http.StatusRequestEntityTooLarge: "INVALID_INPUT",
	http.StatusNotFound:              "NOT_FOUND",
	http.StatusForbidden:             "FORBIDDEN",
	http.StatusInternalServerError:   "EXECUTION_ERROR",
	http.StatusServiceUnavailable:    "EXECUTION_ERROR",
}

// codeForStatus resolves the envelope code for an HTTP status.
func codeForStatus(status int) string {
	if code, ok := errorCodes[status]; ok {
		return code
	}
	return fmt.Sprintf("HTTP_%d", status)
}

// httpErrorHandler renders every error as an {error:{code,message}} envelope.
func httpErrorHandler(c *echo.Context, err error) {
	if w, ok := c.Response().(interface{ Written() bool }); ok && w.Written() {
		return
	}

	status := http.StatusInternalServerError
	message := "internal server error"

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		message = fmt.Sprintf("%v", he.Message)
	} else {
		slog.Error("unhandled API error", slog.Any("error", err))
	}

	code := codeForStatus(status)
	if jsonErr := c.JSON(status, ErrorEnvelope{
		Error: ErrorBody{Code: code, Message: message},
	}); jsonErr != nil {
		slog.Error("failed to write error response", slog.Any("error", jsonErr))
	}
}

// mapKernelError maps manager-layer errors to HTTP error responses.
func mapKernelError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	case errors.Is(err, process.ErrTableFull):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "process table full")
	case errors.Is(err, vfs.ErrAccessDenied):
		return echo.NewHTTPError(http.StatusForbidden, "Access denied")
	case errors.Is(err, webhooks.ErrInboundRejected):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}

	slog.Error("unexpected kernel error", slog.Any("error", err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
