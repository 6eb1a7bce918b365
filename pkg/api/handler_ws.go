package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades GET /ws and hands the socket to the fan-out hub.
// HandleConnection blocks until the WebSocket closes.
func (s *Server) wsHandler(c *echo.Context) error {
	opts := &websocket.AcceptOptions{}
	if s.cfg != nil && len(s.cfg.Server.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.cfg.Server.AllowedWSOrigins
	} else {
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.hub.HandleConnection(c.Request().Context(), conn)
	return nil
}
