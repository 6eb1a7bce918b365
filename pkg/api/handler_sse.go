package api

import (
	"encoding/json"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/aether-os/aether/pkg/events"
)

// sseHandler handles GET /events: a server-sent event stream of bus events.
// `?filter=` takes a comma-separated list of glob patterns; empty means
// everything. The first frame is always {"type":"connected"}.
func (s *Server) sseHandler(c *echo.Context) error {
	var patterns []string
	if raw := c.QueryParam("filter"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
	}

	rw := http.ResponseWriter(c.Response())
	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.WriteHeader(http.StatusOK)

	flusher, ok := rw.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}

	write := func(payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := rw.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := write(map[string]string{"type": "connected"}); err != nil {
		return nil
	}

	sub := s.bus.Subscribe("*", events.DefaultBuffer)
	defer s.bus.Unsubscribe(sub)

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if len(patterns) > 0 && !events.MatchAnyPattern(patterns, ev.Type) {
				continue
			}
			if err := write(ev); err != nil {
				return nil
			}
		}
	}
}
