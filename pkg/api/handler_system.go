package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/version"
)

// SystemStatus is returned by GET /system/status.
type SystemStatus struct {
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Processes     struct {
		Total   int `json:"total"`
		Active  int `json:"active"`
		Zombies int `json:"zombies"`
		Queued  int `json:"queued"`
	} `json:"processes"`
	Supervised    int `json:"supervised"`
	Skills        int `json:"skills"`
	CronJobs      int `json:"cron_jobs"`
	Triggers      int `json:"triggers"`
	Webhooks      int `json:"webhooks"`
	WSConnections int `json:"ws_connections"`
}

// healthzHandler handles GET /healthz.
func (s *Server) healthzHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Full(),
	})
}

// systemStatusHandler handles GET /system/status.
func (s *Server) systemStatusHandler(c *echo.Context) error {
	status := SystemStatus{
		Version:       version.Full(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	for _, p := range s.manager.List() {
		status.Processes.Total++
		switch p.State {
		case models.StateZombie:
			status.Processes.Zombies++
		case models.StateDead:
		default:
			status.Processes.Active++
		}
	}
	status.Processes.Queued = len(s.manager.WaitQueue())
	if s.super != nil {
		status.Supervised = len(s.super.List())
	}
	if s.skills != nil {
		status.Skills = len(s.skills.List())
	}
	if s.scheduler != nil {
		status.CronJobs = len(s.scheduler.ListJobs())
		status.Triggers = len(s.scheduler.ListTriggers())
	}
	if s.webhooks != nil {
		status.Webhooks = len(s.webhooks.List())
	}
	status.WSConnections = s.hub.ConnectionCount()
	return respond(c, http.StatusOK, status)
}
