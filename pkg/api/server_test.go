package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aether-os/aether/pkg/audit"
	"github.com/aether-os/aether/pkg/config"
	"github.com/aether-os/aether/pkg/events"
	"github.com/aether-os/aether/pkg/metrics"
	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/process"
	"github.com/aether-os/aether/pkg/resource"
	"github.com/aether-os/aether/pkg/scheduler"
	"github.com/aether-os/aether/pkg/skills"
	"github.com/aether-os/aether/pkg/store/memory"
	"github.com/aether-os/aether/pkg/vfs"
	"github.com/aether-os/aether/pkg/webhooks"
)

type testKernel struct {
	server  *Server
	manager *process.Manager
	bus     *events.Bus
}

func newTestKernel(t *testing.T) *testKernel {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	st := memory.New()

	fs, err := vfs.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.Init())

	manager := process.NewManager(bus, st, 10, nil)
	governor := resource.NewGovernor(bus, func(pid int, sig models.Signal) error {
		manager.Signal(pid, sig)
		return nil
	}, nil)
	exec := skills.NewExecutor(st, fs, bus, nil)
	spawn := func(ctx context.Context, cfg models.SpawnConfig, owner string) (*models.Process, error) {
		return manager.Spawn(ctx, cfg, owner, 0)
	}
	sched := scheduler.New(st, bus, spawn, time.Minute, nil)
	hooks := webhooks.NewEngine(st, bus, spawn, nil)
	auditLog := audit.New(st, bus, 30*24*time.Hour, nil)

	server := NewServer(Deps{
		Config:    config.Default(),
		Bus:       bus,
		Manager:   manager,
		Governor:  governor,
		Skills:    exec,
		Scheduler: sched,
		Webhooks:  hooks,
		FS:        fs,
		Audit:     auditLog,
		Metrics:   metrics.New(),
	})
	return &testKernel{server: server, manager: manager, bus: bus}
}

func (k *testKernel) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	k.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Data T     `json:"data"`
		Meta *Meta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), rec.Body.String())
	return envelope.Data
}

func TestHealthzAndVersionHeader(t *testing.T) {
	k := newTestKernel(t)
	rec := k.do(t, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("X-Aether-Version"), "aether/")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	k := newTestKernel(t)

	rec := k.do(t, http.MethodPost, "/agents", SpawnRequest{Role: "writer", Goal: "draft a post"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decodeData[models.Process](t, rec)
	assert.Equal(t, 1, p.PID)
	assert.Equal(t, "agent_1", p.UID)

	rec = k.do(t, http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listEnvelope struct {
		Data []models.Process `json:"data"`
		Meta *Meta            `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listEnvelope))
	require.NotNil(t, listEnvelope.Meta)
	assert.Equal(t, 1, listEnvelope.Meta.Total)
	assert.Equal(t, defaultPageLimit, listEnvelope.Meta.Limit)

	rec = k.do(t, http.MethodGet, "/agents/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeData[AgentDetail](t, rec)
	assert.Equal(t, "writer", detail.Process.Config.Role)

	rec = k.do(t, http.MethodPost, "/agents/1/message", MessageRequest{Channel: "control", Payload: "hello"})
	require.Equal(t, http.StatusCreated, rec.Code)
	msg := decodeData[models.IPCMessage](t, rec)
	assert.Equal(t, "kernel", msg.FromUID)

	rec = k.do(t, http.MethodDelete, "/agents/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	k.manager.WaitReaps()
}

func TestAgentErrorsUseEnvelope(t *testing.T) {
	k := newTestKernel(t)

	rec := k.do(t, http.MethodGet, "/agents/99", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var env ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
	assert.Equal(t, "no such process", env.Error.Message)

	rec = k.do(t, http.MethodPost, "/agents", SpawnRequest{Role: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env = ErrorEnvelope{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)

	rec = k.do(t, http.MethodGet, "/agents/not-a-pid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = k.do(t, http.MethodPost, "/agents", SpawnRequest{Role: "x", Goal: "y", Priority: 9})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSpawnQueuedAtCapacity(t *testing.T) {
	k := newTestKernel(t)
	for i := 0; i < 10; i++ {
		rec := k.do(t, http.MethodPost, "/agents", SpawnRequest{Role: "w", Goal: "g"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := k.do(t, http.MethodPost, "/agents", SpawnRequest{Role: "w", Goal: "g"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	queued := decodeData[QueuedResponse](t, rec)
	assert.Equal(t, "QUEUED", queued.Code)
	assert.True(t, queued.Queued)
	assert.Equal(t, 1, queued.Position)
}

func TestSignalValidation(t *testing.T) {
	k := newTestKernel(t)
	k.do(t, http.MethodPost, "/agents", SpawnRequest{Role: "w", Goal: "g"})
	require.True(t, k.manager.SetState(1, models.StateRunning))

	rec := k.do(t, http.MethodPost, "/agents/1/signal", SignalRequest{Signal: "SIGPWN"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = k.do(t, http.MethodPost, "/agents/1/signal", SignalRequest{Signal: "SIGSTOP"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StateStopped, k.manager.Get(1).State)

	rec = k.do(t, http.MethodPost, "/agents/1/signal", SignalRequest{Signal: "SIGCONT"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StateRunning, k.manager.Get(1).State)
}

func TestPauseResume(t *testing.T) {
	k := newTestKernel(t)
	k.do(t, http.MethodPost, "/agents", SpawnRequest{Role: "w", Goal: "g"})
	require.True(t, k.manager.SetState(1, models.StateRunning))

	rec := k.do(t, http.MethodPost, "/agents/1/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatePaused, k.manager.Get(1).State)

	// Pausing a paused process conflicts.
	rec = k.do(t, http.MethodPost, "/agents/1/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = k.do(t, http.MethodPost, "/agents/1/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StateRunning, k.manager.Get(1).State)
}

func TestFSEndpoints(t *testing.T) {
	k := newTestKernel(t)

	rec := k.do(t, http.MethodPut, "/fs/shared/notes.txt", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	req := httptest.NewRequest(http.MethodPut, "/fs/shared/data.txt", bytes.NewReader([]byte("0123456789")))
	recorder := httptest.NewRecorder()
	k.server.Handler().ServeHTTP(recorder, req)
	require.Equal(t, http.StatusCreated, recorder.Code)

	rec = k.do(t, http.MethodGet, "/fs/shared/data.txt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0123456789", rec.Body.String())

	// Byte range.
	req = httptest.NewRequest(http.MethodGet, "/fs/shared/data.txt", nil)
	req.Header.Set("Range", "bytes=2-5")
	recorder = httptest.NewRecorder()
	k.server.Handler().ServeHTTP(recorder, req)
	require.Equal(t, http.StatusPartialContent, recorder.Code)
	assert.Equal(t, "2345", recorder.Body.String())
	assert.Equal(t, "bytes 2-5/10", recorder.Header().Get("Content-Range"))

	// Directory listing.
	rec = k.do(t, http.MethodGet, "/fs/shared", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeData[[]vfs.Entry](t, rec)
	assert.Len(t, entries, 2)

	// Escape attempts are denied.
	rec = k.do(t, http.MethodGet, "/fs/../etc/passwd", nil)
	assert.Contains(t, []int{http.StatusForbidden, http.StatusNotFound}, rec.Code)

	rec = k.do(t, http.MethodDelete, "/fs/shared/data.txt", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = k.do(t, http.MethodGet, "/fs/shared/data.txt", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSkillEndpoints(t *testing.T) {
	k := newTestKernel(t)

	skill := models.Skill{
		ID:      "greet",
		Name:    "Greeter",
		Version: "1.0.0",
		Steps: []models.SkillStep{
			{ID: "upper", Action: "transform.text", Params: map[string]any{
				"op": "uppercase", "input": "{{inputs.name}}",
			}},
		},
		Output: "hello {{steps.upper}}",
	}
	rec := k.do(t, http.MethodPost, "/skills", skill)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = k.do(t, http.MethodGet, "/skills/greet", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = k.do(t, http.MethodPost, "/skills/greet/execute", ExecuteSkillRequest{
		Inputs: map[string]any{"name": "world"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeData[models.SkillResult](t, rec)
	assert.True(t, result.Success)
	assert.Equal(t, "hello WORLD", result.Output)

	rec = k.do(t, http.MethodPost, "/skills/nope/execute", ExecuteSkillRequest{})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = k.do(t, http.MethodDelete, "/skills/greet", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCronAndTriggerEndpoints(t *testing.T) {
	k := newTestKernel(t)

	job := models.CronJob{
		Name:       "nightly",
		Expression: "0 3 * * *",
		Agent:      models.SpawnConfig{Role: "janitor", Goal: "clean up"},
	}
	rec := k.do(t, http.MethodPost, "/cron", job)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeData[models.CronJob](t, rec)
	require.NotEmpty(t, created.ID)
	assert.True(t, created.Enabled)

	rec = k.do(t, http.MethodPatch, "/cron/"+created.ID, PatchCronRequest{Enabled: boolPtr(false)})
	require.Equal(t, http.StatusOK, rec.Code)
	patched := decodeData[models.CronJob](t, rec)
	assert.False(t, patched.Enabled)

	rec = k.do(t, http.MethodPost, "/cron", models.CronJob{Name: "bad", Expression: "not-cron"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	trigger := models.EventTrigger{
		Name:    "on-fail",
		Pattern: "process.exit",
		Agent:   models.SpawnConfig{Role: "medic", Goal: "investigate"},
	}
	rec = k.do(t, http.MethodPost, "/triggers", trigger)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	createdTrigger := decodeData[models.EventTrigger](t, rec)

	rec = k.do(t, http.MethodDelete, "/triggers/"+createdTrigger.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = k.do(t, http.MethodDelete, "/cron/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = k.do(t, http.MethodDelete, "/cron/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInboundWebhookEndpoints(t *testing.T) {
	k := newTestKernel(t)

	rec := k.do(t, http.MethodPost, "/webhooks/inbound", models.InboundWebhook{
		Name:  "deploy-hook",
		Agent: models.SpawnConfig{Role: "deployer", Goal: "run deploy"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeData[models.InboundWebhook](t, rec)
	require.Len(t, created.Token, 64)

	rec = k.do(t, http.MethodPost, "/hooks/"+created.Token, map[string]any{"ref": "main"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	// Unknown tokens are indistinguishable from missing routes.
	rec = k.do(t, http.MethodPost, "/hooks/bogus", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSystemStatus(t *testing.T) {
	k := newTestKernel(t)
	k.do(t, http.MethodPost, "/agents", SpawnRequest{Role: "w", Goal: "g"})

	rec := k.do(t, http.MethodGet, "/system/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeData[SystemStatus](t, rec)
	assert.Equal(t, 1, status.Processes.Total)
	assert.Equal(t, 1, status.Processes.Active)
	assert.Contains(t, status.Version, "aether/")
}

func TestMetricsEndpoint(t *testing.T) {
	k := newTestKernel(t)
	rec := k.do(t, http.MethodGet, "/system/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "aether_processes_active")
}

func TestAuditEndpointValidation(t *testing.T) {
	k := newTestKernel(t)

	rec := k.do(t, http.MethodGet, "/audit?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = k.do(t, http.MethodGet, "/audit?pid=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = k.do(t, http.MethodGet, "/audit", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func boolPtr(b bool) *bool { return &b }
