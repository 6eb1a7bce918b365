package store_test

import (
	"context"
	stdsql "database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/store"
)

// newTestPostgres spins up a throwaway PostgreSQL container, runs the
// embedded migrations, and returns a ready store. Skipped in -short runs
// and cleaned up with the test.
func newTestPostgres(t *testing.T) *store.Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in -short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("aether_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() { _ = pgContainer.Terminate(context.Background()) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, store.RunMigrations(db))
	return store.NewPostgresFromDB(db)
}

func TestPostgresProcessRoundTrip(t *testing.T) {
	st := newTestPostgres(t)
	ctx := context.Background()

	exitCode := 0
	proc := &models.Process{
		PID:       1,
		UID:       "agent_1",
		OwnerUID:  "operator",
		State:     models.StateRunning,
		Phase:     models.PhaseThinking,
		WorkDir:   "/home/agent_1",
		Env:       map[string]string{"AETHER_PID": "1"},
		Config:    models.SpawnConfig{Role: "researcher", Goal: "dig", Priority: 2},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, st.UpsertProcess(ctx, proc))

	// Update in place: upsert must replace, not duplicate.
	proc.State = models.StateZombie
	proc.Phase = models.PhaseCompleted
	proc.ExitCode = &exitCode
	require.NoError(t, st.UpsertProcess(ctx, proc))

	rows, err := st.ListProcesses(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StateZombie, rows[0].State)
	assert.Equal(t, "operator", rows[0].OwnerUID)
	assert.Equal(t, "researcher", rows[0].Config.Role)
	require.NotNil(t, rows[0].ExitCode)
	assert.Equal(t, 0, *rows[0].ExitCode)

	require.NoError(t, st.DeleteProcess(ctx, 1))
	rows, err = st.ListProcesses(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPostgresCronJobRunCounter(t *testing.T) {
	st := newTestPostgres(t)
	ctx := context.Background()

	job := &models.CronJob{
		ID:         uuid.New().String(),
		Name:       "nightly",
		Expression: "0 3 * * *",
		Agent:      models.SpawnConfig{Role: "janitor", Goal: "clean up"},
		Enabled:    true,
		NextRun:    time.Now().Add(time.Hour).UTC(),
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, st.UpsertCronJob(ctx, job))

	fired := time.Now().UTC().Truncate(time.Millisecond)
	next := fired.Add(24 * time.Hour)
	require.NoError(t, st.UpdateCronJobRun(ctx, job.ID, fired, next))

	jobs, err := st.ListCronJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].RunCount)
	require.NotNil(t, jobs[0].LastRun)

	assert.ErrorIs(t, st.UpdateCronJobRun(ctx, "missing", fired, next), store.ErrNotFound)
}

func TestPostgresWebhookFailureCounterAndDLQ(t *testing.T) {
	st := newTestPostgres(t)
	ctx := context.Background()

	hook := &models.Webhook{
		ID:         uuid.New().String(),
		Name:       "ops",
		URL:        "https://example.com/hook",
		Events:     []string{"process.*"},
		Enabled:    true,
		RetryCount: 2,
		TimeoutMS:  5000,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, st.UpsertWebhook(ctx, hook))
	require.NoError(t, st.IncrementWebhookFailure(ctx, hook.ID))
	require.NoError(t, st.IncrementWebhookFailure(ctx, hook.ID))

	hooks, err := st.ListWebhooks(ctx)
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, 2, hooks[0].FailureCount)

	entry := &models.DLQEntry{
		ID:        uuid.New().String(),
		WebhookID: hook.ID,
		EventType: "process.exit",
		Payload:   `{"pid":1}`,
		LastError: "connection refused",
		Attempts:  3,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.InsertDLQEntry(ctx, entry))

	got, err := st.GetDLQEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)

	entries, total, err := st.ListDLQEntries(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)

	require.NoError(t, st.MarkDLQRetried(ctx, entry.ID, time.Now().UTC()))
	got, err = st.GetDLQEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.RetriedAt)

	purged, err := st.PurgeDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestPostgresAuditQueryAndPrune(t *testing.T) {
	st := newTestPostgres(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := &models.AuditEntry{
		ID:        uuid.New().String(),
		Timestamp: now.Add(-48 * time.Hour),
		Kind:      models.AuditAdmin,
		ActorPID:  0,
		Action:    "kernel.boot",
	}
	recent := &models.AuditEntry{
		ID:        uuid.New().String(),
		Timestamp: now,
		Kind:      models.AuditToolInvocation,
		ActorPID:  7,
		Action:    "fs.write",
		Target:    "/home/agent_7/notes.txt",
		Args:      map[string]any{"path": "/home/agent_7/notes.txt"},
	}
	require.NoError(t, st.InsertAuditEntry(ctx, old))
	require.NoError(t, st.InsertAuditEntry(ctx, recent))

	got, total, err := st.QueryAuditEntries(ctx, models.AuditQuery{PID: 7})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, got, 1)
	assert.Equal(t, "fs.write", got[0].Action)

	pruned, err := st.PruneAuditBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	_, total, err = st.QueryAuditEntries(ctx, models.AuditQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
