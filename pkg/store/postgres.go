package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/aether-os/aether/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresConfig holds connection settings for the Postgres store.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadPostgresConfigFromEnv reads DB_* environment variables with sensible
// defaults for local development.
func LoadPostgresConfigFromEnv() (PostgresConfig, error) {
	port, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return PostgresConfig{}, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	maxOpen, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_OPEN_CONNS", "10"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_IDLE_CONNS", "5"))

	return PostgresConfig{
		Host:            getEnvOrDefault("DB_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault("DB_USER", "aether"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        getEnvOrDefault("DB_NAME", "aether"),
		SSLMode:         getEnvOrDefault("DB_SSLMODE", "disable"),
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}, nil
}

// DSN builds the pgx-compatible connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Postgres implements Store on PostgreSQL via the pgx stdlib driver.
type Postgres struct {
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres opens a pooled connection, pings it, and runs embedded
// migrations.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing connection (useful for tests). The
// caller is responsible for migrations having run.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// DB exposes the underlying pool for health checks.
func (p *Postgres) DB() *sql.DB { return p.db }

func runMigrations(db *sql.DB) error {
	src, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	sourceDriver, err := iofs.New(src, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	dbDriver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RunMigrations applies embedded migrations to an externally managed
// connection (used by the testcontainers harness).
func RunMigrations(db *sql.DB) error { return runMigrations(db) }

func (p *Postgres) Close() error { return p.db.Close() }

// --- JSONB helpers ---

// toJSONB marshals v for a JSONB column; nil maps/slices become SQL NULL.
func toJSONB(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSONB value: %w", err)
	}
	return data, nil
}

// fromJSONB unmarshals a nullable JSONB column into out. NULL leaves out
// untouched.
func fromJSONB(data []byte, out any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// --- Processes ---

func (p *Postgres) UpsertProcess(ctx context.Context, row *models.Process) error {
	env, err := toJSONB(row.Env)
	if err != nil {
		return err
	}
	cfg, err := toJSONB(row.Config)
	if err != nil {
		return err
	}
	metrics, err := toJSONB(row.Metrics)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO processes (pid, uid, parent_pid, owner_uid, state, phase, exit_code, work_dir, env, config, metrics, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (pid) DO UPDATE SET
			uid = EXCLUDED.uid, parent_pid = EXCLUDED.parent_pid,
			owner_uid = EXCLUDED.owner_uid,
			state = EXCLUDED.state, phase = EXCLUDED.phase,
			exit_code = EXCLUDED.exit_code, work_dir = EXCLUDED.work_dir,
			env = EXCLUDED.env, config = EXCLUDED.config, metrics = EXCLUDED.metrics`,
		row.PID, row.UID, row.ParentPID, row.OwnerUID, row.State, row.Phase, row.ExitCode,
		row.WorkDir, env, cfg, metrics, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert process %d: %w", row.PID, err)
	}
	return nil
}

func (p *Postgres) ListProcesses(ctx context.Context) ([]*models.Process, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT pid, uid, parent_pid, owner_uid, state, phase, exit_code, work_dir, env, config, metrics, created_at
		FROM processes ORDER BY pid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	defer rows.Close()

	var out []*models.Process
	for rows.Next() {
		var (
			row               models.Process
			env, cfg, metrics []byte
		)
		if err := rows.Scan(&row.PID, &row.UID, &row.ParentPID, &row.OwnerUID, &row.State, &row.Phase,
			&row.ExitCode, &row.WorkDir, &env, &cfg, &metrics, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan process row: %w", err)
		}
		// Malformed persisted rows are logged and skipped, never fatal at hydrate.
		if err := fromJSONB(cfg, &row.Config); err != nil {
			slog.Warn("Skipping process row with corrupt config", "pid", row.PID, "error", err)
			continue
		}
		_ = fromJSONB(env, &row.Env)
		_ = fromJSONB(metrics, &row.Metrics)
		out = append(out, &row)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteProcess(ctx context.Context, pid int) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM processes WHERE pid = $1`, pid)
	if err != nil {
		return fmt.Errorf("failed to delete process %d: %w", pid, err)
	}
	return nil
}

// --- Skills ---

func (p *Postgres) UpsertSkill(ctx context.Context, s *models.Skill) error {
	inputs, err := toJSONB(s.Inputs)
	if err != nil {
		return err
	}
	steps, err := toJSONB(s.Steps)
	if err != nil {
		return err
	}
	output, err := toJSONB(s.Output)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO skills (id, name, version, description, inputs, steps, output, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, version = EXCLUDED.version,
			description = EXCLUDED.description, inputs = EXCLUDED.inputs,
			steps = EXCLUDED.steps, output = EXCLUDED.output,
			updated_at = EXCLUDED.updated_at`,
		s.ID, s.Name, s.Version, s.Description, inputs, steps, output, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert skill %s: %w", s.ID, err)
	}
	return nil
}

func (p *Postgres) ListSkills(ctx context.Context) ([]*models.Skill, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, version, description, inputs, steps, output, created_at, updated_at
		FROM skills ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list skills: %w", err)
	}
	defer rows.Close()

	var out []*models.Skill
	for rows.Next() {
		var (
			s                     models.Skill
			inputs, steps, output []byte
		)
		if err := rows.Scan(&s.ID, &s.Name, &s.Version, &s.Description,
			&inputs, &steps, &output, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan skill row: %w", err)
		}
		if err := fromJSONB(steps, &s.Steps); err != nil {
			slog.Warn("Skipping skill row with corrupt steps", "skill_id", s.ID, "error", err)
			continue
		}
		_ = fromJSONB(inputs, &s.Inputs)
		_ = fromJSONB(output, &s.Output)
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteSkill(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM skills WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete skill %s: %w", id, err)
	}
	return nil
}

// --- Cron jobs ---

func (p *Postgres) UpsertCronJob(ctx context.Context, j *models.CronJob) error {
	agent, err := toJSONB(j.Agent)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO cron_jobs (id, name, expression, agent, owner_uid, enabled, next_run, last_run, run_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, expression = EXCLUDED.expression,
			agent = EXCLUDED.agent, owner_uid = EXCLUDED.owner_uid,
			enabled = EXCLUDED.enabled, next_run = EXCLUDED.next_run,
			last_run = EXCLUDED.last_run, run_count = EXCLUDED.run_count`,
		j.ID, j.Name, j.Expression, agent, j.OwnerUID, j.Enabled, j.NextRun, j.LastRun, j.RunCount, j.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert cron job %s: %w", j.ID, err)
	}
	return nil
}

func (p *Postgres) ListCronJobs(ctx context.Context) ([]*models.CronJob, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, expression, agent, owner_uid, enabled, next_run, last_run, run_count, created_at
		FROM cron_jobs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cron jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.CronJob
	for rows.Next() {
		var (
			j     models.CronJob
			agent []byte
		)
		if err := rows.Scan(&j.ID, &j.Name, &j.Expression, &agent, &j.OwnerUID,
			&j.Enabled, &j.NextRun, &j.LastRun, &j.RunCount, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cron job row: %w", err)
		}
		if err := fromJSONB(agent, &j.Agent); err != nil {
			slog.Warn("Skipping cron job row with corrupt agent config", "job_id", j.ID, "error", err)
			continue
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteCronJob(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete cron job %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) UpdateCronJobRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE cron_jobs SET last_run = $2, next_run = $3, run_count = run_count + 1
		WHERE id = $1`, id, lastRun, nextRun)
	if err != nil {
		return fmt.Errorf("failed to update cron job run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Event triggers ---

func (p *Postgres) UpsertTrigger(ctx context.Context, t *models.EventTrigger) error {
	filter, err := toJSONB(t.Filter)
	if err != nil {
		return err
	}
	agent, err := toJSONB(t.Agent)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO event_triggers (id, name, pattern, filter, agent, owner_uid, enabled, cooldown_ms, last_fired, fire_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, pattern = EXCLUDED.pattern,
			filter = EXCLUDED.filter, agent = EXCLUDED.agent,
			owner_uid = EXCLUDED.owner_uid, enabled = EXCLUDED.enabled,
			cooldown_ms = EXCLUDED.cooldown_ms, last_fired = EXCLUDED.last_fired,
			fire_count = EXCLUDED.fire_count`,
		t.ID, t.Name, t.Pattern, filter, agent, t.OwnerUID, t.Enabled,
		t.CooldownMS, t.LastFired, t.FireCount, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert trigger %s: %w", t.ID, err)
	}
	return nil
}

func (p *Postgres) ListTriggers(ctx context.Context) ([]*models.EventTrigger, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, pattern, filter, agent, owner_uid, enabled, cooldown_ms, last_fired, fire_count, created_at
		FROM event_triggers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()

	var out []*models.EventTrigger
	for rows.Next() {
		var (
			t             models.EventTrigger
			filter, agent []byte
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Pattern, &filter, &agent, &t.OwnerUID,
			&t.Enabled, &t.CooldownMS, &t.LastFired, &t.FireCount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trigger row: %w", err)
		}
		if err := fromJSONB(agent, &t.Agent); err != nil {
			slog.Warn("Skipping trigger row with corrupt agent config", "trigger_id", t.ID, "error", err)
			continue
		}
		_ = fromJSONB(filter, &t.Filter)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteTrigger(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM event_triggers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete trigger %s: %w", id, err)
	}
	return nil
}

// --- Outbound webhooks ---

func (p *Postgres) UpsertWebhook(ctx context.Context, w *models.Webhook) error {
	eventsJSON, err := toJSONB(w.Events)
	if err != nil {
		return err
	}
	filter, err := toJSONB(w.Filter)
	if err != nil {
		return err
	}
	headers, err := toJSONB(w.Headers)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, name, url, secret, events, filter, headers, enabled, retry_count, timeout_ms, failure_count, last_triggered, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, url = EXCLUDED.url, secret = EXCLUDED.secret,
			events = EXCLUDED.events, filter = EXCLUDED.filter,
			headers = EXCLUDED.headers, enabled = EXCLUDED.enabled,
			retry_count = EXCLUDED.retry_count, timeout_ms = EXCLUDED.timeout_ms,
			failure_count = EXCLUDED.failure_count, last_triggered = EXCLUDED.last_triggered`,
		w.ID, w.Name, w.URL, w.Secret, eventsJSON, filter, headers, w.Enabled,
		w.RetryCount, w.TimeoutMS, w.FailureCount, w.LastTriggered, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert webhook %s: %w", w.ID, err)
	}
	return nil
}

func (p *Postgres) ListWebhooks(ctx context.Context) ([]*models.Webhook, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, url, secret, events, filter, headers, enabled, retry_count, timeout_ms, failure_count, last_triggered, created_at
		FROM webhooks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	var out []*models.Webhook
	for rows.Next() {
		var (
			w                          models.Webhook
			eventsJSON, filter, header []byte
		)
		if err := rows.Scan(&w.ID, &w.Name, &w.URL, &w.Secret, &eventsJSON, &filter,
			&header, &w.Enabled, &w.RetryCount, &w.TimeoutMS, &w.FailureCount,
			&w.LastTriggered, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook row: %w", err)
		}
		if err := fromJSONB(eventsJSON, &w.Events); err != nil {
			slog.Warn("Skipping webhook row with corrupt event patterns", "webhook_id", w.ID, "error", err)
			continue
		}
		_ = fromJSONB(filter, &w.Filter)
		_ = fromJSONB(header, &w.Headers)
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteWebhook(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) IncrementWebhookFailure(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE webhooks SET failure_count = failure_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment webhook failure %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Inbound webhooks ---

func (p *Postgres) UpsertInboundWebhook(ctx context.Context, w *models.InboundWebhook) error {
	agent, err := toJSONB(w.Agent)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO inbound_webhooks (id, name, token, agent, transform, enabled, owner_uid, trigger_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, token = EXCLUDED.token, agent = EXCLUDED.agent,
			transform = EXCLUDED.transform, enabled = EXCLUDED.enabled,
			owner_uid = EXCLUDED.owner_uid, trigger_count = EXCLUDED.trigger_count`,
		w.ID, w.Name, w.Token, agent, w.Transform, w.Enabled, w.OwnerUID, w.TriggerCount, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert inbound webhook %s: %w", w.ID, err)
	}
	return nil
}

func (p *Postgres) ListInboundWebhooks(ctx context.Context) ([]*models.InboundWebhook, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, token, agent, transform, enabled, owner_uid, trigger_count, created_at
		FROM inbound_webhooks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list inbound webhooks: %w", err)
	}
	defer rows.Close()

	var out []*models.InboundWebhook
	for rows.Next() {
		var (
			w     models.InboundWebhook
			agent []byte
		)
		if err := rows.Scan(&w.ID, &w.Name, &w.Token, &agent, &w.Transform,
			&w.Enabled, &w.OwnerUID, &w.TriggerCount, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan inbound webhook row: %w", err)
		}
		if err := fromJSONB(agent, &w.Agent); err != nil {
			slog.Warn("Skipping inbound webhook row with corrupt agent config", "webhook_id", w.ID, "error", err)
			continue
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteInboundWebhook(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM inbound_webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete inbound webhook %s: %w", id, err)
	}
	return nil
}

// --- Webhook delivery logs ---

func (p *Postgres) InsertWebhookLog(ctx context.Context, l *models.WebhookLog) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_logs (id, webhook_id, event_type, payload, status_code, response, duration_ms, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.ID, l.WebhookID, l.EventType, l.Payload, l.StatusCode, l.Response, l.DurationMS, l.Success, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert webhook log: %w", err)
	}
	return nil
}

func (p *Postgres) ListWebhookLogs(ctx context.Context, webhookID string, limit, offset int) ([]*models.WebhookLog, int, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int
	err := p.db.QueryRowContext(ctx, `
		SELECT count(*) FROM webhook_logs WHERE ($1 = '' OR webhook_id = $1)`, webhookID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count webhook logs: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, webhook_id, event_type, payload, status_code, response, duration_ms, success, created_at
		FROM webhook_logs WHERE ($1 = '' OR webhook_id = $1)
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, webhookID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list webhook logs: %w", err)
	}
	defer rows.Close()

	var out []*models.WebhookLog
	for rows.Next() {
		var l models.WebhookLog
		if err := rows.Scan(&l.ID, &l.WebhookID, &l.EventType, &l.Payload,
			&l.StatusCode, &l.Response, &l.DurationMS, &l.Success, &l.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan webhook log row: %w", err)
		}
		out = append(out, &l)
	}
	return out, total, rows.Err()
}

func (p *Postgres) DeleteWebhookLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune webhook logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- DLQ ---

func (p *Postgres) InsertDLQEntry(ctx context.Context, e *models.DLQEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_dlq (id, webhook_id, event_type, payload, last_error, attempts, created_at, retried_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.WebhookID, e.EventType, e.Payload, e.LastError, e.Attempts, e.CreatedAt, e.RetriedAt)
	if err != nil {
		return fmt.Errorf("failed to insert DLQ entry: %w", err)
	}
	return nil
}

func (p *Postgres) GetDLQEntry(ctx context.Context, id string) (*models.DLQEntry, error) {
	var e models.DLQEntry
	err := p.db.QueryRowContext(ctx, `
		SELECT id, webhook_id, event_type, payload, last_error, attempts, created_at, retried_at
		FROM webhook_dlq WHERE id = $1`, id).
		Scan(&e.ID, &e.WebhookID, &e.EventType, &e.Payload, &e.LastError, &e.Attempts, &e.CreatedAt, &e.RetriedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get DLQ entry %s: %w", id, err)
	}
	return &e, nil
}

func (p *Postgres) ListDLQEntries(ctx context.Context, limit, offset int) ([]*models.DLQEntry, int, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM webhook_dlq`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count DLQ entries: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, webhook_id, event_type, payload, last_error, attempts, created_at, retried_at
		FROM webhook_dlq ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list DLQ entries: %w", err)
	}
	defer rows.Close()

	var out []*models.DLQEntry
	for rows.Next() {
		var e models.DLQEntry
		if err := rows.Scan(&e.ID, &e.WebhookID, &e.EventType, &e.Payload,
			&e.LastError, &e.Attempts, &e.CreatedAt, &e.RetriedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan DLQ row: %w", err)
		}
		out = append(out, &e)
	}
	return out, total, rows.Err()
}

func (p *Postgres) MarkDLQRetried(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_dlq SET retried_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark DLQ entry retried %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteDLQEntry(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM webhook_dlq WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete DLQ entry %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) PurgeDLQ(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_dlq`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge DLQ: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- Audit ---

func (p *Postgres) InsertAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	args, err := toJSONB(e.Args)
	if err != nil {
		return err
	}
	metadata, err := toJSONB(e.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, ts, kind, actor_pid, actor_uid, action, target, args, result_hash, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.Timestamp, e.Kind, e.ActorPID, e.ActorUID, e.Action, e.Target, args, e.ResultHash, metadata)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (p *Postgres) QueryAuditEntries(ctx context.Context, q models.AuditQuery) ([]*models.AuditEntry, int, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	where := `($1 = 0 OR actor_pid = $1) AND ($2 = '' OR action = $2) AND ($3 = '' OR kind = $3)
		AND ($4::timestamptz IS NULL OR ts >= $4) AND ($5::timestamptz IS NULL OR ts <= $5)`
	var from, to *time.Time
	if !q.From.IsZero() {
		from = &q.From
	}
	if !q.To.IsZero() {
		to = &q.To
	}

	var total int
	err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM audit_log WHERE `+where,
		q.PID, q.Action, string(q.Kind), from, to).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, ts, kind, actor_pid, actor_uid, action, target, args, result_hash, metadata
		FROM audit_log WHERE `+where+`
		ORDER BY ts DESC LIMIT $6 OFFSET $7`,
		q.PID, q.Action, string(q.Kind), from, to, limit, q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditEntry
	for rows.Next() {
		var (
			e              models.AuditEntry
			args, metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Kind, &e.ActorPID, &e.ActorUID,
			&e.Action, &e.Target, &args, &e.ResultHash, &metadata); err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit row: %w", err)
		}
		_ = fromJSONB(args, &e.Args)
		_ = fromJSONB(metadata, &e.Metadata)
		out = append(out, &e)
	}
	return out, total, rows.Err()
}

func (p *Postgres) PruneAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM audit_log WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
