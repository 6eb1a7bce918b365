// Package store defines the durable state contract consumed by the kernel
// managers, and provides its PostgreSQL implementation. Managers hold
// in-memory indexes hydrated from the store at init and write through on
// every mutation; the store never pushes data back.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/aether-os/aether/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("row not found")

// Store is the abstract state store. Implementations must support concurrent
// readers and exclusive writers per logical table.
type Store interface {
	// Processes.
	UpsertProcess(ctx context.Context, p *models.Process) error
	ListProcesses(ctx context.Context) ([]*models.Process, error)
	DeleteProcess(ctx context.Context, pid int) error

	// Skills.
	UpsertSkill(ctx context.Context, s *models.Skill) error
	ListSkills(ctx context.Context) ([]*models.Skill, error)
	DeleteSkill(ctx context.Context, id string) error

	// Cron jobs.
	UpsertCronJob(ctx context.Context, j *models.CronJob) error
	ListCronJobs(ctx context.Context) ([]*models.CronJob, error)
	DeleteCronJob(ctx context.Context, id string) error
	// UpdateCronJobRun atomically bumps run bookkeeping after a fire.
	UpdateCronJobRun(ctx context.Context, id string, lastRun, nextRun time.Time) error

	// Event triggers.
	UpsertTrigger(ctx context.Context, t *models.EventTrigger) error
	ListTriggers(ctx context.Context) ([]*models.EventTrigger, error)
	DeleteTrigger(ctx context.Context, id string) error

	// Outbound webhooks.
	UpsertWebhook(ctx context.Context, w *models.Webhook) error
	ListWebhooks(ctx context.Context) ([]*models.Webhook, error)
	DeleteWebhook(ctx context.Context, id string) error
	// IncrementWebhookFailure atomically bumps the failure counter.
	IncrementWebhookFailure(ctx context.Context, id string) error

	// Inbound webhooks.
	UpsertInboundWebhook(ctx context.Context, w *models.InboundWebhook) error
	ListInboundWebhooks(ctx context.Context) ([]*models.InboundWebhook, error)
	DeleteInboundWebhook(ctx context.Context, id string) error

	// Webhook delivery logs.
	InsertWebhookLog(ctx context.Context, l *models.WebhookLog) error
	ListWebhookLogs(ctx context.Context, webhookID string, limit, offset int) ([]*models.WebhookLog, int, error)
	DeleteWebhookLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Dead-letter queue.
	InsertDLQEntry(ctx context.Context, e *models.DLQEntry) error
	GetDLQEntry(ctx context.Context, id string) (*models.DLQEntry, error)
	ListDLQEntries(ctx context.Context, limit, offset int) ([]*models.DLQEntry, int, error)
	MarkDLQRetried(ctx context.Context, id string, at time.Time) error
	DeleteDLQEntry(ctx context.Context, id string) error
	PurgeDLQ(ctx context.Context) (int64, error)

	// Audit log.
	InsertAuditEntry(ctx context.Context, e *models.AuditEntry) error
	QueryAuditEntries(ctx context.Context, q models.AuditQuery) ([]*models.AuditEntry, int, error)
	PruneAuditBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
