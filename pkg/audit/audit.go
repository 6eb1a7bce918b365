// Package audit records security-relevant kernel actions in an append-only
// log: tool invocations, auth events, admin actions, and resource
// enforcement. Arguments are sanitized before persistence and results are
// stored as hashes, never as raw content.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aether-os/aether/pkg/events"
	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/store"
)

// DefaultRetention is how long entries are kept before Prune removes them.
const DefaultRetention = 30 * 24 * time.Hour

// Keys whose values are replaced with "[REDACTED]" during sanitization.
// Matched case-insensitively at every nesting level.
var redactedKeys = map[string]struct{}{
	"password":      {},
	"token":         {},
	"apikey":        {},
	"api_key":       {},
	"secret":        {},
	"credentials":   {},
	"authorization": {},
}

const redactedValue = "[REDACTED]"

// resultHashLimit caps how much of a result feeds the hash.
const resultHashLimit = 1000

// Logger persists audit entries and prunes them past the retention window.
type Logger struct {
	store     store.Store
	bus       *events.Bus
	logger    *slog.Logger
	retention time.Duration
}

// New creates an audit logger. retention <= 0 selects DefaultRetention.
func New(st store.Store, bus *events.Bus, retention time.Duration, logger *slog.Logger) *Logger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		store:     st,
		bus:       bus,
		logger:    logger.With("component", "audit"),
		retention: retention,
	}
}

// LogToolInvocation records an agent invoking a kernel tool.
func (l *Logger) LogToolInvocation(ctx context.Context, pid int, uid, action, target string, args map[string]any, result any) error {
	return l.append(ctx, models.AuditToolInvocation, pid, uid, action, target, args, result, nil)
}

// LogAuthEvent records an authentication or authorization decision.
func (l *Logger) LogAuthEvent(ctx context.Context, uid, action string, metadata map[string]any) error {
	return l.append(ctx, models.AuditAuth, 0, uid, action, "", nil, nil, metadata)
}

// LogAdminAction records an operator or kernel-internal administrative action.
func (l *Logger) LogAdminAction(ctx context.Context, pid int, uid, action, target string, args map[string]any) error {
	return l.append(ctx, models.AuditAdmin, pid, uid, action, target, args, nil, nil)
}

// LogResourceEvent records a quota or resource enforcement decision.
func (l *Logger) LogResourceEvent(ctx context.Context, pid int, action string, metadata map[string]any) error {
	return l.append(ctx, models.AuditResource, pid, "", action, "", nil, nil, metadata)
}

func (l *Logger) append(ctx context.Context, kind models.AuditKind, pid int, uid, action, target string, args map[string]any, result any, metadata map[string]any) error {
	entry := &models.AuditEntry{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		Kind:       kind,
		ActorPID:   pid,
		ActorUID:   uid,
		Action:     action,
		Target:     target,
		Args:       Sanitize(args),
		ResultHash: HashResult(result),
		Metadata:   metadata,
	}
	if err := l.store.InsertAuditEntry(ctx, entry); err != nil {
		l.logger.Error("failed to persist audit entry",
			slog.String("action", action), slog.Any("error", err))
		return fmt.Errorf("failed to persist audit entry: %w", err)
	}
	return nil
}

// Query returns matching entries newest first plus the total match count.
func (l *Logger) Query(ctx context.Context, q models.AuditQuery) ([]*models.AuditEntry, int, error) {
	return l.store.QueryAuditEntries(ctx, q)
}

// Prune removes entries older than the retention window.
func (l *Logger) Prune(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-l.retention)
	pruned, err := l.store.PruneAuditBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit log: %w", err)
	}
	if pruned > 0 {
		l.logger.Info("pruned audit entries", slog.Int64("count", pruned))
	}
	return pruned, nil
}

// Run subscribes to kernel events that must be audited and prunes the log
// once a day. Blocks until ctx is cancelled.
func (l *Logger) Run(ctx context.Context) {
	subs := []struct {
		pattern string
		action  string
		kind    models.AuditKind
	}{
		{events.EventProcessSpawned, "agent.spawn", models.AuditAdmin},
		{events.EventProcessExit, "agent.exit", models.AuditAdmin},
		{events.EventAgentAction, "tool.invocation", models.AuditToolInvocation},
		{events.EventResourceExceeded, "quota.exceeded", models.AuditResource},
		{events.EventWorkspaceCleaned, "workspace.cleanup", models.AuditAdmin},
	}
	for _, s := range subs {
		sub := l.bus.Subscribe(s.pattern, events.DefaultBuffer)
		go l.consume(ctx, sub, s.action, s.kind)
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Prune(ctx); err != nil {
				l.logger.Error("scheduled audit prune failed", slog.Any("error", err))
			}
		}
	}
}

func (l *Logger) consume(ctx context.Context, sub *events.Subscription, action string, kind models.AuditKind) {
	defer l.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			uid, _ := ev.Field("uid").(string)
			if action == "tool.invocation" {
				// agent.action events carry their own tool name.
				if tool, ok := ev.Field("tool").(string); ok && tool != "" {
					_ = l.append(ctx, kind, ev.PID, uid, tool, "", ev.Data, ev.Field("result"), nil)
					continue
				}
			}
			_ = l.append(ctx, kind, ev.PID, uid, action, "", ev.Data, nil, nil)
		}
	}
}

// Sanitize returns a deep copy of args with secret-bearing keys redacted.
func Sanitize(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out, _ := sanitizeValue(args).(map[string]any)
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if _, redact := redactedKeys[strings.ToLower(k)]; redact {
				out[k] = redactedValue
				continue
			}
			out[k] = sanitizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = sanitizeValue(inner)
		}
		return out
	default:
		return v
	}
}

// HashResult returns the hex SHA-256 of the first 1000 characters of the
// stringified result, or "" for nil results.
func HashResult(result any) string {
	if result == nil {
		return ""
	}
	var text string
	switch v := result.(type) {
	case string:
		text = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			text = fmt.Sprintf("%v", v)
		} else {
			text = string(b)
		}
	}
	runes := []rune(text)
	if len(runes) > resultHashLimit {
		runes = runes[:resultHashLimit]
	}
	sum := sha256.Sum256([]byte(string(runes)))
	return hex.EncodeToString(sum[:])
}
