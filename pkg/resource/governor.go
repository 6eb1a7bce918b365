// Package resource implements the resource governor: per-process token,
// step, and wall-clock accounting with quota enforcement by pre-emption.
package resource

import (
	"log/slog"
	"sync"
	"time"

	"github.com/aether-os/aether/pkg/events"
	"github.com/aether-os/aether/pkg/models"
)

// Session defaults applied when no per-PID override is set.
const (
	DefaultMaxTokensPerSession int64 = 500_000
	DefaultMaxTokensPerDay     int64 = 2_000_000
	DefaultMaxSteps            int   = 200
	DefaultMaxWallClockMS      int64 = 3_600_000
)

// runawayFactor marks a process as runaway when usage exceeds quota by 20 %.
const runawayFactor = 1.2

// Rate prices tokens for one provider, USD per million tokens.
type Rate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

var providerRates = map[string]Rate{
	"anthropic": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"openai":    {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"google":    {InputPerMTok: 1.25, OutputPerMTok: 5.00},
}

var defaultRate = Rate{InputPerMTok: 5.00, OutputPerMTok: 15.00}

// Signaler delivers a signal to a process; wired to the process manager.
type Signaler func(pid int, sig models.Signal) error

// Governor keeps rolling usage counters per PID and enforces quotas.
type Governor struct {
	mu     sync.Mutex
	usage  map[int]*models.ResourceUsage
	quotas map[int]models.Quota

	bus    *events.Bus
	signal Signaler
	logger *slog.Logger
}

// NewGovernor creates a governor publishing on bus and pre-empting over-quota
// processes through signal.
func NewGovernor(bus *events.Bus, signal Signaler, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		usage:  make(map[int]*models.ResourceUsage),
		quotas: make(map[int]models.Quota),
		bus:    bus,
		signal: signal,
		logger: logger.With("component", "resource"),
	}
}

// Track starts accounting for a PID. Idempotent.
func (g *Governor) Track(pid int, provider string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.usage[pid]; ok {
		return
	}
	g.usage[pid] = &models.ResourceUsage{
		PID:       pid,
		StartedAt: time.Now().UTC(),
		Provider:  provider,
	}
}

// Release drops all accounting for a reaped PID.
func (g *Governor) Release(pid int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.usage, pid)
	delete(g.quotas, pid)
}

// RecordTokenUsage adds one step's token usage, recomputes cost, publishes
// resource.usage, and enforces the quota. Over-quota processes receive
// SIGTERM and a resource.exceeded event.
func (g *Governor) RecordTokenUsage(pid int, inputTokens, outputTokens int64) models.ResourceUsage {
	g.mu.Lock()
	u, ok := g.usage[pid]
	if !ok {
		u = &models.ResourceUsage{PID: pid, StartedAt: time.Now().UTC()}
		g.usage[pid] = u
	}
	u.InputTokens += inputTokens
	u.OutputTokens += outputTokens
	u.Steps++
	u.EstimatedCost = estimateCost(u.Provider, u.InputTokens, u.OutputTokens)
	snapshot := *u
	check := g.checkLocked(pid, u)
	g.mu.Unlock()

	g.bus.Emit(events.EventResourceUsage, pid, map[string]any{
		"input_tokens":  snapshot.InputTokens,
		"output_tokens": snapshot.OutputTokens,
		"delta_input":   inputTokens,
		"delta_output":  outputTokens,
		"steps":         snapshot.Steps,
		"cost_usd":      snapshot.EstimatedCost,
		"provider":      snapshot.Provider,
	})

	if !check.Allowed {
		g.logger.Warn("quota exceeded, pre-empting process",
			slog.Int("pid", pid), slog.String("reason", check.Reason))
		g.bus.Emit(events.EventResourceExceeded, pid, map[string]any{
			"reason": check.Reason,
		})
		if g.signal != nil {
			if err := g.signal(pid, models.SIGTERM); err != nil {
				g.logger.Error("failed to pre-empt process",
					slog.Int("pid", pid), slog.Any("error", err))
			}
		}
	}
	return snapshot
}

// CheckQuota evaluates a PID against its effective quota.
func (g *Governor) CheckQuota(pid int) models.QuotaCheck {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.usage[pid]
	if !ok {
		return models.QuotaCheck{Allowed: true}
	}
	return g.checkLocked(pid, u)
}

func (g *Governor) checkLocked(pid int, u *models.ResourceUsage) models.QuotaCheck {
	q := g.effectiveLocked(pid)
	total := u.InputTokens + u.OutputTokens
	if total > *q.MaxTokensPerSession {
		return models.QuotaCheck{Allowed: false, Reason: "Session token limit exceeded"}
	}
	if u.Steps > *q.MaxSteps {
		return models.QuotaCheck{Allowed: false, Reason: "Step limit exceeded"}
	}
	if elapsed := time.Since(u.StartedAt).Milliseconds(); elapsed > *q.MaxWallClockMS {
		return models.QuotaCheck{Allowed: false, Reason: "Wall clock limit exceeded"}
	}
	return models.QuotaCheck{Allowed: true}
}

// SetQuota installs a partial per-PID override; nil fields keep defaults.
func (g *Governor) SetQuota(pid int, q models.Quota) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quotas[pid] = q
}

// EffectiveQuota returns the quota with defaults filled in for unset fields.
func (g *Governor) EffectiveQuota(pid int) models.Quota {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.effectiveLocked(pid)
}

func (g *Governor) effectiveLocked(pid int) models.Quota {
	q := g.quotas[pid]
	if q.MaxTokensPerSession == nil {
		v := DefaultMaxTokensPerSession
		q.MaxTokensPerSession = &v
	}
	if q.MaxTokensPerDay == nil {
		v := DefaultMaxTokensPerDay
		q.MaxTokensPerDay = &v
	}
	if q.MaxSteps == nil {
		v := DefaultMaxSteps
		q.MaxSteps = &v
	}
	if q.MaxWallClockMS == nil {
		v := DefaultMaxWallClockMS
		q.MaxWallClockMS = &v
	}
	return q
}

// Usage returns a snapshot of one PID's counters, or nil if untracked.
func (g *Governor) Usage(pid int) *models.ResourceUsage {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.usage[pid]
	if !ok {
		return nil
	}
	snapshot := *u
	return &snapshot
}

// AllUsage returns snapshots for every tracked PID.
func (g *Governor) AllUsage() []models.ResourceUsage {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.ResourceUsage, 0, len(g.usage))
	for _, u := range g.usage {
		out = append(out, *u)
	}
	return out
}

// IsRunaway reports whether a PID has blown past its quota by more than 20 %
// on either tokens or steps. Diagnostic only, never enforced.
func (g *Governor) IsRunaway(pid int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.usage[pid]
	if !ok {
		return false
	}
	q := g.effectiveLocked(pid)
	total := float64(u.InputTokens + u.OutputTokens)
	if total > float64(*q.MaxTokensPerSession)*runawayFactor {
		return true
	}
	return float64(u.Steps) > float64(*q.MaxSteps)*runawayFactor
}

func estimateCost(provider string, inputTokens, outputTokens int64) float64 {
	rate, ok := providerRates[provider]
	if !ok {
		rate = defaultRate
	}
	return float64(inputTokens)/1e6*rate.InputPerMTok +
		float64(outputTokens)/1e6*rate.OutputPerMTok
}
