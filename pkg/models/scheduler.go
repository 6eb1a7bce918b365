package models

import "time"

// CronJob spawns a pre-configured agent on a five-field cron schedule.
// NextRun stays in the future while the job is enabled.
type CronJob struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Expression string      `json:"expression"`
	Agent      SpawnConfig `json:"agent"`
	OwnerUID   string      `json:"owner_uid,omitempty"`
	Enabled    bool        `json:"enabled"`
	NextRun    time.Time   `json:"next_run"`
	LastRun    *time.Time  `json:"last_run,omitempty"`
	RunCount   int         `json:"run_count"`
	CreatedAt  time.Time   `json:"created_at"`
}

// EventTrigger spawns a pre-configured agent when a matching bus event fires.
// A trigger never fires twice within its cooldown window.
type EventTrigger struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Pattern    string         `json:"pattern"` // exact type or "prefix.*"
	Filter     map[string]any `json:"filter,omitempty"`
	Agent      SpawnConfig    `json:"agent"`
	OwnerUID   string         `json:"owner_uid,omitempty"`
	Enabled    bool           `json:"enabled"`
	CooldownMS int64          `json:"cooldown_ms,omitempty"`
	LastFired  *time.Time     `json:"last_fired,omitempty"`
	FireCount  int            `json:"fire_count"`
	CreatedAt  time.Time      `json:"created_at"`
}
