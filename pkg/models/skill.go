package models

import "time"

// SkillInput describes one declared input of a skill.
type SkillInput struct {
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// SkillStep is one step of a declarative pipeline. Params may contain
// {{path}} template expressions resolved against {inputs, steps}.
type SkillStep struct {
	ID        string         `json:"id" yaml:"id"`
	Action    string         `json:"action" yaml:"action"`
	Params    map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Condition string         `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Skill is a declarative multi-step pipeline definition.
type Skill struct {
	ID          string                `json:"id" yaml:"id"`
	Name        string                `json:"name" yaml:"name"`
	Version     string                `json:"version" yaml:"version"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs      map[string]SkillInput `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Steps       []SkillStep           `json:"steps" yaml:"steps"`
	Output      any                   `json:"output" yaml:"output"`
	CreatedAt   time.Time             `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt   time.Time             `json:"updated_at,omitempty" yaml:"-"`
}

// StepResult records one executed (or skipped) step.
type StepResult struct {
	StepID     string `json:"step_id"`
	Action     string `json:"action"`
	Output     any    `json:"output"`
	Skipped    bool   `json:"skipped,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// SkillResult is the outcome of one skill execution. On the first failing
// step, execution halts: Steps still contains the partial results including
// the failing one.
type SkillResult struct {
	SkillID    string       `json:"skill_id"`
	Success    bool         `json:"success"`
	Output     any          `json:"output,omitempty"`
	Error      string       `json:"error,omitempty"`
	Steps      []StepResult `json:"steps"`
	DurationMS int64        `json:"duration_ms"`
}
