// Package skills runs declarative step pipelines: ordered actions with
// template interpolation over the accumulated scope of inputs and previous
// step outputs.
package skills

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aether-os/aether/pkg/events"
	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/store"
	"github.com/aether-os/aether/pkg/vfs"
)

// ActionFunc handles one step action. Params arrive fully interpolated.
type ActionFunc func(ctx context.Context, params map[string]any) (any, error)

// CompletionFunc produces an LLM completion for llm.complete steps.
type CompletionFunc func(ctx context.Context, prompt, model string) (string, error)

// Executor registers skills and runs them.
type Executor struct {
	mu      sync.RWMutex
	skills  map[string]*models.Skill
	actions map[string]ActionFunc

	store      store.Store
	fs         *vfs.FS
	bus        *events.Bus
	llm        CompletionFunc
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLLM plugs in the completion provider behind llm.complete.
func WithLLM(fn CompletionFunc) Option {
	return func(e *Executor) { e.llm = fn }
}

// WithHTTPClient overrides the client used by http.* actions.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.httpClient = c }
}

// NewExecutor creates a skill executor with the built-in actions installed.
func NewExecutor(st store.Store, fs *vfs.FS, bus *events.Bus, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		skills:     make(map[string]*models.Skill),
		actions:    make(map[string]ActionFunc),
		store:      st,
		fs:         fs,
		bus:        bus,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "skills"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.registerBuiltins()
	return e
}

// RegisterAction installs or replaces an action handler.
func (e *Executor) RegisterAction(name string, fn ActionFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions[name] = fn
}

// Register validates a skill, persists it, and indexes it by id.
func (e *Executor) Register(ctx context.Context, skill *models.Skill) error {
	if err := Validate(skill); err != nil {
		return err
	}
	now := time.Now().UTC()
	if skill.CreatedAt.IsZero() {
		skill.CreatedAt = now
	}
	skill.UpdatedAt = now
	if e.store != nil {
		if err := e.store.UpsertSkill(ctx, skill); err != nil {
			return fmt.Errorf("failed to persist skill %s: %w", skill.ID, err)
		}
	}
	e.mu.Lock()
	e.skills[skill.ID] = skill
	e.mu.Unlock()
	e.logger.Info("skill registered",
		slog.String("id", skill.ID), slog.String("version", skill.Version))
	return nil
}

// Unregister removes a skill from the index and the store.
func (e *Executor) Unregister(ctx context.Context, id string) error {
	e.mu.Lock()
	_, ok := e.skills[id]
	delete(e.skills, id)
	e.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	if e.store != nil {
		return e.store.DeleteSkill(ctx, id)
	}
	return nil
}

// Hydrate loads persisted skills into the in-memory index.
func (e *Executor) Hydrate(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	rows, err := e.store.ListSkills(ctx)
	if err != nil {
		return fmt.Errorf("failed to hydrate skills: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range rows {
		e.skills[s.ID] = s
	}
	return nil
}

// Get returns a registered skill, or nil.
func (e *Executor) Get(id string) *models.Skill {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.skills[id]
}

// List returns all registered skills.
func (e *Executor) List() []*models.Skill {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*models.Skill, 0, len(e.skills))
	for _, s := range e.skills {
		out = append(out, s)
	}
	return out
}

// Validate checks the structural invariants of a skill definition.
func Validate(skill *models.Skill) error {
	if skill.ID == "" || skill.Name == "" || skill.Version == "" {
		return fmt.Errorf("skill id, name, and version are required")
	}
	if len(skill.Steps) == 0 {
		return fmt.Errorf("skill %s has no steps", skill.ID)
	}
	if skill.Output == nil || skill.Output == "" {
		return fmt.Errorf("skill %s has no output template", skill.ID)
	}
	seen := make(map[string]struct{}, len(skill.Steps))
	for _, step := range skill.Steps {
		if step.ID == "" || step.Action == "" {
			return fmt.Errorf("skill %s has a step without id or action", skill.ID)
		}
		if _, dup := seen[step.ID]; dup {
			return fmt.Errorf("skill %s has duplicate step id %s", skill.ID, step.ID)
		}
		seen[step.ID] = struct{}{}
	}
	return nil
}

// Execute runs a skill to completion or its first failure. pid attributes
// the execution in emitted events; 0 means the kernel itself.
func (e *Executor) Execute(ctx context.Context, skillID string, inputs map[string]any, pid int) (*models.SkillResult, error) {
	e.mu.RLock()
	skill, ok := e.skills[skillID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("skill %s: %w", skillID, store.ErrNotFound)
	}

	resolved, err := resolveInputs(skill, inputs)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	scope := map[string]any{
		"inputs": resolved,
		"steps":  map[string]any{},
	}
	stepOutputs := scope["steps"].(map[string]any)
	result := &models.SkillResult{SkillID: skillID, Success: true}

	for _, step := range skill.Steps {
		stepResult := e.runStep(ctx, step, scope)
		result.Steps = append(result.Steps, stepResult)
		if stepResult.Error != "" {
			result.Success = false
			result.Error = fmt.Sprintf("step %s (%s) failed: %s", step.ID, step.Action, stepResult.Error)
			break
		}
		stepOutputs[step.ID] = stepResult.Output
	}

	if result.Success {
		result.Output = Interpolate(skill.Output, scope)
	}
	result.DurationMS = time.Since(start).Milliseconds()

	eventType := events.EventSkillExecuted
	if !result.Success {
		eventType = events.EventSkillFailed
	}
	e.bus.Emit(eventType, pid, map[string]any{
		"skill_id":    skillID,
		"success":     result.Success,
		"steps":       len(result.Steps),
		"duration_ms": result.DurationMS,
	})
	return result, nil
}

func (e *Executor) runStep(ctx context.Context, step models.SkillStep, scope map[string]any) models.StepResult {
	start := time.Now()
	sr := models.StepResult{StepID: step.ID, Action: step.Action}

	if step.Condition != "" {
		cond := Interpolate(step.Condition, scope)
		if isFalsy(cond) {
			sr.Skipped = true
			sr.DurationMS = time.Since(start).Milliseconds()
			return sr
		}
	}

	e.mu.RLock()
	handler, ok := e.actions[step.Action]
	e.mu.RUnlock()
	if !ok {
		sr.Error = fmt.Sprintf("unknown action %q", step.Action)
		sr.DurationMS = time.Since(start).Milliseconds()
		return sr
	}

	params, _ := Interpolate(step.Params, scope).(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	output, err := handler(ctx, params)
	if err != nil {
		sr.Error = err.Error()
	} else {
		sr.Output = output
	}
	sr.DurationMS = time.Since(start).Milliseconds()
	return sr
}

// resolveInputs applies defaults, rejects missing required inputs, and
// passes extras through untouched.
func resolveInputs(skill *models.Skill, inputs map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(inputs))
	for k, v := range inputs {
		resolved[k] = v
	}
	for name, decl := range skill.Inputs {
		if _, ok := resolved[name]; ok {
			continue
		}
		if decl.Default != nil {
			resolved[name] = decl.Default
			continue
		}
		if decl.Required {
			return nil, fmt.Errorf("missing required input %q", name)
		}
	}
	return resolved, nil
}
