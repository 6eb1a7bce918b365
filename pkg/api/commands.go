package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aether-os/aether/pkg/events"
	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/process"
)

// dispatchCommand routes a WebSocket command to the same kernel operations
// the REST handlers call. The returned event type is response.ok for
// everything except process listings, which reply as process.list.
func (s *Server) dispatchCommand(ctx context.Context, cmd Command) (string, any, error) {
	switch cmd.Op {
	case "spawn":
		var req SpawnRequest
		if err := unmarshalParams(cmd.Params, &req); err != nil {
			return "", nil, err
		}
		if req.Role == "" || req.Goal == "" {
			return "", nil, errors.New("role and goal are required")
		}
		p, err := s.manager.Spawn(ctx, models.SpawnConfig{
			Role:     req.Role,
			Goal:     req.Goal,
			Runtime:  models.RuntimeKind(req.Runtime),
			Model:    req.Model,
			Tools:    req.Tools,
			Priority: req.Priority,
			MaxSteps: req.MaxSteps,
		}, "ws-client", 0)
		if err != nil {
			var queued *process.QueuedError
			if errors.As(err, &queued) {
				return events.EventResponseOK, queuedResponse(queued.Position), nil
			}
			return "", nil, err
		}
		return events.EventResponseOK, p, nil

	case "signal":
		var req struct {
			PID    int    `json:"pid"`
			Signal string `json:"signal"`
		}
		if err := unmarshalParams(cmd.Params, &req); err != nil {
			return "", nil, err
		}
		sig := models.Signal(req.Signal)
		if !knownSignals[sig] {
			return "", nil, fmt.Errorf("unknown signal %s", req.Signal)
		}
		if !s.manager.Signal(req.PID, sig) {
			return "", nil, fmt.Errorf("no process with pid %d", req.PID)
		}
		return events.EventResponseOK, map[string]any{"pid": req.PID, "signal": sig}, nil

	case "message":
		var req struct {
			FromPID int    `json:"from_pid"`
			ToPID   int    `json:"to_pid"`
			Channel string `json:"channel"`
			Payload any    `json:"payload"`
		}
		if err := unmarshalParams(cmd.Params, &req); err != nil {
			return "", nil, err
		}
		msg, err := s.manager.SendMessage(req.FromPID, req.ToPID, req.Channel, req.Payload)
		if err != nil {
			return "", nil, err
		}
		return events.EventResponseOK, msg, nil

	case "list":
		return events.EventProcessList, s.manager.List(), nil

	case "execute_skill":
		var req struct {
			SkillID string         `json:"skill_id"`
			Inputs  map[string]any `json:"inputs"`
			PID     int            `json:"pid"`
		}
		if err := unmarshalParams(cmd.Params, &req); err != nil {
			return "", nil, err
		}
		result, err := s.skills.Execute(ctx, req.SkillID, req.Inputs, req.PID)
		if err != nil {
			return "", nil, err
		}
		return events.EventResponseOK, result, nil

	case "ping":
		return events.EventResponseOK, map[string]any{"pong": true}, nil

	default:
		return "", nil, fmt.Errorf("unknown op %q", cmd.Op)
	}
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
