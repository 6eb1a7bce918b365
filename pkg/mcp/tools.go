package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/process"
)

func (s *Server) registerTools() {
	s.srv.AddTool(&mcpsdk.Tool{
		Name:        "aether_spawn",
		Description: "Spawn a child agent process. Returns the new PID, or the queue position when the kernel is at capacity.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"role": {"type": "string", "description": "Short role name for the agent"},
				"goal": {"type": "string", "description": "What the agent should accomplish"},
				"runtime": {"type": "string", "description": "Runtime kind, e.g. claude-code or builtin"},
				"model": {"type": "string"},
				"priority": {"type": "integer", "minimum": 1, "maximum": 5},
				"parent_pid": {"type": "integer", "description": "PID of the calling agent"}
			},
			"required": ["role", "goal"]
		}`),
	}, s.handleSpawn)

	s.srv.AddTool(&mcpsdk.Tool{
		Name:        "aether_send_message",
		Description: "Send an IPC message to another process mailbox. The target may be a PID or a UID.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"from_pid": {"type": "integer", "description": "PID of the calling agent"},
				"to": {"description": "Target PID (number) or UID (string)"},
				"channel": {"type": "string"},
				"payload": {"description": "Arbitrary JSON payload"}
			},
			"required": ["from_pid", "to", "payload"]
		}`),
	}, s.handleSendMessage)

	s.srv.AddTool(&mcpsdk.Tool{
		Name:        "aether_read_file",
		Description: "Read a file from the shared virtual filesystem.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Virtual path, e.g. /shared/notes.md"}
			},
			"required": ["path"]
		}`),
	}, s.handleReadFile)

	s.srv.AddTool(&mcpsdk.Tool{
		Name:        "aether_write_file",
		Description: "Write a file in the shared virtual filesystem, creating parent directories as needed.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"},
				"content": {"type": "string"}
			},
			"required": ["path", "content"]
		}`),
	}, s.handleWriteFile)

	s.srv.AddTool(&mcpsdk.Tool{
		Name:        "aether_list_processes",
		Description: "List all processes in the kernel process table.",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	}, s.handleListProcesses)
}

func (s *Server) handleSpawn(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Role      string `json:"role"`
		Goal      string `json:"goal"`
		Runtime   string `json:"runtime"`
		Model     string `json:"model"`
		Priority  int    `json:"priority"`
		ParentPID int    `json:"parent_pid"`
	}
	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error()), nil
	}
	cfg := models.SpawnConfig{
		Role:     args.Role,
		Goal:     args.Goal,
		Runtime:  models.RuntimeKind(args.Runtime),
		Model:    args.Model,
		Priority: args.Priority,
	}
	owner := "kernel"
	if parent := s.manager.Get(args.ParentPID); parent != nil {
		owner = parent.UID
	}
	p, err := s.manager.Spawn(ctx, cfg, owner, args.ParentPID)
	if err != nil {
		var queued *process.QueuedError
		if errors.As(err, &queued) {
			return jsonResult(map[string]any{
				"queued":   true,
				"position": queued.Position,
			})
		}
		return errorResult(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"pid":   p.PID,
		"uid":   p.UID,
		"state": p.State,
	})
}

func (s *Server) handleSendMessage(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		FromPID int    `json:"from_pid"`
		To      any    `json:"to"`
		Channel string `json:"channel"`
		Payload any    `json:"payload"`
	}
	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error()), nil
	}
	toPID, err := s.resolveTarget(args.To)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	msg, err := s.manager.SendMessage(args.FromPID, toPID, args.Channel, args.Payload)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"message_id": msg.ID,
		"to_pid":     msg.ToPID,
		"to_uid":     msg.ToUID,
	})
}

// resolveTarget accepts a PID as a JSON number or a UID as a string.
func (s *Server) resolveTarget(to any) (int, error) {
	switch v := to.(type) {
	case float64:
		return int(v), nil
	case string:
		p := s.manager.GetByUID(v)
		if p == nil {
			return 0, fmt.Errorf("no process with uid %q", v)
		}
		return p.PID, nil
	default:
		return 0, fmt.Errorf("target must be a PID or a UID, got %T", to)
	}
}

func (s *Server) handleReadFile(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error()), nil
	}
	content, _, err := s.fs.ReadFile(args.Path)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(content), nil
}

func (s *Server) handleWriteFile(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error()), nil
	}
	if err := s.fs.WriteFile(args.Path, []byte(args.Content)); err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult("written " + args.Path), nil
}

func (s *Server) handleListProcesses(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	return jsonResult(s.manager.List())
}

func textResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}

func errorResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
		IsError: true,
	}
}

func jsonResult(v any) (*mcpsdk.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return textResult(string(data)), nil
}
