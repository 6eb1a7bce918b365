package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// shellOutputCap bounds what shell.exec returns from each stream.
const shellOutputCap = 100_000

// defaultShellTimeout applies when a shell.exec step sets no timeout_ms.
const defaultShellTimeout = 30 * time.Second

// registerBuiltins installs the first-class action handlers.
func (e *Executor) registerBuiltins() {
	e.RegisterAction("http.get", e.actionHTTPGet)
	e.RegisterAction("http.post", e.actionHTTPPost)
	e.RegisterAction("llm.complete", e.actionLLMComplete)
	e.RegisterAction("fs.read", e.actionFSRead)
	e.RegisterAction("fs.write", e.actionFSWrite)
	e.RegisterAction("shell.exec", e.actionShellExec)
	e.RegisterAction("transform.json", actionTransformJSON)
	e.RegisterAction("transform.text", actionTransformText)
}

func paramString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required param %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %q must be a string", key)
	}
	return s, nil
}

func (e *Executor) actionHTTPGet(ctx context.Context, params map[string]any) (any, error) {
	url, err := paramString(params, "url")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	applyHeaders(req, params)
	return e.doHTTP(req)
}

func (e *Executor) actionHTTPPost(ctx context.Context, params map[string]any) (any, error) {
	url, err := paramString(params, "url")
	if err != nil {
		return nil, err
	}
	var body []byte
	switch b := params["body"].(type) {
	case nil:
	case string:
		body = []byte(b)
	default:
		body, err = json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	applyHeaders(req, params)
	return e.doHTTP(req)
}

func applyHeaders(req *http.Request, params map[string]any) {
	headers, ok := params["headers"].(map[string]any)
	if !ok {
		return
	}
	for k, v := range headers {
		if s, ok := v.(string); ok {
			req.Header.Set(k, s)
		}
	}
}

func (e *Executor) doHTTP(req *http.Request) (any, error) {
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	result := map[string]any{
		"status": resp.StatusCode,
		"body":   string(body),
	}
	var parsed any
	if json.Unmarshal(body, &parsed) == nil {
		result["json"] = parsed
	}
	return result, nil
}

func (e *Executor) actionLLMComplete(ctx context.Context, params map[string]any) (any, error) {
	if e.llm == nil {
		return nil, fmt.Errorf("no llm provider configured")
	}
	prompt, err := paramString(params, "prompt")
	if err != nil {
		return nil, err
	}
	model, _ := params["model"].(string)
	return e.llm(ctx, prompt, model)
}

func (e *Executor) actionFSRead(_ context.Context, params map[string]any) (any, error) {
	path, err := paramString(params, "path")
	if err != nil {
		return nil, err
	}
	content, _, err := e.fs.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return content, nil
}

func (e *Executor) actionFSWrite(_ context.Context, params map[string]any) (any, error) {
	path, err := paramString(params, "path")
	if err != nil {
		return nil, err
	}
	content, ok := params["content"]
	if !ok {
		return nil, fmt.Errorf("missing required param %q", "content")
	}
	data := Stringify(content)
	if err := e.fs.WriteFile(path, []byte(data)); err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "bytes": len(data)}, nil
}

func (e *Executor) actionShellExec(ctx context.Context, params map[string]any) (any, error) {
	command, err := paramString(params, "command")
	if err != nil {
		return nil, err
	}
	timeout := defaultShellTimeout
	if ms, ok := asFloat(params["timeout_ms"]); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	code := 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if runErr != nil {
		return nil, runErr
	}
	return map[string]any{
		"stdout":    capTail(stdout.String(), shellOutputCap),
		"stderr":    capTail(stderr.String(), shellOutputCap),
		"exit_code": code,
	}, nil
}

func capTail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func actionTransformJSON(_ context.Context, params map[string]any) (any, error) {
	op, err := paramString(params, "op")
	if err != nil {
		return nil, err
	}
	input := params["input"]
	switch op {
	case "identity":
		return input, nil
	case "stringify":
		b, err := json.Marshal(input)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case "parse":
		s, ok := input.(string)
		if !ok {
			return nil, fmt.Errorf("parse requires a string input")
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return out, nil
	case "count":
		switch v := input.(type) {
		case []any:
			return len(v), nil
		case map[string]any:
			return len(v), nil
		case string:
			return len(v), nil
		default:
			return 0, nil
		}
	case "pick":
		obj, ok := input.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("pick requires an object input")
		}
		keys, err := stringList(params["keys"])
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			if v, ok := obj[k]; ok {
				out[k] = v
			}
		}
		return out, nil
	case "pluck":
		list, ok := input.([]any)
		if !ok {
			return nil, fmt.Errorf("pluck requires an array input")
		}
		key, err := paramString(params, "key")
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(list))
		for _, item := range list {
			if obj, ok := item.(map[string]any); ok {
				out = append(out, obj[key])
			}
		}
		return out, nil
	case "filter":
		list, ok := input.([]any)
		if !ok {
			return nil, fmt.Errorf("filter requires an array input")
		}
		key, err := paramString(params, "key")
		if err != nil {
			return nil, err
		}
		want := params["value"]
		out := make([]any, 0, len(list))
		for _, item := range list {
			if obj, ok := item.(map[string]any); ok && obj[key] == want {
				out = append(out, item)
			}
		}
		return out, nil
	case "flatten":
		list, ok := input.([]any)
		if !ok {
			return nil, fmt.Errorf("flatten requires an array input")
		}
		out := make([]any, 0, len(list))
		for _, item := range list {
			if inner, ok := item.([]any); ok {
				out = append(out, inner...)
			} else {
				out = append(out, item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown transform.json op %q", op)
	}
}

func actionTransformText(_ context.Context, params map[string]any) (any, error) {
	op, err := paramString(params, "op")
	if err != nil {
		return nil, err
	}
	if op == "join" {
		list, err := stringList(params["input"])
		if err != nil {
			return nil, fmt.Errorf("join requires an array input: %w", err)
		}
		sep, _ := params["separator"].(string)
		return strings.Join(list, sep), nil
	}

	input := Stringify(params["input"])
	switch op {
	case "uppercase":
		return strings.ToUpper(input), nil
	case "lowercase":
		return strings.ToLower(input), nil
	case "trim":
		return strings.TrimSpace(input), nil
	case "split":
		sep, _ := params["separator"].(string)
		if sep == "" {
			sep = ","
		}
		parts := strings.Split(input, sep)
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	case "replace":
		from, err := paramString(params, "from")
		if err != nil {
			return nil, err
		}
		to, _ := params["to"].(string)
		return strings.ReplaceAll(input, from, to), nil
	case "slice":
		start := 0
		if v, ok := asFloat(params["start"]); ok {
			start = int(v)
		}
		end := len(input)
		if v, ok := asFloat(params["end"]); ok && int(v) < end {
			end = int(v)
		}
		if start < 0 || start > end {
			return "", nil
		}
		return input[start:end], nil
	case "lines":
		raw := strings.Split(strings.ReplaceAll(input, "\r\n", "\n"), "\n")
		out := make([]any, 0, len(raw))
		for _, line := range raw {
			if line != "" {
				out = append(out, line)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown transform.text op %q", op)
	}
}

func stringList(v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, Stringify(item))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
}

// ActionNames returns the registered action names sorted.
func (e *Executor) ActionNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.actions))
	for name := range e.actions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
