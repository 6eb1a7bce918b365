// Package supervisor launches and babysits external agent runtimes. Each
// supervised child gets capped stdout/stderr buffers, signal forwarding, and
// runtime config files materialized into its working directory.
package supervisor

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/aether-os/aether/pkg/events"
	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/vfs"
)

// ErrNotSupervised is returned for operations on a PID without a child.
var ErrNotSupervised = errors.New("no supervised subprocess for pid")

// Info describes one supervised child.
type Info struct {
	PID       int                `json:"pid"`
	OSPID     int                `json:"os_pid"`
	Runtime   models.RuntimeKind `json:"runtime"`
	StartedAt time.Time          `json:"started_at"`
}

type child struct {
	Info
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *outputBuffer
	stderr *outputBuffer
	done   chan struct{}
}

// ExitFunc is invoked when a child exits, before its record is removed.
type ExitFunc func(pid int, code int)

// Supervisor manages external runtime children keyed by kernel PID.
type Supervisor struct {
	mu       sync.Mutex
	children map[int]*child

	fs          *vfs.FS
	bus         *events.Bus
	logger      *slog.Logger
	bufferMax   int
	mcpEndpoint string
	commands    map[models.RuntimeKind][]string

	// OnExit is wired to the process manager so child death propagates.
	OnExit ExitFunc
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithBufferMax overrides the per-stream output cap.
func WithBufferMax(max int) Option {
	return func(s *Supervisor) { s.bufferMax = max }
}

// WithCommand sets the launch command for a runtime kind. The agent goal is
// appended as the final argument.
func WithCommand(kind models.RuntimeKind, argv ...string) Option {
	return func(s *Supervisor) { s.commands[kind] = argv }
}

// New creates a supervisor. mcpEndpoint is advertised to children through
// the capability manifest.
func New(fs *vfs.FS, bus *events.Bus, mcpEndpoint string, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		children:    make(map[int]*child),
		fs:          fs,
		bus:         bus,
		logger:      logger.With("component", "supervisor"),
		bufferMax:   DefaultBufferMax,
		mcpEndpoint: mcpEndpoint,
		commands: map[models.RuntimeKind][]string{
			models.RuntimeClaudeCode: {"claude", "--print"},
			models.RuntimeOpenClaw:   {"openclaw", "run"},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the runtime for a process inside its working directory.
func (s *Supervisor) Start(p models.Process) (*Info, error) {
	argv, ok := s.commands[p.Config.Runtime]
	if !ok || len(argv) == 0 {
		return nil, fmt.Errorf("no launch command for runtime %q", p.Config.Runtime)
	}

	if err := s.fs.Mkdir(p.WorkDir, true); err != nil {
		return nil, fmt.Errorf("failed to prepare working directory: %w", err)
	}
	if err := s.materialize(p); err != nil {
		return nil, err
	}

	args := append(append([]string(nil), argv[1:]...), p.Config.Goal)
	cmd := exec.Command(argv[0], args...)
	cmd.Dir = filepath.Join(s.fs.Root(), filepath.FromSlash(p.WorkDir))
	cmd.Env = flattenEnv(p.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to launch %s runtime: %w", p.Config.Runtime, err)
	}

	c := &child{
		Info: Info{
			PID:       p.PID,
			OSPID:     cmd.Process.Pid,
			Runtime:   p.Config.Runtime,
			StartedAt: time.Now().UTC(),
		},
		cmd:    cmd,
		stdin:  stdin,
		stdout: newOutputBuffer(s.bufferMax),
		stderr: newOutputBuffer(s.bufferMax),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.children[p.PID] = c
	s.mu.Unlock()

	s.logger.Info("subprocess started",
		slog.Int("pid", p.PID),
		slog.Int("os_pid", c.OSPID),
		slog.String("runtime", string(p.Config.Runtime)))

	go s.pump(p.PID, "stdout", stdout, c.stdout)
	go s.pump(p.PID, "stderr", stderr, c.stderr)
	go s.wait(c)

	info := c.Info
	return &info, nil
}

// materialize writes the role briefing and the machine-readable capability
// manifest into the agent's working directory.
func (s *Supervisor) materialize(p models.Process) error {
	briefing := fmt.Sprintf("# Agent Briefing\n\nRole: %s\n\nGoal: %s\n\nYour tools are exposed over MCP at %s.\n",
		p.Config.Role, p.Config.Goal, s.mcpEndpoint)
	if err := s.fs.WriteFile(p.WorkDir+"/AGENT.md", []byte(briefing)); err != nil {
		return fmt.Errorf("failed to write briefing: %w", err)
	}

	manifest, err := json.MarshalIndent(map[string]any{
		"uid":          p.UID,
		"pid":          p.PID,
		"mcp_endpoint": s.mcpEndpoint,
		"tools":        p.Config.Tools,
		"model":        p.Config.Model,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := s.fs.WriteFile(p.WorkDir+"/.aether/manifest.json", manifest); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// pump copies one output stream into its buffer and onto the bus.
func (s *Supervisor) pump(pid int, stream string, r io.Reader, buf *outputBuffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.Append([]byte(line + "\n"))
		s.bus.Emit(events.EventSubprocessOutput, pid, map[string]any{
			"stream": stream,
			"chunk":  line,
		})
		s.bus.Emit(events.EventAgentLog, pid, map[string]any{
			"role":    "observation",
			"message": line,
		})
	}
}

// wait reaps the OS child and publishes subprocess.exited.
func (s *Supervisor) wait(c *child) {
	err := c.cmd.Wait()
	code := 0
	signal := ""
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				signal = ws.Signal().String()
			}
		} else {
			code = -1
		}
	}

	s.mu.Lock()
	delete(s.children, c.PID)
	s.mu.Unlock()
	close(c.done)

	s.logger.Info("subprocess exited",
		slog.Int("pid", c.PID), slog.Int("code", code), slog.String("signal", signal))
	s.bus.Emit(events.EventSubprocessExited, c.PID, map[string]any{
		"code":   code,
		"signal": signal,
	})
	if s.OnExit != nil {
		s.OnExit(c.PID, code)
	}
}

// Stop sends SIGTERM and blocks until the child has exited.
func (s *Supervisor) Stop(pid int) error {
	s.mu.Lock()
	c, ok := s.children[pid]
	s.mu.Unlock()
	if !ok {
		return ErrNotSupervised
	}
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal subprocess: %w", err)
	}
	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		_ = c.cmd.Process.Kill()
		<-c.done
		return nil
	}
}

// Pause delivers SIGSTOP. No-op on non-POSIX platforms.
func (s *Supervisor) Pause(pid int) error {
	return s.forward(pid, syscall.SIGSTOP)
}

// Resume delivers SIGCONT. No-op on non-POSIX platforms.
func (s *Supervisor) Resume(pid int) error {
	return s.forward(pid, syscall.SIGCONT)
}

func (s *Supervisor) forward(pid int, sig syscall.Signal) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	s.mu.Lock()
	c, ok := s.children[pid]
	s.mu.Unlock()
	if !ok {
		return ErrNotSupervised
	}
	return c.cmd.Process.Signal(sig)
}

// SendInput writes text plus a newline to the child's stdin.
func (s *Supervisor) SendInput(pid int, text string) error {
	s.mu.Lock()
	c, ok := s.children[pid]
	s.mu.Unlock()
	if !ok {
		return ErrNotSupervised
	}
	_, err := io.WriteString(c.stdin, text+"\n")
	return err
}

// Output returns the current stdout and stderr buffers.
func (s *Supervisor) Output(pid int) (stdout, stderr string, err error) {
	s.mu.Lock()
	c, ok := s.children[pid]
	s.mu.Unlock()
	if !ok {
		return "", "", ErrNotSupervised
	}
	return c.stdout.String(), c.stderr.String(), nil
}

// Get returns the child info for a PID, or nil.
func (s *Supervisor) Get(pid int) *Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[pid]
	if !ok {
		return nil
	}
	info := c.Info
	return &info
}

// List returns all supervised children.
func (s *Supervisor) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, c.Info)
	}
	return out
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
