// Package models holds the shared entity types exchanged between the kernel
// managers, the state store, and the API layer.
package models

import "time"

// ProcessState is a process lifecycle state. Allowed transitions:
//
//	created → running → sleeping → stopped | paused → running
//	running|sleeping|stopped|paused → zombie → dead
type ProcessState string

const (
	StateCreated  ProcessState = "created"
	StateRunning  ProcessState = "running"
	StateSleeping ProcessState = "sleeping"
	StateStopped  ProcessState = "stopped"
	StatePaused   ProcessState = "paused"
	StateZombie   ProcessState = "zombie"
	StateDead     ProcessState = "dead"
)

// Terminal reports whether the state releases the process's concurrency slot.
func (s ProcessState) Terminal() bool {
	return s == StateZombie || s == StateDead
}

// ProcessPhase annotates what the agent behind a process is currently doing.
type ProcessPhase string

const (
	PhaseBooting   ProcessPhase = "booting"
	PhaseThinking  ProcessPhase = "thinking"
	PhaseActing    ProcessPhase = "acting"
	PhaseCompleted ProcessPhase = "completed"
	PhaseFailed    ProcessPhase = "failed"
)

// RuntimeKind selects the agent runtime launched for a process.
type RuntimeKind string

const (
	RuntimeBuiltin    RuntimeKind = "builtin"
	RuntimeClaudeCode RuntimeKind = "claude-code"
	RuntimeOpenClaw   RuntimeKind = "openclaw"
)

// Signal is a kernel signal delivered to a process.
type Signal string

const (
	SIGTERM Signal = "SIGTERM"
	SIGKILL Signal = "SIGKILL"
	SIGSTOP Signal = "SIGSTOP"
	SIGCONT Signal = "SIGCONT"
	SIGINT  Signal = "SIGINT"
)

// Exit codes reported for signal-initiated termination.
const (
	ExitCodeSIGTERM = 143
	ExitCodeSIGKILL = 137
)

// Priority bounds. Priority 1 is the highest.
const (
	PriorityHighest = 1
	PriorityDefault = 3
	PriorityLowest  = 5
)

// SpawnConfig is the immutable configuration a process is created with.
type SpawnConfig struct {
	Role     string      `json:"role"`
	Goal     string      `json:"goal"`
	Runtime  RuntimeKind `json:"runtime,omitempty"`
	Model    string      `json:"model,omitempty"`
	Tools    []string    `json:"tools,omitempty"`
	Priority int         `json:"priority,omitempty"`
	MaxSteps int         `json:"max_steps,omitempty"`
}

// ResourceMetrics carries point-in-time OS-level usage for a process.
type ResourceMetrics struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
}

// Process is one row in the kernel process table. PID 0 is reserved for the
// kernel itself; PIDs of live processes are never reused.
type Process struct {
	PID       int               `json:"pid"`
	UID       string            `json:"uid"`
	ParentPID int               `json:"parent_pid"`
	OwnerUID  string            `json:"owner_uid"`
	Config    SpawnConfig       `json:"config"`
	State     ProcessState      `json:"state"`
	Phase     ProcessPhase      `json:"phase"`
	ExitCode  *int              `json:"exit_code,omitempty"`
	WorkDir   string            `json:"work_dir"`
	Env       map[string]string `json:"env,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Metrics   ResourceMetrics   `json:"metrics"`
}

// IPCMessage is one envelope in a process mailbox.
type IPCMessage struct {
	ID        string    `json:"id"`
	FromPID   int       `json:"from_pid"`
	ToPID     int       `json:"to_pid"`
	FromUID   string    `json:"from_uid"`
	ToUID     string    `json:"to_uid"`
	Channel   string    `json:"channel"`
	Payload   any       `json:"payload"`
	SentAt    time.Time `json:"sent_at"`
	Delivered bool      `json:"delivered"`
}

// QueuedSpawn is a spawn request parked until a concurrency slot frees up.
// The wait queue orders by (Priority ASC, EnqueuedAt ASC).
type QueuedSpawn struct {
	Config     SpawnConfig `json:"config"`
	OwnerUID   string      `json:"owner_uid"`
	Priority   int         `json:"priority"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}
