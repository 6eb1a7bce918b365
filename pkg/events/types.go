// Package events provides the in-process kernel event bus.
//
// Every state change inside the kernel is published here as an Event and
// fanned out to subscribers: the scheduler (event triggers), the webhook
// engine (outbound delivery), the audit log, the Slack notifier, and the
// API layer (SSE + WebSocket fan-out).
//
// Subscriptions are pattern-based:
//
//	"process.spawned"  exact event type
//	"process.*"        any event under the "process." prefix
//	"*"                every event
//
// Delivery contract: events from a single publisher reach each subscriber
// in publish order; events from different publishers may interleave. A
// subscriber that falls behind loses its oldest buffered events, never the
// publisher's liveness.
package events

import "time"

// Process lifecycle events.
const (
	EventProcessSpawned = "process.spawned"
	EventProcessState   = "process.state"
	EventProcessExit    = "process.exit"
	EventProcessSignal  = "process.signal"
	EventProcessQueued  = "process.queued"
)

// IPC events.
const (
	EventIPCMessage   = "ipc.message"
	EventIPCDelivered = "ipc.delivered"
)

// Subprocess supervisor events.
const (
	EventSubprocessOutput = "subprocess.output"
	EventSubprocessExited = "subprocess.exited"
	EventAgentLog         = "agent.log"
	EventAgentAction      = "agent.action"
)

// Resource governor events.
const (
	EventResourceUsage    = "resource.usage"
	EventResourceExceeded = "resource.exceeded"
)

// Scheduler events.
const (
	EventCronFired    = "cron.fired"
	EventTriggerFired = "trigger.fired"
)

// Webhook engine events. The "webhook." namespace is excluded from outbound
// webhook matching to avoid delivery loops.
const (
	EventWebhookDelivery         = "webhook.delivery"
	EventWebhookFired            = "webhook.fired"
	EventWebhookFailed           = "webhook.failed"
	EventWebhookInboundTriggered = "webhook.inbound.triggered"
)

// Skill executor events.
const (
	EventSkillExecuted = "skill.executed"
	EventSkillFailed   = "skill.failed"
)

// Workspace / filesystem events.
const (
	EventWorkspaceCleaned = "workspace.cleaned"
)

// Kernel and client-protocol events.
const (
	EventKernelReady   = "kernel.ready"
	EventProcessList   = "process.list"
	EventResponseOK    = "response.ok"
	EventResponseError = "response.error"
)

// Event is the envelope carried on the bus. Type is the routing key;
// Data holds the event-family-specific payload.
type Event struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Time time.Time      `json:"timestamp"`
	PID  int            `json:"pid,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Field returns a payload field, or nil when absent.
func (e Event) Field(key string) any {
	if e.Data == nil {
		return nil
	}
	return e.Data[key]
}
