package models

import "time"

// Webhook is an outbound HTTP notification target. Delivery of a matching
// event makes at most RetryCount+1 attempts before the event moves to the DLQ.
type Webhook struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	URL           string            `json:"url"`
	Secret        string            `json:"secret,omitempty"`
	Events        []string          `json:"events"` // glob patterns, see events.MatchPattern
	Filter        map[string]any    `json:"filter,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Enabled       bool              `json:"enabled"`
	RetryCount    int               `json:"retry_count"`
	TimeoutMS     int64             `json:"timeout_ms"`
	FailureCount  int               `json:"failure_count"`
	LastTriggered *time.Time        `json:"last_triggered,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// WebhookLog records a single delivery attempt.
type WebhookLog struct {
	ID         string    `json:"id"`
	WebhookID  string    `json:"webhook_id"`
	EventType  string    `json:"event_type"`
	Payload    string    `json:"payload"`
	StatusCode int       `json:"status_code"`
	Response   string    `json:"response,omitempty"` // truncated to 4096 chars
	DurationMS int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	CreatedAt  time.Time `json:"created_at"`
}

// DLQEntry is an event whose delivery attempts were exhausted without a 2xx.
type DLQEntry struct {
	ID        string     `json:"id"`
	WebhookID string     `json:"webhook_id"`
	EventType string     `json:"event_type"`
	Payload   string     `json:"payload"`
	LastError string     `json:"last_error"`
	Attempts  int        `json:"attempts"`
	CreatedAt time.Time  `json:"created_at"`
	RetriedAt *time.Time `json:"retried_at,omitempty"`
}

// InboundWebhook maps an opaque token to an agent spawn. Only enabled rows
// accept requests; unknown or disabled tokens are answered opaquely.
type InboundWebhook struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Token        string      `json:"token"` // 32 random bytes, hex
	Agent        SpawnConfig `json:"agent"`
	Transform    string      `json:"transform,omitempty"`
	Enabled      bool        `json:"enabled"`
	OwnerUID     string      `json:"owner_uid,omitempty"`
	TriggerCount int         `json:"trigger_count"`
	CreatedAt    time.Time   `json:"created_at"`
}
