package models

import "time"

// AuditKind classifies an audit entry.
type AuditKind string

const (
	AuditToolInvocation AuditKind = "tool.invocation"
	AuditAuth           AuditKind = "auth"
	AuditAdmin          AuditKind = "admin"
	AuditResource       AuditKind = "resource"
)

// AuditEntry is one append-only row in the security audit log. Args are
// sanitized before persistence (secret-bearing keys redacted); ResultHash is
// the hex SHA-256 of the first 1000 chars of the stringified result, empty
// for nullish results.
type AuditEntry struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Kind       AuditKind      `json:"event_type"`
	ActorPID   int            `json:"actor_pid"`
	ActorUID   string         `json:"actor_uid,omitempty"`
	Action     string         `json:"action"`
	Target     string         `json:"target,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	ResultHash string         `json:"result_hash,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// AuditQuery filters an audit log listing. Zero values mean "no filter".
type AuditQuery struct {
	PID       int
	Action    string
	Kind      AuditKind
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}
