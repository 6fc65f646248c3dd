package domain

import (
	"context"
	"time"
)

type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

type AuditEntry struct {
	ID         int64          `json:"id"`
	UserID     int64          `json:"user_id"`
	InstanceID *int64         `json:"instance_id,omitempty"`
	Action     string         `json:"action"` // send_blocked | send_text | create_instance | ...
	Details    map[string]any `json:"details,omitempty"`
	Severity   Severity       `json:"severity"`
	ActorType  string         `json:"actor_type"`
	AuthType   string         `json:"auth_type"`
	CreatedAt  time.Time      `json:"created_at"`
}

// AuditLogger records entries and never fails the caller.
type AuditLogger interface {
	Log(ctx context.Context, entry AuditEntry)
}

type AuditStore interface {
	InsertAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
}
