package domain

import (
	"context"
	"time"
)

type ContactSource string

const (
	SourceManual  ContactSource = "manual"
	SourceAuto    ContactSource = "auto"
	SourceInbound ContactSource = "inbound"
	SourceImport  ContactSource = "import"
)

// Contact is keyed by its bare numeric phone.
type Contact struct {
	ID            int64         `json:"id"`
	Name          string        `json:"name"`
	Phone         string        `json:"phone"`
	Email         string        `json:"email,omitempty"`
	Tags          string        `json:"tags,omitempty"`
	Notes         string        `json:"notes,omitempty"`
	Source        ContactSource `json:"source"`
	Suppressed    bool          `json:"suppressed"`
	LastInboundAt *time.Time    `json:"last_inbound_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

type ContactStore interface {
	GetContact(ctx context.Context, phone string) (*Contact, error)
	ListContacts(ctx context.Context, limit int) ([]Contact, error)
	// TouchInbound upserts the contact and sets last_inbound_at.
	TouchInbound(ctx context.Context, phone string, at time.Time) error
	// EnsureContact creates the contact if missing; created reports whether it did.
	EnsureContact(ctx context.Context, c Contact) (created bool, err error)
	SetSuppressed(ctx context.Context, phone string, suppressed bool) error
	// ImportContacts upserts all contacts in one transaction.
	ImportContacts(ctx context.Context, contacts []Contact) (int, error)
}

// UnknownContactName is the placeholder name given to auto-created contacts.
func UnknownContactName(phone string) string {
	suffix := phone
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return "Unknown " + suffix
}
