// Package audit is the append-only sink for policy decisions and
// administrative actions.
package audit

import (
	"context"
	"log/slog"
	"time"

	"wagate/internal/domain"
)

const writeTimeout = 5 * time.Second

type Inserter interface {
	InsertAudit(ctx context.Context, entry domain.AuditEntry) error
}

// Sink writes audit entries to the store. Log never fails the caller:
// write errors are logged and dropped.
type Sink struct {
	store  Inserter
	logger *slog.Logger
}

func NewSink(store Inserter, logger *slog.Logger) *Sink {
	return &Sink{store: store, logger: logger}
}

func (s *Sink) Log(ctx context.Context, e domain.AuditEntry) {
	if e.Severity == "" {
		e.Severity = domain.SeverityInfo
	}
	if e.ActorType == "" {
		e.ActorType = "system"
	}
	if e.AuthType == "" {
		e.AuthType = "system"
	}

	// The entry outlives a cancelled request.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := s.store.InsertAudit(wctx, e); err != nil {
		s.logger.Error("audit write failed",
			"action", e.Action,
			"user", e.UserID,
			"severity", e.Severity,
			"err", err,
		)
	}
}
