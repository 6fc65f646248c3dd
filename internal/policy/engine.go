// Package policy decides whether an outbound message may be sent.
//
// An Engine evaluates a fixed, ordered list of rules and stops at the first
// denial. Each denial is written to the audit log once; an allow is not
// audited here because the sender audits the transmission itself.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wagate/internal/domain"
	"wagate/internal/metrics"
	"wagate/internal/session"
)

// Rule is one step of the pipeline. Check must not modify mc or any store.
type Rule interface {
	Name() string
	Check(ctx context.Context, mc *domain.MessageContext) domain.PolicyDecision
}

type namedRule struct {
	name string
	fn   func(ctx context.Context, mc *domain.MessageContext) domain.PolicyDecision
}

func (r namedRule) Name() string { return r.name }

func (r namedRule) Check(ctx context.Context, mc *domain.MessageContext) domain.PolicyDecision {
	return r.fn(ctx, mc)
}

// RuleFunc adapts a function to a Rule.
func RuleFunc(name string, fn func(ctx context.Context, mc *domain.MessageContext) domain.PolicyDecision) Rule {
	return namedRule{name: name, fn: fn}
}

type SessionLookup interface {
	GetSession(id int64) (session.Snapshot, bool)
}

type QuotaLookup interface {
	GetUserQuota(ctx context.Context, userID int64) (*domain.UserQuota, error)
}

type ContactLookup interface {
	GetContact(ctx context.Context, phone string) (*domain.Contact, error)
}

type TemplateLookup interface {
	GetTemplate(ctx context.Context, name string) (*domain.Template, error)
}

// EngineConfig wires the default rule set.
type EngineConfig struct {
	Sessions  SessionLookup
	Quotas    QuotaLookup
	Contacts  ContactLookup
	Templates TemplateLookup
	Audit     domain.AuditLogger

	ForbiddenPatterns []string
	ReplyWindow       time.Duration // default: 24h
	// QuotaFailOpen allows sends when the caller's quota record is missing
	// or cannot be read.
	QuotaFailOpen bool

	Now    func() time.Time
	Logger *slog.Logger
}

// Engine evaluates the rule pipeline.
type Engine struct {
	rules  []Rule
	audit  domain.AuditLogger
	logger *slog.Logger
}

// NewEngine builds the standard pipeline: assignment, instance status,
// quota, suppression, reply window, content, template.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.ReplyWindow <= 0 {
		cfg.ReplyWindow = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	forbidden, err := compilePatterns(cfg.ForbiddenPatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid forbidden pattern: %w", err)
	}

	rules := []Rule{
		assignmentRule(),
		statusRule(cfg.Sessions),
		quotaRule(cfg.Quotas, cfg.QuotaFailOpen, cfg.Now, cfg.Logger),
		suppressionRule(cfg.Contacts, cfg.Logger),
		windowRule(cfg.Contacts, cfg.ReplyWindow, cfg.Now, cfg.Logger),
		contentRule(forbidden),
		templateRule(cfg.Templates, cfg.Logger),
	}
	return NewPipeline(rules, cfg.Audit, cfg.Logger), nil
}

// NewPipeline builds an engine over an explicit rule list.
func NewPipeline(rules []Rule, audit domain.AuditLogger, logger *slog.Logger) *Engine {
	return &Engine{rules: rules, audit: audit, logger: logger}
}

// RuleNames lists the pipeline in evaluation order.
func (e *Engine) RuleNames() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name()
	}
	return names
}

// Evaluate returns the first denial, or an allow when every rule passes.
func (e *Engine) Evaluate(ctx context.Context, mc domain.MessageContext) domain.PolicyDecision {
	for _, rule := range e.rules {
		d := rule.Check(ctx, &mc)
		if d.Allowed {
			continue
		}
		if d.Metadata == nil {
			d.Metadata = map[string]any{}
		}
		d.Metadata["rule"] = rule.Name()

		e.logger.Warn("send blocked",
			"rule", rule.Name(),
			"instance", mc.InstanceID,
			"user", mc.UserID,
			"to", mc.To,
			"reason", d.Reason,
		)
		metrics.PolicyDenied(rule.Name())
		e.logBlocked(ctx, &mc, d)
		return d
	}
	return domain.Allow()
}

func (e *Engine) logBlocked(ctx context.Context, mc *domain.MessageContext, d domain.PolicyDecision) {
	if e.audit == nil {
		return
	}
	actor, auth := mc.ActorType, mc.AuthType
	if actor == "" {
		actor = "system"
	}
	if auth == "" {
		auth = "system"
	}
	instanceID := mc.InstanceID
	e.audit.Log(ctx, domain.AuditEntry{
		UserID:     mc.UserID,
		InstanceID: &instanceID,
		Action:     "send_blocked",
		Details: map[string]any{
			"to":         mc.To,
			"reason":     d.Reason,
			"instanceId": mc.InstanceID,
		},
		Severity:  domain.SeverityWarn,
		ActorType: actor,
		AuthType:  auth,
	})
}
