package policy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"wagate/internal/domain"
	"wagate/internal/session"
)

// Machine-readable denial codes. A decision's Reason is "<code>: <message>".
const (
	ReasonNotAssigned       = "INSTANCE_NOT_ASSIGNED"
	ReasonInstanceNotFound  = "INSTANCE_NOT_FOUND"
	ReasonInstanceNotReady  = "INSTANCE_NOT_READY"
	ReasonQuotaExceeded     = "QUOTA_EXCEEDED"
	ReasonQuotaUnavailable  = "QUOTA_UNAVAILABLE"
	ReasonAccountSuspended  = "ACCOUNT_SUSPENDED"
	ReasonContactSuppressed = "CONTACT_SUPPRESSED"
	ReasonWindowExpired     = "REPLY_WINDOW_EXPIRED"
	ReasonContentForbidden  = "CONTENT_FORBIDDEN"
	ReasonTemplateName      = "TEMPLATE_NAME_REQUIRED"
	ReasonTemplateNotFound  = "TEMPLATE_NOT_FOUND"
	ReasonTemplateVariables = "TEMPLATE_VARIABLES_MISMATCH"
	ReasonPolicyUnavailable = "POLICY_UNAVAILABLE"
)

// Rule names, also used as the metrics label.
const (
	RuleAssignment  = "assignment"
	RuleStatus      = "instance_status"
	RuleQuota       = "quota"
	RuleSuppression = "suppression"
	RuleWindow      = "window"
	RuleContent     = "content"
	RuleTemplate    = "template"
)

func deny(status int, code, format string, args ...any) domain.PolicyDecision {
	return domain.Deny(status, code+": "+fmt.Sprintf(format, args...))
}

// ReasonCode extracts the code prefix from a denial reason.
func ReasonCode(reason string) string {
	code, _, ok := strings.Cut(reason, ":")
	if !ok {
		return ""
	}
	return code
}

func assignmentRule() Rule {
	return RuleFunc(RuleAssignment, func(ctx context.Context, mc *domain.MessageContext) domain.PolicyDecision {
		if mc.Role == domain.RoleAdmin || mc.AllowedInstances == nil {
			return domain.Allow()
		}
		if !slices.Contains(mc.AllowedInstances, mc.InstanceID) {
			return deny(http.StatusForbidden, ReasonNotAssigned,
				"you are not assigned to instance %d", mc.InstanceID)
		}
		return domain.Allow()
	})
}

func statusRule(sessions SessionLookup) Rule {
	return RuleFunc(RuleStatus, func(ctx context.Context, mc *domain.MessageContext) domain.PolicyDecision {
		snap, ok := sessions.GetSession(mc.InstanceID)
		if !ok {
			return deny(http.StatusNotFound, ReasonInstanceNotFound,
				"instance %d not found or not running", mc.InstanceID)
		}
		if snap.Status != session.StatusConnected {
			return deny(http.StatusServiceUnavailable, ReasonInstanceNotReady,
				"instance %d is %s, wait for the connection", mc.InstanceID, snap.Status)
		}
		return domain.Allow()
	})
}

// quotaRule reads the effective usage: a counter whose reset period has
// passed counts as zero even though the stored value is rewritten only on
// the next increment.
func quotaRule(quotas QuotaLookup, failOpen bool, now func() time.Time, logger *slog.Logger) Rule {
	unavailable := func() domain.PolicyDecision {
		if failOpen {
			return domain.Allow()
		}
		return deny(http.StatusForbidden, ReasonQuotaUnavailable, "no quota record for this account")
	}

	return RuleFunc(RuleQuota, func(ctx context.Context, mc *domain.MessageContext) domain.PolicyDecision {
		q, err := quotas.GetUserQuota(ctx, mc.UserID)
		if err != nil {
			logger.Error("quota lookup failed", "user", mc.UserID, "err", err)
			return unavailable()
		}
		if q == nil {
			return unavailable()
		}
		if q.Status == domain.AccountSuspended {
			return deny(http.StatusForbidden, ReasonAccountSuspended, "account %d is suspended", mc.UserID)
		}
		if q.Limit == domain.UnlimitedQuota {
			return domain.Allow()
		}
		if q.EffectiveUsage(now()) >= q.Limit {
			d := deny(http.StatusTooManyRequests, ReasonQuotaExceeded, "message limit of %d reached", q.Limit)
			d.Metadata = map[string]any{"limit": q.Limit, "frequency": string(q.Frequency)}
			return d
		}
		return domain.Allow()
	})
}

func suppressionRule(contacts ContactLookup, logger *slog.Logger) Rule {
	return RuleFunc(RuleSuppression, func(ctx context.Context, mc *domain.MessageContext) domain.PolicyDecision {
		c, err := contacts.GetContact(ctx, domain.NormalizePhone(mc.To))
		if err != nil {
			logger.Error("contact lookup failed", "rule", RuleSuppression, "err", err)
			return deny(http.StatusServiceUnavailable, ReasonPolicyUnavailable, "contact lookup failed")
		}
		if c != nil && c.Suppressed {
			return deny(http.StatusForbidden, ReasonContactSuppressed, "contact opted out (do not contact)")
		}
		return domain.Allow()
	})
}

// windowRule allows free-form messages only within window of the contact's
// last inbound message. Templates are business-initiated and always pass.
func windowRule(contacts ContactLookup, window time.Duration, now func() time.Time, logger *slog.Logger) Rule {
	return RuleFunc(RuleWindow, func(ctx context.Context, mc *domain.MessageContext) domain.PolicyDecision {
		if mc.Type == domain.MessageTemplate {
			return domain.Allow()
		}
		c, err := contacts.GetContact(ctx, domain.NormalizePhone(mc.To))
		if err != nil {
			logger.Error("contact lookup failed", "rule", RuleWindow, "err", err)
			return deny(http.StatusServiceUnavailable, ReasonPolicyUnavailable, "contact lookup failed")
		}
		if c == nil || c.LastInboundAt == nil {
			return deny(http.StatusForbidden, ReasonWindowExpired,
				"the recipient must start the conversation first")
		}
		if now().Sub(*c.LastInboundAt) >= window {
			return deny(http.StatusForbidden, ReasonWindowExpired,
				"%s reply window ended, use a template", formatWindow(window))
		}
		return domain.Allow()
	})
}

func formatWindow(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	return d.String()
}

func contentRule(forbidden []*regexp.Regexp) Rule {
	return RuleFunc(RuleContent, func(ctx context.Context, mc *domain.MessageContext) domain.PolicyDecision {
		if mc.Type != domain.MessageText {
			return domain.Allow()
		}
		for _, re := range forbidden {
			if re.MatchString(mc.Content) {
				d := deny(http.StatusBadRequest, ReasonContentForbidden, "forbidden pattern detected")
				d.Metadata = map[string]any{"pattern": re.String()}
				return d
			}
		}
		return domain.Allow()
	})
}

func templateRule(templates TemplateLookup, logger *slog.Logger) Rule {
	return RuleFunc(RuleTemplate, func(ctx context.Context, mc *domain.MessageContext) domain.PolicyDecision {
		if mc.Type != domain.MessageTemplate {
			return domain.Allow()
		}
		if mc.TemplateName == "" {
			return deny(http.StatusBadRequest, ReasonTemplateName, "template name is required")
		}
		t, err := templates.GetTemplate(ctx, mc.TemplateName)
		if err != nil {
			logger.Error("template lookup failed", "template", mc.TemplateName, "err", err)
			return deny(http.StatusServiceUnavailable, ReasonPolicyUnavailable, "template lookup failed")
		}
		if t == nil {
			return deny(http.StatusNotFound, ReasonTemplateNotFound, "template %q does not exist", mc.TemplateName)
		}
		if got := len(mc.TemplateVariables); got != t.VariableCount {
			return deny(http.StatusBadRequest, ReasonTemplateVariables,
				"expected %d variables, got %d", t.VariableCount, got)
		}
		return domain.Allow()
	})
}
