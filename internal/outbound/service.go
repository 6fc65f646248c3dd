// Package outbound turns an API send request into a transmitted message:
// build the message context, evaluate policy, send through the live
// session, then record usage, contact and audit.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wagate/internal/bus"
	"wagate/internal/domain"
	"wagate/internal/metrics"
	"wagate/internal/session"
	"wagate/internal/waclient"
)

// Request is one send as received from a caller.
type Request struct {
	InstanceID int64              `json:"instanceId"`
	To         string             `json:"to"`
	Type       domain.MessageType `json:"type"`

	Text     string `json:"text,omitempty"`
	MediaURL string `json:"mediaUrl,omitempty"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	Place     string  `json:"place,omitempty"`

	TemplateName      string   `json:"templateName,omitempty"`
	TemplateVariables []string `json:"variables,omitempty"`
}

type Result struct {
	MessageID string `json:"messageId"`
	To        string `json:"to"`
}

// Error is a send rejected before or during transmission. Reason has the
// form "<CODE>: <message>".
type Error struct {
	Status int
	Reason string
}

func (e *Error) Error() string { return e.Reason }

func reject(status int, code, msg string) *Error {
	return &Error{Status: status, Reason: code + ": " + msg}
}

type Evaluator interface {
	Evaluate(ctx context.Context, mc domain.MessageContext) domain.PolicyDecision
}

type Sender interface {
	SendMessage(ctx context.Context, instanceID int64, jid string, msg waclient.OutboundMessage) (string, error)
}

type UsageRecorder interface {
	IncrementUsage(ctx context.Context, userID int64, now time.Time) error
}

type ContactRecorder interface {
	EnsureContact(ctx context.Context, c domain.Contact) (bool, error)
}

type TemplateLookup interface {
	GetTemplate(ctx context.Context, name string) (*domain.Template, error)
}

type ServiceConfig struct {
	Policy    Evaluator
	Sessions  Sender
	Usage     UsageRecorder
	Contacts  ContactRecorder
	Templates TemplateLookup
	Audit     domain.AuditLogger
	Events    *bus.EventBus // optional
	Pacer     *Pacer        // optional

	Now    func() time.Time
	Logger *slog.Logger
}

type Service struct {
	policy    Evaluator
	sessions  Sender
	usage     UsageRecorder
	contacts  ContactRecorder
	templates TemplateLookup
	audit     domain.AuditLogger
	events    *bus.EventBus
	pacer     *Pacer
	now       func() time.Time
	logger    *slog.Logger
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		policy:    cfg.Policy,
		sessions:  cfg.Sessions,
		usage:     cfg.Usage,
		contacts:  cfg.Contacts,
		templates: cfg.Templates,
		audit:     cfg.Audit,
		events:    cfg.Events,
		pacer:     cfg.Pacer,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
}

// Send evaluates and transmits req on behalf of caller. Rejections are
// returned as *Error.
func (s *Service) Send(ctx context.Context, caller domain.Identity, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	jid := domain.FormatAddress(req.To)
	phone := domain.NormalizePhone(jid)

	mc := domain.MessageContext{
		UserID:            caller.UserID,
		InstanceID:        req.InstanceID,
		To:                jid,
		Type:              req.Type,
		Content:           contentOf(req),
		TemplateName:      req.TemplateName,
		TemplateVariables: req.TemplateVariables,
		Timestamp:         s.now(),
		ActorType:         caller.ActorType,
		AuthType:          caller.AuthType,
		Role:              caller.Role,
		AllowedInstances:  caller.AllowedInstances,
	}

	if d := s.policy.Evaluate(ctx, mc); !d.Allowed {
		s.emit(bus.EventMessageBlocked, req.InstanceID, map[string]any{
			"to":     jid,
			"type":   string(req.Type),
			"reason": d.Reason,
			"userId": caller.UserID,
		})
		return nil, &Error{Status: d.Code, Reason: d.Reason}
	}

	msg, err := s.payload(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := s.pacer.Wait(ctx, req.InstanceID); err != nil {
		return nil, fmt.Errorf("wait for send slot: %w", err)
	}

	start := time.Now()
	messageID, err := s.sessions.SendMessage(ctx, req.InstanceID, jid, msg)
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, s.sendFailed(ctx, caller, req, jid, err)
	}
	metrics.MessagesSent.Inc()

	s.recordSend(ctx, caller, req, jid, phone, messageID)
	return &Result{MessageID: messageID, To: jid}, nil
}

func validate(req Request) *Error {
	if !req.Type.Valid() {
		return reject(http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("unsupported message type %q", req.Type))
	}
	if req.InstanceID <= 0 {
		return reject(http.StatusBadRequest, "INVALID_REQUEST", "instanceId is required")
	}
	if domain.FormatAddress(req.To) == "" {
		return reject(http.StatusBadRequest, "INVALID_ADDRESS", fmt.Sprintf("cannot send to %q", req.To))
	}
	switch req.Type {
	case domain.MessageText:
		if strings.TrimSpace(req.Text) == "" {
			return reject(http.StatusBadRequest, "INVALID_REQUEST", "text is required")
		}
	case domain.MessageImage, domain.MessageVideo, domain.MessageAudio, domain.MessageDocument:
		if req.MediaURL == "" {
			return reject(http.StatusBadRequest, "INVALID_REQUEST", "mediaUrl is required")
		}
	case domain.MessageLocation:
		if req.Latitude < -90 || req.Latitude > 90 || req.Longitude < -180 || req.Longitude > 180 {
			return reject(http.StatusBadRequest, "INVALID_REQUEST", "latitude/longitude out of range")
		}
	}
	return nil
}

// contentOf is the text the content rule inspects.
func contentOf(req Request) string {
	switch req.Type {
	case domain.MessageText:
		return req.Text
	case domain.MessageLocation:
		return req.Place
	default:
		return req.Caption
	}
}

// payload builds the protocol message. Templates are sent as rendered text.
func (s *Service) payload(ctx context.Context, req Request) (waclient.OutboundMessage, error) {
	msg := waclient.OutboundMessage{
		Type:      req.Type,
		Text:      req.Text,
		MediaURL:  req.MediaURL,
		Caption:   req.Caption,
		FileName:  req.FileName,
		MimeType:  req.MimeType,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Place:     req.Place,
	}
	if req.Type != domain.MessageTemplate {
		return msg, nil
	}

	t, err := s.templates.GetTemplate(ctx, req.TemplateName)
	if err != nil {
		return msg, fmt.Errorf("load template %q: %w", req.TemplateName, err)
	}
	if t == nil {
		return msg, reject(http.StatusNotFound, "TEMPLATE_NOT_FOUND", fmt.Sprintf("template %q does not exist", req.TemplateName))
	}
	return waclient.OutboundMessage{Type: domain.MessageText, Text: t.Render(req.TemplateVariables)}, nil
}

func (s *Service) sendFailed(ctx context.Context, caller domain.Identity, req Request, jid string, err error) *Error {
	s.logger.Error("send failed", "instance", req.InstanceID, "to", jid, "type", req.Type, "err", err)

	if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrNotConnected) {
		return reject(http.StatusServiceUnavailable, "INSTANCE_NOT_READY", err.Error())
	}

	metrics.SendFailures.Inc()
	instanceID := req.InstanceID
	s.audit.Log(ctx, domain.AuditEntry{
		UserID:     caller.UserID,
		InstanceID: &instanceID,
		Action:     "send_failed",
		Details:    map[string]any{"to": jid, "type": string(req.Type), "error": err.Error()},
		Severity:   domain.SeverityError,
		ActorType:  caller.ActorType,
		AuthType:   caller.AuthType,
	})
	return reject(http.StatusBadGateway, "SEND_FAILED", err.Error())
}

// recordSend runs the post-transmission writes. None of them can fail the
// send: the message is already out.
func (s *Service) recordSend(ctx context.Context, caller domain.Identity, req Request, jid, phone, messageID string) {
	ctx = context.WithoutCancel(ctx)
	now := s.now()

	if err := s.usage.IncrementUsage(ctx, caller.UserID, now); err != nil {
		s.logger.Warn("usage increment failed", "user", caller.UserID, "err", err)
	}

	if phone != "" && !domain.IsGroupAddress(jid) {
		created, err := s.contacts.EnsureContact(ctx, domain.Contact{
			Name:   domain.UnknownContactName(phone),
			Phone:  phone,
			Source: domain.SourceAuto,
		})
		switch {
		case err != nil:
			s.logger.Warn("contact auto-save failed", "phone", phone, "err", err)
		case created:
			s.logger.Debug("contact auto-created", "phone", phone)
		}
	}

	instanceID := req.InstanceID
	details := map[string]any{"to": jid, "messageId": messageID}
	if req.Type == domain.MessageTemplate {
		details["template"] = req.TemplateName
	}
	s.audit.Log(ctx, domain.AuditEntry{
		UserID:     caller.UserID,
		InstanceID: &instanceID,
		Action:     "send_" + string(req.Type),
		Details:    details,
		Severity:   domain.SeverityInfo,
		ActorType:  caller.ActorType,
		AuthType:   caller.AuthType,
	})

	s.emit(bus.EventMessageSent, req.InstanceID, map[string]any{
		"to":        jid,
		"type":      string(req.Type),
		"messageId": messageID,
		"userId":    caller.UserID,
	})
}

func (s *Service) emit(eventType string, instanceID int64, payload map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Emit(bus.Event{Type: eventType, Source: "outbound", InstanceID: instanceID, Payload: payload})
}
