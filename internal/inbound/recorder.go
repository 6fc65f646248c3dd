// Package inbound records messages received on live sessions. Every direct
// message refreshes the sender's reply window.
package inbound

import (
	"context"
	"log/slog"
	"time"

	"wagate/internal/bus"
	"wagate/internal/domain"
	"wagate/internal/metrics"
)

type ContactToucher interface {
	TouchInbound(ctx context.Context, phone string, at time.Time) error
}

type RecorderConfig struct {
	Contacts ContactToucher
	Events   *bus.EventBus // optional
	Now      func() time.Time
	Logger   *slog.Logger
}

type Recorder struct {
	contacts ContactToucher
	events   *bus.EventBus
	now      func() time.Time
	logger   *slog.Logger
}

func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recorder{
		contacts: cfg.Contacts,
		events:   cfg.Events,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
}

// Run consumes queue with the given number of workers until ctx is done
// or the queue is closed.
func (r *Recorder) Run(ctx context.Context, queue *bus.InboundQueue, workers int) {
	queue.Consume(ctx, workers, r.Handle)
}

// Handle records one inbound message. Group and self-sent messages are
// ignored. Store failures are logged and never propagate.
func (r *Recorder) Handle(ctx context.Context, msg domain.InboundMessage) {
	if !msg.Direct() {
		return
	}
	phone := msg.Phone
	if phone == "" {
		phone = domain.NormalizePhone(msg.From)
	}
	if phone == "" {
		r.logger.Debug("inbound message without sender", "instance", msg.InstanceID, "id", msg.MessageID)
		return
	}
	metrics.MessagesInbound.Inc()

	if err := r.contacts.TouchInbound(ctx, phone, r.now()); err != nil {
		r.logger.Warn("contact touch failed", "instance", msg.InstanceID, "phone", phone, "err", err)
	}

	if r.events != nil {
		r.events.Emit(bus.Event{
			Type:       bus.EventMessageInbound,
			Source:     "inbound",
			InstanceID: msg.InstanceID,
			Payload: map[string]any{
				"from":      domain.FormatAddress(phone),
				"messageId": msg.MessageID,
				"text":      msg.Text,
			},
		})
	}
}
