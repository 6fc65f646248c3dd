// Package notify alerts operators when an instance stops on its own.
package notify

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"wagate/internal/bus"
	"wagate/internal/domain"
)

const (
	maxSendRetries = 3
	queueSize      = 64
)

// Sender is the part of the bot API the notifier uses. *tgbotapi.BotAPI
// satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramConfig struct {
	Bot    Sender
	ChatID int64
	Bus    *bus.EventBus
	Logger *slog.Logger

	// RetryDelay is the base delay between send retries. Defaults to 1s.
	RetryDelay time.Duration
}

// Telegram sends one chat message per unattended stop: QR timeout,
// expired authentication or an unrecoverable close. Manual stops are
// not reported.
type Telegram struct {
	bot        Sender
	chatID     int64
	bus        *bus.EventBus
	handlerID  string
	retryDelay time.Duration
	logger     *slog.Logger

	queue     chan string
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewBot connects to the Bot API with token.
func NewBot(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return bot, nil
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	t := &Telegram{
		bot:        cfg.Bot,
		chatID:     cfg.ChatID,
		bus:        cfg.Bus,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger,
		queue:      make(chan string, queueSize),
	}
	t.handlerID = cfg.Bus.On(bus.EventInstanceStatus, t.onStatus)
	t.wg.Add(1)
	go t.loop()
	return t
}

func (t *Telegram) onStatus(e bus.Event) {
	if e.Payload["status"] != string(domain.InstanceStopped) {
		return
	}
	reason, _ := e.Payload["reason"].(string)
	if reason == "" || reason == string(domain.StopManual) {
		return
	}
	errText, _ := e.Payload["error"].(string)

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- formatStop(e.InstanceID, reason, errText):
	default:
		t.logger.Warn("telegram alert queue full, dropping", "instance", e.InstanceID, "reason", reason)
	}
}

func formatStop(instanceID int64, reason, errText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instance %d stopped: %s", instanceID, reason)
	switch reason {
	case string(domain.StopQRTimeout):
		b.WriteString("\nPairing was not completed in time. Start it again to get a new QR code.")
	case string(domain.StopAuthExpired):
		b.WriteString("\nThe device was logged out. Start it again and scan a new QR code.")
	}
	if errText != "" {
		b.WriteString("\nLast error: " + errText)
	}
	return b.String()
}

func (t *Telegram) loop() {
	defer t.wg.Done()
	for text := range t.queue {
		t.send(text)
	}
}

func (t *Telegram) send(text string) {
	for attempt := 0; attempt <= maxSendRetries; attempt++ {
		_, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text))
		if err == nil {
			return
		}
		if attempt == maxSendRetries {
			t.logger.Error("telegram alert failed", "err", err)
			return
		}

		backoff := time.Duration(attempt+1) * t.retryDelay
		if strings.Contains(err.Error(), "Too Many Requests") || strings.Contains(err.Error(), "429") {
			backoff *= 3
		}
		t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
		time.Sleep(backoff)
	}
}

// Close stops listening and waits for queued alerts to be sent.
func (t *Telegram) Close() {
	t.closeOnce.Do(func() {
		t.bus.Off(bus.EventInstanceStatus, t.handlerID)
		t.mu.Lock()
		t.closed = true
		close(t.queue)
		t.mu.Unlock()
		t.wg.Wait()
	})
}
