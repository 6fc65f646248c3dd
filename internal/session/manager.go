// Package session keeps one reconnecting protocol connection per instance.
//
// Each instance has at most one Session in the manager's registry. A session
// runs one connection attempt at a time; when the attempt ends the close is
// classified and the session either reconnects after a backoff delay or is
// terminated, which removes it from the registry and persists the stop.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wagate/internal/authstate"
	"wagate/internal/bus"
	"wagate/internal/domain"
	"wagate/internal/metrics"
	"wagate/internal/waclient"
)

var (
	ErrNotFound     = errors.New("session: not found")
	ErrNotConnected = errors.New("session: not connected")
	ErrShutdown     = errors.New("session: manager shut down")
)

// DefaultQRTimeout bounds pairing, measured from the first QR of an attempt.
const DefaultQRTimeout = 300 * time.Second

const storeTimeout = 10 * time.Second

// CredentialStore persists protocol credentials per instance.
type CredentialStore interface {
	Load(ctx context.Context, instanceID int64) (authstate.Credentials, error)
	SaveCreds(ctx context.Context, instanceID int64, creds json.RawMessage) error
	SetKeys(ctx context.Context, instanceID int64, keys authstate.KeyMap) error
	Purge(ctx context.Context, instanceID int64) error
}

// StatusRecorder persists instance status transitions.
type StatusRecorder interface {
	UpdateInstanceStatus(ctx context.Context, id int64, update domain.StatusUpdate) error
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Connector   waclient.Connector
	Credentials CredentialStore
	Instances   StatusRecorder
	Events      *bus.EventBus // optional

	// OnInbound receives direct (one-to-one, not from us) messages. It is
	// called from the session's event loop and must not block.
	OnInbound func(domain.InboundMessage)

	QRTimeout  time.Duration // default: 300s
	MaxBackoff time.Duration // default: 60s

	// Backoff overrides the reconnect delay for a 1-based retry count.
	Backoff func(retry int) time.Duration

	Logger *slog.Logger
}

// Manager owns the instance registry. Lock order is Manager.mu before
// Session.mu.
type Manager struct {
	connector waclient.Connector
	creds     CredentialStore
	instances StatusRecorder
	events    *bus.EventBus
	onInbound func(domain.InboundMessage)
	qrTimeout time.Duration
	backoff   func(int) time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[int64]*Session
	shutdown bool
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.QRTimeout <= 0 {
		cfg.QRTimeout = DefaultQRTimeout
	}
	if cfg.Backoff == nil {
		limit := cfg.MaxBackoff
		cfg.Backoff = func(retry int) time.Duration { return Backoff(retry, limit) }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		connector: cfg.Connector,
		creds:     cfg.Credentials,
		instances: cfg.Instances,
		events:    cfg.Events,
		onInbound: cfg.OnInbound,
		qrTimeout: cfg.QRTimeout,
		backoff:   cfg.Backoff,
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[int64]*Session),
	}
}

// StartSession connects the instance if it is not already connecting or
// connected, and returns without waiting for the connection. A session
// waiting out a reconnect delay is connected immediately.
func (m *Manager) StartSession(id int64) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return Snapshot{}, ErrShutdown
	}

	s, ok := m.sessions[id]
	if !ok {
		s = newSession(id)
		m.sessions[id] = s
		metrics.SessionsTracked.Set(int64(len(m.sessions)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return s.snapshotLocked(), nil
	}

	// Manual start: pairing and retry accounting begin again.
	s.stopTimersLocked()
	s.retry = 0
	s.firstQRAt = time.Time{}
	m.beginAttemptLocked(s)

	m.logger.Info("session starting", "instance", id)
	return s.snapshotLocked(), nil
}

// GetSession returns a snapshot of the instance's session.
func (m *Manager) GetSession(id int64) (Snapshot, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), true
}

// Sessions returns snapshots of every registered session.
func (m *Manager) Sessions() []Snapshot {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, s := range list {
		s.mu.Lock()
		out = append(out, s.snapshotLocked())
		s.mu.Unlock()
	}
	return out
}

// DeleteSession stops the instance's session: a pending reconnect is
// cancelled, a connected client is logged out and closed, credentials are
// purged, and the instance is persisted as stopped. It is safe to call when
// no session exists.
func (m *Manager) DeleteSession(ctx context.Context, id int64) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	var client waclient.Client
	var connected bool
	if ok {
		s.mu.Lock()
		client, connected = m.detachLocked(s)
	}
	// The purge and stop record land before a later StartSession for id can
	// register a new session.
	err := m.stopRecordLocked(ctx, id)
	if ok {
		s.mu.Unlock()
	}
	m.mu.Unlock()

	if client != nil {
		if connected {
			if err := client.Logout(ctx); err != nil {
				m.logger.Warn("logout failed, closing anyway", "instance", id, "err", err)
			}
		}
		client.Close()
	}
	if err != nil {
		return err
	}

	if ok {
		m.logger.Info("session deleted", "instance", id)
		metrics.SessionStopped(string(domain.StopManual))
		m.emitStatus(id, domain.InstanceStopped, domain.StopManual, "")
	}
	return nil
}

func (m *Manager) stopRecordLocked(ctx context.Context, id int64) error {
	if err := m.creds.Purge(ctx, id); err != nil {
		return fmt.Errorf("purge credentials: %w", err)
	}
	if err := m.instances.UpdateInstanceStatus(ctx, id, domain.StatusUpdate{
		Status:     domain.InstanceStopped,
		StopReason: domain.StopManual,
	}); err != nil {
		return fmt.Errorf("persist stop: %w", err)
	}
	return nil
}

// SendMessage sends through the instance's live client.
func (m *Manager) SendMessage(ctx context.Context, id int64, jid string, msg waclient.OutboundMessage) (string, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}

	s.mu.Lock()
	client := s.client
	status := s.status
	s.mu.Unlock()
	if client == nil || status != StatusConnected {
		return "", ErrNotConnected
	}
	return client.SendMessage(ctx, jid, msg)
}

// FormatAddress normalizes a phone number or address into the protocol's
// canonical address form.
func (m *Manager) FormatAddress(raw string) string {
	return domain.FormatAddress(raw)
}

// Close tears down every session without touching persisted state, so
// sessions that were running can be resumed at next start.
func (m *Manager) Close() {
	m.mu.Lock()
	m.shutdown = true
	var clients []waclient.Client
	for _, s := range m.sessions {
		s.mu.Lock()
		if c, _ := m.detachLocked(s); c != nil {
			clients = append(clients, c)
		}
		s.mu.Unlock()
	}
	m.mu.Unlock()

	m.cancel()
	for _, c := range clients {
		c.Close()
	}
}

// beginAttemptLocked starts a new connection attempt. Caller holds s.mu.
func (m *Manager) beginAttemptLocked(s *Session) {
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(m.ctx)
	s.attempt++
	s.cancel = cancel
	s.running = true
	s.status = StatusConnecting
	s.qr = ""
	s.user = nil
	go m.runAttempt(ctx, s, s.attempt)
}

// detachLocked removes s from the registry and stops everything it owns.
// It returns the client left for the caller to close. Caller holds m.mu and s.mu.
func (m *Manager) detachLocked(s *Session) (client waclient.Client, connected bool) {
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
		metrics.SessionsTracked.Set(int64(len(m.sessions)))
	}
	connected = s.status == StatusConnected
	if connected {
		metrics.SessionsConnected.Dec()
	}

	s.closed = true
	s.running = false
	s.stopTimersLocked()
	if s.cancel != nil {
		s.cancel()
	}
	client = s.client
	s.client = nil
	s.status = StatusDisconnected
	s.qr = ""
	return client, connected
}

func (m *Manager) runAttempt(ctx context.Context, s *Session, gen int) {
	logger := m.logger.With("instance", s.id, "attempt", gen)

	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		return
	}
	if s.retry == 0 {
		m.persistLocked(s.id, domain.StatusUpdate{Status: domain.InstanceConnecting})
	}
	s.mu.Unlock()
	m.emitStatus(s.id, domain.InstanceConnecting, "", "")

	creds, err := m.creds.Load(ctx, s.id)
	if err != nil {
		logger.Error("load credentials failed", "err", err)
		m.handleClose(s, gen, &waclient.CloseInfo{Err: fmt.Errorf("load credentials: %w", err)})
		return
	}

	client, err := m.connector.Connect(ctx, waclient.ConnectParams{InstanceID: s.id, Credentials: creds})
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("connect failed", "err", err)
		}
		m.handleClose(s, gen, &waclient.CloseInfo{Err: err})
		return
	}

	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		client.Close()
		return
	}
	s.client = client
	s.mu.Unlock()

	var closed *waclient.CloseInfo
	for ev := range client.Events() {
		switch ev.Type {
		case waclient.EventQR:
			m.handleQR(s, gen, ev.QR)
		case waclient.EventOpen:
			m.handleOpen(s, gen, ev.User)
		case waclient.EventCreds:
			m.saveCreds(s, gen, ev.Creds)
		case waclient.EventKeys:
			m.saveKeys(s, gen, ev.Keys)
		case waclient.EventMessage:
			if ev.Message != nil && ev.Message.Direct() && m.onInbound != nil {
				m.onInbound(*ev.Message)
			}
		case waclient.EventClose:
			if closed == nil {
				closed = ev.Close
			}
		}
	}
	if closed == nil {
		closed = &waclient.CloseInfo{Err: errors.New("event stream ended without close")}
	}

	client.Close()
	m.handleClose(s, gen, closed)
}

func (m *Manager) handleQR(s *Session, gen int, qr string) {
	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		return
	}

	now := time.Now()
	if s.firstQRAt.IsZero() {
		s.firstQRAt = now
	}
	elapsed := now.Sub(s.firstQRAt)
	if elapsed >= m.qrTimeout {
		s.mu.Unlock()
		m.expireQR(s)
		return
	}

	s.qr = qr
	s.status = StatusConnecting
	if s.qrTimer == nil {
		s.qrTimer = time.AfterFunc(m.qrTimeout-elapsed, func() { m.expireQR(s) })
	}
	s.mu.Unlock()

	m.logger.Debug("qr received", "instance", s.id)
}

func (m *Manager) handleOpen(s *Session, gen int, user *waclient.Identity) {
	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		return
	}
	s.status = StatusConnected
	s.retry = 0
	s.firstQRAt = time.Time{}
	s.qr = ""
	s.user = user
	if s.qrTimer != nil {
		s.qrTimer.Stop()
		s.qrTimer = nil
	}
	m.persistLocked(s.id, domain.StatusUpdate{Status: domain.InstanceRunning})
	s.mu.Unlock()

	metrics.SessionsConnected.Inc()
	if user != nil {
		m.logger.Info("session connected", "instance", s.id, "user", user.ID)
	} else {
		m.logger.Info("session connected", "instance", s.id)
	}
	m.emitStatus(s.id, domain.InstanceRunning, "", "")
}

// handleClose ends attempt gen: terminal classes stop the session, others
// schedule the next attempt.
func (m *Manager) handleClose(s *Session, gen int, info *waclient.CloseInfo) {
	class := Classify(info)
	lastErr := describeClose(info)

	m.mu.Lock()
	s.mu.Lock()
	if !s.currentLocked(gen) || m.sessions[s.id] != s {
		s.mu.Unlock()
		m.mu.Unlock()
		return
	}

	if class.Terminal() {
		reason := class.StopReason()
		m.detachLocked(s)
		m.purgeLocked(s.id)
		m.persistLocked(s.id, domain.StatusUpdate{Status: domain.InstanceStopped, StopReason: reason, LastError: lastErr})
		s.mu.Unlock()
		m.mu.Unlock()

		m.logger.Warn("session stopped", "instance", s.id, "reason", reason, "class", class.String(), "err", lastErr)
		metrics.SessionStopped(string(reason))
		m.emitStatus(s.id, domain.InstanceStopped, reason, lastErr)
		return
	}
	m.mu.Unlock()

	if s.status == StatusConnected {
		metrics.SessionsConnected.Dec()
	}
	s.client = nil
	s.running = false
	s.status = StatusDisconnected
	s.qr = ""
	s.user = nil

	var delay time.Duration
	if class != CloseRestart {
		s.retry++
		delay = m.backoff(s.retry)
	}
	retry := s.retry
	m.persistLocked(s.id, domain.StatusUpdate{Status: domain.InstanceReconnecting, LastError: lastErr})
	s.timer = time.AfterFunc(delay, func() { m.reconnect(s) })
	s.mu.Unlock()

	m.logger.Info("reconnect scheduled", "instance", s.id, "class", class.String(), "retry", retry, "delay", delay, "err", lastErr)
	metrics.ReconnectsTotal.Inc()
	m.emitStatus(s.id, domain.InstanceReconnecting, "", lastErr)
}

// reconnect fires from the reconnect timer. It does nothing if the session
// was deleted or restarted in the meantime.
func (m *Manager) reconnect(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.shutdown || m.sessions[s.id] != s || s.closed || s.running {
		return
	}
	s.timer = nil
	m.beginAttemptLocked(s)
}

// expireQR stops a session still unpaired when the QR window has passed.
func (m *Manager) expireQR(s *Session) {
	m.mu.Lock()
	s.mu.Lock()
	if m.sessions[s.id] != s || s.closed || s.status == StatusConnected ||
		s.firstQRAt.IsZero() || time.Since(s.firstQRAt) < m.qrTimeout {
		s.mu.Unlock()
		m.mu.Unlock()
		return
	}

	client, _ := m.detachLocked(s)
	m.purgeLocked(s.id)
	m.persistLocked(s.id, domain.StatusUpdate{Status: domain.InstanceStopped, StopReason: domain.StopQRTimeout})
	s.mu.Unlock()
	m.mu.Unlock()

	if client != nil {
		client.Close()
	}

	m.logger.Warn("session stopped", "instance", s.id, "reason", domain.StopQRTimeout, "timeout", m.qrTimeout)
	metrics.QRTimeoutsTotal.Inc()
	metrics.SessionStopped(string(domain.StopQRTimeout))
	m.emitStatus(s.id, domain.InstanceStopped, domain.StopQRTimeout, "")
}

func (m *Manager) saveCreds(s *Session, gen int, creds json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.currentLocked(gen) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.creds.SaveCreds(ctx, s.id, creds); err != nil {
		m.logger.Error("save credentials failed", "instance", s.id, "err", err)
	}
}

func (m *Manager) saveKeys(s *Session, gen int, keys authstate.KeyMap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.currentLocked(gen) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.creds.SetKeys(ctx, s.id, keys); err != nil {
		m.logger.Error("save keys failed", "instance", s.id, "err", err)
	}
}

// purgeLocked and persistLocked are called with the session's mu held.
func (m *Manager) purgeLocked(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.creds.Purge(ctx, id); err != nil {
		m.logger.Error("purge credentials failed", "instance", id, "err", err)
	}
}

func (m *Manager) persistLocked(id int64, u domain.StatusUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.instances.UpdateInstanceStatus(ctx, id, u); err != nil {
		m.logger.Error("persist instance status failed", "instance", id, "status", u.Status, "err", err)
	}
}

func (m *Manager) emitStatus(id int64, status domain.InstanceStatus, reason domain.StopReason, lastErr string) {
	if m.events == nil {
		return
	}
	payload := map[string]any{"status": string(status)}
	if reason != "" {
		payload["reason"] = string(reason)
	}
	if lastErr != "" {
		payload["error"] = lastErr
	}
	m.events.Emit(bus.Event{
		Type:       bus.EventInstanceStatus,
		Source:     "session",
		InstanceID: id,
		Payload:    payload,
	})
}

func describeClose(info *waclient.CloseInfo) string {
	switch {
	case info == nil:
		return ""
	case info.Code != 0 && info.Err != nil:
		return fmt.Sprintf("code %d: %v", info.Code, info.Err)
	case info.Code != 0:
		return fmt.Sprintf("code %d", info.Code)
	case info.Err != nil:
		return info.Err.Error()
	}
	return ""
}
