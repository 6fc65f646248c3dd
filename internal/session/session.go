package session

import (
	"context"
	"sync"
	"time"

	"wagate/internal/waclient"
)

// Status is the in-memory connection state of a session.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Snapshot is a point-in-time copy of a session's state.
type Snapshot struct {
	InstanceID int64              `json:"instanceId"`
	Status     Status             `json:"status"`
	QR         string             `json:"qr,omitempty"`
	User       *waclient.Identity `json:"user,omitempty"`
	RetryCount int                `json:"retryCount"`
}

// Session is the runtime state of one instance. All fields are guarded by
// mu; store writes for the instance are also made while holding it so that
// persisted transitions keep the order they happened in.
type Session struct {
	id int64

	mu        sync.Mutex
	client    waclient.Client
	qr        string
	status    Status
	retry     int
	firstQRAt time.Time
	user      *waclient.Identity

	timer   *time.Timer // pending reconnect
	qrTimer *time.Timer

	// attempt identifies the current connection attempt; events from older
	// attempts are ignored.
	attempt int
	running bool
	closed  bool
	cancel  context.CancelFunc
}

func newSession(id int64) *Session {
	return &Session{id: id, status: StatusConnecting}
}

// currentLocked reports whether gen is the live attempt of an open session.
func (s *Session) currentLocked(gen int) bool {
	return !s.closed && s.attempt == gen
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		InstanceID: s.id,
		Status:     s.status,
		QR:         s.qr,
		RetryCount: s.retry,
	}
	if s.user != nil {
		u := *s.user
		snap.User = &u
	}
	return snap
}

func (s *Session) stopTimersLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.qrTimer != nil {
		s.qrTimer.Stop()
		s.qrTimer = nil
	}
}
