package session

import (
	"time"

	"wagate/internal/domain"
	"wagate/internal/waclient"
)

// CloseClass is the manager's interpretation of a close event.
type CloseClass int

const (
	// CloseCrash is an unclassified close; reconnect with backoff.
	CloseCrash CloseClass = iota
	// CloseNetwork is a connectivity failure; reconnect with backoff.
	CloseNetwork
	// CloseRestart asks for an immediate reconnect.
	CloseRestart
	// CloseAuthExpired ends the session and discards its credentials.
	CloseAuthExpired
	// CloseUnrecoverable ends the session; pairing must start over.
	CloseUnrecoverable
)

func (c CloseClass) String() string {
	switch c {
	case CloseNetwork:
		return "network"
	case CloseRestart:
		return "restart"
	case CloseAuthExpired:
		return "auth_expired"
	case CloseUnrecoverable:
		return "unrecoverable"
	default:
		return "crash"
	}
}

// Terminal reports whether the class stops reconnection.
func (c CloseClass) Terminal() bool {
	return c == CloseAuthExpired || c == CloseUnrecoverable
}

// StopReason is the persisted reason for a terminal class.
func (c CloseClass) StopReason() domain.StopReason {
	if c == CloseAuthExpired {
		return domain.StopAuthExpired
	}
	return domain.StopUnrecoverable
}

// Classify maps a close to its class. A nil info or a zero code is a
// transport failure.
func Classify(info *waclient.CloseInfo) CloseClass {
	if info == nil || info.Code == 0 {
		return CloseNetwork
	}
	switch info.Code {
	case waclient.CodeLoggedOut, waclient.CodeForbidden, waclient.CodeBadSession:
		return CloseAuthExpired
	case waclient.CodeMultideviceMismatch, waclient.CodeConnectionReplaced:
		return CloseUnrecoverable
	case waclient.CodeRestartRequired:
		return CloseRestart
	case waclient.CodeTimedOut, waclient.CodeConnectionClosed, waclient.CodeUnavailable:
		return CloseNetwork
	default:
		return CloseCrash
	}
}

// DefaultMaxBackoff caps the reconnect delay.
const DefaultMaxBackoff = 60 * time.Second

// Backoff returns the delay before reconnect attempt retry (1-based):
// 2^(retry+1) seconds capped at limit, i.e. 4s, 8s, 16s, 32s, 60s.
func Backoff(retry int, limit time.Duration) time.Duration {
	if limit <= 0 {
		limit = DefaultMaxBackoff
	}
	if retry < 1 {
		retry = 1
	}
	if retry >= 30 {
		return limit
	}
	d := time.Duration(1<<uint(retry+1)) * time.Second
	if d > limit {
		return limit
	}
	return d
}
