// Package waclient defines the surface of the messaging-protocol client the
// session manager drives, and a bridge implementation that talks to an
// external protocol driver over a WebSocket.
package waclient

import (
	"context"
	"encoding/json"
	"errors"

	"wagate/internal/authstate"
	"wagate/internal/domain"
)

// Close codes reported by the protocol driver.
const (
	CodeLoggedOut           = 401
	CodeForbidden           = 403
	CodeTimedOut            = 408
	CodeMultideviceMismatch = 411
	CodeConnectionClosed    = 428
	CodeConnectionReplaced  = 440
	CodeBadSession          = 500
	CodeUnavailable         = 503
	CodeRestartRequired     = 515
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("waclient: client closed")

type EventType string

const (
	EventQR      EventType = "qr"
	EventOpen    EventType = "open"
	EventClose   EventType = "close"
	EventCreds   EventType = "creds.update"
	EventKeys    EventType = "keys.set"
	EventMessage EventType = "messages.upsert"
)

// Identity is the account a session authenticated as.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// CloseInfo describes why a connection ended. Code is 0 when the
// connection failed below the protocol, in which case Err is set.
type CloseInfo struct {
	Code int
	Err  error
}

// Event is one item of a client's event stream. Exactly one payload
// field is set, matching Type.
type Event struct {
	Type    EventType
	QR      string
	User    *Identity
	Close   *CloseInfo
	Creds   json.RawMessage
	Keys    authstate.KeyMap
	Message *domain.InboundMessage
}

// OutboundMessage is the payload of a send.
type OutboundMessage struct {
	Type      domain.MessageType `json:"type"`
	Text      string             `json:"text,omitempty"`
	MediaURL  string             `json:"mediaUrl,omitempty"`
	Caption   string             `json:"caption,omitempty"`
	FileName  string             `json:"fileName,omitempty"`
	MimeType  string             `json:"mimeType,omitempty"`
	Latitude  float64            `json:"latitude,omitempty"`
	Longitude float64            `json:"longitude,omitempty"`
	Place     string             `json:"place,omitempty"`
}

// Client is one live protocol connection. Events are emitted in order on a
// single channel, which is closed after the close event.
type Client interface {
	Events() <-chan Event
	SendMessage(ctx context.Context, jid string, msg OutboundMessage) (messageID string, err error)
	Logout(ctx context.Context) error
	Close() error
}

type ConnectParams struct {
	InstanceID  int64
	Credentials authstate.Credentials
}

// Connector opens protocol connections.
type Connector interface {
	Connect(ctx context.Context, p ConnectParams) (Client, error)
}

// KeyLookup serves key material the driver requests during a connection.
type KeyLookup interface {
	GetKeys(ctx context.Context, instanceID int64, typ string, ids []string) (map[string]json.RawMessage, error)
}
