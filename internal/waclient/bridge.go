package waclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wagate/internal/authstate"
	"wagate/internal/domain"
)

// Driver close codes at or above this base carry a protocol close code
// (4401 = logged out).
const driverCloseBase = 4000

const (
	opConnect    = "connect"
	opSend       = "send"
	opLogout     = "logout"
	opKeysResult = "keys.result"

	evQR      = "qr"
	evOpen    = "open"
	evClose   = "close"
	evCreds   = "creds.update"
	evKeysSet = "keys.set"
	evKeysGet = "keys.get"
	evMessage = "messages.upsert"
	evAck     = "ack"
)

// frame is the JSON envelope exchanged with the driver. Outgoing frames set
// Op, incoming frames set Event.
type frame struct {
	Op        string           `json:"op,omitempty"`
	Event     string           `json:"event,omitempty"`
	ID        string           `json:"id,omitempty"`
	Instance  int64            `json:"instance,omitempty"`
	Creds     json.RawMessage  `json:"creds,omitempty"`
	QR        string           `json:"qr,omitempty"`
	User      *Identity        `json:"user,omitempty"`
	Code      int              `json:"code,omitempty"`
	Error     string           `json:"error,omitempty"`
	Type      string           `json:"type,omitempty"`
	IDs       []string         `json:"ids,omitempty"`
	Keys      authstate.KeyMap `json:"keys,omitempty"`
	JID       string           `json:"jid,omitempty"`
	Message   json.RawMessage  `json:"message,omitempty"`
	MessageID string           `json:"messageId,omitempty"`
}

type wireMessage struct {
	ID        string `json:"id"`
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	Text      string `json:"text,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix seconds
}

// BridgeConfig configures the WebSocket driver bridge.
type BridgeConfig struct {
	URL            string
	Keys           KeyLookup
	Logger         *slog.Logger
	RequestTimeout time.Duration // wait for a send or logout acknowledgement (default: 30s)
}

// Bridge connects sessions to an external protocol driver. Each connection
// is one WebSocket carrying the driver's event stream and our commands.
type Bridge struct {
	url            string
	keys           KeyLookup
	logger         *slog.Logger
	requestTimeout time.Duration
	dialer         *websocket.Dialer
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Bridge{
		url:            cfg.URL,
		keys:           cfg.Keys,
		logger:         cfg.Logger,
		requestTimeout: cfg.RequestTimeout,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
}

func (b *Bridge) Connect(ctx context.Context, p ConnectParams) (Client, error) {
	u, err := url.Parse(b.url)
	if err != nil {
		return nil, fmt.Errorf("driver url: %w", err)
	}
	q := u.Query()
	q.Set("instance", strconv.FormatInt(p.InstanceID, 10))
	u.RawQuery = q.Encode()

	conn, _, err := b.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial driver: %w", err)
	}

	c := &bridgeClient{
		instanceID:     p.InstanceID,
		conn:           conn,
		keys:           b.keys,
		logger:         b.logger.With("instance", p.InstanceID),
		requestTimeout: b.requestTimeout,
		events:         make(chan Event, 64),
		done:           make(chan struct{}),
		pending:        make(map[string]chan frame),
	}

	if err := c.write(frame{Op: opConnect, ID: uuid.NewString(), Instance: p.InstanceID, Creds: p.Credentials.Creds}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send connect: %w", err)
	}

	go c.readLoop()
	return c, nil
}

type bridgeClient struct {
	instanceID     int64
	conn           *websocket.Conn
	keys           KeyLookup
	logger         *slog.Logger
	requestTimeout time.Duration

	writeMu   sync.Mutex
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	closed  bool
	pending map[string]chan frame
}

func (c *bridgeClient) Events() <-chan Event {
	return c.events
}

func (c *bridgeClient) SendMessage(ctx context.Context, jid string, msg OutboundMessage) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	ack, err := c.request(ctx, frame{Op: opSend, JID: jid, Message: payload})
	if err != nil {
		return "", err
	}
	return ack.MessageID, nil
}

func (c *bridgeClient) Logout(ctx context.Context) error {
	_, err := c.request(ctx, frame{Op: opLogout})
	return err
}

func (c *bridgeClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
	})
	return nil
}

// request writes f with a fresh id and waits for the matching ack.
func (c *bridgeClient) request(ctx context.Context, f frame) (frame, error) {
	f.ID = uuid.NewString()
	ch := make(chan frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return frame{}, ErrClosed
	}
	c.pending[f.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return frame{}, fmt.Errorf("%s: %w", f.Op, err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case ack, ok := <-ch:
		if !ok {
			return frame{}, ErrClosed
		}
		if ack.Error != "" {
			return frame{}, fmt.Errorf("%s rejected by driver: %s", f.Op, ack.Error)
		}
		return ack, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-timer.C:
		return frame{}, fmt.Errorf("%s: no acknowledgement after %s", f.Op, c.requestTimeout)
	}
}

func (c *bridgeClient) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(f)
}

// readLoop dispatches driver frames until the connection ends, then emits
// exactly one close event and closes the event channel.
func (c *bridgeClient) readLoop() {
	defer close(c.events)
	defer c.conn.Close()
	defer c.failPending()

	info := c.readFrames()
	c.emit(Event{Type: EventClose, Close: info})
}

func (c *bridgeClient) readFrames() *CloseInfo {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return &CloseInfo{Err: ErrClosed}
			default:
			}
			return closeInfoFromError(err)
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("invalid driver frame", "err", err)
			continue
		}

		switch f.Event {
		case evQR:
			c.emit(Event{Type: EventQR, QR: f.QR})
		case evOpen:
			c.emit(Event{Type: EventOpen, User: f.User})
		case evClose:
			info := &CloseInfo{Code: f.Code}
			if f.Error != "" {
				info.Err = errors.New(f.Error)
			}
			return info
		case evCreds:
			c.emit(Event{Type: EventCreds, Creds: f.Creds})
		case evKeysSet:
			c.emit(Event{Type: EventKeys, Keys: f.Keys})
		case evKeysGet:
			go c.serveKeys(f)
		case evMessage:
			if msg, ok := c.decodeMessage(f.Message); ok {
				c.emit(Event{Type: EventMessage, Message: msg})
			}
		case evAck:
			c.resolve(f)
		default:
			c.logger.Debug("ignoring driver frame", "event", f.Event)
		}
	}
}

func (c *bridgeClient) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *bridgeClient) resolve(ack frame) {
	c.mu.Lock()
	ch, ok := c.pending[ack.ID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("ack for unknown request", "id", ack.ID)
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

func (c *bridgeClient) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *bridgeClient) serveKeys(req frame) {
	reply := frame{Op: opKeysResult, ID: req.ID, Type: req.Type, Keys: authstate.KeyMap{req.Type: {}}}

	if c.keys != nil && len(req.IDs) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		vals, err := c.keys.GetKeys(ctx, c.instanceID, req.Type, req.IDs)
		cancel()
		if err != nil {
			c.logger.Error("key lookup failed", "type", req.Type, "count", len(req.IDs), "err", err)
			reply.Error = err.Error()
		} else {
			reply.Keys[req.Type] = vals
		}
	}

	if err := c.write(reply); err != nil {
		c.logger.Debug("key reply not delivered", "err", err)
	}
}

func (c *bridgeClient) decodeMessage(raw json.RawMessage) (*domain.InboundMessage, bool) {
	var m wireMessage
	if err := json.Unmarshal(raw, &m); err != nil || m.RemoteJID == "" {
		c.logger.Warn("invalid message frame", "err", err)
		return nil, false
	}
	ts := time.Now()
	if m.Timestamp > 0 {
		ts = time.Unix(m.Timestamp, 0)
	}
	return &domain.InboundMessage{
		InstanceID: c.instanceID,
		MessageID:  m.ID,
		From:       m.RemoteJID,
		Phone:      domain.NormalizePhone(m.RemoteJID),
		Text:       m.Text,
		IsGroup:    domain.IsGroupAddress(m.RemoteJID),
		FromMe:     m.FromMe,
		Timestamp:  ts,
	}, true
}

// closeInfoFromError maps a read failure to a close. Driver close frames in
// the 4000 range carry the protocol close code; anything else is transport.
func closeInfoFromError(err error) *CloseInfo {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code >= driverCloseBase && ce.Code < driverCloseBase+1000 {
		info := &CloseInfo{Code: ce.Code - driverCloseBase}
		if ce.Text != "" {
			info.Err = errors.New(ce.Text)
		}
		return info
	}
	return &CloseInfo{Err: err}
}
