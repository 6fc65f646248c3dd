package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"wagate/internal/authstate"
	"wagate/internal/bus"
	"wagate/internal/domain"
	"wagate/internal/waclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeClient is a protocol client driven by the test through its events channel.
type fakeClient struct {
	events chan waclient.Event

	mu        sync.Mutex
	closed    bool
	loggedOut bool
	sent      []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan waclient.Event, 16)}
}

func (c *fakeClient) Events() <-chan waclient.Event { return c.events }

func (c *fakeClient) SendMessage(ctx context.Context, jid string, msg waclient.OutboundMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, jid)
	return "MSG1", nil
}

func (c *fakeClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

// Close ends the event stream the way a real client does when closed locally.
func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.events <- waclient.Event{Type: waclient.EventClose, Close: &waclient.CloseInfo{Err: waclient.ErrClosed}}
		close(c.events)
	}
	return nil
}

// drop simulates the remote end closing the connection with code.
func (c *fakeClient) drop(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.events <- waclient.Event{Type: waclient.EventClose, Close: &waclient.CloseInfo{Code: code}}
		close(c.events)
	}
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeConnector struct {
	mu      sync.Mutex
	clients []*fakeClient
	params  []waclient.ConnectParams
	connCh  chan *fakeClient
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{connCh: make(chan *fakeClient, 16)}
}

func (f *fakeConnector) Connect(ctx context.Context, p waclient.ConnectParams) (waclient.Client, error) {
	c := newFakeClient()
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.params = append(f.params, p)
	f.mu.Unlock()
	f.connCh <- c
	return c, nil
}

func (f *fakeConnector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fakeConnector) next(t *testing.T) *fakeClient {
	t.Helper()
	select {
	case c := <-f.connCh:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect")
	}
	return nil
}

type memCreds struct {
	mu     sync.Mutex
	creds  map[int64]json.RawMessage
	purged map[int64]int
}

func newMemCreds() *memCreds {
	return &memCreds{creds: make(map[int64]json.RawMessage), purged: make(map[int64]int)}
}

func (m *memCreds) Load(ctx context.Context, id int64) (authstate.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return authstate.Credentials{Creds: m.creds[id], Keys: authstate.KeyMap{}}, nil
}

func (m *memCreds) SaveCreds(ctx context.Context, id int64, creds json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[id] = creds
	return nil
}

func (m *memCreds) SetKeys(ctx context.Context, id int64, keys authstate.KeyMap) error {
	return nil
}

func (m *memCreds) Purge(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, id)
	m.purged[id]++
	return nil
}

func (m *memCreds) has(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.creds[id]
	return ok
}

func (m *memCreds) purgeCount(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purged[id]
}

// gatedCreds holds every Purge until release is closed.
type gatedCreds struct {
	*memCreds
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedCreds) Purge(ctx context.Context, id int64) error {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.memCreds.Purge(ctx, id)
}

type statusLog struct {
	mu      sync.Mutex
	updates map[int64][]domain.StatusUpdate
}

func newStatusLog() *statusLog {
	return &statusLog{updates: make(map[int64][]domain.StatusUpdate)}
}

func (s *statusLog) UpdateInstanceStatus(ctx context.Context, id int64, u domain.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[id] = append(s.updates[id], u)
	return nil
}

func (s *statusLog) last(id int64) domain.StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.updates[id]
	if len(list) == 0 {
		return domain.StatusUpdate{}
	}
	return list[len(list)-1]
}

type harness struct {
	mgr       *Manager
	connector *fakeConnector
	creds     *memCreds
	status    *statusLog
	events    *bus.EventBus

	mu      sync.Mutex
	inbound []domain.InboundMessage
}

func newHarness(t *testing.T, mutate func(*ManagerConfig)) *harness {
	t.Helper()
	h := &harness{
		connector: newFakeConnector(),
		creds:     newMemCreds(),
		status:    newStatusLog(),
		events:    bus.NewEventBus(testLogger()),
	}
	cfg := ManagerConfig{
		Connector:   h.connector,
		Credentials: h.creds,
		Instances:   h.status,
		Events:      h.events,
		OnInbound: func(msg domain.InboundMessage) {
			h.mu.Lock()
			h.inbound = append(h.inbound, msg)
			h.mu.Unlock()
		},
		Backoff: func(retry int) time.Duration { return 20 * time.Millisecond },
		Logger:  testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.mgr = NewManager(cfg)
	t.Cleanup(h.mgr.Close)
	return h
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) snapshot(t *testing.T, id int64) Snapshot {
	t.Helper()
	snap, ok := h.mgr.GetSession(id)
	if !ok {
		t.Fatalf("session %d not found", id)
	}
	return snap
}

func (h *harness) waitStatus(t *testing.T, id int64, want Status) {
	t.Helper()
	eventually(t, "status "+string(want), func() bool {
		snap, ok := h.mgr.GetSession(id)
		return ok && snap.Status == want
	})
}

func (h *harness) open(t *testing.T, id int64) *fakeClient {
	t.Helper()
	c := h.connector.next(t)
	c.events <- waclient.Event{Type: waclient.EventOpen, User: &waclient.Identity{ID: "15550001111@s.whatsapp.net"}}
	h.waitStatus(t, id, StatusConnected)
	return c
}

func TestStartSession_Idempotent(t *testing.T) {
	h := newHarness(t, nil)

	if _, err := h.mgr.StartSession(1); err != nil {
		t.Fatal(err)
	}
	h.open(t, 1)

	snap, err := h.mgr.StartSession(1)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != StatusConnected {
		t.Errorf("expected connected snapshot, got %s", snap.Status)
	}
	time.Sleep(50 * time.Millisecond)
	if n := h.connector.count(); n != 1 {
		t.Fatalf("expected 1 connection, got %d", n)
	}
}

func TestStartSession_ConcurrentCallsConnectOnce(t *testing.T) {
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.mgr.StartSession(5)
		}()
	}
	wg.Wait()

	time.Sleep(50 * time.Millisecond)
	if n := h.connector.count(); n != 1 {
		t.Fatalf("expected 1 connection, got %d", n)
	}
}

func TestOpen_PersistsRunningAndCapturesUser(t *testing.T) {
	h := newHarness(t, nil)
	h.mgr.StartSession(1)
	h.open(t, 1)

	snap := h.snapshot(t, 1)
	if snap.User == nil || snap.User.ID != "15550001111@s.whatsapp.net" {
		t.Errorf("unexpected user %+v", snap.User)
	}
	if snap.QR != "" || snap.RetryCount != 0 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if got := h.status.last(1); got.Status != domain.InstanceRunning {
		t.Errorf("expected running persisted, got %+v", got)
	}
}

func TestCreds_SavedOnUpdate(t *testing.T) {
	h := newHarness(t, nil)
	h.mgr.StartSession(1)
	c := h.connector.next(t)

	c.events <- waclient.Event{Type: waclient.EventCreds, Creds: json.RawMessage(`{"me":"x"}`)}
	eventually(t, "creds saved", func() bool { return h.creds.has(1) })
}

func TestClose_TransientReconnectsWithGrowingRetry(t *testing.T) {
	var mu sync.Mutex
	var delays []int
	h := newHarness(t, func(cfg *ManagerConfig) {
		cfg.Backoff = func(retry int) time.Duration {
			mu.Lock()
			delays = append(delays, retry)
			mu.Unlock()
			return 10 * time.Millisecond
		}
	})

	h.mgr.StartSession(1)
	c := h.connector.next(t)
	for i := 1; i <= 3; i++ {
		c.drop(waclient.CodeConnectionClosed)
		c = h.connector.next(t)
		if snap := h.snapshot(t, 1); snap.RetryCount != i {
			t.Fatalf("after drop %d: retry = %d", i, snap.RetryCount)
		}
	}

	mu.Lock()
	if len(delays) != 3 || delays[0] != 1 || delays[1] != 2 || delays[2] != 3 {
		t.Errorf("backoff called with %v, want [1 2 3]", delays)
	}
	mu.Unlock()

	if got := h.status.last(1); got.Status != domain.InstanceReconnecting || got.LastError == "" {
		t.Errorf("expected reconnecting with last error, got %+v", got)
	}

	c.events <- waclient.Event{Type: waclient.EventOpen}
	h.waitStatus(t, 1, StatusConnected)
	if snap := h.snapshot(t, 1); snap.RetryCount != 0 {
		t.Errorf("retry should reset on open, got %d", snap.RetryCount)
	}
}

func TestClose_RestartRequiredRetriesImmediately(t *testing.T) {
	h := newHarness(t, func(cfg *ManagerConfig) {
		cfg.Backoff = func(int) time.Duration { return time.Hour }
	})

	h.mgr.StartSession(1)
	c := h.open(t, 1)
	c.drop(waclient.CodeRestartRequired)

	h.connector.next(t)
	if snap := h.snapshot(t, 1); snap.RetryCount != 0 {
		t.Errorf("restart should not count as a retry, got %d", snap.RetryCount)
	}
}

func TestClose_LoggedOutIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	h.mgr.StartSession(1)
	c := h.connector.next(t)
	c.events <- waclient.Event{Type: waclient.EventCreds, Creds: json.RawMessage(`{}`)}
	c.events <- waclient.Event{Type: waclient.EventOpen}
	h.waitStatus(t, 1, StatusConnected)

	c.drop(waclient.CodeLoggedOut)

	eventually(t, "session removed", func() bool {
		_, ok := h.mgr.GetSession(1)
		return !ok
	})
	if h.creds.has(1) {
		t.Error("credentials should be purged")
	}
	got := h.status.last(1)
	if got.Status != domain.InstanceStopped || got.StopReason != domain.StopAuthExpired {
		t.Errorf("expected stopped/auth_expired, got %+v", got)
	}

	time.Sleep(60 * time.Millisecond)
	if n := h.connector.count(); n != 1 {
		t.Errorf("terminal close must not reconnect, got %d connects", n)
	}
}

func TestClose_ConnectionReplacedIsUnrecoverable(t *testing.T) {
	h := newHarness(t, nil)
	h.mgr.StartSession(1)
	c := h.open(t, 1)
	c.drop(waclient.CodeConnectionReplaced)

	eventually(t, "stop persisted", func() bool {
		return h.status.last(1).StopReason == domain.StopUnrecoverable
	})
}

func TestDeleteSession_CancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, func(cfg *ManagerConfig) {
		cfg.Backoff = func(int) time.Duration { return 100 * time.Millisecond }
	})

	h.mgr.StartSession(1)
	c := h.open(t, 1)
	c.drop(waclient.CodeTimedOut)
	h.waitStatus(t, 1, StatusDisconnected)

	if err := h.mgr.DeleteSession(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	time.Sleep(250 * time.Millisecond)
	if n := h.connector.count(); n != 1 {
		t.Fatalf("reconnect fired after delete: %d connects", n)
	}
	if _, ok := h.mgr.GetSession(1); ok {
		t.Fatal("deleted session resurrected")
	}
	got := h.status.last(1)
	if got.Status != domain.InstanceStopped || got.StopReason != domain.StopManual {
		t.Errorf("expected stopped/manual, got %+v", got)
	}
}

func TestDeleteSession_LogsOutConnectedClient(t *testing.T) {
	h := newHarness(t, nil)
	h.mgr.StartSession(1)
	c := h.open(t, 1)

	if err := h.mgr.DeleteSession(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	c.mu.Lock()
	loggedOut := c.loggedOut
	c.mu.Unlock()
	if !loggedOut || !c.isClosed() {
		t.Errorf("loggedOut=%v closed=%v, want both", loggedOut, c.isClosed())
	}
	if h.creds.purgeCount(1) != 1 {
		t.Errorf("expected one purge, got %d", h.creds.purgeCount(1))
	}

	time.Sleep(50 * time.Millisecond)
	if h.connector.count() != 1 {
		t.Error("local close after delete must not reconnect")
	}
}

func TestDeleteSession_RestartWaitsForStopRecord(t *testing.T) {
	gate := &gatedCreds{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, func(cfg *ManagerConfig) {
		gate.memCreds = cfg.Credentials.(*memCreds)
		cfg.Credentials = gate
	})
	h.mgr.StartSession(1)
	h.open(t, 1)

	deleted := make(chan error, 1)
	go func() { deleted <- h.mgr.DeleteSession(context.Background(), 1) }()
	<-gate.entered

	started := make(chan struct{})
	go func() {
		h.mgr.StartSession(1)
		close(started)
	}()
	select {
	case <-started:
		t.Fatal("StartSession registered a session while the stop was being recorded")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	if err := <-deleted; err != nil {
		t.Fatal(err)
	}
	<-started
	h.connector.next(t)

	eventually(t, "restart persisted", func() bool {
		return h.status.last(1).Status == domain.InstanceConnecting
	})
	if n := h.creds.purgeCount(1); n != 1 {
		t.Errorf("expected one purge, got %d", n)
	}
}

func TestDeleteSession_Missing(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.mgr.DeleteSession(context.Background(), 42); err != nil {
		t.Fatalf("delete of missing session: %v", err)
	}
	if h.creds.purgeCount(42) != 1 {
		t.Error("stale credentials should be purged")
	}
	if got := h.status.last(42); got.Status != domain.InstanceStopped {
		t.Errorf("expected stopped persisted, got %+v", got)
	}
}

func TestQRTimeout_StopsAndNextStartPairsAgain(t *testing.T) {
	h := newHarness(t, func(cfg *ManagerConfig) {
		cfg.QRTimeout = 100 * time.Millisecond
	})

	h.mgr.StartSession(1)
	c := h.connector.next(t)
	c.events <- waclient.Event{Type: waclient.EventQR, QR: "qr-1"}
	eventually(t, "qr", func() bool {
		snap, ok := h.mgr.GetSession(1)
		return ok && snap.QR == "qr-1"
	})

	eventually(t, "qr timeout", func() bool {
		_, ok := h.mgr.GetSession(1)
		return !ok
	})
	got := h.status.last(1)
	if got.Status != domain.InstanceStopped || got.StopReason != domain.StopQRTimeout {
		t.Fatalf("expected stopped/qr_timeout, got %+v", got)
	}
	if h.creds.purgeCount(1) != 1 {
		t.Error("half-paired credentials should be purged")
	}
	if !c.isClosed() {
		t.Error("client should be closed on qr timeout")
	}

	h.mgr.StartSession(1)
	c2 := h.connector.next(t)
	c2.events <- waclient.Event{Type: waclient.EventQR, QR: "qr-2"}
	eventually(t, "fresh qr", func() bool {
		snap, ok := h.mgr.GetSession(1)
		return ok && snap.QR == "qr-2" && snap.Status == StatusConnecting
	})
}

func TestQRTimeout_SpansReconnects(t *testing.T) {
	h := newHarness(t, func(cfg *ManagerConfig) {
		cfg.QRTimeout = 150 * time.Millisecond
		cfg.Backoff = func(int) time.Duration { return 10 * time.Millisecond }
	})

	h.mgr.StartSession(1)
	c := h.connector.next(t)
	c.events <- waclient.Event{Type: waclient.EventQR, QR: "a"}
	time.Sleep(20 * time.Millisecond)
	c.drop(waclient.CodeTimedOut)

	c = h.connector.next(t)
	c.events <- waclient.Event{Type: waclient.EventQR, QR: "b"}

	eventually(t, "qr timeout across reconnect", func() bool {
		return h.status.last(1).StopReason == domain.StopQRTimeout
	})
}

func TestOpen_CancelsQRTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *ManagerConfig) {
		cfg.QRTimeout = 80 * time.Millisecond
	})

	h.mgr.StartSession(1)
	c := h.connector.next(t)
	c.events <- waclient.Event{Type: waclient.EventQR, QR: "a"}
	c.events <- waclient.Event{Type: waclient.EventOpen}
	h.waitStatus(t, 1, StatusConnected)

	time.Sleep(150 * time.Millisecond)
	if snap, ok := h.mgr.GetSession(1); !ok || snap.Status != StatusConnected {
		t.Fatal("paired session should survive the qr window")
	}
}

func TestInbound_OnlyDirectMessagesForwarded(t *testing.T) {
	h := newHarness(t, nil)
	h.mgr.StartSession(1)
	c := h.open(t, 1)

	c.events <- waclient.Event{Type: waclient.EventMessage, Message: &domain.InboundMessage{InstanceID: 1, Phone: "1555", MessageID: "direct"}}
	c.events <- waclient.Event{Type: waclient.EventMessage, Message: &domain.InboundMessage{InstanceID: 1, IsGroup: true, MessageID: "group"}}
	c.events <- waclient.Event{Type: waclient.EventMessage, Message: &domain.InboundMessage{InstanceID: 1, FromMe: true, MessageID: "mine"}}
	c.events <- waclient.Event{Type: waclient.EventMessage, Message: &domain.InboundMessage{InstanceID: 1, Phone: "1666", MessageID: "direct2"}}

	eventually(t, "inbound", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.inbound) == 2
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inbound[0].MessageID != "direct" || h.inbound[1].MessageID != "direct2" {
		t.Errorf("unexpected inbound order %+v", h.inbound)
	}
}

func TestInbound_FullQueueDoesNotStallCloseHandling(t *testing.T) {
	queue := bus.NewInboundQueue(1, testLogger())
	defer queue.Close()
	h := newHarness(t, func(cfg *ManagerConfig) {
		cfg.OnInbound = func(msg domain.InboundMessage) { queue.Publish(msg) }
	})
	h.mgr.StartSession(1)
	c := h.open(t, 1)

	c.events <- waclient.Event{Type: waclient.EventMessage, Message: &domain.InboundMessage{InstanceID: 1, Phone: "1555", MessageID: "m1"}}
	c.events <- waclient.Event{Type: waclient.EventMessage, Message: &domain.InboundMessage{InstanceID: 1, Phone: "1555", MessageID: "m2"}}
	start := time.Now()
	c.drop(waclient.CodeLoggedOut)

	eventually(t, "logged-out session removed", func() bool {
		_, ok := h.mgr.GetSession(1)
		return !ok
	})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("close handled after %v", elapsed)
	}
	if msg := <-queue.Subscribe(); msg.MessageID != "m1" {
		t.Errorf("queued message = %q, want m1", msg.MessageID)
	}
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t, nil)

	if _, err := h.mgr.SendMessage(context.Background(), 1, "x", waclient.OutboundMessage{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	h.mgr.StartSession(1)
	c := h.connector.next(t)
	if _, err := h.mgr.SendMessage(context.Background(), 1, "x", waclient.OutboundMessage{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	c.events <- waclient.Event{Type: waclient.EventOpen}
	h.waitStatus(t, 1, StatusConnected)

	id, err := h.mgr.SendMessage(context.Background(), 1, "15552223333@s.whatsapp.net", waclient.OutboundMessage{Type: domain.MessageText, Text: "hi"})
	if err != nil || id != "MSG1" {
		t.Fatalf("send: %q %v", id, err)
	}
}

func TestStatusEventsEmitted(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	var statuses []string
	h.events.On(bus.EventInstanceStatus, func(e bus.Event) {
		mu.Lock()
		statuses = append(statuses, e.Payload["status"].(string))
		mu.Unlock()
	})

	h.mgr.StartSession(1)
	h.open(t, 1)
	h.mgr.DeleteSession(context.Background(), 1)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"connecting", "running", "stopped"}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}
}

func TestFormatAddress(t *testing.T) {
	h := newHarness(t, nil)
	addr := h.mgr.FormatAddress("+1 (555) 000-1111")
	if addr != "15550001111@s.whatsapp.net" || h.mgr.FormatAddress(addr) != addr {
		t.Errorf("unexpected address %q", addr)
	}
}

func TestClose_ShutdownKeepsPersistedState(t *testing.T) {
	h := newHarness(t, nil)
	h.mgr.StartSession(1)
	h.open(t, 1)

	h.mgr.Close()

	if got := h.status.last(1); got.Status != domain.InstanceRunning {
		t.Errorf("shutdown should leave running status for auto-start, got %+v", got)
	}
	if h.creds.purgeCount(1) != 0 {
		t.Error("shutdown must not purge credentials")
	}
	if _, err := h.mgr.StartSession(2); !errors.Is(err, ErrShutdown) {
		t.Errorf("expected ErrShutdown, got %v", err)
	}
}
