package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"matchchat/internal/chat"
	"matchchat/internal/domain"

	"go.uber.org/zap"
)

var errClosed = errors.New("use of closed connection")

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []domain.WebSocketResponse
	notify  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
		notify: make(chan struct{}, 64),
	}
}

func (f *fakeConn) ReadJSON(v interface{}) error {
	select {
	case raw := <-f.in:
		return json.Unmarshal(raw, v)
	case <-f.closed:
		return errClosed
	}
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	select {
	case <-f.closed:
		return errClosed
	default:
	}
	// round-trip so tests see what a client would decode
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var resp domain.WebSocketResponse
	json.Unmarshal(raw, &resp)

	f.mu.Lock()
	f.written = append(f.written, resp)
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (f *fakeConn) SetPongHandler(func(string) error)         {}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) send(t *testing.T, frameType string, data interface{}) {
	t.Helper()
	raw, _ := json.Marshal(data)
	frame, _ := json.Marshal(domain.WebSocketMessage{Type: frameType, Data: raw})
	f.in <- frame
}

// waitFor blocks until a frame of eventType was written.
func (f *fakeConn) waitFor(t *testing.T, eventType string) domain.WebSocketResponse {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		for _, w := range f.written {
			if w.Type == eventType {
				f.mu.Unlock()
				return w
			}
		}
		f.mu.Unlock()
		select {
		case <-f.notify:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no %s frame written", eventType)
		}
	}
}

func (f *fakeConn) count(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.written {
		if w.Type == eventType {
			n++
		}
	}
	return n
}

type observerLog struct {
	mu     sync.Mutex
	events []string
}

func (o *observerLog) OnConnect(userID, sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "connect:"+sessionID)
}

func (o *observerLog) OnDisconnect(userID, sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "disconnect:"+sessionID)
}

func (o *observerLog) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

type fakeMessages struct {
	mu      sync.Mutex
	submits []chat.SubmitRequest
	result  *chat.SubmitResult
	err     error
	readN   int
}

func (m *fakeMessages) Submit(_ context.Context, req chat.SubmitRequest) (*chat.SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits = append(m.submits, req)
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &chat.SubmitResult{Message: domain.Message{ID: int64(len(m.submits)), ClientID: req.ClientID, Status: domain.StatusSent}}, nil
}

func (m *fakeMessages) MarkDelivered(context.Context, string, string, string) (*domain.Message, error) {
	return nil, domain.ErrNotFound
}

func (m *fakeMessages) MarkRead(context.Context, string, string, []int64) (int, error) {
	return m.readN, nil
}

func (m *fakeMessages) Edit(_ context.Context, userID string, id int64, content string) (*domain.Message, error) {
	if userID != "alice" {
		return nil, domain.ErrForbidden
	}
	return &domain.Message{ID: id, SenderID: userID, Content: content}, nil
}

func (m *fakeMessages) Delete(_ context.Context, userID string, id int64) (*domain.Message, error) {
	if id == 404 {
		return nil, domain.ErrNotFound
	}
	return &domain.Message{ID: id, SenderID: userID, Content: domain.DeletedPlaceholder}, nil
}

func (m *fakeMessages) History(_ context.Context, userID, otherID string, page, limit int) ([]domain.Message, error) {
	if otherID == "" {
		return nil, domain.ErrInvalidPayload
	}
	return []domain.Message{{ID: 1, SenderID: otherID, ReceiverID: userID}}, nil
}

func newGateway(t *testing.T, messages MessageService) (*WSManager, *observerLog) {
	t.Helper()
	w := NewWSManager(GatewayOptions{PingInterval: time.Hour, PongWait: 2 * time.Hour, WriteTimeout: time.Second}, zap.NewNop())
	w.SetRouter(NewRouter(messages, nil, nil, nil, zap.NewNop()))
	obs := &observerLog{}
	w.AddObserver(obs)
	return w, obs
}

func serve(w *WSManager, conn *fakeConn, userID string) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.HandleConnection(conn, userID)
	}()
	return done
}

func TestWelcomeAndPing(t *testing.T) {
	w, _ := newGateway(t, &fakeMessages{})
	conn := newFakeConn()
	done := serve(w, conn, "alice")

	conn.waitFor(t, domain.EventWelcome)
	conn.send(t, domain.EventPing, map[string]string{})
	conn.waitFor(t, domain.EventPong)

	conn.Close()
	<-done
	if w.GetActiveConnections() != 0 {
		t.Fatal("session should be unregistered after close")
	}
}

func TestMalformedFrameKeepsWorkerAlive(t *testing.T) {
	w, _ := newGateway(t, &fakeMessages{})
	conn := newFakeConn()
	done := serve(w, conn, "alice")
	defer func() { conn.Close(); <-done }()

	conn.waitFor(t, domain.EventWelcome)
	conn.in <- []byte("{definitely not json")
	conn.waitFor(t, domain.EventError)

	conn.send(t, "nonsense", map[string]string{})
	conn.send(t, domain.EventMessageSend, "not an object")
	conn.send(t, domain.EventPing, map[string]string{})
	conn.waitFor(t, domain.EventPong)

	if n := conn.count(domain.EventError); n != 3 {
		t.Fatalf("expected 3 error frames, got %d", n)
	}
	if conn.isClosed() {
		t.Fatal("connection must survive bad frames")
	}
}

func TestSendRoutesToCoordinator(t *testing.T) {
	msgs := &fakeMessages{}
	w, _ := newGateway(t, msgs)
	conn := newFakeConn()
	done := serve(w, conn, "alice")
	defer func() { conn.Close(); <-done }()

	conn.waitFor(t, domain.EventWelcome)
	conn.send(t, domain.EventMessageSend, domain.SendMessagePayload{Content: "hi", To: "bob", From: "alice", ClientID: "c1"})
	conn.send(t, domain.EventMessageSend, domain.SendMessagePayload{Content: "hi", To: "bob", From: "mallory", ClientID: "c2"})
	conn.waitFor(t, domain.EventError)

	msgs.mu.Lock()
	defer msgs.mu.Unlock()
	if len(msgs.submits) != 1 || msgs.submits[0].SenderID != "alice" || msgs.submits[0].ClientID != "c1" {
		t.Fatalf("unexpected submits %+v", msgs.submits)
	}
}

func TestReconnectReplacesSession(t *testing.T) {
	w, obs := newGateway(t, &fakeMessages{})

	first := newFakeConn()
	firstDone := serve(w, first, "alice")
	first.waitFor(t, domain.EventWelcome)

	second := newFakeConn()
	secondDone := serve(w, second, "alice")
	second.waitFor(t, domain.EventWelcome)

	<-firstDone
	if !first.isClosed() {
		t.Fatal("replaced connection should be closed")
	}
	if w.GetActiveConnections() != 1 || !w.IsConnected("alice") {
		t.Fatal("new session should own the route")
	}

	if !w.Send("alice", domain.NewEvent(domain.EventPresence, nil)) {
		t.Fatal("send should reach the new session")
	}
	second.waitFor(t, domain.EventPresence)
	if first.count(domain.EventPresence) != 0 {
		t.Fatal("old session must not receive new frames")
	}

	events := obs.snapshot()
	if len(events) != 3 {
		t.Fatalf("expected connect, disconnect, connect; got %v", events)
	}
	if events[0][:8] != "connect:" || events[1][:11] != "disconnect:" || events[2][:8] != "connect:" {
		t.Fatalf("unexpected observer order %v", events)
	}
	if events[0][8:] != events[1][11:] {
		t.Fatalf("disconnect should refer to the first session: %v", events)
	}

	second.Close()
	<-secondDone
	if len(obs.snapshot()) != 4 {
		t.Fatalf("closing the live session should produce one disconnect, got %v", obs.snapshot())
	}
}

func TestSendToOfflineUser(t *testing.T) {
	w, _ := newGateway(t, &fakeMessages{})
	if w.Send("nobody", domain.NewEvent(domain.EventPresence, nil)) {
		t.Fatal("no session, no delivery")
	}
	if err := w.Notify(context.Background(), "nobody", domain.NewEvent(domain.EventPresence, nil)); !errors.Is(err, domain.ErrRecipientOffline) {
		t.Fatalf("expected ErrRecipientOffline, got %v", err)
	}
}

func TestDeliverRelayed(t *testing.T) {
	w, _ := newGateway(t, &fakeMessages{})
	conn := newFakeConn()
	done := serve(w, conn, "bob")
	defer func() { conn.Close(); <-done }()
	conn.waitFor(t, domain.EventWelcome)

	w.DeliverRelayed(domain.Message{ClientID: "c1", SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	got := conn.waitFor(t, domain.EventMessageReceived)
	data, _ := got.Data.(map[string]interface{})
	if data["clientId"] != "c1" || data["senderId"] != "alice" {
		t.Fatalf("unexpected payload %+v", got.Data)
	}
}
