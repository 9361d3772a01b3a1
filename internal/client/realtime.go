package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"matchchat/internal/domain"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Frame is one server-to-client event.
type Frame struct {
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error,omitempty"`
}

// FrameHandler runs on the read goroutine, in arrival order.
type FrameHandler func(Frame)

// RealtimeClient is the socket side of the client.
type RealtimeClient struct {
	baseURL string
	token   string
	logger  *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	cancelFn context.CancelFunc
	done     chan struct{}

	handlersMu sync.RWMutex
	handlers   map[string][]FrameHandler
	onClose    []func(error)
}

func NewRealtimeClient(baseURL, token string, logger *zap.Logger) *RealtimeClient {
	return &RealtimeClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		logger:   logger,
		handlers: make(map[string][]FrameHandler),
	}
}

// On registers h for eventType. "*" receives every frame.
func (c *RealtimeClient) On(eventType string, h FrameHandler) {
	c.handlersMu.Lock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
	c.handlersMu.Unlock()
}

// OnClose registers a callback for when the connection drops.
func (c *RealtimeClient) OnClose(h func(error)) {
	c.handlersMu.Lock()
	c.onClose = append(c.onClose, h)
	c.handlersMu.Unlock()
}

func (c *RealtimeClient) socketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the gateway and waits for the welcome frame.
func (c *RealtimeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	wsURL, err := c.socketURL()
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w: %v", domain.ErrOffline, err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read welcome: %w: %v", domain.ErrOffline, err)
	}
	var welcome Frame
	if err := json.Unmarshal(data, &welcome); err != nil || welcome.Type != domain.EventWelcome {
		conn.Close(websocket.StatusPolicyViolation, "")
		return fmt.Errorf("expected %q, got %q: %w", domain.EventWelcome, welcome.Type, domain.ErrCorruptState)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.cancelFn = cancel
	c.done = done
	c.mu.Unlock()

	c.dispatch(welcome)
	go c.readLoop(connCtx, conn, done)
	return nil
}

func (c *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	var cause error
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic in realtime read loop", zap.Any("panic", r))
			cause = fmt.Errorf("read loop panic: %v", r)
		}
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		close(done)

		c.handlersMu.RLock()
		closers := append([]func(error){}, c.onClose...)
		c.handlersMu.RUnlock()
		for _, h := range closers {
			h(cause)
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				cause = err
				c.logger.Warn("Realtime connection lost", zap.Error(err))
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("Dropping unreadable frame", zap.Error(err))
			continue
		}
		c.dispatch(frame)
	}
}

func (c *RealtimeClient) dispatch(frame Frame) {
	c.handlersMu.RLock()
	handlers := append([]FrameHandler{}, c.handlers[frame.Type]...)
	handlers = append(handlers, c.handlers["*"]...)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h(frame)
	}
}

// Send writes one {type, data} frame.
func (c *RealtimeClient) Send(ctx context.Context, eventType string, data interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("send %s: %w", eventType, domain.ErrOffline)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	frame, err := json.Marshal(domain.WebSocketMessage{Type: eventType, Data: raw})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("send %s: %w: %v", eventType, domain.ErrOffline, err)
	}
	return nil
}

func (c *RealtimeClient) SendMessage(ctx context.Context, payload domain.SendMessagePayload) error {
	return c.Send(ctx, domain.EventMessageSend, payload)
}

// AckDelivered tells the server a relayed message reached this client.
func (c *RealtimeClient) AckDelivered(ctx context.Context, senderID, clientID string) error {
	return c.Send(ctx, domain.EventMessageDelivered, domain.DeliveryAckPayload{ClientID: clientID, SenderID: senderID})
}

func (c *RealtimeClient) MarkRead(ctx context.Context, other string, ids []int64) error {
	return c.Send(ctx, domain.EventMessageRead, domain.MarkReadRequest{ConversationWith: other, MessageIDs: ids})
}

func (c *RealtimeClient) Typing(ctx context.Context, conversationID string, typing bool) error {
	eventType := domain.EventTypingStop
	if typing {
		eventType = domain.EventTypingStart
	}
	return c.Send(ctx, eventType, domain.TypingPayload{ConversationID: conversationID})
}

// Done is closed once the read loop exits.
func (c *RealtimeClient) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

func (c *RealtimeClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close shuts the connection down and waits for the read loop.
func (c *RealtimeClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancelFn
	done := c.done
	c.conn = nil
	c.cancelFn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return err
}
