package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"matchchat/internal/domain"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	outboundBuffer = 256
	inboundBuffer  = 64
	handlerTimeout = 15 * time.Second
	lifecycleLocks = 64
)

// Conn is the part of a websocket connection the gateway uses.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// ConnectionObserver hears about sessions joining and leaving the routing table.
type ConnectionObserver interface {
	OnConnect(userID, sessionID string)
	OnDisconnect(userID, sessionID string)
}

type GatewayOptions struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
}

type wsSession struct {
	id       string
	userID   string
	conn     Conn
	outbound chan domain.WebSocketResponse
	done     chan struct{}
	once     sync.Once
}

func (s *wsSession) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// enqueue hands event to the writer. A session whose buffer is full is too
// slow to keep up and gets closed.
func (s *wsSession) enqueue(event domain.WebSocketResponse) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbound <- event:
		return true
	case <-s.done:
		return false
	default:
		s.close()
		return false
	}
}

// WSManager owns the user -> session routing table. A user has at most one
// session; a new connection replaces the old one.
type WSManager struct {
	opts      GatewayOptions
	logger    *zap.Logger
	router    *Router
	observers []ConnectionObserver

	sessions map[string]*wsSession
	mutex    sync.RWMutex

	lifecycle [lifecycleLocks]sync.Mutex
}

func NewWSManager(opts GatewayOptions, logger *zap.Logger) *WSManager {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 10 * time.Second
	}
	if opts.PongWait <= opts.PingInterval {
		opts.PongWait = 3 * opts.PingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &WSManager{
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*wsSession),
	}
}

// SetRouter wires the frame router. Call before serving connections.
func (w *WSManager) SetRouter(r *Router) {
	w.router = r
}

func (w *WSManager) AddObserver(o ConnectionObserver) {
	w.observers = append(w.observers, o)
}

func (w *WSManager) lifecycleLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &w.lifecycle[h.Sum32()%lifecycleLocks]
}

func (w *WSManager) register(s *wsSession) {
	lock := w.lifecycleLock(s.userID)
	lock.Lock()
	defer lock.Unlock()

	w.mutex.Lock()
	old := w.sessions[s.userID]
	w.sessions[s.userID] = s
	w.mutex.Unlock()

	if old != nil {
		w.logger.Info("Replacing existing session",
			zap.String("user_id", s.userID),
			zap.String("old_session", old.id),
			zap.String("new_session", s.id))
		old.close()
		for _, o := range w.observers {
			o.OnDisconnect(old.userID, old.id)
		}
	}
	for _, o := range w.observers {
		o.OnConnect(s.userID, s.id)
	}
}

// unregister drops s unless a newer session already replaced it.
func (w *WSManager) unregister(s *wsSession) {
	lock := w.lifecycleLock(s.userID)
	lock.Lock()
	defer lock.Unlock()

	w.mutex.Lock()
	current := w.sessions[s.userID] == s
	if current {
		delete(w.sessions, s.userID)
	}
	w.mutex.Unlock()

	if !current {
		return
	}
	for _, o := range w.observers {
		o.OnDisconnect(s.userID, s.id)
	}
}

// HandleConnection serves one authenticated connection until it closes.
func (w *WSManager) HandleConnection(conn Conn, userID string) {
	s := &wsSession{
		id:       uuid.NewString(),
		userID:   userID,
		conn:     conn,
		outbound: make(chan domain.WebSocketResponse, outboundBuffer),
		done:     make(chan struct{}),
	}

	w.register(s)
	defer func() {
		s.close()
		w.unregister(s)
		w.logger.Info("WebSocket client disconnected", zap.String("user_id", userID), zap.String("session_id", s.id))
	}()

	go w.writeLoop(s)

	inbound := make(chan domain.WebSocketMessage, inboundBuffer)
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		w.dispatchLoop(s, inbound)
	}()

	s.enqueue(domain.NewEvent(domain.EventWelcome, map[string]interface{}{
		"session_id": s.id,
		"user_id":    userID,
		"timestamp":  time.Now().Format(time.RFC3339),
		"message":    "Successfully connected",
	}))
	w.logger.Info("WebSocket client connected", zap.String("user_id", userID), zap.String("session_id", s.id))

	w.readLoop(s, inbound)
	close(inbound)
	<-dispatched
}

func (w *WSManager) readLoop(s *wsSession, inbound chan<- domain.WebSocketMessage) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Recovered from panic in read loop", zap.String("user_id", s.userID), zap.Any("panic", r))
		}
	}()

	extend := func() { s.conn.SetReadDeadline(time.Now().Add(w.opts.PongWait)) }
	extend()
	s.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		var msg domain.WebSocketMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				w.logger.Warn("Dropping malformed frame", zap.String("user_id", s.userID), zap.Error(err))
				s.enqueue(domain.NewErrorEvent("malformed frame"))
				extend()
				continue
			}
			w.logger.Debug("WebSocket read ended", zap.String("user_id", s.userID), zap.Error(err))
			return
		}
		extend()

		select {
		case inbound <- msg:
		case <-s.done:
			return
		}
	}
}

// dispatchLoop handles frames of one session in arrival order.
func (w *WSManager) dispatchLoop(s *wsSession, inbound <-chan domain.WebSocketMessage) {
	for msg := range inbound {
		w.dispatch(s, msg)
	}
}

func (w *WSManager) dispatch(s *wsSession, msg domain.WebSocketMessage) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Recovered from panic while handling frame",
				zap.String("user_id", s.userID),
				zap.String("type", msg.Type),
				zap.Any("panic", r))
			s.enqueue(domain.NewErrorEvent("internal error"))
		}
	}()

	if w.router == nil {
		s.enqueue(domain.NewErrorEvent("gateway not ready"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if reply := w.router.Handle(ctx, s.userID, msg); reply != nil {
		s.enqueue(*reply)
	}
}

func (w *WSManager) writeLoop(s *wsSession) {
	ticker := time.NewTicker(w.opts.PingInterval)
	defer func() {
		ticker.Stop()
		if r := recover(); r != nil {
			w.logger.Error("Recovered from panic in write loop", zap.String("user_id", s.userID), zap.Any("panic", r))
		}
		s.close()
	}()

	for {
		select {
		case <-s.done:
			return
		case event := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(w.opts.WriteTimeout))
			if err := s.conn.WriteJSON(event); err != nil {
				w.logger.Warn("Failed to write to client", zap.String("user_id", s.userID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.opts.WriteTimeout)); err != nil {
				w.logger.Debug("Ping failed", zap.String("user_id", s.userID), zap.Error(err))
				return
			}
		}
	}
}

// Send queues event for userID's session on this node. It reports false when
// the user has no session here. Nothing is stored for later.
func (w *WSManager) Send(userID string, event domain.WebSocketResponse) bool {
	w.mutex.RLock()
	s := w.sessions[userID]
	w.mutex.RUnlock()

	if s == nil {
		return false
	}
	return s.enqueue(event)
}

// Notify is Send for components that talk in errors.
func (w *WSManager) Notify(_ context.Context, userID string, event domain.WebSocketResponse) error {
	if !w.Send(userID, event) {
		return domain.ErrRecipientOffline
	}
	return nil
}

// HandleUserEvent delivers a frame routed through the user-events topic.
func (w *WSManager) HandleUserEvent(evt domain.UserEvent) {
	if w.Send(evt.UserID, evt.Event) {
		w.logger.Debug("Delivered fan-out event", zap.String("user_id", evt.UserID), zap.String("type", evt.Event.Type))
	}
}

// DeliverRelayed pushes a relayed message to its recipient if connected here.
func (w *WSManager) DeliverRelayed(m domain.Message) {
	w.Send(m.ReceiverID, domain.NewEvent(domain.EventMessageReceived, domain.ReceivedPayloadFrom(m)))
}

func (w *WSManager) IsConnected(userID string) bool {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	_, ok := w.sessions[userID]
	return ok
}

// GetActiveConnections returns the number of connected users for monitoring
func (w *WSManager) GetActiveConnections() int {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return len(w.sessions)
}

// Shutdown closes every session.
func (w *WSManager) Shutdown() {
	w.mutex.RLock()
	sessions := make([]*wsSession, 0, len(w.sessions))
	for _, s := range w.sessions {
		sessions = append(sessions, s)
	}
	w.mutex.RUnlock()

	for _, s := range sessions {
		s.close()
	}
}
