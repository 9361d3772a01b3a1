package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"matchchat/internal/domain"

	"go.uber.org/zap"
)

type Store interface {
	SetOnline(ctx context.Context, userID string, at time.Time, ttl time.Duration) error
	SetOffline(ctx context.Context, userID string, at time.Time) error
	GetPresence(ctx context.Context, userID string) (bool, *time.Time, error)
}

type TypingStore interface {
	SetUserTyping(ctx context.Context, conversationID, userID string, expiresAt time.Time) error
	ClearUserTyping(ctx context.Context, conversationID, userID string) error
	GetTypingUsers(ctx context.Context, conversationID string, now time.Time) ([]domain.TypingIndicator, error)
}

type Notifier interface {
	Notify(ctx context.Context, userID string, event domain.WebSocketResponse) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event interface{}) error
}

type Options struct {
	RefreshInterval time.Duration
	TTL             time.Duration
	TypingWindow    time.Duration
}

// Tracker owns presence for the users connected to this node and the typing
// indicators of their conversations.
type Tracker struct {
	store     Store
	typing    TypingStore
	notifier  Notifier
	publisher EventPublisher
	opts      Options
	logger    *zap.Logger

	mu    sync.RWMutex
	local map[string]string // userID -> sessionID

	now func() time.Time
}

func NewTracker(store Store, typing TypingStore, notifier Notifier, publisher EventPublisher, opts Options, logger *zap.Logger) *Tracker {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 15 * time.Second
	}
	if opts.TTL <= opts.RefreshInterval {
		opts.TTL = 3 * opts.RefreshInterval
	}
	if opts.TypingWindow <= 0 {
		opts.TypingWindow = 2 * time.Second
	}
	return &Tracker{
		store:     store,
		typing:    typing,
		notifier:  notifier,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		local:     make(map[string]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (t *Tracker) OnConnect(userID, sessionID string) {
	t.mu.Lock()
	t.local[userID] = sessionID
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := t.now()
	if err := t.store.SetOnline(ctx, userID, now, t.opts.TTL); err != nil {
		t.logger.Warn("Failed to mark user online", zap.String("user_id", userID), zap.Error(err))
	}
	t.publishStatus(ctx, userID, sessionID, true, now)
}

// OnDisconnect marks userID offline unless a newer session already took over.
func (t *Tracker) OnDisconnect(userID, sessionID string) {
	t.mu.Lock()
	current, ok := t.local[userID]
	if ok && current != sessionID {
		t.mu.Unlock()
		return
	}
	delete(t.local, userID)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := t.now()
	if err := t.store.SetOffline(ctx, userID, now); err != nil {
		t.logger.Warn("Failed to mark user offline", zap.String("user_id", userID), zap.Error(err))
	}
	t.publishStatus(ctx, userID, sessionID, false, now)
}

func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	t.mu.RLock()
	_, local := t.local[userID]
	t.mu.RUnlock()
	if local {
		return true, nil
	}

	online, _, err := t.store.GetPresence(ctx, userID)
	return online, err
}

func (t *Tracker) Get(ctx context.Context, userID string) (domain.PresenceRecord, error) {
	online, lastSeen, err := t.store.GetPresence(ctx, userID)
	if err != nil {
		return domain.PresenceRecord{}, err
	}
	t.mu.RLock()
	_, local := t.local[userID]
	t.mu.RUnlock()

	return domain.PresenceRecord{
		UserID:   userID,
		IsOnline: online || local,
		LastSeen: lastSeen,
	}, nil
}

// Run refreshes lastSeen and the online TTL of local users until ctx ends.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.refresh(ctx)
		}
	}
}

func (t *Tracker) refresh(ctx context.Context) {
	t.mu.RLock()
	users := make([]string, 0, len(t.local))
	for userID := range t.local {
		users = append(users, userID)
	}
	t.mu.RUnlock()

	now := t.now()
	for _, userID := range users {
		if err := t.store.SetOnline(ctx, userID, now, t.opts.TTL); err != nil {
			t.logger.Warn("Presence refresh failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

func (t *Tracker) ConnectedUsers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.local)
}

// StartTyping sets or extends the typing window of userID.
func (t *Tracker) StartTyping(ctx context.Context, conversationID, userID string) error {
	peer, err := peerOf(conversationID, userID)
	if err != nil {
		return err
	}

	now := t.now()
	if err := t.typing.SetUserTyping(ctx, conversationID, userID, now.Add(t.opts.TypingWindow)); err != nil {
		return err
	}
	t.emitTyping(ctx, domain.EventTypingStart, conversationID, userID, peer, now)
	return nil
}

func (t *Tracker) StopTyping(ctx context.Context, conversationID, userID string) error {
	peer, err := peerOf(conversationID, userID)
	if err != nil {
		return err
	}

	if err := t.typing.ClearUserTyping(ctx, conversationID, userID); err != nil {
		return err
	}
	t.emitTyping(ctx, domain.EventTypingStop, conversationID, userID, peer, t.now())
	return nil
}

// TypingUsers lists who is typing in the conversation right now.
func (t *Tracker) TypingUsers(ctx context.Context, conversationID string) ([]string, error) {
	indicators, err := t.typing.GetTypingUsers(ctx, conversationID, t.now())
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(indicators))
	for _, ind := range indicators {
		users = append(users, ind.UserID)
	}
	return users, nil
}

func peerOf(conversationID, userID string) (string, error) {
	a, b, ok := domain.Participants(conversationID)
	if !ok {
		return "", fmt.Errorf("%w: bad conversation id %q", domain.ErrInvalidPayload, conversationID)
	}
	switch userID {
	case a:
		return b, nil
	case b:
		return a, nil
	}
	return "", domain.ErrForbidden
}

func (t *Tracker) emitTyping(ctx context.Context, eventType, conversationID, userID, peer string, at time.Time) {
	if t.notifier != nil {
		event := domain.NewEvent(eventType, domain.TypingPayload{ConversationID: conversationID, UserID: userID})
		if err := t.notifier.Notify(ctx, peer, event); err != nil {
			t.logger.Debug("Typing event not delivered", zap.String("user_id", peer), zap.Error(err))
		}
	}
	if t.publisher != nil {
		msg := domain.TypingMessage{
			Type:           eventType,
			ConversationID: conversationID,
			UserID:         userID,
			IsTyping:       eventType == domain.EventTypingStart,
			Timestamp:      at,
		}
		if err := t.publisher.Publish(ctx, msg); err != nil {
			t.logger.Warn("Failed to publish typing event", zap.Error(err))
		}
	}
}

func (t *Tracker) publishStatus(ctx context.Context, userID, sessionID string, online bool, at time.Time) {
	if t.publisher == nil {
		return
	}
	msg := domain.ConnectionStatusMessage{
		Type:      "user_offline",
		UserID:    userID,
		SessionID: sessionID,
		IsOnline:  online,
		Timestamp: at,
	}
	if online {
		msg.Type = "user_online"
	} else {
		msg.LastSeen = &at
	}
	if err := t.publisher.Publish(ctx, msg); err != nil {
		t.logger.Warn("Failed to publish connection status", zap.String("user_id", userID), zap.Error(err))
	}
}
