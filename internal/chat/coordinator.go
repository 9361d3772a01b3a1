package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"matchchat/internal/domain"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	maxContentLength = 4000
	defaultPageSize  = 50
	maxPageSize      = 100
	relayTimeout     = 5 * time.Second
)

// Store is the durable message log.
type Store interface {
	Create(ctx context.Context, msg *domain.Message) (*domain.Message, bool, error)
	FindByClientID(ctx context.Context, senderID, clientID string) (*domain.Message, error)
	FindByID(ctx context.Context, id int64) (*domain.Message, error)
	MarkDelivered(ctx context.Context, senderID, clientID string, at time.Time) (*domain.Message, bool, error)
	MarkRead(ctx context.Context, readerID, senderID string, ids []int64, at time.Time) ([]domain.Message, error)
	UpdateContent(ctx context.Context, id int64, content string, at time.Time) error
	SoftDelete(ctx context.Context, id int64, at time.Time) error
	ListConversation(ctx context.Context, conversationID string, offset, limit int) ([]domain.Message, error)
}

// Relay pushes a message to the recipient over the ephemeral channel.
// pushed is false when the clientId was already relayed. Forget drops that
// memory so a later retry of the same clientId is relayed again.
type Relay interface {
	PushMessage(ctx context.Context, msg domain.Message) (bool, error)
	Forget(ctx context.Context, senderID, clientID string) error
}

// Notifier delivers a socket frame to a user.
type Notifier interface {
	Notify(ctx context.Context, userID string, event domain.WebSocketResponse) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event interface{}) error
}

type Options struct {
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

type SubmitRequest struct {
	SenderID   string
	ReceiverID string
	Content    string
	ClientID   string
}

type SubmitResult struct {
	Message  domain.Message
	Replayed bool
	// Reason is set when Message.Status is FAILED.
	Reason string
}

type Coordinator struct {
	store     Store
	relay     Relay
	notifier  Notifier
	publisher EventPublisher
	opts      Options
	logger    *zap.Logger

	locks *keyedMutex
	wg    sync.WaitGroup
	now   func() time.Time
}

func NewCoordinator(store Store, relay Relay, notifier Notifier, publisher EventPublisher, opts Options, logger *zap.Logger) *Coordinator {
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 200 * time.Millisecond
	}
	return &Coordinator{
		store:     store,
		relay:     relay,
		notifier:  notifier,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		locks:     newKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Submit accepts a message from its sender. A repeated (sender, clientId)
// returns the stored copy without writing or relaying again. When the durable
// write keeps failing the result carries status FAILED and err stays nil.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}

	conv := domain.ConversationID(req.SenderID, req.ReceiverID)
	unlock := c.locks.Lock(conv)
	defer unlock()

	if existing, err := c.store.FindByClientID(ctx, req.SenderID, req.ClientID); err == nil {
		c.notify(ctx, req.SenderID, domain.NewEvent(domain.EventMessageSent, sentPayload(existing)))
		return &SubmitResult{Message: *existing, Replayed: true}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		c.logger.Warn("Lookup before submit failed", zap.String("client_id", req.ClientID), zap.Error(err))
	}

	msg := domain.Message{
		ClientID:       req.ClientID,
		ConversationID: conv,
		SenderID:       req.SenderID,
		ReceiverID:     req.ReceiverID,
		Content:        req.Content,
		Status:         domain.StatusSending,
		CreatedAt:      c.now(),
	}

	relayed := c.pushRelay(msg)

	stored, created, err := c.persist(ctx, msg)
	if err != nil {
		c.logger.Error("Durable write failed, message FAILED",
			zap.String("sender_id", req.SenderID),
			zap.String("client_id", req.ClientID),
			zap.Error(err))

		msg.Status = domain.StatusFailed
		reason := "durable store unavailable"
		if domain.KindOf(err) != domain.KindTransient {
			reason = err.Error()
		}
		c.notify(ctx, req.SenderID, domain.NewEvent(domain.EventMessageFailed, domain.MessageFailedPayload{
			ClientID: req.ClientID,
			Reason:   reason,
		}))
		c.publish(ctx, lifecycleEvent(domain.EventMessageFailed, msg))
		c.retract(ctx, msg, relayed)
		return &SubmitResult{Message: msg, Reason: reason}, nil
	}

	c.notify(ctx, req.SenderID, domain.NewEvent(domain.EventMessageSent, sentPayload(stored)))
	if created {
		c.publish(ctx, lifecycleEvent(domain.EventMessageSent, *stored))
	}
	return &SubmitResult{Message: *stored, Replayed: !created}, nil
}

func validateSubmit(req SubmitRequest) error {
	switch {
	case req.SenderID == "" || req.ReceiverID == "":
		return fmt.Errorf("%w: sender and receiver are required", domain.ErrInvalidPayload)
	case !domain.ValidUserID(req.SenderID) || !domain.ValidUserID(req.ReceiverID):
		return fmt.Errorf("%w: malformed user id", domain.ErrInvalidPayload)
	case req.SenderID == req.ReceiverID:
		return fmt.Errorf("%w: cannot message yourself", domain.ErrInvalidPayload)
	case req.ClientID == "":
		return fmt.Errorf("%w: clientId is required", domain.ErrInvalidPayload)
	case strings.TrimSpace(req.Content) == "":
		return fmt.Errorf("%w: content is empty", domain.ErrInvalidPayload)
	case utf8.RuneCountInString(req.Content) > maxContentLength:
		return fmt.Errorf("%w: content longer than %d characters", domain.ErrInvalidPayload, maxContentLength)
	}
	return nil
}

// persist writes msg as SENT, retrying transient store errors with
// exponential backoff until the attempt budget runs out.
func (c *Coordinator) persist(ctx context.Context, msg domain.Message) (*domain.Message, bool, error) {
	msg.Status = domain.StatusSent

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.RetryBaseDelay
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.opts.RetryAttempts-1)), ctx)

	var (
		stored  *domain.Message
		created bool
		attempt int
	)
	err := backoff.Retry(func() error {
		attempt++
		m := msg
		var err error
		stored, created, err = c.store.Create(ctx, &m)
		if err == nil {
			return nil
		}
		if domain.KindOf(err) != domain.KindTransient {
			return backoff.Permanent(err)
		}
		c.logger.Warn("Durable write attempt failed",
			zap.String("client_id", msg.ClientID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}, policy)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// pushRelay relays msg in the background. The returned channel closes once
// the push attempt is over.
func (c *Coordinator) pushRelay(msg domain.Message) <-chan struct{} {
	done := make(chan struct{})
	if c.relay == nil {
		close(done)
		return done
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Recovered from panic in relay push", zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
		defer cancel()
		pushed, err := c.relay.PushMessage(ctx, msg)
		if err != nil {
			c.logger.Warn("Relay push failed", zap.String("client_id", msg.ClientID), zap.Error(err))
			return
		}
		if !pushed {
			c.logger.Debug("Relay push suppressed as duplicate", zap.String("client_id", msg.ClientID))
		}
	}()
	return done
}

// retract withdraws the relayed copy of a message that never became durable.
// The recipient drops it and a manual retry is relayed afresh.
func (c *Coordinator) retract(ctx context.Context, msg domain.Message, relayed <-chan struct{}) {
	if c.relay == nil {
		return
	}
	select {
	case <-relayed:
	case <-ctx.Done():
	}
	if err := c.relay.Forget(ctx, msg.SenderID, msg.ClientID); err != nil {
		c.logger.Warn("Relay dedupe not cleared", zap.String("client_id", msg.ClientID), zap.Error(err))
	}
	c.notify(ctx, msg.ReceiverID, domain.NewEvent(domain.EventMessageRetracted, domain.MessageRetractedPayload{
		SenderID: msg.SenderID,
		ClientID: msg.ClientID,
	}))
}

// MarkDelivered records the recipient's transport ack for a relayed message.
func (c *Coordinator) MarkDelivered(ctx context.Context, recipientID, senderID, clientID string) (*domain.Message, error) {
	if senderID == "" || clientID == "" {
		return nil, fmt.Errorf("%w: senderId and clientId are required", domain.ErrInvalidPayload)
	}

	unlock := c.locks.Lock(domain.ConversationID(recipientID, senderID))
	defer unlock()

	existing, err := c.store.FindByClientID(ctx, senderID, clientID)
	if err != nil {
		return nil, err
	}
	if existing.ReceiverID != recipientID {
		return nil, domain.ErrForbidden
	}

	msg, changed, err := c.store.MarkDelivered(ctx, senderID, clientID, c.now())
	if err != nil {
		return nil, err
	}
	if changed {
		c.notify(ctx, senderID, domain.NewEvent(domain.EventMessageDelivered, domain.MessageDeliveredPayload{
			MessageID:   msg.ID,
			ClientID:    msg.ClientID,
			DeliveredAt: *msg.DeliveredAt,
		}))
		c.publish(ctx, lifecycleEvent(domain.EventMessageDelivered, *msg))
	}
	return msg, nil
}

// MarkRead marks messages from conversationWith to readerID as read. With no
// ids every unread message qualifies. It returns how many changed.
func (c *Coordinator) MarkRead(ctx context.Context, readerID, conversationWith string, messageIDs []int64) (int, error) {
	if conversationWith == "" || conversationWith == readerID {
		return 0, fmt.Errorf("%w: conversationWith is required", domain.ErrInvalidPayload)
	}
	if !domain.ValidUserID(conversationWith) {
		return 0, fmt.Errorf("%w: malformed user id", domain.ErrInvalidPayload)
	}

	unlock := c.locks.Lock(domain.ConversationID(readerID, conversationWith))
	defer unlock()

	changed, err := c.store.MarkRead(ctx, readerID, conversationWith, messageIDs, c.now())
	if err != nil {
		return 0, err
	}
	for _, m := range changed {
		c.notify(ctx, conversationWith, domain.NewEvent(domain.EventMessageRead, domain.MessageReadPayload{
			MessageID: m.ID,
			ReadAt:    *m.ReadAt,
		}))
		c.publish(ctx, lifecycleEvent(domain.EventMessageRead, m))
	}
	return len(changed), nil
}

func (c *Coordinator) Edit(ctx context.Context, userID string, id int64, content string) (*domain.Message, error) {
	if strings.TrimSpace(content) == "" || utf8.RuneCountInString(content) > maxContentLength {
		return nil, fmt.Errorf("%w: invalid content", domain.ErrInvalidPayload)
	}

	msg, unlock, err := c.lockOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := c.store.UpdateContent(ctx, id, content, c.now()); err != nil {
		return nil, err
	}
	updated, err := c.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	c.notify(ctx, msg.ReceiverID, domain.NewEvent(domain.EventMessageEdited, updated))
	return updated, nil
}

func (c *Coordinator) Delete(ctx context.Context, userID string, id int64) (*domain.Message, error) {
	msg, unlock, err := c.lockOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := c.store.SoftDelete(ctx, id, c.now()); err != nil {
		return nil, err
	}
	deleted, err := c.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	c.notify(ctx, msg.ReceiverID, domain.NewEvent(domain.EventMessageDeleted, deleted))
	return deleted, nil
}

// lockOwned loads message id, checks that userID sent it and takes the
// conversation lock.
func (c *Coordinator) lockOwned(ctx context.Context, userID string, id int64) (*domain.Message, func(), error) {
	msg, err := c.store.FindByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if msg.SenderID != userID {
		return nil, nil, domain.ErrForbidden
	}
	if msg.DeletedAt != nil {
		return nil, nil, domain.ErrNotFound
	}
	return msg, c.locks.Lock(msg.ConversationID), nil
}

// History returns one page of the conversation in ascending order. Page 1 is
// the newest page.
func (c *Coordinator) History(ctx context.Context, userID, otherID string, page, limit int) ([]domain.Message, error) {
	if otherID == "" {
		return nil, fmt.Errorf("%w: conversationWith is required", domain.ErrInvalidPayload)
	}
	if !domain.ValidUserID(otherID) {
		return nil, fmt.Errorf("%w: malformed user id", domain.ErrInvalidPayload)
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return c.store.ListConversation(ctx, domain.ConversationID(userID, otherID), (page-1)*limit, limit)
}

// Wait blocks until in-flight relay pushes finish.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) notify(ctx context.Context, userID string, event domain.WebSocketResponse) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, userID, event); err != nil {
		c.logger.Debug("Event not delivered",
			zap.String("user_id", userID),
			zap.String("type", event.Type),
			zap.Error(err))
	}
}

func (c *Coordinator) publish(ctx context.Context, event interface{}) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.Warn("Failed to publish message event", zap.Error(err))
	}
}

func sentPayload(m *domain.Message) domain.MessageSentPayload {
	return domain.MessageSentPayload{
		ID:        m.ID,
		ClientID:  m.ClientID,
		Status:    m.Status,
		CreatedAt: m.CreatedAt,
	}
}

func lifecycleEvent(eventType string, m domain.Message) domain.MessageLifecycleEvent {
	return domain.MessageLifecycleEvent{
		Type:           eventType,
		MessageID:      m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Status:         m.Status,
		Timestamp:      time.Now().UTC(),
	}
}
