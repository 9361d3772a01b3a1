package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"matchchat/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type State string

const (
	StatePending  State = "pending"
	StateInFlight State = "in_flight"
	StateFailed   State = "failed"
)

const claimBatch = 10

// Item is an outgoing message waiting for the server's ack.
type Item struct {
	ClientID      string     `json:"clientId"`
	SenderID      string     `json:"senderId"`
	ReceiverID    string     `json:"receiverId"`
	Content       string     `json:"content"`
	CreatedAt     time.Time  `json:"createdAt"`
	State         State      `json:"state"`
	AttemptCount  int        `json:"attemptCount"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

// Store persists queue items. Claim and Transition must be atomic with
// respect to concurrent callers.
type Store interface {
	Put(ctx context.Context, item Item) error
	Get(ctx context.Context, clientID string) (Item, error)
	List(ctx context.Context) ([]Item, error)
	// Claim moves up to limit pending items to in_flight, oldest first.
	Claim(ctx context.Context, limit int, at time.Time) ([]Item, error)
	// Transition changes the state of clientID only if it is currently from.
	Transition(ctx context.Context, clientID string, from, to State, lastErr string) (bool, error)
	Delete(ctx context.Context, clientID string) error
	DeleteIn(ctx context.Context, clientID string, states ...State) (bool, error)
}

// Submitter sends one message to the server.
type Submitter interface {
	SubmitMessage(ctx context.Context, req domain.CreateMessageRequest) (*domain.Message, error)
}

type DrainResult struct {
	Succeeded []Item
	Failed    []Item
}

// Manager is the client-side queue every outgoing message passes through.
type Manager struct {
	store     Store
	submitter Submitter
	senderID  string
	logger    *zap.Logger

	mu     sync.Mutex
	online bool

	now func() time.Time
}

func NewManager(store Store, submitter Submitter, senderID string, logger *zap.Logger) *Manager {
	return &Manager{
		store:     store,
		submitter: submitter,
		senderID:  senderID,
		logger:    logger,
		online:    true,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue persists msg before anything is sent. An empty ClientID gets a
// fresh one that stays with the message across retries.
func (m *Manager) Enqueue(ctx context.Context, msg domain.Message) (Item, error) {
	if msg.ReceiverID == "" || msg.Content == "" {
		return Item{}, fmt.Errorf("%w: receiver and content are required", domain.ErrInvalidPayload)
	}
	item := Item{
		ClientID:   msg.ClientID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Content:    msg.Content,
		CreatedAt:  m.now(),
		State:      StatePending,
	}
	if item.ClientID == "" {
		item.ClientID = uuid.NewString()
	}
	if item.SenderID == "" {
		item.SenderID = m.senderID
	}

	if existing, err := m.store.Get(ctx, item.ClientID); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return Item{}, err
	}

	if err := m.store.Put(ctx, item); err != nil {
		return Item{}, fmt.Errorf("enqueue %s: %w", item.ClientID, err)
	}
	return item, nil
}

func (m *Manager) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records connectivity. Going online drains the queue.
func (m *Manager) SetOnline(ctx context.Context, online bool) (DrainResult, error) {
	m.mu.Lock()
	was := m.online
	m.online = online
	m.mu.Unlock()

	if online && !was {
		m.logger.Info("Back online, draining queue")
		return m.Drain(ctx)
	}
	return DrainResult{}, nil
}

// Drain submits pending items until none are left or one fails transiently.
// Items claimed by a concurrent drain are skipped, so each item is submitted
// at most once per attempt.
func (m *Manager) Drain(ctx context.Context) (DrainResult, error) {
	var result DrainResult

	for m.IsOnline() {
		batch, err := m.store.Claim(ctx, claimBatch, m.now())
		if err != nil {
			return result, fmt.Errorf("claim queue items: %w", err)
		}
		if len(batch) == 0 {
			return result, nil
		}

		for i, item := range batch {
			if !m.IsOnline() || ctx.Err() != nil {
				m.release(ctx, batch[i:], "drain interrupted")
				return result, ctx.Err()
			}
			if !m.submit(ctx, item, &result) {
				// transient failure: leave the rest for the next drain
				m.release(ctx, batch[i+1:], "drain deferred")
				return result, nil
			}
		}
	}
	return result, nil
}

// submit reports false when the item hit a transient failure and was put back.
func (m *Manager) submit(ctx context.Context, item Item, result *DrainResult) bool {
	_, err := m.submitter.SubmitMessage(ctx, domain.CreateMessageRequest{
		SenderID:   item.SenderID,
		ReceiverID: item.ReceiverID,
		Content:    item.Content,
		ClientID:   item.ClientID,
	})
	if err == nil {
		if err := m.store.Delete(ctx, item.ClientID); err != nil {
			m.logger.Error("Acked item could not be removed", zap.String("client_id", item.ClientID), zap.Error(err))
		}
		result.Succeeded = append(result.Succeeded, item)
		return true
	}

	switch domain.KindOf(err) {
	case domain.KindRejected, domain.KindFatal:
		m.logger.Warn("Server rejected queued message", zap.String("client_id", item.ClientID), zap.Error(err))
		if _, terr := m.store.Transition(ctx, item.ClientID, StateInFlight, StateFailed, err.Error()); terr != nil {
			m.logger.Error("Failed to mark item failed", zap.String("client_id", item.ClientID), zap.Error(terr))
		}
		item.State = StateFailed
		item.LastError = err.Error()
		result.Failed = append(result.Failed, item)
		return true
	default:
		if errors.Is(err, domain.ErrOffline) {
			m.mu.Lock()
			m.online = false
			m.mu.Unlock()
		}
		m.logger.Info("Queued message kept for retry", zap.String("client_id", item.ClientID), zap.Error(err))
		m.release(ctx, []Item{item}, err.Error())
		return false
	}
}

func (m *Manager) release(ctx context.Context, items []Item, reason string) {
	for _, item := range items {
		if _, err := m.store.Transition(context.WithoutCancel(ctx), item.ClientID, StateInFlight, StatePending, reason); err != nil {
			m.logger.Error("Failed to return item to queue", zap.String("client_id", item.ClientID), zap.Error(err))
		}
	}
}

// Cancel removes an item that no drain has picked up yet.
func (m *Manager) Cancel(ctx context.Context, clientID string) error {
	removed, err := m.store.DeleteIn(ctx, clientID, StatePending, StateFailed)
	if err != nil {
		return err
	}
	if removed {
		return nil
	}
	if _, err := m.store.Get(ctx, clientID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is already being sent", domain.ErrInvalidTransition, clientID)
}

// Retry puts a failed item back in the queue.
func (m *Manager) Retry(ctx context.Context, clientID string) error {
	moved, err := m.store.Transition(ctx, clientID, StateFailed, StatePending, "")
	if err != nil {
		return err
	}
	if moved {
		return nil
	}
	item, err := m.store.Get(ctx, clientID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", domain.ErrInvalidTransition, clientID, item.State)
}

// Recover returns items left in flight by a process that died mid-drain.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	items, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, item := range items {
		if item.State != StateInFlight {
			continue
		}
		if ok, err := m.store.Transition(ctx, item.ClientID, StateInFlight, StatePending, "recovered"); err != nil {
			return n, err
		} else if ok {
			n++
		}
	}
	return n, nil
}

func (m *Manager) Items(ctx context.Context) ([]Item, error) {
	return m.store.List(ctx)
}
