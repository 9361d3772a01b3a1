package client

import (
	"sync"
	"time"

	"matchchat/internal/domain"
)

// Timeline is the local view of one user's conversations. A provisional copy
// and its server confirmation share a clientId and collapse into one entry.
type Timeline struct {
	mu       sync.Mutex
	byClient map[string]*domain.Message
	byID     map[int64]string
	// retractions that arrived before the copy they withdraw
	retracted map[string]bool
}

func NewTimeline() *Timeline {
	return &Timeline{
		byClient:  make(map[string]*domain.Message),
		byID:      make(map[int64]string),
		retracted: make(map[string]bool),
	}
}

func timelineKey(m domain.Message) string {
	return m.SenderID + "/" + m.ClientID
}

// AddProvisional records a locally composed message in SENDING.
func (t *Timeline) AddProvisional(m domain.Message) {
	m.Status = domain.StatusSending
	t.Merge(m)
}

// Merge folds m into the timeline. Content and ids from the server win,
// status only ever moves forward.
func (t *Timeline) Merge(m domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := timelineKey(m)
	if m.ID == 0 && t.retracted[key] {
		delete(t.retracted, key)
		return
	}
	if m.ClientID == "" && m.ID != 0 {
		if k, ok := t.byID[m.ID]; ok {
			key = k
		}
	}

	cur, ok := t.byClient[key]
	if !ok {
		copied := m
		t.byClient[key] = &copied
		if m.ID != 0 {
			t.byID[m.ID] = key
		}
		return
	}

	if m.ID != 0 && cur.ID == 0 {
		cur.ID = m.ID
		t.byID[m.ID] = key
	}
	if m.ConversationID != "" {
		cur.ConversationID = m.ConversationID
	}
	if m.ID != 0 {
		cur.Content = m.Content
		if !m.CreatedAt.IsZero() {
			cur.CreatedAt = m.CreatedAt
		}
		cur.EditedAt = laterOf(cur.EditedAt, m.EditedAt)
		cur.DeletedAt = laterOf(cur.DeletedAt, m.DeletedAt)
	}
	if cur.Status.CanAdvanceTo(m.Status) {
		cur.Status = m.Status
	}
	cur.DeliveredAt = laterOf(cur.DeliveredAt, m.DeliveredAt)
	cur.ReadAt = laterOf(cur.ReadAt, m.ReadAt)
}

// Confirm applies a message:sent ack to senderID's provisional copy.
func (t *Timeline) Confirm(senderID string, ack domain.MessageSentPayload) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := senderID + "/" + ack.ClientID
	cur, ok := t.byClient[key]
	if !ok {
		return false
	}
	if ack.ID != 0 {
		cur.ID = ack.ID
		t.byID[ack.ID] = key
	}
	if !ack.CreatedAt.IsZero() {
		cur.CreatedAt = ack.CreatedAt
	}
	if cur.Status.CanAdvanceTo(ack.Status) {
		cur.Status = ack.Status
	}
	return true
}

// Fail marks a message the server gave up on.
func (t *Timeline) Fail(senderID, clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.byClient[senderID+"/"+clientID]
	if !ok || !cur.Status.CanAdvanceTo(domain.StatusFailed) {
		return false
	}
	cur.Status = domain.StatusFailed
	return true
}

// Retract drops the relayed copy of a message its sender's server never
// stored. Copies that already carry a durable id are kept. A retraction for a
// copy not seen yet swallows that copy when it arrives.
func (t *Timeline) Retract(senderID, clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := senderID + "/" + clientID
	cur, ok := t.byClient[key]
	if !ok {
		t.retracted[key] = true
		return false
	}
	if cur.ID != 0 {
		return false
	}
	delete(t.byClient, key)
	return true
}

// ApplyStatus advances the message with the given durable id. Stale or
// out-of-order updates are ignored and reported as false.
func (t *Timeline) ApplyStatus(id int64, status domain.MessageStatus, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key, ok := t.byID[id]
	if !ok {
		return false
	}
	cur := t.byClient[key]
	if !cur.Status.CanAdvanceTo(status) {
		return false
	}
	cur.Status = status
	stamp := at
	switch status {
	case domain.StatusDelivered:
		cur.DeliveredAt = &stamp
	case domain.StatusRead:
		cur.ReadAt = &stamp
		if cur.DeliveredAt == nil {
			cur.DeliveredAt = &stamp
		}
	}
	return true
}

// Conversation returns the messages exchanged with other, in display order.
func (t *Timeline) Conversation(self, other string) []domain.Message {
	conv := domain.ConversationID(self, other)

	t.mu.Lock()
	out := make([]domain.Message, 0)
	for _, m := range t.byClient {
		if domain.ConversationID(m.SenderID, m.ReceiverID) == conv {
			out = append(out, *m)
		}
	}
	t.mu.Unlock()

	domain.SortMessages(out)
	return out
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byClient)
}

func laterOf(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil || !b.After(*a) {
		return a
	}
	return b
}
