package domain

import (
	"sort"
	"strings"
	"time"
)

type MessageStatus string

const (
	StatusSending   MessageStatus = "SENDING"
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
	StatusFailed    MessageStatus = "FAILED"
)

var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanAdvanceTo reports whether a message may move from s to next.
// FAILED is reachable only from SENDING and nothing leaves it.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	if s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return s == StatusSending
	}
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	n, ok := statusRank[next]
	if !ok {
		return false
	}
	return n > cur
}

func (s MessageStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

// DeletedPlaceholder replaces the content of soft-deleted messages.
const DeletedPlaceholder = "This message was deleted"

type Message struct {
	ID             int64         `json:"id,omitempty"`
	ClientID       string        `json:"clientId"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	ReceiverID     string        `json:"receiverId"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	DeliveredAt    *time.Time    `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time    `json:"readAt,omitempty"`
	DeletedAt      *time.Time    `json:"deletedAt,omitempty"`
	EditedAt       *time.Time    `json:"editedAt,omitempty"`
}

// ValidUserID reports whether id can take part in a conversation id. The
// separator may not appear inside a user id.
func ValidUserID(id string) bool {
	return id != "" && !strings.Contains(id, ":")
}

// ConversationID derives the same id from either side of a two-party chat.
func ConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}

// Participants splits a conversation id back into its two user ids.
func Participants(conversationID string) (string, string, bool) {
	parts := strings.SplitN(conversationID, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// SortMessages orders by createdAt, falling back to the durable id.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

type PresenceRecord struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type TypingIndicator struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ExpiresAt      time.Time `json:"expiresAt"`
}
