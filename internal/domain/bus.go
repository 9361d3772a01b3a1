package domain

import "time"

// Events published on the event bus for other services.

type MessageLifecycleEvent struct {
	Type           string        `json:"type"`
	MessageID      int64         `json:"message_id"`
	ClientID       string        `json:"client_id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	ReceiverID     string        `json:"receiver_id"`
	Status         MessageStatus `json:"status"`
	Timestamp      time.Time     `json:"timestamp"`
}

type TypingMessage struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	Timestamp      time.Time `json:"timestamp"`
}

type ConnectionStatusMessage struct {
	Type      string     `json:"type"`
	UserID    string     `json:"user_id"`
	SessionID string     `json:"session_id"`
	IsOnline  bool       `json:"is_online"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

type CallSignalEvent struct {
	Type      string    `json:"type"`
	CallID    string    `json:"call_id"`
	CallerID  string    `json:"caller_id"`
	CalleeID  string    `json:"callee_id"`
	State     CallState `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// UserEvent carries a socket frame addressed to one user across nodes.
type UserEvent struct {
	UserID string            `json:"user_id"`
	Event  WebSocketResponse `json:"event"`
}
