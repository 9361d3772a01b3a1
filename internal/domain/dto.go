package domain

import (
	"encoding/json"
	"time"
)

// Event names shared by the socket protocol and the event bus.
const (
	EventMessageSend      = "message:send"
	EventMessageReceived  = "message:received"
	EventMessageSent      = "message:sent"
	EventMessageFailed    = "message:failed"
	EventMessageDelivered = "message:delivered"
	EventMessageRead      = "message:read"
	EventMessageEdited    = "message:edited"
	EventMessageDeleted   = "message:deleted"
	EventMessageRetracted = "message:retracted"

	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"

	EventCallOffer     = "call:offer"
	EventCallAnswer    = "call:answer"
	EventCallCandidate = "call:ice-candidate"
	EventCallEnd       = "call:end"
	EventCallReject    = "call:reject"
	EventCallConnected = "call:connected"
	EventCallFailed    = "call:failed"
	EventCallBusy      = "call:busy"
	EventCallRinging   = "call:ringing"

	EventPresence = "presence:update"
	EventPing     = "ping"
	EventPong     = "pong"
	EventWelcome  = "connection_established"
	EventError    = "error"
)

// WebSocketMessage is an inbound frame.
type WebSocketMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// WebSocketResponse is an outbound frame.
type WebSocketResponse struct {
	Type    string      `json:"type"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error,omitempty"`
}

func NewEvent(eventType string, data interface{}) WebSocketResponse {
	return WebSocketResponse{Type: eventType, Success: true, Data: data}
}

func NewErrorEvent(msg string) WebSocketResponse {
	return WebSocketResponse{Type: EventError, Success: false, Error: msg}
}

type SendMessagePayload struct {
	Content   string    `json:"content"`
	To        string    `json:"to"`
	From      string    `json:"from"`
	ClientID  string    `json:"clientId"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageReceivedPayload struct {
	ID         int64     `json:"id,omitempty"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	ClientID   string    `json:"clientId"`
}

func ReceivedPayloadFrom(m Message) MessageReceivedPayload {
	return MessageReceivedPayload{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Timestamp:  m.CreatedAt,
		ClientID:   m.ClientID,
	}
}

type MessageSentPayload struct {
	ID        int64         `json:"id"`
	ClientID  string        `json:"clientId"`
	Status    MessageStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
}

type MessageFailedPayload struct {
	ClientID string `json:"clientId"`
	Reason   string `json:"reason"`
}

// MessageRetractedPayload withdraws a relayed copy whose durable write failed.
type MessageRetractedPayload struct {
	SenderID string `json:"senderId"`
	ClientID string `json:"clientId"`
}

// DeliveryAckPayload is sent by the recipient once a relayed message reached it.
type DeliveryAckPayload struct {
	ClientID string `json:"clientId"`
	SenderID string `json:"senderId"`
}

type MessageDeliveredPayload struct {
	MessageID   int64     `json:"messageId"`
	ClientID    string    `json:"clientId,omitempty"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

type MarkReadRequest struct {
	ConversationWith string  `json:"conversationWith"`
	MessageIDs       []int64 `json:"messageIds,omitempty"`
}

type MessageReadPayload struct {
	MessageID int64     `json:"messageId"`
	ReadAt    time.Time `json:"readAt"`
}

type CreateMessageRequest struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	ClientID   string `json:"clientId"`
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type CallOfferPayload struct {
	Offer       json.RawMessage `json:"offer"`
	To          string          `json:"to"`
	CallerID    string          `json:"callerId"`
	IsVideoCall bool            `json:"isVideoCall"`
	CallID      string          `json:"callId"`
}

type CallAnswerPayload struct {
	Answer json.RawMessage `json:"answer"`
	To     string          `json:"to"`
	CallID string          `json:"callId"`
}

type CallCandidatePayload struct {
	Candidate json.RawMessage `json:"candidate"`
	To        string          `json:"to"`
	CallID    string          `json:"callId,omitempty"`
}

type CallEndPayload struct {
	To     string `json:"to"`
	CallID string `json:"callId,omitempty"`
}

type CallStatusPayload struct {
	CallID string `json:"callId"`
	To     string `json:"to,omitempty"`
	Reason string `json:"reason,omitempty"`
}
