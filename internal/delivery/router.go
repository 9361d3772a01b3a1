package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"matchchat/internal/chat"
	"matchchat/internal/domain"

	"go.uber.org/zap"
)

type MessageService interface {
	Submit(ctx context.Context, req chat.SubmitRequest) (*chat.SubmitResult, error)
	MarkDelivered(ctx context.Context, recipientID, senderID, clientID string) (*domain.Message, error)
	MarkRead(ctx context.Context, readerID, conversationWith string, messageIDs []int64) (int, error)
	Edit(ctx context.Context, userID string, id int64, content string) (*domain.Message, error)
	Delete(ctx context.Context, userID string, id int64) (*domain.Message, error)
	History(ctx context.Context, userID, otherID string, page, limit int) ([]domain.Message, error)
}

type PresenceService interface {
	Get(ctx context.Context, userID string) (domain.PresenceRecord, error)
	StartTyping(ctx context.Context, conversationID, userID string) error
	StopTyping(ctx context.Context, conversationID, userID string) error
	TypingUsers(ctx context.Context, conversationID string) ([]string, error)
}

type CallService interface {
	Offer(ctx context.Context, callerID string, p domain.CallOfferPayload) (*domain.CallSession, error)
	Answer(ctx context.Context, userID string, p domain.CallAnswerPayload) error
	Candidate(ctx context.Context, userID string, p domain.CallCandidatePayload) error
	Connected(ctx context.Context, userID string, p domain.CallStatusPayload) error
	Reject(ctx context.Context, userID string, p domain.CallStatusPayload) error
	Fail(ctx context.Context, userID string, p domain.CallStatusPayload) error
	End(ctx context.Context, userID string, p domain.CallEndPayload) error
}

// Router turns inbound frames into service calls. Handle returns the frame
// to send back to the caller, if any.
type Router struct {
	messages MessageService
	presence PresenceService
	calls    CallService
	limiter  *UserRateLimiter
	logger   *zap.Logger
}

func NewRouter(messages MessageService, presence PresenceService, calls CallService, limiter *UserRateLimiter, logger *zap.Logger) *Router {
	return &Router{
		messages: messages,
		presence: presence,
		calls:    calls,
		limiter:  limiter,
		logger:   logger,
	}
}

func (r *Router) Handle(ctx context.Context, userID string, msg domain.WebSocketMessage) *domain.WebSocketResponse {
	var err error

	switch msg.Type {
	case domain.EventMessageSend:
		err = r.handleSend(ctx, userID, msg.Data)

	case domain.EventMessageDelivered:
		var p domain.DeliveryAckPayload
		if err = decode(msg.Data, &p); err == nil {
			_, err = r.messages.MarkDelivered(ctx, userID, p.SenderID, p.ClientID)
			if errors.Is(err, domain.ErrNotFound) {
				// ack for a message whose durable write failed
				r.logger.Debug("Delivery ack for unknown message", zap.String("client_id", p.ClientID))
				err = nil
			}
		}

	case domain.EventMessageRead:
		var p domain.MarkReadRequest
		if err = decode(msg.Data, &p); err == nil {
			_, err = r.messages.MarkRead(ctx, userID, p.ConversationWith, p.MessageIDs)
		}

	case domain.EventTypingStart, domain.EventTypingStop:
		var p domain.TypingPayload
		if err = decode(msg.Data, &p); err == nil {
			if msg.Type == domain.EventTypingStart {
				err = r.presence.StartTyping(ctx, p.ConversationID, userID)
			} else {
				err = r.presence.StopTyping(ctx, p.ConversationID, userID)
			}
		}

	case domain.EventCallOffer:
		var p domain.CallOfferPayload
		if err = decode(msg.Data, &p); err == nil {
			_, err = r.calls.Offer(ctx, userID, p)
		}

	case domain.EventCallAnswer:
		var p domain.CallAnswerPayload
		if err = decode(msg.Data, &p); err == nil {
			err = r.calls.Answer(ctx, userID, p)
		}

	case domain.EventCallCandidate:
		var p domain.CallCandidatePayload
		if err = decode(msg.Data, &p); err == nil {
			err = r.calls.Candidate(ctx, userID, p)
		}

	case domain.EventCallEnd:
		var p domain.CallEndPayload
		if err = decode(msg.Data, &p); err == nil {
			err = r.calls.End(ctx, userID, p)
		}

	case domain.EventCallReject, domain.EventCallConnected, domain.EventCallFailed:
		var p domain.CallStatusPayload
		if err = decode(msg.Data, &p); err == nil {
			switch msg.Type {
			case domain.EventCallReject:
				err = r.calls.Reject(ctx, userID, p)
			case domain.EventCallConnected:
				err = r.calls.Connected(ctx, userID, p)
			default:
				err = r.calls.Fail(ctx, userID, p)
			}
		}

	case domain.EventPing:
		pong := domain.NewEvent(domain.EventPong, map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		})
		return &pong

	default:
		r.logger.Warn("Unknown message type", zap.String("type", msg.Type), zap.String("user_id", userID))
		reply := domain.NewErrorEvent("Unknown message type: " + msg.Type)
		return &reply
	}

	if err == nil {
		return nil
	}
	return r.errorReply(userID, msg.Type, err)
}

func (r *Router) handleSend(ctx context.Context, userID string, data json.RawMessage) error {
	var p domain.SendMessagePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.From != "" && p.From != userID {
		return domain.ErrForbidden
	}
	if r.limiter != nil && !r.limiter.Allow(userID) {
		return domain.ErrRateLimited
	}

	// a FAILED result has already been reported to the sender
	_, err := r.messages.Submit(ctx, chat.SubmitRequest{
		SenderID:   userID,
		ReceiverID: p.To,
		Content:    p.Content,
		ClientID:   p.ClientID,
	})
	return err
}

func (r *Router) errorReply(userID, frameType string, err error) *domain.WebSocketResponse {
	kind := domain.KindOf(err)
	fields := []zap.Field{
		zap.String("user_id", userID),
		zap.String("type", frameType),
		zap.String("kind", kind.String()),
		zap.Error(err),
	}
	if kind == domain.KindTransient || kind == domain.KindUnknown {
		r.logger.Warn("Frame handling failed", fields...)
	} else {
		r.logger.Debug("Frame rejected", fields...)
	}

	reply := domain.NewErrorEvent(fmt.Sprintf("%s: %v", frameType, err))
	return &reply
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", domain.ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return nil
}
