package client

import (
	"context"
	"encoding/json"
	"sync"

	"matchchat/internal/domain"
	"matchchat/internal/offline"

	"go.uber.org/zap"
)

// MediaHandler applies remote call signaling to the local peer connection.
type MediaHandler interface {
	SetRemoteDescription(callID string, sdp json.RawMessage) error
	AddCandidate(callID string, candidate json.RawMessage) error
}

// Session ties the queue, the socket and the local timeline together for one
// signed-in user.
type Session struct {
	self     string
	rest     *RESTClient
	realtime *RealtimeClient
	queue    *offline.Manager
	timeline *Timeline
	logger   *zap.Logger

	callsMu    sync.Mutex
	media      MediaHandler
	candidates map[string]*CandidateBuffer // call id -> remote candidates
}

func NewSession(self string, rest *RESTClient, realtime *RealtimeClient, queue *offline.Manager, timeline *Timeline, logger *zap.Logger) *Session {
	s := &Session{
		self:     self,
		rest:     rest,
		realtime: realtime,
		queue:    queue,
		timeline:   timeline,
		logger:     logger,
		candidates: make(map[string]*CandidateBuffer),
	}
	s.bind()
	s.bindCalls()
	return s
}

// SetMediaHandler routes remote descriptions and ICE candidates to h.
// Without one, call signaling is ignored.
func (s *Session) SetMediaHandler(h MediaHandler) {
	s.callsMu.Lock()
	s.media = h
	s.callsMu.Unlock()
}

func (s *Session) Timeline() *Timeline {
	return s.timeline
}

func (s *Session) bind() {
	s.realtime.On(domain.EventMessageReceived, func(f Frame) {
		var p domain.MessageReceivedPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			s.logger.Warn("Bad message:received payload", zap.Error(err))
			return
		}
		s.timeline.Merge(domain.Message{
			ID:             p.ID,
			ClientID:       p.ClientID,
			ConversationID: domain.ConversationID(p.SenderID, p.ReceiverID),
			SenderID:       p.SenderID,
			ReceiverID:     p.ReceiverID,
			Content:        p.Content,
			Status:         domain.StatusSent,
			CreatedAt:      p.Timestamp,
		})
		if err := s.realtime.AckDelivered(context.Background(), p.SenderID, p.ClientID); err != nil {
			s.logger.Warn("Delivery ack not sent", zap.String("client_id", p.ClientID), zap.Error(err))
		}
	})

	s.realtime.On(domain.EventMessageSent, func(f Frame) {
		var p domain.MessageSentPayload
		if json.Unmarshal(f.Data, &p) == nil {
			s.timeline.Confirm(s.self, p)
		}
	})

	s.realtime.On(domain.EventMessageFailed, func(f Frame) {
		var p domain.MessageFailedPayload
		if json.Unmarshal(f.Data, &p) == nil {
			s.timeline.Fail(s.self, p.ClientID)
		}
	})

	s.realtime.On(domain.EventMessageRetracted, func(f Frame) {
		var p domain.MessageRetractedPayload
		if json.Unmarshal(f.Data, &p) == nil {
			s.timeline.Retract(p.SenderID, p.ClientID)
		}
	})

	s.realtime.On(domain.EventMessageDelivered, func(f Frame) {
		var p domain.MessageDeliveredPayload
		if json.Unmarshal(f.Data, &p) == nil {
			s.timeline.ApplyStatus(p.MessageID, domain.StatusDelivered, p.DeliveredAt)
		}
	})

	s.realtime.On(domain.EventMessageRead, func(f Frame) {
		var p domain.MessageReadPayload
		if json.Unmarshal(f.Data, &p) == nil {
			s.timeline.ApplyStatus(p.MessageID, domain.StatusRead, p.ReadAt)
		}
	})

	s.realtime.OnClose(func(err error) {
		if _, serr := s.queue.SetOnline(context.Background(), false); serr != nil {
			s.logger.Warn("Failed to record offline state", zap.Error(serr))
		}
	})
}

func (s *Session) bindCalls() {
	s.realtime.On(domain.EventCallOffer, func(f Frame) {
		var p domain.CallOfferPayload
		if err := json.Unmarshal(f.Data, &p); err != nil || p.CallID == "" {
			s.logger.Warn("Bad call:offer payload", zap.Error(err))
			return
		}
		s.remoteDescription(p.CallID, p.Offer)
	})

	s.realtime.On(domain.EventCallAnswer, func(f Frame) {
		var p domain.CallAnswerPayload
		if err := json.Unmarshal(f.Data, &p); err != nil || p.CallID == "" {
			s.logger.Warn("Bad call:answer payload", zap.Error(err))
			return
		}
		s.remoteDescription(p.CallID, p.Answer)
	})

	s.realtime.On(domain.EventCallCandidate, func(f Frame) {
		var p domain.CallCandidatePayload
		if err := json.Unmarshal(f.Data, &p); err != nil || p.CallID == "" {
			s.logger.Warn("Bad call:ice-candidate payload", zap.Error(err))
			return
		}
		buf := s.candidateBuffer(p.CallID)
		if buf == nil {
			return
		}
		if err := buf.Add(p.Candidate); err != nil {
			s.logger.Warn("ICE candidate not applied", zap.String("call_id", p.CallID), zap.Error(err))
		}
	})

	for _, evt := range []string{domain.EventCallEnd, domain.EventCallReject, domain.EventCallFailed, domain.EventCallBusy} {
		s.realtime.On(evt, func(f Frame) {
			var p domain.CallStatusPayload
			if json.Unmarshal(f.Data, &p) == nil && p.CallID != "" {
				s.dropCall(p.CallID)
			}
		})
	}
}

// remoteDescription applies sdp, then flushes candidates that beat it here.
func (s *Session) remoteDescription(callID string, sdp json.RawMessage) {
	buf := s.candidateBuffer(callID)
	media := s.currentMedia()
	if buf == nil || media == nil {
		return
	}
	if err := media.SetRemoteDescription(callID, sdp); err != nil {
		s.logger.Warn("Remote description not applied", zap.String("call_id", callID), zap.Error(err))
		return
	}
	if err := buf.SetRemoteDescription(); err != nil {
		s.logger.Warn("Buffered ICE candidates not applied", zap.String("call_id", callID), zap.Error(err))
	}
}

func (s *Session) currentMedia() MediaHandler {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	return s.media
}

// candidateBuffer returns the buffer of callID, or nil without a media handler.
func (s *Session) candidateBuffer(callID string) *CandidateBuffer {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	if s.media == nil {
		return nil
	}
	buf, ok := s.candidates[callID]
	if !ok {
		media := s.media
		buf = NewCandidateBuffer(func(c json.RawMessage) error {
			return media.AddCandidate(callID, c)
		})
		s.candidates[callID] = buf
	}
	return buf
}

func (s *Session) dropCall(callID string) {
	s.callsMu.Lock()
	buf, ok := s.candidates[callID]
	delete(s.candidates, callID)
	s.callsMu.Unlock()
	if ok {
		buf.Reset()
	}
}

// PendingCandidates counts remote candidates held back for callID.
func (s *Session) PendingCandidates(callID string) int {
	s.callsMu.Lock()
	buf, ok := s.candidates[callID]
	s.callsMu.Unlock()
	if !ok {
		return 0
	}
	return buf.Pending()
}

// Connect opens the socket and drains anything queued while offline.
func (s *Session) Connect(ctx context.Context) (offline.DrainResult, error) {
	if err := s.realtime.Connect(ctx); err != nil {
		s.queue.SetOnline(ctx, false)
		return offline.DrainResult{}, err
	}
	if !s.queue.IsOnline() {
		res, err := s.queue.SetOnline(ctx, true)
		s.settle(res)
		return res, err
	}
	res, err := s.queue.Drain(ctx)
	s.settle(res)
	return res, err
}

// Send queues a message, shows it as SENDING and tries to flush the queue.
func (s *Session) Send(ctx context.Context, to, content string) (offline.Item, offline.DrainResult, error) {
	item, err := s.queue.Enqueue(ctx, domain.Message{SenderID: s.self, ReceiverID: to, Content: content})
	if err != nil {
		return offline.Item{}, offline.DrainResult{}, err
	}
	s.timeline.AddProvisional(domain.Message{
		ClientID:       item.ClientID,
		ConversationID: domain.ConversationID(s.self, to),
		SenderID:       s.self,
		ReceiverID:     to,
		Content:        content,
		CreatedAt:      item.CreatedAt,
	})

	if !s.queue.IsOnline() {
		return item, offline.DrainResult{}, nil
	}
	res, err := s.queue.Drain(ctx)
	s.settle(res)
	return item, res, err
}

func (s *Session) settle(res offline.DrainResult) {
	for _, item := range res.Succeeded {
		s.timeline.Confirm(item.SenderID, domain.MessageSentPayload{ClientID: item.ClientID, Status: domain.StatusSent})
	}
	for _, item := range res.Failed {
		s.timeline.Fail(item.SenderID, item.ClientID)
	}
}

// LoadHistory merges one page of server history into the timeline.
func (s *Session) LoadHistory(ctx context.Context, other string, page, limit int) ([]domain.Message, error) {
	msgs, err := s.rest.History(ctx, other, page, limit)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		s.timeline.Merge(m)
	}
	return s.timeline.Conversation(s.self, other), nil
}

func (s *Session) Close() error {
	return s.realtime.Close()
}
