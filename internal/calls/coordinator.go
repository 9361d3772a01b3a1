package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"matchchat/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// finished sessions stay queryable this long so late end/candidate frames
// resolve to a known call.
const retainFinished = time.Minute

type Notifier interface {
	Notify(ctx context.Context, userID string, event domain.WebSocketResponse) error
}

type PresenceChecker interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event interface{}) error
}

type Options struct {
	RingTimeout    time.Duration
	ConnectTimeout time.Duration
}

type call struct {
	mu      sync.Mutex
	session domain.CallSession
	// candidates waiting for their recipient to hold the remote description
	pending map[string][]json.RawMessage
	ready   map[string]bool
	timer   *time.Timer
}

// Coordinator runs the signaling state machine for one-to-one calls. Lock
// order is registry before call.
type Coordinator struct {
	notifier  Notifier
	presence  PresenceChecker
	publisher EventPublisher
	opts      Options
	logger    *zap.Logger

	mu    sync.Mutex
	calls map[string]*call
	pairs map[string]string // conversation id -> live call id
	last  map[string]string // conversation id -> most recent call id, live or finished

	now func() time.Time
}

func NewCoordinator(notifier Notifier, presence PresenceChecker, publisher EventPublisher, opts Options, logger *zap.Logger) *Coordinator {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 30 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 20 * time.Second
	}
	return &Coordinator{
		notifier:  notifier,
		presence:  presence,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		calls:     make(map[string]*call),
		pairs:     make(map[string]string),
		last:      make(map[string]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Offer opens a call from callerID. A live call between the same pair leaves
// that call untouched and answers the caller with call:busy.
func (c *Coordinator) Offer(ctx context.Context, callerID string, p domain.CallOfferPayload) (*domain.CallSession, error) {
	if !domain.ValidUserID(p.To) || p.To == callerID {
		return nil, fmt.Errorf("%w: invalid call target", domain.ErrInvalidPayload)
	}
	if len(p.Offer) == 0 {
		return nil, fmt.Errorf("%w: missing offer", domain.ErrInvalidPayload)
	}
	if p.CallID == "" {
		p.CallID = uuid.NewString()
	}

	cl, err := c.register(ctx, callerID, p)
	if errors.Is(err, domain.ErrBusy) {
		c.send(ctx, callerID, domain.NewEvent(domain.EventCallBusy, domain.CallStatusPayload{CallID: p.CallID, To: p.To}))
	}
	if err != nil {
		return nil, err
	}

	snapshot, err := c.withCall(cl, func() error {
		if c.presence != nil {
			online, err := c.presence.IsOnline(ctx, p.To)
			if err != nil {
				c.logger.Warn("Presence lookup failed during offer", zap.String("call_id", p.CallID), zap.Error(err))
			}
			if err == nil && !online {
				c.fail(ctx, cl, domain.ReasonUnavailable, callerID)
				return domain.ErrRecipientOffline
			}
		}

		offer := domain.CallOfferPayload{
			Offer:       p.Offer,
			To:          p.To,
			CallerID:    callerID,
			IsVideoCall: p.IsVideoCall,
			CallID:      p.CallID,
		}
		if err := c.notifier.Notify(ctx, p.To, domain.NewEvent(domain.EventCallOffer, offer)); err != nil {
			c.fail(ctx, cl, domain.ReasonUnavailable, callerID)
			if errors.Is(err, domain.ErrRecipientOffline) {
				return err
			}
			return fmt.Errorf("relay offer: %w", err)
		}

		c.transition(ctx, cl, domain.CallRinging, "")
		c.markReady(ctx, cl, p.To)
		c.send(ctx, callerID, domain.NewEvent(domain.EventCallRinging, domain.CallStatusPayload{CallID: p.CallID}))
		c.armTimer(cl, c.opts.RingTimeout, domain.CallRinging, domain.ReasonTimeout)
		return nil
	})
	if err != nil {
		return &snapshot, err
	}
	return &snapshot, nil
}

func (c *Coordinator) register(ctx context.Context, callerID string, p domain.CallOfferPayload) (*call, error) {
	pair := domain.ConversationID(callerID, p.To)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked(now)

	if _, exists := c.calls[p.CallID]; exists {
		return nil, fmt.Errorf("%w: call %s already exists", domain.ErrDuplicate, p.CallID)
	}
	if liveID, ok := c.pairs[pair]; ok {
		if live, ok := c.calls[liveID]; ok {
			live.mu.Lock()
			busy := live.session.State.Busy()
			live.mu.Unlock()
			if busy {
				return nil, domain.ErrBusy
			}
		}
	}

	cl := &call{
		session: domain.CallSession{
			CallID:    p.CallID,
			CallerID:  callerID,
			CalleeID:  p.To,
			IsVideo:   p.IsVideoCall,
			State:     domain.CallIdle,
			Offer:     p.Offer,
			CreatedAt: now,
			UpdatedAt: now,
		},
		pending: make(map[string][]json.RawMessage),
		ready:   make(map[string]bool),
	}
	c.transition(ctx, cl, domain.CallOffered, "")
	c.calls[p.CallID] = cl
	c.pairs[pair] = p.CallID
	c.last[pair] = p.CallID
	return cl, nil
}

// Answer accepts a ringing call. Only the callee may answer.
func (c *Coordinator) Answer(ctx context.Context, userID string, p domain.CallAnswerPayload) error {
	if len(p.Answer) == 0 {
		return fmt.Errorf("%w: missing answer", domain.ErrInvalidPayload)
	}
	cl, err := c.lookup(p.CallID, userID, p.To)
	if err != nil {
		return err
	}

	_, err = c.withCall(cl, func() error {
		s := &cl.session
		if s.CalleeID != userID {
			return domain.ErrForbidden
		}
		if s.State != domain.CallRinging {
			return fmt.Errorf("%w: answer in state %s", domain.ErrInvalidTransition, s.State)
		}

		answer := domain.CallAnswerPayload{Answer: p.Answer, To: s.CallerID, CallID: s.CallID}
		c.send(ctx, s.CallerID, domain.NewEvent(domain.EventCallAnswer, answer))
		c.transition(ctx, cl, domain.CallConnecting, "")
		c.markReady(ctx, cl, s.CallerID)
		c.armTimer(cl, c.opts.ConnectTimeout, domain.CallConnecting, domain.ReasonICEFailure)
		return nil
	})
	return err
}

// Candidate forwards an ICE candidate to the peer, buffering it until the
// peer holds the remote description.
func (c *Coordinator) Candidate(ctx context.Context, userID string, p domain.CallCandidatePayload) error {
	if len(p.Candidate) == 0 {
		return fmt.Errorf("%w: missing candidate", domain.ErrInvalidPayload)
	}
	cl, err := c.lookup(p.CallID, userID, p.To)
	if err != nil {
		return err
	}

	_, err = c.withCall(cl, func() error {
		s := &cl.session
		if !s.Participant(userID) {
			return domain.ErrForbidden
		}
		if s.State.Terminal() {
			return fmt.Errorf("%w: call already %s", domain.ErrInvalidTransition, s.State)
		}

		recipient := s.Peer(userID)
		if cl.ready[recipient] {
			c.sendCandidate(ctx, cl, recipient, p.Candidate)
			return nil
		}
		cl.pending[recipient] = append(cl.pending[recipient], p.Candidate)
		return nil
	})
	return err
}

// Connected is reported by a client once media flows.
func (c *Coordinator) Connected(ctx context.Context, userID string, p domain.CallStatusPayload) error {
	cl, err := c.lookup(p.CallID, userID, p.To)
	if err != nil {
		return err
	}

	_, err = c.withCall(cl, func() error {
		s := &cl.session
		if !s.Participant(userID) {
			return domain.ErrForbidden
		}
		if s.State == domain.CallActive {
			return nil
		}
		if s.State != domain.CallConnecting {
			return fmt.Errorf("%w: connected in state %s", domain.ErrInvalidTransition, s.State)
		}

		c.stopTimer(cl)
		c.transition(ctx, cl, domain.CallActive, "")
		c.send(ctx, s.Peer(userID), domain.NewEvent(domain.EventCallConnected, domain.CallStatusPayload{CallID: s.CallID}))
		return nil
	})
	return err
}

// Reject declines an incoming call.
func (c *Coordinator) Reject(ctx context.Context, userID string, p domain.CallStatusPayload) error {
	cl, err := c.lookup(p.CallID, userID, p.To)
	if err != nil {
		return err
	}

	_, err = c.withCall(cl, func() error {
		s := &cl.session
		if s.CalleeID != userID {
			return domain.ErrForbidden
		}
		if s.State != domain.CallOffered && s.State != domain.CallRinging {
			return fmt.Errorf("%w: reject in state %s", domain.ErrInvalidTransition, s.State)
		}
		c.fail(ctx, cl, domain.ReasonRejected, userID)
		return nil
	})
	return err
}

// Fail records a failure reported by a participant, such as ICE giving up.
func (c *Coordinator) Fail(ctx context.Context, userID string, p domain.CallStatusPayload) error {
	cl, err := c.lookup(p.CallID, userID, p.To)
	if err != nil {
		return err
	}

	_, err = c.withCall(cl, func() error {
		if !cl.session.Participant(userID) {
			return domain.ErrForbidden
		}
		if cl.session.State.Terminal() {
			return nil
		}
		reason := p.Reason
		if reason == "" {
			reason = domain.ReasonICEFailure
		}
		c.fail(ctx, cl, reason, userID)
		return nil
	})
	return err
}

// End hangs up. Ending a finished call is a no-op, so both sides may end
// at once and each remote hears about it once. That holds when the client
// names only the peer: a pair whose call was already swept has nothing to end.
func (c *Coordinator) End(ctx context.Context, userID string, p domain.CallEndPayload) error {
	cl, err := c.lookup(p.CallID, userID, p.To)
	if errors.Is(err, domain.ErrNotFound) && p.CallID == "" && p.To != "" {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = c.withCall(cl, func() error {
		s := &cl.session
		if !s.Participant(userID) {
			return domain.ErrForbidden
		}
		if s.State.Terminal() {
			return nil
		}
		c.finish(ctx, cl, domain.CallEnded, "")
		c.send(ctx, s.Peer(userID), domain.NewEvent(domain.EventCallEnd, domain.CallEndPayload{To: s.Peer(userID), CallID: s.CallID}))
		return nil
	})
	return err
}

func (c *Coordinator) OnConnect(userID, sessionID string) {}

// OnDisconnect fails every live call of userID with connection-lost.
func (c *Coordinator) OnDisconnect(userID, sessionID string) {
	c.mu.Lock()
	var affected []*call
	for _, cl := range c.calls {
		affected = append(affected, cl)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, cl := range affected {
		c.withCall(cl, func() error {
			if cl.session.Participant(userID) && !cl.session.State.Terminal() {
				c.fail(ctx, cl, domain.ReasonConnectionLost, userID)
			}
			return nil
		})
	}
}

func (c *Coordinator) Get(callID string) (domain.CallSession, bool) {
	c.mu.Lock()
	cl, ok := c.calls[callID]
	c.mu.Unlock()
	if !ok {
		return domain.CallSession{}, false
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.session, true
}

// ActiveCalls counts calls that have not finished.
func (c *Coordinator) ActiveCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pairs)
}

// lookup finds a call by id, or by the pair when the client left the id out.
// Without an id the live call wins, then the pair's most recent finished one.
func (c *Coordinator) lookup(callID, userID, to string) (*call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if callID == "" && to != "" {
		pair := domain.ConversationID(userID, to)
		id, ok := c.pairs[pair]
		if !ok {
			id = c.last[pair]
		}
		callID = id
	}
	cl, ok := c.calls[callID]
	if !ok {
		return nil, fmt.Errorf("call %q: %w", callID, domain.ErrNotFound)
	}
	return cl, nil
}

// withCall runs fn under the call lock and releases the pair once the call
// is finished. It returns a snapshot of the session after fn.
func (c *Coordinator) withCall(cl *call, fn func() error) (domain.CallSession, error) {
	cl.mu.Lock()
	err := fn()
	snapshot := cl.session
	cl.mu.Unlock()

	if snapshot.State.Terminal() {
		c.release(snapshot)
	}
	return snapshot, err
}

func (c *Coordinator) release(s domain.CallSession) {
	pair := domain.ConversationID(s.CallerID, s.CalleeID)
	c.mu.Lock()
	if c.pairs[pair] == s.CallID {
		delete(c.pairs, pair)
	}
	c.mu.Unlock()
}

func (c *Coordinator) sweepLocked(now time.Time) {
	for id, cl := range c.calls {
		cl.mu.Lock()
		expired := cl.session.State.Terminal() && now.Sub(cl.session.UpdatedAt) > retainFinished
		cl.mu.Unlock()
		if expired {
			delete(c.calls, id)
			pair := domain.ConversationID(cl.session.CallerID, cl.session.CalleeID)
			if c.last[pair] == id {
				delete(c.last, pair)
			}
		}
	}
}

// The helpers below expect cl.mu to be held.

func (c *Coordinator) transition(ctx context.Context, cl *call, next domain.CallState, reason string) {
	s := &cl.session
	if !s.State.CanTransitionTo(next) {
		c.logger.Error("Rejected call transition",
			zap.String("call_id", s.CallID),
			zap.String("from", string(s.State)),
			zap.String("to", string(next)))
		return
	}
	s.State = next
	s.FailureReason = reason
	s.UpdatedAt = c.now()

	if c.publisher != nil {
		evt := domain.CallSignalEvent{
			Type:      "call_state",
			CallID:    s.CallID,
			CallerID:  s.CallerID,
			CalleeID:  s.CalleeID,
			State:     next,
			Reason:    reason,
			Timestamp: s.UpdatedAt,
		}
		if err := c.publisher.Publish(ctx, evt); err != nil {
			c.logger.Warn("Failed to publish call event", zap.String("call_id", s.CallID), zap.Error(err))
		}
	}
}

// finish moves the call to a terminal state and drops its timer and buffers.
func (c *Coordinator) finish(ctx context.Context, cl *call, state domain.CallState, reason string) {
	c.stopTimer(cl)
	cl.pending = nil
	cl.ready = nil
	c.transition(ctx, cl, state, reason)
}

// fail finishes the call as FAILED. A participant-initiated failure is sent
// to the other side only; system failures reach both.
func (c *Coordinator) fail(ctx context.Context, cl *call, reason, initiator string) {
	s := &cl.session
	if s.State.Terminal() {
		return
	}
	c.finish(ctx, cl, domain.CallFailed, reason)

	payload := domain.CallStatusPayload{CallID: s.CallID, Reason: reason}
	switch reason {
	case domain.ReasonRejected:
		c.send(ctx, s.CallerID, domain.NewEvent(domain.EventCallReject, payload))
	case domain.ReasonUnavailable:
		c.send(ctx, s.CallerID, domain.NewEvent(domain.EventCallFailed, payload))
	case domain.ReasonTimeout:
		c.send(ctx, s.CallerID, domain.NewEvent(domain.EventCallFailed, payload))
		c.send(ctx, s.CalleeID, domain.NewEvent(domain.EventCallFailed, payload))
	default:
		if initiator == "" {
			c.send(ctx, s.CallerID, domain.NewEvent(domain.EventCallFailed, payload))
			c.send(ctx, s.CalleeID, domain.NewEvent(domain.EventCallFailed, payload))
			return
		}
		c.send(ctx, s.Peer(initiator), domain.NewEvent(domain.EventCallFailed, payload))
	}
}

// markReady flushes the candidates held for userID in arrival order.
func (c *Coordinator) markReady(ctx context.Context, cl *call, userID string) {
	cl.ready[userID] = true
	buffered := cl.pending[userID]
	delete(cl.pending, userID)
	for _, cand := range buffered {
		c.sendCandidate(ctx, cl, userID, cand)
	}
}

func (c *Coordinator) sendCandidate(ctx context.Context, cl *call, recipient string, cand json.RawMessage) {
	payload := domain.CallCandidatePayload{Candidate: cand, To: recipient, CallID: cl.session.CallID}
	c.send(ctx, recipient, domain.NewEvent(domain.EventCallCandidate, payload))
}

func (c *Coordinator) armTimer(cl *call, d time.Duration, state domain.CallState, reason string) {
	c.stopTimer(cl)
	cl.timer = time.AfterFunc(d, func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Recovered from panic in call timer", zap.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		c.withCall(cl, func() error {
			if cl.session.State == state {
				c.logger.Info("Call timed out",
					zap.String("call_id", cl.session.CallID),
					zap.String("state", string(state)),
					zap.String("reason", reason))
				c.fail(ctx, cl, reason, "")
			}
			return nil
		})
	})
}

func (c *Coordinator) stopTimer(cl *call) {
	if cl.timer != nil {
		cl.timer.Stop()
		cl.timer = nil
	}
}

func (c *Coordinator) send(ctx context.Context, userID string, event domain.WebSocketResponse) {
	if err := c.notifier.Notify(ctx, userID, event); err != nil {
		c.logger.Debug("Call event not delivered",
			zap.String("user_id", userID),
			zap.String("type", event.Type),
			zap.Error(err))
	}
}
