package calls

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"matchchat/internal/domain"

	"go.uber.org/zap"
)

type frame struct {
	user  string
	event domain.WebSocketResponse
}

type fakeNotifier struct {
	mu     sync.Mutex
	frames []frame
}

func (n *fakeNotifier) Notify(_ context.Context, userID string, event domain.WebSocketResponse) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.frames = append(n.frames, frame{userID, event})
	return nil
}

func (n *fakeNotifier) forUser(userID string) []domain.WebSocketResponse {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.WebSocketResponse
	for _, f := range n.frames {
		if f.user == userID {
			out = append(out, f.event)
		}
	}
	return out
}

func (n *fakeNotifier) count(userID, eventType string) int {
	total := 0
	for _, e := range n.forUser(userID) {
		if e.Type == eventType {
			total++
		}
	}
	return total
}

type fakePresence struct {
	offline map[string]bool
}

func (p fakePresence) IsOnline(_ context.Context, userID string) (bool, error) {
	return !p.offline[userID], nil
}

func newCoordinator(opts Options, offline ...string) (*Coordinator, *fakeNotifier) {
	n := &fakeNotifier{}
	p := fakePresence{offline: map[string]bool{}}
	for _, u := range offline {
		p.offline[u] = true
	}
	return NewCoordinator(n, p, nil, opts, zap.NewNop()), n
}

func sdp(s string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"sdp": s})
	return b
}

func offer(to, callID string) domain.CallOfferPayload {
	return domain.CallOfferPayload{Offer: sdp("offer"), To: to, CallID: callID}
}

func TestHappyPath(t *testing.T) {
	c, n := newCoordinator(Options{})
	ctx := context.Background()

	s, err := c.Offer(ctx, "alice", offer("bob", "call-1"))
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if s.State != domain.CallRinging {
		t.Fatalf("expected RINGING, got %s", s.State)
	}
	if n.count("bob", domain.EventCallOffer) != 1 || n.count("alice", domain.EventCallRinging) != 1 {
		t.Fatal("offer should reach bob and ringing should reach alice")
	}

	if err := c.Answer(ctx, "bob", domain.CallAnswerPayload{Answer: sdp("answer"), To: "alice", CallID: "call-1"}); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if err := c.Connected(ctx, "alice", domain.CallStatusPayload{CallID: "call-1"}); err != nil {
		t.Fatalf("connected: %v", err)
	}
	if got, _ := c.Get("call-1"); got.State != domain.CallActive {
		t.Fatalf("expected ACTIVE, got %s", got.State)
	}

	if err := c.End(ctx, "bob", domain.CallEndPayload{To: "alice"}); err != nil {
		t.Fatalf("end: %v", err)
	}
	if got, _ := c.Get("call-1"); got.State != domain.CallEnded {
		t.Fatalf("expected ENDED, got %s", got.State)
	}
	if c.ActiveCalls() != 0 {
		t.Fatal("pair should be released after end")
	}
}

func TestBusyRuleLeavesOriginalCall(t *testing.T) {
	c, n := newCoordinator(Options{})
	ctx := context.Background()

	if _, err := c.Offer(ctx, "alice", offer("bob", "call-1")); err != nil {
		t.Fatalf("offer: %v", err)
	}
	// either direction of the pair is busy
	if _, err := c.Offer(ctx, "bob", offer("alice", "call-2")); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if n.count("bob", domain.EventCallBusy) != 1 {
		t.Fatal("second caller should receive call:busy")
	}
	if got, _ := c.Get("call-1"); got.State != domain.CallRinging {
		t.Fatalf("original call must stay RINGING, got %s", got.State)
	}
	if _, ok := c.Get("call-2"); ok {
		t.Fatal("busy offer must not create a session")
	}

	// a different pair is fine
	if _, err := c.Offer(ctx, "carol", offer("bob", "call-3")); err != nil {
		t.Fatalf("other pair: %v", err)
	}

	// once the first call ends the pair is free again
	if err := c.End(ctx, "alice", domain.CallEndPayload{CallID: "call-1"}); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := c.Offer(ctx, "bob", offer("alice", "call-4")); err != nil {
		t.Fatalf("offer after end: %v", err)
	}
}

func TestCandidatesBufferedUntilAnswer(t *testing.T) {
	c, n := newCoordinator(Options{})
	ctx := context.Background()

	if _, err := c.Offer(ctx, "alice", offer("bob", "call-1")); err != nil {
		t.Fatalf("offer: %v", err)
	}

	// bob trickles candidates before alice has his answer
	for _, cand := range []string{"b1", "b2", "b3"} {
		if err := c.Candidate(ctx, "bob", domain.CallCandidatePayload{Candidate: sdp(cand), To: "alice"}); err != nil {
			t.Fatalf("candidate: %v", err)
		}
	}
	if n.count("alice", domain.EventCallCandidate) != 0 {
		t.Fatal("caller must not see candidates before the answer")
	}

	// alice's candidates go straight to bob, who already has the offer
	if err := c.Candidate(ctx, "alice", domain.CallCandidatePayload{Candidate: sdp("a1"), To: "bob"}); err != nil {
		t.Fatalf("candidate: %v", err)
	}
	if n.count("bob", domain.EventCallCandidate) != 1 {
		t.Fatal("callee holds the offer and should get candidates immediately")
	}

	if err := c.Answer(ctx, "bob", domain.CallAnswerPayload{Answer: sdp("answer"), CallID: "call-1"}); err != nil {
		t.Fatalf("answer: %v", err)
	}

	var order []string
	for _, e := range n.forUser("alice") {
		switch e.Type {
		case domain.EventCallAnswer:
			order = append(order, "answer")
		case domain.EventCallCandidate:
			p := e.Data.(domain.CallCandidatePayload)
			var v map[string]string
			json.Unmarshal(p.Candidate, &v)
			order = append(order, v["sdp"])
		}
	}
	want := []string{"answer", "b1", "b2", "b3"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestRingTimeout(t *testing.T) {
	c, n := newCoordinator(Options{RingTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	if _, err := c.Offer(ctx, "alice", offer("bob", "call-1")); err != nil {
		t.Fatalf("offer: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := c.Get("call-1")
		if got.State == domain.CallFailed {
			if got.FailureReason != domain.ReasonTimeout {
				t.Fatalf("expected timeout reason, got %q", got.FailureReason)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("call never timed out, state %s", got.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n.count("alice", domain.EventCallFailed) != 1 || n.count("bob", domain.EventCallFailed) != 1 {
		t.Fatal("both sides should hear about the timeout once")
	}
	if err := c.Answer(ctx, "bob", domain.CallAnswerPayload{Answer: sdp("late"), CallID: "call-1"}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("late answer should be rejected, got %v", err)
	}
}

func TestConnectTimeoutIsICEFailure(t *testing.T) {
	c, _ := newCoordinator(Options{ConnectTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	c.Offer(ctx, "alice", offer("bob", "call-1"))
	if err := c.Answer(ctx, "bob", domain.CallAnswerPayload{Answer: sdp("answer"), CallID: "call-1"}); err != nil {
		t.Fatalf("answer: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := c.Get("call-1")
		if got.State == domain.CallFailed {
			if got.FailureReason != domain.ReasonICEFailure {
				t.Fatalf("expected ice-failure, got %q", got.FailureReason)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("call never failed, state %s", got.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConcurrentEndNotifiesOnce(t *testing.T) {
	c, n := newCoordinator(Options{})
	ctx := context.Background()

	c.Offer(ctx, "alice", offer("bob", "call-1"))
	c.Answer(ctx, "bob", domain.CallAnswerPayload{Answer: sdp("answer"), CallID: "call-1"})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := c.End(ctx, "alice", domain.CallEndPayload{CallID: "call-1"}); err != nil {
				t.Errorf("end: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := c.End(ctx, "bob", domain.CallEndPayload{CallID: "call-1"}); err != nil {
				t.Errorf("end: %v", err)
			}
		}()
	}
	wg.Wait()

	total := n.count("alice", domain.EventCallEnd) + n.count("bob", domain.EventCallEnd)
	if total != 1 {
		t.Fatalf("expected exactly one call:end, got %d", total)
	}
}

func TestEndByPeerOnlyFromBothSides(t *testing.T) {
	c, n := newCoordinator(Options{})
	ctx := context.Background()

	c.Offer(ctx, "alice", offer("bob", "call-1"))
	c.Answer(ctx, "bob", domain.CallAnswerPayload{Answer: sdp("answer"), CallID: "call-1"})

	if err := c.End(ctx, "alice", domain.CallEndPayload{To: "bob"}); err != nil {
		t.Fatalf("first end: %v", err)
	}
	if err := c.End(ctx, "bob", domain.CallEndPayload{To: "alice"}); err != nil {
		t.Fatalf("second end: %v", err)
	}
	if n.count("bob", domain.EventCallEnd) != 1 || n.count("alice", domain.EventCallEnd) != 0 {
		t.Fatalf("expected one call:end for bob only, got bob=%d alice=%d",
			n.count("bob", domain.EventCallEnd), n.count("alice", domain.EventCallEnd))
	}

	// candidates and failures naming only the peer resolve to the finished call too
	if err := c.Candidate(ctx, "bob", domain.CallCandidatePayload{Candidate: sdp("late"), To: "alice"}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("late candidate: expected ErrInvalidTransition, got %v", err)
	}
	if err := c.Fail(ctx, "bob", domain.CallStatusPayload{To: "alice"}); err != nil {
		t.Fatalf("late failure report: %v", err)
	}

	// a newer live call for the pair wins over the finished one
	if _, err := c.Offer(ctx, "bob", offer("alice", "call-2")); err != nil {
		t.Fatalf("second offer: %v", err)
	}
	if err := c.End(ctx, "alice", domain.CallEndPayload{To: "bob"}); err != nil {
		t.Fatalf("end second call: %v", err)
	}
	if got, _ := c.Get("call-2"); got.State != domain.CallEnded {
		t.Fatalf("expected call-2 ENDED, got %s", got.State)
	}
}

func TestEndByPeerAfterSweepIsNoop(t *testing.T) {
	c, _ := newCoordinator(Options{})
	ctx := context.Background()
	now := time.Now().UTC()
	c.now = func() time.Time { return now }

	c.Offer(ctx, "alice", offer("bob", "call-1"))
	c.End(ctx, "alice", domain.CallEndPayload{CallID: "call-1"})

	now = now.Add(retainFinished + time.Second)
	c.Offer(ctx, "carol", offer("dave", "call-2"))
	if _, ok := c.Get("call-1"); ok {
		t.Fatal("finished call should have been swept")
	}

	if err := c.End(ctx, "bob", domain.CallEndPayload{To: "alice"}); err != nil {
		t.Fatalf("end after sweep: %v", err)
	}
	if err := c.End(ctx, "bob", domain.CallEndPayload{CallID: "call-1"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("end by unknown id: expected ErrNotFound, got %v", err)
	}
}

// reentrantNotifier reads coordinator state from inside Notify.
type reentrantNotifier struct {
	fakeNotifier
	c *Coordinator
}

func (n *reentrantNotifier) Notify(ctx context.Context, userID string, event domain.WebSocketResponse) error {
	n.c.ActiveCalls()
	return n.fakeNotifier.Notify(ctx, userID, event)
}

func TestBusyNoticeSentOutsideRegistryLock(t *testing.T) {
	n := &reentrantNotifier{}
	c := NewCoordinator(n, fakePresence{}, nil, Options{}, zap.NewNop())
	n.c = c
	ctx := context.Background()

	if _, err := c.Offer(ctx, "alice", offer("bob", "call-1")); err != nil {
		t.Fatalf("offer: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Offer(ctx, "bob", offer("alice", "call-2"))
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrBusy) {
			t.Fatalf("expected ErrBusy, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("busy offer blocked while notifying the caller")
	}
	if n.count("bob", domain.EventCallBusy) != 1 {
		t.Fatal("second caller should receive call:busy")
	}
}

func TestRejectAndUnavailable(t *testing.T) {
	c, n := newCoordinator(Options{}, "dave")
	ctx := context.Background()

	c.Offer(ctx, "alice", offer("bob", "call-1"))
	if err := c.Reject(ctx, "alice", domain.CallStatusPayload{CallID: "call-1"}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("caller cannot reject, got %v", err)
	}
	if err := c.Reject(ctx, "bob", domain.CallStatusPayload{CallID: "call-1"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, _ := c.Get("call-1")
	if got.State != domain.CallFailed || got.FailureReason != domain.ReasonRejected {
		t.Fatalf("unexpected session %+v", got)
	}
	if n.count("alice", domain.EventCallReject) != 1 {
		t.Fatal("caller should see the rejection")
	}

	s, err := c.Offer(ctx, "alice", offer("dave", "call-2"))
	if !errors.Is(err, domain.ErrRecipientOffline) || domain.KindOf(err) != domain.KindResource {
		t.Fatalf("expected resource error, got %v", err)
	}
	if s == nil || s.State != domain.CallFailed || s.FailureReason != domain.ReasonUnavailable {
		t.Fatalf("unexpected session %+v", s)
	}
	if n.count("dave", domain.EventCallOffer) != 0 {
		t.Fatal("offline callee must not be offered")
	}
}

func TestDisconnectFailsLiveCalls(t *testing.T) {
	c, n := newCoordinator(Options{})
	ctx := context.Background()

	c.Offer(ctx, "alice", offer("bob", "call-1"))
	c.Answer(ctx, "bob", domain.CallAnswerPayload{Answer: sdp("answer"), CallID: "call-1"})

	c.OnDisconnect("bob", "session-1")

	got, _ := c.Get("call-1")
	if got.State != domain.CallFailed || got.FailureReason != domain.ReasonConnectionLost {
		t.Fatalf("unexpected session %+v", got)
	}
	if n.count("alice", domain.EventCallFailed) != 1 {
		t.Fatal("remaining peer should be told")
	}
	if err := c.Candidate(ctx, "alice", domain.CallCandidatePayload{Candidate: sdp("x"), CallID: "call-1"}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("candidates after failure should be rejected, got %v", err)
	}
}
