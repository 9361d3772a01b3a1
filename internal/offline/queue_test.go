package offline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"matchchat/internal/domain"
	"matchchat/internal/infrastructure/database"

	"go.uber.org/zap"
)

// fakeServer counts submissions per clientId and stores each message once.
type fakeServer struct {
	mu       sync.Mutex
	calls    map[string]int
	rows     map[string]domain.Message
	failWith map[string]error
	delay    time.Duration
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		calls:    make(map[string]int),
		rows:     make(map[string]domain.Message),
		failWith: make(map[string]error),
	}
}

func (s *fakeServer) SubmitMessage(_ context.Context, req domain.CreateMessageRequest) (*domain.Message, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[req.ClientID]++
	if err := s.failWith[req.ClientID]; err != nil {
		return nil, err
	}
	msg := domain.Message{ID: int64(len(s.rows) + 1), ClientID: req.ClientID, Content: req.Content, Status: domain.StatusSent}
	s.rows[req.ClientID] = msg
	return &msg, nil
}

type storeFactory struct {
	name string
	make func(t *testing.T) Store
}

func stores() []storeFactory {
	return []storeFactory{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"sqlite", func(t *testing.T) Store {
			t.Helper()
			dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
			db, err := database.NewDatabase("sqlite", dsn, zap.NewNop())
			if err != nil {
				t.Fatalf("open database: %v", err)
			}
			t.Cleanup(func() { db.Close() })
			store, err := NewSQLiteStore(db.DB)
			if err != nil {
				t.Fatalf("sqlite store: %v", err)
			}
			return store
		}},
	}
}

func enqueue(t *testing.T, m *Manager, clientID, content string) Item {
	t.Helper()
	item, err := m.Enqueue(context.Background(), domain.Message{ClientID: clientID, ReceiverID: "bob", Content: content})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return item
}

func TestConcurrentDrainsSubmitOnce(t *testing.T) {
	for _, sf := range stores() {
		t.Run(sf.name, func(t *testing.T) {
			server := newFakeServer()
			server.delay = 5 * time.Millisecond
			m := NewManager(sf.make(t), server, "alice", zap.NewNop())

			for i := 0; i < 5; i++ {
				enqueue(t, m, fmt.Sprintf("c%d", i), fmt.Sprintf("m%d", i))
			}

			var wg sync.WaitGroup
			results := make([]DrainResult, 2)
			for i := range results {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					res, err := m.Drain(context.Background())
					if err != nil {
						t.Errorf("drain: %v", err)
					}
					results[i] = res
				}(i)
			}
			wg.Wait()

			if got := len(results[0].Succeeded) + len(results[1].Succeeded); got != 5 {
				t.Fatalf("expected 5 successes across drains, got %d", got)
			}
			server.mu.Lock()
			defer server.mu.Unlock()
			if len(server.rows) != 5 {
				t.Fatalf("expected 5 rows, got %d", len(server.rows))
			}
			for id, n := range server.calls {
				if n != 1 {
					t.Fatalf("%s submitted %d times", id, n)
				}
			}
			items, _ := m.Items(context.Background())
			if len(items) != 0 {
				t.Fatalf("queue should be empty, got %d", len(items))
			}
		})
	}
}

func TestOfflineKeepsItemsPending(t *testing.T) {
	for _, sf := range stores() {
		t.Run(sf.name, func(t *testing.T) {
			server := newFakeServer()
			m := NewManager(sf.make(t), server, "alice", zap.NewNop())
			ctx := context.Background()

			enqueue(t, m, "c1", "hello")
			server.failWith["c1"] = fmt.Errorf("dial: %w", domain.ErrOffline)

			res, err := m.Drain(ctx)
			if err != nil {
				t.Fatalf("drain: %v", err)
			}
			if len(res.Succeeded) != 0 || len(res.Failed) != 0 {
				t.Fatalf("nothing should settle while offline, got %+v", res)
			}
			if m.IsOnline() {
				t.Fatal("an offline error should flip the manager offline")
			}
			items, _ := m.Items(ctx)
			if len(items) != 1 || items[0].State != StatePending || items[0].AttemptCount != 1 {
				t.Fatalf("item should be pending after one attempt, got %+v", items)
			}

			delete(server.failWith, "c1")
			res, err = m.SetOnline(ctx, true)
			if err != nil {
				t.Fatalf("set online: %v", err)
			}
			if len(res.Succeeded) != 1 || res.Succeeded[0].ClientID != "c1" {
				t.Fatalf("reconnect should drain the item, got %+v", res)
			}
		})
	}
}

func TestRejectedItemsStopRetrying(t *testing.T) {
	for _, sf := range stores() {
		t.Run(sf.name, func(t *testing.T) {
			server := newFakeServer()
			m := NewManager(sf.make(t), server, "alice", zap.NewNop())
			ctx := context.Background()

			enqueue(t, m, "bad", "nope")
			enqueue(t, m, "good", "yes")
			server.failWith["bad"] = fmt.Errorf("status 403: %w", domain.ErrRejected)

			res, err := m.Drain(ctx)
			if err != nil {
				t.Fatalf("drain: %v", err)
			}
			if len(res.Failed) != 1 || res.Failed[0].ClientID != "bad" || len(res.Succeeded) != 1 {
				t.Fatalf("unexpected result %+v", res)
			}

			// a second drain must not touch the failed item
			if _, err := m.Drain(ctx); err != nil {
				t.Fatalf("drain: %v", err)
			}
			if server.calls["bad"] != 1 {
				t.Fatalf("failed item retried automatically: %d calls", server.calls["bad"])
			}

			delete(server.failWith, "bad")
			if err := m.Retry(ctx, "bad"); err != nil {
				t.Fatalf("retry: %v", err)
			}
			res, _ = m.Drain(ctx)
			if len(res.Succeeded) != 1 || server.calls["bad"] != 2 {
				t.Fatalf("manual retry should resubmit once, got %+v (%d calls)", res, server.calls["bad"])
			}
		})
	}
}

func TestCancelAndRetryRules(t *testing.T) {
	for _, sf := range stores() {
		t.Run(sf.name, func(t *testing.T) {
			store := sf.make(t)
			m := NewManager(store, newFakeServer(), "alice", zap.NewNop())
			ctx := context.Background()

			enqueue(t, m, "c1", "one")
			if err := m.Cancel(ctx, "c1"); err != nil {
				t.Fatalf("cancel pending: %v", err)
			}
			if err := m.Cancel(ctx, "c1"); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			enqueue(t, m, "c2", "two")
			if _, err := store.Claim(ctx, 10, time.Now()); err != nil {
				t.Fatalf("claim: %v", err)
			}
			if err := m.Cancel(ctx, "c2"); !errors.Is(err, domain.ErrInvalidTransition) {
				t.Fatalf("in-flight item cannot be cancelled, got %v", err)
			}
			if err := m.Retry(ctx, "c2"); !errors.Is(err, domain.ErrInvalidTransition) {
				t.Fatalf("only failed items can be retried, got %v", err)
			}

			n, err := m.Recover(ctx)
			if err != nil || n != 1 {
				t.Fatalf("recover: %d %v", n, err)
			}
			item, _ := store.Get(ctx, "c2")
			if item.State != StatePending {
				t.Fatalf("recovered item should be pending, got %s", item.State)
			}
		})
	}
}

func TestEnqueueAssignsStableClientID(t *testing.T) {
	m := NewManager(NewMemoryStore(), newFakeServer(), "alice", zap.NewNop())
	ctx := context.Background()

	item, err := m.Enqueue(ctx, domain.Message{ReceiverID: "bob", Content: "hi"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if item.ClientID == "" || item.SenderID != "alice" || item.State != StatePending {
		t.Fatalf("unexpected item %+v", item)
	}

	again, err := m.Enqueue(ctx, domain.Message{ClientID: item.ClientID, ReceiverID: "bob", Content: "hi"})
	if err != nil || again.ClientID != item.ClientID {
		t.Fatalf("re-enqueue should return the same item, got %+v %v", again, err)
	}
	items, _ := m.Items(ctx)
	if len(items) != 1 {
		t.Fatalf("expected one queued item, got %d", len(items))
	}

	if _, err := m.Enqueue(ctx, domain.Message{ReceiverID: "bob"}); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}
