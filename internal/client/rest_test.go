package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"matchchat/internal/domain"
	"matchchat/internal/offline"

	"go.uber.org/zap"
)

func writeEnvelope(w http.ResponseWriter, status int, success bool, data interface{}, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": success,
		"message": "test",
		"data":    data,
		"error":   errMsg,
	})
}

func TestSubmitMessageErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		data    interface{}
		wantErr error
		kind    domain.Kind
	}{
		{"created", http.StatusCreated, domain.Message{ID: 7, ClientID: "c1", Status: domain.StatusSent}, nil, domain.KindUnknown},
		{"replayed", http.StatusOK, domain.Message{ID: 7, ClientID: "c1", Status: domain.StatusSent}, nil, domain.KindUnknown},
		{"server gave up", http.StatusInternalServerError, map[string]string{"clientId": "c1", "status": "FAILED"}, domain.ErrRejected, domain.KindRejected},
		{"server error", http.StatusInternalServerError, nil, domain.ErrStoreUnavailable, domain.KindTransient},
		{"rate limited", http.StatusTooManyRequests, nil, domain.ErrRateLimited, domain.KindTransient},
		{"forbidden", http.StatusForbidden, nil, domain.ErrForbidden, domain.KindRejected},
		{"bad request", http.StatusBadRequest, nil, domain.ErrRejected, domain.KindRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") != "Bearer tok" {
					t.Errorf("missing bearer token")
				}
				if r.Method != http.MethodPost || r.URL.Path != "/api/messages" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				ok := tt.status < 300
				writeEnvelope(w, tt.status, ok, tt.data, "boom")
			}))
			defer srv.Close()

			c := NewRESTClient(srv.URL, "tok", nil)
			msg, err := c.SubmitMessage(context.Background(), domain.CreateMessageRequest{ReceiverID: "bob", Content: "hi", ClientID: "c1"})
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				if msg.ID != 7 || msg.ClientID != "c1" {
					t.Fatalf("unexpected message %+v", msg)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if got := domain.KindOf(err); got != tt.kind {
				t.Fatalf("kind = %v, want %v", got, tt.kind)
			}
		})
	}
}

func TestUnreachableServerIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewRESTClient(url, "tok", nil)
	_, err := c.SubmitMessage(context.Background(), domain.CreateMessageRequest{ReceiverID: "bob", Content: "hi", ClientID: "c1"})
	if !errors.Is(err, domain.ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	if domain.KindOf(err) != domain.KindTransient {
		t.Fatal("offline errors should be transient")
	}
}

func TestHistoryAndMarkRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/messages":
			if r.URL.Query().Get("conversationWith") != "bob" || r.URL.Query().Get("limit") != "2" {
				t.Errorf("unexpected query %s", r.URL.RawQuery)
			}
			writeEnvelope(w, http.StatusOK, true, []domain.Message{{ID: 1, Content: "a"}, {ID: 2, Content: "b"}}, "")
		case "/api/messages/mark-read":
			var req domain.MarkReadRequest
			json.NewDecoder(r.Body).Decode(&req)
			writeEnvelope(w, http.StatusOK, true, map[string]int{"updated": len(req.MessageIDs)}, "")
		default:
			writeEnvelope(w, http.StatusNotFound, false, nil, "not found")
		}
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL+"/", "tok", nil)
	ctx := context.Background()

	msgs, err := c.History(ctx, "bob", 1, 2)
	if err != nil || len(msgs) != 2 || msgs[1].Content != "b" {
		t.Fatalf("history: %+v %v", msgs, err)
	}
	n, err := c.MarkRead(ctx, "bob", []int64{1, 2})
	if err != nil || n != 2 {
		t.Fatalf("mark read: %d %v", n, err)
	}
	if _, err := c.Edit(ctx, 99, "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueueDrainsThroughRESTClient(t *testing.T) {
	var mu sync.Mutex
	stored := map[string]bool{}
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req domain.CreateMessageRequest
		json.NewDecoder(r.Body).Decode(&req)

		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			writeEnvelope(w, http.StatusInternalServerError, false, nil, "db down")
			return
		}
		status := http.StatusCreated
		if stored[req.ClientID] {
			status = http.StatusOK
		}
		stored[req.ClientID] = true
		writeEnvelope(w, status, true, domain.Message{ID: int64(len(stored)), ClientID: req.ClientID, Status: domain.StatusSent}, "")
	}))
	defer srv.Close()

	q := offline.NewManager(offline.NewMemoryStore(), NewRESTClient(srv.URL, "tok", nil), "alice", zap.NewNop())
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, domain.Message{ClientID: "c1", ReceiverID: "bob", Content: "hi"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(res.Succeeded) != 0 || len(res.Failed) != 0 {
		t.Fatalf("transient server error should leave the item queued, got %+v", res)
	}

	res, err = q.Drain(ctx)
	if err != nil || len(res.Succeeded) != 1 {
		t.Fatalf("second drain: %+v %v", res, err)
	}
	items, _ := q.Items(ctx)
	if len(items) != 0 {
		t.Fatalf("queue should be empty, got %+v", items)
	}
}
