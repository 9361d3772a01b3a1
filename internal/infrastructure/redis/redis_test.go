package redis

import (
	"context"
	"testing"
	"time"

	"matchchat/internal/domain"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewRedisClient(mr.Addr(), "")
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestPushMessageDedupesByClientID(t *testing.T) {
	client, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan domain.Message, 4)
	go client.SubscribeRelay(ctx, zap.NewNop(), func(m domain.Message) { received <- m })

	// wait until the pattern subscription is live
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := client.client.PubSubNumPat(ctx).Result()
		if err == nil && n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("relay subscription never became active")
		}
		time.Sleep(10 * time.Millisecond)
	}

	msg := domain.Message{
		ClientID:       "c1",
		ConversationID: domain.ConversationID("alice", "bob"),
		SenderID:       "alice",
		ReceiverID:     "bob",
		Content:        "hi",
		Status:         domain.StatusSending,
		CreatedAt:      time.Now().UTC(),
	}
	pushed, err := client.PushMessage(ctx, msg)
	if err != nil || !pushed {
		t.Fatalf("first push: pushed=%v err=%v", pushed, err)
	}
	pushed, err = client.PushMessage(ctx, msg)
	if err != nil || pushed {
		t.Fatalf("repeat push must be suppressed: pushed=%v err=%v", pushed, err)
	}

	select {
	case got := <-received:
		if got.ClientID != "c1" || got.ReceiverID != "bob" {
			t.Fatalf("unexpected relay message %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay message not received")
	}

	select {
	case extra := <-received:
		t.Fatalf("duplicate relay delivery: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestForgetAllowsRelayAgain(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	msg := domain.Message{ClientID: "c1", ConversationID: domain.ConversationID("alice", "bob"), SenderID: "alice", ReceiverID: "bob"}
	if pushed, err := client.PushMessage(ctx, msg); err != nil || !pushed {
		t.Fatalf("first push: pushed=%v err=%v", pushed, err)
	}
	if err := client.Forget(ctx, "alice", "c1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if mr.Exists(relayDedupeKey("alice", "c1")) {
		t.Fatal("dedupe key should be gone")
	}
	if pushed, err := client.PushMessage(ctx, msg); err != nil || !pushed {
		t.Fatalf("push after forget: pushed=%v err=%v", pushed, err)
	}
}

func TestPresenceOnlineExpiresWithTTL(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := client.SetOnline(ctx, "alice", now, 45*time.Second); err != nil {
		t.Fatalf("set online: %v", err)
	}
	online, lastSeen, err := client.GetPresence(ctx, "alice")
	if err != nil || !online || lastSeen == nil {
		t.Fatalf("expected online with last seen, got %v %v %v", online, lastSeen, err)
	}

	mr.FastForward(46 * time.Second)
	online, lastSeen, err = client.GetPresence(ctx, "alice")
	if err != nil {
		t.Fatalf("get presence: %v", err)
	}
	if online {
		t.Fatal("online key should have lapsed")
	}
	if lastSeen == nil || lastSeen.UnixMilli() != now.UnixMilli() {
		t.Fatalf("last seen should survive expiry, got %v", lastSeen)
	}
}

func TestSetOfflineKeepsLastSeen(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	at := time.Now().UTC()

	if err := client.SetOnline(ctx, "bob", at, time.Minute); err != nil {
		t.Fatalf("set online: %v", err)
	}
	later := at.Add(5 * time.Second)
	if err := client.SetOffline(ctx, "bob", later); err != nil {
		t.Fatalf("set offline: %v", err)
	}
	online, lastSeen, err := client.GetPresence(ctx, "bob")
	if err != nil || online {
		t.Fatalf("expected offline, got %v %v", online, err)
	}
	if lastSeen == nil || lastSeen.UnixMilli() != later.UnixMilli() {
		t.Fatalf("unexpected last seen %v", lastSeen)
	}

	online, lastSeen, err = client.GetPresence(ctx, "nobody")
	if err != nil || online || lastSeen != nil {
		t.Fatalf("unknown user should be offline without last seen, got %v %v %v", online, lastSeen, err)
	}
}

func TestTypingUsersLapse(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	conv := domain.ConversationID("alice", "bob")
	now := time.Now()

	if err := client.SetUserTyping(ctx, conv, "alice", now.Add(2*time.Second)); err != nil {
		t.Fatalf("set typing: %v", err)
	}
	if err := client.SetUserTyping(ctx, conv, "bob", now.Add(500*time.Millisecond)); err != nil {
		t.Fatalf("set typing: %v", err)
	}

	users, err := client.GetTypingUsers(ctx, conv, now)
	if err != nil || len(users) != 2 {
		t.Fatalf("expected 2 typing users, got %v %v", users, err)
	}

	users, err = client.GetTypingUsers(ctx, conv, now.Add(time.Second))
	if err != nil || len(users) != 1 || users[0].UserID != "alice" {
		t.Fatalf("bob should have lapsed, got %v %v", users, err)
	}

	if err := client.ClearUserTyping(ctx, conv, "alice"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	users, err = client.GetTypingUsers(ctx, conv, now.Add(time.Second))
	if err != nil || len(users) != 0 {
		t.Fatalf("expected nobody typing, got %v %v", users, err)
	}
}
