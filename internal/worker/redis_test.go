package worker

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"unichat/internal/config"
	"unichat/internal/models"
	"unichat/internal/redis"
)

func TestStateCacheStoreLoadAndInvalidate(t *testing.T) {
	client := newRedisClient(t)
	sc := newStateCache(client, "instance-a", zap.NewNop())
	ctx := context.Background()

	history := []models.Message{
		{ID: 1, UserID: 77, ConversationID: "c-101", Role: models.RoleUser, Content: "hello"},
		{ID: 2, UserID: 77, ConversationID: "c-101", Role: models.RoleAssistant, Content: "hi", Model: "echo"},
	}
	sc.cacheHistory(ctx, 77, "c-101", history)

	got, ok := sc.loadHistory(ctx, 77, "c-101")
	if !ok {
		t.Fatalf("expected history cached")
	}
	if len(got) != len(history) || got[1].Model != "echo" {
		t.Fatalf("history mismatch: %+v", got)
	}
	if _, ok := sc.loadHistory(ctx, 78, "c-101"); ok {
		t.Fatalf("history served to another user")
	}

	sc.invalidateHistory(ctx, "c-101")
	if _, ok := sc.loadHistory(ctx, 77, "c-101"); ok {
		t.Fatalf("expected history invalidated")
	}
}

func TestStateCachePubSub(t *testing.T) {
	client := newRedisClient(t)
	listener := newStateCache(client, "instance-a", zap.NewNop())
	publisher := newStateCache(client, "instance-b", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan invalidateMessage, 2)
	done := listener.startListener(ctx, func(msg invalidateMessage) {
		ch <- msg
	})

	// own messages are ignored
	listener.publishInvalidation(ctx, invalidateMessage{UserID: 1, Scope: scopeUser})
	msg := invalidateMessage{UserID: 5, ConversationID: "c-6", Scope: scopeConversation}
	publisher.publishInvalidation(ctx, msg)

	select {
	case got := <-ch:
		msg.Origin = "instance-b"
		if got != msg {
			t.Fatalf("unexpected message %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("did not receive pubsub message")
	}
	cancel()
	<-done
}

func TestManagerSharesHistoryThroughRedis(t *testing.T) {
	client := newRedisClient(t)
	asst := newTestAssistant(t)
	userID := insertUser(t, asst.db, "kim", 5)
	fake := &fakeAI{}
	first := newTestManager(t, asst.svc, fake, Options{Cache: client, TurnCost: 0.01})
	second := newTestManager(t, asst.svc, fake, Options{Cache: client, TurnCost: 0.01})

	res, err := first.Stream(TurnRequest{Context: context.Background(), UserID: userID, Content: "hi"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if _, err := second.history(context.Background(), userID, res.ConversationID); err != nil {
		t.Fatalf("load history: %v", err)
	}
	if _, ok := second.state.get(userID, res.ConversationID); !ok {
		t.Fatalf("second instance did not cache history")
	}

	first.Purge(context.Background(), userID, res.ConversationID)
	waitUntil(t, "remote purge", func() bool {
		_, ok := second.state.get(userID, res.ConversationID)
		return !ok
	})
}

// --- helpers ---

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed worker tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	cfg := &config.Config{
		Redis: config.RedisConfig{
			Host: host,
			Port: port,
			DB:   db,
		},
	}
	client, err := redis.NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	if raw := client.Raw(); raw != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := raw.FlushDB(ctx).Err(); err != nil {
			t.Fatalf("flush db: %v", err)
		}
	}
	t.Cleanup(func() { client.Close() })
	return client
}
