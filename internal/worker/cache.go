package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"unichat/internal/models"
	"unichat/internal/redis"
)

const (
	redisInvalidateChannel = "worker:invalidate"
	historyTTL             = 30 * time.Minute
)

const (
	scopeUser         = "user"
	scopeConversation = "conversation"
)

type invalidateMessage struct {
	Origin         string `json:"origin"`
	UserID         int64  `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Scope          string `json:"scope"`
}

type redisHistory struct {
	UserID   int64            `json:"user_id"`
	Messages []models.Message `json:"messages"`
}

// stateRedis shares conversation history between gateway instances. All
// methods are no-ops on a nil receiver or without a client.
type stateRedis struct {
	client *redis.Client
	origin string
	log    *zap.Logger
}

func newStateCache(client *redis.Client, origin string, log *zap.Logger) *stateRedis {
	if client == nil {
		return nil
	}
	return &stateRedis{client: client, origin: origin, log: log}
}

func historyKey(conversationID string) string {
	return fmt.Sprintf("worker:history:%s", conversationID)
}

// startListener delivers invalidations published by other instances until ctx is done.
func (r *stateRedis) startListener(ctx context.Context, handler func(invalidateMessage)) <-chan struct{} {
	done := make(chan struct{})
	if r == nil || handler == nil {
		close(done)
		return done
	}
	pubsub, err := r.client.Subscribe(ctx, redisInvalidateChannel)
	if err != nil {
		r.log.Warn("subscribe invalidations", zap.Error(err))
		close(done)
		return done
	}
	// wait for the subscription to be confirmed so no invalidation is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		r.log.Warn("confirm invalidation subscription", zap.Error(err))
		pubsub.Close()
		close(done)
		return done
	}
	go func() {
		defer close(done)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv invalidateMessage
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					r.log.Warn("decode invalidation", zap.Error(err))
					continue
				}
				if inv.Origin == r.origin {
					continue
				}
				handler(inv)
			}
		}
	}()
	return done
}

// publishInvalidation broadcasts msg to the other instances.
func (r *stateRedis) publishInvalidation(ctx context.Context, msg invalidateMessage) {
	if r == nil {
		return
	}
	msg.Origin = r.origin
	payload, err := json.Marshal(msg)
	if err != nil {
		r.log.Warn("marshal invalidation", zap.Error(err))
		return
	}
	if err := r.client.Publish(ctx, redisInvalidateChannel, payload); err != nil {
		r.log.Warn("publish invalidation", zap.Error(err))
	}
}

func (r *stateRedis) cacheHistory(ctx context.Context, userID int64, conversationID string, history []models.Message) {
	if r == nil || conversationID == "" {
		return
	}
	if err := r.client.SetJSON(ctx, historyKey(conversationID), redisHistory{UserID: userID, Messages: history}, historyTTL); err != nil {
		r.log.Warn("cache history", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (r *stateRedis) loadHistory(ctx context.Context, userID int64, conversationID string) ([]models.Message, bool) {
	if r == nil || conversationID == "" {
		return nil, false
	}
	var cached redisHistory
	if err := r.client.GetJSON(ctx, historyKey(conversationID), &cached); err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			r.log.Warn("load history", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		return nil, false
	}
	if cached.UserID != userID {
		return nil, false
	}
	return cached.Messages, true
}

func (r *stateRedis) invalidateHistory(ctx context.Context, conversationID string) {
	if r == nil || conversationID == "" {
		return
	}
	if err := r.client.Del(ctx, historyKey(conversationID)); err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		r.log.Warn("invalidate history", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}
