package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chat-relay/internal/model"

	"github.com/go-redis/redis/v8"
)

// ConversationRepository 把完整会话历史以 JSON 快照形式镜像到外部存储，
// 进程重启后可以据此恢复内存中的历史。
type ConversationRepository interface {
	// LoadHistory 返回快照；不存在时 found 为 false。
	LoadHistory(ctx context.Context, key model.ConversationKey) (msgs []model.ChatMessage, found bool, err error)
	SaveHistory(ctx context.Context, key model.ConversationKey, messages []model.ChatMessage) error
	DeleteHistory(ctx context.Context, key model.ConversationKey) error
}

type redisConversationRepository struct {
	redisClient *redis.Client
	ttl         time.Duration
	maxMessages int
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
// maxMessages > 0 时快照只保留最近的 maxMessages 条。
func NewConversationRepository(redisClient *redis.Client, ttl time.Duration, maxMessages int) ConversationRepository {
	return &redisConversationRepository{redisClient: redisClient, ttl: ttl, maxMessages: maxMessages}
}

func conversationRedisKey(key model.ConversationKey) string {
	return fmt.Sprintf("conversation:%s", key.String())
}

// LoadHistory 从 Redis 获取对话历史记录。
func (r *redisConversationRepository) LoadHistory(ctx context.Context, key model.ConversationKey) ([]model.ChatMessage, bool, error) {
	jsonData, err := r.redisClient.Get(ctx, conversationRedisKey(key)).Result()
	if err == redis.Nil {
		return []model.ChatMessage{}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get conversation history: %w", err)
	}
	var messages []model.ChatMessage
	if err := json.Unmarshal([]byte(jsonData), &messages); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal conversation history: %w", err)
	}
	return messages, true, nil
}

// SaveHistory 在 Redis 中覆盖写入对话历史记录，并刷新过期时间。
func (r *redisConversationRepository) SaveHistory(ctx context.Context, key model.ConversationKey, messages []model.ChatMessage) error {
	if r.maxMessages > 0 && len(messages) > r.maxMessages {
		messages = messages[len(messages)-r.maxMessages:]
	}
	jsonData, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation history: %w", err)
	}
	if err := r.redisClient.Set(ctx, conversationRedisKey(key), jsonData, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set conversation history: %w", err)
	}
	return nil
}

// DeleteHistory 删除快照，键不存在不算错误。
func (r *redisConversationRepository) DeleteHistory(ctx context.Context, key model.ConversationKey) error {
	if err := r.redisClient.Del(ctx, conversationRedisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete conversation history: %w", err)
	}
	return nil
}
