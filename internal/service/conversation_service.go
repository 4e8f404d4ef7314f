package service

import (
	"context"
	"errors"

	"chat-relay/internal/model"
	"chat-relay/internal/repository"
	"chat-relay/pkg/log"
)

// ErrArchiveDisabled 表示没有配置 MySQL 归档。
var ErrArchiveDisabled = errors.New("exchange archive is disabled")

const maxExchangeListLimit = 100

// ConversationService 定义了对话业务逻辑的接口。
type ConversationService interface {
	// GetConversation 返回完整历史，不存在时返回空切片。
	GetConversation(ctx context.Context, key model.ConversationKey) []model.ChatMessage
	// DeleteConversation 清空历史，总是成功。
	DeleteConversation(ctx context.Context, key model.ConversationKey)
	// ListExchanges 返回归档中最近的问答。
	ListExchanges(ctx context.Context, key model.ConversationKey, limit int) ([]model.Exchange, error)
}

type conversationService struct {
	history *ConversationHistory
	archive repository.ExchangeRepository
}

// NewConversationService 创建一个新的 ConversationService。archive 可以为 nil。
func NewConversationService(history *ConversationHistory, archive repository.ExchangeRepository) ConversationService {
	return &conversationService{history: history, archive: archive}
}

func (s *conversationService) GetConversation(ctx context.Context, key model.ConversationKey) []model.ChatMessage {
	// Seed 只在不存在时写入，无需持锁
	s.history.Hydrate(ctx, key)
	return s.history.Store().Get(key)
}

func (s *conversationService) DeleteConversation(ctx context.Context, key model.ConversationKey) {
	release, err := s.history.Lock(ctx, key)
	if err != nil {
		log.Warnw("clearing conversation without lock", "conversation", key.String(), "error", err)
	} else {
		defer release()
	}
	s.history.Forget(ctx, key)
	log.Infow("conversation cleared", "conversation", key.String())
}

func (s *conversationService) ListExchanges(ctx context.Context, key model.ConversationKey, limit int) ([]model.Exchange, error) {
	if s.archive == nil {
		return nil, ErrArchiveDisabled
	}
	if limit <= 0 || limit > maxExchangeListLimit {
		limit = maxExchangeListLimit
	}
	return s.archive.ListByConversation(ctx, key, limit)
}
