package repository

import (
	"context"
	"fmt"

	"chat-relay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ExchangeRepository 定义了问答归档的持久化操作。
type ExchangeRepository interface {
	// Create 写入一条归档；ID 重复时忽略，保证 Kafka 重投递幂等。
	Create(ctx context.Context, exchange *model.Exchange) error
	// ListByConversation 按时间倒序返回某个会话最近的归档。
	ListByConversation(ctx context.Context, key model.ConversationKey, limit int) ([]model.Exchange, error)
}

type exchangeRepository struct {
	db *gorm.DB
}

// NewExchangeRepository 创建一个新的 ExchangeRepository 实例。
func NewExchangeRepository(db *gorm.DB) ExchangeRepository {
	return &exchangeRepository{db: db}
}

func (r *exchangeRepository) Create(ctx context.Context, exchange *model.Exchange) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(exchange).Error
	if err != nil {
		return fmt.Errorf("failed to archive exchange %s: %w", exchange.ID, err)
	}
	return nil
}

func (r *exchangeRepository) ListByConversation(ctx context.Context, key model.ConversationKey, limit int) ([]model.Exchange, error) {
	var exchanges []model.Exchange
	q := r.db.WithContext(ctx).
		Where("user_id = ? AND conversation_id = ?", key.UserID, key.ConversationID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&exchanges).Error; err != nil {
		return nil, fmt.Errorf("failed to list exchanges: %w", err)
	}
	return exchanges, nil
}
