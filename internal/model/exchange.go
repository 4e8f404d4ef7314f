package model

import "time"

// Exchange 是一次完成的问答，归档到 MySQL。
type Exchange struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	UserID         string    `gorm:"size:128;index:idx_exchange_conversation,priority:1;not null" json:"userId"`
	ConversationID string    `gorm:"size:128;index:idx_exchange_conversation,priority:2;not null" json:"conversationId"`
	Channel        string    `gorm:"size:16;not null" json:"channel"`
	Provider       string    `gorm:"size:32" json:"provider"`
	Question       string    `gorm:"type:text;not null" json:"question"`
	Answer         string    `gorm:"type:text;not null" json:"answer"`
	CreatedAt      LocalTime `gorm:"type:datetime;not null" json:"createdAt"`
}

func (Exchange) TableName() string {
	return "chat_exchanges"
}

// ExchangeFrom 根据一次成功的问答构造归档记录。
func ExchangeFrom(id string, key ConversationKey, channel, provider, question, answer string, at time.Time) Exchange {
	return Exchange{
		ID:             id,
		UserID:         key.UserID,
		ConversationID: key.ConversationID,
		Channel:        channel,
		Provider:       provider,
		Question:       question,
		Answer:         answer,
		CreatedAt:      LocalTime(at),
	}
}
