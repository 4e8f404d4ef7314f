// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

import "time"

// ExchangeArchiveTask is published after every completed exchange so that a
// consumer can archive it outside the request path.
type ExchangeArchiveTask struct {
	ExchangeID     string    `json:"exchange_id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Channel        string    `json:"channel"`
	Provider       string    `json:"provider"`
	Question       string    `json:"question"`
	Answer         string    `json:"answer"`
	CompletedAt    time.Time `json:"completed_at"`
}
