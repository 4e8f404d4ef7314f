// Package pipeline 定义了问答归档的处理流程。
package pipeline

import (
	"context"
	"fmt"

	"chat-relay/internal/model"
	"chat-relay/internal/repository"
	"chat-relay/pkg/log"
	"chat-relay/pkg/tasks"
)

type permanentError struct{ msg string }

func (e *permanentError) Error() string { return e.msg }

// Permanent 告诉 Kafka 消费者不要重试。
func (e *permanentError) Permanent() bool { return true }

// ErrInvalidTask 表示任务本身有问题，重试也无法成功。
var ErrInvalidTask error = &permanentError{msg: "invalid archive task"}

// Processor 把 Kafka 中的归档任务写入 MySQL。
type Processor struct {
	exchangeRepo repository.ExchangeRepository
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(exchangeRepo repository.ExchangeRepository) *Processor {
	return &Processor{exchangeRepo: exchangeRepo}
}

// Process 处理一条归档任务。
func (p *Processor) Process(ctx context.Context, task tasks.ExchangeArchiveTask) error {
	if task.ExchangeID == "" || task.UserID == "" || task.ConversationID == "" {
		return fmt.Errorf("%w: missing identifiers (exchange=%q user=%q conversation=%q)",
			ErrInvalidTask, task.ExchangeID, task.UserID, task.ConversationID)
	}

	key := model.ConversationKey{UserID: task.UserID, ConversationID: task.ConversationID}
	exchange := model.ExchangeFrom(task.ExchangeID, key, task.Channel, task.Provider, task.Question, task.Answer, task.CompletedAt)
	if err := p.exchangeRepo.Create(ctx, &exchange); err != nil {
		return err
	}

	log.Infow("[Processor] exchange archived", "exchangeId", task.ExchangeID, "conversation", key.String())
	return nil
}
