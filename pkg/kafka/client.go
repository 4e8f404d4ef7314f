// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"chat-relay/internal/config"
	"chat-relay/internal/model"
	"chat-relay/pkg/log"
	"chat-relay/pkg/tasks"

	"github.com/segmentio/kafka-go"
)

const maxProcessAttempts = 3

var (
	retryBackoff = 500 * time.Millisecond
	fetchBackoff = time.Second
)

// TaskProcessor defines the interface for any service that can process an archive task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.ExchangeArchiveTask) error
}

// permanent 由处理器返回的错误实现，表示重试也不会成功。
type permanent interface {
	Permanent() bool
}

// messageReader 是消费循环用到的 *kafka.Reader 子集。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Producer 发送归档任务。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers(cfg.Brokers)...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// PublishExchange 发送一个归档任务，以会话为 key 保证同一会话内有序。
func (p *Producer) PublishExchange(ctx context.Context, task tasks.ExchangeArchiveTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(model.ConversationKey{UserID: task.UserID, ConversationID: task.ConversationID}.String()),
		Value: taskBytes,
	})
}

// Close 刷新并关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// StartConsumer 启动一个 Kafka 消费者来处理归档任务，ctx 结束时返回。
// 读取失败只记录日志并退避重试，不会让调用方退出。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg.Brokers),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)
	consume(ctx, r, processor)
	return nil
}

func consume(ctx context.Context, r messageReader, processor TaskProcessor) {
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnw("从 Kafka 读取消息失败，稍后重试", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchBackoff):
			}
			continue
		}

		var task tasks.ExchangeArchiveTask
		if err := json.Unmarshal(m.Value, &task); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			commit(ctx, r, m)
			continue
		}

		if err := processWithRetry(ctx, processor, task); err != nil {
			log.Errorw("归档任务多次失败，丢弃", "exchangeId", task.ExchangeID, "offset", m.Offset, "error", err)
		}
		commit(ctx, r, m)
	}
}

func processWithRetry(ctx context.Context, processor TaskProcessor, task tasks.ExchangeArchiveTask) error {
	var err error
	for attempt := 1; attempt <= maxProcessAttempts; attempt++ {
		if err = processor.Process(ctx, task); err == nil {
			return nil
		}
		log.Warnw("处理归档任务失败", "exchangeId", task.ExchangeID, "attempt", attempt, "error", err)
		var p permanent
		if errors.As(err, &p) && p.Permanent() {
			return err
		}
		if attempt == maxProcessAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff * time.Duration(attempt)):
		}
	}
	return err
}

func commit(ctx context.Context, r messageReader, m kafka.Message) {
	if err := r.CommitMessages(ctx, m); err != nil {
		log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
	}
}

func brokers(list string) []string {
	var out []string
	for _, b := range strings.Split(list, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
