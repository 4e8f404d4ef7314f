// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chat-relay/internal/config"
	"chat-relay/internal/model"
	"chat-relay/pkg/llm"
	"chat-relay/pkg/log"
	"chat-relay/pkg/tasks"

	"github.com/google/uuid"
)

// ErrInvalidInput 表示消息为空或格式不正确，可由用户修正。
var ErrInvalidInput = errors.New("invalid input")

var errMessageTooLong = fmt.Errorf("%w: message too long", ErrInvalidInput)

// ErrProviderTimeout 是模型调用超时，等同于 llm.ErrTimeout。
var ErrProviderTimeout = llm.ErrTimeout

const (
	defaultUserID         = "anonymous"
	defaultConversationID = "default"

	channelHTTP     = "http"
	channelRealtime = "realtime"

	publishTimeout = 5 * time.Second
)

// ExchangePublisher 接收每次成功的问答，用于异步归档。
type ExchangePublisher interface {
	PublishExchange(ctx context.Context, task tasks.ExchangeArchiveTask) error
}

// ChatOptions 是协调器的策略配置。
type ChatOptions struct {
	HTTPContextLimit     int
	RealtimeContextLimit int
	HTTPSystemPrompt     string
	RealtimeSystemPrompt string
	MaxMessageLength     int
	ProviderTimeout      time.Duration
	Generation           *llm.GenerationParams
}

// OptionsFromConfig 从全局配置构造 ChatOptions。
func OptionsFromConfig(cfg config.Config) ChatOptions {
	return ChatOptions{
		HTTPContextLimit:     cfg.Chat.HTTPContextLimit,
		RealtimeContextLimit: cfg.Chat.RealtimeContextLimit,
		HTTPSystemPrompt:     cfg.Chat.HTTPSystemPrompt,
		RealtimeSystemPrompt: cfg.Chat.RealtimeSystemPrompt,
		MaxMessageLength:     cfg.Chat.MaxMessageLength,
		ProviderTimeout:      cfg.LLM.Timeout,
		Generation:           llm.ParamsFromConfig(cfg.LLM.Generation),
	}
}

// ChatRequest 是点对点请求。
type ChatRequest struct {
	Message        string
	UserID         string
	ConversationID string
}

// ChatReply 是点对点请求的结果。
type ChatReply struct {
	Response       string
	ConversationID string
	Timestamp      time.Time
}

// RealtimeMessage 是实时通道上的 send-message。
type RealtimeMessage struct {
	Message        string
	UserID         string
	ConversationID string
	Username       string
}

// ChatService 定义了聊天操作的接口。
type ChatService interface {
	// Chat 处理一次请求并直接返回回复。
	Chat(ctx context.Context, req ChatRequest) (*ChatReply, error)
	// HandleRealtime 处理实时消息：先回显用户消息，再广播助手回复；失败时只通知发起连接。
	HandleRealtime(ctx context.Context, connID string, msg RealtimeMessage) error
	Identify(connID, userID, username string)
	Typing(connID string, payload model.TypingPayload)
	JoinConversation(connID string, userID, conversationID string) error
	// Drain 等待所有已发起的归档发布结束，或直到 ctx 结束。
	Drain(ctx context.Context) error
}

type channelPolicy struct {
	name   string
	limit  int
	system string
}

type chatService struct {
	history   *ConversationHistory
	registry  SessionRegistry
	provider  llm.Client
	publisher ExchangePublisher
	opts      ChatOptions
	now       func() time.Time

	publishing sync.WaitGroup
}

// NewChatService 创建一个新的 ChatService 实例。publisher 可以为 nil。
func NewChatService(history *ConversationHistory, registry SessionRegistry, provider llm.Client, publisher ExchangePublisher, opts ChatOptions) ChatService {
	if opts.HTTPContextLimit <= 0 {
		opts.HTTPContextLimit = 10
	}
	if opts.RealtimeContextLimit <= 0 {
		opts.RealtimeContextLimit = 8
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 30 * time.Second
	}
	return &chatService{
		history:   history,
		registry:  registry,
		provider:  provider,
		publisher: publisher,
		opts:      opts,
		now:       time.Now,
	}
}

// ConversationKeyFor 补全缺省的用户与会话 ID。
func ConversationKeyFor(userID, conversationID string) model.ConversationKey {
	if userID == "" {
		userID = defaultUserID
	}
	if conversationID == "" {
		conversationID = defaultConversationID
	}
	return model.ConversationKey{UserID: userID, ConversationID: conversationID}
}

func (s *chatService) validate(message string) (string, error) {
	text := strings.TrimSpace(message)
	if text == "" {
		return "", fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	if s.opts.MaxMessageLength > 0 && utf8.RuneCountInString(text) > s.opts.MaxMessageLength {
		return "", fmt.Errorf("%w (limit %d characters)", errMessageTooLong, s.opts.MaxMessageLength)
	}
	return text, nil
}

func (s *chatService) Chat(ctx context.Context, req ChatRequest) (*ChatReply, error) {
	text, err := s.validate(req.Message)
	if err != nil {
		return nil, err
	}
	key := ConversationKeyFor(req.UserID, req.ConversationID)

	answer, err := s.exchange(ctx, key, text, channelPolicy{
		name:   channelHTTP,
		limit:  s.opts.HTTPContextLimit,
		system: s.opts.HTTPSystemPrompt,
	})
	if err != nil {
		return nil, err
	}
	return &ChatReply{Response: answer, ConversationID: key.ConversationID, Timestamp: s.now()}, nil
}

func (s *chatService) HandleRealtime(ctx context.Context, connID string, msg RealtimeMessage) error {
	text, err := s.validate(msg.Message)
	if err != nil {
		s.notifyError(connID, err)
		return err
	}
	key := ConversationKeyFor(msg.UserID, msg.ConversationID)

	username := msg.Username
	if conn, ok := s.registry.Get(connID); ok && username == "" {
		username = conn.Username
	}
	if err := s.registry.Subscribe(connID, key); err != nil {
		// 连接可能刚刚断开，历史仍然照常写入
		log.Debugw("subscribe skipped", "connectionId", connID, "error", err)
	}

	// 先回显用户消息，不等模型返回
	s.registry.Publish(key, model.OutboundEvent{Event: model.EventNewMessage, Data: model.NewMessagePayload{
		Message:        text,
		Sender:         model.SenderUser,
		UserID:         key.UserID,
		Username:       username,
		Timestamp:      s.now().UnixMilli(),
		ConversationID: key.ConversationID,
	}})

	answer, err := s.exchange(ctx, key, text, channelPolicy{
		name:   channelRealtime,
		limit:  s.opts.RealtimeContextLimit,
		system: s.opts.RealtimeSystemPrompt,
	})
	if err != nil {
		s.notifyError(connID, err)
		return err
	}

	s.registry.Publish(key, model.OutboundEvent{Event: model.EventNewMessage, Data: model.NewMessagePayload{
		Message:        answer,
		Sender:         model.SenderAssistant,
		Timestamp:      s.now().UnixMilli(),
		ConversationID: key.ConversationID,
	}})
	return nil
}

// exchange 在会话锁内完成 “追加用户消息 -> 调用模型 -> 追加助手消息”。
// 模型失败时不追加助手消息，用户消息保留。
func (s *chatService) exchange(ctx context.Context, key model.ConversationKey, text string, policy channelPolicy) (string, error) {
	release, err := s.history.Lock(ctx, key)
	if err != nil {
		return "", fmt.Errorf("wait for conversation %s: %w", key.String(), err)
	}
	defer release()

	store := s.history.Store()
	s.history.Hydrate(ctx, key)
	store.Append(key, model.ChatMessage{Role: model.RoleUser, Content: text, Timestamp: s.now()})

	window := store.ContextWindow(key, policy.limit, model.ChatMessage{Role: model.RoleSystem, Content: policy.system})
	messages := make([]llm.Message, 0, len(window))
	for _, m := range window {
		messages = append(messages, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}

	// 调用方断开不影响本次问答完成，只受超时约束
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ProviderTimeout)
	defer cancel()

	started := s.now()
	answer, err := s.provider.Complete(callCtx, messages, s.opts.Generation)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, llm.ErrTimeout) {
			err = &llm.ProviderError{Kind: llm.ErrTimeout, Provider: s.provider.Name(), Body: err.Error()}
		}
		log.Errorw("provider call failed",
			"conversation", key.String(),
			"channel", policy.name,
			"provider", s.provider.Name(),
			"error", err,
		)
		return "", err
	}

	completedAt := s.now()
	store.Append(key, model.ChatMessage{Role: model.RoleAssistant, Content: answer, Timestamp: completedAt})
	s.history.Persist(ctx, key)

	log.Infow("exchange completed",
		"conversation", key.String(),
		"channel", policy.name,
		"provider", s.provider.Name(),
		"contextMessages", len(messages),
		"latency", completedAt.Sub(started).String(),
	)
	s.publishExchange(key, policy.name, text, answer, completedAt)
	return answer, nil
}

func (s *chatService) publishExchange(key model.ConversationKey, channel, question, answer string, at time.Time) {
	if s.publisher == nil {
		return
	}
	task := tasks.ExchangeArchiveTask{
		ExchangeID:     uuid.NewString(),
		UserID:         key.UserID,
		ConversationID: key.ConversationID,
		Channel:        channel,
		Provider:       s.provider.Name(),
		Question:       question,
		Answer:         answer,
		CompletedAt:    at,
	}
	s.publishing.Add(1)
	go func() {
		defer s.publishing.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.publisher.PublishExchange(ctx, task); err != nil {
			log.Warnw("failed to publish exchange", "exchangeId", task.ExchangeID, "error", err)
		}
	}()
}

func (s *chatService) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.publishing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notifyError 只通知发起连接；连接已断开时静默忽略。
func (s *chatService) notifyError(connID string, cause error) {
	err := s.registry.SendTo(connID, model.OutboundEvent{
		Event: model.EventError,
		Data:  model.ErrorPayload{Message: UserFacingMessage(cause)},
	})
	if err != nil {
		log.Debugw("error notification not delivered", "connectionId", connID, "error", err)
	}
}

// UserFacingMessage 把内部错误转换成可以展示给用户的文案，不泄露上游细节。
func UserFacingMessage(err error) string {
	switch {
	case errors.Is(err, errMessageTooLong):
		return "Message is too long"
	case errors.Is(err, ErrInvalidInput):
		return "Message is required"
	case errors.Is(err, llm.ErrQuotaExceeded):
		return "The AI service quota has been exceeded. Please try again later."
	case errors.Is(err, llm.ErrRateLimited):
		return "Too many requests. Please wait a moment and try again."
	case errors.Is(err, llm.ErrTimeout):
		return "The AI service took too long to respond. Please try again."
	default:
		return "Sorry, something went wrong while processing your message."
	}
}

func (s *chatService) Identify(connID, userID, username string) {
	if err := s.registry.Identify(connID, userID, username); err != nil {
		// identify 可能与断开竞争，只记录
		log.Warnw("identify ignored", "connectionId", connID, "userId", userID, "error", err)
		return
	}
	log.Infow("connection identified", "connectionId", connID, "userId", userID, "username", username)
}

func (s *chatService) Typing(connID string, payload model.TypingPayload) {
	var scope *model.ConversationKey
	if payload.ConversationID != "" {
		k := ConversationKeyFor(payload.UserID, payload.ConversationID)
		scope = &k
	}
	s.registry.Forward(connID, scope, model.OutboundEvent{Event: model.EventUserTyping, Data: payload})
}

func (s *chatService) JoinConversation(connID string, userID, conversationID string) error {
	return s.registry.Subscribe(connID, ConversationKeyFor(userID, conversationID))
}
