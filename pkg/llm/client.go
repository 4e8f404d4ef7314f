// Package llm provides clients for remote chat-completion providers.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"chat-relay/internal/config"
)

// Role 是消息的角色
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 表示一条角色消息
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为，nil 字段表示使用服务端默认值。
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Client is the contract every completion backend satisfies.
type Client interface {
	// Complete sends the ordered messages and returns the generated text.
	// Failures unwrap to one of ErrQuotaExceeded, ErrRateLimited,
	// ErrUnavailable, ErrTimeout or ErrUnknown.
	Complete(ctx context.Context, messages []Message, gen *GenerationParams) (string, error)
	// Name identifies the backend in logs and archived exchanges.
	Name() string
}

// NewClient creates the backend selected by cfg.Provider.
func NewClient(cfg config.LLMConfig) (Client, error) {
	httpClient := &http.Client{}
	switch strings.ToLower(cfg.Provider) {
	case "", "openai", "deepseek":
		return newOpenAIClient(cfg, httpClient), nil
	case "anthropic":
		return newAnthropicClient(cfg, httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

// ParamsFromConfig 将配置中的非零生成参数转换为 GenerationParams。
func ParamsFromConfig(cfg config.LLMGenerationConfig) *GenerationParams {
	var gp GenerationParams
	if cfg.Temperature != 0 {
		t := cfg.Temperature
		gp.Temperature = &t
	}
	if cfg.TopP != 0 {
		p := cfg.TopP
		gp.TopP = &p
	}
	if cfg.MaxTokens != 0 {
		m := cfg.MaxTokens
		gp.MaxTokens = &m
	}
	if gp.Temperature == nil && gp.TopP == nil && gp.MaxTokens == nil {
		return nil
	}
	return &gp
}
