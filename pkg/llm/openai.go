package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"chat-relay/internal/config"

	"github.com/pkg/errors"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openAIClient talks to any OpenAI-compatible /chat/completions endpoint
// (OpenAI, DeepSeek, local gateways).
type openAIClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

func newOpenAIClient(cfg config.LLMConfig, httpClient *http.Client) *openAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &openAIClient{cfg: cfg, client: httpClient}
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *openAIClient) Name() string { return "openai" }

// Complete calls /chat/completions without streaming.
func (c *openAIClient) Complete(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	reqBody := openAIRequest{
		Model:    c.cfg.Model,
		Messages: messages,
	}
	// 传参优先，其次使用配置
	if gen == nil {
		gen = ParamsFromConfig(c.cfg.Generation)
	}
	if gen != nil {
		reqBody.Temperature = gen.Temperature
		reqBody.TopP = gen.TopP
		reqBody.MaxTokens = gen.MaxTokens
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal chat request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return "", errors.Wrap(err, "failed to create chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &ProviderError{Kind: classifyTransport(ctx, err), Provider: c.Name(), Body: err.Error()}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ProviderError{Kind: classifyTransport(ctx, err), Provider: c.Name(), StatusCode: resp.StatusCode, Body: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &ProviderError{
			Kind:       classifyStatus(resp.StatusCode, string(bodyBytes)),
			Provider:   c.Name(),
			StatusCode: resp.StatusCode,
			Body:       string(bodyBytes),
		}
	}

	var out openAIResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return "", errors.Wrapf(&ProviderError{Kind: ErrUnknown, Provider: c.Name(), StatusCode: resp.StatusCode, Body: string(bodyBytes)}, "decode response: %v", err)
	}
	if len(out.Choices) == 0 {
		return "", &ProviderError{Kind: ErrUnknown, Provider: c.Name(), StatusCode: resp.StatusCode, Body: "response contained no choices"}
	}
	return out.Choices[0].Message.Content, nil
}
