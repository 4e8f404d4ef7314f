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

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	defaultAnthropicVersion = "2023-06-01"
	// /messages 要求 max_tokens 必填
	defaultAnthropicMaxTokens = 1024
)

// anthropicClient talks to the Anthropic Messages API.
type anthropicClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

func newAnthropicClient(cfg config.LLMConfig, httpClient *http.Client) *anthropicClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAnthropicBaseURL
	}
	if cfg.AnthropicVersion == "" {
		cfg.AnthropicVersion = defaultAnthropicVersion
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &anthropicClient{cfg: cfg, client: httpClient}
}

type anthropicMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (c *anthropicClient) Name() string { return "anthropic" }

// splitSystem pulls system messages into the top-level system field and
// shapes the rest into the strictly alternating user/assistant list the
// Messages API accepts: leading assistant turns are dropped and consecutive
// turns of the same role are merged.
func splitSystem(messages []Message) (string, []anthropicMessage) {
	var system []string
	out := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		if len(out) == 0 && m.Role != RoleUser {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	return strings.Join(system, "\n\n"), out
}

// Complete calls /messages.
func (c *anthropicClient) Complete(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	system, turns := splitSystem(messages)
	if len(turns) == 0 {
		return "", &ProviderError{Kind: ErrUnknown, Provider: c.Name(), Body: "no user message to send"}
	}

	reqBody := anthropicRequest{
		Model:     c.cfg.Model,
		System:    system,
		Messages:  turns,
		MaxTokens: defaultAnthropicMaxTokens,
	}
	if gen == nil {
		gen = ParamsFromConfig(c.cfg.Generation)
	}
	if gen != nil {
		reqBody.Temperature = gen.Temperature
		reqBody.TopP = gen.TopP
		if gen.MaxTokens != nil {
			reqBody.MaxTokens = *gen.MaxTokens
		}
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal messages request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/messages", bytes.NewReader(reqBytes))
	if err != nil {
		return "", errors.Wrap(err, "failed to create messages request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", c.cfg.AnthropicVersion)

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

	var out anthropicResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return "", errors.Wrapf(&ProviderError{Kind: ErrUnknown, Provider: c.Name(), StatusCode: resp.StatusCode, Body: string(bodyBytes)}, "decode response: %v", err)
	}
	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}
