// Package assistant talks to the model backend over an OpenAI-compatible
// chat completions API.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mcpchat/host/session"
	"github.com/sashabaranov/go-openai"
)

var (
	ErrEmptyResponse      = errors.New("assistant returned no choices")
	ErrCredentialRejected = errors.New("credential rejected by assistant backend")
	ErrUnreachable        = errors.New("assistant backend unreachable")
)

const (
	DefaultBaseURL = "https://api.anthropic.com/v1"

	MaxTokens   = 2000
	Temperature = 0.7
)

type Message struct {
	Role    session.Role
	Content string
}

// Completer produces the assistant's reply to a conversation.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Factory builds a Completer bound to a credential and model.
type Factory func(apiKey, model string) Completer

type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

type Client struct {
	api   *openai.Client
	model string
}

var _ Completer = (*Client)(nil)

func NewClient(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	if oc.BaseURL == "" {
		oc.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}

	return &Client{
		api:   openai.NewClientWithConfig(oc),
		model: cfg.Model,
	}
}

// NewFactory returns a Factory producing Clients against baseURL.
func NewFactory(baseURL string, httpClient *http.Client) Factory {
	return func(apiKey, model string) Completer {
		return NewClient(Config{
			APIKey:     apiKey,
			Model:      model,
			BaseURL:    baseURL,
			HTTPClient: httpClient,
		})
	}
}

func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toOpenAI(messages),
		MaxTokens:   MaxTokens,
		Temperature: Temperature,
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", Classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

func toOpenAI(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		role := openai.ChatMessageRoleUser
		if m.Role == session.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		out[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}
	return out
}

// Classify maps a transport or API failure to ErrCredentialRejected (HTTP
// 401/403) or ErrUnreachable (everything else).
func Classify(err error) error {
	if err == nil {
		return nil
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%w: %v", ErrCredentialRejected, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
