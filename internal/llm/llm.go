package llm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/comigor/pycoder/internal/config"
	"github.com/comigor/pycoder/internal/history"
	"github.com/comigor/pycoder/internal/logger"
	"github.com/sashabaranov/go-openai"
)

// NewClient creates a new OpenAI-compatible client for apiKey.
func NewClient(cfg config.LLMConfig, apiKey string) *openai.Client {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = cfg.BaseURL

	return openai.NewClientWithConfig(config)
}

// Request is one chat completion call.
type Request struct {
	Model       string
	Messages    []history.Message
	Temperature float32
	MaxTokens   int
}

// Completer performs single, unretried chat completions.
type Completer struct {
	client Client
}

// NewCompleter validates apiKey and the endpoint, then builds a Completer.
// Rejections are reported as KindInitialization.
func NewCompleter(cfg config.LLMConfig, apiKey string) (*Completer, error) {
	if err := validateKey(apiKey); err != nil {
		return nil, &Error{Kind: KindInitialization, Err: err}
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &Error{Kind: KindInitialization, Err: fmt.Errorf("invalid base url %q", cfg.BaseURL)}
	}
	return NewCompleterWithClient(NewClient(cfg, apiKey)), nil
}

// NewCompleterWithClient wraps an existing client.
func NewCompleterWithClient(c Client) *Completer {
	return &Completer{client: c}
}

func validateKey(key string) error {
	if key == "" {
		return errors.New("api key is empty")
	}
	for _, r := range key {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r > unicode.MaxASCII {
			return errors.New("api key contains invalid characters")
		}
	}
	return nil
}

// Complete performs exactly one round-trip and returns the top choice's text.
func (c *Completer) Complete(ctx context.Context, req Request) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		logger.L.Warn("chat completion failed", "model", req.Model, "status", statusCode(err), "error", err)
		return "", &Error{Kind: KindRequest, Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Kind: KindRequest, Err: errors.New("malformed response: no choices")}
	}

	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", &Error{Kind: KindRequest, Err: fmt.Errorf("malformed response: empty content (finish reason %q)", resp.Choices[0].FinishReason)}
	}
	logger.L.Debug("chat completion received", "model", resp.Model, "total_tokens", resp.Usage.TotalTokens)
	return content, nil
}

// statusCode extracts the HTTP status carried by go-openai errors, or 0.
func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
