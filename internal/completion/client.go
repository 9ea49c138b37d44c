package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTemperature = 0.8
	defaultMaxTokens   = 1000
)

// ChatMessage is one entry of the generation context.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Options struct {
	Temperature float64
	MaxTokens   int
	User        string
}

// Client generates completions for a message history. Implementations
// must honor ctx cancellation on both calls.
type Client interface {
	// Create returns the full completion text and the upstream token
	// usage count.
	Create(ctx context.Context, msgs []ChatMessage, opts Options) (string, int, error)
	// Stream returns a finite, non-restartable sequence of text
	// fragments. The consumer decides whether to forward fragments or
	// buffer and discard them.
	Stream(ctx context.Context, msgs []ChatMessage, opts Options) (*Stream, error)
}

// HTTPClient talks to an OpenRouter-compatible chat completions
// endpoint.
type HTTPClient struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL, apiKey, model string) *HTTPClient {
	return &HTTPClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// timeouts are the collaborator's job, not the relay's
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
	User        string        `json:"user,omitempty"`
}

type completionResponse struct {
	Id      string `json:"id"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *HTTPClient) newRequest(ctx context.Context, msgs []ChatMessage, opts Options, stream bool) (*http.Request, error) {
	if opts.Temperature == 0 {
		opts.Temperature = defaultTemperature
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = defaultMaxTokens
	}

	body, err := json.Marshal(completionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      stream,
		User:        opts.User,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

func (c *HTTPClient) Create(ctx context.Context, msgs []ChatMessage, opts Options) (string, int, error) {
	req, err := c.newRequest(ctx, msgs, opts, false)
	if err != nil {
		return "", 0, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("completion request: unexpected status %d", resp.StatusCode)
	}

	var cr completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", 0, fmt.Errorf("decode response: %w", err)
	}

	if len(cr.Choices) == 0 {
		return "", 0, fmt.Errorf("completion response contained no choices")
	}

	content := cr.Choices[0].Message.Content
	tokens := 0
	if cr.Usage != nil {
		tokens = cr.Usage.TotalTokens
	}
	if tokens == 0 {
		tokens = EstimateTokens(promptText(msgs), content)
	}

	return content, tokens, nil
}

func (c *HTTPClient) Stream(ctx context.Context, msgs []ChatMessage, opts Options) (*Stream, error) {
	req, err := c.newRequest(ctx, msgs, opts, true)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion stream request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("completion stream request: unexpected status %d", resp.StatusCode)
	}

	return newStream(resp.Body, promptText(msgs)), nil
}

func promptText(msgs []ChatMessage) string {
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(m.Content)
		sb.WriteByte(' ')
	}
	return sb.String()
}

// EstimateTokens approximates token usage from word counts when the
// upstream response carries no usage block.
func EstimateTokens(prompt, completion string) int {
	words := len(strings.Fields(prompt)) + len(strings.Fields(completion))
	return (words*13 + 9) / 10
}
