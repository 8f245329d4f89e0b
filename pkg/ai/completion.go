package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const completionsPath = "/v1/chat/completions"

// ChatMessage is one entry of the prompt sent to the provider.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the body of an OpenAI-compatible chat completion call.
type CompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// StatusError reports a non-2xx reply from the provider.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("completion api error: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("completion api error: status %d", e.StatusCode)
}

// Completer produces one assistant reply for a prompt.
type Completer interface {
	Complete(ctx context.Context, baseURL, apiKey string, req CompletionRequest) (string, error)
}

// CompletionClient calls any OpenAI-compatible /v1/chat/completions endpoint.
// Endpoint and key are per call because each identity configures its own.
type CompletionClient struct {
	httpClient *http.Client
}

// NewCompletionClient builds a client. timeout <= 0 uses 120s.
func NewCompletionClient(timeout time.Duration) *CompletionClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &CompletionClient{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Complete returns choices[0].message.content, which may be empty.
func (c *CompletionClient) Complete(ctx context.Context, baseURL, apiKey string, req CompletionRequest) (string, error) {
	if strings.TrimSpace(req.Model) == "" {
		return "", fmt.Errorf("completion model required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	url := strings.TrimRight(strings.TrimSpace(baseURL), "/") + completionsPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(apiKey); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return "", &StatusError{StatusCode: resp.StatusCode, Message: errResp.Error.Message}
	}

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("completion decode: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", nil
	}
	return chatResp.Choices[0].Message.Content, nil
}

type oaiChatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
