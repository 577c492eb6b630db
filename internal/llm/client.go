// ABOUTME: OpenAI-compatible chat completions client for agent responses
// ABOUTME: Builds the conversation from stored history plus the new message

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-warden/internal/store"
)

const systemPrompt = `You are a helpful assistant with access to tools. When a tool ` +
	`would help answer the user, append a JSON fragment like ` +
	`{"recommended_tool": "tool_name"} to your reply.`

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewClient creates a completions client. baseURL is the API root, e.g.
// https://api.openai.com/v1.
func NewClient(baseURL, apiKey, model string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type completionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends the session history plus the new user message and
// returns the model's reply text.
func (c *Client) Complete(ctx context.Context, history []*store.ChatMessage, text string) (string, error) {
	messages := []chatMessage{{Role: "system", Content: systemPrompt}}
	for _, msg := range history {
		messages = append(messages, chatMessage{Role: "user", Content: msg.MessageText})
		if msg.ResponseText != "" {
			messages = append(messages, chatMessage{Role: "assistant", Content: msg.ResponseText})
		}
	}
	messages = append(messages, chatMessage{Role: "user", Content: text})

	body, err := json.Marshal(completionRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling completions: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	var parsed completionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("completions error: %s", parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completions returned %s", resp.Status)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("completions returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
