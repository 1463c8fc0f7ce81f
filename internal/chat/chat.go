// Package chat talks to the model server behind the chat endpoint.
package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultModel is used when a request names none.
const DefaultModel = "llama3.2:1b"

// Error is a non-2xx answer from the model server.
type Error struct {
	Status int
	Body   string // truncated
}

func (e *Error) Error() string {
	return fmt.Sprintf("model server returned %d: %s", e.Status, e.Body)
}

// Client calls an Ollama-compatible /api/chat endpoint.
type Client struct {
	baseURL   string
	maxTokens int
	http      *http.Client
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL string, maxTokens int, timeout time.Duration) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		maxTokens: maxTokens,
		http:      &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model   string      `json:"model"`
	Message string      `json:"message"`
	Options chatOptions `json:"options"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type chatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// Complete sends message to model and returns the concatenated reply.
// The server answers with newline-delimited JSON; lines that do not parse
// are skipped.
func (c *Client) Complete(ctx context.Context, model, message string) (string, error) {
	if model == "" {
		model = DefaultModel
	}
	payload, err := json.Marshal(chatRequest{
		Model:   model,
		Message: message,
		Options: chatOptions{Temperature: 0.7, NumPredict: c.maxTokens},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("call model server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return "", &Error{Status: resp.StatusCode, Body: string(b)}
	}

	var out strings.Builder
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk chatChunk
		if json.Unmarshal(line, &chunk) != nil {
			continue
		}
		out.WriteString(chunk.Message.Content)
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("read model response: %w", err)
	}
	return out.String(), nil
}
