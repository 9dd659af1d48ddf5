package vlm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	pilotderrors "pilotd/internal/errors"
	"pilotd/internal/logging"
)

// Message is one turn in the chat history handed to the VLM.
type Message struct {
	Role  string // "system" | "user" | "assistant"
	Text  string
	Image []byte // optional encoded image bytes, attached as a base64 data URL labelled image/png
}

// chatContentPart mirrors the OpenAI-chat multimodal content array.
type chatContentPart struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	ImageURL *chatImageURL  `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string             `json:"role"`
	Content []chatContentPart  `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const (
	defaultTemperature = 0.7
	defaultTopP        = 0.8
	defaultMaxTokens   = 1024
)

// Client speaks the OpenAI-chat-compatible wire protocol pinned in
// SPEC_FULL.md §4.2, generalized from original_source/src/inference.py's
// send_request and the teacher's ollamaClient HTTP-client shape.
type Client struct {
	baseURL    string
	modelID    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewClient constructs a chat Client against baseURL (e.g.
// http://127.0.0.1:8080).
func NewClient(baseURL, modelID string, logger logging.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		modelID:    modelID,
		httpClient: &http.Client{},
		logger:     logging.OrNop(logger),
	}
}

// Chat sends the assembled messages (and optional latest-frame image) to
// the VLM and returns the raw completion text handed to C3's parser.
// Connection failures are retried internally per spec.md §4.2's "N
// internal retries with 250ms backoff" before surfacing ErrVLMUnreachable;
// a context deadline surfaces ErrVLMTimeout without further retry.
func (c *Client) Chat(ctx context.Context, messages []Message, timeout time.Duration) (string, error) {
	req := c.buildRequest(messages)

	chatCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	retryCfg := pilotderrors.RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		JitterFactor: 0,
	}

	var content string
	err := pilotderrors.Retry(chatCtx, retryCfg, func(ctx context.Context) error {
		text, err := c.doChat(ctx, req)
		if err != nil {
			return err
		}
		content = text
		return nil
	})
	if err != nil {
		if chatCtx.Err() != nil {
			return "", fmt.Errorf("%w: %v", pilotderrors.ErrVLMTimeout, err)
		}
		return "", err
	}
	return content, nil
}

func (c *Client) buildRequest(messages []Message) chatRequest {
	out := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		parts := []chatContentPart{}
		if len(m.Image) > 0 {
			encoded := base64.StdEncoding.EncodeToString(m.Image)
			parts = append(parts, chatContentPart{
				Type:     "image_url",
				ImageURL: &chatImageURL{URL: "data:image/png;base64," + encoded},
			})
		}
		parts = append(parts, chatContentPart{Type: "text", Text: m.Text})
		out = append(out, chatMessage{Role: m.Role, Content: parts})
	}
	return chatRequest{
		Model:       c.modelID,
		Messages:    out,
		Temperature: defaultTemperature,
		TopP:        defaultTopP,
		MaxTokens:   defaultMaxTokens,
	}
}

func (c *Client) doChat(ctx context.Context, req chatRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", pilotderrors.ErrVLMUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: vlm returned %d: %s", pilotderrors.ErrVLMUnreachable, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices array", pilotderrors.ErrVLMUnreachable)
	}
	return parsed.Choices[0].Message.Content, nil
}

// CheckHealth probes the VLM server's /health endpoint.
func (c *Client) CheckHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
