// Package ollama implements llm.Client and llm.Embedder against a local Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/liamcoop/ruleassist/llm"
)

const (
	DefaultBaseURL        = "http://localhost:11434"
	DefaultModel          = "llama3.1"
	DefaultEmbeddingModel = "nomic-embed-text"
)

type Config struct {
	BaseURL        string
	Model          string
	EmbeddingModel string
	Timeout        time.Duration
}

type Client struct {
	BaseURL        string
	ModelName      string
	EmbeddingModel string
	HTTP           *http.Client
}

var (
	_ llm.Client   = (*Client)(nil)
	_ llm.Embedder = (*Client)(nil)
)

func NewClient(cfg Config) *Client {
	c := &Client{
		BaseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		ModelName:      cfg.Model,
		EmbeddingModel: cfg.EmbeddingModel,
		HTTP:           &http.Client{Timeout: cfg.Timeout},
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.ModelName == "" {
		c.ModelName = DefaultModel
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = DefaultEmbeddingModel
	}
	if cfg.Timeout == 0 {
		c.HTTP.Timeout = 120 * time.Second
	}
	return c
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   string        `json:"format,omitempty"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Model   string      `json:"model"`
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
}

func (c *Client) Complete(ctx context.Context, prompt string, opts llm.Options) (string, error) {
	model := c.ModelName
	if opts.Model != "" {
		model = opts.Model
	}

	payload := chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		Options:  &chatOptions{Temperature: opts.Temperature, NumPredict: opts.MaxTokens},
	}
	if opts.ResponseFormat == llm.FormatJSON {
		payload.Format = "json"
	}

	var res chatResponse
	if err := c.post(ctx, "/api/chat", payload, &res); err != nil {
		return "", err
	}
	if strings.TrimSpace(res.Message.Content) == "" {
		return "", llm.ErrEmptyResponse
	}
	return res.Message.Content, nil
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var res embeddingResponse
	if err := c.post(ctx, "/api/embeddings", embeddingRequest{Model: c.EmbeddingModel, Prompt: text}, &res); err != nil {
		return nil, err
	}
	if len(res.Embedding) == 0 {
		return nil, llm.ErrEmptyResponse
	}
	out := make([]float32, len(res.Embedding))
	for i, v := range res.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &llm.APIError{Provider: "ollama", StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
