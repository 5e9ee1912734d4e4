// Copyright 2025 AegisGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package openai implements the provider for OpenAI's chat completion and
// embeddings APIs. Its streaming wire format is already the canonical one,
// so chunks pass through with only validation.
package openai

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

	"aegisgate/gateway/llm"
)

const (
	// DefaultBaseURL is the OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com"

	// DefaultTimeout is the HTTP timeout for non-local providers.
	DefaultTimeout = 60 * time.Second
)

// modelPrefixes are the model families this provider serves.
var modelPrefixes = []string{"gpt-", "o1", "o3", "chatgpt-4o-latest", "text-embedding-"}

// HTTPClient abstracts the HTTP transport for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements llm.Provider for OpenAI.
type Provider struct {
	baseURL string
	client  HTTPClient
	retry   llm.RetryConfig
}

// Config configures the OpenAI provider.
type Config struct {
	BaseURL string        // Optional: API base URL
	Timeout time.Duration // Optional: HTTP timeout (default 60s)
	Client  HTTPClient    // Optional: transport override for tests
}

// New creates an OpenAI provider.
func New(cfg Config) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Provider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		retry:   llm.DefaultRetryConfig(),
	}
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) RequiresKey() bool { return true }

// SupportsModel matches the OpenAI model families by prefix.
func (p *Provider) SupportsModel(model string) bool {
	for _, prefix := range modelPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// ====== Wire types ======

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireChoice struct {
	Message      llm.Message `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
}

type wireError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Chat performs a synchronous completion. 5xx responses get one retry.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest, apiKey string) (*llm.ChatResponse, error) {
	return llm.WithRetry(ctx, p.retry, func(ctx context.Context) (*llm.ChatResponse, error) {
		return p.chatOnce(ctx, req, apiKey)
	})
}

func (p *Provider) chatOnce(ctx context.Context, req llm.ChatRequest, apiKey string) (*llm.ChatResponse, error) {
	start := time.Now()

	resp, err := p.post(ctx, "/v1/chat/completions", wireRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}, apiKey)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, p.apiError(resp)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, &llm.ProviderError{Provider: "openai", Code: llm.ErrCodeProvider,
			Message: "response contained no choices"}
	}

	return &llm.ChatResponse{
		ID:           wire.ID,
		Model:        wire.Model,
		Content:      wire.Choices[0].Message.Content,
		FinishReason: wire.Choices[0].FinishReason,
		Usage: llm.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
			TotalTokens:  wire.Usage.TotalTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// ChatStream performs a streaming completion. OpenAI's chunks are already
// canonical, so each data line passes through after a parse check.
func (p *Provider) ChatStream(ctx context.Context, req llm.ChatRequest, apiKey string) (<-chan llm.StreamChunk, error) {
	resp, err := llm.WithRetry(ctx, p.retry, func(ctx context.Context) (*http.Response, error) {
		r, err := p.post(ctx, "/v1/chat/completions", wireRequest{
			Model:       req.Model,
			Messages:    req.Messages,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			Stream:      true,
		}, apiKey)
		if err != nil {
			return nil, err
		}
		if r.StatusCode != http.StatusOK {
			apiErr := p.apiError(r)
			_ = r.Body.Close()
			return nil, apiErr
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == llm.DoneSentinel {
				emit(ctx, out, llm.StreamChunk{Done: true})
				return
			}
			if _, err := llm.ParseChunk(data); err != nil {
				continue // skip malformed events
			}
			if !emit(ctx, out, llm.StreamChunk{Data: data}) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			emit(ctx, out, llm.StreamChunk{Err: fmt.Errorf("openai: stream read: %w", err)})
		}
	}()
	return out, nil
}

// Embeddings calls the embeddings API.
func (p *Provider) Embeddings(ctx context.Context, req llm.EmbeddingsRequest, apiKey string) (*llm.EmbeddingsResponse, error) {
	body := struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{Model: req.Model, Input: req.Input}

	resp, err := p.post(ctx, "/v1/embeddings", body, apiKey)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, p.apiError(resp)
	}

	var wire struct {
		Model string `json:"model"`
		Data  []struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
		Usage wireUsage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("openai: decode embeddings: %w", err)
	}

	result := &llm.EmbeddingsResponse{
		Model: wire.Model,
		Usage: llm.Usage{
			InputTokens: wire.Usage.PromptTokens,
			TotalTokens: wire.Usage.TotalTokens,
		},
	}
	for _, d := range wire.Data {
		result.Data = append(result.Data, llm.Embedding{Index: d.Index, Vector: d.Embedding})
	}
	return result, nil
}

func (p *Provider) post(ctx context.Context, path string, body any, apiKey string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &llm.ProviderError{Provider: "openai", Code: llm.ErrCodeTimeout,
				Message: "request deadline exceeded", Retryable: true, Err: err}
		}
		return nil, &llm.ProviderError{Provider: "openai", Code: llm.ErrCodeProvider,
			Message: err.Error(), Retryable: true, Err: err}
	}
	return resp, nil
}

func (p *Provider) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var wire wireError
	message := string(body)
	if json.Unmarshal(body, &wire) == nil && wire.Error.Message != "" {
		message = wire.Error.Message
	}
	return llm.NewProviderError("openai", resp.StatusCode, message, nil)
}

// emit sends a chunk unless the consumer abandoned the stream.
func emit(ctx context.Context, out chan<- llm.StreamChunk, chunk llm.StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
