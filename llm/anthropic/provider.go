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

// Package anthropic implements the provider for Anthropic's Messages API.
//
// Anthropic's native streaming dialect (message_start, content_block_delta,
// message_delta, message_stop) is translated here into canonical OpenAI
// chat.completion.chunk payloads; consumers never see the native shape.
package anthropic

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
	// DefaultBaseURL is the Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// APIVersion is the anthropic-version header value.
	APIVersion = "2023-06-01"

	// DefaultTimeout is the HTTP timeout for non-local providers.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxTokens applies when the request leaves max_tokens unset;
	// the Messages API requires it.
	DefaultMaxTokens = 4096
)

// HTTPClient abstracts the HTTP transport for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements llm.Provider for Anthropic Claude models.
type Provider struct {
	baseURL string
	client  HTTPClient
	retry   llm.RetryConfig
}

// Config configures the Anthropic provider.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Client  HTTPClient
}

// New creates an Anthropic provider.
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

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) RequiresKey() bool { return true }

func (p *Provider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "claude-")
}

// ====== Wire types ======

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []wireMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string    `json:"stop_reason"`
	Usage      wireUsage `json:"usage"`
}

type wireError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// streamEvent is one native SSE event from the Messages API.
type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string     `json:"id"`
		Model string     `json:"model"`
		Usage *wireUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *wireUsage `json:"usage,omitempty"`
}

// buildRequest lifts a leading system message into the top-level system
// field; the Messages API rejects system entries in the messages array.
func buildRequest(req llm.ChatRequest, stream bool) wireRequest {
	wire := wireRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if wire.MaxTokens <= 0 {
		wire.MaxTokens = DefaultMaxTokens
	}
	for _, m := range req.Messages {
		if m.Role == "system" && wire.System == "" {
			wire.System = m.Content
			continue
		}
		wire.Messages = append(wire.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}
	return wire
}

// mapStopReason converts Anthropic stop reasons to the canonical
// finish_reason vocabulary.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

// Chat performs a synchronous completion.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest, apiKey string) (*llm.ChatResponse, error) {
	return llm.WithRetry(ctx, p.retry, func(ctx context.Context) (*llm.ChatResponse, error) {
		return p.chatOnce(ctx, req, apiKey)
	})
}

func (p *Provider) chatOnce(ctx context.Context, req llm.ChatRequest, apiKey string) (*llm.ChatResponse, error) {
	start := time.Now()

	resp, err := p.post(ctx, buildRequest(req, false), apiKey)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, p.apiError(resp)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	var content strings.Builder
	for _, block := range wire.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &llm.ChatResponse{
		ID:           wire.ID,
		Model:        wire.Model,
		Content:      content.String(),
		FinishReason: mapStopReason(wire.StopReason),
		Usage: llm.Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
			TotalTokens:  wire.Usage.InputTokens + wire.Usage.OutputTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// ChatStream performs a streaming completion, translating native events to
// canonical chunks as they arrive.
func (p *Provider) ChatStream(ctx context.Context, req llm.ChatRequest, apiKey string) (<-chan llm.StreamChunk, error) {
	resp, err := llm.WithRetry(ctx, p.retry, func(ctx context.Context) (*http.Response, error) {
		r, err := p.post(ctx, buildRequest(req, true), apiKey)
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

		id := "msg"
		model := req.Model
		stopReason := "stop"

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue // skip malformed events
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					if event.Message.ID != "" {
						id = event.Message.ID
					}
					if event.Message.Model != "" {
						model = event.Message.Model
					}
				}
				if !emit(ctx, out, llm.StreamChunk{Data: llm.RoleChunk(id, model)}) {
					return
				}

			case "content_block_delta":
				if event.Delta == nil || event.Delta.Type != "text_delta" {
					continue
				}
				if !emit(ctx, out, llm.StreamChunk{Data: llm.ContentChunk(id, model, event.Delta.Text)}) {
					return
				}

			case "message_delta":
				if event.Delta != nil && event.Delta.StopReason != "" {
					stopReason = mapStopReason(event.Delta.StopReason)
				}

			case "message_stop":
				if !emit(ctx, out, llm.StreamChunk{Data: llm.FinishChunk(id, model, stopReason)}) {
					return
				}
				emit(ctx, out, llm.StreamChunk{Done: true})
				return
			}
		}
		if err := scanner.Err(); err != nil {
			emit(ctx, out, llm.StreamChunk{Err: fmt.Errorf("anthropic: stream read: %w", err)})
		}
	}()
	return out, nil
}

func (p *Provider) post(ctx context.Context, body wireRequest, apiKey string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", APIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &llm.ProviderError{Provider: "anthropic", Code: llm.ErrCodeTimeout,
				Message: "request deadline exceeded", Retryable: true, Err: err}
		}
		return nil, &llm.ProviderError{Provider: "anthropic", Code: llm.ErrCodeProvider,
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
	return llm.NewProviderError("anthropic", resp.StatusCode, message, nil)
}

func emit(ctx context.Context, out chan<- llm.StreamChunk, chunk llm.StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
