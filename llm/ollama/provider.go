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

// Package ollama implements the provider for local OpenAI-compatible
// runtimes: Ollama itself and LM Studio via the explicit lmstudio/ model
// prefix. Local providers run keyless and get a longer timeout.
package ollama

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
	// DefaultBaseURL is the local Ollama endpoint.
	DefaultBaseURL = "http://localhost:11434"

	// LMStudioPrefix routes a model explicitly to LM Studio.
	LMStudioPrefix = "lmstudio/"

	// DefaultTimeout is generous because local inference is slow.
	DefaultTimeout = 120 * time.Second
)

// localFamilies are the model name prefixes served locally.
var localFamilies = []string{
	"llama", "mistral", "mixtral", "phi", "gemma", "qwen",
	"deepseek", "codellama", "starcoder", "tinyllama", "vicuna",
}

// HTTPClient abstracts the HTTP transport for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements llm.Provider against an OpenAI-compatible local
// runtime.
type Provider struct {
	baseURL string
	client  HTTPClient
	retry   llm.RetryConfig
}

// Config configures the local provider.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Client  HTTPClient
}

// New creates a local provider.
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

func (p *Provider) Name() string { return "ollama" }

// RequiresKey is false: local runtimes run without authentication.
func (p *Provider) RequiresKey() bool { return false }

// SupportsModel matches the explicit lmstudio/ prefix or the local model
// families.
func (p *Provider) SupportsModel(model string) bool {
	if strings.HasPrefix(model, LMStudioPrefix) {
		return true
	}
	for _, family := range localFamilies {
		if strings.HasPrefix(model, family) {
			return true
		}
	}
	return false
}

// upstreamModel strips the lmstudio/ routing prefix before the wire call.
func upstreamModel(model string) string {
	return strings.TrimPrefix(model, LMStudioPrefix)
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      llm.Message `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Chat performs a synchronous completion.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest, _ string) (*llm.ChatResponse, error) {
	return llm.WithRetry(ctx, p.retry, func(ctx context.Context) (*llm.ChatResponse, error) {
		return p.chatOnce(ctx, req)
	})
}

func (p *Provider) chatOnce(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	start := time.Now()

	resp, err := p.post(ctx, wireRequest{
		Model:       upstreamModel(req.Model),
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, llm.NewProviderError("ollama", resp.StatusCode, string(body), nil)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, &llm.ProviderError{Provider: "ollama", Code: llm.ErrCodeProvider,
			Message: "response contained no choices"}
	}

	usage := llm.Usage{
		InputTokens:  wire.Usage.PromptTokens,
		OutputTokens: wire.Usage.CompletionTokens,
		TotalTokens:  wire.Usage.TotalTokens,
	}
	// Some local runtimes omit usage; fall back to the estimate so the
	// ledger never records zero-cost completions silently.
	if usage.TotalTokens == 0 {
		usage.InputTokens = llm.EstimateTokens(req.Messages)
		usage.OutputTokens = len(wire.Choices[0].Message.Content) / 4
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}

	return &llm.ChatResponse{
		ID:           wire.ID,
		Model:        req.Model,
		Content:      wire.Choices[0].Message.Content,
		FinishReason: wire.Choices[0].FinishReason,
		Usage:        usage,
		Latency:      time.Since(start),
	}, nil
}

// ChatStream performs a streaming completion; chunks pass through as with
// the OpenAI provider since the wire format is already canonical.
func (p *Provider) ChatStream(ctx context.Context, req llm.ChatRequest, _ string) (<-chan llm.StreamChunk, error) {
	resp, err := llm.WithRetry(ctx, p.retry, func(ctx context.Context) (*http.Response, error) {
		r, err := p.post(ctx, wireRequest{
			Model:       upstreamModel(req.Model),
			Messages:    req.Messages,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			Stream:      true,
		})
		if err != nil {
			return nil, err
		}
		if r.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(r.Body)
			_ = r.Body.Close()
			return nil, llm.NewProviderError("ollama", r.StatusCode, string(body), nil)
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
				continue
			}
			if !emit(ctx, out, llm.StreamChunk{Data: data}) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			emit(ctx, out, llm.StreamChunk{Err: fmt.Errorf("ollama: stream read: %w", err)})
		}
	}()
	return out, nil
}

func (p *Provider) post(ctx context.Context, body wireRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &llm.ProviderError{Provider: "ollama", Code: llm.ErrCodeTimeout,
				Message: "request deadline exceeded", Retryable: true, Err: err}
		}
		return nil, &llm.ProviderError{Provider: "ollama", Code: llm.ErrCodeProvider,
			Message: err.Error(), Retryable: true, Err: err}
	}
	return resp, nil
}

func emit(ctx context.Context, out chan<- llm.StreamChunk, chunk llm.StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
