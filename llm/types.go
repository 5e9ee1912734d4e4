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

// Package llm defines the provider abstraction for upstream model APIs and
// the canonical wire types the gateway speaks to its own clients.
//
// Whatever shape a provider natively emits, consumers of this package only
// ever see OpenAI-style chat completions: sync responses and streaming
// chunks carrying choices[0].delta.content. Providers that speak a
// different dialect translate inside their ChatStream implementation.
package llm

import (
	"time"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the canonical completion request handed to a provider.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Usage is the token accounting a provider reports.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ChatResponse is the canonical sync completion result.
type ChatResponse struct {
	ID           string        `json:"id"`
	Model        string        `json:"model"`
	Content      string        `json:"content"`
	FinishReason string        `json:"finish_reason"`
	Usage        Usage         `json:"usage"`
	Latency      time.Duration `json:"-"`
}

// StreamChunk is one element of a streaming completion. Data holds a
// canonical OpenAI chat.completion.chunk JSON object; the terminal chunk
// has Done set after the finish_reason chunk was delivered. A non-nil Err
// ends the stream.
type StreamChunk struct {
	Data string `json:"data,omitempty"`
	Done bool   `json:"done,omitempty"`
	Err  error  `json:"-"`
}

// EmbeddingsRequest asks a provider for embedding vectors.
type EmbeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// Embedding is one vector of an embeddings response.
type Embedding struct {
	Index  int       `json:"index"`
	Vector []float64 `json:"embedding"`
}

// EmbeddingsResponse is the canonical embeddings result.
type EmbeddingsResponse struct {
	Model string      `json:"model"`
	Data  []Embedding `json:"data"`
	Usage Usage       `json:"usage"`
}

// EstimateTokens approximates the token count of a message list. Four
// characters per token plus a small per-message overhead; good enough for
// admission-time cost estimates, which are settled against real usage
// after the call.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)/4 + 4
	}
	return total
}
