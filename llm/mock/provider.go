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

// Package mock implements a deterministic in-process provider for the
// test-model and mock-* model names. It never touches the network; the
// same request always produces the same response.
package mock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"

	"aegisgate/gateway/llm"
)

// Provider implements llm.Provider with canned, deterministic responses.
type Provider struct {
	// FailWith, when set, makes every call return this error. Used to
	// exercise error paths in pipeline tests.
	FailWith error
}

// New creates a mock provider.
func New() *Provider { return &Provider{} }

func (p *Provider) Name() string { return "mock" }

func (p *Provider) RequiresKey() bool { return false }

func (p *Provider) SupportsModel(model string) bool {
	return model == "test-model" || strings.HasPrefix(model, "mock-")
}

// respond builds the deterministic completion for a request.
func respond(req llm.ChatRequest) *llm.ChatResponse {
	lastUser := ""
	for _, m := range req.Messages {
		if m.Role == "user" {
			lastUser = m.Content
		}
	}

	content := fmt.Sprintf("mock response to: %s", lastUser)
	input := llm.EstimateTokens(req.Messages)
	output := len(content)/4 + 1

	return &llm.ChatResponse{
		ID:           deterministicID(req),
		Model:        req.Model,
		Content:      content,
		FinishReason: "stop",
		Usage: llm.Usage{
			InputTokens:  input,
			OutputTokens: output,
			TotalTokens:  input + output,
		},
	}
}

// deterministicID derives the completion id from the request content so
// repeated identical requests are byte-identical.
func deterministicID(req llm.ChatRequest) string {
	h := sha256.New()
	h.Write([]byte(req.Model))
	for _, m := range req.Messages {
		h.Write([]byte(m.Role))
		h.Write([]byte(m.Content))
	}
	return fmt.Sprintf("mock-%x", h.Sum(nil)[:8])
}

func (p *Provider) Chat(_ context.Context, req llm.ChatRequest, _ string) (*llm.ChatResponse, error) {
	if p.FailWith != nil {
		return nil, p.FailWith
	}
	return respond(req), nil
}

// ChatStream splits the deterministic response into word chunks followed by
// the finish chunk and the done sentinel.
func (p *Provider) ChatStream(ctx context.Context, req llm.ChatRequest, _ string) (<-chan llm.StreamChunk, error) {
	if p.FailWith != nil {
		return nil, p.FailWith
	}
	resp := respond(req)

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)

		send := func(chunk llm.StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send(llm.StreamChunk{Data: llm.RoleChunk(resp.ID, resp.Model)}) {
			return
		}
		for _, word := range strings.SplitAfter(resp.Content, " ") {
			if word == "" {
				continue
			}
			if !send(llm.StreamChunk{Data: llm.ContentChunk(resp.ID, resp.Model, word)}) {
				return
			}
		}
		if !send(llm.StreamChunk{Data: llm.FinishChunk(resp.ID, resp.Model, "stop")}) {
			return
		}
		send(llm.StreamChunk{Done: true})
	}()
	return out, nil
}

// Embeddings returns a deterministic unit-length 8-dimensional vector per
// input derived from its hash.
func (p *Provider) Embeddings(_ context.Context, req llm.EmbeddingsRequest, _ string) (*llm.EmbeddingsResponse, error) {
	if p.FailWith != nil {
		return nil, p.FailWith
	}

	resp := &llm.EmbeddingsResponse{Model: req.Model}
	tokens := 0
	for i, input := range req.Input {
		sum := sha256.Sum256([]byte(input))
		vector := make([]float64, 8)
		for d := 0; d < 8; d++ {
			bits := binary.BigEndian.Uint32(sum[d*4 : d*4+4])
			vector[d] = float64(bits)/float64(^uint32(0))*2 - 1
		}
		resp.Data = append(resp.Data, llm.Embedding{Index: i, Vector: vector})
		tokens += len(input)/4 + 1
	}
	resp.Usage = llm.Usage{InputTokens: tokens, TotalTokens: tokens}
	return resp, nil
}
