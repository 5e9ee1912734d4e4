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

package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisgate/gateway/llm"
)

func TestSupportsModel(t *testing.T) {
	p := New(Config{})
	assert.True(t, p.SupportsModel("claude-3-5-sonnet"))
	assert.False(t, p.SupportsModel("gpt-4o"))
	assert.True(t, p.RequiresKey())
}

func TestBuildRequestLiftsSystemMessage(t *testing.T) {
	wire := buildRequest(llm.ChatRequest{
		Model: "claude-3-haiku",
		Messages: []llm.Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
	}, false)

	assert.Equal(t, "be terse", wire.System)
	require.Len(t, wire.Messages, 1, "system must not remain in messages")
	assert.Equal(t, "user", wire.Messages[0].Role)
	assert.Equal(t, DefaultMaxTokens, wire.MaxTokens, "unset max_tokens must default")
}

func TestMapStopReason(t *testing.T) {
	tests := map[string]string{
		"end_turn":      "stop",
		"stop_sequence": "stop",
		"max_tokens":    "length",
		"other":         "other",
	}
	for in, want := range tests {
		assert.Equal(t, want, mapStopReason(in), "mapStopReason(%q)", in)
	}
}

func TestChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-test", r.Header.Get("x-api-key"))
		assert.Equal(t, APIVersion, r.Header.Get("anthropic-version"))

		var req wireRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		assert.Equal(t, "be helpful", req.System, "system must be lifted on the wire")

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg_123",
			"model": "claude-3-haiku",
			"content": []map[string]string{
				{"type": "text", "text": "Hello"},
				{"type": "text", "text": " there"},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 12, "output_tokens": 4},
		})
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL})
	resp, err := p.Chat(context.Background(), llm.ChatRequest{
		Model: "claude-3-haiku",
		Messages: []llm.Message{
			{Role: "system", Content: "be helpful"},
			{Role: "user", Content: "hi"},
		},
	}, "sk-test")
	require.NoError(t, err)

	assert.Equal(t, "Hello there", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 16, resp.Usage.TotalTokens)
}

func TestChatAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"type":"authentication_error","message":"invalid key"}}`))
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL})
	_, err := p.Chat(context.Background(), llm.ChatRequest{
		Model:    "claude-3-haiku",
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	}, "bad")
	require.Error(t, err)

	var pErr *llm.ProviderError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, llm.ErrCodeAuth, pErr.Code)
}

// The native streaming dialect must come out as canonical OpenAI chunks:
// role chunk, content deltas, finish chunk, done sentinel.
func TestChatStreamTranslation(t *testing.T) {
	native := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-3-haiku","usage":{"input_tokens":10}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`,
		``,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
		``,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(native))
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL})
	chunks, err := p.ChatStream(context.Background(), llm.ChatRequest{
		Model:    "claude-3-haiku",
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	}, "sk-test")
	require.NoError(t, err)

	var payloads []llm.Chunk
	done := false
	for chunk := range chunks {
		require.NoError(t, chunk.Err, "stream error")
		if chunk.Done {
			done = true
			continue
		}
		parsed, err := llm.ParseChunk(chunk.Data)
		require.NoError(t, err, "chunk is not canonical JSON")
		payloads = append(payloads, parsed)
	}

	require.True(t, done, "stream must end with the done sentinel")
	// role + 2 content + finish
	require.Len(t, payloads, 4)
	assert.Equal(t, "assistant", payloads[0].Choices[0].Delta.Role,
		"first chunk must announce the assistant role")
	assert.Equal(t, "Hel", payloads[1].Choices[0].Delta.Content)
	assert.Equal(t, "lo", payloads[2].Choices[0].Delta.Content)

	final := payloads[3]
	require.NotNil(t, final.Choices[0].FinishReason, "terminal chunk must carry a finish reason")
	assert.Equal(t, "stop", *final.Choices[0].FinishReason)

	for _, p := range payloads {
		assert.Equal(t, llm.ChunkObject, p.Object)
		assert.Equal(t, "msg_1", p.ID, "chunk id should come from message_start")
	}
}
