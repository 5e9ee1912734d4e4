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

package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"aegisgate/gateway/llm"
)

func TestSupportsModel(t *testing.T) {
	p := New(Config{})
	for _, model := range []string{"gpt-4o", "gpt-3.5-turbo", "o1-preview", "o3-mini", "chatgpt-4o-latest", "text-embedding-3-small"} {
		if !p.SupportsModel(model) {
			t.Errorf("%s should be supported", model)
		}
	}
	for _, model := range []string{"claude-3-haiku", "llama3:8b", "test-model"} {
		if p.SupportsModel(model) {
			t.Errorf("%s should not be supported", model)
		}
	}
}

func TestChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": "gpt-4o",
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": "hi"},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 5, "completion_tokens": 1, "total_tokens": 6},
		})
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL})
	resp, err := p.Chat(context.Background(), llm.ChatRequest{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: "user", Content: "hello"}},
	}, "sk-test")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hi" || resp.FinishReason != "stop" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Usage.InputTokens != 5 || resp.Usage.OutputTokens != 1 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

// A 5xx gets exactly one retry.
func TestChatRetriesOn5xx(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-2", "model": "gpt-4o",
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": "recovered"},
				"finish_reason": "stop",
			}},
		})
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL})
	resp, err := p.Chat(context.Background(), llm.ChatRequest{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: "user", Content: "hello"}},
	}, "sk-test")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "recovered" {
		t.Errorf("content = %q", resp.Content)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestChatStreamPassThrough(t *testing.T) {
	stream := "data: " + llm.RoleChunk("chatcmpl-3", "gpt-4o") + "\n\n" +
		"data: " + llm.ContentChunk("chatcmpl-3", "gpt-4o", "hello") + "\n\n" +
		"data: " + llm.FinishChunk("chatcmpl-3", "gpt-4o", "stop") + "\n\n" +
		"data: [DONE]\n\n"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("stream flag must be set on the wire")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(stream))
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL})
	chunks, err := p.ChatStream(context.Background(), llm.ChatRequest{
		Model:    "gpt-4o",
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	}, "sk-test")
	if err != nil {
		t.Fatal(err)
	}

	count := 0
	done := false
	for chunk := range chunks {
		if chunk.Err != nil {
			t.Fatal(chunk.Err)
		}
		if chunk.Done {
			done = true
			continue
		}
		if _, err := llm.ParseChunk(chunk.Data); err != nil {
			t.Fatalf("chunk not canonical: %v", err)
		}
		count++
	}
	if count != 3 || !done {
		t.Errorf("got %d chunks, done=%v", count, done)
	}
}

func TestEmbeddings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "text-embedding-3-small",
			"data": []map[string]any{
				{"index": 0, "embedding": []float64{0.1, 0.2}},
			},
			"usage": map[string]int{"prompt_tokens": 3, "total_tokens": 3},
		})
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL})
	resp, err := p.Embeddings(context.Background(), llm.EmbeddingsRequest{
		Model: "text-embedding-3-small",
		Input: []string{"hello"},
	}, "sk-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 1 || len(resp.Data[0].Vector) != 2 {
		t.Errorf("embeddings = %+v", resp.Data)
	}
}
