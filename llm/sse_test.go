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

package llm

import (
	"testing"
)

func TestContentChunkShape(t *testing.T) {
	chunk, err := ParseChunk(ContentChunk("id-1", "gpt-4o", "hello"))
	if err != nil {
		t.Fatalf("content chunk must be valid JSON: %v", err)
	}
	if chunk.Object != ChunkObject {
		t.Errorf("object = %q, want %q", chunk.Object, ChunkObject)
	}
	if len(chunk.Choices) != 1 || chunk.Choices[0].Index != 0 {
		t.Fatalf("expected one choice at index 0, got %+v", chunk.Choices)
	}
	if chunk.Choices[0].Delta.Content != "hello" {
		t.Errorf("delta content = %q", chunk.Choices[0].Delta.Content)
	}
	if chunk.Choices[0].FinishReason != nil {
		t.Error("content chunk must not carry a finish reason")
	}
}

func TestFinishChunkShape(t *testing.T) {
	chunk, err := ParseChunk(FinishChunk("id-1", "gpt-4o", "stop"))
	if err != nil {
		t.Fatal(err)
	}
	if chunk.Choices[0].FinishReason == nil || *chunk.Choices[0].FinishReason != "stop" {
		t.Errorf("finish chunk must carry finish_reason, got %+v", chunk.Choices[0])
	}
	if chunk.Choices[0].Delta.Content != "" {
		t.Error("finish chunk delta must be empty")
	}
}

func TestRoleChunkShape(t *testing.T) {
	chunk, err := ParseChunk(RoleChunk("id-1", "claude-3-haiku"))
	if err != nil {
		t.Fatal(err)
	}
	if chunk.Choices[0].Delta.Role != "assistant" {
		t.Errorf("role chunk delta role = %q", chunk.Choices[0].Delta.Role)
	}
	if chunk.Model != "claude-3-haiku" {
		t.Errorf("model = %q", chunk.Model)
	}
}

func TestEstimateTokens(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: "12345678"}, // 8 chars -> 2 + 4 overhead
	}
	if got := EstimateTokens(messages); got != 6 {
		t.Errorf("EstimateTokens = %d, want 6", got)
	}
	if EstimateTokens(nil) != 0 {
		t.Error("no messages, no tokens")
	}
}
