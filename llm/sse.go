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
	"encoding/json"
	"time"
)

// ChunkObject is the object field of every canonical streaming chunk.
const ChunkObject = "chat.completion.chunk"

// DoneSentinel is the terminal SSE data payload.
const DoneSentinel = "[DONE]"

// ChunkDelta is the incremental content of one canonical chunk.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is a single choice in a canonical chunk. The gateway always
// emits exactly one choice at index 0.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// Chunk is the canonical OpenAI chat.completion.chunk wire object.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ContentChunk builds the canonical JSON for an incremental content delta.
func ContentChunk(id, model, content string) string {
	return marshalChunk(Chunk{
		ID:      id,
		Object:  ChunkObject,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{Index: 0, Delta: ChunkDelta{Content: content}}},
	})
}

// RoleChunk builds the canonical JSON for the leading role announcement.
func RoleChunk(id, model string) string {
	return marshalChunk(Chunk{
		ID:      id,
		Object:  ChunkObject,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{Index: 0, Delta: ChunkDelta{Role: "assistant"}}},
	})
}

// FinishChunk builds the canonical JSON for the terminal chunk carrying the
// finish reason.
func FinishChunk(id, model, reason string) string {
	return marshalChunk(Chunk{
		ID:      id,
		Object:  ChunkObject,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{Index: 0, Delta: ChunkDelta{}, FinishReason: &reason}},
	})
}

func marshalChunk(c Chunk) string {
	data, err := json.Marshal(c)
	if err != nil {
		// The chunk types contain nothing unmarshalable.
		return "{}"
	}
	return string(data)
}

// ParseChunk decodes a canonical chunk payload. Used by tests and by the
// OpenAI provider when normalizing pass-through streams.
func ParseChunk(data string) (Chunk, error) {
	var c Chunk
	err := json.Unmarshal([]byte(data), &c)
	return c, err
}
