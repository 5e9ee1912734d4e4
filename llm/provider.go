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
	"context"
	"fmt"
)

// Provider is the unified interface for upstream model APIs.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the stable provider identifier used in routing,
	// logging, and metrics. Example: "openai", "anthropic", "ollama".
	Name() string

	// SupportsModel reports whether this provider serves the model,
	// by the documented prefix rules.
	SupportsModel(model string) bool

	// RequiresKey reports whether an API key must be supplied. Local
	// providers and the mock run keyless.
	RequiresKey() bool

	// Chat performs a synchronous completion.
	Chat(ctx context.Context, req ChatRequest, apiKey string) (*ChatResponse, error)

	// ChatStream performs a streaming completion. The returned channel
	// yields canonical chunks and is closed by the provider when the
	// stream ends, errors, or the context is cancelled.
	ChatStream(ctx context.Context, req ChatRequest, apiKey string) (<-chan StreamChunk, error)
}

// Embedder is implemented by providers that can serve embeddings.
type Embedder interface {
	Embeddings(ctx context.Context, req EmbeddingsRequest, apiKey string) (*EmbeddingsResponse, error)
}

// Error codes carried by ProviderError. Stable strings; they surface in
// the HTTP error envelope.
const (
	ErrCodeProvider = "PROVIDER_ERROR"
	ErrCodeTimeout  = "PROVIDER_TIMEOUT"
	ErrCodeAuth     = "PROVIDER_AUTH_FAILED"
	ErrCodeNoRoute  = "PROVIDER_UNKNOWN_MODEL"
)

// ProviderError wraps an upstream failure with enough detail for the
// gateway to map it to a status code and decide on retries.
type ProviderError struct {
	Provider   string
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError builds a ProviderError from an upstream HTTP status.
// 5xx and 429 are retryable; 401/403 map to the auth code.
func NewProviderError(provider string, statusCode int, message string, err error) *ProviderError {
	code := ErrCodeProvider
	retryable := statusCode >= 500 || statusCode == 429
	if statusCode == 401 || statusCode == 403 {
		code = ErrCodeAuth
	}
	if statusCode == 408 || statusCode == 504 {
		code = ErrCodeTimeout
	}
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Err:        err,
	}
}
