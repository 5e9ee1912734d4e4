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
	"errors"
	"time"
)

// RetryConfig controls retry behavior on provider calls.
type RetryConfig struct {
	// MaxRetries is the number of retry attempts after the first call.
	MaxRetries int

	// Backoff is the wait before each retry.
	Backoff time.Duration
}

// DefaultRetryConfig is one retry with a short backoff. Streaming calls use
// the same policy; once the first chunk has been delivered no retry is ever
// attempted.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 1, Backoff: 250 * time.Millisecond}
}

// Retryable reports whether an error is worth retrying: provider 5xx or
// 429, or a deadline expiry before any data arrived.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var pErr *ProviderError
	if errors.As(err, &pErr) {
		return pErr.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// WithRetry executes fn, retrying retryable failures per the config.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !Retryable(err) || attempt >= cfg.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(cfg.Backoff):
		}
	}
	return zero, lastErr
}
