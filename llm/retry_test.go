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
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 1, Backoff: time.Millisecond}
}

func TestWithRetryRetriesRetryable(t *testing.T) {
	calls := 0
	result, err := WithRetry(context.Background(), fastRetry(), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", NewProviderError("openai", 503, "overloaded", nil)
		}
		return "ok", nil
	})
	if err != nil || result != "ok" {
		t.Fatalf("expected success after retry, got %q %v", result, err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestWithRetryStopsAfterMax(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), fastRetry(), func(context.Context) (string, error) {
		calls++
		return "", NewProviderError("openai", 500, "boom", nil)
	})
	if err == nil {
		t.Fatal("expected final error")
	}
	if calls != 2 {
		t.Errorf("one retry means 2 calls, got %d", calls)
	}
}

func TestWithRetryNonRetryableFailsFast(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), fastRetry(), func(context.Context) (string, error) {
		calls++
		return "", NewProviderError("openai", 401, "bad key", nil)
	})
	if err == nil || calls != 1 {
		t.Errorf("auth errors must not retry: calls=%d err=%v", calls, err)
	}
}

func TestRetryableClassification(t *testing.T) {
	if Retryable(nil) {
		t.Error("nil is not retryable")
	}
	if !Retryable(NewProviderError("x", 429, "rate limited", nil)) {
		t.Error("429 is retryable")
	}
	if Retryable(errors.New("plain error")) {
		t.Error("plain errors are not retryable")
	}
	if !Retryable(context.DeadlineExceeded) {
		t.Error("deadline expiry is retryable")
	}
}

func TestProviderErrorCodes(t *testing.T) {
	if NewProviderError("x", 401, "", nil).Code != ErrCodeAuth {
		t.Error("401 maps to auth code")
	}
	if NewProviderError("x", 504, "", nil).Code != ErrCodeTimeout {
		t.Error("504 maps to timeout code")
	}
	if NewProviderError("x", 500, "", nil).Code != ErrCodeProvider {
		t.Error("500 maps to generic provider code")
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := NewProviderError("x", 500, "outer", inner)
	if !errors.Is(err, inner) {
		t.Error("Unwrap must expose the wrapped error")
	}
}
