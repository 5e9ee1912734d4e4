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

package feature

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRateLimiter(client, nil), mr
}

func TestRateLimiterAllowsUnderCap(t *testing.T) {
	rl, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, err := rl.Allow(ctx, "app", "chat", 10)
		if err != nil || !ok {
			t.Fatalf("request %d under cap should pass: ok=%v err=%v", i, ok, err)
		}
	}
}

func TestRateLimiterDeniesOverCap(t *testing.T) {
	rl, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _ := rl.Allow(ctx, "app", "chat", 3); !ok {
			t.Fatalf("request %d should be under cap", i)
		}
	}

	ok, err := rl.Allow(ctx, "app", "chat", 3)
	if err != nil {
		t.Fatalf("an over-cap denial is a definite answer, not an error: %v", err)
	}
	if ok {
		t.Fatal("4th request in the window must be denied")
	}
}

// Each (app, feature) pair has its own window.
func TestRateLimiterKeysAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rl.Allow(ctx, "app-a", "chat", 3)
	}
	if ok, _ := rl.Allow(ctx, "app-a", "translate", 3); !ok {
		t.Error("different feature should have its own window")
	}
	if ok, _ := rl.Allow(ctx, "app-b", "chat", 3); !ok {
		t.Error("different app should have its own window")
	}
}

func TestRateLimiterZeroLimitUnlimited(t *testing.T) {
	rl, _ := newTestLimiter(t)
	for i := 0; i < 50; i++ {
		if ok, _ := rl.Allow(context.Background(), "app", "chat", 0); !ok {
			t.Fatal("limit 0 means unlimited")
		}
	}
}

func TestRateLimiterNilClientFailsOpen(t *testing.T) {
	rl := NewRateLimiter(nil, nil)
	if ok, err := rl.Allow(context.Background(), "app", "chat", 1); !ok || err != nil {
		t.Errorf("nil client must fail open, got ok=%v err=%v", ok, err)
	}
}

func TestRateLimiterFailsOpenOnRedisError(t *testing.T) {
	rl, mr := newTestLimiter(t)
	mr.Close()

	ok, err := rl.Allow(context.Background(), "app", "chat", 1)
	if !ok || err != nil {
		t.Errorf("redis failure must fail open, got ok=%v err=%v", ok, err)
	}
}
