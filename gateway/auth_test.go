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

package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"aegisgate/gateway/gateway/circuitbreaker"
	"aegisgate/gateway/store"
)

const testRawKey = "gw_0123456789abcdef0123456789abcdef01234567"

// fakeSource is an in-memory CredentialSource keyed by SHA-256 hash, the
// same shape the store serves.
type fakeSource struct {
	mu        sync.Mutex
	creds     map[string]*store.Credential
	lookups   int
	touches   int
	lookupErr error
	touchErr  error
}

func newFakeSource() *fakeSource {
	return &fakeSource{creds: make(map[string]*store.Credential)}
}

func (f *fakeSource) add(rawKey string, cred *store.Credential) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds[store.HashKey(rawKey)] = cred
}

func (f *fakeSource) LookupByKeyHash(ctx context.Context, keyHash string) (*store.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	c, ok := f.creds[keyHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *c
	return &clone, nil
}

func (f *fakeSource) TouchLastUsed(ctx context.Context, credentialID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches++
	return f.touchErr
}

func (f *fakeSource) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

func (f *fakeSource) touchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.touches
}

func activeCred() *store.Credential {
	return &store.Credential{
		ID:          "cred-1",
		AppID:       "app-demo",
		OrgID:       "org-1",
		Environment: "test",
		IsActive:    true,
		AppActive:   true,
	}
}

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func assertAuthCode(t *testing.T, err error, code string) {
	t.Helper()
	var aerr *AuthError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *AuthError, got %v", err)
	}
	if aerr.Code != code {
		t.Fatalf("auth code = %s, want %s", aerr.Code, code)
	}
}

func TestAuthenticateRejectsMissingAndMalformedKeys(t *testing.T) {
	source := newFakeSource()
	a := NewAuthenticator(AuthConfig{Source: source})

	_, err := a.Authenticate(context.Background(), "")
	assertAuthCode(t, err, AuthCodeMissingKey)

	_, err = a.Authenticate(context.Background(), "sk-not-ours")
	assertAuthCode(t, err, AuthCodeInvalidKey)

	if source.lookupCount() != 0 {
		t.Error("malformed keys must be rejected without a store lookup")
	}
}

func TestAuthenticateUnknownKey(t *testing.T) {
	source := newFakeSource()
	a := NewAuthenticator(AuthConfig{Source: source})

	_, err := a.Authenticate(context.Background(), testRawKey)
	assertAuthCode(t, err, AuthCodeInvalidKey)
	if source.lookupCount() != 1 {
		t.Errorf("lookups = %d, want 1", source.lookupCount())
	}
}

func TestAuthenticateValidatesFlags(t *testing.T) {
	past := time.Now().Add(-time.Hour)

	cases := []struct {
		name string
		mut  func(c *store.Credential)
		code string
	}{
		{"key deactivated", func(c *store.Credential) { c.IsActive = false }, AuthCodeKeyDisabled},
		{"app disabled", func(c *store.Credential) { c.AppActive = false }, AuthCodeKeyDisabled},
		{"key expired", func(c *store.Credential) { c.ExpiresAt = &past }, AuthCodeExpiredKey},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cred := activeCred()
			c.mut(cred)
			source := newFakeSource()
			source.add(testRawKey, cred)
			a := NewAuthenticator(AuthConfig{Source: source})

			_, err := a.Authenticate(context.Background(), testRawKey)
			assertAuthCode(t, err, c.code)
		})
	}
}

func TestAuthenticateCachesCredentials(t *testing.T) {
	source := newFakeSource()
	source.add(testRawKey, activeCred())
	a := NewAuthenticator(AuthConfig{Source: source, Redis: testRedis(t)})

	for i := 0; i < 3; i++ {
		cred, err := a.Authenticate(context.Background(), testRawKey)
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if cred.AppID != "app-demo" {
			t.Fatalf("attempt %d: app = %s", i, cred.AppID)
		}
	}

	if source.lookupCount() != 1 {
		t.Errorf("lookups = %d, want 1 (cache must absorb repeats)", source.lookupCount())
	}
	if source.touchCount() != 1 {
		t.Errorf("touches = %d, want 1 (last_used_at updates only on store lookups)", source.touchCount())
	}
}

func TestAuthenticateRevalidatesCachedCredential(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	cred := activeCred()
	cred.ExpiresAt = &expiry

	source := newFakeSource()
	source.add(testRawKey, cred)
	a := NewAuthenticator(AuthConfig{Source: source, Redis: testRedis(t)})

	if _, err := a.Authenticate(context.Background(), testRawKey); err != nil {
		t.Fatal(err)
	}

	// The cached record is untouched, but the key has since expired.
	a.now = func() time.Time { return expiry.Add(time.Minute) }
	_, err := a.Authenticate(context.Background(), testRawKey)
	assertAuthCode(t, err, AuthCodeExpiredKey)

	if source.lookupCount() != 1 {
		t.Errorf("lookups = %d, want 1 (expiry is enforced on the cached copy)", source.lookupCount())
	}
}

func TestInvalidateEvictsCachedCredential(t *testing.T) {
	source := newFakeSource()
	source.add(testRawKey, activeCred())
	a := NewAuthenticator(AuthConfig{Source: source, Redis: testRedis(t)})

	if _, err := a.Authenticate(context.Background(), testRawKey); err != nil {
		t.Fatal(err)
	}
	a.Invalidate(context.Background(), store.HashKey(testRawKey))

	if _, err := a.Authenticate(context.Background(), testRawKey); err != nil {
		t.Fatal(err)
	}
	if source.lookupCount() != 2 {
		t.Errorf("lookups = %d, want 2 (invalidation forces a reload)", source.lookupCount())
	}
}

func TestAuthenticateFallsBackWhenRedisIsDown(t *testing.T) {
	source := newFakeSource()
	source.add(testRawKey, activeCred())

	// Nothing listens here; every cache call fails and the memory
	// fallback takes over.
	dead := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	t.Cleanup(func() { _ = dead.Close() })

	a := NewAuthenticator(AuthConfig{Source: source, Redis: dead})

	if _, err := a.Authenticate(context.Background(), testRawKey); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if _, err := a.Authenticate(context.Background(), testRawKey); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if source.lookupCount() != 1 {
		t.Errorf("lookups = %d, want 1 (memory fallback must serve the repeat)", source.lookupCount())
	}
}

func TestAuthenticateSurvivesTouchFailure(t *testing.T) {
	source := newFakeSource()
	source.add(testRawKey, activeCred())
	source.touchErr = errors.New("deadlock detected")
	a := NewAuthenticator(AuthConfig{Source: source})

	if _, err := a.Authenticate(context.Background(), testRawKey); err != nil {
		t.Fatalf("a last_used_at failure must not block authentication: %v", err)
	}
}

func TestAuthenticateStoreFailureIsNotAnAuthError(t *testing.T) {
	source := newFakeSource()
	source.lookupErr = errors.New("connection refused")
	a := NewAuthenticator(AuthConfig{Source: source})

	_, err := a.Authenticate(context.Background(), testRawKey)
	if err == nil {
		t.Fatal("expected an error")
	}
	var aerr *AuthError
	if errors.As(err, &aerr) {
		t.Fatalf("infrastructure faults must not surface as auth failures, got %v", aerr)
	}
}

func TestAuthenticateShortCircuitsOnOpenBreaker(t *testing.T) {
	source := newFakeSource()
	source.add(testRawKey, activeCred())
	db := circuitbreaker.New(circuitbreaker.Config{Name: "db", FailureThreshold: 1})
	db.Failure()

	a := NewAuthenticator(AuthConfig{Source: source, DBBreaker: db})

	_, err := a.Authenticate(context.Background(), testRawKey)
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("expected the open-breaker error, got %v", err)
	}
	if source.lookupCount() != 0 {
		t.Error("an open breaker must prevent the store lookup")
	}
}
