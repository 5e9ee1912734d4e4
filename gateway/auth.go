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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"aegisgate/gateway/gateway/circuitbreaker"
	"aegisgate/gateway/shared/logger"
	"aegisgate/gateway/store"
)

// Stable authentication failure codes. All of them map to 401.
const (
	AuthCodeMissingKey  = "AUTH_MISSING_KEY"
	AuthCodeInvalidKey  = "AUTH_INVALID_KEY"
	AuthCodeExpiredKey  = "AUTH_EXPIRED_KEY"
	AuthCodeKeyDisabled = "AUTH_KEY_DISABLED"
)

const (
	credentialCachePrefix = "auth:credentials:"
	keyPrefix             = "gw_"
	maxFallbackEntries    = 10000
)

// AuthError is an authentication failure the client can act on. Anything
// else Authenticate returns is an infrastructure fault.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string { return e.Code + ": " + e.Message }

// CredentialSource is the slice of the store the authenticator needs.
type CredentialSource interface {
	LookupByKeyHash(ctx context.Context, keyHash string) (*store.Credential, error)
	TouchLastUsed(ctx context.Context, credentialID string) error
}

// AuthConfig wires an Authenticator. Redis may be nil (memory-only cache);
// breakers may be nil and are then created with defaults. Production passes
// the shared db breaker so auth lookups and pipeline queries trip it
// together.
type AuthConfig struct {
	Source       CredentialSource
	Redis        *redis.Client
	TTL          time.Duration
	Logger       *logger.Logger
	DBBreaker    *circuitbreaker.Breaker
	CacheBreaker *circuitbreaker.Breaker
}

// Authenticator resolves X-API-Key headers to credentials. Lookups are
// cached for TTL; cached records are revalidated on every hit so a key
// that expires mid-TTL is still rejected. Plaintext keys are hashed
// immediately and never stored or logged.
type Authenticator struct {
	source       CredentialSource
	redis        *redis.Client
	ttl          time.Duration
	log          *logger.Logger
	dbBreaker    *circuitbreaker.Breaker
	cacheBreaker *circuitbreaker.Breaker
	now          func() time.Time

	mu       sync.Mutex
	fallback map[string]fallbackEntry
}

type fallbackEntry struct {
	cred      store.Credential
	expiresAt time.Time
}

// NewAuthenticator builds an Authenticator from cfg.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	if cfg.TTL <= 0 {
		cfg.TTL = 300 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("auth")
	}
	if cfg.DBBreaker == nil {
		cfg.DBBreaker = circuitbreaker.New(circuitbreaker.Config{Name: "db"})
	}
	if cfg.CacheBreaker == nil {
		cfg.CacheBreaker = circuitbreaker.New(circuitbreaker.Config{Name: "cache"})
	}
	return &Authenticator{
		source:       cfg.Source,
		redis:        cfg.Redis,
		ttl:          cfg.TTL,
		log:          cfg.Logger,
		dbBreaker:    cfg.DBBreaker,
		cacheBreaker: cfg.CacheBreaker,
		now:          time.Now,
		fallback:     make(map[string]fallbackEntry),
	}
}

// Authenticate resolves a raw API key to its credential. Auth failures
// come back as *AuthError; other errors mean the lookup path itself is
// down and callers should return 503.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey string) (*store.Credential, error) {
	if rawKey == "" {
		authResultsTotal.WithLabelValues("missing_key").Inc()
		return nil, &AuthError{Code: AuthCodeMissingKey, Message: "X-API-Key header is required"}
	}
	if !strings.HasPrefix(rawKey, keyPrefix) {
		authResultsTotal.WithLabelValues("invalid_key").Inc()
		return nil, &AuthError{Code: AuthCodeInvalidKey, Message: "API key is not valid"}
	}
	keyHash := store.HashKey(rawKey)

	if cred, ok := a.cacheGet(ctx, keyHash); ok {
		if aerr := a.validate(cred); aerr != nil {
			return nil, aerr
		}
		authResultsTotal.WithLabelValues("ok").Inc()
		return cred, nil
	}

	if err := a.dbBreaker.Allow(); err != nil {
		breakerStateChanges.WithLabelValues("db").Inc()
		return nil, fmt.Errorf("credential lookup unavailable: %w", err)
	}
	cred, err := a.source.LookupByKeyHash(ctx, keyHash)
	if errors.Is(err, store.ErrNotFound) {
		a.dbBreaker.Success()
		authResultsTotal.WithLabelValues("invalid_key").Inc()
		return nil, &AuthError{Code: AuthCodeInvalidKey, Message: "API key is not valid"}
	}
	if err != nil {
		a.dbBreaker.Failure()
		return nil, fmt.Errorf("credential lookup: %w", err)
	}
	a.dbBreaker.Success()

	// Cache the record exactly as loaded; validation happens on every
	// retrieval, so flag changes take effect within one TTL at worst and
	// invalidation makes them immediate.
	a.cachePut(ctx, keyHash, cred)

	if err := a.source.TouchLastUsed(ctx, cred.ID); err != nil {
		a.log.Warn(cred.AppID, "", "failed to update credential last_used_at",
			map[string]interface{}{"error": err.Error()})
	}

	if aerr := a.validate(cred); aerr != nil {
		return nil, aerr
	}
	authResultsTotal.WithLabelValues("ok").Inc()
	return cred, nil
}

// Invalidate drops a cached credential after rotation, deactivation or
// deletion so the change is visible before the TTL expires.
func (a *Authenticator) Invalidate(ctx context.Context, keyHash string) {
	if a.redis != nil {
		if err := a.redis.Del(ctx, credentialCachePrefix+keyHash).Err(); err != nil {
			a.log.Warn("", "", "credential cache invalidation failed",
				map[string]interface{}{"error": err.Error()})
		}
	}
	a.mu.Lock()
	delete(a.fallback, keyHash)
	a.mu.Unlock()
}

func (a *Authenticator) validate(c *store.Credential) *AuthError {
	if !c.IsActive {
		authResultsTotal.WithLabelValues("disabled").Inc()
		return &AuthError{Code: AuthCodeKeyDisabled, Message: "API key has been deactivated"}
	}
	if !c.AppActive {
		authResultsTotal.WithLabelValues("disabled").Inc()
		return &AuthError{Code: AuthCodeKeyDisabled, Message: "application is disabled"}
	}
	if c.ExpiresAt != nil && a.now().After(*c.ExpiresAt) {
		authResultsTotal.WithLabelValues("expired").Inc()
		return &AuthError{Code: AuthCodeExpiredKey, Message: "API key has expired"}
	}
	return nil
}

func (a *Authenticator) cacheGet(ctx context.Context, keyHash string) (*store.Credential, bool) {
	if a.redis != nil && a.cacheBreaker.Allow() == nil {
		val, err := a.redis.Get(ctx, credentialCachePrefix+keyHash).Result()
		switch {
		case err == nil:
			a.cacheBreaker.Success()
			var c store.Credential
			if jsonErr := json.Unmarshal([]byte(val), &c); jsonErr != nil {
				credentialCacheTotal.WithLabelValues("error").Inc()
				return nil, false
			}
			credentialCacheTotal.WithLabelValues("hit").Inc()
			return &c, true
		case err == redis.Nil:
			a.cacheBreaker.Success()
			credentialCacheTotal.WithLabelValues("miss").Inc()
			return nil, false
		default:
			a.cacheBreaker.Failure()
			credentialCacheTotal.WithLabelValues("error").Inc()
			a.log.Warn("", "", "credential cache read degraded, using memory fallback",
				map[string]interface{}{"error": err.Error()})
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.fallback[keyHash]
	if !ok {
		return nil, false
	}
	if a.now().After(e.expiresAt) {
		delete(a.fallback, keyHash)
		return nil, false
	}
	cred := e.cred
	credentialCacheTotal.WithLabelValues("hit").Inc()
	return &cred, true
}

func (a *Authenticator) cachePut(ctx context.Context, keyHash string, cred *store.Credential) {
	if a.redis != nil && a.cacheBreaker.Allow() == nil {
		payload, err := json.Marshal(cred)
		if err == nil {
			setErr := a.redis.Set(ctx, credentialCachePrefix+keyHash, payload, a.ttl).Err()
			if setErr == nil {
				a.cacheBreaker.Success()
				return
			}
			a.cacheBreaker.Failure()
			a.log.Warn("", "", "credential cache write degraded, using memory fallback",
				map[string]interface{}{"error": setErr.Error()})
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.fallback) >= maxFallbackEntries {
		for k, e := range a.fallback {
			if a.now().After(e.expiresAt) {
				delete(a.fallback, k)
			}
		}
	}
	a.fallback[keyHash] = fallbackEntry{cred: *cred, expiresAt: a.now().Add(a.ttl)}
}
