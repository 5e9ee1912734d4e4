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

package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Credential is one API key record. Only the SHA-256 hash of the key is
// stored; the plaintext exists exactly once, in the Create/Rotate return
// value, and is never logged.
type Credential struct {
	ID               string     `json:"id"`
	AppID            string     `json:"app_id"`
	OrgID            string     `json:"org_id,omitempty"`
	KeyHash          string     `json:"-"`
	AllowedProviders []string   `json:"allowed_providers,omitempty"`
	AllowedModels    []string   `json:"allowed_models,omitempty"`
	Environment      string     `json:"environment,omitempty"`
	IsActive         bool       `json:"is_active"`
	AppActive        bool       `json:"app_active"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
}

// HashKey computes the SHA-256 lookup hash of a plaintext API key.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// generateKey produces a new gw_-prefixed plaintext API key.
func generateKey() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("store: generate key: %w", err)
	}
	return "gw_" + hex.EncodeToString(raw), nil
}

// LookupByKeyHash fetches the credential for a key hash together with the
// owning application's active flag.
func (s *Store) LookupByKeyHash(ctx context.Context, keyHash string) (*Credential, error) {
	c := &Credential{KeyHash: keyHash}
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.app_id, COALESCE(a.org_id, ''), c.allowed_providers, c.allowed_models,
		       COALESCE(c.environment, ''), c.is_active, a.is_active,
		       c.expires_at, c.last_used_at
		FROM credentials c
		JOIN applications a ON a.id = c.app_id
		WHERE c.key_hash = $1`, keyHash).
		Scan(&c.ID, &c.AppID, &c.OrgID, pq.Array(&c.AllowedProviders), pq.Array(&c.AllowedModels),
			&c.Environment, &c.IsActive, &c.AppActive, &c.ExpiresAt, &c.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: lookup credential: %w", err)
	}
	return c, nil
}

// CreateCredential inserts a new credential and returns the plaintext key.
// This is the only time the plaintext is available.
func (s *Store) CreateCredential(ctx context.Context, c *Credential) (string, error) {
	plaintext, err := generateKey()
	if err != nil {
		return "", err
	}
	c.ID = uuid.NewString()
	c.KeyHash = HashKey(plaintext)
	c.IsActive = true

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, app_id, key_hash, allowed_providers, allowed_models,
		                         environment, is_active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), true, $7, NOW())`,
		c.ID, c.AppID, c.KeyHash, pq.Array(c.AllowedProviders), pq.Array(c.AllowedModels),
		c.Environment, c.ExpiresAt)
	if err != nil {
		return "", fmt.Errorf("store: create credential: %w", err)
	}
	return plaintext, nil
}

// RotateCredential creates a replacement key with the old credential's
// scope and deactivates the old one in the same transaction. Returns the
// new credential and its plaintext key.
func (s *Store) RotateCredential(ctx context.Context, credentialID string) (*Credential, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("store: begin rotate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	old := &Credential{}
	err = tx.QueryRowContext(ctx, `
		SELECT app_id, allowed_providers, allowed_models, COALESCE(environment, ''), expires_at
		FROM credentials WHERE id = $1 FOR UPDATE`, credentialID).
		Scan(&old.AppID, pq.Array(&old.AllowedProviders), pq.Array(&old.AllowedModels),
			&old.Environment, &old.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("store: load credential for rotate: %w", err)
	}

	plaintext, err := generateKey()
	if err != nil {
		return nil, "", err
	}
	next := &Credential{
		ID:               uuid.NewString(),
		AppID:            old.AppID,
		KeyHash:          HashKey(plaintext),
		AllowedProviders: old.AllowedProviders,
		AllowedModels:    old.AllowedModels,
		Environment:      old.Environment,
		IsActive:         true,
		ExpiresAt:        old.ExpiresAt,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credentials (id, app_id, key_hash, allowed_providers, allowed_models,
		                         environment, is_active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), true, $7, NOW())`,
		next.ID, next.AppID, next.KeyHash, pq.Array(next.AllowedProviders),
		pq.Array(next.AllowedModels), next.Environment, next.ExpiresAt); err != nil {
		return nil, "", fmt.Errorf("store: insert rotated credential: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credentials SET is_active = false, updated_at = NOW() WHERE id = $1`,
		credentialID); err != nil {
		return nil, "", fmt.Errorf("store: deactivate rotated credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("store: commit rotate: %w", err)
	}
	return next, plaintext, nil
}

// DeactivateCredential disables a key without deleting its history.
func (s *Store) DeactivateCredential(ctx context.Context, credentialID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET is_active = false, updated_at = NOW() WHERE id = $1`,
		credentialID)
	if err != nil {
		return fmt.Errorf("store: deactivate credential: %w", err)
	}
	return requireRow(result)
}

// DeleteCredential removes a credential entirely.
func (s *Store) DeleteCredential(ctx context.Context, credentialID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, credentialID)
	if err != nil {
		return fmt.Errorf("store: delete credential: %w", err)
	}
	return requireRow(result)
}

// TouchLastUsed records key usage. Best-effort: auth never fails on this
// write, so errors only propagate for the caller to log.
func (s *Store) TouchLastUsed(ctx context.Context, credentialID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET last_used_at = NOW() WHERE id = $1`, credentialID)
	return err
}
