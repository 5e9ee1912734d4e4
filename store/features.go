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
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"aegisgate/gateway/feature"
)

// GetFeatureRegistry loads an application's feature registry. A missing
// registry returns (nil, nil): absence is the permissive default, not an
// error.
func (s *Store) GetFeatureRegistry(ctx context.Context, appID string) (*feature.Registry, error) {
	reg := &feature.Registry{AppID: appID, Features: make(map[string]*feature.Definition)}

	err := s.db.QueryRowContext(ctx, `
		SELECT strict, COALESCE(default_feature_id, '')
		FROM feature_registries WHERE app_id = $1`, appID).
		Scan(&reg.Strict, &reg.DefaultFeatureID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get registry: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(name, ''), is_active, allowed_actions, allowed_models,
		       allowed_environments, max_tokens_per_request, max_cost_per_request_usd,
		       max_requests_per_minute
		FROM features WHERE app_id = $1`, appID)
	if err != nil {
		return nil, fmt.Errorf("store: list features: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		def := &feature.Definition{}
		if err := rows.Scan(&def.ID, &def.Name, &def.IsActive,
			pq.Array(&def.AllowedActions), pq.Array(&def.AllowedModels),
			pq.Array(&def.AllowedEnvironments), &def.MaxTokensPerRequest,
			&def.MaxCostPerRequestUSD, &def.MaxRequestsPerMinute); err != nil {
			return nil, fmt.Errorf("store: scan feature: %w", err)
		}
		reg.Features[def.ID] = def
	}
	return reg, rows.Err()
}

// RegisterFeature upserts a feature definition, creating the registry row
// on first use.
func (s *Store) RegisterFeature(ctx context.Context, appID string, def *feature.Definition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin register feature: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO feature_registries (app_id, strict)
		VALUES ($1, false)
		ON CONFLICT (app_id) DO NOTHING`, appID); err != nil {
		return fmt.Errorf("store: ensure registry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO features (app_id, id, name, is_active, allowed_actions, allowed_models,
		                      allowed_environments, max_tokens_per_request,
		                      max_cost_per_request_usd, max_requests_per_minute)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (app_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			is_active = EXCLUDED.is_active,
			allowed_actions = EXCLUDED.allowed_actions,
			allowed_models = EXCLUDED.allowed_models,
			allowed_environments = EXCLUDED.allowed_environments,
			max_tokens_per_request = EXCLUDED.max_tokens_per_request,
			max_cost_per_request_usd = EXCLUDED.max_cost_per_request_usd,
			max_requests_per_minute = EXCLUDED.max_requests_per_minute`,
		appID, def.ID, def.Name, def.IsActive,
		pq.Array(def.AllowedActions), pq.Array(def.AllowedModels),
		pq.Array(def.AllowedEnvironments), def.MaxTokensPerRequest,
		def.MaxCostPerRequestUSD, def.MaxRequestsPerMinute); err != nil {
		return fmt.Errorf("store: upsert feature: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit register feature: %w", err)
	}
	return nil
}

// RemoveFeature deletes a feature definition.
func (s *Store) RemoveFeature(ctx context.Context, appID, featureID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM features WHERE app_id = $1 AND id = $2`, appID, featureID)
	if err != nil {
		return fmt.Errorf("store: remove feature: %w", err)
	}
	return requireRow(result)
}

// SetStrictMode toggles an application's strict flag.
func (s *Store) SetStrictMode(ctx context.Context, appID string, strict bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE feature_registries SET strict = $2 WHERE app_id = $1`, appID, strict)
	if err != nil {
		return fmt.Errorf("store: set strict mode: %w", err)
	}
	return requireRow(result)
}

// SetDefaultFeature sets the feature used when requests name none.
func (s *Store) SetDefaultFeature(ctx context.Context, appID, featureID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE feature_registries SET default_feature_id = NULLIF($2, '') WHERE app_id = $1`,
		appID, featureID)
	if err != nil {
		return fmt.Errorf("store: set default feature: %w", err)
	}
	return requireRow(result)
}
