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
	"encoding/json"
	"fmt"

	"aegisgate/gateway/policy"
)

// GetActiveRules returns enabled rules whose application_id is null or
// matches the app, ordered by priority descending. When environment is
// non-empty, rules scoped to other environments are filtered out after the
// conditions are parsed.
func (s *Store) GetActiveRules(ctx context.Context, orgID, appID, environment string) ([]policy.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, priority, enabled, action, COALESCE(application_id, ''), conditions
		FROM policies
		WHERE enabled = true
		  AND (org_id IS NULL OR org_id = $1)
		  AND (application_id IS NULL OR application_id = $2)
		ORDER BY priority DESC`,
		orgID, appID)
	if err != nil {
		return nil, fmt.Errorf("store: get active rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []policy.Rule
	for rows.Next() {
		var r policy.Rule
		var raw []byte
		if err := rows.Scan(&r.ID, &r.Name, &r.Priority, &r.Enabled, &r.Action, &r.ApplicationID, &raw); err != nil {
			return nil, fmt.Errorf("store: scan rule: %w", err)
		}
		conditions, err := policy.ParseConditions(raw)
		if err != nil {
			return nil, fmt.Errorf("store: rule %s conditions: %w", r.ID, err)
		}
		r.Conditions = conditions

		if environment != "" && !environmentApplies(conditions, environment) {
			continue
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// environmentApplies keeps rules with no environment scope or whose scope
// includes the request environment.
func environmentApplies(c policy.Conditions, environment string) bool {
	if len(c.Environments) == 0 {
		return true
	}
	for _, env := range c.Environments {
		if env == environment {
			return true
		}
	}
	return false
}

// GetRuleByID fetches one rule.
func (s *Store) GetRuleByID(ctx context.Context, id string) (*policy.Rule, error) {
	var r policy.Rule
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, priority, enabled, action, COALESCE(application_id, ''), conditions
		FROM policies WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.Priority, &r.Enabled, &r.Action, &r.ApplicationID, &raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get rule: %w", err)
	}
	r.Conditions, err = policy.ParseConditions(raw)
	if err != nil {
		return nil, fmt.Errorf("store: rule %s conditions: %w", id, err)
	}
	return &r, nil
}

// CreateRule inserts a rule; conditions are stored as JSONB.
func (s *Store) CreateRule(ctx context.Context, orgID string, r policy.Rule) error {
	raw, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("store: marshal conditions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (id, org_id, name, priority, enabled, action, application_id, conditions)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		r.ID, orgID, r.Name, r.Priority, r.Enabled, r.Action, r.ApplicationID, raw)
	if err != nil {
		return fmt.Errorf("store: create rule: %w", err)
	}
	return nil
}

// UpdateRule replaces a rule's mutable fields.
func (s *Store) UpdateRule(ctx context.Context, r policy.Rule) error {
	raw, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("store: marshal conditions: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE policies
		SET name = $2, priority = $3, enabled = $4, action = $5,
		    application_id = NULLIF($6, ''), conditions = $7, updated_at = NOW()
		WHERE id = $1`,
		r.ID, r.Name, r.Priority, r.Enabled, r.Action, r.ApplicationID, raw)
	if err != nil {
		return fmt.Errorf("store: update rule: %w", err)
	}
	return requireRow(result)
}

// DeleteRule removes a rule.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete rule: %w", err)
	}
	return requireRow(result)
}

// requireRow converts zero affected rows into ErrNotFound.
func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
