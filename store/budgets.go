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
	"time"

	"aegisgate/gateway/budget"
)

// GetBudgetsForApp returns all active budgets applicable to an app in
// priority order user, org, app: the most specific scope first.
func (s *Store) GetBudgetsForApp(ctx context.Context, appID, orgID string) ([]*budget.Budget, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, COALESCE(app_id, ''), COALESCE(user_id, ''), COALESCE(org_id, ''),
		       soft_limit_usd, hard_limit_usd, period, current_spend_usd, period_start,
		       COALESCE(feature, ''), COALESCE(environment, '')
		FROM budgets
		WHERE is_active = true
		  AND ((scope = 'APPLICATION' AND app_id = $1)
		    OR (scope = 'ORGANIZATION' AND org_id = $2)
		    OR (scope = 'USER' AND app_id = $1))
		ORDER BY CASE scope
			WHEN 'USER' THEN 0
			WHEN 'ORGANIZATION' THEN 1
			ELSE 2
		END`,
		appID, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: get budgets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var budgets []*budget.Budget
	for rows.Next() {
		b := &budget.Budget{}
		if err := rows.Scan(&b.ID, &b.Scope, &b.AppID, &b.UserID, &b.OrgID,
			&b.SoftLimitUSD, &b.HardLimitUSD, &b.Period, &b.CurrentSpendUSD, &b.PeriodStart,
			&b.Feature, &b.Environment); err != nil {
			return nil, fmt.Errorf("store: scan budget: %w", err)
		}
		budgets = append(budgets, b)
	}
	return budgets, rows.Err()
}

// RecordBudgetUsage commits an actual-cost delta to one budget row inside a
// transaction. The row is locked, the lazy period reset applied, and the
// spend incremented, so concurrent settlements serialize per row and a
// cancellation mid-update leaves no partial write.
func (s *Store) RecordBudgetUsage(ctx context.Context, budgetID int64, deltaUSD float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin record usage: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var b budget.Budget
	err = tx.QueryRowContext(ctx, `
		SELECT id, period, current_spend_usd, period_start
		FROM budgets WHERE id = $1 FOR UPDATE`, budgetID).
		Scan(&b.ID, &b.Period, &b.CurrentSpendUSD, &b.PeriodStart)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: lock budget %d: %w", budgetID, err)
	}

	b.RecordUsage(deltaUSD, time.Now())

	if _, err := tx.ExecContext(ctx, `
		UPDATE budgets
		SET current_spend_usd = $2, period_start = $3, updated_at = NOW()
		WHERE id = $1`,
		b.ID, b.CurrentSpendUSD, b.PeriodStart); err != nil {
		return fmt.Errorf("store: update budget %d: %w", budgetID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit record usage: %w", err)
	}
	return nil
}

// CreateBudget inserts a budget after validating its limits.
func (s *Store) CreateBudget(ctx context.Context, b *budget.Budget) error {
	if err := b.Validate(); err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO budgets (scope, app_id, user_id, org_id, soft_limit_usd, hard_limit_usd,
		                     period, current_spend_usd, period_start, feature, environment, is_active)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, 0, NOW(),
		        NULLIF($8, ''), NULLIF($9, ''), true)
		RETURNING id`,
		b.Scope, b.AppID, b.UserID, b.OrgID, b.SoftLimitUSD, b.HardLimitUSD,
		b.Period, b.Feature, b.Environment).
		Scan(&b.ID)
}

// DeactivateBudget removes a budget from admission checks without deleting
// its spend history.
func (s *Store) DeactivateBudget(ctx context.Context, budgetID int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE budgets SET is_active = false, updated_at = NOW() WHERE id = $1`, budgetID)
	if err != nil {
		return fmt.Errorf("store: deactivate budget: %w", err)
	}
	return requireRow(result)
}
