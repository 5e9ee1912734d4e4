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
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestGetActiveRules(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "name", "priority", "enabled", "action", "application_id", "conditions"}).
		AddRow("r1", "block claude", 100, true, "deny", "", []byte(`{"models":["claude-*"]}`)).
		AddRow("r2", "prod only", 50, true, "warn", "app-1", []byte(`{"environments":["production"]}`)).
		AddRow("r3", "staging only", 10, true, "deny", "", []byte(`{"environments":["staging"]}`))

	mock.ExpectQuery("SELECT id, name, priority, enabled, action").
		WithArgs("org-1", "app-1").
		WillReturnRows(rows)

	rules, err := s.GetActiveRules(context.Background(), "org-1", "app-1", "production")
	require.NoError(t, err)

	// r3 is scoped to staging and must be filtered out.
	require.Len(t, rules, 2)
	assert.Equal(t, "r1", rules[0].ID)
	assert.Equal(t, "r2", rules[1].ID)
	assert.Len(t, rules[0].Conditions.Models, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBudgetsForApp(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "scope", "app_id", "user_id", "org_id",
		"soft_limit_usd", "hard_limit_usd", "period", "current_spend_usd", "period_start",
		"feature", "environment"}).
		AddRow(3, "USER", "app-1", "u-1", "", 8.0, 10.0, "DAILY", 1.0, now, "", "").
		AddRow(2, "ORGANIZATION", "", "", "org-1", 80.0, 100.0, "MONTHLY", 20.0, now, "", "").
		AddRow(1, "APPLICATION", "app-1", "", "", 40.0, 50.0, "DAILY", 5.0, now, "chat", "production")

	mock.ExpectQuery("SELECT id, scope").
		WithArgs("app-1", "org-1").
		WillReturnRows(rows)

	budgets, err := s.GetBudgetsForApp(context.Background(), "app-1", "org-1")
	require.NoError(t, err)
	require.Len(t, budgets, 3)

	// Most specific scope first.
	assert.Equal(t, "USER", string(budgets[0].Scope))
	assert.Equal(t, "APPLICATION", string(budgets[2].Scope))
	assert.Equal(t, "chat", budgets[2].Feature)
}

// record_usage locks the row, applies the lazy period reset, and writes the
// new spend in one transaction.
func TestRecordBudgetUsageResetsPeriod(t *testing.T) {
	s, mock := newMockStore(t)

	stale := time.Now().Add(-48 * time.Hour)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, period, current_spend_usd, period_start").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "period", "current_spend_usd", "period_start"}).
			AddRow(7, "DAILY", 42.0, stale))
	// After the reset, spend is the delta alone.
	mock.ExpectExec("UPDATE budgets").
		WithArgs(int64(7), 0.25, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.RecordBudgetUsage(context.Background(), 7, 0.25))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordBudgetUsageNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, period, current_spend_usd, period_start").
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "period", "current_spend_usd", "period_start"}))
	mock.ExpectRollback()

	err := s.RecordBudgetUsage(context.Background(), 99, 1.0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordUsageIdempotent(t *testing.T) {
	s, mock := newMockStore(t)

	// Second insert with the same request_id affects zero rows; no error.
	mock.ExpectExec("INSERT INTO usage_records").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO usage_records").
		WillReturnResult(sqlmock.NewResult(0, 0))

	u := &UsageRecord{
		RequestID: "req-1", AppID: "app-1", Model: "gpt-4o", Provider: "openai",
		InputTokens: 100, OutputTokens: 50, CostUSD: 0.006,
	}
	require.NoError(t, s.RecordUsage(context.Background(), u))
	assert.NoError(t, s.RecordUsage(context.Background(), u),
		"duplicate settlement must be a no-op")
}

func TestLookupByKeyHashNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT c.id, c.app_id").
		WithArgs("deadbeef").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.LookupByKeyHash(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateCredentialReturnsPlaintextOnce(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO credentials").
		WillReturnResult(sqlmock.NewResult(0, 1))

	c := &Credential{AppID: "app-1", AllowedModels: []string{"gpt-*"}}
	plaintext, err := s.CreateCredential(context.Background(), c)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(plaintext, "gw_"),
		"plaintext key must carry the gw_ prefix, got %q", plaintext)
	assert.Equal(t, HashKey(plaintext), c.KeyHash,
		"stored hash must match the plaintext's SHA-256")
	assert.NotContains(t, c.KeyHash, plaintext,
		"plaintext must never appear in stored fields")
}

// Rotation inserts the replacement and deactivates the old key in one
// transaction; the new plaintext leaves the store exactly once.
func TestRotateCredential(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT app_id, allowed_providers").
		WithArgs("cred-old").
		WillReturnRows(sqlmock.NewRows([]string{
			"app_id", "allowed_providers", "allowed_models", "environment", "expires_at",
		}).AddRow("app-1", []byte("{openai}"), []byte("{gpt-*}"), "production", nil))
	mock.ExpectExec("INSERT INTO credentials").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE credentials SET is_active = false").
		WithArgs("cred-old").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	next, plaintext, err := s.RotateCredential(context.Background(), "cred-old")
	require.NoError(t, err)

	assert.NotEqual(t, "cred-old", next.ID)
	assert.Equal(t, "app-1", next.AppID)
	assert.Equal(t, []string{"gpt-*"}, next.AllowedModels)
	assert.True(t, strings.HasPrefix(plaintext, "gw_"))
	assert.Equal(t, HashKey(plaintext), next.KeyHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRotateCredentialNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT app_id, allowed_providers").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"app_id", "allowed_providers", "allowed_models", "environment", "expires_at",
		}))
	mock.ExpectRollback()

	_, _, err := s.RotateCredential(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetFeatureRegistryAbsent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT strict").
		WithArgs("app-x").
		WillReturnRows(sqlmock.NewRows([]string{"strict", "default_feature_id"}))

	reg, err := s.GetFeatureRegistry(context.Background(), "app-x")
	require.NoError(t, err)
	assert.Nil(t, reg, "absent registry must be nil, the permissive default")
}

func TestGetTotalCost(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("app-1", sqlmock.AnyArg(), "chat", "").
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(12.5))

	total, err := s.GetTotalCost(context.Background(), "app-1", time.Now().Add(-24*time.Hour), "chat", "")
	require.NoError(t, err)
	assert.Equal(t, 12.5, total)
}

func TestDeleteRuleNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM policies").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.DeleteRule(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetStatsByModel(t *testing.T) {
	s, mock := newMockStore(t)

	since := time.Now().Add(-24 * time.Hour)
	mock.ExpectQuery(`SELECT COALESCE\(model`).
		WithArgs("app-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"model", "requests", "in", "out", "cost"}).
			AddRow("gpt-4o", 10, 5000, 2000, 0.9).
			AddRow("claude-3-haiku", 4, 1200, 400, 0.1))

	stats, err := s.GetStatsByModel(context.Background(), "app-1", since)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "gpt-4o", stats[0].Key)
	assert.Equal(t, int64(10), stats[0].Requests)
	assert.Equal(t, 0.9, stats[0].CostUSD)
}

func TestGetDailyStats(t *testing.T) {
	s, mock := newMockStore(t)

	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("DATE_TRUNC").
		WithArgs("app-1", 7).
		WillReturnRows(sqlmock.NewRows([]string{"day", "requests", "cost"}).
			AddRow(day, 12, 1.5).
			AddRow(day.Add(24*time.Hour), 8, 0.75))

	stats, err := s.GetDailyStats(context.Background(), "app-1", 7)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, day, stats[0].Day)
	assert.Equal(t, 1.5, stats[0].CostUSD)
}
