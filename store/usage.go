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
	"fmt"
	"time"
)

// UsageRecord is one settled ledger row: the actual token counts and cost
// of a completed provider call.
type UsageRecord struct {
	RequestID    string    `json:"request_id"`
	AppID        string    `json:"app_id"`
	OrgID        string    `json:"org_id,omitempty"`
	Feature      string    `json:"feature,omitempty"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	Environment  string    `json:"environment,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMS    float64   `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// UsageStat is one aggregation bucket.
type UsageStat struct {
	Key          string  `json:"key"`
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// DailyStat is one day of aggregated usage.
type DailyStat struct {
	Day      time.Time `json:"day"`
	Requests int64     `json:"requests"`
	CostUSD  float64   `json:"cost_usd"`
}

// RecordUsage appends a ledger row. The insert is idempotent on request_id
// so a retried settlement never double-counts.
func (s *Store) RecordUsage(ctx context.Context, u *UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records (request_id, app_id, org_id, feature, model, provider,
		                           environment, input_tokens, output_tokens, cost_usd,
		                           latency_ms, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, NULLIF($7, ''),
		        $8, $9, $10, $11, NOW())
		ON CONFLICT (request_id) DO NOTHING`,
		u.RequestID, u.AppID, u.OrgID, u.Feature, u.Model, u.Provider, u.Environment,
		u.InputTokens, u.OutputTokens, u.CostUSD, u.LatencyMS)
	if err != nil {
		return fmt.Errorf("store: record usage: %w", err)
	}
	return nil
}

// UsageExists reports whether a ledger row already exists for a request
// id. The gateway uses it to reject replays of client-supplied ids.
func (s *Store) UsageExists(ctx context.Context, requestID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM usage_records WHERE request_id = $1)`, requestID).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: usage exists: %w", err)
	}
	return exists, nil
}

// GetTotalCost sums ledger cost for an app since a point in time, with
// optional feature and environment filters.
func (s *Store) GetTotalCost(ctx context.Context, appID string, since time.Time, feature, environment string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE app_id = $1 AND created_at >= $2
		  AND ($3 = '' OR feature = $3)
		  AND ($4 = '' OR environment = $4)`,
		appID, since, feature, environment).
		Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("store: total cost: %w", err)
	}
	return total, nil
}

// GetStatsByModel aggregates an app's usage per model since a point in
// time.
func (s *Store) GetStatsByModel(ctx context.Context, appID string, since time.Time) ([]UsageStat, error) {
	return s.usageStats(ctx, "model", appID, since)
}

// GetStatsByFeature aggregates an app's usage per feature since a point in
// time.
func (s *Store) GetStatsByFeature(ctx context.Context, appID string, since time.Time) ([]UsageStat, error) {
	return s.usageStats(ctx, "feature", appID, since)
}

func (s *Store) usageStats(ctx context.Context, column, appID string, since time.Time) ([]UsageStat, error) {
	// column is one of two compile-time constants, never user input.
	query := fmt.Sprintf(`
		SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE app_id = $1 AND created_at >= $2
		GROUP BY 1
		ORDER BY 5 DESC`, column)

	rows, err := s.db.QueryContext(ctx, query, appID, since)
	if err != nil {
		return nil, fmt.Errorf("store: usage stats by %s: %w", column, err)
	}
	defer func() { _ = rows.Close() }()

	var stats []UsageStat
	for rows.Next() {
		var st UsageStat
		if err := rows.Scan(&st.Key, &st.Requests, &st.InputTokens, &st.OutputTokens, &st.CostUSD); err != nil {
			return nil, fmt.Errorf("store: scan usage stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// GetDailyStats returns per-day request counts and cost for the trailing
// window.
func (s *Store) GetDailyStats(ctx context.Context, appID string, days int) ([]DailyStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DATE_TRUNC('day', created_at) AS day, COUNT(*), COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE app_id = $1 AND created_at >= NOW() - ($2 || ' days')::interval
		GROUP BY 1
		ORDER BY 1`,
		appID, days)
	if err != nil {
		return nil, fmt.Errorf("store: daily stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []DailyStat
	for rows.Next() {
		var st DailyStat
		if err := rows.Scan(&st.Day, &st.Requests, &st.CostUSD); err != nil {
			return nil, fmt.Errorf("store: scan daily stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
