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

// Package kpi is the read side of governance: aggregate cost, efficiency,
// and blocking statistics over the usage ledger and request traces, plus
// anomaly flags. It never writes.
package kpi

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"aegisgate/gateway/shared/logger"
)

// DefaultErrorRateThreshold flags windows where more than this fraction of
// traces ended in an error status.
const DefaultErrorRateThreshold = 0.10

// retryLoopSample and retryLoopTrigger define the retry-loop anomaly: one
// (app, feature) pair holding more than the trigger share of the most
// recent sample.
const (
	retryLoopSample  = 100
	retryLoopTrigger = 50
)

// costSpikeFactor is how far above the previous equal-length period the
// current spend must be to flag a spike.
const costSpikeFactor = 3.0

// Window is a half-open [From, To) aggregation window.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CostBucket is one row of a cost breakdown.
type CostBucket struct {
	Key      string  `json:"key"`
	Requests int64   `json:"requests"`
	CostUSD  float64 `json:"cost_usd"`
}

// TokenEfficiency summarises token throughput over the window.
type TokenEfficiency struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	OutputPerInput   float64 `json:"output_per_input"`
	CostPer1KOutput  float64 `json:"cost_per_1k_output_usd"`
	TotalCostUSD     float64 `json:"total_cost_usd"`
	CompletedCount   int64   `json:"completed_requests"`
	AvgTokensPerCall float64 `json:"avg_tokens_per_request"`
}

// OutcomeCount is one trace outcome tally.
type OutcomeCount struct {
	Outcome string `json:"outcome"`
	Count   int64  `json:"count"`
}

// BlockingStats summarises refusals over the window.
type BlockingStats struct {
	TotalTraces    int64          `json:"total_traces"`
	Blocked        int64          `json:"blocked"`
	BlockedPercent float64        `json:"blocked_percent"`
	CostAvoidedUSD float64        `json:"cost_avoided_usd"`
	ByOutcome      []OutcomeCount `json:"by_outcome,omitempty"`
}

// Anomaly is one flagged irregularity.
type Anomaly struct {
	Type        string  `json:"type"`
	Severity    string  `json:"severity"`
	Description string  `json:"description"`
	Value       float64 `json:"value"`
	Threshold   float64 `json:"threshold"`
}

// Report is the full KPI payload for one window.
type Report struct {
	Window            Window          `json:"window"`
	CostByApp         []CostBucket    `json:"cost_by_app"`
	CostByFeature     []CostBucket    `json:"cost_by_feature"`
	CostByModel       []CostBucket    `json:"cost_by_model"`
	CostByEnvironment []CostBucket    `json:"cost_by_environment"`
	TokenEfficiency   TokenEfficiency `json:"token_efficiency"`
	Blocking          BlockingStats   `json:"blocking"`
	Anomalies         []Anomaly       `json:"anomalies"`
}

// Service computes governance KPIs.
type Service struct {
	db                 *sql.DB
	log                *logger.Logger
	errorRateThreshold float64
}

// New builds a KPI service. threshold <= 0 selects the default error-rate
// threshold.
func New(db *sql.DB, log *logger.Logger, errorRateThreshold float64) *Service {
	if errorRateThreshold <= 0 {
		errorRateThreshold = DefaultErrorRateThreshold
	}
	return &Service{db: db, log: log, errorRateThreshold: errorRateThreshold}
}

// Report aggregates every KPI for the window.
func (s *Service) Report(ctx context.Context, w Window) (*Report, error) {
	r := &Report{Window: w}

	var err error
	if r.CostByApp, err = s.costBreakdown(ctx, w, "app_id"); err != nil {
		return nil, err
	}
	if r.CostByFeature, err = s.costBreakdown(ctx, w, "COALESCE(feature, '')"); err != nil {
		return nil, err
	}
	if r.CostByModel, err = s.costBreakdown(ctx, w, "model"); err != nil {
		return nil, err
	}
	if r.CostByEnvironment, err = s.costBreakdown(ctx, w, "COALESCE(environment, '')"); err != nil {
		return nil, err
	}
	if r.TokenEfficiency, err = s.tokenEfficiency(ctx, w); err != nil {
		return nil, err
	}
	if r.Blocking, err = s.blockingStats(ctx, w); err != nil {
		return nil, err
	}
	if r.Anomalies, err = s.Anomalies(ctx, w); err != nil {
		return nil, err
	}
	return r, nil
}

// costBreakdown groups ledger spend by a fixed column expression. The
// expression set is closed (compile-time call sites only), so string
// interpolation is safe here.
func (s *Service) costBreakdown(ctx context.Context, w Window, column string) ([]CostBucket, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, COUNT(*), COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY 1
		ORDER BY 3 DESC`, column), w.From, w.To)
	if err != nil {
		return nil, fmt.Errorf("kpi: cost breakdown: %w", err)
	}
	defer rows.Close()

	var out []CostBucket
	for rows.Next() {
		var b CostBucket
		if err := rows.Scan(&b.Key, &b.Requests, &b.CostUSD); err != nil {
			return nil, fmt.Errorf("kpi: cost breakdown scan: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Service) tokenEfficiency(ctx context.Context, w Window) (TokenEfficiency, error) {
	var te TokenEfficiency
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cost_usd), 0), COUNT(*)
		FROM usage_records
		WHERE created_at >= $1 AND created_at < $2`, w.From, w.To).
		Scan(&te.InputTokens, &te.OutputTokens, &te.TotalCostUSD, &te.CompletedCount)
	if err != nil {
		return te, fmt.Errorf("kpi: token efficiency: %w", err)
	}

	if te.InputTokens > 0 {
		te.OutputPerInput = float64(te.OutputTokens) / float64(te.InputTokens)
	}
	if te.OutputTokens > 0 {
		te.CostPer1KOutput = te.TotalCostUSD / float64(te.OutputTokens) * 1000
	}
	if te.CompletedCount > 0 {
		te.AvgTokensPerCall = float64(te.InputTokens+te.OutputTokens) / float64(te.CompletedCount)
	}
	return te, nil
}

func (s *Service) blockingStats(ctx context.Context, w Window) (BlockingStats, error) {
	var bs BlockingStats

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(outcome, ''), COUNT(*), COALESCE(SUM(estimated_cost_avoided), 0)
		FROM request_traces
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY 1
		ORDER BY 2 DESC`, w.From, w.To)
	if err != nil {
		return bs, fmt.Errorf("kpi: blocking stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var oc OutcomeCount
		var avoided float64
		if err := rows.Scan(&oc.Outcome, &oc.Count, &avoided); err != nil {
			return bs, fmt.Errorf("kpi: blocking stats scan: %w", err)
		}
		bs.TotalTraces += oc.Count
		if oc.Outcome == "deny" || oc.Outcome == "block" {
			bs.Blocked += oc.Count
			bs.CostAvoidedUSD += avoided
		}
		bs.ByOutcome = append(bs.ByOutcome, oc)
	}
	if bs.TotalTraces > 0 {
		bs.BlockedPercent = float64(bs.Blocked) / float64(bs.TotalTraces) * 100
	}
	return bs, rows.Err()
}

// Anomalies runs the three anomaly detectors for the window.
func (s *Service) Anomalies(ctx context.Context, w Window) ([]Anomaly, error) {
	var out []Anomaly

	if a, err := s.costSpike(ctx, w); err != nil {
		return nil, err
	} else if a != nil {
		out = append(out, *a)
	}

	loops, err := s.retryLoops(ctx)
	if err != nil {
		return nil, err
	}
	out = append(out, loops...)

	if a, err := s.errorRate(ctx, w); err != nil {
		return nil, err
	} else if a != nil {
		out = append(out, *a)
	}
	return out, nil
}

// costSpike compares the window's spend against the previous period of
// equal length.
func (s *Service) costSpike(ctx context.Context, w Window) (*Anomaly, error) {
	span := w.To.Sub(w.From)
	prevFrom := w.From.Add(-span)

	var current, baseline float64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(cost_usd) FILTER (WHERE created_at >= $2 AND created_at < $3), 0),
			COALESCE(SUM(cost_usd) FILTER (WHERE created_at >= $1 AND created_at < $2), 0)
		FROM usage_records
		WHERE created_at >= $1 AND created_at < $3`, prevFrom, w.From, w.To).
		Scan(&current, &baseline)
	if err != nil {
		return nil, fmt.Errorf("kpi: cost spike: %w", err)
	}

	if baseline <= 0 || current <= baseline*costSpikeFactor {
		return nil, nil
	}
	return &Anomaly{
		Type:        "cost_spike",
		Severity:    "high",
		Description: fmt.Sprintf("spend $%.4f is %.1fx the previous period ($%.4f)", current, current/baseline, baseline),
		Value:       current,
		Threshold:   baseline * costSpikeFactor,
	}, nil
}

// retryLoops flags (app, feature) pairs dominating the most recent
// requests regardless of window.
func (s *Service) retryLoops(ctx context.Context) ([]Anomaly, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT app_id, COALESCE(feature, ''), COUNT(*)
		FROM (
			SELECT app_id, feature
			FROM request_traces
			ORDER BY created_at DESC
			LIMIT $1
		) recent
		GROUP BY 1, 2
		HAVING COUNT(*) > $2`, retryLoopSample, retryLoopTrigger)
	if err != nil {
		return nil, fmt.Errorf("kpi: retry loops: %w", err)
	}
	defer rows.Close()

	var out []Anomaly
	for rows.Next() {
		var appID, feat string
		var count int64
		if err := rows.Scan(&appID, &feat, &count); err != nil {
			return nil, fmt.Errorf("kpi: retry loops scan: %w", err)
		}
		out = append(out, Anomaly{
			Type:        "retry_loop",
			Severity:    "medium",
			Description: fmt.Sprintf("app %q feature %q issued %d of the last %d requests", appID, feat, count, retryLoopSample),
			Value:       float64(count),
			Threshold:   retryLoopTrigger,
		})
	}
	return out, rows.Err()
}

func (s *Service) errorRate(ctx context.Context, w Window) (*Anomaly, error) {
	var total, errored int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'error')
		FROM request_traces
		WHERE created_at >= $1 AND created_at < $2`, w.From, w.To).
		Scan(&total, &errored)
	if err != nil {
		return nil, fmt.Errorf("kpi: error rate: %w", err)
	}

	if total == 0 {
		return nil, nil
	}
	rate := float64(errored) / float64(total)
	if rate <= s.errorRateThreshold {
		return nil, nil
	}
	return &Anomaly{
		Type:        "high_error_rate",
		Severity:    "high",
		Description: fmt.Sprintf("%.1f%% of %d traces ended in error", rate*100, total),
		Value:       rate,
		Threshold:   s.errorRateThreshold,
	}, nil
}
