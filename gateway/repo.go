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

	"aegisgate/gateway/budget"
	"aegisgate/gateway/feature"
	"aegisgate/gateway/gateway/circuitbreaker"
	"aegisgate/gateway/pipeline"
	"aegisgate/gateway/policy"
	"aegisgate/gateway/store"
)

// breakerRepo feeds every repository call into the shared db breaker so a
// flapping database trips fail-closed before requests pile up on it. The
// handler checks the breaker up front; this wrapper is what moves it.
type breakerRepo struct {
	inner   pipeline.Repository
	breaker *circuitbreaker.Breaker
}

// BreakerRepository wraps a repository so every call feeds the shared db
// breaker. The pipeline should be built on the wrapped repository.
func BreakerRepository(inner pipeline.Repository, b *circuitbreaker.Breaker) pipeline.Repository {
	return &breakerRepo{inner: inner, breaker: b}
}

// observe counts infrastructure faults only. Not-found is a data
// condition and must not trip the breaker.
func (r *breakerRepo) observe(err error) {
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.breaker.Failure()
		return
	}
	r.breaker.Success()
}

func (r *breakerRepo) GetActiveRules(ctx context.Context, orgID, appID, environment string) ([]policy.Rule, error) {
	rules, err := r.inner.GetActiveRules(ctx, orgID, appID, environment)
	r.observe(err)
	return rules, err
}

func (r *breakerRepo) GetBudgetsForApp(ctx context.Context, appID, orgID string) ([]*budget.Budget, error) {
	budgets, err := r.inner.GetBudgetsForApp(ctx, appID, orgID)
	r.observe(err)
	return budgets, err
}

func (r *breakerRepo) RecordBudgetUsage(ctx context.Context, budgetID int64, deltaUSD float64) error {
	err := r.inner.RecordBudgetUsage(ctx, budgetID, deltaUSD)
	r.observe(err)
	return err
}

func (r *breakerRepo) GetFeatureRegistry(ctx context.Context, appID string) (*feature.Registry, error) {
	reg, err := r.inner.GetFeatureRegistry(ctx, appID)
	r.observe(err)
	return reg, err
}

func (r *breakerRepo) RecordUsage(ctx context.Context, u *store.UsageRecord) error {
	err := r.inner.RecordUsage(ctx, u)
	r.observe(err)
	return err
}
