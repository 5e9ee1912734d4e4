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

package budget

import (
	"fmt"
	"math"
	"time"

	"aegisgate/gateway/pricing"
)

// Status is the result of an admission check against a set of budgets.
type Status struct {
	Allowed         bool     `json:"allowed"`
	RemainingUSD    float64  `json:"remaining_usd"`
	UsagePercent    float64  `json:"usage_percent"`
	ExceededBudgets []int64  `json:"exceeded_budgets,omitempty"`
	Reasons         []string `json:"reasons,omitempty"`
}

// Checker performs budget admission control using the pricing table for
// cost estimates.
type Checker struct {
	table *pricing.Table
	now   func() time.Time
}

// NewChecker creates a budget checker backed by a pricing table.
func NewChecker(table *pricing.Table) *Checker {
	return &Checker{table: table, now: time.Now}
}

// EstimateCost estimates the USD cost of a request via the pricing table.
func (c *Checker) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	return c.table.EstimateCost(model, inputTokens, outputTokens)
}

// Check evaluates an estimated cost against every applicable budget.
//
// An empty budget list always allows with unlimited remaining. Otherwise a
// budget is exceeded when its remaining headroom cannot absorb the
// estimate. The aggregate view takes the tightest remaining and the highest
// usage percentage; crossing the soft-warn threshold attaches a warning
// reason without blocking.
func (c *Checker) Check(budgets []*Budget, estimatedCost float64) Status {
	if len(budgets) == 0 {
		return Status{
			Allowed:      true,
			RemainingUSD: math.Inf(1),
			Reasons:      []string{"no budgets defined"},
		}
	}

	now := c.now()
	status := Status{
		Allowed:      true,
		RemainingUSD: math.Inf(1),
	}

	for _, b := range budgets {
		b.ResetIfElapsed(now)

		wouldRemain := b.HardLimitUSD - (b.CurrentSpendUSD + estimatedCost)
		if wouldRemain < 0 {
			status.ExceededBudgets = append(status.ExceededBudgets, b.ID)
			status.Reasons = append(status.Reasons, fmt.Sprintf(
				"%s would exceed hard limit: spend %s + estimate %s > limit %s",
				b.label(),
				pricing.FormatUSD(b.CurrentSpendUSD),
				pricing.FormatUSD(estimatedCost),
				pricing.FormatUSD(b.HardLimitUSD),
			))
		}

		if r := b.RemainingUSD(); r < status.RemainingUSD {
			status.RemainingUSD = r
		}
		if p := b.UsagePercent(); p > status.UsagePercent {
			status.UsagePercent = p
		}
	}

	status.Allowed = len(status.ExceededBudgets) == 0

	if status.Allowed && status.UsagePercent >= SoftWarnPercent {
		status.Reasons = append(status.Reasons, fmt.Sprintf(
			"budget usage at %.1f%% of hard limit", status.UsagePercent))
	}

	return status
}
