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

// Package budget implements spend caps with lazy period resets and the
// admission checker the pipeline consults before each provider call.
// Admission uses an estimated cost; the post-call actual cost is what is
// committed to the ledger.
package budget

import (
	"fmt"
	"math"
	"time"
)

// Scope discriminates who a budget belongs to.
type Scope string

const (
	ScopeApplication  Scope = "APPLICATION"
	ScopeUser         Scope = "USER"
	ScopeOrganization Scope = "ORGANIZATION"
)

// Period is the budget accounting window.
type Period string

const (
	PeriodHourly  Period = "HOURLY"
	PeriodDaily   Period = "DAILY"
	PeriodWeekly  Period = "WEEKLY"
	PeriodMonthly Period = "MONTHLY"
)

// Duration returns the accounting window length. Monthly windows use a
// fixed 30 days; the reset is lazy so drift only shifts the boundary, never
// loses spend.
func (p Period) Duration() time.Duration {
	switch p {
	case PeriodHourly:
		return time.Hour
	case PeriodDaily:
		return 24 * time.Hour
	case PeriodWeekly:
		return 7 * 24 * time.Hour
	case PeriodMonthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// SoftWarnPercent is the usage percentage at which the checker attaches a
// soft warning to otherwise-allowed requests.
const SoftWarnPercent = 80.0

// Budget is one spend cap over a period for an application, user, or
// organization. Optional Feature and Environment fields narrow which
// requests it applies to.
type Budget struct {
	ID             int64     `json:"id"`
	Scope          Scope     `json:"scope"`
	AppID          string    `json:"app_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	OrgID          string    `json:"org_id,omitempty"`
	SoftLimitUSD   float64   `json:"soft_limit_usd"`
	HardLimitUSD   float64   `json:"hard_limit_usd"`
	Period         Period    `json:"period"`
	CurrentSpendUSD float64  `json:"current_spend_usd"`
	PeriodStart    time.Time `json:"period_start"`
	Feature        string    `json:"feature,omitempty"`
	Environment    string    `json:"environment,omitempty"`
}

// Validate checks the hard >= soft > 0 invariant.
func (b *Budget) Validate() error {
	if b.SoftLimitUSD <= 0 {
		return fmt.Errorf("soft limit must be positive, got %f", b.SoftLimitUSD)
	}
	if b.HardLimitUSD < b.SoftLimitUSD {
		return fmt.Errorf("hard limit %f must be >= soft limit %f", b.HardLimitUSD, b.SoftLimitUSD)
	}
	return nil
}

// ResetIfElapsed zeroes the spend and restarts the window when the period
// has passed. Called on every read or write; returns true when a reset
// happened. The reset is idempotent: a second call in the fresh window is a
// no-op.
func (b *Budget) ResetIfElapsed(now time.Time) bool {
	if now.Sub(b.PeriodStart) <= b.Period.Duration() {
		return false
	}
	b.CurrentSpendUSD = 0
	b.PeriodStart = now
	return true
}

// RecordUsage commits an actual spend delta, applying the lazy period reset
// first. Deltas are the settled post-call cost, never the estimate.
func (b *Budget) RecordUsage(delta float64, now time.Time) {
	b.ResetIfElapsed(now)
	b.CurrentSpendUSD += delta
}

// RemainingUSD is the headroom under the hard limit, floored at zero.
func (b *Budget) RemainingUSD() float64 {
	return math.Max(0, b.HardLimitUSD-b.CurrentSpendUSD)
}

// UsagePercent is current spend over the hard limit, as a percentage.
func (b *Budget) UsagePercent() float64 {
	if b.HardLimitUSD <= 0 {
		return 0
	}
	return b.CurrentSpendUSD / b.HardLimitUSD * 100
}

// IsExceeded reports whether spend has reached the hard limit.
func (b *Budget) IsExceeded() bool {
	return b.CurrentSpendUSD >= b.HardLimitUSD
}

// AppliesTo checks the optional feature/environment filters against a
// request. Empty filter fields match everything.
func (b *Budget) AppliesTo(feature, environment string) bool {
	if b.Feature != "" && b.Feature != feature {
		return false
	}
	if b.Environment != "" && b.Environment != environment {
		return false
	}
	return true
}

// label identifies a budget in reason strings.
func (b *Budget) label() string {
	switch b.Scope {
	case ScopeUser:
		return fmt.Sprintf("user budget %d (%s)", b.ID, b.UserID)
	case ScopeOrganization:
		return fmt.Sprintf("org budget %d (%s)", b.ID, b.OrgID)
	default:
		return fmt.Sprintf("app budget %d (%s)", b.ID, b.AppID)
	}
}
