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

package pipeline

import (
	"aegisgate/gateway/llm"
)

// Outcome is the terminal disposition of a request.
type Outcome string

const (
	OutcomeAllow  Outcome = "allow"
	OutcomeWarn   Outcome = "warn"
	OutcomeDeny   Outcome = "deny"
	OutcomeBlock  Outcome = "block"
	OutcomeError  Outcome = "error"
	OutcomeDryRun Outcome = "dry_run"
)

// Pipeline stage names, in execution order. They appear verbatim in trace
// spans and decision chains.
const (
	StageAbuseCheck    = "abuse_check"
	StageFeatureCheck  = "feature_check"
	StageRateLimit     = "rate_limit"
	StagePolicyCheck   = "policy_check"
	StageSecurityCheck = "security_check"
	StageBudgetCheck   = "budget_check"
	StageKeyResolution = "key_resolution"
	StageLLMCall       = "llm_call"
	StageLedger        = "ledger"
)

// Denial codes issued by the pipeline itself. Sub-engine codes (POLICY_*,
// DENIED_*) pass through unchanged.
const (
	CodeDeniedAbuse     = "DENIED_ABUSE"
	CodeBudgetHardLimit = "BUDGET_HARD_LIMIT_EXCEEDED"
	CodeMissingAPIKey   = "MISSING_API_KEY"
	CodeDecryptFailed   = "API_KEY_DECRYPT_FAILED"
)

// StageResult is one stage's contribution to the decision chain.
type StageResult struct {
	Name   string `json:"stage"`
	Passed bool   `json:"passed"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Decision is the explainable result of one pipeline run.
type Decision struct {
	RequestID     string        `json:"request_id"`
	Outcome       Outcome       `json:"outcome"`
	Code          string        `json:"code,omitempty"`
	PrimaryReason string        `json:"primary_reason,omitempty"`
	Chain         []StageResult `json:"decision_chain,omitempty"`
	Warnings      []string      `json:"warnings,omitempty"`

	// SecurityFindings holds detector names from the security stage so
	// callers can surface them separately from generic warnings.
	SecurityFindings []string `json:"security_findings,omitempty"`

	// EstimatedCostUSD is the admission-time estimate. For blocked
	// requests this is the cost avoided.
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`

	// ActualCostUSD is the settled ledger cost; zero until the provider
	// call completes.
	ActualCostUSD float64 `json:"actual_cost_usd,omitempty"`

	Usage    llm.Usage         `json:"usage,omitempty"`
	Response *llm.ChatResponse `json:"-"`
}

// Blocked reports whether the pipeline refused the request before the
// provider call.
func (d *Decision) Blocked() bool {
	switch d.Outcome {
	case OutcomeDeny, OutcomeBlock:
		return true
	default:
		return false
	}
}

func (d *Decision) record(name string, passed bool, code, reason string) {
	d.Chain = append(d.Chain, StageResult{Name: name, Passed: passed, Code: code, Reason: reason})
}

// reasons flattens the chain into trace decision reasons.
func (d *Decision) reasons() []string {
	var out []string
	for _, s := range d.Chain {
		if s.Reason != "" {
			out = append(out, s.Name+": "+s.Reason)
		}
	}
	return out
}
