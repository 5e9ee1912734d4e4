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

// Package feature implements the per-application feature registry and the
// admission check that gates requests on declared features.
//
// An application without a registry is fully permissive. With a registry,
// strict mode requires every request to resolve to a known, active feature;
// permissive mode lets unresolvable requests through.
package feature

import (
	"fmt"

	"aegisgate/gateway/policy"
)

// ============================================================
// Decision codes
// ============================================================

// Decision codes are stable strings; they appear in audit logs and the UI
// and must never be renamed.
const (
	CodeAllowed               = "ALLOWED"
	CodeAllowedNoRegistry     = "ALLOWED_NO_REGISTRY"
	CodeDeniedNoFeature       = "DENIED_NO_FEATURE_SPECIFIED"
	CodeDeniedUnknownFeature  = "DENIED_UNKNOWN_FEATURE"
	CodeDeniedDisabled        = "DENIED_FEATURE_DISABLED"
	CodeDeniedAction          = "DENIED_ACTION_NOT_ALLOWED"
	CodeDeniedModel           = "DENIED_MODEL_NOT_ALLOWED"
	CodeDeniedEnvironment     = "DENIED_ENVIRONMENT_NOT_ALLOWED"
	CodeDeniedTokenLimit      = "DENIED_TOKEN_LIMIT"
	CodeDeniedCostLimit       = "DENIED_COST_LIMIT"
	CodeDeniedRateLimit       = "DENIED_RATE_LIMIT"
)

// Definition declares one feature an application may exercise and the caps
// that apply to it.
type Definition struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name,omitempty"`
	Description          string   `json:"description,omitempty"`
	IsActive             bool     `json:"is_active"`
	AllowedActions       []string `json:"allowed_actions,omitempty"`
	AllowedModels        []string `json:"allowed_models,omitempty"`
	AllowedEnvironments  []string `json:"allowed_environments,omitempty"`
	MaxTokensPerRequest  int      `json:"max_tokens_per_request,omitempty"`
	MaxCostPerRequestUSD float64  `json:"max_cost_per_request_usd,omitempty"`
	MaxRequestsPerMinute int      `json:"max_requests_per_minute,omitempty"`
}

// Registry is one application's feature declarations.
type Registry struct {
	AppID            string                 `json:"app_id"`
	Strict           bool                   `json:"strict"`
	DefaultFeatureID string                 `json:"default_feature_id,omitempty"`
	Features         map[string]*Definition `json:"features"`
}

// CheckRequest carries the request attributes the feature check inspects.
type CheckRequest struct {
	AppID       string
	FeatureID   string
	Action      string
	Model       string
	Environment string
	EstTokens   int
	EstCostUSD  float64
}

// CheckResult is the outcome of a feature admission check.
type CheckResult struct {
	Allowed            bool              `json:"allowed"`
	Code               string            `json:"code"`
	FeatureID          string            `json:"feature_id,omitempty"`
	Reason             string            `json:"reason,omitempty"`
	AppliedConstraints map[string]string `json:"applied_constraints,omitempty"`
}

func deny(code, featureID, reason string) CheckResult {
	return CheckResult{Allowed: false, Code: code, FeatureID: featureID, Reason: reason}
}

// Check evaluates a request against a registry. A nil registry is
// permissive by definition.
func Check(reg *Registry, req CheckRequest) CheckResult {
	if reg == nil {
		return CheckResult{
			Allowed: true,
			Code:    CodeAllowedNoRegistry,
			Reason:  "no feature registry for application",
		}
	}

	featureID := req.FeatureID
	if featureID == "" {
		featureID = reg.DefaultFeatureID
	}
	if featureID == "" {
		if reg.Strict {
			return deny(CodeDeniedNoFeature, "",
				"strict mode requires a feature id and no default is set")
		}
		return CheckResult{Allowed: true, Code: CodeAllowed,
			Reason: "no feature specified, registry is permissive"}
	}

	def, ok := reg.Features[featureID]
	if !ok {
		if reg.Strict {
			return deny(CodeDeniedUnknownFeature, featureID,
				fmt.Sprintf("feature %q is not registered", featureID))
		}
		return CheckResult{Allowed: true, Code: CodeAllowed, FeatureID: featureID,
			Reason: fmt.Sprintf("unregistered feature %q allowed in permissive mode", featureID)}
	}

	if !def.IsActive {
		return deny(CodeDeniedDisabled, featureID,
			fmt.Sprintf("feature %q is disabled", featureID))
	}

	if len(def.AllowedActions) > 0 && !contains(def.AllowedActions, req.Action) {
		return deny(CodeDeniedAction, featureID,
			fmt.Sprintf("action %q not allowed for feature %q", req.Action, featureID))
	}

	if len(def.AllowedModels) > 0 {
		if ok, _ := policy.MatchesModel(req.Model, def.AllowedModels, nil); !ok {
			return deny(CodeDeniedModel, featureID,
				fmt.Sprintf("model %q not allowed for feature %q", req.Model, featureID))
		}
	}

	if len(def.AllowedEnvironments) > 0 && !contains(def.AllowedEnvironments, req.Environment) {
		return deny(CodeDeniedEnvironment, featureID,
			fmt.Sprintf("environment %q not allowed for feature %q", req.Environment, featureID))
	}

	if def.MaxTokensPerRequest > 0 && req.EstTokens > def.MaxTokensPerRequest {
		return deny(CodeDeniedTokenLimit, featureID,
			fmt.Sprintf("estimated %d tokens exceeds feature cap %d",
				req.EstTokens, def.MaxTokensPerRequest))
	}

	if def.MaxCostPerRequestUSD > 0 && req.EstCostUSD > def.MaxCostPerRequestUSD {
		return deny(CodeDeniedCostLimit, featureID,
			fmt.Sprintf("estimated cost $%.6f exceeds feature cap $%.6f",
				req.EstCostUSD, def.MaxCostPerRequestUSD))
	}

	result := CheckResult{Allowed: true, Code: CodeAllowed, FeatureID: featureID}
	result.AppliedConstraints = appliedConstraints(def)
	return result
}

// appliedConstraints echoes the caps enforced downstream so callers can see
// which limits governed an allowed request.
func appliedConstraints(def *Definition) map[string]string {
	constraints := make(map[string]string)
	if def.MaxTokensPerRequest > 0 {
		constraints["max_tokens_per_request"] = fmt.Sprintf("%d", def.MaxTokensPerRequest)
	}
	if def.MaxCostPerRequestUSD > 0 {
		constraints["max_cost_per_request_usd"] = fmt.Sprintf("%.6f", def.MaxCostPerRequestUSD)
	}
	if def.MaxRequestsPerMinute > 0 {
		constraints["max_requests_per_minute"] = fmt.Sprintf("%d", def.MaxRequestsPerMinute)
	}
	if len(def.AllowedModels) > 0 {
		constraints["allowed_models"] = fmt.Sprintf("%v", def.AllowedModels)
	}
	if len(constraints) == 0 {
		return nil
	}
	return constraints
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
