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

package policy

import (
	"fmt"
	"strings"
	"time"
)

// The condition matchers below are pure predicates. Each returns whether the
// value matches plus a short human-readable reason when it does not. Absent
// (nil/empty) constraint inputs mean "no restriction" and match everything.

// MatchesEnvironment checks an environment against allow and deny lists.
// The deny list wins over the allow list.
func MatchesEnvironment(env string, allowed, denied []string) (bool, string) {
	for _, d := range denied {
		if d == env {
			return false, fmt.Sprintf("environment %q is denied", env)
		}
	}
	if len(allowed) == 0 {
		return true, ""
	}
	for _, a := range allowed {
		if a == env {
			return true, ""
		}
	}
	return false, fmt.Sprintf("environment %q is not in the allowed set", env)
}

// MatchesModel checks a model name against allow and deny pattern lists.
// Patterns match exactly, or by prefix when they carry a single trailing "*"
// (e.g. "claude-*"). The deny list wins regardless of the allow list.
func MatchesModel(model string, allowed, denied []string) (bool, string) {
	for _, d := range denied {
		if modelPatternMatch(model, d) {
			return false, fmt.Sprintf("model %q matches denied pattern %q", model, d)
		}
	}
	if len(allowed) == 0 {
		return true, ""
	}
	for _, a := range allowed {
		if modelPatternMatch(model, a) {
			return true, ""
		}
	}
	return false, fmt.Sprintf("model %q is not in the allowed set", model)
}

// modelPatternMatch matches exactly, or as a prefix when the pattern ends
// with a single "*".
func modelPatternMatch(model, pattern string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(model, strings.TrimSuffix(pattern, "*"))
	}
	return model == pattern
}

// MatchesFeature checks a feature against an allow list. A request that
// asserts no feature (empty string) matches any feature constraint.
func MatchesFeature(feature string, allowed []string) (bool, string) {
	if feature == "" || len(allowed) == 0 {
		return true, ""
	}
	for _, a := range allowed {
		if a == feature {
			return true, ""
		}
	}
	return false, fmt.Sprintf("feature %q is not in the allowed set", feature)
}

// MatchesApp checks an application id against an allow list. The literal
// "*" entry matches any application.
func MatchesApp(appID string, allowed []string) (bool, string) {
	if len(allowed) == 0 {
		return true, ""
	}
	for _, a := range allowed {
		if a == "*" || a == appID {
			return true, ""
		}
	}
	return false, fmt.Sprintf("app %q is not in the allowed set", appID)
}

// MatchesTokens checks token counts against optional per-component limits.
// Nil inputs skip the corresponding check.
func MatchesTokens(input, output, maxInput, maxOutput, maxTotal *int) (bool, string) {
	if input != nil && maxInput != nil && *input > *maxInput {
		return false, fmt.Sprintf("input tokens %d exceed limit %d", *input, *maxInput)
	}
	if output != nil && maxOutput != nil && *output > *maxOutput {
		return false, fmt.Sprintf("output tokens %d exceed limit %d", *output, *maxOutput)
	}
	if maxTotal != nil {
		total := 0
		if input != nil {
			total += *input
		}
		if output != nil {
			total += *output
		}
		if total > *maxTotal {
			return false, fmt.Sprintf("total tokens %d exceed limit %d", total, *maxTotal)
		}
	}
	return true, ""
}

// MatchesTime checks the hour of day against an inclusive window. A window
// whose start exceeds its end wraps around midnight. A nil currentHour uses
// the wall clock.
func MatchesTime(window *HourWindow, currentHour *int) (bool, string) {
	if window == nil {
		return true, ""
	}

	h := time.Now().Hour()
	if currentHour != nil {
		h = *currentHour
	}

	if window.Start <= window.End {
		if h >= window.Start && h <= window.End {
			return true, ""
		}
	} else if h >= window.Start || h <= window.End {
		return true, ""
	}

	return false, fmt.Sprintf("hour %d is outside allowed window [%d, %d]", h, window.Start, window.End)
}

// MatchResult reports which condition keys matched and which failed for one
// conditions object evaluated against a request context.
type MatchResult struct {
	Matches     bool     `json:"matches"`
	MatchedKeys []string `json:"matched_keys,omitempty"`
	FailedKeys  []string `json:"failed_keys,omitempty"`
	Reasons     []string `json:"reasons,omitempty"`
}

// MatchConditions evaluates every set condition key against the context and
// records per-key outcomes. All set keys must match for the result to match.
func MatchConditions(c Conditions, ctx RequestContext) MatchResult {
	result := MatchResult{Matches: true}

	record := func(key string, ok bool, reason string) {
		if ok {
			result.MatchedKeys = append(result.MatchedKeys, key)
			return
		}
		result.Matches = false
		result.FailedKeys = append(result.FailedKeys, key)
		if reason != "" {
			result.Reasons = append(result.Reasons, reason)
		}
	}

	if len(c.Environments) > 0 {
		ok, reason := MatchesEnvironment(ctx.Environment, c.Environments, nil)
		record("environments", ok, reason)
	}
	if len(c.Apps) > 0 {
		ok, reason := MatchesApp(ctx.AppID, c.Apps)
		record("apps", ok, reason)
	}
	if len(c.Features) > 0 {
		ok, reason := MatchesFeature(ctx.Feature, c.Features)
		record("features", ok, reason)
	}
	if len(c.Models) > 0 || len(c.BlockedModels) > 0 {
		ok, reason := MatchesModel(ctx.Model, c.Models, c.BlockedModels)
		record("models", ok, reason)
	}
	if c.MaxTokens != nil || c.MaxContextTokens != nil {
		input := ctx.InputTokens
		requested := ctx.MaxTokens
		total := input + requested
		ok, reason := MatchesTokens(&input, &requested, c.MaxContextTokens, nil, nil)
		if ok {
			ok, reason = MatchesTokens(&total, nil, c.MaxTokens, nil, nil)
		}
		record("max_tokens", ok, reason)
	}
	if c.AllowedHours != nil {
		ok, reason := MatchesTime(c.AllowedHours, ctx.Hour)
		record("allowed_hours", ok, reason)
	}

	return result
}
