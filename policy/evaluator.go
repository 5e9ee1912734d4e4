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
	"sort"
)

// Evaluate runs the ordered rule list against a request context and returns
// an explainable decision.
//
// Rules are evaluated by priority, highest first. A rule applies when its
// scope conditions (environments, apps, features) all match the context; a
// rule that does not apply is skipped entirely. When a rule applies its
// constraint conditions (models, token limits, hour windows) are checked:
// a violated constraint on a deny rule short-circuits the evaluation, a
// violated constraint on a warn rule accumulates a warning. A rule with no
// constraint conditions triggers its action on scope match alone.
//
// After the rule loop the credential-scoped model restriction from the
// caller's application is enforced; a violation there is always a deny.
func Evaluate(rules []Rule, ctx RequestContext) Decision {
	if len(rules) == 0 {
		return Decision{
			Outcome: OutcomeAllow,
			Reasons: []string{"no policies defined"},
		}
	}

	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	decision := Decision{Outcome: OutcomeAllow}

	for _, rule := range ordered {
		if !rule.Enabled {
			continue
		}
		if !ruleApplies(rule, ctx) {
			continue
		}

		decision.MatchedRules = append(decision.MatchedRules, MatchedRule{
			ID:     rule.ID,
			Name:   rule.Name,
			Action: rule.Action,
		})

		violations := checkConstraints(rule.Conditions, ctx)

		if len(violations) == 0 && !hasConstraints(rule.Conditions) {
			// Scope-only rule: matching it triggers the action directly.
			violations = []violation{{
				code:   CodeRuleDeny,
				reason: fmt.Sprintf("rule %q matched", rule.Name),
			}}
		}

		for _, v := range violations {
			switch rule.Action {
			case ActionDeny:
				decision.Outcome = OutcomeDeny
				decision.Code = v.code
				decision.Reasons = append(decision.Reasons,
					fmt.Sprintf("rule %q: %s", rule.Name, v.reason))
				return decision
			case ActionWarn:
				decision.Warnings = append(decision.Warnings,
					fmt.Sprintf("rule %q: %s", rule.Name, v.reason))
			case ActionAllow:
				// Explicit allow: record the reason, keep evaluating.
				decision.Reasons = append(decision.Reasons,
					fmt.Sprintf("rule %q allows the request", rule.Name))
			}
		}
	}

	// Credential-scoped model restriction from the application record.
	if len(ctx.AllowedModels) > 0 {
		if ok, reason := MatchesModel(ctx.Model, ctx.AllowedModels, nil); !ok {
			decision.Outcome = OutcomeDeny
			decision.Code = CodeCredentialModel
			decision.Reasons = append(decision.Reasons,
				fmt.Sprintf("application credential: %s", reason))
			return decision
		}
	}

	if len(decision.Warnings) > 0 {
		decision.Outcome = OutcomeWarn
	}
	return decision
}

// ruleApplies checks the scope conditions plus the rule's own application
// binding. Missing context fields make a condition non-matching, which skips
// the rule rather than failing the request.
func ruleApplies(rule Rule, ctx RequestContext) bool {
	if rule.ApplicationID != "" && rule.ApplicationID != ctx.AppID {
		return false
	}
	if ok, _ := MatchesEnvironment(ctx.Environment, rule.Conditions.Environments, nil); !ok {
		return false
	}
	if ok, _ := MatchesApp(ctx.AppID, rule.Conditions.Apps); !ok {
		return false
	}
	if ok, _ := MatchesFeature(ctx.Feature, rule.Conditions.Features); !ok {
		return false
	}
	return true
}

type violation struct {
	code   string
	reason string
}

// hasConstraints reports whether the rule carries any constraint condition
// (as opposed to scope conditions only).
func hasConstraints(c Conditions) bool {
	return len(c.Models) > 0 || len(c.BlockedModels) > 0 ||
		c.MaxTokens != nil || c.MaxContextTokens != nil || c.AllowedHours != nil
}

// checkConstraints returns every violated constraint for an applying rule.
func checkConstraints(c Conditions, ctx RequestContext) []violation {
	var violations []violation

	if c.MaxTokens != nil {
		total := ctx.InputTokens + ctx.MaxTokens
		if total > *c.MaxTokens {
			violations = append(violations, violation{
				code:   CodeTokenLimit,
				reason: fmt.Sprintf("estimated %d tokens exceed limit %d", total, *c.MaxTokens),
			})
		}
	}
	if c.MaxContextTokens != nil && ctx.InputTokens > *c.MaxContextTokens {
		violations = append(violations, violation{
			code:   CodeTokenLimit,
			reason: fmt.Sprintf("context of %d tokens exceeds limit %d", ctx.InputTokens, *c.MaxContextTokens),
		})
	}

	if c.AllowedHours != nil {
		if ok, reason := MatchesTime(c.AllowedHours, ctx.Hour); !ok {
			violations = append(violations, violation{code: CodeTimeWindow, reason: reason})
		}
	}

	// A rule listing models restricts those models: the constraint is
	// violated when the request's model matches a listed pattern.
	for _, pattern := range append(append([]string{}, c.Models...), c.BlockedModels...) {
		if modelPatternMatch(ctx.Model, pattern) {
			violations = append(violations, violation{
				code:   CodeModelBlocked,
				reason: fmt.Sprintf("model %q matches restricted pattern %q", ctx.Model, pattern),
			})
			break
		}
	}

	return violations
}
