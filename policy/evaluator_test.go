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
	"testing"
)

func baseContext() RequestContext {
	return RequestContext{
		AppID:       "test-app",
		Environment: "production",
		Feature:     "chat",
		Model:       "gpt-4",
		InputTokens: 50,
		MaxTokens:   500,
		Hour:        intp(12),
	}
}

func TestEvaluateNoRules(t *testing.T) {
	d := Evaluate(nil, baseContext())
	if d.Outcome != OutcomeAllow {
		t.Errorf("expected allow, got %s", d.Outcome)
	}
	if len(d.Reasons) == 0 || d.Reasons[0] != "no policies defined" {
		t.Errorf("expected 'no policies defined' reason, got %v", d.Reasons)
	}
}

func TestEvaluateModelDeny(t *testing.T) {
	rules := []Rule{
		{
			ID: "r1", Name: "block claude", Priority: 10, Enabled: true,
			Action:     ActionDeny,
			Conditions: Conditions{Models: []string{"claude-*"}},
		},
	}

	ctx := baseContext()
	ctx.Model = "claude-3-opus"

	d := Evaluate(rules, ctx)
	if d.Outcome != OutcomeDeny {
		t.Fatalf("expected deny, got %s", d.Outcome)
	}
	if d.Code != CodeModelBlocked {
		t.Errorf("expected %s, got %s", CodeModelBlocked, d.Code)
	}
	if len(d.MatchedRules) != 1 || d.MatchedRules[0].ID != "r1" {
		t.Errorf("deny rule should be in matched_rules, got %v", d.MatchedRules)
	}
}

func TestEvaluateModelRuleDoesNotFireForOtherModels(t *testing.T) {
	rules := []Rule{
		{
			ID: "r1", Name: "block claude", Priority: 10, Enabled: true,
			Action:     ActionDeny,
			Conditions: Conditions{Models: []string{"claude-*"}},
		},
	}

	d := Evaluate(rules, baseContext()) // model gpt-4
	if d.Outcome != OutcomeAllow {
		t.Errorf("expected allow for non-restricted model, got %s", d.Outcome)
	}
}

func TestEvaluateDisabledRulesSkipped(t *testing.T) {
	rules := []Rule{
		{
			ID: "r1", Name: "disabled deny", Priority: 100, Enabled: false,
			Action:     ActionDeny,
			Conditions: Conditions{Models: []string{"gpt-*"}},
		},
	}

	d := Evaluate(rules, baseContext())
	if d.Outcome != OutcomeAllow {
		t.Errorf("disabled rule must not fire, got %s", d.Outcome)
	}
	if len(d.MatchedRules) != 0 {
		t.Errorf("disabled rule must not be recorded as matched, got %v", d.MatchedRules)
	}
}

func TestEvaluatePriorityOrderFirstDenyWins(t *testing.T) {
	rules := []Rule{
		{
			ID: "low", Name: "low priority warn", Priority: 1, Enabled: true,
			Action:     ActionWarn,
			Conditions: Conditions{MaxTokens: intp(100)},
		},
		{
			ID: "high", Name: "high priority deny", Priority: 50, Enabled: true,
			Action:     ActionDeny,
			Conditions: Conditions{MaxTokens: intp(100)},
		},
	}

	d := Evaluate(rules, baseContext()) // 50 + 500 tokens > 100
	if d.Outcome != OutcomeDeny {
		t.Fatalf("expected deny, got %s", d.Outcome)
	}
	// The higher-priority rule short-circuits before the warn rule runs.
	if len(d.MatchedRules) != 1 || d.MatchedRules[0].ID != "high" {
		t.Errorf("expected only the high-priority rule matched, got %v", d.MatchedRules)
	}
}

func TestEvaluateWarnAccumulates(t *testing.T) {
	rules := []Rule{
		{
			ID: "w1", Name: "token warn", Priority: 10, Enabled: true,
			Action:     ActionWarn,
			Conditions: Conditions{MaxTokens: intp(100)},
		},
		{
			ID: "w2", Name: "hours warn", Priority: 5, Enabled: true,
			Action:     ActionWarn,
			Conditions: Conditions{AllowedHours: &HourWindow{Start: 0, End: 6}},
		},
	}

	d := Evaluate(rules, baseContext()) // violates both at hour 12
	if d.Outcome != OutcomeWarn {
		t.Fatalf("expected warn, got %s", d.Outcome)
	}
	if len(d.Warnings) != 2 {
		t.Errorf("expected 2 warnings, got %v", d.Warnings)
	}
}

func TestEvaluateScopeSkipsNonApplyingRules(t *testing.T) {
	rules := []Rule{
		{
			ID: "r1", Name: "staging only", Priority: 10, Enabled: true,
			Action: ActionDeny,
			Conditions: Conditions{
				Environments: []string{"staging"},
				Models:       []string{"gpt-*"},
			},
		},
		{
			ID: "r2", Name: "other app only", Priority: 10, Enabled: true,
			Action:        ActionDeny,
			ApplicationID: "someone-else",
			Conditions:    Conditions{Models: []string{"gpt-*"}},
		},
	}

	d := Evaluate(rules, baseContext()) // production, test-app
	if d.Outcome != OutcomeAllow {
		t.Errorf("non-applying rules must be skipped, got %s", d.Outcome)
	}
	if len(d.MatchedRules) != 0 {
		t.Errorf("skipped rules must not be matched, got %v", d.MatchedRules)
	}
}

func TestEvaluateScopeOnlyDenyRule(t *testing.T) {
	rules := []Rule{
		{
			ID: "r1", Name: "block app entirely", Priority: 10, Enabled: true,
			Action:     ActionDeny,
			Conditions: Conditions{Apps: []string{"test-app"}},
		},
	}

	d := Evaluate(rules, baseContext())
	if d.Outcome != OutcomeDeny {
		t.Fatalf("scope-only deny rule should fire on scope match, got %s", d.Outcome)
	}
	if d.Code != CodeRuleDeny {
		t.Errorf("expected %s, got %s", CodeRuleDeny, d.Code)
	}
}

func TestEvaluateHourWindowDeny(t *testing.T) {
	rules := []Rule{
		{
			ID: "r1", Name: "business hours", Priority: 10, Enabled: true,
			Action:     ActionDeny,
			Conditions: Conditions{AllowedHours: &HourWindow{Start: 9, End: 17}},
		},
	}

	ctx := baseContext()
	ctx.Hour = intp(22)

	d := Evaluate(rules, ctx)
	if d.Outcome != OutcomeDeny {
		t.Fatalf("expected deny outside window, got %s", d.Outcome)
	}
	if d.Code != CodeTimeWindow {
		t.Errorf("expected %s, got %s", CodeTimeWindow, d.Code)
	}

	ctx.Hour = intp(12)
	d = Evaluate(rules, ctx)
	if d.Outcome != OutcomeAllow {
		t.Errorf("expected allow inside window, got %s", d.Outcome)
	}
}

func TestEvaluateCredentialModelRestriction(t *testing.T) {
	ctx := baseContext()
	ctx.AllowedModels = []string{"gpt-3.5-*"}

	d := Evaluate([]Rule{{ID: "r", Name: "noop", Priority: 1, Enabled: true, Action: ActionAllow, Conditions: Conditions{Apps: []string{"other"}}}}, ctx)
	if d.Outcome != OutcomeDeny {
		t.Fatalf("expected credential-level deny, got %s", d.Outcome)
	}
	if d.Code != CodeCredentialModel {
		t.Errorf("expected %s, got %s", CodeCredentialModel, d.Code)
	}

	ctx.AllowedModels = []string{"gpt-*"}
	d = Evaluate(nil, ctx)
	if d.Outcome != OutcomeAllow {
		t.Errorf("expected allow for permitted model, got %s", d.Outcome)
	}
}

// Universal invariant: a deny outcome implies a matched deny rule or a
// credential-level model violation.
func TestEvaluateDenyInvariant(t *testing.T) {
	ruleSets := [][]Rule{
		nil,
		{{ID: "a", Name: "warn tokens", Priority: 3, Enabled: true, Action: ActionWarn, Conditions: Conditions{MaxTokens: intp(10)}}},
		{{ID: "b", Name: "deny model", Priority: 9, Enabled: true, Action: ActionDeny, Conditions: Conditions{Models: []string{"gpt-*"}}}},
		{{ID: "c", Name: "deny hours", Priority: 2, Enabled: true, Action: ActionDeny, Conditions: Conditions{AllowedHours: &HourWindow{Start: 0, End: 1}}}},
	}

	for _, rules := range ruleSets {
		for _, allowedModels := range [][]string{nil, {"claude-*"}} {
			ctx := baseContext()
			ctx.AllowedModels = allowedModels

			d := Evaluate(rules, ctx)
			if d.Outcome != OutcomeDeny {
				continue
			}

			credentialViolation := d.Code == CodeCredentialModel
			var matchedDeny bool
			for _, m := range d.MatchedRules {
				if m.Action == ActionDeny {
					matchedDeny = true
				}
			}
			if !matchedDeny && !credentialViolation {
				t.Errorf("deny outcome without matched deny rule or credential violation: %+v", d)
			}
		}
	}
}
