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

// Package policy implements the ordered policy evaluator and the pure
// condition-matching predicates it is built on. Evaluation is side-effect
// free: rules and a request context go in, an explainable decision comes out.
package policy

import (
	"encoding/json"
	"fmt"
)

// Action is the effect a policy rule has when it matches a request.
type Action string

const (
	ActionAllow Action = "allow"
	ActionWarn  Action = "warn"
	ActionDeny  Action = "deny"
)

// Outcome is the aggregate verdict of a policy evaluation.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeWarn  Outcome = "warn"
	OutcomeDeny  Outcome = "deny"
)

// Decision codes emitted by the evaluator. These are stable strings that
// appear in audit logs and client responses.
const (
	CodeNoPolicies        = "POLICY_NONE_DEFINED"
	CodeRuleDeny          = "POLICY_RULE_DENY"
	CodeTokenLimit        = "POLICY_TOKEN_LIMIT_EXCEEDED"
	CodeTimeWindow        = "POLICY_TIME_WINDOW_VIOLATION"
	CodeModelBlocked      = "POLICY_MODEL_BLOCKED"
	CodeCredentialModel   = "POLICY_CREDENTIAL_MODEL_BLOCKED"
)

// HourWindow is an inclusive [Start, End] hour-of-day window. A window where
// Start > End wraps around midnight (e.g. 22..6).
type HourWindow struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Conditions is the closed condition vocabulary a rule may carry. The
// persisted form is a JSON object; it is parsed once on load, not on every
// evaluation.
type Conditions struct {
	Environments     []string    `json:"environments,omitempty"`
	Apps             []string    `json:"apps,omitempty"`
	Features         []string    `json:"features,omitempty"`
	Models           []string    `json:"models,omitempty"`
	BlockedModels    []string    `json:"blocked_models,omitempty"`
	MaxTokens        *int        `json:"max_tokens,omitempty"`
	MaxContextTokens *int        `json:"max_context_tokens,omitempty"`
	AllowedHours     *HourWindow `json:"allowed_hours,omitempty"`
}

// IsEmpty reports whether no condition key is set.
func (c Conditions) IsEmpty() bool {
	return len(c.Environments) == 0 && len(c.Apps) == 0 && len(c.Features) == 0 &&
		len(c.Models) == 0 && len(c.BlockedModels) == 0 &&
		c.MaxTokens == nil && c.MaxContextTokens == nil && c.AllowedHours == nil
}

// Rule is an ordered, priority-weighted policy rule. ApplicationID is empty
// for global rules shared by every application.
type Rule struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Priority      int        `json:"priority"`
	Enabled       bool       `json:"enabled"`
	Action        Action     `json:"action"`
	ApplicationID string     `json:"application_id,omitempty"`
	Conditions    Conditions `json:"conditions"`
}

// RequestContext is everything the evaluator may inspect about one request.
type RequestContext struct {
	AppID        string
	Environment  string
	Feature      string // empty when the request asserts no feature
	Model        string
	InputTokens  int
	OutputTokens int
	MaxTokens    int // requested completion cap; 0 when unset

	// Hour overrides the wall-clock hour for time-window checks. Nil means
	// "use time.Now()". Tests pin this.
	Hour *int

	// AllowedModels is the credential-scoped model restriction carried on
	// the caller's application. Empty means no app-level restriction.
	AllowedModels []string
}

// MatchedRule records one rule that applied to the evaluated request.
type MatchedRule struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Action Action `json:"action"`
}

// Decision is the explainable result of a policy evaluation.
type Decision struct {
	Outcome      Outcome       `json:"outcome"`
	Code         string        `json:"code,omitempty"`
	MatchedRules []MatchedRule `json:"matched_rules,omitempty"`
	Reasons      []string      `json:"reasons,omitempty"`
	Warnings     []string      `json:"warnings,omitempty"`
}

// ParseConditions decodes a persisted conditions JSON object into the closed
// vocabulary. Both plural and singular key spellings are accepted and
// normalised to plural. Unknown keys are ignored for forward compatibility.
func ParseConditions(raw []byte) (Conditions, error) {
	var c Conditions
	if len(raw) == 0 {
		return c, nil
	}

	var blob map[string]json.RawMessage
	if err := json.Unmarshal(raw, &blob); err != nil {
		return c, fmt.Errorf("conditions are not a JSON object: %w", err)
	}

	stringList := func(key, singular string, dst *[]string) error {
		v, ok := blob[key]
		if !ok {
			v, ok = blob[singular]
		}
		if !ok {
			return nil
		}
		// A singular key may hold a bare string rather than a list.
		var one string
		if err := json.Unmarshal(v, &one); err == nil {
			*dst = []string{one}
			return nil
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("condition %q must be a string or string list: %w", key, err)
		}
		return nil
	}

	if err := stringList("environments", "environment", &c.Environments); err != nil {
		return c, err
	}
	if err := stringList("apps", "app", &c.Apps); err != nil {
		return c, err
	}
	if err := stringList("features", "feature", &c.Features); err != nil {
		return c, err
	}
	if err := stringList("models", "model", &c.Models); err != nil {
		return c, err
	}
	if err := stringList("blocked_models", "blocked_model", &c.BlockedModels); err != nil {
		return c, err
	}

	intPtr := func(key string, dst **int) error {
		v, ok := blob[key]
		if !ok {
			return nil
		}
		var n int
		if err := json.Unmarshal(v, &n); err != nil {
			return fmt.Errorf("condition %q must be an integer: %w", key, err)
		}
		*dst = &n
		return nil
	}

	if err := intPtr("max_tokens", &c.MaxTokens); err != nil {
		return c, err
	}
	if err := intPtr("max_context_tokens", &c.MaxContextTokens); err != nil {
		return c, err
	}

	if v, ok := blob["allowed_hours"]; ok {
		var pair []int
		if err := json.Unmarshal(v, &pair); err != nil || len(pair) != 2 {
			return c, fmt.Errorf("condition \"allowed_hours\" must be [startHour, endHour]")
		}
		c.AllowedHours = &HourWindow{Start: pair[0], End: pair[1]}
	}

	return c, nil
}
