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

// Package security implements the content guard: compiled-regex detection
// of prompt injection, leaked secrets, and PII in chat messages.
//
// The guard is detect-only. It never denies a request on its own; findings
// are attached to the decision as warnings and to the trace's risk
// categories.
package security

import (
	"fmt"
	"regexp"
)

// Category classifies a finding.
type Category string

const (
	CategoryInjection Category = "prompt_injection"
	CategorySecret    Category = "secret"
	CategoryPII       Category = "pii"
	CategoryStructure Category = "message_structure"
)

// Severity grades a finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityWeight feeds the aggregate risk score.
var severityWeight = map[Severity]float64{
	SeverityLow:      0.1,
	SeverityMedium:   0.3,
	SeverityHigh:     0.7,
	SeverityCritical: 1.0,
}

// severityRank orders severities for max-merging.
var severityRank = map[Severity]int{
	"":               0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Message is one chat message as seen by the guard.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Finding is a single detection.
type Finding struct {
	Category       Category `json:"category"`
	Severity       Severity `json:"severity"`
	Description    string   `json:"description"`
	PatternMatched string   `json:"pattern_matched"`
	MessageIndex   int      `json:"message_index"`
}

// Result aggregates the findings for one prompt.
type Result struct {
	Findings  []Finding `json:"findings,omitempty"`
	Issues    []string  `json:"issues,omitempty"`
	RiskLevel Severity  `json:"risk_level,omitempty"`
	RiskScore float64   `json:"risk_score"`
}

// pattern couples a compiled regexp with its classification.
type pattern struct {
	re          *regexp.Regexp
	severity    Severity
	description string
}

// Guard holds the compiled pattern banks. Safe for concurrent use; compile
// once at startup.
type Guard struct {
	injection []pattern // user-role messages only
	secrets   []pattern // all roles
	pii       []pattern // all roles
}

// NewGuard compiles the default pattern banks.
func NewGuard() *Guard {
	mk := func(expr string, sev Severity, desc string) pattern {
		return pattern{re: regexp.MustCompile(expr), severity: sev, description: desc}
	}

	return &Guard{
		injection: []pattern{
			mk(`(?i)ignore\s+(all\s+)?previous\s+instructions`, SeverityHigh, "instruction override attempt"),
			mk(`(?i)disregard\s+(all\s+)?previous\s+instructions`, SeverityHigh, "instruction override attempt"),
			mk(`(?i)forget\s+everything`, SeverityHigh, "context wipe attempt"),
			mk(`(?i)you\s+are\s+now\s+\w+`, SeverityMedium, "persona override attempt"),
			mk(`(?i)pretend\s+(to\s+be|you\s+are)`, SeverityMedium, "persona impersonation attempt"),
			mk(`(?i)act\s+as\s+(if|a|an)\b`, SeverityMedium, "persona impersonation attempt"),
			mk(`(?i)new\s+instructions\s*:`, SeverityHigh, "injected instruction block"),
			mk(`(?i)^\s*system\s*:`, SeverityHigh, "system role marker in content"),
			mk(`(?i)\[\s*system\s*\]`, SeverityHigh, "system role marker in content"),
			mk(`<\|im_start\|>`, SeverityCritical, "chat template token injection"),
			mk(`<\|endoftext\|>`, SeverityCritical, "chat template token injection"),
			mk(`(?i)ignore\s+safety`, SeverityCritical, "safety bypass attempt"),
			mk(`(?i)bypass\s+(the\s+)?filter`, SeverityCritical, "filter bypass attempt"),
		},
		secrets: []pattern{
			mk(`(?i)password\s*=\s*\S+`, SeverityHigh, "password assignment"),
			mk(`(?i)api_key\s*=\s*\S+`, SeverityHigh, "API key assignment"),
			mk(`(?i)secret\s*=\s*\S+`, SeverityHigh, "secret assignment"),
			mk(`\bsk-[A-Za-z0-9]{20,}\b`, SeverityCritical, "provider API key"),
			mk(`(?i)\bBearer\s+[A-Za-z0-9\-_.~+/]{16,}=*`, SeverityHigh, "bearer token"),
			mk(`-----BEGIN\s+RSA\s+PRIVATE\s+KEY-----`, SeverityCritical, "RSA private key"),
			mk(`(?i)aws_access_key_id\s*=\s*\S+`, SeverityCritical, "AWS access key"),
			mk(`\bghp_[A-Za-z0-9]{36}\b`, SeverityCritical, "GitHub personal access token"),
			mk(`\bxox[bapr]-[A-Za-z0-9\-]+`, SeverityCritical, "Slack token"),
		},
		pii: []pattern{
			mk(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`, SeverityMedium, "email address"),
			mk(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`, SeverityMedium, "phone number"),
			mk(`\b\d{3}-\d{2}-\d{4}\b`, SeverityHigh, "US social security number"),
			mk(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`, SeverityCritical, "credit card number"),
		},
	}
}

// CheckPrompt scans the messages against the pattern banks. Injection
// patterns apply only to user-role messages; secret and PII patterns apply
// to every role.
func (g *Guard) CheckPrompt(messages []Message) Result {
	var result Result

	for i, msg := range messages {
		if msg.Role == "user" {
			g.scan(&result, msg.Content, i, CategoryInjection, g.injection)
		}
		g.scan(&result, msg.Content, i, CategorySecret, g.secrets)
		g.scan(&result, msg.Content, i, CategoryPII, g.pii)
	}

	result.finalize()
	return result
}

// scan applies one pattern bank to a message.
func (g *Guard) scan(result *Result, content string, index int, category Category, bank []pattern) {
	for _, p := range bank {
		if p.re.MatchString(content) {
			result.Findings = append(result.Findings, Finding{
				Category:       category,
				Severity:       p.severity,
				Description:    p.description,
				PatternMatched: p.re.String(),
				MessageIndex:   index,
			})
			result.Issues = append(result.Issues,
				fmt.Sprintf("%s: %s (message %d)", category, p.description, index))
		}
	}
}

// CheckMessageStructure validates the chat message envelope: roles come
// from a closed set, at most one system message, system first, and content
// is non-empty except for tool/function messages.
func (g *Guard) CheckMessageStructure(messages []Message) Result {
	var result Result

	addIssue := func(index int, severity Severity, desc string) {
		result.Findings = append(result.Findings, Finding{
			Category:     CategoryStructure,
			Severity:     severity,
			Description:  desc,
			MessageIndex: index,
		})
		result.Issues = append(result.Issues, fmt.Sprintf("%s: %s (message %d)", CategoryStructure, desc, index))
	}

	validRoles := map[string]bool{
		"system": true, "user": true, "assistant": true, "tool": true, "function": true,
	}

	systemCount := 0
	for i, msg := range messages {
		if !validRoles[msg.Role] {
			addIssue(i, SeverityMedium, fmt.Sprintf("unknown role %q", msg.Role))
		}
		if msg.Role == "system" {
			systemCount++
			if i != 0 {
				addIssue(i, SeverityMedium, "system message must come first")
			}
		}
		if msg.Content == "" && msg.Role != "tool" && msg.Role != "function" {
			addIssue(i, SeverityLow, "empty message content")
		}
	}
	if systemCount > 1 {
		addIssue(0, SeverityMedium, fmt.Sprintf("%d system messages, at most one allowed", systemCount))
	}

	result.finalize()
	return result
}

// FullAnalysis runs both prompt scanning and structure validation and
// max-merges the risk.
func (g *Guard) FullAnalysis(messages []Message) Result {
	prompt := g.CheckPrompt(messages)
	structure := g.CheckMessageStructure(messages)

	merged := Result{
		Findings: append(prompt.Findings, structure.Findings...),
		Issues:   append(prompt.Issues, structure.Issues...),
	}
	merged.finalize()
	return merged
}

// finalize derives the risk level and score from the findings. The score is
// the severity-weighted sum halved and capped at 1.0, so a single critical
// finding scores 0.5 and multiple findings ratchet toward 1.0.
func (r *Result) finalize() {
	var sum float64
	for _, f := range r.Findings {
		sum += severityWeight[f.Severity]
		if severityRank[f.Severity] > severityRank[r.RiskLevel] {
			r.RiskLevel = f.Severity
		}
	}

	score := sum / 2
	if score > 1.0 {
		score = 1.0
	}
	r.RiskScore = score
}

// RiskCategories lists the distinct finding categories, for trace storage.
func (r *Result) RiskCategories() []string {
	seen := make(map[Category]bool)
	var categories []string
	for _, f := range r.Findings {
		if !seen[f.Category] {
			seen[f.Category] = true
			categories = append(categories, string(f.Category))
		}
	}
	return categories
}
