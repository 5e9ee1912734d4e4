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

// Package pricing holds the static per-model cost table used for budget
// admission control and the usage ledger. Pricing is configuration, not
// state: every replica must load the same table.
package pricing

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelRate is the USD price per 1000 tokens for one model or model prefix.
type ModelRate struct {
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k"`
}

// Costs are computed internally in nano-USD per token so that estimates are
// exactly additive across requests; the float64 USD view is derived.
type rate struct {
	inputNanoPerToken  int64
	outputNanoPerToken int64
}

// Table resolves model names to rates. Lookup prefers an exact entry, then
// the longest matching prefix entry, then the default rate.
type Table struct {
	rates       map[string]rate
	prefixOrder []string // prefixes sorted longest first
	fallback    rate
}

// Default pricing as of late 2025, USD per 1K tokens.
var defaultRates = map[string]ModelRate{
	"gpt-4o":            {0.0025, 0.01},
	"gpt-4o-mini":       {0.00015, 0.0006},
	"gpt-4-turbo":       {0.01, 0.03},
	"gpt-4":             {0.03, 0.06},
	"gpt-3.5-turbo":     {0.0005, 0.0015},
	"o1":                {0.015, 0.06},
	"o3":                {0.01, 0.04},
	"chatgpt-4o-latest": {0.005, 0.015},

	"claude-3-opus":     {0.015, 0.075},
	"claude-3-5-sonnet": {0.003, 0.015},
	"claude-3-5-haiku":  {0.0008, 0.004},
	"claude-3-haiku":    {0.00025, 0.00125},
	"claude-":           {0.003, 0.015},

	// Self-hosted models carry a nominal compute rate so budgets still see
	// non-zero spend.
	"llama":    {0.0001, 0.0001},
	"mistral":  {0.0001, 0.0001},
	"mixtral":  {0.0002, 0.0002},
	"phi":      {0.0001, 0.0001},
	"gemma":    {0.0001, 0.0001},
	"qwen":     {0.0001, 0.0001},
	"deepseek": {0.0001, 0.0001},

	"mock-":      {0.001, 0.002},
	"test-model": {0.001, 0.002},
}

// DefaultRate is the fallback for models with no table entry.
var DefaultRate = ModelRate{InputPer1K: 0.01, OutputPer1K: 0.03}

// NewTable builds a pricing table from the compiled defaults.
func NewTable() *Table {
	t, _ := NewTableWithRates(defaultRates, DefaultRate)
	return t
}

// NewTableWithRates builds a table from explicit rates plus a fallback.
func NewTableWithRates(rates map[string]ModelRate, fallback ModelRate) (*Table, error) {
	t := &Table{rates: make(map[string]rate, len(rates))}

	for model, r := range rates {
		if r.InputPer1K < 0 || r.OutputPer1K < 0 {
			return nil, fmt.Errorf("negative rate for model %q", model)
		}
		t.rates[model] = toNano(r)
	}
	t.fallback = toNano(fallback)

	for model := range t.rates {
		t.prefixOrder = append(t.prefixOrder, model)
	}
	sort.Slice(t.prefixOrder, func(i, j int) bool {
		if len(t.prefixOrder[i]) != len(t.prefixOrder[j]) {
			return len(t.prefixOrder[i]) > len(t.prefixOrder[j])
		}
		return t.prefixOrder[i] < t.prefixOrder[j]
	})

	return t, nil
}

// overrideFile is the YAML shape of a pricing override file.
type overrideFile struct {
	Models  map[string]ModelRate `yaml:"models"`
	Default *ModelRate           `yaml:"default"`
}

// LoadTable builds a table from the defaults merged with an optional YAML
// override file. Overrides replace or add individual model entries.
func LoadTable(path string) (*Table, error) {
	merged := make(map[string]ModelRate, len(defaultRates))
	for k, v := range defaultRates {
		merged[k] = v
	}
	fallback := DefaultRate

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read pricing file: %w", err)
		}
		var of overrideFile
		if err := yaml.Unmarshal(raw, &of); err != nil {
			return nil, fmt.Errorf("failed to parse pricing file: %w", err)
		}
		for k, v := range of.Models {
			merged[k] = v
		}
		if of.Default != nil {
			fallback = *of.Default
		}
	}

	return NewTableWithRates(merged, fallback)
}

// toNano converts a per-1K USD rate to integer nano-USD per token.
func toNano(r ModelRate) rate {
	return rate{
		inputNanoPerToken:  int64(math.Round(r.InputPer1K * 1e6)),
		outputNanoPerToken: int64(math.Round(r.OutputPer1K * 1e6)),
	}
}

// resolve finds the rate for a model: exact match first, then the longest
// prefix entry, then the fallback.
func (t *Table) resolve(model string) rate {
	if r, ok := t.rates[model]; ok {
		return r
	}
	for _, prefix := range t.prefixOrder {
		if strings.HasPrefix(model, prefix) {
			return t.rates[prefix]
		}
	}
	return t.fallback
}

// EstimateCostNano returns the cost in nano-USD. The result is exactly
// additive in token counts for a fixed model.
func (t *Table) EstimateCostNano(model string, inputTokens, outputTokens int) int64 {
	r := t.resolve(model)
	return int64(inputTokens)*r.inputNanoPerToken + int64(outputTokens)*r.outputNanoPerToken
}

// EstimateCost returns the USD cost of a request:
// inputTokens/1000 * inputRate + outputTokens/1000 * outputRate.
func (t *Table) EstimateCost(model string, inputTokens, outputTokens int) float64 {
	return float64(t.EstimateCostNano(model, inputTokens, outputTokens)) / 1e9
}

// Rate returns the per-1K USD rates the table would apply to a model.
func (t *Table) Rate(model string) ModelRate {
	r := t.resolve(model)
	return ModelRate{
		InputPer1K:  float64(r.inputNanoPerToken) / 1e6,
		OutputPer1K: float64(r.outputNanoPerToken) / 1e6,
	}
}

// FormatUSD renders a USD amount for logs and responses (e.g. "$0.004500").
func FormatUSD(amount float64) string {
	return fmt.Sprintf("$%.6f", amount)
}
