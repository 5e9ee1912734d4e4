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

package llm

import (
	"fmt"
)

// Dispatcher routes a model name to the first provider that supports it.
//
// The order is fixed and documented: the mock goes first in the test
// environment so test models never reach real providers, then local
// providers (explicit lmstudio/ prefix and the Ollama model families),
// then OpenAI, then Anthropic, then the mock as the tail catch for
// mock-* models in non-test environments.
type Dispatcher struct {
	providers []Provider
}

// NewDispatcher assembles the routing order for an environment. Nil
// providers are skipped, so callers can wire only what they run.
func NewDispatcher(environment string, mock, ollama, openai, anthropic Provider) *Dispatcher {
	var order []Provider
	add := func(p Provider) {
		if p != nil {
			order = append(order, p)
		}
	}

	if environment == "test" {
		add(mock)
	}
	add(ollama)
	add(openai)
	add(anthropic)
	if environment != "test" {
		add(mock)
	}

	return &Dispatcher{providers: order}
}

// Select returns the first provider in routing order that supports the
// model. Unknown models are an error, not a fallback.
func (d *Dispatcher) Select(model string) (Provider, error) {
	for _, p := range d.providers {
		if p.SupportsModel(model) {
			return p, nil
		}
	}
	return nil, &ProviderError{
		Provider: "dispatcher",
		Code:     ErrCodeNoRoute,
		Message:  fmt.Sprintf("no provider supports model %q", model),
	}
}

// Providers exposes the routing order, for health endpoints and tests.
func (d *Dispatcher) Providers() []Provider {
	return d.providers
}
