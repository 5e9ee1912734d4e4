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

// Package pipeline implements the governance pipeline: the strictly
// ordered sequence of checks every request passes before it may reach a
// provider, and the settlement that follows a completed call.
package pipeline

import (
	"github.com/google/uuid"

	"aegisgate/gateway/llm"
)

// Command is one evaluated request. The gateway builds it from the HTTP
// request and the authenticated credential.
type Command struct {
	RequestID   string        `json:"request_id"`
	AppID       string        `json:"app_id"`
	OrgID       string        `json:"org_id,omitempty"`
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Environment string        `json:"environment"`
	Feature     string        `json:"feature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	DryRun      bool          `json:"dry_run,omitempty"`

	// APIKey is the upstream provider key, possibly enc:-prefixed.
	// Never logged.
	APIKey string `json:"-"`

	// AllowedModels is the credential's model restriction, applied
	// during policy evaluation.
	AllowedModels []string `json:"-"`
}

// normalize fills defaults the pipeline relies on.
func (c *Command) normalize() {
	if c.RequestID == "" {
		c.RequestID = uuid.NewString()
	}
	if c.Environment == "" {
		c.Environment = "production"
	}
}

// estimatedOutputTokens is the admission-time output assumption: the
// request's max_tokens when set, otherwise a fixed 1000.
func (c *Command) estimatedOutputTokens() int {
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return 1000
}
