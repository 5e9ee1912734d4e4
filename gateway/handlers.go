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

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"aegisgate/gateway/gateway/circuitbreaker"
	"aegisgate/gateway/llm"
	"aegisgate/gateway/pipeline"
	"aegisgate/gateway/store"
)

const (
	headerAPIKey    = "X-API-Key"
	headerRequestID = "X-Request-ID"
	headerDryRun    = "x-dry-run"
)

// Request bodies are bounded; a chat request has no business being
// larger than this.
const maxRequestBody = 1 << 20

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Feature     string        `json:"feature,omitempty"`
}

var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"tool":      true,
}

// validate returns an empty string when the request is well-formed, else
// the message for the 400 response.
func (req *chatCompletionRequest) validate() string {
	if req.Model == "" {
		return "model is required"
	}
	if len(req.Messages) == 0 {
		return "messages must not be empty"
	}
	for i, m := range req.Messages {
		if !validRoles[m.Role] {
			return fmt.Sprintf("messages[%d].role %q is not valid", i, m.Role)
		}
	}
	if req.MaxTokens < 0 {
		return "max_tokens must not be negative"
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return "temperature must be between 0 and 2"
	}
	return ""
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type completionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type securityFindings struct {
	Findings []string `json:"findings"`
}

// chatCompletionResponse is the OpenAI-compatible success envelope, plus
// the governance extras (warnings, security findings) the gateway attaches.
type chatCompletionResponse struct {
	ID       string                 `json:"id"`
	Object   string                 `json:"object"`
	Created  int64                  `json:"created"`
	Model    string                 `json:"model"`
	Choices  []chatCompletionChoice `json:"choices"`
	Usage    completionUsage        `json:"usage"`
	Warnings []string               `json:"warnings,omitempty"`
	Security *securityFindings      `json:"security,omitempty"`
}

// dryRunResponse answers an x-dry-run request: the full admission verdict
// without a provider call.
type dryRunResponse struct {
	RequestID        string                 `json:"request_id"`
	DryRun           bool                   `json:"dry_run"`
	WouldBeAllowed   bool                   `json:"would_be_allowed"`
	Code             string                 `json:"code,omitempty"`
	Reason           string                 `json:"reason,omitempty"`
	EstimatedCostUSD float64                `json:"estimated_cost_usd"`
	DecisionChain    []pipeline.StageResult `json:"decision_chain,omitempty"`
	Warnings         []string               `json:"warnings,omitempty"`
}

// handleChatCompletions is the governed chat endpoint: authenticate,
// validate, run the pipeline, render the outcome.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, CodeInvalidRequest, "invalid JSON body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, CodeInvalidRequest, msg)
		return
	}

	// Governance cannot run without its store, and there is no point
	// admitting work for a provider the breaker knows is down.
	if s.dbBreaker.State() == circuitbreaker.StateOpen {
		breakerStateChanges.WithLabelValues("db").Inc()
		writeError(w, CodeServiceUnavailable, "governance store unavailable")
		return
	}
	if s.providerBreaker.State() == circuitbreaker.StateOpen {
		breakerStateChanges.WithLabelValues("provider").Inc()
		writeError(w, llm.ErrCodeProvider, "provider temporarily unavailable")
		return
	}

	requestID := r.Header.Get(headerRequestID)
	if requestID != "" && s.usage != nil {
		// Client-supplied ids are idempotency keys. The ledger insert is
		// a no-op on replay either way; this check just refuses to bill
		// a second provider call to the same id.
		if exists, err := s.usage.UsageExists(r.Context(), requestID); err == nil && exists {
			writeError(w, CodeDuplicateRequest, "request_id has already been processed")
			return
		}
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(headerRequestID, requestID)

	cmd := &pipeline.Command{
		RequestID:     requestID,
		AppID:         cred.AppID,
		OrgID:         cred.OrgID,
		Model:         req.Model,
		Messages:      toLLMMessages(req.Messages),
		Environment:   environmentFor(cred, s.cfg.Environment),
		Feature:       req.Feature,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Stream:        req.Stream,
		DryRun:        isDryRun(r),
		APIKey:        bearerToken(r),
		AllowedModels: cred.AllowedModels,
	}

	if cmd.Stream && !cmd.DryRun {
		s.streamCompletion(w, r, cmd)
		return
	}

	d, err := s.pipe.Execute(r.Context(), cmd)
	if err != nil {
		s.log.ErrorWithCode(cmd.AppID, requestID, "pipeline execution failed", CodeInternalError, err, nil)
		writeError(w, CodeInternalError, "internal error")
		return
	}
	s.feedProviderBreaker(d)

	if cmd.DryRun {
		s.writeDryRun(w, d)
		return
	}
	if d.Outcome == pipeline.OutcomeError || d.Blocked() {
		writeDecisionError(w, d)
		return
	}
	writeJSON(w, http.StatusOK, newChatCompletionResponse(d))
}

// streamCompletion relays canonical chunks as SSE. Headers go out before
// the first chunk, so pre-admission denials still return plain JSON.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, cmd *pipeline.Command) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, CodeInternalError, "streaming is not supported on this connection")
		return
	}

	d, chunks, err := s.pipe.ExecuteStream(r.Context(), cmd)
	if err != nil {
		s.log.ErrorWithCode(cmd.AppID, cmd.RequestID, "pipeline execution failed", CodeInternalError, err, nil)
		writeError(w, CodeInternalError, "internal error")
		return
	}
	s.feedProviderBreaker(d)
	if chunks == nil {
		writeDecisionError(w, d)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sseStreamsOpen.Inc()
	defer sseStreamsOpen.Dec()

	for chunk := range chunks {
		if chunk.Err != nil {
			// The status line is gone; an error event is all that is
			// left to send.
			payload, _ := json.Marshal(errorEnvelope{Error: apiError{
				Code:    providerErrorCode(chunk.Err),
				Message: chunk.Err.Error(),
			}})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			return
		}
		if chunk.Done {
			fmt.Fprintf(w, "data: %s\n\n", llm.DoneSentinel)
			flusher.Flush()
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", chunk.Data)
		flusher.Flush()
	}
}

func (s *Server) writeDryRun(w http.ResponseWriter, d *pipeline.Decision) {
	if d.Outcome == pipeline.OutcomeError {
		writeDecisionError(w, d)
		return
	}
	writeJSON(w, http.StatusOK, dryRunResponse{
		RequestID:        d.RequestID,
		DryRun:           true,
		WouldBeAllowed:   !d.Blocked(),
		Code:             d.Code,
		Reason:           d.PrimaryReason,
		EstimatedCostUSD: d.EstimatedCostUSD,
		DecisionChain:    d.Chain,
		Warnings:         d.Warnings,
	})
}

// feedProviderBreaker turns terminal pipeline outcomes into provider
// breaker signals. Governance denials say nothing about provider health
// and are ignored.
func (s *Server) feedProviderBreaker(d *pipeline.Decision) {
	switch d.Code {
	case llm.ErrCodeProvider, llm.ErrCodeTimeout:
		s.providerBreaker.Failure()
	case "":
		if d.Outcome == pipeline.OutcomeAllow || d.Outcome == pipeline.OutcomeWarn {
			s.providerBreaker.Success()
		}
	}
}

func newChatCompletionResponse(d *pipeline.Decision) chatCompletionResponse {
	resp := d.Response
	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + d.RequestID
	}
	out := chatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []chatCompletionChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: resp.Content},
			FinishReason: resp.FinishReason,
		}},
		Usage: completionUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Warnings: d.Warnings,
	}
	if len(d.SecurityFindings) > 0 {
		out.Security = &securityFindings{Findings: d.SecurityFindings}
	}
	return out
}

// authenticate resolves the X-API-Key header, writing the error response
// itself when authentication fails.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*store.Credential, bool) {
	cred, err := s.auth.Authenticate(r.Context(), r.Header.Get(headerAPIKey))
	if err == nil {
		return cred, true
	}
	var aerr *AuthError
	if errors.As(err, &aerr) {
		writeError(w, aerr.Code, aerr.Message)
		return nil, false
	}
	s.log.Error("", "", "credential lookup unavailable", map[string]interface{}{"error": err.Error()})
	writeError(w, CodeServiceUnavailable, "authentication temporarily unavailable")
	return nil, false
}

func providerErrorCode(err error) string {
	var pErr *llm.ProviderError
	if errors.As(err, &pErr) {
		return pErr.Code
	}
	return llm.ErrCodeProvider
}

func toLLMMessages(in []chatMessage) []llm.Message {
	out := make([]llm.Message, len(in))
	for i, m := range in {
		out[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func environmentFor(cred *store.Credential, fallback string) string {
	if cred.Environment != "" {
		return cred.Environment
	}
	return fallback
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

func isDryRun(r *http.Request) bool {
	v := r.Header.Get(headerDryRun)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
