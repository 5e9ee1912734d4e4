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
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"aegisgate/gateway/gateway/circuitbreaker"
	"aegisgate/gateway/llm"
	"aegisgate/gateway/pipeline"
	"aegisgate/gateway/store"
)

// stringList accepts both encodings the embeddings API admits for input:
// a bare string and an array of strings.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = stringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("input must be a string or an array of strings")
	}
	*s = stringList(many)
	return nil
}

type embeddingsRequest struct {
	Model          string     `json:"model"`
	Input          stringList `json:"input"`
	EncodingFormat string     `json:"encoding_format,omitempty"`
}

func (req *embeddingsRequest) validate() string {
	if req.Model == "" {
		return "model is required"
	}
	if len(req.Input) == 0 {
		return "input must not be empty"
	}
	if req.EncodingFormat != "" && req.EncodingFormat != "float" {
		return `encoding_format must be "float"`
	}
	return ""
}

type embeddingObject struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

type embeddingsUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type embeddingsResponse struct {
	Object string            `json:"object"`
	Model  string            `json:"model"`
	Data   []embeddingObject `json:"data"`
	Usage  embeddingsUsage   `json:"usage"`
}

// handleEmbeddings serves governed embeddings. Embeddings skip the chat
// pipeline: there is no prompt to inspect and no completion to stream, so
// the endpoint authenticates, routes, calls, and settles the ledger
// directly.
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req embeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, CodeInvalidRequest, "invalid JSON body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, CodeInvalidRequest, msg)
		return
	}

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
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(headerRequestID, requestID)

	provider, err := s.dispatcher.Select(req.Model)
	if err != nil {
		writeError(w, llm.ErrCodeNoRoute, err.Error())
		return
	}
	embedder, ok := provider.(llm.Embedder)
	if !ok {
		writeError(w, CodeInvalidRequest,
			fmt.Sprintf("provider %s does not serve embeddings", provider.Name()))
		return
	}
	apiKey := bearerToken(r)
	if provider.RequiresKey() && apiKey == "" {
		writeError(w, pipeline.CodeMissingAPIKey,
			fmt.Sprintf("provider %s requires an API key", provider.Name()))
		return
	}

	start := time.Now()
	resp, err := embedder.Embeddings(r.Context(), llm.EmbeddingsRequest{
		Model: req.Model,
		Input: []string(req.Input),
	}, apiKey)
	if err != nil {
		s.providerBreaker.Failure()
		writeError(w, providerErrorCode(err), err.Error())
		return
	}
	s.providerBreaker.Success()

	tokens := resp.Usage.TotalTokens
	if tokens == 0 {
		tokens = resp.Usage.InputTokens
	}
	cost := s.checker.EstimateCost(req.Model, tokens, 0)
	if err := s.repo.RecordUsage(r.Context(), &store.UsageRecord{
		RequestID:   requestID,
		AppID:       cred.AppID,
		OrgID:       cred.OrgID,
		Model:       req.Model,
		Provider:    provider.Name(),
		Environment: environmentFor(cred, s.cfg.Environment),
		InputTokens: tokens,
		CostUSD:     cost,
		LatencyMS:   float64(time.Since(start).Milliseconds()),
	}); err != nil {
		s.log.Error(cred.AppID, requestID, "embeddings usage settlement failed",
			map[string]interface{}{"error": err.Error()})
	}

	out := embeddingsResponse{
		Object: "list",
		Model:  resp.Model,
		Usage:  embeddingsUsage{PromptTokens: tokens, TotalTokens: tokens},
	}
	for _, e := range resp.Data {
		out.Data = append(out.Data, embeddingObject{Object: "embedding", Index: e.Index, Embedding: e.Vector})
	}
	writeJSON(w, http.StatusOK, out)
}
