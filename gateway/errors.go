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
	"net/http"
	"strings"

	"aegisgate/gateway/feature"
	"aegisgate/gateway/llm"
	"aegisgate/gateway/pipeline"
)

// Codes emitted by the HTTP layer itself. Engine and provider codes are
// defined next to the stage that produces them.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeTraceNotFound      = "TRACE_NOT_FOUND"
	CodeDuplicateRequest   = "DUPLICATE_REQUEST"
	CodeInternalError      = "INTERNAL_ERROR"
)

// apiError is the single wire shape for every non-2xx response. The
// decision chain rides along only when a governance stage blocked the
// request, so clients can see which stage said no.
type apiError struct {
	Code          string                 `json:"code"`
	Message       string                 `json:"message"`
	DecisionChain []pipeline.StageResult `json:"decision_chain,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

// statusForCode maps a decision or provider code to an HTTP status.
// Unknown codes fall through to 500 rather than leaking as 200s.
func statusForCode(code string) int {
	switch code {
	case AuthCodeMissingKey, AuthCodeInvalidKey, AuthCodeExpiredKey, AuthCodeKeyDisabled:
		return http.StatusUnauthorized
	case CodeInvalidRequest, pipeline.CodeMissingAPIKey, llm.ErrCodeNoRoute:
		return http.StatusBadRequest
	case pipeline.CodeBudgetHardLimit:
		return http.StatusPaymentRequired
	case feature.CodeDeniedRateLimit, pipeline.CodeDeniedAbuse:
		return http.StatusTooManyRequests
	case llm.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case llm.ErrCodeProvider, llm.ErrCodeAuth:
		return http.StatusBadGateway
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeTraceNotFound:
		return http.StatusNotFound
	case CodeDuplicateRequest:
		return http.StatusConflict
	}
	if strings.HasPrefix(code, "POLICY_") || strings.HasPrefix(code, "DENIED_") {
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code, message string) {
	httpErrorsTotal.WithLabelValues(code).Inc()
	writeJSON(w, statusForCode(code), errorEnvelope{Error: apiError{Code: code, Message: message}})
}

// writeDecisionError renders a pipeline decision that did not produce a
// provider response. Blocked decisions carry the full chain; plain
// errors (provider failures, internal faults) just carry code+message.
func writeDecisionError(w http.ResponseWriter, d *pipeline.Decision) {
	e := apiError{Code: d.Code, Message: d.PrimaryReason}
	if d.Blocked() {
		e.DecisionChain = d.Chain
	}
	httpErrorsTotal.WithLabelValues(d.Code).Inc()
	writeJSON(w, statusForCode(d.Code), errorEnvelope{Error: e})
}
