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
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"aegisgate/gateway/audit"
	"aegisgate/gateway/kpi"
	"aegisgate/gateway/trace"
)

// requireJWT guards the governance read endpoints. They are operator
// surfaces, not client surfaces, so they take a bearer token signed with
// JWT_SECRET_KEY instead of an application API key.
func (s *Server) requireJWT(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.JWTSecret == "" {
			writeError(w, CodeServiceUnavailable, "governance endpoints are not configured")
			return
		}
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			writeError(w, AuthCodeMissingKey, "bearer token is required")
			return
		}
		tokenString := strings.TrimPrefix(h, "Bearer ")
		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			return []byte(s.cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			writeError(w, AuthCodeInvalidKey, "bearer token is not valid")
			return
		}
		next(w, r)
	}
}

// handleKPIs serves the aggregated governance report. The window defaults
// to the last 24 hours; from/to take RFC 3339 timestamps.
func (s *Server) handleKPIs(w http.ResponseWriter, r *http.Request) {
	if s.kpis == nil {
		writeError(w, CodeServiceUnavailable, "kpi aggregation is not configured")
		return
	}

	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, CodeInvalidRequest, "from must be an RFC 3339 timestamp")
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, CodeInvalidRequest, "to must be an RFC 3339 timestamp")
			return
		}
		to = t
	}
	if !from.Before(to) {
		writeError(w, CodeInvalidRequest, "from must precede to")
		return
	}

	report, err := s.kpis.Report(r.Context(), kpi.Window{From: from, To: to})
	if err != nil {
		s.log.Error("", "", "kpi report failed", map[string]interface{}{"error": err.Error()})
		writeError(w, CodeInternalError, "kpi aggregation failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleAuditEvents serves filtered audit log reads. request_id narrows to
// one request, app_id to one application's recent entries; with neither,
// the response lists violations since the given time (default: last 24h).
func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.audits == nil {
		writeError(w, CodeServiceUnavailable, "audit reads are not configured")
		return
	}

	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, CodeInvalidRequest, "limit must be an integer between 1 and 1000")
			return
		}
		limit = n
	}

	var (
		entries []audit.Entry
		err     error
	)
	switch {
	case q.Get("request_id") != "":
		entries, err = s.audits.ByRequestID(r.Context(), q.Get("request_id"))
	case q.Get("app_id") != "":
		entries, err = s.audits.ByApp(r.Context(), q.Get("app_id"), limit)
	default:
		since := time.Now().Add(-24 * time.Hour)
		if v := q.Get("since"); v != "" {
			t, perr := time.Parse(time.RFC3339, v)
			if perr != nil {
				writeError(w, CodeInvalidRequest, "since must be an RFC 3339 timestamp")
				return
			}
			since = t
		}
		entries, err = s.audits.ListBlocked(r.Context(), since, limit)
	}
	if err != nil {
		s.log.Error("", "", "audit read failed", map[string]interface{}{"error": err.Error()})
		writeError(w, CodeInternalError, "audit read failed")
		return
	}

	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleGetTrace serves one stored decision trace by request id.
func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]
	tr, err := s.tracer.GetTrace(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, trace.ErrNotFound) {
			writeError(w, CodeTraceNotFound, "no trace recorded for this request id")
			return
		}
		s.log.Error("", requestID, "trace load failed", map[string]interface{}{"error": err.Error()})
		writeError(w, CodeInternalError, "trace load failed")
		return
	}
	writeJSON(w, http.StatusOK, tr)
}
