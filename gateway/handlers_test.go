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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aegisgate/gateway/budget"
	"aegisgate/gateway/feature"
	"aegisgate/gateway/llm"
	"aegisgate/gateway/llm/anthropic"
	"aegisgate/gateway/llm/mock"
	"aegisgate/gateway/pipeline"
	"aegisgate/gateway/policy"
	"aegisgate/gateway/pricing"
	"aegisgate/gateway/security"
	"aegisgate/gateway/store"
	"aegisgate/gateway/trace"
)

const testJWTSecret = "test-governance-secret"

// ====== Fakes ======

type fakeRepo struct {
	mu       sync.Mutex
	rules    []policy.Rule
	budgets  []*budget.Budget
	registry *feature.Registry

	usage        []*store.UsageRecord
	budgetDeltas map[int64]float64
}

func (f *fakeRepo) GetActiveRules(ctx context.Context, orgID, appID, environment string) ([]policy.Rule, error) {
	return f.rules, nil
}

func (f *fakeRepo) GetBudgetsForApp(ctx context.Context, appID, orgID string) ([]*budget.Budget, error) {
	return f.budgets, nil
}

func (f *fakeRepo) RecordBudgetUsage(ctx context.Context, budgetID int64, deltaUSD float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.budgetDeltas == nil {
		f.budgetDeltas = make(map[int64]float64)
	}
	f.budgetDeltas[budgetID] += deltaUSD
	return nil
}

func (f *fakeRepo) GetFeatureRegistry(ctx context.Context, appID string) (*feature.Registry, error) {
	return f.registry, nil
}

func (f *fakeRepo) RecordUsage(ctx context.Context, u *store.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = append(f.usage, u)
	return nil
}

func (f *fakeRepo) recordedUsage() []*store.UsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.UsageRecord, len(f.usage))
	copy(out, f.usage)
	return out
}

func (f *fakeRepo) budgetDelta(id int64) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.budgetDeltas[id]
}

type fakeLedger struct {
	exists bool
	err    error
	calls  int32
}

func (f *fakeLedger) UsageExists(ctx context.Context, requestID string) (bool, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.exists, f.err
}

// ====== Harness ======

type gwHarness struct {
	server *Server
	repo   *fakeRepo
	source *fakeSource
	tracer *trace.Tracer
}

func newGateway(t *testing.T) *gwHarness {
	return newGatewayWith(t, nil)
}

// newGatewayWith wires a full server around the real orchestrator; pass a
// dispatcher to swap providers, nil for the mock-only default.
func newGatewayWith(t *testing.T, dispatcher *llm.Dispatcher) *gwHarness {
	t.Helper()

	repo := &fakeRepo{}
	tracer := trace.NewTracer(trace.Config{})
	checker := budget.NewChecker(pricing.NewTable())
	if dispatcher == nil {
		dispatcher = llm.NewDispatcher("test", mock.New(), nil, nil, nil)
	}

	orch := pipeline.New(pipeline.Config{
		Repo:       repo,
		Tracer:     tracer,
		Guard:      security.NewGuard(),
		Checker:    checker,
		Dispatcher: dispatcher,
	})

	source := newFakeSource()
	source.add(testRawKey, activeCred())

	srv := NewServer(
		Config{
			Environment:        "test",
			Port:               "0",
			JWTSecret:          testJWTSecret,
			CredentialCacheTTL: 300 * time.Second,
			ShutdownGrace:      time.Second,
		},
		Deps{
			Auth:       NewAuthenticator(AuthConfig{Source: source}),
			Pipeline:   orch,
			Dispatcher: dispatcher,
			Checker:    checker,
			Repo:       repo,
			Tracer:     tracer,
		},
	)
	return &gwHarness{server: srv, repo: repo, source: source, tracer: tracer}
}

func (h *gwHarness) do(t *testing.T, method, path string, body io.Reader, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAPIKey, testRawKey)
	for k, v := range hdr {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *gwHarness) postJSON(t *testing.T, path string, body interface{}, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	return h.do(t, http.MethodPost, path, bytes.NewReader(payload), hdr)
}

func (h *gwHarness) postChat(t *testing.T, body interface{}, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return h.postJSON(t, "/v1/chat/completions", body, hdr)
}

func chatBody(model string) map[string]interface{} {
	return map[string]interface{}{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": "Hello"}},
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("body is not an error envelope: %v (%s)", err, rec.Body.String())
	}
	return env.Error
}

func spanNames(tr *trace.Trace) map[string]bool {
	names := make(map[string]bool, len(tr.Spans))
	for _, s := range tr.Spans {
		names[s.Name] = true
	}
	return names
}

// waitFor polls for state written by the stream relay goroutine, which
// settles after the response body is complete.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// sseDataLines splits an SSE body into its data payloads.
func sseDataLines(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if !strings.HasPrefix(block, "data: ") {
			t.Fatalf("unexpected SSE block %q", block)
		}
		out = append(out, strings.TrimPrefix(block, "data: "))
	}
	return out
}

// ====== Chat completions ======

func TestChatCompletionsAllowsAndSettles(t *testing.T) {
	h := newGateway(t)
	h.repo.registry = &feature.Registry{
		AppID: "app-demo",
		Features: map[string]*feature.Definition{
			"default": {ID: "default", IsActive: true},
		},
	}
	h.repo.budgets = []*budget.Budget{{
		ID: 7, Scope: budget.ScopeApplication, AppID: "app-demo",
		SoftLimitUSD: 80, HardLimitUSD: 100,
		Period: budget.PeriodDaily, PeriodStart: time.Now(),
	}}

	body := chatBody("mock-gpt-4")
	body["feature"] = "default"
	rec := h.postChat(t, body, map[string]string{headerRequestID: "req-allow-1"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(headerRequestID); got != "req-allow-1" {
		t.Errorf("request id header = %q", got)
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("object = %q", resp.Object)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content == "" {
		t.Fatalf("choices = %+v", resp.Choices)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens <= 0 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	usage := h.repo.recordedUsage()
	if len(usage) != 1 {
		t.Fatalf("ledger rows = %d, want 1", len(usage))
	}
	if usage[0].CostUSD <= 0 || usage[0].AppID != "app-demo" {
		t.Errorf("ledger row = %+v", usage[0])
	}
	if delta := h.repo.budgetDelta(7); delta != usage[0].CostUSD {
		t.Errorf("budget delta = %f, want the settled cost %f", delta, usage[0].CostUSD)
	}

	tr, err := h.tracer.GetTrace(context.Background(), "req-allow-1")
	if err != nil {
		t.Fatal(err)
	}
	if tr.Outcome != "allow" {
		t.Errorf("trace outcome = %q", tr.Outcome)
	}
	names := spanNames(tr)
	for _, stage := range []string{
		pipeline.StageFeatureCheck,
		pipeline.StagePolicyCheck,
		pipeline.StageSecurityCheck,
		pipeline.StageBudgetCheck,
		pipeline.StageLLMCall,
	} {
		if !names[stage] {
			t.Errorf("trace is missing the %s span", stage)
		}
	}
}

func TestChatCompletionsDeniesOverHardBudget(t *testing.T) {
	h := newGateway(t)
	h.repo.budgets = []*budget.Budget{{
		ID: 1, Scope: budget.ScopeApplication, AppID: "app-demo",
		SoftLimitUSD: 0.8, HardLimitUSD: 1, CurrentSpendUSD: 0.999,
		Period: budget.PeriodDaily, PeriodStart: time.Now(),
	}}

	rec := h.postChat(t, chatBody("mock-gpt-4"), map[string]string{headerRequestID: "req-budget-1"})

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	apiErr := decodeError(t, rec)
	if apiErr.Code != pipeline.CodeBudgetHardLimit {
		t.Errorf("code = %s", apiErr.Code)
	}
	if len(apiErr.DecisionChain) == 0 {
		t.Error("a budget denial must explain itself with the decision chain")
	}

	if rows := h.repo.recordedUsage(); len(rows) != 0 {
		t.Errorf("denied requests must not reach the ledger, got %d rows", len(rows))
	}

	tr, err := h.tracer.GetTrace(context.Background(), "req-budget-1")
	if err != nil {
		t.Fatal(err)
	}
	if tr.Outcome != "deny" {
		t.Errorf("trace outcome = %q", tr.Outcome)
	}
	if tr.EstimatedCostAvoided <= 0 {
		t.Errorf("denied trace must record the cost avoided, got %f", tr.EstimatedCostAvoided)
	}
	if names := spanNames(tr); names[pipeline.StageLLMCall] {
		t.Error("a denied request must not reach the provider")
	}
}

func TestChatCompletionsEnforcesModelPolicy(t *testing.T) {
	h := newGateway(t)
	h.repo.rules = []policy.Rule{{
		ID: "r1", Name: "no claude", Priority: 10, Enabled: true,
		Action:     policy.ActionDeny,
		Conditions: policy.Conditions{Models: []string{"claude-*"}},
	}}

	rec := h.postChat(t, chatBody("claude-3-opus"), nil)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	apiErr := decodeError(t, rec)
	if apiErr.Code != policy.CodeModelBlocked {
		t.Errorf("code = %s", apiErr.Code)
	}
	if len(apiErr.DecisionChain) == 0 {
		t.Error("policy denials must carry the decision chain")
	}
}

func TestChatCompletionsStrictRegistryRejectsUnknownFeature(t *testing.T) {
	h := newGateway(t)
	h.repo.registry = &feature.Registry{
		AppID:  "app-demo",
		Strict: true,
		Features: map[string]*feature.Definition{
			"chat": {ID: "chat", IsActive: true},
		},
	}

	body := chatBody("mock-gpt-4")
	body["feature"] = "unknown-x"
	rec := h.postChat(t, body, map[string]string{headerRequestID: "req-feature-1"})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if apiErr := decodeError(t, rec); apiErr.Code != feature.CodeDeniedUnknownFeature {
		t.Errorf("code = %s", apiErr.Code)
	}

	tr, err := h.tracer.GetTrace(context.Background(), "req-feature-1")
	if err != nil {
		t.Fatal(err)
	}
	if names := spanNames(tr); names[pipeline.StageLLMCall] {
		t.Error("an unknown feature must stop the pipeline before the provider call")
	}
	if rows := h.repo.recordedUsage(); len(rows) != 0 {
		t.Errorf("ledger rows = %d, want 0", len(rows))
	}
}

func TestChatCompletionsDryRun(t *testing.T) {
	h := newGateway(t)
	h.repo.budgets = []*budget.Budget{{
		ID: 7, Scope: budget.ScopeApplication, AppID: "app-demo",
		SoftLimitUSD: 80, HardLimitUSD: 100,
		Period: budget.PeriodDaily, PeriodStart: time.Now(),
	}}

	rec := h.postChat(t, chatBody("mock-gpt-4"), map[string]string{
		headerDryRun:    "true",
		headerRequestID: "req-dry-1",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp dryRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.DryRun || !resp.WouldBeAllowed {
		t.Errorf("verdict = %+v", resp)
	}
	if resp.EstimatedCostUSD <= 0 {
		t.Errorf("estimated cost = %f, want > 0", resp.EstimatedCostUSD)
	}

	if rows := h.repo.recordedUsage(); len(rows) != 0 {
		t.Errorf("dry runs must not settle the ledger, got %d rows", len(rows))
	}
	if delta := h.repo.budgetDelta(7); delta != 0 {
		t.Errorf("dry runs must not consume budget, got %f", delta)
	}

	tr, err := h.tracer.GetTrace(context.Background(), "req-dry-1")
	if err != nil {
		t.Fatal(err)
	}
	if tr.Outcome != string(pipeline.OutcomeDryRun) {
		t.Errorf("trace outcome = %q", tr.Outcome)
	}
	if names := spanNames(tr); names[pipeline.StageLLMCall] {
		t.Error("dry runs must not reach the provider")
	}
}

func TestChatCompletionsStreamsAnthropicAsCanonicalSSE(t *testing.T) {
	native := strings.Join([]string{
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi"}}`,
		``,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected upstream path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-ant-test" {
			t.Error("provider key not forwarded upstream")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(native))
	}))
	defer upstream.Close()

	h := newGatewayWith(t, llm.NewDispatcher("test", mock.New(), nil, nil,
		anthropic.New(anthropic.Config{BaseURL: upstream.URL})))

	body := chatBody("claude-3-haiku")
	body["stream"] = true
	rec := h.postChat(t, body, map[string]string{
		"Authorization": "Bearer sk-ant-test",
		headerRequestID: "req-stream-1",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	lines := sseDataLines(t, rec.Body.String())
	if len(lines) != 3 {
		t.Fatalf("expected content, finish, done; got %d events: %v", len(lines), lines)
	}
	first, err := llm.ParseChunk([]byte(lines[0]))
	if err != nil {
		t.Fatalf("first event is not a canonical chunk: %v", err)
	}
	if first.Object != llm.ChunkObject || first.Choices[0].Delta.Content != "Hi" {
		t.Errorf("content chunk = %+v", first)
	}
	second, err := llm.ParseChunk([]byte(lines[1]))
	if err != nil {
		t.Fatal(err)
	}
	if second.Choices[0].FinishReason == nil || *second.Choices[0].FinishReason != "stop" {
		t.Errorf("finish chunk = %+v", second.Choices[0])
	}
	if lines[2] != llm.DoneSentinel {
		t.Errorf("terminator = %q, want %q", lines[2], llm.DoneSentinel)
	}

	waitFor(t, "stream settlement", func() bool { return len(h.repo.recordedUsage()) == 1 })
	if u := h.repo.recordedUsage()[0]; u.Provider != "anthropic" || u.CostUSD <= 0 {
		t.Errorf("settled usage = %+v", u)
	}
}

func TestChatCompletionsStreamsMockProvider(t *testing.T) {
	h := newGateway(t)

	body := chatBody("mock-gpt-4")
	body["stream"] = true
	rec := h.postChat(t, body, map[string]string{headerRequestID: "req-stream-2"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	lines := sseDataLines(t, rec.Body.String())
	if len(lines) < 3 {
		t.Fatalf("expected role, content, finish, done; got %v", lines)
	}
	if lines[len(lines)-1] != llm.DoneSentinel {
		t.Fatalf("terminator = %q", lines[len(lines)-1])
	}

	first, err := llm.ParseChunk([]byte(lines[0]))
	if err != nil {
		t.Fatal(err)
	}
	if first.Choices[0].Delta.Role != "assistant" {
		t.Errorf("first chunk must announce the role, got %+v", first.Choices[0])
	}
	sawFinish := false
	for _, l := range lines[:len(lines)-1] {
		c, err := llm.ParseChunk([]byte(l))
		if err != nil {
			t.Fatalf("non-canonical chunk %q: %v", l, err)
		}
		if len(c.Choices) > 0 && c.Choices[0].FinishReason != nil && *c.Choices[0].FinishReason == "stop" {
			sawFinish = true
		}
	}
	if !sawFinish {
		t.Error("stream must carry a finish_reason chunk before the terminator")
	}

	waitFor(t, "stream settlement", func() bool { return len(h.repo.recordedUsage()) == 1 })
}

func TestChatCompletionsRequiresAPIKey(t *testing.T) {
	h := newGateway(t)

	rec := h.postChat(t, chatBody("mock-gpt-4"), map[string]string{headerAPIKey: ""})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if apiErr := decodeError(t, rec); apiErr.Code != AuthCodeMissingKey {
		t.Errorf("code = %s", apiErr.Code)
	}
}

func TestChatCompletionsRejectsMalformedJSON(t *testing.T) {
	h := newGateway(t)

	rec := h.do(t, http.MethodPost, "/v1/chat/completions", strings.NewReader("{not json"), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if apiErr := decodeError(t, rec); apiErr.Code != CodeInvalidRequest {
		t.Errorf("code = %s", apiErr.Code)
	}
}

func TestChatCompletionsValidation(t *testing.T) {
	cases := []struct {
		name string
		mut  func(m map[string]interface{})
		want string
	}{
		{"missing model", func(m map[string]interface{}) { delete(m, "model") }, "model"},
		{"empty messages", func(m map[string]interface{}) { m["messages"] = []map[string]string{} }, "messages"},
		{"unknown role", func(m map[string]interface{}) {
			m["messages"] = []map[string]string{{"role": "oracle", "content": "hi"}}
		}, "role"},
		{"negative max_tokens", func(m map[string]interface{}) { m["max_tokens"] = -1 }, "max_tokens"},
		{"temperature out of range", func(m map[string]interface{}) { m["temperature"] = 7.5 }, "temperature"},
	}
	h := newGateway(t)
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			body := chatBody("mock-gpt-4")
			c.mut(body)
			rec := h.postChat(t, body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
			}
			apiErr := decodeError(t, rec)
			if apiErr.Code != CodeInvalidRequest {
				t.Errorf("code = %s", apiErr.Code)
			}
			if !strings.Contains(apiErr.Message, c.want) {
				t.Errorf("message %q does not mention %q", apiErr.Message, c.want)
			}
		})
	}
}

func TestChatCompletionsRejectsReplayedRequestID(t *testing.T) {
	h := newGateway(t)
	h.server.usage = &fakeLedger{exists: true}

	rec := h.postChat(t, chatBody("mock-gpt-4"), map[string]string{headerRequestID: "req-dup-1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if apiErr := decodeError(t, rec); apiErr.Code != CodeDuplicateRequest {
		t.Errorf("code = %s", apiErr.Code)
	}
	if rows := h.repo.recordedUsage(); len(rows) != 0 {
		t.Error("a replayed id must not reach the pipeline")
	}
}

func TestChatCompletionsGeneratedIDSkipsReplayCheck(t *testing.T) {
	h := newGateway(t)
	led := &fakeLedger{exists: true}
	h.server.usage = led

	rec := h.postChat(t, chatBody("mock-gpt-4"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if atomic.LoadInt32(&led.calls) != 0 {
		t.Error("gateway-generated ids cannot be replays and must skip the check")
	}
	if rec.Header().Get(headerRequestID) == "" {
		t.Error("the generated request id must be returned to the client")
	}
}

func TestChatCompletionsFailsClosedWhenStoreBreakerOpen(t *testing.T) {
	h := newGateway(t)
	for i := 0; i < 5; i++ {
		h.server.dbBreaker.Failure()
	}

	rec := h.postChat(t, chatBody("mock-gpt-4"), nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if apiErr := decodeError(t, rec); apiErr.Code != CodeServiceUnavailable {
		t.Errorf("code = %s", apiErr.Code)
	}
}

func TestChatCompletionsShedsLoadWhenProviderBreakerOpen(t *testing.T) {
	h := newGateway(t)
	for i := 0; i < 5; i++ {
		h.server.providerBreaker.Failure()
	}

	rec := h.postChat(t, chatBody("mock-gpt-4"), nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if apiErr := decodeError(t, rec); apiErr.Code != llm.ErrCodeProvider {
		t.Errorf("code = %s", apiErr.Code)
	}
}

func TestChatCompletionsMissingProviderKey(t *testing.T) {
	var upstreamHits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamHits, 1)
	}))
	defer upstream.Close()

	h := newGatewayWith(t, llm.NewDispatcher("test", mock.New(), nil, nil,
		anthropic.New(anthropic.Config{BaseURL: upstream.URL})))

	// No Authorization header: anthropic requires a key.
	rec := h.postChat(t, chatBody("claude-3-haiku"), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if apiErr := decodeError(t, rec); apiErr.Code != pipeline.CodeMissingAPIKey {
		t.Errorf("code = %s", apiErr.Code)
	}
	if atomic.LoadInt32(&upstreamHits) != 0 {
		t.Error("the provider must not be called without a key")
	}
}

// ====== Embeddings ======

func TestEmbeddings(t *testing.T) {
	h := newGateway(t)

	rec := h.postJSON(t, "/v1/embeddings", map[string]interface{}{
		"model": "mock-embed",
		"input": []string{"alpha", "beta"},
	}, map[string]string{headerRequestID: "req-embed-1"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp embeddingsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Object != "list" || len(resp.Data) != 2 {
		t.Fatalf("response = %+v", resp)
	}
	if len(resp.Data[0].Embedding) != 8 {
		t.Errorf("vector length = %d", len(resp.Data[0].Embedding))
	}
	if resp.Usage.TotalTokens <= 0 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	rows := h.repo.recordedUsage()
	if len(rows) != 1 {
		t.Fatalf("ledger rows = %d, want 1", len(rows))
	}
	if rows[0].Provider != "mock" || rows[0].CostUSD <= 0 || rows[0].RequestID != "req-embed-1" {
		t.Errorf("ledger row = %+v", rows[0])
	}
}

func TestEmbeddingsAcceptsBareStringInput(t *testing.T) {
	h := newGateway(t)

	rec := h.do(t, http.MethodPost, "/v1/embeddings",
		strings.NewReader(`{"model":"mock-embed","input":"gamma"}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp embeddingsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 1 {
		t.Errorf("data = %+v", resp.Data)
	}
}

func TestEmbeddingsValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing model", `{"input":["x"]}`},
		{"empty input", `{"model":"mock-embed","input":[]}`},
		{"unsupported encoding", `{"model":"mock-embed","input":["x"],"encoding_format":"base64"}`},
	}
	h := newGateway(t)
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/v1/embeddings", strings.NewReader(c.body), nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
			}
			if apiErr := decodeError(t, rec); apiErr.Code != CodeInvalidRequest {
				t.Errorf("code = %s", apiErr.Code)
			}
		})
	}
}

func TestEmbeddingsUnknownModel(t *testing.T) {
	h := newGateway(t)

	rec := h.postJSON(t, "/v1/embeddings", map[string]interface{}{
		"model": "gpt-4o",
		"input": []string{"x"},
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if apiErr := decodeError(t, rec); apiErr.Code != llm.ErrCodeNoRoute {
		t.Errorf("code = %s", apiErr.Code)
	}
}

// ====== Operational endpoints ======

func TestHealthEndpoint(t *testing.T) {
	h := newGateway(t)

	rec := h.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status       string            `json:"status"`
		Service      string            `json:"service"`
		Dependencies map[string]string `json:"dependencies"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "healthy" || body.Service != serviceName {
		t.Errorf("health = %+v", body)
	}
	if body.Dependencies["breaker_db"] != "closed" {
		t.Errorf("dependencies = %+v", body.Dependencies)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newGateway(t)

	rec := h.do(t, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "aegisgate_sse_streams_open") {
		t.Error("exposition must include the gateway metrics")
	}
}
