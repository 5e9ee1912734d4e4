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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"aegisgate/gateway/audit"
	"aegisgate/gateway/budget"
	"aegisgate/gateway/feature"
	"aegisgate/gateway/llm"
	"aegisgate/gateway/policy"
	"aegisgate/gateway/security"
	"aegisgate/gateway/shared/logger"
	"aegisgate/gateway/store"
	"aegisgate/gateway/trace"
)

// Repository is the storage surface the pipeline needs. *store.Store
// implements it.
type Repository interface {
	GetActiveRules(ctx context.Context, orgID, appID, environment string) ([]policy.Rule, error)
	GetBudgetsForApp(ctx context.Context, appID, orgID string) ([]*budget.Budget, error)
	RecordBudgetUsage(ctx context.Context, budgetID int64, deltaUSD float64) error
	GetFeatureRegistry(ctx context.Context, appID string) (*feature.Registry, error)
	RecordUsage(ctx context.Context, u *store.UsageRecord) error
}

// Auditor receives governance audit entries. *audit.Queue implements it.
type Auditor interface {
	LogViolation(audit.Entry) error
	LogDecision(audit.Entry) error
	LogError(audit.Entry) error
}

// Encryptor decrypts enc:-prefixed provider keys.
type Encryptor interface {
	Decrypt(ciphertext string) (string, error)
}

// RateLimiter enforces per-feature request caps. *feature.RateLimiter
// implements it.
type RateLimiter interface {
	Allow(ctx context.Context, appID, featureID string, limitPerMinute int) (bool, error)
}

// AbuseVerdict is the result of a cross-request abuse check.
type AbuseVerdict struct {
	Blocked  bool
	Cooldown time.Duration
	Reason   string
}

// AbuseDetector flags cross-request abuse patterns (retry loops, rate
// spikes). Optional; a nil detector passes everything through.
type AbuseDetector interface {
	Check(ctx context.Context, appID, featureID string) (*AbuseVerdict, error)
}

// Orchestrator runs the governance pipeline. All dependencies are
// injected; optional ones may be nil.
type Orchestrator struct {
	repo       Repository
	tracer     *trace.Tracer
	auditor    Auditor
	guard      *security.Guard
	checker    *budget.Checker
	dispatcher *llm.Dispatcher
	limiter    RateLimiter
	encryptor  Encryptor
	abuse      AbuseDetector
	log        *logger.Logger
}

// Config wires an Orchestrator.
type Config struct {
	Repo       Repository
	Tracer     *trace.Tracer
	Auditor    Auditor
	Guard      *security.Guard
	Checker    *budget.Checker
	Dispatcher *llm.Dispatcher
	Limiter    RateLimiter   // optional
	Encryptor  Encryptor     // optional
	Abuse      AbuseDetector // optional
	Logger     *logger.Logger
}

// New builds the orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		repo:       cfg.Repo,
		tracer:     cfg.Tracer,
		auditor:    cfg.Auditor,
		guard:      cfg.Guard,
		checker:    cfg.Checker,
		dispatcher: cfg.Dispatcher,
		limiter:    cfg.Limiter,
		encryptor:  cfg.Encryptor,
		abuse:      cfg.Abuse,
		log:        cfg.Logger,
	}
}

// admission carries the state the front half of the pipeline hands to the
// provider-call half.
type admission struct {
	decision *Decision
	budgets  []*budget.Budget // budgets applicable to this request
	provider llm.Provider
	apiKey   string
	riskCats []string
	done     bool // short-circuited: decision is final
}

// Execute runs the full pipeline synchronously. Governance denials are
// valid results, not errors; the returned error is reserved for internal
// failures creating the trace.
func (o *Orchestrator) Execute(ctx context.Context, cmd *Command) (*Decision, error) {
	adm, err := o.admit(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if adm.done {
		return adm.decision, nil
	}

	d := adm.decision
	start := time.Now()

	span := o.tracer.StartSpan(cmd.RequestID, StageLLMCall)
	resp, callErr := adm.provider.Chat(ctx, llm.ChatRequest{
		Model:       cmd.Model,
		Messages:    cmd.Messages,
		MaxTokens:   cmd.MaxTokens,
		Temperature: cmd.Temperature,
	}, adm.apiKey)
	o.tracer.EndSpan(cmd.RequestID, span)

	if callErr != nil {
		return o.failCall(ctx, cmd, adm, callErr, time.Since(start)), nil
	}

	d.Response = resp
	d.Usage = resp.Usage
	d.record(StageLLMCall, true, "", fmt.Sprintf("%s responded in %s", adm.provider.Name(), resp.Latency.Round(time.Millisecond)))

	o.settle(ctx, cmd, adm, resp.Usage, time.Since(start))
	return d, nil
}

// admit runs trace creation through dry-run exit and key resolution:
// everything before the provider call.
func (o *Orchestrator) admit(ctx context.Context, cmd *Command) (*admission, error) {
	cmd.normalize()

	d := &Decision{RequestID: cmd.RequestID, Outcome: OutcomeAllow}
	adm := &admission{decision: d}

	tr := &trace.Trace{
		RequestID:   cmd.RequestID,
		AppID:       cmd.AppID,
		OrgID:       cmd.OrgID,
		Model:       cmd.Model,
		Feature:     cmd.Feature,
		Environment: cmd.Environment,
	}
	if err := o.tracer.CreateTrace(ctx, tr); err != nil {
		return nil, fmt.Errorf("pipeline: create trace: %w", err)
	}

	estIn := llm.EstimateTokens(cmd.Messages)
	estOut := cmd.estimatedOutputTokens()
	d.EstimatedCostUSD = o.checker.EstimateCost(cmd.Model, estIn, estOut)

	// 1. Abuse check.
	if o.abuse != nil {
		span := o.tracer.StartSpan(cmd.RequestID, StageAbuseCheck)
		verdict, err := o.abuse.Check(ctx, cmd.AppID, cmd.Feature)
		o.tracer.EndSpan(cmd.RequestID, span)
		if err == nil && verdict != nil && verdict.Blocked {
			reason := verdict.Reason
			if verdict.Cooldown > 0 {
				reason = fmt.Sprintf("%s (retry after %s)", reason, verdict.Cooldown)
			}
			d.record(StageAbuseCheck, false, CodeDeniedAbuse, reason)
			return adm, o.block(ctx, cmd, adm, OutcomeBlock, CodeDeniedAbuse, reason)
		}
		d.record(StageAbuseCheck, true, "", "")
	}

	// 2. Feature check.
	span := o.tracer.StartSpan(cmd.RequestID, StageFeatureCheck)
	registry, err := o.repo.GetFeatureRegistry(ctx, cmd.AppID)
	if err != nil {
		o.tracer.EndSpan(cmd.RequestID, span)
		return adm, o.fail(ctx, cmd, adm, StageFeatureCheck, err)
	}
	featResult := feature.Check(registry, feature.CheckRequest{
		AppID:       cmd.AppID,
		FeatureID:   cmd.Feature,
		Action:      "chat.completions",
		Model:       cmd.Model,
		Environment: cmd.Environment,
		EstTokens:   estIn + estOut,
		EstCostUSD:  d.EstimatedCostUSD,
	})
	o.tracer.EndSpan(cmd.RequestID, span)

	if !featResult.Allowed {
		d.record(StageFeatureCheck, false, featResult.Code, featResult.Reason)
		return adm, o.block(ctx, cmd, adm, OutcomeDeny, featResult.Code, featResult.Reason)
	}
	d.record(StageFeatureCheck, true, featResult.Code, featResult.Reason)
	if featResult.FeatureID != "" {
		cmd.Feature = featResult.FeatureID
	}

	// 3. Per-feature rate limit. Fails open on limiter errors.
	if o.limiter != nil && registry != nil {
		if def, ok := registry.Features[featResult.FeatureID]; ok && def.MaxRequestsPerMinute > 0 {
			span := o.tracer.StartSpan(cmd.RequestID, StageRateLimit)
			allowed, limitErr := o.limiter.Allow(ctx, cmd.AppID, def.ID, def.MaxRequestsPerMinute)
			o.tracer.EndSpan(cmd.RequestID, span)
			// Limiter errors fail open; only a definite over-cap answer
			// denies.
			if limitErr == nil && !allowed {
				reason := fmt.Sprintf("feature %q over %d requests/minute", def.ID, def.MaxRequestsPerMinute)
				d.record(StageRateLimit, false, feature.CodeDeniedRateLimit, reason)
				return adm, o.block(ctx, cmd, adm, OutcomeDeny, feature.CodeDeniedRateLimit, reason)
			}
			d.record(StageRateLimit, true, "", "")
		}
	}

	// 4. Policy evaluation.
	span = o.tracer.StartSpan(cmd.RequestID, StagePolicyCheck)
	rules, err := o.repo.GetActiveRules(ctx, cmd.OrgID, cmd.AppID, cmd.Environment)
	if err != nil {
		o.tracer.EndSpan(cmd.RequestID, span)
		return adm, o.fail(ctx, cmd, adm, StagePolicyCheck, err)
	}
	policyDecision := policy.Evaluate(rules, policy.RequestContext{
		AppID:         cmd.AppID,
		Environment:   cmd.Environment,
		Feature:       cmd.Feature,
		Model:         cmd.Model,
		InputTokens:   estIn,
		MaxTokens:     cmd.MaxTokens,
		AllowedModels: cmd.AllowedModels,
	})
	o.tracer.EndSpan(cmd.RequestID, span)

	if policyDecision.Outcome == policy.OutcomeDeny {
		reason := strings.Join(policyDecision.Reasons, "; ")
		d.record(StagePolicyCheck, false, policyDecision.Code, reason)
		return adm, o.block(ctx, cmd, adm, OutcomeDeny, policyDecision.Code, reason)
	}
	d.record(StagePolicyCheck, true, policyDecision.Code, strings.Join(policyDecision.Reasons, "; "))
	d.Warnings = append(d.Warnings, policyDecision.Warnings...)

	// 5. Security analysis. Detect-only: findings attach as warnings.
	span = o.tracer.StartSpan(cmd.RequestID, StageSecurityCheck)
	guardMessages := make([]security.Message, len(cmd.Messages))
	for i, m := range cmd.Messages {
		guardMessages[i] = security.Message{Role: m.Role, Content: m.Content}
	}
	analysis := o.guard.FullAnalysis(guardMessages)
	o.tracer.EndSpan(cmd.RequestID, span)

	adm.riskCats = analysis.RiskCategories()
	if len(analysis.Findings) > 0 {
		d.record(StageSecurityCheck, true, "",
			fmt.Sprintf("%d findings, risk %s (%.2f)", len(analysis.Findings), analysis.RiskLevel, analysis.RiskScore))
		d.Warnings = append(d.Warnings, analysis.Issues...)
		d.SecurityFindings = append(d.SecurityFindings, analysis.Issues...)
	} else {
		d.record(StageSecurityCheck, true, "", "")
	}

	// 6. Budget check with the estimated cost.
	span = o.tracer.StartSpan(cmd.RequestID, StageBudgetCheck)
	allBudgets, err := o.repo.GetBudgetsForApp(ctx, cmd.AppID, cmd.OrgID)
	if err != nil {
		o.tracer.EndSpan(cmd.RequestID, span)
		return adm, o.fail(ctx, cmd, adm, StageBudgetCheck, err)
	}
	for _, b := range allBudgets {
		if b.AppliesTo(cmd.Feature, cmd.Environment) {
			adm.budgets = append(adm.budgets, b)
		}
	}
	status := o.checker.Check(adm.budgets, d.EstimatedCostUSD)
	o.tracer.EndSpan(cmd.RequestID, span)

	if !status.Allowed {
		reason := strings.Join(status.Reasons, "; ")
		d.record(StageBudgetCheck, false, CodeBudgetHardLimit, reason)
		return adm, o.block(ctx, cmd, adm, OutcomeDeny, CodeBudgetHardLimit, reason)
	}
	d.record(StageBudgetCheck, true, "", "")
	if status.UsagePercent >= budget.SoftWarnPercent {
		d.Warnings = append(d.Warnings, status.Reasons...)
	}

	// 7. Dry-run exit: everything evaluated, nothing called.
	if cmd.DryRun {
		d.Outcome = OutcomeDryRun
		adm.done = true
		_ = o.tracer.CompleteTrace(ctx, cmd.RequestID, trace.Final{
			Outcome:         string(OutcomeDryRun),
			DecisionReasons: d.reasons(),
			RiskCategories:  adm.riskCats,
		})
		decisionsTotal.WithLabelValues("dry_run", "").Inc()
		return adm, nil
	}

	// 8. Provider selection and API key resolution.
	span = o.tracer.StartSpan(cmd.RequestID, StageKeyResolution)
	provider, err := o.dispatcher.Select(cmd.Model)
	if err != nil {
		o.tracer.EndSpan(cmd.RequestID, span)
		var pErr *llm.ProviderError
		code := llm.ErrCodeNoRoute
		if errors.As(err, &pErr) {
			code = pErr.Code
		}
		d.record(StageKeyResolution, false, code, err.Error())
		return adm, o.block(ctx, cmd, adm, OutcomeError, code, err.Error())
	}
	adm.provider = provider

	apiKey := cmd.APIKey
	if provider.RequiresKey() && apiKey == "" {
		o.tracer.EndSpan(cmd.RequestID, span)
		reason := fmt.Sprintf("provider %s requires an API key", provider.Name())
		d.record(StageKeyResolution, false, CodeMissingAPIKey, reason)
		return adm, o.block(ctx, cmd, adm, OutcomeError, CodeMissingAPIKey, reason)
	}
	if strings.HasPrefix(apiKey, "enc:") && o.encryptor != nil {
		plain, decErr := o.encryptor.Decrypt(strings.TrimPrefix(apiKey, "enc:"))
		if decErr != nil {
			o.tracer.EndSpan(cmd.RequestID, span)
			d.record(StageKeyResolution, false, CodeDecryptFailed, "provider key decryption failed")
			return adm, o.block(ctx, cmd, adm, OutcomeError, CodeDecryptFailed, "provider key decryption failed")
		}
		apiKey = plain
	}
	adm.apiKey = apiKey
	o.tracer.EndSpan(cmd.RequestID, span)
	d.record(StageKeyResolution, true, "", provider.Name())

	return adm, nil
}

// block finishes a short-circuited request: trace closes with the
// estimated cost avoided, the violation is audited, metrics fire.
func (o *Orchestrator) block(ctx context.Context, cmd *Command, adm *admission, outcome Outcome, code, reason string) error {
	d := adm.decision
	d.Outcome = outcome
	d.Code = code
	d.PrimaryReason = reason
	adm.done = true

	_ = o.tracer.CompleteTrace(ctx, cmd.RequestID, trace.Final{
		Outcome:              string(outcome),
		DecisionReasons:      d.reasons(),
		RiskCategories:       adm.riskCats,
		EstimatedCostAvoided: d.EstimatedCostUSD,
	})

	if o.auditor != nil && outcome != OutcomeError {
		_ = o.auditor.LogViolation(audit.Entry{
			RequestID: cmd.RequestID,
			AppID:     cmd.AppID,
			Code:      code,
			Severity:  "high",
			Details:   map[string]interface{}{"reason": reason, "model": cmd.Model},
		})
	}

	lastStage := ""
	if n := len(d.Chain); n > 0 {
		lastStage = d.Chain[n-1].Name
	}
	decisionsTotal.WithLabelValues(lastStage, code).Inc()
	requestsTotal.WithLabelValues(string(outcome), "").Inc()
	costAvoidedTotal.WithLabelValues(cmd.AppID).Add(d.EstimatedCostUSD)

	if o.log != nil {
		o.log.Info(cmd.AppID, cmd.RequestID,
			fmt.Sprintf("request %s: %s", outcome, reason),
			map[string]interface{}{"code": code, "model": cmd.Model})
	}
	return nil
}

// fail finishes a request on an internal (non-provider) error.
func (o *Orchestrator) fail(ctx context.Context, cmd *Command, adm *admission, stage string, err error) error {
	d := adm.decision
	d.Outcome = OutcomeError
	d.Code = "INTERNAL_ERROR"
	d.PrimaryReason = err.Error()
	d.record(stage, false, "INTERNAL_ERROR", err.Error())
	adm.done = true

	_ = o.tracer.FailTrace(ctx, cmd.RequestID, trace.StatusError, err.Error(), stage,
		trace.Final{Outcome: string(OutcomeError), DecisionReasons: d.reasons()})

	if o.auditor != nil {
		_ = o.auditor.LogError(audit.Entry{
			RequestID: cmd.RequestID,
			AppID:     cmd.AppID,
			Code:      "INTERNAL_ERROR",
			Details:   map[string]interface{}{"stage": stage, "error": err.Error()},
		})
	}
	requestsTotal.WithLabelValues(string(OutcomeError), "").Inc()
	if o.log != nil {
		o.log.ErrorWithCode(cmd.AppID, cmd.RequestID, "pipeline stage failed", "INTERNAL_ERROR", err,
			map[string]interface{}{"stage": stage})
	}
	return nil
}

// failCall finishes a request whose provider call failed, mapping deadline
// expiry to the timeout status.
func (o *Orchestrator) failCall(ctx context.Context, cmd *Command, adm *admission, callErr error, elapsed time.Duration) *Decision {
	d := adm.decision
	d.Outcome = OutcomeError
	d.PrimaryReason = callErr.Error()

	status := trace.StatusError
	code := llm.ErrCodeProvider
	var pErr *llm.ProviderError
	if errors.As(callErr, &pErr) {
		code = pErr.Code
	}
	if errors.Is(callErr, context.DeadlineExceeded) || code == llm.ErrCodeTimeout {
		status = trace.StatusTimeout
		code = llm.ErrCodeTimeout
		timeoutsTotal.Inc()
	}
	d.Code = code
	d.record(StageLLMCall, false, code, callErr.Error())

	_ = o.tracer.FailTrace(ctx, cmd.RequestID, status, callErr.Error(), StageLLMCall,
		trace.Final{Outcome: string(OutcomeError), DecisionReasons: d.reasons(), RiskCategories: adm.riskCats})

	if o.auditor != nil {
		_ = o.auditor.LogError(audit.Entry{
			RequestID: cmd.RequestID,
			AppID:     cmd.AppID,
			Code:      code,
			Details:   map[string]interface{}{"provider": adm.provider.Name(), "error": callErr.Error()},
		})
	}
	requestsTotal.WithLabelValues(string(OutcomeError), adm.provider.Name()).Inc()
	requestDuration.WithLabelValues(adm.provider.Name()).Observe(elapsed.Seconds())

	if o.log != nil {
		o.log.ErrorWithCode(cmd.AppID, cmd.RequestID, "provider call failed", code, callErr,
			map[string]interface{}{"provider": adm.provider.Name(), "model": cmd.Model})
	}
	return d
}

// settle commits the actual cost to budgets and the ledger, closes the
// trace, and emits metrics. Settlement uses real usage, never the
// estimate.
func (o *Orchestrator) settle(ctx context.Context, cmd *Command, adm *admission, usage llm.Usage, elapsed time.Duration) {
	d := adm.decision
	actual := o.checker.EstimateCost(cmd.Model, usage.InputTokens, usage.OutputTokens)
	d.ActualCostUSD = actual

	span := o.tracer.StartSpan(cmd.RequestID, StageLedger)
	for _, b := range adm.budgets {
		if err := o.repo.RecordBudgetUsage(ctx, b.ID, actual); err != nil && o.log != nil {
			o.log.Error(cmd.AppID, cmd.RequestID,
				fmt.Sprintf("budget %d settlement failed: %v", b.ID, err), nil)
		}
	}
	if err := o.repo.RecordUsage(ctx, &store.UsageRecord{
		RequestID:    cmd.RequestID,
		AppID:        cmd.AppID,
		OrgID:        cmd.OrgID,
		Feature:      cmd.Feature,
		Model:        cmd.Model,
		Provider:     adm.provider.Name(),
		Environment:  cmd.Environment,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      actual,
		LatencyMS:    float64(elapsed.Milliseconds()),
	}); err != nil && o.log != nil {
		o.log.Error(cmd.AppID, cmd.RequestID, fmt.Sprintf("usage record failed: %v", err), nil)
	}
	o.tracer.EndSpan(cmd.RequestID, span)

	if len(d.Warnings) > 0 {
		d.Outcome = OutcomeWarn
	}

	_ = o.tracer.CompleteTrace(ctx, cmd.RequestID, trace.Final{
		Outcome:         string(d.Outcome),
		DecisionReasons: d.reasons(),
		RiskCategories:  adm.riskCats,
		InputTokens:     usage.InputTokens,
		OutputTokens:    usage.OutputTokens,
		ActualCostUSD:   actual,
	})

	if o.auditor != nil {
		_ = o.auditor.LogDecision(audit.Entry{
			RequestID: cmd.RequestID,
			AppID:     cmd.AppID,
			Code:      string(d.Outcome),
			Details: map[string]interface{}{
				"model": cmd.Model, "cost_usd": actual,
				"input_tokens": usage.InputTokens, "output_tokens": usage.OutputTokens,
			},
		})
	}

	requestsTotal.WithLabelValues(string(d.Outcome), adm.provider.Name()).Inc()
	requestDuration.WithLabelValues(adm.provider.Name()).Observe(elapsed.Seconds())
	costTotal.WithLabelValues(cmd.AppID, cmd.Model).Add(actual)

	if o.log != nil {
		o.log.InfoWithDuration(cmd.AppID, cmd.RequestID, "request completed",
			float64(elapsed.Milliseconds()), map[string]interface{}{
				"outcome": d.Outcome, "model": cmd.Model, "cost_usd": actual,
			})
	}
}
