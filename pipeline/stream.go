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
	"time"

	"aegisgate/gateway/audit"
	"aegisgate/gateway/llm"
	"aegisgate/gateway/trace"
)

// ExecuteStream runs the pipeline for a streaming request. Governance runs
// in full before the first chunk; a blocked request returns a final
// decision and a nil channel. On success the returned channel carries
// canonical chunks and closes after the done sentinel, at which point the
// ledger is settled from the accumulated output.
func (o *Orchestrator) ExecuteStream(ctx context.Context, cmd *Command) (*Decision, <-chan llm.StreamChunk, error) {
	adm, err := o.admit(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}
	if adm.done {
		return adm.decision, nil, nil
	}

	d := adm.decision
	start := time.Now()

	span := o.tracer.StartSpan(cmd.RequestID, StageLLMCall)
	upstream, callErr := adm.provider.ChatStream(ctx, llm.ChatRequest{
		Model:       cmd.Model,
		Messages:    cmd.Messages,
		MaxTokens:   cmd.MaxTokens,
		Temperature: cmd.Temperature,
		Stream:      true,
	}, adm.apiKey)
	if callErr != nil {
		o.tracer.EndSpan(cmd.RequestID, span)
		streamsFinished.WithLabelValues("error").Inc()
		return o.failCall(ctx, cmd, adm, callErr, time.Since(start)), nil, nil
	}

	out := make(chan llm.StreamChunk)
	go o.relay(ctx, cmd, adm, span, upstream, out, start)
	return d, out, nil
}

// relay forwards provider chunks to the caller, accumulating output size
// for settlement. The finished metric fires exactly once per stream.
func (o *Orchestrator) relay(ctx context.Context, cmd *Command, adm *admission, span *trace.Span, upstream <-chan llm.StreamChunk, out chan<- llm.StreamChunk, start time.Time) {
	defer close(out)

	var contentLen int
	var sawDone bool

	for chunk := range upstream {
		if chunk.Err != nil {
			o.tracer.EndSpan(cmd.RequestID, span)
			streamsFinished.WithLabelValues("error").Inc()
			o.failStream(ctx, cmd, adm, chunk.Err)
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
			return
		}
		if !chunk.Done {
			if c, perr := llm.ParseChunk(chunk.Data); perr == nil {
				for _, choice := range c.Choices {
					contentLen += len(choice.Delta.Content)
				}
			}
		}

		select {
		case out <- chunk:
		case <-ctx.Done():
			// Caller walked away mid-stream. Settle what was delivered.
			o.tracer.EndSpan(cmd.RequestID, span)
			streamsFinished.WithLabelValues("abandoned").Inc()
			o.settleStream(ctx, cmd, adm, contentLen, time.Since(start))
			return
		}
		if chunk.Done {
			sawDone = true
			break
		}
	}

	o.tracer.EndSpan(cmd.RequestID, span)
	if !sawDone {
		streamsFinished.WithLabelValues("error").Inc()
		o.failStream(ctx, cmd, adm, errors.New("stream ended without done sentinel"))
		return
	}
	streamsFinished.WithLabelValues("completed").Inc()
	o.settleStream(ctx, cmd, adm, contentLen, time.Since(start))
}

// settleStream settles a stream's ledger. Streaming responses carry no
// usage object, so output tokens come from the accumulated content.
func (o *Orchestrator) settleStream(ctx context.Context, cmd *Command, adm *admission, contentLen int, elapsed time.Duration) {
	in := llm.EstimateTokens(cmd.Messages)
	outTokens := contentLen/4 + 1
	usage := llm.Usage{
		InputTokens:  in,
		OutputTokens: outTokens,
		TotalTokens:  in + outTokens,
	}
	adm.decision.Usage = usage
	o.settle(context.WithoutCancel(ctx), cmd, adm, usage, elapsed)
}

// failStream closes out a stream that died after the first chunk.
func (o *Orchestrator) failStream(ctx context.Context, cmd *Command, adm *admission, streamErr error) {
	d := adm.decision
	d.Outcome = OutcomeError
	d.Code = llm.ErrCodeProvider
	var pErr *llm.ProviderError
	if errors.As(streamErr, &pErr) {
		d.Code = pErr.Code
	}
	d.PrimaryReason = streamErr.Error()
	d.record(StageLLMCall, false, d.Code, streamErr.Error())

	_ = o.tracer.FailTrace(context.WithoutCancel(ctx), cmd.RequestID, trace.StatusError,
		streamErr.Error(), StageLLMCall,
		trace.Final{Outcome: string(OutcomeError), DecisionReasons: d.reasons(), RiskCategories: adm.riskCats})

	if o.auditor != nil {
		_ = o.auditor.LogError(audit.Entry{
			RequestID: cmd.RequestID,
			AppID:     cmd.AppID,
			Code:      d.Code,
			Details:   map[string]interface{}{"provider": adm.provider.Name(), "error": streamErr.Error()},
		})
	}
	requestsTotal.WithLabelValues(string(OutcomeError), adm.provider.Name()).Inc()

	if o.log != nil {
		o.log.ErrorWithCode(cmd.AppID, cmd.RequestID, "stream failed", d.Code, streamErr,
			map[string]interface{}{"provider": adm.provider.Name(), "model": cmd.Model})
	}
}
