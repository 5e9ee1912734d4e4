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

// Package trace records per-request decision traces: an initial pending
// record, ordered spans for each pipeline stage, and a final outcome with
// token counts, cost, and the reasons behind the decision.
//
// The tracer runs in two modes:
//   - Database mode: completed traces persist to PostgreSQL through async
//     workers (production)
//   - Memory mode: traces stay in memory (testing)
//
// All methods are safe for concurrent use.
package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"aegisgate/gateway/shared/logger"
)

// ErrNotFound is returned by GetTrace when no trace exists for the id.
var ErrNotFound = errors.New("trace: not found")

// Status is the lifecycle state of a trace.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
)

// Span is one pipeline stage within a trace. Spans are recorded in the
// order the stages ran; StartedAt precedes EndedAt and spans never overlap
// within one request.
type Span struct {
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Note      string    `json:"note,omitempty"`
}

// Trace is one request's governance record.
type Trace struct {
	RequestID            string    `json:"request_id"`
	AppID                string    `json:"app_id"`
	OrgID                string    `json:"org_id,omitempty"`
	Model                string    `json:"model"`
	Feature              string    `json:"feature,omitempty"`
	Environment          string    `json:"environment,omitempty"`
	Status               Status    `json:"status"`
	Outcome              string    `json:"outcome,omitempty"`
	DecisionReasons      []string  `json:"decision_reasons,omitempty"`
	RiskCategories       []string  `json:"risk_categories,omitempty"`
	EstimatedCostAvoided float64   `json:"estimated_cost_avoided,omitempty"`
	InputTokens          int       `json:"input_tokens,omitempty"`
	OutputTokens         int       `json:"output_tokens,omitempty"`
	ActualCostUSD        float64   `json:"actual_cost_usd,omitempty"`
	ErrorMessage         string    `json:"error_message,omitempty"`
	FailedStep           string    `json:"failed_step,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	CompletedAt          time.Time `json:"completed_at,omitempty"`
	Spans                []Span    `json:"spans,omitempty"`

	mu sync.Mutex
}

// Final carries the completion data for a trace.
type Final struct {
	Outcome              string
	DecisionReasons      []string
	RiskCategories       []string
	EstimatedCostAvoided float64
	InputTokens          int
	OutputTokens         int
	ActualCostUSD        float64
}

// Tracer creates, annotates, and persists traces.
type Tracer struct {
	db        *sql.DB
	log       *logger.Logger
	useMemory bool

	mu     sync.RWMutex
	active map[string]*Trace
	// memoryStore keeps finished traces in memory mode.
	memoryStore map[string]*Trace

	asyncQueue chan *Trace
	wg         sync.WaitGroup
	closed     atomic.Bool

	tracesCreated uint64
	writeErrors   uint64
}

// Config configures the tracer.
type Config struct {
	// DB is the PostgreSQL connection. Nil selects memory mode.
	DB *sql.DB

	// QueueSize buffers completed traces for async persistence.
	// Default 1000.
	QueueSize int

	// Workers is the number of persistence goroutines. Default 2.
	Workers int

	Logger *logger.Logger
}

// NewTracer creates a tracer and starts its persistence workers.
func NewTracer(cfg Config) *Tracer {
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}

	t := &Tracer{
		db:          cfg.DB,
		log:         cfg.Logger,
		useMemory:   cfg.DB == nil,
		active:      make(map[string]*Trace),
		memoryStore: make(map[string]*Trace),
	}

	if !t.useMemory {
		t.asyncQueue = make(chan *Trace, cfg.QueueSize)
		for i := 0; i < cfg.Workers; i++ {
			t.wg.Add(1)
			go t.worker()
		}
	}
	return t
}

// CreateTrace registers a new pending trace. In database mode the pending
// row is written synchronously so a trace exists even if the process dies
// mid-request.
func (t *Tracer) CreateTrace(ctx context.Context, tr *Trace) error {
	tr.Status = StatusPending
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	atomic.AddUint64(&t.tracesCreated, 1)

	t.mu.Lock()
	t.active[tr.RequestID] = tr
	t.mu.Unlock()

	if t.useMemory {
		return nil
	}

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO request_traces (request_id, app_id, org_id, model, feature, environment, status, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)`,
		tr.RequestID, tr.AppID, tr.OrgID, tr.Model, tr.Feature, tr.Environment, tr.Status, tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("trace: create: %w", err)
	}
	return nil
}

// StartSpan opens a span on an active trace. Unknown request ids return a
// detached span so pipeline code never branches on tracing state.
func (t *Tracer) StartSpan(requestID, name string) *Span {
	span := &Span{Name: name, StartedAt: time.Now().UTC()}

	t.mu.RLock()
	tr := t.active[requestID]
	t.mu.RUnlock()
	if tr == nil {
		return span
	}

	tr.mu.Lock()
	tr.Spans = append(tr.Spans, *span)
	tr.mu.Unlock()
	return span
}

// EndSpan closes a span and syncs its end time back onto the trace.
func (t *Tracer) EndSpan(requestID string, span *Span) {
	span.EndedAt = time.Now().UTC()

	t.mu.RLock()
	tr := t.active[requestID]
	t.mu.RUnlock()
	if tr == nil {
		return
	}

	tr.mu.Lock()
	for i := len(tr.Spans) - 1; i >= 0; i-- {
		if tr.Spans[i].Name == span.Name && tr.Spans[i].EndedAt.IsZero() {
			tr.Spans[i].EndedAt = span.EndedAt
			tr.Spans[i].Note = span.Note
			break
		}
	}
	tr.mu.Unlock()
}

// CompleteTrace finishes a trace with its outcome and final accounting.
func (t *Tracer) CompleteTrace(ctx context.Context, requestID string, final Final) error {
	return t.finish(ctx, requestID, StatusCompleted, final, "", "")
}

// FailTrace finishes a trace in an error state, recording which step
// failed. Timeouts pass StatusTimeout.
func (t *Tracer) FailTrace(ctx context.Context, requestID string, status Status, errMsg, step string, final Final) error {
	if status != StatusTimeout {
		status = StatusError
	}
	return t.finish(ctx, requestID, status, final, errMsg, step)
}

func (t *Tracer) finish(ctx context.Context, requestID string, status Status, final Final, errMsg, step string) error {
	t.mu.Lock()
	tr := t.active[requestID]
	delete(t.active, requestID)
	t.mu.Unlock()
	if tr == nil {
		return fmt.Errorf("trace: unknown request %s", requestID)
	}

	tr.mu.Lock()
	tr.Status = status
	tr.Outcome = final.Outcome
	tr.DecisionReasons = final.DecisionReasons
	tr.RiskCategories = final.RiskCategories
	tr.EstimatedCostAvoided = final.EstimatedCostAvoided
	tr.InputTokens = final.InputTokens
	tr.OutputTokens = final.OutputTokens
	tr.ActualCostUSD = final.ActualCostUSD
	tr.ErrorMessage = errMsg
	tr.FailedStep = step
	tr.CompletedAt = time.Now().UTC()
	tr.mu.Unlock()

	if t.useMemory {
		t.mu.Lock()
		t.memoryStore[requestID] = tr
		t.mu.Unlock()
		return nil
	}

	// Queue for async persistence; write synchronously when full.
	if t.asyncQueue != nil && !t.closed.Load() {
		select {
		case t.asyncQueue <- tr:
			return nil
		default:
		}
	}
	return t.persist(ctx, tr)
}

func (t *Tracer) worker() {
	defer t.wg.Done()
	for tr := range t.asyncQueue {
		if err := t.persist(context.Background(), tr); err != nil {
			atomic.AddUint64(&t.writeErrors, 1)
			if t.log != nil {
				t.log.Error(tr.AppID, tr.RequestID, fmt.Sprintf("trace persist failed: %v", err), nil)
			}
		}
	}
}

func (t *Tracer) persist(ctx context.Context, tr *Trace) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("trace: begin persist: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE request_traces
		SET status = $2, outcome = $3, decision_reasons = $4, risk_categories = $5,
		    estimated_cost_avoided = $6, input_tokens = $7, output_tokens = $8,
		    actual_cost_usd = $9, error_message = NULLIF($10, ''),
		    failed_step = NULLIF($11, ''), completed_at = $12
		WHERE request_id = $1`,
		tr.RequestID, tr.Status, tr.Outcome, pq.Array(tr.DecisionReasons),
		pq.Array(tr.RiskCategories), tr.EstimatedCostAvoided, tr.InputTokens,
		tr.OutputTokens, tr.ActualCostUSD, tr.ErrorMessage, tr.FailedStep,
		tr.CompletedAt); err != nil {
		return fmt.Errorf("trace: update: %w", err)
	}

	for i, span := range tr.Spans {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trace_spans (request_id, seq, name, started_at, ended_at, note)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))`,
			tr.RequestID, i, span.Name, span.StartedAt, span.EndedAt, span.Note); err != nil {
			return fmt.Errorf("trace: insert span: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("trace: commit persist: %w", err)
	}
	return nil
}

// GetTrace fetches a finished or in-flight trace by request id.
func (t *Tracer) GetTrace(ctx context.Context, requestID string) (*Trace, error) {
	t.mu.RLock()
	if tr, ok := t.active[requestID]; ok {
		t.mu.RUnlock()
		return tr, nil
	}
	if tr, ok := t.memoryStore[requestID]; ok {
		t.mu.RUnlock()
		return tr, nil
	}
	t.mu.RUnlock()

	if t.useMemory {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return t.loadFromDB(ctx, requestID)
}

func (t *Tracer) loadFromDB(ctx context.Context, requestID string) (*Trace, error) {
	tr := &Trace{}
	var completedAt sql.NullTime
	err := t.db.QueryRowContext(ctx, `
		SELECT request_id, app_id, COALESCE(org_id, ''), model, COALESCE(feature, ''),
		       COALESCE(environment, ''), status, COALESCE(outcome, ''),
		       decision_reasons, risk_categories, estimated_cost_avoided,
		       input_tokens, output_tokens, actual_cost_usd,
		       COALESCE(error_message, ''), COALESCE(failed_step, ''),
		       created_at, completed_at
		FROM request_traces WHERE request_id = $1`, requestID).
		Scan(&tr.RequestID, &tr.AppID, &tr.OrgID, &tr.Model, &tr.Feature,
			&tr.Environment, &tr.Status, &tr.Outcome,
			pq.Array(&tr.DecisionReasons), pq.Array(&tr.RiskCategories),
			&tr.EstimatedCostAvoided, &tr.InputTokens, &tr.OutputTokens,
			&tr.ActualCostUSD, &tr.ErrorMessage, &tr.FailedStep,
			&tr.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("trace: load: %w", err)
	}
	if completedAt.Valid {
		tr.CompletedAt = completedAt.Time
	}

	rows, err := t.db.QueryContext(ctx, `
		SELECT name, started_at, ended_at, COALESCE(note, '')
		FROM trace_spans WHERE request_id = $1 ORDER BY seq`, requestID)
	if err != nil {
		return nil, fmt.Errorf("trace: load spans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var span Span
		if err := rows.Scan(&span.Name, &span.StartedAt, &span.EndedAt, &span.Note); err != nil {
			return nil, fmt.Errorf("trace: scan span: %w", err)
		}
		tr.Spans = append(tr.Spans, span)
	}
	return tr, rows.Err()
}

// Stats exposes tracer counters for health endpoints.
func (t *Tracer) Stats() map[string]uint64 {
	return map[string]uint64{
		"traces_created": atomic.LoadUint64(&t.tracesCreated),
		"write_errors":   atomic.LoadUint64(&t.writeErrors),
	}
}

// Shutdown drains the async queue, waiting up to the context deadline.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.asyncQueue == nil {
		return nil
	}
	close(t.asyncQueue)

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("trace: shutdown timed out with %d queued", len(t.asyncQueue))
	}
}
