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

// Package audit implements the append-only governance audit log with an
// async write queue and a file fallback so entries survive queue overflow
// and database outages.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"aegisgate/gateway/shared/logger"
)

// Mode selects the persistence guarantee.
type Mode string

const (
	// ModeCompliance writes violations synchronously; a denied request is
	// not acknowledged until its audit row is durable.
	ModeCompliance Mode = "compliance"

	// ModePerformance queues everything for async workers.
	ModePerformance Mode = "performance"
)

// Entry is one audit log row.
type Entry struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Severity  string                 `json:"severity,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	AppID     string                 `json:"app_id"`
	Code      string                 `json:"code,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	retries   int
}

// Queue manages audit persistence.
type Queue struct {
	mode         Mode
	queue        chan Entry
	db           *sql.DB
	log          *logger.Logger
	fallbackFile *os.File
	mu           sync.Mutex
	wg           sync.WaitGroup
	closed       atomic.Bool

	processed uint64
	failed    uint64
}

// NewQueue opens the fallback file and starts the workers. A nil db makes
// every entry go to the fallback file, which keeps the gateway usable
// without a database in development.
func NewQueue(mode Mode, queueSize, workers int, db *sql.DB, fallbackPath string, log *logger.Logger) (*Queue, error) {
	fallbackFile, err := os.OpenFile(fallbackPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open fallback file: %w", err)
	}

	if queueSize <= 0 {
		queueSize = 1000
	}
	if workers <= 0 {
		workers = 2
	}

	q := &Queue{
		mode:         mode,
		queue:        make(chan Entry, queueSize),
		db:           db,
		log:          log,
		fallbackFile: fallbackFile,
	}

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q, nil
}

// LogViolation records a governance denial. Synchronous in compliance
// mode.
func (q *Queue) LogViolation(entry Entry) error {
	entry.Type = "violation"
	entry.Timestamp = time.Now().UTC()

	if q.mode == ModeCompliance {
		if err := q.writeToDB(entry); err != nil {
			// Durability still holds through the fallback file.
			return q.writeToFallback(entry)
		}
		atomic.AddUint64(&q.processed, 1)
		return nil
	}
	return q.enqueue(entry)
}

// LogDecision records an allow/warn outcome. Always async.
func (q *Queue) LogDecision(entry Entry) error {
	entry.Type = "decision"
	entry.Timestamp = time.Now().UTC()
	return q.enqueue(entry)
}

// LogError records a pipeline or provider error. Always async.
func (q *Queue) LogError(entry Entry) error {
	entry.Type = "error"
	entry.Timestamp = time.Now().UTC()
	return q.enqueue(entry)
}

func (q *Queue) enqueue(entry Entry) error {
	if q.closed.Load() {
		return q.writeToFallback(entry)
	}
	select {
	case q.queue <- entry:
		return nil
	default:
		// Queue full: spill to the fallback file rather than block the
		// request path or drop the entry.
		return q.writeToFallback(entry)
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for entry := range q.queue {
		var err error
		for retry := 0; retry < 3; retry++ {
			if err = q.writeToDB(entry); err == nil {
				atomic.AddUint64(&q.processed, 1)
				break
			}
			time.Sleep(time.Millisecond * time.Duration(100*(retry+1)))
			entry.retries++
		}
		if err != nil {
			atomic.AddUint64(&q.failed, 1)
			if fbErr := q.writeToFallback(entry); fbErr != nil && q.log != nil {
				q.log.Error(entry.AppID, entry.RequestID,
					fmt.Sprintf("audit fallback write failed: %v", fbErr), nil)
			}
		}
	}
}

func (q *Queue) writeToDB(entry Entry) error {
	if q.db == nil {
		return fmt.Errorf("audit: no database")
	}
	details, err := json.Marshal(entry.Details)
	if err != nil {
		details = []byte("{}")
	}
	_, err = q.db.Exec(`
		INSERT INTO audit_logs (type, timestamp, severity, request_id, app_id, code, details)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, NULLIF($6, ''), $7)`,
		entry.Type, entry.Timestamp, entry.Severity, entry.RequestID, entry.AppID,
		entry.Code, details)
	return err
}

func (q *Queue) writeToFallback(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal fallback entry: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.fallbackFile.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: fallback write: %w", err)
	}
	return nil
}

// Stats exposes queue counters.
func (q *Queue) Stats() map[string]uint64 {
	return map[string]uint64{
		"processed": atomic.LoadUint64(&q.processed),
		"failed":    atomic.LoadUint64(&q.failed),
		"queued":    uint64(len(q.queue)),
	}
}

// Shutdown drains the queue and closes the fallback file.
func (q *Queue) Shutdown(ctx context.Context) error {
	if q.closed.Swap(true) {
		return nil
	}
	close(q.queue)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("audit: shutdown timed out with %d queued", len(q.queue))
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.fallbackFile.Close(); err != nil && waitErr == nil {
		waitErr = err
	}
	return waitErr
}
