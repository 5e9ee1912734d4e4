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

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Reader serves filtered reads over the audit log.
type Reader struct {
	db *sql.DB
}

// NewReader wraps a database handle.
func NewReader(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// ByRequestID returns all entries for one request, oldest first.
func (r *Reader) ByRequestID(ctx context.Context, requestID string) ([]Entry, error) {
	return r.query(ctx, `
		SELECT type, timestamp, COALESCE(severity, ''), COALESCE(request_id, ''),
		       app_id, COALESCE(code, ''), details
		FROM audit_logs WHERE request_id = $1 ORDER BY timestamp`, requestID)
}

// ByApp returns an app's most recent entries.
func (r *Reader) ByApp(ctx context.Context, appID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, `
		SELECT type, timestamp, COALESCE(severity, ''), COALESCE(request_id, ''),
		       app_id, COALESCE(code, ''), details
		FROM audit_logs WHERE app_id = $1 ORDER BY timestamp DESC LIMIT $2`, appID, limit)
}

// ListBlocked returns violation entries since a point in time.
func (r *Reader) ListBlocked(ctx context.Context, since time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, `
		SELECT type, timestamp, COALESCE(severity, ''), COALESCE(request_id, ''),
		       app_id, COALESCE(code, ''), details
		FROM audit_logs
		WHERE type = 'violation' AND timestamp >= $1
		ORDER BY timestamp DESC LIMIT $2`, since, limit)
}

// CountErrors counts error entries since a point in time.
func (r *Reader) CountErrors(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_logs WHERE type = 'error' AND timestamp >= $1`, since).
		Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("audit: count errors: %w", err)
	}
	return count, nil
}

// CleanupOldLogs hard-deletes entries beyond the retention window and
// returns how many rows were removed.
func (r *Reader) CleanupOldLogs(ctx context.Context, retentionDays int) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM audit_logs WHERE timestamp < NOW() - ($1 || ' days')::interval`,
		retentionDays)
	if err != nil {
		return 0, fmt.Errorf("audit: cleanup: %w", err)
	}
	return result.RowsAffected()
}

func (r *Reader) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var details []byte
		if err := rows.Scan(&e.Type, &e.Timestamp, &e.Severity, &e.RequestID,
			&e.AppID, &e.Code, &details); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
