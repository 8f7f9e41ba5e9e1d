package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gateway "github.com/sectorflux/sectorflux/internal"
)

// sqliteTimestamp is the layout produced by the schema's
// strftime('%Y-%m-%dT%H:%M:%fZ', 'now') default.
const sqliteTimestamp = "2006-01-02T15:04:05.000Z"

// writeLog inserts entry and prunes rows beyond maxHistoryRows. Failures are
// logged, never returned -- the caller (Run) has no one to report them to.
func (s *Store) writeLog(entry gateway.LogEntry) {
	const insert = `
		INSERT INTO requests (
			method, endpoint, model, request_body, response_status, response_body,
			duration_ms, prompt_tokens, completion_tokens,
			prompt_eval_duration_ms, eval_duration_ms, ttft_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.write.Exec(insert,
		entry.Method, entry.Endpoint, entry.Model, entry.RequestBody,
		entry.ResponseStatus, entry.ResponseBody, entry.DurationMs,
		entry.PromptTokens, entry.CompletionTokens,
		entry.PromptEvalDurationMs, entry.EvalDurationMs, entry.TTFTMs,
	)
	if err != nil {
		logWriteError("insert request", err)
		return
	}

	const prune = `
		DELETE FROM requests WHERE id NOT IN (
			SELECT id FROM requests ORDER BY id DESC LIMIT ?
		)`
	if _, err := s.write.Exec(prune, maxHistoryRows); err != nil {
		logWriteError("prune requests", err)
	}
}

// GetLogs returns the most recent limit rows in descending id order.
func (s *Store) GetLogs(ctx context.Context, limit int) ([]gateway.LogEntry, error) {
	const query = `
		SELECT id, timestamp, method, endpoint, model, request_body, response_body,
		       response_status, duration_ms, prompt_tokens, completion_tokens,
		       prompt_eval_duration_ms, eval_duration_ms, ttft_ms, is_starred
		FROM requests ORDER BY id DESC LIMIT ?`

	rows, err := s.read.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get logs: %w", err)
	}
	defer rows.Close()

	var out []gateway.LogEntry
	for rows.Next() {
		var e gateway.LogEntry
		if err := scanLogEntry(rows, &e); err != nil {
			return nil, fmt.Errorf("sqlite: scan log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetLog returns the row with the given id, or gateway.ErrNotFound.
func (s *Store) GetLog(ctx context.Context, id int64) (*gateway.LogEntry, error) {
	const query = `
		SELECT id, timestamp, method, endpoint, model, request_body, response_body,
		       response_status, duration_ms, prompt_tokens, completion_tokens,
		       prompt_eval_duration_ms, eval_duration_ms, ttft_ms, is_starred
		FROM requests WHERE id = ?`

	row := s.read.QueryRowContext(ctx, query, id)
	var e gateway.LogEntry
	if err := scanLogEntry(row, &e); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, gateway.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get log: %w", err)
	}
	return &e, nil
}

// SetStarred idempotently updates the starred flag for id.
func (s *Store) SetStarred(ctx context.Context, id int64, starred bool) error {
	const update = `UPDATE requests SET is_starred = ? WHERE id = ?`
	res, err := s.write.ExecContext(ctx, update, starred, id)
	if err != nil {
		return fmt.Errorf("sqlite: set starred: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: set starred: %w", err)
	}
	if n == 0 {
		return gateway.ErrNotFound
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanLogEntry(r rowScanner, e *gateway.LogEntry) error {
	var ts string
	if err := r.Scan(
		&e.ID, &ts, &e.Method, &e.Endpoint, &e.Model, &e.RequestBody,
		&e.ResponseBody, &e.ResponseStatus, &e.DurationMs, &e.PromptTokens,
		&e.CompletionTokens, &e.PromptEvalDurationMs, &e.EvalDurationMs,
		&e.TTFTMs, &e.IsStarred,
	); err != nil {
		return err
	}
	parsed, err := time.Parse(sqliteTimestamp, ts)
	if err != nil {
		// Fall back to RFC3339Nano for rows written with a differing
		// fractional-second width than the schema default.
		parsed, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
	}
	e.Timestamp = parsed
	return nil
}
