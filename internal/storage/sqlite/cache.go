package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CacheLookup returns the cached (status, body) for an exact request-body
// match, or ok=false if no row exists. The cache table is never pruned or
// expired by the store; entries persist until explicitly replaced.
func (s *Store) CacheLookup(ctx context.Context, requestBody []byte) (int, []byte, bool) {
	const query = `SELECT response_status, response_body FROM cache WHERE request_body = ?`

	var status int
	var body string
	err := s.read.QueryRowContext(ctx, query, string(requestBody)).Scan(&status, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, false
	}
	if err != nil {
		logWriteError("cache lookup", err)
		return 0, nil, false
	}
	return status, []byte(body), true
}

// CachePut inserts or replaces the cache entry for requestBody.
func (s *Store) CachePut(ctx context.Context, requestBody []byte, status int, body []byte) error {
	const upsert = `
		INSERT INTO cache (request_body, response_status, response_body) VALUES (?, ?, ?)
		ON CONFLICT(request_body) DO UPDATE SET response_status = excluded.response_status,
			response_body = excluded.response_body`

	if _, err := s.write.ExecContext(ctx, upsert, string(requestBody), status, string(body)); err != nil {
		return fmt.Errorf("sqlite: cache put: %w", err)
	}
	return nil
}
