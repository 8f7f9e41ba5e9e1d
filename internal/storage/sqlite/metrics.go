package sqlite

import (
	"context"
	"fmt"

	gateway "github.com/sectorflux/sectorflux/internal"
)

// AggregateMetrics computes metrics over the full log table via three
// scans: a count, an average, and a count of cache-served rows. duration_ms
// == 0 is the cache-hit sentinel (written by the serveCacheHit paths in
// internal/proxy and internal/chat), so the average
// includes cache hits as zeros -- this depresses the figure under a high
// cache hit rate, matching the upstream's observed behavior rather than
// excluding cache hits from the latency average.
func (s *Store) AggregateMetrics(ctx context.Context) (gateway.AggregateMetrics, error) {
	var total int64
	if err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&total); err != nil {
		return gateway.AggregateMetrics{}, fmt.Errorf("sqlite: count requests: %w", err)
	}
	if total == 0 {
		return gateway.AggregateMetrics{}, nil
	}

	var avg float64
	if err := s.read.QueryRowContext(ctx, `SELECT AVG(duration_ms) FROM requests`).Scan(&avg); err != nil {
		return gateway.AggregateMetrics{}, fmt.Errorf("sqlite: avg duration: %w", err)
	}

	var cacheHits int64
	if err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests WHERE duration_ms = 0`).Scan(&cacheHits); err != nil {
		return gateway.AggregateMetrics{}, fmt.Errorf("sqlite: count cache hits: %w", err)
	}

	return gateway.AggregateMetrics{
		TotalRequests: total,
		AvgLatencyMs:  avg,
		CacheHitRate:  float64(cacheHits) / float64(total),
	}, nil
}
