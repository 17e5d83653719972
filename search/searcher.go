package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/convmem/core"
	"github.com/poiesic/convmem/metrics"
	"github.com/poiesic/convmem/storage"
)

// DefaultLimit is the number of matches returned when no limit is given.
const DefaultLimit = 20

// Searcher runs keyword queries against the bound backend.
type Searcher struct {
	executor storage.Executor
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Searcher.
type Option func(*Searcher) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithMetrics records query metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Searcher) error {
		s.metrics = m
		return nil
	}
}

// NewSearcher creates a new searcher.
func NewSearcher(executor storage.Executor, opts ...Option) (*Searcher, error) {
	if executor == nil {
		return nil, ErrExecutorRequired
	}

	s := &Searcher{
		executor: executor,
		logger:   slog.Default(),
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Search returns up to limit entries of the session matching query,
// most recent first. A zero limit selects DefaultLimit.
// An empty query matches every entry.
func (s *Searcher) Search(ctx context.Context, sessionID, query string, limit int) ([]core.Match, error) {
	return s.SearchWithMonitor(ctx, sessionID, query, limit, nil)
}

// SearchWithMonitor is Search with callbacks at each stage.
// Pass nil to disable monitoring.
func (s *Searcher) SearchWithMonitor(ctx context.Context, sessionID, query string, limit int, monitor SearchMonitor) ([]core.Match, error) {
	if monitor == nil {
		monitor = &noopMonitor{}
	}

	if sessionID == "" {
		err := fmt.Errorf("%w: %w", storage.ErrInvalidQuery, core.ErrEmptySessionID)
		monitor.Finish(nil, err)
		return nil, err
	}
	if limit < 0 {
		err := fmt.Errorf("%w: limit cannot be negative, got %d", storage.ErrInvalidQuery, limit)
		monitor.Finish(nil, err)
		return nil, err
	}
	if limit == 0 {
		limit = DefaultLimit
	}

	monitor.Start(sessionID, query, limit)

	var matches []core.Match
	err := s.executor.Do(ctx, func(backend storage.Backend) error {
		start := time.Now()
		var err error
		matches, err = backend.Query(ctx, sessionID, query, limit)
		s.metrics.ObserveOperation(metrics.OpQuery, backend.Kind(), err, time.Since(start))
		if err != nil {
			return err
		}
		monitor.AfterBackendQuery(backend.Kind(), matches)
		return nil
	})
	if err != nil {
		s.logger.Warn("query failed", "session_id", sessionID, "err", err)
		monitor.Finish(nil, err)
		return nil, err
	}
	if matches == nil {
		matches = []core.Match{}
	}

	s.logger.Debug("query complete", "session_id", sessionID, "matches", len(matches))
	monitor.Finish(matches, nil)
	return matches, nil
}
