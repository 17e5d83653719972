package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/convmem/core"
	"github.com/poiesic/convmem/metrics"
	"github.com/poiesic/convmem/storage"
)

// Turn is one conversational exchange.
type Turn struct {
	SessionID string
	Number    int64 // conversational turn number, starting at 1
	User      string
	Assistant string
	Metadata  map[string]any // attached verbatim to both entries
}

// Result holds the identifiers of a recorded turn.
type Result struct {
	// EntryID identifies the assistant entry.
	EntryID string
	// UserEntryID identifies the user entry.
	UserEntryID string
}

// Recorder writes conversational turns to the bound backend.
type Recorder struct {
	executor storage.Executor
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		if logger == nil {
			logger = slog.Default()
		}
		r.logger = logger
	}
}

// WithClock sets the time source for entry timestamps.
// Default is time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMetrics records per-entry save metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) {
		r.metrics = m
	}
}

// NewRecorder creates a Recorder that saves through executor.
func NewRecorder(executor storage.Executor, opts ...Option) (*Recorder, error) {
	if executor == nil {
		return nil, ErrExecutorRequired
	}
	r := &Recorder{
		executor: executor,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Record saves the user entry then the assistant entry of turn.
// Each entry is stamped with the current UTC time as it is built.
func (r *Recorder) Record(ctx context.Context, turn Turn) (Result, error) {
	if turn.SessionID == "" {
		return Result{}, fmt.Errorf("%w: %w", core.ErrInvalidTurn, core.ErrEmptySessionID)
	}
	if turn.Number < 1 || turn.Number > core.MaxTurn {
		return Result{}, fmt.Errorf("%w: turn number must be between 1 and %d, got %d", core.ErrInvalidTurn, core.MaxTurn, turn.Number)
	}

	var result Result
	err := r.executor.Do(ctx, func(backend storage.Backend) error {
		userID, err := r.save(ctx, backend, turn, core.SpeakerUser, core.UserSequence(turn.Number), turn.User)
		if err != nil {
			return err
		}
		result.UserEntryID = userID

		assistantID, err := r.save(ctx, backend, turn, core.SpeakerAssistant, core.AssistantSequence(turn.Number), turn.Assistant)
		if err != nil {
			r.logger.Warn("assistant entry not saved, user entry kept",
				"session_id", turn.SessionID, "turn", turn.Number, "user_entry", userID)
			return err
		}

		result.EntryID = assistantID
		if result.EntryID == "" {
			result.EntryID = userID
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	r.logger.Debug("turn recorded", "session_id", turn.SessionID, "turn", turn.Number, "entry_id", result.EntryID)
	return result, nil
}

func (r *Recorder) save(ctx context.Context, backend storage.Backend, turn Turn, speaker core.Speaker, seq int64, text string) (string, error) {
	entry := &core.Entry{
		SessionID: turn.SessionID,
		Turn:      seq,
		Speaker:   speaker,
		Text:      text,
		Timestamp: r.now().UTC(),
		Metadata:  turn.Metadata,
	}

	start := time.Now()
	id, err := backend.Save(ctx, entry)
	r.metrics.ObserveOperation(metrics.OpSave, backend.Kind(), err, time.Since(start))
	return id, err
}
