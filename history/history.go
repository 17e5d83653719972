// Package history adapts conversation memory to langchaingo's chat
// message history, so langchaingo chains and agents can keep their
// conversation in the active backend.
//
// Human messages occupy odd sequence numbers and AI messages even ones,
// matching the layout the turn recorder produces. Entries are never
// deleted, so Clear is unsupported.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/poiesic/convmem/core"
	"github.com/poiesic/convmem/storage"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

var (
	// ErrClearUnsupported is returned by Clear; entries cannot be deleted.
	ErrClearUnsupported = errors.New("clearing conversation memory is not supported")

	// ErrUnsupportedMessage is returned for message types other than human and AI.
	ErrUnsupportedMessage = errors.New("unsupported chat message type")
)

// History is a schema.ChatMessageHistory over one session.
type History struct {
	executor  storage.Executor
	sessionID string
	now       func() time.Time
	logger    *slog.Logger

	mu sync.Mutex
}

var _ schema.ChatMessageHistory = (*History)(nil)

// Option configures a History.
type Option func(*History)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(h *History) {
		if logger == nil {
			logger = slog.Default()
		}
		h.logger = logger
	}
}

// WithClock sets the time source for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *History) {
		if now != nil {
			h.now = now
		}
	}
}

// New creates a History for sessionID.
func New(executor storage.Executor, sessionID string, opts ...Option) (*History, error) {
	if executor == nil {
		return nil, errors.New("backend executor required")
	}
	if sessionID == "" {
		return nil, core.ErrEmptySessionID
	}
	h := &History{
		executor:  executor,
		sessionID: sessionID,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// AddMessage appends a human or AI message.
func (h *History) AddMessage(ctx context.Context, message llms.ChatMessage) error {
	speaker, err := speakerFor(message)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	return h.executor.Do(ctx, func(backend storage.Backend) error {
		last, err := lastSequence(ctx, backend, h.sessionID)
		if err != nil {
			return err
		}
		_, err = backend.Save(ctx, h.entry(nextSequence(last, speaker), speaker, message.GetContent()))
		return err
	})
}

// AddUserMessage appends a human message at the next odd sequence number.
func (h *History) AddUserMessage(ctx context.Context, message string) error {
	return h.AddMessage(ctx, llms.HumanChatMessage{Content: message})
}

// AddAIMessage appends an AI message at the next even sequence number.
func (h *History) AddAIMessage(ctx context.Context, message string) error {
	return h.AddMessage(ctx, llms.AIChatMessage{Content: message})
}

// Clear always fails with ErrClearUnsupported.
func (h *History) Clear(_ context.Context) error {
	return ErrClearUnsupported
}

// Messages returns the session's messages in sequence order.
func (h *History) Messages(ctx context.Context) ([]llms.ChatMessage, error) {
	var matches []core.Match
	err := h.executor.Do(ctx, func(backend storage.Backend) error {
		last, err := lastSequence(ctx, backend, h.sessionID)
		if err != nil || last == 0 {
			return err
		}
		// A session never holds more entries than its highest sequence number
		matches, err = backend.Query(ctx, h.sessionID, "", int(last))
		return err
	})
	if err != nil {
		return nil, err
	}

	slices.Reverse(matches)
	messages := make([]llms.ChatMessage, 0, len(matches))
	for _, m := range matches {
		switch m.Speaker {
		case core.SpeakerUser:
			messages = append(messages, llms.HumanChatMessage{Content: m.Text})
		case core.SpeakerAssistant:
			messages = append(messages, llms.AIChatMessage{Content: m.Text})
		}
	}
	return messages, nil
}

// SetMessages writes messages from sequence 1 onwards, overwriting
// entries with the same sequence numbers. Entries beyond the rewritten
// range are left in place.
func (h *History) SetMessages(ctx context.Context, messages []llms.ChatMessage) error {
	speakers := make([]core.Speaker, len(messages))
	for i, message := range messages {
		speaker, err := speakerFor(message)
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		speakers[i] = speaker
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	return h.executor.Do(ctx, func(backend storage.Backend) error {
		var seq int64
		for i, message := range messages {
			seq = nextSequence(seq, speakers[i])
			if _, err := backend.Save(ctx, h.entry(seq, speakers[i], message.GetContent())); err != nil {
				return err
			}
		}
		h.logger.Debug("history rewritten", "session_id", h.sessionID, "messages", len(messages), "last_sequence", seq)
		return nil
	})
}

func (h *History) entry(seq int64, speaker core.Speaker, text string) *core.Entry {
	return &core.Entry{
		SessionID: h.sessionID,
		Turn:      seq,
		Speaker:   speaker,
		Text:      text,
		Timestamp: h.now().UTC(),
	}
}

func speakerFor(message llms.ChatMessage) (core.Speaker, error) {
	switch message.GetType() {
	case llms.ChatMessageTypeHuman:
		return core.SpeakerUser, nil
	case llms.ChatMessageTypeAI:
		return core.SpeakerAssistant, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMessage, message.GetType())
	}
}

// lastSequence returns the highest sequence number stored for the session, or 0.
func lastSequence(ctx context.Context, backend storage.Backend, sessionID string) (int64, error) {
	matches, err := backend.Query(ctx, sessionID, "", 1)
	if err != nil {
		return 0, err
	}
	if len(matches) == 0 {
		return 0, nil
	}
	return matches[0].Turn, nil
}

// nextSequence returns the smallest sequence above last with the
// speaker's parity: odd for user, even for assistant.
func nextSequence(last int64, speaker core.Speaker) int64 {
	next := last + 1
	wantOdd := speaker == core.SpeakerUser
	if (next%2 == 1) != wantOdd {
		next++
	}
	return next
}
