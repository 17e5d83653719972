package convmem

import (
	"errors"
	"fmt"
	"time"

	"github.com/poiesic/convmem/core"
	"github.com/poiesic/convmem/storage"
)

// Tool names as exposed to an agent framework.
const (
	ToolSave   = "memory_save"
	ToolQuery  = "memory_query"
	ToolSwitch = "memory_switch"
)

// ErrInvalidRequest indicates a tool request failed validation.
var ErrInvalidRequest = errors.New("invalid request")

// ErrUnknownTool indicates a tool name other than the three memory tools.
var ErrUnknownTool = errors.New("unknown tool")

// ErrOperationPanicked indicates an operation panicked on the worker pool.
var ErrOperationPanicked = errors.New("memory operation panicked")

// SaveRequest records one conversational turn.
type SaveRequest struct {
	SessionID string         `json:"session_id"`
	Turn      int64          `json:"turn"`
	User      string         `json:"user"`
	Assistant string         `json:"assistant"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Validate checks the request before any storage access.
func (r SaveRequest) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, core.ErrEmptySessionID)
	}
	if r.Turn < 1 || r.Turn > core.MaxTurn {
		return fmt.Errorf("%w: turn must be between 1 and %d, got %d", ErrInvalidRequest, core.MaxTurn, r.Turn)
	}
	return nil
}

// SaveResponse identifies the stored assistant entry.
type SaveResponse struct {
	OK      bool   `json:"ok"`
	EntryID string `json:"entry_id"`
}

// QueryRequest searches one session. A zero Limit returns up to 20 matches.
type QueryRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
	Limit     int    `json:"limit,omitempty"`
}

// Validate checks the request before any storage access.
func (r QueryRequest) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, core.ErrEmptySessionID)
	}
	if r.Limit < 0 {
		return fmt.Errorf("%w: %w: limit cannot be negative", ErrInvalidRequest, storage.ErrInvalidQuery)
	}
	return nil
}

// MatchView is one query hit as returned to the caller.
type MatchView struct {
	Turn      int64  `json:"turn"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// QueryResponse lists matches, most recent first.
type QueryResponse struct {
	Matches []MatchView `json:"matches"`
}

func newQueryResponse(matches []core.Match) QueryResponse {
	views := make([]MatchView, len(matches))
	for i, m := range matches {
		views[i] = MatchView{
			Turn:      m.Turn,
			Text:      m.Text,
			Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}
	return QueryResponse{Matches: views}
}

// SwitchRequest selects a backend kind with optional connection parameters.
// Any name is accepted; unknown or empty names yield a failed switch result.
// Recognised connection keys: relational "dsn", "connect_timeout";
// document "project", "dir", "in_memory".
type SwitchRequest struct {
	Backend    string         `json:"backend"`
	Connection map[string]any `json:"connection,omitempty"`
}

// SwitchResponse reports whether the switch took effect.
type SwitchResponse struct {
	OK      bool   `json:"ok"`
	Backend string `json:"backend"`
}
