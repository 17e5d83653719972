package core

import (
	"encoding/binary"
	"math"
	"strconv"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// SessionKey is a fixed-width digest of a session ID.
// Storage layers use it to build sortable keys for sessions whose IDs
// may contain arbitrary bytes.
type SessionKey uint64

// SessionKeyFor derives a deterministic SessionKey from a session ID using BLAKE2b hashing.
// Identical session IDs always produce identical keys.
func SessionKeyFor(sessionID string) SessionKey {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(sessionID))
	sum := h.Sum(nil)
	return SessionKey(binary.BigEndian.Uint64(sum))
}

// Speaker identifies the source of an entry.
type Speaker string

const (
	// SpeakerUser represents the human side of an exchange.
	SpeakerUser Speaker = "user"
	// SpeakerAssistant represents the assistant side of an exchange.
	SpeakerAssistant Speaker = "assistant"
)

// Entry is one persisted speaker utterance within a session.
// (SessionID, Turn) is unique; saving the same key again overwrites it.
type Entry struct {
	SessionID string
	Turn      int64 // Sequence number, two per conversational turn
	Speaker   Speaker
	Text      string
	Timestamp time.Time      // Assigned when the entry is persisted
	Metadata  map[string]any // Shared by the user and assistant entries of a turn
}

// DocumentID returns the composite identity "session_id:turn".
func (e *Entry) DocumentID() string {
	return DocumentID(e.SessionID, e.Turn)
}

// DocumentID formats the composite identity of an entry.
func DocumentID(sessionID string, turn int64) string {
	return sessionID + ":" + strconv.FormatInt(turn, 10)
}

// Match is a single query hit.
type Match struct {
	Turn      int64
	Speaker   Speaker
	Text      string
	Timestamp time.Time
}

// MaxTurn is the largest turn number whose entry sequence numbers fit in an int64.
const MaxTurn = math.MaxInt64 / 2

// UserSequence returns the entry sequence number of the user side of turn n.
func UserSequence(n int64) int64 {
	return 2*n - 1
}

// AssistantSequence returns the entry sequence number of the assistant side of turn n.
func AssistantSequence(n int64) int64 {
	return 2 * n
}
