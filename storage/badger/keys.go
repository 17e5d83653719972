package badger

import (
	"bytes"
	"encoding/binary"

	"github.com/poiesic/convmem/core"
)

// Key prefix for entry documents
const entryPrefix = "memdoc"

// makeSessionPrefix generates the key prefix shared by all documents of a session.
// Format: prefix:sessionKey
func makeSessionPrefix(sessionID string) []byte {
	prefix := entryPrefix + ":"
	buf := make([]byte, len(prefix)+8) // 8 bytes for session key
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(core.SessionKeyFor(sessionID)))
	return buf
}

// makeEntryKey generates the key for one entry document.
// Format: prefix:sessionKey:turn
func makeEntryKey(sessionID string, turn int64) []byte {
	prefix := makeSessionPrefix(sessionID)
	buf := make([]byte, len(prefix)+8) // 8 bytes for turn
	offset := copy(buf, prefix)
	// Write in BigEndian order so lexicographic sort follows turn order
	binary.BigEndian.PutUint64(buf[offset:], uint64(turn))
	return buf
}

// makeSessionSeekKey returns a key sorting after every document of the
// session, the starting point for reverse iteration.
func makeSessionSeekKey(prefix []byte) []byte {
	return append(bytes.Clone(prefix), bytes.Repeat([]byte{0xff}, 9)...)
}
