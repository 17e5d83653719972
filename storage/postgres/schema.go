package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Table holding one row per entry, keyed by (session_id, turn).
const tableName = "conversation_memory"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS conversation_memory (
		session_id TEXT NOT NULL,
		turn BIGINT NOT NULL,
		speaker TEXT NOT NULL,
		text TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		PRIMARY KEY (session_id, turn)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_memory_session_turn
		ON conversation_memory (session_id, turn)`,
}

const upsertEntrySQL = `
	INSERT INTO conversation_memory (session_id, turn, speaker, text, timestamp, metadata)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (session_id, turn) DO UPDATE SET
		speaker = EXCLUDED.speaker,
		text = EXCLUDED.text,
		timestamp = EXCLUDED.timestamp,
		metadata = EXCLUDED.metadata`

const queryEntriesSQL = `
	SELECT turn, speaker, text, timestamp
	FROM conversation_memory
	WHERE session_id = $1 AND (text ILIKE $2 OR speaker ILIKE $2)
	ORDER BY turn DESC
	LIMIT $3`

// ensureSchema creates the table and index if they do not exist.
func ensureSchema(ctx context.Context, conn *sql.Conn) error {
	for _, stmt := range schemaStatements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create %s schema: %w", tableName, err)
		}
	}
	return nil
}
