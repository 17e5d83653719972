// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package postgres implements the relational conversation-memory backend
// on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/poiesic/convmem/config"
	"github.com/poiesic/convmem/core"
	"github.com/poiesic/convmem/storage"
)

const idPrefix = "pg:"

// maxPrealloc caps the result capacity reserved before any rows are read.
const maxPrealloc = 64

// Backend stores entries as rows of the conversation_memory table.
// Every operation runs on its own connection, released on every exit path.
type Backend struct {
	db             *sql.DB
	connectTimeout time.Duration
	logger         *slog.Logger
	closed         atomic.Bool
}

var _ storage.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger == nil {
			logger = slog.Default()
		}
		b.logger = logger
	}
}

// NewBackend connects to the database named by cfg.DSN and ensures the
// schema exists. Returns storage.ErrConfiguration when the DSN is missing
// and storage.ErrStorageUnavailable when the database cannot be reached.
func NewBackend(ctx context.Context, cfg config.RelationalConfig, opts ...Option) (storage.Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", storage.ErrStorageUnavailable, err)
	}

	b, err := newBackend(ctx, db, cfg.ConnectTimeout, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// newBackend wraps an open database handle and creates the schema.
func newBackend(ctx context.Context, db *sql.DB, connectTimeout time.Duration, opts ...Option) (*Backend, error) {
	b := &Backend{
		db:             db,
		connectTimeout: connectTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}

	conn, err := b.conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrStorageUnavailable, err)
	}
	defer conn.Close()

	if err := ensureSchema(ctx, conn); err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrStorageUnavailable, err)
	}

	b.logger.Debug("relational backend ready", "table", tableName)
	return b, nil
}

// conn acquires a dedicated connection, bounding the wait by the connect timeout.
func (b *Backend) conn(ctx context.Context) (*sql.Conn, error) {
	if b.IsClosed() {
		return nil, storage.ErrStorageClosed
	}
	acquireCtx := ctx
	if b.connectTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, b.connectTimeout)
		defer cancel()
	}
	conn, err := b.db.Conn(acquireCtx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return conn, nil
}

// Kind reports storage.KindRelational.
func (b *Backend) Kind() storage.Kind {
	return storage.KindRelational
}

// Close closes the connection pool. Subsequent calls are no-ops.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.db.Close()
}

// IsClosed returns true if the backend is closed.
func (b *Backend) IsClosed() bool {
	return b.closed.Load()
}

// Save upserts the entry row keyed by (session_id, turn).
func (b *Backend) Save(ctx context.Context, entry *core.Entry) (string, error) {
	if err := core.ValidateEntry(entry); err != nil {
		return "", err
	}
	metadata, err := storage.MarshalMetadata(entry.Metadata)
	if err != nil {
		return "", err
	}

	conn, err := b.conn(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: save %s: %w", storage.ErrStorageUnavailable, entry.DocumentID(), err)
	}
	defer conn.Close()

	// lib/pq sends []byte as bytea, so the JSON goes over as text
	_, err = conn.ExecContext(ctx, upsertEntrySQL,
		entry.SessionID,
		entry.Turn,
		string(entry.Speaker),
		entry.Text,
		entry.Timestamp.UTC(),
		metadata,
	)
	if err != nil {
		b.logger.Warn("relational save failed", "id", entry.DocumentID(), "err", err)
		return "", fmt.Errorf("%w: save %s: %w", storage.ErrStorageUnavailable, entry.DocumentID(), err)
	}

	id := idPrefix + entry.DocumentID()
	b.logger.Debug("saved row", "id", id)
	return id, nil
}

// Query returns matching rows of the session, highest turn first.
func (b *Backend) Query(ctx context.Context, sessionID, query string, limit int) ([]core.Match, error) {
	if limit <= 0 {
		return []core.Match{}, nil
	}
	matches := make([]core.Match, 0, min(limit, maxPrealloc))

	conn, err := b.conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: query session %q: %w", storage.ErrStorageUnavailable, sessionID, err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, queryEntriesSQL, sessionID, likePattern(query), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query session %q: %w", storage.ErrStorageUnavailable, sessionID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m       core.Match
			speaker string
		)
		if err := rows.Scan(&m.Turn, &speaker, &m.Text, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("%w: scan row: %w", storage.ErrStorageUnavailable, err)
		}
		m.Speaker = core.Speaker(speaker)
		m.Timestamp = m.Timestamp.UTC()
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate rows: %w", storage.ErrStorageUnavailable, err)
	}

	return matches, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePattern builds a substring pattern in which the query's own
// wildcard characters match literally.
func likePattern(query string) string {
	return "%" + likeEscaper.Replace(query) + "%"
}
