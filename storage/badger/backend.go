package badger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/convmem/config"
	"github.com/poiesic/convmem/core"
	"github.com/poiesic/convmem/storage"
)

const idPrefix = "doc:"

// maxPrealloc caps the result capacity reserved before any rows are read.
const maxPrealloc = 64

// Backend stores entries as JSON documents in a BadgerDB collection.
// Document identity is "session_id:turn"; saving replaces the whole document.
type Backend struct {
	handle *sharedDB
	logger *slog.Logger
	closed atomic.Bool
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

// badgerLoggerAdapter adapts slog.Logger to badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Info(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// NewBackend opens the document backend described by cfg.
// Returns storage.ErrConfiguration if the project is missing.
func NewBackend(cfg config.DocumentConfig, opts ...Option) (storage.Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	path := ""
	if !cfg.InMemory {
		path = cfg.Path()
	}
	return OpenBackend(path, cfg.InMemory, opts...)
}

// OpenBackend opens a document backend on the BadgerDB database at path.
// Creates the directory if it doesn't exist. Backends opened on the same
// path share one database handle.
func OpenBackend(path string, inMemory bool, opts ...Option) (*Backend, error) {
	b := &Backend{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}

	handle, err := acquireDB(path, inMemory, b.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: open document store: %w", storage.ErrStorageUnavailable, err)
	}
	b.handle = handle
	b.logger.Debug("document backend opened", "path", path, "in_memory", inMemory)
	return b, nil
}

// Kind reports storage.KindDocument.
func (b *Backend) Kind() storage.Kind {
	return storage.KindDocument
}

// Close releases this backend's reference to the database.
// The database closes when its last backend does.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return releaseDB(b.handle)
}

// IsClosed returns true if the backend is closed.
func (b *Backend) IsClosed() bool {
	return b.closed.Load()
}

// WithTx executes a function within a BadgerDB transaction.
// If isWrite is true, creates a read-write transaction.
// The transaction is automatically discarded if fn returns an error.
func (b *Backend) WithTx(fn func(tx *badger.Txn) error, isWrite bool) error {
	if b.IsClosed() {
		return storage.ErrStorageClosed
	}
	tx := b.handle.db.NewTransaction(isWrite)
	defer tx.Discard()
	return fn(tx)
}

// Save writes the entry document, replacing any document with the same identity.
func (b *Backend) Save(ctx context.Context, entry *core.Entry) (string, error) {
	if err := core.ValidateEntry(entry); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", storage.ErrStorageUnavailable, err)
	}

	value, err := storage.MarshalEntry(entry)
	if err != nil {
		return "", err
	}

	err = b.WithTx(func(tx *badger.Txn) error {
		if err := tx.Set(makeEntryKey(entry.SessionID, entry.Turn), value); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
	if err != nil {
		return "", fmt.Errorf("%w: save %s: %w", storage.ErrStorageUnavailable, entry.DocumentID(), err)
	}

	id := idPrefix + entry.DocumentID()
	b.logger.Debug("saved document", "id", id)
	return id, nil
}

// Query scans the session's documents from the most recent turn backwards.
// At most 2*limit documents are fetched; those are filtered client-side and
// the scan stops once limit matches are collected. A match older than the
// fetched window is not returned.
func (b *Backend) Query(ctx context.Context, sessionID, query string, limit int) ([]core.Match, error) {
	if limit <= 0 {
		return []core.Match{}, nil
	}
	matches := make([]core.Match, 0, min(limit, maxPrealloc))
	window := math.MaxInt
	if limit <= math.MaxInt/2 {
		window = 2 * limit
	}

	err := b.WithTx(func(tx *badger.Txn) error {
		prefix := makeSessionPrefix(sessionID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		if window < opts.PrefetchSize {
			opts.PrefetchSize = window
		}

		iter := tx.NewIterator(opts)
		defer iter.Close()

		fetched := 0
		for iter.Seek(makeSessionSeekKey(prefix)); iter.ValidForPrefix(prefix); iter.Next() {
			if fetched >= window || len(matches) >= limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			var entry *core.Entry
			err := iter.Item().Value(func(val []byte) error {
				var err error
				entry, err = storage.UnmarshalEntry(val)
				return err
			})
			if err != nil {
				return err
			}

			// Distinct sessions can share a key prefix only on a hash collision
			if entry.SessionID != sessionID {
				continue
			}
			fetched++

			if entry.Matches(query) {
				matches = append(matches, core.Match{
					Turn:      entry.Turn,
					Speaker:   entry.Speaker,
					Text:      entry.Text,
					Timestamp: entry.Timestamp,
				})
			}
		}
		return nil
	}, false)
	if err != nil {
		return nil, fmt.Errorf("%w: query session %q: %w", storage.ErrStorageUnavailable, sessionID, err)
	}

	return matches, nil
}
