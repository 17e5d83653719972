package badger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// sharedDB is a reference-counted BadgerDB handle.
// BadgerDB holds an exclusive lock on its directory, so every backend bound
// to the same directory within a process must share one handle.
type sharedDB struct {
	db   *badger.DB
	key  string
	refs int
}

var (
	handlesMu sync.Mutex
	handles   = map[string]*sharedDB{}
)

// acquireDB returns a handle for the database at filePath, opening it on
// first use. In-memory databases are never shared.
func acquireDB(filePath string, inMemory bool, logger *slog.Logger) (*sharedDB, error) {
	if inMemory {
		db, err := openDB("", true, logger)
		if err != nil {
			return nil, err
		}
		return &sharedDB{db: db, refs: 1}, nil
	}

	key, err := filepath.Abs(filePath)
	if err != nil {
		return nil, err
	}

	handlesMu.Lock()
	defer handlesMu.Unlock()

	if h, ok := handles[key]; ok {
		h.refs++
		return h, nil
	}

	db, err := openDB(key, false, logger)
	if err != nil {
		return nil, err
	}
	h := &sharedDB{db: db, key: key, refs: 1}
	handles[key] = h
	return h, nil
}

// releaseDB drops one reference and closes the database with the last one.
func releaseDB(h *sharedDB) error {
	if h.key == "" {
		return h.db.Close()
	}

	handlesMu.Lock()
	defer handlesMu.Unlock()

	h.refs--
	if h.refs > 0 {
		return nil
	}
	delete(handles, h.key)
	return h.db.Close()
}

// openDB opens a BadgerDB database at the specified path.
// Creates the directory if it doesn't exist.
func openDB(filePath string, inMemory bool, logger *slog.Logger) (*badger.DB, error) {
	var opts badger.Options

	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		// Ensure directory exists
		info, err := os.Stat(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				if err := os.MkdirAll(filePath, 0755); err != nil {
					return nil, err
				}
				info, err = os.Stat(filePath)
				if err != nil {
					return nil, err
				}
			} else {
				return nil, err
			}
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", filePath)
		}
		opts = badger.DefaultOptions(filePath)
	}

	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.Compression = options.None

	return badger.Open(opts)
}
