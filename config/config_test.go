package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/poiesic/convmem/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"MEMORY_BACKEND", "POSTGRES_DSN", "MEMORY_CONNECT_TIMEOUT",
		"MEMORY_DOCUMENT_PROJECT", "FIRESTORE_PROJECT", "MEMORY_DOCUMENT_DIR",
		"MEMORY_DOCUMENT_IN_MEMORY", "MEMORY_POOL_SIZE",
	} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "relational", cfg.Backend)
	assert.Empty(t, cfg.Relational.DSN)
	assert.Equal(t, 5*time.Second, cfg.Relational.ConnectTimeout)
	assert.Equal(t, "data", cfg.Document.Dir)
	assert.False(t, cfg.Document.InMemory)
	assert.Zero(t, cfg.PoolSize)

	// Defaults alone are incomplete for the relational backend
	assert.ErrorIs(t, cfg.Validate(), storage.ErrConfiguration)
}

func TestLoad_Environment(t *testing.T) {
	clearEnv(t)
	t.Setenv("MEMORY_BACKEND", "Document")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/memory")
	t.Setenv("MEMORY_CONNECT_TIMEOUT", "250ms")
	t.Setenv("FIRESTORE_PROJECT", "support-bot")
	t.Setenv("MEMORY_DOCUMENT_DIR", "/var/lib/convmem")
	t.Setenv("MEMORY_POOL_SIZE", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "document", cfg.Backend)
	assert.Equal(t, "postgres://localhost/memory", cfg.Relational.DSN)
	assert.Equal(t, 250*time.Millisecond, cfg.Relational.ConnectTimeout)
	assert.Equal(t, "support-bot", cfg.Document.Project)
	assert.Equal(t, filepath.Join("/var/lib/convmem", "support-bot"), cfg.Document.Path())
	assert.Equal(t, 3, cfg.PoolSize)
	require.NoError(t, cfg.Validate())

	kind, err := cfg.Kind()
	require.NoError(t, err)
	assert.Equal(t, storage.KindDocument, kind)
}

func TestLoad_ProjectPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("MEMORY_DOCUMENT_PROJECT", "primary")
	t.Setenv("FIRESTORE_PROJECT", "legacy")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "primary", cfg.Document.Project)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "memory.yaml")
	content := `
backend: document
document:
  project: notes
  in_memory: true
relational:
  dsn: postgres://file/memory
  connect_timeout: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "document", cfg.Backend)
	assert.Equal(t, "notes", cfg.Document.Project)
	assert.True(t, cfg.Document.InMemory)
	assert.Equal(t, "postgres://file/memory", cfg.Relational.DSN)
	assert.Equal(t, 2*time.Second, cfg.Relational.ConnectTimeout)

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("POSTGRES_DSN", "postgres://env/memory")
		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "postgres://env/memory", cfg.Relational.DSN)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorIs(t, err, storage.ErrConfiguration)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{
			name:    "relational with dsn",
			cfg:     Config{Backend: "relational", Relational: RelationalConfig{DSN: "postgres://x"}},
			wantErr: nil,
		},
		{
			name:    "relational without dsn",
			cfg:     Config{Backend: "postgres"},
			wantErr: storage.ErrConfiguration,
		},
		{
			name:    "document with project",
			cfg:     Config{Backend: "document", Document: DocumentConfig{Project: "p", Dir: "data"}},
			wantErr: nil,
		},
		{
			name:    "document without project",
			cfg:     Config{Backend: "document", Document: DocumentConfig{Dir: "data"}},
			wantErr: storage.ErrConfiguration,
		},
		{
			name:    "document in memory needs no project",
			cfg:     Config{Backend: "document", Document: DocumentConfig{InMemory: true}},
			wantErr: nil,
		},
		{
			name:    "document project escaping the root",
			cfg:     Config{Backend: "document", Document: DocumentConfig{Project: "../etc", Dir: "data"}},
			wantErr: storage.ErrConfiguration,
		},
		{
			name:    "unknown backend",
			cfg:     Config{Backend: "cassandra"},
			wantErr: storage.ErrUnsupportedBackend,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestWithConnection(t *testing.T) {
	base := DefaultConfig()
	base.Relational.DSN = "postgres://env/memory"
	base.Document.Project = "env-project"

	t.Run("relational overlay", func(t *testing.T) {
		cfg, err := base.WithConnection(storage.KindRelational, map[string]any{
			"dsn":             "postgres://override/memory",
			"connect_timeout": "1s",
		})
		require.NoError(t, err)
		assert.Equal(t, "relational", cfg.Backend)
		assert.Equal(t, "postgres://override/memory", cfg.Relational.DSN)
		assert.Equal(t, time.Second, cfg.Relational.ConnectTimeout)
		// Base is untouched
		assert.Equal(t, "postgres://env/memory", base.Relational.DSN)
	})

	t.Run("environment fallback for absent keys", func(t *testing.T) {
		cfg, err := base.WithConnection(storage.KindDocument, map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, "document", cfg.Backend)
		assert.Equal(t, "env-project", cfg.Document.Project)
		assert.Equal(t, "data", cfg.Document.Dir)
	})

	t.Run("empty strings fall back", func(t *testing.T) {
		cfg, err := base.WithConnection(storage.KindRelational, map[string]any{"dsn": ""})
		require.NoError(t, err)
		assert.Equal(t, "postgres://env/memory", cfg.Relational.DSN)
	})

	t.Run("document overlay", func(t *testing.T) {
		cfg, err := base.WithConnection(storage.KindDocument, map[string]any{
			"project":   "tenant-a",
			"dir":       "/tmp/docs",
			"in_memory": "true",
		})
		require.NoError(t, err)
		assert.Equal(t, "tenant-a", cfg.Document.Project)
		assert.Equal(t, "/tmp/docs", cfg.Document.Dir)
		assert.True(t, cfg.Document.InMemory)
	})

	t.Run("bad value type", func(t *testing.T) {
		_, err := base.WithConnection(storage.KindDocument, map[string]any{"in_memory": "maybe"})
		assert.ErrorIs(t, err, storage.ErrConfiguration)
	})
}
