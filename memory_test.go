package convmem

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/convmem/config"
	"github.com/poiesic/convmem/core"
	"github.com/poiesic/convmem/registry"
	"github.com/poiesic/convmem/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func inMemoryConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Backend = string(storage.KindDocument)
	cfg.Document.InMemory = true
	return cfg
}

func newTestMemory(t *testing.T, opts ...MemoryOption) *Memory {
	t.Helper()
	opts = append([]MemoryOption{WithConfig(inMemoryConfig()), WithLogger(quietLogger())}, opts...)
	mem, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })
	return mem
}

// tableBackend is an in-process stand-in for the relational backend.
type tableBackend struct {
	mu   sync.Mutex
	rows map[string]*core.Entry
}

func (b *tableBackend) Save(ctx context.Context, entry *core.Entry) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[entry.DocumentID()] = entry
	return "pg:" + entry.DocumentID(), nil
}

func (b *tableBackend) Query(ctx context.Context, sessionID, query string, limit int) ([]core.Match, error) {
	return []core.Match{}, nil
}

func (b *tableBackend) Kind() storage.Kind { return storage.KindRelational }

func (b *tableBackend) Close() error { return nil }

func (b *tableBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}

func TestNew_BackendIsLazy(t *testing.T) {
	// Relational without a DSN: construction fails only on first use
	mem, err := New(WithConfig(config.DefaultConfig()), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer mem.Close()

	_, ok := mem.Registry().Active()
	assert.False(t, ok)

	_, err = mem.MemorySave(context.Background(), SaveRequest{SessionID: "s1", Turn: 1, User: "a", Assistant: "b"})
	assert.ErrorIs(t, err, storage.ErrConfiguration)
}

func TestMemory_SaveThenQuery(t *testing.T) {
	mem := newTestMemory(t)
	ctx := context.Background()

	saved, err := mem.MemorySave(ctx, SaveRequest{SessionID: "s1", Turn: 1, User: "hello", Assistant: "hi there"})
	require.NoError(t, err)
	assert.Equal(t, SaveResponse{OK: true, EntryID: "doc:s1:2"}, saved)

	resp, err := mem.MemoryQuery(ctx, QueryRequest{SessionID: "s1", Query: "hi", Limit: 10})
	require.NoError(t, err)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, int64(2), resp.Matches[0].Turn)
	assert.Equal(t, "hi there", resp.Matches[0].Text)

	ts, err := time.Parse(time.RFC3339Nano, resp.Matches[0].Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)
}

func TestMemory_TurnNumbering(t *testing.T) {
	mem := newTestMemory(t)
	ctx := context.Background()

	saved, err := mem.MemorySave(ctx, SaveRequest{SessionID: "s1", Turn: 5, User: "question", Assistant: "answer"})
	require.NoError(t, err)
	assert.Equal(t, "doc:s1:10", saved.EntryID)

	resp, err := mem.MemoryQuery(ctx, QueryRequest{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, resp.Matches, 2)
	assert.Equal(t, int64(10), resp.Matches[0].Turn)
	assert.Equal(t, "answer", resp.Matches[0].Text)
	assert.Equal(t, int64(9), resp.Matches[1].Turn)
	assert.Equal(t, "question", resp.Matches[1].Text)
}

func TestMemory_ResaveOverwrites(t *testing.T) {
	mem := newTestMemory(t)
	ctx := context.Background()

	for _, reply := range []string{"draft", "final"} {
		_, err := mem.MemorySave(ctx, SaveRequest{SessionID: "s1", Turn: 1, User: "hello", Assistant: reply})
		require.NoError(t, err)
	}

	resp, err := mem.MemoryQuery(ctx, QueryRequest{SessionID: "s1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, resp.Matches, 2)
	assert.Equal(t, "final", resp.Matches[0].Text)
}

func TestMemory_QueryIsCaseInsensitive(t *testing.T) {
	mem := newTestMemory(t)
	ctx := context.Background()

	_, err := mem.MemorySave(ctx, SaveRequest{SessionID: "s1", Turn: 1, User: "Dispute filed", Assistant: "noted"})
	require.NoError(t, err)

	resp, err := mem.MemoryQuery(ctx, QueryRequest{SessionID: "s1", Query: "dispute"})
	require.NoError(t, err)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "Dispute filed", resp.Matches[0].Text)
}

func TestMemory_SwitchUnknownBackend(t *testing.T) {
	mem := newTestMemory(t)
	ctx := context.Background()

	_, err := mem.MemorySave(ctx, SaveRequest{SessionID: "s1", Turn: 1, User: "hello", Assistant: "hi"})
	require.NoError(t, err)

	resp, err := mem.MemorySwitch(ctx, SwitchRequest{Backend: "bogus"})
	require.NoError(t, err)
	assert.Equal(t, SwitchResponse{OK: false, Backend: "bogus"}, resp)

	// The existing backend keeps serving, data intact
	_, err = mem.MemorySave(ctx, SaveRequest{SessionID: "s1", Turn: 2, User: "again", Assistant: "still here"})
	require.NoError(t, err)
	q, err := mem.MemoryQuery(ctx, QueryRequest{SessionID: "s1"})
	require.NoError(t, err)
	assert.Len(t, q.Matches, 4)
}

func TestMemory_SwitchRelationalToDocument(t *testing.T) {
	table := &tableBackend{rows: map[string]*core.Entry{}}
	cfg := config.DefaultConfig()
	cfg.Document.Dir = t.TempDir()

	mem := newTestMemory(t,
		WithConfig(cfg),
		WithBackendFactory(func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Backend, error) {
			if cfg.Backend == string(storage.KindRelational) {
				return table, nil
			}
			return registry.DefaultFactory(ctx, cfg, logger)
		}),
	)
	ctx := context.Background()

	saved, err := mem.MemorySave(ctx, SaveRequest{SessionID: "s1", Turn: 1, User: "hello", Assistant: "hi there"})
	require.NoError(t, err)
	assert.Equal(t, "pg:s1:2", saved.EntryID)
	assert.Equal(t, 2, table.count())

	sw, err := mem.MemorySwitch(ctx, SwitchRequest{Backend: "firestore", Connection: map[string]any{"project": "support"}})
	require.NoError(t, err)
	assert.Equal(t, SwitchResponse{OK: true, Backend: "document"}, sw)

	saved, err = mem.MemorySave(ctx, SaveRequest{SessionID: "s1", Turn: 2, User: "refund please", Assistant: "done"})
	require.NoError(t, err)
	assert.Equal(t, "doc:s1:4", saved.EntryID)
	assert.Equal(t, 2, table.count())

	// No migration: only the post-switch turn is in the document store
	resp, err := mem.MemoryQuery(ctx, QueryRequest{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, resp.Matches, 2)
	assert.Equal(t, int64(4), resp.Matches[0].Turn)
	assert.Equal(t, int64(3), resp.Matches[1].Turn)
}

func TestMemory_SwitchConstructionFailure(t *testing.T) {
	mem := newTestMemory(t)
	ctx := context.Background()

	_, err := mem.MemorySwitch(ctx, SwitchRequest{Backend: "relational"})
	assert.ErrorIs(t, err, storage.ErrConfiguration)

	kind, ok := mem.Registry().Active()
	if ok {
		assert.Equal(t, storage.KindDocument, kind)
	}
	_, err = mem.MemorySave(ctx, SaveRequest{SessionID: "s1", Turn: 1, User: "a", Assistant: "b"})
	require.NoError(t, err)
}

func TestMemory_Validation(t *testing.T) {
	mem := newTestMemory(t)
	ctx := context.Background()

	_, err := mem.MemorySave(ctx, SaveRequest{Turn: 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = mem.MemorySave(ctx, SaveRequest{SessionID: "s1", Turn: 0})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = mem.MemoryQuery(ctx, QueryRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = mem.MemoryQuery(ctx, QueryRequest{SessionID: "s1", Limit: -1})
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)
	_, err = mem.MemorySave(ctx, SaveRequest{SessionID: "s1", Turn: core.MaxTurn + 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestMemory_HugeTurnWritesNothing(t *testing.T) {
	mem := newTestMemory(t)
	ctx := context.Background()

	_, err := mem.MemorySave(ctx, SaveRequest{SessionID: "s1", Turn: 1 << 62, User: "orphan user", Assistant: "orphan reply"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	resp, err := mem.MemoryQuery(ctx, QueryRequest{SessionID: "s1", Query: "orphan"})
	require.NoError(t, err)
	assert.Empty(t, resp.Matches)

	// The largest accepted turn stores both sides
	saved, err := mem.MemorySave(ctx, SaveRequest{SessionID: "s1", Turn: core.MaxTurn, User: "edge user", Assistant: "edge reply"})
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("doc:s1:%d", core.AssistantSequence(core.MaxTurn)), saved.EntryID)
}

func TestMemory_SwitchEmptyBackend(t *testing.T) {
	mem := newTestMemory(t)

	resp, err := mem.MemorySwitch(context.Background(), SwitchRequest{})
	require.NoError(t, err)
	assert.Equal(t, SwitchResponse{OK: false, Backend: ""}, resp)
}

// faultyBackend panics on Query.
type faultyBackend struct {
	tableBackend
}

func (b *faultyBackend) Query(ctx context.Context, sessionID, query string, limit int) ([]core.Match, error) {
	panic("index out of range")
}

func TestMemory_PanickingOperationReturnsError(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Relational.DSN = "postgres://unused"
	mem, err := New(
		WithConfig(cfg),
		WithLogger(quietLogger()),
		WithBackendFactory(func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Backend, error) {
			return &faultyBackend{tableBackend{rows: map[string]*core.Entry{}}}, nil
		}),
	)
	require.NoError(t, err)

	_, err = mem.MemoryQuery(context.Background(), QueryRequest{SessionID: "s1", Query: "hi"})
	assert.ErrorIs(t, err, ErrOperationPanicked)

	// The binding stays usable
	_, err = mem.MemorySave(context.Background(), SaveRequest{SessionID: "s1", Turn: 1, User: "a", Assistant: "b"})
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- mem.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked after a panicking operation")
	}
}

func TestMemory_QueryHugeLimit(t *testing.T) {
	mem := newTestMemory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := mem.MemorySave(ctx, SaveRequest{SessionID: "s1", Turn: 1, User: "hello", Assistant: "hi there"})
	require.NoError(t, err)

	resp, err := mem.MemoryQuery(ctx, QueryRequest{SessionID: "s1", Query: "hi", Limit: 1 << 50})
	require.NoError(t, err)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, int64(2), resp.Matches[0].Turn)

	closed := make(chan error, 1)
	go func() { closed <- mem.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked after a large query")
	}
}

func TestMemory_CancelledContext(t *testing.T) {
	mem := newTestMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mem.MemorySave(ctx, SaveRequest{SessionID: "s1", Turn: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemory_ConcurrentSaves(t *testing.T) {
	mem := newTestMemory(t, WithPoolSize(4))
	ctx := context.Background()

	var wg sync.WaitGroup
	for turn := int64(1); turn <= 25; turn++ {
		wg.Add(1)
		go func(turn int64) {
			defer wg.Done()
			_, err := mem.MemorySave(ctx, SaveRequest{SessionID: "s1", Turn: turn, User: "u", Assistant: "a"})
			assert.NoError(t, err)
		}(turn)
	}
	wg.Wait()

	resp, err := mem.MemoryQuery(ctx, QueryRequest{SessionID: "s1", Limit: 100})
	require.NoError(t, err)
	assert.Len(t, resp.Matches, 50)
}

func TestMemory_Invoke(t *testing.T) {
	mem := newTestMemory(t)
	ctx := context.Background()

	out, err := mem.Invoke(ctx, ToolSave, []byte(`{"session_id":"s1","turn":1,"user":"hello","assistant":"hi there","metadata":{"channel":"sms"}}`))
	require.NoError(t, err)
	assert.Equal(t, SaveResponse{OK: true, EntryID: "doc:s1:2"}, out)

	out, err = mem.Invoke(ctx, ToolQuery, []byte(`{"session_id":"s1","query":"HELLO"}`))
	require.NoError(t, err)
	resp, ok := out.(QueryResponse)
	require.True(t, ok)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, int64(1), resp.Matches[0].Turn)

	out, err = mem.Invoke(ctx, ToolSwitch, []byte(`{"backend":"nope"}`))
	require.NoError(t, err)
	assert.Equal(t, SwitchResponse{OK: false, Backend: "nope"}, out)

	_, err = mem.Invoke(ctx, "memory_delete", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)

	_, err = mem.Invoke(ctx, ToolSave, []byte(`{"turn":"one"}`))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestMemory_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	mem := newTestMemory(t, WithMetricsRegisterer(reg))
	ctx := context.Background()

	_, err := mem.MemorySave(ctx, SaveRequest{SessionID: "s1", Turn: 1, User: "a", Assistant: "b"})
	require.NoError(t, err)
	_, err = mem.MemoryQuery(ctx, QueryRequest{SessionID: "s1"})
	require.NoError(t, err)
	_, err = mem.MemorySwitch(ctx, SwitchRequest{Backend: "bogus"})
	require.NoError(t, err)

	// save/document/ok and query/document/ok
	count, err := testutil.GatherAndCount(reg, "convmem_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = testutil.GatherAndCount(reg, "convmem_backend_switches_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMemory_Close(t *testing.T) {
	mem, err := New(WithConfig(inMemoryConfig()), WithLogger(quietLogger()))
	require.NoError(t, err)

	_, err = mem.MemorySave(context.Background(), SaveRequest{SessionID: "s1", Turn: 1})
	require.NoError(t, err)

	require.NoError(t, mem.Close())

	_, err = mem.MemorySave(context.Background(), SaveRequest{SessionID: "s1", Turn: 2})
	assert.Error(t, err)
}
