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

package convmem

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/goccy/go-json"
	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/convmem/config"
	"github.com/poiesic/convmem/ingestion"
	"github.com/poiesic/convmem/metrics"
	"github.com/poiesic/convmem/registry"
	"github.com/poiesic/convmem/search"
	"github.com/prometheus/client_golang/prometheus"
)

// Memory is the conversation-memory tool surface: memory_save,
// memory_query and memory_switch over a switchable backend.
type Memory struct {
	registry *registry.Registry
	recorder *ingestion.Recorder
	searcher *search.Searcher
	pool     *ants.Pool
	logger   *slog.Logger
}

// MemoryOption configures a Memory.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	cfg        *config.Config
	logger     *slog.Logger
	registerer prometheus.Registerer
	factory    registry.Factory
	poolSize   int
}

// WithConfig sets the default configuration.
// Default is config.Load().
func WithConfig(cfg *config.Config) MemoryOption {
	return func(o *memoryOptions) {
		o.cfg = cfg
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(o *memoryOptions) {
		if logger == nil {
			logger = slog.Default()
		}
		o.logger = logger
	}
}

// WithMetricsRegisterer registers operation metrics on reg.
// Without it no metrics are recorded.
func WithMetricsRegisterer(reg prometheus.Registerer) MemoryOption {
	return func(o *memoryOptions) {
		o.registerer = reg
	}
}

// WithBackendFactory replaces the backend factory.
// Default is registry.DefaultFactory.
func WithBackendFactory(factory registry.Factory) MemoryOption {
	return func(o *memoryOptions) {
		o.factory = factory
	}
}

// WithPoolSize bounds concurrently executing operations.
// Default is the configured pool size, or runtime.NumCPU().
func WithPoolSize(size int) MemoryOption {
	return func(o *memoryOptions) {
		o.poolSize = size
	}
}

// New creates a Memory. The backend is not built until the first operation.
func New(opts ...MemoryOption) (*Memory, error) {
	options := &memoryOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(options)
	}

	cfg := options.cfg
	if cfg == nil {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return nil, err
		}
	}

	poolSize := options.poolSize
	if poolSize < 1 {
		poolSize = cfg.PoolSize
	}
	if poolSize < 1 {
		poolSize = runtime.NumCPU()
	}

	var m *metrics.Metrics
	if options.registerer != nil {
		m = metrics.New(options.registerer)
	}

	regOpts := []registry.Option{
		registry.WithConfig(cfg),
		registry.WithLogger(options.logger),
		registry.WithMetrics(m),
	}
	if options.factory != nil {
		regOpts = append(regOpts, registry.WithFactory(options.factory))
	}
	reg := registry.New(regOpts...)

	recorder, err := ingestion.NewRecorder(reg,
		ingestion.WithLogger(options.logger),
		ingestion.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}
	searcher, err := search.NewSearcher(reg,
		search.WithLogger(options.logger),
		search.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	return &Memory{
		registry: reg,
		recorder: recorder,
		searcher: searcher,
		pool:     pool,
		logger:   options.logger,
	}, nil
}

// Registry returns the backend registry shared by all operations.
func (m *Memory) Registry() *registry.Registry {
	return m.registry
}

// Close stops accepting operations and closes the active backend.
func (m *Memory) Close() error {
	m.pool.Release()
	if err := m.registry.Close(); err != nil {
		m.logger.Error("error closing backend registry", "err", err)
		return err
	}
	return nil
}

// run executes fn on the worker pool and waits for it or for ctx.
func (m *Memory) run(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	task := func() {
		defer func() {
			if p := recover(); p != nil {
				m.logger.Error("memory operation panicked", "panic", p)
				done <- fmt.Errorf("%w: %v", ErrOperationPanicked, p)
			}
		}()
		done <- fn()
	}
	if err := m.pool.Submit(task); err != nil {
		return fmt.Errorf("submit operation: %w", err)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MemorySave records a conversational turn as two entries.
func (m *Memory) MemorySave(ctx context.Context, req SaveRequest) (SaveResponse, error) {
	if err := req.Validate(); err != nil {
		return SaveResponse{}, err
	}

	var result ingestion.Result
	err := m.run(ctx, func() error {
		var err error
		result, err = m.recorder.Record(ctx, ingestion.Turn{
			SessionID: req.SessionID,
			Number:    req.Turn,
			User:      req.User,
			Assistant: req.Assistant,
			Metadata:  req.Metadata,
		})
		return err
	})
	if err != nil {
		return SaveResponse{}, err
	}
	return SaveResponse{OK: true, EntryID: result.EntryID}, nil
}

// MemoryQuery searches a session's entries.
func (m *Memory) MemoryQuery(ctx context.Context, req QueryRequest) (QueryResponse, error) {
	if err := req.Validate(); err != nil {
		return QueryResponse{}, err
	}

	var resp QueryResponse
	err := m.run(ctx, func() error {
		matches, err := m.searcher.Search(ctx, req.SessionID, req.Query, req.Limit)
		if err != nil {
			return err
		}
		resp = newQueryResponse(matches)
		return nil
	})
	if err != nil {
		return QueryResponse{}, err
	}
	return resp, nil
}

// MemorySwitch rebinds the registry to another backend. An unknown
// backend name yields OK=false and no error.
func (m *Memory) MemorySwitch(ctx context.Context, req SwitchRequest) (SwitchResponse, error) {
	var result registry.SwitchResult
	err := m.run(ctx, func() error {
		var err error
		result, err = m.registry.Switch(ctx, req.Backend, req.Connection)
		return err
	})
	if err != nil {
		return SwitchResponse{}, err
	}
	return SwitchResponse{OK: result.OK, Backend: result.Backend}, nil
}

// Invoke decodes a JSON payload for the named tool and runs it.
func (m *Memory) Invoke(ctx context.Context, tool string, payload []byte) (any, error) {
	switch tool {
	case ToolSave:
		var req SaveRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return m.MemorySave(ctx, req)
	case ToolQuery:
		var req QueryRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return m.MemoryQuery(ctx, req)
	case ToolSwitch:
		var req SwitchRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return m.MemorySwitch(ctx, req)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, tool)
	}
}

func decode(payload []byte, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}
