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

// Package registry holds the active conversation-memory backend.
//
// A Registry starts unbound and builds its backend from configuration on
// first use. Switch replaces the binding wholesale; no data is migrated.
// Operations run through Do are pinned to one backend instance, so an
// operation that started before a switch completes on the old backend,
// which is closed once those operations drain.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/poiesic/convmem/config"
	"github.com/poiesic/convmem/metrics"
	"github.com/poiesic/convmem/storage"
	"github.com/poiesic/convmem/storage/badger"
	"github.com/poiesic/convmem/storage/postgres"
)

// Factory builds a backend from configuration.
type Factory func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Backend, error)

// DefaultFactory builds the backend selected by cfg.Backend.
func DefaultFactory(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Backend, error) {
	kind, err := cfg.Kind()
	if err != nil {
		return nil, err
	}
	switch kind {
	case storage.KindRelational:
		return postgres.NewBackend(ctx, cfg.Relational, postgres.WithLogger(logger))
	case storage.KindDocument:
		return badger.NewBackend(cfg.Document, badger.WithLogger(logger))
	default:
		return nil, fmt.Errorf("%w: %q", storage.ErrUnsupportedBackend, kind)
	}
}

// SwitchResult reports the outcome of a switch request.
type SwitchResult struct {
	OK      bool
	Backend string
}

// binding pairs a backend with the configuration that built it.
// Operations hold mu for reading; retirement takes it for writing.
type binding struct {
	backend storage.Backend
	cfg     *config.Config

	mu      sync.RWMutex
	retired bool
}

// Registry owns the active backend binding.
type Registry struct {
	current atomic.Pointer[binding]

	// mu serializes construction, switching and closing.
	mu       sync.Mutex
	base     *config.Config
	loader   func() (*config.Config, error)
	factory  Factory
	logger   *slog.Logger
	metrics  *metrics.Metrics
	closed   bool
	retiring sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger == nil {
			logger = slog.Default()
		}
		r.logger = logger
	}
}

// WithConfig fixes the default configuration instead of loading it from
// the environment on first use.
func WithConfig(cfg *config.Config) Option {
	return func(r *Registry) {
		r.base = cfg
	}
}

// WithConfigLoader sets the function that loads the default configuration.
// Default is config.Load.
func WithConfigLoader(loader func() (*config.Config, error)) Option {
	return func(r *Registry) {
		r.loader = loader
	}
}

// WithFactory replaces the backend factory.
// Default is DefaultFactory.
func WithFactory(factory Factory) Option {
	return func(r *Registry) {
		r.factory = factory
	}
}

// WithMetrics records switches and the active backend.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// New creates an unbound registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		loader:  config.Load,
		factory: DefaultFactory,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the active backend, building it from the default
// configuration if the registry is unbound. Concurrent first callers
// share one construction.
func (r *Registry) Resolve(ctx context.Context) (storage.Backend, error) {
	b, err := r.bind(ctx)
	if err != nil {
		return nil, err
	}
	return b.backend, nil
}

// Active reports the kind of the bound backend, if any.
func (r *Registry) Active() (storage.Kind, bool) {
	b := r.current.Load()
	if b == nil {
		return "", false
	}
	return b.backend.Kind(), true
}

// Do runs fn against the active backend. The backend is not closed while
// fn runs, even if a switch replaces it in the meantime.
func (r *Registry) Do(ctx context.Context, fn func(storage.Backend) error) error {
	for {
		b, err := r.bind(ctx)
		if err != nil {
			return err
		}
		if ran, err := b.run(fn); ran {
			return err
		}
		// Replaced between load and lock; pick up the new binding
	}
}

// run calls fn with the read lock held. It reports false without calling
// fn if the binding was retired first.
func (b *binding) run(fn func(storage.Backend) error) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.retired {
		return false, nil
	}
	return true, fn(b.backend)
}

func (r *Registry) bind(ctx context.Context) (*binding, error) {
	if b := r.current.Load(); b != nil {
		return b, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, storage.ErrStorageClosed
	}
	if b := r.current.Load(); b != nil {
		return b, nil
	}

	cfg, err := r.defaultConfig()
	if err != nil {
		return nil, err
	}
	backend, err := r.factory(ctx, cfg, r.logger)
	if err != nil {
		r.logger.Error("backend construction failed", "backend", cfg.Backend, "err", err)
		return nil, err
	}

	b := &binding{backend: backend, cfg: cfg}
	r.current.Store(b)
	r.metrics.SetActive(backend.Kind())
	r.logger.Info("backend bound", "backend", backend.Kind())
	return b, nil
}

// defaultConfig returns a copy of the default configuration, loading it
// on first use. Callers hold r.mu.
func (r *Registry) defaultConfig() (*config.Config, error) {
	if r.base == nil {
		cfg, err := r.loader()
		if err != nil {
			return nil, err
		}
		r.base = cfg
	}
	cfg := *r.base
	return &cfg, nil
}

// Switch binds a new backend of the target kind. Connection parameters
// are laid over the default configuration; absent keys fall back to it.
//
// An unrecognised target leaves the binding untouched and reports
// OK=false with the lowercased target and a nil error. A backend that
// fails to build also leaves the binding untouched; the error is returned.
func (r *Registry) Switch(ctx context.Context, target string, connection map[string]any) (SwitchResult, error) {
	kind, err := storage.ParseKind(target)
	if err != nil {
		name := strings.ToLower(target)
		r.logger.Warn("switch to unsupported backend ignored", "backend", name)
		r.metrics.ObserveSwitch(metrics.UnknownBackend, metrics.ResultUnsupported)
		return SwitchResult{OK: false, Backend: name}, nil
	}
	result := SwitchResult{Backend: string(kind)}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return result, storage.ErrStorageClosed
	}

	base, err := r.defaultConfig()
	if err != nil {
		r.metrics.ObserveSwitch(string(kind), metrics.Result(err))
		return result, err
	}
	cfg, err := base.WithConnection(kind, connection)
	if err != nil {
		r.metrics.ObserveSwitch(string(kind), metrics.Result(err))
		return result, err
	}
	backend, err := r.factory(ctx, cfg, r.logger)
	if err != nil {
		r.logger.Error("switch failed, keeping current backend", "backend", kind, "err", err)
		r.metrics.ObserveSwitch(string(kind), metrics.Result(err))
		return result, err
	}

	old := r.current.Swap(&binding{backend: backend, cfg: cfg})
	if old != nil {
		r.retiring.Add(1)
		go func() {
			defer r.retiring.Done()
			_ = r.retire(old)
		}()
	}

	r.metrics.SetActive(kind)
	r.metrics.ObserveSwitch(string(kind), metrics.ResultOK)
	r.logger.Info("backend switched", "backend", kind)
	result.OK = true
	return result, nil
}

// retire waits for in-flight operations on b and closes its backend.
func (r *Registry) retire(b *binding) error {
	b.mu.Lock()
	b.retired = true
	b.mu.Unlock()

	if err := b.backend.Close(); err != nil {
		r.logger.Warn("error closing retired backend", "backend", b.backend.Kind(), "err", err)
		return err
	}
	r.logger.Debug("retired backend closed", "backend", b.backend.Kind())
	return nil
}

// Close retires the active binding and waits for earlier retirements.
// Operations after Close fail with storage.ErrStorageClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	old := r.current.Swap(nil)
	r.mu.Unlock()

	var err error
	if old != nil {
		err = r.retire(old)
	}
	r.retiring.Wait()
	return err
}
