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

// Package storage provides the storage abstraction layer for convmem.
//
// This package defines the Backend contract that decouples conversation
// memory from the store that holds it. Two implementations exist:
//
//   - postgres: a relational table with upsert semantics and substring search
//   - badger: an embedded document collection with client-side filtering
//
// The set is closed and selected by Kind. Callers normally reach a backend
// through the registry package, which owns construction and hot-swapping.
//
// # Constructor Return Type Pattern
//
// NewBackend constructors return storage.Backend to keep callers off
// implementation specifics:
//
//	backend, err := badger.NewBackend(cfg.Document)  // returns storage.Backend
//
// Internal constructors (newBackend, etc.) may return concrete types since
// they're only used within the implementation package and its tests.
//
// # Consistency
//
// (SessionID, Turn) is the unique key of an entry in every backend. Saving
// an entry with an existing key overwrites it. Entries are never deleted.
//
// # Errors
//
// Store failures are reported wrapped around ErrStorageUnavailable;
// missing connection parameters around ErrConfiguration. Use errors.Is.
//
// # Thread Safety
//
// All backend implementations must be thread-safe and support
// concurrent access from multiple goroutines.
package storage
