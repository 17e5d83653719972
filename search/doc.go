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

// Package search provides keyword retrieval over conversation memory.
//
// A query matches entries of one session whose text or speaker contains
// the query string, ignoring case. Results are ordered by sequence number,
// most recent first. There is no ranking.
//
// How far back a search reaches depends on the bound backend: the
// relational backend filters in the database, while the document backend
// filters only the most recent 2*limit entries of the session.
package search
