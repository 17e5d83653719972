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

// Package ingestion records conversational turns into conversation memory.
// The Recorder turns one exchange into two entries:
//   - the user utterance at sequence 2n-1
//   - the assistant reply at sequence 2n
//
// Both entries are written to the same backend, user first. A failed
// assistant write leaves the user entry in place; there is no rollback.
package ingestion
