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

package core

import (
	"fmt"
	"strings"
)

// ValidateEntry validates an Entry according to domain rules.
//
// Validation rules:
//   - SessionID must not be empty
//   - Turn must be positive
//   - Speaker must be valid (user or assistant)
//
// NOT validated:
//   - Text (empty utterances are stored as-is)
//   - Timestamp (assigned by the recorder)
//   - Metadata (open structure)
func ValidateEntry(entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("%w: entry is nil", ErrInvalidEntry)
	}

	if entry.SessionID == "" {
		return fmt.Errorf("%w: %w", ErrInvalidEntry, ErrEmptySessionID)
	}

	if entry.Turn < 1 {
		return fmt.Errorf("%w: %w: got %d", ErrInvalidEntry, ErrInvalidSequence, entry.Turn)
	}

	if err := ValidateSpeaker(entry.Speaker); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}

	return nil
}

// ValidateSpeaker validates that a Speaker has a known value.
func ValidateSpeaker(speaker Speaker) error {
	if speaker != SpeakerUser && speaker != SpeakerAssistant {
		return fmt.Errorf("%w: value %q", ErrInvalidSpeaker, speaker)
	}
	return nil
}

// ContainsFold reports whether substr is within s, ignoring case.
// An empty substr matches everything.
func ContainsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Matches reports whether an entry's text or speaker contains query, ignoring case.
func (e *Entry) Matches(query string) bool {
	return ContainsFold(e.Text, query) || ContainsFold(string(e.Speaker), query)
}
