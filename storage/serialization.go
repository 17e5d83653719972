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

package storage

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/poiesic/convmem/core"
)

// TimestampLayout is the ISO-8601 encoding used for persisted timestamps.
const TimestampLayout = time.RFC3339Nano

// Document is the persisted form of an entry in document stores.
type Document struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Turn      int64          `json:"turn"`
	Speaker   string         `json:"speaker"`
	Text      string         `json:"text"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

// FormatTimestamp renders a timestamp as UTC ISO-8601.
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(TimestampLayout)
}

// MarshalEntry serializes an Entry to a JSON document.
func MarshalEntry(entry *core.Entry) ([]byte, error) {
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	doc := Document{
		ID:        entry.DocumentID(),
		SessionID: entry.SessionID,
		Turn:      entry.Turn,
		Speaker:   string(entry.Speaker),
		Text:      entry.Text,
		Timestamp: FormatTimestamp(entry.Timestamp),
		Metadata:  metadata,
	}
	data, err := json.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return data, nil
}

// UnmarshalEntry deserializes an Entry from a JSON document.
func UnmarshalEntry(data []byte) (*core.Entry, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	ts, err := time.Parse(TimestampLayout, doc.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp %q: %w", ErrSerializationFailed, doc.Timestamp, err)
	}
	return &core.Entry{
		SessionID: doc.SessionID,
		Turn:      doc.Turn,
		Speaker:   core.Speaker(doc.Speaker),
		Text:      doc.Text,
		Timestamp: ts.UTC(),
		Metadata:  doc.Metadata,
	}, nil
}

// MarshalMetadata serializes metadata to a JSON object string.
// A nil map encodes as "{}".
func MarshalMetadata(metadata map[string]any) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return string(data), nil
}

// UnmarshalMetadata deserializes a JSON object into metadata.
func UnmarshalMetadata(data []byte) (map[string]any, error) {
	metadata := map[string]any{}
	if len(data) == 0 {
		return metadata, nil
	}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return metadata, nil
}
