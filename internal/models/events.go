// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

package models

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// SchemaVersion is the current change event schema version.
// Increment this when making breaking changes to ChangeEvent.
const SchemaVersion = 1

// ChangeOp identifies a row-level operation on the locations table.
type ChangeOp string

const (
	// OpInsert indicates a new row; payload carries the full row image.
	OpInsert ChangeOp = "insert"
	// OpUpdate indicates a replaced row; payload carries the full row image.
	OpUpdate ChangeOp = "update"
	// OpDelete indicates a removed row; payload is key-only.
	OpDelete ChangeOp = "delete"
)

// ChangeEvent is the change feed envelope for one row-level mutation of the
// locations table. Insert and update events carry the full row image plus
// the joined profile snapshot when the writer had it; delete events carry
// only the key. Consumers must treat application as idempotent: the feed
// may redeliver and gives no cross-key ordering guarantee.
type ChangeEvent struct {
	SchemaVersion int       `json:"schema_version,omitempty"`
	EventID       string    `json:"event_id"`
	Op            ChangeOp  `json:"op"`
	UserID        string    `json:"user_id"`
	Timestamp     time.Time `json:"timestamp"`

	// Record is the full row image for insert/update, nil for delete.
	Record *LocationRecord `json:"record,omitempty"`

	// Profile is the joined profile snapshot, if the publisher had it.
	// A zero profile on insert/update triggers a scoped re-fetch.
	Profile Profile `json:"profile"`
}

// NewChangeEvent creates an event with a unique ID, timestamp, and schema
// version. The record pointer is kept as-is; callers hand over ownership.
func NewChangeEvent(op ChangeOp, userID string, rec *LocationRecord) *ChangeEvent {
	return &ChangeEvent{
		SchemaVersion: SchemaVersion,
		EventID:       uuid.New().String(),
		Op:            op,
		UserID:        userID,
		Timestamp:     time.Now().UTC(),
		Record:        rec,
	}
}

// Validate checks structural requirements and returns an error describing
// the first violation. An invalid event is treated by the feed client as an
// unknown-shape notification, which triggers a full re-snapshot.
func (e *ChangeEvent) Validate() error {
	if e.EventID == "" {
		return &FieldError{Field: "event_id", Message: "required"}
	}
	if e.UserID == "" {
		return &FieldError{Field: "user_id", Message: "required"}
	}
	switch e.Op {
	case OpInsert, OpUpdate:
		if e.Record == nil {
			return &FieldError{Field: "record", Message: "required for " + string(e.Op)}
		}
		if e.Record.UserID != e.UserID {
			return &FieldError{Field: "record.user_id", Message: "does not match envelope user_id"}
		}
	case OpDelete:
		// key-only payload
	default:
		return &FieldError{Field: "op", Message: "unknown operation " + string(e.Op)}
	}
	return nil
}

// Topic returns the NATS subject for this event.
// Format: presence.location.<op>
func (e *ChangeEvent) Topic() string {
	return "presence.location." + string(e.Op)
}

// FeedSubjectWildcard matches all change feed subjects.
const FeedSubjectWildcard = "presence.location.>"

// FeedStreamName is the JetStream stream holding change feed events.
const FeedStreamName = "PRESENCE"

// EncodeChangeEvent serializes an event for the wire.
func EncodeChangeEvent(e *ChangeEvent) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeChangeEvent parses a wire payload and validates it. A nil event
// with a non-nil error means the payload had an unknown shape.
func DecodeChangeEvent(data []byte) (*ChangeEvent, error) {
	var e ChangeEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = SchemaVersion
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// FieldError represents a field validation error.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Message
}
