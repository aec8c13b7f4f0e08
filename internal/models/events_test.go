// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

package models

import (
	"testing"
)

func TestNewChangeEvent(t *testing.T) {
	rec := &LocationRecord{UserID: "u1", Latitude: 10, Longitude: 20}
	event := NewChangeEvent(OpInsert, "u1", rec)

	if event.EventID == "" {
		t.Error("Expected EventID to be set")
	}
	if event.Op != OpInsert {
		t.Errorf("Expected op insert, got %s", event.Op)
	}
	if event.Timestamp.IsZero() {
		t.Error("Expected Timestamp to be set")
	}
	if event.SchemaVersion != SchemaVersion {
		t.Errorf("Expected schema version %d, got %d", SchemaVersion, event.SchemaVersion)
	}
}

func TestChangeEvent_Validate(t *testing.T) {
	rec := &LocationRecord{UserID: "u1", Latitude: 10, Longitude: 20}

	tests := []struct {
		name    string
		event   *ChangeEvent
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid insert",
			event:   &ChangeEvent{EventID: "e1", Op: OpInsert, UserID: "u1", Record: rec},
			wantErr: false,
		},
		{
			name:    "valid delete is key-only",
			event:   &ChangeEvent{EventID: "e2", Op: OpDelete, UserID: "u1"},
			wantErr: false,
		},
		{
			name:    "missing event_id",
			event:   &ChangeEvent{Op: OpInsert, UserID: "u1", Record: rec},
			wantErr: true,
			errMsg:  "event_id: required",
		},
		{
			name:    "missing user_id",
			event:   &ChangeEvent{EventID: "e3", Op: OpDelete},
			wantErr: true,
			errMsg:  "user_id: required",
		},
		{
			name:    "insert without record",
			event:   &ChangeEvent{EventID: "e4", Op: OpInsert, UserID: "u1"},
			wantErr: true,
			errMsg:  "record: required for insert",
		},
		{
			name: "record key mismatch",
			event: &ChangeEvent{EventID: "e5", Op: OpUpdate, UserID: "u2",
				Record: &LocationRecord{UserID: "u1"}},
			wantErr: true,
			errMsg:  "record.user_id: does not match envelope user_id",
		},
		{
			name:    "unknown op",
			event:   &ChangeEvent{EventID: "e6", Op: "truncate", UserID: "u1"},
			wantErr: true,
			errMsg:  "op: unknown operation truncate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				if err.Error() != tt.errMsg {
					t.Errorf("Expected error %q, got %q", tt.errMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestChangeEvent_Topic(t *testing.T) {
	tests := []struct {
		op   ChangeOp
		want string
	}{
		{OpInsert, "presence.location.insert"},
		{OpUpdate, "presence.location.update"},
		{OpDelete, "presence.location.delete"},
	}
	for _, tt := range tests {
		e := ChangeEvent{Op: tt.op}
		if got := e.Topic(); got != tt.want {
			t.Errorf("Topic(%s) = %q, want %q", tt.op, got, tt.want)
		}
	}
}

func TestDecodeChangeEvent(t *testing.T) {
	rec := &LocationRecord{UserID: "u1", Latitude: 10, Longitude: 20}
	event := NewChangeEvent(OpUpdate, "u1", rec)
	event.Profile = Profile{Name: "Asha", LessonNumber: "K2"}

	data, err := EncodeChangeEvent(event)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := DecodeChangeEvent(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.UserID != "u1" || decoded.Op != OpUpdate {
		t.Errorf("Round-trip mismatch: %+v", decoded)
	}
	if decoded.Record == nil || decoded.Record.Latitude != 10 {
		t.Errorf("Record not preserved: %+v", decoded.Record)
	}
	if decoded.Profile.Name != "Asha" {
		t.Errorf("Profile not preserved: %+v", decoded.Profile)
	}
}

func TestDecodeChangeEvent_UnknownShape(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"not JSON", []byte("not-json")},
		{"wrong structure", []byte(`{"foo": "bar"}`)},
		{"delete with no key", []byte(`{"event_id":"e1","op":"delete"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeChangeEvent(tt.data); err == nil {
				t.Error("Expected decode error for unknown shape")
			}
		})
	}
}
