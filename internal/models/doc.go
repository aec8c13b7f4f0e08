// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

// Package models defines the core data types shared across the presence
// pipeline: location records, profiles, presence entries, and the change
// feed event envelope.
//
// The types here are deliberately free of behavior beyond validation and
// derivation helpers. Components own their own state machines; models only
// describe the data that flows between them.
package models
