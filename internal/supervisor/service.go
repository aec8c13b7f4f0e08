// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

package supervisor

import (
	"context"
)

// Runner is anything with a context-driven serve loop. Every pipeline
// component (publisher, engine, hub, feed subscriber, HTTP server)
// satisfies it.
type Runner interface {
	Serve(ctx context.Context) error
}

// Service names a Runner for suture. The name shows up in supervision
// log events, so keep it stable across restarts.
type Service struct {
	name   string
	runner Runner
}

// NewService wraps runner as a supervised service.
func NewService(name string, runner Runner) *Service {
	return &Service{name: name, runner: runner}
}

// Serve implements suture.Service.
func (s *Service) Serve(ctx context.Context) error {
	return s.runner.Serve(ctx)
}

// String implements fmt.Stringer for supervision logs.
func (s *Service) String() string {
	return s.name
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context) error

// Serve implements Runner.
func (f RunnerFunc) Serve(ctx context.Context) error {
	return f(ctx)
}
