// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

package position

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/satmap/presenced/internal/logging"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Output: io.Discard})
}

func TestChannelSource_DeliversFixes(t *testing.T) {
	src := NewChannelSource()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := src.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	want := Fix{Latitude: 28.6, Longitude: 77.2, Timestamp: time.Now()}
	src.Push(want)

	select {
	case got := <-ch:
		if got.Latitude != want.Latitude || got.Longitude != want.Longitude {
			t.Errorf("Expected %+v, got %+v", want, got)
		}
	case <-time.After(time.Second):
		t.Fatal("No fix received")
	}
}

func TestChannelSource_KeepsLatestWhenSlow(t *testing.T) {
	src := NewChannelSource()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := src.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// Push several fixes before the watcher reads anything. The forwarding
	// goroutine holds at most one in flight plus one buffered, so the last
	// pushed fix must be among those delivered and nothing may block.
	for i := 1; i <= 10; i++ {
		src.Push(Fix{Latitude: float64(i)})
	}

	deadline := time.After(time.Second)
	var last Fix
	for done := false; !done; {
		select {
		case f := <-ch:
			last = f
		case <-deadline:
			t.Fatal("No fix received")
		case <-time.After(50 * time.Millisecond):
			done = true
		}
	}
	if last.Latitude != 10 {
		t.Errorf("Expected final fix 10, got %v", last.Latitude)
	}
}

func TestChannelSource_WatchClosedOnCancel(t *testing.T) {
	src := NewChannelSource()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := src.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("Expected channel to close after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("Channel did not close")
	}

	// Pushing after cancel must not panic or block.
	src.Push(Fix{Latitude: 1})
}

func TestChannelSource_MultipleWatchers(t *testing.T) {
	src := NewChannelSource()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, _ := src.Watch(ctx)
	b, _ := src.Watch(ctx)

	src.Push(Fix{Latitude: 5})

	for name, ch := range map[string]<-chan Fix{"a": a, "b": b} {
		select {
		case f := <-ch:
			if f.Latitude != 5 {
				t.Errorf("Watcher %s: expected 5, got %v", name, f.Latitude)
			}
		case <-time.After(time.Second):
			t.Fatalf("Watcher %s received nothing", name)
		}
	}
}
