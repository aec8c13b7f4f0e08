// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

package geocoder

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/satmap/presenced/internal/logging"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{Level: "info", Output: io.Discard})
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*NominatimClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewNominatimClient(Config{
		BaseURL:           srv.URL,
		Timeout:           time.Second,
		RequestsPerSecond: 1000, // effectively unlimited for tests
	})
	return client, srv
}

func TestReverseGeocode_PlacePreference(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"city preferred", `{"address":{"city":"Delhi","state":"Delhi NCT"}}`, "Delhi"},
		{"town fallback", `{"address":{"town":"Ranikhet","state":"Uttarakhand"}}`, "Ranikhet"},
		{"village fallback", `{"address":{"village":"Mawlynnong","state":"Meghalaya"}}`, "Mawlynnong"},
		{"state fallback", `{"address":{"state":"Goa"}}`, "Goa"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			})

			got, err := client.ReverseGeocode(context.Background(), 28.6, 77.2)
			if err != nil {
				t.Fatalf("ReverseGeocode failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestReverseGeocode_RequestShape(t *testing.T) {
	var gotQuery atomic.Value
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query().Encode())
		_, _ = w.Write([]byte(`{"address":{"city":"Bengaluru"}}`))
	})

	if _, err := client.ReverseGeocode(context.Background(), 12.97, 77.59); err != nil {
		t.Fatalf("ReverseGeocode failed: %v", err)
	}

	q := gotQuery.Load().(string)
	for _, want := range []string{"format=jsonv2", "lat=12.970000", "lon=77.590000", "zoom=10"} {
		if !strings.Contains(q, want) {
			t.Errorf("Query %q missing %q", q, want)
		}
	}
}

func TestReverseGeocode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "http error status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
		},
		{
			name: "nominatim error payload",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"error":"Unable to geocode"}`))
			},
		},
		{
			name: "empty address",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"address":{}}`))
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("<html>"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, tt.handler)
			place, err := client.ReverseGeocode(context.Background(), 10, 20)
			if err == nil {
				t.Error("Expected error")
			}
			if place != "" {
				t.Errorf("Expected empty place on error, got %q", place)
			}
		})
	}
}

func TestReverseGeocode_CacheHit(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"address":{"city":"Pune"}}`))
	})

	// Two lookups within ~1km round to the same cache key.
	for _, coords := range [][2]float64{{18.5201, 73.8567}, {18.5204, 73.8569}} {
		place, err := client.ReverseGeocode(context.Background(), coords[0], coords[1])
		if err != nil {
			t.Fatalf("ReverseGeocode failed: %v", err)
		}
		if place != "Pune" {
			t.Errorf("Expected Pune, got %q", place)
		}
	}

	if n := calls.Load(); n != 1 {
		t.Errorf("Expected 1 upstream call, got %d", n)
	}
}

func TestReverseGeocode_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"address":{"city":"Chennai"}}`))
	}))
	defer srv.Close()

	client := NewNominatimClient(Config{BaseURL: srv.URL, RequestsPerSecond: 0.001})

	// First call consumes the only token; the second is shed locally.
	if _, err := client.ReverseGeocode(context.Background(), 13.08, 80.27); err != nil {
		t.Fatalf("First lookup failed: %v", err)
	}
	if _, err := client.ReverseGeocode(context.Background(), 51.50, -0.12); err == nil {
		t.Error("Expected rate limit error")
	}
}

func TestReverseGeocode_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 10; i++ {
		// Distinct coordinates defeat the cache key.
		_, _ = client.ReverseGeocode(context.Background(), float64(i), float64(i))
	}

	// Breaker trips after 5 consecutive failures; later calls are shed
	// without reaching the server.
	if n := calls.Load(); n != 5 {
		t.Errorf("Expected 5 upstream calls before breaker opened, got %d", n)
	}
}
