// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

// Package geocoder resolves a coordinate pair to a human-readable place
// name. Lookups are strictly best-effort: the publisher proceeds with the
// previous city (or none) whenever a lookup fails, times out, or is shed
// by the rate limiter or circuit breaker.
package geocoder

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/satmap/presenced/internal/logging"
	"github.com/satmap/presenced/internal/metrics"
)

// Client is the reverse geocoding interface used by the publisher.
type Client interface {
	// ReverseGeocode returns the place name for (lat, lon), preferring
	// city over town over village over state. Returns "" with an error
	// when no name could be resolved; errors are non-fatal by contract.
	ReverseGeocode(ctx context.Context, lat, lon float64) (string, error)

	// Name returns the provider name for logging and metrics.
	Name() string
}

// Config holds Nominatim client settings.
type Config struct {
	// BaseURL of a Nominatim-compatible endpoint.
	// Default: https://nominatim.openstreetmap.org/reverse
	BaseURL string

	// Timeout bounds each lookup. Default: 5s
	Timeout time.Duration

	// RequestsPerSecond caps outbound lookups. The public Nominatim usage
	// policy allows at most 1 req/s. Default: 1
	RequestsPerSecond float64

	// CacheSize bounds the in-memory place name cache. Default: 1024
	CacheSize int

	// UserAgent identifies this deployment to the geocoding service.
	UserAgent string
}

// DefaultConfig returns production defaults for the public Nominatim API.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://nominatim.openstreetmap.org/reverse",
		Timeout:           5 * time.Second,
		RequestsPerSecond: 1,
		CacheSize:         1024,
		UserAgent:         "presenced",
	}
}

// nominatimResponse is the subset of the reverse geocoding payload we use.
type nominatimResponse struct {
	Address struct {
		City    string `json:"city"`
		Town    string `json:"town"`
		Village string `json:"village"`
		State   string `json:"state"`
	} `json:"address"`
	Error string `json:"error"`
}

// NominatimClient implements Client against a Nominatim-compatible HTTP
// API. Lookups are wrapped in a circuit breaker so a degraded geocoding
// service cannot consume the position pipeline's latency budget, and a
// rate limiter keeps the client inside the service's usage policy.
type NominatimClient struct {
	client  *http.Client
	baseURL string
	agent   string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[string]
	cache   *placeCache
}

// NewNominatimClient creates a client with the given configuration.
func NewNominatimClient(cfg Config) *NominatimClient {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}

	breaker := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "geocoder",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("geocoder circuit breaker state changed")
		},
	})

	// Burst matches one second's worth of budget; a burst of 1 with a
	// sub-second refill would reject back-to-back lookups the configured
	// rate actually allows.
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	return &NominatimClient{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: cfg.BaseURL,
		agent:   cfg.UserAgent,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		breaker: breaker,
		cache:   newPlaceCache(cfg.CacheSize),
	}
}

// Name returns the provider name.
func (c *NominatimClient) Name() string {
	return "nominatim"
}

// ReverseGeocode resolves (lat, lon) to a place name. Nearby coordinates
// share a cache slot: positions are rounded to ~1km before lookup so a
// user walking around town does not burn the rate budget.
func (c *NominatimClient) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	key := cacheKey(lat, lon)
	if place, ok := c.cache.get(key); ok {
		metrics.GeocodeLookups.WithLabelValues("cache").Inc()
		return place, nil
	}

	if !c.limiter.Allow() {
		metrics.GeocodeLookups.WithLabelValues("throttled").Inc()
		return "", fmt.Errorf("geocoder: rate limit exceeded")
	}

	place, err := c.breaker.Execute(func() (string, error) {
		return c.query(ctx, lat, lon)
	})
	if err != nil {
		metrics.GeocodeLookups.WithLabelValues("error").Inc()
		return "", err
	}

	metrics.GeocodeLookups.WithLabelValues("ok").Inc()
	c.cache.put(key, place)
	return place, nil
}

func (c *NominatimClient) query(ctx context.Context, lat, lon float64) (string, error) {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', 6, 64))
	q.Set("zoom", "10") // city-level detail

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), http.NoBody)
	if err != nil {
		return "", fmt.Errorf("geocoder: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.agent)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("geocoder: query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geocoder: status %d", resp.StatusCode)
	}

	var result nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("geocoder: decode response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("geocoder: %s", result.Error)
	}

	place := pickPlace(&result)
	if place == "" {
		return "", fmt.Errorf("geocoder: no place name for %.4f,%.4f", lat, lon)
	}
	return place, nil
}

// pickPlace returns the most specific populated place name available.
func pickPlace(r *nominatimResponse) string {
	switch {
	case r.Address.City != "":
		return r.Address.City
	case r.Address.Town != "":
		return r.Address.Town
	case r.Address.Village != "":
		return r.Address.Village
	default:
		return r.Address.State
	}
}

// cacheKey rounds coordinates to two decimal places (~1.1km at the
// equator) so nearby fixes hit the same slot.
func cacheKey(lat, lon float64) string {
	return strconv.FormatFloat(math.Round(lat*100)/100, 'f', 2, 64) + "," +
		strconv.FormatFloat(math.Round(lon*100)/100, 'f', 2, 64)
}

// placeCache is a bounded map with random-ish eviction: when full, an
// arbitrary entry is dropped. Geocoding results are cheap to recompute so
// LRU bookkeeping is not worth the overhead here.
type placeCache struct {
	mu      sync.Mutex
	max     int
	entries map[string]string
}

func newPlaceCache(max int) *placeCache {
	return &placeCache{max: max, entries: make(map[string]string, max)}
}

func (c *placeCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *placeCache) put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[key] = value
}
