// Presenced - Live Presence Synchronization Engine
// Copyright 2026 S. Mehta (satmap)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/satmap/presenced

// Package publisher turns raw position fixes into sequenced location
// upserts. It only runs while the consent gate is granted, throttles
// bursts of fixes to a configured interval, enriches each accepted fix
// with a best-effort reverse geocode, and stamps every write with a
// monotonic sequence number, resumed from the stored row when a session
// starts, so the store can reject delayed duplicates.
package publisher

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/satmap/presenced/internal/consent"
	"github.com/satmap/presenced/internal/geocoder"
	"github.com/satmap/presenced/internal/logging"
	"github.com/satmap/presenced/internal/metrics"
	"github.com/satmap/presenced/internal/models"
	"github.com/satmap/presenced/internal/position"
	"github.com/satmap/presenced/internal/store"
)

// LocationWriter is the slice of the store the publisher needs.
type LocationWriter interface {
	UpsertLocation(ctx context.Context, rec models.LocationRecord) (store.UpsertResult, error)
	GetLocation(ctx context.Context, userID string) (models.LocationRecord, error)
}

// Config holds publisher settings.
type Config struct {
	// UserID identifies the local user whose presence is broadcast.
	UserID string

	// MinInterval is the minimum spacing between published fixes. Fixes
	// arriving faster are dropped, not queued. Default: 5s
	MinInterval time.Duration

	// GeocodeTimeout bounds each reverse geocode lookup. Default: 3s
	GeocodeTimeout time.Duration

	// UpsertRetries is the number of retry attempts for a failed upsert
	// before the fix is abandoned. Default: 3
	UpsertRetries uint64
}

func (c *Config) applyDefaults() {
	if c.MinInterval <= 0 {
		c.MinInterval = 5 * time.Second
	}
	if c.GeocodeTimeout <= 0 {
		c.GeocodeTimeout = 3 * time.Second
	}
	if c.UpsertRetries == 0 {
		c.UpsertRetries = 3
	}
}

// Publisher is a suture-compatible service driving the outbound half of
// the presence pipeline.
type Publisher struct {
	cfg      Config
	gate     *consent.Gate
	source   position.Source
	geocoder geocoder.Client
	writer   LocationWriter

	seq      atomic.Uint64
	lastCity atomic.Pointer[string]
}

// New creates a publisher. All collaborators are required except
// geocoder, which may be nil to disable place enrichment.
func New(cfg Config, gate *consent.Gate, source position.Source, geo geocoder.Client, writer LocationWriter) *Publisher {
	cfg.applyDefaults()
	return &Publisher{
		cfg:      cfg,
		gate:     gate,
		source:   source,
		geocoder: geo,
		writer:   writer,
	}
}

// Seq returns the last sequence number issued. Mostly useful in tests
// and diagnostics.
func (p *Publisher) Seq() uint64 {
	return p.seq.Load()
}

// Serve implements suture.Service. It blocks until ctx is cancelled,
// starting and stopping the position watch as the consent gate moves.
func (p *Publisher) Serve(ctx context.Context) error {
	states := p.gate.Subscribe()

	for {
		if p.gate.Granted() {
			if err := p.watch(ctx, states); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-states:
			logging.Debug().Str("state", string(s)).Msg("publisher observed consent change")
		}
	}
}

// watch consumes fixes until consent is withdrawn or ctx is cancelled.
// The position subscription is cancelled before watch returns, so no
// write can start after the gate leaves granted.
func (p *Publisher) watch(ctx context.Context, states <-chan consent.State) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	fixes, err := p.source.Watch(watchCtx)
	if err != nil {
		logging.Err(err).Msg("position watch failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	}

	p.seedSeq(watchCtx)

	limiter := rate.NewLimiter(rate.Every(p.cfg.MinInterval), 1)
	logging.Info().Str("user_id", p.cfg.UserID).Msg("presence broadcast started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-states:
			if s != consent.StateGranted {
				cancel()
				logging.Info().Str("user_id", p.cfg.UserID).Msg("presence broadcast stopped")
				return nil
			}
		case fix, ok := <-fixes:
			if !ok {
				return nil
			}
			p.handleFix(watchCtx, limiter, fix)
		}
	}
}

// seedSeq resumes the sequence counter from the stored row. The store's
// guard drops any write whose seq is not above the stored one, so a new
// session starting from zero would have its writes silently discarded
// until it caught up with the previous session's counter.
func (p *Publisher) seedSeq(ctx context.Context) {
	rec, err := p.writer.GetLocation(ctx, p.cfg.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		logging.Err(err).Str("user_id", p.cfg.UserID).Msg("could not read stored seq, keeping local counter")
		return
	}
	for {
		cur := p.seq.Load()
		if rec.Seq <= cur || p.seq.CompareAndSwap(cur, rec.Seq) {
			return
		}
	}
}

func (p *Publisher) handleFix(ctx context.Context, limiter *rate.Limiter, fix position.Fix) {
	if !models.ValidCoordinates(fix.Latitude, fix.Longitude) {
		metrics.RecordFix("invalid")
		logging.Warn().
			Float64("lat", fix.Latitude).
			Float64("lon", fix.Longitude).
			Msg("dropping fix with invalid coordinates")
		return
	}
	if !limiter.Allow() {
		metrics.RecordFix("throttled")
		return
	}

	start := time.Now()
	city := p.resolveCity(ctx, fix)

	rec := models.LocationRecord{
		UserID:    p.cfg.UserID,
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		City:      city,
		UpdatedAt: time.Now().UTC(),
		Seq:       p.seq.Add(1),
	}

	if err := p.upsertWithRetry(ctx, rec); err != nil {
		metrics.RecordFix("error")
		logging.Err(err).Str("user_id", p.cfg.UserID).Msg("giving up on fix after retries")
		return
	}

	metrics.RecordFix("published")
	metrics.PublishDuration.Observe(time.Since(start).Seconds())
}

// resolveCity reverse geocodes the fix, falling back to the last known
// city when the lookup fails. Never blocks longer than GeocodeTimeout.
func (p *Publisher) resolveCity(ctx context.Context, fix position.Fix) *string {
	if p.geocoder == nil {
		return p.lastCity.Load()
	}

	geoCtx, cancel := context.WithTimeout(ctx, p.cfg.GeocodeTimeout)
	defer cancel()

	city, err := p.geocoder.ReverseGeocode(geoCtx, fix.Latitude, fix.Longitude)
	if err != nil {
		logging.Debug().Err(err).Msg("geocode failed, keeping last known city")
		return p.lastCity.Load()
	}

	p.lastCity.Store(&city)
	return &city
}

func (p *Publisher) upsertWithRetry(ctx context.Context, rec models.LocationRecord) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.cfg.UpsertRetries), ctx)

	return backoff.Retry(func() error {
		_, err := p.writer.UpsertLocation(ctx, rec)
		return err
	}, policy)
}
