// Package reaper removes expired pastes on a fixed interval, independent of
// request traffic.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"shortpaste/internal/blob"
	"shortpaste/internal/metrics"
	"shortpaste/internal/storage"
)

// DefaultInterval is the pause between reap cycles.
const DefaultInterval = 300 * time.Second

// Blobs is the part of the blob store the reaper needs.
type Blobs interface {
	Delete(id string) (bool, error)
	List() ([]blob.Entry, error)
}

// Result summarises one reap cycle.
type Result struct {
	Candidates int
	Reaped     int
	Failed     int
}

// Reaper deletes the blob and then the metadata row of every expired paste.
type Reaper struct {
	meta     storage.Store
	blobs    Blobs
	interval time.Duration
	sweep    bool
	grace    time.Duration
	log      zerolog.Logger
	now      func() time.Time
	start    sync.Once
	done     chan struct{}
}

// Option customises a Reaper.
type Option func(*Reaper)

// WithInterval sets the cycle interval.
func WithInterval(d time.Duration) Option {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reaper) { r.log = l }
}

// WithClock overrides the time source used for the orphan grace cutoff.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// WithOrphanSweep also removes unreferenced blobs older than grace each cycle.
func WithOrphanSweep(grace time.Duration) Option {
	return func(r *Reaper) {
		r.sweep = true
		r.grace = grace
	}
}

// New creates a Reaper. Call Start to schedule it or RunOnce for a single pass.
func New(meta storage.Store, blobs Blobs, opts ...Option) *Reaper {
	r := &Reaper{
		meta:     meta,
		blobs:    blobs,
		interval: DefaultInterval,
		log:      zerolog.Nop(),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With().Str("component", "reaper").Logger()
	return r
}

// Start runs a cycle immediately and then every interval until ctx is done.
// Only the first call has any effect.
func (r *Reaper) Start(ctx context.Context) {
	r.start.Do(func() { r.run(ctx) })
}

func (r *Reaper) run(ctx context.Context) {
	r.log.Info().Dur("interval", r.interval).Bool("orphan_sweep", r.sweep).Msg("reaper started")

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.cycle(ctx)
		for {
			select {
			case <-ticker.C:
				r.cycle(ctx)
			case <-ctx.Done():
				r.log.Info().Msg("reaper stopping")
				return
			}
		}
	}()
}

// Wait blocks until a started reaper has stopped.
func (r *Reaper) Wait() {
	<-r.done
}

// cycle never returns an error; a failed pass is retried on the next tick.
func (r *Reaper) cycle(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
		r.log.Error().Err(err).Msg("reap cycle failed")
	}
	if r.sweep {
		if _, err := r.SweepOrphans(ctx, r.grace); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("orphan sweep failed")
		}
	}
}

// RunOnce performs a single reap pass. Rows whose blob could not be removed
// are left for the next pass.
func (r *Reaper) RunOnce(ctx context.Context) (Result, error) {
	log := r.log.With().Str("cycle_id", uuid.NewString()).Logger()
	start := time.Now()
	metrics.ReapCycles.Inc()
	defer func() { metrics.ReapDuration.Observe(time.Since(start).Seconds()) }()

	expired, err := r.meta.ListExpired(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "list expired pastes")
	}

	res := Result{Candidates: len(expired)}
	if len(expired) == 0 {
		log.Info().Msg("nothing to reap")
		return res, nil
	}

	batch := make([]string, 0, len(expired))
	for _, p := range expired {
		if _, err := r.blobs.Delete(p.ID); err != nil {
			res.Failed++
			metrics.ReapFailures.Inc()
			log.Error().Err(err).Str("id", p.ID).Msg("failed to delete blob, keeping row")
			continue
		}
		batch = append(batch, p.ID)
	}

	n, err := r.meta.DeleteMany(ctx, batch)
	if err != nil {
		return res, errors.Wrapf(err, "delete %d expired rows", len(batch))
	}
	res.Reaped = n
	metrics.Reaped.Add(float64(n))

	log.Info().
		Int("reaped", res.Reaped).
		Int("failed", res.Failed).
		Int("candidates", res.Candidates).
		Dur("took", time.Since(start)).
		Msg("reap cycle complete")
	return res, nil
}

// SweepOrphans removes blobs older than grace that have no metadata row. The
// grace period protects blobs whose row is still being inserted.
func (r *Reaper) SweepOrphans(ctx context.Context, grace time.Duration) (int, error) {
	entries, err := r.blobs.List()
	if err != nil {
		return 0, errors.Wrap(err, "list blobs")
	}

	cutoff := r.now().Add(-grace)
	var swept int
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		if e.ModTime.After(cutoff) {
			continue
		}
		referenced, err := r.meta.Exists(ctx, e.ID)
		if err != nil {
			return swept, errors.Wrapf(err, "check row for blob %s", e.ID)
		}
		if referenced {
			continue
		}
		removed, err := r.blobs.Delete(e.ID)
		if err != nil {
			r.log.Error().Err(err).Str("id", e.ID).Msg("failed to delete orphaned blob")
			continue
		}
		if removed {
			swept++
			r.log.Warn().Str("id", e.ID).Time("modified", e.ModTime).Msg("removed orphaned blob")
		}
	}
	metrics.OrphansSwept.Add(float64(swept))
	if swept > 0 {
		r.log.Info().Int("swept", swept).Msg("orphan sweep complete")
	}
	return swept, nil
}
