// Package storage defines the paste metadata record and the contract shared
// by the metadata backends.
package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a paste does not exist.
var ErrNotFound = errors.New("paste not found")

// MaxExpiryUnix is the latest expiry a row can report, 9999-12-31T23:59:59Z.
const MaxExpiryUnix int64 = 253402300799

// ExpiryUnix returns updated+hold in unix seconds, saturating at
// MaxExpiryUnix instead of overflowing.
func ExpiryUnix(updated, hold int64) int64 {
	if hold < 0 {
		hold = 0
	}
	if updated >= MaxExpiryUnix || hold > MaxExpiryUnix-updated {
		return MaxExpiryUnix
	}
	expires := updated + hold
	if expires < 0 {
		return 0
	}
	return expires
}

// Paste is a stored metadata row. ElapsedSeconds and ExpiresAt are derived at
// query time and never persisted.
type Paste struct {
	RowID       int64     `json:"row_id"`
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	ContentType string    `json:"content_type"`
	StoragePath string    `json:"storage_path"`
	HoldSeconds int64     `json:"hold_seconds"`
	UpdatedAt   time.Time `json:"updated_at"`

	ElapsedSeconds int64     `json:"-"`
	ExpiresAt      time.Time `json:"-"`
}

// Derive fills the query-time fields relative to now.
func (p *Paste) Derive(now time.Time) {
	p.ElapsedSeconds = now.Unix() - p.UpdatedAt.Unix()
	p.ExpiresAt = time.Unix(ExpiryUnix(p.UpdatedAt.Unix(), p.HoldSeconds), 0).UTC()
}

// Expired reports whether the hold duration has elapsed at now.
func (p *Paste) Expired(now time.Time) bool {
	return now.Unix()-p.UpdatedAt.Unix() >= p.HoldSeconds
}

// Store defines the metadata backend contract.
type Store interface {
	// Insert persists a new row. A zero UpdatedAt is set to the store clock.
	Insert(ctx context.Context, paste *Paste) error
	// Get returns the row with derived fields filled, or ErrNotFound.
	Get(ctx context.Context, id string) (*Paste, error)
	// Delete removes the row and reports whether one existed.
	Delete(ctx context.Context, id string) (bool, error)
	// DeleteMany removes every listed row in one batch and returns how many existed.
	DeleteMany(ctx context.Context, ids []string) (int, error)
	// List returns all rows, most recently updated first.
	List(ctx context.Context) ([]Paste, error)
	// ListExpired returns rows whose hold duration has elapsed.
	ListExpired(ctx context.Context) ([]Paste, error)
	Exists(ctx context.Context, id string) (bool, error)
	Close() error
}

// Options are shared by the backends.
type Options struct {
	Now func() time.Time
}

// Option customises a backend.
type Option func(*Options)

// WithClock overrides the time source used for timestamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// BuildOptions applies opts over the defaults.
func BuildOptions(opts ...Option) Options {
	o := Options{Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
