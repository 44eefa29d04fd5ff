package id

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

const (
	// DefaultLength is the identifier length handed out to pastes.
	DefaultLength = 16
	// DefaultMaxAttempts bounds the regenerate-on-collision loop.
	DefaultMaxAttempts = 100

	jitterLength = 21
	maxLength    = 86 // unpadded base64 of a 64 byte digest
)

// ErrExhausted is returned when every attempt produced an identifier already in use.
var ErrExhausted = errors.New("identifier attempts exhausted")

// '/' would be a path separator and '+' is awkward in URLs.
var safeAlphabet = strings.NewReplacer("/", "q", "+", "Q")

// TakenFunc reports whether an identifier is already in use.
type TakenFunc func(id string) (bool, error)

// Generator produces short, URL-safe identifiers.
type Generator struct {
	length      int
	maxAttempts int
	now         func() time.Time
	entropy     func() (string, error)
}

// Option customises a Generator.
type Option func(*Generator)

// WithClock overrides the time source mixed into each seed.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithEntropy overrides the random jitter mixed into each seed.
func WithEntropy(fn func() (string, error)) Option {
	return func(g *Generator) { g.entropy = fn }
}

// WithMaxAttempts overrides the collision retry cap.
func WithMaxAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// New returns a Generator with the provided length. If length <= 0, a sane default is used.
func New(length int, opts ...Option) *Generator {
	if length <= 0 {
		length = DefaultLength
	}
	if length > maxLength {
		length = maxLength
	}
	g := &Generator{
		length:      length,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		entropy: func() (string, error) {
			return gonanoid.New(jitterLength)
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Next derives a single candidate identifier without checking for collisions.
func (g *Generator) Next() (string, error) {
	jitter, err := g.entropy()
	if err != nil {
		return "", errors.Wrap(err, "read entropy")
	}
	seed := make([]byte, 8, 8+len(jitter))
	binary.BigEndian.PutUint64(seed, uint64(g.now().UnixNano()))
	seed = append(seed, jitter...)

	sum := blake2b.Sum512(seed)
	encoded := base64.RawStdEncoding.EncodeToString(sum[:])
	return safeAlphabet.Replace(encoded[:g.length]), nil
}

// Generate returns an identifier for which taken reports false, regenerating
// on collision up to the configured attempt cap.
func (g *Generator) Generate(ctx context.Context, taken TakenFunc) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		candidate, err := g.Next()
		if err != nil {
			return "", err
		}
		if taken == nil {
			return candidate, nil
		}
		inUse, err := taken(candidate)
		if err != nil {
			return "", errors.Wrap(err, "check identifier")
		}
		if !inUse {
			return candidate, nil
		}
	}
	return "", errors.Wrapf(ErrExhausted, "after %d attempts", g.maxAttempts)
}
