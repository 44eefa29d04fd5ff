// Package paste coordinates the blob store, metadata store and identifier
// generator to create, fetch, list and delete pastes.
package paste

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"shortpaste/internal/blob"
	"shortpaste/internal/id"
	"shortpaste/internal/metrics"
	"shortpaste/internal/storage"
)

const (
	// TextContentType is recorded for raw text submissions.
	TextContentType = "text/plain; charset=utf-8"
	// UploadContentType is recorded for uploads that declare no type.
	UploadContentType = "application/octet-stream"

	unknownLabel   = "unknown"
	maxLabelRunes  = 100
	invalidUTF8Rep = "\uFFFD"
)

// Options tune a Service. MaxHoldSeconds <= 0 means DefaultMaxHoldSeconds.
type Options struct {
	DefaultHoldSeconds int64
	MaxHoldSeconds     int64
	MaxUploadBytes     int64
	Classifier         *Classifier
}

// DefaultMaxHoldSeconds is 100 years.
const DefaultMaxHoldSeconds int64 = 100 * 365 * 24 * 60 * 60

// CreateParams describe a new paste. HoldSeconds nil means the default hold.
type CreateParams struct {
	Content     []byte
	Upload      bool
	ContentType string
	Title       string
	Author      string
	HoldSeconds *int64
}

// View is a fetched paste. Data always holds the raw bytes; Text is only set
// for text content.
type View struct {
	ID          string
	Title       string
	Author      string
	ContentType string
	Class       Class
	UpdatedAt   time.Time
	HoldSeconds int64
	ExpiresAt   time.Time
	Text        string
	Data        []byte
}

// Summary is one history entry.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service implements the paste lifecycle.
type Service struct {
	meta       storage.Store
	blobs      *blob.Store
	ids        *id.Generator
	opts       Options
	classifier *Classifier
	log        zerolog.Logger

	// beforeWrite runs between picking an id and writing its blob.
	beforeWrite func(id string)
}

// NewService wires a Service. A nil Classifier treats every type as other.
func NewService(meta storage.Store, blobs *blob.Store, ids *id.Generator, opts Options, logger zerolog.Logger) *Service {
	if meta == nil || blobs == nil || ids == nil {
		panic("paste service: nil dependency (meta, blobs or ids)")
	}
	if opts.MaxHoldSeconds <= 0 {
		opts.MaxHoldSeconds = DefaultMaxHoldSeconds
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = NewClassifier(nil, nil, nil)
	}
	return &Service{
		meta:       meta,
		blobs:      blobs,
		ids:        ids,
		opts:       opts,
		classifier: classifier,
		log:        logger.With().Str("component", "paste").Logger(),
	}
}

// Create validates and stores a new paste, returning its identifier.
func (s *Service) Create(ctx context.Context, p CreateParams) (string, error) {
	const op = "paste.create"

	if len(p.Content) == 0 {
		return "", fail(KindValidation, op, ErrEmptyPaste)
	}
	if p.Upload && s.opts.MaxUploadBytes > 0 && int64(len(p.Content)) > s.opts.MaxUploadBytes {
		return "", fail(KindValidation, op, ErrTooLarge)
	}
	hold := s.opts.DefaultHoldSeconds
	if p.HoldSeconds != nil {
		if *p.HoldSeconds < 0 {
			return "", fail(KindValidation, op, ErrNegativeHold)
		}
		hold = *p.HoldSeconds
	}
	if hold > s.opts.MaxHoldSeconds {
		return "", fail(KindValidation, op, ErrHoldTooLong)
	}

	contentType := TextContentType
	if p.Upload {
		contentType = strings.TrimSpace(p.ContentType)
		if contentType == "" {
			contentType = UploadContentType
		}
	}

	pasteID, err := s.writeBlob(ctx, p.Content)
	if err != nil {
		return "", fail(KindStorage, op, err)
	}

	row := &storage.Paste{
		ID:          pasteID,
		Title:       cleanLabel(p.Title),
		Author:      cleanLabel(p.Author),
		ContentType: contentType,
		StoragePath: s.blobs.PathFor(pasteID),
		HoldSeconds: hold,
	}
	if err := s.meta.Insert(ctx, row); err != nil {
		metrics.OrphanedBlobs.Inc()
		s.log.Error().
			Err(err).
			Str("id", pasteID).
			Str("path", row.StoragePath).
			Bool("orphaned_blob", true).
			Msg("metadata insert failed after blob write")
		return "", fail(KindPersistence, op, err)
	}

	metrics.PastesCreated.Inc()
	s.log.Info().
		Str("id", pasteID).
		Str("content_type", contentType).
		Int("size", len(p.Content)).
		Int64("hold_seconds", hold).
		Msg("paste created")
	return pasteID, nil
}

// writeBlob claims a fresh identifier by writing its blob. Write refuses an
// occupied path, so two creators racing on one id cannot both win. Taken ids
// and lost write races share the generator's attempt budget.
func (s *Service) writeBlob(ctx context.Context, content []byte) (string, error) {
	claim := func(candidate string) (bool, error) {
		inUse, err := s.taken(ctx, candidate)
		if err != nil || inUse {
			return inUse, err
		}
		if s.beforeWrite != nil {
			s.beforeWrite(candidate)
		}
		err = s.blobs.Write(candidate, content)
		if errors.Is(err, blob.ErrExists) {
			s.log.Debug().Str("id", candidate).Msg("id claimed concurrently, regenerating")
			return true, nil
		}
		return false, err
	}
	pasteID, err := s.ids.Generate(ctx, claim)
	if err != nil {
		return "", errors.Wrap(err, "claim id")
	}
	return pasteID, nil
}

// taken treats an id as used when either a blob or a stale row holds it.
func (s *Service) taken(ctx context.Context, candidate string) (bool, error) {
	inUse, err := s.blobs.Exists(candidate)
	if err != nil || inUse {
		return inUse, err
	}
	return s.meta.Exists(ctx, candidate)
}

// Fetch loads a paste. A row whose blob is missing or empty is removed and
// reported as not found.
func (s *Service) Fetch(ctx context.Context, pasteID string) (*View, error) {
	const op = "paste.fetch"

	row, err := s.meta.Get(ctx, pasteID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fail(KindNotFound, op, ErrNotFound)
	}
	if err != nil {
		return nil, fail(KindPersistence, op, err)
	}

	data, err := s.blobs.Read(pasteID)
	if errors.Is(err, blob.ErrNotFound) {
		s.heal(ctx, pasteID)
		return nil, fail(KindNotFound, op, ErrNotFound)
	}
	if err != nil {
		return nil, fail(KindStorage, op, err)
	}

	view := &View{
		ID:          row.ID,
		Title:       row.Title,
		Author:      row.Author,
		ContentType: row.ContentType,
		Class:       s.classifier.Classify(row.ContentType),
		UpdatedAt:   row.UpdatedAt,
		HoldSeconds: row.HoldSeconds,
		ExpiresAt:   row.ExpiresAt,
		Data:        data,
	}
	if view.Class == ClassText {
		view.Text = strings.ToValidUTF8(string(data), invalidUTF8Rep)
	}
	metrics.PastesFetched.Inc()
	return view, nil
}

func (s *Service) heal(ctx context.Context, pasteID string) {
	if _, err := s.Delete(ctx, pasteID); err != nil {
		s.log.Warn().Err(err).Str("id", pasteID).Msg("self-heal failed")
		return
	}
	metrics.SelfHealed.Inc()
	s.log.Warn().Str("id", pasteID).Msg("removed metadata for missing blob")
}

// Delete removes the blob, tolerating its absence, then the metadata row. It
// reports whether a metadata row existed.
func (s *Service) Delete(ctx context.Context, pasteID string) (bool, error) {
	const op = "paste.delete"

	if _, err := s.blobs.Delete(pasteID); err != nil {
		return false, fail(KindStorage, op, err)
	}
	removed, err := s.meta.Delete(ctx, pasteID)
	if err != nil {
		return false, fail(KindPersistence, op, err)
	}
	return removed, nil
}

// List returns every paste, most recently updated first.
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.meta.List(ctx)
	if err != nil {
		return nil, fail(KindPersistence, "paste.list", err)
	}
	out := make([]Summary, 0, len(rows))
	for _, r := range rows {
		out = append(out, Summary{
			ID:        r.ID,
			Title:     r.Title,
			Author:    r.Author,
			UpdatedAt: r.UpdatedAt,
			ExpiresAt: r.ExpiresAt,
		})
	}
	return out, nil
}

func cleanLabel(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	if utf8.RuneCountInString(s) > maxLabelRunes {
		s = strings.TrimSpace(string([]rune(s)[:maxLabelRunes]))
	}
	if s == "" {
		return unknownLabel
	}
	return s
}
