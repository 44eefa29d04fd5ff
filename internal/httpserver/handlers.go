package httpserver

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"github.com/skip2/go-qrcode"

	"shortpaste/internal/paste"
)

type viewResponse struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	ContentType string    `json:"content_type"`
	Class       string    `json:"class"`
	UpdatedAt   time.Time `json:"updated_at"`
	HoldSeconds int64     `json:"hold_seconds"`
	ExpiresAt   time.Time `json:"expires_at"`
	ExpiresIn   string    `json:"expires_in"`
	Text        string    `json:"text,omitempty"`
	Size        int       `json:"size"`
	RawURL      string    `json:"raw_url"`
	Canonical   string    `json:"canonical"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)

	params, err := s.parseCreate(r)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.writeJSON(w, r, http.StatusRequestEntityTooLarge, errorResponse{Error: paste.ErrTooLarge.Error()})
			return
		}
		s.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	id, err := s.svc.Create(r.Context(), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, "/p/"+id, http.StatusSeeOther)
}

func (s *Server) parseCreate(r *http.Request) (paste.CreateParams, error) {
	var params paste.CreateParams

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(s.maxBody); err != nil {
			return params, errors.Wrap(err, "unable to parse form")
		}
		file, header, err := r.FormFile("file")
		switch {
		case err == nil:
			defer file.Close()
			data, err := io.ReadAll(file)
			if err != nil {
				return params, errors.Wrap(err, "unable to read upload")
			}
			params.Upload = true
			params.Content = data
			params.ContentType = header.Header.Get("Content-Type")
		case !errors.Is(err, http.ErrMissingFile):
			return params, errors.Wrap(err, "unable to read upload")
		}
	} else if err := r.ParseForm(); err != nil {
		return params, errors.Wrap(err, "unable to parse form")
	}

	if !params.Upload {
		params.Content = []byte(r.FormValue("content"))
	}
	params.Title = r.FormValue("title")
	params.Author = r.FormValue("author")
	if v := strings.TrimSpace(r.FormValue("hold")); v != "" {
		hold, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return params, errors.New("hold must be a whole number of seconds")
		}
		params.HoldSeconds = &hold
	}
	return params, nil
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.svc.Fetch(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, viewResponse{
		ID:          view.ID,
		Title:       view.Title,
		Author:      view.Author,
		ContentType: view.ContentType,
		Class:       view.Class.String(),
		UpdatedAt:   view.UpdatedAt,
		HoldSeconds: view.HoldSeconds,
		ExpiresAt:   view.ExpiresAt,
		ExpiresIn:   remaining(view.ExpiresAt, s.now()),
		Text:        view.Text,
		Size:        len(view.Data),
		RawURL:      "/p/" + view.ID + "/raw",
		Canonical:   s.canonicalURL(r, view.ID),
	})
}

func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.Fetch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	etag := etagFor(view.Data)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", view.ContentType)
	w.Header().Set("Content-Disposition", disposition(view))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "private, max-age=60")
	w.Header().Set("ETag", etag)
	_, _ = w.Write(view.Data)
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.svc.Fetch(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	png, err := qrcode.Encode(s.canonicalURL(r, id), qrcode.Medium, 256)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !s.history {
		s.writeJSON(w, r, http.StatusNotFound, errorResponse{Error: "history is disabled"})
		return
	}
	list, err := s.svc.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, list)
}

// writeError maps service failures onto status codes. Storage and
// persistence details stay in the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var pe *paste.Error
	switch {
	case errors.As(err, &pe) && pe.Kind == paste.KindValidation:
		status := http.StatusBadRequest
		if errors.Is(err, paste.ErrTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		s.writeJSON(w, r, status, errorResponse{Error: pe.Err.Error()})
	case errors.As(err, &pe) && pe.Kind == paste.KindNotFound:
		s.writeJSON(w, r, http.StatusNotFound, errorResponse{Error: paste.ErrNotFound.Error()})
	default:
		hlog.FromRequest(r).Error().Err(err).Str("kind", paste.KindOf(err).String()).Msg("request failed")
		s.writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("encode response")
	}
}

// disposition renders displayable classes inline and everything else as a
// download named after the paste title.
func disposition(v *paste.View) string {
	kind := "attachment"
	if v.Class != paste.ClassOther {
		kind = "inline"
	}
	name := v.Title
	if name == "" {
		name = v.ID
	}
	if d := mime.FormatMediaType(kind, map[string]string{"filename": name}); d != "" {
		return d
	}
	return kind
}

func remaining(expires time.Time, now time.Time) string {
	if expires.IsZero() {
		return "Never"
	}
	if !now.Before(expires) {
		return "Expired"
	}
	dur := expires.Sub(now)
	if dur < time.Second {
		return "Less than a second"
	}
	units := []struct {
		d    time.Duration
		name string
	}{
		{time.Hour * 24, "day"},
		{time.Hour, "hour"},
		{time.Minute, "minute"},
	}
	parts := make([]string, 0, len(units))
	for _, u := range units {
		if dur >= u.d {
			count := dur / u.d
			parts = append(parts, plural(int(count), u.name))
			dur -= count * u.d
		}
	}
	if len(parts) == 0 {
		return plural(int(dur.Seconds()), "second")
	}
	return strings.Join(parts, ", ")
}

func plural(count int, singular string) string {
	if count == 1 {
		return fmt.Sprintf("1 %s", singular)
	}
	return fmt.Sprintf("%d %ss", count, singular)
}

func etagFor(content []byte) string {
	sum := sha256.Sum256(content)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
