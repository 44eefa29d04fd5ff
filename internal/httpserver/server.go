// Package httpserver exposes the paste service over HTTP.
package httpserver

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"shortpaste/internal/paste"
)

// formOverhead leaves room for the non-file multipart fields.
const formOverhead = 64 << 10

// Config captures server configuration.
type Config struct {
	Service        *paste.Service
	MaxUploadBytes int64
	RateLimiter    *RateLimiter
	TrustProxy     bool
	BaseURL        string
	HistoryEnabled bool
	Logger         zerolog.Logger
}

// Server wraps HTTP handling logic.
type Server struct {
	svc        *paste.Service
	router     chi.Router
	maxBody    int64
	limiter    *RateLimiter
	trustProxy bool
	baseURL    *url.URL
	history    bool
	log        zerolog.Logger
	now        func() time.Time
}

// New constructs a new Server instance.
func New(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("paste service required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}

	var parsedBase *url.URL
	if cfg.BaseURL != "" {
		var err error
		parsedBase, err = url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "invalid base url")
		}
		if parsedBase.Scheme == "" || parsedBase.Host == "" {
			return nil, errors.New("base url must include scheme and host")
		}
		parsedBase.Path = strings.TrimSuffix(parsedBase.Path, "/")
	}

	srv := &Server{
		svc:        cfg.Service,
		router:     chi.NewRouter(),
		maxBody:    cfg.MaxUploadBytes + formOverhead,
		limiter:    cfg.RateLimiter,
		trustProxy: cfg.TrustProxy,
		baseURL:    parsedBase,
		history:    cfg.HistoryEnabled,
		log:        cfg.Logger.With().Str("component", "http").Logger(),
		now:        time.Now,
	}
	srv.routes()
	return srv, nil
}

// Handler returns the underlying router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequestID)
		if s.trustProxy {
			r.Use(middleware.RealIP)
		}
		r.Use(hlog.NewHandler(s.log))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.String()).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", middleware.GetReqID(req.Context())).
				Msg("http request")
		}))
		r.Use(middleware.Recoverer)

		r.With(RateLimitMiddleware(s.limiter, func(r *http.Request) string {
			return ClientIP(r, s.trustProxy)
		})).Post("/pastes", s.handleCreate)

		r.Route("/p/{id}", func(pr chi.Router) {
			pr.Get("/", s.handleView)
			pr.Get("/raw", s.handleRaw)
			pr.Get("/qr", s.handleQR)
		})
		r.Get("/history", s.handleHistory)
	})
}

func (s *Server) isSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if s.baseURL != nil && s.baseURL.Scheme == "https" {
		return true
	}
	if s.trustProxy {
		proto := strings.ToLower(r.Header.Get("X-Forwarded-Proto"))
		if proto == "https" {
			return true
		}
	}
	return false
}

func (s *Server) canonicalURL(r *http.Request, id string) string {
	if s.baseURL != nil {
		u := *s.baseURL
		if id != "" {
			u.Path = strings.TrimSuffix(u.Path, "/") + "/p/" + id
		}
		return u.String()
	}

	scheme := "http"
	if s.isSecureRequest(r) {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	path := "/"
	if id != "" {
		path = "/p/" + id
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, path)
}
