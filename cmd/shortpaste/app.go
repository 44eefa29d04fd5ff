package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"shortpaste/internal/blob"
	"shortpaste/internal/config"
	"shortpaste/internal/httpserver"
	"shortpaste/internal/id"
	"shortpaste/internal/logging"
	"shortpaste/internal/paste"
	"shortpaste/internal/reaper"
	"shortpaste/internal/storage"
	"shortpaste/internal/storage/boltstore"
	"shortpaste/internal/storage/sqlitestore"
)

type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	meta   storage.Store
	blobs  *blob.Store
	svc    *paste.Service
	reaper *reaper.Reaper
}

// bootstrap loads configuration and opens both stores. Failing to create the
// storage root is fatal.
func bootstrap() (*app, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	log := logging.New(cfg.LogLevel, cfg.Development())

	blobs := blob.New(cfg.StorageRoot)
	if err := blobs.EnsureDir(); err != nil {
		log.Error().Err(err).Str("root", cfg.StorageRoot).Msg("storage root unavailable")
		return nil, err
	}

	meta, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	svc := paste.NewService(meta, blobs, id.New(id.DefaultLength), paste.Options{
		DefaultHoldSeconds: cfg.DefaultHoldSeconds,
		MaxHoldSeconds:     cfg.MaxHoldSeconds,
		MaxUploadBytes:     cfg.MaxUploadBytes,
		Classifier:         paste.NewClassifier(cfg.TextTypes, cfg.ImageTypes, cfg.ObjectTypes),
	}, log)

	opts := []reaper.Option{reaper.WithInterval(cfg.ReapInterval), reaper.WithLogger(log)}
	if cfg.OrphanSweep {
		opts = append(opts, reaper.WithOrphanSweep(cfg.OrphanGrace))
	}

	return &app{
		cfg:    cfg,
		log:    log,
		meta:   meta,
		blobs:  blobs,
		svc:    svc,
		reaper: reaper.New(meta, blobs, opts...),
	}, nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.MetadataPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "create metadata directory")
	}
	var (
		st  storage.Store
		err error
	)
	switch cfg.MetadataBackend {
	case config.BackendSQLite:
		st, err = sqlitestore.Open(cfg.MetadataPath)
	default:
		st, err = boltstore.Open(cfg.MetadataPath)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s metadata store", cfg.MetadataBackend)
	}
	return st, nil
}

func (a *app) close() {
	if err := a.meta.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close metadata store")
	}
}

// serve runs the HTTP server and the reaper until ctx is cancelled or either
// fails.
func (a *app) serve(ctx context.Context) error {
	srv, err := httpserver.New(httpserver.Config{
		Service:        a.svc,
		MaxUploadBytes: a.cfg.MaxUploadBytes,
		RateLimiter:    httpserver.NewRateLimiter(a.cfg.RateLimitRPS, a.cfg.RateLimitBurst, 15*time.Minute),
		TrustProxy:     a.cfg.TrustProxy,
		BaseURL:        a.cfg.BaseURL,
		HistoryEnabled: a.cfg.HistoryEnabled,
		Logger:         a.log,
	})
	if err != nil {
		return errors.Wrap(err, "construct server")
	}

	httpSrv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	a.reaper.Start(gctx)
	g.Go(func() error {
		a.reaper.Wait()
		return nil
	})

	g.Go(func() error {
		a.log.Info().
			Str("addr", a.cfg.Addr).
			Str("backend", a.cfg.MetadataBackend).
			Str("storage_root", a.cfg.StorageRoot).
			Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			a.log.Error().Err(err).Msg("shutdown error")
		}
		return nil
	})

	err = g.Wait()
	a.log.Info().Msg("shutdown complete")
	return err
}
