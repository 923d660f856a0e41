// Package server wires the router onto chi and runs the HTTP listener with
// graceful shutdown.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agrosense/spectral-tiles/internal/core/config"
	"github.com/agrosense/spectral-tiles/internal/core/middleware"
	"github.com/agrosense/spectral-tiles/internal/core/router"
	"github.com/agrosense/spectral-tiles/internal/logger"
)

func Run(ctx context.Context, cfg config.Config, log zerolog.Logger, svc router.Service, meta router.MetaReader) error {
	slogger := logger.NewSlog(&log)

	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(slogger))
	r.Use(middleware.CORS())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Post("/v1/compute", router.Compute(log, svc))
	r.Post("/v1/heatmap", router.Heatmap(log, svc))
	r.Post("/v1/time-series", router.TimeSeries(log, svc))
	r.Post("/v1/dates", router.Dates(log, svc))
	r.Get("/v1/dates", router.StoredDates(log, meta))
	r.Get("/v1/assets", router.Assets(log, meta))
	r.Get("/v1/measurements", router.Measurements(log, meta))
	r.Get("/v1/indices", router.Indices())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("http listen")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
