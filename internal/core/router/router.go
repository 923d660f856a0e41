// Package router decodes HTTP requests, hands them to the pipeline, and maps
// error classes onto status codes.
package router

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agrosense/spectral-tiles/internal/core/apperr"
	"github.com/agrosense/spectral-tiles/internal/core/model"
	"github.com/agrosense/spectral-tiles/internal/core/observability"
	"github.com/agrosense/spectral-tiles/internal/index"
	"github.com/agrosense/spectral-tiles/internal/logger"
	"github.com/agrosense/spectral-tiles/internal/store"
)

// Service is the compute surface the HTTP layer exposes.
type Service interface {
	Compute(ctx context.Context, req model.ComputeRequest) (*model.ComputeResponse, error)
	Heatmap(ctx context.Context, req model.ComputeRequest) (*model.ComputeResponse, error)
	Series(ctx context.Context, req model.ComputeRequest) (*model.ComputeResponse, error)
	Dates(ctx context.Context, req model.ComputeRequest) (*model.DatesResponse, error)
}

// MetaReader lists persisted metadata rows. A nil reader disables the
// read endpoints with 404s.
type MetaReader interface {
	ListAssets(ctx context.Context, f store.AssetFilter) ([]store.AssetRecord, error)
	ListMeasurements(ctx context.Context, f store.MeasurementFilter) ([]store.MeasurementRecord, error)
	ListAvailableDates(ctx context.Context, f store.DateFilter) ([]store.AvailableDateRecord, error)
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func Compute(log zerolog.Logger, svc Service) http.HandlerFunc {
	return computeHandler(log, "/v1/compute", func(ctx context.Context, req model.ComputeRequest) (any, error) {
		return svc.Compute(ctx, req)
	})
}

// Heatmap forces heatmap mode regardless of the request body.
func Heatmap(log zerolog.Logger, svc Service) http.HandlerFunc {
	return computeHandler(log, "/v1/heatmap", func(ctx context.Context, req model.ComputeRequest) (any, error) {
		req.Mode = model.ModeHeatmap
		return svc.Heatmap(ctx, req)
	})
}

func TimeSeries(log zerolog.Logger, svc Service) http.HandlerFunc {
	return computeHandler(log, "/v1/time-series", func(ctx context.Context, req model.ComputeRequest) (any, error) {
		req.Mode = model.ModeSeries
		return svc.Series(ctx, req)
	})
}

func Dates(log zerolog.Logger, svc Service) http.HandlerFunc {
	return computeHandler(log, "/v1/dates", func(ctx context.Context, req model.ComputeRequest) (any, error) {
		return svc.Dates(ctx, req)
	})
}

func computeHandler(log zerolog.Logger, route string, run func(context.Context, model.ComputeRequest) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

		var req model.ComputeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(r.Context(), log, sw, apperr.Validation("request body: %v", err))
			observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
			return
		}
		if strings.TrimSpace(req.Index) == "" && route != "/v1/dates" {
			writeError(r.Context(), log, sw, apperr.Validation("index is required"))
			observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
			return
		}

		resp, err := run(r.Context(), req)
		if err != nil {
			writeError(r.Context(), log, sw, err)
		} else {
			writeJSON(sw, http.StatusOK, resp)
		}
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

// StoredDates lists previously persisted acquisition dates.
func StoredDates(log zerolog.Logger, meta MetaReader) http.HandlerFunc {
	return listHandler(log, "/v1/dates", meta, func(ctx context.Context, q map[string]string) (any, error) {
		return meta.ListAvailableDates(ctx, store.DateFilter{
			GeometryID: q["geometry_id"],
			Start:      q["start"],
			End:        q["end"],
			Limit:      atoiOr(q["limit"], 0),
		})
	})
}

func Assets(log zerolog.Logger, meta MetaReader) http.HandlerFunc {
	return listHandler(log, "/v1/assets", meta, func(ctx context.Context, q map[string]string) (any, error) {
		return meta.ListAssets(ctx, store.AssetFilter{
			TenantID: q["tenant_id"],
			PlotID:   q["plot_id"],
			Limit:    atoiOr(q["limit"], 0),
		})
	})
}

func Measurements(log zerolog.Logger, meta MetaReader) http.HandlerFunc {
	return listHandler(log, "/v1/measurements", meta, func(ctx context.Context, q map[string]string) (any, error) {
		return meta.ListMeasurements(ctx, store.MeasurementFilter{
			PlotID:     q["plot_id"],
			MetricType: q["metric_type"],
			Limit:      atoiOr(q["limit"], 0),
		})
	})
}

func listHandler(log zerolog.Logger, route string, meta MetaReader, run func(context.Context, map[string]string) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

		if meta == nil {
			writeError(r.Context(), log, sw, apperr.NotFound("metadata store is not configured"))
			observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
			return
		}

		q := map[string]string{}
		for key, vals := range r.URL.Query() {
			if len(vals) > 0 {
				q[key] = strings.TrimSpace(vals[0])
			}
		}
		resp, err := run(r.Context(), q)
		if err != nil {
			writeError(r.Context(), log, sw, apperr.Internal(err))
		} else {
			writeJSON(sw, http.StatusOK, resp)
		}
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

// Indices lists the supported index ids for a sensor family.
func Indices() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sensor := strings.TrimSpace(r.URL.Query().Get("sensor"))
		if sensor == "" {
			sensor = index.SensorSentinel2
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"sensor":  sensor,
			"indices": index.IDs(sensor),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto status codes. Upstream and internal
// failures never leak their cause; internal ones carry a reference the
// operator can grep for.
func writeError(ctx context.Context, log zerolog.Logger, w http.ResponseWriter, err error) {
	type errBody struct {
		Error string `json:"error"`
		Ref   string `json:"ref,omitempty"`
	}
	switch {
	case apperr.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errBody{Error: err.Error()})
	case apperr.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errBody{Error: err.Error()})
	case apperr.IsUpstream(err):
		logger.FromContext(ctx, &log).Error().Err(err).Msg("imagery service failure")
		writeJSON(w, http.StatusBadGateway, errBody{Error: "imagery service unavailable"})
	default:
		ref := apperr.CorrelationID(err)
		if ref == "" {
			err = apperr.Internal(err)
			ref = apperr.CorrelationID(err)
		}
		logger.FromContext(logger.WithCorrelationID(ctx, ref), &log).
			Error().Err(apperr.InternalCause(err)).Msg("internal error")
		writeJSON(w, http.StatusInternalServerError, errBody{Error: "internal error", Ref: ref})
	}
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
