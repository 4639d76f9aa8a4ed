package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/paperwatch/paperwatch/internal/calibrate"
	"github.com/paperwatch/paperwatch/internal/curate"
	"github.com/paperwatch/paperwatch/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// RerankCacheAdmin exposes the cache maintenance surface.
type RerankCacheAdmin interface {
	RerankCacheStats() ([]storage.CacheStat, error)
	PurgeRerank(version string) (int, error)
}

// HTTPDeps holds dependencies for the HTTP API.
type HTTPDeps struct {
	Service *curate.Service
	// Cache enables the /cache endpoints when non-nil.
	Cache RerankCacheAdmin
	// Token enables bearer auth when non-empty.
	Token string
}

// NewHTTPHandler returns the paperwatch REST API.
func NewHTTPHandler(deps HTTPDeps) http.Handler {
	r := chi.NewRouter()
	if deps.Token != "" {
		r.Use(bearerAuth(deps.Token))
	}

	r.Get("/health", handleHealth)
	r.Get("/rankings", handleRankings(deps, false))
	r.Get("/rankings/diagnostics", handleRankings(deps, true))
	r.Get("/calibration", handleGetCalibration(deps))
	r.Post("/calibration/fit", handleFitCalibration(deps))
	r.Post("/relevancy/score", handleScoreRelevancy(deps))
	r.Get("/metrics", handleMetrics(deps))
	if deps.Cache != nil {
		r.Get("/cache", handleCacheStats(deps))
		r.Delete("/cache", handlePurgeCache(deps))
	}

	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleRankings(deps HTTPDeps, debug bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := curate.RankOptions{
			WindowDays: queryInt(r, "since_days", 0),
			TopN:       queryInt(r, "limit", 0),
			UseModel:   queryBool(r, "use_model"),
			Debug:      debug,
		}
		report, err := deps.Service.MustReads(r.Context(), opts)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "ranking failed: %v", err)
			return
		}
		writeJSON(w, report)
	}
}

func handleGetCalibration(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cal, err := deps.Service.Calibration()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				httpError(w, http.StatusNotFound, "not_found_error", "no calibration artifact; fit one first")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "loading calibration: %v", err)
			return
		}
		rows, err := cal.MappingTable(10)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "building mapping table: %v", err)
			return
		}
		writeJSON(w, map[string]any{
			"fit_stats": cal.Stats(),
			"mapping":   rows,
		})
	}
}

func handleFitCalibration(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			OutputScale string `json:"output_scale"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		stats, err := deps.Service.FitCalibration(r.Context(), calibrate.OutputScale(req.OutputScale))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, calibrate.ErrTooFewSamples) {
				status = http.StatusUnprocessableEntity
			}
			httpError(w, status, "api_error", "calibration fit failed: %v", err)
			return
		}
		writeJSON(w, map[string]any{"fit_stats": stats})
	}
}

func handleScoreRelevancy(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			RunID      string `json:"run_id"`
			WindowDays int    `json:"since_days"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		summary, err := deps.Service.ScoreRelevancy(r.Context(), req.RunID, req.WindowDays)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "relevancy scoring failed: %v", err)
			return
		}
		writeJSON(w, summary)
	}
}

func handleMetrics(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := deps.Service.Metrics(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "computing metrics: %v", err)
			return
		}
		writeJSON(w, summary)
	}
}

func handleCacheStats(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Cache.RerankCacheStats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading cache stats: %v", err)
			return
		}
		if stats == nil {
			stats = []storage.CacheStat{}
		}
		writeJSON(w, map[string]any{"versions": stats})
	}
}

func handlePurgeCache(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version := r.URL.Query().Get("version")
		n, err := deps.Cache.PurgeRerank(version)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "purging cache: %v", err)
			return
		}
		writeJSON(w, map[string]any{"deleted": n, "version": version})
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, key string) bool {
	v := r.URL.Query().Get(key)
	return v == "1" || v == "true"
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
