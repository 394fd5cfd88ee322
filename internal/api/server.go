// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package api exposes the read-only query surface over HTTP: asset listings,
// cached record reads, on-demand validation, and guardian health. It never
// writes records; mutation stays with sensors and the repairer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/antimetal/assetstate/internal/cache"
	"github.com/antimetal/assetstate/internal/guardian"
	"github.com/antimetal/assetstate/pkg/record"
	"github.com/antimetal/assetstate/pkg/sensor"
)

const shutdownGrace = 5 * time.Second

// SensorStatsFunc supplies a snapshot of the local sensors, keyed by section.
type SensorStatsFunc func() map[string]sensor.Stats

// Server wires the HTTP handlers over the agent's components. Guardian may
// be nil when the shard is not running one, and sensorStats nil when no
// monitor runs locally; the corresponding endpoints then return 404.
type Server struct {
	addr        string
	store       *record.Store
	cached      *cache.CachedStore
	validator   *guardian.Validator
	guardian    *guardian.Guardian
	sensorStats SensorStatsFunc
	logger      logr.Logger
}

func NewServer(addr string, store *record.Store, cached *cache.CachedStore,
	validator *guardian.Validator, g *guardian.Guardian, logger logr.Logger,
) *Server {
	return &Server{
		addr:      addr,
		store:     store,
		cached:    cached,
		validator: validator,
		guardian:  g,
		logger:    logger.WithName("api"),
	}
}

// WithSensorStats attaches the local monitor's stats snapshot to the sensors
// endpoint.
func (s *Server) WithSensorStats(fn SensorStatsFunc) *Server {
	s.sensorStats = fn
	return s
}

// Router builds the route table. Split out of Run for handler tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/assets", s.handleListAssets).Methods(http.MethodGet)
	v1.HandleFunc("/assets/{id}", s.handleGetRecord).Methods(http.MethodGet)
	v1.HandleFunc("/assets/{id}/validate", s.handleValidateOne).Methods(http.MethodGet)
	v1.HandleFunc("/validate", s.handleValidateAll).Methods(http.MethodGet)
	v1.HandleFunc("/guardian/health", s.handleGuardianHealth).Methods(http.MethodGet)
	v1.HandleFunc("/guardian/stats", s.handleGuardianStats).Methods(http.MethodGet)
	v1.HandleFunc("/sensors", s.handleSensorStats).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is cancelled, then drains with a bounded grace
// period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving http", "addr", s.addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListAssets(w http.ResponseWriter, _ *http.Request) {
	ids, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assets": ids,
		"count":  len(ids),
	})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.cached.Read(r.Context(), id)
	if err != nil {
		if errors.Is(err, record.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleValidateOne(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	result := s.validator.Validate(s.store.Path(id))
	writeJSON(w, http.StatusOK, toValidationDTO(result))
}

func (s *Server) handleValidateAll(w http.ResponseWriter, _ *http.Request) {
	ids, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	paths := make([]string, len(ids))
	for i, id := range ids {
		paths[i] = s.store.Path(id)
	}
	results := s.validator.ValidateBatch(paths)
	summary := guardian.Summarize(results)

	dtos := make([]validationDTO, len(results))
	for i, res := range results {
		dtos[i] = toValidationDTO(res)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": map[string]any{
			"total_files":    summary.TotalFiles,
			"valid":          summary.Valid,
			"invalid":        summary.Invalid,
			"total_errors":   summary.TotalErrors,
			"total_warnings": summary.TotalWarnings,
			"validity_rate":  summary.ValidityRate,
		},
		"results": dtos,
	})
}

func (s *Server) handleGuardianHealth(w http.ResponseWriter, _ *http.Request) {
	if s.guardian == nil {
		writeError(w, http.StatusNotFound, errors.New("guardian not running"))
		return
	}
	h := s.guardian.Health()
	writeJSON(w, http.StatusOK, map[string]any{
		"shard_id":         h.ShardID,
		"status":           h.Status,
		"assets_monitored": h.AssetsMonitored,
		"validations":      h.Validations,
		"repairs":          h.Repairs,
		"memory_mb":        h.MemoryMB,
		"cpu_percent":      h.CPUPercent,
		"uptime_seconds":   h.UptimeSeconds,
	})
}

func (s *Server) handleGuardianStats(w http.ResponseWriter, _ *http.Request) {
	if s.guardian == nil {
		writeError(w, http.StatusNotFound, errors.New("guardian not running"))
		return
	}
	st := s.guardian.GetStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"shard_id":         st.ShardID,
		"total_shards":     st.TotalShards,
		"assets_monitored": st.AssetsMonitored,
		"validations":      st.Validations,
		"repairs":          st.Repairs,
		"repair_successes": st.RepairSuccesses,
		"repair_failures":  st.RepairFailures,
	})
}

func (s *Server) handleSensorStats(w http.ResponseWriter, _ *http.Request) {
	if s.sensorStats == nil {
		writeError(w, http.StatusNotFound, errors.New("no local monitor running"))
		return
	}
	stats := s.sensorStats()
	body := make(map[string]any, len(stats))
	for section, st := range stats {
		body[section] = map[string]any{
			"status":               st.Status,
			"interval_seconds":     st.Interval.Seconds(),
			"samples_collected":    st.SamplesCollected,
			"updates_written":      st.UpdatesWritten,
			"errors":               st.Errors,
			"consecutive_failures": st.ConsecutiveFailures,
			"last_sample":          st.LastSample,
			"last_update":          st.LastUpdate,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

type validationDTO struct {
	Valid     bool      `json:"valid"`
	Path      string    `json:"path"`
	Errors    []string  `json:"errors,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

func toValidationDTO(r guardian.ValidationResult) validationDTO {
	return validationDTO{
		Valid:     r.Valid,
		Path:      r.Path,
		Errors:    r.Errors,
		Warnings:  r.Warnings,
		CheckedAt: r.CheckedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
