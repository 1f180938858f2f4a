// Package api exposes the pipeline's status, a synchronous analysis
// entry point and the analyst-feedback intake over HTTP. It mirrors the
// original project's FastAPI routers as a thin Go layer: the read-side
// dashboard/reporting/geo surface stays out of scope.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meedvfx/Network-Defense-System/internal/broadcast"
	"github.com/meedvfx/Network-Defense-System/internal/logging"
	"github.com/meedvfx/Network-Defense-System/internal/metrics"
	"github.com/meedvfx/Network-Defense-System/internal/models"
)

// CaptureController starts, stops and reports on the packet sniffer.
type CaptureController interface {
	Start(iface string) error
	Stop() error
	Status() models.CaptureStats
}

// AnalyzeResult is the synchronous analysis endpoint's response shape.
type AnalyzeResult struct {
	Decision             string  `json:"decision"`
	Severity             string  `json:"severity"`
	ThreatScore          float64 `json:"threat_score"`
	AttackType           *string `json:"attack_type"`
	SupervisedConfidence float64 `json:"supervised_confidence"`
	AnomalyScore         float64 `json:"anomaly_score"`
	IsAnomaly            bool    `json:"is_anomaly"`
	Priority             int     `json:"priority"`
	Reasoning            string  `json:"reasoning"`
}

// Analyzer runs the full preprocessing + predictors + decision fusion
// path against a raw feature vector, without persistence, for ad hoc
// testing and integration.
type Analyzer interface {
	Analyze(ctx context.Context, rawFeatures []float64, ipReputation float64) (AnalyzeResult, error)
	Ready() bool
}

// ModelsStatus reports the loaded artifact bundle's state.
type ModelsStatus interface {
	Status() ModelsStatusResult
}

// ModelsStatusResult is the /api/models/status response shape.
type ModelsStatusResult struct {
	AllArtifactsPresent bool     `json:"all_artifacts_present"`
	MissingArtifacts    []string `json:"missing_artifacts"`
	DegradedMode        bool     `json:"degraded_mode"`
}

// FeedbackStore persists and reads back analyst feedback.
type FeedbackStore interface {
	InsertFeedback(ctx context.Context, fb models.Feedback) error
	CountUnusedFeedback(ctx context.Context) (int, error)
	ListUnusedFeedback(ctx context.Context) ([]models.Feedback, error)
}

// HealthChecker reports per-dependency liveness.
type HealthChecker interface {
	Healthz(ctx context.Context) map[string]bool
}

// Server bundles every HTTP-facing collaborator behind gorilla/mux routes.
type Server struct {
	Capture     CaptureController
	Analyzer    Analyzer
	Models      ModelsStatus
	Feedback    FeedbackStore
	Health      HealthChecker
	Broadcaster *broadcast.Broadcaster

	// ListInterfaces enumerates the host interfaces available for capture.
	ListInterfaces func() ([]string, error)

	log *logging.Logger
}

// New builds a Server. A nil collaborator never causes a panic: the
// capture start/stop, interfaces, analyze and feedback routes answer 503,
// the detection, capture and models status routes and /healthz answer 200
// with a degraded or empty body, and /ws/alerts is not registered without
// a Broadcaster, so a partially-wired pipeline (e.g. running without a
// datastore in a smoke test) still serves the rest of the API.
func New() *Server {
	return &Server{log: logging.APILogger()}
}

// Router builds the full gorilla/mux route table described by the API
// surface: detection, models, feedback, health, metrics and the
// websocket upgrade endpoint.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/detection/status", s.handleDetectionStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/detection/capture/start", s.handleCaptureStart).Methods(http.MethodPost)
	r.HandleFunc("/api/detection/capture/stop", s.handleCaptureStop).Methods(http.MethodPost)
	r.HandleFunc("/api/detection/capture/status", s.handleCaptureStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/detection/interfaces", s.handleListInterfaces).Methods(http.MethodGet)
	r.HandleFunc("/api/detection/analyze", s.handleAnalyze).Methods(http.MethodPost)
	r.HandleFunc("/api/models/status", s.handleModelsStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/feedback/", s.handleSubmitFeedback).Methods(http.MethodPost)
	r.HandleFunc("/api/feedback/stats", s.handleFeedbackStats).Methods(http.MethodGet)
	r.HandleFunc("/api/feedback/unused", s.handleUnusedFeedback).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	if s.Broadcaster != nil {
		r.Handle("/ws/alerts", s.Broadcaster).Methods(http.MethodGet)
	}

	return r
}

func (s *Server) handleDetectionStatus(w http.ResponseWriter, r *http.Request) {
	ready := s.Analyzer != nil && s.Analyzer.Ready()
	status := "degraded"
	if ready {
		status = "running"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"models_loaded": ready,
	})
}

func (s *Server) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	if s.Capture == nil {
		writeError(w, http.StatusServiceUnavailable, "capture controller not available")
		return
	}
	var body struct {
		Interface string `json:"interface"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.Capture.Start(body.Interface); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "started"})
}

func (s *Server) handleCaptureStop(w http.ResponseWriter, r *http.Request) {
	if s.Capture == nil {
		writeError(w, http.StatusServiceUnavailable, "capture controller not available")
		return
	}
	if err := s.Capture.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped"})
}

func (s *Server) handleCaptureStatus(w http.ResponseWriter, r *http.Request) {
	if s.Capture == nil {
		writeJSON(w, http.StatusOK, models.CaptureStats{Running: false})
		return
	}
	writeJSON(w, http.StatusOK, s.Capture.Status())
}

func (s *Server) handleListInterfaces(w http.ResponseWriter, r *http.Request) {
	if s.ListInterfaces == nil {
		writeError(w, http.StatusServiceUnavailable, "interface listing not available")
		return
	}
	names, err := s.ListInterfaces()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interfaces": names})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.Analyzer == nil || !s.Analyzer.Ready() {
		writeError(w, http.StatusServiceUnavailable, "models not loaded")
		return
	}

	var req struct {
		Features     []float64 `json:"features"`
		IPReputation float64   `json:"ip_reputation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	result, err := s.Analyzer.Analyze(ctx, req.Features, req.IPReputation)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleModelsStatus(w http.ResponseWriter, r *http.Request) {
	if s.Models == nil {
		writeJSON(w, http.StatusOK, ModelsStatusResult{DegradedMode: true})
		return
	}
	writeJSON(w, http.StatusOK, s.Models.Status())
}

func (s *Server) handleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	if s.Feedback == nil {
		writeError(w, http.StatusServiceUnavailable, "feedback store not available")
		return
	}
	var req struct {
		AlertID      string `json:"alert_id"`
		AnalystLabel string `json:"analyst_label"`
		Notes        string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	fb := models.Feedback{
		ID:           uuid.New().String(),
		AlertID:      req.AlertID,
		AnalystLabel: req.AnalystLabel,
		Notes:        req.Notes,
		CreatedAt:    time.Now(),
	}
	if err := s.Feedback.InsertFeedback(r.Context(), fb); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "submitted", "feedback_id": fb.ID})
}

func (s *Server) handleFeedbackStats(w http.ResponseWriter, r *http.Request) {
	if s.Feedback == nil {
		writeError(w, http.StatusServiceUnavailable, "feedback store not available")
		return
	}
	count, err := s.Feedback.CountUnusedFeedback(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"unused_feedback_count": count,
		"ready_for_retrain":     count >= 100,
	})
}

func (s *Server) handleUnusedFeedback(w http.ResponseWriter, r *http.Request) {
	if s.Feedback == nil {
		writeError(w, http.StatusServiceUnavailable, "feedback store not available")
		return
	}
	rows, err := s.Feedback.ListUnusedFeedback(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.Health == nil {
		writeJSON(w, http.StatusOK, map[string]bool{})
		return
	}
	deps := s.Health.Healthz(r.Context())
	status := http.StatusOK
	for _, ok := range deps {
		if !ok {
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, deps)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
