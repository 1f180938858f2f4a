package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/meedvfx/Network-Defense-System/internal/models"
)

type fakeCapture struct {
	started string
	stopped bool
}

func (f *fakeCapture) Start(iface string) error { f.started = iface; return nil }
func (f *fakeCapture) Stop() error              { f.stopped = true; return nil }
func (f *fakeCapture) Status() models.CaptureStats {
	return models.CaptureStats{Running: true, Interface: f.started}
}

type fakeAnalyzer struct {
	ready  bool
	result AnalyzeResult
	err    error
}

func (f *fakeAnalyzer) Ready() bool { return f.ready }
func (f *fakeAnalyzer) Analyze(ctx context.Context, features []float64, ipRep float64) (AnalyzeResult, error) {
	return f.result, f.err
}

type fakeModels struct{ result ModelsStatusResult }

func (f *fakeModels) Status() ModelsStatusResult { return f.result }

type fakeFeedback struct {
	inserted []models.Feedback
	unused   []models.Feedback
}

func (f *fakeFeedback) InsertFeedback(ctx context.Context, fb models.Feedback) error {
	f.inserted = append(f.inserted, fb)
	return nil
}
func (f *fakeFeedback) CountUnusedFeedback(ctx context.Context) (int, error) {
	return len(f.unused), nil
}
func (f *fakeFeedback) ListUnusedFeedback(ctx context.Context) ([]models.Feedback, error) {
	return f.unused, nil
}

type fakeHealth struct{ deps map[string]bool }

func (f *fakeHealth) Healthz(ctx context.Context) map[string]bool { return f.deps }

func TestDetectionStatusReflectsAnalyzerReadiness(t *testing.T) {
	s := New()
	s.Analyzer = &fakeAnalyzer{ready: true}
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/detection/status", nil))

	var body map[string]any
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "running" {
		t.Fatalf("expected running, got %v", body)
	}
}

func TestCaptureStartStopStatus(t *testing.T) {
	s := New()
	cap := &fakeCapture{}
	s.Capture = cap

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/detection/capture/start", strings.NewReader(`{"interface":"eth0"}`))
	s.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if cap.started != "eth0" {
		t.Fatalf("expected interface eth0, got %s", cap.started)
	}

	rr = httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/detection/capture/stop", nil))
	if !cap.stopped {
		t.Fatal("expected Stop to be called")
	}

	rr = httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/detection/capture/status", nil))
	var stats models.CaptureStats
	json.NewDecoder(rr.Body).Decode(&stats)
	if !stats.Running {
		t.Fatal("expected running capture stats")
	}
}

func TestAnalyzeRejectedWhenNotReady(t *testing.T) {
	s := New()
	s.Analyzer = &fakeAnalyzer{ready: false}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/detection/analyze", strings.NewReader(`{"features":[1,2,3]}`))
	s.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestAnalyzeReturnsResult(t *testing.T) {
	s := New()
	s.Analyzer = &fakeAnalyzer{ready: true, result: AnalyzeResult{Decision: "confirmed_attack", Priority: 1}}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/detection/analyze", strings.NewReader(`{"features":[1,2,3],"ip_reputation":0.2}`))
	s.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var result AnalyzeResult
	json.NewDecoder(rr.Body).Decode(&result)
	if result.Decision != "confirmed_attack" {
		t.Fatalf("expected confirmed_attack, got %s", result.Decision)
	}
}

func TestAnalyzePropagatesAnalyzerError(t *testing.T) {
	s := New()
	s.Analyzer = &fakeAnalyzer{ready: true, err: errors.New("inference backend down")}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/detection/analyze", strings.NewReader(`{"features":[1]}`))
	s.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestFeedbackSubmitAndStats(t *testing.T) {
	s := New()
	fb := &fakeFeedback{unused: []models.Feedback{{ID: "f1"}, {ID: "f2"}}}
	s.Feedback = fb

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/feedback/", strings.NewReader(`{"alert_id":"a1","analyst_label":"malicious"}`))
	s.Router().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(fb.inserted) != 1 || fb.inserted[0].AlertID != "a1" {
		t.Fatalf("expected feedback inserted for a1, got %+v", fb.inserted)
	}

	rr = httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/feedback/stats", nil))
	var stats map[string]any
	json.NewDecoder(rr.Body).Decode(&stats)
	if stats["unused_feedback_count"].(float64) != 2 {
		t.Fatalf("expected unused count 2, got %v", stats["unused_feedback_count"])
	}
	if stats["ready_for_retrain"].(bool) {
		t.Fatal("expected ready_for_retrain false below threshold 100")
	}
}

func TestHealthzReflectsDependencyStatus(t *testing.T) {
	s := New()
	s.Health = &fakeHealth{deps: map[string]bool{"store": true, "pubsub": false}}
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when a dependency is down, got %d", rr.Code)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s := New()
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}
