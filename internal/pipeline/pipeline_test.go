package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/meedvfx/Network-Defense-System/internal/broadcast"
	"github.com/meedvfx/Network-Defense-System/internal/config"
)

func testConfig(modelDir string) *config.PipelineConfig {
	return &config.PipelineConfig{
		Capture: config.CaptureConfig{
			Interface:   "lo",
			BufferSize:  64,
			FlowTimeout: 120 * time.Second,
			HardCap:     3600 * time.Second,
		},
		Inference: config.InferenceConfig{
			ModelDir:          modelDir,
			Workers:           1,
			QueueSize:         8,
			AnomalyThresholdK: 3.0,
			MinConfidence:     0.5,
		},
		Decision: config.DecisionConfig{
			WeightSupervised: 0.5,
			WeightUnsuper:    0.3,
			WeightReputation: 0.2,
			ThresholdAttack:  0.7,
		},
	}
}

func TestNewEntersDegradedModeWithoutArtifacts(t *testing.T) {
	cfg := testConfig(t.TempDir())
	p, err := New(cfg, Dependencies{Broadcaster: broadcast.New(0)})
	if err != nil {
		t.Fatalf("missing artifacts must not fail construction: %v", err)
	}

	if p.Ready() {
		t.Error("expected pipeline not ready in degraded mode")
	}

	status := p.ModelsStatus().Status()
	if !status.DegradedMode {
		t.Error("expected degraded_mode reported")
	}
	if status.AllArtifactsPresent {
		t.Error("expected all_artifacts_present = false")
	}
	if len(status.MissingArtifacts) != len(bundleFiles) {
		t.Errorf("expected %d missing artifacts, got %v", len(bundleFiles), status.MissingArtifacts)
	}
}

func TestAnalyzeRejectsInDegradedMode(t *testing.T) {
	cfg := testConfig(t.TempDir())
	p, err := New(cfg, Dependencies{Broadcaster: broadcast.New(0)})
	if err != nil {
		t.Fatal(err)
	}

	raw := make([]float64, 49)
	if _, err := p.Analyze(context.Background(), raw, 0.1); err == nil {
		t.Fatal("expected analyze to reject while models are unloaded")
	}
}

func TestCaptureBufferUsableInDegradedMode(t *testing.T) {
	cfg := testConfig(t.TempDir())
	p, err := New(cfg, Dependencies{Broadcaster: broadcast.New(0)})
	if err != nil {
		t.Fatal(err)
	}
	if p.sniffer.Buffer() == nil {
		t.Fatal("expected the capture ring buffer to exist regardless of model state")
	}
}
