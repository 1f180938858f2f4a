package predict

import (
	"context"
	"fmt"

	"github.com/meedvfx/Network-Defense-System/internal/models"
)

// Unsupervised produces a reconstruction-error verdict on a prepared
// feature vector, comparing it against a fitted mu+k*sigma threshold.
type Unsupervised interface {
	Predict(ctx context.Context, v models.FeatureVector) (models.UnsupervisedOutput, error)
	Ready() bool
}

// AutoencoderConfig holds the fitted baseline statistics for the
// reconstruction-error threshold. Mu and Sigma come from the artifact
// bundle's training-set baseline, not from runtime traffic.
type AutoencoderConfig struct {
	Mu    float64
	Sigma float64
	K     float64 // sigma multiplier, default 3.0
	ZMax  float64 // z-score saturation point for anomaly_score scaling, default 10
}

// Threshold returns Mu + K*Sigma.
func (c AutoencoderConfig) Threshold() float64 {
	return c.Mu + c.K*c.Sigma
}

// zMax returns the configured Z_MAX, defaulting to 10 when unset.
func (c AutoencoderConfig) zMax() float64 {
	if c.ZMax > 0 {
		return c.ZMax
	}
	return 10
}

// UnsupervisedPredictor wraps a pooled ONNX autoencoder engine.
type UnsupervisedPredictor struct {
	engine *Engine
	cfg    AutoencoderConfig
}

// NewUnsupervisedPredictor builds an UnsupervisedPredictor over an
// unloaded Engine; call Load before first use.
func NewUnsupervisedPredictor(engine *Engine, cfg AutoencoderConfig) *UnsupervisedPredictor {
	return &UnsupervisedPredictor{engine: engine, cfg: cfg}
}

// Load initializes the underlying ONNX session pool.
func (p *UnsupervisedPredictor) Load() error {
	return p.engine.Load()
}

// Ready reports whether the underlying engine loaded successfully.
func (p *UnsupervisedPredictor) Ready() bool {
	return p.engine.Ready()
}

// Predict reconstructs the input vector and reports the mean-squared
// reconstruction error, an anomaly score (the error's z-score against the
// fitted Mu/Sigma divided by Z_MAX, clamped to [0,1]) and whether the
// error exceeds the fitted threshold.
func (p *UnsupervisedPredictor) Predict(ctx context.Context, v models.FeatureVector) (models.UnsupervisedOutput, error) {
	input := toFloat32(v)
	reconstructed, err := p.engine.Run(ctx, input)
	if err != nil {
		return models.UnsupervisedOutput{}, fmt.Errorf("predict: unsupervised: %w", err)
	}
	if len(reconstructed) != len(input) {
		return models.UnsupervisedOutput{}, fmt.Errorf("predict: unsupervised: reconstruction length %d != input length %d", len(reconstructed), len(input))
	}

	mse := meanSquaredError(input, reconstructed)
	threshold := p.cfg.Threshold()

	var anomalyScore float64
	if p.cfg.Sigma > 0 {
		z := (mse - p.cfg.Mu) / p.cfg.Sigma
		anomalyScore = clamp(z/p.cfg.zMax(), 0, 1)
	}

	return models.UnsupervisedOutput{
		ReconstructionError: mse,
		AnomalyScore:        anomalyScore,
		ThresholdUsed:       threshold,
		IsAnomaly:           mse > threshold,
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func meanSquaredError(a, b []float32) float64 {
	if len(a) == 0 {
		return 0
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum / float64(len(a))
}
