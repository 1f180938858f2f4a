package predict

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/meedvfx/Network-Defense-System/internal/models"
)

// Supervised produces a verdict on a prepared feature vector: predicted
// label, per-class probabilities, and an is_attack flag gated by a
// minimum-confidence threshold.
type Supervised interface {
	Predict(ctx context.Context, v models.FeatureVector) (models.SupervisedOutput, error)
	Ready() bool
}

// ClassifierConfig names the model's output classes in the fixed order the
// artifact emits them, and the labels considered benign. BenignLabels
// always includes the artifact's own BenignLabel (if set) in addition to
// the fixed benign set, so an artifact using any of the three
// conventional spellings still gates is_attack correctly.
type ClassifierConfig struct {
	Classes       []string
	BenignLabels  []string
	MinConfidence float64
}

// defaultBenignLabels is the fixed set of labels that never count as an
// attack regardless of confidence.
var defaultBenignLabels = []string{"BENIGN", "NORMAL", "LEGITIMATE"}

// isBenign reports whether label matches any of cfg's benign labels,
// case-insensitively (artifacts have been observed to emit either case).
func (c ClassifierConfig) isBenign(label string) bool {
	for _, b := range c.BenignLabels {
		if strings.EqualFold(label, b) {
			return true
		}
	}
	return false
}

// SupervisedPredictor wraps a pooled ONNX engine with the argmax +
// confidence-gate decision rule.
type SupervisedPredictor struct {
	engine *Engine
	cfg    ClassifierConfig
}

// NewSupervisedPredictor builds a SupervisedPredictor over an unloaded
// Engine; call Load before first use. cfg.BenignLabels is augmented with
// the fixed benign set so an artifact only needs to declare labels
// beyond BENIGN/NORMAL/LEGITIMATE, if any.
func NewSupervisedPredictor(engine *Engine, cfg ClassifierConfig) *SupervisedPredictor {
	cfg.BenignLabels = mergeBenignLabels(cfg.BenignLabels)
	return &SupervisedPredictor{engine: engine, cfg: cfg}
}

// mergeBenignLabels unions extra with the fixed benign set, skipping
// duplicates.
func mergeBenignLabels(extra []string) []string {
	out := append([]string{}, defaultBenignLabels...)
	for _, e := range extra {
		if e == "" {
			continue
		}
		dup := false
		for _, b := range out {
			if strings.EqualFold(b, e) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, e)
		}
	}
	return out
}

// Load initializes the underlying ONNX session pool.
func (p *SupervisedPredictor) Load() error {
	return p.engine.Load()
}

// Ready reports whether the underlying engine loaded successfully.
func (p *SupervisedPredictor) Ready() bool {
	return p.engine.Ready()
}

// Predict runs the classifier and applies the confidence gate: is_attack
// is only set when the predicted class is non-benign AND confidence
// clears MinConfidence. Below the gate the flow is treated as benign.
func (p *SupervisedPredictor) Predict(ctx context.Context, v models.FeatureVector) (models.SupervisedOutput, error) {
	input := toFloat32(v)
	raw, err := p.engine.Run(ctx, input)
	if err != nil {
		return models.SupervisedOutput{}, fmt.Errorf("predict: supervised: %w", err)
	}
	if len(raw) != len(p.cfg.Classes) {
		return models.SupervisedOutput{}, fmt.Errorf("predict: supervised: model emitted %d outputs, expected %d classes", len(raw), len(p.cfg.Classes))
	}

	probs := softmax(raw)
	bestIdx, bestProb := argmax(probs)
	label := p.cfg.Classes[bestIdx]

	classProbs := make(map[string]float64, len(p.cfg.Classes))
	for i, c := range p.cfg.Classes {
		classProbs[c] = float64(probs[i])
	}

	isAttack := !p.cfg.isBenign(label) && float64(bestProb) >= p.cfg.MinConfidence

	return models.SupervisedOutput{
		ClassProbabilities: classProbs,
		PredictedLabel:     label,
		Confidence:         float64(bestProb),
		IsAttack:           isAttack,
	}, nil
}

func toFloat32(v models.FeatureVector) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func argmax(v []float32) (int, float32) {
	best, bestVal := 0, v[0]
	for i, x := range v[1:] {
		if x > bestVal {
			best, bestVal = i+1, x
		}
	}
	return best, bestVal
}

func softmax(v []float32) []float32 {
	max := v[0]
	for _, x := range v[1:] {
		if x > max {
			max = x
		}
	}
	exps := make([]float32, len(v))
	var sum float32
	for i, x := range v {
		e := float32(math.Exp(float64(x - max)))
		exps[i] = e
		sum += e
	}
	if sum == 0 {
		return exps
	}
	for i := range exps {
		exps[i] /= sum
	}
	return exps
}
