// Package preprocess implements the Validator -> FeatureSelector -> Scaler
// chain that normalises a raw FeatureVector before it reaches the
// predictors. The order is a hard invariant: reversing FeatureSelector and
// Scaler silently corrupts predictions because the scaler's per-feature
// mu/sigma are indexed against the selected subset, not the raw vector.
package preprocess

import (
	"fmt"
	"math"

	"github.com/meedvfx/Network-Defense-System/internal/models"
)

// ClipRange bounds one raw feature coordinate to a plausible range.
type ClipRange struct {
	Min float64
	Max float64
}

// Artifact holds the fitted preprocessing parameters loaded from the
// model bundle: per-raw-feature clip ranges, the indices FeatureSelector
// keeps, and per-selected-feature scaler mu/sigma.
type Artifact struct {
	ClipRanges []ClipRange // len == raw feature count; a zero-value range means "no clip"
	SelectIdx  []int       // indices into the raw vector, in output order
	Mu         []float64   // len == len(SelectIdx)
	Sigma      []float64   // len == len(SelectIdx)
}

// Chain applies Validator, FeatureSelector and Scaler in that exact order.
type Chain struct {
	artifact Artifact
}

// New builds a Chain from a fitted Artifact.
func New(artifact Artifact) (*Chain, error) {
	if len(artifact.SelectIdx) != len(artifact.Mu) || len(artifact.SelectIdx) != len(artifact.Sigma) {
		return nil, fmt.Errorf("preprocess: select/mu/sigma length mismatch: %d/%d/%d",
			len(artifact.SelectIdx), len(artifact.Mu), len(artifact.Sigma))
	}
	return &Chain{artifact: artifact}, nil
}

// Transform runs the full chain over a raw vector.
func (c *Chain) Transform(raw models.FeatureVector) (models.FeatureVector, error) {
	validated := c.validate(raw)
	selected, err := c.selectFeatures(validated)
	if err != nil {
		return nil, err
	}
	return c.scale(selected), nil
}

// validate replaces NaN/Inf with 0 and clips every coordinate to its
// artifact-provided plausible range, when one is configured.
func (c *Chain) validate(raw models.FeatureVector) models.FeatureVector {
	out := make(models.FeatureVector, len(raw))
	for i, x := range raw {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			x = 0
		}
		if i < len(c.artifact.ClipRanges) {
			r := c.artifact.ClipRanges[i]
			if r.Min != 0 || r.Max != 0 {
				if x < r.Min {
					x = r.Min
				}
				if x > r.Max {
					x = r.Max
				}
			}
		}
		out[i] = x
	}
	return out
}

// selectFeatures projects onto the artifact-defined fixed subset of indices.
func (c *Chain) selectFeatures(v models.FeatureVector) (models.FeatureVector, error) {
	out := make(models.FeatureVector, len(c.artifact.SelectIdx))
	for i, idx := range c.artifact.SelectIdx {
		if idx < 0 || idx >= len(v) {
			return nil, fmt.Errorf("preprocess: select index %d out of range for vector of length %d", idx, len(v))
		}
		out[i] = v[idx]
	}
	return out, nil
}

// scale applies (x-mu)/sigma element-wise; a zero sigma degenerates to 0
// rather than dividing by zero, matching the validator's never-NaN contract.
func (c *Chain) scale(v models.FeatureVector) models.FeatureVector {
	out := make(models.FeatureVector, len(v))
	for i, x := range v {
		sigma := c.artifact.Sigma[i]
		if sigma == 0 {
			out[i] = 0
			continue
		}
		out[i] = (x - c.artifact.Mu[i]) / sigma
	}
	return out
}
