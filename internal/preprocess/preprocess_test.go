package preprocess

import (
	"math"
	"testing"

	"github.com/meedvfx/Network-Defense-System/internal/models"
)

func TestTransformOrderMattersSelectThenScale(t *testing.T) {
	artifact := Artifact{
		ClipRanges: []ClipRange{{}, {}, {}},
		SelectIdx:  []int{2, 0},
		Mu:         []float64{10, 1},
		Sigma:      []float64{2, 1},
	}
	chain, err := New(artifact)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	raw := models.FeatureVector{1, 2, 20}
	out, err := chain.Transform(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// selected = [raw[2], raw[0]] = [20, 1]; scaled = [(20-10)/2, (1-1)/1] = [5, 0]
	if out[0] != 5 || out[1] != 0 {
		t.Fatalf("expected [5 0], got %v", out)
	}
}

func TestValidateReplacesNaNAndInf(t *testing.T) {
	artifact := Artifact{
		ClipRanges: []ClipRange{{}, {}},
		SelectIdx:  []int{0, 1},
		Mu:         []float64{0, 0},
		Sigma:      []float64{1, 1},
	}
	chain, _ := New(artifact)
	raw := models.FeatureVector{math.NaN(), math.Inf(1)}
	out, err := chain.Transform(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0] != 0 || out[1] != 0 {
		t.Fatalf("expected NaN/Inf replaced with 0, got %v", out)
	}
}

func TestValidateClipsToRange(t *testing.T) {
	artifact := Artifact{
		ClipRanges: []ClipRange{{Min: 0, Max: 10}},
		SelectIdx:  []int{0},
		Mu:         []float64{0},
		Sigma:      []float64{1},
	}
	chain, _ := New(artifact)
	out, _ := chain.Transform(models.FeatureVector{999})
	if out[0] != 10 {
		t.Fatalf("expected clip to 10, got %v", out[0])
	}
}

func TestScaleHandlesZeroSigma(t *testing.T) {
	artifact := Artifact{
		ClipRanges: []ClipRange{{}},
		SelectIdx:  []int{0},
		Mu:         []float64{5},
		Sigma:      []float64{0},
	}
	chain, _ := New(artifact)
	out, _ := chain.Transform(models.FeatureVector{100})
	if out[0] != 0 {
		t.Fatalf("expected 0 for zero-sigma feature, got %v", out[0])
	}
}

func TestNewRejectsMismatchedLengths(t *testing.T) {
	_, err := New(Artifact{SelectIdx: []int{0, 1}, Mu: []float64{0}, Sigma: []float64{1, 1}})
	if err == nil {
		t.Fatal("expected error for mismatched select/mu/sigma lengths")
	}
}

func TestSelectFeaturesRejectsOutOfRangeIndex(t *testing.T) {
	artifact := Artifact{SelectIdx: []int{5}, Mu: []float64{0}, Sigma: []float64{1}}
	chain, _ := New(artifact)
	if _, err := chain.Transform(models.FeatureVector{1, 2}); err == nil {
		t.Fatal("expected error for out-of-range select index")
	}
}
