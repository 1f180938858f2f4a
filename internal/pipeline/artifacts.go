// Package pipeline wires the Sniffer, FlowBuilder, FeatureExtractor,
// preprocessing chain, predictors, DecisionEngine and the supporting
// store/pubsub/broadcast/reputation collaborators into one running
// system, and exposes it through the api.Server interfaces.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/meedvfx/Network-Defense-System/internal/integrity"
	"github.com/meedvfx/Network-Defense-System/internal/logging"
	"github.com/meedvfx/Network-Defense-System/internal/predict"
	"github.com/meedvfx/Network-Defense-System/internal/preprocess"
)

// Fixed filenames of the six-file artifact bundle. Loading treats the set
// as atomic: any missing file puts the pipeline into degraded mode rather
// than partially loading.
const (
	fileSupervisedModel   = "classifier.onnx"
	fileUnsupervisedModel = "autoencoder.onnx"
	fileScaler            = "scaler.json"
	fileLabelEncoder      = "label_encoder.json"
	fileFeatureSelector   = "feature_selector.json"
	fileThresholdStats    = "threshold_stats.json"
)

var bundleFiles = []string{
	fileSupervisedModel, fileUnsupervisedModel, fileScaler,
	fileLabelEncoder, fileFeatureSelector, fileThresholdStats,
}

type scalerFile struct {
	Mu    []float64 `json:"mu"`
	Sigma []float64 `json:"sigma"`
}

type labelEncoderFile struct {
	Classes     []string `json:"classes"`
	BenignLabel string   `json:"benign_label"`
}

type featureSelectorFile struct {
	SelectIdx  []int                  `json:"select_idx"`
	ClipRanges []preprocess.ClipRange `json:"clip_ranges"`
}

type thresholdStatsFile struct {
	Mu    float64 `json:"mu"`
	Sigma float64 `json:"sigma"`
}

// ArtifactBundle holds everything loaded from MODEL_DIR needed to build the
// preprocessing chain and both predictors.
type ArtifactBundle struct {
	Dir string

	PreprocessArtifact preprocess.Artifact
	Classes            []string
	BenignLabel        string
	ThresholdMu        float64
	ThresholdSigma     float64
}

// missingBundleFiles reports which of the six fixed filenames are absent
// from dir.
func missingBundleFiles(dir string) []string {
	var missing []string
	for _, name := range bundleFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			missing = append(missing, name)
		}
	}
	return missing
}

// loadArtifactBundle loads the six-file bundle from dir, BLAKE3-hashing
// each model file first so an unreadable or zero-length model fails at
// startup instead of later in the ONNX runtime. The digest is not compared
// against a reference value, so a non-empty truncated or corrupted model
// file is not detected here.
func loadArtifactBundle(dir string) (*ArtifactBundle, error) {
	if missing := missingBundleFiles(dir); len(missing) > 0 {
		return nil, fmt.Errorf("pipeline: artifact bundle incomplete, missing %v", missing)
	}

	hasher := integrity.NewBLAKE3Hasher()
	for _, name := range []string{fileSupervisedModel, fileUnsupervisedModel} {
		if _, err := hasher.HashFile(filepath.Join(dir, name)); err != nil {
			return nil, fmt.Errorf("pipeline: hash %s: %w", name, err)
		}
	}

	var scaler scalerFile
	if err := readJSON(filepath.Join(dir, fileScaler), &scaler); err != nil {
		return nil, err
	}
	var labels labelEncoderFile
	if err := readJSON(filepath.Join(dir, fileLabelEncoder), &labels); err != nil {
		return nil, err
	}
	var selector featureSelectorFile
	if err := readJSON(filepath.Join(dir, fileFeatureSelector), &selector); err != nil {
		return nil, err
	}
	var thresholds thresholdStatsFile
	if err := readJSON(filepath.Join(dir, fileThresholdStats), &thresholds); err != nil {
		logging.PredictLogger().Warn("threshold_stats.json unreadable, falling back to defaults", logging.Err(err))
	}
	if thresholds.Mu == 0 && thresholds.Sigma == 0 {
		thresholds.Mu, thresholds.Sigma = 0.01, 0.005
	}

	return &ArtifactBundle{
		Dir: dir,
		PreprocessArtifact: preprocess.Artifact{
			ClipRanges: selector.ClipRanges,
			SelectIdx:  selector.SelectIdx,
			Mu:         scaler.Mu,
			Sigma:      scaler.Sigma,
		},
		Classes:        labels.Classes,
		BenignLabel:    labels.BenignLabel,
		ThresholdMu:    thresholds.Mu,
		ThresholdSigma: thresholds.Sigma,
	}, nil
}

func readJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("pipeline: open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("pipeline: decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// supervisedEngineConfig and unsupervisedEngineConfig derive the ONNX
// session shapes from the loaded bundle; the models were fitted with a
// single-example batch dimension and a feature-count-wide input vector.
func supervisedEngineConfig(cfg predict.EngineConfig, bundle *ArtifactBundle) predict.EngineConfig {
	n := int64(len(bundle.PreprocessArtifact.SelectIdx))
	cfg.ModelPath = filepath.Join(bundle.Dir, fileSupervisedModel)
	cfg.InputShape = []int64{1, n}
	cfg.OutputShape = []int64{1, int64(len(bundle.Classes))}
	return cfg
}

func unsupervisedEngineConfig(cfg predict.EngineConfig, bundle *ArtifactBundle) predict.EngineConfig {
	n := int64(len(bundle.PreprocessArtifact.SelectIdx))
	cfg.ModelPath = filepath.Join(bundle.Dir, fileUnsupervisedModel)
	cfg.InputShape = []int64{1, n}
	cfg.OutputShape = []int64{1, n}
	return cfg
}
