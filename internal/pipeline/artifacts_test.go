package pipeline

import (
	"os"
	"path/filepath"
	"testing"
)

func writeBundle(t *testing.T, dir string) {
	t.Helper()
	files := map[string]string{
		fileSupervisedModel:   "onnx-bytes-classifier",
		fileUnsupervisedModel: "onnx-bytes-autoencoder",
		fileScaler:            `{"mu": [0.0, 1.0], "sigma": [1.0, 2.0]}`,
		fileLabelEncoder:      `{"classes": ["BENIGN", "DDoS"], "benign_label": "BENIGN"}`,
		fileFeatureSelector:   `{"select_idx": [0, 3], "clip_ranges": [{"min": 0, "max": 100}]}`,
		fileThresholdStats:    `{"mu": 0.02, "sigma": 0.01}`,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMissingBundleFilesOnEmptyDir(t *testing.T) {
	missing := missingBundleFiles(t.TempDir())
	if len(missing) != len(bundleFiles) {
		t.Fatalf("expected all %d files missing, got %v", len(bundleFiles), missing)
	}
}

func TestMissingBundleFilesNamesTheAbsentOne(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir)
	if err := os.Remove(filepath.Join(dir, fileScaler)); err != nil {
		t.Fatal(err)
	}
	missing := missingBundleFiles(dir)
	if len(missing) != 1 || missing[0] != fileScaler {
		t.Fatalf("expected [%s], got %v", fileScaler, missing)
	}
}

func TestLoadArtifactBundle(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir)

	bundle, err := loadArtifactBundle(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bundle.PreprocessArtifact.SelectIdx) != 2 || bundle.PreprocessArtifact.SelectIdx[1] != 3 {
		t.Errorf("unexpected select_idx: %v", bundle.PreprocessArtifact.SelectIdx)
	}
	if len(bundle.Classes) != 2 || bundle.BenignLabel != "BENIGN" {
		t.Errorf("unexpected label encoder: classes=%v benign=%s", bundle.Classes, bundle.BenignLabel)
	}
	if bundle.ThresholdMu != 0.02 || bundle.ThresholdSigma != 0.01 {
		t.Errorf("unexpected threshold stats: mu=%v sigma=%v", bundle.ThresholdMu, bundle.ThresholdSigma)
	}
}

func TestLoadArtifactBundleIncompleteErrors(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir)
	if err := os.Remove(filepath.Join(dir, fileUnsupervisedModel)); err != nil {
		t.Fatal(err)
	}
	if _, err := loadArtifactBundle(dir); err == nil {
		t.Fatal("expected an error for an incomplete bundle")
	}
}

func TestLoadArtifactBundleRejectsEmptyModelFile(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir)
	if err := os.WriteFile(filepath.Join(dir, fileSupervisedModel), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadArtifactBundle(dir); err == nil {
		t.Fatal("expected an error for a zero-length model file")
	}
}

func TestLoadArtifactBundleThresholdFallback(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir)
	if err := os.WriteFile(filepath.Join(dir, fileThresholdStats), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	bundle, err := loadArtifactBundle(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bundle.ThresholdMu != 0.01 || bundle.ThresholdSigma != 0.005 {
		t.Errorf("expected fallback thresholds 0.01/0.005, got mu=%v sigma=%v", bundle.ThresholdMu, bundle.ThresholdSigma)
	}
}
