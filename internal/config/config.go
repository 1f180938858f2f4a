// Package config provides centralized configuration for the detection
// pipeline. Every key is env-first with a hardcoded default; the ONNX
// Runtime library path default additionally searches the XDG cache
// directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// CaptureConfig configures the Sniffer.
type CaptureConfig struct {
	Interface   string
	BufferSize  int
	FlowTimeout time.Duration
	HardCap     time.Duration
}

// InferenceConfig configures the predictor pools.
type InferenceConfig struct {
	ModelDir          string
	ONNXLibraryPath   string
	Workers           int
	QueueSize         int
	AnomalyThresholdK float64
	MinConfidence     float64
	SidecarAddr       string
}

// DecisionConfig configures the fusion weights and thresholds of the
// DecisionEngine.
type DecisionConfig struct {
	WeightSupervised float64
	WeightUnsuper    float64
	WeightReputation float64
	ThresholdAttack  float64
}

// StoreConfig configures the ClickHouse connection.
type StoreConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// PubSubConfig configures the NATS connection.
type PubSubConfig struct {
	URL string
}

// ReputationConfig configures the IPReputationEnricher.
type ReputationConfig struct {
	CacheTTL time.Duration
}

// HTTPConfig configures the API/WebSocket listener.
type HTTPConfig struct {
	Addr string
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string
	Format string
}

// PipelineConfig aggregates every configuration key in one place. It is
// built once at startup and held by the orchestrating Pipeline.
type PipelineConfig struct {
	Capture    CaptureConfig
	Inference  InferenceConfig
	Decision   DecisionConfig
	Store      StoreConfig
	PubSub     PubSubConfig
	Reputation ReputationConfig
	HTTP       HTTPConfig
	Log        LogConfig
}

// fileOverlay mirrors a subset of PipelineConfig for an optional static
// YAML file, read once at startup. It sits between the hardcoded defaults
// and the environment: env vars always take precedence over the file, and
// the file always takes precedence over the hardcoded default.
type fileOverlay struct {
	Capture struct {
		Interface       string  `yaml:"interface"`
		BufferSize      int     `yaml:"buffer_size"`
		FlowTimeoutSecs float64 `yaml:"flow_timeout_seconds"`
		HardCapSecs     float64 `yaml:"hard_cap_seconds"`
	} `yaml:"capture"`
	Inference struct {
		ModelDir          string  `yaml:"model_dir"`
		Workers           int     `yaml:"workers"`
		QueueSize         int     `yaml:"queue_size"`
		AnomalyThresholdK float64 `yaml:"anomaly_threshold_k"`
		MinConfidence     float64 `yaml:"min_classification_confidence"`
	} `yaml:"inference"`
	Decision struct {
		WeightSupervised   float64 `yaml:"weight_supervised"`
		WeightUnsupervised float64 `yaml:"weight_unsupervised"`
		WeightReputation   float64 `yaml:"weight_reputation"`
		ThresholdAttack    float64 `yaml:"threshold_attack"`
	} `yaml:"decision"`
	Store struct {
		Addr     string `yaml:"addr"`
		Database string `yaml:"database"`
	} `yaml:"store"`
	PubSub struct {
		URL string `yaml:"url"`
	} `yaml:"pubsub"`
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// loadFileOverlay reads the YAML config file named by NDS_CONFIG_FILE, if
// set. A missing env var is not an error: the overlay is entirely optional
// and every key already has a hardcoded default.
func loadFileOverlay() (*fileOverlay, error) {
	path := os.Getenv("NDS_CONFIG_FILE")
	if path == "" {
		return &fileOverlay{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &overlay, nil
}

func strOr(fileValue, fallback string) string {
	if fileValue != "" {
		return fileValue
	}
	return fallback
}

func intOr(fileValue, fallback int) int {
	if fileValue != 0 {
		return fileValue
	}
	return fallback
}

func floatOr(fileValue, fallback float64) float64 {
	if fileValue != 0 {
		return fileValue
	}
	return fallback
}

func durationOr(fileSeconds float64, fallback time.Duration) time.Duration {
	if fileSeconds != 0 {
		return time.Duration(fileSeconds * float64(time.Second))
	}
	return fallback
}

// Load builds a PipelineConfig from, in increasing priority: hardcoded
// defaults, an optional NDS_CONFIG_FILE YAML overlay, then the
// environment.
func Load() (*PipelineConfig, error) {
	overlay, err := loadFileOverlay()
	if err != nil {
		return nil, err
	}

	flowTimeout, err := getEnvDuration("CAPTURE_FLOW_TIMEOUT", durationOr(overlay.Capture.FlowTimeoutSecs, 120*time.Second))
	if err != nil {
		return nil, fmt.Errorf("config: CAPTURE_FLOW_TIMEOUT: %w", err)
	}
	hardCap, err := getEnvDuration("FLOW_HARD_CAP_SECONDS", durationOr(overlay.Capture.HardCapSecs, 3600*time.Second))
	if err != nil {
		return nil, fmt.Errorf("config: FLOW_HARD_CAP_SECONDS: %w", err)
	}
	thresholdK, err := getEnvFloat("ANOMALY_THRESHOLD_K", floatOr(overlay.Inference.AnomalyThresholdK, 3.0))
	if err != nil {
		return nil, fmt.Errorf("config: ANOMALY_THRESHOLD_K: %w", err)
	}
	minConf, err := getEnvFloat("MIN_CLASSIFICATION_CONFIDENCE", floatOr(overlay.Inference.MinConfidence, 0.5))
	if err != nil {
		return nil, fmt.Errorf("config: MIN_CLASSIFICATION_CONFIDENCE: %w", err)
	}
	wSup, err := getEnvFloat("WEIGHT_SUPERVISED", floatOr(overlay.Decision.WeightSupervised, 0.5))
	if err != nil {
		return nil, fmt.Errorf("config: WEIGHT_SUPERVISED: %w", err)
	}
	wUnsup, err := getEnvFloat("WEIGHT_UNSUPERVISED", floatOr(overlay.Decision.WeightUnsupervised, 0.3))
	if err != nil {
		return nil, fmt.Errorf("config: WEIGHT_UNSUPERVISED: %w", err)
	}
	wRep, err := getEnvFloat("WEIGHT_REPUTATION", floatOr(overlay.Decision.WeightReputation, 0.2))
	if err != nil {
		return nil, fmt.Errorf("config: WEIGHT_REPUTATION: %w", err)
	}
	thresholdAttack, err := getEnvFloat("THRESHOLD_ATTACK", floatOr(overlay.Decision.ThresholdAttack, 0.7))
	if err != nil {
		return nil, fmt.Errorf("config: THRESHOLD_ATTACK: %w", err)
	}
	workers, err := getEnvInt("INFERENCE_WORKERS", intOr(overlay.Inference.Workers, runtime.NumCPU()))
	if err != nil {
		return nil, fmt.Errorf("config: INFERENCE_WORKERS: %w", err)
	}
	queueSize, err := getEnvInt("INFERENCE_QUEUE_SIZE", intOr(overlay.Inference.QueueSize, 4096))
	if err != nil {
		return nil, fmt.Errorf("config: INFERENCE_QUEUE_SIZE: %w", err)
	}
	bufferSize, err := getEnvInt("CAPTURE_BUFFER_SIZE", intOr(overlay.Capture.BufferSize, 1000))
	if err != nil {
		return nil, fmt.Errorf("config: CAPTURE_BUFFER_SIZE: %w", err)
	}
	cacheTTL, err := getEnvDuration("GEO_REPUTATION_CACHE_TTL", 86400*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config: GEO_REPUTATION_CACHE_TTL: %w", err)
	}

	cfg := &PipelineConfig{
		Capture: CaptureConfig{
			Interface:   getEnvOrDefault("CAPTURE_INTERFACE", strOr(overlay.Capture.Interface, "auto")),
			BufferSize:  bufferSize,
			FlowTimeout: flowTimeout,
			HardCap:     hardCap,
		},
		Inference: InferenceConfig{
			ModelDir:          getEnvOrDefault("MODEL_DIR", strOr(overlay.Inference.ModelDir, "./ai/artifacts")),
			ONNXLibraryPath:   getEnvOrDefault("ONNX_LIBRARY_PATH", findONNXLibrary()),
			Workers:           workers,
			QueueSize:         queueSize,
			AnomalyThresholdK: thresholdK,
			MinConfidence:     minConf,
			SidecarAddr:       os.Getenv("ML_SIDECAR_ADDR"),
		},
		Decision: DecisionConfig{
			WeightSupervised: wSup,
			WeightUnsuper:    wUnsup,
			WeightReputation: wRep,
			ThresholdAttack:  thresholdAttack,
		},
		Store: StoreConfig{
			Addr:     getEnvOrDefault("CLICKHOUSE_ADDR", strOr(overlay.Store.Addr, "localhost:9000")),
			Database: getEnvOrDefault("CLICKHOUSE_DATABASE", strOr(overlay.Store.Database, "nds")),
			Username: getEnvOrDefault("CLICKHOUSE_USERNAME", "default"),
			Password: getEnvOrDefault("CLICKHOUSE_PASSWORD", ""),
		},
		PubSub: PubSubConfig{
			URL: getEnvOrDefault("NATS_URL", strOr(overlay.PubSub.URL, "nats://127.0.0.1:4222")),
		},
		Reputation: ReputationConfig{
			CacheTTL: cacheTTL,
		},
		HTTP: HTTPConfig{
			Addr: getEnvOrDefault("HTTP_ADDR", strOr(overlay.HTTP.Addr, ":8080")),
		},
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", strOr(overlay.Log.Level, "info")),
			Format: getEnvOrDefault("LOG_FORMAT", strOr(overlay.Log.Format, "json")),
		},
	}

	if sum := cfg.Decision.WeightSupervised + cfg.Decision.WeightUnsuper + cfg.Decision.WeightReputation; sum <= 0 {
		return nil, fmt.Errorf("config: fusion weights sum to %v, must be positive", sum)
	}

	return cfg, nil
}

// getEnvOrDefault returns the environment variable value or the default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(v)
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	seconds, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// getUserCacheDir returns the user cache directory following XDG spec,
// used only to locate a fallback ONNX Runtime search path.
func getUserCacheDir() string {
	if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
		return xdgCache
	}
	home := os.Getenv("HOME")
	if home == "" {
		home = "/tmp"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Caches")
	default:
		return filepath.Join(home, ".cache")
	}
}

// findONNXLibrary searches for the ONNX Runtime library in common locations.
func findONNXLibrary() string {
	searchPaths := []string{
		"/usr/local/lib/libonnxruntime.so",
		"/usr/local/lib64/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
		"/usr/lib64/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
		"/usr/lib/aarch64-linux-gnu/libonnxruntime.so",
		filepath.Join(getUserCacheDir(), "libonnxruntime.so"),
		"/usr/local/opt/onnxruntime/lib/libonnxruntime.dylib",
		"/opt/homebrew/lib/libonnxruntime.dylib",
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return "/usr/lib/libonnxruntime.so"
}
