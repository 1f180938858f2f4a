// Package predict hosts the supervised and unsupervised predictors that
// turn a preprocessed FeatureVector into model output. Both predictors are
// backed by a pooled ONNX Runtime session by default, or by a remote gRPC
// sidecar when one is configured, so the DecisionEngine never needs to
// know which transport produced a given Prediction/Anomaly.
package predict

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// EngineConfig configures a pooled ONNX Runtime session.
type EngineConfig struct {
	SharedLibraryPath string
	ModelPath         string
	InputName         string
	OutputName        string
	InputShape        []int64
	OutputShape       []int64
	PoolSize          int
}

// session wraps one ONNX Runtime session with its tensors.
type session struct {
	s      *ort.AdvancedSession
	input  *ort.Tensor[float32]
	output *ort.Tensor[float32]
}

// Engine is a pool of identically-shaped ONNX Runtime sessions. Sessions
// are not safe for concurrent use individually, so callers borrow one from
// the pool for the duration of a single Predict call.
type Engine struct {
	cfg  EngineConfig
	mu   sync.RWMutex
	pool chan *session
	ok   bool
}

// NewEngine creates an Engine without loading anything; call Load to
// initialize the shared library and the session pool, then Warmup for a
// warm-up pass.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	return &Engine{cfg: cfg}
}

// sharedLibInit guards against calling ort.SetSharedLibraryPath /
// InitializeEnvironment more than once per process.
var sharedLibInit sync.Once
var sharedLibErr error

func initSharedLibrary(path string) error {
	sharedLibInit.Do(func() {
		ort.SetSharedLibraryPath(path)
		sharedLibErr = ort.InitializeEnvironment()
	})
	return sharedLibErr
}

// Load sets up the session pool. On failure the Engine stays unusable and
// Ready reports false; callers enter degraded mode rather than treat this
// as fatal.
func (e *Engine) Load() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ok {
		return nil
	}
	if err := initSharedLibrary(e.cfg.SharedLibraryPath); err != nil {
		return fmt.Errorf("predict: onnxruntime init: %w", err)
	}

	pool := make(chan *session, e.cfg.PoolSize)
	for i := 0; i < e.cfg.PoolSize; i++ {
		s, err := e.newSession()
		if err != nil {
			return fmt.Errorf("predict: session %d: %w", i, err)
		}
		pool <- s
	}
	e.pool = pool
	e.ok = true
	return nil
}

func (e *Engine) newSession() (*session, error) {
	in, err := ort.NewEmptyTensor[float32](ort.NewShape(e.cfg.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	out, err := ort.NewEmptyTensor[float32](ort.NewShape(e.cfg.OutputShape...))
	if err != nil {
		in.Destroy()
		return nil, fmt.Errorf("output tensor: %w", err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		in.Destroy()
		out.Destroy()
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()

	advSession, err := ort.NewAdvancedSession(
		e.cfg.ModelPath,
		[]string{e.cfg.InputName},
		[]string{e.cfg.OutputName},
		[]ort.Value{in},
		[]ort.Value{out},
		opts,
	)
	if err != nil {
		in.Destroy()
		out.Destroy()
		return nil, fmt.Errorf("session create: %w", err)
	}

	return &session{s: advSession, input: in, output: out}, nil
}

// Ready reports whether the engine loaded successfully.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ok
}

// Run executes one forward pass, borrowing a session from the pool.
func (e *Engine) Run(ctx context.Context, input []float32) ([]float32, error) {
	e.mu.RLock()
	ready := e.ok
	pool := e.pool
	e.mu.RUnlock()
	if !ready {
		return nil, fmt.Errorf("predict: engine not loaded")
	}

	var s *session
	select {
	case s = <-pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { pool <- s }()

	copy(s.input.GetData(), input)
	if err := s.s.Run(); err != nil {
		return nil, fmt.Errorf("predict: run: %w", err)
	}

	out := s.output.GetData()
	result := make([]float32, len(out))
	copy(result, out)
	return result, nil
}

// Warmup runs a handful of zero-input passes so the first real request
// doesn't pay cold-start cost.
func (e *Engine) Warmup(ctx context.Context, iterations int) error {
	if !e.Ready() {
		return fmt.Errorf("predict: engine not loaded")
	}
	size := int64(1)
	for _, d := range e.cfg.InputShape {
		size *= d
	}
	dummy := make([]float32, size)
	for i := 0; i < iterations; i++ {
		if _, err := e.Run(ctx, dummy); err != nil {
			return fmt.Errorf("warmup iteration %d: %w", i, err)
		}
	}
	return nil
}

// Close releases the session pool. Safe to call on an unloaded Engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ok {
		return nil
	}
	close(e.pool)
	for s := range e.pool {
		s.input.Destroy()
		s.output.Destroy()
		s.s.Destroy()
	}
	e.ok = false
	return nil
}
