package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meedvfx/Network-Defense-System/internal/api"
	"github.com/meedvfx/Network-Defense-System/internal/broadcast"
	"github.com/meedvfx/Network-Defense-System/internal/capture"
	"github.com/meedvfx/Network-Defense-System/internal/config"
	"github.com/meedvfx/Network-Defense-System/internal/decision"
	"github.com/meedvfx/Network-Defense-System/internal/features"
	"github.com/meedvfx/Network-Defense-System/internal/flow"
	"github.com/meedvfx/Network-Defense-System/internal/logging"
	"github.com/meedvfx/Network-Defense-System/internal/metrics"
	"github.com/meedvfx/Network-Defense-System/internal/models"
	"github.com/meedvfx/Network-Defense-System/internal/predict"
	"github.com/meedvfx/Network-Defense-System/internal/preprocess"
	"github.com/meedvfx/Network-Defense-System/internal/reputation"
)

// Store is decision.Store plus the feedback side table the Pipeline needs
// from its datastore.
type Store interface {
	decision.Store
	api.FeedbackStore
}

// Publisher is the decision engine's alert/threat-score sink.
type Publisher interface {
	decision.Publisher
}

// Reputation resolves an IP's reputation score.
type Reputation interface {
	Reputation(ctx context.Context, ip string) float64
}

// Pipeline owns every collaborator of the running detection system and
// implements the api.Server's CaptureController/Analyzer/ModelsStatus/
// HealthChecker interfaces so a single value wires the whole HTTP surface.
type Pipeline struct {
	cfg *config.PipelineConfig

	sniffer *capture.Sniffer
	builder *flow.Builder
	extract *features.Extractor

	chain      *preprocess.Chain
	supervised predict.Supervised
	unsuper    predict.Unsupervised

	decisionEngine *decision.Engine
	store          Store
	enricher       Reputation

	broadcaster *broadcast.Broadcaster

	missingArtifacts []string
	degraded         atomic.Bool

	queue chan *models.Flow

	wg     sync.WaitGroup
	cancel context.CancelFunc

	log *logging.Logger
}

// Dependencies bundles the collaborators New wires together; constructed
// in cmd/pipeline/main.go once each backing service connects successfully.
type Dependencies struct {
	Store       Store
	Publisher   Publisher
	Broadcaster *broadcast.Broadcaster
}

// New builds a Pipeline from configuration and dependencies. It loads the
// artifact bundle and the ONNX session pools eagerly; a missing or
// unloadable bundle puts the pipeline in degraded mode rather than
// failing startup: capture still runs, inference is skipped and no
// alerts are produced.
func New(cfg *config.PipelineConfig, deps Dependencies) (*Pipeline, error) {
	sniffCfg := capture.DefaultConfig(cfg.Capture.Interface)
	sniffCfg.BufferSize = cfg.Capture.BufferSize
	sniffer, err := capture.New(sniffCfg)
	if err != nil {
		return nil, fmt.Errorf("pipeline: capture: %w", err)
	}

	builder := flow.New(flow.Config{IdleTimeout: cfg.Capture.FlowTimeout, HardCap: cfg.Capture.HardCap})

	p := &Pipeline{
		cfg:         cfg,
		sniffer:     sniffer,
		builder:     builder,
		extract:     features.NewExtractor(),
		store:       deps.Store,
		enricher:    reputation.New(cfg.Reputation.CacheTTL),
		broadcaster: deps.Broadcaster,
		queue:       make(chan *models.Flow, cfg.Inference.QueueSize),
		log:         logging.Default().WithComponent("pipeline"),
	}

	decisionCfg := decision.Config{
		WeightSupervised:   cfg.Decision.WeightSupervised,
		WeightUnsupervised: cfg.Decision.WeightUnsuper,
		WeightReputation:   cfg.Decision.WeightReputation,
		ThresholdAttack:    cfg.Decision.ThresholdAttack,
		ConfirmConfidence:  0.80,
	}
	p.decisionEngine = decision.NewEngine(decisionCfg, p.store, deps.Publisher)

	if err := p.loadModels(); err != nil {
		p.log.Warn("entering degraded mode: artifact bundle unavailable", logging.Err(err))
	}

	return p, nil
}

// loadModels loads the six-file artifact bundle and the two predictor
// pools (local ONNX) or a remote sidecar client, whichever MODEL_DIR /
// ML_SIDECAR_ADDR configuration selects.
func (p *Pipeline) loadModels() error {
	if p.cfg.Inference.SidecarAddr != "" {
		return p.loadSidecarModels()
	}
	return p.loadLocalModels()
}

func (p *Pipeline) loadSidecarModels() error {
	client, err := predict.NewSidecarClient(predict.DefaultSidecarConfig(p.cfg.Inference.SidecarAddr))
	if err != nil {
		p.missingArtifacts = []string{"sidecar_unreachable"}
		p.setDegraded(true)
		return fmt.Errorf("pipeline: sidecar dial: %w", err)
	}
	p.supervised = predict.NewSidecarSupervised(client, predict.ClassifierConfig{MinConfidence: p.cfg.Inference.MinConfidence})
	// The sidecar speaks its own threshold baseline over the wire in
	// principle, but this transport's response schema doesn't carry it, so
	// it falls back to the same mu/sigma defaults loadArtifactBundle uses
	// when threshold_stats.json is missing.
	p.unsuper = predict.NewSidecarUnsupervised(client, predict.AutoencoderConfig{
		Mu: 0.01, Sigma: 0.005, K: p.cfg.Inference.AnomalyThresholdK,
	})
	p.setDegraded(false)
	return nil
}

func (p *Pipeline) loadLocalModels() error {
	bundle, err := loadArtifactBundle(p.cfg.Inference.ModelDir)
	if err != nil {
		p.missingArtifacts = missingBundleFiles(p.cfg.Inference.ModelDir)
		p.setDegraded(true)
		return err
	}

	chain, err := preprocess.New(bundle.PreprocessArtifact)
	if err != nil {
		p.setDegraded(true)
		return fmt.Errorf("pipeline: preprocess chain: %w", err)
	}
	p.chain = chain

	baseEngine := predict.EngineConfig{
		SharedLibraryPath: p.cfg.Inference.ONNXLibraryPath,
		InputName:         "input",
		OutputName:        "output",
		PoolSize:          p.cfg.Inference.Workers,
	}

	supEngine := predict.NewEngine(supervisedEngineConfig(baseEngine, bundle))
	if err := supEngine.Load(); err != nil {
		p.setDegraded(true)
		return fmt.Errorf("pipeline: load supervised engine: %w", err)
	}
	p.supervised = predict.NewSupervisedPredictor(supEngine, predict.ClassifierConfig{
		Classes:       bundle.Classes,
		BenignLabels:  []string{bundle.BenignLabel},
		MinConfidence: p.cfg.Inference.MinConfidence,
	})

	unsupEngine := predict.NewEngine(unsupervisedEngineConfig(baseEngine, bundle))
	if err := unsupEngine.Load(); err != nil {
		p.setDegraded(true)
		return fmt.Errorf("pipeline: load unsupervised engine: %w", err)
	}
	p.unsuper = predict.NewUnsupervisedPredictor(unsupEngine, predict.AutoencoderConfig{
		Mu:    bundle.ThresholdMu,
		Sigma: bundle.ThresholdSigma,
		K:     p.cfg.Inference.AnomalyThresholdK,
	})

	// One zero-vector pass per engine amortises first-call initialisation
	// before real traffic arrives.
	warmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := supEngine.Warmup(warmCtx, 1); err != nil {
		p.log.Warn("supervised warmup failed", logging.Err(err))
	}
	if err := unsupEngine.Warmup(warmCtx, 1); err != nil {
		p.log.Warn("unsupervised warmup failed", logging.Err(err))
	}

	p.missingArtifacts = nil
	p.setDegraded(false)
	return nil
}

func (p *Pipeline) setDegraded(v bool) {
	p.degraded.Store(v)
	if v {
		metrics.PredictorDegradedMode.Set(1)
	} else {
		metrics.PredictorDegradedMode.Set(0)
	}
}

// Run starts the capture, flow and inference tasks. It blocks until ctx is
// canceled, then stops the sniffer, lets the flow task flush in-flight
// flows into the queue, closes the queue and drains the inference pool.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	if err := p.sniffer.Start(ctx); err != nil {
		return fmt.Errorf("pipeline: start capture: %w", err)
	}

	var flowWg sync.WaitGroup
	flowWg.Add(1)
	go func() {
		defer flowWg.Done()
		p.flowTask(ctx)
	}()

	workers := p.cfg.Inference.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	// Workers get a detached context so flows flushed during shutdown can
	// still be persisted; they exit when the queue closes.
	workCtx := context.WithoutCancel(ctx)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.inferenceWorker(workCtx)
	}

	<-ctx.Done()
	_ = p.sniffer.Stop()
	flowWg.Wait()
	close(p.queue)
	p.wg.Wait()
	return nil
}

// Shutdown cancels the running Pipeline, if any.
func (p *Pipeline) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
}

// flowTask is the single goroutine draining the capture buffer and
// advancing flow timeouts; the active-flow table has no other writer.
// The drain is non-blocking so an idle interface cannot starve the
// once-a-second timeout poll.
func (p *Pipeline) flowTask(ctx context.Context) {
	nextPoll := time.Now().Add(time.Second)

	for {
		select {
		case <-ctx.Done():
			p.flushOnShutdown()
			return
		default:
		}

		batch := p.sniffer.Buffer().TryDrain(256)
		if batch == nil {
			time.Sleep(50 * time.Millisecond)
		} else {
			for _, f := range p.builder.Ingest(batch) {
				p.enqueue(f)
			}
		}

		if now := time.Now(); !now.Before(nextPoll) {
			for _, f := range p.builder.PollTimeouts(now) {
				p.enqueue(f)
			}
			nextPoll = now.Add(time.Second)
		}
	}
}

// flushOnShutdown drains whatever the capture buffer still holds, then
// force-completes the remaining active flows so they reach the inference
// queue before the workers exit. Best effort: a full queue still drops.
func (p *Pipeline) flushOnShutdown() {
	for {
		batch := p.sniffer.Buffer().TryDrain(256)
		if batch == nil {
			break
		}
		for _, f := range p.builder.Ingest(batch) {
			p.enqueue(f)
		}
	}
	for _, f := range p.builder.Flush() {
		p.enqueue(f)
	}
}

func (p *Pipeline) enqueue(f *models.Flow) {
	select {
	case p.queue <- f:
		metrics.InferenceQueueDepth.Set(float64(len(p.queue)))
	default:
		metrics.InferenceQueueDropped.Inc()
		p.log.Warn("inference queue full, dropping flow", "flow_id", f.ID)
	}
}

func (p *Pipeline) inferenceWorker(ctx context.Context) {
	defer p.wg.Done()
	for f := range p.queue {
		metrics.InferenceQueueDepth.Set(float64(len(p.queue)))
		p.processFlow(ctx, f)
	}
}

func (p *Pipeline) processFlow(ctx context.Context, f *models.Flow) {
	if p.degraded.Load() {
		return
	}
	timer := prometheus.NewTimer(metrics.InferenceDuration)
	defer timer.ObserveDuration()
	raw := p.extract.Extract(f)
	prepared, err := p.chain.Transform(raw)
	if err != nil {
		p.log.Error("feature preprocessing failed", "flow_id", f.ID, logging.Err(err))
		return
	}

	sup, err := p.supervised.Predict(ctx, prepared)
	if err != nil {
		p.log.Error("supervised predict failed", "flow_id", f.ID, logging.Err(err))
		return
	}
	unsup, err := p.unsuper.Predict(ctx, prepared)
	if err != nil {
		p.log.Error("unsupervised predict failed", "flow_id", f.ID, logging.Err(err))
		return
	}

	ipRep := p.enricher.Reputation(ctx, f.InitiatorIP.String())

	if _, err := p.decisionEngine.Process(ctx, f, sup, unsup, ipRep); err != nil {
		return
	}
}

// Start implements api.CaptureController.
func (p *Pipeline) Start(iface string) error {
	if iface != "" {
		if err := p.sniffer.SetInterface(iface); err != nil {
			return err
		}
	}
	return p.sniffer.Start(context.Background())
}

// Stop implements api.CaptureController.
func (p *Pipeline) Stop() error {
	return p.sniffer.Stop()
}

// Status implements api.CaptureController.
func (p *Pipeline) Status() models.CaptureStats {
	st := p.sniffer.Status()
	return models.CaptureStats{
		Running:         st.Running,
		Interface:       st.Interface,
		Mode:            string(st.Mode),
		PacketsCaptured: st.PacketsCaptured,
		CaptureErrors:   st.CaptureErrors,
		BufferFill:      st.BufferFill,
		BufferCapacity:  st.BufferCapacity,
		OverflowCount:   st.OverflowCount,
		LastError:       st.LastError,
	}
}

// Ready implements api.Analyzer.
func (p *Pipeline) Ready() bool {
	return !p.degraded.Load() && p.chain != nil && p.supervised != nil && p.unsuper != nil
}

// Analyze implements api.Analyzer: a synchronous, non-persisting run of
// the same preprocessing + predictors + decision-fusion path the
// background inference workers use.
func (p *Pipeline) Analyze(ctx context.Context, rawFeatures []float64, ipReputation float64) (api.AnalyzeResult, error) {
	if !p.Ready() {
		return api.AnalyzeResult{}, fmt.Errorf("pipeline: models not loaded")
	}
	prepared, err := p.chain.Transform(models.FeatureVector(rawFeatures))
	if err != nil {
		return api.AnalyzeResult{}, fmt.Errorf("pipeline: preprocess: %w", err)
	}
	sup, err := p.supervised.Predict(ctx, prepared)
	if err != nil {
		return api.AnalyzeResult{}, fmt.Errorf("pipeline: supervised: %w", err)
	}
	unsup, err := p.unsuper.Predict(ctx, prepared)
	if err != nil {
		return api.AnalyzeResult{}, fmt.Errorf("pipeline: unsupervised: %w", err)
	}

	decisionCfg := decision.Config{
		WeightSupervised:   p.cfg.Decision.WeightSupervised,
		WeightUnsupervised: p.cfg.Decision.WeightUnsuper,
		WeightReputation:   p.cfg.Decision.WeightReputation,
		ThresholdAttack:    p.cfg.Decision.ThresholdAttack,
		ConfirmConfidence:  0.80,
	}
	result := decisionCfg.Fuse(decision.Input{
		IsAttack: sup.IsAttack, Confidence: sup.Confidence,
		IsAnomaly: unsup.IsAnomaly, AnomalyScore: unsup.AnomalyScore,
		IPReputation: ipReputation,
	})

	var attackType *string
	if sup.IsAttack {
		label := sup.PredictedLabel
		attackType = &label
	}

	return api.AnalyzeResult{
		Decision:             string(result.Decision),
		Severity:             string(result.Severity),
		ThreatScore:          result.FinalRisk,
		AttackType:           attackType,
		SupervisedConfidence: sup.Confidence,
		AnomalyScore:         unsup.AnomalyScore,
		IsAnomaly:            unsup.IsAnomaly,
		Priority:             result.Priority,
		Reasoning:            decision.Reasoning(sup, unsup, result),
	}, nil
}

// modelsStatus builds the result ModelsStatus.Status reports.
func (p *Pipeline) modelsStatus() api.ModelsStatusResult {
	return api.ModelsStatusResult{
		AllArtifactsPresent: len(p.missingArtifacts) == 0,
		MissingArtifacts:    p.missingArtifacts,
		DegradedMode:        p.degraded.Load(),
	}
}

// ModelsStatus adapts the Pipeline to api.ModelsStatus without exposing
// modelsStatus directly as the method name api.Server expects.
type ModelsStatus struct{ p *Pipeline }

// Status implements api.ModelsStatus.
func (m ModelsStatus) Status() api.ModelsStatusResult { return m.p.modelsStatus() }

// ModelsStatus returns an api.ModelsStatus view over this Pipeline.
func (p *Pipeline) ModelsStatus() ModelsStatus { return ModelsStatus{p: p} }

// Health implements api.HealthChecker by reporting every dependency this
// Pipeline was wired with.
type Health struct {
	p        *Pipeline
	storeUp  func() bool
	pubsubUp func() bool
}

// Healthz implements api.HealthChecker.
func (h Health) Healthz(ctx context.Context) map[string]bool {
	deps := map[string]bool{
		"capture": h.p.sniffer.Status().Running,
		"models":  h.p.Ready(),
	}
	if h.storeUp != nil {
		deps["datastore"] = h.storeUp()
	}
	if h.pubsubUp != nil {
		deps["pubsub"] = h.pubsubUp()
	}
	return deps
}

// NewHealth builds a Health checker. storeUp/pubsubUp may be nil when
// that dependency isn't wired, in which case it is omitted from the
// report rather than reported as down.
func NewHealth(p *Pipeline, storeUp, pubsubUp func() bool) Health {
	return Health{p: p, storeUp: storeUp, pubsubUp: pubsubUp}
}
