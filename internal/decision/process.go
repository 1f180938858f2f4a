package decision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meedvfx/Network-Defense-System/internal/logging"
	"github.com/meedvfx/Network-Defense-System/internal/metrics"
	"github.com/meedvfx/Network-Defense-System/internal/models"
)

const (
	persistTimeout = 5 * time.Second
	publishTimeout = time.Second
)

// Record is the staged persistence unit for one flow: the flow itself,
// its prediction and anomaly rows, and an alert row present only when the
// decision is not normal. Store implementations stage all four into
// in-memory batches and only send them once every append has succeeded,
// which is the closest honest analogue to a cross-table transaction the
// reference datastore offers.
type Record struct {
	Flow       *models.Flow
	Prediction models.Prediction
	Anomaly    models.Anomaly
	Alert      *models.Alert // nil when decision == normal
}

// Store persists one flow's full record set atomically, or not at all.
type Store interface {
	Persist(ctx context.Context, rec Record) error
}

// Publisher fans a committed alert out to the realtime channel and keeps
// the global threat-score key current.
type Publisher interface {
	PublishAlert(ctx context.Context, alert models.Alert) error
	UpdateThreatScore(ctx context.Context, score float64) error
}

// Engine orchestrates fusion, persistence and publication for one flow at
// a time. It is safe for concurrent use by multiple inference workers;
// the EMA threat score is the only shared mutable state and is guarded by
// a mutex rather than the staged, per-flow persistence path.
type Engine struct {
	cfg   Config
	store Store
	pub   Publisher
	log   *logging.Logger

	mu       sync.Mutex
	emaScore float64
	emaAlpha float64
}

// NewEngine builds an Engine. The exponentially-smoothed global threat
// score starts at zero before any alert commits.
func NewEngine(cfg Config, store Store, pub Publisher) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    store,
		pub:      pub,
		log:      logging.DecisionLogger(),
		emaScore: 0,
		emaAlpha: 0.3,
	}
}

// Process fuses the predictor outputs for one flow, persists the full
// record set, and publishes/updates the threat score when an alert was
// created. It returns the committed alert, or nil when the decision was
// normal. A persistence failure drops the flow without retry: the same
// flow will never reappear, so at-least-once delivery buys nothing here.
func (e *Engine) Process(ctx context.Context, flow *models.Flow, sup models.SupervisedOutput, unsup models.UnsupervisedOutput, ipReputation float64) (*models.Alert, error) {
	result := e.cfg.Fuse(Input{
		IsAttack:     sup.IsAttack,
		Confidence:   sup.Confidence,
		IsAnomaly:    unsup.IsAnomaly,
		AnomalyScore: unsup.AnomalyScore,
		IPReputation: ipReputation,
	})

	rec := Record{
		Flow: flow,
		Prediction: models.Prediction{
			FlowID:             flow.ID,
			PredictedLabel:     sup.PredictedLabel,
			Confidence:         sup.Confidence,
			ClassProbabilities: sup.ClassProbabilities,
		},
		Anomaly: models.Anomaly{
			FlowID:              flow.ID,
			ReconstructionError: unsup.ReconstructionError,
			AnomalyScore:        unsup.AnomalyScore,
			ThresholdUsed:       unsup.ThresholdUsed,
			IsAnomaly:           unsup.IsAnomaly,
		},
	}

	var alert *models.Alert
	if result.Decision != Normal {
		a := newAlert(flow, result, sup, unsup)
		rec.Alert = &a
		alert = &a
	}

	if e.store == nil {
		metrics.PersistFailures.Inc()
		e.log.Warn("no datastore wired, dropping flow", "flow_id", flow.ID)
		return nil, fmt.Errorf("decision: no datastore configured")
	}
	persistCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := e.store.Persist(persistCtx, rec); err != nil {
		metrics.PersistFailures.Inc()
		e.log.Error("flow persistence failed, dropping flow", "flow_id", flow.ID, logging.Err(err))
		return nil, fmt.Errorf("decision: persist: %w", err)
	}

	metrics.DecisionsTotal.Inc()
	metrics.DecisionsByKind.WithLabelValues(string(result.Decision)).Inc()

	if alert == nil {
		return nil, nil
	}
	metrics.AlertsCreatedTotal.Inc()

	e.publish(ctx, *alert, result.FinalRisk)
	return alert, nil
}

func (e *Engine) publish(ctx context.Context, alert models.Alert, finalRisk float64) {
	if e.pub == nil {
		metrics.PublishFailures.Inc()
		e.log.Warn("no pub/sub wired, alert not published", "alert_id", alert.ID)
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err := e.pub.PublishAlert(pubCtx, alert)
	if err != nil {
		// single retry, then drop and count
		err = e.pub.PublishAlert(pubCtx, alert)
	}
	if err != nil {
		metrics.PublishFailures.Inc()
		e.log.Warn("alert publish failed", "alert_id", alert.ID, logging.Err(err))
	} else {
		metrics.PublishedTotal.Inc()
	}

	score := e.updateEMA(finalRisk)
	metrics.GlobalThreatScore.Set(score)
	err = e.pub.UpdateThreatScore(pubCtx, score)
	if err != nil {
		err = e.pub.UpdateThreatScore(pubCtx, score)
	}
	if err != nil {
		metrics.PublishFailures.Inc()
		e.log.Warn("threat score publish failed", logging.Err(err))
	}
}

func (e *Engine) updateEMA(finalRisk float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emaScore = e.emaAlpha*finalRisk + (1-e.emaAlpha)*e.emaScore
	return e.emaScore
}

// Reasoning renders the one-line human explanation attached to alerts and
// analysis responses: what each predictor said and how the fusion landed.
func Reasoning(sup models.SupervisedOutput, unsup models.UnsupervisedOutput, result Result) string {
	return fmt.Sprintf("supervised=%s(confidence=%.2f) anomaly=%v(score=%.2f) final_risk=%.2f -> %s",
		sup.PredictedLabel, sup.Confidence, unsup.IsAnomaly, unsup.AnomalyScore, result.FinalRisk, result.Decision)
}

func newAlert(flow *models.Flow, result Result, sup models.SupervisedOutput, unsup models.UnsupervisedOutput) models.Alert {
	var attackType *string
	if sup.IsAttack && sup.PredictedLabel != "" {
		label := sup.PredictedLabel
		attackType = &label
	}
	return models.Alert{
		ID:          uuid.New().String(),
		FlowID:      flow.ID,
		Severity:    models.Severity(result.Severity),
		AttackType:  attackType,
		ThreatScore: result.FinalRisk,
		Decision:    models.Decision(result.Decision),
		Status:      models.AlertOpen,
		Priority:    result.Priority,
		CreatedAt:   time.Now(),
		Metadata: map[string]any{
			"src_ip":                flow.InitiatorIP.String(),
			"dst_ip":                flow.ResponderIP.String(),
			"priority":              result.Priority,
			"reasoning":             Reasoning(sup, unsup, result),
			"supervised_confidence": sup.Confidence,
			"anomaly_score":         unsup.AnomalyScore,
		},
	}
}
