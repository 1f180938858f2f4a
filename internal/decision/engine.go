// Package decision implements risk fusion and the four-way verdict that
// turns a pair of predictor outputs plus an IP-reputation score into an
// actionable decision, severity and analyst priority.
package decision

import "math"

// Decision mirrors models.Decision; kept as a distinct type here so the
// fusion math has no dependency on the persistence-facing models package.
type Decision string

const (
	ConfirmedAttack Decision = "confirmed_attack"
	Suspicious      Decision = "suspicious"
	UnknownAnomaly  Decision = "unknown_anomaly"
	Normal          Decision = "normal"
)

// Severity is a pure function of FinalRisk.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Config holds the fusion weights and decision thresholds. Weights are
// renormalised to sum to 1 at Fuse time rather than rejected, so a
// slightly-off configuration degrades gracefully instead of producing a
// risk score outside [0,1].
type Config struct {
	WeightSupervised   float64
	WeightUnsupervised float64
	WeightReputation   float64

	ThresholdAttack   float64 // T_attack, default 0.70
	ConfirmConfidence float64 // confidence gate for confirmed_attack on is_attack-without-anomaly, default 0.80
}

// DefaultConfig returns the production fusion weights and thresholds.
func DefaultConfig() Config {
	return Config{
		WeightSupervised:   0.50,
		WeightUnsupervised: 0.30,
		WeightReputation:   0.20,
		ThresholdAttack:    0.70,
		ConfirmConfidence:  0.80,
	}
}

// Input bundles the predictor outputs and reputation score Fuse needs. It
// avoids depending on the predict/models packages directly, keeping this
// package usable in isolation (and in tests) from plain floats/bools.
type Input struct {
	IsAttack     bool
	Confidence   float64 // supervised confidence, the "p" in sup_risk
	IsAnomaly    bool
	AnomalyScore float64
	IPReputation float64 // 0 = clean, 1 = known-bad
}

// Result is the full fused verdict for one flow.
type Result struct {
	SupRisk   float64
	FinalRisk float64
	Decision  Decision
	Severity  Severity
	Priority  int
}

// Fuse computes sup_risk, final_risk, the decision, severity and priority
// for one flow's predictor outputs.
func (c Config) Fuse(in Input) Result {
	supRisk := in.Confidence
	if !in.IsAttack {
		supRisk = 1 - in.Confidence
	}

	wSum := c.WeightSupervised + c.WeightUnsupervised + c.WeightReputation
	ws, wu, wr := c.WeightSupervised, c.WeightUnsupervised, c.WeightReputation
	if wSum > 0 {
		ws, wu, wr = ws/wSum, wu/wSum, wr/wSum
	}

	finalRisk := ws*supRisk + wu*in.AnomalyScore + wr*in.IPReputation
	finalRisk = clamp(finalRisk, 0, 1)

	dec := c.decide(in, finalRisk)
	sev := severityFor(finalRisk)
	pri := priorityFor(sev, dec)

	return Result{SupRisk: supRisk, FinalRisk: finalRisk, Decision: dec, Severity: sev, Priority: pri}
}

func (c Config) decide(in Input, finalRisk float64) Decision {
	switch {
	case in.IsAttack && in.IsAnomaly:
		return ConfirmedAttack
	case in.IsAttack && !in.IsAnomaly:
		if in.Confidence >= c.ConfirmConfidence {
			return ConfirmedAttack
		}
		return Suspicious
	case !in.IsAttack && in.IsAnomaly:
		return UnknownAnomaly
	default:
		if finalRisk >= c.ThresholdAttack {
			return Suspicious
		}
		return Normal
	}
}

func severityFor(finalRisk float64) Severity {
	switch {
	case finalRisk >= 0.85:
		return SeverityCritical
	case finalRisk >= 0.65:
		return SeverityHigh
	case finalRisk >= 0.40:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// priorityTable implements the (severity, decision) lookup; any pair not
// present here (including every normal decision) defaults to 5.
var priorityTable = map[Severity]map[Decision]int{
	SeverityCritical: {ConfirmedAttack: 1, UnknownAnomaly: 1, Suspicious: 2},
	SeverityHigh:     {ConfirmedAttack: 2, UnknownAnomaly: 2, Suspicious: 3},
	SeverityMedium:   {ConfirmedAttack: 3, UnknownAnomaly: 3, Suspicious: 4},
}

func priorityFor(sev Severity, dec Decision) int {
	if byDecision, ok := priorityTable[sev]; ok {
		if p, ok := byDecision[dec]; ok {
			return p
		}
	}
	return 5
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
