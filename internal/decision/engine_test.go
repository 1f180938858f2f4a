package decision

import "testing"

func TestFuseConfirmedAttackWhenAttackAndAnomaly(t *testing.T) {
	cfg := DefaultConfig()
	r := cfg.Fuse(Input{IsAttack: true, Confidence: 0.9, IsAnomaly: true, AnomalyScore: 0.8, IPReputation: 0.1})
	if r.Decision != ConfirmedAttack {
		t.Fatalf("expected confirmed_attack, got %s", r.Decision)
	}
}

func TestFuseAttackWithoutAnomalyGatesOnConfidence(t *testing.T) {
	cfg := DefaultConfig()

	high := cfg.Fuse(Input{IsAttack: true, Confidence: 0.9, IsAnomaly: false, AnomalyScore: 0.1, IPReputation: 0.1})
	if high.Decision != ConfirmedAttack {
		t.Errorf("expected confirmed_attack at confidence 0.9, got %s", high.Decision)
	}

	low := cfg.Fuse(Input{IsAttack: true, Confidence: 0.6, IsAnomaly: false, AnomalyScore: 0.1, IPReputation: 0.1})
	if low.Decision != Suspicious {
		t.Errorf("expected suspicious at confidence 0.6, got %s", low.Decision)
	}
}

func TestFuseUnknownAnomalyWhenOnlyAnomalous(t *testing.T) {
	cfg := DefaultConfig()
	r := cfg.Fuse(Input{IsAttack: false, Confidence: 0.95, IsAnomaly: true, AnomalyScore: 0.7, IPReputation: 0.0})
	if r.Decision != UnknownAnomaly {
		t.Fatalf("expected unknown_anomaly, got %s", r.Decision)
	}
}

func TestFuseNormalBelowThresholdAttack(t *testing.T) {
	cfg := DefaultConfig()
	r := cfg.Fuse(Input{IsAttack: false, Confidence: 0.99, IsAnomaly: false, AnomalyScore: 0.0, IPReputation: 0.0})
	if r.Decision != Normal {
		t.Fatalf("expected normal, got %s (final_risk=%v)", r.Decision, r.FinalRisk)
	}
}

func TestFuseSuspiciousAboveThresholdAttackWithoutAttackOrAnomaly(t *testing.T) {
	cfg := DefaultConfig()
	// sup_risk = 1-confidence; drive final_risk above 0.70 via reputation+confidence.
	r := cfg.Fuse(Input{IsAttack: false, Confidence: 0.1, IsAnomaly: false, AnomalyScore: 0.9, IPReputation: 1.0})
	if r.Decision != Suspicious {
		t.Fatalf("expected suspicious, got %s (final_risk=%v)", r.Decision, r.FinalRisk)
	}
}

func TestFinalRiskClampedToUnitInterval(t *testing.T) {
	cfg := DefaultConfig()
	r := cfg.Fuse(Input{IsAttack: true, Confidence: 1.0, IsAnomaly: true, AnomalyScore: 1.0, IPReputation: 1.0})
	if r.FinalRisk > 1.0 || r.FinalRisk < 0.0 {
		t.Fatalf("expected final_risk in [0,1], got %v", r.FinalRisk)
	}
}

func TestSeverityThresholds(t *testing.T) {
	cases := []struct {
		risk float64
		want Severity
	}{
		{0.90, SeverityCritical},
		{0.85, SeverityCritical},
		{0.70, SeverityHigh},
		{0.65, SeverityHigh},
		{0.50, SeverityMedium},
		{0.40, SeverityMedium},
		{0.10, SeverityLow},
	}
	for _, c := range cases {
		if got := severityFor(c.risk); got != c.want {
			t.Errorf("severityFor(%v) = %s, want %s", c.risk, got, c.want)
		}
	}
}

func TestPriorityTableDefaultsToFive(t *testing.T) {
	if p := priorityFor(SeverityLow, ConfirmedAttack); p != 5 {
		t.Errorf("expected low-severity confirmed_attack priority 5, got %d", p)
	}
	if p := priorityFor(SeverityCritical, Normal); p != 5 {
		t.Errorf("expected critical+normal priority to default to 5, got %d", p)
	}
	if p := priorityFor(SeverityCritical, ConfirmedAttack); p != 1 {
		t.Errorf("expected critical+confirmed_attack priority 1, got %d", p)
	}
	if p := priorityFor(SeverityHigh, Suspicious); p != 3 {
		t.Errorf("expected high+suspicious priority 3, got %d", p)
	}
}

func TestFuseWeightsRenormalise(t *testing.T) {
	cfg := Config{WeightSupervised: 5, WeightUnsupervised: 3, WeightReputation: 2, ThresholdAttack: 0.7, ConfirmConfidence: 0.8}
	r := cfg.Fuse(Input{IsAttack: true, Confidence: 1.0, IsAnomaly: false, AnomalyScore: 0, IPReputation: 0})
	// weights renormalise to 0.5/0.3/0.2, identical to DefaultConfig on this input.
	if r.FinalRisk < 0.49 || r.FinalRisk > 0.51 {
		t.Fatalf("expected final_risk ~0.5 after renormalisation, got %v", r.FinalRisk)
	}
}
