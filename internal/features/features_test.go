package features

import (
	"math"
	"net"
	"testing"
	"time"

	"github.com/meedvfx/Network-Defense-System/internal/models"
)

func sampleFlow() *models.Flow {
	fwd := models.NewDirectionalStats()
	fwd.Sizes = []float64{100, 200, 300}
	fwd.InterArrivals = []float64{0.1, 0.2}
	fwd.Bytes = 600
	fwd.Packets = 3
	fwd.FlagCounts[models.TCPFlagSYN] = 1
	fwd.FlagCounts[models.TCPFlagACK] = 2

	bwd := models.NewDirectionalStats()
	bwd.Sizes = []float64{150}
	bwd.Bytes = 150
	bwd.Packets = 1
	bwd.FlagCounts[models.TCPFlagACK] = 1

	start := time.Unix(0, 0)
	return &models.Flow{
		ID:            "f1",
		InitiatorIP:   net.ParseIP("10.0.0.1"),
		InitiatorPort: 1234,
		ResponderIP:   net.ParseIP("10.0.0.2"),
		ResponderPort: 80,
		Protocol:      models.ProtoTCP,
		FirstSeen:     start,
		LastSeen:      start.Add(2 * time.Second),
		Forward:       fwd,
		Backward:      bwd,
		State:         models.FlowComplete,
	}
}

func TestExtractProducesFixedLengthVector(t *testing.T) {
	e := NewExtractor()
	v := e.Extract(sampleFlow())
	if len(v) != len(Order) {
		t.Fatalf("expected %d features, got %d", len(Order), len(v))
	}
}

func TestExtractNeverProducesNaNOrInf(t *testing.T) {
	e := NewExtractor()
	flow := sampleFlow()
	flow.LastSeen = flow.FirstSeen // zero duration, forces division guards
	flow.Forward = models.NewDirectionalStats()
	flow.Backward = models.NewDirectionalStats()

	v := e.Extract(flow)
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			t.Fatalf("feature %d (%s) is NaN/Inf: %v", i, Order[i], x)
		}
	}
}

func TestExtractComputesBasicCounts(t *testing.T) {
	e := NewExtractor()
	v := e.Extract(sampleFlow())

	idx := func(name string) int {
		for i, n := range Order {
			if n == name {
				return i
			}
		}
		t.Fatalf("feature %s not found", name)
		return -1
	}

	if got := v[idx("fwd_packets")]; got != 3 {
		t.Errorf("fwd_packets = %v, want 3", got)
	}
	if got := v[idx("bwd_packets")]; got != 1 {
		t.Errorf("bwd_packets = %v, want 1", got)
	}
	if got := v[idx("duration")]; got != 2 {
		t.Errorf("duration = %v, want 2", got)
	}
}
