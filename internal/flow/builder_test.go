package flow

import (
	"net"
	"testing"
	"time"

	"github.com/meedvfx/Network-Defense-System/internal/models"
)

func tcpPacket(ts time.Time, srcIP string, srcPort uint16, dstIP string, dstPort uint16, flags uint8, size uint32) models.PacketRecord {
	return models.PacketRecord{
		Timestamp: ts,
		SrcIP:     net.ParseIP(srcIP),
		DstIP:     net.ParseIP(dstIP),
		SrcPort:   srcPort,
		DstPort:   dstPort,
		Protocol:  models.ProtoTCP,
		Size:      size,
		TCPFlags:  flags,
	}
}

func TestIngestCreatesActiveFlow(t *testing.T) {
	b := New(DefaultConfig())
	t0 := time.Unix(1000, 0)
	b.Ingest([]models.PacketRecord{
		tcpPacket(t0, "10.0.0.1", 1234, "10.0.0.2", 80, models.TCPFlagSYN, 60),
	})
	if got := b.ActiveCount(); got != 1 {
		t.Fatalf("expected 1 active flow, got %d", got)
	}
}

func TestBidirectionalPacketsShareOneFlow(t *testing.T) {
	b := New(DefaultConfig())
	t0 := time.Unix(1000, 0)
	b.Ingest([]models.PacketRecord{
		tcpPacket(t0, "10.0.0.1", 1234, "10.0.0.2", 80, models.TCPFlagSYN, 60),
		tcpPacket(t0.Add(time.Millisecond), "10.0.0.2", 80, "10.0.0.1", 1234, models.TCPFlagSYN|models.TCPFlagACK, 60),
	})
	if got := b.ActiveCount(); got != 1 {
		t.Fatalf("expected 1 flow for both directions, got %d", got)
	}
}

func TestRSTCompletesFlowImmediately(t *testing.T) {
	b := New(DefaultConfig())
	t0 := time.Unix(1000, 0)
	completed := b.Ingest([]models.PacketRecord{
		tcpPacket(t0, "10.0.0.1", 1234, "10.0.0.2", 80, models.TCPFlagSYN, 60),
		tcpPacket(t0.Add(time.Millisecond), "10.0.0.2", 80, "10.0.0.1", 1234, models.TCPFlagRST, 40),
	})
	if len(completed) != 1 {
		t.Fatalf("expected 1 completed flow, got %d", len(completed))
	}
	if completed[0].CompletionReason != models.CompletionRST {
		t.Errorf("expected rst completion reason, got %s", completed[0].CompletionReason)
	}
	if b.ActiveCount() != 0 {
		t.Errorf("expected no active flows after RST, got %d", b.ActiveCount())
	}
}

func TestBidirectionalFINThenACKCompletes(t *testing.T) {
	b := New(DefaultConfig())
	t0 := time.Unix(1000, 0)
	completed := b.Ingest([]models.PacketRecord{
		tcpPacket(t0, "10.0.0.1", 1234, "10.0.0.2", 80, models.TCPFlagSYN, 60),
		tcpPacket(t0.Add(time.Millisecond), "10.0.0.2", 80, "10.0.0.1", 1234, models.TCPFlagSYN|models.TCPFlagACK, 60),
		tcpPacket(t0.Add(2*time.Millisecond), "10.0.0.1", 1234, "10.0.0.2", 80, models.TCPFlagFIN, 0),
		tcpPacket(t0.Add(3*time.Millisecond), "10.0.0.2", 80, "10.0.0.1", 1234, models.TCPFlagFIN, 0),
		tcpPacket(t0.Add(4*time.Millisecond), "10.0.0.1", 1234, "10.0.0.2", 80, models.TCPFlagACK, 0),
	})
	if len(completed) != 1 {
		t.Fatalf("expected 1 completed flow, got %d", len(completed))
	}
	if completed[0].CompletionReason != models.CompletionFINBothSides {
		t.Errorf("expected fin_both_sides, got %s", completed[0].CompletionReason)
	}
}

func TestPollTimeoutsClosesIdleFlow(t *testing.T) {
	cfg := Config{IdleTimeout: 10 * time.Second, HardCap: time.Hour}
	b := New(cfg)
	t0 := time.Unix(1000, 0)
	b.Ingest([]models.PacketRecord{
		tcpPacket(t0, "10.0.0.1", 1234, "10.0.0.2", 80, models.TCPFlagSYN, 60),
	})

	completed := b.PollTimeouts(t0.Add(5 * time.Second))
	if len(completed) != 0 {
		t.Fatalf("flow should not be idle yet, got %d completed", len(completed))
	}

	completed = b.PollTimeouts(t0.Add(11 * time.Second))
	if len(completed) != 1 {
		t.Fatalf("expected idle timeout completion, got %d", len(completed))
	}
	if completed[0].CompletionReason != models.CompletionIdleTimeout {
		t.Errorf("expected idle_timeout, got %s", completed[0].CompletionReason)
	}
}

func TestPollTimeoutsClosesHardCapEvenIfActive(t *testing.T) {
	cfg := Config{IdleTimeout: time.Hour, HardCap: 10 * time.Second}
	b := New(cfg)
	t0 := time.Unix(1000, 0)
	b.Ingest([]models.PacketRecord{
		tcpPacket(t0, "10.0.0.1", 1234, "10.0.0.2", 80, models.TCPFlagSYN, 60),
	})

	completed := b.PollTimeouts(t0.Add(11 * time.Second))
	if len(completed) != 1 || completed[0].CompletionReason != models.CompletionHardCap {
		t.Fatalf("expected hard_cap completion, got %+v", completed)
	}
}

func TestCompletedFlowKeyStartsFresh(t *testing.T) {
	b := New(DefaultConfig())
	t0 := time.Unix(1000, 0)
	b.Ingest([]models.PacketRecord{
		tcpPacket(t0, "10.0.0.1", 1234, "10.0.0.2", 80, models.TCPFlagSYN, 60),
		tcpPacket(t0.Add(time.Millisecond), "10.0.0.2", 80, "10.0.0.1", 1234, models.TCPFlagRST, 40),
	})
	if b.ActiveCount() != 0 {
		t.Fatalf("expected flow closed by RST")
	}

	b.Ingest([]models.PacketRecord{
		tcpPacket(t0.Add(time.Second), "10.0.0.1", 1234, "10.0.0.2", 80, models.TCPFlagSYN, 60),
	})
	if b.ActiveCount() != 1 {
		t.Fatalf("expected a new flow for the same 5-tuple after completion, got %d active", b.ActiveCount())
	}
}

func TestInterleavedDirectionsCountBothWays(t *testing.T) {
	b := New(DefaultConfig())
	t0 := time.Unix(1000, 0)
	var pkts []models.PacketRecord
	for i := 0; i < 10; i++ {
		ts := t0.Add(time.Duration(2*i) * time.Millisecond)
		pkts = append(pkts,
			tcpPacket(ts, "10.0.0.1", 1234, "10.0.0.2", 80, models.TCPFlagACK, 100),
			tcpPacket(ts.Add(time.Millisecond), "10.0.0.2", 80, "10.0.0.1", 1234, models.TCPFlagACK, 100),
		)
	}
	b.Ingest(pkts)

	if got := b.ActiveCount(); got != 1 {
		t.Fatalf("expected one active flow for the interleaved 5-tuple, got %d", got)
	}
	completed := b.Flush()
	if len(completed) != 1 {
		t.Fatalf("expected one flushed flow, got %d", len(completed))
	}
	f := completed[0]
	if total := f.Forward.Packets + f.Backward.Packets; total != 20 {
		t.Errorf("expected 20 packets across both directions, got %d", total)
	}
	if !f.InitiatorIP.Equal(net.ParseIP("10.0.0.1")) {
		t.Errorf("expected first packet's sender as initiator, got %s", f.InitiatorIP)
	}
}

func TestFlushCompletesActiveFlows(t *testing.T) {
	b := New(DefaultConfig())
	t0 := time.Unix(1000, 0)
	b.Ingest([]models.PacketRecord{
		tcpPacket(t0, "10.0.0.1", 1234, "10.0.0.2", 80, models.TCPFlagSYN, 60),
		tcpPacket(t0, "10.0.0.3", 5555, "10.0.0.4", 443, models.TCPFlagSYN, 60),
	})

	completed := b.Flush()
	if len(completed) != 2 {
		t.Fatalf("expected 2 flushed flows, got %d", len(completed))
	}
	for _, f := range completed {
		if f.CompletionReason != models.CompletionShutdown {
			t.Errorf("expected shutdown completion reason, got %s", f.CompletionReason)
		}
	}
	if b.ActiveCount() != 0 {
		t.Errorf("expected no active flows after flush, got %d", b.ActiveCount())
	}
}

func TestICMPUsesZeroPorts(t *testing.T) {
	b := New(DefaultConfig())
	t0 := time.Unix(1000, 0)
	b.Ingest([]models.PacketRecord{
		{Timestamp: t0, SrcIP: net.ParseIP("10.0.0.1"), DstIP: net.ParseIP("10.0.0.2"), Protocol: models.ProtoICMP, Size: 64},
	})
	if b.ActiveCount() != 1 {
		t.Fatalf("expected 1 ICMP flow, got %d", b.ActiveCount())
	}
}

func TestInitiatorIsEarliestTimestampWithinBatch(t *testing.T) {
	b := New(DefaultConfig())
	t0 := time.Unix(1000, 0)
	// Reversed arrival order in the slice; earlier timestamp should still win initiator.
	completed := b.Ingest([]models.PacketRecord{
		tcpPacket(t0.Add(time.Millisecond), "10.0.0.2", 80, "10.0.0.1", 1234, models.TCPFlagSYN|models.TCPFlagACK, 60),
		tcpPacket(t0, "10.0.0.1", 1234, "10.0.0.2", 80, models.TCPFlagSYN, 60),
	})
	_ = completed

	if got := b.ActiveCount(); got != 1 {
		t.Fatalf("expected single merged flow, got %d", got)
	}
}
