package capture

import (
	"testing"

	"github.com/meedvfx/Network-Defense-System/internal/models"
)

func TestRingBufferDropsOldestOnOverflow(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 4; i++ {
		rb.Push(models.PacketRecord{Size: uint32(i)})
	}

	if got := rb.Fill(); got != 3 {
		t.Fatalf("expected fill 3, got %d", got)
	}
	if got := rb.Overflow(); got != 1 {
		t.Fatalf("expected overflow_count 1, got %d", got)
	}

	batch := rb.DrainBatch(3)
	if len(batch) != 3 {
		t.Fatalf("expected 3 records drained, got %d", len(batch))
	}
	if batch[0].Size != 1 {
		t.Errorf("expected oldest surviving record (size=1), got size=%d", batch[0].Size)
	}
}

func TestRingBufferDrainBlocksUntilClosed(t *testing.T) {
	rb := NewRingBuffer(2)
	done := make(chan []models.PacketRecord, 1)
	go func() {
		done <- rb.DrainBatch(10)
	}()
	rb.Close()

	batch := <-done
	if batch != nil {
		t.Errorf("expected nil batch on close with nothing queued, got %v", batch)
	}
}

func TestRingBufferReopenAcceptsPushesAfterClose(t *testing.T) {
	rb := NewRingBuffer(2)
	rb.Push(models.PacketRecord{Size: 1})
	rb.Close()

	if dropped := rb.Push(models.PacketRecord{Size: 2}); dropped {
		t.Fatal("push on a closed buffer should be a silent no-op, not a drop")
	}
	if got := rb.Fill(); got != 1 {
		t.Fatalf("push while closed should not be queued, expected fill 1, got %d", got)
	}

	rb.Reopen()
	if got := rb.Fill(); got != 0 {
		t.Fatalf("expected Reopen to clear stale queued items, got fill %d", got)
	}
	rb.Push(models.PacketRecord{Size: 3})
	if got := rb.Fill(); got != 1 {
		t.Fatalf("expected push to succeed after Reopen, got fill %d", got)
	}
}

func TestRingBufferReopenIsNoOpWhenNotClosed(t *testing.T) {
	rb := NewRingBuffer(2)
	rb.Push(models.PacketRecord{Size: 1})
	rb.Reopen()
	if got := rb.Fill(); got != 1 {
		t.Fatalf("Reopen on an open buffer should not touch queued items, got fill %d", got)
	}
}
