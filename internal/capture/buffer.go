package capture

import (
	"sync"

	"github.com/meedvfx/Network-Defense-System/internal/models"
)

// RingBuffer is the fixed-capacity, oldest-drop queue that sits between the
// capture backend (the sole producer) and the flow builder (the sole
// consumer). It is the only point of synchronisation between the two paths.
type RingBuffer struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    []models.PacketRecord
	capacity int
	closed   bool
	overflow uint64
}

// NewRingBuffer returns a ring buffer with the given bounded capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	rb := &RingBuffer{capacity: capacity, items: make([]models.PacketRecord, 0, capacity)}
	rb.notEmpty = sync.NewCond(&rb.mu)
	return rb
}

// Push appends a record, dropping the oldest queued record if the buffer is
// already at capacity. Returns true if an existing record was dropped.
func (rb *RingBuffer) Push(rec models.PacketRecord) (dropped bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return false
	}
	if len(rb.items) >= rb.capacity {
		rb.items = rb.items[1:]
		rb.overflow++
		dropped = true
	}
	rb.items = append(rb.items, rec)
	rb.notEmpty.Signal()
	return dropped
}

// DrainBatch removes and returns up to max queued records, blocking until at
// least one is available or the buffer is closed.
func (rb *RingBuffer) DrainBatch(max int) []models.PacketRecord {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for len(rb.items) == 0 && !rb.closed {
		rb.notEmpty.Wait()
	}
	if len(rb.items) == 0 {
		return nil
	}
	n := len(rb.items)
	if n > max {
		n = max
	}
	batch := make([]models.PacketRecord, n)
	copy(batch, rb.items[:n])
	rb.items = rb.items[n:]
	return batch
}

// TryDrain removes and returns up to max queued records without blocking.
// Returns nil when the buffer is empty.
func (rb *RingBuffer) TryDrain(max int) []models.PacketRecord {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if len(rb.items) == 0 {
		return nil
	}
	n := len(rb.items)
	if n > max {
		n = max
	}
	batch := make([]models.PacketRecord, n)
	copy(batch, rb.items[:n])
	rb.items = rb.items[n:]
	return batch
}

// Fill reports the number of records currently queued.
func (rb *RingBuffer) Fill() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.items)
}

// Capacity reports the configured bound.
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}

// Overflow reports the cumulative count of dropped-oldest records.
func (rb *RingBuffer) Overflow() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.overflow
}

// Close unblocks any waiting DrainBatch call; no further pushes are accepted.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.notEmpty.Broadcast()
}

// Reopen clears a closed buffer back to empty and accepting pushes again,
// so a Sniffer can Stop() then Start() and reuse the same buffer instead
// of losing every packet pushed after a restart. A no-op if not closed.
// The cumulative overflow counter is left untouched: it is exported as a
// monotonic Prometheus counter and must never go backwards.
func (rb *RingBuffer) Reopen() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if !rb.closed {
		return
	}
	rb.closed = false
	rb.items = rb.items[:0]
}
