// Package flow reconstructs bidirectional flows from the packet records
// the Sniffer buffer yields. It does not reuse gopacket/reassembly's
// stream-pool machinery: that package is built around ordered TCP stream
// reconstruction with per-connection page buffers, while this builder only
// needs protocol-generic 5-tuple bookkeeping and flag/size/IAT counters.
package flow

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meedvfx/Network-Defense-System/internal/logging"
	"github.com/meedvfx/Network-Defense-System/internal/metrics"
	"github.com/meedvfx/Network-Defense-System/internal/models"
)

// Config configures flow completion timeouts.
type Config struct {
	IdleTimeout time.Duration
	HardCap     time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{IdleTimeout: 120 * time.Second, HardCap: 3600 * time.Second}
}

// entry is the builder's internal, mutable view of an active flow.
type entry struct {
	flow         *models.Flow
	initiatorKey endpoint // the endpoint that sent the first packet
}

type endpoint struct {
	ip   string
	port uint16
}

// Builder reconstructs bidirectional flows and emits completed ones. It
// is owned exclusively by a single goroutine in the pipeline's
// concurrency topology; none of its methods are safe to call
// concurrently with each other. The mutex only guards ActiveCount, which
// the API surface may read from another goroutine.
type Builder struct {
	cfg Config

	mu     sync.RWMutex
	active map[models.FlowKey]*entry

	log *logging.Logger
}

// New creates an empty Builder.
func New(cfg Config) *Builder {
	return &Builder{
		cfg:    cfg,
		active: make(map[models.FlowKey]*entry),
		log:    logging.FlowLogger(),
	}
}

// Ingest folds a batch of packet records into the active-flow table,
// returning any flows that completed as a direct result (RST, or FIN seen
// on both sides followed by an ACK).
func (b *Builder) Ingest(batch []models.PacketRecord) []*models.Flow {
	var completed []*models.Flow

	ordered := sortedByArrival(batch)
	for _, pkt := range ordered {
		if pkt.SrcIP == nil || pkt.DstIP == nil {
			continue
		}
		key := canonicalKey(pkt)
		e, exists := b.active[key]
		if !exists {
			e = b.newEntry(key, pkt)
			b.setActive(key, e)
		}

		fwd := sameDirection(e, pkt)
		b.accumulate(e, pkt, fwd)

		if reason, ok := explicitCloseReason(e, pkt, fwd); ok {
			b.completeLocked(key, e, reason)
			completed = append(completed, e.flow)
		}
	}

	return completed
}

// sortedByArrival orders a batch so that, for two packets belonging to the
// same new flow arriving in the same batch, the one with the earlier
// timestamp is processed first (and therefore becomes the initiator); ties
// fall back to lexicographic (srcIP, srcPort) ordering.
func sortedByArrival(batch []models.PacketRecord) []models.PacketRecord {
	ordered := make([]models.PacketRecord, len(batch))
	copy(ordered, batch)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, c := ordered[i], ordered[j]
		if !a.Timestamp.Equal(c.Timestamp) {
			return a.Timestamp.Before(c.Timestamp)
		}
		if a.SrcIP == nil || c.SrcIP == nil {
			return false
		}
		return lessEndpoint(endpoint{a.SrcIP.String(), a.SrcPort}, endpoint{c.SrcIP.String(), c.SrcPort})
	})
	return ordered
}

// PollTimeouts scans the active table for idle-timeout and hard-cap
// expirations, evaluated against now.
func (b *Builder) PollTimeouts(now time.Time) []*models.Flow {
	var completed []*models.Flow

	for key, e := range b.snapshotActive() {
		idle := now.Sub(e.flow.LastSeen)
		age := now.Sub(e.flow.FirstSeen)

		switch {
		case age >= b.cfg.HardCap:
			b.completeLocked(key, e, models.CompletionHardCap)
			completed = append(completed, e.flow)
		case idle >= b.cfg.IdleTimeout:
			b.completeLocked(key, e, models.CompletionIdleTimeout)
			completed = append(completed, e.flow)
		}
	}

	return completed
}

// Flush force-completes every active flow. Called once during shutdown so
// in-flight flows still reach the inference queue instead of being lost.
func (b *Builder) Flush() []*models.Flow {
	var completed []*models.Flow
	for key, e := range b.snapshotActive() {
		b.completeLocked(key, e, models.CompletionShutdown)
		completed = append(completed, e.flow)
	}
	return completed
}

// ActiveCount returns the number of flows currently tracked.
func (b *Builder) ActiveCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.active)
}

func (b *Builder) snapshotActive() map[models.FlowKey]*entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap := make(map[models.FlowKey]*entry, len(b.active))
	for k, v := range b.active {
		snap[k] = v
	}
	return snap
}

func (b *Builder) setActive(key models.FlowKey, e *entry) {
	b.mu.Lock()
	b.active[key] = e
	b.mu.Unlock()
	metrics.FlowsActive.Set(float64(len(b.active)))
}

func (b *Builder) completeLocked(key models.FlowKey, e *entry, reason models.CompletionReason) {
	b.mu.Lock()
	delete(b.active, key)
	b.mu.Unlock()

	e.flow.State = models.FlowComplete
	e.flow.CompletionReason = reason

	metrics.FlowsActive.Set(float64(b.ActiveCount()))
	metrics.FlowsCompletedTotal.Inc()
	switch reason {
	case models.CompletionIdleTimeout:
		metrics.FlowsCompletedIdle.Inc()
	case models.CompletionHardCap:
		metrics.FlowsCompletedHardCap.Inc()
	default:
		metrics.FlowsCompletedExplicit.Inc()
	}
	b.log.Debug("flow completed", "id", e.flow.ID, "reason", string(reason), "packets",
		e.flow.Forward.Packets+e.flow.Backward.Packets)
}

// newEntry creates a flow entry with the packet that triggered it as the
// initiator: the endpoint that sent the first packet observed for this key.
func (b *Builder) newEntry(key models.FlowKey, pkt models.PacketRecord) *entry {
	f := &models.Flow{
		ID:            uuid.New().String(),
		Key:           key,
		InitiatorIP:   pkt.SrcIP,
		InitiatorPort: pkt.SrcPort,
		ResponderIP:   pkt.DstIP,
		ResponderPort: pkt.DstPort,
		Protocol:      pkt.Protocol,
		FirstSeen:     pkt.Timestamp,
		LastSeen:      pkt.Timestamp,
		Forward:       models.NewDirectionalStats(),
		Backward:      models.NewDirectionalStats(),
		State:         models.FlowActive,
	}

	return &entry{
		flow:         f,
		initiatorKey: endpoint{ip: pkt.SrcIP.String(), port: pkt.SrcPort},
	}
}

func (b *Builder) accumulate(e *entry, pkt models.PacketRecord, fwd bool) {
	dir := e.flow.Backward
	if fwd {
		dir = e.flow.Forward
	}

	if !dir.LastTimestamp.IsZero() {
		dir.InterArrivals = append(dir.InterArrivals, pkt.Timestamp.Sub(dir.LastTimestamp).Seconds())
	}
	dir.LastTimestamp = pkt.Timestamp
	dir.Sizes = append(dir.Sizes, float64(pkt.Size))
	dir.Bytes += uint64(pkt.Size)
	dir.Packets++

	for _, flag := range []uint8{
		models.TCPFlagFIN, models.TCPFlagSYN, models.TCPFlagRST, models.TCPFlagPSH,
		models.TCPFlagACK, models.TCPFlagURG, models.TCPFlagECE, models.TCPFlagCWR,
	} {
		if pkt.TCPFlags&flag != 0 {
			dir.FlagCounts[flag]++
		}
	}
	if pkt.TCPFlags&models.TCPFlagFIN != 0 {
		dir.FINSeen = true
	}
	if pkt.TCPFlags&models.TCPFlagRST != 0 {
		dir.RSTSeen = true
	}

	if pkt.Timestamp.After(e.flow.LastSeen) {
		e.flow.LastSeen = pkt.Timestamp
	}
}

// sameDirection reports whether pkt travels initiator->responder (forward).
func sameDirection(e *entry, pkt models.PacketRecord) bool {
	return pkt.SrcIP.String() == e.initiatorKey.ip && pkt.SrcPort == e.initiatorKey.port
}

// explicitCloseReason implements completion rule 2: a RST on either side,
// or FIN observed on both directions followed by an ACK.
func explicitCloseReason(e *entry, pkt models.PacketRecord, fwd bool) (models.CompletionReason, bool) {
	if pkt.Protocol != models.ProtoTCP {
		return "", false
	}
	if pkt.TCPFlags&models.TCPFlagRST != 0 {
		return models.CompletionRST, true
	}
	if pkt.TCPFlags&models.TCPFlagACK != 0 && e.flow.Forward.FINSeen && e.flow.Backward.FINSeen {
		return models.CompletionFINBothSides, true
	}
	return "", false
}

// canonicalKey builds the direction-independent FlowKey: the two endpoints
// sorted lexicographically, plus protocol.
func canonicalKey(pkt models.PacketRecord) models.FlowKey {
	a := endpoint{ip: pkt.SrcIP.String(), port: pkt.SrcPort}
	c := endpoint{ip: pkt.DstIP.String(), port: pkt.DstPort}

	low, high := a, c
	if !lessEndpoint(a, c) {
		low, high = c, a
	}

	return models.FlowKey{
		LowIP: low.ip, LowPort: low.port,
		HighIP: high.ip, HighPort: high.port,
		Protocol: pkt.Protocol,
	}
}

func lessEndpoint(a, c endpoint) bool {
	if a.ip != c.ip {
		return a.ip < c.ip
	}
	return a.port < c.port
}
