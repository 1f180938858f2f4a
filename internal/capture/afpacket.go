//go:build linux

// AF_PACKET with TPACKET_V3 is an optional accelerated backend, selected
// explicitly via Config.ExplicitMode rather than part of the default
// fallback chain (it needs no BPF compiler and bypasses libpcap entirely).
package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/afpacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/meedvfx/Network-Defense-System/internal/models"
)

type afpacketBackend struct {
	cfg     *Config
	onError func(error)

	mu      sync.Mutex
	tpacket *afpacket.TPacket

	eth     layers.Ethernet
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func newAFPacketBackend(cfg *Config, onError func(error)) *afpacketBackend {
	b := &afpacketBackend{cfg: cfg, onError: onError}
	b.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet, &b.eth, &b.ip4, &b.ip6, &b.tcp, &b.udp,
	)
	b.parser.IgnoreUnsupported = true
	b.decoded = make([]gopacket.LayerType, 0, 8)
	return b
}

func (b *afpacketBackend) start(ctx context.Context, onPacket func(models.PacketRecord)) error {
	snaplen := b.cfg.SnapLen
	if snaplen <= 0 {
		snaplen = 65535
	}

	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(b.cfg.Interface),
		afpacket.OptFrameSize(snaplen),
		afpacket.OptBlockSize(1<<20),
		afpacket.OptNumBlocks(64),
		afpacket.OptBlockTimeout(100*time.Millisecond),
		afpacket.OptPollTimeout(100*time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("capture: af_packet setup: %w", err)
	}

	b.mu.Lock()
	b.tpacket = tp
	b.mu.Unlock()

	go b.readLoop(ctx, onPacket)
	return nil
}

func (b *afpacketBackend) readLoop(ctx context.Context, onPacket func(models.PacketRecord)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.mu.Lock()
		tp := b.tpacket
		b.mu.Unlock()
		if tp == nil {
			return
		}

		data, ci, err := tp.ZeroCopyReadPacketData()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if b.onError != nil {
				b.onError(fmt.Errorf("af_packet read: %w", err))
			}
			continue
		}

		rec, ok := b.toPacketRecord(data, ci.Timestamp)
		if ok {
			onPacket(rec)
		}
	}
}

func (b *afpacketBackend) toPacketRecord(data []byte, ts time.Time) (models.PacketRecord, bool) {
	rec := models.PacketRecord{Timestamp: ts, TimestampNano: ts.UnixNano(), Size: uint32(len(data))}

	b.decoded = b.decoded[:0]
	if err := b.parser.DecodeLayers(data, &b.decoded); err != nil {
		// partial decode accepted
	}

	haveIP := false
	for _, lt := range b.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			rec.SrcIP, rec.DstIP = b.ip4.SrcIP, b.ip4.DstIP
			rec.Protocol = uint8(b.ip4.Protocol)
			haveIP = true
		case layers.LayerTypeIPv6:
			rec.SrcIP, rec.DstIP = b.ip6.SrcIP, b.ip6.DstIP
			rec.Protocol = uint8(b.ip6.NextHeader)
			haveIP = true
		case layers.LayerTypeTCP:
			rec.SrcPort, rec.DstPort = uint16(b.tcp.SrcPort), uint16(b.tcp.DstPort)
			rec.TCPFlags = tcpFlagsOf(&b.tcp)
		case layers.LayerTypeUDP:
			rec.SrcPort, rec.DstPort = uint16(b.udp.SrcPort), uint16(b.udp.DstPort)
		}
	}
	return rec, haveIP
}

func (b *afpacketBackend) stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tpacket != nil {
		b.tpacket.Close()
		b.tpacket = nil
	}
	return nil
}
