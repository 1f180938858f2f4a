package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"

	"github.com/meedvfx/Network-Defense-System/internal/models"
)

// pcapBackend captures live traffic off an interface via libpcap, with or
// without a BPF filter applied at the link layer. It implements backend
// modes (a) and (b) of the fallback chain.
type pcapBackend struct {
	cfg     *Config
	filter  string
	onError func(error)
	mu      sync.Mutex
	handle  *pcap.Handle
	eth     layers.Ethernet
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func newPCAPBackend(cfg *Config, filter string, onError func(error)) *pcapBackend {
	b := &pcapBackend{cfg: cfg, filter: filter, onError: onError}
	b.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet, &b.eth, &b.ip4, &b.ip6, &b.tcp, &b.udp,
	)
	b.parser.IgnoreUnsupported = true
	b.decoded = make([]gopacket.LayerType, 0, 8)
	return b
}

func (b *pcapBackend) start(ctx context.Context, onPacket func(models.PacketRecord)) error {
	iface := b.cfg.Interface
	if iface == "auto" {
		devs, err := pcap.FindAllDevs()
		if err != nil || len(devs) == 0 {
			return fmt.Errorf("capture: auto interface selection failed: %w", err)
		}
		iface = devs[0].Name
	}

	snaplen := b.cfg.SnapLen
	if snaplen <= 0 {
		snaplen = 65535
	}

	handle, err := pcap.OpenLive(iface, int32(snaplen), b.cfg.Promiscuous, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("capture: pcap open live %s: %w", iface, err)
	}

	if b.filter != "" {
		if err := handle.SetBPFFilter(b.filter); err != nil {
			handle.Close()
			return fmt.Errorf("capture: set BPF filter %q: %w", b.filter, err)
		}
	}

	b.mu.Lock()
	b.handle = handle
	b.mu.Unlock()

	go b.readLoop(ctx, handle, onPacket)
	return nil
}

func (b *pcapBackend) readLoop(ctx context.Context, handle *pcap.Handle, onPacket func(models.PacketRecord)) {
	source := gopacket.NewPacketSource(handle, handle.LinkType())
	source.DecodeOptions.Lazy = true
	source.DecodeOptions.NoCopy = true

	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-source.Packets():
			if !ok {
				if ctx.Err() == nil && b.onError != nil {
					b.onError(fmt.Errorf("capture: pcap packet source closed"))
				}
				return
			}
			rec, ok := b.toPacketRecord(pkt)
			if !ok {
				continue // non-IP packet, dropped silently
			}
			onPacket(rec)
		}
	}
}

func (b *pcapBackend) toPacketRecord(pkt gopacket.Packet) (models.PacketRecord, bool) {
	meta := pkt.Metadata()
	rec := models.PacketRecord{
		Timestamp:     meta.Timestamp,
		TimestampNano: meta.Timestamp.UnixNano(),
		Size:          uint32(meta.Length),
	}

	if err := b.parser.DecodeLayers(pkt.Data(), &b.decoded); err != nil {
		// Partial decode still yields whichever layers were recognised.
		if b.onError != nil {
			b.onError(fmt.Errorf("capture: decode: %w", err))
		}
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

func tcpFlagsOf(tcp *layers.TCP) uint8 {
	var flags uint8
	if tcp.FIN {
		flags |= models.TCPFlagFIN
	}
	if tcp.SYN {
		flags |= models.TCPFlagSYN
	}
	if tcp.RST {
		flags |= models.TCPFlagRST
	}
	if tcp.PSH {
		flags |= models.TCPFlagPSH
	}
	if tcp.ACK {
		flags |= models.TCPFlagACK
	}
	if tcp.URG {
		flags |= models.TCPFlagURG
	}
	if tcp.ECE {
		flags |= models.TCPFlagECE
	}
	if tcp.CWR {
		flags |= models.TCPFlagCWR
	}
	return flags
}

func (b *pcapBackend) stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handle != nil {
		b.handle.Close()
		b.handle = nil
	}
	return nil
}
