//go:build linux

package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/meedvfx/Network-Defense-System/internal/models"
)

// rawSocketBackend reads IP datagrams off an AF_PACKET SOCK_DGRAM socket
// bound to ETH_P_IP, which delivers every IPv4 datagram with the link
// header already stripped. It has no BPF and is the last resort of the
// fallback chain, mode (c): an L3 raw socket.
type rawSocketBackend struct {
	cfg     *Config
	onError func(error)
	mu      sync.Mutex
	fd      int
	stopped bool
}

func newRawSocketBackend(cfg *Config, onError func(error)) *rawSocketBackend {
	return &rawSocketBackend{cfg: cfg, onError: onError, fd: -1}
}

func (b *rawSocketBackend) start(ctx context.Context, onPacket func(models.PacketRecord)) error {
	// AF_INET+SOCK_RAW+IPPROTO_RAW is send-only on Linux, so receiving
	// needs a packet socket instead. SOCK_DGRAM strips the link header.
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_DGRAM, int(htons(unix.ETH_P_IP)))
	if err != nil {
		return fmt.Errorf("capture: raw socket setup: %w", err)
	}

	b.mu.Lock()
	b.fd = fd
	b.mu.Unlock()

	go b.readLoop(ctx, onPacket)
	return nil
}

func (b *rawSocketBackend) readLoop(ctx context.Context, onPacket func(models.PacketRecord)) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.mu.Lock()
		fd := b.fd
		stopped := b.stopped
		b.mu.Unlock()
		if stopped {
			return
		}

		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if b.onError != nil {
				b.onError(fmt.Errorf("raw socket read: %w", err))
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if n < 20 {
			continue // shorter than a minimal IPv4 header
		}
		rec, ok := parseIPv4Datagram(buf[:n])
		if ok {
			rec.Timestamp = time.Now()
			rec.TimestampNano = rec.Timestamp.UnixNano()
			onPacket(rec)
		}
	}
}

// parseIPv4Datagram extracts the fields a PacketRecord needs directly from
// the raw bytes of an IPv4 datagram (no gopacket dependency at this layer,
// since this backend exists precisely for when the libpcap/AF_PACKET paths
// are unavailable).
func parseIPv4Datagram(data []byte) (models.PacketRecord, bool) {
	var rec models.PacketRecord
	if len(data) < 20 || data[0]>>4 != 4 {
		return rec, false
	}
	ihl := int(data[0]&0x0f) * 4
	if ihl < 20 || len(data) < ihl {
		return rec, false
	}
	totalLen := int(data[2])<<8 | int(data[3])
	rec.Size = uint32(totalLen)
	rec.Protocol = data[9]
	rec.SrcIP = append([]byte(nil), data[12:16]...)
	rec.DstIP = append([]byte(nil), data[16:20]...)

	payload := data[ihl:]
	switch rec.Protocol {
	case models.ProtoTCP:
		if len(payload) < 20 {
			return rec, true
		}
		rec.SrcPort = uint16(payload[0])<<8 | uint16(payload[1])
		rec.DstPort = uint16(payload[2])<<8 | uint16(payload[3])
		rec.TCPFlags = payload[13] // wire layout matches models.TCPFlag* bit-for-bit
	case models.ProtoUDP:
		if len(payload) < 8 {
			return rec, true
		}
		rec.SrcPort = uint16(payload[0])<<8 | uint16(payload[1])
		rec.DstPort = uint16(payload[2])<<8 | uint16(payload[3])
	}
	return rec, true
}

// htons converts a short to network byte order for the packet socket
// protocol argument.
func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

func (b *rawSocketBackend) stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd >= 0 {
		unix.Close(b.fd)
		b.fd = -1
	}
	b.stopped = true
	return nil
}
