// Package capture implements the Sniffer: packet acquisition from a network
// interface, normalisation into models.PacketRecord, and buffered hand-off
// to the flow builder.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gopacket/gopacket/pcap"

	"github.com/meedvfx/Network-Defense-System/internal/logging"
	"github.com/meedvfx/Network-Defense-System/internal/metrics"
	"github.com/meedvfx/Network-Defense-System/internal/models"
)

// BackendMode names the capture backend a Sniffer is currently using.
type BackendMode string

const (
	BackendPCAPFiltered   BackendMode = "pcap_bpf"
	BackendPCAPUnfiltered BackendMode = "pcap_no_bpf"
	BackendRawSocket      BackendMode = "raw_socket_l3"
	BackendAFPacket       BackendMode = "af_packet"
	BackendNone           BackendMode = "none"
)

// Config holds Sniffer configuration.
type Config struct {
	Interface   string // "auto" lets the platform choose
	BufferSize  int
	SnapLen     int
	Promiscuous bool
	BPFFilter   string
	// ExplicitMode, when non-empty, skips the fallback chain and always uses
	// the named backend (used for the optional accelerated AF_PACKET path).
	ExplicitMode BackendMode
}

// DefaultConfig returns a Config with the defaults named in the external
// interfaces table.
func DefaultConfig(iface string) *Config {
	if iface == "" {
		iface = "auto"
	}
	return &Config{
		Interface:   iface,
		BufferSize:  1000,
		SnapLen:     65535,
		Promiscuous: true,
		BPFFilter:   "ip",
	}
}

// backend is the minimal surface every capture mode implements.
type backend interface {
	start(ctx context.Context, onPacket func(models.PacketRecord)) error
	stop() error
}

// Status is the snapshot returned by Sniffer.Status().
type Status struct {
	Running         bool
	PacketsCaptured uint64
	BufferFill      int
	BufferCapacity  int
	OverflowCount   uint64
	CaptureErrors   uint64
	LastError       string
	Interface       string
	Mode            BackendMode
}

// Sniffer acquires packets from one interface and feeds a bounded buffer.
type Sniffer struct {
	mu      sync.RWMutex
	cfg     *Config
	buf     *RingBuffer
	running bool
	mode    BackendMode
	cancel  context.CancelFunc

	backend backend

	packetsCaptured uint64
	captureErrors   uint64
	lastError       string
	startTime       time.Time

	log *logging.Logger
}

// New constructs a Sniffer. The interface cannot be changed while running.
func New(cfg *Config) (*Sniffer, error) {
	if cfg == nil {
		return nil, errors.New("capture: config cannot be nil")
	}
	if cfg.Interface == "" {
		return nil, errors.New("capture: interface is required")
	}
	return &Sniffer{
		cfg:  cfg,
		buf:  NewRingBuffer(cfg.BufferSize),
		mode: BackendNone,
		log:  logging.CaptureLogger(),
	}, nil
}

// Buffer exposes the bounded ring buffer the FlowBuilder drains.
func (s *Sniffer) Buffer() *RingBuffer { return s.buf }

// ListInterfaces returns the names of interfaces available for capture.
func ListInterfaces() ([]string, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("capture: list interfaces: %w", err)
	}
	names := make([]string, 0, len(devs))
	for _, d := range devs {
		names = append(names, d.Name)
	}
	return names, nil
}

// SetInterface changes the target interface. Rejected while running.
func (s *Sniffer) SetInterface(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("capture: cannot change interface while running")
	}
	if name == "" {
		name = "auto"
	}
	s.cfg.Interface = name
	return nil
}

// Start begins packet capture, attempting the backend fallback chain unless
// an ExplicitMode was configured.
func (s *Sniffer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("capture: already running")
	}
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	s.buf.Reopen()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	onPacket := func(rec models.PacketRecord) {
		s.mu.Lock()
		s.packetsCaptured++
		s.mu.Unlock()
		metrics.PacketsReceived.Inc()
		metrics.BytesReceived.Add(float64(rec.Size))
		if dropped := s.buf.Push(rec); dropped {
			metrics.BufferOverflows.Inc()
		}
	}

	onError := func(err error) {
		s.mu.Lock()
		s.captureErrors++
		s.lastError = err.Error()
		s.mu.Unlock()
		metrics.CaptureErrors.Inc()
		s.log.Warn("capture read error", logging.Err(err))
	}

	if s.cfg.ExplicitMode != "" {
		b, mode, err := s.buildBackend(s.cfg.ExplicitMode, onError)
		if err != nil {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return err
		}
		if err := b.start(ctx, onPacket); err != nil {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return err
		}
		s.mu.Lock()
		s.backend, s.mode = b, mode
		s.mu.Unlock()
		return nil
	}

	// Capture-backend fallback: (a) BPF at L2, (b) no BPF at L2, (c) L3 raw
	// socket. Advance only on a setup/permission failure, never on a runtime
	// read error once a backend is running.
	chain := []BackendMode{BackendPCAPFiltered, BackendPCAPUnfiltered, BackendRawSocket}
	var lastErr error
	for _, mode := range chain {
		b, _, err := s.buildBackend(mode, onError)
		if err != nil {
			lastErr = err
			continue
		}
		if err := b.start(ctx, onPacket); err != nil {
			lastErr = err
			s.log.Warn("capture backend setup failed, falling back",
				logging.Err(err), "attempted_mode", string(mode))
			continue
		}
		s.mu.Lock()
		s.backend, s.mode = b, mode
		s.mu.Unlock()
		s.log.Info("capture started", "mode", string(mode), "interface", s.cfg.Interface)
		return nil
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return fmt.Errorf("capture: all backends failed, last error: %w", lastErr)
}

func (s *Sniffer) buildBackend(mode BackendMode, onError func(error)) (backend, BackendMode, error) {
	switch mode {
	case BackendPCAPFiltered:
		return newPCAPBackend(s.cfg, s.cfg.BPFFilter, onError), mode, nil
	case BackendPCAPUnfiltered:
		return newPCAPBackend(s.cfg, "", onError), mode, nil
	case BackendRawSocket:
		return newRawSocketBackend(s.cfg, onError), mode, nil
	case BackendAFPacket:
		return newAFPacketBackend(s.cfg, onError), mode, nil
	default:
		return nil, mode, fmt.Errorf("capture: unknown mode %q", mode)
	}
}

// Stop is idempotent and halts the active backend.
func (s *Sniffer) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	b := s.backend
	s.running = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.buf.Close()
	if b != nil {
		return b.stop()
	}
	return nil
}

// Status reports the Sniffer's current operational snapshot.
func (s *Sniffer) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Running:         s.running,
		PacketsCaptured: s.packetsCaptured,
		BufferFill:      s.buf.Fill(),
		BufferCapacity:  s.buf.Capacity(),
		OverflowCount:   s.buf.Overflow(),
		CaptureErrors:   s.captureErrors,
		LastError:       s.lastError,
		Interface:       s.cfg.Interface,
		Mode:            s.mode,
	}
}
