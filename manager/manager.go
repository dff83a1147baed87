//go:build linux

// Package manager orchestrates the datapath lifecycle: steering
// program attach, channel construction and registration, the polling
// loop with its shutdown conditions, and teardown.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/xnf-io/xnf/afxdp"
	"github.com/xnf-io/xnf/stats"
)

// ErrNotReady is returned by Run when Setup has not completed.
var ErrNotReady = errors.New("manager is not set up")

// pollTimeoutMS bounds the readiness wait in poll mode so shutdown is
// re-checked periodically even with no traffic.
const pollTimeoutMS = 1000

// Config is the configuration surface the core consumes. It is
// produced by the CLI layer in cmd/xnfd.
type Config struct {
	// Interface is the network interface to manage.
	Interface string
	// Queue is the ingress queue index to bind and steer.
	Queue uint32
	// Mode selects the XDP attach mode.
	Mode afxdp.AttachMode
	// ZeroCopy requests a zero-copy socket bind.
	ZeroCopy bool
	// PollMode makes the loop wait on socket readiness instead of
	// busy-waiting.
	PollMode bool

	NumFrames uint32
	FrameSize uint32
	RxRing    uint32
	TxRing    uint32
	FillRing  uint32
	CompRing  uint32
	Batch     uint32

	// ProgPath is the steering BPF object file; ProgName the program
	// inside it.
	ProgPath string
	ProgName string

	// StatsInterval enables the sampling thread when positive.
	StatsInterval time.Duration
	// TimeToLive shuts the loop down after the given duration. Zero
	// means no limit.
	TimeToLive time.Duration
	// PacketLimit shuts the loop down once at least this many packets
	// were received. Zero means no limit.
	PacketLimit uint64

	// Congestion watermarks, carried for forward compatibility; no
	// control path consults them yet.
	HighWatermark float64
	LowWatermark  float64
}

// datapath is the slice of the socket the loop drives. Split out so
// the loop is testable without a kernel peer.
type datapath interface {
	ProcessBatch() (int, error)
	Wait(timeoutMS int) error
}

// Manager walks the engine through setup, run and teardown.
type Manager struct {
	cfg Config
	log *slog.Logger

	rec     *stats.Record
	prog    *afxdp.Program
	sock    *afxdp.Socket
	dp      datapath
	sampler *stats.Sampler
}

func New(cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg: cfg,
		log: log,
		rec: &stats.Record{},
	}
}

// Setup advances from configured to channel-ready: resolve the
// interface, attach the steering program, build the channel and
// register it in the steering table. Any failure unwinds the resources
// acquired so far before returning.
func (m *Manager) Setup() error {
	lnk, err := netlink.LinkByName(m.cfg.Interface)
	if err != nil {
		return fmt.Errorf("resolving interface %q: %w", m.cfg.Interface, err)
	}
	attrs := lnk.Attrs()
	if attrs.OperState == netlink.OperDown {
		m.log.Warn("interface is down", "iface", m.cfg.Interface)
	}

	// UMEM registration locks pages; kernels without cgroup memory
	// accounting for BPF still enforce RLIMIT_MEMLOCK.
	rlim := unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}
	if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &rlim); err != nil {
		return fmt.Errorf("raising RLIMIT_MEMLOCK: %w", err)
	}

	prog, err := afxdp.LoadProgram(m.cfg.ProgPath, m.cfg.ProgName)
	if err != nil {
		return fmt.Errorf("loading steering program: %w", err)
	}
	m.prog = prog

	if err := prog.Attach(attrs.Index, m.cfg.Mode); err != nil {
		_ = m.Teardown()
		return fmt.Errorf("attaching steering program to %q: %w", m.cfg.Interface, err)
	}
	m.log.Info("steering program attached",
		"iface", m.cfg.Interface, "ifindex", attrs.Index, "mode", m.cfg.Mode.String())

	sock, err := afxdp.Open(afxdp.SocketConfig{
		Ifindex:   attrs.Index,
		QueueID:   m.cfg.Queue,
		NumFrames: m.cfg.NumFrames,
		FrameSize: m.cfg.FrameSize,
		RxSize:    m.cfg.RxRing,
		TxSize:    m.cfg.TxRing,
		FillSize:  m.cfg.FillRing,
		CqSize:    m.cfg.CompRing,
		BatchSize: m.cfg.Batch,
		ZeroCopy:  m.cfg.ZeroCopy,
	}, m.rec)
	if err != nil {
		_ = m.Teardown()
		return fmt.Errorf("opening channel on %s:%d: %w", m.cfg.Interface, m.cfg.Queue, err)
	}
	m.sock = sock
	m.dp = sock

	if err := prog.Register(m.cfg.Queue, sock.FD()); err != nil {
		_ = m.Teardown()
		return fmt.Errorf("registering channel in steering table: %w", err)
	}

	poolBytes := uint64(m.cfg.NumFrames) * uint64(m.cfg.FrameSize)
	if poolBytes == 0 {
		poolBytes = uint64(afxdp.DefaultNumFrames) * uint64(afxdp.DefaultFrameSize)
	}
	m.log.Info("channel ready",
		"iface", m.cfg.Interface,
		"queue", m.cfg.Queue,
		"zerocopy", sock.IsZerocopy(),
		"pool", humanize.IBytes(poolBytes),
		"free_frames", sock.FreeFrames(),
	)
	return nil
}

// Run drives the datapath loop until ctx is cancelled, the time limit
// elapses or the packet limit is reached. The in-flight iteration
// always completes before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	if m.dp == nil {
		return ErrNotReady
	}

	if m.cfg.StatsInterval > 0 {
		m.sampler = stats.StartSampler(m.rec, m.cfg.StatsInterval, m.log, m.cfg.Interface)
		defer func() {
			m.sampler.Stop()
			m.sampler = nil
		}()
	}

	var deadline time.Time
	if m.cfg.TimeToLive > 0 {
		deadline = time.Now().Add(m.cfg.TimeToLive)
	}

	m.log.Info("entering datapath loop",
		"poll", m.cfg.PollMode,
		"ttl", m.cfg.TimeToLive,
		"packet_limit", m.cfg.PacketLimit,
	)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("shutdown signal observed")
			return nil
		default:
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			m.log.Info("time limit reached", "ttl", m.cfg.TimeToLive)
			return nil
		}

		if m.cfg.PollMode {
			if err := m.dp.Wait(pollTimeoutMS); err != nil {
				return fmt.Errorf("waiting for channel readiness: %w", err)
			}
		}

		if _, err := m.dp.ProcessBatch(); err != nil {
			return fmt.Errorf("processing batch: %w", err)
		}

		if m.cfg.PacketLimit > 0 && m.rec.RxPackets.Load() >= m.cfg.PacketLimit {
			m.log.Info("packet limit reached",
				"limit", m.cfg.PacketLimit, "received", m.rec.RxPackets.Load())
			return nil
		}
	}
}

// Teardown releases all resources the manager acquired. It is
// idempotent and safe to call on a partially set up manager: each
// resource is released only if present.
func (m *Manager) Teardown() error {
	var errs []error

	if m.sampler != nil {
		m.sampler.Stop()
		m.sampler = nil
	}
	if m.sock != nil {
		if err := m.sock.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing channel: %w", err))
		}
		m.sock = nil
		m.dp = nil
	}
	if m.prog != nil {
		if err := m.prog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("detaching steering program: %w", err))
		}
		m.prog = nil
	}
	return errors.Join(errs...)
}

// Record returns the live statistics record, for samplers and metric
// collectors.
func (m *Manager) Record() *stats.Record {
	return m.rec
}

// Stats returns a point-in-time snapshot of the datapath counters.
func (m *Manager) Stats() stats.Snapshot {
	return m.rec.Snapshot()
}

// Program exposes the steering program for kernel counter reads. Nil
// before Setup and after Teardown.
func (m *Manager) Program() *afxdp.Program {
	return m.prog
}
