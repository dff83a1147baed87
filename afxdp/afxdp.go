//go:build linux

// Package afxdp implements the zero-copy AF_XDP datapath: a shared
// UMEM packet pool, the four descriptor rings connecting it to the
// kernel, and the bounce processing that operates on them.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: raw packets delivered from the NIC to userspace.
//   - TX ring: descriptors userspace hands to the NIC for transmit.
//   - Fill ring: UMEM frames userspace posts for the kernel to receive into.
//   - Completion ring: transmitted UMEM frames returned by the kernel.
//
// A Socket binds one (interface, queue) pair; the kernel-side steering
// program (see Program) decides per packet whether it is diverted into
// the socket's RX ring or passed on to the regular network stack.
package afxdp

import "errors"

var (
	ErrXSKSMapNotFound  = errors.New("xsks_map not found in BPF object")
	ErrStatsMapNotFound = errors.New("xdp_stats_map not found in BPF object")
	ErrProgNotFound     = errors.New("XDP program not found in BPF object")
	ErrProgClosed       = errors.New("steering program is closed")
	ErrRingRegionEmpty  = errors.New("ring region is empty")
	ErrNotPowerOfTwo    = errors.New("size must be a power of two")
)

const (
	DefaultNumFrames = 4096
	DefaultFrameSize = 4096
	DefaultRingSize  = 2048
	DefaultBatchSize = 64 // RX batch per datapath iteration

	// DefaultProgName is the section name of the steering program
	// inside the BPF object file.
	DefaultProgName = "xdp_steer"

	// MaxQueues bounds the steering table; it must match max_entries
	// of xsks_map and xdp_stats_map in the kernel object.
	MaxQueues = 64
)

// SocketConfig controls UMEM sizing, ring capacities and bind behavior
// for one AF_XDP socket.
type SocketConfig struct {
	// Ifindex is the Linux interface index to bind to.
	Ifindex int
	// QueueID identifies the NIC RX/TX queue to bind to.
	QueueID uint32
	// NumFrames is the total number of UMEM frames allocated.
	// Must be a power of two.
	NumFrames uint32
	// FrameSize defines the size of each UMEM frame in bytes.
	FrameSize uint32
	// RxSize sets the number of descriptors in the RX ring.
	RxSize uint32
	// TxSize sets the number of descriptors in the TX ring.
	TxSize uint32
	// FillSize sets the number of entries in the fill ring.
	FillSize uint32
	// CqSize sets the number of entries in the completion ring.
	CqSize uint32
	// BatchSize bounds RX and completion processing per iteration.
	BatchSize uint32
	// ZeroCopy requests a zero-copy bind. If the queue does not
	// support it the socket falls back to copy mode.
	ZeroCopy bool
}

func (c *SocketConfig) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.RxSize == 0 {
		c.RxSize = DefaultRingSize
	}
	if c.TxSize == 0 {
		c.TxSize = DefaultRingSize
	}
	if c.FillSize == 0 {
		c.FillSize = DefaultRingSize
	}
	if c.CqSize == 0 {
		c.CqSize = DefaultRingSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	for _, v := range []uint32{
		c.NumFrames, c.RxSize, c.TxSize, c.FillSize, c.CqSize,
	} {
		if v&(v-1) != 0 {
			return ErrNotPowerOfTwo
		}
	}
	return nil
}
