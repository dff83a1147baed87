// Package stats holds the live datapath counters and the sampling
// machinery that turns them into rates and metrics.
package stats

import (
	"sync/atomic"
	"time"
)

// Record is the set of live datapath counters for one channel. All
// counters increase monotonically. The thread driving the datapath is
// the only writer; samplers and collectors only read. A multi-field
// read is not a consistent snapshot, which is acceptable for rate
// display over monotonic values.
type Record struct {
	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64
	TxPackets atomic.Uint64
	TxBytes   atomic.Uint64
	Dropped   atomic.Uint64
}

// Snapshot is a point-in-time copy of a Record.
type Snapshot struct {
	Timestamp time.Time
	RxPackets uint64
	RxBytes   uint64
	TxPackets uint64
	TxBytes   uint64
	Dropped   uint64
}

// Snapshot copies the counters with a timestamp.
func (r *Record) Snapshot() Snapshot {
	return Snapshot{
		Timestamp: time.Now(),
		RxPackets: r.RxPackets.Load(),
		RxBytes:   r.RxBytes.Load(),
		TxPackets: r.TxPackets.Load(),
		TxBytes:   r.TxBytes.Load(),
		Dropped:   r.Dropped.Load(),
	}
}

// Rates are the deltas between two snapshots normalized over their
// interval.
type Rates struct {
	Interval time.Duration

	RxPackets uint64
	TxPackets uint64
	Dropped   uint64

	RxPPS  float64
	TxPPS  float64
	RxMbps float64
	TxMbps float64
}

// Since computes the rates between prev and s. A non-positive interval
// is clamped to one second, mirroring how a first sample with a zero
// previous timestamp should read as a plain delta.
func (s Snapshot) Since(prev Snapshot) Rates {
	interval := s.Timestamp.Sub(prev.Timestamp)
	if interval <= 0 {
		interval = time.Second
	}
	secs := interval.Seconds()

	dRxP := s.RxPackets - prev.RxPackets
	dTxP := s.TxPackets - prev.TxPackets

	return Rates{
		Interval:  interval,
		RxPackets: dRxP,
		TxPackets: dTxP,
		Dropped:   s.Dropped - prev.Dropped,
		RxPPS:     float64(dRxP) / secs,
		TxPPS:     float64(dTxP) / secs,
		RxMbps:    float64((s.RxBytes-prev.RxBytes)*8) / secs / 1e6,
		TxMbps:    float64((s.TxBytes-prev.TxBytes)*8) / secs / 1e6,
	}
}
