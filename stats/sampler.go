package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xnf-io/xnf/ifacestat"
)

// Sampler periodically snapshots a Record and logs the computed rates.
// It only ever reads the record; the datapath thread keeps writing
// undisturbed.
type Sampler struct {
	rec      *Record
	interval time.Duration
	log      *slog.Logger

	// iface, when set, adds a NIC phy-counter line at debug level.
	iface   string
	lastPhy ifacestat.Counters

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StartSampler launches the sampling goroutine. iface may be empty to
// skip device counters.
func StartSampler(rec *Record, interval time.Duration, log *slog.Logger, iface string) *Sampler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	s := &Sampler{
		rec:      rec,
		interval: interval,
		log:      log,
		iface:    iface,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Stop terminates the sampler and waits for its goroutine to exit.
// Safe to call more than once.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
}

func (s *Sampler) run() {
	defer close(s.done)

	t := time.NewTicker(s.interval)
	defer t.Stop()

	prev := s.rec.Snapshot()
	if s.iface != "" {
		if phy, err := ifacestat.Snapshot(s.iface); err == nil {
			s.lastPhy = phy
		}
	}

	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
		}

		cur := s.rec.Snapshot()
		rates := cur.Since(prev)
		prev = cur

		s.log.Info("datapath",
			"rx_packets", cur.RxPackets,
			"tx_packets", cur.TxPackets,
			"dropped", cur.Dropped,
			"rx_pps", uint64(rates.RxPPS),
			"tx_pps", uint64(rates.TxPPS),
			"rx_mbps", rates.RxMbps,
			"tx_mbps", rates.TxMbps,
		)

		if s.iface != "" && s.log.Enabled(context.Background(), slog.LevelDebug) {
			phy, err := ifacestat.Snapshot(s.iface)
			if err != nil {
				s.log.Debug("reading phy counters", "iface", s.iface, "err", err)
				continue
			}
			diff := phy.Since(s.lastPhy)
			s.lastPhy = phy
			s.log.Debug("nic", "iface", s.iface, "delta", diff.String())
		}
	}
}
