package stats

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// QueuePacketCounter reads the kernel-side per-queue packet counter,
// aggregated across CPU shards.
type QueuePacketCounter interface {
	QueuePackets(queue uint32) (uint64, error)
}

// Collector exposes the datapath counters and the kernel steering
// counters as Prometheus metrics, read live on every scrape.
type Collector struct {
	rec    *Record
	qc     QueuePacketCounter
	queues []uint32

	rxPackets *prometheus.Desc
	rxBytes   *prometheus.Desc
	txPackets *prometheus.Desc
	txBytes   *prometheus.Desc
	dropped   *prometheus.Desc

	steered *prometheus.Desc
}

// NewCollector builds a collector over the given record. qc may be nil
// when no kernel program is loaded; the per-queue metric is then
// omitted.
func NewCollector(rec *Record, qc QueuePacketCounter, queues []uint32) *Collector {
	return &Collector{
		rec:    rec,
		qc:     qc,
		queues: queues,
		rxPackets: prometheus.NewDesc("xnf_rx_packets_total",
			"Packets received from the RX ring.", nil, nil),
		rxBytes: prometheus.NewDesc("xnf_rx_bytes_total",
			"Bytes received from the RX ring.", nil, nil),
		txPackets: prometheus.NewDesc("xnf_tx_packets_total",
			"Packets submitted to the TX ring.", nil, nil),
		txBytes: prometheus.NewDesc("xnf_tx_bytes_total",
			"Bytes submitted to the TX ring.", nil, nil),
		dropped: prometheus.NewDesc("xnf_dropped_packets_total",
			"Packets dropped due to TX ring backpressure.", nil, nil),
		steered: prometheus.NewDesc("xnf_steered_packets_total",
			"Packets seen by the kernel steering decision, per queue.",
			[]string{"queue"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rxPackets
	ch <- c.rxBytes
	ch <- c.txPackets
	ch <- c.txBytes
	ch <- c.dropped
	if c.qc != nil {
		ch <- c.steered
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.rxPackets,
		prometheus.CounterValue, float64(c.rec.RxPackets.Load()))
	ch <- prometheus.MustNewConstMetric(c.rxBytes,
		prometheus.CounterValue, float64(c.rec.RxBytes.Load()))
	ch <- prometheus.MustNewConstMetric(c.txPackets,
		prometheus.CounterValue, float64(c.rec.TxPackets.Load()))
	ch <- prometheus.MustNewConstMetric(c.txBytes,
		prometheus.CounterValue, float64(c.rec.TxBytes.Load()))
	ch <- prometheus.MustNewConstMetric(c.dropped,
		prometheus.CounterValue, float64(c.rec.Dropped.Load()))

	if c.qc == nil {
		return
	}
	for _, q := range c.queues {
		n, err := c.qc.QueuePackets(q)
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.steered,
			prometheus.CounterValue, float64(n),
			strconv.FormatUint(uint64(q), 10))
	}
}
