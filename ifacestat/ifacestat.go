// Package ifacestat reads NIC hardware counters via ethtool -S.
package ifacestat

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Counters are the physical-port counters reported by the NIC driver.
// They count what the hardware saw, independent of what the datapath
// processed.
type Counters struct {
	RxPackets uint64
	RxBytes   uint64
	TxPackets uint64
	TxBytes   uint64
}

// Snapshot runs ethtool -S on the interface and extracts the phy
// counters.
func Snapshot(iface string) (Counters, error) {
	out, err := exec.Command("ethtool", "-S", iface).Output()
	if err != nil {
		return Counters{}, fmt.Errorf("ethtool -S %s: %w", iface, err)
	}
	return parse(bytes.NewReader(out))
}

// Since computes c - prev, counter by counter.
func (c Counters) Since(prev Counters) Counters {
	return Counters{
		RxPackets: c.RxPackets - prev.RxPackets,
		RxBytes:   c.RxBytes - prev.RxBytes,
		TxPackets: c.TxPackets - prev.TxPackets,
		TxBytes:   c.TxBytes - prev.TxBytes,
	}
}

func (c Counters) String() string {
	return fmt.Sprintf("rx=%s pkts/%s tx=%s pkts/%s",
		humanize.Comma(int64(c.RxPackets)), humanize.IBytes(c.RxBytes),
		humanize.Comma(int64(c.TxPackets)), humanize.IBytes(c.TxBytes),
	)
}

// parse scans ethtool -S output ("    name: value" lines) for the phy
// counters. Missing counters stay zero; some drivers expose only a
// subset.
func parse(r io.Reader) (Counters, error) {
	var c Counters
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		name, valStr, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok {
			continue
		}
		val, err := strconv.ParseUint(strings.TrimSpace(valStr), 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSpace(name) {
		case "rx_packets_phy":
			c.RxPackets = val
		case "rx_bytes_phy":
			c.RxBytes = val
		case "tx_packets_phy":
			c.TxPackets = val
		case "tx_bytes_phy":
			c.TxBytes = val
		}
	}
	if err := sc.Err(); err != nil {
		return Counters{}, err
	}
	return c, nil
}
