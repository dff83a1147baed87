//go:build linux

package afxdp

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
)

// AttachMode selects how the steering program is attached to the
// interface.
type AttachMode int

const (
	// AttachAuto lets the kernel pick the best available mode.
	AttachAuto AttachMode = iota
	// AttachNative requests driver-mode XDP (required for zero-copy).
	AttachNative
	// AttachGeneric requests SKB-mode XDP, which works on any driver
	// at the cost of a copy.
	AttachGeneric
)

func (m AttachMode) String() string {
	switch m {
	case AttachNative:
		return "native"
	case AttachGeneric:
		return "generic"
	}
	return "auto"
}

// Program owns the kernel-side steering decision: the XDP program plus
// the two maps it shares with userspace. xsks_map steers packets by
// ingress queue into a registered socket; xdp_stats_map counts packets
// per queue with one shard per CPU.
type Program struct {
	coll   *ebpf.Collection
	link   link.Link
	xsks   *ebpf.Map
	qstats *ebpf.Map
	prog   *ebpf.Program
}

// LoadProgram loads the steering object file from disk and resolves
// the program and its maps. Nothing is attached yet.
func LoadProgram(objPath, progName string) (*Program, error) {
	if progName == "" {
		progName = DefaultProgName
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("loading BPF object %q: %w", objPath, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("creating BPF collection: %w", err)
	}

	prog := coll.Programs[progName]
	if prog == nil {
		coll.Close()
		return nil, fmt.Errorf("%q: %w", progName, ErrProgNotFound)
	}
	xsks := coll.Maps["xsks_map"]
	if xsks == nil {
		coll.Close()
		return nil, ErrXSKSMapNotFound
	}
	qstats := coll.Maps["xdp_stats_map"]
	if qstats == nil {
		coll.Close()
		return nil, ErrStatsMapNotFound
	}

	return &Program{
		coll:   coll,
		xsks:   xsks,
		qstats: qstats,
		prog:   prog,
	}, nil
}

// Attach binds the steering program to the interface. Detaching
// happens in Close.
func (p *Program) Attach(ifindex int, mode AttachMode) error {
	opts := link.XDPOptions{
		Program:   p.prog,
		Interface: ifindex,
	}
	switch mode {
	case AttachNative:
		opts.Flags = link.XDPDriverMode
	case AttachGeneric:
		opts.Flags = link.XDPGenericMode
	}

	l, err := link.AttachXDP(opts)
	if err != nil {
		return fmt.Errorf("attaching XDP (%s): %w", mode, err)
	}
	p.link = l
	return nil
}

// Register inserts the socket into the steering table for the given
// queue, so the kernel decision diverts that queue's packets into it.
// Entries are not individually revocable; they are released with the
// map at Close.
func (p *Program) Register(queue uint32, fd int) error {
	if p.xsks == nil {
		return ErrProgClosed
	}
	if queue >= MaxQueues {
		return fmt.Errorf("queue %d out of steering table range [0,%d)", queue, MaxQueues)
	}
	if err := p.xsks.Update(queue, uint32(fd), ebpf.UpdateAny); err != nil {
		return fmt.Errorf("updating xsks_map[%d]: %w", queue, err)
	}
	return nil
}

// QueuePackets reads the per-queue packet counter, summing the per-CPU
// shards. The kernel side never aggregates; that is this read path's
// job. A scraper may race Close, so a released map reports an error
// instead of dereferencing nil.
func (p *Program) QueuePackets(queue uint32) (uint64, error) {
	if p.qstats == nil {
		return 0, ErrProgClosed
	}
	var perCPU []uint32
	if err := p.qstats.Lookup(queue, &perCPU); err != nil {
		return 0, fmt.Errorf("looking up xdp_stats_map[%d]: %w", queue, err)
	}
	var total uint64
	for _, v := range perCPU {
		total += uint64(v)
	}
	return total, nil
}

// Close detaches the program from the interface and releases the eBPF
// resources. Safe to call more than once.
func (p *Program) Close() error {
	var errs []error
	if p.link != nil {
		if err := p.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		p.link = nil
	}
	if p.coll != nil {
		p.coll.Close()
		p.coll = nil
		p.xsks, p.qstats, p.prog = nil, nil, nil
	}
	return errors.Join(errs...)
}
