//go:build linux

package afxdp

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/xnf-io/xnf/stats"
)

/*---- Kernel structs ----*/

// sockaddr_xdp is defined in linux/if_xdp.h.
type sockaddr_xdp struct {
	Family       uint16
	Flags        uint16
	Ifindex      uint32
	QueueID      uint32
	SharedUmemFD uint32
}

// xdp_umem_reg is defined in linux/if_xdp.h.
type xdp_umem_reg struct {
	Addr      uint64
	Len       uint64
	ChunkSize uint32
	Headroom  uint32
}

func rawBind(fd int, sa *sockaddr_xdp) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd),
		uintptr(unsafe.Pointer(sa)),
		unsafe.Sizeof(*sa),
	)
	if e != 0 {
		return e
	}
	return nil
}

func setsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(level),
		uintptr(name),
		uintptr(val),
		uintptr(unsafe.Pointer(&l)),
		0,
	)
	if e != 0 {
		return e
	}
	return nil
}

// mmapRing maps one of the RX/TX/fill/completion rings of the socket.
func mmapRing(fd int, length uintptr, offset uintptr) ([]byte, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		0,
		length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE,
		uintptr(fd),
		offset,
	)
	if errno != 0 {
		return nil, errno
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), nil
}

// mmapUmem maps an anonymous, page-aligned region for the UMEM pool.
func mmapUmem(length uintptr) ([]byte, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		0,
		length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		return nil, errno
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length), nil
}

var zeroBuf []byte

// wakeupTx notifies the kernel that new TX descriptors are ready.
// AF_XDP interprets a zero-length sendto() as a doorbell to process
// the TX ring. Required when XDP_USE_NEED_WAKEUP is set.
func wakeupTx(fd int) error {
	err := unix.Sendto(fd, zeroBuf, unix.MSG_DONTWAIT, nil)
	if err == unix.EAGAIN || err == unix.EBUSY {
		// Non-fatal backpressure; the next kick retries.
		return nil
	}
	return err
}

// Socket is an AF_XDP socket bound to one (interface, queue) pair. It
// owns the channel built on the socket's shared memory.
//
// WARNING: Socket is not safe for concurrent use.
type Socket struct {
	*Channel

	conf       SocketConfig
	fd         int
	isZerocopy bool

	rxRegion   []byte
	txRegion   []byte
	fillRegion []byte
	compRegion []byte
}

// Open creates and initializes an AF_XDP socket: it allocates the
// UMEM pool, maps and builds the four rings, pre-populates the fill
// ring from the frame pool and binds to the configured queue. The
// caller still has to register the socket in the steering table (see
// Program.Register) before the kernel diverts packets to it.
//
// rec is the statistics record the channel updates; it may be shared
// with a sampling reader. On failure every resource acquired so far is
// released.
func Open(conf SocketConfig, rec *stats.Record) (*Socket, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &stats.Record{}
	}

	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}

	s := &Socket{conf: conf, fd: fd}
	fail := func(err error) (*Socket, error) {
		_ = s.Close()
		return nil, err
	}

	// UMEM registration.
	umemLen := uintptr(conf.NumFrames) * uintptr(conf.FrameSize)
	umem, err := mmapUmem(umemLen)
	if err != nil {
		return fail(fmt.Errorf("mmap UMEM: %w", err))
	}

	reg := xdp_umem_reg{
		Addr:      uint64(uintptr(unsafe.Pointer(&umem[0]))),
		Len:       uint64(len(umem)),
		ChunkSize: conf.FrameSize,
		Headroom:  0,
	}
	if err := setsockopt(
		fd, unix.SOL_XDP, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg),
	); err != nil {
		unix.Munmap(umem)
		return fail(fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err))
	}

	// Ring sizes.
	for _, o := range []struct {
		opt  int
		size uint32
	}{
		{unix.XDP_UMEM_FILL_RING, conf.FillSize},
		{unix.XDP_UMEM_COMPLETION_RING, conf.CqSize},
		{unix.XDP_RX_RING, conf.RxSize},
		{unix.XDP_TX_RING, conf.TxSize},
	} {
		size := o.size
		if err := setsockopt(
			fd, unix.SOL_XDP, o.opt,
			unsafe.Pointer(&size), unsafe.Sizeof(size),
		); err != nil {
			unix.Munmap(umem)
			return fail(fmt.Errorf("setsockopt ring size (opt %d): %w", o.opt, err))
		}
	}

	// Query mmap offsets for all rings.
	var offs mmapOffsets
	if err := getsockopt(
		fd, unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&offs), unsafe.Sizeof(offs),
	); err != nil {
		unix.Munmap(umem)
		return fail(fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err))
	}

	descSize := unsafe.Sizeof(desc{})
	addrSize := unsafe.Sizeof(uint64(0))

	rxLen := uintptr(offs.rx.desc) + uintptr(conf.RxSize)*descSize
	txLen := uintptr(offs.tx.desc) + uintptr(conf.TxSize)*descSize
	fillLen := uintptr(offs.fr.desc) + uintptr(conf.FillSize)*addrSize
	compLen := uintptr(offs.cr.desc) + uintptr(conf.CqSize)*addrSize

	regions := []struct {
		dst    *[]byte
		length uintptr
		offset uintptr
		name   string
	}{
		{&s.rxRegion, rxLen, unix.XDP_PGOFF_RX_RING, "RX"},
		{&s.txRegion, txLen, unix.XDP_PGOFF_TX_RING, "TX"},
		{&s.fillRegion, fillLen, unix.XDP_UMEM_PGOFF_FILL_RING, "fill"},
		{&s.compRegion, compLen, unix.XDP_UMEM_PGOFF_COMPLETION_RING, "completion"},
	}
	for _, r := range regions {
		region, err := mmapRing(fd, r.length, r.offset)
		if err != nil {
			unix.Munmap(umem)
			return fail(fmt.Errorf("mmap %s ring: %w", r.name, err))
		}
		*r.dst = region
	}

	rxQ, err := newDescQueue(s.rxRegion, offs.rx, conf.RxSize, false)
	if err != nil {
		unix.Munmap(umem)
		return fail(fmt.Errorf("making RX queue: %w", err))
	}
	txQ, err := newDescQueue(s.txRegion, offs.tx, conf.TxSize, true)
	if err != nil {
		unix.Munmap(umem)
		return fail(fmt.Errorf("making TX queue: %w", err))
	}
	fillQ, err := newAddrQueue(s.fillRegion, offs.fr, conf.FillSize, true)
	if err != nil {
		unix.Munmap(umem)
		return fail(fmt.Errorf("making fill queue: %w", err))
	}
	compQ, err := newAddrQueue(s.compRegion, offs.cr, conf.CqSize, false)
	if err != nil {
		unix.Munmap(umem)
		return fail(fmt.Errorf("making completion queue: %w", err))
	}

	s.Channel = &Channel{
		umem:   umem,
		rx:     rxQ,
		tx:     txQ,
		fill:   fillQ,
		comp:   compQ,
		frames: newFrameAllocator(conf.NumFrames, conf.FrameSize),
		stats:  rec,
		batch:  conf.BatchSize,
		kick:   func() error { return wakeupTx(fd) },
	}

	// Pre-populate the fill ring so the kernel has frames to receive
	// into immediately. Frames move out of the pool here; the pool,
	// the rings and the RX path together always account for exactly
	// NumFrames.
	s.Channel.refill()

	// Bind to iface:queue.
	sa := &sockaddr_xdp{
		Family:  unix.AF_XDP,
		Ifindex: uint32(conf.Ifindex),
		QueueID: conf.QueueID,
	}
	zerocopy := conf.ZeroCopy
	if zerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
	} else {
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
	}

	err = rawBind(fd, sa)
	if err != nil && zerocopy {
		// The queue may not support zero-copy; fall back to copy mode.
		if errno, ok := err.(unix.Errno); ok && errno == unix.EPROTONOSUPPORT {
			sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
			zerocopy = false
			err = rawBind(fd, sa)
		}
	}
	if err != nil {
		return fail(fmt.Errorf("binding socket: %w", err))
	}
	s.isZerocopy = zerocopy

	return s, nil
}

// FD returns the socket file descriptor, as registered in the
// steering table.
func (s *Socket) FD() int { return s.fd }

// IsZerocopy reports whether the socket bound in zero-copy mode. May
// be false even when requested because the queue can lack support, in
// which case the bind fell back to copy mode.
func (s *Socket) IsZerocopy() bool { return s.isZerocopy }

// Wait blocks until the socket becomes readable or the timeout
// expires. Returns nil in both cases; a non-nil error only signals a
// real system call failure.
func (s *Socket) Wait(timeoutMS int) error {
	for {
		_, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(s.fd),
			Events: unix.POLLIN,
		}}, timeoutMS)
		if err == nil {
			return nil
		}
		if err == unix.EINTR {
			// Signals (profilers, timers, SIGCHLD) are not errors.
			continue
		}
		return err
	}
}

// Close releases the socket, its ring mappings and the UMEM pool.
// Safe to call more than once and on a partially constructed socket.
func (s *Socket) Close() error {
	var errs []error

	if s.fd != 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		s.fd = 0
	}

	for _, region := range []*[]byte{
		&s.rxRegion, &s.txRegion, &s.fillRegion, &s.compRegion,
	} {
		if *region != nil {
			if err := unix.Munmap(*region); err != nil {
				errs = append(errs, err)
			}
			*region = nil
		}
	}

	if s.Channel != nil && s.Channel.umem != nil {
		if err := unix.Munmap(s.Channel.umem); err != nil {
			errs = append(errs, err)
		}
		s.Channel.umem = nil
	}

	return errors.Join(errs...)
}
