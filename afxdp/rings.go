//go:build linux

package afxdp

import (
	"sync/atomic"
	"unsafe"
)

// The ring queues below are single-producer/single-consumer structures
// shared with the kernel. One side of each ring is driven by the
// kernel, the other by exactly one userspace thread. Producer and
// consumer index words live inside the shared region; descriptor
// contents are only written between reserve and submit, and only read
// between peek and release.
//
// Cached index copies avoid an atomic load per operation: the shared
// word is only re-read when the cache runs dry, and only the owned
// index word is ever stored.

// ringOffsets mirrors struct xdp_ring_offset from linux/if_xdp.h.
type ringOffsets struct {
	producer uint64
	consumer uint64
	desc     uint64
	flags    uint64
}

// mmapOffsets mirrors struct xdp_mmap_offsets from linux/if_xdp.h.
type mmapOffsets struct {
	rx ringOffsets
	tx ringOffsets
	fr ringOffsets
	cr ringOffsets
}

// desc mirrors struct xdp_desc from linux/if_xdp.h: a frame offset
// into UMEM plus the packet length.
type desc struct {
	Addr uint64
	Len  uint32
	opts uint32
}

// descQueue is a descriptor ring (RX or TX). Which method set is valid
// depends on the role: reserve/set/submit on the producer side (TX),
// peek/get/release on the consumer side (RX).
type descQueue struct {
	size  uint32
	mask  uint32
	prod  *uint32
	cons  *uint32
	descs []desc

	cachedProd uint32
	cachedCons uint32
	// committed trails cachedProd: slots in between are reserved but
	// not yet visible to the kernel.
	committed uint32
}

// addrQueue is a UMEM address ring (fill or completion). Entries are
// raw frame offsets, no length.
type addrQueue struct {
	size  uint32
	mask  uint32
	prod  *uint32
	cons  *uint32
	addrs []uint64

	cachedProd uint32
	cachedCons uint32
	committed  uint32
}

// newDescQueue builds a descriptor ring over a kernel-shared region.
// For producer rings the cached consumer is kept one full ring ahead
// so that free capacity is simply cachedCons-cachedProd.
func newDescQueue(region []byte, off ringOffsets, size uint32, producer bool) (*descQueue, error) {
	if len(region) == 0 {
		return nil, ErrRingRegionEmpty
	}
	if size == 0 || size&(size-1) != 0 {
		return nil, ErrNotPowerOfTwo
	}
	base := unsafe.Pointer(&region[0])
	q := &descQueue{
		size:  size,
		mask:  size - 1,
		prod:  (*uint32)(unsafe.Add(base, off.producer)),
		cons:  (*uint32)(unsafe.Add(base, off.consumer)),
		descs: unsafe.Slice((*desc)(unsafe.Add(base, off.desc)), size),
	}
	q.cachedProd = atomic.LoadUint32(q.prod)
	q.committed = q.cachedProd
	q.cachedCons = atomic.LoadUint32(q.cons)
	if producer {
		q.cachedCons += size
	}
	return q, nil
}

func newAddrQueue(region []byte, off ringOffsets, size uint32, producer bool) (*addrQueue, error) {
	if len(region) == 0 {
		return nil, ErrRingRegionEmpty
	}
	if size == 0 || size&(size-1) != 0 {
		return nil, ErrNotPowerOfTwo
	}
	base := unsafe.Pointer(&region[0])
	q := &addrQueue{
		size:  size,
		mask:  size - 1,
		prod:  (*uint32)(unsafe.Add(base, off.producer)),
		cons:  (*uint32)(unsafe.Add(base, off.consumer)),
		addrs: unsafe.Slice((*uint64)(unsafe.Add(base, off.desc)), size),
	}
	q.cachedProd = atomic.LoadUint32(q.prod)
	q.committed = q.cachedProd
	q.cachedCons = atomic.LoadUint32(q.cons)
	if producer {
		q.cachedCons += size
	}
	return q, nil
}

/*---- Producer side ----*/

// reserve grants up to n descriptor slots starting at idx. The grant
// may be smaller than the request when the ring is nearly full; it is
// never retried internally.
func (q *descQueue) reserve(n uint32) (granted, idx uint32) {
	free := q.cachedCons - q.cachedProd
	if free < n {
		q.cachedCons = atomic.LoadUint32(q.cons) + q.size
		free = q.cachedCons - q.cachedProd
	}
	granted = min(n, free)
	idx = q.cachedProd
	q.cachedProd += granted
	return granted, idx
}

// set writes the descriptor at a reserved slot. Valid only between
// reserve and submit.
func (q *descQueue) set(idx uint32, addr uint64, length uint32) {
	d := &q.descs[idx&q.mask]
	d.Addr = addr
	d.Len = length
	d.opts = 0
}

// submit publishes the next n reserved descriptors to the kernel.
func (q *descQueue) submit(n uint32) {
	q.committed += n
	atomic.StoreUint32(q.prod, q.committed)
}

func (q *addrQueue) reserve(n uint32) (granted, idx uint32) {
	free := q.cachedCons - q.cachedProd
	if free < n {
		q.cachedCons = atomic.LoadUint32(q.cons) + q.size
		free = q.cachedCons - q.cachedProd
	}
	granted = min(n, free)
	idx = q.cachedProd
	q.cachedProd += granted
	return granted, idx
}

func (q *addrQueue) set(idx uint32, addr uint64) {
	q.addrs[idx&q.mask] = addr
}

func (q *addrQueue) submit(n uint32) {
	q.committed += n
	atomic.StoreUint32(q.prod, q.committed)
}

// freeSlots reports the producer capacity currently available, capped
// at max, without reserving anything.
func (q *addrQueue) freeSlots(max uint32) uint32 {
	free := q.cachedCons - q.cachedProd
	if free < max {
		q.cachedCons = atomic.LoadUint32(q.cons) + q.size
		free = q.cachedCons - q.cachedProd
	}
	return min(free, max)
}

/*---- Consumer side ----*/

// peek reports how many descriptors are ready to consume, up to max,
// and the index of the first. It does not consume anything.
func (q *descQueue) peek(max uint32) (n, idx uint32) {
	avail := q.cachedProd - q.cachedCons
	if avail == 0 {
		q.cachedProd = atomic.LoadUint32(q.prod)
		avail = q.cachedProd - q.cachedCons
	}
	return min(avail, max), q.cachedCons
}

// get reads the descriptor at idx. Valid only between peek and release.
func (q *descQueue) get(idx uint32) desc {
	return q.descs[idx&q.mask]
}

// release returns n consumed slots to the kernel.
func (q *descQueue) release(n uint32) {
	q.cachedCons += n
	atomic.StoreUint32(q.cons, q.cachedCons)
}

func (q *addrQueue) peek(max uint32) (n, idx uint32) {
	avail := q.cachedProd - q.cachedCons
	if avail == 0 {
		q.cachedProd = atomic.LoadUint32(q.prod)
		avail = q.cachedProd - q.cachedCons
	}
	return min(avail, max), q.cachedCons
}

func (q *addrQueue) get(idx uint32) uint64 {
	return q.addrs[idx&q.mask]
}

func (q *addrQueue) release(n uint32) {
	q.cachedCons += n
	atomic.StoreUint32(q.cons, q.cachedCons)
}
