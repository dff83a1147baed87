//go:build linux

package afxdp

import "github.com/xnf-io/xnf/stats"

// Channel bundles the shared UMEM region, its four rings, the frame
// allocator and live statistics for one bound (interface, queue) pair.
//
// WARNING: Channel is not safe for concurrent use. It is owned by the
// single thread driving ProcessBatch; only the statistics record may
// be read from other threads.
type Channel struct {
	umem []byte

	rx   *descQueue
	tx   *descQueue
	fill *addrQueue
	comp *addrQueue

	frames *frameAllocator
	stats  *stats.Record

	batch         uint32
	outstandingTX uint32

	// kick signals the kernel to process the TX ring. It must not
	// block; EAGAIN-style backpressure is absorbed by the caller.
	kick func() error
}

// ProcessBatch runs one datapath iteration:
//
//  1. peek the RX ring, bounded by the batch size; zero ready is a no-op
//  2. refill the fill ring with as many free frames as it can take
//  3. bounce each received frame out the TX ring with the same address
//     and length; a full TX ring degrades to returning the frame to
//     the pool and counting a drop, never to an error
//  4. release the consumed RX descriptors
//  5. reclaim completed TX frames
//
// It returns the number of descriptors received. Backpressure never
// produces an error; only a failing TX kick does.
func (c *Channel) ProcessBatch() (int, error) {
	rcvd, idxRX := c.rx.peek(c.batch)
	if rcvd == 0 {
		return 0, nil
	}

	c.refill()

	for i := uint32(0); i < rcvd; i++ {
		d := c.rx.get(idxRX + i)
		c.stats.RxBytes.Add(uint64(d.Len))

		if !c.transmit(d.Addr, d.Len) {
			// TX ring full: the frame goes straight back to the
			// pool instead of leaking in limbo.
			c.frames.release(d.Addr)
			c.stats.Dropped.Add(1)
			continue
		}
		c.outstandingTX++
		c.stats.TxPackets.Add(1)
		c.stats.TxBytes.Add(uint64(d.Len))
	}

	c.rx.release(rcvd)
	c.stats.RxPackets.Add(uint64(rcvd))

	if err := c.completeTX(); err != nil {
		return int(rcvd), err
	}
	return int(rcvd), nil
}

// refill posts free frames on the fill ring so the kernel has buffers
// for the next batch. The request is capped at what both the ring and
// the pool can back; a partial grant is used as-is, never retried.
func (c *Channel) refill() {
	want := c.fill.freeSlots(c.frames.freeCount())
	if want == 0 {
		return
	}
	granted, idx := c.fill.reserve(want)
	for i := uint32(0); i < granted; i++ {
		// granted <= freeCount per the cap above; alloc cannot fail.
		addr, _ := c.frames.alloc()
		c.fill.set(idx+i, addr)
	}
	c.fill.submit(granted)
}

// transmit places the frame on the TX ring without copying the
// payload. Reports false when no slot could be reserved.
func (c *Channel) transmit(addr uint64, length uint32) bool {
	granted, idx := c.tx.reserve(1)
	if granted == 0 {
		return false
	}
	c.tx.set(idx, addr, length)
	c.tx.submit(1)
	return true
}

// completeTX kicks the kernel and drains up to one batch from the
// completion ring, returning reclaimed frames to the pool. Does
// nothing while no transmits are outstanding.
func (c *Channel) completeTX() error {
	if c.outstandingTX == 0 {
		return nil
	}
	if c.kick != nil {
		if err := c.kick(); err != nil {
			return err
		}
	}

	n, idx := c.comp.peek(c.batch)
	if n == 0 {
		return nil
	}
	for i := uint32(0); i < n; i++ {
		c.frames.release(c.comp.get(idx + i))
	}
	c.comp.release(n)

	if n < c.outstandingTX {
		c.outstandingTX -= n
	} else {
		c.outstandingTX = 0
	}
	return nil
}

// FreeFrames reports how many UMEM frames are currently in the pool.
func (c *Channel) FreeFrames() uint32 {
	return c.frames.freeCount()
}

// OutstandingTX reports how many frames are posted for transmit and
// not yet completed.
func (c *Channel) OutstandingTX() uint32 {
	return c.outstandingTX
}

// Stats returns the channel's live statistics record.
func (c *Channel) Stats() *stats.Record {
	return c.stats
}
