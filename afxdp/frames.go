//go:build linux

package afxdp

// frameAllocator is a stack-based pool of free UMEM frame addresses.
// Exactly one thread (the one driving the channel's datapath) may
// touch it; no locking.
//
// A frame address is in exactly one place at any time: this stack, the
// fill ring, the RX path between peek and transmit/release, the TX
// ring, or the completion ring. release does not verify that; a double
// release silently corrupts the pool, so every call site must uphold
// the ownership handoff.
type frameAllocator struct {
	stack []uint64
	top   uint32
}

func newFrameAllocator(numFrames, frameSize uint32) *frameAllocator {
	stack := make([]uint64, numFrames)
	for i := range stack {
		stack[i] = uint64(i) * uint64(frameSize)
	}
	return &frameAllocator{stack: stack, top: numFrames}
}

// alloc pops a free frame address. ok is false when the pool is
// exhausted; callers treat that as backpressure, not a fault.
func (a *frameAllocator) alloc() (addr uint64, ok bool) {
	if a.top == 0 {
		return 0, false
	}
	a.top--
	return a.stack[a.top], true
}

// release pushes addr back onto the free stack. addr must not already
// be free and must not be referenced by any ring.
func (a *frameAllocator) release(addr uint64) {
	a.stack[a.top] = addr
	a.top++
}

func (a *frameAllocator) freeCount() uint32 {
	return a.top
}
