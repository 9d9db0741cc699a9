package wsmux

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// portSpaceBits bounds the number of ports one endpoint can have open at
// once. Each endpoint owns half of the 32-bit space (clients odd, servers
// even); we track a 2^20-entry window of it, which is far more simultaneous
// flows than a single carrier can usefully sustain.
const portSpaceBits = 20

// portAllocator hands out local port numbers with the parity assigned to
// this endpoint's role, guaranteeing no two live flows share a port. A
// rotating cursor delays reuse of recently freed ports.
type portAllocator struct {
	mu     sync.Mutex
	used   *bitset.BitSet
	cursor uint
	parity uint32
	size   uint
}

func newPortAllocator(role Role) *portAllocator {
	size := uint(1) << portSpaceBits
	a := &portAllocator{
		used:   bitset.New(size),
		size:   size,
		parity: 0,
	}
	if role == RoleClient {
		a.parity = 1
	} else {
		// index 0 would map to port 0, which the protocol reserves
		a.used.Set(0)
	}
	return a
}

// portFor maps a bitmap index to the wire port number.
func (a *portAllocator) portFor(index uint) uint32 {
	return uint32(index)<<1 | a.parity
}

// indexFor maps a wire port number to a bitmap index; ok is false if the
// port is not one this allocator could have issued.
func (a *portAllocator) indexFor(port uint32) (uint, bool) {
	if port&1 != a.parity {
		return 0, false
	}
	index := uint(port >> 1)
	if index >= a.size {
		return 0, false
	}
	return index, true
}

// alloc returns an unused local port, or ErrPortExhausted when every slot in
// the window is live.
func (a *portAllocator) alloc() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	index, ok := a.used.NextClear(a.cursor)
	if !ok || index >= a.size {
		// wrap and rescan from the bottom
		index, ok = a.used.NextClear(0)
		if !ok || index >= a.size {
			return 0, ErrPortExhausted
		}
	}
	a.used.Set(index)
	a.cursor = index + 1
	if a.cursor >= a.size {
		a.cursor = 0
	}
	return a.portFor(index), nil
}

// free releases a port previously returned by alloc. Releasing a port that
// was never allocated is a no-op.
func (a *portAllocator) free(port uint32) {
	if port == 0 {
		return
	}
	index, ok := a.indexFor(port)
	if !ok {
		return
	}
	a.mu.Lock()
	a.used.Clear(index)
	a.mu.Unlock()
}

// inUse reports whether port is currently allocated.
func (a *portAllocator) inUse(port uint32) bool {
	index, ok := a.indexFor(port)
	if !ok {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used.Test(index)
}
