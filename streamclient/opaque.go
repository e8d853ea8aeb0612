package streamclient

import "sync"

// opaqueAllocator hands out monotonically increasing request ids that wrap
// to zero at 1<<width, the wire-level cap on request-id distinctness named
// in §6 Configuration's opaque-width option.
type opaqueAllocator struct {
	mu   sync.Mutex
	next uint32
	mask uint32
}

func newOpaqueAllocator(width uint) *opaqueAllocator {
	if width == 0 || width > 32 {
		width = 32
	}
	var mask uint32
	if width == 32 {
		mask = 0xffffffff
	} else {
		mask = (uint32(1) << width) - 1
	}
	return &opaqueAllocator{mask: mask}
}

func (a *opaqueAllocator) alloc() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next = (a.next + 1) & a.mask
	return id
}
