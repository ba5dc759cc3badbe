package rpc

// idAllocator hands out table ids, reusing released ones before growing.
// Reuse keeps tables dense; an id is unique among live entries, which is
// all the protocol requires.
type idAllocator struct {
	free []uint32
	next uint32
}

func (a *idAllocator) alloc() uint32 {
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		return id
	}
	id := a.next
	a.next++
	return id
}

func (a *idAllocator) release(id uint32) {
	a.free = append(a.free, id)
}
