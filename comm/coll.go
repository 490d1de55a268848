package comm

import (
	"encoding/binary"
	"sync/atomic"
)

// Collectives. All peers must issue collective calls in the same
// order. Rendezvous is a sense-reversing barrier over two shared
// words; data movement goes through a per-peer slot array published
// between two barriers.

// BarrierNotify records this peer's arrival at the current barrier.
func (e *Endpoint) BarrierNotify() {
	c := e.c
	e.barArrived = atomic.LoadUint64(&c.barGen)
	if atomic.AddUint64(&c.barCount, 1) == uint64(c.n) {
		atomic.StoreUint64(&c.barCount, 0)
		atomic.AddUint64(&c.barGen, 1)
	}
}

// BarrierTry reports whether the barrier this peer arrived at has
// completed.
func (e *Endpoint) BarrierTry() bool {
	return atomic.LoadUint64(&e.c.barGen) != e.barArrived
}

// Barrier blocks until all peers arrive, polling while it waits.
func (e *Endpoint) Barrier() {
	e.BarrierNotify()
	for !e.BarrierTry() {
		e.Poll()
	}
}

// publish places v in this peer's collective slot and returns the
// whole slot array once every peer has published. The trailing barrier
// keeps the slots stable until everyone has read them.
func (e *Endpoint) publish(v uint64) []uint64 {
	c := e.c
	c.collSlot[e.pid] = v
	e.Barrier()
	out := make([]uint64, c.n)
	copy(out, c.collSlot)
	e.Barrier()
	return out
}

// Broadcast copies root's buffer into every peer's buffer. All buffers
// must be registered and of equal length.
func (e *Endpoint) Broadcast(b []byte, root uint32) {
	var addr uint64
	if len(b) > 0 && e.pid == root {
		addr = AddrOf(b)
	}
	addrs := e.publish(addr)
	if e.pid != root && len(b) > 0 {
		e.Get(b, addrs[root], root)
	}
	e.Barrier()
}

// Gather concatenates every peer's src into root's dst in pid order.
func (e *Endpoint) Gather(dst, src []byte, root uint32) {
	var addr uint64
	if len(src) > 0 {
		addr = AddrOf(src)
	}
	addrs := e.publish(addr)
	if e.pid == root {
		for p := uint32(0); p < e.c.n; p++ {
			e.Get(dst[int(p)*len(src):int(p+1)*len(src)], addrs[p], p)
		}
	}
	e.Barrier()
}

// ReduceLong sums every peer's src element-wise into root's dst.
func (e *Endpoint) ReduceLong(dst, src []int64, root uint32) {
	if len(src) == 0 {
		e.Barrier()
		return
	}
	buf := e.Alloc(len(src) * 8)
	for i, v := range src {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
	}
	addrs := e.publish(AddrOf(buf))
	if e.pid == root {
		tmp := make([]byte, len(src)*8)
		for i := range dst {
			dst[i] = 0
		}
		for p := uint32(0); p < e.c.n; p++ {
			e.Get(tmp, addrs[p], p)
			for i := range dst {
				dst[i] += int64(binary.LittleEndian.Uint64(tmp[i*8:]))
			}
		}
	}
	e.Barrier()
}

// SharedAlloc collectively allocates one registered buffer of n bytes
// on every peer and returns the per-peer base addresses, indexed by
// pid. All peers can then address base[p]+off through Put/Get targeted
// at p.
func (e *Endpoint) SharedAlloc(n int) []uint64 {
	b := e.Alloc(n)
	return e.publish(AddrOf(b))
}
