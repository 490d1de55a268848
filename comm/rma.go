package comm

import (
	"sync/atomic"
	"unsafe"
)

// Registered memory. Remote memory operations address registered
// buffers by their real address packed into a u64, which is what the
// wire format carries. Registration keeps the buffer heap-resident and
// reachable so the address stays valid for the life of the cluster.

// Alloc returns a registered buffer of n bytes.
func (e *Endpoint) Alloc(n int) []byte {
	b := make([]byte, n)
	c := e.c
	c.memMu.Lock()
	c.mem = append(c.mem, b)
	c.memMu.Unlock()
	return b
}

// AddrOf returns the wire address of a registered buffer.
func AddrOf(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func deref(addr uint64, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}

func derefWord(addr uint64) *uint64 {
	if addr&7 != 0 {
		panic("comm: misaligned word address")
	}
	return (*uint64)(unsafe.Pointer(uintptr(addr)))
}

// Put copies src into the registered memory of target at dst. Two puts
// issued by one worker to the same target land in issue order.
func (e *Endpoint) Put(dst uint64, src []byte, target uint32) {
	copy(deref(dst, len(src)), src)
}

// Get copies len(dst) bytes from the registered memory of target at
// src.
func (e *Endpoint) Get(dst []byte, src uint64, target uint32) {
	copy(dst, deref(src, len(dst)))
}

// PutValue stores a single machine word with release ordering against
// later FetchAndAdd on the same location.
func (e *Endpoint) PutValue(addr uint64, v uint64, target uint32) {
	atomic.StoreUint64(derefWord(addr), v)
}

// GetValue loads a single machine word with acquire ordering.
func (e *Endpoint) GetValue(addr uint64, target uint32) uint64 {
	return atomic.LoadUint64(derefWord(addr))
}

// FetchAndAdd atomically adds delta to the word at addr on target and
// returns the previous value.
func (e *Endpoint) FetchAndAdd(addr uint64, delta uint64, target uint32) uint64 {
	return atomic.AddUint64(derefWord(addr), delta) - delta
}

// Vectored transfers. The packed variant stages the scattered source
// into one contiguous buffer before the copy, trading an extra memcpy
// for a single bulk transfer; the direct variant issues one transfer
// per element. Both orderings are per-target FIFO either way.

// MemVec names one span of local or remote memory.
type MemVec struct {
	Addr uint64
	Size uint64
}

// PutV copies local spans out to remote spans on target, pairwise. The
// total sizes of both vectors must match.
func (e *Endpoint) PutV(dst []MemVec, src []MemVec, target uint32, packed bool) {
	if packed {
		copyVPacked(dst, src)
		return
	}
	copyVDirect(dst, src)
}

// GetV copies remote spans on target into local spans, pairwise.
func (e *Endpoint) GetV(dst []MemVec, src []MemVec, target uint32, packed bool) {
	if packed {
		copyVPacked(dst, src)
		return
	}
	copyVDirect(dst, src)
}

func copyVDirect(dst, src []MemVec) {
	di, do := 0, uint64(0)
	for _, s := range src {
		sb := deref(s.Addr, int(s.Size))
		for len(sb) > 0 {
			d := dst[di]
			n := uint64(len(sb))
			if rest := d.Size - do; n > rest {
				n = rest
			}
			copy(deref(d.Addr+do, int(n)), sb[:n])
			sb = sb[n:]
			do += n
			if do == d.Size {
				di++
				do = 0
			}
		}
	}
}

func copyVPacked(dst, src []MemVec) {
	var total uint64
	for _, s := range src {
		total += s.Size
	}
	stage := make([]byte, total)
	off := 0
	for _, s := range src {
		copy(stage[off:], deref(s.Addr, int(s.Size)))
		off += int(s.Size)
	}
	off = 0
	for _, d := range dst {
		copy(deref(d.Addr, int(d.Size)), stage[off:off+int(d.Size)])
		off += int(d.Size)
	}
}
