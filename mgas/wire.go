package mgas

import (
	"encoding/binary"

	"github.com/s417-lama/massivethreads-dm/gmt"
)

// Wire format of the DSM protocol messages. Every message starts with
//
//	tag       u8
//	initiator u32
//	target    u32
//
// followed by a tag-specific body and an optional variable part. All
// fields are little-endian. Local references that must round-trip
// through a remote peer (join counters, result buffers, reply
// arguments) travel as u64 pin tokens of the initiating endpoint.
const (
	tagAlloc = iota + 1
	tagAllocRes
	tagFree
	tagOwnerReq
	tagOwnerRes
	tagOwnerChange
	tagDataReq
	tagDataRes
	tagRMWReq
	tagRMWRes
	tagAMReq
)

// A pair binds one global span to one local span, the unit of the copy
// protocol. addr is the wire address of the local bytes.
type pair struct {
	mp   gmt.Ptr
	addr uint64
	size uint64
}

// An ownerResult is the home's answer for one page.
type ownerResult struct {
	owner     uint32
	blockSize uint64
}

type wbuf struct {
	b []byte
}

func (w *wbuf) u8(v uint8)   { w.b = append(w.b, v) }
func (w *wbuf) u32(v uint32) { w.b = binary.LittleEndian.AppendUint32(w.b, v) }
func (w *wbuf) u64(v uint64) { w.b = binary.LittleEndian.AppendUint64(w.b, v) }
func (w *wbuf) bytes(p []byte) {
	w.b = append(w.b, p...)
}

func (w *wbuf) header(tag uint8, initiator, target uint32) {
	w.u8(tag)
	w.u32(initiator)
	w.u32(target)
}

type rbuf struct {
	b   []byte
	off int
}

func (r *rbuf) u8() uint8 {
	v := r.b[r.off]
	r.off++
	return v
}

func (r *rbuf) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *rbuf) u64() uint64 {
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *rbuf) bytes(n int) []byte {
	v := r.b[r.off : r.off+n]
	r.off += n
	return v
}

func (r *rbuf) header() (tag uint8, initiator, target uint32) {
	return r.u8(), r.u32(), r.u32()
}

func (w *wbuf) pairs(ps []pair) {
	w.u64(uint64(len(ps)))
	for _, p := range ps {
		w.u64(uint64(p.mp))
		w.u64(p.addr)
		w.u64(p.size)
	}
}

func (r *rbuf) pairs() []pair {
	n := r.u64()
	ps := make([]pair, n)
	for i := range ps {
		ps[i].mp = gmt.Ptr(r.u64())
		ps[i].addr = r.u64()
		ps[i].size = r.u64()
	}
	return ps
}

func (w *wbuf) ptrs(mps []gmt.Ptr) {
	w.u64(uint64(len(mps)))
	for _, mp := range mps {
		w.u64(uint64(mp))
	}
}

func (r *rbuf) ptrs() []gmt.Ptr {
	n := r.u64()
	mps := make([]gmt.Ptr, n)
	for i := range mps {
		mps[i] = gmt.Ptr(r.u64())
	}
	return mps
}
