package mgas

import (
	"github.com/s417-lama/massivethreads-dm/comm"
	"github.com/s417-lama/massivethreads-dm/gmt"
)

// Contiguous and strided access operations, all thin wrappers over the
// vector forms. Strided counts are in bytes: count[0] rows of count[1]
// bytes, rows separated by stride bytes.

// Localize returns a local buffer mirroring [mp, mp+size).
func (p *Proc) Localize(mp gmt.Ptr, size uint64, flags Flag, h *Handle) []byte {
	p.check(mp != gmt.Null, "localize of null ptr")
	mvs := []gmt.Vector{{MP: mp, Size: size}}
	return p.LocalizeV(mp, mvs, flags, h)
}

// Commit writes buf back to the owners of [mp, mp+size).
func (p *Proc) Commit(mp gmt.Ptr, buf []byte, size uint64) {
	p.check(mp != gmt.Null, "commit of null ptr")
	mvs := []gmt.Vector{{MP: mp, Size: size}}
	p.CommitV(mp, buf, mvs)
}

func stridedVectors(mp gmt.Ptr, stride uint64, count [2]uint64) []gmt.Vector {
	mvs := make([]gmt.Vector, count[0])
	for i := range mvs {
		mvs[i] = gmt.Vector{MP: mp + gmt.Ptr(stride*uint64(i)), Size: count[1]}
	}
	return mvs
}

// LocalizeS localizes count[0] rows of count[1] bytes, stride bytes
// apart, starting at mp.
func (p *Proc) LocalizeS(mp gmt.Ptr, stride uint64, count [2]uint64, flags Flag, h *Handle) []byte {
	return p.LocalizeV(mp, stridedVectors(mp, stride, count), flags, h)
}

// CommitS writes back a strided span localized from mp.
func (p *Proc) CommitS(mp gmt.Ptr, buf []byte, stride uint64, count [2]uint64) {
	p.CommitV(mp, buf, stridedVectors(mp, stride, count))
}

// Put copies buf into global memory at mp, bypassing the cache
// directory.
func (p *Proc) Put(mp gmt.Ptr, buf []byte) {
	p.check(mp != gmt.Null, "put to null ptr")
	if len(buf) == 0 {
		return
	}
	stage := p.ep.Alloc(len(buf))
	copy(stage, buf)

	p.giant.Lock()
	mvs := []gmt.Vector{{MP: mp, Size: uint64(len(buf))}}
	pairs := p.makePairsFromMvs(mvs, mp, comm.AddrOf(stage), uint64(len(stage)))
	p.copyV(pairs, accessPut)
	p.giant.Unlock()
}

// Get copies [mp, mp+len(buf)) into buf, bypassing the cache
// directory.
func (p *Proc) Get(buf []byte, mp gmt.Ptr) {
	p.check(mp != gmt.Null, "get from null ptr")
	if len(buf) == 0 {
		return
	}
	stage := p.ep.Alloc(len(buf))

	p.giant.Lock()
	mvs := []gmt.Vector{{MP: mp, Size: uint64(len(buf))}}
	pairs := p.makePairsFromMvs(mvs, mp, comm.AddrOf(stage), uint64(len(stage)))
	p.copyV(pairs, accessGet)
	p.giant.Unlock()

	copy(buf, stage)
}

// Set fills [mp, mp+size) with value.
func (p *Proc) Set(mp gmt.Ptr, value byte, size uint64) {
	buf := make([]byte, size)
	if value != 0 {
		for i := range buf {
			buf[i] = value
		}
	}
	p.Put(mp, buf)
}
