package mgas

import (
	"sort"

	"github.com/s417-lama/massivethreads-dm/comm"
	"github.com/s417-lama/massivethreads-dm/gmt"
)

// Access flags for localize.
type Flag uint32

const (
	// RO reuses an existing cache when one covers the request.
	RO Flag = 1 << iota
	// RWE is read/write exclusive: cached data is used without
	// refresh, like RO, but the caller intends to commit.
	RWE
	// RWS is read/write shared: a covering cache is refreshed from
	// the owners before it is returned.
	RWS
	// Own additionally migrates the touched pages so this process
	// becomes their owner.
	Own
)

// A Handle tracks the caches a task acquired, in localize order.
// Unlocalize releases them LIFO.
type Handle struct {
	locals []*gmt.Cache
}

func (h *Handle) push(c *gmt.Cache) {
	h.locals = append(h.locals, c)
}

func (h *Handle) pop() *gmt.Cache {
	n := len(h.locals)
	if n == 0 {
		return nil
	}
	c := h.locals[n-1]
	h.locals = h.locals[:n-1]
	return c
}

// uniqueBlockPtrs maps mvs to the sorted unique list of block base
// pointers they touch.
func (p *Proc) uniqueBlockPtrs(mvs []gmt.Vector) []gmt.Ptr {
	var blocks []gmt.Ptr
	it := p.gmt.NewVecIter(mvs)
	for {
		mp, _, ok := it.Next()
		if !ok {
			break
		}
		blocks = append(blocks, p.gmt.BlockBase(mp))
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })
	uniq := blocks[:0]
	for i, b := range blocks {
		if i == 0 || b != blocks[i-1] {
			uniq = append(uniq, b)
		}
	}
	return uniq
}

// makePairsFromMvs maps row segments of mvs to spans of a local
// buffer whose first byte mirrors mpBase.
func (p *Proc) makePairsFromMvs(mvs []gmt.Vector, mpBase gmt.Ptr, bufAddr uint64, bufSize uint64) []pair {
	var pairs []pair
	it := p.gmt.NewVecIter(mvs)
	for {
		mp, size, ok := it.Next()
		if !ok {
			break
		}
		off := uint64(mp - mpBase)
		if bufSize > 0 {
			p.check(off < bufSize && off+size <= bufSize, "pair outside buffer")
		}
		pairs = append(pairs, pair{mp: mp, addr: bufAddr + off, size: size})
	}
	return pairs
}

// makePairsFromBlocks expands whole blocks into per-row pairs against
// a cache buffer based at mpBase.
func (p *Proc) makePairsFromBlocks(blocks []gmt.Ptr, mpBase gmt.Ptr, bufAddr uint64, bufSize uint64) []pair {
	if len(blocks) == 0 {
		return nil
	}
	d := p.gmt.Dist(blocks[0])
	mp0 := mpBase.DistBase()
	rowLen := d.RowLen()

	var pairs []pair
	for _, mp := range blocks {
		last := d.BlockLastPtr(mp)
		for mp < last {
			off := uint64(mp - mpBase)
			p.check(off < bufSize && off+rowLen <= bufSize, "row outside cache")
			pairs = append(pairs, pair{mp: mp, addr: bufAddr + off, size: rowLen})
			mp = mp0 + gmt.Ptr(d.NextBlockRowBase(mp.DistOffset()))
		}
	}
	return pairs
}

// cacheV returns a cache covering mvs, reusing a registered record
// when its block list contains the request. A reused record is
// returned as is unless update is set, in which case it is refreshed
// from the owners.
func (p *Proc) cacheV(mvs []gmt.Vector, update bool) *gmt.Cache {
	p.giant.Lock()
	defer p.giant.Unlock()

	dir := p.gmt.Cachedir(mvs[0].MP)
	blocks := p.uniqueBlockPtrs(mvs)

	cache := dir.Find(blocks)
	cached := cache != nil
	if cached {
		// take the reference before any data movement: an active
		// message arriving mid-copy may drop the last reference of a
		// sibling handle
		if !cache.TryIncr() {
			cached = false
		}
	}

	if cached && !update {
		p.prof.add(profCacheHit, 0)
		return cache
	}
	p.prof.add(profCacheMiss, 0)

	base := blocks[0]
	d := p.gmt.Dist(base)
	last := d.BlockLastPtr(blocks[len(blocks)-1])

	if !cached {
		size := uint64(last - base)
		buf := p.ep.Alloc(int(size))
		cache = gmt.NewCacheRecord(buf, base, blocks, dir)
	}

	bufAddr := comm.AddrOf(cache.Buf())
	pairs := p.makePairsFromBlocks(blocks, cache.Base(), bufAddr, uint64(len(cache.Buf())))
	p.copyV(pairs, accessGet)

	if !cached {
		dir.Register(cache)
	}
	return cache
}

// LocalizeV returns a local pointer mirroring mp inside a single
// cache that covers the union of blocks mvs touches.
func (p *Proc) LocalizeV(mp gmt.Ptr, mvs []gmt.Vector, flags Flag, h *Handle) []byte {
	if len(mvs) == 0 {
		return nil
	}
	p.prof.add(profLocalize, totalVecSize(mvs))
	p.check(mp != gmt.Null, "localize of null ptr")
	p.check(mp.IsDist(), "localize of shared-local ptr")

	if flags&Own != 0 {
		p.OwnV(mvs)
	}

	var update bool
	switch {
	case flags&(RO|RWE) != 0:
		update = false
	case flags&RWS != 0:
		update = true
	default:
		p.throw(ErrPrecondition, "localize without access flags")
	}

	cache := p.cacheV(mvs, update)
	h.push(cache)

	base := cache.Base()
	p.check(base <= mp, "localize ptr below cache base")
	offset := uint64(mp - base)
	p.check(offset < uint64(len(cache.Buf())), "localize ptr beyond cache")

	p.ep.Poll()
	return cache.Buf()[offset:]
}

func totalVecSize(mvs []gmt.Vector) uint64 {
	var n uint64
	for _, mv := range mvs {
		n += mv.Size
	}
	return n
}

// CommitV writes the local buffer buf back to the owners of the spans in
// mvs. buf's first byte corresponds to mp.
func (p *Proc) CommitV(mp gmt.Ptr, buf []byte, mvs []gmt.Vector) {
	if len(mvs) == 0 {
		return
	}
	p.prof.add(profCommit, totalVecSize(mvs))

	p.giant.Lock()
	pairs := p.makePairsFromMvs(mvs, mp, comm.AddrOf(buf), 0)
	p.copyV(pairs, accessPut)
	p.giant.Unlock()

	p.ep.Poll()
}

// Unlocalize releases every cache h acquired, in reverse localize
// order.
func (p *Proc) Unlocalize(h *Handle) {
	p.prof.add(profUnlocalize, 0)
	p.check(h != nil, "unlocalize of nil handle")

	p.giant.Lock()
	for {
		c := h.pop()
		if c == nil {
			break
		}
		c.Decr()
	}
	p.giant.Unlock()
}
