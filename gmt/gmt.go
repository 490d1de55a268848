package gmt

import (
	"github.com/s417-lama/massivethreads-dm/internal/spin"
)

// A GMT maps global pointers to page entries for one process. It holds
// the shared-local object directory (two-level, grown on first
// reference) and the distributed object directory (flat entry arrays,
// one per object, sized at allocation).
//
// Page buffers come from the alloc hook so they land in transport-
// registered memory.
type GMT struct {
	me     uint32
	nprocs uint32
	poll   func()
	alloc  func(int) []byte

	slocalLock spin.RWLock
	slocal     *slocalDir

	distLock spin.RWLock
	dist     distDir
}

// New creates an empty table for a process.
func New(me, nprocs uint32, poll func(), alloc func(int) []byte) *GMT {
	g := &GMT{me: me, nprocs: nprocs, poll: poll, alloc: alloc}
	g.slocalLock.Init(poll)
	g.distLock.Init(poll)
	g.slocal = newSlocalDir(nprocs, poll)
	g.dist.init()
	return g
}

// Nprocs returns the peer count the table was built for.
func (g *GMT) Nprocs() uint32 { return g.nprocs }

/*
 * shared-local object directory
 */

type slocalDir struct {
	poll    func()
	free    idPool
	objects [][]*Entry // objects[pid][id]
}

func newSlocalDir(nprocs uint32, poll func()) *slocalDir {
	d := &slocalDir{poll: poll}
	d.free.get() // id 0 is reserved
	d.objects = make([][]*Entry, nprocs)
	for i := range d.objects {
		d.objects[i] = make([]*Entry, 1024)
	}
	return d
}

func ceilPow2(n uint64) uint64 {
	v := uint64(1)
	for v < n {
		v <<= 1
	}
	return v
}

func (d *slocalDir) findEntry(pid uint32, id uint64) *Entry {
	objs := d.objects[pid]
	if id >= uint64(len(objs)) {
		grown := make([]*Entry, ceilPow2(id+1))
		copy(grown, objs)
		d.objects[pid] = grown
		objs = grown
	}
	if objs[id] == nil {
		objs[id] = newEntry(d.poll)
	}
	return objs[id]
}

/*
 * distributed object directory
 */

type distObj struct {
	valid    bool
	blocks   []*Entry
	dist     Dist
	cachedir *CacheDir
}

type distDir struct {
	objects []distObj
	free    idPool
}

func (d *distDir) init() {
	d.objects = make([]distObj, 16)
}

func (d *distDir) obj(id uint64) *distObj {
	if id >= uint64(len(d.objects)) {
		grown := make([]distObj, ceilPow2(id+1))
		copy(grown, d.objects)
		d.objects = grown
	}
	return &d.objects[id]
}

/*
 * table operations
 */

// FindEntry returns the entry for the page containing mp, creating it
// on first reference.
func (g *GMT) FindEntry(mp Ptr) *Entry {
	assert(mp >= MinPtr, "gmt: find of invalid ptr")
	if mp.IsSlocal() {
		g.slocalLock.RLock()
		e := g.slocal.findEntry(mp.SlocalHome(), mp.SlocalID())
		g.slocalLock.RUnlock()
		return e
	}
	obj := g.distObj(mp)
	blockID := obj.dist.BlockID(mp.DistOffset())
	assert(blockID < uint64(len(obj.blocks)), "gmt: block outside object")
	if obj.blocks[blockID] == nil {
		obj.blocks[blockID] = newEntry(g.poll)
	}
	return obj.blocks[blockID]
}

func (g *GMT) distObj(mp Ptr) *distObj {
	g.distLock.RLock()
	obj := g.dist.obj(mp.DistID())
	g.distLock.RUnlock()
	assert(obj.valid, "gmt: access to unallocated dist object")
	return obj
}

// AllocSlocal draws a fresh shared-local id homed on this process. The
// page is created immediately owned with a zeroed buffer of size
// bytes.
func (g *GMT) AllocSlocal(size uint64) Ptr {
	g.slocalLock.WLock()
	id := g.slocal.free.get()
	assert(id <= MaxSlocals, "gmt: out of shared-local ids")
	e := g.slocal.findEntry(g.me, id)
	g.slocalLock.WUnlock()
	e.ResetAndTouch(size, g.me, g.alloc(int(size)))
	return MakeSlocal(g.me, id, 0)
}

// FreeSlocal returns a shared-local id homed here to the pool.
func (g *GMT) FreeSlocal(mp Ptr) {
	assert(mp.IsSlocal(), "gmt: FreeSlocal of dist ptr")
	assert(mp.SlocalHome() == g.me, "gmt: FreeSlocal of remote ptr")
	g.slocalLock.WLock()
	g.slocal.free.put(mp.SlocalID())
	g.slocalLock.WUnlock()
}

// AllocDist draws a distributed object id. Only pid 0 issues ids; the
// result is broadcast and every process installs the descriptor with
// ValidateDist.
func (g *GMT) AllocDist() Ptr {
	assert(g.me == 0, "gmt: AllocDist away from pid 0")
	g.distLock.WLock()
	id := g.dist.free.get()
	g.distLock.WUnlock()
	return MakeDist(id, 0)
}

// ValidateDist installs the distribution descriptor for mp and creates
// the entries of blocks homed on this process, owned with zeroed
// buffers.
func (g *GMT) ValidateDist(mp Ptr, d Dist) {
	assert(mp.IsDist(), "gmt: ValidateDist of slocal ptr")
	n := d.NumBlocks()
	blocks := make([]*Entry, n)
	blockLen := d.BlockLen()
	for i := uint64(0); i < n; i++ {
		if d.HomeOf(i, g.nprocs) == g.me {
			e := newEntry(g.poll)
			e.ResetAndTouch(blockLen, g.me, g.alloc(int(blockLen)))
			blocks[i] = e
		}
	}
	g.distLock.WLock()
	obj := g.dist.obj(mp.DistID())
	obj.valid = true
	obj.blocks = blocks
	obj.dist = d
	obj.cachedir = newCacheDir(g.poll)
	g.distLock.WUnlock()
}

// InvalidateDist drops the descriptor and all local entries of mp's
// object.
func (g *GMT) InvalidateDist(mp Ptr) {
	g.distLock.WLock()
	obj := g.dist.obj(mp.DistID())
	obj.valid = false
	obj.blocks = nil
	obj.cachedir = nil
	g.distLock.WUnlock()
}

// FreeDist returns a distributed id to the pool on pid 0.
func (g *GMT) FreeDist(mp Ptr) {
	assert(mp.IsDist(), "gmt: FreeDist of slocal ptr")
	assert(g.me == 0, "gmt: FreeDist away from pid 0")
	g.distLock.WLock()
	g.dist.free.put(mp.DistID())
	g.distLock.WUnlock()
}

// Home returns the process holding mp's owner directory.
func (g *GMT) Home(mp Ptr) uint32 {
	if mp.IsSlocal() {
		return mp.SlocalHome()
	}
	obj := g.distObj(mp)
	return obj.dist.Home(mp.DistOffset(), g.nprocs)
}

// BlockBase returns the pointer to the first byte of mp's page.
func (g *GMT) BlockBase(mp Ptr) Ptr {
	if mp.IsSlocal() {
		return mp.SlocalBase()
	}
	obj := g.distObj(mp)
	return MakeDist(mp.DistID(), obj.dist.BlockBase(mp.DistOffset()))
}

// BlockOffset returns mp's byte position within its page buffer.
func (g *GMT) BlockOffset(mp Ptr) uint64 {
	if mp.IsSlocal() {
		return mp.SlocalOffset()
	}
	obj := g.distObj(mp)
	return obj.dist.BlockOffset(mp.DistOffset())
}

// BlockLen returns the byte size of mp's page.
func (g *GMT) BlockLen(mp Ptr) uint64 {
	assert(mp.IsDist(), "gmt: BlockLen of slocal ptr")
	obj := g.distObj(mp)
	return obj.dist.BlockLen()
}

// RowLen returns the byte size of one contiguous row of mp's object.
// For shared-local objects this is the whole allocation.
func (g *GMT) RowLen(mp Ptr) uint64 {
	if mp.IsSlocal() {
		return g.FindEntry(mp).BlockSize()
	}
	obj := g.distObj(mp)
	return obj.dist.RowLen()
}

// Dist returns mp's distribution descriptor.
func (g *GMT) Dist(mp Ptr) *Dist {
	obj := g.distObj(mp)
	return &obj.dist
}

// Cachedir returns the cache directory of mp's object.
func (g *GMT) Cachedir(mp Ptr) *CacheDir {
	obj := g.distObj(mp)
	return obj.cachedir
}

// Owned reports whether this process holds mp's page.
func (g *GMT) Owned(mp Ptr) bool {
	return g.FindEntry(mp).PageValid()
}

/*
 * id pool
 */

type idPool struct {
	next uint64
	free []uint64
}

func (p *idPool) get() uint64 {
	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		return id
	}
	id := p.next
	p.next++
	return id
}

func (p *idPool) put(id uint64) {
	if id == p.next-1 {
		p.next--
		return
	}
	p.free = append(p.free, id)
}
