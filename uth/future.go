package uth

import (
	"encoding/binary"

	"github.com/s417-lama/massivethreads-dm/comm"
)

// The distributed future pool. Every process owns a symmetric buffer
// of synchronization cells; a future handle is the cell's byte offset
// in its home's buffer plus the home pid. Cell layout:
//
//	off 0  done  u64
//	off 8  value (FutSize bytes)
//
// Ids recycle through per-size-class free lists on the home, fed by a
// remote return pool that consumers of remote futures push finished
// ids into.

// A Future is a single-producer, single-consumer synchronization cell.
type Future struct {
	ID   int64
	Pid  uint32
	Size uint32 // value bytes
}

// InvalidFuture is the handle that names no cell. The zero Future is
// not invalid: it names cell 0 on pid 0.
var InvalidFuture = Future{ID: -1, Pid: ^uint32(0)}

// Valid reports whether f names a cell.
func (f Future) Valid() bool { return f.ID >= 0 && f.Pid != ^uint32(0) }

const (
	cellHeader   = 8
	maxClassBits = 48
)

// classOf returns ceil(log2(size)).
func classOf(size uint64) uint {
	c := uint(0)
	for uint64(1)<<c < size {
		c++
	}
	return c
}

type futurePool struct {
	ep      *comm.Endpoint
	bufSize int64
	ptr     int64
	bufs    []uint64 // per-peer cell buffer bases
	ids     [maxClassBits][]int64
	retpool *distPool
}

// retpool entries are (id, class size) pairs, 16 bytes on the wire.
const retEntrySize = 16

func (fp *futurePool) init(ep *comm.Endpoint, bufSize, retpoolSize int) {
	fp.ep = ep
	fp.bufSize = int64(bufSize)
	fp.ptr = 0
	fp.bufs = ep.SharedAlloc(bufSize)
	fp.retpool = newDistPool(ep, retEntrySize, retpoolSize)
}

// moveBackReturnedIDs drains the local return pool into the free
// lists.
func (fp *futurePool) moveBackReturnedIDs() {
	fp.retpool.beginPopLocal()
	var buf [retEntrySize]byte
	for fp.retpool.popLocal(buf[:]) {
		id := int64(binary.LittleEndian.Uint64(buf[0:]))
		size := binary.LittleEndian.Uint64(buf[8:])
		fp.ids[classOf(size)] = append(fp.ids[classOf(size)], id)
	}
	fp.retpool.endPopLocal()
}

// get allocates a cell for a value of size bytes on this process.
func (fp *futurePool) get(size uint32) Future {
	me := fp.ep.Pid()
	entrySize := uint64(cellHeader) + uint64(size)
	class := classOf(entrySize)
	realSize := int64(1) << class

	if !fp.retpool.emptyLocal() {
		fp.moveBackReturnedIDs()
	}

	if n := len(fp.ids[class]); n > 0 {
		id := fp.ids[class][n-1]
		fp.ids[class] = fp.ids[class][:n-1]
		fp.ep.PutValue(fp.bufs[me]+uint64(id), 0, me) // reset done
		return Future{ID: id, Pid: me, Size: size}
	}

	if fp.ptr+realSize < fp.bufSize {
		id := fp.ptr
		fp.ptr += realSize
		return Future{ID: id, Pid: me, Size: size}
	}

	panic("uth: future pool overflow")
}

// fill publishes value into f's cell. The done flag lands after the
// value by per-target put ordering.
func (fp *futurePool) fill(f Future, value []byte) {
	addr := fp.bufs[f.Pid] + uint64(f.ID)
	fp.ep.Put(addr+cellHeader, value[:f.Size], f.Pid)
	fp.ep.PutValue(addr, 1, f.Pid)
}

// synchronize reads f's cell once. On success the value lands in buf
// and the id returns to its home pool: directly when f is local, via
// the home's return pool when it is remote.
func (fp *futurePool) synchronize(f Future, buf []byte) bool {
	me := fp.ep.Pid()
	addr := fp.bufs[f.Pid] + uint64(f.ID)

	if fp.ep.GetValue(addr, f.Pid) != 1 {
		return false
	}
	fp.ep.Get(buf[:f.Size], addr+cellHeader, f.Pid)

	entrySize := uint64(cellHeader) + uint64(f.Size)
	class := classOf(entrySize)
	if f.Pid == me {
		fp.ids[class] = append(fp.ids[class], f.ID)
	} else {
		var ret [retEntrySize]byte
		binary.LittleEndian.PutUint64(ret[0:], uint64(f.ID))
		binary.LittleEndian.PutUint64(ret[8:], uint64(1)<<class)
		if !fp.retpool.pushRemote(ret[:], f.Pid) {
			panic("uth: future return pool overflow")
		}
	}
	return true
}

/*
 * distributed spin lock and pool
 */

// A distSpinlock is one remote spin lock per peer, implemented over
// fetch-and-add on a word in each peer's shared segment: 0 is free,
// anything greater is contended.
type distSpinlock struct {
	ep    *comm.Endpoint
	addrs []uint64
}

func newDistSpinlock(ep *comm.Endpoint) *distSpinlock {
	l := &distSpinlock{ep: ep}
	l.addrs = ep.SharedAlloc(8)
	l.ep.PutValue(l.addrs[ep.Pid()], 0, ep.Pid())
	return l
}

func (l *distSpinlock) trylock(target uint32) bool {
	return l.ep.FetchAndAdd(l.addrs[target], 1, target) == 0
}

func (l *distSpinlock) lock(target uint32) {
	for !l.trylock(target) {
		l.ep.Poll()
	}
}

func (l *distSpinlock) unlock(target uint32) {
	l.ep.PutValue(l.addrs[target], 0, target)
}

// A distPool is a fixed-capacity many-writers-one-reader ring per
// process: a shared index word plus a data buffer, serialized by a
// dist spin lock held at the owner.
type distPool struct {
	ep    *comm.Endpoint
	size  int64
	elem  int64
	locks *distSpinlock
	idxs  []uint64
	data  []uint64
}

func newDistPool(ep *comm.Endpoint, elemSize, size int) *distPool {
	p := &distPool{ep: ep, size: int64(size), elem: int64(elemSize)}
	p.locks = newDistSpinlock(ep)
	p.idxs = ep.SharedAlloc(8)
	p.data = ep.SharedAlloc(size * elemSize)
	ep.PutValue(p.idxs[ep.Pid()], 0, ep.Pid())
	return p
}

// emptyLocal probes this process's pool without the lock.
func (p *distPool) emptyLocal() bool {
	me := p.ep.Pid()
	return p.ep.GetValue(p.idxs[me], me) == 0
}

// pushRemote appends v to target's pool, reporting false when full.
func (p *distPool) pushRemote(v []byte, target uint32) bool {
	p.locks.lock(target)
	idx := p.ep.FetchAndAdd(p.idxs[target], 1, target)
	ok := int64(idx) < p.size
	if ok {
		p.ep.Put(p.data[target]+idx*uint64(p.elem), v, target)
	} else {
		p.ep.PutValue(p.idxs[target], idx, target)
	}
	p.locks.unlock(target)
	return ok
}

func (p *distPool) beginPopLocal() {
	p.locks.lock(p.ep.Pid())
}

func (p *distPool) endPopLocal() {
	p.locks.unlock(p.ep.Pid())
}

// popLocal removes the newest entry of this process's pool into buf.
// The caller holds the pool lock through beginPopLocal.
func (p *distPool) popLocal(buf []byte) bool {
	me := p.ep.Pid()
	idx := p.ep.GetValue(p.idxs[me], me)
	if idx == 0 {
		return false
	}
	idx--
	p.ep.Get(buf[:p.elem], p.data[me]+idx*uint64(p.elem), me)
	p.ep.PutValue(p.idxs[me], idx, me)
	return true
}
