// Package uth implements the user-level threading layer: per-worker
// task deques with remote work stealing over the transport, fork/join
// through a distributed future pool, and the callbacks that let the
// DSM layer move per-task state across steal boundaries.
package uth

import (
	"encoding/binary"

	"github.com/s417-lama/massivethreads-dm/comm"
)

// MaxTaskArgs is the widest argument tuple a task frame carries.
const MaxTaskArgs = 6

// An Entry is one task frame: a registered function id, the future the
// task will fill, and its packed argument tuple. Frames are plain
// words so a thief can lift one off a victim's deque with two one-
// sided gets.
type Entry struct {
	FnID    uint32
	NArgs   uint32
	FutID   int64
	FutPid  uint32
	FutSize uint32
	Args    [MaxTaskArgs]uint64
}

const entrySize = 8 + 8 + 8 + MaxTaskArgs*8

func (e *Entry) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], e.FnID)
	binary.LittleEndian.PutUint32(b[4:], e.NArgs)
	binary.LittleEndian.PutUint64(b[8:], uint64(e.FutID))
	binary.LittleEndian.PutUint32(b[16:], e.FutPid)
	binary.LittleEndian.PutUint32(b[20:], e.FutSize)
	for i := 0; i < MaxTaskArgs; i++ {
		binary.LittleEndian.PutUint64(b[24+8*i:], e.Args[i])
	}
}

func (e *Entry) decode(b []byte) {
	e.FnID = binary.LittleEndian.Uint32(b[0:])
	e.NArgs = binary.LittleEndian.Uint32(b[4:])
	e.FutID = int64(binary.LittleEndian.Uint64(b[8:]))
	e.FutPid = binary.LittleEndian.Uint32(b[16:])
	e.FutSize = binary.LittleEndian.Uint32(b[20:])
	for i := 0; i < MaxTaskArgs; i++ {
		e.Args[i] = binary.LittleEndian.Uint64(b[24+8*i:])
	}
}

// Shared-segment layout of a deque:
//
//	off  0  lock  u64   ticket lock taken by thieves and slow paths
//	off  8  base  u64   steal side
//	off 16  top   u64   local push/pop side
//	off 24  entries[n]
//
// Entries between base and top are live. The victim pushes and pops at
// top without the lock; thieves bump base under it.
const (
	qLockOff = 0
	qBaseOff = 8
	qTopOff  = 16
	qEntOff  = 24
)

// A taskq is one worker's global deque. The header and entries live in
// a symmetric shared segment so remote peers can address them.
type taskq struct {
	ep    *comm.Endpoint
	n     uint64
	addrs []uint64 // per-peer segment bases
}

func newTaskq(ep *comm.Endpoint, n uint64) *taskq {
	q := &taskq{ep: ep, n: n}
	q.addrs = ep.SharedAlloc(int(qEntOff + n*entrySize))
	me := ep.Pid()
	ep.PutValue(q.addrs[me]+qLockOff, 0, me)
	ep.PutValue(q.addrs[me]+qBaseOff, 0, me)
	ep.PutValue(q.addrs[me]+qTopOff, 0, me)
	return q
}

func (q *taskq) my() uint64      { return q.addrs[q.ep.Pid()] }
func (q *taskq) base() uint64    { return q.ep.GetValue(q.my()+qBaseOff, q.ep.Pid()) }
func (q *taskq) top() uint64     { return q.ep.GetValue(q.my()+qTopOff, q.ep.Pid()) }
func (q *taskq) setBase(v uint64) { q.ep.PutValue(q.my()+qBaseOff, v, q.ep.Pid()) }
func (q *taskq) setTop(v uint64)  { q.ep.PutValue(q.my()+qTopOff, v, q.ep.Pid()) }

func (q *taskq) entryAddr(base uint64, i uint64) uint64 {
	return base + qEntOff + i*entrySize
}

func (q *taskq) readEntry(i uint64, e *Entry) {
	var b [entrySize]byte
	q.ep.Get(b[:], q.entryAddr(q.my(), i), q.ep.Pid())
	e.decode(b[:])
}

func (q *taskq) writeEntry(i uint64, e *Entry) {
	var b [entrySize]byte
	e.encode(b[:])
	q.ep.Put(q.entryAddr(q.my(), i), b[:], q.ep.Pid())
}

func (q *taskq) localTryLock() bool {
	me := q.ep.Pid()
	return q.ep.FetchAndAdd(q.my()+qLockOff, 1, me) == 0
}

func (q *taskq) localLock() {
	for !q.localTryLock() {
		q.ep.Poll()
	}
}

func (q *taskq) localUnlock() {
	me := q.ep.Pid()
	q.ep.PutValue(q.my()+qLockOff, 0, me)
}

// push appends an entry at top. On overflow the live window is
// recentered under the lock; a window that still reaches slot 0 is a
// genuine overflow and fatal.
func (q *taskq) push(e *Entry) {
	t := q.top()
	if t == q.n {
		q.localLock()
		b := q.base()
		if b == 0 {
			panic("uth: task queue overflow")
		}
		// shift the live window back toward the center; the offset is
		// negative here since top sits at the end
		offx2 := int64(q.n) - int64(b) - int64(t)
		off := offx2 / 2
		if offx2%2 != 0 {
			off--
		}
		if t > b {
			buf := make([]byte, (t-b)*entrySize)
			q.ep.Get(buf, q.entryAddr(q.my(), b), q.ep.Pid())
			q.ep.Put(q.entryAddr(q.my(), uint64(int64(b)+off)), buf, q.ep.Pid())
		}
		q.setTop(uint64(int64(t) + off))
		q.setBase(uint64(int64(b) + off))
		t = q.top()
		q.localUnlock()
	}
	q.writeEntry(t, e)
	q.setTop(t + 1)
}

// pop removes the entry below top. When the fast-path window check
// fails it reconciles with thieves under the lock; an empty deque
// resets the window to the middle.
func (q *taskq) pop(e *Entry) bool {
	t := q.top()
	if t == 0 {
		return false
	}
	t--
	q.setTop(t)

	b := q.base()
	if b < t {
		// at least one entry remains below; no thief can reach this one
		q.readEntry(t, e)
		return true
	}

	q.localLock()
	b = q.base()
	var ok bool
	if b <= t {
		q.readEntry(t, e)
		ok = true
	} else {
		mid := q.n / 2
		q.setTop(mid)
		q.setBase(mid)
		ok = false
	}
	q.localUnlock()
	return ok
}

// steal lifts the entry at base off the deque of target. The caller
// holds the remote ticket lock. The header words are read as values
// so they order against the victim's stores.
func (q *taskq) steal(target uint32, e *Entry) bool {
	b := q.ep.GetValue(q.addrs[target]+qBaseOff, target)
	t := q.ep.GetValue(q.addrs[target]+qTopOff, target)
	if b >= t {
		return false
	}
	q.ep.PutValue(q.addrs[target]+qBaseOff, b+1, target)
	var buf [entrySize]byte
	q.ep.Get(buf[:], q.entryAddr(q.addrs[target], b), target)
	e.decode(buf[:])
	return true
}

// stealTryLock takes the remote ticket lock of target's deque.
func (q *taskq) stealTryLock(target uint32) bool {
	return q.ep.FetchAndAdd(q.addrs[target]+qLockOff, 1, target) == 0
}

// stealUnlock drops the remote ticket lock.
func (q *taskq) stealUnlock(target uint32) {
	q.ep.PutValue(q.addrs[target]+qLockOff, 0, target)
}

// empty probes target's deque.
func (q *taskq) empty(target uint32) bool {
	b := q.ep.GetValue(q.addrs[target]+qBaseOff, target)
	t := q.ep.GetValue(q.addrs[target]+qTopOff, target)
	return b >= t
}

// depth returns the number of live entries.
func (q *taskq) depth() uint64 {
	b := q.base()
	t := q.top()
	if t < b {
		return 0
	}
	return t - b
}
