// Package madm glues the threading layer to the DSM: it owns the
// per-task localize-handle chains and the steal/resume callbacks that
// keep them consistent when frames move between workers, plus the
// typed convenience surface the example programs use.
package madm

import (
	"encoding/binary"

	"github.com/s417-lama/massivethreads-dm/comm"
	"github.com/s417-lama/massivethreads-dm/gmt"
	"github.com/s417-lama/massivethreads-dm/mgas"
	"github.com/s417-lama/massivethreads-dm/uth"
)

// A HandleHolder carries one task's localize handle. Holders chain
// through parent links up to the task that entered the runtime; the
// chain is per-worker state that steals reset.
type HandleHolder struct {
	value  mgas.Handle
	parent *HandleHolder
}

func (h *HandleHolder) isMainTask() bool { return h.parent == nil }

// A Runtime is one process's fully assembled runtime: transport, DSM,
// scheduler, and the handle-chain wiring between them.
type Runtime struct {
	ep   *comm.Endpoint
	mgas *mgas.Proc
	uth  *uth.Proc
	cur  *HandleHolder
}

// New assembles the runtime over ep. Construction order is fixed so
// handler ids and collective allocations line up across peers: the
// DSM attaches first, then the scheduler.
func New(ep *comm.Endpoint, opts uth.Options) *Runtime {
	rt := &Runtime{ep: ep}
	rt.mgas = mgas.New(ep)
	rt.uth = uth.New(ep, opts)

	w := rt.uth.Worker(0)
	w.Local = rt
	w.AtParentIsStolen = rt.unlocalizeAllHandles
	w.AtThreadResuming = rt.resetHandleLinks

	rt.resetHandleLinks()
	return rt
}

// Mgas returns the DSM context.
func (rt *Runtime) Mgas() *mgas.Proc { return rt.mgas }

// Uth returns the threading context.
func (rt *Runtime) Uth() *uth.Proc { return rt.uth }

// Worker returns the primary worker.
func (rt *Runtime) Worker() *uth.Worker { return rt.uth.Worker(0) }

// Pid returns this process's id.
func (rt *Runtime) Pid() uint32 { return rt.ep.Pid() }

// Nprocs returns the cluster size.
func (rt *Runtime) Nprocs() uint32 { return rt.ep.Nprocs() }

// Barrier blocks until all processes arrive.
func (rt *Runtime) Barrier() { rt.ep.Barrier() }

// Poll advances communication progress.
func (rt *Runtime) Poll() { rt.ep.Poll() }

/*
 * handle chain maintenance
 */

func (rt *Runtime) register(h *HandleHolder) {
	h.parent = rt.cur
	rt.cur = h
}

func (rt *Runtime) unlocalizeCurrent() {
	rt.mgas.Unlocalize(&rt.cur.value)
}

func (rt *Runtime) deregisterAndUnlocalize() {
	rt.unlocalizeCurrent()
	rt.cur = rt.cur.parent
}

// unlocalizeAllHandles runs on the victim when it observes its parent
// frame was stolen: every cache the chain still holds is released
// here, since the thief rebuilds its own chain. The holders stay
// linked because the tasks that pushed them are still running on this
// worker and deregister them on exit.
func (rt *Runtime) unlocalizeAllHandles() {
	for h := rt.cur; h != nil; h = h.parent {
		rt.mgas.Unlocalize(&h.value)
	}
}

// resetHandleLinks runs on a worker right before it enters a stolen
// frame: the frame starts a fresh chain bound to this worker.
func (rt *Runtime) resetHandleLinks() {
	rt.cur = &HandleHolder{}
}

/*
 * localize surface bound to the current task's handle
 */

// Localize mirrors [mp, mp+size) through the current task's handle.
func (rt *Runtime) Localize(mp gmt.Ptr, size uint64, flags mgas.Flag) []byte {
	return rt.mgas.Localize(mp, size, flags, &rt.cur.value)
}

// LocalizeS mirrors a strided span through the current task's handle.
// elemSize scales stride and count from elements to bytes.
func (rt *Runtime) LocalizeS(mp gmt.Ptr, stride uint64, count [2]uint64, elemSize uint64, flags mgas.Flag) []byte {
	raw := [2]uint64{count[0], count[1] * elemSize}
	return rt.mgas.LocalizeS(mp, stride*elemSize, raw, flags, &rt.cur.value)
}

// Commit writes a localized buffer back to its owners.
func (rt *Runtime) Commit(mp gmt.Ptr, buf []byte, size uint64) {
	rt.mgas.Commit(mp, buf, size)
}

// CommitS writes back a strided span; counts are in elements.
func (rt *Runtime) CommitS(mp gmt.Ptr, buf []byte, stride uint64, count [2]uint64, elemSize uint64) {
	raw := [2]uint64{count[0], count[1] * elemSize}
	rt.mgas.CommitS(mp, buf, stride*elemSize, raw)
}

// Unlocalize releases the current task's caches in LIFO order.
func (rt *Runtime) Unlocalize() {
	rt.unlocalizeCurrent()
}

/*
 * tasks
 */

// A TaskBody is a task function with the runtime and its handle chain
// already bound.
type TaskBody func(rt *Runtime, w *uth.Worker, fut uth.Future, args []uint64)

// RegisterTask registers body and returns its id. The wrapper gives
// each execution its own handle holder and unlocalizes it on exit, so
// caches never leak across task boundaries.
func RegisterTask(body TaskBody) uint32 {
	return uth.RegisterTask(func(w *uth.Worker, fut uth.Future, args []uint64) {
		rt := w.Local.(*Runtime)
		holder := &HandleHolder{}
		rt.register(holder)
		body(rt, w, fut, args)
		rt.deregisterAndUnlocalize()
	})
}

// Fork spawns a registered task returning a long; join with JoinLong.
func (rt *Runtime) Fork(fn uint32, args ...uint64) uth.Future {
	fut := rt.uth.MakeFuture(8)
	rt.Worker().Fork(fn, fut, args...)
	return fut
}

// FillLong publishes a long result into fut.
func (rt *Runtime) FillLong(fut uth.Future, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	rt.uth.Fill(fut, b[:])
}

// JoinLong blocks on fut and returns its long value, scheduling other
// work while it waits.
func (rt *Runtime) JoinLong(fut uth.Future) int64 {
	var b [8]byte
	rt.Worker().Join(fut, b[:])
	return int64(binary.LittleEndian.Uint64(b[:]))
}

// Start runs f as the main task of this process and waits for global
// termination. Collective: every process calls Start. A process whose
// main task finishes keeps stealing until every peer arrives at the
// termination barrier, so late work still spreads.
func (rt *Runtime) Start(f func(rt *Runtime)) {
	rt.Barrier()
	holder := &HandleHolder{}
	rt.register(holder)
	f(rt)
	rt.deregisterAndUnlocalize()

	w := rt.Worker()
	rt.ep.BarrierNotify()
	for !rt.ep.BarrierTry() {
		w.SchedulerWork()
	}
}
