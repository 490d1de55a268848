package uth

import (
	"github.com/s417-lama/massivethreads-dm/comm"
)

// A TaskFunc is the body of a spawned task. It receives the worker it
// runs on, the future it must fill, and the argument tuple packed at
// fork time. Task functions are named by registration ids so frames
// stay wire-safe across steals; every process must register the same
// functions in the same order.
type TaskFunc func(w *Worker, fut Future, args []uint64)

var taskFuncs []TaskFunc

// RegisterTask registers f and returns its id.
func RegisterTask(f TaskFunc) uint32 {
	taskFuncs = append(taskFuncs, f)
	return uint32(len(taskFuncs) - 1)
}

// Stats collects per-worker scheduling diagnostics.
type Stats struct {
	Forks         uint64
	Pops          uint64
	StealAttempts uint64
	Steals        uint64
	MaxDepth      uint64
}

// A Worker owns one task deque and drives the scheduler loop. Inside a
// worker, execution is single-threaded and cooperative: the worker
// switches tasks only at the blocking operations that poll the
// transport.
type Worker struct {
	p  *Proc
	id int
	tq *taskq

	rng uint64

	stats Stats

	// Local is worker-local storage for the layers above.
	Local any

	// AtParentIsStolen fires on the victim once it observes that a
	// frame it pushed was consumed by a thief; AtThreadResuming fires
	// on the executing worker right before it enters a stolen frame.
	// The DSM layer uses the two to move localize-handle chains
	// across steal boundaries.
	AtParentIsStolen func()
	AtThreadResuming func()
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() Stats { return w.stats }

// Proc returns the worker's process context.
func (w *Worker) Proc() *Proc { return w.p }

// Depth returns the current deque depth.
func (w *Worker) Depth() uint64 { return w.tq.depth() }

// fastrand is a xorshift step over the worker-local state.
func (w *Worker) fastrand() uint64 {
	x := w.rng
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	w.rng = x
	return x
}

// Fork spawns fn(args) as a stealable task frame filling fut. The
// caller continues immediately; join through fut.
func (w *Worker) Fork(fn uint32, fut Future, args ...uint64) {
	if len(args) > MaxTaskArgs {
		panic("uth: too many task arguments")
	}
	var e Entry
	e.FnID = fn
	e.NArgs = uint32(len(args))
	e.FutID = fut.ID
	e.FutPid = fut.Pid
	e.FutSize = fut.Size
	copy(e.Args[:], args)
	w.tq.push(&e)

	w.stats.Forks++
	if d := w.tq.depth(); d > w.stats.MaxDepth {
		w.stats.MaxDepth = d
	}
}

func (w *Worker) run(e *Entry, stolen bool) {
	if stolen && w.AtThreadResuming != nil {
		w.AtThreadResuming()
	}
	fut := Future{ID: e.FutID, Pid: e.FutPid, Size: e.FutSize}
	taskFuncs[e.FnID](w, fut, e.Args[:e.NArgs])
}

// stealOnce picks a uniformly random victim and attempts one steal,
// running the stolen frame on success.
func (w *Worker) stealOnce() bool {
	n := w.p.nprocs
	if n <= 1 {
		w.p.ep.Poll()
		return false
	}
	victim := uint32(w.fastrand() % uint64(n-1))
	if victim >= w.p.me {
		victim++
	}
	w.stats.StealAttempts++

	if w.tq.empty(victim) {
		w.p.ep.Poll()
		return false
	}
	if !w.tq.stealTryLock(victim) {
		w.p.ep.Poll()
		return false
	}
	var e Entry
	ok := w.tq.steal(victim, &e)
	w.tq.stealUnlock(victim)

	if !ok {
		w.p.ep.Poll()
		return false
	}
	w.stats.Steals++
	w.run(&e, true)
	return true
}

// SchedulerWork runs one scheduler step: pop-and-run a local frame, or
// try one steal.
func (w *Worker) SchedulerWork() {
	var e Entry
	if w.tq.pop(&e) {
		w.stats.Pops++
		w.run(&e, false)
		return
	}
	w.stealOnce()
}

// Join blocks on fut, doing scheduler work while it is unfilled. Once
// the local deque runs dry before fut fills, the frame this join
// depends on must have been stolen, and the victim callback fires.
func (w *Worker) Join(fut Future, value []byte) {
	fp := &w.p.fpool
	if fp.synchronize(fut, value) {
		return
	}
	notified := false
	for {
		var e Entry
		if w.tq.pop(&e) {
			w.stats.Pops++
			w.run(&e, false)
		} else {
			if !notified && w.AtParentIsStolen != nil {
				w.AtParentIsStolen()
				notified = true
			}
			w.stealOnce()
		}
		if fp.synchronize(fut, value) {
			return
		}
	}
}

// A Proc is one process's threading context: its workers, the future
// pool, and the transport attachment.
type Proc struct {
	ep      *comm.Endpoint
	me      uint32
	nprocs  uint32
	workers []*Worker
	fpool   futurePool
}

// Options sizes the runtime. Zero values select the defaults.
type Options struct {
	NWorkers      int // workers per process; 1 is the standard setup
	TaskqEntries  int // deque capacity per worker
	FutureBufSize int // bytes of future cells per process
	RetpoolSize   int // entries of the future return pool
}

func (o *Options) setDefaults() {
	if o.NWorkers == 0 {
		o.NWorkers = 1
	}
	if o.TaskqEntries == 0 {
		o.TaskqEntries = 1 << 13
	}
	if o.FutureBufSize == 0 {
		o.FutureBufSize = 1 << 20
	}
	if o.RetpoolSize == 0 {
		o.RetpoolSize = 16 * 1024
	}
}

// New builds the threading context over ep. The calls into the
// transport's collective allocator must line up across peers, so every
// process constructs its Proc at the same point with the same options.
func New(ep *comm.Endpoint, opts Options) *Proc {
	opts.setDefaults()
	p := &Proc{ep: ep, me: ep.Pid(), nprocs: ep.Nprocs()}
	for i := 0; i < opts.NWorkers; i++ {
		w := &Worker{
			p:   p,
			id:  i,
			tq:  newTaskq(ep, uint64(opts.TaskqEntries)),
			rng: uint64(ep.Pid())*0x9e3779b97f4a7c15 + uint64(i) + 1,
		}
		p.workers = append(p.workers, w)
	}
	p.fpool.init(ep, opts.FutureBufSize, opts.RetpoolSize)
	return p
}

// Pid returns this process's id.
func (p *Proc) Pid() uint32 { return p.me }

// Nprocs returns the cluster size.
func (p *Proc) Nprocs() uint32 { return p.nprocs }

// Worker returns worker i.
func (p *Proc) Worker(i int) *Worker { return p.workers[i] }

// MakeFuture allocates a future cell for size value bytes, homed on
// this process.
func (p *Proc) MakeFuture(size uint32) Future {
	return p.fpool.get(size)
}

// Fill publishes value into fut. At most one producer may fill a
// given future.
func (p *Proc) Fill(fut Future, value []byte) {
	if !fut.Valid() {
		panic("uth: fill of invalid future")
	}
	p.fpool.fill(fut, value)
}

// TryGet polls fut once, copying the value into buf on success.
func (p *Proc) TryGet(fut Future, buf []byte) bool {
	if !fut.Valid() {
		panic("uth: get of invalid future")
	}
	return p.fpool.synchronize(fut, buf)
}

// Barrier blocks until all processes arrive; scheduler termination is
// a barrier.
func (p *Proc) Barrier() { p.ep.Barrier() }

// Poll advances communication progress.
func (p *Proc) Poll() { p.ep.Poll() }
