package mgas

import (
	"github.com/s417-lama/massivethreads-dm/comm"
	"github.com/s417-lama/massivethreads-dm/gmt"
	"github.com/s417-lama/massivethreads-dm/internal/spin"
)

// A Proc is one process's DSM context: its endpoint, its slice of the
// global memory table, and the registered message handlers. Every
// peer must construct its Proc at the same point of initialization so
// handler ids agree cluster-wide.
type Proc struct {
	ep     *comm.Endpoint
	me     uint32
	nprocs uint32
	gmt    *gmt.GMT
	prof   Prof

	// giant serializes the localize/commit/own paths of this
	// process's workers against each other.
	giant spin.Lock

	hAlloc       comm.HandlerID
	hAllocRes    comm.HandlerID
	hFree        comm.HandlerID
	hOwnerReq    comm.HandlerID
	hOwnerRes    comm.HandlerID
	hOwnerChange comm.HandlerID
	hDataReq     comm.HandlerID
	hDataRes     comm.HandlerID
	hRMWReq      comm.HandlerID
	hRMWRes      comm.HandlerID
	hAM          comm.HandlerID
	hAMRes       comm.HandlerID
}

// New builds the DSM context over ep. The transport is expected to be
// initialized already; New only attaches to it.
func New(ep *comm.Endpoint) *Proc {
	p := &Proc{
		ep:     ep,
		me:     ep.Pid(),
		nprocs: ep.Nprocs(),
	}
	p.giant.Init(ep.Poll)
	p.gmt = gmt.New(p.me, p.nprocs, ep.Poll, ep.Alloc)

	p.hAlloc = ep.RegisterHandler(p.handleAlloc)
	p.hAllocRes = ep.RegisterHandler(p.handleAllocRes)
	p.hFree = ep.RegisterHandler(p.handleFree)
	p.hOwnerReq = ep.RegisterHandler(p.handleOwnerReq)
	p.hOwnerRes = ep.RegisterHandler(p.handleOwnerRes)
	p.hOwnerChange = ep.RegisterHandler(p.handleOwnerChange)
	p.hDataReq = ep.RegisterHandler(p.handleDataReq)
	p.hDataRes = ep.RegisterHandler(p.handleDataRes)
	p.hRMWReq = ep.RegisterHandler(p.handleRMWReq)
	p.hRMWRes = ep.RegisterHandler(p.handleRMWRes)
	p.hAM = ep.RegisterHandler(p.handleAM)
	p.hAMRes = ep.RegisterHandler(p.handleAMRes)
	return p
}

// Pid returns this process's id.
func (p *Proc) Pid() uint32 { return p.me }

// Nprocs returns the cluster size.
func (p *Proc) Nprocs() uint32 { return p.nprocs }

// GMT returns the process's memory table.
func (p *Proc) GMT() *gmt.GMT { return p.gmt }

// Endpoint returns the underlying transport endpoint.
func (p *Proc) Endpoint() *comm.Endpoint { return p.ep }

// Prof returns the profile counters.
func (p *Proc) Prof() *Prof { return &p.prof }

// Poll advances communication progress.
func (p *Proc) Poll() { p.ep.Poll() }

// Barrier blocks until all processes arrive.
func (p *Proc) Barrier() { p.ep.Barrier() }

// Broadcast distributes root's buffer to all processes.
func (p *Proc) Broadcast(b []byte, root uint32) { p.ep.Broadcast(b, root) }

// Gather concatenates per-process buffers at root.
func (p *Proc) Gather(dst, src []byte, root uint32) { p.ep.Gather(dst, src, root) }

// ReduceLong sums per-process vectors at root.
func (p *Proc) ReduceLong(dst, src []int64, root uint32) { p.ep.ReduceLong(dst, src, root) }

// Owned reports whether this process holds mp's page.
func (p *Proc) Owned(mp gmt.Ptr) bool { return p.gmt.Owned(mp) }

// Home returns mp's home process.
func (p *Proc) Home(mp gmt.Ptr) uint32 { return p.gmt.Home(mp) }

/*
 * allocation
 */

// Malloc allocates a shared-local object of size bytes homed on this
// process. The page is immediately owned here.
func (p *Proc) Malloc(size uint64) gmt.Ptr {
	return p.gmt.AllocSlocal(size)
}

// FreeSmall releases a shared-local object allocated by Malloc. Only
// the home can release the id; remote frees are dropped.
func (p *Proc) FreeSmall(mp gmt.Ptr) {
	if p.gmt.Home(mp) == p.me {
		p.gmt.FreeSlocal(mp)
	}
}

// Free releases a global object.
func (p *Proc) Free(mp gmt.Ptr) {
	p.check(mp != gmt.Null, "free of null ptr")
	if mp.IsSlocal() {
		p.FreeSmall(mp)
		return
	}
	var w wbuf
	w.header(tagFree, p.me, 0)
	w.u64(uint64(mp))
	p.ep.AMRequest(p.hFree, w.b, 0)
}

// Dmalloc allocates a distributed-id address range one-sidedly: the
// id is drawn on pid 0 through the ALLOC message. The caller still
// must install a distribution on every process before touching it;
// collective codes use AllDmalloc instead.
func (p *Proc) Dmalloc(size uint64) gmt.Ptr {
	if p.me == 0 {
		return p.gmt.AllocDist()
	}
	var jc comm.JoinCounter
	jc.Init(1)
	out := make([]gmt.Ptr, 1)
	outTok := p.ep.Pin(out)
	jcTok := p.ep.Pin(&jc)

	var w wbuf
	w.header(tagAlloc, p.me, 0)
	w.u64(size)
	w.u64(outTok)
	w.u64(jcTok)
	p.ep.AMRequest(p.hAlloc, w.b, 0)
	jc.Wait(p.ep)
	p.ep.Unpin(outTok)
	p.ep.Unpin(jcTok)
	return out[0]
}

func (p *Proc) handleAlloc(ep *comm.Endpoint, m *comm.Msg) {
	r := rbuf{b: m.Data}
	_, initiator, _ := r.header()
	r.u64() // size; ids are uniform
	outTok := r.u64()
	jcTok := r.u64()

	mp := p.gmt.AllocDist()

	var w wbuf
	w.header(tagAllocRes, p.me, initiator)
	w.u64(outTok)
	w.u64(jcTok)
	w.u64(uint64(mp))
	ep.AMReply(p.hAllocRes, w.b, m)
}

func (p *Proc) handleAllocRes(ep *comm.Endpoint, m *comm.Msg) {
	r := rbuf{b: m.Data}
	r.header()
	outTok := r.u64()
	jcTok := r.u64()
	mp := gmt.Ptr(r.u64())
	ep.Resolve(outTok).([]gmt.Ptr)[0] = mp
	ep.Resolve(jcTok).(*comm.JoinCounter).Notify(1)
}

func (p *Proc) handleFree(ep *comm.Endpoint, m *comm.Msg) {
	r := rbuf{b: m.Data}
	r.header()
	p.gmt.FreeDist(gmt.Ptr(r.u64()))
}

// AllDmalloc collectively allocates a distributed array. size must
// equal the product of block sizes and block counts; blocks homed on
// this process come up owned and zero-initialized.
func (p *Proc) AllDmalloc(size uint64, nDims int, blockSize, nBlocks []uint64) gmt.Ptr {
	p.Barrier()

	whole := uint64(1)
	for i := 0; i < nDims; i++ {
		whole *= blockSize[i] * nBlocks[i]
	}
	p.check(size == whole, "distribution size mismatch: %d != %d", size, whole)
	p.check(nDims <= 2, "unsupported dimensionality %d", nDims)

	var mp gmt.Ptr
	if p.me == 0 {
		mp = p.gmt.AllocDist()
		p.check(mp != gmt.Null, "dist id allocation failed")
	}
	buf := p.ep.Alloc(8)
	if p.me == 0 {
		putPtr(buf, mp)
	}
	p.ep.Broadcast(buf, 0)
	mp = getPtr(buf)

	d := gmt.NewDist(nDims, blockSize, nBlocks)
	p.gmt.ValidateDist(mp, d)

	p.Barrier()
	return mp
}

// AllFree collectively releases a distributed array.
func (p *Proc) AllFree(mp gmt.Ptr) {
	p.Barrier()
	p.gmt.InvalidateDist(mp)
	if p.me == 0 {
		p.gmt.FreeDist(mp)
	}
	p.ep.Poll()
	p.Barrier()
}

func putPtr(b []byte, mp gmt.Ptr) {
	var w wbuf
	w.u64(uint64(mp))
	copy(b, w.b)
}

func getPtr(b []byte) gmt.Ptr {
	r := rbuf{b: b}
	return gmt.Ptr(r.u64())
}

/*
 * user-level active messages
 */

// An AMFunc handles a user active message. It runs in the receiver's
// progress context and may Reply at most once.
type AMFunc func(p *Proc, am *AM, data []byte)

// An AM is a received user active message.
type AM struct {
	p   *Proc
	msg *comm.Msg
}

// Initiator returns the sending process.
func (am *AM) Initiator() uint32 { return am.msg.Initiator }

var amFuncs []AMFunc

// RegisterAM registers a user active-message handler and returns its
// id. All processes must register in the same order.
func RegisterAM(f AMFunc) uint64 {
	amFuncs = append(amFuncs, f)
	return uint64(len(amFuncs) - 1)
}

// AMRequest runs the registered handler fn at target with data.
func (p *Proc) AMRequest(fn uint64, data []byte, target uint32) {
	var w wbuf
	w.header(tagAMReq, p.me, target)
	w.u64(fn)
	w.u64(uint64(len(data)))
	w.bytes(data)
	p.ep.AMRequest(p.hAM, w.b, target)
}

// Reply runs the registered handler fn back at the initiator.
func (am *AM) Reply(fn uint64, data []byte) {
	p := am.p
	var w wbuf
	w.header(tagAMReq, p.me, am.msg.Initiator)
	w.u64(fn)
	w.u64(uint64(len(data)))
	w.bytes(data)
	p.ep.AMReply(p.hAMRes, w.b, am.msg)
}

func (p *Proc) handleAM(ep *comm.Endpoint, m *comm.Msg) {
	r := rbuf{b: m.Data}
	r.header()
	fn := r.u64()
	n := r.u64()
	amFuncs[fn](p, &AM{p: p, msg: m}, r.bytes(int(n)))
}

func (p *Proc) handleAMRes(ep *comm.Endpoint, m *comm.Msg) {
	p.handleAM(ep, m)
}
