package mgas

import (
	"github.com/s417-lama/massivethreads-dm/comm"
	"github.com/s417-lama/massivethreads-dm/gmt"
)

// Read-modify-write. The operator runs on the page's current owner
// under the page read lock; active-message serialization at the owner
// makes concurrent operations on one process atomic with respect to
// each other. Operators are named by ids from a registration table so
// they travel on the wire as plain integers; every process must
// register the same operators in the same order.

// An RMWFunc mutates size bytes of a page in place. in carries the
// operator's input, out receives its output.
type RMWFunc func(p, in, out []byte)

var rmwFuncs []RMWFunc

// RegisterRMW registers f and returns its operator id.
func RegisterRMW(f RMWFunc) uint64 {
	rmwFuncs = append(rmwFuncs, f)
	return uint64(len(rmwFuncs) - 1)
}

// rmwWait is the initiator-side state an RMW_RES resolves to.
type rmwWait struct {
	success bool
	out     []byte
	jc      comm.JoinCounter
}

// RMW applies the registered operator fn to [mp, mp+size) on its
// owner, atomically with respect to other RMWs of the same page. If
// the page is migrating the request is retried against the new owner.
func (p *Proc) RMW(fn uint64, mp gmt.Ptr, size uint64, in, out []byte) {
	p.check(mp != gmt.Null, "rmw of null ptr")
	p.check(mp >= gmt.MinPtr, "rmw of invalid ptr")
	p.prof.add(profRMW, size)

	// fast path: the page is owned here
	entry := p.gmt.FindEntry(mp)
	entry.PageRLock()
	if entry.PageValid() {
		off := p.gmt.BlockOffset(mp)
		rmwFuncs[fn](entry.Block()[off:off+size], in, out)
		entry.PageRUnlock()
		return
	}
	entry.PageRUnlock()

	home := p.gmt.Home(mp)

	retries := 0
	for {
		// resolve the current owner through the home
		var jc comm.JoinCounter
		jc.Init(1)
		results := make([]ownerResult, 1)
		jcTok := p.ep.Pin(&jc)
		resTok := p.ep.Pin(results)

		var w wbuf
		w.header(tagOwnerReq, p.me, home)
		w.u8(uint8(accessPut))
		w.u64(jcTok)
		w.u64(resTok)
		w.ptrs([]gmt.Ptr{mp})
		p.ep.AMRequest(p.hOwnerReq, w.b, home)
		jc.Wait(p.ep)
		p.ep.Unpin(jcTok)
		p.ep.Unpin(resTok)

		owner := results[0].owner
		blockSize := results[0].blockSize

		if owner == gmt.InvalidPid {
			// first touch: this process materializes the page
			entry := p.gmt.FindEntry(mp)
			entry.PageWLock()
			p.check(!entry.PageValid(), "first touch of valid page")
			entry.SetBlockSize(blockSize)
			entry.PagePrepare(p.ep.Alloc(int(blockSize)))
			entry.PageValidate()
			entry.PageWUnlock()
			owner = p.me
		}
		p.check(owner < p.nprocs || owner == gmt.MigratingPid, "bad owner %d", owner)

		if owner != gmt.MigratingPid && p.requestRMW(fn, mp, size, in, out, owner) {
			return
		}

		p.ep.Poll()
		retries++
		if retries >= retryFuse {
			p.throw(ErrContention, "rmw did not settle after %d retries", retries)
		}
	}
}

func (p *Proc) requestRMW(fn uint64, mp gmt.Ptr, size uint64, in, out []byte, owner uint32) bool {
	wait := &rmwWait{out: out}
	wait.jc.Init(1)
	tok := p.ep.Pin(wait)

	var w wbuf
	w.header(tagRMWReq, p.me, owner)
	w.u64(fn)
	w.u64(uint64(mp))
	w.u64(size)
	w.u64(tok)                    // result_ptr
	w.u64(uint64(len(in)))        // in_size
	w.u64(tok)                    // out_ptr
	w.u64(uint64(len(wait.out))) // out_size
	w.u64(tok)                    // handle
	w.bytes(in)
	p.ep.AMRequest(p.hRMWReq, w.b, owner)

	wait.jc.Wait(p.ep)
	p.ep.Unpin(tok)
	return wait.success
}

func (p *Proc) handleRMWReq(ep *comm.Endpoint, m *comm.Msg) {
	r := rbuf{b: m.Data}
	_, initiator, _ := r.header()
	fn := r.u64()
	mp := gmt.Ptr(r.u64())
	size := r.u64()
	resultTok := r.u64()
	inSize := r.u64()
	outTok := r.u64()
	outSize := r.u64()
	handleTok := r.u64()
	in := r.bytes(int(inSize))

	entry := p.gmt.FindEntry(mp)
	entry.PageRLock()
	success := entry.PageValid()
	var outBuf []byte
	if success {
		off := p.gmt.BlockOffset(mp)
		outBuf = make([]byte, outSize)
		rmwFuncs[fn](entry.Block()[off:off+size], in, outBuf)
	}
	entry.PageRUnlock()

	var w wbuf
	w.header(tagRMWRes, p.me, initiator)
	if success {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.u64(resultTok)
	w.u64(outTok)
	w.u64(uint64(len(outBuf)))
	w.u64(handleTok)
	w.bytes(outBuf)
	ep.AMReply(p.hRMWRes, w.b, m)
}

func (p *Proc) handleRMWRes(ep *comm.Endpoint, m *comm.Msg) {
	r := rbuf{b: m.Data}
	r.header()
	success := r.u8() != 0
	resultTok := r.u64()
	r.u64() // out_ptr; same wait record
	outSize := r.u64()
	r.u64() // handle; same wait record
	wait := ep.Resolve(resultTok).(*rmwWait)
	if success {
		copy(wait.out, r.bytes(int(outSize)))
	}
	wait.success = success
	wait.jc.Notify(1)
}
