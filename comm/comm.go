// Package comm provides the portable communication surface the runtime
// is built on: one-sided put/get, a 64-bit remote fetch-and-add, active
// messages with registered handler ids, symmetric allocation, and the
// collectives (barrier, broadcast, gather, reduce).
//
// The package ships a loopback transport that runs N peer processes
// inside a single OS process, one endpoint per peer. Peers share the
// address space, so remote memory operations are direct memory copies
// and the wire addresses are real addresses of registered buffers; the
// visible semantics (delivery order per sender/receiver pair, handler
// serialization per receiver, release/acquire ordering of PutValue
// against FetchAndAdd) are those of the RDMA/AM layer the runtime
// assumes.
package comm

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// MaxMedium is the largest active-message payload delivered in one
// piece. Larger payloads are fragmented into ordered chunks and
// reassembled at the receiver.
const MaxMedium = 4096

// A HandlerID names an active-message handler. Handlers are registered
// at initialization in the same order on every peer, so equal ids
// resolve to equal handlers cluster-wide.
type HandlerID uint32

// A HandlerFunc runs inside the receiver's progress context. It may
// call AMReply at most once on the message and must not call Poll.
type HandlerFunc func(ep *Endpoint, m *Msg)

// A Msg is a delivered active message.
type Msg struct {
	Initiator uint32
	Data      []byte
}

type delivery struct {
	h         HandlerID
	initiator uint32
	data      []byte

	// fragmentation header; total == 0 for unfragmented messages
	fragID uint32
	offset uint32
	total  uint32
}

type fragKey struct {
	sender uint32
	fragID uint32
}

type fragBuf struct {
	data []byte
	got  uint32
}

// A Cluster is a set of loopback peers sharing one address space.
type Cluster struct {
	n   uint32
	eps []*Endpoint

	// registered memory; keeps every buffer whose address travels on
	// the wire reachable and heap-resident
	memMu sync.Mutex
	mem   [][]byte

	// collectives
	barCount uint64
	barGen   uint64
	collSlot []uint64
}

// NewCluster creates n loopback peers.
func NewCluster(n int) *Cluster {
	c := &Cluster{
		n:        uint32(n),
		collSlot: make([]uint64, n),
	}
	c.eps = make([]*Endpoint, n)
	for i := 0; i < n; i++ {
		c.eps[i] = &Endpoint{
			pid: uint32(i),
			c:   c,
		}
		c.eps[i].frags = make(map[fragKey]*fragBuf)
		c.eps[i].pins = make(map[uint64]any)
	}
	return c
}

// Endpoint returns the endpoint of peer pid.
func (c *Cluster) Endpoint(pid int) *Endpoint {
	return c.eps[pid]
}

// An Endpoint is one peer's attachment to the cluster.
type Endpoint struct {
	pid uint32
	c   *Cluster

	handlers []HandlerFunc

	inboxMu sync.Mutex
	inbox   []delivery

	polling int32
	fragSeq uint32
	frags   map[fragKey]*fragBuf

	pinMu  sync.Mutex
	pinSeq uint64
	pins   map[uint64]any

	barArrived uint64 // generation this endpoint last arrived at
}

// Pid returns this peer's dense process id.
func (e *Endpoint) Pid() uint32 { return e.pid }

// Nprocs returns the number of peers.
func (e *Endpoint) Nprocs() uint32 { return e.c.n }

// RegisterHandler registers f and returns its id. All peers must
// register their handlers in the same order.
func (e *Endpoint) RegisterHandler(f HandlerFunc) HandlerID {
	e.handlers = append(e.handlers, f)
	return HandlerID(len(e.handlers) - 1)
}

// Poll advances incoming message processing. Handlers run serialized:
// a Poll that finds another Poll in progress on the same endpoint
// returns immediately.
func (e *Endpoint) Poll() {
	runtime.Gosched()
	if !atomic.CompareAndSwapInt32(&e.polling, 0, 1) {
		return
	}
	for {
		e.inboxMu.Lock()
		if len(e.inbox) == 0 {
			e.inboxMu.Unlock()
			break
		}
		d := e.inbox[0]
		e.inbox = e.inbox[1:]
		e.inboxMu.Unlock()
		e.dispatch(d)
	}
	atomic.StoreInt32(&e.polling, 0)
}

func (e *Endpoint) dispatch(d delivery) {
	if d.total != 0 {
		// reassemble a fragmented message
		k := fragKey{d.initiator, d.fragID}
		fb := e.frags[k]
		if fb == nil {
			fb = &fragBuf{data: make([]byte, d.total)}
			e.frags[k] = fb
		}
		copy(fb.data[d.offset:], d.data)
		fb.got += uint32(len(d.data))
		if fb.got < d.total {
			return
		}
		delete(e.frags, k)
		d.data = fb.data
	}
	e.handlers[d.h](e, &Msg{Initiator: d.initiator, Data: d.data})
}

func (e *Endpoint) send(h HandlerID, data []byte, target uint32) {
	dst := e.c.eps[target]
	if len(data) <= MaxMedium {
		buf := make([]byte, len(data))
		copy(buf, data)
		dst.enqueue(delivery{h: h, initiator: e.pid, data: buf})
		return
	}
	id := atomic.AddUint32(&e.fragSeq, 1)
	total := uint32(len(data))
	for off := 0; off < len(data); off += MaxMedium {
		end := off + MaxMedium
		if end > len(data) {
			end = len(data)
		}
		chunk := make([]byte, end-off)
		copy(chunk, data[off:end])
		dst.enqueue(delivery{
			h: h, initiator: e.pid, data: chunk,
			fragID: id, offset: uint32(off), total: total,
		})
	}
}

func (e *Endpoint) enqueue(d delivery) {
	e.inboxMu.Lock()
	e.inbox = append(e.inbox, d)
	e.inboxMu.Unlock()
}

// AMRequest sends an active message running handler h at target.
func (e *Endpoint) AMRequest(h HandlerID, data []byte, target uint32) {
	e.send(h, data, target)
}

// AMReply sends a reply for m back to its initiator, running handler h
// there. Valid only inside the handler that received m.
func (e *Endpoint) AMReply(h HandlerID, data []byte, m *Msg) {
	e.send(h, data, m.Initiator)
}

// Pin registers v and returns a token that travels on the wire as a
// u64 and resolves back to v on this endpoint. The loopback analog of
// passing a local pointer through an active message and back.
func (e *Endpoint) Pin(v any) uint64 {
	e.pinMu.Lock()
	e.pinSeq++
	tok := e.pinSeq
	e.pins[tok] = v
	e.pinMu.Unlock()
	return tok
}

// Resolve returns the value pinned under tok.
func (e *Endpoint) Resolve(tok uint64) any {
	e.pinMu.Lock()
	v := e.pins[tok]
	e.pinMu.Unlock()
	if v == nil {
		panic("comm: resolve of unpinned token")
	}
	return v
}

// Unpin releases tok.
func (e *Endpoint) Unpin(tok uint64) {
	e.pinMu.Lock()
	delete(e.pins, tok)
	e.pinMu.Unlock()
}

// A JoinCounter counts outstanding replies. Notify is called from
// message handlers; Wait polls the endpoint until the count reaches
// zero.
type JoinCounter struct {
	count int64
}

// Init sets the number of events to wait for.
func (jc *JoinCounter) Init(n int) {
	atomic.StoreInt64(&jc.count, int64(n))
}

// Notify records n completed events.
func (jc *JoinCounter) Notify(n int) {
	atomic.AddInt64(&jc.count, -int64(n))
}

// Wait polls ep until the counter reaches zero.
func (jc *JoinCounter) Wait(ep *Endpoint) {
	for atomic.LoadInt64(&jc.count) > 0 {
		ep.Poll()
	}
}
