package mgas

import (
	"sort"

	"github.com/s417-lama/massivethreads-dm/comm"
	"github.com/s417-lama/massivethreads-dm/gmt"
	"github.com/s417-lama/massivethreads-dm/internal/spin"
)

// The copy protocol. copyV moves data between local buffers and the
// pages of the global address space in six steps: a fast path over
// locally owned pages, owner resolution at the homes, page
// preparation for first touch and migration, partitioning by owner,
// the data transfer proper, and retry of pairs whose pages were
// locked or migrating. Retry lists are kept sorted by pointer so
// concurrent migrations serialize through the homes and terminate.

type access uint8

const (
	accessPut access = iota
	accessGet
	accessOwn
)

func (a access) String() string {
	switch a {
	case accessPut:
		return "PUT"
	case accessGet:
		return "GET"
	case accessOwn:
		return "OWN"
	}
	return "?"
}

// partitions groups pairs by a key pid, preserving first-seen key
// order so result indices line up across protocol steps.
type partitions struct {
	keys  []uint32
	pairs map[uint32][]pair
	total int
}

func newPartitions() *partitions {
	return &partitions{pairs: make(map[uint32][]pair)}
}

func (ps *partitions) add(key uint32, pr pair) {
	if _, ok := ps.pairs[key]; !ok {
		ps.keys = append(ps.keys, key)
	}
	ps.pairs[key] = append(ps.pairs[key], pr)
	ps.total++
}

func sortPairs(ps []pair) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].mp < ps[j].mp })
}

// copyV runs the full protocol for pairs under the given access mode.
func (p *Proc) copyV(pairs []pair, acc access) {
	switch acc {
	case accessGet:
		p.prof.add(profCopyGet, totalSize(pairs))
	case accessPut:
		p.prof.add(profCopyPut, totalSize(pairs))
	case accessOwn:
		p.prof.add(profCopyOwn, totalSize(pairs))
	}

	// fast path: copy through locally owned pages
	try := p.copyOwnedPages(pairs, acc)

	retries := 0
	for len(try) > 0 {
		try = p.tryCopyV(try, acc)
		p.ep.Poll()
		retries++
		if retries >= retryFuse {
			p.throw(ErrContention, "copy_v did not settle after %d retries", retries)
		}
	}
	if retries > 10 {
		dputs("pid %d: copy_v retries = %d", p.me, retries)
	}
}

func totalSize(pairs []pair) uint64 {
	var n uint64
	for _, pr := range pairs {
		n += pr.size
	}
	return n
}

// copyOwnedPages serves pairs whose page is already owned here and
// returns the rest. OWN pairs arrive with their pages write-locked,
// so only PUT/GET take the read lock.
func (p *Proc) copyOwnedPages(pairs []pair, acc access) []pair {
	var remote []pair
	for _, pr := range pairs {
		entry := p.gmt.FindEntry(pr.mp)
		if acc != accessOwn {
			entry.PageRLock()
		}
		if entry.PageValid() {
			off := p.gmt.BlockOffset(pr.mp)
			page := entry.Block()
			switch acc {
			case accessGet:
				p.prof.add(profMemGet, pr.size)
				p.ep.Put(pr.addr, page[off:off+pr.size], p.me)
			case accessPut:
				p.prof.add(profMemPut, pr.size)
				p.ep.Get(page[off:off+pr.size], pr.addr, p.me)
			}
		} else {
			remote = append(remote, pr)
		}
		if acc != accessOwn {
			entry.PageRUnlock()
		}
	}
	return remote
}

// tryCopyV runs one round of the remote protocol and returns the pairs
// that must be retried.
func (p *Proc) tryCopyV(pairs []pair, acc access) []pair {
	homeParts := newPartitions()
	for _, pr := range pairs {
		homeParts.add(p.gmt.Home(pr.mp), pr)
	}

	results := make([]ownerResult, len(pairs))
	p.requestOwners(homeParts, acc, results)
	p.preparePages(homeParts, acc, results)

	ownerParts := newPartitions()
	idx := 0
	for _, home := range homeParts.keys {
		for _, pr := range homeParts.pairs[home] {
			res := results[idx]
			ownerParts.add(res.owner, pr)
			idx++
		}
	}

	var done, retry []pair
	p.requestDataTransfers(ownerParts, acc, &done, &retry)

	if acc == accessOwn {
		sortPairs(done)
		p.requestOwnerChange(done)
	}
	sortPairs(retry)
	return retry
}

/*
 * step 2: owner resolution
 */

func (p *Proc) requestOwners(homeParts *partitions, acc access, results []ownerResult) {
	p.prof.add(profOwnerReq, uint64(homeParts.total))

	var jc comm.JoinCounter
	jc.Init(len(homeParts.keys))
	jcTok := p.ep.Pin(&jc)

	var resToks []uint64
	idx := 0
	for _, home := range homeParts.keys {
		part := homeParts.pairs[home]
		mps := make([]gmt.Ptr, len(part))
		for i, pr := range part {
			mps[i] = pr.mp
		}
		resBuf := results[idx : idx+len(part)]
		resTok := p.ep.Pin(resBuf)
		resToks = append(resToks, resTok)

		var w wbuf
		w.header(tagOwnerReq, p.me, home)
		w.u8(uint8(acc))
		w.u64(jcTok)
		w.u64(resTok)
		w.ptrs(mps)
		p.ep.AMRequest(p.hOwnerReq, w.b, home)

		idx += len(part)
	}

	jc.Wait(p.ep)
	p.ep.Unpin(jcTok)
	for _, t := range resToks {
		p.ep.Unpin(t)
	}
}

// handleOwnerReq resolves owners at the home. For OWN it atomically
// parks valid owners at MigratingPid; requests naming several rows of
// one page collapse to the first row's answer so a page migrates once.
func (p *Proc) handleOwnerReq(ep *comm.Endpoint, m *comm.Msg) {
	r := rbuf{b: m.Data}
	_, initiator, _ := r.header()
	acc := access(r.u8())
	jcTok := r.u64()
	resTok := r.u64()
	mps := r.ptrs()

	results := make([]ownerResult, len(mps))
	for i, mp := range mps {
		p.check(p.gmt.Home(mp) == p.me, "owner request for foreign page")
		entry := p.gmt.FindEntry(mp)
		if acc == accessOwn {
			results[i].owner, results[i].blockSize = entry.BeginMigration(initiator)
		} else {
			results[i].owner, results[i].blockSize = entry.GetOwner(initiator)
		}
		p.check(results[i].blockSize > 0, "page with unknown block size")
	}

	if acc == accessOwn {
		prevBase := gmt.Null
		prevOwner := gmt.InvalidPid
		for i, mp := range mps {
			base := p.gmt.BlockBase(mp)
			if base != prevBase {
				prevBase = base
				prevOwner = results[i].owner
			} else {
				results[i].owner = prevOwner
			}
		}
	}

	var w wbuf
	w.header(tagOwnerRes, p.me, initiator)
	w.u64(jcTok)
	w.u64(resTok)
	w.u64(uint64(len(results)))
	for _, res := range results {
		w.u32(res.owner)
		w.u64(res.blockSize)
	}
	ep.AMReply(p.hOwnerRes, w.b, m)
}

func (p *Proc) handleOwnerRes(ep *comm.Endpoint, m *comm.Msg) {
	r := rbuf{b: m.Data}
	r.header()
	jcTok := r.u64()
	resTok := r.u64()
	n := int(r.u64())
	buf := ep.Resolve(resTok).([]ownerResult)
	for i := 0; i < n; i++ {
		buf[i].owner = r.u32()
		buf[i].blockSize = r.u64()
	}
	ep.Resolve(jcTok).(*comm.JoinCounter).Notify(1)
}

/*
 * step 3: page preparation
 */

// preparePages materializes page buffers for first touch and for OWN
// migration targets. First-touch PUT/GET pages validate immediately;
// OWN pages stay write-locked and invalid until the transfer lands.
func (p *Proc) preparePages(homeParts *partitions, acc access, results []ownerResult) {
	idx := 0
	for _, home := range homeParts.keys {
		part := homeParts.pairs[home]
		for i := range part {
			res := &results[idx]
			idx++

			if res.owner != gmt.InvalidPid && acc != accessOwn {
				continue
			}
			if res.owner == gmt.MigratingPid {
				// OWN gives this page up; nothing to prepare
				continue
			}

			pr := &part[i]
			entry := p.gmt.FindEntry(pr.mp)
			if acc != accessOwn {
				entry.PageWLock()
			}
			p.check(entry.PageInvalid(), "prepare of valid page")

			entry.SetBlockSize(res.blockSize)
			page := p.ep.Alloc(int(res.blockSize))
			entry.PagePrepare(page)

			if acc != accessOwn {
				// first touch
				entry.PageValidate()
				entry.PageWUnlock()
			} else {
				pr.addr = comm.AddrOf(page)
				pr.size = res.blockSize
			}
		}
	}
}

/*
 * step 5: data transfer
 */

// dataRepArg is the initiator-side state a DATA_RES reply resolves to.
type dataRepArg struct {
	pairs []pair
	acc   access
	lock  *spin.Lock
	done  *[]pair
	retry *[]pair
	jc    *comm.JoinCounter
}

func (p *Proc) requestDataTransfers(ownerParts *partitions, acc access, done, retry *[]pair) {
	var lock spin.Lock
	lock.Init(p.ep.Poll)

	var jc comm.JoinCounter
	jc.Init(len(ownerParts.keys))

	var toks []uint64
	for _, owner := range ownerParts.keys {
		part := ownerParts.pairs[owner]

		if owner == gmt.InvalidPid && acc != accessOwn {
			// first touch: the pages validated in preparePages and
			// this process is now their owner
			owner = p.me
		}

		switch owner {
		case gmt.InvalidPid:
			// OWN first touch: the home already recorded this process
			// as owner; publish the prepared pages
			for i := range part {
				entry := p.gmt.FindEntry(part[i].mp)
				entry.PageValidate()
				entry.PageWUnlock()
			}
			jc.Notify(1)

		case gmt.MigratingPid:
			for i := range part {
				if acc == accessOwn {
					// give up; another migration is in flight
					entry := p.gmt.FindEntry(part[i].mp)
					entry.PageWUnlock()
				} else {
					lock.Lock()
					*retry = append(*retry, part[i])
					lock.Unlock()
				}
			}
			jc.Notify(1)

		default:
			p.prof.add(profDataReq, uint64(len(part)))
			arg := &dataRepArg{
				pairs: part, acc: acc,
				lock: &lock, done: done, retry: retry, jc: &jc,
			}
			tok := p.ep.Pin(arg)
			toks = append(toks, tok)

			var w wbuf
			w.header(tagDataReq, p.me, owner)
			w.u64(tok)
			w.u8(uint8(acc))
			w.pairs(part)
			p.ep.AMRequest(p.hDataReq, w.b, owner)
		}
	}

	jc.Wait(p.ep)
	for _, t := range toks {
		p.ep.Unpin(t)
	}
}

// handleDataReq serves a transfer at the owner. Pages that cannot be
// locked immediately, or that are no longer valid here, are reported
// back by index for the initiator to retry.
func (p *Proc) handleDataReq(ep *comm.Endpoint, m *comm.Msg) {
	r := rbuf{b: m.Data}
	_, initiator, _ := r.header()
	repTok := r.u64()
	acc := access(r.u8())
	pairs := r.pairs()

	var localVs, remoteVs []comm.MemVec
	var retryIdx []uint64
	var lockedR, lockedW []*gmt.Entry

	for i, pr := range pairs {
		entry := p.gmt.FindEntry(pr.mp)

		if acc == accessOwn {
			if initiator == p.me {
				continue
			}
			if !entry.PageTryWLock() {
				// migrating elsewhere right now
				continue
			}
		} else {
			if !entry.PageTryRLock() {
				retryIdx = append(retryIdx, uint64(i))
				continue
			}
		}

		if entry.PageValid() {
			off := p.gmt.BlockOffset(pr.mp)
			page := entry.Block()
			localVs = append(localVs, comm.MemVec{Addr: comm.AddrOf(page[off:]), Size: pr.size})
			remoteVs = append(remoteVs, comm.MemVec{Addr: pr.addr, Size: pr.size})
			if acc == accessOwn {
				lockedW = append(lockedW, entry)
			} else {
				lockedR = append(lockedR, entry)
			}
		} else {
			if acc == accessOwn {
				entry.PageWUnlock()
			} else {
				entry.PageRUnlock()
			}
			retryIdx = append(retryIdx, uint64(i))
		}
	}

	// one vectored transfer to or from the initiator's buffers
	packed := debug.noncontigpacked != 0
	if len(localVs) > 0 {
		switch acc {
		case accessPut:
			ep.GetV(localVs, remoteVs, initiator, packed)
		case accessGet, accessOwn:
			ep.PutV(remoteVs, localVs, initiator, packed)
		}
	}

	var w wbuf
	w.header(tagDataRes, p.me, initiator)
	w.u64(repTok)
	w.u64(uint64(len(retryIdx)))
	for _, i := range retryIdx {
		w.u64(i)
	}
	ep.AMReply(p.hDataRes, w.b, m)

	// migrated pages leave this process
	for _, entry := range lockedW {
		entry.PageInvalidate()
		entry.PageWUnlock()
	}
	for _, entry := range lockedR {
		entry.PageRUnlock()
	}
}

func (p *Proc) handleDataRes(ep *comm.Endpoint, m *comm.Msg) {
	r := rbuf{b: m.Data}
	r.header()
	arg := ep.Resolve(r.u64()).(*dataRepArg)
	n := int(r.u64())
	retryIdx := make([]uint64, n)
	for i := range retryIdx {
		retryIdx[i] = r.u64()
	}

	arg.lock.Lock()
	ri := 0
	for i, pr := range arg.pairs {
		if ri < len(retryIdx) && uint64(i) == retryIdx[ri] {
			*arg.retry = append(*arg.retry, pr)
			ri++
			continue
		}
		*arg.done = append(*arg.done, pr)
		if arg.acc == accessOwn {
			entry := p.gmt.FindEntry(pr.mp)
			entry.PageValidate()
			entry.PageWUnlock()
		}
	}
	arg.jc.Notify(1)
	arg.lock.Unlock()
}

/*
 * step 6: owner finalization (OWN)
 */

func (p *Proc) requestOwnerChange(done []pair) {
	if len(done) == 0 {
		return
	}
	p.prof.add(profOwnerChange, uint64(len(done)))

	homeParts := newPartitions()
	for _, pr := range done {
		homeParts.add(p.gmt.Home(pr.mp), pr)
	}
	for _, home := range homeParts.keys {
		part := homeParts.pairs[home]
		mps := make([]gmt.Ptr, len(part))
		for i, pr := range part {
			mps[i] = pr.mp
		}
		var w wbuf
		w.header(tagOwnerChange, p.me, home)
		w.ptrs(mps)
		p.ep.AMRequest(p.hOwnerChange, w.b, home)
	}
	// no reply; the home's MigratingPid parking covers the window
}

func (p *Proc) handleOwnerChange(ep *comm.Endpoint, m *comm.Msg) {
	r := rbuf{b: m.Data}
	_, initiator, _ := r.header()
	mps := r.ptrs()
	for _, mp := range mps {
		p.check(p.gmt.Home(mp) == p.me, "owner change for foreign page")
		entry := p.gmt.FindEntry(mp)
		entry.EndMigration(initiator)
	}
}

/*
 * own
 */

// OwnV migrates the pages under mvs to this process. Pages not owned
// here are write-locked up front; the locks release as the transfers
// land or the migration is abandoned to a concurrent one.
func (p *Proc) OwnV(mvs []gmt.Vector) {
	p.giant.Lock()

	var pairs []pair
	it := p.gmt.NewVecIter(mvs)
	for {
		mp, _, ok := it.Next()
		if !ok {
			break
		}
		entry := p.gmt.FindEntry(mp)
		if !entry.PageTryWLock() {
			// migrating already, or a row of a block locked earlier
			// in this same walk
			continue
		}
		if entry.PageValid() {
			entry.PageWUnlock()
			continue
		}
		pairs = append(pairs, pair{mp: p.gmt.BlockBase(mp)})
	}

	p.copyV(pairs, accessOwn)

	p.giant.Unlock()
}
