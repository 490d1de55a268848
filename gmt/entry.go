package gmt

import (
	"github.com/s417-lama/massivethreads-dm/internal/spin"
)

// Owner sentinels. A page never touched has owner InvalidPid; during
// an ownership transfer the home publishes MigratingPid until the new
// owner finalizes. The home-side owner field moves
// InvalidPid → pid → MigratingPid → new pid and never returns to
// InvalidPid.
const (
	InvalidPid   uint32 = 1<<32 - 1
	MigratingPid uint32 = 1<<32 - 2
)

type pageState uint8

const (
	pageInvalid pageState = iota
	pageOwned
)

// An Entry is one page's metadata on one process: the page buffer and
// its state behind a readers-writer page lock, and (meaningful on the
// page's home) the owner directory field behind its own mutex. The
// page lock and the owner mutex never nest in reverse order.
type Entry struct {
	pageLock spin.RWLock
	page     []byte
	state    pageState

	homeLock  spin.Lock
	owner     uint32
	blockSize uint64
}

func newEntry(poll func()) *Entry {
	e := &Entry{}
	e.pageLock.Init(poll)
	e.homeLock.Init(poll)
	e.owner = InvalidPid
	return e
}

// Reset prepares an entry for a page of blockSize bytes with no local
// buffer.
func (e *Entry) Reset(blockSize uint64) {
	assert(!e.pageLock.Reading() && !e.pageLock.Writing(), "gmt: reset of locked entry")
	e.page = nil
	e.state = pageInvalid
	e.owner = InvalidPid
	e.blockSize = blockSize
}

// ResetAndTouch prepares an entry whose page is immediately owned by
// this process, backed by buf.
func (e *Entry) ResetAndTouch(blockSize uint64, owner uint32, buf []byte) {
	e.Reset(blockSize)
	e.page = buf
	e.state = pageOwned
	e.owner = owner
}

// Page lock operations gate the physical page buffer.

func (e *Entry) PageRLock()         { e.pageLock.RLock() }
func (e *Entry) PageTryRLock() bool { return e.pageLock.TryRLock() }
func (e *Entry) PageRUnlock()       { e.pageLock.RUnlock() }
func (e *Entry) PageWLock()         { e.pageLock.WLock() }
func (e *Entry) PageTryWLock() bool { return e.pageLock.TryWLock() }
func (e *Entry) PageWUnlock()       { e.pageLock.WUnlock() }
func (e *Entry) PageReading() bool  { return e.pageLock.Reading() }
func (e *Entry) PageWriting() bool  { return e.pageLock.Writing() }

// PageInvalid reports whether the page has no valid local copy.
func (e *Entry) PageInvalid() bool { return e.state == pageInvalid }

// PageValid reports whether this process holds the page.
func (e *Entry) PageValid() bool { return e.state == pageOwned }

// PagePrepare installs a page buffer without validating it. The caller
// holds the page write lock.
func (e *Entry) PagePrepare(buf []byte) {
	assert(e.state == pageInvalid, "gmt: prepare of valid page")
	e.page = buf
}

// PageValidate marks the prepared page as owned.
func (e *Entry) PageValidate() {
	assert(e.page != nil, "gmt: validate without page")
	e.state = pageOwned
}

// PageInvalidate drops the local page and returns its buffer. The
// caller holds the page write lock.
func (e *Entry) PageInvalidate() []byte {
	buf := e.page
	e.page = nil
	e.state = pageInvalid
	return buf
}

// Block returns the local page buffer.
func (e *Entry) Block() []byte { return e.page }

// BlockSize returns the page size in bytes.
func (e *Entry) BlockSize() uint64 { return e.blockSize }

// Owner directory operations, valid on the page's home process.

// GetOwner resolves the page's owner for initiator. On first touch it
// elects initiator and reports InvalidPid so the initiator knows to
// materialize the page itself; concurrent first-touchers serialize on
// the owner mutex and exactly one wins.
func (e *Entry) GetOwner(initiator uint32) (owner uint32, blockSize uint64) {
	e.homeLock.Lock()
	owner = e.owner
	if owner == InvalidPid {
		e.owner = initiator
	}
	blockSize = e.blockSize
	e.homeLock.Unlock()
	return owner, blockSize
}

// RawOwner reads the owner field without electing anyone.
func (e *Entry) RawOwner() uint32 {
	e.homeLock.Lock()
	o := e.owner
	e.homeLock.Unlock()
	return o
}

// BeginMigration starts an ownership transfer to initiator. The
// returned owner is InvalidPid on first touch (initiator becomes owner
// with no transfer), MigratingPid when another migration is in flight
// (the initiator gives up this page), or the previous owner, in which
// case the field is parked at MigratingPid until EndMigration.
func (e *Entry) BeginMigration(initiator uint32) (owner uint32, blockSize uint64) {
	e.homeLock.Lock()
	owner = e.owner
	switch owner {
	case InvalidPid:
		e.owner = initiator
	case MigratingPid:
		// already in flight
	default:
		e.owner = MigratingPid
	}
	blockSize = e.blockSize
	e.homeLock.Unlock()
	return owner, blockSize
}

// EndMigration publishes the new owner after the data transfer
// finished.
func (e *Entry) EndMigration(owner uint32) {
	e.homeLock.Lock()
	assert(e.owner == MigratingPid, "gmt: end of migration that never began")
	e.owner = owner
	e.homeLock.Unlock()
}

// SetBlockSize records the page size on a non-home replica that
// learned it from an owner response.
func (e *Entry) SetBlockSize(n uint64) {
	if e.blockSize == 0 {
		e.blockSize = n
	}
}
