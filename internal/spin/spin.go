// Package spin implements the spin locks used throughout the runtime.
//
// Every acquire loop yields to the communication layer between retries
// so that active-message handlers keep making progress while a worker
// is blocked on a lock. The poll hook is installed per lock because a
// single address space may host several peer processes.
package spin

import (
	"sync/atomic"
)

// A Lock is a fetch-and-decrement spin lock.
//
// value == 1 means free; value <= 0 means held. Acquisition decrements
// the word and checks the previous value, so a failed attempt leaves
// the word negative until the loser observes it and retries.
type Lock struct {
	value int32
	poll  func()
}

// NewLock returns an unlocked Lock that calls poll between retries.
func NewLock(poll func()) *Lock {
	l := &Lock{poll: poll}
	l.Init(poll)
	return l
}

// Init prepares a zero Lock in place.
func (l *Lock) Init(poll func()) {
	l.value = 1
	l.poll = poll
}

// TryLock attempts to acquire the lock without spinning.
func (l *Lock) TryLock() bool {
	if atomic.AddInt32(&l.value, -1) == 0 {
		return true
	}
	// Leave the word as-is; Unlock restores it to 1.
	return false
}

// Lock acquires the lock, polling between retries.
func (l *Lock) Lock() {
	for atomic.AddInt32(&l.value, -1) != 0 {
		for atomic.LoadInt32(&l.value) <= 0 {
			l.poll()
		}
	}
}

// Unlock releases the lock.
func (l *Lock) Unlock() {
	atomic.StoreInt32(&l.value, 1)
}

// Locked reports whether the lock is currently held.
func (l *Lock) Locked() bool {
	return atomic.LoadInt32(&l.value) <= 0
}

// An RWLock is a reader-preferring readers-writer spin lock.
//
// Readers and writers serialize their state updates through an inner
// Lock; the reader fast path fails without taking it when a writer is
// active.
type RWLock struct {
	lock     Lock
	writing  uint32
	nReaders uint32
}

// Init prepares a zero RWLock in place.
func (l *RWLock) Init(poll func()) {
	l.lock.Init(poll)
	l.writing = 0
	l.nReaders = 0
}

// TryRLock attempts to take a read lock without spinning on a writer.
func (l *RWLock) TryRLock() bool {
	if atomic.LoadUint32(&l.writing) != 0 {
		return false
	}
	l.lock.Lock()
	ok := atomic.LoadUint32(&l.writing) == 0
	if ok {
		l.nReaders++
	}
	l.lock.Unlock()
	return ok
}

// RLock takes a read lock, polling between retries.
func (l *RWLock) RLock() {
	for !l.TryRLock() {
		l.lock.poll()
	}
}

// RUnlock releases a read lock.
func (l *RWLock) RUnlock() {
	l.lock.Lock()
	if l.nReaders == 0 {
		panic("spin: RUnlock of unlocked RWLock")
	}
	l.nReaders--
	l.lock.Unlock()
}

// TryWLock attempts to take the write lock without spinning.
func (l *RWLock) TryWLock() bool {
	if atomic.LoadUint32(&l.nReaders) != 0 || atomic.LoadUint32(&l.writing) != 0 {
		return false
	}
	l.lock.Lock()
	ok := l.nReaders == 0 && atomic.LoadUint32(&l.writing) == 0
	if ok {
		atomic.StoreUint32(&l.writing, 1)
	}
	l.lock.Unlock()
	return ok
}

// WLock takes the write lock, polling between retries.
func (l *RWLock) WLock() {
	for !l.TryWLock() {
		l.lock.poll()
	}
}

// WUnlock releases the write lock.
func (l *RWLock) WUnlock() {
	if atomic.LoadUint32(&l.writing) == 0 {
		panic("spin: WUnlock of unlocked RWLock")
	}
	atomic.StoreUint32(&l.writing, 0)
}

// Reading reports whether any reader holds the lock.
func (l *RWLock) Reading() bool {
	return atomic.LoadUint32(&l.nReaders) != 0
}

// Writing reports whether a writer holds the lock.
func (l *RWLock) Writing() bool {
	return atomic.LoadUint32(&l.writing) != 0
}
