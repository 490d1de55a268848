package spin

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLockMutualExclusion(t *testing.T) {
	l := NewLock(runtime.Gosched)
	var held, max int32
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				l.Lock()
				if n := atomic.AddInt32(&held, 1); n > atomic.LoadInt32(&max) {
					atomic.StoreInt32(&max, n)
				}
				atomic.AddInt32(&held, -1)
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	if max != 1 {
		t.Errorf("max holders = %d, want 1", max)
	}
}

func TestTryLock(t *testing.T) {
	l := NewLock(runtime.Gosched)
	if !l.TryLock() {
		t.Fatal("TryLock of free lock failed")
	}
	if l.TryLock() {
		t.Fatal("TryLock of held lock succeeded")
	}
	l.Unlock()
	if !l.TryLock() {
		t.Fatal("TryLock after Unlock failed")
	}
	l.Unlock()
}

func TestRWLockReaders(t *testing.T) {
	var l RWLock
	l.Init(runtime.Gosched)

	l.RLock()
	if !l.TryRLock() {
		t.Fatal("second reader rejected")
	}
	if l.TryWLock() {
		t.Fatal("writer admitted alongside readers")
	}
	l.RUnlock()
	l.RUnlock()

	if !l.TryWLock() {
		t.Fatal("writer rejected on free lock")
	}
	if l.TryRLock() {
		t.Fatal("reader admitted alongside writer")
	}
	l.WUnlock()
}

func TestRWLockCounter(t *testing.T) {
	var l RWLock
	l.Init(runtime.Gosched)
	counter := 0
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				l.WLock()
				counter++
				l.WUnlock()
			}
		}()
	}
	wg.Wait()
	if counter != 2000 {
		t.Errorf("counter = %d, want 2000", counter)
	}
}
