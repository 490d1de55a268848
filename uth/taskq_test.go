package uth

import (
	"sync"
	"testing"
	"time"

	"github.com/s417-lama/massivethreads-dm/comm"
)

// TestStealLinearization is the steal-correctness scenario: a victim
// pushes 1000 labelled entries and pops concurrently with a remote
// thief; the union of victim pops and thief steals is exactly the
// pushed set, with no duplicates.
func TestStealLinearization(t *testing.T) {
	const n = 1000
	c := comm.NewCluster(2)
	var wg sync.WaitGroup

	victimGot := make(map[uint64]int)
	thiefGot := make(map[uint64]int)
	var victimDone, thiefDone sync.WaitGroup
	victimDone.Add(1)
	thiefDone.Add(1)

	wg.Add(2)
	go func() { // victim, pid 0
		defer wg.Done()
		ep := c.Endpoint(0)
		q := newTaskq(ep, 1<<12)

		for i := uint64(0); i < n; i++ {
			var e Entry
			e.Args[0] = i
			e.NArgs = 1
			q.push(&e)
		}
		// pop until the deque drains; thief works the other end
		for {
			var e Entry
			if q.pop(&e) {
				victimGot[e.Args[0]]++
				continue
			}
			// deque observed empty; the victim pushes no more, so
			// nothing is left for either side
			if q.depth() == 0 {
				break
			}
		}
		victimDone.Done()
		thiefDone.Wait()
		ep.Barrier()
	}()
	go func() { // thief, pid 1
		defer wg.Done()
		ep := c.Endpoint(1)
		q := newTaskq(ep, 1<<12)

		for {
			if q.empty(0) {
				// before the first steal an empty deque may only mean
				// the victim has not pushed yet: keep trying until a
				// steal succeeded or the victim is done
				if len(thiefGot) > 0 || victimWaitDone(&victimDone) {
					break
				}
				ep.Poll()
				continue
			}
			if !q.stealTryLock(0) {
				ep.Poll()
				continue
			}
			var e Entry
			ok := q.steal(0, &e)
			q.stealUnlock(0)
			if ok {
				thiefGot[e.Args[0]]++
			}
		}
		thiefDone.Done()
		victimDone.Wait()
		ep.Barrier()
	}()
	wg.Wait()

	total := 0
	for label, cnt := range victimGot {
		if cnt != 1 {
			t.Errorf("victim popped label %d %d times", label, cnt)
		}
		if thiefGot[label] != 0 {
			t.Errorf("label %d both popped and stolen", label)
		}
		total += cnt
	}
	for label, cnt := range thiefGot {
		if cnt != 1 {
			t.Errorf("thief stole label %d %d times", label, cnt)
		}
		total += cnt
	}
	if total != n {
		t.Errorf("union size = %d, want %d", total, n)
	}
}

// victimWaitDone reports whether wg has been released, waiting at most
// a millisecond for it.
func victimWaitDone(wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(time.Millisecond):
		return false
	}
}

// TestPushPopLocal drives the deque through LIFO cycles with no thief.
func TestPushPopLocal(t *testing.T) {
	c := comm.NewCluster(1)
	ep := c.Endpoint(0)
	q := newTaskq(ep, 64)

	for round := 0; round < 3; round++ {
		for i := uint64(0); i < 40; i++ {
			var e Entry
			e.Args[0] = i
			q.push(&e)
		}
		for i := uint64(40); i > 0; i-- {
			var e Entry
			if !q.pop(&e) {
				t.Fatalf("round %d: pop %d failed", round, i)
			}
			if e.Args[0] != i-1 {
				t.Fatalf("round %d: popped %d, want %d", round, e.Args[0], i-1)
			}
		}
		var e Entry
		if q.pop(&e) {
			t.Fatal("pop of empty deque succeeded")
		}
	}
}

// TestPushOverflowRecenter fills the deque to the top after the base
// advanced, forcing the live window back toward the center.
func TestPushOverflowRecenter(t *testing.T) {
	c := comm.NewCluster(1)
	ep := c.Endpoint(0)
	const qcap = 16
	q := newTaskq(ep, qcap)

	// advance base by stealing a few entries locally
	for i := uint64(0); i < qcap; i++ {
		var e Entry
		e.Args[0] = i
		q.push(&e)
	}
	if !q.stealTryLock(0) {
		t.Fatal("lock")
	}
	for i := 0; i < 6; i++ {
		var e Entry
		if !q.steal(0, &e) {
			t.Fatal("steal")
		}
	}
	q.stealUnlock(0)

	// top sits at capacity; the next push must recenter, not die
	var e Entry
	e.Args[0] = 99
	q.push(&e)

	var got Entry
	if !q.pop(&got) || got.Args[0] != 99 {
		t.Fatal("entry pushed after recenter lost")
	}
	// the surviving window must still hold entries 6..15 in order
	for i := uint64(qcap - 1); i >= 6; i-- {
		if !q.pop(&got) || got.Args[0] != i {
			t.Fatalf("after recenter: got %d, want %d", got.Args[0], i)
		}
	}
}

// TestTwoThieves: two concurrent thieves never obtain the same entry.
func TestTwoThieves(t *testing.T) {
	const n = 500
	c := comm.NewCluster(3)
	var wg sync.WaitGroup
	got := make([]map[uint64]int, 3)
	var pushed sync.WaitGroup
	pushed.Add(1)

	for pid := 0; pid < 3; pid++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			ep := c.Endpoint(pid)
			q := newTaskq(ep, 1<<10)
			got[pid] = make(map[uint64]int)

			if pid == 0 {
				for i := uint64(0); i < n; i++ {
					var e Entry
					e.Args[0] = i
					q.push(&e)
				}
				pushed.Done()
				ep.Barrier()
				return
			}

			pushed.Wait()
			for !q.empty(0) {
				if !q.stealTryLock(0) {
					ep.Poll()
					continue
				}
				var e Entry
				ok := q.steal(0, &e)
				q.stealUnlock(0)
				if ok {
					got[pid][e.Args[0]]++
				}
			}
			ep.Barrier()
		}(pid)
	}
	wg.Wait()

	total := 0
	for pid := 1; pid <= 2; pid++ {
		for label, cnt := range got[pid] {
			if cnt != 1 {
				t.Errorf("thief %d took label %d %d times", pid, label, cnt)
			}
			if got[3-pid][label] != 0 {
				t.Errorf("label %d taken by both thieves", label)
			}
			total += cnt
		}
	}
	if total != n {
		t.Errorf("stolen total = %d, want %d", total, n)
	}
}
