package uth

import (
	"encoding/binary"
	"testing"
)

// fibTask computes fib(n) by forking both halves and joining them.
var fibTask uint32

func init() {
	fibTask = RegisterTask(func(w *Worker, fut Future, args []uint64) {
		n := args[0]
		var result uint64
		if n < 2 {
			result = n
		} else {
			p := w.Proc()
			f1 := p.MakeFuture(8)
			w.Fork(fibTask, f1, n-1)
			f2 := p.MakeFuture(8)
			w.Fork(fibTask, f2, n-2)

			var b [8]byte
			w.Join(f2, b[:])
			result = binary.LittleEndian.Uint64(b[:])
			w.Join(f1, b[:])
			result += binary.LittleEndian.Uint64(b[:])
		}
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], result)
		w.Proc().Fill(fut, b[:])
	})
}

func TestForkJoinSingle(t *testing.T) {
	runUthProcs(t, 1, Options{}, func(p *Proc) {
		w := p.Worker(0)
		fut := p.MakeFuture(8)
		w.Fork(fibTask, fut, 15)
		var b [8]byte
		w.Join(fut, b[:])
		if got := binary.LittleEndian.Uint64(b[:]); got != 610 {
			t.Errorf("fib(15) = %d, want 610", got)
		}
	})
}

// TestForkJoinStealing runs the fork/join tree on two processes; the
// idle peer steals frames until global termination.
func TestForkJoinStealing(t *testing.T) {
	runUthProcs(t, 2, Options{}, func(p *Proc) {
		w := p.Worker(0)
		p.Barrier()

		if p.Pid() == 0 {
			fut := p.MakeFuture(8)
			w.Fork(fibTask, fut, 18)
			var b [8]byte
			w.Join(fut, b[:])
			if got := binary.LittleEndian.Uint64(b[:]); got != 2584 {
				t.Errorf("fib(18) = %d, want 2584", got)
			}
		}

		// termination: arrive, then keep stealing until all peers do
		p.ep.BarrierNotify()
		for !p.ep.BarrierTry() {
			w.SchedulerWork()
		}

		st := w.Stats()
		if p.Pid() == 0 && st.Forks == 0 {
			t.Error("no forks recorded")
		}
		t.Logf("pid %d: forks=%d pops=%d steals=%d/%d maxdepth=%d",
			p.Pid(), st.Forks, st.Pops, st.Steals, st.StealAttempts, st.MaxDepth)
	})
}

// TestCallbacksOnSteal checks that the thief runs AtThreadResuming
// before entering a stolen frame, and never more often than it stole.
// AtParentIsStolen is installed too, but whether a join finds the
// deque dry depends on timing, so its count is not checked.
func TestCallbacksOnSteal(t *testing.T) {
	runUthProcs(t, 2, Options{}, func(p *Proc) {
		w := p.Worker(0)
		resumed := 0
		stolenSeen := 0
		w.AtThreadResuming = func() { resumed++ }
		w.AtParentIsStolen = func() { stolenSeen++ }
		p.Barrier()

		if p.Pid() == 0 {
			fut := p.MakeFuture(8)
			w.Fork(fibTask, fut, 16)
			var b [8]byte
			w.Join(fut, b[:])
		}
		p.ep.BarrierNotify()
		for !p.ep.BarrierTry() {
			w.SchedulerWork()
		}

		st := w.Stats()
		if st.Steals > 0 && resumed == 0 {
			t.Error("stole frames without AtThreadResuming")
		}
		if resumed > int(st.Steals) {
			t.Errorf("AtThreadResuming fired %d times for %d steals", resumed, st.Steals)
		}
	})
}
