package uth

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/s417-lama/massivethreads-dm/comm"
)

func runUthProcs(t *testing.T, n int, opts Options, f func(p *Proc)) {
	t.Helper()
	c := comm.NewCluster(n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f(New(c.Endpoint(i), opts))
		}(i)
	}
	wg.Wait()
}

func longBytes(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

func TestFutureLocal(t *testing.T) {
	runUthProcs(t, 1, Options{}, func(p *Proc) {
		f := p.MakeFuture(8)
		if !f.Valid() {
			t.Fatal("invalid future from make")
		}
		buf := make([]byte, 8)
		if p.TryGet(f, buf) {
			t.Fatal("unfilled future reported done")
		}
		p.Fill(f, longBytes(42))
		if !p.TryGet(f, buf) {
			t.Fatal("filled future not done")
		}
		if binary.LittleEndian.Uint64(buf) != 42 {
			t.Errorf("value = %d, want 42", binary.LittleEndian.Uint64(buf))
		}
	})
}

// TestFutureIDReuse: a consumed local future's id comes back from the
// free list on the next make of the same size class.
func TestFutureIDReuse(t *testing.T) {
	runUthProcs(t, 1, Options{}, func(p *Proc) {
		f := p.MakeFuture(8)
		p.Fill(f, longBytes(7))
		buf := make([]byte, 8)
		if !p.TryGet(f, buf) {
			t.Fatal("get failed")
		}
		g := p.MakeFuture(8)
		if g.ID != f.ID {
			t.Errorf("id not reused: first %d, second %d", f.ID, g.ID)
		}
		// the recycled cell must be reset
		if p.TryGet(g, buf) {
			t.Error("recycled future born filled")
		}
	})
}

// TestFutureRemote is the future round-trip scenario across two
// processes: P0 makes, P1 fills, P0 gets; the consumed id then flows
// back through P0's pools. The remote-consumer path is exercised the
// other way around.
func TestFutureRemote(t *testing.T) {
	runUthProcs(t, 2, Options{}, func(p *Proc) {
		ep := p.ep
		slot := ep.SharedAlloc(16) // (id, size) of P0's future

		var f Future
		if p.Pid() == 0 {
			f = p.MakeFuture(8)
			ep.PutValue(slot[0], uint64(f.ID), 0)
			ep.PutValue(slot[0]+8, 1, 0) // published
		}
		ep.Barrier()
		if p.Pid() == 1 {
			id := int64(ep.GetValue(slot[0], 0))
			remote := Future{ID: id, Pid: 0, Size: 8}
			p.Fill(remote, longBytes(42))
		}
		if p.Pid() == 0 {
			buf := make([]byte, 8)
			for !p.TryGet(f, buf) {
				ep.Poll()
			}
			if binary.LittleEndian.Uint64(buf) != 42 {
				t.Errorf("value = %d, want 42", binary.LittleEndian.Uint64(buf))
			}
		}
		ep.Barrier()

		// now P1 consumes a future homed on P0: the id must return
		// through P0's return pool and be reusable there
		if p.Pid() == 0 {
			f = p.MakeFuture(8)
			p.Fill(f, longBytes(11))
			ep.PutValue(slot[0], uint64(f.ID), 0)
		}
		ep.Barrier()
		var takenID int64
		if p.Pid() == 1 {
			takenID = int64(ep.GetValue(slot[0], 0))
			remote := Future{ID: takenID, Pid: 0, Size: 8}
			buf := make([]byte, 8)
			for !p.TryGet(remote, buf) {
				ep.Poll()
			}
			if binary.LittleEndian.Uint64(buf) != 11 {
				t.Errorf("remote consume = %d, want 11", binary.LittleEndian.Uint64(buf))
			}
		}
		ep.Barrier()
		if p.Pid() == 0 {
			// the returned id drains back on the next make
			expect := int64(ep.GetValue(slot[0], 0))
			g := p.MakeFuture(8)
			if g.ID != expect {
				t.Errorf("returned id not recycled: got %d, want %d", g.ID, expect)
			}
		}
		ep.Barrier()
	})
}

func TestDistPool(t *testing.T) {
	runUthProcs(t, 2, Options{}, func(p *Proc) {
		ep := p.ep
		pool := newDistPool(ep, 8, 16)
		ep.Barrier()

		if p.Pid() == 1 {
			for i := 0; i < 5; i++ {
				if !pool.pushRemote(longBytes(int64(100+i)), 0) {
					t.Fatalf("push %d failed", i)
				}
			}
		}
		ep.Barrier()
		if p.Pid() == 0 {
			pool.beginPopLocal()
			var got []int64
			buf := make([]byte, 8)
			for pool.popLocal(buf) {
				got = append(got, int64(binary.LittleEndian.Uint64(buf)))
			}
			pool.endPopLocal()
			if len(got) != 5 {
				t.Fatalf("popped %d entries, want 5", len(got))
			}
			// LIFO order
			for i, v := range got {
				if v != int64(104-i) {
					t.Errorf("got[%d] = %d, want %d", i, v, 104-i)
				}
			}
		}
		ep.Barrier()
	})
}

func TestDistPoolFull(t *testing.T) {
	runUthProcs(t, 2, Options{}, func(p *Proc) {
		ep := p.ep
		pool := newDistPool(ep, 8, 4)
		ep.Barrier()
		if p.Pid() == 1 {
			for i := 0; i < 4; i++ {
				if !pool.pushRemote(longBytes(int64(i)), 0) {
					t.Fatalf("push %d failed below capacity", i)
				}
			}
			if pool.pushRemote(longBytes(99), 0) {
				t.Error("push into full pool succeeded")
			}
		}
		ep.Barrier()
	})
}
