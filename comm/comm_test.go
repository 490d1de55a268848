package comm

import (
	"bytes"
	"sync"
	"testing"
)

// runPeers starts one goroutine per peer and waits for all of them.
func runPeers(t *testing.T, n int, f func(e *Endpoint)) {
	t.Helper()
	c := NewCluster(n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f(c.Endpoint(i))
		}(i)
	}
	wg.Wait()
}

func TestPutGet(t *testing.T) {
	runPeers(t, 2, func(e *Endpoint) {
		buf := e.Alloc(64)
		addrs := e.publish(AddrOf(buf))

		if e.Pid() == 0 {
			src := make([]byte, 64)
			for i := range src {
				src[i] = byte(i)
			}
			e.Put(addrs[1], src, 1)
		}
		e.Barrier()
		if e.Pid() == 1 {
			for i, b := range buf {
				if b != byte(i) {
					t.Errorf("buf[%d] = %d, want %d", i, b, i)
					break
				}
			}
		}
		e.Barrier()
		if e.Pid() == 0 {
			dst := make([]byte, 64)
			e.Get(dst, addrs[1], 1)
			for i, b := range dst {
				if b != byte(i) {
					t.Errorf("get: dst[%d] = %d, want %d", i, b, i)
					break
				}
			}
		}
		e.Barrier()
	})
}

// TestPutValueOrdering checks the composition the future pool relies
// on: a bulk put followed by a put of the done word is observed as
// value first, done second.
func TestPutValueOrdering(t *testing.T) {
	const rounds = 1000
	runPeers(t, 2, func(e *Endpoint) {
		cell := e.Alloc(16) // done word + value word
		addrs := e.publish(AddrOf(cell))

		for r := 1; r <= rounds; r++ {
			if e.Pid() == 0 {
				v := make([]byte, 8)
				for i := range v {
					v[i] = byte(r)
				}
				e.Put(addrs[1]+8, v, 1)
				e.PutValue(addrs[1], uint64(r), 1)
			} else {
				for e.GetValue(addrs[1], 1) != uint64(r) {
					e.Poll()
				}
				for i := 0; i < 8; i++ {
					if cell[8+i] != byte(r) {
						t.Fatalf("round %d: value observed before done", r)
					}
				}
			}
			e.Barrier()
		}
	})
}

func TestFetchAndAdd(t *testing.T) {
	const perPeer = 1000
	runPeers(t, 4, func(e *Endpoint) {
		word := e.SharedAlloc(8)
		for i := 0; i < perPeer; i++ {
			e.FetchAndAdd(word[0], 1, 0)
		}
		e.Barrier()
		if e.Pid() == 0 {
			if got := e.GetValue(word[0], 0); got != 4*perPeer {
				t.Errorf("counter = %d, want %d", got, 4*perPeer)
			}
		}
		e.Barrier()
	})
}

func TestAMRequestReply(t *testing.T) {
	runPeers(t, 2, func(e *Endpoint) {
		got := make(chan []byte, 1)
		var hReq, hRes HandlerID
		hReq = e.RegisterHandler(func(ep *Endpoint, m *Msg) {
			out := append([]byte("re:"), m.Data...)
			ep.AMReply(hRes, out, m)
		})
		hRes = e.RegisterHandler(func(ep *Endpoint, m *Msg) {
			got <- m.Data
		})
		e.Barrier()

		if e.Pid() == 0 {
			e.AMRequest(hReq, []byte("ping"), 1)
			for len(got) == 0 {
				e.Poll()
			}
			if d := <-got; string(d) != "re:ping" {
				t.Errorf("reply = %q, want %q", d, "re:ping")
			}
		}
		e.Barrier()
	})
}

func TestFragmentation(t *testing.T) {
	payload := make([]byte, 3*MaxMedium+17)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	runPeers(t, 2, func(e *Endpoint) {
		done := make(chan []byte, 1)
		h := e.RegisterHandler(func(ep *Endpoint, m *Msg) {
			done <- m.Data
		})
		e.Barrier()

		if e.Pid() == 0 {
			e.AMRequest(h, payload, 1)
		} else {
			var got []byte
			for got == nil {
				e.Poll()
				select {
				case got = <-done:
				default:
				}
			}
			if !bytes.Equal(got, payload) {
				t.Error("fragmented payload reassembled incorrectly")
			}
		}
		e.Barrier()
	})
}

func TestCollectives(t *testing.T) {
	runPeers(t, 4, func(e *Endpoint) {
		// broadcast
		b := e.Alloc(8)
		if e.Pid() == 2 {
			copy(b, []byte("rooted!!"))
		}
		e.Broadcast(b, 2)
		if string(b) != "rooted!!" {
			t.Errorf("pid %d: broadcast got %q", e.Pid(), b)
		}

		// gather
		src := e.Alloc(4)
		for i := range src {
			src[i] = byte(e.Pid())
		}
		dst := make([]byte, 16)
		e.Gather(dst, src, 0)
		if e.Pid() == 0 {
			for p := 0; p < 4; p++ {
				for i := 0; i < 4; i++ {
					if dst[p*4+i] != byte(p) {
						t.Errorf("gather: dst[%d] = %d, want %d", p*4+i, dst[p*4+i], p)
					}
				}
			}
		}

		// reduce
		src64 := []int64{int64(e.Pid()), 10}
		dst64 := make([]int64, 2)
		e.ReduceLong(dst64, src64, 0)
		if e.Pid() == 0 {
			if dst64[0] != 0+1+2+3 || dst64[1] != 40 {
				t.Errorf("reduce = %v, want [6 40]", dst64)
			}
		}
		e.Barrier()
	})
}

func TestSharedAllocSymmetry(t *testing.T) {
	runPeers(t, 3, func(e *Endpoint) {
		addrs := e.SharedAlloc(32)
		if len(addrs) != 3 {
			t.Fatalf("len(addrs) = %d, want 3", len(addrs))
		}
		// every peer writes its pid into its slot of every segment
		v := []byte{byte(e.Pid())}
		for p := uint32(0); p < 3; p++ {
			e.Put(addrs[p]+uint64(e.Pid()), v, p)
		}
		e.Barrier()
		own := make([]byte, 3)
		e.Get(own, addrs[e.Pid()], e.Pid())
		for i, b := range own {
			if b != byte(i) {
				t.Errorf("pid %d: segment[%d] = %d, want %d", e.Pid(), i, b, i)
			}
		}
		e.Barrier()
	})
}

// TestJoinCounter drives a counter through a remote round trip: peer 1
// echoes the pinned token back, and the reply handler on peer 0
// resolves the counter and notifies it.
func TestJoinCounter(t *testing.T) {
	runPeers(t, 2, func(e *Endpoint) {
		e.RegisterHandler(func(ep *Endpoint, m *Msg) {
			var hRes HandlerID = 1 // registered second, below
			ep.AMReply(hRes, m.Data, m)
		})
		e.RegisterHandler(func(ep *Endpoint, m *Msg) {
			tok := uint64(m.Data[0])
			ep.Resolve(tok).(*JoinCounter).Notify(1)
		})
		e.Barrier()

		if e.Pid() == 0 {
			var jc JoinCounter
			jc.Init(2)
			tok := e.Pin(&jc)
			if tok > 255 {
				t.Fatal("token too wide for this test")
			}
			e.AMRequest(0, []byte{byte(tok)}, 1)
			e.AMRequest(0, []byte{byte(tok)}, 1)
			jc.Wait(e)
			e.Unpin(tok)
		}
		e.Barrier()
	})
}
