package gmt

import "testing"

func TestDist1D(t *testing.T) {
	d := NewDist(1, []uint64{4096}, []uint64{8})
	if d.BlockLen() != 4096 || d.NumBlocks() != 8 || d.RowLen() != 4096 {
		t.Fatalf("sizes: block=%d n=%d row=%d", d.BlockLen(), d.NumBlocks(), d.RowLen())
	}
	if d.BlockID(0) != 0 || d.BlockID(4095) != 0 || d.BlockID(4096) != 1 {
		t.Error("1-D block id")
	}
	if d.BlockBase(5000) != 4096 || d.BlockOffset(5000) != 904 {
		t.Error("1-D base/offset")
	}
	if d.Home(4096, 4) != 1 || d.Home(4096*5, 4) != 1 {
		t.Error("block-cyclic home")
	}
}

func TestDist2D(t *testing.T) {
	// a 4x4 grid of 256x1024-byte blocks (the 1024x1024 float matrix
	// with 256x256 blocks)
	d := NewDist(2, []uint64{256, 1024}, []uint64{4, 4})
	if d.BlockLen() != 256*1024 {
		t.Fatalf("BlockLen = %d", d.BlockLen())
	}
	if d.RowLen() != 1024 {
		t.Fatalf("RowLen = %d", d.RowLen())
	}
	if d.NumBlocks() != 16 {
		t.Fatalf("NumBlocks = %d", d.NumBlocks())
	}

	// offset 0 is block 0; one row stride (4096 bytes) stays in block
	// row 0; the second block column starts at 1024
	if d.BlockID(0) != 0 {
		t.Error("BlockID(0)")
	}
	if d.BlockID(1024) != 1 {
		t.Error("BlockID(1024)")
	}
	if d.BlockID(4096) != 0 {
		t.Error("BlockID(4096): matrix row 1 must stay in block 0")
	}
	rowStride := uint64(4096)
	if d.BlockID(256*rowStride) != 4 {
		t.Error("BlockID below first block row")
	}

	// base/offset round trip
	for _, off := range []uint64{0, 1024, 5000, 256 * rowStride, 1<<20 - 1} {
		id := d.BlockID(off)
		base := d.BlockBaseOf(id)
		if d.BlockID(base) != id {
			t.Errorf("BlockBaseOf(%d) = %d maps to block %d", id, base, d.BlockID(base))
		}
		if d.BlockOffset(off) >= d.BlockLen() {
			t.Errorf("BlockOffset(%d) = %d outside block", off, d.BlockOffset(off))
		}
	}

	// block last pointer spans the final row of the block
	mp := MakeDist(0, 0)
	last := d.BlockLastPtr(mp)
	want := mp + Ptr((256-1)*4096+1024)
	if last != want {
		t.Errorf("BlockLastPtr = %#x, want %#x", uint64(last), uint64(want))
	}
}

func TestRowIterCoverage(t *testing.T) {
	g := New(0, 4, func() {}, func(n int) []byte { return make([]byte, n) })
	mp := g.AllocDist()
	g.ValidateDist(mp, NewDist(1, []uint64{64}, []uint64{16}))

	it := g.NewRowIter(mp+10, 200)
	var total uint64
	prev := mp
	for {
		seg, size, ok := it.Next()
		if !ok {
			break
		}
		if seg < prev {
			t.Error("segments out of order")
		}
		if size == 0 || size > 64 {
			t.Errorf("segment size %d", size)
		}
		prev = seg
		total += size
	}
	if total != 200 {
		t.Errorf("covered %d bytes, want 200", total)
	}
}
