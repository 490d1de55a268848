package mgas

import (
	"encoding/binary"

	"github.com/s417-lama/massivethreads-dm/gmt"
)

// Synchronized variables: single-assignment cells in global memory.
// The filled flag lives in the first word of the cell and flips
// through RMW on the owner; readers poll with one-shot gets.

// A Syncvar names a cell of global memory with a filled flag followed
// by the payload.
type Syncvar gmt.Ptr

const syncvarHeader = 8

var (
	rmwSyncvarReset = RegisterRMW(func(p, in, out []byte) {
		binary.LittleEndian.PutUint64(p, 0)
	})
	rmwSyncvarFill = RegisterRMW(func(p, in, out []byte) {
		if binary.LittleEndian.Uint64(p) != 0 {
			panic("mgas: fill of filled syncvar")
		}
		binary.LittleEndian.PutUint64(p, 1)
	})
)

// SyncvarCreate allocates an empty syncvar holding size payload bytes.
func (p *Proc) SyncvarCreate(size uint64) Syncvar {
	sv := p.Malloc(syncvarHeader + size)
	p.RMW(rmwSyncvarReset, sv, syncvarHeader, nil, nil)
	return Syncvar(sv)
}

// SyncvarDestroy releases a syncvar.
func (p *Proc) SyncvarDestroy(sv Syncvar) {
	p.FreeSmall(gmt.Ptr(sv))
}

// SyncvarPut stores the payload and fills the cell. At most one
// writer may fill a cell.
func (p *Proc) SyncvarPut(sv Syncvar, buf []byte) {
	p.Put(gmt.Ptr(sv)+syncvarHeader, buf)
	p.RMW(rmwSyncvarFill, gmt.Ptr(sv), syncvarHeader, nil, nil)
}

// SyncvarTryGet reads the cell once; it reports whether the cell was
// filled, copying the payload into buf when it was.
func (p *Proc) SyncvarTryGet(sv Syncvar, buf []byte) bool {
	cell := make([]byte, syncvarHeader+len(buf))
	p.Get(cell, gmt.Ptr(sv))
	if binary.LittleEndian.Uint64(cell) == 0 {
		return false
	}
	copy(buf, cell[syncvarHeader:])
	return true
}

// SyncvarGet blocks until the cell fills, then copies the payload into
// buf.
func (p *Proc) SyncvarGet(sv Syncvar, buf []byte) {
	for !p.SyncvarTryGet(sv, buf) {
		p.ep.Poll()
	}
}
