package mgas

import (
	"fmt"
	"io"
	"sync/atomic"
)

// Profile counters. Cheap per-process event and byte counts for the
// hot paths; always compiled in, dumped on demand.

type profKind int

const (
	profLocalize profKind = iota
	profCommit
	profUnlocalize
	profCacheHit
	profCacheMiss
	profCopyGet
	profCopyPut
	profCopyOwn
	profMemGet
	profMemPut
	profOwnerReq
	profDataReq
	profOwnerChange
	profRMW
	profRetry
	numProfKinds
)

var profNames = [numProfKinds]string{
	"localize", "commit", "unlocalize", "cache_hit", "cache_miss",
	"copy_get", "copy_put", "copy_own", "mem_get", "mem_put",
	"owner_req", "data_req", "owner_change", "rmw", "retry",
}

// A Prof accumulates event counts and byte totals.
type Prof struct {
	counts [numProfKinds]uint64
	bytes  [numProfKinds]uint64
}

func (pr *Prof) add(k profKind, n uint64) {
	atomic.AddUint64(&pr.counts[k], 1)
	atomic.AddUint64(&pr.bytes[k], n)
}

// Dump writes the non-zero counters to w.
func (pr *Prof) Dump(w io.Writer, pid uint32) {
	for k := profKind(0); k < numProfKinds; k++ {
		c := atomic.LoadUint64(&pr.counts[k])
		if c == 0 {
			continue
		}
		fmt.Fprintf(w, "pid %d: %-12s count=%d bytes=%d\n",
			pid, profNames[k], c, atomic.LoadUint64(&pr.bytes[k]))
	}
}
