// Package mgas implements the software DSM engine: a partitioned
// global address space with page-granular, owner-based coherence over
// the comm transport. Remote data becomes locally addressable through
// localize/commit; writers acquire pages through OWN migration.
package mgas

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
)

// Debug options, parsed once from the MADMDEBUG environment variable
// as comma-separated name=value pairs, e.g.
//
//	MADMDEBUG=dputs=1,noncontigpacked=1
var debug struct {
	dputs           int32 // verbose diagnostics to stderr
	noncontigpacked int32 // stage non-contiguous vectors into one buffer
}

var dlog = log.New(os.Stderr, "mgas: ", 0)

func init() {
	for _, opt := range strings.Split(os.Getenv("MADMDEBUG"), ",") {
		name, val, ok := strings.Cut(opt, "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			continue
		}
		switch name {
		case "dputs":
			debug.dputs = int32(n)
		case "noncontigpacked":
			debug.noncontigpacked = int32(n)
		}
	}
}

func dputs(format string, args ...any) {
	if debug.dputs != 0 {
		dlog.Printf(format, args...)
	}
}

// An Error is a fatal runtime error carrying the faulting process.
// All hard failures (resource exhaustion, precondition violations,
// transport faults) are fatal; there is no recovery across forks.
type Error struct {
	Pid  uint32
	Kind string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("mgas: pid %d: %s: %s", e.Pid, e.Kind, e.Msg)
}

// Error kinds.
const (
	ErrExhausted    = "resource exhausted"
	ErrPrecondition = "precondition violation"
	ErrContention   = "contention fuse blown"
)

func (p *Proc) throw(kind, format string, args ...any) {
	panic(&Error{Pid: p.me, Kind: kind, Msg: fmt.Sprintf(format, args...)})
}

func (p *Proc) check(cond bool, format string, args ...any) {
	if !cond {
		p.throw(ErrPrecondition, format, args...)
	}
}

// retryFuse bounds transient-contention retry loops; blowing it
// upgrades the condition to fatal.
const retryFuse = 100000
