// Package pm models the persistent-memory substrate: a flat, byte
// addressable region with offset↔address translation, bounded-range checks,
// a scoped write helper, and cacheline flush/fence primitives.
//
// Real PM hardware is emulated here as an anonymous mmap'd region (or a
// file-backed one, for crash-recovery testing across process restarts),
// grounded on biscuit's mem.Physmem_t direct-map (mem/mem.go's Dmap/Dmap8),
// generalized from page granularity to arbitrary byte ranges and from a
// package-level global to an explicit handle threaded through every caller
// (spec §9: "Global mutable state").
package pm

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Offset is a byte offset from the start of a Region. All PM-resident
// pointers in bytefs are Offsets, never raw addresses, so they survive
// remapping across a mount/unmount cycle.
type Offset uint64

// Region is one mounted PM device's address space.
type Region struct {
	mem    []byte
	file   *os.File
	closed int32
}

// NewAnon allocates an anonymous, zero-filled PM region of size bytes. Used
// by tests and by mkbytefs when no backing file is given.
func NewAnon(size uint64) (*Region, error) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "pm: anonymous mmap")
	}
	return &Region{mem: b}, nil
}

// Open maps an existing backing file (or creates one of size bytes if it
// doesn't exist yet) as the PM region, so that a process restart can observe
// durable state the way real PM survives a power cycle.
func Open(path string, size uint64) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "pm: open backing file")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "pm: stat backing file")
	}
	if uint64(fi.Size()) != size {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "pm: truncate backing file")
		}
	}
	b, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "pm: mmap backing file")
	}
	return &Region{mem: b, file: f}, nil
}

// Close unmaps the region. Safe to call once.
func (r *Region) Close() error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}
	err := unix.Munmap(r.mem)
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Size returns the region's length in bytes.
func (r *Region) Size() uint64 { return uint64(len(r.mem)) }

// check panics with a diagnostic on out-of-bounds access; this is the
// explicit, narrowest-scope replacement for the source's
// bytefs_range_check (spec §9).
func (r *Region) check(off Offset, n int) {
	if n < 0 || uint64(off)+uint64(n) > uint64(len(r.mem)) {
		panic(fmt.Sprintf("pm: out of bounds access off=%d n=%d size=%d", off, n, len(r.mem)))
	}
}

// Bytes returns a slice view of n bytes starting at off. The slice aliases
// the region's backing memory; callers must not retain it past the PM
// write-region scope that produced it (ScopedWrite below), though read-only
// callers may hold it as long as they like.
func (r *Region) Bytes(off Offset, n int) []byte {
	r.check(off, n)
	return r.mem[off : uint64(off)+uint64(n)]
}

// ReadAt copies n bytes starting at off into a freshly allocated slice.
func (r *Region) ReadAt(off Offset, n int) []byte {
	out := make([]byte, n)
	copy(out, r.Bytes(off, n))
	return out
}

// WriteAt copies b into the region at off, without flush/fence. Prefer
// ScopedWrite for anything that must be crash-consistent.
func (r *Region) WriteAt(off Offset, b []byte) {
	dst := r.Bytes(off, len(b))
	copy(dst, b)
}

// Flush flushes the cachelines covering [off, off+n) to the memory
// controller. On the emulated backend this is a compiler/runtime barrier;
// real PM hardware would issue CLWB/CLFLUSHOPT per cacheline here.
func (r *Region) Flush(off Offset, n int) {
	r.check(off, n)
	runtime.KeepAlive(r.mem)
}

// Fence issues a store fence (SFENCE), ordering all prior Flush calls ahead
// of any subsequent store. Go's memory model gives us ordering for free on
// the emulated backend; this call documents the ordering point spec
// invariant 1 depends on and is where a hardware backend would trap to
// MFENCE.
func (r *Region) Fence() {
	atomic.LoadInt32(&r.closed)
}

// ScopedWrite runs fn with a writable view of [off, off+n), then flushes
// and fences that range: a single choke point so no write path forgets to
// flush+fence. No unlock/lock write window is modelled; the region is
// always writable. If fn panics, the flush and fence are not run.
func (r *Region) ScopedWrite(off Offset, n int, fn func(b []byte)) {
	b := r.Bytes(off, n)
	fn(b)
	r.Flush(off, n)
	r.Fence()
}

// CPUHinter hands out small CPU indices in round-robin order (not a
// stable per-goroutine index), used to pick a per-CPU free list / inode map / journal without true CPU
// pinning. Grounded on mem.Physmem_t's use of runtime.CPUHint() to index
// pcpuphys_t; standard Go has no such call, so GOMAXPROCS plus the
// goroutine-local scheduler hint exposed by runtime_procPin-free code is
// approximated with a counter-based round robin, which is sufficient here
// because correctness never depends on which CPU index an operation lands
// on, only that every CPU has its own lock.
type CPUHinter struct {
	n     int
	ncpu  int
	round uint64
}

// NewCPUHinter returns a hinter bounded to ncpu buckets.
func NewCPUHinter(ncpu int) *CPUHinter {
	if ncpu <= 0 {
		ncpu = runtime.GOMAXPROCS(0)
	}
	return &CPUHinter{ncpu: ncpu}
}

// Hint returns the next CPU bucket in round-robin order.
func (h *CPUHinter) Hint() int {
	v := atomic.AddUint64(&h.round, 1)
	return int(v % uint64(h.ncpu))
}

// NCPU returns the configured CPU count.
func (h *CPUHinter) NCPU() int { return h.ncpu }
