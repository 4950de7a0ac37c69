// Package alloc implements the per-CPU block allocator: one interval
// red-black tree of free block ranges per CPU, head/tail allocation
// policy, and checksum/parity region reservation (spec §4.1).
//
// Generalized from biscuit's mem.Physmem_t/pcpuphys_t (mem/mem.go), which
// keeps one singly-linked free list of whole pages per CPU plus a global
// fallback list guarded by a single mutex. bytefs needs variable-length
// byte ranges with merge-on-free and head/tail allocation, so the
// singly-linked free list becomes an rbtree.Tree keyed by range_low, but
// the per-CPU-first/fall-back-to-any-CPU scanning order is carried over
// unchanged from _pcpu_new/_phys_new's fallback chain.
package alloc

import (
	"sort"
	"sync"

	"bytefs/internal/csum"
	"bytefs/internal/errs"
	"bytefs/internal/rbtree"
)

// Direction selects which end of a free range an allocation is carved from.
type Direction int

const (
	AllocFromHead Direction = iota
	AllocFromTail
)

// AnyCPU requests that Allocator.NewBlocks scan every CPU starting from
// whichever currently has the most free blocks, rather than pinning to one.
const AnyCPU = -1

// rangeVal is the interval tree payload: the inclusive high end of the
// range and a checksum over {low, high}, matching spec §3's range_node
// "optional CSUM protecting mutable fields".
type rangeVal struct {
	high uint64
	csum uint32
}

func rangeChecksum(low, high uint64) uint32 {
	var b [16]byte
	putU64(b[0:8], low)
	putU64(b[8:16], high)
	return csum.Of(b[:])
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// FreeList is one CPU's free-block interval tree, guarded by its own
// spinlock (spec §5: "Each per-CPU free_list has a spinlock").
type FreeList struct {
	mu    sync.Mutex
	cpu   int
	tree  rbtree.Tree[uint64, rangeVal]
	nfree uint64

	// allocatable bounds, as given in Config; the checksum/parity region
	// offsets below are recorded separately and are not subtracted here.
	start, end uint64 // [start, end)

	csumRegion, csumReplicaRegion, parityRegion uint64

	dramStructCsum bool
}

func (fl *FreeList) insert(low, high uint64) *rbtree.Node[uint64, rangeVal] {
	return fl.tree.Insert(low, rangeVal{high: high, csum: rangeChecksum(low, high)})
}

func (fl *FreeList) verify(n *rbtree.Node[uint64, rangeVal]) error {
	if !fl.dramStructCsum {
		return nil
	}
	v := n.Value()
	if rangeChecksum(n.Key(), v.high) != v.csum {
		return errs.Wrap(errs.Corrupt, "alloc: range node checksum mismatch")
	}
	return nil
}

// Allocator owns one FreeList per CPU and the cross-CPU fallback scan
// order.
type Allocator struct {
	lists          []*FreeList
	blockSize      uint64
	dramStructCsum bool
}

// Config describes the allocatable region handed to NewAllocator.
type Config struct {
	NCPU           int
	BlockSize      uint64
	Start, End     uint64 // [Start, End) in block numbers, post-reservation
	DramStructCsum bool
}

// NewAllocator partitions [Start, End) into NCPU contiguous, equal-sized
// initial free ranges, one per CPU free list — mirroring how
// mem.Phys_init seeds each percpu[i] lazily as pages are freed back to it,
// except bytefs pre-partitions so every CPU starts with allocatable space
// rather than funneling all free pages through CPU 0 first.
func NewAllocator(cfg Config) *Allocator {
	if cfg.NCPU <= 0 {
		panic("alloc: NCPU must be positive")
	}
	a := &Allocator{
		lists:          make([]*FreeList, cfg.NCPU),
		blockSize:      cfg.BlockSize,
		dramStructCsum: cfg.DramStructCsum,
	}
	for i := 0; i < cfg.NCPU; i++ {
		lo, hi := CPUPartition(cfg.NCPU, cfg.Start, cfg.End, i)
		fl := &FreeList{cpu: i, start: cfg.Start, end: cfg.End, dramStructCsum: cfg.DramStructCsum}
		if hi > lo {
			fl.insert(lo, hi-1)
			fl.nfree = hi - lo
		}
		a.lists[i] = fl
	}
	return a
}

// CPUPartition returns the [lo, hi) sub-range of [start, end) that
// NewAllocator assigns to cpu: equal-sized contiguous chunks, with any
// remainder folded into the last CPU's share. Exported so that
// rescan-based recovery (internal/recovery) can rebuild per-CPU free
// ranges that line up with the partitioning the allocator started with,
// without duplicating the arithmetic.
func CPUPartition(ncpu int, start, end uint64, cpu int) (lo, hi uint64) {
	total := end - start
	per := total / uint64(ncpu)
	lo = start + uint64(cpu)*per
	hi = lo + per
	if cpu == ncpu-1 {
		hi = end
	}
	return lo, hi
}

// NCPU returns the number of per-CPU free lists.
func (a *Allocator) NCPU() int { return len(a.lists) }

// CountFreeBlocks sums the free block count across every CPU (spec §4.1
// count_free_blocks).
func (a *Allocator) CountFreeBlocks() uint64 {
	var total uint64
	for _, fl := range a.lists {
		fl.mu.Lock()
		total += fl.nfree
		fl.mu.Unlock()
	}
	return total
}

// order is the fallback CPU scan order for an allocation. A pinned hint
// scans starting at hint, then the rest in round-robin order. AnyCPU
// instead scans every CPU most-free-first, so a run of AnyCPU
// allocations spreads across CPUs rather than draining CPU 0 to empty
// before CPU 1 is ever touched — starting every AnyCPU scan at a fixed
// index would contradict spec §8 scenario 6 ("no single CPU's free
// count drops below 50% of the mean until overall fullness exceeds
// 90%").
func (a *Allocator) order(hint int) []int {
	n := len(a.lists)
	out := make([]int, 0, n)
	if hint < 0 || hint >= n {
		for i := 0; i < n; i++ {
			out = append(out, i)
		}
		sort.Slice(out, func(i, j int) bool { return a.FreeCount(out[i]) > a.FreeCount(out[j]) })
		return out
	}
	for i := 0; i < n; i++ {
		out = append(out, (hint+i)%n)
	}
	return out
}

// NewBlocks allocates up to want blocks, preferring cpu (or, for AnyCPU,
// whichever CPU currently has the most free blocks), from the head or
// tail of the first non-empty range found. It returns the actual
// allocated count, which may be less than want (spec §4.1 step 2: "Return
// the actual allocated count (≤ n)").
func (a *Allocator) NewBlocks(want uint64, cpu int, dir Direction) (blocknr uint64, allocated uint64, err error) {
	if want == 0 {
		return 0, 0, errs.Wrap(errs.Invalid, "alloc: want must be > 0")
	}
	for _, c := range a.order(cpu) {
		fl := a.lists[c]
		fl.mu.Lock()
		bn, n, ok, verr := fl.allocateLocked(want, dir)
		fl.mu.Unlock()
		if verr != nil {
			return 0, 0, verr
		}
		if ok {
			return bn, n, nil
		}
	}
	return 0, 0, errs.Wrap(errs.NoSpace, "alloc: every cpu exhausted")
}

func (fl *FreeList) allocateLocked(want uint64, dir Direction) (blocknr uint64, allocated uint64, ok bool, err error) {
	var n *rbtree.Node[uint64, rangeVal]
	switch dir {
	case AllocFromHead:
		n = fl.tree.Min()
	case AllocFromTail:
		n = fl.tree.Max()
	}
	if n == nil {
		return 0, 0, false, nil
	}
	if verr := fl.verify(n); verr != nil {
		return 0, 0, false, verr
	}
	low := n.Key()
	high := n.Value().high
	size := high - low + 1
	take := want
	if take > size {
		take = size
	}

	var allocLow uint64
	switch dir {
	case AllocFromHead:
		allocLow = low
		newLow := low + take
		if newLow > high {
			fl.tree.Delete(n)
		} else {
			fl.tree.Delete(n)
			fl.insert(newLow, high)
		}
	case AllocFromTail:
		allocLow = high - take + 1
		newHigh := high - take
		if newHigh < low {
			fl.tree.Delete(n)
		} else {
			fl.tree.Delete(n)
			fl.insert(low, newHigh)
		}
	}
	fl.nfree -= take
	return allocLow, take, true, nil
}

// FreeBlocks returns [blocknr, blocknr+count) to the owning CPU's free
// list, merging with an adjacent left and/or right range (spec §4.1 step
// 2: "Merge with left and/or right if contiguous; otherwise insert a new
// node").
func (a *Allocator) FreeBlocks(cpu int, blocknr, count uint64) error {
	if count == 0 {
		return errs.Wrap(errs.Invalid, "alloc: count must be > 0")
	}
	if cpu < 0 || cpu >= len(a.lists) {
		return errs.Wrap(errs.Invalid, "alloc: bad cpu")
	}
	fl := a.lists[cpu]
	fl.mu.Lock()
	defer fl.mu.Unlock()

	low := blocknr
	high := blocknr + count - 1

	// left neighbor: the range whose high == low-1.
	if low > 0 {
		if left := fl.tree.Floor(low - 1); left != nil && left.Value().high+1 == low {
			if verr := fl.verify(left); verr != nil {
				return verr
			}
			low = left.Key()
			fl.tree.Delete(left)
		}
	}
	// right neighbor: the range whose low == high+1.
	if right := fl.tree.Ceiling(high + 1); right != nil && right.Key() == high+1 {
		if verr := fl.verify(right); verr != nil {
			return verr
		}
		high = right.Value().high
		fl.tree.Delete(right)
	}

	fl.insert(low, high)
	fl.nfree += count
	return nil
}

// Reserve records the checksum, checksum-replica, and parity region
// offsets for free list cpu, for Bounds to report. It does not remove any
// blocks from the free tree: blocks in those regions stay allocatable
// unless the caller keeps them outside [Start, End).
func (a *Allocator) Reserve(cpu int, csumRegion, csumReplicaRegion, parityRegion uint64) {
	fl := a.lists[cpu]
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.csumRegion = csumRegion
	fl.csumReplicaRegion = csumReplicaRegion
	fl.parityRegion = parityRegion
}

// Bounds returns free list cpu's checksum/checksum-replica/parity region
// offsets set by Reserve.
func (a *Allocator) Bounds(cpu int) (csumRegion, csumReplicaRegion, parityRegion uint64) {
	fl := a.lists[cpu]
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.csumRegion, fl.csumReplicaRegion, fl.parityRegion
}

// FreeCount returns the number of free blocks tracked by one CPU's list.
func (a *Allocator) FreeCount(cpu int) uint64 {
	fl := a.lists[cpu]
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.nfree
}

// Checkpoint returns the free list's ranges as {low, high} pairs, the
// on-PM free-list checkpoint format persisted on clean unmount (spec §3).
func (a *Allocator) Checkpoint(cpu int) [][2]uint64 {
	fl := a.lists[cpu]
	fl.mu.Lock()
	defer fl.mu.Unlock()
	var out [][2]uint64
	fl.tree.Each(func(n *rbtree.Node[uint64, rangeVal]) {
		out = append(out, [2]uint64{n.Key(), n.Value().high})
	})
	return out
}

// RestoreCheckpoint repopulates free list cpu's tree from a persisted
// checkpoint, used by recovery when the last unmount was clean (spec
// §4.7).
func (a *Allocator) RestoreCheckpoint(cpu int, ranges [][2]uint64) {
	fl := a.lists[cpu]
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.tree = rbtree.Tree[uint64, rangeVal]{}
	fl.nfree = 0
	for _, r := range ranges {
		fl.insert(r[0], r[1])
		fl.nfree += r[1] - r[0] + 1
	}
}

// Exclude removes [low, high] from free list cpu's tree outright (no
// split/shrink bookkeeping needed because callers only use this during
// rescan-based recovery, before any concurrent allocation is possible).
// It is a no-op unless [low, high] is exactly one existing free range
// node; a range that is free but lies inside, or spans, several nodes is
// left untouched.
func (a *Allocator) Exclude(cpu int, low, high uint64) {
	fl := a.lists[cpu]
	fl.mu.Lock()
	defer fl.mu.Unlock()
	n := fl.tree.Find(low)
	if n == nil || n.Value().high != high {
		return
	}
	fl.tree.Delete(n)
	fl.nfree -= high - low + 1
}
