package mount

import (
	"bytefs/internal/errs"
	"bytefs/internal/inode"
	"bytefs/internal/journal"
	"bytefs/internal/pm"
	"bytefs/internal/recovery"
	"bytefs/internal/sb"
)

// BlockSize is the fixed PM block granularity spec §6's layout table is
// expressed in.
const BlockSize = 4096

// layout is the computed byte-offset placement of every fixed-size PM
// region spec §6's table enumerates, derived once from Options at mount
// time. Variable-sized regions (the log-page area, the data/log
// allocatable region) are captured as [start, end) block ranges handed
// to internal/alloc rather than fixed offsets, since they grow by
// allocation.
type layout struct {
	sbPrimary  pm.Offset
	sbReplica  pm.Offset
	journalPtrs    pm.Offset
	journalRecords pm.Offset
	itablePrimary  pm.Offset
	itableReplica  pm.Offset
	checkpoint     pm.Offset

	// blockStart/blockEnd bound the allocatable region (spec §6:
	// "Allocatable region: data and log blocks") in block numbers, after
	// every fixed metadata region above has been carved out.
	blockStart, blockEnd uint64
}

// computeLayout places every fixed region back to back, block-aligned,
// exactly following spec §6's PM layout table top to bottom.
func computeLayout(opts Options) layout {
	var l layout
	l.sbPrimary = pm.Offset(sb.PrimaryBlock) * BlockSize
	l.sbReplica = pm.Offset(sb.ReplicaBlock) * BlockSize

	next := pm.Offset(2) * BlockSize // past the two superblock copies

	l.journalPtrs = next
	next += pm.Offset(opts.NCPU) * journal.CachelineSize
	next = alignUp(next, BlockSize)

	l.journalRecords = next
	next += pm.Offset(opts.NCPU) * journal.CapacityBytes
	next = alignUp(next, BlockSize)

	l.itablePrimary = next
	next += pm.Offset(opts.InodeCapacity) * inode.Size
	next = alignUp(next, BlockSize)

	l.itableReplica = next
	next += pm.Offset(opts.InodeCapacity) * inode.Size
	next = alignUp(next, BlockSize)

	l.checkpoint = next
	next += pm.Offset(recovery.Size(opts.NCPU))
	next = alignUp(next, BlockSize)

	l.blockStart = uint64(next) / BlockSize
	l.blockEnd = opts.SizeBytes / BlockSize
	return l
}

func alignUp(off pm.Offset, align pm.Offset) pm.Offset {
	if off%align == 0 {
		return off
	}
	return (off/align + 1) * align
}

// checkFits reports whether l leaves a non-empty allocatable region
// within opts.SizeBytes, the feasibility check cmd/mkbytefs runs before
// formatting a requested --size.
func checkFits(l layout) error {
	if l.blockStart >= l.blockEnd {
		return errs.Wrap(errs.Invalid, "mount: size too small for ncpu/inode_capacity; no allocatable region remains")
	}
	return nil
}
