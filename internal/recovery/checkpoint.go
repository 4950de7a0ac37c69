package recovery

import (
	"encoding/binary"

	"bytefs/internal/alloc"
	"bytefs/internal/csum"
	"bytefs/internal/errs"
	"bytefs/internal/inode"
	"bytefs/internal/pm"
)

// MaxRangesPerList bounds how many {range_low, range_high} tuples (spec
// §3's "arrays of 16-byte tuples") one CPU's checkpoint may hold. bytefs's
// merge-on-free discipline (internal/alloc.FreeBlocks coalesces adjacent
// ranges) keeps free lists from fragmenting in ordinary operation, so this
// is a generous ceiling, not a realistic steady-state count; WriteCheckpoint
// reports truncation rather than persisting a partial list.
const MaxRangesPerList = 512

const checkpointMagic = 0xB7F5C6C7

const rangeRecordSize = 16 // {low u64, high u64}
const perListSize = 4 + MaxRangesPerList*rangeRecordSize

// Size returns the fixed on-PM size of the checkpoint blob for ncpu CPUs:
// a magic+ncpu header, one block-range list and one inode-number-range
// list per CPU, and a trailing CRC32C.
func Size(ncpu int) int {
	return 8 + ncpu*2*perListSize + 4
}

// WriteCheckpoint serializes every CPU's current free-block and
// free-inode-number ranges at off, for a clean Unmount to persist (spec
// §3/§4.7). truncated reports that some CPU's range list exceeded
// MaxRangesPerList and nothing was written; the caller must not set
// sb.FlagCleanUnmount in that case, forcing the next mount to rescan.
func WriteCheckpoint(region *pm.Region, off pm.Offset, ncpu int, blockAlloc *alloc.Allocator, itable *inode.Table) (truncated bool, err error) {
	size := Size(ncpu)
	blockLists := make([][][2]uint64, ncpu)
	inodeLists := make([][][2]uint64, ncpu)
	for cpu := 0; cpu < ncpu; cpu++ {
		blockLists[cpu] = blockAlloc.Checkpoint(cpu)
		inodeLists[cpu] = itable.FreeNumberCheckpoint(cpu)
		if len(blockLists[cpu]) > MaxRangesPerList || len(inodeLists[cpu]) > MaxRangesPerList {
			return true, nil
		}
	}

	b := make([]byte, size)
	binary.LittleEndian.PutUint32(b[0:], checkpointMagic)
	binary.LittleEndian.PutUint32(b[4:], uint32(ncpu))
	pos := 8
	for cpu := 0; cpu < ncpu; cpu++ {
		pos = putRangeList(b, pos, blockLists[cpu])
	}
	for cpu := 0; cpu < ncpu; cpu++ {
		pos = putRangeList(b, pos, inodeLists[cpu])
	}
	binary.LittleEndian.PutUint32(b[pos:], csum.Of(b[:pos]))

	region.ScopedWrite(off, size, func(dst []byte) { copy(dst, b) })
	return false, nil
}

// readCheckpoint validates and restores the checkpoint blob at
// cfg.CheckpointOffset into cfg.BlockAlloc and cfg.ITable.
func readCheckpoint(cfg Config) error {
	size := Size(cfg.NCPU)
	b := cfg.Region.ReadAt(cfg.CheckpointOffset, size)
	if len(b) < 8 {
		return errs.Wrap(errs.Corrupt, "recovery: checkpoint blob too small")
	}
	if binary.LittleEndian.Uint32(b[0:]) != checkpointMagic {
		return errs.Wrap(errs.Corrupt, "recovery: checkpoint magic mismatch")
	}
	if int(binary.LittleEndian.Uint32(b[4:])) != cfg.NCPU {
		return errs.Wrap(errs.Corrupt, "recovery: checkpoint ncpu mismatch")
	}
	pos := size - 4
	if csum.Of(b[:pos]) != binary.LittleEndian.Uint32(b[pos:]) {
		return errs.Wrap(errs.Corrupt, "recovery: checkpoint checksum mismatch")
	}

	pos = 8
	blockLists := make([][][2]uint64, cfg.NCPU)
	for cpu := 0; cpu < cfg.NCPU; cpu++ {
		var ranges [][2]uint64
		ranges, pos = getRangeList(b, pos)
		blockLists[cpu] = ranges
	}
	inodeLists := make([][][2]uint64, cfg.NCPU)
	for cpu := 0; cpu < cfg.NCPU; cpu++ {
		var ranges [][2]uint64
		ranges, pos = getRangeList(b, pos)
		inodeLists[cpu] = ranges
	}

	for cpu := 0; cpu < cfg.NCPU; cpu++ {
		cfg.BlockAlloc.RestoreCheckpoint(cpu, blockLists[cpu])
		cfg.ITable.RestoreFreeNumberCheckpoint(cpu, inodeLists[cpu])
	}
	return nil
}

// putRangeList writes ranges into the fixed-size perListSize slot
// starting at pos (count-prefixed, zero-padded) and returns the offset of
// the next slot.
func putRangeList(b []byte, pos int, ranges [][2]uint64) int {
	binary.LittleEndian.PutUint32(b[pos:], uint32(len(ranges)))
	p := pos + 4
	for _, r := range ranges {
		binary.LittleEndian.PutUint64(b[p:], r[0])
		binary.LittleEndian.PutUint64(b[p+8:], r[1])
		p += rangeRecordSize
	}
	return pos + perListSize
}

// getRangeList reads back one fixed-size perListSize slot starting at pos
// and returns the offset of the next slot.
func getRangeList(b []byte, pos int) ([][2]uint64, int) {
	count := int(binary.LittleEndian.Uint32(b[pos:]))
	p := pos + 4
	ranges := make([][2]uint64, 0, count)
	for i := 0; i < count; i++ {
		lo := binary.LittleEndian.Uint64(b[p:])
		hi := binary.LittleEndian.Uint64(b[p+8:])
		ranges = append(ranges, [2]uint64{lo, hi})
		p += rangeRecordSize
	}
	return ranges, pos + perListSize
}
