// Package recovery implements mount-time recovery (spec §4.7): lite
// journal replay, superblock clean/unclean detection, free-list and
// inode-number checkpoint restore on a clean unmount, and full rescan of
// every valid inode's log to reconstruct free ranges on an unclean one.
//
// RebuildInode is also the single place that rebuilds one inode's
// in-DRAM PageIndex/DirTree from its log (internal/dtree's contract:
// "always rebuilt from the log, never itself persisted") — both the
// unclean-mount rescan below and internal/mount's lazy per-inode open
// path call it, so the log-replay logic exists exactly once.
package recovery

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"bytefs/internal/alloc"
	"bytefs/internal/dtree"
	"bytefs/internal/errs"
	"bytefs/internal/inode"
	"bytefs/internal/journal"
	"bytefs/internal/pm"
	"bytefs/internal/sb"
	"bytefs/internal/ylog"
)

// Config bundles every mounted structure recovery needs to touch.
type Config struct {
	Region     *pm.Region
	SB         *sb.Region
	Journal    *journal.Journal
	ITable     *inode.Table
	BlockAlloc *alloc.Allocator
	NCPU       int

	// BlockStart/BlockEnd are the same allocatable block bounds passed to
	// alloc.NewAllocator when BlockAlloc was constructed; recovery needs
	// them to recompute per-CPU partitions during rescan.
	BlockStart, BlockEnd uint64

	// CheckpointOffset is the PM offset of the free-list/inode-list
	// checkpoint blob (spec §3), written by a clean Unmount and read back
	// here when the superblock's FlagCleanUnmount bit was set.
	CheckpointOffset pm.Offset
}

// InodeState is one valid inode's rebuilt DRAM state.
type InodeState struct {
	Ino         uint64
	IsDir       bool
	Pages       *dtree.PageIndex
	Dir         *dtree.DirTree // non-nil only when IsDir
	LiveEntries int            // spec §8 property 1 bookkeeping
	Corrupt     bool           // log walk aborted partway through
}

// Result is what Recover hands back to internal/mount.
type Result struct {
	// CleanUnmount reports whether the checkpoint-restore fast path was
	// taken. When true, Inodes is nil: internal/mount rebuilds each
	// inode's PageIndex/DirTree lazily at open time via RebuildInode.
	CleanUnmount bool
	// Inodes is populated only on the rescan (unclean) path, keyed by
	// inode number, covering every inode found valid during the scan.
	Inodes map[uint64]*InodeState
}

const sIFDIR = unix.S_IFDIR
const sIFMT = unix.S_IFMT

func isDir(mode uint32) bool { return mode&sIFMT == sIFDIR }

// Recover runs the full mount-time recovery sequence (spec §4.7): replay
// every CPU's lite journal first (nothing else may be trusted before
// that), clear the clean-unmount flag so a subsequent crash is detected,
// then either restore the persisted free-list/inode-list checkpoints or
// fall back to a full rescan.
func Recover(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.Journal.Recover(); err != nil {
		return nil, errs.Wrap(err, "recovery: lite journal replay failed")
	}

	wasClean := cfg.SB.Primary.Flags()&sb.FlagCleanUnmount != 0
	cfg.SB.Primary.SetFlags(cfg.SB.Primary.Flags() &^ sb.FlagCleanUnmount)
	cfg.SB.Sync()

	if wasClean {
		if err := readCheckpoint(cfg); err == nil {
			return &Result{CleanUnmount: true}, nil
		}
		// Checkpoint unreadable despite the clean flag (truncated write,
		// corrupted blob): fall through to the safe, slower rescan path
		// rather than trusting a partially-read free list.
	}

	inodes, err := rescan(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Result{CleanUnmount: false, Inodes: inodes}, nil
}

// rescan walks every inode number in [0, capacity), rebuilding valid
// inodes' DRAM state and reconstructing both free-number and free-block
// ranges from what it finds live (spec §4.7: "rescan inodes and logs to
// rebuild DRAM state" / "Block ranges covered by live entries are removed
// from the reconstructed free-lists"). Work is partitioned by inode
// number modulo NCPU and fanned out via errgroup, mirroring the per-CPU
// striping internal/inode already uses for inode ownership.
func rescan(ctx context.Context, cfg Config) (map[uint64]*InodeState, error) {
	capacity := cfg.ITable.Capacity()
	type shardResult struct {
		inodes     map[uint64]*InodeState
		inUse      [][2]uint64
		blockRuns  [][2]uint64
	}
	shards := make([]shardResult, cfg.NCPU)

	g, gctx := errgroup.WithContext(ctx)
	for cpu := 0; cpu < cfg.NCPU; cpu++ {
		cpu := cpu
		g.Go(func() error {
			shard := shardResult{inodes: make(map[uint64]*InodeState)}
			for n := uint64(cpu); n < capacity; n += uint64(cfg.NCPU) {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p := cfg.ITable.Primary(n)
				r := cfg.ITable.Replica(n)
				if !p.Valid() && !r.Valid() {
					// Never allocated: a raw zeroed record's stored
					// checksum was never stamped by Finalize, so running
					// CheckIntegrity on it would misreport corruption.
					// Nothing to repair or reclaim.
					continue
				}
				if err := inode.CheckIntegrity(p, r); err != nil {
					// Both copies corrupt: this inode number is
					// unusable, but unaffected inodes still recover
					// (spec §7: "the filesystem continues for
					// unaffected inodes"). Treat it as in-use so the
					// allocator never hands its number out again.
					shard.inUse = append(shard.inUse, [2]uint64{n, n})
					continue
				}
				if !p.Valid() || p.Deleted() {
					continue
				}
				shard.inUse = append(shard.inUse, [2]uint64{n, n})

				state, runs, err := RebuildInode(cfg.Region, n, p)
				if err != nil {
					return errs.Wrapf(err, "recovery: rebuilding inode %d", n)
				}
				shard.inodes[n] = state
				shard.blockRuns = append(shard.blockRuns, runs...)
			}
			shards[cpu] = shard
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	inodes := make(map[uint64]*InodeState)
	var allInUse, allRuns [][2]uint64
	for _, s := range shards {
		for k, v := range s.inodes {
			inodes[k] = v
		}
		allInUse = append(allInUse, s.inUse...)
		allRuns = append(allRuns, s.blockRuns...)
	}

	for cpu := 0; cpu < cfg.NCPU; cpu++ {
		lo, hi := alloc.CPUPartition(cfg.NCPU, cfg.ITable.ReservedCount(), capacity, cpu)
		cfg.ITable.RestoreFreeNumberCheckpoint(cpu, complement(lo, hi, allInUse))
	}
	for cpu := 0; cpu < cfg.NCPU; cpu++ {
		lo, hi := alloc.CPUPartition(cfg.NCPU, cfg.BlockStart, cfg.BlockEnd, cpu)
		cfg.BlockAlloc.RestoreCheckpoint(cpu, complement(lo, hi, allRuns))
	}

	return inodes, nil
}

// RebuildInode replays ino's log from its persisted head to tail,
// reconstructing its PageIndex (from FILE_WRITE entries) and, if it is a
// directory, its DirTree (from DIR_LOG entries). It returns the block
// ranges FILE_WRITE entries reference, for callers reconstructing the
// block free list, alongside the rebuilt state. A checksum/walk failure
// marks the returned state Corrupt rather than discarding the partial
// rebuild (spec §7: Corrupt inodes are diagnosed, not fatal to the mount).
func RebuildInode(region *pm.Region, ino uint64, primary *inode.Inode) (*InodeState, [][2]uint64, error) {
	state := &InodeState{
		Ino:   ino,
		IsDir: isDir(primary.Mode()),
		Pages: dtree.NewPageIndex(),
	}
	if state.IsDir {
		state.Dir = dtree.NewDirTree()
	}

	var blockRuns [][2]uint64
	log := ylog.New(region)
	walkErr := log.Walk(primary.LogHead(), primary.LogTail(), func(e ylog.Entry) error {
		switch e.Type {
		case ylog.FileWrite:
			pgoff, numPages, block, _ := ylog.DecodeFileWrite(e.Raw)
			if numPages == 0 {
				return errs.Wrap(errs.Corrupt, "recovery: FILE_WRITE entry with num_pages == 0")
			}
			state.Pages.Insert(&dtree.WriteEntry{
				Pgoff:    pgoff,
				NumPages: numPages,
				Block:    block,
				LogOff:   uint64(e.Off),
			})
			blockRuns = append(blockRuns, [2]uint64{block, block + numPages - 1})
			state.LiveEntries++
		case ylog.DirLog:
			if !state.IsDir {
				return errs.Wrap(errs.Corrupt, "recovery: DIR_LOG entry on a non-directory inode")
			}
			name, childIno, invalid := ylog.DecodeDirLog(e.Raw)
			if invalid {
				state.Dir.Remove(name)
				return nil
			}
			state.Dir.Remove(name) // allow recreate-after-delete to overwrite
			if err := state.Dir.Insert(&dtree.Dentry{Name: name, Ino: childIno, LogOff: uint64(e.Off)}); err != nil {
				return err
			}
			state.LiveEntries++
		case ylog.SetAttr, ylog.LinkChange, ylog.MmapWrite:
			// No separate DRAM mirror beyond the inode record itself
			// (already durable via the lite journal); only the
			// invariant-counting bookkeeping applies here.
			state.LiveEntries++
		default:
			return errs.Wrap(errs.Corrupt, "recovery: unrecognized log entry type")
		}
		return nil
	})
	if walkErr != nil {
		state.Corrupt = true
		return state, blockRuns, nil
	}
	return state, blockRuns, nil
}

// complement returns the gaps in [lo, hi] not covered by any of used's
// inclusive [low, high] ranges, merging overlapping/adjacent used ranges
// first. It is the shared reconstruction step for both the block and
// inode-number free lists during rescan.
func complement(lo, hi uint64, used [][2]uint64) [][2]uint64 {
	if hi == 0 || hi < lo {
		return nil
	}
	top := hi - 1 // CPUPartition's hi is exclusive; free lists store inclusive highs

	var clipped [][2]uint64
	for _, r := range used {
		l, h := r[0], r[1]
		if h < lo || l > top {
			continue
		}
		if l < lo {
			l = lo
		}
		if h > top {
			h = top
		}
		clipped = append(clipped, [2]uint64{l, h})
	}
	sort.Slice(clipped, func(i, j int) bool { return clipped[i][0] < clipped[j][0] })

	var merged [][2]uint64
	for _, r := range clipped {
		if n := len(merged); n > 0 && r[0] <= merged[n-1][1]+1 {
			if r[1] > merged[n-1][1] {
				merged[n-1][1] = r[1]
			}
			continue
		}
		merged = append(merged, r)
	}

	var gaps [][2]uint64
	cur := lo
	for _, r := range merged {
		if r[0] > cur {
			gaps = append(gaps, [2]uint64{cur, r[0] - 1})
		}
		cur = r[1] + 1
	}
	if cur <= top {
		gaps = append(gaps, [2]uint64{cur, top})
	}
	return gaps
}
