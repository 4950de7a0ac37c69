package mount

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"bytefs/internal/alloc"
	"bytefs/internal/bridge"
	"bytefs/internal/dtree"
	"bytefs/internal/errs"
	"bytefs/internal/ftl"
	"bytefs/internal/inode"
	"bytefs/internal/journal"
	"bytefs/internal/pagecache"
	"bytefs/internal/pm"
	"bytefs/internal/recovery"
	"bytefs/internal/sb"
	"bytefs/internal/vfsops"
	"bytefs/internal/ylog"
)

// openInode is the lazily-rebuilt in-DRAM state for one valid inode,
// spec's inode_info_header (§3): the pgoff→entry radix map and, for
// directories, the name-hash dentry tree, plus the DRAM mirror of the
// log tail pointers append/GC advance.
type openInode struct {
	mu sync.Mutex

	ino     uint64
	isDir   bool
	pages   *dtree.PageIndex
	dir     *dtree.DirTree
	logHead pm.Offset
	logTail pm.Offset

	// pc is the inode's emulated-SSD page-cache handle, created lazily on
	// first Read/Write via FS.filePageCache.
	pc *pagecache.File
}

// FS is one mounted bytefs instance: every PM-resident structure, the
// emulated SSD stack beneath the byte/block bridge, and two background
// goroutines (the page-cache eviction sweep and metricsLoop); FTL commands
// and GC run synchronously in the caller. Constructed by Mount, torn down
// by Unmount.
type FS struct {
	opts   Options
	layout layout

	Region     *pm.Region
	SB         *sb.Region
	Journal    *journal.Journal
	ITable     *inode.Table
	BlockAlloc *alloc.Allocator
	Log        *ylog.Log
	FTL        *ftl.FTL
	Bridge     *bridge.Bridge
	PageCache  *pagecache.Cache

	Logger  *Logger
	Metrics *Metrics

	// InstanceID identifies this mount in diagnostics and logs (spec
	// §2.G domain stack: "mount epoch / instance identifier surfaced in
	// the superblock's diagnostic dump" — not part of the on-disk
	// bit-exact superblock layout itself, which has no room for a 16
	// byte UUID; the numeric MountEpoch field carries the on-disk
	// identity, this carries the human-diagnostic one).
	InstanceID uuid.UUID

	inodesMu sync.Mutex
	inodes   map[uint64]*openInode

	cpuHint *pm.CPUHinter

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// evictWake nudges the eviction goroutine outside its normal
	// watermark poll, used by Sync/tests to force an immediate sweep.
	evictWake chan struct{}
}

var _ vfsops.IoctlOps = (*FS)(nil)

// Mount formats (if the superblock's magic is absent) or opens an
// existing PM region per opts, runs spec §4.7 recovery, wires the
// emulated FTL and byte/block bridge beneath a page cache, and starts
// the background goroutines. This is the Go realization of the
// teacher's (nonexistent, kernel-supplied) mount(2) entry point —
// gcsfuse's mountWithArgs / fsAlreadyMounted wiring is the closer
// structural analogue in the pack: parse options, build every
// collaborator, hand back one long-lived handle.
func Mount(ctx context.Context, opts Options, logger *Logger, reg *prometheus.Registry) (*FS, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = NewLogger(nil, Level(opts.LogVerbosity))
	}

	var region *pm.Region
	var err error
	if opts.BackingFile != "" {
		region, err = pm.Open(opts.BackingFile, opts.SizeBytes)
	} else {
		region, err = pm.NewAnon(opts.SizeBytes)
	}
	if err != nil {
		return nil, errs.Wrap(err, "mount: open PM region")
	}

	l := computeLayout(opts)
	if err := checkFits(l); err != nil {
		region.Close()
		return nil, err
	}

	sbRegion, fresh, err := loadOrFormatSuperblock(region, opts, l)
	if err != nil {
		region.Close()
		return nil, err
	}

	jnl := journal.New(region, l.journalPtrs, l.journalRecords, opts.NCPU)
	itable := inode.NewTable(region, l.itablePrimary, l.itableReplica, opts.InodeCapacity, opts.ReservedInodes, opts.NCPU)
	blockAlloc := alloc.NewAllocator(alloc.Config{
		NCPU:           opts.NCPU,
		BlockSize:      BlockSize,
		Start:          l.blockStart,
		End:            l.blockEnd,
		DramStructCsum: opts.DramStructCsum,
	})

	fs := &FS{
		opts:       opts,
		layout:     l,
		Region:     region,
		SB:         sbRegion,
		Journal:    jnl,
		ITable:     itable,
		BlockAlloc: blockAlloc,
		Log:        ylog.New(region),
		Logger:     logger,
		Metrics:    NewMetrics(reg),
		inodes:     make(map[uint64]*openInode),
		cpuHint:    pm.NewCPUHinter(opts.NCPU),
		evictWake:  make(chan struct{}, 1),
		InstanceID: uuid.New(),
	}

	if !fresh {
		pending := 0
		for cpu := 0; cpu < opts.NCPU; cpu++ {
			pending += jnl.Pending(cpu)
		}

		res, err := recovery.Recover(ctx, recovery.Config{
			Region:           region,
			SB:               sbRegion,
			Journal:          jnl,
			ITable:           itable,
			BlockAlloc:       blockAlloc,
			NCPU:             opts.NCPU,
			BlockStart:       l.blockStart,
			BlockEnd:         l.blockEnd,
			CheckpointOffset: l.checkpoint,
		})
		if err != nil {
			region.Close()
			return nil, errs.Wrap(err, "mount: recovery")
		}
		fs.Metrics.JournalReplays.Add(float64(pending))
		fs.adoptRecovered(res)
		logger.Infof("mount %s: recovered clean_unmount=%v rebuilt_inodes=%d", fs.InstanceID, res.CleanUnmount, len(res.Inodes))
	} else {
		if err := fs.initRootInode(); err != nil {
			region.Close()
			return nil, errs.Wrap(err, "mount: init root inode")
		}
		logger.Infof("mount %s: formatted fresh image, size=%d bytes ncpu=%d", fs.InstanceID, opts.SizeBytes, opts.NCPU)
	}

	geo := ftl.Geometry{Channels: opts.Channels, WaysPerCh: opts.WaysPerCh, BlocksPerWay: opts.BlocksPerWay, PagesPerBlock: opts.PagesPerBlock}
	fs.FTL = ftl.New(geo)
	fs.Bridge = bridge.New(fs.FTL)
	fs.PageCache = pagecache.NewCache(fs.Bridge, opts.EvictionLowWatermark, opts.EvictionHighWatermark)

	runCtx, cancel := context.WithCancel(ctx)
	fs.cancel = cancel
	fs.startBackgroundThreads(runCtx)

	return fs, nil
}

// loadOrFormatSuperblock reads the primary+replica superblocks, or, if
// neither carries bytefs's magic, initializes a fresh pair (mkfs-on-first-
// mount, the same "format if absent" convenience biscuit's own mkfs
// command performs as a separate step — folded in here so an anonymous
// region never needs a prior format pass).
func loadOrFormatSuperblock(region *pm.Region, opts Options, l layout) (*sb.Region, bool, error) {
	primary := sb.View(region, l.sbPrimary)
	if primary.Valid() {
		r, err := sb.Load(region, BlockSize)
		return r, false, err
	}

	primary.Init()
	primary.SetBlockSize(BlockSize)
	primary.SetSizeBlocks(opts.SizeBytes / BlockSize)
	primary.SetNCPU(uint32(opts.NCPU))
	primary.SetJournalStart(uint64(l.journalPtrs) / BlockSize)
	primary.SetITable0Start(uint64(l.itablePrimary) / BlockSize)
	primary.SetITable1Start(uint64(l.itableReplica) / BlockSize)
	primary.SetReservedInodes(uint32(opts.ReservedInodes))
	primary.SetFlags(mountFlags(opts))
	primary.Finalize()

	copy(region.Bytes(l.sbReplica, sb.Size), region.Bytes(l.sbPrimary, sb.Size))
	replica := sb.View(region, l.sbReplica)

	return &sb.Region{Primary: primary, Replica: replica}, true, nil
}

func mountFlags(opts Options) sb.MountFlags {
	var f sb.MountFlags
	if opts.DataCow {
		f |= sb.FlagDataCow
	}
	if opts.DataCsum {
		f |= sb.FlagDataCsum
	}
	if opts.DataParity {
		f |= sb.FlagDataParity
	}
	if opts.MetadataCsum {
		f |= sb.FlagMetadataCsum
	}
	if opts.Wprotect {
		f |= sb.FlagWprotect
	}
	if opts.DramStructCsum {
		f |= sb.FlagDramStructCsum
	}
	return f
}

// adoptRecovered installs the rescan path's rebuilt inode states (when
// present) into fs.inodes so the first Open call for each doesn't need
// to replay the log a second time.
func (fs *FS) adoptRecovered(res *recovery.Result) {
	if res.CleanUnmount {
		fs.Metrics.RecoveryRescan.Set(0)
	} else {
		fs.Metrics.RecoveryRescan.Set(1)
	}
	if res.Inodes == nil {
		return
	}
	fs.inodesMu.Lock()
	defer fs.inodesMu.Unlock()
	for ino, st := range res.Inodes {
		fs.inodes[ino] = &openInode{
			ino:     ino,
			isDir:   st.IsDir,
			pages:   st.Pages,
			dir:     st.Dir,
			logHead: fs.ITable.Primary(ino).LogHead(),
			logTail: fs.ITable.Primary(ino).LogTail(),
		}
	}
}

// Open returns ino's in-DRAM state, lazily rebuilding it from the log via
// recovery.RebuildInode on first access if the mount took the clean-
// checkpoint-restore path (spec §4.7's comment that PageIndex/DirTree are
// "always rebuilt from the log, never itself persisted").
func (fs *FS) Open(ino uint64) (*openInode, error) {
	fs.inodesMu.Lock()
	if oi, ok := fs.inodes[ino]; ok {
		fs.inodesMu.Unlock()
		return oi, nil
	}
	fs.inodesMu.Unlock()

	primary := fs.ITable.Primary(ino)
	if !primary.Valid() {
		return nil, errs.Wrap(errs.Invalid, "mount: inode is not valid")
	}
	st, _, err := recovery.RebuildInode(fs.Region, ino, primary)
	if err != nil {
		return nil, err
	}

	oi := &openInode{ino: ino, isDir: st.IsDir, pages: st.Pages, dir: st.Dir, logHead: primary.LogHead(), logTail: primary.LogTail()}
	fs.inodesMu.Lock()
	fs.inodes[ino] = oi
	fs.inodesMu.Unlock()
	return oi, nil
}

// startBackgroundThreads launches two goroutines: the page-cache eviction
// sweep (internal/pagecache.RunEviction) and metricsLoop, which
// republishes the free-block gauge. There is no FTL command-handler or
// completion-poller goroutine: IssueAligned calls and FTL GC run
// synchronously in the caller, so there is no ring to drain or poll.
// context cancellation is the idiomatic replacement for the kernel's
// kthread stop-request model (spec §5 "the eviction thread respects stop
// requests between sweeps").
func (fs *FS) startBackgroundThreads(ctx context.Context) {
	fs.wg.Add(1)
	go func() {
		defer fs.wg.Done()
		fs.PageCache.RunEviction(ctx, fs.evictWake)
	}()

	fs.wg.Add(1)
	go func() {
		defer fs.wg.Done()
		fs.metricsLoop(ctx)
	}()
}

// metricsLoop periodically republishes free-block counts, standing in
// for the FTL command-handler/completion-poller pair's steady-state
// reporting duty once there is no per-command ring left to drain
// synchronously.
func (fs *FS) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if fs.Metrics != nil {
				fs.Metrics.FreeBlocks.Set(float64(fs.BlockAlloc.CountFreeBlocks()))
			}
		}
	}
}

// Sync nudges the page-cache eviction sweep to run now. It does not block:
// if a wake-up is already pending it does nothing, and it returns without
// waiting for the sweep to run.
func (fs *FS) Sync() {
	select {
	case fs.evictWake <- struct{}{}:
	default:
	}
}

// Unmount stops the background goroutines, persists the free-block and
// free-inode-number checkpoints, marks the superblock cleanly unmounted,
// and unmaps the PM region. Per spec §4.7, a subsequent Mount trusts the
// checkpoint only if this completes; any failure midway (e.g. a
// truncated checkpoint write) leaves FlagCleanUnmount clear so the next
// mount safely falls back to a full rescan.
func (fs *FS) Unmount() error {
	fs.cancel()
	fs.wg.Wait()
	fs.PageCache.Stop()

	truncated, err := recovery.WriteCheckpoint(fs.Region, fs.layout.checkpoint, fs.opts.NCPU, fs.BlockAlloc, fs.ITable)
	if err != nil {
		fs.Logger.Errorf("unmount: write checkpoint: %v", err)
	} else if !truncated {
		fs.SB.Primary.SetFlags(fs.SB.Primary.Flags() | sb.FlagCleanUnmount)
		fs.SB.Sync()
	} else {
		fs.Logger.Warnf("unmount: checkpoint truncated (too many free ranges); next mount will rescan")
	}

	return fs.Region.Close()
}

// Ioctl implements vfsops.IoctlOps, the §6 control surface (print
// timing, clear stats, print log, print log pages, print free lists),
// rendered through the mount logger rather than a bare fmt.Printf the
// way the teacher's (absent) debug-print collaborator would have.
func (fs *FS) Ioctl(ino uint64, op vfsops.Opcode, arg []byte) ([]byte, error) {
	switch op {
	case vfsops.OpPrintFreeLists:
		var out []byte
		for cpu := 0; cpu < fs.BlockAlloc.NCPU(); cpu++ {
			out = append(out, []byte(fmt.Sprintf("cpu=%d free=%d\n", cpu, fs.BlockAlloc.FreeCount(cpu)))...)
		}
		return out, nil
	case vfsops.OpPrintLog:
		oi, err := fs.Open(ino)
		if err != nil {
			return nil, err
		}
		return []byte(fmt.Sprintf("ino=%d head=%d tail=%d live_pages=%d\n", ino, oi.logHead, oi.logTail, oi.pages.Len())), nil
	case vfsops.OpPrintLogPages:
		oi, err := fs.Open(ino)
		if err != nil {
			return nil, err
		}
		var out []byte
		count := 0
		for off := oi.logHead; off != 0 && off != oi.logTail; {
			p := ylog.PageView(fs.Region, off)
			out = append(out, []byte(fmt.Sprintf("page@%d entries=%d invalid=%d\n", off, p.NumEntries(), p.InvalidEntries()))...)
			off = p.NextPage()
			count++
			if count > 1<<20 {
				return nil, errs.Wrap(errs.Corrupt, "ioctl: log page chain did not terminate")
			}
		}
		return out, nil
	case vfsops.OpClearStats:
		fs.Logger.Infof("ioctl: clear stats requested (Prometheus counters are monotonic; scrape the reset timestamp instead)")
		return nil, nil
	case vfsops.OpPrintTiming:
		return []byte("timing collection disabled: hardware timer intrinsics out of scope\n"), nil
	default:
		return nil, errs.Wrap(errs.Invalid, "ioctl: unknown opcode")
	}
}
