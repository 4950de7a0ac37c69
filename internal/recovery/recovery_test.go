package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"bytefs/internal/alloc"
	"bytefs/internal/inode"
	"bytefs/internal/journal"
	"bytefs/internal/pm"
	"bytefs/internal/sb"
	"bytefs/internal/ylog"
)

const (
	testNCPU     = 2
	testCapacity = 16
	testReserved = 2
)

// fixture wires up a small PM layout and writes two inodes' worth of log
// entries directly, without going through internal/mount: inode a is a regular file with two FILE_WRITE entries,
// inode b is a directory with two DIR_LOG entries. It returns the inode
// numbers and the resources (block numbers, checkpoint offset) the tests
// assert against.
type fixture struct {
	region     *pm.Region
	sbRegion   *sb.Region
	jnl        *journal.Journal
	itable     *inode.Table
	blockAlloc *alloc.Allocator
	checkptOff pm.Offset

	inoA, inoB     uint64
	blockA1, blockA2 uint64
}

func buildFixture(t *testing.T) *fixture {
	t.Helper()
	region, err := pm.NewAnon(2 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = region.Close() })

	sbPrimary := sb.View(region, 0)
	sbPrimary.Init()
	sbPrimary.Finalize()
	sbReplica := sb.View(region, 4096)
	sbReplica.Init()
	sbReplica.Finalize()
	sbRegion := &sb.Region{Primary: sbPrimary, Replica: sbReplica}

	jnl := journal.New(region, 8192, 12288, testNCPU)

	itablePrimaryBase := pm.Offset(20480)
	itableReplicaBase := itablePrimaryBase + pm.Offset(testCapacity)*inode.Size
	itable := inode.NewTable(region, itablePrimaryBase, itableReplicaBase, testCapacity, testReserved, testNCPU)

	blockAlloc := alloc.NewAllocator(alloc.Config{NCPU: testNCPU, Start: 0, End: 1000})

	logPagesBase := pm.Offset(24576)
	nextLogPage := logPagesBase + 2*ylog.PageSize
	allocPage := func() (pm.Offset, error) {
		off := nextLogPage
		nextLogPage += ylog.PageSize
		return off, nil
	}
	log := ylog.New(region)

	inoA, err := itable.Alloc(alloc.AnyCPU)
	require.NoError(t, err)
	inoB, err := itable.Alloc(alloc.AnyCPU)
	require.NoError(t, err)

	blockA1, _, err := blockAlloc.NewBlocks(1, 0, alloc.AllocFromHead)
	require.NoError(t, err)
	blockA2, _, err := blockAlloc.NewBlocks(1, 0, alloc.AllocFromHead)
	require.NoError(t, err)

	headA := logPagesBase + 0*ylog.PageSize
	e1 := ylog.EncodeFileWrite(0, 1, blockA1, 4096)
	wroteAt1, tailA, err := log.Append(headA, e1, allocPage)
	require.NoError(t, err)
	require.Equal(t, headA, wroteAt1)
	e2 := ylog.EncodeFileWrite(1, 1, blockA2, 4096)
	_, tailA, err = log.Append(tailA, e2, allocPage)
	require.NoError(t, err)

	setInodeFields(t, itable, inoA, func(i *inode.Inode) {
		i.SetMode(0o100644)
		i.SetLogHead(headA)
		i.SetLogTail(tailA)
	})

	headB := logPagesBase + 1*ylog.PageSize
	d1 := ylog.EncodeDirLog("foo", 42, false)
	_, tailB, err := log.Append(headB, d1, allocPage)
	require.NoError(t, err)
	d2 := ylog.EncodeDirLog("bar", 43, false)
	_, tailB, err = log.Append(tailB, d2, allocPage)
	require.NoError(t, err)

	setInodeFields(t, itable, inoB, func(i *inode.Inode) {
		i.SetMode(unix.S_IFDIR | 0o755)
		i.SetLogHead(headB)
		i.SetLogTail(tailB)
	})

	return &fixture{
		region:     region,
		sbRegion:   sbRegion,
		jnl:        jnl,
		itable:     itable,
		blockAlloc: blockAlloc,
		checkptOff: pm.Offset(200000),
		inoA:       inoA,
		inoB:       inoB,
		blockA1:    blockA1,
		blockA2:    blockA2,
	}
}

// setInodeFields applies fn identically to both the primary and replica
// views of ino, then finalizes both, keeping them mirrored.
func setInodeFields(t *testing.T, itable *inode.Table, ino uint64, fn func(*inode.Inode)) {
	t.Helper()
	p := itable.Primary(ino)
	r := itable.Replica(ino)
	fn(p)
	fn(r)
	p.Finalize()
	r.Finalize()
}

func (f *fixture) config() Config {
	return Config{
		Region:           f.region,
		SB:               f.sbRegion,
		Journal:          f.jnl,
		ITable:           f.itable,
		BlockAlloc:       f.blockAlloc,
		NCPU:             testNCPU,
		BlockStart:       0,
		BlockEnd:         1000,
		CheckpointOffset: f.checkptOff,
	}
}

func freeRangeTotal(ranges [][2]uint64) uint64 {
	var total uint64
	for _, r := range ranges {
		total += r[1] - r[0] + 1
	}
	return total
}

func TestRecoverRescanRebuildsInodesAndFreeLists(t *testing.T) {
	f := buildFixture(t)
	ctx := context.Background()

	res, err := Recover(ctx, f.config())
	require.NoError(t, err)
	assert.False(t, res.CleanUnmount)
	require.Len(t, res.Inodes, 2)

	a := res.Inodes[f.inoA]
	require.NotNil(t, a)
	assert.False(t, a.IsDir)
	assert.False(t, a.Corrupt)
	we := a.Pages.Find(0)
	require.NotNil(t, we)
	assert.Equal(t, f.blockA1, we.Block)
	we2 := a.Pages.Find(1)
	require.NotNil(t, we2)
	assert.Equal(t, f.blockA2, we2.Block)

	b := res.Inodes[f.inoB]
	require.NotNil(t, b)
	assert.True(t, b.IsDir)
	foo := b.Dir.Find("foo")
	require.NotNil(t, foo)
	assert.Equal(t, uint64(42), foo.Ino)
	bar := b.Dir.Find("bar")
	require.NotNil(t, bar)
	assert.Equal(t, uint64(43), bar.Ino)

	var freeBlocks uint64
	for cpu := 0; cpu < testNCPU; cpu++ {
		freeBlocks += f.blockAlloc.FreeCount(cpu)
	}
	assert.Equal(t, uint64(998), freeBlocks) // 1000 - blockA1 - blockA2

	var freeNumbers uint64
	for cpu := 0; cpu < testNCPU; cpu++ {
		freeNumbers += freeRangeTotal(f.itable.FreeNumberCheckpoint(cpu))
	}
	assert.Equal(t, uint64(testCapacity-testReserved-2), freeNumbers)
}

func TestRecoverCleanPathRestoresCheckpointedFreeLists(t *testing.T) {
	f := buildFixture(t)

	// blockAlloc/itable already reflect the live-allocation state from
	// buildFixture (two blocks and two inode numbers excluded); persist
	// exactly that as the clean-unmount checkpoint.
	truncated, err := WriteCheckpoint(f.region, f.checkptOff, testNCPU, f.blockAlloc, f.itable)
	require.NoError(t, err)
	require.False(t, truncated)

	var wantFreeBlocks, wantFreeNumbers uint64
	for cpu := 0; cpu < testNCPU; cpu++ {
		wantFreeBlocks += f.blockAlloc.FreeCount(cpu)
		wantFreeNumbers += freeRangeTotal(f.itable.FreeNumberCheckpoint(cpu))
	}

	f.sbRegion.Primary.SetFlags(f.sbRegion.Primary.Flags() | sb.FlagCleanUnmount)
	f.sbRegion.Sync()

	// Simulate a remount: fresh (pristine, nothing excluded) allocator and
	// inode table standing in for newly-constructed mount-time state.
	freshAlloc := alloc.NewAllocator(alloc.Config{NCPU: testNCPU, Start: 0, End: 1000})
	itablePrimaryBase := pm.Offset(20480)
	itableReplicaBase := itablePrimaryBase + pm.Offset(testCapacity)*inode.Size
	freshTable := inode.NewTable(f.region, itablePrimaryBase, itableReplicaBase, testCapacity, testReserved, testNCPU)

	cfg := f.config()
	cfg.BlockAlloc = freshAlloc
	cfg.ITable = freshTable

	res, err := Recover(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, res.CleanUnmount)
	assert.Nil(t, res.Inodes)

	var gotFreeBlocks, gotFreeNumbers uint64
	for cpu := 0; cpu < testNCPU; cpu++ {
		gotFreeBlocks += freshAlloc.FreeCount(cpu)
		gotFreeNumbers += freeRangeTotal(freshTable.FreeNumberCheckpoint(cpu))
	}
	assert.Equal(t, wantFreeBlocks, gotFreeBlocks)
	assert.Equal(t, wantFreeNumbers, gotFreeNumbers)

	// FlagCleanUnmount must be cleared the instant recovery runs, so an
	// unclean crash right after is detected on the next mount.
	assert.Equal(t, sb.MountFlags(0), f.sbRegion.Primary.Flags()&sb.FlagCleanUnmount)
}
