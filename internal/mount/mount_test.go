package mount

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bytefs/internal/alloc"
	"bytefs/internal/vfsops"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.NCPU = 2
	opts.SizeBytes = 8 << 20
	opts.InodeCapacity = 64
	opts.ReservedInodes = 4
	opts.EvictionLowWatermark = 8
	opts.EvictionHighWatermark = 16
	opts.Channels = 2
	opts.WaysPerCh = 1
	opts.BlocksPerWay = 8
	opts.PagesPerBlock = 8
	return opts
}

func TestMountFreshFormatsAndUnmountsCleanly(t *testing.T) {
	ctx := context.Background()
	fs, err := Mount(ctx, testOptions(), nil, prometheus.NewRegistry())
	require.NoError(t, err)

	assert.True(t, fs.SB.Primary.Valid())
	assert.Equal(t, uint32(2), fs.SB.Primary.NCPU())
	assert.True(t, fs.BlockAlloc.CountFreeBlocks() > 0)

	require.NoError(t, fs.Unmount())
}

func TestMountRemountRestoresCleanCheckpoint(t *testing.T) {
	ctx := context.Background()
	opts := testOptions()
	opts.BackingFile = t.TempDir() + "/image.pm"

	fs, err := Mount(ctx, opts, nil, prometheus.NewRegistry())
	require.NoError(t, err)

	_, err = fs.ITable.Alloc(0)
	require.NoError(t, err)
	_, _, err = fs.BlockAlloc.NewBlocks(4, 0, alloc.AllocFromHead)
	require.NoError(t, err)

	freeBefore := fs.BlockAlloc.CountFreeBlocks()
	require.NoError(t, fs.Unmount())

	fs2, err := Mount(ctx, opts, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	defer fs2.Unmount()

	assert.True(t, fs2.SB.Primary.Valid())
	assert.Equal(t, freeBefore, fs2.BlockAlloc.CountFreeBlocks())
}

func TestIoctlPrintFreeLists(t *testing.T) {
	ctx := context.Background()
	fs, err := Mount(ctx, testOptions(), nil, prometheus.NewRegistry())
	require.NoError(t, err)
	defer fs.Unmount()

	out, err := fs.Ioctl(0, vfsops.OpPrintFreeLists, nil)
	require.NoError(t, err)
	assert.Contains(t, string(out), "cpu=0")
}
