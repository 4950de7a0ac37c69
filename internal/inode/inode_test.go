package inode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bytefs/internal/alloc"
	"bytefs/internal/pm"
)

func newTestTable(t *testing.T, ncpu int, capacity, reserved uint64) *Table {
	t.Helper()
	region, err := pm.NewAnon(uint64(capacity) * Size * 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = region.Close() })
	return NewTable(region, 0, pm.Offset(capacity)*Size, capacity, reserved, ncpu)
}

func TestAllocSetsValidAndChecksum(t *testing.T) {
	tbl := newTestTable(t, 2, 100, 4)
	n, err := tbl.Alloc(alloc.AnyCPU)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, uint64(4))

	p := tbl.Primary(n)
	assert.True(t, p.Valid())
	assert.False(t, p.Deleted())
	assert.Equal(t, n, p.Ino())
	assert.True(t, p.ChecksumOK())

	r := tbl.Replica(n)
	assert.True(t, r.ChecksumOK())
	require.NoError(t, CheckIntegrity(p, r))
}

func TestFreeReturnsNumberAndMarksDeleted(t *testing.T) {
	tbl := newTestTable(t, 1, 10, 0)
	n, err := tbl.Alloc(0)
	require.NoError(t, err)
	require.NoError(t, tbl.Free(n))
	assert.True(t, tbl.Primary(n).Deleted())

	n2, err := tbl.Alloc(0)
	require.NoError(t, err)
	assert.Equal(t, n, n2)
}

func TestCheckIntegrityRepairsFromReplica(t *testing.T) {
	tbl := newTestTable(t, 1, 10, 0)
	n, err := tbl.Alloc(0)
	require.NoError(t, err)

	p := tbl.Primary(n)
	r := tbl.Replica(n)
	corrupt(p)

	require.NoError(t, CheckIntegrity(p, r))
	assert.True(t, p.ChecksumOK())
	assert.Equal(t, r.Mode(), p.Mode())
}

func TestCheckIntegrityFailsWhenBothCorrupt(t *testing.T) {
	tbl := newTestTable(t, 1, 10, 0)
	n, err := tbl.Alloc(0)
	require.NoError(t, err)
	p, r := tbl.Primary(n), tbl.Replica(n)
	corrupt(p)
	corrupt(r)
	assert.Error(t, CheckIntegrity(p, r))
}

func TestFieldRoundTrip(t *testing.T) {
	tbl := newTestTable(t, 1, 4, 0)
	n, err := tbl.Alloc(0)
	require.NoError(t, err)
	p := tbl.Primary(n)
	p.SetSize(4096)
	p.SetMode(0o100644)
	p.SetLinks(1)
	p.SetUID(1000)
	p.SetGID(1000)
	p.SetBlockType(Block2M)
	p.SetLogHead(pm.Offset(8192))
	p.Finalize()

	assert.Equal(t, uint64(4096), p.Size())
	assert.Equal(t, uint32(0o100644), p.Mode())
	assert.Equal(t, Block2M, p.BlockType())
	assert.Equal(t, pm.Offset(8192), p.LogHead())
	assert.True(t, p.ChecksumOK())
}

func corrupt(i *Inode) {
	i.b[offMode] ^= 0xFF
}
