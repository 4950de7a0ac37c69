package journal

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bytefs/internal/pm"
)

func newTestJournal(t *testing.T, ncpu int) (*Journal, *pm.Region) {
	t.Helper()
	ptrsSize := uint64(ncpu) * CachelineSize
	recordsSize := uint64(ncpu) * CapacityBytes
	region, err := pm.NewAnon(ptrsSize + recordsSize + 4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = region.Close() })
	j := New(region, 0, pm.Offset(ptrsSize), ncpu)
	return j, region
}

func readU64(region *pm.Region, off pm.Offset) uint64 {
	return binary.LittleEndian.Uint64(region.Bytes(off, 8))
}

func writeU64(region *pm.Region, off pm.Offset, v uint64) {
	binary.LittleEndian.PutUint64(region.Bytes(off, 8), v)
}

func TestCommitDiscardsUndoRecords(t *testing.T) {
	j, region := newTestJournal(t, 2)
	target := pm.Offset(100000)
	writeU64(region, target, 42)

	tx := j.Begin(0)
	require.NoError(t, tx.LogInodeField(target, 42))
	writeU64(region, target, 99)
	tx.Commit()

	assert.Equal(t, 0, j.Pending(0))
	assert.Equal(t, uint64(99), readU64(region, target))

	require.NoError(t, j.Recover())
	assert.Equal(t, uint64(99), readU64(region, target), "committed transaction must not be rolled back")
}

func TestRecoverRollsBackUncommittedTransaction(t *testing.T) {
	j, region := newTestJournal(t, 2)
	target := pm.Offset(100000)
	writeU64(region, target, 42)

	tx := j.Begin(1)
	require.NoError(t, tx.LogInodeField(target, 42))
	writeU64(region, target, 99) // crash simulated here: no Commit call

	// Simulate a restart: a fresh Journal attaches to the same PM region.
	j = New(region, 0, pm.Offset(2*CachelineSize), 2)
	assert.Equal(t, 1, j.Pending(1))

	require.NoError(t, j.Recover())
	assert.Equal(t, uint64(42), readU64(region, target))
	assert.Equal(t, 0, j.Pending(1))
}

func TestAbortRollsBackImmediately(t *testing.T) {
	j, region := newTestJournal(t, 1)
	target := pm.Offset(100000)
	writeU64(region, target, 7)

	tx := j.Begin(0)
	require.NoError(t, tx.LogInodeField(target, 7))
	writeU64(region, target, 123)
	require.NoError(t, tx.Abort())

	assert.Equal(t, uint64(7), readU64(region, target))
	assert.Equal(t, 0, j.Pending(0))
}

func TestLogRejectsOverMaxLength(t *testing.T) {
	j, _ := newTestJournal(t, 1)
	tx := j.Begin(0)
	defer tx.Abort()

	for i := 0; i < MaxLength; i++ {
		require.NoError(t, tx.LogInodeField(pm.Offset(i*8), uint64(i)))
	}
	err := tx.LogInodeField(pm.Offset(MaxLength*8), 0)
	assert.Error(t, err)
}

func TestMultiRecordTransactionRollsBackInOrder(t *testing.T) {
	j, region := newTestJournal(t, 1)
	a, b := pm.Offset(100000), pm.Offset(100008)
	writeU64(region, a, 1)
	writeU64(region, b, 2)

	tx := j.Begin(0)
	require.NoError(t, tx.LogInodeField(a, 1))
	writeU64(region, a, 11)
	require.NoError(t, tx.LogEntryField(b, 2))
	writeU64(region, b, 22)

	// Simulate a restart: a fresh Journal attaches to the same PM region.
	j = New(region, 0, pm.Offset(CachelineSize), 1)
	require.NoError(t, j.Recover())
	assert.Equal(t, uint64(1), readU64(region, a))
	assert.Equal(t, uint64(2), readU64(region, b))
}
