package ylog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bytefs/internal/pm"
)

func newTestLog(t *testing.T, pages int) (*Log, *pm.Region, func() (pm.Offset, error)) {
	t.Helper()
	region, err := pm.NewAnon(uint64(pages) * PageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = region.Close() })

	next := pm.Offset(0)
	alloc := func() (pm.Offset, error) {
		off := next
		next += PageSize
		return off, nil
	}
	return New(region), region, alloc
}

func makeFileWrite(block, pgoff, size uint64) []byte {
	b := make([]byte, FileWriteSize)
	b[0] = byte(FileWrite)
	putU32(b[4:], 1) // num_pages
	putU64(b[8:], block)
	putU64(b[16:], pgoff)
	putU64(b[32:], size)
	return b
}

func putU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func TestAppendAndWalkSinglePage(t *testing.T) {
	log, _, alloc := newTestLog(t, 4)
	head, err := alloc()
	require.NoError(t, err)

	tail := head
	var wrote []pm.Offset
	for i := 0; i < 5; i++ {
		entry := makeFileWrite(uint64(i), uint64(i*4096), uint64((i+1)*4096))
		at, newTail, aerr := log.Append(tail, entry, alloc)
		require.NoError(t, aerr)
		wrote = append(wrote, at)
		tail = newTail
	}

	var seen []pm.Offset
	err = log.Walk(head, tail, func(e Entry) error {
		assert.Equal(t, FileWrite, e.Type)
		seen = append(seen, e.Off)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, wrote, seen)
}

func TestAppendCrossesPageBoundary(t *testing.T) {
	log, _, alloc := newTestLog(t, 8)
	head, err := alloc()
	require.NoError(t, err)

	tail := head
	count := PayloadSize/FileWriteSize + 4 // force at least one NEXT_PAGE
	for i := 0; i < count; i++ {
		entry := makeFileWrite(uint64(i), uint64(i), uint64(i))
		_, newTail, aerr := log.Append(tail, entry, alloc)
		require.NoError(t, aerr)
		tail = newTail
	}

	n := 0
	err = log.Walk(head, tail, func(e Entry) error {
		n++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, count, n)
}

func TestWalkDetectsCorruption(t *testing.T) {
	log, region, alloc := newTestLog(t, 2)
	head, err := alloc()
	require.NoError(t, err)

	entry := makeFileWrite(1, 0, 4096)
	at, tail, aerr := log.Append(head, entry, alloc)
	require.NoError(t, aerr)

	corrupted := region.Bytes(at, FileWriteSize)
	corrupted[8] ^= 0xFF

	err = log.Walk(head, tail, func(Entry) error { return nil })
	assert.Error(t, err)
}

func TestFastGCReclaimable(t *testing.T) {
	log, _, alloc := newTestLog(t, 2)
	head, err := alloc()
	require.NoError(t, err)

	entry := makeFileWrite(1, 0, 4096)
	at, _, aerr := log.Append(head, entry, alloc)
	require.NoError(t, aerr)

	assert.False(t, log.FastGCReclaimable(at))
	log.Invalidate(at, 1)
	assert.True(t, log.FastGCReclaimable(at))
}

func TestThoroughGCCompactsLiveEntries(t *testing.T) {
	log, _, alloc := newTestLog(t, 8)
	head, err := alloc()
	require.NoError(t, err)

	tail := head
	for i := 0; i < 6; i++ {
		entry := makeFileWrite(uint64(i), uint64(i), uint64(i))
		_, newTail, aerr := log.Append(tail, entry, alloc)
		require.NoError(t, aerr)
		tail = newTail
	}

	kept := 0
	newHead, newTail, gerr := log.ThoroughGC(head, tail, func(e Entry) bool {
		block := u64At(e.Raw[8:])
		live := block%2 == 0
		if live {
			kept++
		}
		return live
	}, alloc)
	require.NoError(t, gerr)

	n := 0
	err = log.Walk(newHead, newTail, func(Entry) error {
		n++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, kept, n)
}

func u64At(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
