package dtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBKDRHashMatchesKnownRecurrence(t *testing.T) {
	var want uint64
	for _, c := range "hello" {
		want = want*131 + uint64(c)
	}
	assert.Equal(t, want, BKDRHash("hello"))
	assert.Equal(t, uint64(0), BKDRHash(""))
	assert.NotEqual(t, BKDRHash("a"), BKDRHash("b"))
}

func TestPageIndexFindAndFindNext(t *testing.T) {
	idx := NewPageIndex()
	idx.Insert(&WriteEntry{Pgoff: 0, NumPages: 2, Block: 100})
	idx.Insert(&WriteEntry{Pgoff: 5, NumPages: 3, Block: 200})

	assert.Equal(t, uint64(100), idx.Find(0).Block)
	assert.Equal(t, uint64(100), idx.Find(1).Block)
	assert.Nil(t, idx.Find(2)) // hole between [0,2) and [5,8)
	assert.Equal(t, uint64(200), idx.Find(5).Block)
	assert.Equal(t, uint64(200), idx.Find(7).Block)
	assert.Nil(t, idx.Find(8))

	next := idx.FindNext(2)
	require.NotNil(t, next)
	assert.Equal(t, uint64(5), next.Pgoff)

	assert.Nil(t, idx.FindNext(8))
}

func TestPageIndexInsertOverwritesSamePgoff(t *testing.T) {
	idx := NewPageIndex()
	idx.Insert(&WriteEntry{Pgoff: 0, NumPages: 1, Block: 1})
	idx.Insert(&WriteEntry{Pgoff: 0, NumPages: 1, Block: 2})
	assert.Equal(t, 1, idx.Len())
	assert.Equal(t, uint64(2), idx.Find(0).Block)
}

func TestDirTreeInsertFindRemove(t *testing.T) {
	dt := NewDirTree()
	require.NoError(t, dt.Insert(&Dentry{Name: "foo", Ino: 10}))
	require.NoError(t, dt.Insert(&Dentry{Name: "bar", Ino: 11}))

	require.Error(t, dt.Insert(&Dentry{Name: "foo", Ino: 99}))

	found := dt.Find("foo")
	require.NotNil(t, found)
	assert.Equal(t, uint64(10), found.Ino)

	assert.True(t, dt.Remove("foo"))
	assert.Nil(t, dt.Find("foo"))
	assert.False(t, dt.Remove("foo"))
	assert.Equal(t, 1, dt.Len())
}

func TestDirTreeHandlesHashCollisionBucket(t *testing.T) {
	// Any run of NUL bytes hashes to 0 under BKDRHash's multiply-add
	// recurrence (0*131+0 == 0), so these two distinct, different-length
	// names are a guaranteed same-bucket collision.
	a, b := "\x00", "\x00\x00"
	require.Equal(t, BKDRHash(a), BKDRHash(b))

	dt := NewDirTree()
	require.NoError(t, dt.Insert(&Dentry{Name: a, Ino: 1}))
	require.NoError(t, dt.Insert(&Dentry{Name: b, Ino: 2}))
	assert.Equal(t, uint64(1), dt.Find(a).Ino)
	assert.Equal(t, uint64(2), dt.Find(b).Ino)
	assert.True(t, dt.Remove(a))
	assert.Equal(t, uint64(2), dt.Find(b).Ino)
}

func TestRenameTxnMovesDentryAndFixesDotDot(t *testing.T) {
	oldDir := NewDirTree()
	newDir := NewDirTree()
	dotdot := NewDirTree()
	require.NoError(t, oldDir.Insert(&Dentry{Name: "moved", Ino: 42}))
	require.NoError(t, dotdot.Insert(&Dentry{Name: "..", Ino: 7}))

	txn := &RenameTxn{
		OldDir: oldDir, NewDir: newDir,
		OldName: "moved", NewName: "moved",
		MovedIno:           42,
		DotDotDir:          dotdot,
		DotDotNewParentIno: 9,
	}
	require.NoError(t, txn.Apply())

	assert.Nil(t, oldDir.Find("moved"))
	require.NotNil(t, newDir.Find("moved"))
	assert.Equal(t, uint64(42), newDir.Find("moved").Ino)
	require.NotNil(t, dotdot.Find(".."))
	assert.Equal(t, uint64(9), dotdot.Find("..").Ino)
}
