package rbtree

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertFindOrder(t *testing.T) {
	var tr Tree[uint64, string]
	keys := []uint64{50, 20, 70, 10, 30, 60, 80, 5, 15}
	for _, k := range keys {
		tr.Insert(k, "")
	}
	require.Equal(t, len(keys), tr.Len())

	var got []uint64
	tr.Each(func(n *Node[uint64, string]) { got = append(got, n.Key()) })
	assert.True(t, sortedAsc(got))

	for _, k := range keys {
		n := tr.Find(k)
		require.NotNil(t, n)
		assert.Equal(t, k, n.Key())
	}
	assert.Nil(t, tr.Find(999))
}

func TestPredecessorSuccessor(t *testing.T) {
	var tr Tree[uint64, int]
	for i, k := range []uint64{10, 20, 30, 40, 50} {
		tr.Insert(k, i)
	}
	n := tr.Find(30)
	require.NotNil(t, n)
	pred := tr.Predecessor(n)
	succ := tr.Successor(n)
	require.NotNil(t, pred)
	require.NotNil(t, succ)
	assert.Equal(t, uint64(20), pred.Key())
	assert.Equal(t, uint64(40), succ.Key())

	min := tr.Min()
	require.NotNil(t, min)
	assert.Nil(t, tr.Predecessor(min))
}

func TestFloorCeiling(t *testing.T) {
	var tr Tree[uint64, int]
	for _, k := range []uint64{10, 20, 30} {
		tr.Insert(k, 0)
	}
	assert.Equal(t, uint64(20), tr.Floor(25).Key())
	assert.Equal(t, uint64(30), tr.Ceiling(25).Key())
	assert.Equal(t, uint64(10), tr.Floor(10).Key())
	assert.Nil(t, tr.Floor(5))
	assert.Nil(t, tr.Ceiling(31))
}

func TestDeleteMaintainsOrderAndSize(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	var tr Tree[uint64, int]
	keys := rnd.Perm(200)
	for _, k := range keys {
		tr.Insert(uint64(k), k)
	}
	require.Equal(t, 200, tr.Len())

	rnd.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	for i, k := range keys {
		n := tr.Find(uint64(k))
		require.NotNil(t, n)
		tr.Delete(n)
		require.Equal(t, 200-i-1, tr.Len())
		var got []uint64
		tr.Each(func(n *Node[uint64, int]) { got = append(got, n.Key()) })
		assert.True(t, sortedAsc(got))
	}
	assert.Equal(t, 0, tr.Len())
}

func sortedAsc(xs []uint64) bool {
	for i := 1; i < len(xs); i++ {
		if xs[i-1] > xs[i] {
			return false
		}
	}
	return true
}
