package vfsops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bytefs/internal/errs"
)

func TestWireAttrCopyOpsRoundTrip(t *testing.T) {
	a := Attr{
		Mode:  0o100644,
		UID:   1000,
		GID:   1000,
		Size:  4096,
		Atime: 111,
		Mtime: 222,
		Ctime: 333,
		Links: 2,
	}

	buf := make([]byte, AttrSize)
	n, err := WireAttrCopyOps{}.CopyOutAttr(buf, a)
	require.NoError(t, err)
	assert.Equal(t, AttrSize, n)

	got, n, err := WireAttrCopyOps{}.CopyInAttr(buf)
	require.NoError(t, err)
	assert.Equal(t, AttrSize, n)
	assert.Equal(t, a, got)
}

func TestWireAttrCopyOpsShortBuffer(t *testing.T) {
	short := make([]byte, AttrSize-1)

	_, err := WireAttrCopyOps{}.CopyOutAttr(short, Attr{})
	assert.True(t, errs.Is(err, errs.Invalid))

	_, _, err = WireAttrCopyOps{}.CopyInAttr(short)
	assert.True(t, errs.Is(err, errs.Invalid))
}
