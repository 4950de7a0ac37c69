package mount

import (
	"bytes"
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMount(t *testing.T) *FS {
	t.Helper()
	fs, err := Mount(context.Background(), testOptions(), nil, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Unmount() })
	return fs
}

func TestCreateWriteReadRoundtrip(t *testing.T) {
	fs := mustMount(t)

	ino, err := fs.Create(RootIno, "hello.txt", 0644)
	require.NoError(t, err)

	data := []byte("hello, bytefs")
	n, err := fs.Write(ino, 0, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	got := make([]byte, len(data))
	n, err = fs.Read(ino, 0, got)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, got)

	resolved, err := fs.Lookup(RootIno, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, ino, resolved)
}

func TestWritePartialPagePreservesUntouchedBytes(t *testing.T) {
	fs := mustMount(t)

	ino, err := fs.Create(RootIno, "page.bin", 0644)
	require.NoError(t, err)

	full := bytes.Repeat([]byte{'A'}, BlockSize)
	_, err = fs.Write(ino, 0, full)
	require.NoError(t, err)

	patch := []byte{'B', 'B', 'B', 'B'}
	_, err = fs.Write(ino, 100, patch)
	require.NoError(t, err)

	got := make([]byte, BlockSize)
	_, err = fs.Read(ino, 0, got)
	require.NoError(t, err)

	want := append([]byte{}, full...)
	copy(want[100:], patch)
	assert.Equal(t, want, got)
}

func TestReadHoleReturnsZeroes(t *testing.T) {
	fs := mustMount(t)

	ino, err := fs.Create(RootIno, "sparse.bin", 0644)
	require.NoError(t, err)

	_, err = fs.Write(ino, BlockSize, []byte("tail"))
	require.NoError(t, err)

	got := make([]byte, 16)
	_, err = fs.Read(ino, 0, got)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), got)
}

func TestMkdirCreateRenameAcrossDirectories(t *testing.T) {
	fs := mustMount(t)

	dirA, err := fs.Mkdir(RootIno, "a", 0755)
	require.NoError(t, err)
	dirB, err := fs.Mkdir(RootIno, "b", 0755)
	require.NoError(t, err)

	fileIno, err := fs.Create(dirA, "note.txt", 0644)
	require.NoError(t, err)
	_, err = fs.Write(fileIno, 0, []byte("move me"))
	require.NoError(t, err)

	require.NoError(t, fs.Rename(dirA, "note.txt", dirB, "moved.txt"))

	_, err = fs.Lookup(dirA, "note.txt")
	assert.Error(t, err)

	resolved, err := fs.Lookup(dirB, "moved.txt")
	require.NoError(t, err)
	assert.Equal(t, fileIno, resolved)

	got := make([]byte, len("move me"))
	_, err = fs.Read(fileIno, 0, got)
	require.NoError(t, err)
	assert.Equal(t, "move me", string(got))
}

func TestRenameMovesDirectoryUpdatesDotDot(t *testing.T) {
	fs := mustMount(t)

	parent1, err := fs.Mkdir(RootIno, "parent1", 0755)
	require.NoError(t, err)
	parent2, err := fs.Mkdir(RootIno, "parent2", 0755)
	require.NoError(t, err)
	child, err := fs.Mkdir(parent1, "child", 0755)
	require.NoError(t, err)

	require.NoError(t, fs.Rename(parent1, "child", parent2, "child"))

	_, err = fs.Lookup(parent1, "child")
	assert.Error(t, err)
	resolved, err := fs.Lookup(parent2, "child")
	require.NoError(t, err)
	assert.Equal(t, child, resolved)

	dotdot, err := fs.Lookup(child, "..")
	require.NoError(t, err)
	assert.Equal(t, parent2, dotdot)
}

func TestUnlinkRemovesEntryAndReclaimsInode(t *testing.T) {
	fs := mustMount(t)

	ino, err := fs.Create(RootIno, "doomed.txt", 0644)
	require.NoError(t, err)
	_, err = fs.Write(ino, 0, []byte("bye"))
	require.NoError(t, err)

	require.NoError(t, fs.Unlink(RootIno, "doomed.txt"))

	_, err = fs.Lookup(RootIno, "doomed.txt")
	assert.Error(t, err)

	entries, err := fs.Readdir(RootIno)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, "doomed.txt", e.Name)
	}
}

func TestUnlinkRefusesNonEmptyDirectory(t *testing.T) {
	fs := mustMount(t)

	dir, err := fs.Mkdir(RootIno, "full", 0755)
	require.NoError(t, err)
	_, err = fs.Create(dir, "inside.txt", 0644)
	require.NoError(t, err)

	err = fs.Unlink(RootIno, "full")
	assert.Error(t, err)
}
