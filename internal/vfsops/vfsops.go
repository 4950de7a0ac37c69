// Package vfsops defines the Go interfaces standing in for the
// out-of-scope collaborators named in spec §1: VFS integration glue
// (directory-entry plumbing, attribute copy-in/copy-out, ioctl decoding)
// and symlink storage. internal/mount's filesystem type is driven
// through these interfaces rather than importing a concrete kernel VFS
// or FUSE binding, the same boundary hanwen-go-fuse's nodefs/fs.FileSystem
// interfaces draw between its core and the kernel — tests drive the core
// with the in-memory fakes below, production wires a real shim.
package vfsops

import (
	"encoding/binary"

	"bytefs/internal/errs"
)

var errShortBuffer = errs.Wrap(errs.Invalid, "vfsops: buffer too short for Attr")

// DirEntryOps is the directory-entry plumbing hook: the core calls these
// after every dtree mutation so a host VFS's own dentry cache (kernel
// dcache, FUSE nodefs inode table) stays in sync. bytefs's own dtree is
// already authoritative; these calls exist purely for the external
// collaborator to mirror state, never to gate the mutation itself.
type DirEntryOps interface {
	NotifyCreate(parentIno uint64, name string, childIno uint64) error
	NotifyRemove(parentIno uint64, name string) error
	NotifyRename(oldParentIno uint64, oldName string, newParentIno uint64, newName string, movedIno uint64) error
}

// Attr is the subset of inode metadata attribute copy-in/copy-out moves
// across the core/VFS boundary (a stat(2)-shaped view over
// internal/inode's on-PM fields).
type Attr struct {
	Mode   uint32
	UID    uint32
	GID    uint32
	Size   uint64
	Atime  uint64
	Mtime  uint64
	Ctime  uint64
	Links  uint32
}

// AttrSize is the fixed wire size CopyOutAttr/CopyInAttr (de)serialize.
const AttrSize = 48

// AttrCopyOps copies inode attribute data between the core and whatever
// buffer the calling VFS layer provides. This generalizes
// biscuit's vm/userbuf.go Userbuf_t.Uioread/Uiowrite —
// page-fault-safe raw byte copies into/out of a live user address space —
// to a fixed Attr struct, since this port never holds a real user address
// space to fault against; the copy-in/copy-out split and the "return
// bytes moved plus an error" signature are kept unchanged.
type AttrCopyOps interface {
	CopyOutAttr(dst []byte, attr Attr) (int, error)
	CopyInAttr(src []byte) (Attr, int, error)
}

// WireAttrCopyOps is the default AttrCopyOps: a direct little-endian
// encoding of Attr, for callers that have no host-specific attr
// translation (e.g. a FUSE stat_t layout) of their own.
type WireAttrCopyOps struct{}

func (WireAttrCopyOps) CopyOutAttr(dst []byte, a Attr) (int, error) {
	if len(dst) < AttrSize {
		return 0, errShortBuffer
	}
	binary.LittleEndian.PutUint32(dst[0:], a.Mode)
	binary.LittleEndian.PutUint32(dst[4:], a.UID)
	binary.LittleEndian.PutUint32(dst[8:], a.GID)
	binary.LittleEndian.PutUint64(dst[12:], a.Size)
	binary.LittleEndian.PutUint64(dst[20:], a.Atime)
	binary.LittleEndian.PutUint64(dst[28:], a.Mtime)
	binary.LittleEndian.PutUint64(dst[36:], a.Ctime)
	binary.LittleEndian.PutUint32(dst[44:], a.Links)
	return AttrSize, nil
}

func (WireAttrCopyOps) CopyInAttr(src []byte) (Attr, int, error) {
	if len(src) < AttrSize {
		return Attr{}, 0, errShortBuffer
	}
	a := Attr{
		Mode:  binary.LittleEndian.Uint32(src[0:]),
		UID:   binary.LittleEndian.Uint32(src[4:]),
		GID:   binary.LittleEndian.Uint32(src[8:]),
		Size:  binary.LittleEndian.Uint64(src[12:]),
		Atime: binary.LittleEndian.Uint64(src[20:]),
		Mtime: binary.LittleEndian.Uint64(src[28:]),
		Ctime: binary.LittleEndian.Uint64(src[36:]),
		Links: binary.LittleEndian.Uint32(src[44:]),
	}
	return a, AttrSize, nil
}

// Opcode enumerates the control-surface ioctl-style opcodes (spec §6):
// print timing, clear stats, print log, print log pages, print free
// lists.
type Opcode uint32

const (
	OpPrintTiming Opcode = 1 + iota
	OpClearStats
	OpPrintLog
	OpPrintLogPages
	OpPrintFreeLists
)

// IoctlOps decodes and dispatches control-surface opcodes against inode
// ino, returning an opcode-specific reply payload (e.g. PrintLog's
// textual dump) or an error mapped to one of spec §6's exit codes by the
// caller.
type IoctlOps interface {
	Ioctl(ino uint64, op Opcode, arg []byte) ([]byte, error)
}

// SymlinkStore persists symlink target text, the out-of-scope "symlink
// storage" collaborator named in spec §1 — bytefs delegates rather than
// inventing its own small-file scheme for link targets.
type SymlinkStore interface {
	ReadLink(ino uint64) (target string, err error)
	WriteLink(ino uint64, target string) error
}
