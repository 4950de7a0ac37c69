// Package inode implements the 128 B on-PM inode layout, the reserved +
// dynamically-extended inode tables, and the per-CPU inode-number
// allocator with primary/replica integrity checking (spec §3, §4.7).
//
// The binary-layout accessor style (typed Get/Set pairs over a raw byte
// view, little-endian, packed) is carried over from fs/super.go's
// Superblock_t, extended with the CRC32C + replica-repair pattern spec
// §4.5 requires. The inode-number allocator reuses package alloc's
// interval-tree free list wholesale: "in-use inode numbers" and "free
// block numbers" are the same data structure problem (spec note: inode_map
// keeps an interval tree too), so bytefs does not duplicate the red-black
// tree code for it.
package inode

import (
	"encoding/binary"

	"bytefs/internal/alloc"
	"bytefs/internal/csum"
	"bytefs/internal/errs"
	"bytefs/internal/pm"
)

// Size is the fixed on-PM size of one inode record.
const Size = 128

// BlockType selects the per-inode data block granularity (supplemented
// from original_source/linux/fs/bytefs/inode.h's i_blk_type: 4 KiB / 2 MiB
// / 1 GiB huge-page-backed files).
type BlockType uint8

const (
	Block4K BlockType = iota
	Block2M
	Block1G
)

// field offsets within the 128 B record, little-endian, packed.
const (
	offValid      = 0
	offDeleted    = 1
	offBlockType  = 2
	offFlags      = 4
	offSize       = 8
	offCtime      = 16
	offMtime      = 24
	offAtime      = 32
	offMode       = 40
	offLinks      = 44
	offUID        = 48
	offGID        = 52
	offGeneration = 56
	offDev        = 60
	offIno        = 64
	offLogHead    = 72
	offLogTail    = 80
	offAlterHead  = 88
	offAlterTail  = 96
	offCreateEp   = 104
	offDeleteEp   = 112
	offCsum       = 124
)

// Exported field offsets, used by callers (internal/mount's fileops) that
// need to journal-protect a specific inode field via
// journal.Tx.LogInodeField before mutating it in place — the lite journal
// records an address plus an 8 B old value (spec §4.4), so it needs the
// byte offset of the field within the record, not just the field name.
const (
	OffSize     = offSize
	OffMtime    = offMtime
	OffAtime    = offAtime
	OffLinks    = offLinks
	OffLogHead  = offLogHead
	OffLogTail  = offLogTail
	OffDeleted  = offDeleted
)

// Inode is a view over one 128 B PM record (either the primary or the
// replica copy).
type Inode struct {
	b []byte
}

// View wraps the Size bytes at off as an Inode record.
func View(region *pm.Region, off pm.Offset) *Inode {
	return &Inode{b: region.Bytes(off, Size)}
}

func (i *Inode) Valid() bool     { return i.b[offValid] != 0 }
func (i *Inode) Deleted() bool   { return i.b[offDeleted] != 0 }
func (i *Inode) BlockType() BlockType { return BlockType(i.b[offBlockType]) }
func (i *Inode) Flags() uint32   { return binary.LittleEndian.Uint32(i.b[offFlags:]) }
func (i *Inode) Size() uint64    { return binary.LittleEndian.Uint64(i.b[offSize:]) }
func (i *Inode) Ctime() uint64   { return binary.LittleEndian.Uint64(i.b[offCtime:]) }
func (i *Inode) Mtime() uint64   { return binary.LittleEndian.Uint64(i.b[offMtime:]) }
func (i *Inode) Atime() uint64   { return binary.LittleEndian.Uint64(i.b[offAtime:]) }
func (i *Inode) Mode() uint32    { return binary.LittleEndian.Uint32(i.b[offMode:]) }
func (i *Inode) Links() uint32   { return binary.LittleEndian.Uint32(i.b[offLinks:]) }
func (i *Inode) UID() uint32     { return binary.LittleEndian.Uint32(i.b[offUID:]) }
func (i *Inode) GID() uint32     { return binary.LittleEndian.Uint32(i.b[offGID:]) }
func (i *Inode) Generation() uint32 { return binary.LittleEndian.Uint32(i.b[offGeneration:]) }
func (i *Inode) Dev() uint32     { return binary.LittleEndian.Uint32(i.b[offDev:]) }
func (i *Inode) Ino() uint64     { return binary.LittleEndian.Uint64(i.b[offIno:]) }
func (i *Inode) LogHead() pm.Offset   { return pm.Offset(binary.LittleEndian.Uint64(i.b[offLogHead:])) }
func (i *Inode) LogTail() pm.Offset   { return pm.Offset(binary.LittleEndian.Uint64(i.b[offLogTail:])) }
func (i *Inode) AlterLogHead() pm.Offset { return pm.Offset(binary.LittleEndian.Uint64(i.b[offAlterHead:])) }
func (i *Inode) AlterLogTail() pm.Offset { return pm.Offset(binary.LittleEndian.Uint64(i.b[offAlterTail:])) }
func (i *Inode) CreateEpoch() uint64 { return binary.LittleEndian.Uint64(i.b[offCreateEp:]) }
func (i *Inode) DeleteEpoch() uint64 { return binary.LittleEndian.Uint64(i.b[offDeleteEp:]) }

func (i *Inode) SetValid(v bool)   { i.b[offValid] = boolByte(v) }
func (i *Inode) SetDeleted(v bool) { i.b[offDeleted] = boolByte(v) }
func (i *Inode) SetBlockType(v BlockType) { i.b[offBlockType] = byte(v) }
func (i *Inode) SetFlags(v uint32) { binary.LittleEndian.PutUint32(i.b[offFlags:], v) }
func (i *Inode) SetSize(v uint64)  { binary.LittleEndian.PutUint64(i.b[offSize:], v) }
func (i *Inode) SetCtime(v uint64) { binary.LittleEndian.PutUint64(i.b[offCtime:], v) }
func (i *Inode) SetMtime(v uint64) { binary.LittleEndian.PutUint64(i.b[offMtime:], v) }
func (i *Inode) SetAtime(v uint64) { binary.LittleEndian.PutUint64(i.b[offAtime:], v) }
func (i *Inode) SetMode(v uint32)  { binary.LittleEndian.PutUint32(i.b[offMode:], v) }
func (i *Inode) SetLinks(v uint32) { binary.LittleEndian.PutUint32(i.b[offLinks:], v) }
func (i *Inode) SetUID(v uint32)   { binary.LittleEndian.PutUint32(i.b[offUID:], v) }
func (i *Inode) SetGID(v uint32)   { binary.LittleEndian.PutUint32(i.b[offGID:], v) }
func (i *Inode) SetGeneration(v uint32) { binary.LittleEndian.PutUint32(i.b[offGeneration:], v) }
func (i *Inode) SetDev(v uint32)   { binary.LittleEndian.PutUint32(i.b[offDev:], v) }
func (i *Inode) SetIno(v uint64)   { binary.LittleEndian.PutUint64(i.b[offIno:], v) }
func (i *Inode) SetLogHead(v pm.Offset) { binary.LittleEndian.PutUint64(i.b[offLogHead:], uint64(v)) }
func (i *Inode) SetLogTail(v pm.Offset) { binary.LittleEndian.PutUint64(i.b[offLogTail:], uint64(v)) }
func (i *Inode) SetAlterLogHead(v pm.Offset) { binary.LittleEndian.PutUint64(i.b[offAlterHead:], uint64(v)) }
func (i *Inode) SetAlterLogTail(v pm.Offset) { binary.LittleEndian.PutUint64(i.b[offAlterTail:], uint64(v)) }
func (i *Inode) SetCreateEpoch(v uint64) { binary.LittleEndian.PutUint64(i.b[offCreateEp:], v) }
func (i *Inode) SetDeleteEpoch(v uint64) { binary.LittleEndian.PutUint64(i.b[offDeleteEp:], v) }

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// Finalize stamps the CRC32C over the record minus the csum field.
func (i *Inode) Finalize() {
	c := csum.Of(i.b[:offCsum])
	binary.LittleEndian.PutUint32(i.b[offCsum:], c)
}

// ChecksumOK reports whether the stored checksum matches the record.
func (i *Inode) ChecksumOK() bool {
	return csum.Of(i.b[:offCsum]) == binary.LittleEndian.Uint32(i.b[offCsum:])
}

// CheckIntegrity validates primary against its own checksum, falling back
// to replica and repairing the bad side on mismatch (spec §4.5, testable
// property 4: "Replica repair"). It returns Io only if both copies fail
// their checksums; two copies that each pass but differ in content are
// accepted as they are.
func CheckIntegrity(primary, replica *Inode) error {
	pOK := primary.ChecksumOK()
	rOK := replica.ChecksumOK()
	switch {
	case pOK && rOK:
		return nil
	case pOK && !rOK:
		copy(replica.b, primary.b)
		return nil
	case !pOK && rOK:
		copy(primary.b, replica.b)
		return nil
	default:
		return errs.Wrap(errs.Io, "inode: both primary and replica checksums failed")
	}
}

// Table locates inode records on PM and allocates inode numbers.
//
// The on-PM reserved-inode range plus the dynamically-extended inode
// table (spec §3: "singly-linked list of 2 MiB superpages; last 8 bytes of
// each superpage are the next-page pointer") are modeled as a striped
// address function rather than literally walking pointer chains in this
// package: the table is sized at mount time from the superblock's
// Inodelen, and new superpages are appended by extending the region the
// Table addresses into, which the mount package (internal/mount) drives
// via the allocator. Per-CPU striping (inode n belongs to CPU n % ncpu,
// original_source/inode.h) means lookups never need a cross-CPU lock.
type Table struct {
	region         *pm.Region
	primaryBase    pm.Offset
	replicaBase    pm.Offset
	reservedCount  uint64
	capacity       uint64
	ncpu           int
	numbers        *alloc.Allocator // tracks FREE inode numbers, mirrors block free lists
}

// NewTable constructs a Table over [primaryBase, primaryBase+capacity*Size)
// for the primary copy and the equivalent replica region, with `reserved`
// inode numbers pre-marked in-use (spec: "Reserved inode range").
func NewTable(region *pm.Region, primaryBase, replicaBase pm.Offset, capacity uint64, reserved uint64, ncpu int) *Table {
	t := &Table{
		region:        region,
		primaryBase:   primaryBase,
		replicaBase:   replicaBase,
		reservedCount: reserved,
		capacity:      capacity,
		ncpu:          ncpu,
		numbers: alloc.NewAllocator(alloc.Config{
			NCPU:  ncpu,
			Start: reserved,
			End:   capacity,
		}),
	}
	return t
}

// NCPU returns the number of CPUs inode numbers are striped across.
func (t *Table) NCPU() int { return t.ncpu }

// ReservedCount returns the number of reserved (pre-allocated) inode
// numbers below which the free-number allocator never hands out space.
func (t *Table) ReservedCount() uint64 { return t.reservedCount }

// Capacity returns the table's total addressable inode-number range.
func (t *Table) Capacity() uint64 { return t.capacity }

// CPUOf exposes the n % ncpu striping rule to other packages (recovery's
// per-CPU rescan fan-out) without duplicating it.
func (t *Table) CPUOf(n uint64) int { return t.cpuOf(n) }

// FreeNumberCheckpoint returns cpu's free inode-number ranges, the
// on-PM inode-list checkpoint format persisted on clean unmount.
func (t *Table) FreeNumberCheckpoint(cpu int) [][2]uint64 {
	return t.numbers.Checkpoint(cpu)
}

// RestoreFreeNumberCheckpoint repopulates cpu's free inode-number ranges
// from a persisted checkpoint (spec §4.7, clean-unmount path).
func (t *Table) RestoreFreeNumberCheckpoint(cpu int, ranges [][2]uint64) {
	t.numbers.RestoreCheckpoint(cpu, ranges)
}

// cpuOf returns the CPU that stripes inode number n, per inode.h.
func (t *Table) cpuOf(n uint64) int {
	return int(n % uint64(t.ncpu))
}

func (t *Table) slot(base pm.Offset, n uint64) pm.Offset {
	return base + pm.Offset(n)*Size
}

// Primary returns a view of inode n's primary record.
func (t *Table) Primary(n uint64) *Inode { return View(t.region, t.slot(t.primaryBase, n)) }

// Replica returns a view of inode n's replica record.
func (t *Table) Replica(n uint64) *Inode { return View(t.region, t.slot(t.replicaBase, n)) }

// PrimaryAddr returns the PM offset of inode n's primary record, the base
// address journal.Tx.LogInodeField adds a field offset (OffSize, OffMtime,
// ...) to before recording an undo entry.
func (t *Table) PrimaryAddr(n uint64) pm.Offset { return t.slot(t.primaryBase, n) }

// ReplicaAddr returns the PM offset of inode n's replica record.
func (t *Table) ReplicaAddr(n uint64) pm.Offset { return t.slot(t.replicaBase, n) }

// Alloc reserves a fresh inode number on the CPU owning it (AnyCPU allowed)
// and zeroes+marks both copies valid (spec: "new_inode ... allocates
// number, assigns primary+replica PM slots, marks valid=1").
func (t *Table) Alloc(cpu int) (uint64, error) {
	n, got, err := t.numbers.NewBlocks(1, cpu, alloc.AllocFromHead)
	if err != nil {
		return 0, err
	}
	if got != 1 {
		return 0, errs.Wrap(errs.NoSpace, "inode: allocator returned short count")
	}
	for _, view := range []*Inode{t.Primary(n), t.Replica(n)} {
		clear(view.b)
		view.SetValid(true)
		view.SetIno(n)
		view.Finalize()
	}
	return n, nil
}

// InitReserved initializes inode number n, which must fall within the
// reserved range below ReservedCount, without drawing it from the
// dynamic free-number allocator (spec §3: reserved inodes — e.g. the
// filesystem root directory — are pre-allocated, not handed out by
// new_inode).
func (t *Table) InitReserved(n uint64) error {
	if n >= t.reservedCount {
		return errs.Wrap(errs.Invalid, "inode: InitReserved: n is outside the reserved range")
	}
	for _, view := range []*Inode{t.Primary(n), t.Replica(n)} {
		clear(view.b)
		view.SetValid(true)
		view.SetIno(n)
		view.Finalize()
	}
	return nil
}

func clear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Free marks inode n deleted on both copies and returns its number to the
// owning CPU's free map (spec: "evict_inode ... deleted=1 is persisted,
// inode number returned to the map").
func (t *Table) Free(n uint64) error {
	p, r := t.Primary(n), t.Replica(n)
	p.SetDeleted(true)
	p.Finalize()
	r.SetDeleted(true)
	r.Finalize()
	return t.numbers.FreeBlocks(t.cpuOf(n), n, 1)
}
