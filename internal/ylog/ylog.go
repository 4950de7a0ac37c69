// Package ylog implements the per-inode append-only dual-copy log: 4 KiB
// log pages chained by a next-page pointer, typed variable-size entries
// written at the tail, and checksum-verified traversal from head to tail
// (spec §4.2, §6).
//
// The page-tail bookkeeping (invalid/num entry counts, an alter-page
// cross-link, a next-page pointer) and the typed-entry-with-trailing-CRC32C
// layout come from original_source/linux/fs/bytefs/log.h
// (bytefs_inode_page_tail, bytefs_*_entry structs), since no pack repo
// implements a log of this shape; the field-accessor style over a raw byte
// view is carried over from biscuit's fs/super.go, and page-list traversal
// mirrors biscuit's fs/blk.go BlkList_t next-pointer walking, generalized
// from a container/list-backed cache to an on-PM singly-linked chain.
package ylog

import (
	"encoding/binary"

	"bytefs/internal/csum"
	"bytefs/internal/errs"
	"bytefs/internal/pm"
)

// PageSize is the on-PM size of one log page.
const PageSize = 4096

// TailSize is the size of the bytefs_inode_page_tail trailer.
const TailSize = 32

// PayloadSize is the usable entry-bytes region preceding the tail.
const PayloadSize = PageSize - TailSize

// page-tail field offsets, relative to the start of the tail region
// (PayloadSize within the page).
const (
	tOffInvalidEntries = 0
	tOffNumEntries     = 4
	tOffEpochID        = 8
	tOffAlterPage      = 16
	tOffNextPage       = 24
)

// EntryType identifies the kind of record at a given log offset (spec §6).
type EntryType uint8

const (
	FileWrite EntryType = 1 + iota
	DirLog
	SetAttr
	LinkChange
	MmapWrite
	_ // SnapshotInfo: out of scope, spec §9 open question "no snapshot implementation"
	NextPage
)

// Fixed entry sizes, computed from original_source's packed C structs
// (field-by-field, little-endian, no implicit padding).
const (
	FileWriteSize  = 64
	SetAttrSize    = 56
	LinkChangeSize = 40
	MmapWriteSize  = 40
	NextPageSize   = 1

	// dentryHeaderSize is BYTEFS_DENTRY_HEADER_LEN; a DIR_LOG entry is this
	// header plus the name, rounded up to an 8 B boundary.
	dentryHeaderSize = 48
	// NameMax follows POSIX NAME_MAX; bytefs.h's own BYTEFS_NAME_LEN
	// definition was not present in the retrieved original source, so this
	// is an explicit Open Question decision (recorded in DESIGN.md).
	NameMax = 255
)

// DirLogSize returns the on-PM size of a DIR_LOG entry for a name of the
// given length, rounded to an 8 B boundary (BYTEFS_DIR_LOG_REC_LEN). The
// header, the NUL-terminated name, and the trailing 4 B CRC32C (every
// entry type's last field, per entryCsumOK/finalizeEntry) must all fit
// before rounding — otherwise a name whose length pushes the unrounded
// size to within 4 B of the boundary has its last bytes land inside the
// csum region and get clobbered by finalizeEntry.
func DirLogSize(nameLen int) int {
	n := dentryHeaderSize + nameLen + 1 + 4
	return (n + 7) &^ 7
}

// EntrySize returns the fixed size for types whose size never varies, and
// panics for DirLog (whose size depends on the name — use DirLogSize).
func EntrySize(t EntryType) int {
	switch t {
	case FileWrite:
		return FileWriteSize
	case SetAttr:
		return SetAttrSize
	case LinkChange:
		return LinkChangeSize
	case MmapWrite:
		return MmapWriteSize
	case NextPage:
		return NextPageSize
	default:
		panic("ylog: EntrySize called for variable-length type")
	}
}

// Page is a view over one 4 KiB log page.
type Page struct {
	off    pm.Offset
	region *pm.Region
	b      []byte
}

// PageView wraps the page at off.
func PageView(region *pm.Region, off pm.Offset) *Page {
	return &Page{off: off, region: region, b: region.Bytes(off, PageSize)}
}

// Payload returns the entry-bytes region of the page.
func (p *Page) Payload() []byte { return p.b[:PayloadSize] }

func (p *Page) tailU32(off int) uint32       { return binary.LittleEndian.Uint32(p.b[PayloadSize+off:]) }
func (p *Page) tailU64(off int) uint64       { return binary.LittleEndian.Uint64(p.b[PayloadSize+off:]) }
func (p *Page) setTailU32(off int, v uint32) { binary.LittleEndian.PutUint32(p.b[PayloadSize+off:], v) }
func (p *Page) setTailU64(off int, v uint64) { binary.LittleEndian.PutUint64(p.b[PayloadSize+off:], v) }

func (p *Page) InvalidEntries() uint32   { return p.tailU32(tOffInvalidEntries) }
func (p *Page) NumEntries() uint32       { return p.tailU32(tOffNumEntries) }
func (p *Page) EpochID() uint64          { return p.tailU64(tOffEpochID) }
func (p *Page) AlterPage() pm.Offset     { return pm.Offset(p.tailU64(tOffAlterPage)) }
func (p *Page) NextPage() pm.Offset      { return pm.Offset(p.tailU64(tOffNextPage)) }

func (p *Page) SetInvalidEntries(v uint32) { p.setTailU32(tOffInvalidEntries, v) }
func (p *Page) SetNumEntries(v uint32)     { p.setTailU32(tOffNumEntries, v) }
func (p *Page) SetEpochID(v uint64)        { p.setTailU64(tOffEpochID, v) }
func (p *Page) SetAlterPage(v pm.Offset)   { p.setTailU64(tOffAlterPage, uint64(v)) }
func (p *Page) SetNextPage(v pm.Offset)    { p.setTailU64(tOffNextPage, uint64(v)) }

// entryTypeAt reads the single leading type byte every entry begins with.
func entryTypeAt(b []byte) EntryType { return EntryType(b[0]) }

// entryCsumOK verifies the trailing CRC32C of a fixed-layout entry whose
// last 4 bytes are the checksum (every entry type here places csum as the
// final field).
func entryCsumOK(b []byte) bool {
	if len(b) < 4 {
		return true // NEXT_PAGE has no checksum
	}
	got := binary.LittleEndian.Uint32(b[len(b)-4:])
	return csum.Of(b[:len(b)-4]) == got
}

func finalizeEntry(b []byte) {
	if len(b) < 4 {
		return
	}
	binary.LittleEndian.PutUint32(b[len(b)-4:], csum.Of(b[:len(b)-4]))
}

// sizeOfAt returns the on-PM size of the entry beginning at b, given its
// leading type byte, or 0 for an unrecognized/zero type (end of written
// data within a page).
func sizeOfAt(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	switch EntryType(b[0]) {
	case FileWrite:
		return FileWriteSize
	case SetAttr:
		return SetAttrSize
	case LinkChange:
		return LinkChangeSize
	case MmapWrite:
		return MmapWriteSize
	case NextPage:
		return NextPageSize
	case DirLog:
		if len(b) < 2 {
			return 0
		}
		nameLen := int(b[1])
		return DirLogSize(nameLen)
	default:
		return 0
	}
}

// Allocator describes the block allocator's NewBlocks in page units (spec
// §4.2: "allocate_inode_log_pages draws from the per-CPU free list").
// Append and ThoroughGC do not take an Allocator; they take a plain
// allocPage callback instead.
type Allocator interface {
	NewBlocks(want uint64, cpu int, dir int) (blocknr uint64, allocated uint64, err error)
}

// Log manages append/traverse for one inode's primary or alternate log
// chain over a PM region.
type Log struct {
	region *pm.Region
}

// New returns a Log bound to region.
func New(region *pm.Region) *Log { return &Log{region: region} }

// Append writes entry bytes at tail, finalizing its checksum, crossing
// into a freshly allocated page via a NEXT_PAGE marker if entry does not
// fit in the remaining payload of tail's page (spec §4.2 step: "If the
// entry doesn't fit in the remaining page, write NEXT_PAGE, link a new
// page, and retry there"). allocPage must return the PM offset of a
// free PageSize region; Append zeroes the new page itself. It returns the offset the entry was written at
// and the new tail offset.
func (l *Log) Append(tail pm.Offset, entry []byte, allocPage func() (pm.Offset, error)) (wroteAt pm.Offset, newTail pm.Offset, err error) {
	if len(entry) == 0 || len(entry) > PayloadSize {
		return 0, 0, errs.Wrap(errs.Invalid, "ylog: entry size out of range")
	}
	finalizeEntry(entry)

	pageOff := blockOff(tail)
	page := PageView(l.region, pageOff)
	inPage := int(tail - pageOff)

	if inPage+len(entry) > PayloadSize {
		next, aerr := allocPage()
		if aerr != nil {
			return 0, 0, aerr
		}
		nextPage := PageView(l.region, next)
		clearPage(nextPage)

		marker := page.b[inPage:PayloadSize]
		marker[0] = byte(NextPage)
		page.SetNextPage(next)
		page.SetNumEntries(page.NumEntries() + 1)

		pageOff = next
		page = nextPage
		inPage = 0
	}

	copy(page.b[inPage:inPage+len(entry)], entry)
	page.SetNumEntries(page.NumEntries() + 1)

	wroteAt = pageOff + pm.Offset(inPage)
	newTail = wroteAt + pm.Offset(len(entry))
	return wroteAt, newTail, nil
}

func blockOff(off pm.Offset) pm.Offset {
	return pm.Offset(uint64(off) &^ uint64(PageSize-1))
}

func clearPage(p *Page) {
	for i := range p.b {
		p.b[i] = 0
	}
}

// Entry is one decoded log record: its type, PM offset, and raw bytes.
type Entry struct {
	Type EntryType
	Off  pm.Offset
	Raw  []byte
}

// Walk traverses every entry from head to tail (inclusive, open at tail),
// following NEXT_PAGE links, calling fn for each. It stops and returns an
// error if any entry fails its checksum (spec testable property: "Log
// traversal stops or repairs on checksum mismatch" — callers needing
// replica repair pass the alternate log's Walk result to reconcile).
func (l *Log) Walk(head, tail pm.Offset, fn func(Entry) error) error {
	cur := head
	for cur != tail {
		pageOff := blockOff(cur)
		page := PageView(l.region, pageOff)
		inPage := int(cur - pageOff)
		if inPage >= PayloadSize {
			return errs.Wrap(errs.Corrupt, "ylog: walk offset beyond page payload")
		}
		b := page.b[inPage:PayloadSize]
		size := sizeOfAt(b)
		if size == 0 {
			return errs.Wrap(errs.Corrupt, "ylog: unrecognized entry type during walk")
		}
		et := entryTypeAt(b)
		if et == NextPage {
			next := page.NextPage()
			if next == 0 {
				return errs.Wrap(errs.Corrupt, "ylog: NEXT_PAGE with no linked page")
			}
			cur = next
			continue
		}
		entryBytes := b[:size]
		if !entryCsumOK(entryBytes) {
			return errs.Wrap(errs.Corrupt, "ylog: entry checksum mismatch")
		}
		if err := fn(Entry{Type: et, Off: pageOff + pm.Offset(inPage), Raw: entryBytes}); err != nil {
			return err
		}
		cur += pm.Offset(size)
	}
	return nil
}

// Invalidate marks count entries invalid in the page containing off (spec
// §4.2's GC bookkeeping: "invalid_entries increments as writes are
// superseded; fast GC reclaims a page once every entry in it is
// invalid").
func (l *Log) Invalidate(off pm.Offset, count uint32) {
	page := PageView(l.region, blockOff(off))
	page.SetInvalidEntries(page.InvalidEntries() + count)
}

// FastGCReclaimable reports whether every entry in off's page has been
// invalidated and the page can be unlinked without copying live data
// forward (spec §4.2: "fast GC").
func (l *Log) FastGCReclaimable(off pm.Offset) bool {
	page := PageView(l.region, blockOff(off))
	return page.NumEntries() > 0 && page.InvalidEntries() >= page.NumEntries()
}

// ThoroughGC copies every live (non-NEXT_PAGE, non-invalidated-by-caller)
// entry from [head, tail) into freshly allocated pages via allocPage,
// returning the new head/tail of the compacted log (spec §4.2: "thorough
// GC walks live entries and rewrites them contiguously, dropping fully
// reclaimed pages"). liveFilter reports whether an already-decoded entry
// is still live; entries it rejects are dropped during the rewrite.
func (l *Log) ThoroughGC(head, tail pm.Offset, liveFilter func(Entry) bool, allocPage func() (pm.Offset, error)) (newHead, newTail pm.Offset, err error) {
	first, ferr := allocPage()
	if ferr != nil {
		return 0, 0, ferr
	}
	clearPage(PageView(l.region, first))
	newHead = first
	cursor := first

	walkErr := l.Walk(head, tail, func(e Entry) error {
		if !liveFilter(e) {
			return nil
		}
		_, next, aerr := l.Append(cursor, append([]byte(nil), e.Raw...), allocPage)
		if aerr != nil {
			return aerr
		}
		cursor = next
		return nil
	})
	if walkErr != nil {
		return 0, 0, walkErr
	}
	return newHead, cursor, nil
}
