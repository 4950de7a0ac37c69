// Package journal implements the per-CPU lite journal: a small circular
// buffer of undo records used to make a handful of small, scattered PM
// writes (inode metadata, log head/tail pointers, dentry fields touched
// by a rename) appear atomic across a crash (spec §4.3).
//
// The (address, old-value) undo-record shape is grounded on
// go-pmem-transaction's undoTx.go: Begin() starts a transaction, Log(addr,
// data) snapshots the word about to be overwritten, and End() discards the
// log once every write in the transaction has landed — recovery only
// needs to replay the log if a crash happened before End(). The circular,
// fixed-capacity buffer itself is grounded on biscuit's circbuf.go
// (wraparound head/tail advance), generalized from a byte stream to a
// ring of fixed 32 B records. The record layout, the per-CPU cacheline
// head/tail pointer pairs, the JOURNAL_INODE / JOURNAL_ENTRY kind tags,
// and the 128-entry cap are taken directly from
// original_source/linux/fs/bytefs/journal.h's bytefs_lite_journal_entry,
// journal_ptr_pair and BYTEFS_MAX_JOURNAL_LENGTH (the distilled spec names
// the journal but not its exact record fields, pointer placement, or
// length bound).
package journal

import (
	"encoding/binary"
	"sync"

	"bytefs/internal/csum"
	"bytefs/internal/errs"
	"bytefs/internal/pm"
)

// RecordSize is the on-PM size of one lite journal entry.
const RecordSize = 32

// MaxLength is BYTEFS_MAX_JOURNAL_LENGTH: the largest number of undo
// records a single transaction may hold (spec testable property 7).
const MaxLength = 128

// CapacityBytes is one CPU's circular journal region size.
const CapacityBytes = MaxLength * RecordSize

// CachelineSize is the per-CPU stride between journal_ptr_pair entries
// (original_source places one pair per cacheline to avoid false sharing).
const CachelineSize = 64

// Kind tags what a record's (addr, old value) pair belongs to, purely for
// diagnostics and recovery-time logging — mechanically every record is
// "restore old value to addr" regardless of kind.
type Kind uint64

const (
	KindInode Kind = 1
	KindEntry Kind = 2
)

// record field offsets within the 32 B layout: type u64, data1 u64
// (address), data2 u64 (old value), padding u32, csum u32.
const (
	offType  = 0
	offData1 = 8
	offData2 = 16
	offCsum  = 28
)

type record struct{ b []byte }

func recordView(region *pm.Region, off pm.Offset) record {
	return record{b: region.Bytes(off, RecordSize)}
}

func (r record) addr() pm.Offset { return pm.Offset(binary.LittleEndian.Uint64(r.b[offData1:])) }
func (r record) old() uint64     { return binary.LittleEndian.Uint64(r.b[offData2:]) }

func (r record) set(kind Kind, addr pm.Offset, old uint64) {
	binary.LittleEndian.PutUint64(r.b[offType:], uint64(kind))
	binary.LittleEndian.PutUint64(r.b[offData1:], uint64(addr))
	binary.LittleEndian.PutUint64(r.b[offData2:], old)
	binary.LittleEndian.PutUint32(r.b[offCsum:], csum.Of(r.b[:offCsum]))
}

func (r record) valid() bool {
	return csum.Of(r.b[:offCsum]) == binary.LittleEndian.Uint32(r.b[offCsum:])
}

// ptrPair is the on-PM journal_head/journal_tail pair for one CPU —
// logical, monotonically increasing record sequence numbers rather than
// the raw wrapping byte offsets original_source stores inline (the two
// are equivalent once reduced mod MaxLength; monotonic counters avoid
// re-deriving wrap arithmetic at every call site).
type ptrPair struct {
	b   []byte
	off pm.Offset
}

func ptrPairView(region *pm.Region, off pm.Offset) ptrPair {
	return ptrPair{b: region.Bytes(off, 16), off: off}
}

func (p ptrPair) head() uint64     { return binary.LittleEndian.Uint64(p.b[0:]) }
func (p ptrPair) tail() uint64     { return binary.LittleEndian.Uint64(p.b[8:]) }
func (p ptrPair) setHead(v uint64) { binary.LittleEndian.PutUint64(p.b[0:], v) }
func (p ptrPair) setTail(v uint64) { binary.LittleEndian.PutUint64(p.b[8:], v) }

// cpuState pairs a CPU's PM-resident pointer pair with the mutex
// guarding concurrent transactions on it (spec §5: one spinlock per
// per-CPU journal).
type cpuState struct {
	mu   sync.Mutex
	ptrs ptrPair
}

// Journal manages one PM region's per-CPU lite journals: a pointer-pair
// block at ptrsBase (one CachelineSize-strided pair per CPU) and a
// records area at recordsBase (one CapacityBytes ring per CPU).
type Journal struct {
	region      *pm.Region
	recordsBase pm.Offset
	ncpu        int
	cpus        []*cpuState
}

// New attaches to (or initializes, if freshly zeroed) the per-CPU lite
// journal state already resident at ptrsBase/recordsBase — both offsets
// are fixed by the mounted superblock's JournalStart field.
func New(region *pm.Region, ptrsBase, recordsBase pm.Offset, ncpu int) *Journal {
	j := &Journal{region: region, recordsBase: recordsBase, ncpu: ncpu, cpus: make([]*cpuState, ncpu)}
	for cpu := 0; cpu < ncpu; cpu++ {
		off := ptrsBase + pm.Offset(cpu)*CachelineSize
		j.cpus[cpu] = &cpuState{ptrs: ptrPairView(region, off)}
	}
	return j
}

func (j *Journal) slot(cpu int, seq uint64) pm.Offset {
	idx := seq % MaxLength
	return j.recordsBase + pm.Offset(cpu)*CapacityBytes + pm.Offset(idx)*RecordSize
}

// Tx is an in-flight lite transaction on one CPU.
type Tx struct {
	j   *Journal
	cpu int
	n   int
}

// Begin starts a transaction on cpu. Its undo records are appended at the
// CPU's current tail. Callers must hold the returned Tx exclusively until
// Commit or Abort — concurrent transactions on the same CPU serialize
// internally via the CPU's journal lock, acquired for the Begin..Commit
// span.
func (j *Journal) Begin(cpu int) *Tx {
	j.cpus[cpu].mu.Lock()
	return &Tx{j: j, cpu: cpu}
}

// Log appends an undo record remembering that addr currently holds old,
// before the caller overwrites it (spec §4.3: "create_*_transaction logs
// the pre-image of each field it is about to mutate"). It returns
// errs.Invalid if the transaction would exceed MaxLength records.
//
// The record is flushed and fenced durable, and the CPU's persisted tail
// is advanced (with head left untouched) to cover it, before Log
// returns. This is what makes the transaction recoverable: a crash after
// Log but before Commit leaves tail > head, so Recover finds the
// in-doubt records and rolls them back; a crash after Commit leaves
// tail == head, so Recover correctly does nothing. Advancing tail only
// at Commit (as a single head==tail jump) would instead leave every
// staged-but-uncommitted record invisible to Recover, defeating the
// journal's purpose (see DESIGN.md).
func (tx *Tx) Log(kind Kind, addr pm.Offset, old uint64) error {
	cs := tx.j.cpus[tx.cpu]
	if uint64(tx.n+1) > MaxLength {
		return errs.Wrap(errs.Invalid, "journal: transaction exceeds BYTEFS_MAX_JOURNAL_LENGTH")
	}
	head := cs.ptrs.head()
	seq := head + uint64(tx.n)
	slot := tx.j.slot(tx.cpu, seq)
	r := recordView(tx.j.region, slot)
	r.set(kind, addr, old)
	tx.j.region.Flush(slot, RecordSize)
	tx.j.region.Fence()

	tx.n++
	cs.ptrs.setTail(head + uint64(tx.n))
	tx.j.region.Flush(cs.ptrs.off, 16)
	tx.j.region.Fence()
	return nil
}

// LogInodeField is a convenience wrapper for journaling one 8-byte inode
// field about to change (log_head/log_tail/alter_log_head/alter_log_tail,
// the fields an inode-create/rename/logentry transaction touches per spec
// §4.3).
func (tx *Tx) LogInodeField(addr pm.Offset, oldValue uint64) error {
	return tx.Log(KindInode, addr, oldValue)
}

// LogEntryField journals one 8-byte log-entry field (e.g. a dentry's
// reassigned/invalid byte packed into a word) about to change.
func (tx *Tx) LogEntryField(addr pm.Offset, oldValue uint64) error {
	return tx.Log(KindEntry, addr, oldValue)
}

// Commit publishes head := tail — every write the transaction covered has
// landed, so its undo records are no longer needed (spec:
// bytefs_commit_lite_transaction). tail was already advanced record by
// record in Log, so Commit only needs to move head up to meet it. Commit
// must be the last call on tx and releases the CPU's journal lock.
func (tx *Tx) Commit() {
	cs := tx.j.cpus[tx.cpu]
	defer cs.mu.Unlock()
	cs.ptrs.setHead(cs.ptrs.tail())
	tx.j.region.Flush(cs.ptrs.off, 16)
	tx.j.region.Fence()
}

// Abort discards the transaction's appended records without advancing
// head, rolling them back immediately rather than waiting for a crash
// (used by callers that detect their own failure mid-sequence).
func (tx *Tx) Abort() error {
	defer tx.j.cpus[tx.cpu].mu.Unlock()
	return tx.j.rollback(tx.cpu, tx.n)
}

// rollback applies count records starting at head (the stable endpoint
// records are staged relative to — see Log) in LIFO order, restoring
// addr=old for each, then resets the persisted tail back down to head.
// Caller must hold the CPU's lock.
func (j *Journal) rollback(cpu int, count int) error {
	cs := j.cpus[cpu]
	head := cs.ptrs.head()
	for i := count - 1; i >= 0; i-- {
		seq := head + uint64(i)
		r := recordView(j.region, j.slot(cpu, seq))
		if !r.valid() {
			return errs.Wrap(errs.Corrupt, "journal: undo record checksum mismatch during rollback")
		}
		j.region.ScopedWrite(r.addr(), 8, func(b []byte) {
			binary.LittleEndian.PutUint64(b, r.old())
		})
	}
	cs.ptrs.setTail(head)
	j.region.Flush(cs.ptrs.off, 16)
	j.region.Fence()
	return nil
}

// Recover replays every CPU's in-doubt records — those between the
// persisted head and tail left by a crash mid-transaction — restoring
// their old values and resetting tail to head (spec §4.7: "mount-time
// recovery replays the lite journal before anything else touches PM").
// It must run before any other PM structure is trusted.
func (j *Journal) Recover() error {
	for cpu := range j.cpus {
		cs := j.cpus[cpu]
		cs.mu.Lock()
		pending := int(cs.ptrs.tail() - cs.ptrs.head())
		if pending == 0 {
			cs.mu.Unlock()
			continue
		}
		err := j.rollback(cpu, pending)
		cs.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Pending reports how many undo records on cpu have not yet been
// committed, used by tests and by mount-time diagnostics.
func (j *Journal) Pending(cpu int) int {
	cs := j.cpus[cpu]
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return int(cs.ptrs.tail() - cs.ptrs.head())
}
