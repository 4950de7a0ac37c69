// Package dtree implements the two in-DRAM indexes bytefs keeps per open
// inode: a pgoff→write-entry map for files (rebuilt from the log at
// mount/open time, never itself persisted) and a name-hash-keyed
// red-black tree of directory entries for directories (spec §4.4).
//
// The pgoff map is grounded on
// original_source/linux/fs/bytefs/bytefs.h's sih->tree
// (radix_tree_lookup keyed by blocknr, bytefs_get_write_entry /
// bytefs_find_nvmm_block) — a Go map keyed by page number is the
// idiomatic substitute for a kernel radix tree, since nothing in the
// example pack implements one and the access pattern (point lookup plus
// "find the entry covering or following pgoff") doesn't need a radix
// tree's prefix-sharing, just ordered neighbor lookups, which
// internal/rbtree already provides. The dentry tree's hash is
// bytefs.h's BKDRHash (seed 131, the exact multiply-and-add recurrence),
// reproduced verbatim since it is part of the on-disk-adjacent naming
// contract (dentries are looked up by this hash), not a DRAM-only
// convenience that could be swapped for a library hash.
package dtree

import (
	"bytefs/internal/errs"
	"bytefs/internal/rbtree"
)

// BKDRHash reproduces bytefs's directory-entry hash function exactly:
// seed 131, hash = hash*seed + byte, over the name's bytes. Go's uint64
// wraps on overflow the same way the original's `unsigned long`
// multiply-add does, so the recurrence is bit-for-bit identical.
func BKDRHash(name string) uint64 {
	const seed = 131
	var hash uint64
	for i := 0; i < len(name); i++ {
		hash = hash*seed + uint64(name[i])
	}
	return hash
}

// WriteEntry is the DRAM-resident decoded form of a FILE_WRITE log entry,
// enough to answer "what NVMM block backs pgoff p" without re-reading PM
// (spec §4.4: "find_write_entry / find_next_entry resolve a page offset
// to its backing block without walking the log").
type WriteEntry struct {
	Pgoff    uint64 // file offset, in pages, at the start of this write
	NumPages uint64
	Block    uint64 // first backing block number
	LogOff   uint64 // PM offset of the log entry itself, for invalidation
}

// Covers reports whether pgoff falls within this entry's page range.
func (w WriteEntry) Covers(pgoff uint64) bool {
	return pgoff >= w.Pgoff && pgoff < w.Pgoff+w.NumPages
}

// PageIndex is the DRAM pgoff→WriteEntry map for one inode. It is always
// rebuilt from the inode's log on open/recovery (spec: "never itself
// persisted"); internal/recovery and the open path are the only writers.
type PageIndex struct {
	entries map[uint64]*WriteEntry // keyed by Pgoff (the entry's starting page)
	order   rbtree.Tree[uint64, *WriteEntry]
}

// NewPageIndex returns an empty index.
func NewPageIndex() *PageIndex {
	return &PageIndex{entries: make(map[uint64]*WriteEntry)}
}

// Insert records (or overwrites, for the same starting pgoff) a write
// entry (spec: insert_write_entry).
func (p *PageIndex) Insert(w *WriteEntry) {
	if old, ok := p.entries[w.Pgoff]; ok {
		if n := p.order.Find(old.Pgoff); n != nil {
			p.order.Delete(n)
		}
	}
	p.entries[w.Pgoff] = w
	p.order.Insert(w.Pgoff, w)
}

// Remove drops the entry starting at pgoff, if any.
func (p *PageIndex) Remove(pgoff uint64) {
	if _, ok := p.entries[pgoff]; !ok {
		return
	}
	delete(p.entries, pgoff)
	if n := p.order.Find(pgoff); n != nil {
		p.order.Delete(n)
	}
}

// Find returns the entry covering pgoff, or nil (spec: find_write_entry).
func (p *PageIndex) Find(pgoff uint64) *WriteEntry {
	n := p.order.Floor(pgoff)
	if n == nil {
		return nil
	}
	w := n.Value()
	if !w.Covers(pgoff) {
		return nil
	}
	return w
}

// FindNext returns the entry with the smallest starting pgoff that is >=
// pgoff, or nil if none (spec: find_next_entry, used by hole-skipping
// reads and truncate).
func (p *PageIndex) FindNext(pgoff uint64) *WriteEntry {
	n := p.order.Ceiling(pgoff)
	if n == nil {
		return nil
	}
	return n.Value()
}

// Len returns the number of tracked write entries.
func (p *PageIndex) Len() int { return len(p.entries) }

// Each calls fn for every tracked write entry, in no particular order —
// used by inode reclamation to free every backing block before the inode
// number itself is returned to the free map (spec: "evict_inode ... every
// data block the file owned is returned to the allocator").
func (p *PageIndex) Each(fn func(*WriteEntry)) {
	for _, w := range p.entries {
		fn(w)
	}
}

// Dentry is the DRAM-resident decoded form of a DIR_LOG entry.
type Dentry struct {
	Name   string
	Ino    uint64
	LogOff uint64 // PM offset of the backing DIR_LOG entry
}

// dirNode is the dtree payload: a name's hash may collide, so each tree
// node holds every dentry sharing that hash (spec §4.4 edge case: "hash
// collisions chain within one tree node rather than probing").
type dirNode struct {
	entries []*Dentry
}

// DirTree is the per-directory-inode hash-keyed red-black tree of
// dentries (spec: insert_dir_tree / remove_dir_tree).
type DirTree struct {
	tree rbtree.Tree[uint64, *dirNode]
	n    int
}

// NewDirTree returns an empty directory tree.
func NewDirTree() *DirTree { return &DirTree{} }

// Insert adds d, keyed by BKDRHash(d.Name). It returns errs.Invalid if an
// entry with the same name already exists (spec invariant: "names within
// one directory are unique").
func (d *DirTree) Insert(de *Dentry) error {
	h := BKDRHash(de.Name)
	n := d.tree.Find(h)
	if n == nil {
		d.tree.Insert(h, &dirNode{entries: []*Dentry{de}})
		d.n++
		return nil
	}
	node := n.Value()
	for _, e := range node.entries {
		if e.Name == de.Name {
			return errs.Wrap(errs.Invalid, "dtree: duplicate dentry name in directory")
		}
	}
	node.entries = append(node.entries, de)
	d.n++
	return nil
}

// Remove drops the dentry named name, if present.
func (d *DirTree) Remove(name string) bool {
	h := BKDRHash(name)
	n := d.tree.Find(h)
	if n == nil {
		return false
	}
	node := n.Value()
	for i, e := range node.entries {
		if e.Name == name {
			node.entries = append(node.entries[:i], node.entries[i+1:]...)
			d.n--
			if len(node.entries) == 0 {
				d.tree.Delete(n)
			}
			return true
		}
	}
	return false
}

// Find looks up name, disambiguating hash collisions by exact-comparing
// names within the colliding node (spec: lookup by BKDRHash then linear
// scan the colliding bucket).
func (d *DirTree) Find(name string) *Dentry {
	h := BKDRHash(name)
	n := d.tree.Find(h)
	if n == nil {
		return nil
	}
	for _, e := range n.Value().entries {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// Each calls fn for every dentry in the tree, in hash order (used by
// readdir and by recovery rebuild verification).
func (d *DirTree) Each(fn func(*Dentry)) {
	d.tree.Each(func(n *rbtree.Node[uint64, *dirNode]) {
		for _, e := range n.Value().entries {
			fn(e)
		}
	})
}

// Len returns the number of dentries tracked.
func (d *DirTree) Len() int { return d.n }

// RenameTxn describes the set of dentry/page-index mutations a directory
// rename touches, so the caller can apply them all under one lite-journal
// transaction (spec §4.4: "rename is committed via a single lite journal
// transaction touching the old dir's dentry removal, the new dir's dentry
// insertion, and (if the moved entry is a directory) its '..' dentry
// rewrite").
type RenameTxn struct {
	OldDir, NewDir             *DirTree
	OldName, NewName           string
	MovedIno                   uint64
	MovedLogOff                uint64
	DotDotDir                  *DirTree // non-nil only when MovedIno names a directory
	DotDotNewParentIno         uint64
}

// Apply performs the rename's tree-side effects. The caller is
// responsible for having already journaled the underlying PM field
// changes via internal/journal before calling Apply, and for committing
// that transaction only after Apply succeeds.
func (r *RenameTxn) Apply() error {
	r.OldDir.Remove(r.OldName)
	if existing := r.NewDir.Find(r.NewName); existing != nil {
		r.NewDir.Remove(r.NewName)
	}
	if err := r.NewDir.Insert(&Dentry{Name: r.NewName, Ino: r.MovedIno, LogOff: r.MovedLogOff}); err != nil {
		return err
	}
	if r.DotDotDir != nil {
		r.DotDotDir.Remove("..")
		if err := r.DotDotDir.Insert(&Dentry{Name: "..", Ino: r.DotDotNewParentIno}); err != nil {
			return err
		}
	}
	return nil
}
