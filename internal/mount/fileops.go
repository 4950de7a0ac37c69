package mount

import (
	"context"
	"encoding/binary"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"bytefs/internal/alloc"
	"bytefs/internal/dtree"
	"bytefs/internal/errs"
	"bytefs/internal/inode"
	"bytefs/internal/pagecache"
	"bytefs/internal/pm"
	"bytefs/internal/ylog"
)

// fileops.go ties the four subsystems (block allocator, log engine, lite
// journal, directory/file tree) into the top-level file operations spec
// §2's data-flow description names: a write locates or allocates its
// write-entry slot, reserves data blocks, copies bytes through the PM
// substrate and the byte/block bridge, appends a FILE_WRITE log entry,
// records the new log tail under a lite-journal transaction, and updates
// the in-DRAM radix map, invalidating and freeing whatever the write
// superseded.

// RootIno is the filesystem root directory's fixed inode number, carved
// out of the reserved inode range (spec §3 "Reserved inode range") so it
// never collides with a dynamically allocated inode.
const RootIno = 0

func isDirMode(mode uint32) bool { return mode&unix.S_IFMT == unix.S_IFDIR }

// initRootInode stamps the root directory's primary and replica records
// and gives it its first (empty) log page, run once when Mount formats a
// fresh image — every directory needs a log page allocated before its
// first DIR_LOG append (spec §4.4).
func (fs *FS) initRootInode() error {
	if err := fs.ITable.InitReserved(RootIno); err != nil {
		return err
	}
	cpu := fs.ITable.CPUOf(RootIno)
	head, err := fs.allocLogPage(cpu)()
	if err != nil {
		return err
	}

	now := uint64(time.Now().UnixNano())
	for _, v := range []*inode.Inode{fs.ITable.Primary(RootIno), fs.ITable.Replica(RootIno)} {
		v.SetMode(unix.S_IFDIR | 0755)
		v.SetLinks(2)
		v.SetCtime(now)
		v.SetMtime(now)
		v.SetAtime(now)
		v.SetLogHead(head)
		v.SetLogTail(head)
		v.Finalize()
	}

	fs.inodesMu.Lock()
	fs.inodes[RootIno] = &openInode{
		ino:     RootIno,
		isDir:   true,
		pages:   dtree.NewPageIndex(),
		dir:     dtree.NewDirTree(),
		logHead: head,
		logTail: head,
	}
	fs.inodesMu.Unlock()
	return nil
}

func putOffset(v pm.Offset) func([]byte) {
	return func(b []byte) { binary.LittleEndian.PutUint64(b, uint64(v)) }
}

// acquire opens and locks every distinct inode in inos, in ascending inode-
// number order, so concurrent multi-inode operations (rename touching two
// directories and, for a moved directory, its ".." target) never deadlock
// against each other regardless of call order. The returned unlock func
// releases every lock in reverse order.
func (fs *FS) acquire(inos ...uint64) (map[uint64]*openInode, func(), error) {
	uniq := make(map[uint64]*openInode, len(inos))
	for _, ino := range inos {
		if _, ok := uniq[ino]; ok {
			continue
		}
		oi, err := fs.Open(ino)
		if err != nil {
			return nil, nil, err
		}
		uniq[ino] = oi
	}
	ordered := make([]*openInode, 0, len(uniq))
	for _, oi := range uniq {
		ordered = append(ordered, oi)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ino < ordered[j].ino })
	for _, oi := range ordered {
		oi.mu.Lock()
	}
	unlock := func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			ordered[i].mu.Unlock()
		}
	}
	return uniq, unlock, nil
}

// allocLogPage returns the allocPage callback ylog.Log.Append takes,
// drawing one fresh log page from cpu's free list (spec §4.2: "allocate_inode_log_pages
// draws from the per-CPU free list"). ylog.Log.Append clears the page
// itself once it has the offset, so this need only hand back a fresh
// block.
func (fs *FS) allocLogPage(cpu int) func() (pm.Offset, error) {
	return func() (pm.Offset, error) {
		bn, n, err := fs.BlockAlloc.NewBlocks(1, cpu, alloc.AllocFromHead)
		if err != nil {
			return 0, err
		}
		if n != 1 {
			return 0, errs.Wrap(errs.NoSpace, "mount: log page allocation returned short count")
		}
		return pm.Offset(bn) * BlockSize, nil
	}
}

// filePageCache lazily creates oi's page-cache handle into the emulated
// SSD, rooted at a fixed per-inode base distinct from PM's own block-
// number space (spec §1/§4.6: PM and the emulated SSD are two separate
// address domains; see Options.FileAddressStride). Caller must hold
// oi.mu.
func (fs *FS) filePageCache(oi *openInode) *pagecache.File {
	if oi.pc == nil {
		oi.pc = fs.PageCache.NewFile(oi.ino * fs.opts.FileAddressStride)
	}
	return oi.pc
}

// journalInodeU64 overwrites the 8-byte field at offset within ino's
// primary and replica records, under a lite-journal transaction on cpu
// that protects both copies (spec §4.3: a create/write/rename/setattr
// transaction logs the pre-image of every field it is about to mutate).
func (fs *FS) journalInodeU64(cpu int, ino uint64, offset pm.Offset, old, new uint64) error {
	primaryAddr := fs.ITable.PrimaryAddr(ino) + offset
	replicaAddr := fs.ITable.ReplicaAddr(ino) + offset
	tx := fs.Journal.Begin(cpu)
	if err := tx.LogInodeField(primaryAddr, old); err != nil {
		tx.Abort()
		return err
	}
	if err := tx.LogInodeField(replicaAddr, old); err != nil {
		tx.Abort()
		return err
	}
	fs.Region.ScopedWrite(primaryAddr, 8, putOffset(pm.Offset(new)))
	fs.Region.ScopedWrite(replicaAddr, 8, putOffset(pm.Offset(new)))
	tx.Commit()
	fs.ITable.Primary(ino).Finalize()
	fs.ITable.Replica(ino).Finalize()
	return nil
}

// Write performs a COW append: it allocates fresh data blocks per file
// page touched by [off, off+len(data)), preserving any untouched bytes of
// a partially-overwritten page by reading the old backing block forward,
// appends one FILE_WRITE log entry per page, and atomically publishes the
// advanced log tail and (if the write extends the file) the new size
// (spec §2, §4.2, §4.3). It returns the number of bytes written.
func (fs *FS) Write(ino uint64, off uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	oi, err := fs.Open(ino)
	if err != nil {
		return 0, err
	}
	oi.mu.Lock()
	defer oi.mu.Unlock()
	if oi.isDir {
		return 0, errs.Wrap(errs.Invalid, "mount: write: target is a directory")
	}

	cpu := fs.ITable.CPUOf(ino)
	pc := fs.filePageCache(oi)
	ctx := context.Background()

	pgStart := off / BlockSize
	pgEnd := (off + uint64(len(data)) - 1) / BlockSize

	written := 0
	for pg := pgStart; pg <= pgEnd; pg++ {
		pageStart := pg * BlockSize
		lo, hi := off, off+uint64(len(data))
		if pageStart > lo {
			lo = pageStart
		}
		if pageStart+BlockSize < hi {
			hi = pageStart + BlockSize
		}
		full := lo == pageStart && hi == pageStart+BlockSize

		buf := make([]byte, BlockSize)
		if !full {
			if old := oi.pages.Find(pg); old != nil {
				copy(buf, fs.Region.ReadAt(pm.Offset(old.Block)*BlockSize, BlockSize))
			}
		}
		copy(buf[lo-pageStart:hi-pageStart], data[lo-off:hi-off])

		bn, n, aerr := fs.BlockAlloc.NewBlocks(1, cpu, alloc.AllocFromHead)
		if aerr != nil {
			return written, aerr
		}
		if n != 1 {
			return written, errs.Wrap(errs.NoSpace, "mount: write: data block allocation returned short count")
		}
		blockOff := pm.Offset(bn) * BlockSize
		fs.Region.ScopedWrite(blockOff, BlockSize, func(b []byte) { copy(b, buf) })

		if err := pc.Write(ctx, pageStart, buf); err != nil {
			return written, err
		}

		entry := ylog.EncodeFileWrite(pg, 1, bn, hi-pageStart)

		tailAddr := fs.ITable.PrimaryAddr(ino) + inode.OffLogTail
		tailReplicaAddr := fs.ITable.ReplicaAddr(ino) + inode.OffLogTail
		tx := fs.Journal.Begin(cpu)
		if jerr := tx.LogInodeField(tailAddr, uint64(oi.logTail)); jerr != nil {
			tx.Abort()
			return written, jerr
		}
		if jerr := tx.LogInodeField(tailReplicaAddr, uint64(oi.logTail)); jerr != nil {
			tx.Abort()
			return written, jerr
		}

		wroteAt, newTail, aerr := fs.Log.Append(oi.logTail, entry, fs.allocLogPage(cpu))
		if aerr != nil {
			tx.Abort()
			return written, aerr
		}
		fs.Region.ScopedWrite(tailAddr, 8, putOffset(newTail))
		fs.Region.ScopedWrite(tailReplicaAddr, 8, putOffset(newTail))
		tx.Commit()

		old := oi.pages.Find(pg)
		oi.pages.Insert(&dtree.WriteEntry{Pgoff: pg, NumPages: 1, Block: bn, LogOff: uint64(wroteAt)})
		oi.logTail = newTail

		if old != nil {
			fs.Log.Invalidate(pm.Offset(old.LogOff), 1)
			if ferr := fs.BlockAlloc.FreeBlocks(cpu, old.Block, 1); ferr != nil {
				return written, ferr
			}
		}

		written += int(hi - lo)
	}

	newSize := off + uint64(len(data))
	primary := fs.ITable.Primary(ino)
	now := uint64(time.Now().UnixNano())
	if newSize > primary.Size() {
		if err := fs.journalInodeU64(cpu, ino, inode.OffSize, primary.Size(), newSize); err != nil {
			return written, err
		}
	}
	if err := fs.journalInodeU64(cpu, ino, inode.OffMtime, primary.Mtime(), now); err != nil {
		return written, err
	}

	return written, nil
}

// Read copies min(len(dst), size-off) bytes starting at file-relative
// offset off into dst through the page cache, zero-filling any page with
// no backing write entry (a hole). It returns the number of bytes copied.
func (fs *FS) Read(ino uint64, off uint64, dst []byte) (int, error) {
	oi, err := fs.Open(ino)
	if err != nil {
		return 0, err
	}
	oi.mu.Lock()
	defer oi.mu.Unlock()
	if oi.isDir {
		return 0, errs.Wrap(errs.Invalid, "mount: read: target is a directory")
	}

	size := fs.ITable.Primary(ino).Size()
	if off >= size {
		return 0, nil
	}
	if uint64(len(dst)) > size-off {
		dst = dst[:size-off]
	}

	pc := fs.filePageCache(oi)
	ctx := context.Background()
	remaining := dst
	cur := off
	read := 0
	for len(remaining) > 0 {
		pg := cur / BlockSize
		pageStart := pg * BlockSize
		inPage := cur - pageStart
		n := BlockSize - inPage
		if uint64(len(remaining)) < n {
			n = uint64(len(remaining))
		}

		if oi.pages.Find(pg) == nil {
			for i := uint64(0); i < n; i++ {
				remaining[i] = 0
			}
		} else if err := pc.Read(ctx, pageStart+inPage, remaining[:n]); err != nil {
			return read, err
		}

		remaining = remaining[n:]
		cur += n
		read += int(n)
	}
	return read, nil
}

// Create allocates a new regular-file inode and inserts a DIR_LOG dentry
// for it in parentIno's directory tree and log (spec §4.4).
func (fs *FS) Create(parentIno uint64, name string, mode uint32) (uint64, error) {
	return fs.createChild(parentIno, name, mode&^uint32(unix.S_IFMT)|unix.S_IFREG, false)
}

// Mkdir allocates a new directory inode, seeding its own dtree with a
// ".." dentry pointing back at parentIno (spec §4.4; "." is resolved by
// the caller against its own inode rather than stored as a dentry, since
// dtree.DirTree is keyed by name hash and a self-referential entry would
// only ever be looked up by the caller already holding its own inode
// number).
func (fs *FS) Mkdir(parentIno uint64, name string, mode uint32) (uint64, error) {
	return fs.createChild(parentIno, name, mode&^uint32(unix.S_IFMT)|unix.S_IFDIR, true)
}

func (fs *FS) createChild(parentIno uint64, name string, mode uint32, isDir bool) (uint64, error) {
	locked, unlock, err := fs.acquire(parentIno)
	if err != nil {
		return 0, err
	}
	defer unlock()
	parent := locked[parentIno]
	if !parent.isDir {
		return 0, errs.Wrap(errs.Invalid, "mount: create: parent is not a directory")
	}
	if parent.dir.Find(name) != nil {
		return 0, errs.Wrap(errs.Invalid, "mount: create: name already exists")
	}

	cpu := fs.ITable.CPUOf(parentIno)
	childIno, err := fs.ITable.Alloc(cpu)
	if err != nil {
		return 0, err
	}
	head, err := fs.allocLogPage(cpu)()
	if err != nil {
		fs.ITable.Free(childIno)
		return 0, err
	}
	fs.Region.ScopedWrite(head, BlockSize, func(b []byte) { clear(b) })

	now := uint64(time.Now().UnixNano())
	for _, v := range []*inode.Inode{fs.ITable.Primary(childIno), fs.ITable.Replica(childIno)} {
		v.SetMode(mode)
		v.SetLinks(1)
		v.SetCtime(now)
		v.SetMtime(now)
		v.SetAtime(now)
		v.SetLogHead(head)
		v.SetLogTail(head)
		v.Finalize()
	}

	tailAddr := fs.ITable.PrimaryAddr(parentIno) + inode.OffLogTail
	tailReplicaAddr := fs.ITable.ReplicaAddr(parentIno) + inode.OffLogTail
	tx := fs.Journal.Begin(cpu)
	if jerr := tx.LogInodeField(tailAddr, uint64(parent.logTail)); jerr != nil {
		tx.Abort()
		fs.ITable.Free(childIno)
		return 0, jerr
	}
	if jerr := tx.LogInodeField(tailReplicaAddr, uint64(parent.logTail)); jerr != nil {
		tx.Abort()
		fs.ITable.Free(childIno)
		return 0, jerr
	}

	entry := ylog.EncodeDirLog(name, childIno, false)
	wroteAt, newTail, aerr := fs.Log.Append(parent.logTail, entry, fs.allocLogPage(cpu))
	if aerr != nil {
		tx.Abort()
		fs.ITable.Free(childIno)
		return 0, aerr
	}
	fs.Region.ScopedWrite(tailAddr, 8, putOffset(newTail))
	fs.Region.ScopedWrite(tailReplicaAddr, 8, putOffset(newTail))
	tx.Commit()

	if err := parent.dir.Insert(&dtree.Dentry{Name: name, Ino: childIno, LogOff: uint64(wroteAt)}); err != nil {
		return 0, err
	}
	parent.logTail = newTail

	child := &openInode{ino: childIno, isDir: isDir, pages: dtree.NewPageIndex(), logHead: head, logTail: head}
	if isDir {
		child.dir = dtree.NewDirTree()
		if err := child.dir.Insert(&dtree.Dentry{Name: "..", Ino: parentIno}); err != nil {
			return 0, err
		}
	}
	fs.inodesMu.Lock()
	fs.inodes[childIno] = child
	fs.inodesMu.Unlock()

	return childIno, nil
}

// Lookup resolves name within parentIno's directory, returning its inode
// number (spec §4.4: "lookup_dir_tree").
func (fs *FS) Lookup(parentIno uint64, name string) (uint64, error) {
	parent, err := fs.Open(parentIno)
	if err != nil {
		return 0, err
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if !parent.isDir {
		return 0, errs.Wrap(errs.Invalid, "mount: lookup: not a directory")
	}
	de := parent.dir.Find(name)
	if de == nil {
		return 0, errs.Wrap(errs.Invalid, "mount: lookup: name not found")
	}
	return de.Ino, nil
}

// Readdir returns every dentry in parentIno's directory.
func (fs *FS) Readdir(parentIno uint64) ([]dtree.Dentry, error) {
	parent, err := fs.Open(parentIno)
	if err != nil {
		return nil, err
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if !parent.isDir {
		return nil, errs.Wrap(errs.Invalid, "mount: readdir: not a directory")
	}
	var out []dtree.Dentry
	parent.dir.Each(func(d *dtree.Dentry) { out = append(out, *d) })
	return out, nil
}

// Rename moves oldName out of oldParentIno's directory and into
// newParentIno's directory as newName, under one lite-journal transaction
// covering the old directory's tombstone, the new directory's fresh
// dentry, and — when the moved entry is itself a directory — its ".."
// rewrite (spec §4.4). The transaction is journaled on oldParentIno's
// owning CPU regardless of which CPU owns the other inodes touched: the
// per-CPU journal ring is a concurrency shard, not an ownership
// restriction, and an (address, old-value) undo record is valid
// regardless of which CPU's ring holds it — see DESIGN.md.
func (fs *FS) Rename(oldParentIno uint64, oldName string, newParentIno uint64, newName string) error {
	if oldParentIno == newParentIno && oldName == newName {
		return nil
	}

	locked, unlock, err := fs.acquire(oldParentIno, newParentIno)
	if err != nil {
		return err
	}
	defer unlock()
	oldParent, newParent := locked[oldParentIno], locked[newParentIno]
	if !oldParent.isDir || !newParent.isDir {
		return errs.Wrap(errs.Invalid, "mount: rename: parent is not a directory")
	}

	de := oldParent.dir.Find(oldName)
	if de == nil {
		return errs.Wrap(errs.Invalid, "mount: rename: source name not found")
	}
	movedIno := de.Ino
	if movedIno == oldParentIno || movedIno == newParentIno {
		return errs.Wrap(errs.Invalid, "mount: rename: cannot move a directory into itself")
	}

	movedIsDir := isDirMode(fs.ITable.Primary(movedIno).Mode())
	var movedOI *openInode
	if movedIsDir {
		movedOI, err = fs.Open(movedIno)
		if err != nil {
			return err
		}
		movedOI.mu.Lock()
		defer movedOI.mu.Unlock()
	}

	cpu := fs.ITable.CPUOf(oldParentIno)
	oldTailAddr := fs.ITable.PrimaryAddr(oldParentIno) + inode.OffLogTail
	oldTailReplicaAddr := fs.ITable.ReplicaAddr(oldParentIno) + inode.OffLogTail
	newTailAddr := fs.ITable.PrimaryAddr(newParentIno) + inode.OffLogTail
	newTailReplicaAddr := fs.ITable.ReplicaAddr(newParentIno) + inode.OffLogTail

	tx := fs.Journal.Begin(cpu)
	for _, f := range []struct {
		addr pm.Offset
		old  uint64
	}{
		{oldTailAddr, uint64(oldParent.logTail)},
		{oldTailReplicaAddr, uint64(oldParent.logTail)},
	} {
		if jerr := tx.LogInodeField(f.addr, f.old); jerr != nil {
			tx.Abort()
			return jerr
		}
	}
	if newParentIno != oldParentIno {
		for _, f := range []struct {
			addr pm.Offset
			old  uint64
		}{
			{newTailAddr, uint64(newParent.logTail)},
			{newTailReplicaAddr, uint64(newParent.logTail)},
		} {
			if jerr := tx.LogInodeField(f.addr, f.old); jerr != nil {
				tx.Abort()
				return jerr
			}
		}
	}

	tomb := ylog.EncodeDirLog(oldName, movedIno, true)
	_, afterTomb, err := fs.Log.Append(oldParent.logTail, tomb, fs.allocLogPage(cpu))
	if err != nil {
		tx.Abort()
		return err
	}

	startNewTail := newParent.logTail
	if newParentIno == oldParentIno {
		startNewTail = afterTomb
	}
	newEntry := ylog.EncodeDirLog(newName, movedIno, false)
	newWroteAt, afterNew, err := fs.Log.Append(startNewTail, newEntry, fs.allocLogPage(cpu))
	if err != nil {
		tx.Abort()
		return err
	}

	var dotDotTailAddr, dotDotTailReplicaAddr pm.Offset
	var afterDotDot pm.Offset
	if movedIsDir {
		dotDotTailAddr = fs.ITable.PrimaryAddr(movedIno) + inode.OffLogTail
		dotDotTailReplicaAddr = fs.ITable.ReplicaAddr(movedIno) + inode.OffLogTail
		if jerr := tx.LogInodeField(dotDotTailAddr, uint64(movedOI.logTail)); jerr != nil {
			tx.Abort()
			return jerr
		}
		if jerr := tx.LogInodeField(dotDotTailReplicaAddr, uint64(movedOI.logTail)); jerr != nil {
			tx.Abort()
			return jerr
		}

		dTomb := ylog.EncodeDirLog("..", 0, true)
		_, afterDTomb, derr := fs.Log.Append(movedOI.logTail, dTomb, fs.allocLogPage(cpu))
		if derr != nil {
			tx.Abort()
			return derr
		}
		dEntry := ylog.EncodeDirLog("..", newParentIno, false)
		_, afterDotDot, derr = fs.Log.Append(afterDTomb, dEntry, fs.allocLogPage(cpu))
		if derr != nil {
			tx.Abort()
			return derr
		}
	}

	finalOldTail := afterTomb
	if newParentIno == oldParentIno {
		finalOldTail = afterNew
	}
	fs.Region.ScopedWrite(oldTailAddr, 8, putOffset(finalOldTail))
	fs.Region.ScopedWrite(oldTailReplicaAddr, 8, putOffset(finalOldTail))
	if newParentIno != oldParentIno {
		fs.Region.ScopedWrite(newTailAddr, 8, putOffset(afterNew))
		fs.Region.ScopedWrite(newTailReplicaAddr, 8, putOffset(afterNew))
	}
	if movedIsDir {
		fs.Region.ScopedWrite(dotDotTailAddr, 8, putOffset(afterDotDot))
		fs.Region.ScopedWrite(dotDotTailReplicaAddr, 8, putOffset(afterDotDot))
	}
	tx.Commit()

	rt := &dtree.RenameTxn{
		OldDir: oldParent.dir, NewDir: newParent.dir,
		OldName: oldName, NewName: newName,
		MovedIno: movedIno, MovedLogOff: uint64(newWroteAt),
	}
	if movedIsDir {
		rt.DotDotDir = movedOI.dir
		rt.DotDotNewParentIno = newParentIno
	}
	if err := rt.Apply(); err != nil {
		return err
	}

	oldParent.logTail = finalOldTail
	if newParentIno != oldParentIno {
		newParent.logTail = afterNew
	}
	if movedIsDir {
		movedOI.logTail = afterDotDot
	}
	return nil
}

// Unlink removes name from parentIno's directory, decrementing the
// target's link count and, once it reaches zero, reclaiming its inode
// number and every data block its page index still references (spec
// §4.4/§4.7: "evict_inode ... deleted=1 is persisted, inode number
// returned to the map").
func (fs *FS) Unlink(parentIno uint64, name string) error {
	locked, unlock, err := fs.acquire(parentIno)
	if err != nil {
		return err
	}
	defer unlock()
	parent := locked[parentIno]
	if !parent.isDir {
		return errs.Wrap(errs.Invalid, "mount: unlink: parent is not a directory")
	}
	de := parent.dir.Find(name)
	if de == nil {
		return errs.Wrap(errs.Invalid, "mount: unlink: name not found")
	}
	targetIno := de.Ino

	if isDirMode(fs.ITable.Primary(targetIno).Mode()) {
		child, err := fs.Open(targetIno)
		if err != nil {
			return err
		}
		child.mu.Lock()
		n := child.dir.Len()
		child.mu.Unlock()
		if n > 1 { // only the implicit ".." dentry left is empty
			return errs.Wrap(errs.Invalid, "mount: unlink: directory not empty")
		}
	}

	cpu := fs.ITable.CPUOf(parentIno)
	tailAddr := fs.ITable.PrimaryAddr(parentIno) + inode.OffLogTail
	tailReplicaAddr := fs.ITable.ReplicaAddr(parentIno) + inode.OffLogTail

	tx := fs.Journal.Begin(cpu)
	if jerr := tx.LogInodeField(tailAddr, uint64(parent.logTail)); jerr != nil {
		tx.Abort()
		return jerr
	}
	if jerr := tx.LogInodeField(tailReplicaAddr, uint64(parent.logTail)); jerr != nil {
		tx.Abort()
		return jerr
	}

	tomb := ylog.EncodeDirLog(name, targetIno, true)
	_, newTail, aerr := fs.Log.Append(parent.logTail, tomb, fs.allocLogPage(cpu))
	if aerr != nil {
		tx.Abort()
		return aerr
	}
	fs.Region.ScopedWrite(tailAddr, 8, putOffset(newTail))
	fs.Region.ScopedWrite(tailReplicaAddr, 8, putOffset(newTail))
	tx.Commit()

	fs.Log.Invalidate(pm.Offset(de.LogOff), 1)
	parent.dir.Remove(name)
	parent.logTail = newTail

	target := fs.ITable.Primary(targetIno)
	links := target.Links()
	if links > 1 {
		return fs.journalInodeU64(fs.ITable.CPUOf(targetIno), targetIno, inode.OffLinks, uint64(links), uint64(links-1))
	}
	return fs.reclaimInode(targetIno)
}

// reclaimInode frees every data block targetIno's page index still
// references, then returns the inode number itself to the free map (spec
// §4.7 evict_inode).
func (fs *FS) reclaimInode(ino uint64) error {
	oi, err := fs.Open(ino)
	if err != nil {
		return err
	}
	oi.mu.Lock()
	cpu := fs.ITable.CPUOf(ino)
	var freeErr error
	if oi.pages != nil {
		oi.pages.Each(func(w *dtree.WriteEntry) {
			if freeErr == nil {
				freeErr = fs.BlockAlloc.FreeBlocks(cpu, w.Block, w.NumPages)
			}
		})
	}
	oi.mu.Unlock()
	if freeErr != nil {
		return freeErr
	}

	fs.inodesMu.Lock()
	delete(fs.inodes, ino)
	fs.inodesMu.Unlock()

	return fs.ITable.Free(ino)
}
