// Package ftl implements the emulated NAND flash translation layer the
// byte/block bridge (internal/bridge) issues aligned page commands
// against: an LPN→PPN table, a reverse map for garbage collection, a
// write pointer advancing through the (channel, way, block, page)
// hierarchy, and a per-channel GC candidate min-heap keyed by valid-page
// count (spec §4.6/§4.7 "FTL specifics").
//
// The NVMe/PCIe command ring and the physical NAND timing model are
// out-of-scope collaborators (spec §1); this package models only the
// logical effect an NVMe command ring would produce — one outstanding
// command completes synchronously from the caller's point of view, with
// the per-channel mutex standing in for "one channel, one outstanding
// command at a time". There is no command ring or handler goroutine here:
// every Write/Read/IssueAligned call runs to completion on the caller's
// goroutine under the owning channel's mutex, and biscuit's
// circbuf.Circbuf_t (a single-daemon, non-concurrent byte ring meant for
// console/pipe I/O) is not reproduced.
package ftl

import (
	"container/heap"
	"sync"

	"bytefs/internal/errs"
)

// PageSize matches the bridge's NAND page granularity.
const PageSize = 4096

// Geometry describes the emulated device's channel/way/block/page layout.
type Geometry struct {
	Channels      int
	WaysPerCh     int
	BlocksPerWay  int
	PagesPerBlock int
}

func (g Geometry) pagesPerChannel() int { return g.WaysPerCh * g.BlocksPerWay * g.PagesPerBlock }

// PPN is a physical page number, packed (channel, way, block, page).
type PPN uint64

func (g Geometry) pack(ch, way, blk, pg int) PPN {
	return PPN((((uint64(ch)*uint64(g.WaysPerCh)+uint64(way))*uint64(g.BlocksPerWay)+uint64(blk))*uint64(g.PagesPerBlock) + uint64(pg)))
}

func (g Geometry) unpack(p PPN) (ch, way, blk, pg int) {
	v := uint64(p)
	pg = int(v % uint64(g.PagesPerBlock))
	v /= uint64(g.PagesPerBlock)
	blk = int(v % uint64(g.BlocksPerWay))
	v /= uint64(g.BlocksPerWay)
	way = int(v % uint64(g.WaysPerCh))
	v /= uint64(g.WaysPerCh)
	ch = int(v)
	return
}

// blockState tracks one (channel, way, block)'s valid-page count, used
// both to decide GC victims and to know when a block is fully erased and
// reusable.
type blockState struct {
	validPages int
	erased     bool
}

// gcHeapItem is one entry in a channel's GC candidate min-heap, ordered by
// ascending valid-page count (fewest-valid blocks are the cheapest to
// reclaim, spec §4.6: "GC ... copies valid pages of the chosen victim
// block").
type gcHeapItem struct {
	way, blk int
	valid    int
	index    int
}

type gcHeap []*gcHeapItem

func (h gcHeap) Len() int            { return len(h) }
func (h gcHeap) Less(i, j int) bool  { return h[i].valid < h[j].valid }
func (h gcHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *gcHeap) Push(x interface{}) {
	it := x.(*gcHeapItem)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *gcHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// channel owns one channel's blocks, write pointer, and GC heap, guarded
// by its own mutex — channels never block on each other (spec §5: one
// dedicated FTL command-handling thread, but the emulation here makes
// each channel independently lockable, matching the hardware's
// independent-channel parallelism).
type blockAddr struct{ way, blk int }

type channel struct {
	mu sync.Mutex

	blocks [][]blockState // [way][block]

	freeQueue []blockAddr // erased blocks not yet opened for writing
	open      blockAddr   // block currently being sequentially filled
	openValid bool        // false until the first block is popped off freeQueue
	curPg     int         // next page offset to write within open
	freeBlks  int         // erased blocks waiting in freeQueue (== len(freeQueue)); the open block is not counted

	heaps []gcHeap // one min-heap per way
	items [][]*gcHeapItem
}

// FTL is the emulated SSD: geometry, per-channel state, the LPN→PPN
// table, the reverse map, and the backing NAND byte store.
type FTL struct {
	geo  Geometry
	nand []byte // flat backing store, PageSize*totalPages bytes

	lpnMu sync.RWMutex
	lpn2ppn map[uint64]PPN
	ppn2lpn map[PPN]uint64

	chans []*channel

	// GCWatermark is the free-block count (per channel) at or below which
	// Write triggers a synchronous GC pass before allocating (spec §4.6:
	// "GC triggers on low free-block count").
	GCWatermark int
}

// New constructs an FTL with geo's geometry, all blocks initially erased
// and free.
func New(geo Geometry) *FTL {
	total := geo.Channels * geo.pagesPerChannel()
	f := &FTL{
		geo:         geo,
		nand:        make([]byte, total*PageSize),
		lpn2ppn:     make(map[uint64]PPN),
		ppn2lpn:     make(map[PPN]uint64),
		chans:       make([]*channel, geo.Channels),
		GCWatermark: geo.BlocksPerWay / 10,
	}
	if f.GCWatermark < 1 {
		f.GCWatermark = 1
	}
	for c := 0; c < geo.Channels; c++ {
		ch := &channel{
			blocks: make([][]blockState, geo.WaysPerCh),
			heaps:  make([]gcHeap, geo.WaysPerCh),
			items:  make([][]*gcHeapItem, geo.WaysPerCh),
		}
		for w := 0; w < geo.WaysPerCh; w++ {
			ch.blocks[w] = make([]blockState, geo.BlocksPerWay)
			for b := range ch.blocks[w] {
				ch.blocks[w][b].erased = true
				ch.freeQueue = append(ch.freeQueue, blockAddr{way: w, blk: b})
			}
			ch.items[w] = make([]*gcHeapItem, geo.BlocksPerWay)
		}
		ch.freeBlks = len(ch.freeQueue)
		f.chans[c] = ch
	}
	return f
}

// channelFor picks a channel for lpn round-robin by hashing, so sequential
// LPNs spread across channels (spec §4.6: "write pointer advancing
// through (ch, lun, blk, pg)").
func (f *FTL) channelFor(lpn uint64) int {
	return int(lpn % uint64(f.geo.Channels))
}

// advance returns the next page to write: either the next page in the
// currently open block, or the first page of a freshly popped free
// block. It reports false if the currently open block is full and no
// erased block remains, meaning the caller must run GC first (spec
// §4.6: "write pointer advancing through (ch, lun, blk, pg)"). sealed is
// true when this call writes the block's last page, at which point the
// block becomes a GC candidate. Caller holds ch.mu.
func (ch *channel) advance(geo Geometry) (way, blk, pg int, sealed, ok bool) {
	if ch.openValid && ch.curPg < geo.PagesPerBlock {
		way, blk, pg = ch.open.way, ch.open.blk, ch.curPg
		ch.curPg++
		sealed = ch.curPg == geo.PagesPerBlock
		if sealed {
			ch.openValid = false
		}
		return way, blk, pg, sealed, true
	}
	if len(ch.freeQueue) == 0 {
		return 0, 0, 0, false, false
	}
	next := ch.freeQueue[0]
	ch.freeQueue = ch.freeQueue[1:]
	ch.blocks[next.way][next.blk].erased = false
	ch.open = next
	ch.openValid = true
	ch.curPg = 1
	ch.freeBlks--
	sealed = ch.curPg == geo.PagesPerBlock // true only when PagesPerBlock==1
	if sealed {
		ch.openValid = false
	}
	return next.way, next.blk, 0, sealed, true
}

// Write stores buf (exactly PageSize bytes) at logical page lpn, evicting
// any prior mapping for lpn and decrementing that old physical page's
// valid count (spec §4.7: "LPN→PPN table ... reverse map for GC").
func (f *FTL) Write(lpn uint64, buf []byte) error {
	if len(buf) != PageSize {
		return errs.Wrap(errs.Invalid, "ftl: write buffer must be exactly one page")
	}
	c := f.channelFor(lpn)
	ch := f.chans[c]
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.freeBlks <= f.GCWatermark {
		if err := f.gcLocked(c, ch); err != nil {
			return err
		}
	}

	way, blk, pg, sealed, ok := ch.advance(f.geo)
	if !ok {
		if err := f.gcLocked(c, ch); err != nil {
			return err
		}
		way, blk, pg, sealed, ok = ch.advance(f.geo)
		if !ok {
			return errs.Wrap(errs.NoSpace, "ftl: channel exhausted after gc")
		}
	}
	ppn := f.geo.pack(c, way, blk, pg)
	copy(f.nand[int(ppn)*PageSize:], buf)

	f.lpnMu.Lock()
	if old, existed := f.lpn2ppn[lpn]; existed {
		delete(f.ppn2lpn, old)
		f.decrementValid(old)
	}
	f.lpn2ppn[lpn] = ppn
	f.ppn2lpn[ppn] = lpn
	f.lpnMu.Unlock()

	ch.blocks[way][blk].validPages++
	if sealed {
		f.sealBlock(ch, way, blk)
	}
	return nil
}

// Read copies logical page lpn's current data into buf (exactly PageSize
// bytes). Returns errs.Io if lpn has never been written.
func (f *FTL) Read(lpn uint64, buf []byte) error {
	if len(buf) != PageSize {
		return errs.Wrap(errs.Invalid, "ftl: read buffer must be exactly one page")
	}
	f.lpnMu.RLock()
	ppn, ok := f.lpn2ppn[lpn]
	f.lpnMu.RUnlock()
	if !ok {
		return errs.Wrap(errs.Io, "ftl: read of never-written logical page")
	}
	copy(buf, f.nand[int(ppn)*PageSize:int(ppn)*PageSize+PageSize])
	return nil
}

// IssueAligned implements bridge.Device, translating a byte-addressed,
// PageSize-aligned request into whole-page Read/Write calls: the bridge
// guarantees isWrite requests at non-page granularity have already been
// reduced to read-modify-write over whole pages by its own edge handling,
// so by the time a request reaches here it is exactly one page.
func (f *FTL) IssueAligned(isWrite bool, lpa uint64, size uint64, buf []byte) error {
	if size != PageSize || lpa%PageSize != 0 {
		return errs.Wrap(errs.Invalid, "ftl: IssueAligned requires one page-aligned page")
	}
	lpn := lpa / PageSize
	if isWrite {
		return f.Write(lpn, buf[:PageSize])
	}
	if err := f.Read(lpn, buf[:PageSize]); err != nil {
		if errs.Is(err, errs.Io) {
			for i := range buf[:PageSize] {
				buf[i] = 0
			}
			return nil
		}
		return err
	}
	return nil
}

// decrementValid drops ppn's containing block's valid-page count by one,
// refreshing its GC heap entry if the block has already been sealed (an
// open block being actively written is never in the heap yet — see
// sealBlock). decrementValid takes no lock itself: it is only ever called
// from Write, which holds f.lpnMu for the lpn2ppn/ppn2lpn mutation and
// already holds the owning channel's ch.mu, because old and the new ppn
// this Write is producing share the same lpn and therefore the same
// channel (channelFor hashes on lpn).
func (f *FTL) decrementValid(ppn PPN) {
	ch, way, blk, _ := f.geo.unpack(ppn)
	cs := f.chans[ch]
	cs.blocks[way][blk].validPages--
	if it := cs.items[way][blk]; it != nil {
		it.valid = cs.blocks[way][blk].validPages
		heap.Fix(&cs.heaps[way], it.index)
	}
}

// sealBlock registers a just-filled block as a GC candidate with its
// current valid-page count. Caller holds ch.mu.
func (f *FTL) sealBlock(ch *channel, way, blk int) {
	it := &gcHeapItem{way: way, blk: blk, valid: ch.blocks[way][blk].validPages}
	ch.items[way][blk] = it
	heap.Push(&ch.heaps[way], it)
}

// gcLocked reclaims the cheapest-to-reclaim block across every way on
// channel c: copies its still-valid pages to fresh locations taken
// directly from ch.advance (returning NoSpace if no destination page is
// left; nothing reserves an erased block for this) and erases the victim
// (spec §4.6: "GC triggers on low free-block count; it copies
// valid pages of the chosen victim block to a fresh block, updates both
// maps, and returns the victim to the free pool"). Caller holds ch.mu.
func (f *FTL) gcLocked(c int, ch *channel) error {
	bestWay, bestValid := -1, -1
	for w := range ch.heaps {
		if len(ch.heaps[w]) == 0 {
			continue
		}
		v := ch.heaps[w][0].valid
		if bestWay < 0 || v < bestValid {
			bestWay, bestValid = w, v
		}
	}
	if bestWay < 0 {
		return errs.Wrap(errs.NoSpace, "ftl: no gc candidate on channel")
	}
	victim := heap.Pop(&ch.heaps[bestWay]).(*gcHeapItem)
	way, blk := victim.way, victim.blk
	ch.items[way][blk] = nil

	for pg := 0; pg < f.geo.PagesPerBlock; pg++ {
		ppn := f.geo.pack(c, way, blk, pg)
		f.lpnMu.RLock()
		lpn, live := f.ppn2lpn[ppn]
		f.lpnMu.RUnlock()
		if !live {
			continue
		}
		data := make([]byte, PageSize)
		copy(data, f.nand[int(ppn)*PageSize:int(ppn)*PageSize+PageSize])

		newWay, newBlk, newPg, sealed, ok := ch.advance(f.geo)
		if !ok {
			return errs.Wrap(errs.NoSpace, "ftl: gc could not find destination page")
		}
		newPPN := f.geo.pack(c, newWay, newBlk, newPg)
		copy(f.nand[int(newPPN)*PageSize:], data)

		f.lpnMu.Lock()
		f.lpn2ppn[lpn] = newPPN
		delete(f.ppn2lpn, ppn)
		f.ppn2lpn[newPPN] = lpn
		f.lpnMu.Unlock()

		ch.blocks[newWay][newBlk].validPages++
		if sealed {
			f.sealBlock(ch, newWay, newBlk)
		}
	}

	ch.blocks[way][blk] = blockState{erased: true}
	ch.freeQueue = append(ch.freeQueue, blockAddr{way: way, blk: blk})
	ch.freeBlks++
	return nil
}

// FreeBlocks reports channel c's count of fully erased blocks, used by
// tests and mount-level diagnostics.
func (f *FTL) FreeBlocks(c int) int {
	ch := f.chans[c]
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.freeBlks
}
