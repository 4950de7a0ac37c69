package bridge

// robinHood is a Robin-Hood open-addressed hash table keyed by uint64,
// used by both the indirection map and the coalescing map (spec §4.6):
// bounded probe-sequence length (PSL) via swap-on-PSL-inversion insertion,
// and in-place backward-shift deletion so a removed entry never leaves a
// tombstone a later lookup has to skip past forever.
//
// Modeled on biscuit's hashtable.Hashtable_t in shape (fixed bucket array,
// open addressing) but not in probing discipline: that table chains a
// sync.RWMutex-guarded linked list per bucket, which never needs Robin-Hood
// displacement because a chain has no probe sequence to bound. This table's
// callers need a bounded worst-case lookup and a delete that doesn't
// degrade future lookups, which chaining doesn't provide without its own
// periodic compaction.
type robinHood[K ~uint64, V any] struct {
	keys    []K
	vals    []V
	used    []bool
	psl     []int
	count   int
}

func newRobinHood[K ~uint64, V any](expected int) *robinHood[K, V] {
	n := nextPow2(expected*2 + 1)
	if n < 8 {
		n = 8
	}
	return &robinHood[K, V]{
		keys: make([]K, n),
		vals: make([]V, n),
		used: make([]bool, n),
		psl:  make([]int, n),
	}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (h *robinHood[K, V]) home(k K) int {
	// Fibonacci hashing over the uint64 key, masked to the table size.
	const mul = 0x9E3779B97F4A7C15
	x := uint64(k) * mul
	return int(x % uint64(len(h.used)))
}

func (h *robinHood[K, V]) maybeGrow() {
	if h.count*10 < len(h.used)*9 { // load factor < 0.9
		return
	}
	old := *h
	*h = *newRobinHood[K, V](len(old.used))
	for i, used := range old.used {
		if used {
			h.Put(old.keys[i], old.vals[i])
		}
	}
}

// Put inserts or overwrites the value for k.
func (h *robinHood[K, V]) Put(k K, v V) {
	h.maybeGrow()
	idx := h.home(k)
	psl := 0
	n := len(h.used)
	for {
		if !h.used[idx] {
			h.keys[idx], h.vals[idx], h.used[idx], h.psl[idx] = k, v, true, psl
			h.count++
			return
		}
		if h.keys[idx] == k {
			h.vals[idx] = v
			return
		}
		if h.psl[idx] < psl {
			// Swap the richer (lower-PSL) entry out so it can keep
			// probing; the incoming entry takes its slot.
			h.keys[idx], k = k, h.keys[idx]
			h.vals[idx], v = v, h.vals[idx]
			h.psl[idx], psl = psl, h.psl[idx]
		}
		idx = (idx + 1) % n
		psl++
	}
}

// Get looks up k.
func (h *robinHood[K, V]) Get(k K) (V, bool) {
	idx := h.home(k)
	psl := 0
	n := len(h.used)
	for {
		if !h.used[idx] || psl > h.psl[idx] {
			var zero V
			return zero, false
		}
		if h.keys[idx] == k {
			return h.vals[idx], true
		}
		idx = (idx + 1) % n
		psl++
	}
}

// Delete removes k, backward-shifting the following cluster so every
// remaining entry's PSL only ever decreases (never leaves a tombstone).
func (h *robinHood[K, V]) Delete(k K) bool {
	idx := h.home(k)
	psl := 0
	n := len(h.used)
	for {
		if !h.used[idx] || psl > h.psl[idx] {
			return false
		}
		if h.keys[idx] == k {
			h.count--
			next := (idx + 1) % n
			for h.used[next] && h.psl[next] > 0 {
				h.keys[idx], h.vals[idx], h.psl[idx] = h.keys[next], h.vals[next], h.psl[next]-1
				idx = next
				next = (idx + 1) % n
			}
			h.used[idx] = false
			var zeroK K
			var zeroV V
			h.keys[idx], h.vals[idx], h.psl[idx] = zeroK, zeroV, 0
			return true
		}
		idx = (idx + 1) % n
		psl++
	}
}

// Len returns the number of entries stored.
func (h *robinHood[K, V]) Len() int { return h.count }
