package bridge

import (
	"bytes"
	"testing"
)

// memDevice is a flat in-memory Device used to test ByteIssue's edge
// splitting without a real FTL.
type memDevice struct {
	mem []byte
}

func newMemDevice(size int) *memDevice { return &memDevice{mem: make([]byte, size)} }

func (m *memDevice) IssueAligned(isWrite bool, lpa uint64, size uint64, buf []byte) error {
	if isWrite {
		copy(m.mem[lpa:lpa+size], buf[:size])
	} else {
		copy(buf[:size], m.mem[lpa:lpa+size])
	}
	return nil
}

// TestByteIssueRoundTrip covers spec §8 testable property 5: round-trip
// write-then-read for an arbitrary (lpa, size) returns the written bytes,
// for both aligned and unaligned offsets.
func TestByteIssueRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		lpa  uint64
		size uint64
	}{
		{"aligned-single-region", 0, 64},
		{"aligned-whole-page", 0, PageSize},
		{"unaligned-prefix-only", 10, 54},
		{"unaligned-suffix-only", 0, 40},
		{"unaligned-both-ends", 10, 100},
		{"spans-many-regions", 5, 500},
		{"mid-page-small", 4000, 90},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dev := newMemDevice(8192)
			want := make([]byte, c.size)
			for i := range want {
				want[i] = byte(i*7 + 1)
			}
			if err := ByteIssue(dev, true, c.lpa, c.size, want); err != nil {
				t.Fatalf("write: %v", err)
			}
			got := make([]byte, c.size)
			if err := ByteIssue(dev, false, c.lpa, c.size, got); err != nil {
				t.Fatalf("read: %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Fatalf("round trip mismatch: got %v want %v", got, want)
			}
		})
	}
}

// TestByteIssuePreservesNeighboringBytes covers spec §8 scenario 3:
// overlapping unaligned overwrites must leave untouched bytes unchanged.
func TestByteIssuePreservesNeighboringBytes(t *testing.T) {
	dev := newMemDevice(512)
	p1 := bytes.Repeat([]byte{0xAA}, 100)
	p2 := bytes.Repeat([]byte{0xBB}, 100)

	if err := ByteIssue(dev, true, 100, 100, p1); err != nil {
		t.Fatal(err)
	}
	if err := ByteIssue(dev, true, 50, 100, p2); err != nil {
		t.Fatal(err)
	}

	full := make([]byte, 300)
	if err := ByteIssue(dev, false, 0, 300, full); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		if full[i] != 0 {
			t.Fatalf("byte %d: want 0 got %x", i, full[i])
		}
	}
	for i := 50; i < 150; i++ {
		if full[i] != 0xBB {
			t.Fatalf("byte %d: want BB got %x", i, full[i])
		}
	}
	for i := 150; i < 200; i++ {
		if full[i] != 0xAA {
			t.Fatalf("byte %d: want AA got %x", i, full[i])
		}
	}
	for i := 200; i < 300; i++ {
		if full[i] != 0 {
			t.Fatalf("byte %d: want 0 got %x", i, full[i])
		}
	}
}

func TestDirtyMapRuns(t *testing.T) {
	d := NewDirtyMap(4)
	page := uint64(4096)
	d.MarkDirty(page + 0)
	d.MarkDirty(page + 64)
	d.MarkDirty(page + 128)
	d.MarkDirty(page + 256)

	runs := d.Runs(page)
	want := [][2]uint64{
		{page + 0, page + 192},
		{page + 256, page + 320},
	}
	if len(runs) != len(want) {
		t.Fatalf("got %v want %v", runs, want)
	}
	for i := range want {
		if runs[i] != want[i] {
			t.Fatalf("run %d: got %v want %v", i, runs[i], want[i])
		}
	}

	d.Clear(page)
	if got := d.Runs(page); got != nil {
		t.Fatalf("after clear: got %v want nil", got)
	}
}

func TestIndirectionMap(t *testing.T) {
	m := NewIndirection(4)
	m.Set(100, 9000)
	m.Set(200, 9100)
	if v, ok := m.Get(100); !ok || v != 9000 {
		t.Fatalf("got %v %v", v, ok)
	}
	m.Delete(100)
	if _, ok := m.Get(100); ok {
		t.Fatalf("expected deleted")
	}
	if v, ok := m.Get(200); !ok || v != 9100 {
		t.Fatalf("got %v %v", v, ok)
	}
	if m.Len() != 1 {
		t.Fatalf("len = %d want 1", m.Len())
	}
}

// TestRobinHoodManyKeys stresses insert/lookup/delete across growth.
func TestRobinHoodManyKeys(t *testing.T) {
	rh := newRobinHood[uint64, int](4)
	const n = 2000
	for i := 0; i < n; i++ {
		rh.Put(uint64(i*97+1), i)
	}
	for i := 0; i < n; i++ {
		v, ok := rh.Get(uint64(i*97 + 1))
		if !ok || v != i {
			t.Fatalf("key %d: got %v %v", i, v, ok)
		}
	}
	for i := 0; i < n; i += 2 {
		if !rh.Delete(uint64(i*97 + 1)) {
			t.Fatalf("delete %d failed", i)
		}
	}
	for i := 0; i < n; i++ {
		v, ok := rh.Get(uint64(i*97 + 1))
		if i%2 == 0 {
			if ok {
				t.Fatalf("key %d should be deleted, got %v", i, v)
			}
		} else if !ok || v != i {
			t.Fatalf("key %d: got %v %v", i, v, ok)
		}
	}
}
