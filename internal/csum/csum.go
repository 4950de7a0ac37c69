// Package csum computes the CRC32C checksums used throughout bytefs'
// on-PM metadata: inodes, log entries, range nodes, the superblock, and
// data stripes.
//
// The real hardware path uses a CRC32C instruction; that intrinsic is an
// out-of-scope collaborator (spec §1). hash/crc32's Castagnoli table is the
// standard software equivalent of the same polynomial and initial value, so
// it is used directly rather than hand-rolling a table — see DESIGN.md.
package csum

import "hash/crc32"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Of returns the CRC32C of b.
func Of(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}

// Verify reports whether b's trailing 4 bytes (little-endian) match the
// CRC32C of b[:len(b)-4].
func Verify(b []byte) bool {
	if len(b) < 4 {
		return false
	}
	want := le32(b[len(b)-4:])
	got := Of(b[:len(b)-4])
	return want == got
}

// Stripe is a 512 B protection unit (spec §4.5); ShiftBytes and Size are
// derived from BYTEFS_STRIPE_SHIFT.
const (
	ShiftBytes = 9
	Size       = 1 << ShiftBytes
)

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// PutLE32 writes v little-endian into b[:4].
func PutLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
