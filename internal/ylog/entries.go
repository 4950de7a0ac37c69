package ylog

import "encoding/binary"

// Field offsets for FILE_WRITE, beyond the shared leading type byte and
// trailing CRC32C, matching original_source/linux/fs/bytefs/log.h's
// bytefs_file_write_entry field-by-field layout as reduced to the subset
// this port actually needs to rebuild the page index (num_pages, block,
// pgoff) plus the byte range it covers (size).
const (
	fwOffNumPages = 4
	fwOffBlock    = 8
	fwOffPgoff    = 16
	fwOffSize     = 32
)

// EncodeFileWrite returns a finalized (checksummed) FILE_WRITE entry
// recording that num_pages pages starting at file page offset pgoff are
// now backed by NVMM blocks starting at block, covering size bytes.
func EncodeFileWrite(pgoff, numPages, block, size uint64) []byte {
	b := make([]byte, FileWriteSize)
	b[0] = byte(FileWrite)
	binary.LittleEndian.PutUint32(b[fwOffNumPages:], uint32(numPages))
	binary.LittleEndian.PutUint64(b[fwOffBlock:], block)
	binary.LittleEndian.PutUint64(b[fwOffPgoff:], pgoff)
	binary.LittleEndian.PutUint64(b[fwOffSize:], size)
	finalizeEntry(b)
	return b
}

// DecodeFileWrite reads back the fields EncodeFileWrite wrote. raw must be
// a FILE_WRITE entry already checksum-verified by Walk.
func DecodeFileWrite(raw []byte) (pgoff, numPages, block, size uint64) {
	numPages = uint64(binary.LittleEndian.Uint32(raw[fwOffNumPages:]))
	block = binary.LittleEndian.Uint64(raw[fwOffBlock:])
	pgoff = binary.LittleEndian.Uint64(raw[fwOffPgoff:])
	size = binary.LittleEndian.Uint64(raw[fwOffSize:])
	return
}

// Field offsets for DIR_LOG, within the dentryHeaderSize header that
// precedes the name bytes.
const (
	dlOffNameLen = 1
	dlOffInvalid = 2
	dlOffIno     = 8
)

// EncodeDirLog returns a finalized DIR_LOG entry for name, pointing at
// ino. invalid marks this record a tombstone superseding any earlier live
// entry for the same name (spec §6: DIR_LOG's invalid field), used for
// unlink and for the old name half of a rename.
func EncodeDirLog(name string, ino uint64, invalid bool) []byte {
	if len(name) > NameMax {
		panic("ylog: name exceeds NameMax")
	}
	b := make([]byte, DirLogSize(len(name)))
	b[0] = byte(DirLog)
	b[dlOffNameLen] = byte(len(name))
	if invalid {
		b[dlOffInvalid] = 1
	}
	binary.LittleEndian.PutUint64(b[dlOffIno:], ino)
	copy(b[dentryHeaderSize:], name)
	finalizeEntry(b)
	return b
}

// DecodeDirLog reads back the fields EncodeDirLog wrote. raw must be a
// DIR_LOG entry already checksum-verified by Walk.
func DecodeDirLog(raw []byte) (name string, ino uint64, invalid bool) {
	nameLen := int(raw[dlOffNameLen])
	invalid = raw[dlOffInvalid] != 0
	ino = binary.LittleEndian.Uint64(raw[dlOffIno:])
	name = string(raw[dentryHeaderSize : dentryHeaderSize+nameLen])
	return
}
