// Package mount wires every bytefs subsystem (PM substrate, superblock,
// block allocator, inode table, log engine, lite journal, directory
// tree, byte/block bridge, emulated FTL, page cache, recovery) into one
// mounted filesystem handle, and owns its two background goroutines: the
// page-cache eviction sweep and a metrics loop. FTL commands and GC run
// synchronously in the caller.
//
// This is the one package in the repo that plays the role of
// GoogleCloudPlatform-gcsfuse's cmd/mount_gcsfuse wiring layer: mount
// option parsing with spf13/pflag, a leveled logger in the style of
// talyz-systemd_exporter's systemd collector, and a Prometheus metrics
// surface, all absent from the teacher (a bare-kernel module with no
// option parser, logger, or metrics registry of its own).
package mount

import (
	"github.com/spf13/pflag"

	"bytefs/internal/errs"
)

// Options are the mount-time flags spec §6 enumerates, parsed by
// spf13/pflag the way gcsfuse's config.go parses its own flag set.
type Options struct {
	DataCow            bool
	DataCsum           bool
	DataParity         bool
	MetadataCsum       bool
	Wprotect           bool
	DramStructCsum     bool
	MountSnapshotEpoch uint64

	// NCPU is the per-CPU fan-out for free lists, inode maps, and lite
	// journals. Must be positive; validate rejects zero.
	NCPU int

	// SizeBytes is the emulated device's total PM-addressable size.
	SizeBytes uint64

	// BackingFile, when non-empty, mmaps a real file so state survives a
	// process restart (crash-recovery testing); empty means an anonymous,
	// volatile region.
	BackingFile string

	// InodeCapacity bounds the dynamically-extended inode table (spec
	// §3 "Inode table"); ReservedInodes carves the reserved range out of
	// it (spec §6 PM layout: "Reserved inodes").
	InodeCapacity uint64
	ReservedInodes uint64

	// EvictionHighWatermark/LowWatermark bound the page cache's resident
	// page count (spec §4.6 "high/low watermark eviction").
	EvictionHighWatermark int
	EvictionLowWatermark  int

	// Geometry sizes the emulated FTL (spec §4.6 "FTL specifics").
	Channels      int
	WaysPerCh     int
	BlocksPerWay  int
	PagesPerBlock int

	// FileAddressStride is the span of logical byte addresses on the
	// emulated SSD reserved per inode (base = ino * FileAddressStride):
	// the FTL/bridge/page-cache stack addresses a flat LPA space
	// unrelated to PM block numbers (spec §1/§4.6 treat PM and the
	// emulated SSD as two distinct address domains), and the FTL's
	// lpn2ppn map is sparse, so a generous per-inode stride costs nothing
	// until pages are actually faulted in.
	FileAddressStride uint64

	// LogVerbosity sets the mount logger's initial level (see log.go).
	LogVerbosity int
}

// DefaultOptions returns the flag defaults ParseOptions starts from. The
// package's own tests start from these and override the sizes for a
// smaller image.
func DefaultOptions() Options {
	return Options{
		MetadataCsum:          true,
		NCPU:                  4,
		SizeBytes:             64 << 20,
		InodeCapacity:         1024,
		ReservedInodes:        32,
		EvictionHighWatermark: 4096,
		EvictionLowWatermark:  2048,
		Channels:              4,
		WaysPerCh:             2,
		BlocksPerWay:          64,
		PagesPerBlock:         64,
		FileAddressStride:     1 << 30,
		LogVerbosity:          int(LevelInfo),
	}
}

// FlagSet returns a pflag.FlagSet bound to opts's fields, the same
// bind-into-struct pattern gcsfuse's config.go uses for its mount flags.
func (opts *Options) FlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("bytefs", pflag.ContinueOnError)
	fs.BoolVar(&opts.DataCow, "data_cow", opts.DataCow, "copy-on-write data overwrites")
	fs.BoolVar(&opts.DataCsum, "data_csum", opts.DataCsum, "per-stripe data checksums")
	fs.BoolVar(&opts.DataParity, "data_parity", opts.DataParity, "per-block data parity")
	fs.BoolVar(&opts.MetadataCsum, "metadata_csum", opts.MetadataCsum, "metadata CRC32C checksums")
	fs.BoolVar(&opts.Wprotect, "wprotect", opts.Wprotect, "PM write-protect unlock windows")
	fs.BoolVar(&opts.DramStructCsum, "dram_struct_csum", opts.DramStructCsum, "checksum DRAM range-node structs")
	fs.Uint64Var(&opts.MountSnapshotEpoch, "mount_snapshot_epoch", opts.MountSnapshotEpoch, "snapshot epoch to mount read-only (unused: snapshots dropped)")
	fs.IntVar(&opts.NCPU, "ncpu", opts.NCPU, "per-CPU fan-out for free lists, inode maps, and journals")
	fs.Uint64Var(&opts.SizeBytes, "size", opts.SizeBytes, "emulated device size in bytes")
	fs.StringVar(&opts.BackingFile, "backing_file", opts.BackingFile, "backing file for the PM region (empty: anonymous/volatile)")
	fs.Uint64Var(&opts.InodeCapacity, "inode_capacity", opts.InodeCapacity, "inode table capacity")
	fs.Uint64Var(&opts.ReservedInodes, "reserved_inodes", opts.ReservedInodes, "reserved inode count")
	fs.IntVar(&opts.EvictionHighWatermark, "evict_high", opts.EvictionHighWatermark, "page cache high watermark")
	fs.IntVar(&opts.EvictionLowWatermark, "evict_low", opts.EvictionLowWatermark, "page cache low watermark")
	fs.IntVar(&opts.Channels, "ftl_channels", opts.Channels, "emulated FTL channel count")
	fs.IntVar(&opts.WaysPerCh, "ftl_ways", opts.WaysPerCh, "emulated FTL ways per channel")
	fs.IntVar(&opts.BlocksPerWay, "ftl_blocks", opts.BlocksPerWay, "emulated FTL blocks per way")
	fs.IntVar(&opts.PagesPerBlock, "ftl_pages", opts.PagesPerBlock, "emulated FTL pages per block")
	fs.Uint64Var(&opts.FileAddressStride, "file_address_stride", opts.FileAddressStride, "per-inode logical address span on the emulated SSD")
	fs.IntVar(&opts.LogVerbosity, "log_verbosity", opts.LogVerbosity, "mount logger verbosity (0=error .. 3=debug)")
	return fs
}

// ParseOptions parses args (e.g. a mount -o-style flag list, already
// tokenized) against DefaultOptions.
func ParseOptions(args []string) (Options, error) {
	opts := DefaultOptions()
	fs := opts.FlagSet()
	if err := fs.Parse(args); err != nil {
		return Options{}, errs.Wrap(err, "mount: parse options")
	}
	return opts, nil
}

func (opts Options) validate() error {
	if opts.NCPU <= 0 {
		return errs.Wrap(errs.Invalid, "mount: ncpu must be positive")
	}
	if opts.ReservedInodes == 0 {
		return errs.Wrap(errs.Invalid, "mount: reserved_inodes must be positive (inode 0 is the filesystem root)")
	}
	if opts.InodeCapacity <= opts.ReservedInodes {
		return errs.Wrap(errs.Invalid, "mount: inode_capacity must exceed reserved_inodes")
	}
	if opts.EvictionLowWatermark > opts.EvictionHighWatermark {
		return errs.Wrap(errs.Invalid, "mount: evict_low must not exceed evict_high")
	}
	if opts.Channels <= 0 || opts.WaysPerCh <= 0 || opts.BlocksPerWay <= 0 || opts.PagesPerBlock <= 0 {
		return errs.Wrap(errs.Invalid, "mount: ftl geometry fields must be positive")
	}
	if opts.FileAddressStride == 0 {
		return errs.Wrap(errs.Invalid, "mount: file_address_stride must be positive")
	}
	return nil
}
