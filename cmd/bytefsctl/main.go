// Command bytefsctl exposes spec §6's control surface (print timing,
// clear stats, print log, print log pages, print free lists) as cobra
// subcommands against a mounted bytefs image, the CLI-layer analogue of
// gcsfuse's cmd package (a cobra root command plus leaf subcommands,
// here dispatching onto internal/mount.FS.Ioctl instead of a FUSE mount
// loop).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bytefs/internal/mount"
	"bytefs/internal/vfsops"
)

var (
	imagePath string
	inoFlag   uint64
)

func withMountedImage(fn func(fs *mount.FS) error) error {
	opts := mount.DefaultOptions()
	opts.BackingFile = imagePath
	fs, err := mount.Mount(context.Background(), opts, nil, nil)
	if err != nil {
		return fmt.Errorf("mount %s: %w", imagePath, err)
	}
	defer fs.Unmount()
	return fn(fs)
}

func ioctlCommand(name, short string, op vfsops.Opcode) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMountedImage(func(fs *mount.FS) error {
				out, err := fs.Ioctl(inoFlag, op, nil)
				if err != nil {
					return err
				}
				os.Stdout.Write(out)
				return nil
			})
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:   "bytefsctl",
		Short: "Inspect and control a mounted bytefs image",
	}
	root.PersistentFlags().StringVar(&imagePath, "image", "", "path to the bytefs backing image")
	root.PersistentFlags().Uint64Var(&inoFlag, "ino", 0, "inode number (for per-inode control opcodes)")
	root.MarkPersistentFlagRequired("image")

	root.AddCommand(
		ioctlCommand("print-free-lists", "Print per-CPU free block counts", vfsops.OpPrintFreeLists),
		ioctlCommand("print-log", "Print a summary of one inode's log", vfsops.OpPrintLog),
		ioctlCommand("print-log-pages", "Print every page in one inode's log chain", vfsops.OpPrintLogPages),
		ioctlCommand("print-timing", "Print collected timing stats", vfsops.OpPrintTiming),
		ioctlCommand("clear-stats", "Reset collected statistics", vfsops.OpClearStats),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
