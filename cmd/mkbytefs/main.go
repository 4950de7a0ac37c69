// Command mkbytefs formats a new bytefs image: it builds a backing file
// of the requested size, lays out every fixed PM region (superblocks,
// lite journals, inode tables, checkpoint slot) via internal/mount, and
// cleanly unmounts so the resulting image mounts through the normal
// checkpoint-restore path on first use.
//
// Grounded on biscuit's mkfs/mkfs.go: a small flag-driven
// host command that builds a fresh filesystem image file and exits,
// generalized from biscuit's ufs.BootFS + fixed nlogblks/ninodeblks/
// ndatablks constants to bytefs's mount.Options-driven layout.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bytefs/internal/mount"
)

func main() {
	opts := mount.DefaultOptions()

	cmd := &cobra.Command{
		Use:   "mkbytefs IMAGE",
		Short: "Format a new bytefs image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.BackingFile = args[0]

			fs, err := mount.Mount(context.Background(), opts, nil, nil)
			if err != nil {
				return fmt.Errorf("format: %w", err)
			}
			if err := fs.Unmount(); err != nil {
				return fmt.Errorf("format: finalize: %w", err)
			}
			fmt.Printf("formatted %s: %d bytes, %d CPUs, %d inode slots\n", args[0], opts.SizeBytes, opts.NCPU, opts.InodeCapacity)
			return nil
		},
	}
	cmd.Flags().AddFlagSet(opts.FlagSet())
	// BackingFile is positional here (IMAGE), not a flag; hide the flag
	// variant FlagSet() also defines so --backing_file doesn't shadow it.
	cmd.Flags().MarkHidden("backing_file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
