// Command c2v-filter-match scores a VM disk's guest tree against every
// "*.filter" sketch in a data directory and reports which source
// images the disk most resembles (spec.md §4.9), grounded on
// original_source/src/v2c-findcontainer.c's matcher loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/onkernel/c2v/lib/filter"
	"github.com/onkernel/c2v/lib/logger"
	"github.com/onkernel/c2v/lib/sandbox"
	"github.com/onkernel/c2v/lib/tree"
)

func main() {
	if err := run(); err != nil {
		slog.Error("c2v-filter-match failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	slog.SetDefault(logger.New(logger.NewConfig()))

	var (
		bestOnly           bool
		dataDir            string
		keepBtrfsSnapshots bool
		mountDir           string
	)
	flag.BoolVar(&bestOnly, "best-only", false, "print only the single highest-scoring image reference")
	flag.StringVar(&dataDir, "data", ".", "directory to search for *.filter files")
	flag.BoolVar(&keepBtrfsSnapshots, "keep-btrfs-snapshots", false, "descend into btrfs subvolume snapshots already seen by UUID")
	flag.StringVar(&mountDir, "mount-dir", "", "host directory to mount the disk at")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] <disk.qcow2>\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		flag.Usage()
		os.Exit(1)
	}
	diskPath := args[0]

	if mountDir == "" {
		var err error
		mountDir, err = os.MkdirTemp("", "c2v-filter-match-mnt-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(mountDir)
	}

	hostRoot, err := os.MkdirTemp("", "c2v-filter-match-root-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(hostRoot)

	fs := sandbox.NewLocal(hostRoot)
	fs.UseDevice(diskPath)
	ctx := context.Background()

	if err := mountDisk(ctx, fs, mountDir); err != nil {
		return err
	}
	defer fs.UmountAll(ctx)

	t, err := tree.FromGuest(ctx, fs, tree.Flags{Checksum: true, SkipBtrfsSnapshots: !keepBtrfsSnapshots})
	if err != nil {
		return err
	}
	defer t.Destroy()

	dataDir, err = filepath.Abs(dataDir)
	if err != nil {
		return err
	}
	candidates, err := filter.Discover(t, dataDir)
	if err != nil {
		return err
	}

	if bestOnly {
		if len(candidates) == 0 {
			return fmt.Errorf("no filters found under %s", dataDir)
		}
		fmt.Println(candidates[0].ImageRef)
		return nil
	}
	for _, c := range candidates {
		fmt.Printf("%s: %d\n", c.ImageRef, c.Score)
	}
	return nil
}

// mountDisk mounts diskPath's root filesystem using the same
// inspect-then-fall-back-to-first-filesystem policy lib/v2cpipeline's
// mountInputDisk applies, reimplemented here since that helper is
// unexported across package boundaries.
func mountDisk(ctx context.Context, fs sandbox.Client, mountDir string) error {
	oses, err := fs.InspectOS(ctx)
	if err != nil {
		return err
	}
	for _, o := range oses {
		if o.Type != "linux" {
			continue
		}
		for _, mp := range o.Mountpoints {
			if mp.Path == "/" {
				return fs.MountRoot(ctx, mp.Device, mountDir)
			}
		}
	}
	filesystems, err := fs.ListFilesystems(ctx)
	if err != nil {
		return err
	}
	for _, f := range filesystems {
		if f.Type == "swap" || f.Type == "unknown" {
			continue
		}
		return fs.MountRoot(ctx, f.Device, mountDir)
	}
	return fmt.Errorf("no mountable root filesystem found on disk")
}
