// Command c2v-find-container resolves a VM disk to the single
// best-matching source image reference, printing it alone on stdout
// for machine consumption. It is a thin wrapper over the same matching
// logic cmd/c2v-filter-match reports in full, grounded directly on
// original_source/src/v2c-findcontainer.c's --best-only path.
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
		slog.Error("c2v-find-container failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	slog.SetDefault(logger.New(logger.NewConfig()))

	var (
		dataDir            string
		keepBtrfsSnapshots bool
		mountDir           string
	)
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
		mountDir, err = os.MkdirTemp("", "c2v-find-container-mnt-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(mountDir)
	}

	hostRoot, err := os.MkdirTemp("", "c2v-find-container-root-*")
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
	if len(candidates) == 0 {
		return fmt.Errorf("no filters found under %s", dataDir)
	}
	fmt.Println(candidates[0].ImageRef)
	return nil
}

// mountDisk mirrors cmd/c2v-filter-match's mount policy: prefer an
// inspected Linux OS's root mountpoint, else the first non-swap,
// non-unknown filesystem.
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
