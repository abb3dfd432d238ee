package v2cpipeline

import (
	"context"
	"sort"

	"github.com/onkernel/c2v/lib/c2verr"
	"github.com/onkernel/c2v/lib/sandbox"
)

// mountInputDisk implements §4.6's mount policy: detect operating
// systems, use the first typed "linux", mount its mountpoints in
// lexicographic order; if inspection finds nothing, fall back to the
// first non-swap, non-unknown filesystem mounted at "/". It returns
// every guest path it mounted, root first, for later fstab cleanup.
func mountInputDisk(ctx context.Context, fs sandbox.Client, mountDir string) ([]string, error) {
	oses, err := fs.InspectOS(ctx)
	if err != nil {
		return nil, err
	}

	var mountpoints []sandbox.Mountpoint
	for _, o := range oses {
		if o.Type == "linux" {
			mountpoints = o.Mountpoints
			break
		}
	}

	if len(mountpoints) == 0 {
		filesystems, err := fs.ListFilesystems(ctx)
		if err != nil {
			return nil, err
		}
		for _, f := range filesystems {
			if f.Type == "swap" || f.Type == "unknown" {
				continue
			}
			if err := fs.MountRoot(ctx, f.Device, mountDir); err != nil {
				return nil, err
			}
			return []string{"/"}, nil
		}
		return nil, c2verr.New(c2verr.Environment, "v2cpipeline.mount", c2verr.ErrNotDirectory)
	}

	sort.Slice(mountpoints, func(i, j int) bool { return mountpoints[i].Path < mountpoints[j].Path })

	var mounted []string
	for _, mp := range mountpoints {
		if mp.Path == "/" {
			if err := fs.MountRoot(ctx, mp.Device, mountDir); err != nil {
				return nil, err
			}
			mounted = append(mounted, "/")
			continue
		}
		if err := fs.MkdirAll(ctx, mp.Path, 0755); err != nil {
			continue
		}
		if err := fs.Mount(ctx, mp.Device, mp.Path); err != nil {
			continue // "attempt mount" — a secondary mountpoint may legitimately fail
		}
		mounted = append(mounted, mp.Path)
	}
	return mounted, nil
}
