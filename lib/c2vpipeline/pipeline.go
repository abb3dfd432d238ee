package c2vpipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/onkernel/c2v/lib/c2verr"
	"github.com/onkernel/c2v/lib/ociarchive"
	"github.com/onkernel/c2v/lib/paths"
	"github.com/onkernel/c2v/lib/sandbox"
	"github.com/onkernel/c2v/lib/tree"
)

// Options configures one Run invocation, carrying the CLI overrides
// §4.7 step 7 allows. A nil override pointer means "use the config's
// value unchanged"; EnvOverride is always appended after the config's
// own env list rather than replacing it.
type Options struct {
	MountDir           string
	Epoch              *time.Time
	EnvOverride        []string
	WorkdirOverride    *string
	UidGidOverride     *string
	EntrypointOverride *[]string
	CmdOverride        *[]string

	// MinDiskSize, when larger than the size §4.7 step 3 computes
	// (max(2x estimate, 114,294,784 bytes)), is used as the disk size
	// instead, letting callers pre-size a disk they know will need to
	// hold more than 2x the estimated layer content (e.g. because the
	// workload writes large files at runtime). A smaller value has no
	// effect; it never lowers the 114,294,784-byte floor.
	MinDiskSize int64
}

const (
	c2vDirMode    = 0o500
	initPathAbs   = "/.c2v/init"
	basePathAbs   = "/.c2v/layers/base"
	layersDirAbs  = "/.c2v/layers"
)

// Run executes the container -> VM pipeline (§4.7) against archivePath,
// creating and populating a qcow2/btrfs disk at diskPath through fs.
func Run(ctx context.Context, fs sandbox.Client, archivePath, diskPath string, opts Options) error {
	if opts.MountDir == "" {
		opts.MountDir = filepath.Join(paths.TempDir(), "c2v-mnt")
	}

	r := ociarchive.Open(archivePath)

	idx, err := r.OpenIndex()
	if err != nil {
		return err
	}
	manifestDigest, err := ociarchive.SelectNativeManifestDigest(idx)
	if err != nil {
		return err
	}
	manifest, err := r.OpenManifest(manifestDigest)
	if err != nil {
		return err
	}
	config, err := r.OpenConfig(manifest.Config.Digest)
	if err != nil {
		return err
	}

	// Step 2: build a standalone tree per layer, for disk-usage
	// estimation and for the per-layer directory-mtime restore pass.
	layerTrees := make([]*tree.Tree, len(manifest.Layers))
	var totalEstimate int64
	for i, desc := range manifest.Layers {
		compression, ok := ociarchive.CompressionForMediaType(string(desc.MediaType))
		if !ok {
			return c2verr.New(c2verr.Format, "c2vpipeline.run", c2verr.ErrUnknownMediaType)
		}
		ls, err := r.OpenLayer(desc.Digest, compression)
		if err != nil {
			return err
		}
		t, err := tree.FromOCILayer(ls, tree.Flags{})
		ls.Close()
		if err != nil {
			return err
		}
		layerTrees[i] = t
		totalEstimate += EstimateDiskUsage(t)
	}
	defer func() {
		for _, t := range layerTrees {
			if t != nil {
				t.Destroy()
			}
		}
	}()

	// Step 3: size and create the disk.
	size := DiskSize(totalEstimate)
	if opts.MinDiskSize > size {
		size = opts.MinDiskSize
	}
	if err := fs.CreateQcow2(ctx, diskPath, size); err != nil {
		return err
	}
	if err := fs.FormatBtrfs(ctx, diskPath); err != nil {
		return err
	}
	if err := fs.MountRoot(ctx, diskPath, opts.MountDir); err != nil {
		return err
	}

	// Step 4.
	if _, err := fs.Umask(ctx, 0); err != nil {
		return err
	}
	if err := fs.MkdirAll(ctx, "/.c2v", c2vDirMode); err != nil {
		return err
	}
	if err := fs.MkdirAll(ctx, layersDirAbs, c2vDirMode); err != nil {
		return err
	}
	if err := resetEpoch(ctx, fs, opts.Epoch, "/", "/.c2v", layersDirAbs); err != nil {
		return err
	}

	// Step 5.
	if err := fs.BtrfsSnapshot(ctx, "/", basePathAbs, true); err != nil {
		return err
	}
	if err := resetEpoch(ctx, fs, opts.Epoch, "/", "/.c2v", layersDirAbs); err != nil {
		return err
	}

	// Step 6.
	for i, desc := range manifest.Layers {
		compression, _ := ociarchive.CompressionForMediaType(string(desc.MediaType))
		wls, err := r.OpenLayer(desc.Digest, compression)
		if err != nil {
			return err
		}
		if err := whiteoutPass(ctx, fs, wls); err != nil {
			wls.Close()
			return err
		}
		wls.Close()

		dls, err := r.OpenLayer(desc.Digest, compression)
		if err != nil {
			return err
		}
		err = dataPass(ctx, fs, dls)
		dls.Close()
		if err != nil {
			return err
		}

		if err := restoreDirMtimes(ctx, fs, layerTrees[i]); err != nil {
			return err
		}

		layerPath := fmt.Sprintf("%s/%s", layersDirAbs, desc.Digest.Encoded())
		if err := fs.BtrfsSnapshot(ctx, "/", layerPath, true); err != nil {
			return err
		}
		if err := resetEpoch(ctx, fs, opts.Epoch, "/", "/.c2v", layersDirAbs); err != nil {
			return err
		}
	}

	// Step 7.
	if err := writeInit(ctx, fs, config, opts); err != nil {
		return err
	}

	// Step 8.
	if err := fs.UmountAll(ctx); err != nil {
		return err
	}
	if err := fs.Shutdown(ctx); err != nil {
		return err
	}
	return fs.Close()
}

// resetEpoch sets atime/mtime on each path to the reproducible epoch,
// a no-op when epoch is nil (§4.7 steps 4/5/6d).
func resetEpoch(ctx context.Context, fs sandbox.Client, epoch *time.Time, paths ...string) error {
	if epoch == nil {
		return nil
	}
	ts := sandbox.Timespec{Sec: epoch.Unix()}
	for _, p := range paths {
		if err := fs.Utimens(ctx, p, ts, ts); err != nil {
			return err
		}
	}
	return nil
}

// restoreDirMtimes walks a layer's standalone tree and restores every
// directory's mtime bottom-up, undoing the clobbering the data pass's
// content operations cause on their parent directories (§4.7 step 6c).
func restoreDirMtimes(ctx context.Context, fs sandbox.Client, t *tree.Tree) error {
	return restoreDirMtimesAt(ctx, fs, t.Root.Inode, "/")
}

func restoreDirMtimesAt(ctx context.Context, fs sandbox.Client, in *tree.Inode, path string) error {
	if in.Type != tree.Directory {
		return nil
	}
	for _, e := range in.Children() {
		childPath := path
		if path == "/" {
			childPath = "/" + e.Name
		} else {
			childPath = path + "/" + e.Name
		}
		if err := restoreDirMtimesAt(ctx, fs, e.Inode, childPath); err != nil {
			return err
		}
	}
	at := sandbox.Timespec{Sec: in.Stat.Atime.Sec, Nsec: in.Stat.Atime.Nsec}
	mt := sandbox.Timespec{Sec: in.Stat.Mtime.Sec, Nsec: in.Stat.Mtime.Nsec}
	return fs.Utimens(ctx, path, at, mt)
}
