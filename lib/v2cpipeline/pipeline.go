package v2cpipeline

import (
	"context"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/onkernel/c2v/lib/c2verr"
	"github.com/onkernel/c2v/lib/layerwriter"
	"github.com/onkernel/c2v/lib/ociarchive"
	"github.com/onkernel/c2v/lib/paths"
	"github.com/onkernel/c2v/lib/sandbox"
	"github.com/onkernel/c2v/lib/tree"
)

// Run executes the VM -> container pipeline (§4.8) against the disk fs
// is already attached to (or can mount, per the §4.6 policy),
// producing a fresh OCI archive at outPath.
func Run(ctx context.Context, fs sandbox.Client, compression layerwriter.Compression, outPath string, opts Options) error {
	if opts.MountDir == "" {
		opts.MountDir = filepath.Join(paths.TempDir(), "v2c-mnt")
	}

	// Step 1.
	mountedPaths, err := mountInputDisk(ctx, fs, opts.MountDir)
	if err != nil {
		return err
	}
	start := time.Now()

	// Step 2.
	w, err := layerwriter.New(compression, opts.CompressionLevel)
	if err != nil {
		return err
	}
	defer w.Destroy()

	// Step 3.
	for _, mp := range mountedPaths {
		if err := fs.RemoveFstabRule(ctx, mp); err != nil {
			return err
		}
	}

	// Step 4.
	if !opts.DisableUnits {
		disableGuestUnits(ctx, fs)
	}

	// Step 5.
	end := time.Now()

	// Step 6.
	guestTree, err := tree.FromGuest(ctx, fs, tree.Flags{Checksum: opts.Checksum, SkipBtrfsSnapshots: opts.SkipBtrfsSnapshots})
	if err != nil {
		return err
	}
	defer guestTree.Destroy()

	// Step 7.
	if opts.Epoch != nil {
		clampTimestamps(guestTree.Root, start, end, *opts.Epoch)
	}

	// Step 8: optional reuse path.
	var (
		baselineTree  *tree.Tree
		reuseLayers   []ispec.Descriptor
		reuseConfig   ispec.Image
		haveSourceCfg bool
		sourceReader  *ociarchive.Reader
	)
	if opts.SourceArchivePath != "" {
		sourceReader = ociarchive.Open(opts.SourceArchivePath)
		idx, err := sourceReader.OpenIndex()
		if err != nil {
			return err
		}
		manifestDigest, err := ociarchive.SelectNativeManifestDigest(idx)
		if err != nil {
			return err
		}
		manifest, err := sourceReader.OpenManifest(manifestDigest)
		if err != nil {
			return err
		}
		cfgPtr, err := sourceReader.OpenConfig(manifest.Config.Digest)
		if err != nil {
			return err
		}
		reuseConfig = *cfgPtr
		haveSourceCfg = true

		reuseTree, err := buildReuseTree(sourceReader, manifest, tree.Flags{Checksum: opts.Checksum})
		if err != nil {
			return err
		}
		defer reuseTree.Destroy()

		costEmpty, _, err := diffCost(ctx, guestTree, nil)
		if err != nil {
			return err
		}
		costReuse, _, err := diffCost(ctx, guestTree, reuseTree)
		if err != nil {
			return err
		}

		if costReuse < costEmpty {
			baselineTree = reuseTree
			reuseLayers = manifest.Layers
		}
	}

	var baseConfig ispec.Image
	if haveSourceCfg {
		baseConfig = reuseConfig
	}
	finalConfig := assembleConfig(ctx, fs, baseConfig, opts)

	outWriter, err := ociarchive.Create(outPath)
	if err != nil {
		return err
	}

	var layerDescs []ispec.Descriptor
	if baselineTree != nil {
		for _, desc := range reuseLayers {
			if err := copyBlobVerbatim(sourceReader, outWriter, desc); err != nil {
				return err
			}
			layerDescs = append(layerDescs, desc)
		}
	}

	_, _, err = BuildLayer(ctx, Full, w, fs, baselineTree, guestTree)
	if err != nil {
		return err
	}
	result, err := w.Close()
	if err != nil {
		return err
	}
	defer layerwriter.DestroyResult(result)

	blobDigest, blobSize, err := outWriter.PutBlob(ociarchive.BlobFromFile(result.BlobPath, result.BlobSize))
	if err != nil {
		return err
	}
	layerDescs = append(layerDescs, ispec.Descriptor{
		MediaType: result.MediaType,
		Digest:    blobDigest,
		Size:      blobSize,
	})

	finalConfig.RootFS = ispec.RootFS{Type: "layers", DiffIDs: appendDiffIDs(baselineTree != nil, reuseConfig, result.DiffID)}

	configDigest, configSize, err := outWriter.PutBlobJSON(finalConfig)
	if err != nil {
		return err
	}

	manifest := ispec.Manifest{
		Versioned: ispec.Versioned{SchemaVersion: ociarchive.SchemaVersion},
		Config: ispec.Descriptor{
			MediaType: ociarchive.ConfigMediaType,
			Digest:    configDigest,
			Size:      configSize,
		},
		Layers: layerDescs,
	}
	manifestDigest, manifestSize, err := outWriter.PutBlobJSON(manifest)
	if err != nil {
		return err
	}

	return outWriter.Close([]ispec.Descriptor{{
		MediaType: ociarchive.ManifestMediaType,
		Digest:    manifestDigest,
		Size:      manifestSize,
	}})
}

// appendDiffIDs builds the output config's RootFS.DiffIDs: the reused
// source image's own diff IDs (when the reuse path won) followed by
// the single new layer just emitted, or just the new layer alone.
func appendDiffIDs(reused bool, reuseConfig ispec.Image, newDiffID digest.Digest) []digest.Digest {
	if !reused {
		return []digest.Digest{newDiffID}
	}
	return append(append([]digest.Digest{}, reuseConfig.RootFS.DiffIDs...), newDiffID)
}

// clampTimestamps implements §4.8 step 7: for every inode in t whose
// atime, mtime or ctime lies in [start, end], clamp that timestamp to
// epoch (ns=0).
func clampTimestamps(root *tree.Entry, start, end, epoch time.Time) {
	clamped := tree.Timespec{Sec: epoch.Unix()}
	visit(root, func(in *tree.Inode) {
		in.Stat.Atime = clampOne(in.Stat.Atime, start, end, clamped)
		in.Stat.Mtime = clampOne(in.Stat.Mtime, start, end, clamped)
		in.Stat.Ctime = clampOne(in.Stat.Ctime, start, end, clamped)
	})
}

func clampOne(ts tree.Timespec, start, end time.Time, clamped tree.Timespec) tree.Timespec {
	if ts.IsZero() {
		return ts
	}
	t := time.Unix(ts.Sec, ts.Nsec)
	if t.Before(start) || t.After(end) {
		return ts
	}
	return clamped
}

func visit(e *tree.Entry, fn func(*tree.Inode)) {
	fn(e.Inode)
	if e.Inode.Type == tree.Directory {
		for _, c := range e.Inode.Children() {
			visit(c, fn)
		}
	}
}

// buildReuseTree replays every layer of a source manifest through
// apply_oci_layer to reconstruct its effective tree (§4.8 step 8).
func buildReuseTree(r *ociarchive.Reader, manifest *ispec.Manifest, flags tree.Flags) (*tree.Tree, error) {
	var t *tree.Tree
	for i, desc := range manifest.Layers {
		compression, ok := ociarchive.CompressionForMediaType(string(desc.MediaType))
		if !ok {
			return nil, c2verr.New(c2verr.Format, "v2cpipeline.build_reuse_tree", c2verr.ErrUnknownMediaType)
		}
		ls, err := r.OpenLayer(desc.Digest, compression)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			t, err = tree.FromOCILayer(ls, flags)
		} else {
			err = tree.ApplyOCILayer(t, ls, flags)
		}
		ls.Close()
		if err != nil {
			if t != nil {
				t.Destroy()
			}
			return nil, err
		}
	}
	if t == nil {
		t = tree.NewTree(tree.Stat{Mode: 0o755 | 0o040000})
	}
	return t, nil
}

// diffCost runs build_layer in DryRun mode and returns its estimated
// byte cost plus whether any difference was found.
func diffCost(ctx context.Context, guestTree, baseline *tree.Tree) (int64, bool, error) {
	return BuildLayer(ctx, DryRun, nil, nil, baseline, guestTree)
}

// copyBlobVerbatim streams a source archive's blob into outWriter
// unmodified, for the reuse path's "copy existing layers verbatim"
// step.
func copyBlobVerbatim(src *ociarchive.Reader, dst *ociarchive.Writer, desc ispec.Descriptor) error {
	r, err := src.OpenBlob(desc.Digest)
	if err != nil {
		return err
	}
	defer r.Close()
	_, _, err = dst.PutBlob(ociarchive.BlobFromReader(r, desc.Size))
	return err
}
