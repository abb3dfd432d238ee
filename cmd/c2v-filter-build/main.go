// Command c2v-filter-build summarises a container image as a Bloom
// filter membership sketch (spec.md §4.9), grounded on
// original_source/src/v2c-mkfindlayerfilter.c: it layers every layer
// of an OCI archive's native manifest into one effective tree with
// checksums enabled, then writes the tree's filter sketch to a new
// file.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/onkernel/c2v/lib/c2verr"
	"github.com/onkernel/c2v/lib/filter"
	"github.com/onkernel/c2v/lib/logger"
	"github.com/onkernel/c2v/lib/ociarchive"
	"github.com/onkernel/c2v/lib/tree"
)

func main() {
	if err := run(); err != nil {
		slog.Error("c2v-filter-build failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	slog.SetDefault(logger.New(logger.NewConfig()))

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s <oci-archive> <output.filter>\n", os.Args[0])
	}
	flag.Parse()
	args := flag.Args()
	if len(args) != 2 {
		flag.Usage()
		os.Exit(1)
	}
	archivePath, outPath := args[0], args[1]

	if _, err := os.Stat(outPath); err == nil {
		return fmt.Errorf("%s already exists", outPath)
	}

	t, err := buildImageTree(archivePath)
	if err != nil {
		return err
	}
	defer t.Destroy()

	f := filter.BuildFromTree(t)

	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return c2verr.New(c2verr.Environment, "c2v-filter-build.create", err)
	}
	defer out.Close()
	if _, err := out.Write(f.Bytes()); err != nil {
		return c2verr.New(c2verr.Environment, "c2v-filter-build.write", err)
	}
	slog.Info("wrote filter", "path", outPath, "k", f.K, "m", f.M)
	return nil
}

// buildImageTree replays every layer of archivePath's native manifest
// through from_oci_layer/apply_oci_layer with checksums enabled,
// matching v2c-mkfindlayerfilter.c's tree construction.
func buildImageTree(archivePath string) (*tree.Tree, error) {
	r := ociarchive.Open(archivePath)
	idx, err := r.OpenIndex()
	if err != nil {
		return nil, err
	}
	manifestDigest, err := ociarchive.SelectNativeManifestDigest(idx)
	if err != nil {
		return nil, err
	}
	manifest, err := r.OpenManifest(manifestDigest)
	if err != nil {
		return nil, err
	}

	var t *tree.Tree
	flags := tree.Flags{Checksum: true}
	for i, desc := range manifest.Layers {
		compression, ok := ociarchive.CompressionForMediaType(string(desc.MediaType))
		if !ok {
			return nil, c2verr.New(c2verr.Format, "c2v-filter-build.build_tree", c2verr.ErrUnknownMediaType)
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
