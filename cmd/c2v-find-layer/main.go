// Command c2v-find-layer reports which layer of an OCI archive last
// wrote (or whited out) a given path, by scanning each layer's tar
// entries in manifest order without building a full merged tree — a
// diagnostic for operators debugging filter-based layer reuse
// decisions.
package main

import (
	"archive/tar"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/onkernel/c2v/lib/logger"
	"github.com/onkernel/c2v/lib/ociarchive"
	"github.com/onkernel/c2v/lib/tree"
)

func main() {
	if err := run(); err != nil {
		slog.Error("c2v-find-layer failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	slog.SetDefault(logger.New(logger.NewConfig()))

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s <oci-archive> <path>\n", os.Args[0])
	}
	flag.Parse()
	args := flag.Args()
	if len(args) != 2 {
		flag.Usage()
		os.Exit(1)
	}
	archivePath, target := args[0], tree.NormalizeTarName(args[1])

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

	var (
		lastDigest string
		lastAction string
	)
	for _, desc := range manifest.Layers {
		compression, ok := ociarchive.CompressionForMediaType(string(desc.MediaType))
		if !ok {
			return fmt.Errorf("layer %s: unknown media type %s", desc.Digest, desc.MediaType)
		}
		ls, err := r.OpenLayer(desc.Digest, compression)
		if err != nil {
			return err
		}
		action, touched, err := scanLayer(ls, target)
		ls.Close()
		if err != nil {
			return err
		}
		if touched {
			lastDigest = desc.Digest.String()
			lastAction = action
		}
	}

	if lastDigest == "" {
		fmt.Printf("%s: not found in any layer\n", target)
		return nil
	}
	fmt.Printf("%s: %s (%s)\n", target, lastDigest, lastAction)
	return nil
}

// scanLayer reports whether the layer's tar entries touch target,
// either by writing it directly or by whiting it out (a plain
// whiteout targets its sibling; an opaque whiteout targets every
// sibling under its directory, including target if target's parent
// matches).
func scanLayer(ls *ociarchive.LayerStream, target string) (action string, touched bool, err error) {
	for {
		hdr, err := ls.Next()
		if err == io.EOF {
			return action, touched, nil
		}
		if err != nil {
			return "", false, err
		}
		if hit, act := matches(hdr, target); hit {
			action, touched = act, true
		}
	}
}

func matches(hdr *tar.Header, target string) (hit bool, action string) {
	name := tree.NormalizeTarName(hdr.Name)
	dir, base := splitDirBase(name)
	if tree.IsOpaqueWhiteout(base) {
		if dir == parentDir(target) {
			return true, "whited out by opaque whiteout"
		}
		return false, ""
	}
	if tree.IsWhiteout(base) {
		whited := joinDirBase(dir, tree.WhiteoutTarget(base))
		if whited == target {
			return true, "whited out"
		}
		return false, ""
	}
	if name == target {
		return true, "written"
	}
	return false, ""
}

func splitDirBase(name string) (dir, base string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[:i], name[i+1:]
		}
	}
	return "", name
}

func joinDirBase(dir, base string) string {
	if dir == "" {
		return base
	}
	return dir + "/" + base
}

func parentDir(path string) string {
	dir, _ := splitDirBase(path)
	return dir
}
