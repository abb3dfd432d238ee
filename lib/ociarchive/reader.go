// Package ociarchive implements the OCI archive reader (§4.2) and
// writer (§4.3): parsing index.json/manifest/config documents out of
// a tar-layout OCI archive, selecting the native-platform manifest,
// and iterating layer blobs; and, symmetrically, emitting a fresh
// archive of that same shape. Grounded on tych0-octoci/main.go's use
// of ispec "github.com/opencontainers/image-spec/specs-go/v1" and
// "github.com/opencontainers/go-digest" for the same index/manifest/
// config/descriptor shapes, and on lib/registry/registry.go's
// go-containerregistry media-type constants (see mediatype.go).
package ociarchive

import (
	"fmt"
	"runtime"

	"github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/onkernel/c2v/lib/archivestream"
	"github.com/onkernel/c2v/lib/c2verr"
)

// nativeArchTable maps the build-time GOARCH to the OCI architecture
// string, per spec.md §9's "native architecture table" design note.
// A handful of common targets are covered; runtime override is not
// required by the current CLI.
var nativeArchTable = map[string]string{
	"amd64":   "amd64",
	"arm64":   "arm64",
	"386":     "386",
	"arm":     "arm",
	"ppc64":   "ppc64",
	"ppc64le": "ppc64le",
	"riscv64": "riscv64",
	"s390x":   "s390x",
}

// NativePlatform returns the build's native {architecture, os} pair.
func NativePlatform() (arch, os string) {
	if a, ok := nativeArchTable[runtime.GOARCH]; ok {
		return a, "linux"
	}
	return runtime.GOARCH, "linux"
}

// Reader reads an OCI archive from a single local file.
type Reader struct {
	path string
}

// Open prepares a Reader over an OCI archive tar file. It does not
// itself validate the file; OpenIndex does.
func Open(path string) *Reader {
	return &Reader{path: path}
}

// blobEntryName returns the tar entry name for a digest's blob.
func blobEntryName(d digest.Digest) string {
	return fmt.Sprintf("blobs/%s/%s", d.Algorithm(), d.Hex())
}

// OpenIndex parses index.json, failing if schemaVersion != 2.
func (r *Reader) OpenIndex() (*ispec.Index, error) {
	var idx ispec.Index
	if err := archivestream.ReadJSON(r.path, "index.json", &idx); err != nil {
		return nil, err
	}
	if idx.SchemaVersion != SchemaVersion {
		return nil, c2verr.New(c2verr.Format, "ociarchive.open_index", c2verr.ErrUnsupportedSchema)
	}
	return &idx, nil
}

// SelectNativeManifestDigest iterates an index's manifest descriptors
// and returns the digest of the first whose mediaType is the OCI
// image manifest type and whose platform (if any) matches the native
// {architecture, os} pair, per §4.2.
func SelectNativeManifestDigest(idx *ispec.Index) (digest.Digest, error) {
	wantArch, wantOS := NativePlatform()
	for _, desc := range idx.Manifests {
		if string(desc.MediaType) != ManifestMediaType {
			continue
		}
		if desc.Platform == nil {
			return desc.Digest, nil
		}
		if desc.Platform.Architecture == wantArch && desc.Platform.OS == wantOS {
			return desc.Digest, nil
		}
	}
	return "", c2verr.New(c2verr.Format, "ociarchive.select_native_manifest", c2verr.ErrNoNativeManifest)
}

// OpenManifest parses the manifest blob at digest d.
func (r *Reader) OpenManifest(d digest.Digest) (*ispec.Manifest, error) {
	var m ispec.Manifest
	if err := archivestream.ReadJSON(r.path, blobEntryName(d), &m); err != nil {
		return nil, err
	}
	if m.SchemaVersion != SchemaVersion {
		return nil, c2verr.New(c2verr.Format, "ociarchive.open_manifest", c2verr.ErrUnsupportedSchema)
	}
	return &m, nil
}

// OpenConfig parses the config blob at digest d.
func (r *Reader) OpenConfig(d digest.Digest) (*ispec.Image, error) {
	var cfg ispec.Image
	if err := archivestream.ReadJSON(r.path, blobEntryName(d), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LayerStream is an open handle onto one layer blob's tar entries,
// the blob's bytes being a (possibly compressed) tar stream nested
// inside the outer OCI archive's own (uncompressed) tar layout.
type LayerStream struct {
	*archivestream.TarStream
	Compression Compression
	Digest      digest.Digest
}

// OpenLayer seeks to the blob named by d and returns an iterable tar
// stream. compression is recovered by the caller from the manifest's
// layer mediaType via CompressionForMediaType.
func (r *Reader) OpenLayer(d digest.Digest, compression Compression) (*LayerStream, error) {
	sc := toStreamCompression(compression)
	ts, err := archivestream.OpenTarStream(r.path, blobEntryName(d), sc)
	if err != nil {
		return nil, err
	}
	return &LayerStream{TarStream: ts, Compression: compression, Digest: d}, nil
}

func toStreamCompression(c Compression) archivestream.Compression {
	switch c {
	case CompressionGzip:
		return archivestream.Gzip
	case CompressionZstd:
		return archivestream.Zstd
	default:
		return archivestream.None
	}
}

// Rewind reopens the layer's underlying archive and repositions
// to the start of its tar entries, for the two-pass (whiteout, then
// data) apply algorithm in lib/tree.
func (ls *LayerStream) Rewind() error {
	return ls.TarStream.Rewind()
}

// OpenBlob opens a blob's raw (possibly compressed) bytes exactly as
// they sit in the archive, for verbatim reuse of an unmodified layer
// in lib/v2cpipeline's reuse path — no decompression, unlike OpenLayer.
func (r *Reader) OpenBlob(d digest.Digest) (*archivestream.EntryReader, error) {
	return archivestream.OpenEntry(r.path, blobEntryName(d))
}
