// Package layerwriter implements the layer writer (§4.4): a pax tar
// stream with xattrs, hardlink resolution, and a choice of zstd/gzip/
// none compression, tracked against temporary files so both the
// uncompressed diff-id and the compressed blob digest are available
// on Close. Grounded on lib/volumes/archive.go for tar-writing
// hygiene (explicit mode/header construction) and on
// tych0-octoci/main.go's klauspost/pgzip choice for the gzip path.
// Temp-file lifecycle (os.CreateTemp, unlinked by Destroy and
// DestroyResult rather than by Close) follows
// lib/images/disk.go's os.Create/os.MkdirAll pattern for output
// paths.
package layerwriter

import (
	"archive/tar"
	"crypto/sha256"
	"hash"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/opencontainers/go-digest"

	"github.com/onkernel/c2v/lib/c2verr"
	"github.com/onkernel/c2v/lib/paths"
)

// Compression selects the codec applied to the finished tar stream.
type Compression int

const (
	None Compression = iota
	Gzip
	Zstd
)

// Result is the outcome of closing a Writer: the diff-id (sha256 of
// the uncompressed tar bytes), the compressed blob's path, digest and
// size.
type Result struct {
	DiffID       digest.Digest
	BlobPath     string
	BlobDigest   digest.Digest
	BlobSize     int64
	MediaType    string
}

// Writer accumulates directory-entry writes into a pax-restricted tar
// stream on a temp file, then compresses on Close.
type Writer struct {
	compression Compression
	level       int

	tmpPath string
	tmpFile *os.File
	tw      *tar.Writer
	diffSum hash.Hash

	// seenInodes tracks inode numbers already emitted so a second
	// reference to the same inode is written as a tar hardlink rather
	// than duplicating file content.
	seenInodes map[uint64]string
}

// New creates a Writer that spools its pax tar stream to a fresh temp
// file under paths.TempDir(), compressing with c at the given level
// on Close (level is codec-specific; 0 means "default").
func New(c Compression, level int) (*Writer, error) {
	f, err := os.CreateTemp(paths.TempDir(), "c2v-layer-*.tar")
	if err != nil {
		return nil, c2verr.New(c2verr.Environment, "layerwriter.new", err)
	}

	sum := sha256.New()
	return &Writer{
		compression: c,
		level:       level,
		tmpPath:     f.Name(),
		tmpFile:     f,
		tw:          tar.NewWriter(io.MultiWriter(f, sum)),
		diffSum:     sum,
		seenInodes:  make(map[uint64]string),
	}, nil
}

// WriteHeader writes a single tar entry header, using ino as the
// inode identity for hardlink resolution: if ino has already been
// seen under a different path, this entry is rewritten as a
// tar.TypeLink pointing at that earlier path rather than emitting the
// body again. nlink is the inode's total link count; when it is 1, no
// resolver bookkeeping is needed.
func (w *Writer) WriteHeader(hdr *tar.Header, ino uint64, nlink int) (skipBody bool, err error) {
	if nlink > 1 && ino != 0 {
		if first, ok := w.seenInodes[ino]; ok && first != hdr.Name {
			link := *hdr
			link.Typeflag = tar.TypeLink
			link.Linkname = first
			link.Size = 0
			if err := w.tw.WriteHeader(&link); err != nil {
				return false, c2verr.New(c2verr.Environment, "layerwriter.write_header", err)
			}
			return true, nil
		}
		w.seenInodes[ino] = hdr.Name
	}

	hdr.Format = tar.FormatPAX
	if err := w.tw.WriteHeader(hdr); err != nil {
		return false, c2verr.New(c2verr.Environment, "layerwriter.write_header", err)
	}
	return false, nil
}

// Write writes file body bytes for the most recently written header.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.tw.Write(p)
	if err != nil {
		return n, c2verr.New(c2verr.Environment, "layerwriter.write", err)
	}
	return n, nil
}

// WhiteoutName formats a whiteout entry name for a child under a
// directory path, used by callers in lib/v2cpipeline emitting
// diff-derived whiteouts.
func WhiteoutName(dir, child string) string {
	if dir == "" || dir == "/" {
		return ".wh." + child
	}
	return dir + "/.wh." + child
}

// OpaqueWhiteoutName formats the opaque-whiteout entry name for dir.
func OpaqueWhiteoutName(dir string) string {
	if dir == "" || dir == "/" {
		return ".wh..wh..opq"
	}
	return dir + "/.wh..wh..opq"
}

// Close finalizes the tar stream, computes the diff-id, compresses
// (unless compression is None, in which case the uncompressed temp
// file is the blob itself) and computes the compressed digest.
// Temporary files are left for Destroy to remove.
func (w *Writer) Close() (*Result, error) {
	if err := w.tw.Close(); err != nil {
		return nil, c2verr.New(c2verr.Environment, "layerwriter.close", err)
	}
	diffID := digest.NewDigestFromBytes(digest.SHA256, w.diffSum.Sum(nil))

	if err := w.tmpFile.Close(); err != nil {
		return nil, c2verr.New(c2verr.Environment, "layerwriter.close", err)
	}

	if w.compression == None {
		size, sum, err := hashFile(w.tmpPath)
		if err != nil {
			return nil, err
		}
		return &Result{
			DiffID:     diffID,
			BlobPath:   w.tmpPath,
			BlobDigest: sum,
			BlobSize:   size,
			MediaType:  mediaTypeForCompression(None),
		}, nil
	}

	compressedPath, err := w.compress()
	if err != nil {
		return nil, err
	}
	size, sum, err := hashFile(compressedPath)
	if err != nil {
		return nil, err
	}
	return &Result{
		DiffID:     diffID,
		BlobPath:   compressedPath,
		BlobDigest: sum,
		BlobSize:   size,
		MediaType:  mediaTypeForCompression(w.compression),
	}, nil
}

func (w *Writer) compress() (string, error) {
	src, err := os.Open(w.tmpPath)
	if err != nil {
		return "", c2verr.New(c2verr.Environment, "layerwriter.compress", err)
	}
	defer src.Close()

	out, err := os.CreateTemp(paths.TempDir(), "c2v-layer-*.compressed")
	if err != nil {
		return "", c2verr.New(c2verr.Environment, "layerwriter.compress", err)
	}
	defer out.Close()

	switch w.compression {
	case Gzip:
		gw, gzErr := newPgzipWriter(out, w.level)
		if gzErr != nil {
			return "", gzErr
		}
		if _, err := io.Copy(gw, src); err != nil {
			return "", c2verr.New(c2verr.Environment, "layerwriter.compress", err)
		}
		if err := gw.Close(); err != nil {
			return "", c2verr.New(c2verr.Environment, "layerwriter.compress", err)
		}
	case Zstd:
		zw, zErr := newZstdWriter(out, w.level)
		if zErr != nil {
			return "", zErr
		}
		if _, err := io.Copy(zw, src); err != nil {
			return "", c2verr.New(c2verr.Environment, "layerwriter.compress", err)
		}
		if err := zw.Close(); err != nil {
			return "", c2verr.New(c2verr.Environment, "layerwriter.compress", err)
		}
	}
	return out.Name(), nil
}

func newPgzipWriter(w io.Writer, level int) (*pgzip.Writer, error) {
	if level == 0 {
		level = pgzip.DefaultCompression
	}
	gw, err := pgzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, c2verr.New(c2verr.Environment, "layerwriter.gzip", err)
	}
	return gw, nil
}

func newZstdWriter(w io.Writer, level int) (*zstd.Encoder, error) {
	opts := []zstd.EOption{}
	if level > 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}
	zw, err := zstd.NewWriter(w, opts...)
	if err != nil {
		return nil, c2verr.New(c2verr.Environment, "layerwriter.zstd", err)
	}
	return zw, nil
}

func mediaTypeForCompression(c Compression) string {
	switch c {
	case Gzip:
		return "application/vnd.oci.image.layer.v1.tar+gzip"
	case Zstd:
		return "application/vnd.oci.image.layer.v1.tar+zstd"
	default:
		return "application/vnd.oci.image.layer.v1.tar"
	}
}

func hashFile(path string) (int64, digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", c2verr.New(c2verr.Environment, "layerwriter.hash", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", c2verr.New(c2verr.Environment, "layerwriter.hash", err)
	}
	return n, digest.NewDigestFromBytes(digest.SHA256, h.Sum(nil)), nil
}

// Destroy unlinks the writer's uncompressed temp file, which is also
// the blob when compression is None. A compressed blob file written by
// Close is not removed here; DestroyResult removes it. Safe to call on
// a writer that failed before Close.
func (w *Writer) Destroy() {
	if w.tmpPath != "" {
		os.Remove(w.tmpPath)
	}
}

// DestroyResult unlinks the blob file referenced by a Result,
// e.g. after a failed pipeline aborts post-Close.
func DestroyResult(r *Result) {
	if r != nil && r.BlobPath != "" {
		os.Remove(r.BlobPath)
	}
}
