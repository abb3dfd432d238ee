package ociarchive

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/onkernel/c2v/lib/c2verr"
)

// Writer builds an OCI archive tar file on disk (§4.3). On
// construction it writes oci-layout and the (initially empty) blobs/
// and blobs/sha256/ directories; callers then PutBlob each content
// blob and finally Close with the manifest descriptor list.
type Writer struct {
	f  *os.File
	tw *tar.Writer
}

// Create opens path for writing and emits the fixed oci-layout
// preamble.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, c2verr.New(c2verr.Environment, "ociarchive.create", err)
	}
	w := &Writer{f: f, tw: tar.NewWriter(f)}

	layout := ispec.ImageLayout{Version: "1.0.0"}
	layoutBytes, err := json.Marshal(layout)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := w.writeEntry("oci-layout", layoutBytes); err != nil {
		f.Close()
		return nil, err
	}
	if err := w.writeDir("blobs"); err != nil {
		f.Close()
		return nil, err
	}
	if err := w.writeDir("blobs/sha256"); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeDir(name string) error {
	return w.tw.WriteHeader(&tar.Header{
		Name:     name + "/",
		Typeflag: tar.TypeDir,
		Mode:     0755,
	})
}

func (w *Writer) writeEntry(name string, data []byte) error {
	if err := w.tw.WriteHeader(&tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Mode:     0644,
		Size:     int64(len(data)),
	}); err != nil {
		return c2verr.New(c2verr.Environment, "ociarchive.write_header", err)
	}
	if _, err := w.tw.Write(data); err != nil {
		return c2verr.New(c2verr.Environment, "ociarchive.write_data", err)
	}
	return nil
}

// BlobSource is a tagged sum over the three places a blob's bytes can
// come from, per spec.md §9's "dynamic dispatch on blob source"
// design note: an in-memory buffer, a path on disk, or another
// archive's entry stream.
type BlobSource struct {
	bytes  []byte
	path   string
	reader io.Reader
	size   int64
}

// BlobFromBytes wraps an in-memory buffer as a BlobSource.
func BlobFromBytes(b []byte) BlobSource { return BlobSource{bytes: b, size: int64(len(b))} }

// BlobFromFile wraps a path on disk as a BlobSource.
func BlobFromFile(path string, size int64) BlobSource { return BlobSource{path: path, size: size} }

// BlobFromReader wraps an already-open stream (e.g. another archive's
// entry) as a BlobSource of known size.
func BlobFromReader(r io.Reader, size int64) BlobSource { return BlobSource{reader: r, size: size} }

func (s BlobSource) open() (io.ReadCloser, error) {
	switch {
	case s.bytes != nil:
		return io.NopCloser(bytes.NewReader(s.bytes)), nil
	case s.path != "":
		f, err := os.Open(s.path)
		if err != nil {
			return nil, c2verr.New(c2verr.Environment, "ociarchive.blobsource.open", err)
		}
		return f, nil
	default:
		return io.NopCloser(s.reader), nil
	}
}

// PutBlob reads src fully into memory, computing its sha256 as it
// reads, then writes it as blobs/sha256/<hex>. It returns the blob's
// digest and size; building a descriptor from them is left to the
// caller.
func (w *Writer) PutBlob(src BlobSource) (digest.Digest, int64, error) {
	r, err := src.open()
	if err != nil {
		return "", 0, err
	}
	defer r.Close()

	h := sha256.New()
	data, err := io.ReadAll(io.TeeReader(r, h))
	if err != nil {
		return "", 0, c2verr.New(c2verr.Environment, "ociarchive.put_blob", err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	d := digest.NewDigestFromHex("sha256", sum)

	if err := w.writeEntry(fmt.Sprintf("blobs/sha256/%s", sum), data); err != nil {
		return "", 0, err
	}
	return d, int64(len(data)), nil
}

// PutBlobJSON marshals v and stores it as a blob.
func (w *Writer) PutBlobJSON(v any) (digest.Digest, int64, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", 0, c2verr.New(c2verr.Format, "ociarchive.put_blob_json", err)
	}
	return w.PutBlob(BlobFromBytes(b))
}

// Close writes index.json containing the given manifest descriptors
// and finalizes the tar file.
func (w *Writer) Close(manifests []ispec.Descriptor) error {
	idx := ispec.Index{
		Versioned: ispecVersioned(),
		Manifests: manifests,
	}
	b, err := json.Marshal(idx)
	if err != nil {
		w.f.Close()
		return err
	}
	if err := w.writeEntry("index.json", b); err != nil {
		w.f.Close()
		return err
	}
	if err := w.tw.Close(); err != nil {
		w.f.Close()
		return c2verr.New(c2verr.Environment, "ociarchive.close", err)
	}
	return w.f.Close()
}

func ispecVersioned() ispec.Versioned {
	return ispec.Versioned{SchemaVersion: SchemaVersion}
}
