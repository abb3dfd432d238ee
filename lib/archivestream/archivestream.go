// Package archivestream implements the archive stream reader (spec.md
// §4.1): opening a tar archive, seeking to a named entry, and exposing
// the entry's raw bytes as a stream for chained parsers — a JSON
// decoder for small descriptor documents, or a further compression
// wrapper + tar.Reader for a layer blob whose bytes are themselves a
// compressed tar stream. Grounded on the layered-reader style of
// lib/volumes/archive.go (archive/tar wrapping compress/gzip),
// generalized with a named-entry seek/rewind API the teacher's
// one-shot extractor never needed, and with klauspost/pgzip +
// klauspost/compress/zstd in place of stdlib gzip for layer-sized
// payloads, matching tych0-octoci's and the teacher's codec choices.
package archivestream

import (
	"archive/tar"
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/onkernel/c2v/lib/c2verr"
)

// Compression identifies the codec wrapping a byte stream.
type Compression int

const (
	None Compression = iota
	Gzip
	Zstd
)

// bufferSize matches the "~4 KiB buffered adaptor" design note (§9):
// the intermediate stream between the outer archive and any parser is
// bounded rather than materializing the uncompressed blob.
const bufferSize = 4096

// EntryReader opens a tar archive at path, advances to the first
// entry named entryName, and exposes that entry's raw bytes via Read.
// Rewind reopens the archive from scratch and reseeks, for entries
// (layer blobs) that must be read twice.
type EntryReader struct {
	path      string
	entryName string
	f         *os.File
	tr        *tar.Reader
}

// OpenEntry opens path as an uncompressed tar archive and seeks to
// entryName.
func OpenEntry(path, entryName string) (*EntryReader, error) {
	r := &EntryReader{path: path, entryName: entryName}
	if err := r.reopen(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *EntryReader) reopen() error {
	if r.f != nil {
		r.f.Close()
	}
	f, err := os.Open(r.path)
	if err != nil {
		return c2verr.New(c2verr.Environment, "archivestream.open", err)
	}
	r.f = f
	r.tr = tar.NewReader(bufio.NewReaderSize(f, bufferSize))
	return r.seekTo(r.entryName)
}

func (r *EntryReader) seekTo(name string) error {
	for {
		hdr, err := r.tr.Next()
		if err == io.EOF {
			return c2verr.New(c2verr.Format, "archivestream.seek",
				fmt.Errorf("entry %q not found in %s", name, r.path))
		}
		if err != nil {
			return c2verr.New(c2verr.Format, "archivestream.seek", err)
		}
		if hdr.Name == name {
			return nil
		}
	}
}

// Read reads from the current entry's data.
func (r *EntryReader) Read(p []byte) (int, error) { return r.tr.Read(p) }

// Rewind reopens the outer archive at offset 0 and repositions to the
// same named entry, per spec.md §4.1.
func (r *EntryReader) Rewind() error { return r.reopen() }

// Close releases the file handle.
func (r *EntryReader) Close() error {
	if r.f != nil {
		return r.f.Close()
	}
	return nil
}

// decompressor wraps an io.Reader with the given compression codec.
type decompressor struct {
	io.Reader
	closer func() error
}

func (d *decompressor) Close() error {
	if d.closer != nil {
		return d.closer()
	}
	return nil
}

// Wrap wraps r with the given compression codec, returning a stream
// whose Close releases any codec-owned resources.
func Wrap(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case Gzip:
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, c2verr.New(c2verr.Format, "archivestream.gzip", err)
		}
		return gz, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, c2verr.New(c2verr.Format, "archivestream.zstd", err)
		}
		return &decompressor{Reader: zr, closer: func() error { zr.Close(); return nil }}, nil
	default:
		return io.NopCloser(r), nil
	}
}

// TarStream is a named tar entry whose bytes are themselves a
// (possibly compressed) tar stream — the shape of an OCI layer blob.
// It composes an EntryReader (outer archive positioning) with a
// Wrap'd decompressor and a nested tar.Reader, and supports Rewind
// for the two-pass whiteout/data walk in lib/tree.
type TarStream struct {
	outer       *EntryReader
	compression Compression
	dec         io.ReadCloser
	tr          *tar.Reader
}

// OpenTarStream opens path's entryName tar entry and treats its bytes
// as a tar stream compressed with c.
func OpenTarStream(path, entryName string, c Compression) (*TarStream, error) {
	outer, err := OpenEntry(path, entryName)
	if err != nil {
		return nil, err
	}
	ts := &TarStream{outer: outer, compression: c}
	if err := ts.wrap(); err != nil {
		outer.Close()
		return nil, err
	}
	return ts, nil
}

func (ts *TarStream) wrap() error {
	dec, err := Wrap(bufio.NewReaderSize(ts.outer, bufferSize), ts.compression)
	if err != nil {
		return err
	}
	ts.dec = dec
	ts.tr = tar.NewReader(dec)
	return nil
}

// Next returns the next tar header in the layer.
func (ts *TarStream) Next() (*tar.Header, error) { return ts.tr.Next() }

// Read reads the current layer entry's file data.
func (ts *TarStream) Read(p []byte) (int, error) { return ts.tr.Read(p) }

// Rewind reopens the outer archive and the decompressor so the layer
// can be walked a second time from its first entry.
func (ts *TarStream) Rewind() error {
	if ts.dec != nil {
		ts.dec.Close()
	}
	if err := ts.outer.Rewind(); err != nil {
		return err
	}
	return ts.wrap()
}

// Close releases the decompressor and outer file handle.
func (ts *TarStream) Close() error {
	var err error
	if ts.dec != nil {
		err = ts.dec.Close()
	}
	if cerr := ts.outer.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadJSON reads one named entry from an uncompressed tar archive
// into memory and parses it as JSON into v. Used for index.json,
// manifests and configs (§4.1).
func ReadJSON(path string, entryName string, v any) error {
	r, err := OpenEntry(path, entryName)
	if err != nil {
		return err
	}
	defer r.Close()

	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		return c2verr.New(c2verr.Format, "archivestream.readjson", err)
	}
	return nil
}
