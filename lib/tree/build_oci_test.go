package tree

import (
	"archive/tar"
	"bytes"
	"testing"
)

// memTarStream adapts an in-memory tar byte slice to the
// layerTarStream interface FromOCILayer/ApplyOCILayer need, the way
// build_oci.go's own doc comment describes tests doing directly
// against *archivestream.TarStream.
type memTarStream struct {
	raw []byte
	tr  *tar.Reader
}

func newMemTarStream(raw []byte) *memTarStream {
	s := &memTarStream{raw: raw}
	s.tr = tar.NewReader(bytes.NewReader(raw))
	return s
}

func (s *memTarStream) Next() (*tar.Header, error) { return s.tr.Next() }
func (s *memTarStream) Read(p []byte) (int, error) { return s.tr.Read(p) }
func (s *memTarStream) Rewind() error {
	s.tr = tar.NewReader(bytes.NewReader(s.raw))
	return nil
}

func buildTar(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Mode:     0o644,
			Size:     int64(len(e.data)),
			Typeflag: e.typeflag,
			Linkname: e.linkname,
		}
		if e.typeflag == tar.TypeDir {
			hdr.Mode = 0o755
			hdr.Size = 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader(%s): %v", e.name, err)
		}
		if len(e.data) > 0 {
			if _, err := tw.Write(e.data); err != nil {
				t.Fatalf("Write(%s): %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

type tarEntry struct {
	name     string
	data     []byte
	typeflag byte
	linkname string
}

func reg(name string, data []byte) tarEntry { return tarEntry{name: name, data: data, typeflag: tar.TypeReg} }
func dir(name string) tarEntry              { return tarEntry{name: name, typeflag: tar.TypeDir} }
func link(name, target string) tarEntry {
	return tarEntry{name: name, typeflag: tar.TypeLink, linkname: target}
}

func TestFromOCILayerBuildsTree(t *testing.T) {
	raw := buildTar(t, []tarEntry{
		dir("etc/"),
		reg("etc/passwd", []byte("root:x:0:0")),
		dir("bin/"),
		reg("bin/sh", []byte("#!")),
	})
	tr, err := FromOCILayer(newMemTarStream(raw), Flags{Checksum: true})
	if err != nil {
		t.Fatalf("FromOCILayer: %v", err)
	}
	defer tr.Destroy()

	e, err := tr.Find("etc/passwd")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if e == nil {
		t.Fatal("etc/passwd not found")
	}
	if e.Inode.SHA256 == "" {
		t.Fatal("expected checksum to be computed")
	}
	if e.Inode.Stat.Size != int64(len("root:x:0:0")) {
		t.Fatalf("Size = %d, want %d", e.Inode.Stat.Size, len("root:x:0:0"))
	}
}

func TestFromOCILayerHardlink(t *testing.T) {
	raw := buildTar(t, []tarEntry{
		dir("bin/"),
		reg("bin/busybox", []byte("binary")),
		link("bin/sh", "bin/busybox"),
	})
	tr, err := FromOCILayer(newMemTarStream(raw), Flags{})
	if err != nil {
		t.Fatalf("FromOCILayer: %v", err)
	}
	defer tr.Destroy()

	target, err := tr.Find("bin/busybox")
	if err != nil || target == nil {
		t.Fatalf("Find(bin/busybox): %v, %v", target, err)
	}
	alias, err := tr.Find("bin/sh")
	if err != nil || alias == nil {
		t.Fatalf("Find(bin/sh): %v, %v", alias, err)
	}
	if target.Inode != alias.Inode {
		t.Fatal("hardlinked entries should share one inode")
	}
	if target.Inode.LinkCount() != 2 {
		t.Fatalf("LinkCount() = %d, want 2", target.Inode.LinkCount())
	}
}

func TestApplyOCILayerWhiteout(t *testing.T) {
	base := buildTar(t, []tarEntry{
		dir("etc/"),
		reg("etc/passwd", []byte("root")),
		reg("etc/shadow", []byte("secret")),
	})
	tr, err := FromOCILayer(newMemTarStream(base), Flags{})
	if err != nil {
		t.Fatalf("FromOCILayer: %v", err)
	}
	defer tr.Destroy()

	overlay := buildTar(t, []tarEntry{
		reg("etc/.wh.shadow", nil),
	})
	if err := ApplyOCILayer(tr, newMemTarStream(overlay), Flags{}); err != nil {
		t.Fatalf("ApplyOCILayer: %v", err)
	}

	if e, _ := tr.Find("etc/shadow"); e != nil {
		t.Fatal("etc/shadow should have been removed by the whiteout")
	}
	if e, _ := tr.Find("etc/passwd"); e == nil {
		t.Fatal("etc/passwd should survive an unrelated whiteout")
	}
}

func TestApplyOCILayerOpaqueWhiteout(t *testing.T) {
	base := buildTar(t, []tarEntry{
		dir("etc/"),
		reg("etc/passwd", []byte("root")),
		reg("etc/shadow", []byte("secret")),
	})
	tr, err := FromOCILayer(newMemTarStream(base), Flags{})
	if err != nil {
		t.Fatalf("FromOCILayer: %v", err)
	}
	defer tr.Destroy()

	overlay := buildTar(t, []tarEntry{
		reg("etc/.wh..wh..opq", nil),
		reg("etc/passwd", []byte("new-root")),
	})
	if err := ApplyOCILayer(tr, newMemTarStream(overlay), Flags{}); err != nil {
		t.Fatalf("ApplyOCILayer: %v", err)
	}

	if e, _ := tr.Find("etc/shadow"); e != nil {
		t.Fatal("etc/shadow should have been removed by the opaque whiteout")
	}
	e, err := tr.Find("etc/passwd")
	if err != nil || e == nil {
		t.Fatal("etc/passwd should be recreated by the addition pass after the opaque whiteout")
	}
}

func TestFindParent(t *testing.T) {
	raw := buildTar(t, []tarEntry{
		dir("a/"),
		dir("a/b/"),
		reg("a/b/c", []byte("x")),
	})
	tr, err := FromOCILayer(newMemTarStream(raw), Flags{})
	if err != nil {
		t.Fatalf("FromOCILayer: %v", err)
	}
	defer tr.Destroy()

	parent, base, err := tr.FindParent("a/b/c")
	if err != nil {
		t.Fatalf("FindParent: %v", err)
	}
	if base != "c" {
		t.Fatalf("base = %q, want c", base)
	}
	if parent.Inode.Lookup("c") == nil {
		t.Fatal("resolved parent does not contain c")
	}
}

func TestFindMissingIntermediateIsPrecondition(t *testing.T) {
	tr := NewTree(Stat{Mode: 0o755 | modeDir})
	defer tr.Destroy()
	if _, _, err := tr.FindParent("missing/dir/file"); err == nil {
		t.Fatal("expected an error for a missing intermediate directory")
	}
}
