package v2cpipeline

import (
	"archive/tar"
	"bytes"
	"context"
	"testing"

	"github.com/onkernel/c2v/lib/layerwriter"
	"github.com/onkernel/c2v/lib/tree"
)

// memTarStream is a layerTarStream-shaped in-memory tar reader, used
// here to build comparison trees without a real OCI archive or guest
// filesystem.
type memTarStream struct {
	raw *bytes.Reader
	tr  *tar.Reader
}

func newMemTarStream(data []byte) *memTarStream {
	s := &memTarStream{raw: bytes.NewReader(data)}
	s.tr = tar.NewReader(s.raw)
	return s
}

func (s *memTarStream) Next() (*tar.Header, error) { return s.tr.Next() }
func (s *memTarStream) Read(p []byte) (int, error) { return s.tr.Read(p) }
func (s *memTarStream) Rewind() error {
	if _, err := s.raw.Seek(0, 0); err != nil {
		return err
	}
	s.tr = tar.NewReader(s.raw)
	return nil
}

type tarEntry struct {
	hdr  *tar.Header
	body []byte
}

func reg(name string, mode int64, body string) tarEntry {
	return tarEntry{hdr: &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: mode, Size: int64(len(body))}, body: []byte(body)}
}

func dir(name string, mode int64) tarEntry {
	return tarEntry{hdr: &tar.Header{Name: name, Typeflag: tar.TypeDir, Mode: mode}}
}

func buildTar(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	for _, e := range entries {
		if err := w.WriteHeader(e.hdr); err != nil {
			t.Fatalf("WriteHeader: %v", err)
		}
		if len(e.body) > 0 {
			if _, err := w.Write(e.body); err != nil {
				t.Fatalf("Write: %v", err)
			}
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func buildTreeFromTar(t *testing.T, data []byte) *tree.Tree {
	t.Helper()
	tr, err := tree.FromOCILayer(newMemTarStream(data), tree.Flags{Checksum: true})
	if err != nil {
		t.Fatalf("FromOCILayer: %v", err)
	}
	return tr
}

func TestCeilBlocks(t *testing.T) {
	cases := map[int64]int64{
		0:    0,
		-5:   0,
		1:    512,
		512:  512,
		513:  1024,
	}
	for in, want := range cases {
		if got := ceilBlocks(in); got != want {
			t.Fatalf("ceilBlocks(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestJoinPath(t *testing.T) {
	if got := joinPath("", "etc"); got != "etc" {
		t.Fatalf("joinPath(%q, %q) = %q", "", "etc", got)
	}
	if got := joinPath("etc", "passwd"); got != "etc/passwd" {
		t.Fatalf("joinPath(%q, %q) = %q", "etc", "passwd", got)
	}
}

func TestUnpackRdev(t *testing.T) {
	// 8:1 is the classic /dev/sda1 major:minor pair.
	rdev := uint64(1) | uint64(8)<<8
	major, minor := unpackRdev(rdev)
	if major != 8 || minor != 1 {
		t.Fatalf("unpackRdev(%d) = (%d, %d), want (8, 1)", rdev, major, minor)
	}
}

func TestXattrsDiffer(t *testing.T) {
	a := []tree.Xattr{{Name: "user.foo", Value: []byte("bar")}}
	b := []tree.Xattr{{Name: "user.foo", Value: []byte("bar")}}
	if xattrsDiffer(a, b) {
		t.Fatal("identical xattr sets reported as differing")
	}
	c := []tree.Xattr{{Name: "user.foo", Value: []byte("baz")}}
	if !xattrsDiffer(a, c) {
		t.Fatal("different xattr values reported as identical")
	}
	if !xattrsDiffer(a, nil) {
		t.Fatal("different xattr counts reported as identical")
	}
}

func TestEntriesDifferModeChange(t *testing.T) {
	a := tree.NewInode(tree.Regular, tree.Stat{Mode: 0o644, Size: 3})
	b := tree.NewInode(tree.Regular, tree.Stat{Mode: 0o755, Size: 3})
	if !entriesDiffer(a, b) {
		t.Fatal("mode change not detected")
	}
}

func TestEntriesDifferIdentical(t *testing.T) {
	st := tree.Stat{Mode: 0o644, UID: 1, GID: 1, Size: 3, Mtime: tree.Timespec{Sec: 100}}
	a := tree.NewInode(tree.Regular, st)
	b := tree.NewInode(tree.Regular, st)
	a.SHA256 = "sha256:abc"
	b.SHA256 = "sha256:abc"
	if entriesDiffer(a, b) {
		t.Fatal("identical inodes reported as differing")
	}
}

func TestEntriesDifferContentChange(t *testing.T) {
	st := tree.Stat{Mode: 0o644, Size: 3}
	a := tree.NewInode(tree.Regular, st)
	b := tree.NewInode(tree.Regular, st)
	a.SHA256 = "sha256:abc"
	b.SHA256 = "sha256:def"
	if !entriesDiffer(a, b) {
		t.Fatal("content change not detected despite differing SHA256")
	}
}

func TestBuildLayerEmptyBaselineEmitsEverything(t *testing.T) {
	data := buildTar(t,
		dir("etc", 0o755),
		reg("etc/passwd", 0o644, "root:x:0:0\n"),
	)
	b := buildTreeFromTar(t, data)

	w, err := layerwriter.New(layerwriter.None, 0)
	if err != nil {
		t.Fatalf("layerwriter.New: %v", err)
	}
	defer w.Destroy()

	cost, changed, err := BuildLayer(context.Background(), Full, w, &fakeClient{}, nil, b)
	if err != nil {
		t.Fatalf("BuildLayer: %v", err)
	}
	if !changed {
		t.Fatal("expected a change against an empty baseline")
	}
	if cost <= 0 {
		t.Fatalf("cost = %d, want > 0", cost)
	}
}

func TestBuildLayerIdenticalTreesProduceNoChange(t *testing.T) {
	data := buildTar(t,
		dir("etc", 0o755),
		reg("etc/passwd", 0o644, "root:x:0:0\n"),
	)
	a := buildTreeFromTar(t, data)
	b := buildTreeFromTar(t, data)

	cost, changed, err := BuildLayer(context.Background(), TestDir, nil, nil, a, b)
	if err != nil {
		t.Fatalf("BuildLayer: %v", err)
	}
	if changed {
		t.Fatal("identical trees reported as changed")
	}
	if cost != 0 {
		t.Fatalf("cost = %d, want 0", cost)
	}
}

func TestBuildLayerSkipsHardcodedDirs(t *testing.T) {
	a := buildTreeFromTar(t, buildTar(t, dir("tmp", 0o1777)))
	b := buildTreeFromTar(t, buildTar(t,
		dir("tmp", 0o1777),
		reg("tmp/scratch", 0o600, "ephemeral"),
	))

	cost, changed, err := BuildLayer(context.Background(), TestDir, nil, nil, a, b)
	if err != nil {
		t.Fatalf("BuildLayer: %v", err)
	}
	if changed || cost != 0 {
		t.Fatalf("changes under a skip-recursion dir should be ignored, got changed=%v cost=%d", changed, cost)
	}
}
