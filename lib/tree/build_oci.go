package tree

import (
	"archive/tar"
	"crypto/sha256"
	"io"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/onkernel/c2v/lib/c2verr"
)

// layerTarStream is the minimal interface FromOCILayer/applyOCILayer
// need from an open layer, satisfied by *ociarchive.LayerStream and
// by a plain *archivestream.TarStream (used directly by tests).
type layerTarStream interface {
	Next() (*tar.Header, error)
	Read(p []byte) (int, error)
	Rewind() error
}

// FromOCILayer builds a fresh tree from a single OCI layer (§4.5):
// initializes a root directory inode, then runs the addition pass
// over every non-whiteout entry.
func FromOCILayer(layer layerTarStream, flags Flags) (*Tree, error) {
	t := NewTree(Stat{Mode: 0755 | modeDir})
	if err := applyAdditionPass(t, layer, flags); err != nil {
		t.Destroy()
		return nil, err
	}
	return t, nil
}

// ApplyOCILayer applies a layer on top of an existing tree (§4.5):
// first the subtract pass (whiteouts), then — after rewinding the
// layer — the addition pass.
func ApplyOCILayer(t *Tree, layer layerTarStream, flags Flags) error {
	if err := applySubtractPass(t, layer); err != nil {
		return err
	}
	if err := layer.Rewind(); err != nil {
		return c2verr.New(c2verr.Environment, "tree.apply_oci_layer", err)
	}
	return applyAdditionPass(t, layer, flags)
}

// applySubtractPass implements §4.5's pass 1: for each whiteout
// entry, delete the named sibling (or, for the opaque marker, every
// child) of its parent directory. A missing or non-directory parent
// is skipped silently (§4.7/§7: StateError, swallowed by this caller).
func applySubtractPass(t *Tree, layer layerTarStream) error {
	for {
		hdr, err := layer.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return c2verr.New(c2verr.Format, "tree.subtract_pass", err)
		}

		name := NormalizeTarName(hdr.Name)
		dir, base := splitDirBase(name)
		if !IsWhiteout(base) {
			continue
		}

		parent, err := t.Find(dir)
		if err != nil || parent == nil || parent.Inode.Type != Directory {
			continue
		}

		if IsOpaqueWhiteout(base) {
			DetachAll(parent)
			continue
		}
		Detach(parent, WhiteoutTarget(base))
	}
}

// applyAdditionPass implements §4.5's addition pass: normalize each
// non-whiteout entry's name, locate or create it, and populate its
// inode from the tar header.
func applyAdditionPass(t *Tree, layer layerTarStream, flags Flags) error {
	for {
		hdr, err := layer.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return c2verr.New(c2verr.Format, "tree.addition_pass", err)
		}

		name := NormalizeTarName(hdr.Name)
		if name == "" {
			continue // the root entry itself, if present
		}
		_, base := splitDirBase(name)
		if IsWhiteout(base) {
			continue // handled by the subtract pass
		}

		if err := applyOneEntry(t, layer, hdr, name, flags); err != nil {
			return err
		}
	}
}

func applyOneEntry(t *Tree, layer layerTarStream, hdr *tar.Header, name string, flags Flags) error {
	dirPath, base := splitDirBase(name)

	parentDirs := strings.Split(dirPath, "/")
	if dirPath == "" {
		parentDirs = nil
	}
	cur := t.Root
	var cursorPath string
	for _, part := range parentDirs {
		if cursorPath == "" {
			cursorPath = part
		} else {
			cursorPath = cursorPath + "/" + part
		}
		next := cur.Inode.Lookup(part)
		if next == nil {
			return c2verr.New(c2verr.State, "tree.addition_pass", c2verr.ErrNotDirectory)
		}
		if next.Inode.Type != Directory {
			return c2verr.New(c2verr.State, "tree.addition_pass", c2verr.ErrNotDirectory)
		}
		cur = next
	}

	if hdr.Typeflag == tar.TypeLink {
		targetName := NormalizeTarName(hdr.Linkname)
		target, err := t.Find(targetName)
		if err != nil || target == nil {
			return c2verr.New(c2verr.State, "tree.hardlink", c2verr.ErrHardlinkTargetMissing)
		}
		upsertEntry(cur, base, target.Inode)
		target.Inode.ref()
		return nil
	}

	existing := cur.Inode.Lookup(base)
	var in *Inode
	if existing != nil && existing.Inode.linkCount > 1 {
		// Copy-on-write: detach this entry from its shared inode before
		// writing new contents (§9 design note).
		existing.Inode.linkCount--
		existing.Inode.Stat.Nlink = uint32(existing.Inode.linkCount)
		in = newInodeFromHeader(hdr)
		cur.Inode.removeChild(base)
		cur.Inode.addChild(&Entry{Name: base, Inode: in})
	} else if existing != nil {
		in = existing.Inode
		populateFromHeader(in, hdr)
	} else {
		in = newInodeFromHeader(hdr)
		cur.Inode.addChild(&Entry{Name: base, Inode: in})
	}

	switch in.Type {
	case Symlink:
		in.SymlinkTarget = hdr.Linkname
	case Directory:
		if in.children == nil {
			in.children = make(map[string]*Entry)
		}
	case Regular:
		if flags.Checksum {
			h := sha256.New()
			if _, err := io.Copy(h, layer); err != nil {
				return c2verr.New(c2verr.Environment, "tree.checksum", err)
			}
			in.SHA256 = digest.NewDigestFromBytes(digest.SHA256, h.Sum(nil))
		}
	}
	return nil
}

// upsertEntry points name's entry at inode in (for hardlink
// resolution), creating the entry if it doesn't exist yet, or
// detaching a prior inode if it does.
func upsertEntry(dir *Entry, name string, in *Inode) {
	if existing := dir.Inode.Lookup(name); existing != nil {
		dir.Inode.removeChild(name)
		destroyEntry(existing)
	}
	dir.Inode.addChild(&Entry{Name: name, Inode: in})
}

func newInodeFromHeader(hdr *tar.Header) *Inode {
	in := &Inode{Type: fileTypeFromTar(hdr.Typeflag), linkCount: 1}
	populateFromHeader(in, hdr)
	if in.Type == Directory {
		in.children = make(map[string]*Entry)
	}
	return in
}

func populateFromHeader(in *Inode, hdr *tar.Header) {
	in.Stat = Stat{
		Mode:  uint32(hdr.Mode) | typeModeBits(in.Type),
		UID:   uint32(hdr.Uid),
		GID:   uint32(hdr.Gid),
		Rdev:  makedev(uint32(hdr.Devmajor), uint32(hdr.Devminor)),
		Size:  hdr.Size,
		Nlink: uint32(in.linkCount),
		Atime: timespecFrom(hdr.AccessTime),
		Mtime: timespecFrom(hdr.ModTime),
		Ctime: timespecFrom(hdr.ChangeTime),
	}
	in.Xattrs = xattrsFromHeader(hdr)
}

func xattrsFromHeader(hdr *tar.Header) []Xattr {
	const prefix = "SCHILY.xattr."
	var names []string
	for k := range hdr.PAXRecords {
		if strings.HasPrefix(k, prefix) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	xattrs := make([]Xattr, 0, len(names))
	for _, k := range names {
		xattrs = append(xattrs, Xattr{
			Name:  strings.TrimPrefix(k, prefix),
			Value: []byte(hdr.PAXRecords[k]),
		})
	}
	return xattrs
}
