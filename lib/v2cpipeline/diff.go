// Package v2cpipeline implements the VM -> container pipeline (§4.8):
// mounting a guest disk, building its tree, optionally comparing it
// against a reused source image's effective tree, and diffing the
// result into a single new OCI layer. Grounded on original_source/src/
// v2c.c for the fstab-clean / systemd-disable / build-layer sequence
// and on original_source/lib/mtree/entry.c for the diff algorithm
// itself (build_layer's two-pass stat/xattr/content comparison).
package v2cpipeline

import (
	"archive/tar"
	"context"
	"sort"
	"time"

	"github.com/onkernel/c2v/lib/layerwriter"
	"github.com/onkernel/c2v/lib/sandbox"
	"github.com/onkernel/c2v/lib/tree"
)

// Mode selects build_layer's behavior (§4.8's "Diff algorithm").
type Mode int

const (
	// Full emits tar entries into a layerwriter.Writer.
	Full Mode = iota
	// DryRun computes the estimated emitted byte count without writing.
	DryRun
	// TestDir short-circuits as soon as any difference is found.
	TestDir
)

// skipRecursionDirs is the hard-coded set of directory paths (relative
// to the tree root, no leading/trailing slash) build_layer never
// recurses into, per §4.8.
var skipRecursionDirs = map[string]bool{
	"tmp":       true,
	"run":       true,
	"var/tmp":   true,
	"var/cache": true,
}

// pwriteReadChunk is the streaming chunk size when copying changed
// regular-file content out of the guest filesystem.
const pwriteReadChunk = 4 << 20

// differ carries build_layer's shared state across one recursive
// comparison: the layer writer (Full mode only), the guest filesystem
// content source (Full mode only), and a per-inode synthetic inode
// number table for hardlink resolution via layerwriter.Writer.
type differ struct {
	ctx context.Context
	mode Mode
	w    *layerwriter.Writer
	fs   sandbox.Client

	inoIDs  map[*tree.Inode]uint64
	nextIno uint64
}

func (d *differ) inoFor(in *tree.Inode) uint64 {
	if id, ok := d.inoIDs[in]; ok {
		return id
	}
	d.nextIno++
	d.inoIDs[in] = d.nextIno
	return d.nextIno
}

// BuildLayer runs build_layer(a, b, "", mode) over two whole trees
// (a may be nil for an empty baseline), per §4.8.
func BuildLayer(ctx context.Context, mode Mode, w *layerwriter.Writer, fs sandbox.Client, a, b *tree.Tree) (cost int64, changed bool, err error) {
	d := &differ{ctx: ctx, mode: mode, w: w, fs: fs, inoIDs: make(map[*tree.Inode]uint64)}
	var aEntry *tree.Entry
	if a != nil {
		aEntry = a.Root
	}
	return d.diff(aEntry, b.Root, "")
}

func (d *differ) diff(a, b *tree.Entry, path string) (cost int64, changed bool, err error) {
	if a == nil {
		changed = true
	} else {
		changed = entriesDiffer(a.Inode, b.Inode)
	}

	if b.Inode.Type == tree.Directory {
		return d.diffDir(a, b, path, changed)
	}

	if !changed {
		return 0, false, nil
	}
	cost = 512
	if b.Inode.Type == tree.Regular {
		cost += ceilBlocks(b.Inode.Stat.Size)
	}
	if d.mode == Full {
		if err := d.writeLeaf(b, path); err != nil {
			return 0, false, err
		}
	}
	return cost, true, nil
}

func (d *differ) diffDir(a, b *tree.Entry, path string, ownChanged bool) (cost int64, changed bool, err error) {
	dirChanged := ownChanged
	var childCost int64

	if !skipRecursionDirs[path] {
		var aIn *tree.Inode
		if a != nil {
			aIn = a.Inode
		}
		aChildren := make(map[string]*tree.Entry)
		if aIn != nil {
			for _, e := range aIn.Children() {
				aChildren[e.Name] = e
			}
		}
		bChildren := make(map[string]*tree.Entry)
		for _, e := range b.Inode.Children() {
			bChildren[e.Name] = e
		}

		names := make([]string, 0, len(aChildren)+len(bChildren))
		seen := make(map[string]bool)
		for name := range aChildren {
			names = append(names, name)
			seen[name] = true
		}
		for name := range bChildren {
			if !seen[name] {
				names = append(names, name)
			}
		}
		sort.Strings(names)

		for _, name := range names {
			ae, inA := aChildren[name]
			be, inB := bChildren[name]
			childPath := joinPath(path, name)

			switch {
			case inA && !inB:
				childCost += 512
				dirChanged = true
				if d.mode == Full {
					if err := d.writeWhiteout(path, name); err != nil {
						return 0, false, err
					}
				}
			case !inA && inB:
				c, _, err := d.diff(nil, be, childPath)
				if err != nil {
					return 0, false, err
				}
				childCost += c
				dirChanged = true
			default:
				c, ch, err := d.diff(ae, be, childPath)
				if err != nil {
					return 0, false, err
				}
				childCost += c
				if ch {
					dirChanged = true
				}
			}

			if d.mode == TestDir && dirChanged {
				return 0, true, nil
			}
		}
	}

	isRoot := path == ""
	if !dirChanged || isRoot {
		return childCost, dirChanged, nil
	}
	total := 512 + childCost
	if d.mode == Full {
		if err := d.writeDirHeader(b, path); err != nil {
			return 0, false, err
		}
	}
	return total, true, nil
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "/" + name
}

func ceilBlocks(size int64) int64 {
	if size <= 0 {
		return 0
	}
	return ((size + 511) / 512) * 512
}

func (d *differ) writeWhiteout(dir, child string) error {
	hdr := &tar.Header{
		Name:     layerwriter.WhiteoutName(dir, child),
		Typeflag: tar.TypeReg,
		Mode:     0,
	}
	_, err := d.w.WriteHeader(hdr, 0, 1)
	return err
}

func (d *differ) writeDirHeader(e *tree.Entry, path string) error {
	hdr := baseHeader(e.Inode, path)
	hdr.Typeflag = tar.TypeDir
	_, err := d.w.WriteHeader(hdr, d.inoFor(e.Inode), e.Inode.LinkCount())
	return err
}

func (d *differ) writeLeaf(e *tree.Entry, path string) error {
	in := e.Inode
	hdr := baseHeader(in, path)

	switch in.Type {
	case tree.Regular:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = in.Stat.Size
	case tree.Symlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = in.SymlinkTarget
	case tree.CharDevice:
		hdr.Typeflag = tar.TypeChar
		hdr.Devmajor, hdr.Devminor = unpackRdev(in.Stat.Rdev)
	case tree.BlockDevice:
		hdr.Typeflag = tar.TypeBlock
		hdr.Devmajor, hdr.Devminor = unpackRdev(in.Stat.Rdev)
	case tree.Fifo:
		hdr.Typeflag = tar.TypeFifo
	case tree.Socket:
		// archive/tar has no socket entry type; emitted as an empty
		// regular file, matching common OCI tooling's fallback.
		hdr.Typeflag = tar.TypeReg
		hdr.Size = 0
	}

	skipBody, err := d.w.WriteHeader(hdr, d.inoFor(in), in.LinkCount())
	if err != nil {
		return err
	}
	if skipBody || in.Type != tree.Regular {
		return nil
	}
	return d.copyContent(path, in.Stat.Size)
}

func (d *differ) copyContent(path string, size int64) error {
	guestPath := "/" + path
	var off int64
	for off < size {
		n := int64(pwriteReadChunk)
		if size-off < n {
			n = size - off
		}
		data, err := d.fs.Pread(d.ctx, guestPath, off, n)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			break
		}
		if _, err := d.w.Write(data); err != nil {
			return err
		}
		off += int64(len(data))
	}
	return nil
}

func baseHeader(in *tree.Inode, path string) *tar.Header {
	hdr := &tar.Header{
		Name: path,
		Mode: int64(in.Stat.Mode & 0o7777),
		Uid:  int(in.Stat.UID),
		Gid:  int(in.Stat.GID),
	}
	hdr.ModTime = time.Unix(in.Stat.Mtime.Sec, in.Stat.Mtime.Nsec)
	if !in.Stat.Atime.IsZero() {
		hdr.AccessTime = time.Unix(in.Stat.Atime.Sec, in.Stat.Atime.Nsec)
	}
	if len(in.Xattrs) > 0 {
		hdr.PAXRecords = make(map[string]string, len(in.Xattrs))
		for _, x := range in.Xattrs {
			hdr.PAXRecords["SCHILY.xattr."+x.Name] = string(x.Value)
		}
	}
	return hdr
}

// unpackRdev mirrors lib/tree's private majorMinor, which packs the
// pair the way Linux's makedev(3) does.
func unpackRdev(rdev uint64) (major, minor int64) {
	maj := uint32((rdev>>8)&0xfff) | uint32((rdev>>32)&0xfffff000)
	min := uint32(rdev&0xff) | uint32((rdev>>12)&0xfffff00)
	return int64(maj), int64(min)
}

// entriesDiffer implements §4.8's "two inodes differ when" rule.
func entriesDiffer(a, b *tree.Inode) bool {
	if a.Type != b.Type {
		return true
	}
	if a.Stat.Mode != b.Stat.Mode || a.Stat.UID != b.Stat.UID || a.Stat.GID != b.Stat.GID {
		return true
	}
	if (a.Type == tree.CharDevice || a.Type == tree.BlockDevice) && a.Stat.Rdev != b.Stat.Rdev {
		return true
	}
	if a.Type == tree.Regular && a.Stat.Size != b.Stat.Size {
		return true
	}
	if !a.Stat.Mtime.Equal(b.Stat.Mtime) {
		return true
	}
	if !a.Stat.Atime.IsZero() && !b.Stat.Atime.IsZero() && !a.Stat.Atime.Equal(b.Stat.Atime) {
		return true
	}
	if xattrsDiffer(a.Xattrs, b.Xattrs) {
		return true
	}
	if a.Type == tree.Regular && a.SHA256 != b.SHA256 {
		return true
	}
	if a.Type == tree.Symlink && a.SymlinkTarget != b.SymlinkTarget {
		return true
	}
	return false
}

func xattrsDiffer(a, b []tree.Xattr) bool {
	if len(a) != len(b) {
		return true
	}
	am := make(map[string][]byte, len(a))
	for _, x := range a {
		am[x.Name] = x.Value
	}
	for _, x := range b {
		v, ok := am[x.Name]
		if !ok || len(v) != len(x.Value) {
			return true
		}
		for i := range v {
			if v[i] != x.Value[i] {
				return true
			}
		}
	}
	return false
}
