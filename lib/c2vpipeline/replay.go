package c2vpipeline

import (
	"archive/tar"
	"context"
	"io"
	"sort"
	"strings"

	"github.com/onkernel/c2v/lib/c2verr"
	"github.com/onkernel/c2v/lib/sandbox"
	"github.com/onkernel/c2v/lib/tree"
)

// POSIX file-type mode bits, applied directly to sandbox.Client.Mknod
// calls (mirroring lib/tree/modebits.go's constants, kept private to
// that package).
const (
	sIFREG  = 0o100000
	sIFDIR  = 0o040000
	sIFLNK  = 0o120000
	sIFCHR  = 0o020000
	sIFBLK  = 0o060000
	sIFIFO  = 0o010000
	sIFSOCK = 0o140000
)

const (
	setuidBit = 0o4000
	setgidBit = 0o2000
	stickyBit = 0o1000
)

// pwriteChunkSize is the 4,000 KiB write chunk §4.7 step 6b specifies.
const pwriteChunkSize = 4000 * 1024

type layerTarStream interface {
	Next() (*tar.Header, error)
	Read(p []byte) (int, error)
}

// underC2V reports whether a normalized tar entry name falls under
// /.c2v, the reserved directory step 6 excludes from both passes.
func underC2V(name string) bool {
	return name == ".c2v" || strings.HasPrefix(name, ".c2v/")
}

// whiteoutPass applies §4.7 step 6a: deletes, live on the mounted
// filesystem, every target a whiteout entry names, skipping anything
// under /.c2v or literally named .wh..c2v.
func whiteoutPass(ctx context.Context, fs sandbox.Client, layer layerTarStream) error {
	for {
		hdr, err := layer.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return c2verr.New(c2verr.Format, "c2vpipeline.whiteout_pass", err)
		}

		name := tree.NormalizeTarName(hdr.Name)
		if underC2V(name) {
			continue
		}
		dir, base := splitDirBase(name)
		if base == ".wh..c2v" {
			continue
		}
		if !tree.IsWhiteout(base) {
			continue
		}

		if tree.IsOpaqueWhiteout(base) {
			if err := clearDirectory(ctx, fs, "/"+dir); err != nil {
				return err
			}
			continue
		}
		target := joinAbs(dir, tree.WhiteoutTarget(base))
		if err := fs.RemoveAll(ctx, target); err != nil {
			return err
		}
	}
}

func clearDirectory(ctx context.Context, fs sandbox.Client, dir string) error {
	entries, err := fs.Ls(ctx, dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := fs.RemoveAll(ctx, joinAbs(strings.TrimPrefix(dir, "/"), e.Name)); err != nil {
			return err
		}
	}
	return nil
}

func splitDirBase(name string) (dir, base string) {
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

func joinAbs(dir, base string) string {
	if dir == "" {
		return "/" + base
	}
	return "/" + dir + "/" + base
}

// dataPass applies §4.7 step 6b: materializes every non-whiteout entry
// of a layer onto the mounted filesystem.
func dataPass(ctx context.Context, fs sandbox.Client, layer layerTarStream) error {
	for {
		hdr, err := layer.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return c2verr.New(c2verr.Format, "c2vpipeline.data_pass", err)
		}

		name := tree.NormalizeTarName(hdr.Name)
		if name == "" || underC2V(name) {
			continue
		}
		_, base := splitDirBase(name)
		if tree.IsWhiteout(base) {
			continue
		}

		if err := applyEntry(ctx, fs, layer, hdr, "/"+name); err != nil {
			return err
		}
	}
}

func applyEntry(ctx context.Context, fs sandbox.Client, layer layerTarStream, hdr *tar.Header, absPath string) error {
	if hdr.Typeflag == tar.TypeLink {
		target := "/" + tree.NormalizeTarName(hdr.Linkname)
		_ = fs.RemoveAll(ctx, absPath)
		return fs.Link(ctx, target, absPath)
	}

	perm := uint32(hdr.Mode) & 0o7777

	if hdr.Typeflag != tar.TypeDir {
		if err := fs.RemoveAll(ctx, absPath); err != nil {
			return err
		}
	} else if isDir, err := fs.IsDir(ctx, absPath); err == nil && !isDir {
		_ = fs.RemoveFile(ctx, absPath)
	}

	switch hdr.Typeflag {
	case tar.TypeSymlink:
		if err := fs.Symlink(ctx, hdr.Linkname, absPath); err != nil {
			return err
		}
	case tar.TypeReg, tar.TypeRegA:
		if err := fs.Mknod(ctx, absPath, sIFREG|perm, 0, 0); err != nil {
			return err
		}
		if err := writeSparse(ctx, fs, layer, absPath, hdr.Size); err != nil {
			return err
		}
	case tar.TypeDir:
		if isDir, err := fs.IsDir(ctx, absPath); err == nil && isDir {
			if err := fs.Chmod(ctx, absPath, perm); err != nil {
				return err
			}
		} else if err := fs.MkdirAll(ctx, absPath, perm); err != nil {
			return err
		}
	case tar.TypeChar:
		if err := fs.Mknod(ctx, absPath, sIFCHR|perm, uint32(hdr.Devmajor), uint32(hdr.Devminor)); err != nil {
			return err
		}
	case tar.TypeBlock:
		if err := fs.Mknod(ctx, absPath, sIFBLK|perm, uint32(hdr.Devmajor), uint32(hdr.Devminor)); err != nil {
			return err
		}
	case tar.TypeFifo:
		if err := fs.Mknod(ctx, absPath, sIFIFO|perm, 0, 0); err != nil {
			return err
		}
	default:
		return nil
	}

	if err := fs.Lchown(ctx, absPath, uint32(hdr.Uid), uint32(hdr.Gid)); err != nil {
		return err
	}
	at := sandbox.Timespec{Sec: hdr.AccessTime.Unix(), Nsec: int64(hdr.AccessTime.Nanosecond())}
	mt := sandbox.Timespec{Sec: hdr.ModTime.Unix(), Nsec: int64(hdr.ModTime.Nanosecond())}
	if err := fs.Utimens(ctx, absPath, at, mt); err != nil {
		return err
	}
	for _, x := range xattrsFromHeader(hdr) {
		if err := fs.Lsetxattr(ctx, absPath, x.name, x.value); err != nil {
			return err
		}
	}

	if hdr.Typeflag != tar.TypeSymlink && uint32(hdr.Mode)&(setuidBit|setgidBit|stickyBit) != 0 {
		if err := fs.Chmod(ctx, absPath, perm); err != nil {
			return err
		}
	}
	return nil
}

// writeSparse streams a regular file's content from the layer in
// pwriteChunkSize chunks, skipping Pwrite calls for all-zero chunks so
// the target filesystem can represent the gap as a sparse hole, per
// §4.7 step 6b.
func writeSparse(ctx context.Context, fs sandbox.Client, r io.Reader, absPath string, size int64) error {
	buf := make([]byte, pwriteChunkSize)
	var off int64
	for off < size {
		n, err := io.ReadFull(r, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return c2verr.New(c2verr.Format, "c2vpipeline.write_sparse", err)
		}
		if n == 0 {
			break
		}
		if !isAllZero(buf[:n]) {
			if err := fs.Pwrite(ctx, absPath, off, buf[:n]); err != nil {
				return err
			}
		}
		off += int64(n)
	}
	return fs.Truncate(ctx, absPath, size)
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

const xattrPrefix = "SCHILY.xattr."

// headerXattr is one name/value xattr pair extracted from a tar
// header's PAX records.
type headerXattr struct {
	name  string
	value []byte
}

// xattrsFromHeader extracts PAX xattr records in deterministic
// (sorted) order, mirroring lib/tree's header-to-xattr mapping. It
// returns a slice rather than a map so that order survives into the
// caller's iteration.
func xattrsFromHeader(hdr *tar.Header) []headerXattr {
	var names []string
	for k := range hdr.PAXRecords {
		if strings.HasPrefix(k, xattrPrefix) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	out := make([]headerXattr, 0, len(names))
	for _, k := range names {
		out = append(out, headerXattr{name: strings.TrimPrefix(k, xattrPrefix), value: []byte(hdr.PAXRecords[k])})
	}
	return out
}
