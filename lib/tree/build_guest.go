package tree

import (
	"context"
	"crypto/sha256"

	"github.com/opencontainers/go-digest"

	"github.com/onkernel/c2v/lib/c2verr"
	"github.com/onkernel/c2v/lib/sandbox"
)

// readChunkSize is the ~4 MiB streaming chunk size spec.md §4.5
// specifies for checksum accumulation.
const readChunkSize = 4 << 20

// hardlinkKey identifies a guest inode for the dev/ino hardlink
// table, per §4.5/§9: the table is keyed by (dev, ino) and an entry
// is discarded once the observed link count is reached, bounding
// memory.
type hardlinkKey struct {
	dev uint64
	ino uint64
}

type builderState struct {
	fs              sandbox.Client
	flags           Flags
	pending         map[hardlinkKey]*pendingLink
	seenSubvolUUIDs map[string]bool
}

type pendingLink struct {
	inode     *Inode
	remaining int
}

// FromGuest walks the guest filesystem fs depth-first from "/" and
// builds a tree, per §4.5.
func FromGuest(ctx context.Context, fs sandbox.Client, flags Flags) (*Tree, error) {
	st := &builderState{
		fs:              fs,
		flags:           flags,
		pending:         make(map[hardlinkKey]*pendingLink),
		seenSubvolUUIDs: make(map[string]bool),
	}

	rootStat, err := fs.LstatNS(ctx, "/")
	if err != nil {
		return nil, c2verr.New(c2verr.Sandbox, "tree.from_guest", err)
	}
	t := NewTree(statFromGuest(rootStat))
	t.Root.Inode.Xattrs = mustXattrs(ctx, fs, "/")

	if err := st.walkDir(ctx, t.Root, "/"); err != nil {
		t.Destroy()
		return nil, err
	}
	return t, nil
}

func (st *builderState) walkDir(ctx context.Context, dirEntry *Entry, guestPath string) error {
	entries, err := st.fs.Ls(ctx, guestPath)
	if err != nil {
		return c2verr.New(c2verr.Sandbox, "tree.from_guest.ls", err)
	}
	for _, de := range entries {
		if de.Name == "." || de.Name == ".." {
			continue
		}
		childPath := joinGuestPath(guestPath, de.Name)
		gstat, err := st.fs.LstatNS(ctx, childPath)
		if err != nil {
			return c2verr.New(c2verr.Sandbox, "tree.from_guest.lstat", err)
		}

		if gstat.Nlink > 1 {
			key := hardlinkKey{dev: gstat.Dev, ino: gstat.Ino}
			if p, ok := st.pending[key]; ok {
				dirEntry.Inode.addChild(&Entry{Name: de.Name, Inode: p.inode})
				p.inode.ref()
				p.remaining--
				if p.remaining <= 0 {
					delete(st.pending, key)
				}
				continue
			}
		}

		in, isBtrfsRoot, err := st.buildInode(ctx, childPath, gstat)
		if err != nil {
			return err
		}
		dirEntry.Inode.addChild(&Entry{Name: de.Name, Inode: in})

		if gstat.Nlink > 1 {
			key := hardlinkKey{dev: gstat.Dev, ino: gstat.Ino}
			st.pending[key] = &pendingLink{inode: in, remaining: int(gstat.Nlink) - 1}
		}

		if in.Type == Directory {
			if isBtrfsRoot && st.flags.SkipBtrfsSnapshots {
				continue // don't descend into an already-seen snapshot tree
			}
			newEntry := &Entry{Name: de.Name, Inode: in}
			if err := st.walkDir(ctx, newEntry, childPath); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildInode populates one inode from a guest stat result. It reports
// whether the path is a btrfs subvolume root that should stop descent
// (its UUID or parent UUID already observed), per §4.5.
func (st *builderState) buildInode(ctx context.Context, path string, gstat sandbox.StatResult) (*Inode, bool, error) {
	ftype := fileTypeFromMode(gstat.Mode)
	in := NewInode(ftype, statFromGuest(gstat))
	in.Xattrs = mustXattrs(ctx, st.fs, path)

	isBtrfsSubvolRoot := gstat.Ino == 256 && major(gstat.Dev) == 0

	// The btrfs empty-subvol directory marker (ino=2, dev major 0,
	// mode drwxr-xr-x, a==m==c) gets its timestamps zeroed, per §4.5.
	if gstat.Ino == 2 && major(gstat.Dev) == 0 && ftype == Directory &&
		gstat.Mode&0o7777 == 0o755 &&
		gstat.Atime == gstat.Mtime && gstat.Mtime == gstat.Ctime {
		in.Stat.Atime = Timespec{}
		in.Stat.Mtime = Timespec{}
		in.Stat.Ctime = Timespec{}
	}

	stopDescent := false
	if isBtrfsSubvolRoot && st.flags.SkipBtrfsSnapshots {
		info, err := st.fs.BtrfsSubvolumeShow(ctx, path)
		if err == nil {
			if st.seenSubvolUUIDs[info.UUID] || (info.ParentUUID != "" && st.seenSubvolUUIDs[info.ParentUUID]) {
				stopDescent = true
			}
			st.seenSubvolUUIDs[info.UUID] = true
		}
	}

	switch ftype {
	case Symlink:
		target, err := st.fs.Readlink(ctx, path)
		if err != nil {
			return nil, false, c2verr.New(c2verr.Sandbox, "tree.from_guest.readlink", err)
		}
		in.SymlinkTarget = target
	case Regular:
		if st.flags.Checksum {
			sum, err := st.checksumFile(ctx, path, gstat.Size)
			if err != nil {
				return nil, false, err
			}
			in.SHA256 = sum
		}
	}
	return in, stopDescent, nil
}

func (st *builderState) checksumFile(ctx context.Context, path string, size int64) (digest.Digest, error) {
	h := sha256.New()
	var off int64
	for off < size {
		n := int64(readChunkSize)
		if size-off < n {
			n = size - off
		}
		data, err := st.fs.Pread(ctx, path, off, n)
		if err != nil {
			return "", c2verr.New(c2verr.Sandbox, "tree.from_guest.pread", err)
		}
		h.Write(data)
		off += int64(len(data))
		if len(data) == 0 {
			break
		}
	}
	return digest.NewDigestFromBytes(digest.SHA256, h.Sum(nil)), nil
}

func mustXattrs(ctx context.Context, fs sandbox.Client, path string) []Xattr {
	x, err := fs.LgetXattrs(ctx, path)
	if err != nil {
		return nil
	}
	out := make([]Xattr, 0, len(x))
	for _, xa := range x {
		out = append(out, Xattr{Name: xa.Name, Value: xa.Value})
	}
	return out
}

func statFromGuest(g sandbox.StatResult) Stat {
	return Stat{
		Mode:  g.Mode,
		UID:   g.UID,
		GID:   g.GID,
		Rdev:  g.Rdev,
		Size:  g.Size,
		Nlink: g.Nlink,
		Atime: Timespec{Sec: g.Atime.Sec, Nsec: g.Atime.Nsec},
		Mtime: Timespec{Sec: g.Mtime.Sec, Nsec: g.Mtime.Nsec},
		Ctime: Timespec{Sec: g.Ctime.Sec, Nsec: g.Ctime.Nsec},
	}
}

func fileTypeFromMode(mode uint32) FileType {
	switch mode & modeFmt {
	case modeDir:
		return Directory
	case modeSymlnk:
		return Symlink
	case modeChrDev:
		return CharDevice
	case modeBlkDev:
		return BlockDevice
	case modeFifo:
		return Fifo
	case modeSocket:
		return Socket
	default:
		return Regular
	}
}

func major(dev uint64) uint32 {
	maj, _ := majorMinor(dev)
	return maj
}

func joinGuestPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}
