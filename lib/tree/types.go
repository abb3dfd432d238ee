// Package tree implements the layered-filesystem tree model (§4.5):
// an in-memory tree of name-edges over reference-counted inodes with
// hardlink sharing, built from either a guest filesystem or an OCI
// layer, consumed by the two pipelines and the filter builder.
//
// This is the one component with no direct teacher analogue (hypeman
// has no in-memory layered-filesystem model); it is grounded on
// original_source/lib/mtree/entry.c (the C implementation this spec
// distills) for the algorithm — hardlink-table-keyed-by-(dev,ino),
// whiteout two-pass apply, btrfs-subvolume-root detection — expressed
// here as Go reference-counted structs per spec.md §9's "Reference-
// counted inodes, no cycles" design note: the directory->child
// relationship is strict ownership on the Entry, not the Inode.
package tree

import (
	"github.com/opencontainers/go-digest"
)

// FileType is the inode's file type, the subset spec.md §3 names.
type FileType int

const (
	Regular FileType = iota
	Directory
	Symlink
	CharDevice
	BlockDevice
	Fifo
	Socket
)

// Timespec is a seconds+nanoseconds timestamp, per spec.md §3.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// Equal compares two timestamps for the diff algorithm's mtime
// comparison.
func (t Timespec) Equal(o Timespec) bool { return t.Sec == o.Sec && t.Nsec == o.Nsec }

// IsZero reports whether both fields are zero, used by the diff
// algorithm's "atime only when both non-zero" rule.
func (t Timespec) IsZero() bool { return t.Sec == 0 && t.Nsec == 0 }

// Xattr is an extended attribute name/value pair.
type Xattr struct {
	Name  string
	Value []byte
}

// Stat holds the inode metadata fields spec.md §3 names.
type Stat struct {
	Mode  uint32 // file type bits + permission bits (as in syscall.Stat_t.Mode)
	UID   uint32
	GID   uint32
	Rdev  uint64 // char/block device major/minor, packed
	Size  int64
	Nlink uint32
	Atime Timespec
	Mtime Timespec
	Ctime Timespec
}

// Inode is a reference-counted filesystem object. Exactly one of its
// body fields is meaningful, selected by Type.
type Inode struct {
	Type   FileType
	Stat   Stat
	Xattrs []Xattr

	// SHA256 is set for a Regular inode built with checksums enabled;
	// it is the digest of the exact byte stream the entry reads as.
	SHA256 digest.Digest

	// SymlinkTarget is set for Symlink inodes.
	SymlinkTarget string

	// children holds a Directory inode's entries, in insertion order
	// (childOrder) plus a name index (children) for O(1) lookup.
	children   map[string]*Entry
	childOrder []string

	// linkCount is the inode's reference count: the number of Entry
	// values that point at it. It must always equal Stat.Nlink for a
	// live inode (§3 invariant).
	linkCount int
}

// NewInode creates an inode of the given type with link count 1.
func NewInode(t FileType, st Stat) *Inode {
	in := &Inode{Type: t, Stat: st, linkCount: 1}
	if t == Directory {
		in.children = make(map[string]*Entry)
	}
	in.Stat.Nlink = 1
	return in
}

// LinkCount returns the inode's current reference count.
func (in *Inode) LinkCount() int { return in.linkCount }

// Ref increments the inode's link count, used when a new Entry is
// pointed at an already-live inode (hardlink).
func (in *Inode) ref() {
	in.linkCount++
	in.Stat.Nlink = uint32(in.linkCount)
}

// Children returns the directory's entries in insertion order. Panics
// if in is not a Directory inode (precondition: callers check Type).
func (in *Inode) Children() []*Entry {
	out := make([]*Entry, 0, len(in.childOrder))
	for _, name := range in.childOrder {
		out = append(out, in.children[name])
	}
	return out
}

// Lookup returns the direct child entry named name, or nil.
func (in *Inode) Lookup(name string) *Entry {
	return in.children[name]
}

// addChild inserts e as a new child entry, recording insertion order.
// The caller must have already verified name uniqueness.
func (in *Inode) addChild(e *Entry) {
	in.children[e.Name] = e
	in.childOrder = append(in.childOrder, e.Name)
	in.Stat.Nlink = uint32(in.linkCount)
}

// removeChild detaches the named child entry (without destroying its
// inode — callers that want that call Entry.destroy first).
func (in *Inode) removeChild(name string) {
	delete(in.children, name)
	for i, n := range in.childOrder {
		if n == name {
			in.childOrder = append(in.childOrder[:i], in.childOrder[i+1:]...)
			break
		}
	}
}

// Entry is a name-edge {name, inode} appearing in exactly one
// directory's children.
type Entry struct {
	Name  string
	Inode *Inode
}

// Tree is a root entry named "/" whose inode is a directory.
type Tree struct {
	Root *Entry
}

// NewTree creates an empty tree: a root directory inode with the
// given stat.
func NewTree(rootStat Stat) *Tree {
	root := NewInode(Directory, rootStat)
	return &Tree{Root: &Entry{Name: "/", Inode: root}}
}

// Flags control optional behavior of the tree builders (§4.5).
type Flags struct {
	// Checksum enables streaming regular-file bytes through sha256 at
	// build time.
	Checksum bool
	// SkipBtrfsSnapshots stops from_guest's descent at btrfs subvolume
	// roots whose UUID or parent UUID has already been seen.
	SkipBtrfsSnapshots bool
}
