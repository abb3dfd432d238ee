// Package sandbox defines the VM sandbox client interface (§4.6): the
// external collaborator the core treats as a narrow, synchronous
// filesystem/btrfs/inspection service over a guest disk. The core
// never touches guest memory directly — every operation in this
// package either succeeds or the caller aborts the pipeline (§7,
// SandboxError).
//
// Grounded on lib/guest/client.go (vsock dial + pooled connection
// pattern) and lib/system/guest_agent/{main,stat,cp}.go (one file per
// RPC verb, vsock.Listen on a fixed port). The teacher's agent is
// exposed over generated gRPC from a .proto file not present in the
// retrieved pack; this port frames the same verbs over stdlib
// net/rpc (gob) atop the same github.com/mdlayher/vsock transport —
// see DESIGN.md's "VM sandbox transport" Open Question decision.
package sandbox

import (
	"context"
	"time"
)

// Timespec mirrors tree.Timespec without importing lib/tree, keeping
// this package's dependency graph one-directional (tree depends on
// sandbox, not the reverse).
type Timespec struct {
	Sec  int64
	Nsec int64
}

// StatResult is the extended, nanosecond-precision stat the teacher's
// lstatns RPC verb returns.
type StatResult struct {
	Mode  uint32
	UID   uint32
	GID   uint32
	Rdev  uint64
	Size  int64
	Nlink uint32
	Dev   uint64
	Ino   uint64
	Atime Timespec
	Mtime Timespec
	Ctime Timespec
}

// Xattr is a single extended attribute.
type Xattr struct {
	Name  string
	Value []byte
}

// DirEntry is one entry returned by Ls.
type DirEntry struct {
	Name string
}

// Mountpoint is one {path, device} pair from an inspected OS.
type Mountpoint struct {
	Path   string
	Device string
}

// OS describes one operating system the inspector detected.
type OS struct {
	Type        string // "linux", "windows", ...
	Mountpoints []Mountpoint
}

// Filesystem describes one filesystem the inspector can see when no
// OS was detected (the §4.6 fallback path).
type Filesystem struct {
	Device string
	Type   string // "swap", "unknown", "ext4", "btrfs", ...
}

// SubvolumeInfo is the key/value pairs `btrfs subvolume show` reports
// that the tree builder's snapshot-skip logic needs.
type SubvolumeInfo struct {
	UUID       string
	ParentUUID string
}

// Client is the narrow interface the core depends on. Two
// implementations satisfy it: RPC (a real vsock-connected guest
// agent) and Local (a host-side implementation using qemu-img/
// mkfs.btrfs/mount/btrfs-subvolume via os/exec), per DESIGN.md.
type Client interface {
	// Disk lifecycle.
	CreateQcow2(ctx context.Context, path string, sizeBytes int64) error
	FormatBtrfs(ctx context.Context, device string) error
	MountRoot(ctx context.Context, device, mountpoint string) error

	// Inspection.
	InspectOS(ctx context.Context) ([]OS, error)
	ListFilesystems(ctx context.Context) ([]Filesystem, error)

	// Filesystem operations (all paths are guest-absolute).
	Mount(ctx context.Context, device, path string) error
	MkdirAll(ctx context.Context, path string, mode uint32) error
	IsDir(ctx context.Context, path string) (bool, error)
	Ls(ctx context.Context, path string) ([]DirEntry, error)
	LstatNS(ctx context.Context, path string) (StatResult, error)
	LxattrList(ctx context.Context, dir string, children []string) (map[string][]Xattr, error)
	LgetXattrs(ctx context.Context, path string) ([]Xattr, error)
	Readlink(ctx context.Context, path string) (string, error)
	Pread(ctx context.Context, path string, offset, length int64) ([]byte, error)
	Pwrite(ctx context.Context, path string, offset int64, data []byte) error
	Chmod(ctx context.Context, path string, mode uint32) error
	Chown(ctx context.Context, path string, uid, gid uint32) error
	Lchown(ctx context.Context, path string, uid, gid uint32) error
	Lsetxattr(ctx context.Context, path, name string, value []byte) error
	Utimens(ctx context.Context, path string, atime, mtime Timespec) error
	Truncate(ctx context.Context, path string, size int64) error
	Mknod(ctx context.Context, path string, mode uint32, major, minor uint32) error
	Link(ctx context.Context, oldpath, newpath string) error
	Symlink(ctx context.Context, target, newpath string) error
	RemoveFile(ctx context.Context, path string) error
	RemoveAll(ctx context.Context, path string) error
	Umask(ctx context.Context, mask uint32) (uint32, error)

	// btrfs.
	BtrfsSnapshot(ctx context.Context, source, dest string, readOnly bool) error
	BtrfsSubvolumeShow(ctx context.Context, path string) (SubvolumeInfo, error)

	// Guest configuration and command execution.
	RemoveFstabRule(ctx context.Context, mountpoint string) error
	RunCommand(ctx context.Context, argv []string) (stdout string, err error)

	// Lifecycle.
	UmountAll(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Close() error
}

// DialTimeout is a dial budget for sandbox connections, matching the
// teacher's pooled-connection dial budget. Nothing in this package
// applies it; DialRPC dials without a timeout.
const DialTimeout = 10 * time.Second
