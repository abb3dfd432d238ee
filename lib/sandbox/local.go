package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/onkernel/c2v/lib/c2verr"
)

// Local implements Client directly against a qemu-img-created,
// loop/NBD-mounted qcow2+btrfs filesystem on the host, the way
// lib/images/disk.go's convertToExt4 wraps mkfs.ext4 via
// exec.Command. It is the default backend both pipelines exercise;
// RPC remains available for an actual split-VM deployment without
// changing pipeline code, since both satisfy Client.
type Local struct {
	root       string // host path root's mount is bound to
	loopDevice string
	mounts     []string // guest paths mounted, for UmountAll (lexicographic order preserved)
}

// NewLocal creates a Local backend rooted at an (as yet unmounted)
// host directory; CreateQcow2/FormatBtrfs/MountRoot populate it.
func NewLocal(hostRoot string) *Local {
	return &Local{root: hostRoot}
}

func (l *Local) hostPath(guestPath string) string {
	return filepath.Join(l.root, guestPath)
}

// UseDevice presets the backing device InspectOS/ListFilesystems
// report, for callers (cmd/v2c) that already have a formatted disk
// and only need mountInputDisk's §4.6 policy to mount it — as opposed
// to c2v's CreateQcow2+FormatBtrfs+MountRoot sequence, which sets it
// as a side effect of formatting.
func (l *Local) UseDevice(device string) {
	l.loopDevice = device
}

func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return c2verr.New(c2verr.Sandbox, "sandbox.local."+name,
			fmt.Errorf("%w: %s", err, stderr.String()))
	}
	return nil
}

func runOutput(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		return "", c2verr.New(c2verr.Sandbox, "sandbox.local."+name, err)
	}
	return string(out), nil
}

func (l *Local) CreateQcow2(ctx context.Context, path string, sizeBytes int64) error {
	return run(ctx, "qemu-img", "create", "-f", "qcow2", path, fmt.Sprintf("%d", sizeBytes))
}

func (l *Local) FormatBtrfs(ctx context.Context, device string) error {
	return run(ctx, "mkfs.btrfs", "-f", device)
}

func (l *Local) MountRoot(ctx context.Context, device, mountpoint string) error {
	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return c2verr.New(c2verr.Environment, "sandbox.local.mountroot", err)
	}
	if err := run(ctx, "mount", "-t", "btrfs", device, mountpoint); err != nil {
		return err
	}
	l.root = mountpoint
	l.loopDevice = device
	l.mounts = append(l.mounts, "/")
	return nil
}

func (l *Local) InspectOS(ctx context.Context) ([]OS, error) {
	// A single-disk local mount is always treated as one Linux OS
	// rooted at "/", matching the §4.6 "Mount policy" fallback when no
	// richer OS inspector is available.
	return []OS{{Type: "linux", Mountpoints: []Mountpoint{{Path: "/", Device: l.loopDevice}}}}, nil
}

func (l *Local) ListFilesystems(ctx context.Context) ([]Filesystem, error) {
	return []Filesystem{{Device: l.loopDevice, Type: "btrfs"}}, nil
}

func (l *Local) Mount(ctx context.Context, device, path string) error {
	target := l.hostPath(path)
	if err := os.MkdirAll(target, 0755); err != nil {
		return c2verr.New(c2verr.Environment, "sandbox.local.mount", err)
	}
	if err := run(ctx, "mount", device, target); err != nil {
		return err
	}
	l.mounts = append(l.mounts, path)
	return nil
}

func (l *Local) MkdirAll(ctx context.Context, path string, mode uint32) error {
	if err := os.MkdirAll(l.hostPath(path), os.FileMode(mode)); err != nil {
		return c2verr.New(c2verr.Environment, "sandbox.local.mkdirall", err)
	}
	return nil
}

func (l *Local) IsDir(ctx context.Context, path string) (bool, error) {
	fi, err := os.Lstat(l.hostPath(path))
	if err != nil {
		return false, c2verr.New(c2verr.Environment, "sandbox.local.isdir", err)
	}
	return fi.IsDir(), nil
}

func (l *Local) Ls(ctx context.Context, path string) ([]DirEntry, error) {
	entries, err := os.ReadDir(l.hostPath(path))
	if err != nil {
		return nil, c2verr.New(c2verr.Environment, "sandbox.local.ls", err)
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Name()})
	}
	return out, nil
}

func (l *Local) LstatNS(ctx context.Context, path string) (StatResult, error) {
	var st unix.Stat_t
	if err := unix.Lstat(l.hostPath(path), &st); err != nil {
		return StatResult{}, c2verr.New(c2verr.Environment, "sandbox.local.lstat", err)
	}
	return StatResult{
		Mode:  st.Mode,
		UID:   st.Uid,
		GID:   st.Gid,
		Rdev:  uint64(st.Rdev),
		Size:  st.Size,
		Nlink: uint32(st.Nlink),
		Dev:   uint64(st.Dev),
		Ino:   st.Ino,
		Atime: Timespec{Sec: int64(st.Atim.Sec), Nsec: int64(st.Atim.Nsec)},
		Mtime: Timespec{Sec: int64(st.Mtim.Sec), Nsec: int64(st.Mtim.Nsec)},
		Ctime: Timespec{Sec: int64(st.Ctim.Sec), Nsec: int64(st.Ctim.Nsec)},
	}, nil
}

func (l *Local) LgetXattrs(ctx context.Context, path string) ([]Xattr, error) {
	hp := l.hostPath(path)
	sz, err := unix.Llistxattr(hp, nil)
	if err != nil {
		if err == unix.ENOTSUP || err == unix.EOPNOTSUPP {
			return nil, nil
		}
		return nil, c2verr.New(c2verr.Environment, "sandbox.local.llistxattr", err)
	}
	if sz == 0 {
		return nil, nil
	}
	buf := make([]byte, sz)
	n, err := unix.Llistxattr(hp, buf)
	if err != nil {
		return nil, c2verr.New(c2verr.Environment, "sandbox.local.llistxattr", err)
	}
	var out []Xattr
	for _, name := range splitNulTerminated(buf[:n]) {
		vsz, err := unix.Lgetxattr(hp, name, nil)
		if err != nil {
			continue
		}
		val := make([]byte, vsz)
		if vsz > 0 {
			if _, err := unix.Lgetxattr(hp, name, val); err != nil {
				continue
			}
		}
		out = append(out, Xattr{Name: name, Value: val})
	}
	return out, nil
}

func splitNulTerminated(buf []byte) []string {
	var out []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				out = append(out, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

func (l *Local) LxattrList(ctx context.Context, dir string, children []string) (map[string][]Xattr, error) {
	out := make(map[string][]Xattr, len(children))
	for _, c := range children {
		x, err := l.LgetXattrs(ctx, filepath.Join(dir, c))
		if err != nil {
			return nil, err
		}
		out[c] = x
	}
	return out, nil
}

func (l *Local) Readlink(ctx context.Context, path string) (string, error) {
	target, err := os.Readlink(l.hostPath(path))
	if err != nil {
		return "", c2verr.New(c2verr.Environment, "sandbox.local.readlink", err)
	}
	return target, nil
}

func (l *Local) Pread(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	f, err := os.Open(l.hostPath(path))
	if err != nil {
		return nil, c2verr.New(c2verr.Environment, "sandbox.local.pread", err)
	}
	defer f.Close()
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return nil, c2verr.New(c2verr.Environment, "sandbox.local.pread", err)
	}
	return buf[:n], nil
}

func (l *Local) Pwrite(ctx context.Context, path string, offset int64, data []byte) error {
	f, err := os.OpenFile(l.hostPath(path), os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return c2verr.New(c2verr.Environment, "sandbox.local.pwrite", err)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return c2verr.New(c2verr.Environment, "sandbox.local.pwrite", err)
	}
	return nil
}

func (l *Local) Chmod(ctx context.Context, path string, mode uint32) error {
	if err := os.Chmod(l.hostPath(path), os.FileMode(mode&0o7777)); err != nil {
		return c2verr.New(c2verr.Environment, "sandbox.local.chmod", err)
	}
	return nil
}

func (l *Local) Chown(ctx context.Context, path string, uid, gid uint32) error {
	if err := os.Chown(l.hostPath(path), int(uid), int(gid)); err != nil {
		return c2verr.New(c2verr.Environment, "sandbox.local.chown", err)
	}
	return nil
}

func (l *Local) Lchown(ctx context.Context, path string, uid, gid uint32) error {
	if err := os.Lchown(l.hostPath(path), int(uid), int(gid)); err != nil {
		return c2verr.New(c2verr.Environment, "sandbox.local.lchown", err)
	}
	return nil
}

func (l *Local) Lsetxattr(ctx context.Context, path, name string, value []byte) error {
	if err := unix.Lsetxattr(l.hostPath(path), name, value, 0); err != nil {
		return c2verr.New(c2verr.Environment, "sandbox.local.lsetxattr", err)
	}
	return nil
}

func (l *Local) Utimens(ctx context.Context, path string, atime, mtime Timespec) error {
	ts := []unix.Timespec{
		{Sec: atime.Sec, Nsec: atime.Nsec},
		{Sec: mtime.Sec, Nsec: mtime.Nsec},
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, l.hostPath(path), ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return c2verr.New(c2verr.Environment, "sandbox.local.utimens", err)
	}
	return nil
}

func (l *Local) Truncate(ctx context.Context, path string, size int64) error {
	if err := os.Truncate(l.hostPath(path), size); err != nil {
		return c2verr.New(c2verr.Environment, "sandbox.local.truncate", err)
	}
	return nil
}

func (l *Local) Mknod(ctx context.Context, path string, mode uint32, major, minor uint32) error {
	dev := unix.Mkdev(major, minor)
	if err := unix.Mknod(l.hostPath(path), mode, int(dev)); err != nil {
		return c2verr.New(c2verr.Environment, "sandbox.local.mknod", err)
	}
	return nil
}

func (l *Local) Link(ctx context.Context, oldpath, newpath string) error {
	if err := os.Link(l.hostPath(oldpath), l.hostPath(newpath)); err != nil {
		return c2verr.New(c2verr.Environment, "sandbox.local.link", err)
	}
	return nil
}

func (l *Local) Symlink(ctx context.Context, target, newpath string) error {
	if err := os.Symlink(target, l.hostPath(newpath)); err != nil {
		return c2verr.New(c2verr.Environment, "sandbox.local.symlink", err)
	}
	return nil
}

func (l *Local) RemoveFile(ctx context.Context, path string) error {
	err := os.Remove(l.hostPath(path))
	if err != nil && !os.IsNotExist(err) {
		return c2verr.New(c2verr.Environment, "sandbox.local.rm", err)
	}
	return nil
}

func (l *Local) RemoveAll(ctx context.Context, path string) error {
	if err := os.RemoveAll(l.hostPath(path)); err != nil {
		return c2verr.New(c2verr.Environment, "sandbox.local.rmrf", err)
	}
	return nil
}

func (l *Local) Umask(ctx context.Context, mask uint32) (uint32, error) {
	prev := syscall.Umask(int(mask))
	return uint32(prev), nil
}

func (l *Local) BtrfsSnapshot(ctx context.Context, source, dest string, readOnly bool) error {
	args := []string{"subvolume", "snapshot"}
	if readOnly {
		args = append(args, "-r")
	}
	args = append(args, l.hostPath(source), l.hostPath(dest))
	return run(ctx, "btrfs", args...)
}

func (l *Local) BtrfsSubvolumeShow(ctx context.Context, path string) (SubvolumeInfo, error) {
	out, err := runOutput(ctx, "btrfs", "subvolume", "show", l.hostPath(path))
	if err != nil {
		return SubvolumeInfo{}, err
	}
	var info SubvolumeInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "UUID:"):
			info.UUID = strings.TrimSpace(strings.TrimPrefix(line, "UUID:"))
		case strings.HasPrefix(line, "Parent UUID:"):
			info.ParentUUID = strings.TrimSpace(strings.TrimPrefix(line, "Parent UUID:"))
		}
	}
	return info, nil
}

func (l *Local) RemoveFstabRule(ctx context.Context, mountpoint string) error {
	path := l.hostPath("/etc/fstab")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return c2verr.New(c2verr.Environment, "sandbox.local.fstab", err)
	}
	var kept []string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == mountpoint {
			continue
		}
		kept = append(kept, line)
	}
	return os.WriteFile(path, []byte(strings.Join(kept, "\n")), 0644)
}

func (l *Local) RunCommand(ctx context.Context, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", c2verr.New(c2verr.Sandbox, "sandbox.local.run", fmt.Errorf("empty command"))
	}
	cmd := exec.CommandContext(ctx, "chroot", append([]string{l.root}, argv...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), c2verr.New(c2verr.Sandbox, "sandbox.local.run", err)
	}
	return string(out), nil
}

func (l *Local) UmountAll(ctx context.Context) error {
	for i := len(l.mounts) - 1; i >= 0; i-- {
		_ = run(ctx, "umount", l.hostPath(l.mounts[i]))
	}
	l.mounts = nil
	return nil
}

func (l *Local) Shutdown(ctx context.Context) error { return nil }

func (l *Local) Close() error { return nil }

var _ Client = (*Local)(nil)
