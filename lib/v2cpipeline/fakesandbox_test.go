package v2cpipeline

import (
	"context"

	"github.com/onkernel/c2v/lib/sandbox"
)

// fakeClient is a minimal in-memory sandbox.Client stand-in for unit
// tests that exercise this package's pure orchestration logic (mount
// policy, config assembly) without a real VM sandbox. Unused methods
// return zero values; tests override only the hooks they need.
type fakeClient struct {
	inspectOS        func(ctx context.Context) ([]sandbox.OS, error)
	listFilesystems  func(ctx context.Context) ([]sandbox.Filesystem, error)
	mountRootCalls   []string // "device:mountpoint"
	mountCalls       []string // "device:path"
	mkdirAllErr      map[string]error
	readlink         func(ctx context.Context, path string) (string, error)
	runCommandCalls  [][]string
}

func (f *fakeClient) CreateQcow2(ctx context.Context, path string, sizeBytes int64) error { return nil }
func (f *fakeClient) FormatBtrfs(ctx context.Context, device string) error                { return nil }

func (f *fakeClient) MountRoot(ctx context.Context, device, mountpoint string) error {
	f.mountRootCalls = append(f.mountRootCalls, device+":"+mountpoint)
	return nil
}

func (f *fakeClient) InspectOS(ctx context.Context) ([]sandbox.OS, error) {
	if f.inspectOS != nil {
		return f.inspectOS(ctx)
	}
	return nil, nil
}

func (f *fakeClient) ListFilesystems(ctx context.Context) ([]sandbox.Filesystem, error) {
	if f.listFilesystems != nil {
		return f.listFilesystems(ctx)
	}
	return nil, nil
}

func (f *fakeClient) Mount(ctx context.Context, device, path string) error {
	f.mountCalls = append(f.mountCalls, device+":"+path)
	return nil
}

func (f *fakeClient) MkdirAll(ctx context.Context, path string, mode uint32) error {
	if err, ok := f.mkdirAllErr[path]; ok {
		return err
	}
	return nil
}

func (f *fakeClient) IsDir(ctx context.Context, path string) (bool, error) { return false, nil }
func (f *fakeClient) Ls(ctx context.Context, path string) ([]sandbox.DirEntry, error) {
	return nil, nil
}
func (f *fakeClient) LstatNS(ctx context.Context, path string) (sandbox.StatResult, error) {
	return sandbox.StatResult{}, nil
}
func (f *fakeClient) LxattrList(ctx context.Context, dir string, children []string) (map[string][]sandbox.Xattr, error) {
	return nil, nil
}
func (f *fakeClient) LgetXattrs(ctx context.Context, path string) ([]sandbox.Xattr, error) {
	return nil, nil
}

func (f *fakeClient) Readlink(ctx context.Context, path string) (string, error) {
	if f.readlink != nil {
		return f.readlink(ctx, path)
	}
	return "", nil
}

func (f *fakeClient) Pread(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	return make([]byte, length), nil
}
func (f *fakeClient) Pwrite(ctx context.Context, path string, offset int64, data []byte) error {
	return nil
}
func (f *fakeClient) Chmod(ctx context.Context, path string, mode uint32) error  { return nil }
func (f *fakeClient) Chown(ctx context.Context, path string, uid, gid uint32) error { return nil }
func (f *fakeClient) Lchown(ctx context.Context, path string, uid, gid uint32) error {
	return nil
}
func (f *fakeClient) Lsetxattr(ctx context.Context, path, name string, value []byte) error {
	return nil
}
func (f *fakeClient) Utimens(ctx context.Context, path string, atime, mtime sandbox.Timespec) error {
	return nil
}
func (f *fakeClient) Truncate(ctx context.Context, path string, size int64) error { return nil }
func (f *fakeClient) Mknod(ctx context.Context, path string, mode uint32, major, minor uint32) error {
	return nil
}
func (f *fakeClient) Link(ctx context.Context, oldpath, newpath string) error    { return nil }
func (f *fakeClient) Symlink(ctx context.Context, target, newpath string) error { return nil }
func (f *fakeClient) RemoveFile(ctx context.Context, path string) error         { return nil }
func (f *fakeClient) RemoveAll(ctx context.Context, path string) error          { return nil }
func (f *fakeClient) Umask(ctx context.Context, mask uint32) (uint32, error)    { return 0, nil }

func (f *fakeClient) BtrfsSnapshot(ctx context.Context, source, dest string, readOnly bool) error {
	return nil
}
func (f *fakeClient) BtrfsSubvolumeShow(ctx context.Context, path string) (sandbox.SubvolumeInfo, error) {
	return sandbox.SubvolumeInfo{}, nil
}

func (f *fakeClient) RemoveFstabRule(ctx context.Context, mountpoint string) error { return nil }
func (f *fakeClient) RunCommand(ctx context.Context, argv []string) (string, error) {
	f.runCommandCalls = append(f.runCommandCalls, argv)
	return "", nil
}

func (f *fakeClient) UmountAll(ctx context.Context) error { return nil }
func (f *fakeClient) Shutdown(ctx context.Context) error  { return nil }
func (f *fakeClient) Close() error                        { return nil }

var _ sandbox.Client = (*fakeClient)(nil)
