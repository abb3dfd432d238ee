package c2vpipeline

import (
	"context"

	"github.com/onkernel/c2v/lib/sandbox"
)

// fakeClient is a minimal in-memory sandbox.Client stand-in for unit
// tests that exercise this package's pure replay logic (whiteout pass,
// data pass) without a real guest filesystem. Tests configure the
// lookup hooks they need (ls, isDir) and inspect the recorded calls.
type fakeClient struct {
	ls    func(ctx context.Context, path string) ([]sandbox.DirEntry, error)
	isDir func(ctx context.Context, path string) (bool, error)

	removeAllCalls   []string
	removeFileCalls  []string
	mkdirAllCalls    []string
	mknodCalls       []string
	symlinkCalls     [][2]string // {target, newpath}
	linkCalls        [][2]string // {oldpath, newpath}
	chmodCalls       []string
	lchownCalls      []string
	lsetxattrCalls   []string
	pwriteCalls      []string
	truncateCalls    []string
	pwriteData       map[string][]byte
}

func (f *fakeClient) CreateQcow2(ctx context.Context, path string, sizeBytes int64) error { return nil }
func (f *fakeClient) FormatBtrfs(ctx context.Context, device string) error                { return nil }
func (f *fakeClient) MountRoot(ctx context.Context, device, mountpoint string) error       { return nil }
func (f *fakeClient) InspectOS(ctx context.Context) ([]sandbox.OS, error)                  { return nil, nil }
func (f *fakeClient) ListFilesystems(ctx context.Context) ([]sandbox.Filesystem, error)    { return nil, nil }
func (f *fakeClient) Mount(ctx context.Context, device, path string) error                 { return nil }

func (f *fakeClient) MkdirAll(ctx context.Context, path string, mode uint32) error {
	f.mkdirAllCalls = append(f.mkdirAllCalls, path)
	return nil
}

func (f *fakeClient) IsDir(ctx context.Context, path string) (bool, error) {
	if f.isDir != nil {
		return f.isDir(ctx, path)
	}
	return false, nil
}

func (f *fakeClient) Ls(ctx context.Context, path string) ([]sandbox.DirEntry, error) {
	if f.ls != nil {
		return f.ls(ctx, path)
	}
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
func (f *fakeClient) Readlink(ctx context.Context, path string) (string, error) { return "", nil }
func (f *fakeClient) Pread(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	return nil, nil
}

func (f *fakeClient) Pwrite(ctx context.Context, path string, offset int64, data []byte) error {
	f.pwriteCalls = append(f.pwriteCalls, path)
	if f.pwriteData == nil {
		f.pwriteData = make(map[string][]byte)
	}
	f.pwriteData[path] = append([]byte{}, data...)
	return nil
}
func (f *fakeClient) Chmod(ctx context.Context, path string, mode uint32) error {
	f.chmodCalls = append(f.chmodCalls, path)
	return nil
}
func (f *fakeClient) Chown(ctx context.Context, path string, uid, gid uint32) error { return nil }
func (f *fakeClient) Lchown(ctx context.Context, path string, uid, gid uint32) error {
	f.lchownCalls = append(f.lchownCalls, path)
	return nil
}
func (f *fakeClient) Lsetxattr(ctx context.Context, path, name string, value []byte) error {
	f.lsetxattrCalls = append(f.lsetxattrCalls, path+":"+name)
	return nil
}
func (f *fakeClient) Utimens(ctx context.Context, path string, atime, mtime sandbox.Timespec) error {
	return nil
}

func (f *fakeClient) Truncate(ctx context.Context, path string, size int64) error {
	f.truncateCalls = append(f.truncateCalls, path)
	return nil
}

func (f *fakeClient) Mknod(ctx context.Context, path string, mode uint32, major, minor uint32) error {
	f.mknodCalls = append(f.mknodCalls, path)
	return nil
}

func (f *fakeClient) Link(ctx context.Context, oldpath, newpath string) error {
	f.linkCalls = append(f.linkCalls, [2]string{oldpath, newpath})
	return nil
}

func (f *fakeClient) Symlink(ctx context.Context, target, newpath string) error {
	f.symlinkCalls = append(f.symlinkCalls, [2]string{target, newpath})
	return nil
}

func (f *fakeClient) RemoveFile(ctx context.Context, path string) error {
	f.removeFileCalls = append(f.removeFileCalls, path)
	return nil
}

func (f *fakeClient) RemoveAll(ctx context.Context, path string) error {
	f.removeAllCalls = append(f.removeAllCalls, path)
	return nil
}

func (f *fakeClient) Umask(ctx context.Context, mask uint32) (uint32, error) { return 0, nil }

func (f *fakeClient) BtrfsSnapshot(ctx context.Context, source, dest string, readOnly bool) error {
	return nil
}
func (f *fakeClient) BtrfsSubvolumeShow(ctx context.Context, path string) (sandbox.SubvolumeInfo, error) {
	return sandbox.SubvolumeInfo{}, nil
}

func (f *fakeClient) RemoveFstabRule(ctx context.Context, mountpoint string) error { return nil }
func (f *fakeClient) RunCommand(ctx context.Context, argv []string) (string, error) {
	return "", nil
}

func (f *fakeClient) UmountAll(ctx context.Context) error { return nil }
func (f *fakeClient) Shutdown(ctx context.Context) error  { return nil }
func (f *fakeClient) Close() error                        { return nil }

var _ sandbox.Client = (*fakeClient)(nil)
