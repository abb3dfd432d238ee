package v2cpipeline

import (
	"context"
	"testing"

	"github.com/onkernel/c2v/lib/sandbox"
)

func TestMountInputDiskPrefersLinuxOS(t *testing.T) {
	fs := &fakeClient{inspectOS: func(ctx context.Context) ([]sandbox.OS, error) {
		return []sandbox.OS{
			{Type: "windows", Mountpoints: []sandbox.Mountpoint{{Path: "/", Device: "/dev/sdb1"}}},
			{Type: "linux", Mountpoints: []sandbox.Mountpoint{
				{Path: "/boot", Device: "/dev/sda1"},
				{Path: "/", Device: "/dev/sda2"},
			}},
		}, nil
	}}

	mounted, err := mountInputDisk(context.Background(), fs, "/mnt")
	if err != nil {
		t.Fatalf("mountInputDisk: %v", err)
	}
	if len(mounted) != 2 {
		t.Fatalf("mounted = %v, want 2 paths", mounted)
	}
	// Root must be mounted via MountRoot, and lexicographic order puts
	// "/" before "/boot".
	if mounted[0] != "/" || mounted[1] != "/boot" {
		t.Fatalf("mounted = %v, want [/ /boot]", mounted)
	}
	if len(fs.mountRootCalls) != 1 || fs.mountRootCalls[0] != "/dev/sda2:/mnt" {
		t.Fatalf("mountRootCalls = %v", fs.mountRootCalls)
	}
	if len(fs.mountCalls) != 1 || fs.mountCalls[0] != "/dev/sda1:/boot" {
		t.Fatalf("mountCalls = %v", fs.mountCalls)
	}
}

func TestMountInputDiskFallsBackToFirstFilesystem(t *testing.T) {
	fs := &fakeClient{
		listFilesystems: func(ctx context.Context) ([]sandbox.Filesystem, error) {
			return []sandbox.Filesystem{
				{Device: "/dev/sda1", Type: "swap"},
				{Device: "/dev/sda2", Type: "unknown"},
				{Device: "/dev/sda3", Type: "ext4"},
			}, nil
		},
	}

	mounted, err := mountInputDisk(context.Background(), fs, "/mnt")
	if err != nil {
		t.Fatalf("mountInputDisk: %v", err)
	}
	if len(mounted) != 1 || mounted[0] != "/" {
		t.Fatalf("mounted = %v, want [/]", mounted)
	}
	if len(fs.mountRootCalls) != 1 || fs.mountRootCalls[0] != "/dev/sda3:/mnt" {
		t.Fatalf("mountRootCalls = %v, want the first non-swap/unknown filesystem", fs.mountRootCalls)
	}
}

func TestMountInputDiskNoUsableFilesystem(t *testing.T) {
	fs := &fakeClient{
		listFilesystems: func(ctx context.Context) ([]sandbox.Filesystem, error) {
			return []sandbox.Filesystem{{Device: "/dev/sda1", Type: "swap"}}, nil
		},
	}
	if _, err := mountInputDisk(context.Background(), fs, "/mnt"); err == nil {
		t.Fatal("expected an error when no filesystem is mountable")
	}
}
