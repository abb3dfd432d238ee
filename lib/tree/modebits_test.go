package tree

import "testing"

func TestMakedevMajorMinorRoundTrip(t *testing.T) {
	cases := []struct{ major, minor uint32 }{
		{0, 0},
		{1, 1},
		{8, 1},   // /dev/sda1
		{136, 0}, // /dev/pts/0
		{0xfff, 0xfffff00 | 0xff},
	}
	for _, c := range cases {
		rdev := makedev(c.major, c.minor)
		gotMajor, gotMinor := majorMinor(rdev)
		if gotMajor != c.major || gotMinor != c.minor {
			t.Fatalf("makedev(%d,%d) -> majorMinor = (%d,%d)", c.major, c.minor, gotMajor, gotMinor)
		}
	}
}

func TestTypeModeBitsMatchesFileType(t *testing.T) {
	cases := []struct {
		ft   FileType
		bits uint32
	}{
		{Regular, modeReg},
		{Directory, modeDir},
		{Symlink, modeSymlnk},
		{CharDevice, modeChrDev},
		{BlockDevice, modeBlkDev},
		{Fifo, modeFifo},
		{Socket, modeSocket},
	}
	for _, c := range cases {
		if got := typeModeBits(c.ft); got != c.bits {
			t.Fatalf("typeModeBits(%v) = %o, want %o", c.ft, got, c.bits)
		}
	}
}

func TestFileTypeFromTarRoundTrip(t *testing.T) {
	types := []FileType{Regular, Directory, Symlink, CharDevice, BlockDevice, Fifo}
	for _, ft := range types {
		tt := typeToTar(ft)
		if got := fileTypeFromTar(tt); got != ft {
			t.Fatalf("fileTypeFromTar(typeToTar(%v)) = %v", ft, got)
		}
	}
}
