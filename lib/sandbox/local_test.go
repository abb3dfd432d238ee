package sandbox

import "testing"

func TestHostPathJoinsUnderRoot(t *testing.T) {
	l := NewLocal("/srv/mnt")
	cases := map[string]string{
		"/":           "/srv/mnt",
		"/etc/passwd": "/srv/mnt/etc/passwd",
		"etc/passwd":  "/srv/mnt/etc/passwd",
	}
	for in, want := range cases {
		if got := l.hostPath(in); got != want {
			t.Fatalf("hostPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUseDeviceSetsLoopDevice(t *testing.T) {
	l := NewLocal("/srv/mnt")
	l.UseDevice("/dev/loop7")
	if l.loopDevice != "/dev/loop7" {
		t.Fatalf("loopDevice = %q, want /dev/loop7", l.loopDevice)
	}
}

func TestSplitNulTerminated(t *testing.T) {
	cases := []struct {
		in   []byte
		want []string
	}{
		{nil, nil},
		{[]byte{0}, nil},
		{[]byte("user.foo\x00"), []string{"user.foo"}},
		{[]byte("user.foo\x00user.bar\x00"), []string{"user.foo", "user.bar"}},
		{[]byte("user.foo\x00\x00user.bar\x00"), []string{"user.foo", "user.bar"}},
	}
	for _, c := range cases {
		got := splitNulTerminated(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("splitNulTerminated(%q) = %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("splitNulTerminated(%q)[%d] = %q, want %q", c.in, i, got[i], c.want[i])
			}
		}
	}
}
