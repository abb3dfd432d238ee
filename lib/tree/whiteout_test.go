package tree

import "testing"

func TestIsWhiteout(t *testing.T) {
	cases := map[string]bool{
		".wh.foo":        true,
		".wh..wh..opq":   true,
		"foo":            false,
		".whatever":      false,
		"":                false,
	}
	for name, want := range cases {
		if got := IsWhiteout(name); got != want {
			t.Fatalf("IsWhiteout(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestIsOpaqueWhiteout(t *testing.T) {
	if !IsOpaqueWhiteout(".wh..wh..opq") {
		t.Fatal("opaque marker not recognized")
	}
	if IsOpaqueWhiteout(".wh.foo") {
		t.Fatal("plain whiteout misidentified as opaque")
	}
}

func TestWhiteoutTarget(t *testing.T) {
	if got := WhiteoutTarget(".wh.foo"); got != "foo" {
		t.Fatalf("WhiteoutTarget(.wh.foo) = %q, want foo", got)
	}
}

func TestSplitDirBase(t *testing.T) {
	cases := []struct {
		in       string
		dir, base string
	}{
		{"foo", "", "foo"},
		{"a/b", "a", "b"},
		{"a/b/c", "a/b", "c"},
	}
	for _, c := range cases {
		dir, base := splitDirBase(c.in)
		if dir != c.dir || base != c.base {
			t.Fatalf("splitDirBase(%q) = (%q,%q), want (%q,%q)", c.in, dir, base, c.dir, c.base)
		}
	}
}

func TestNormalizeTarName(t *testing.T) {
	cases := map[string]string{
		"./foo/":  "foo",
		"/foo":    "foo",
		"foo/bar": "foo/bar",
		"./":      "",
	}
	for in, want := range cases {
		if got := NormalizeTarName(in); got != want {
			t.Fatalf("NormalizeTarName(%q) = %q, want %q", in, got, want)
		}
	}
}
