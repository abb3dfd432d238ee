package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTempDirHonorsEnv(t *testing.T) {
	old, had := os.LookupEnv("TMPDIR")
	defer func() {
		if had {
			os.Setenv("TMPDIR", old)
		} else {
			os.Unsetenv("TMPDIR")
		}
	}()

	os.Setenv("TMPDIR", "/custom/scratch")
	if got := TempDir(); got != "/custom/scratch" {
		t.Fatalf("TempDir() = %q, want %q", got, "/custom/scratch")
	}

	os.Unsetenv("TMPDIR")
	if got := TempDir(); got != "/tmp" {
		t.Fatalf("TempDir() = %q, want /tmp", got)
	}
}

func TestEncodeDecodeRefTagRoundTrip(t *testing.T) {
	ref := "docker.io/library/alpine:3.19"
	enc := EncodeRef(ref)
	want := filepath.Join("docker.io/library/alpine", "3.19")
	if enc != want {
		t.Fatalf("EncodeRef(%q) = %q, want %q", ref, enc, want)
	}
	if got := DecodeRef(enc); got != ref {
		t.Fatalf("DecodeRef(%q) = %q, want %q", enc, got, ref)
	}
}

func TestEncodeDecodeRefDigestRoundTrip(t *testing.T) {
	ref := "docker.io/library/alpine@sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"
	enc := EncodeRef(ref)
	if got := DecodeRef(enc); got != ref {
		t.Fatalf("DecodeRef(EncodeRef(%q)) = %q, want %q", ref, got, ref)
	}
}

func TestEncodeRefNoSeparator(t *testing.T) {
	ref := "bare-name"
	if got := EncodeRef(ref); got != ref {
		t.Fatalf("EncodeRef(%q) = %q, want unchanged", ref, got)
	}
}

func TestFilterPath(t *testing.T) {
	p := New("/data")
	got := p.FilterPath("docker.io/library/alpine:3.19")
	want := filepath.Join("/data", "docker.io/library/alpine", "3.19.filter")
	if got != want {
		t.Fatalf("FilterPath() = %q, want %q", got, want)
	}
	if p.DataDir() != "/data" {
		t.Fatalf("DataDir() = %q, want /data", p.DataDir())
	}
}
