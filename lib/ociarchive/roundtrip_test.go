package ociarchive

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	ispec "github.com/opencontainers/image-spec/specs-go/v1"
)

func buildLayerTar(t *testing.T, name, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(body))}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := tw.Write([]byte(body)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

// writeTestArchive assembles a minimal single-layer, single-platform
// OCI archive and returns its path.
func writeTestArchive(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "image.tar")

	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	layerBytes := buildLayerTar(t, "hello.txt", "hello world")
	layerDigest, layerSize, err := w.PutBlob(BlobFromBytes(layerBytes))
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}

	cfg := ispec.Image{Config: ispec.ImageConfig{Env: []string{"PATH=/usr/bin"}}}
	cfgDigest, cfgSize, err := w.PutBlobJSON(cfg)
	if err != nil {
		t.Fatalf("PutBlobJSON(config): %v", err)
	}

	arch, osName := NativePlatform()
	manifest := ispec.Manifest{
		Versioned: ispec.Versioned{SchemaVersion: SchemaVersion},
		Config: ispec.Descriptor{
			MediaType: ConfigMediaType,
			Digest:    cfgDigest,
			Size:      cfgSize,
		},
		Layers: []ispec.Descriptor{{
			MediaType: LayerMediaType(CompressionNone),
			Digest:    layerDigest,
			Size:      layerSize,
		}},
	}
	manifestDigest, manifestSize, err := w.PutBlobJSON(manifest)
	if err != nil {
		t.Fatalf("PutBlobJSON(manifest): %v", err)
	}

	err = w.Close([]ispec.Descriptor{{
		MediaType: ManifestMediaType,
		Digest:    manifestDigest,
		Size:      manifestSize,
		Platform:  &ispec.Platform{Architecture: arch, OS: osName},
	}})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestArchiveRoundTrip(t *testing.T) {
	path := writeTestArchive(t)
	r := Open(path)

	idx, err := r.OpenIndex()
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	if idx.SchemaVersion != SchemaVersion {
		t.Fatalf("SchemaVersion = %d, want %d", idx.SchemaVersion, SchemaVersion)
	}

	manifestDigest, err := SelectNativeManifestDigest(idx)
	if err != nil {
		t.Fatalf("SelectNativeManifestDigest: %v", err)
	}

	manifest, err := r.OpenManifest(manifestDigest)
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}
	if len(manifest.Layers) != 1 {
		t.Fatalf("len(Layers) = %d, want 1", len(manifest.Layers))
	}

	cfg, err := r.OpenConfig(manifest.Config.Digest)
	if err != nil {
		t.Fatalf("OpenConfig: %v", err)
	}
	if len(cfg.Config.Env) != 1 || cfg.Config.Env[0] != "PATH=/usr/bin" {
		t.Fatalf("Config.Env = %v", cfg.Config.Env)
	}

	compression, ok := CompressionForMediaType(manifest.Layers[0].MediaType)
	if !ok || compression != CompressionNone {
		t.Fatalf("CompressionForMediaType(%q) = (%v, %v)", manifest.Layers[0].MediaType, compression, ok)
	}

	ls, err := r.OpenLayer(manifest.Layers[0].Digest, compression)
	if err != nil {
		t.Fatalf("OpenLayer: %v", err)
	}
	hdr, err := ls.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if hdr.Name != "hello.txt" {
		t.Fatalf("entry name = %q, want hello.txt", hdr.Name)
	}
	body, err := io.ReadAll(ls)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "hello world" {
		t.Fatalf("entry body = %q", body)
	}
	if _, err := ls.Next(); err != io.EOF {
		t.Fatalf("expected EOF after single entry, got %v", err)
	}

	if err := ls.Rewind(); err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	if _, err := ls.Next(); err != nil {
		t.Fatalf("Next after Rewind: %v", err)
	}
}

func TestSelectNativeManifestDigestNoMatch(t *testing.T) {
	idx := &ispec.Index{
		Versioned: ispec.Versioned{SchemaVersion: SchemaVersion},
		Manifests: []ispec.Descriptor{{
			MediaType: ManifestMediaType,
			Digest:    "sha256:0000000000000000000000000000000000000000000000000000000000000000",
			Platform:  &ispec.Platform{Architecture: "nonexistent-arch", OS: "linux"},
		}},
	}
	if _, err := SelectNativeManifestDigest(idx); err == nil {
		t.Fatal("expected an error when no manifest matches the native platform")
	}
}

func TestOpenIndexRejectsBadSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.tar")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	tw := tar.NewWriter(f)
	idxBytes := []byte(`{"schemaVersion":1,"manifests":[]}`)
	if err := tw.WriteHeader(&tar.Header{Name: "index.json", Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(idxBytes))}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := tw.Write(idxBytes); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tw.Close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("f.Close: %v", err)
	}

	r := Open(path)
	if _, err := r.OpenIndex(); err == nil {
		t.Fatal("expected an error for schemaVersion != 2")
	}
}
