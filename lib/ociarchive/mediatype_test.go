package ociarchive

import "testing"

func TestCompressionForMediaTypeKnown(t *testing.T) {
	cases := map[string]Compression{
		"application/vnd.oci.image.layer.v1.tar":                             CompressionNone,
		"application/vnd.oci.image.layer.v1.tar+gzip":                        CompressionGzip,
		"application/vnd.oci.image.layer.v1.tar+zstd":                        CompressionZstd,
		"application/vnd.oci.image.layer.nondistributable.v1.tar+zstd":       CompressionZstd,
	}
	for mt, want := range cases {
		got, ok := CompressionForMediaType(mt)
		if !ok {
			t.Fatalf("CompressionForMediaType(%q) not recognized", mt)
		}
		if got != want {
			t.Fatalf("CompressionForMediaType(%q) = %v, want %v", mt, got, want)
		}
	}
}

func TestCompressionForMediaTypeUnknown(t *testing.T) {
	if _, ok := CompressionForMediaType("application/x-nonsense"); ok {
		t.Fatal("expected unknown media type to be rejected")
	}
}

func TestLayerMediaTypeRoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionGzip, CompressionZstd} {
		mt := LayerMediaType(c)
		got, ok := CompressionForMediaType(mt)
		if !ok {
			t.Fatalf("LayerMediaType(%v) = %q is not itself recognized", c, mt)
		}
		if got != c {
			t.Fatalf("round trip through LayerMediaType(%v) gave %v", c, got)
		}
	}
}
