package ociarchive

import (
	"github.com/google/go-containerregistry/pkg/v1/types"
)

// Layer media types are reused instead of redeclaring literals: the
// common (non-zstd) media types are the
// same constants lib/registry/registry.go already pulls from
// google/go-containerregistry's pkg/v1/types (per SPEC_FULL.md §3).
// zstd OCI layer media types are not exposed by that package's
// released types, so those two are declared locally against the OCI
// image-spec's published strings.
const (
	mediaTypeImageLayerZstd               types.MediaType = "application/vnd.oci.image.layer.v1.tar+zstd"
	mediaTypeImageLayerNondistributableZstd types.MediaType = "application/vnd.oci.image.layer.nondistributable.v1.tar+zstd"
)

// Compression identifies the codec a layer's mediaType implies.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

// layerMediaTypes maps every accepted layer mediaType (§4.2, including
// the nondistributable siblings) to its compression.
var layerMediaTypes = map[types.MediaType]Compression{
	types.OCIUncompressedLayer:             CompressionNone,
	types.OCIUncompressedRestrictedLayer:   CompressionNone,
	types.OCILayer:                         CompressionGzip,
	types.OCIRestrictedLayer:               CompressionGzip,
	mediaTypeImageLayerZstd:                CompressionZstd,
	mediaTypeImageLayerNondistributableZstd: CompressionZstd,
}

// CompressionForMediaType recovers the compression codec implied by a
// layer's mediaType, per §4.2's open_layer contract.
func CompressionForMediaType(mt string) (Compression, bool) {
	c, ok := layerMediaTypes[types.MediaType(mt)]
	return c, ok
}

// LayerMediaType returns the canonical (distributable) layer mediaType
// string for a compression choice, used by the writer.
func LayerMediaType(c Compression) string {
	switch c {
	case CompressionGzip:
		return string(types.OCILayer)
	case CompressionZstd:
		return string(mediaTypeImageLayerZstd)
	default:
		return string(types.OCIUncompressedLayer)
	}
}

const (
	// ConfigMediaType is the OCI image config document's mediaType.
	ConfigMediaType = string(types.OCIConfigJSON)
	// ManifestMediaType is the OCI image manifest document's mediaType.
	ManifestMediaType = string(types.OCIManifestSchema1)
	// SchemaVersion is the only schemaVersion this engine accepts or
	// produces (§4.2, §6).
	SchemaVersion = 2
)
