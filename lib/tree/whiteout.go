package tree

import "strings"

const (
	whiteoutPrefix = ".wh."
	opaqueWhiteout = ".wh..wh..opq"
)

// IsWhiteout reports whether basename names a whiteout or opaque
// whiteout entry (§3, §4.5).
func IsWhiteout(basename string) bool {
	return strings.HasPrefix(basename, whiteoutPrefix)
}

// IsOpaqueWhiteout reports whether basename is the opaque-whiteout
// marker.
func IsOpaqueWhiteout(basename string) bool {
	return basename == opaqueWhiteout
}

// WhiteoutTarget returns the name of the sibling a whiteout basename
// deletes. Only valid when IsWhiteout(basename) && !IsOpaqueWhiteout(basename).
func WhiteoutTarget(basename string) string {
	return strings.TrimPrefix(basename, whiteoutPrefix)
}

// splitDirBase splits a normalized tar entry path into its parent
// directory path (possibly empty, meaning root) and basename.
func splitDirBase(normalized string) (dir, base string) {
	if i := strings.LastIndexByte(normalized, '/'); i >= 0 {
		return normalized[:i], normalized[i+1:]
	}
	return "", normalized
}

// NormalizeTarName strips a leading "/" or "./" and a trailing "/"
// from a tar entry name, per §4.5's "Normalise name" rule.
func NormalizeTarName(name string) string {
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimPrefix(name, "/")
	name = strings.TrimSuffix(name, "/")
	return name
}
