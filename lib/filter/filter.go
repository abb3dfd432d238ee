// Package filter implements the filter builder and matcher (§4.9): a
// Bloom-filter membership sketch of a container image's regular
// files, and a scorer that estimates how many tar bytes of a source
// image's layers a VM tree could reuse. Grounded on
// original_source/src/v2c-mkfindlayerfilter.c for the Bloom parameter
// derivation (m/k/p formulas) and layout (1 header byte + bitmap).
package filter

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/onkernel/c2v/lib/c2verr"
	"github.com/onkernel/c2v/lib/tree"
)

// falsePositiveRate is the fixed target false-positive rate p (§4.9).
const falsePositiveRate = 1e-5

// minBits is the floor on m (2^3 bits), per §4.9.
const minBits = 8

// Filter is an in-memory Bloom filter: k hash rounds, m/8 bytes of
// bitmap.
type Filter struct {
	K    int
	M    uint64 // number of bits, a power of two
	bits []byte
}

// Params computes (m, k) for a population of n regular files, per
// §4.9: m is the smallest power of two >= ceil(-(n ln p) / (ln 2)^2),
// floored at 2^3 bits; k = round((m/n) ln 2).
func Params(n int) (m uint64, k int) {
	if n <= 0 {
		return minBits, 1
	}
	raw := math.Ceil(-(float64(n) * math.Log(falsePositiveRate)) / (math.Ln2 * math.Ln2))
	m = nextPowerOfTwo(uint64(raw))
	if m < minBits {
		m = minBits
	}
	k = int(math.Round((float64(m) / float64(n)) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 255 {
		k = 255
	}
	return m, k
}

func nextPowerOfTwo(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return v + 1
}

// New creates an empty filter sized for n regular-file entries.
func New(n int) *Filter {
	m, k := Params(n)
	return &Filter{K: k, M: m, bits: make([]byte, m/8)}
}

// entryKey serializes an entry's identity for the per-entry hash
// (§4.9): path || NUL || mode || uid || gid || size || mtime.sec ||
// sha256 || sum(xattr.name || NUL || xattr.len || xattr.value).
// Integer fields are native-endian, matching the C source this spec
// distills — the filter format is therefore architecture-specific,
// as spec.md §4.9 states explicitly.
func entryKey(path string, in *tree.Inode) []byte {
	buf := make([]byte, 0, 128+len(path))
	buf = append(buf, []byte(path)...)
	buf = append(buf, 0)
	buf = appendNative32(buf, in.Stat.Mode)
	buf = appendNative32(buf, in.Stat.UID)
	buf = appendNative32(buf, in.Stat.GID)
	buf = appendNative64(buf, uint64(in.Stat.Size))
	buf = appendNative64(buf, uint64(in.Stat.Mtime.Sec))
	if in.SHA256 != "" {
		buf = append(buf, []byte(in.SHA256.Hex())...)
	}
	for _, x := range in.Xattrs {
		buf = append(buf, []byte(x.Name)...)
		buf = append(buf, 0)
		buf = appendNative32(buf, uint32(len(x.Value)))
		buf = append(buf, x.Value...)
	}
	return buf
}

func appendNative32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendNative64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// keyedHashCacheSize is how many of the k keyed hashes a per-file
// pre-hash cache stores, per §4.9 ("first 15 keyed hashes").
const keyedHashCacheSize = 15

// hashIndex computes HMAC-SHA256(key=i, msg=entryKey)[:4] as a
// little-endian uint32, per §4.9's per-entry hash.
func hashIndex(i int, msg []byte) uint32 {
	mac := hmac.New(sha256.New, []byte{byte(i)})
	mac.Write(msg)
	sum := mac.Sum(nil)
	return binary.LittleEndian.Uint32(sum[:4])
}

// Add inserts one regular-file entry into the filter.
func (f *Filter) Add(path string, in *tree.Inode) {
	msg := entryKey(path, in)
	for i := 0; i < f.K; i++ {
		idx := uint64(hashIndex(i, msg)) % f.M
		f.bits[idx/8] |= 1 << (idx % 8)
	}
}

// BuildFromTree walks t's regular-file entries and populates a fresh
// filter sized for the observed population.
func BuildFromTree(t *tree.Tree) *Filter {
	n := countRegularFiles(t.Root.Inode, "")
	f := New(n)
	walkRegularFiles(t.Root.Inode, "", func(path string, in *tree.Inode) {
		f.Add(path, in)
	})
	return f
}

func countRegularFiles(in *tree.Inode, path string) int {
	n := 0
	walkRegularFiles(in, path, func(string, *tree.Inode) { n++ })
	return n
}

func walkRegularFiles(in *tree.Inode, path string, fn func(string, *tree.Inode)) {
	if in.Type != tree.Directory {
		return
	}
	for _, e := range in.Children() {
		childPath := path + "/" + e.Name
		if e.Inode.Type == tree.Regular {
			fn(childPath, e.Inode)
		} else if e.Inode.Type == tree.Directory {
			walkRegularFiles(e.Inode, childPath, fn)
		}
	}
}

// Bytes returns the on-disk encoding: one byte k, then m/8 bytes of
// bitmap (§6).
func (f *Filter) Bytes() []byte {
	out := make([]byte, 1+len(f.bits))
	out[0] = byte(f.K)
	copy(out[1:], f.bits)
	return out
}

// Parse decodes a filter file's bytes, validating that (len-1) is a
// power of two >= 1, per §6.
func Parse(data []byte) (*Filter, error) {
	if len(data) < 2 {
		return nil, c2verr.New(c2verr.Format, "filter.parse", c2verr.ErrBadFilterSize)
	}
	bodyLen := uint64(len(data) - 1)
	if bodyLen == 0 || (bodyLen&(bodyLen-1)) != 0 {
		return nil, c2verr.New(c2verr.Format, "filter.parse",
			fmt.Errorf("%w: body length %d is not a power of two", c2verr.ErrBadFilterSize, bodyLen))
	}
	return &Filter{K: int(data[0]), M: bodyLen * 8, bits: data[1:]}, nil
}

// Test reports whether every bit predicted by an entry's k hashes is
// set, i.e. the filter claims the entry is present.
func (f *Filter) Test(path string, in *tree.Inode) bool {
	msg := entryKey(path, in)
	for i := 0; i < f.K; i++ {
		idx := uint64(hashIndex(i, msg)) % f.M
		if f.bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

// Score estimates the reused tar bytes when materializing t against
// filter f: for each regular-file entry the filter claims is present,
// add its estimated tar cost (§4.9: ceil(size/512)*512 + 512 header).
// Score computes every hash afresh; Discover instead uses scoreCached,
// which keeps a per-file cache of the first keyedHashCacheSize hashes
// across the many filters it scores the same tree against.
func Score(t *tree.Tree, f *Filter) int64 {
	var total int64
	walkRegularFiles(t.Root.Inode, "", func(path string, in *tree.Inode) {
		if f.Test(path, in) {
			total += tarCost(in.Stat.Size)
		}
	})
	return total
}

func tarCost(size int64) int64 {
	blocks := (size + 511) / 512
	return blocks*512 + 512
}
