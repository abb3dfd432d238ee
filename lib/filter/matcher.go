package filter

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/onkernel/c2v/lib/c2verr"
	"github.com/onkernel/c2v/lib/paths"
	"github.com/onkernel/c2v/lib/tree"
)

// Candidate is one scored image reference from the matcher's
// discovery walk.
type Candidate struct {
	ImageRef string
	Score    int64
}

// preHashCache memoizes the first keyedHashCacheSize keyed hashes for
// each regular-file entry, avoiding recomputation when the same tree
// is scored against many filters (§4.9).
type preHashCache struct {
	hashes map[string][keyedHashCacheSize]uint32
}

func newPreHashCache(t *tree.Tree) *preHashCache {
	c := &preHashCache{hashes: make(map[string][keyedHashCacheSize]uint32)}
	walkRegularFiles(t.Root.Inode, "", func(path string, in *tree.Inode) {
		msg := entryKey(path, in)
		var hs [keyedHashCacheSize]uint32
		for i := 0; i < keyedHashCacheSize; i++ {
			hs[i] = hashIndex(i, msg)
		}
		c.hashes[path] = hs
	})
	return c
}

// test reports presence using cached hashes for i <
// keyedHashCacheSize and computing the rest on demand.
func (c *preHashCache) test(path string, in *tree.Inode, f *Filter) bool {
	hs, ok := c.hashes[path]
	msg := entryKey(path, in)
	for i := 0; i < f.K; i++ {
		var h uint32
		if ok && i < keyedHashCacheSize {
			h = hs[i]
		} else {
			h = hashIndex(i, msg)
		}
		idx := uint64(h) % f.M
		if f.bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

// scoreCached is Score but reuses a preHashCache across many filters.
func scoreCached(t *tree.Tree, f *Filter, cache *preHashCache) int64 {
	var total int64
	walkRegularFiles(t.Root.Inode, "", func(path string, in *tree.Inode) {
		if cache.test(path, in, f) {
			total += tarCost(in.Stat.Size)
		}
	})
	return total
}

// Discover walks dataDir for "*.filter" files, scores t against each,
// and returns candidates ranked by descending score with
// lexicographic tie-break on image reference, per §4.9's discovery
// rule.
func Discover(t *tree.Tree, dataDir string) ([]Candidate, error) {
	cache := newPreHashCache(t)
	var candidates []Candidate

	err := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".filter") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return c2verr.New(c2verr.Environment, "filter.discover", err)
		}
		f, err := Parse(data)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dataDir, path)
		if err != nil {
			return err
		}
		rel = strings.TrimSuffix(rel, ".filter")
		ref := paths.DecodeRef(rel)
		candidates = append(candidates, Candidate{ImageRef: ref, Score: scoreCached(t, f, cache)})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ImageRef < candidates[j].ImageRef
	})
	return candidates, nil
}
