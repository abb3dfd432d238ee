package tree

import (
	"strings"

	"github.com/onkernel/c2v/lib/c2verr"
)

// splitPath normalizes path into its non-empty components: strips
// leading "/" or "./", strips trailing "/", per §4.5's "Normalise
// name" rule applied generally to path lookup.
func splitPath(path string) []string {
	path = strings.TrimPrefix(path, "./")
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Find performs recursive descent by first path component, directory
// entries only — lookup through symlinks is deliberately unsupported
// (§4.5). Returns the entry at path, or an error if any intermediate
// component is missing or not a directory.
func (t *Tree) Find(path string) (*Entry, error) {
	parts := splitPath(path)
	cur := t.Root
	for _, part := range parts {
		if cur.Inode.Type != Directory {
			return nil, c2verr.New(c2verr.State, "tree.find", c2verr.ErrNotDirectory)
		}
		next := cur.Inode.Lookup(part)
		if next == nil {
			return nil, nil
		}
		cur = next
	}
	return cur, nil
}

// FindParent resolves the directory entry that should contain path's
// basename, returning (parent, basename). It is a precondition
// violation (§4.5: "missing intermediate directories are a
// precondition violation") for any intermediate component to be
// absent; the caller is expected to have created them already.
func (t *Tree) FindParent(path string) (parent *Entry, base string, err error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, "", c2verr.New(c2verr.State, "tree.find_parent", c2verr.ErrNotDirectory)
	}
	cur := t.Root
	for _, part := range parts[:len(parts)-1] {
		if cur.Inode.Type != Directory {
			return nil, "", c2verr.New(c2verr.State, "tree.find_parent", c2verr.ErrNotDirectory)
		}
		next := cur.Inode.Lookup(part)
		if next == nil {
			return nil, "", c2verr.New(c2verr.State, "tree.find_parent", c2verr.ErrNotDirectory)
		}
		cur = next
	}
	if cur.Inode.Type != Directory {
		return nil, "", c2verr.New(c2verr.State, "tree.find_parent", c2verr.ErrNotDirectory)
	}
	return cur, parts[len(parts)-1], nil
}
