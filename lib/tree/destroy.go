package tree

// destroyInode releases an inode at link count zero: frees xattrs
// (implicit, GC'd), recurses into children, and the symlink target
// (also GC'd). Called only when the caller has already decremented
// the link count to zero.
func destroyInode(in *Inode) {
	if in.Type == Directory {
		for _, e := range in.Children() {
			destroyEntry(e)
		}
	}
}

// destroyEntry detaches e from its parent's bookkeeping (the caller
// is responsible for removeChild) and decrements its inode, releasing
// the inode when the link count reaches zero.
func destroyEntry(e *Entry) {
	in := e.Inode
	in.linkCount--
	in.Stat.Nlink = uint32(in.linkCount)
	if in.linkCount <= 0 {
		destroyInode(in)
	}
}

// Destroy tears down the entire tree from the root entry, releasing
// every inode transitively. Safe to call on a partially built tree
// during pipeline failure cleanup (§5).
func (t *Tree) Destroy() {
	if t == nil || t.Root == nil {
		return
	}
	destroyEntry(t.Root)
	t.Root = nil
}

// Detach removes the child named name from dir (a Directory inode's
// entry), decrementing and possibly releasing its inode. Returns
// false if no such child exists.
func Detach(dir *Entry, name string) bool {
	child := dir.Inode.Lookup(name)
	if child == nil {
		return false
	}
	dir.Inode.removeChild(name)
	destroyEntry(child)
	return true
}

// DetachAll removes every child of dir, per the opaque-whiteout rule
// (§4.5: ".wh..wh..opq deletes all children").
func DetachAll(dir *Entry) {
	for _, name := range append([]string(nil), dir.Inode.childOrder...) {
		Detach(dir, name)
	}
}
