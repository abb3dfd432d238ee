// Package c2vpipeline implements the container -> VM pipeline (§4.7):
// replaying an OCI archive's layers onto a btrfs-backed qcow2 disk,
// snapshotting after each layer, and synthesizing the /.c2v/init boot
// script. Grounded on original_source/src/c2v.c for the literal step
// order (mkdir /.c2v, snapshot-per-layer, init synthesis) and on
// lib/images/disk.go's disk-sizing arithmetic style for the
// max(2x, floor) sizing rule.
package c2vpipeline

import (
	"github.com/onkernel/c2v/lib/tree"
)

// minDiskBytes is the 114,294,784-byte floor (§4.7 step 3, §8 scenario
// 1).
const minDiskBytes = 114_294_784

// blockSize is the rounding unit for regular-file disk-usage
// estimation (§4.7 step 2: "rounded up to 4 KiB blocks").
const blockSize = 4096

// EstimateDiskUsage sums a tree's regular files rounded up to 4 KiB
// blocks, recursing through directories (directories themselves carry
// no estimated cost, matching the source's block-count-only
// heuristic).
func EstimateDiskUsage(t *tree.Tree) int64 {
	return estimateInode(t.Root.Inode)
}

func estimateInode(in *tree.Inode) int64 {
	switch in.Type {
	case tree.Regular:
		return roundUp(in.Stat.Size, blockSize)
	case tree.Directory:
		var total int64
		for _, e := range in.Children() {
			total += estimateInode(e.Inode)
		}
		return total
	default:
		return 0
	}
}

func roundUp(n, unit int64) int64 {
	if n <= 0 {
		return 0
	}
	return ((n + unit - 1) / unit) * unit
}

// DiskSize computes the target qcow2 size for a total estimated usage,
// per §4.7 step 3: max(2 x estimated, floor).
func DiskSize(estimated int64) int64 {
	size := estimated * 2
	if size < minDiskBytes {
		return minDiskBytes
	}
	return size
}
