package arbor

// Btree IDs name the closed set of trees spec.md §3 describes ("Tree...
// identified by a small integer btree_id drawn from a closed set").
// Format creates an empty root for each of these; a real build would let
// callers register additional trees, but the set is fixed here the way
// spec.md's "closed set" language implies.
const (
	BtreeExtents uint8 = iota
	BtreeInodes
	BtreeDirents
	BtreeXattrs
	BtreeAlloc
	BtreeStripes
	BtreeReflink
	BtreeSubvolumes
	BtreeSnapshots
)

// btreeIDs lists every tree Format provisions, in a stable order so
// mkfs and fsck agree on what "every tree" means.
var btreeIDs = []uint8{
	BtreeExtents, BtreeInodes, BtreeDirents, BtreeXattrs, BtreeAlloc,
	BtreeStripes, BtreeReflink, BtreeSubvolumes, BtreeSnapshots,
}

// isExtentsTree reports whether btreeID holds extent keys, which changes
// how an iterator over it advances (spec.md §4.7's is_extents filter).
func isExtentsTree(btreeID uint8) bool { return btreeID == BtreeExtents }

// hasSnapshotsTree reports whether btreeID's keys carry a meaningful
// snapshot component and should be read through the ancestor filter.
func hasSnapshotsTree(btreeID uint8) bool {
	switch btreeID {
	case BtreeExtents, BtreeInodes, BtreeDirents, BtreeXattrs:
		return true
	default:
		return false
	}
}

// btreeName is used by stat/fsck output and log fields.
func btreeName(btreeID uint8) string {
	switch btreeID {
	case BtreeExtents:
		return "extents"
	case BtreeInodes:
		return "inodes"
	case BtreeDirents:
		return "dirents"
	case BtreeXattrs:
		return "xattrs"
	case BtreeAlloc:
		return "alloc"
	case BtreeStripes:
		return "stripes"
	case BtreeReflink:
		return "reflink"
	case BtreeSubvolumes:
		return "subvolumes"
	case BtreeSnapshots:
		return "snapshots"
	default:
		return "unknown"
	}
}
