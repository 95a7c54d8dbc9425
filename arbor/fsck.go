package arbor

import (
	"context"
	"fmt"

	"github.com/arborfs/arbor/keyfmt"
	"github.com/arborfs/arbor/node"
)

// FsckReport is the result of a full-tree walk: human-readable summary
// lines plus any invariant violations found. A non-empty Violations
// slice means the filesystem image is not trustworthy.
type FsckReport struct {
	Lines      []string
	Violations []string
}

// Fsck opens every fixed tree at its current root and walks it
// depth-first, checking invariant 1 (keys within a node are sorted and
// non-overlapping, spec.md §3) at every level and invariant 2 (a parent's
// children cover its range contiguously without gaps or overlap) at
// every interior node.
func (fs *FS) Fsck(ctx context.Context) (FsckReport, error) {
	var report FsckReport
	for _, btreeID := range btreeIDs {
		rootID, ok := fs.engine.Root(btreeID)
		if !ok {
			report.Violations = append(report.Violations, fmt.Sprintf("%s: no root installed", btreeName(btreeID)))
			continue
		}
		count, err := fs.walkTree(ctx, btreeID, rootID, &report)
		if err != nil {
			return report, err
		}
		report.Lines = append(report.Lines, fmt.Sprintf("%s: %d keys", btreeName(btreeID), count))
	}
	return report, nil
}

// TreeKeyCounts reports how many leaf-level keys each tree currently
// holds, for `arborctl stat`.
func (fs *FS) TreeKeyCounts(ctx context.Context) (map[uint8]int, error) {
	var report FsckReport
	counts := make(map[uint8]int)
	for _, btreeID := range btreeIDs {
		rootID, ok := fs.engine.Root(btreeID)
		if !ok {
			continue
		}
		count, err := fs.walkTree(ctx, btreeID, rootID, &report)
		if err != nil {
			return nil, err
		}
		counts[btreeID] = count
	}
	return counts, nil
}

// walkTree descends the subtree rooted at id and returns the number of
// leaf keys beneath it, recording any invariant violation it finds into
// report rather than stopping the walk.
func (fs *FS) walkTree(ctx context.Context, btreeID uint8, id node.ID, report *FsckReport) (int, error) {
	n, err := fs.engine.Cache.Get(ctx, id, nil)
	if err != nil {
		return 0, err
	}
	if err := n.Validate(); err != nil {
		report.Violations = append(report.Violations, fmt.Sprintf("%s: node %d: %v", btreeName(btreeID), id, err))
	}

	if n.IsLeaf() {
		count := 0
		it := n.Merged()
		for {
			if _, ok := it.Next(); !ok {
				break
			}
			count++
		}
		return count, nil
	}

	var children []keyfmt.Pos
	total := 0
	it := n.Merged()
	for {
		k, ok := it.Next()
		if !ok {
			break
		}
		ptr, isPtr := k.Value.(keyfmt.BtreePtrV2)
		if !isPtr {
			continue
		}
		children = append(children, ptr.MinKey)

		loc := node.Loc{BtreeID: btreeID, Level: n.Level - 1, Seq: ptr.Seq}
		_, childID, err := fs.engine.Cache.GetByLoc(ctx, loc, ptr.Ptrs)
		if err != nil {
			report.Violations = append(report.Violations, fmt.Sprintf("%s: child at %s: %v", btreeName(btreeID), k.Pos, err))
			continue
		}
		childCount, err := fs.walkTree(ctx, btreeID, childID, report)
		if err != nil {
			return total, err
		}
		total += childCount
	}
	if err := node.ValidateChildren(n.Min, n.Max, children); err != nil {
		report.Violations = append(report.Violations, fmt.Sprintf("%s: node %d: %v", btreeName(btreeID), id, err))
	}
	return total, nil
}
