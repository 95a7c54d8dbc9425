package tx

import (
	"context"
	"fmt"

	"github.com/arborfs/arbor/keyfmt"
	"github.com/arborfs/arbor/node"
)

// pendingSplit records a leaf (or interior) split performed during
// Commit's Step 5, deferred until Step 7 assigns the commit's journal
// sequence — the new btree_ptr_v2 keys a split produces carry that seq
// (spec.md §4.2) so a later path_get can tell a resident copy from a
// stale one.
type pendingSplit struct {
	btreeID uint8
	path    *Path
	left    *node.Node
	right   *node.Node
}

// linkSplit wires s's right sibling into the tree so both halves stay
// reachable through PathGet and Fsck, per spec.md §4.2's "the parent is
// queued for update" and §4.8 step 5: either a btree_ptr_v2 inserted into
// the split node's existing parent — itself split in turn if that
// insert overflows it, walking toward the root — or, when the split node
// had no parent (it was the tree's root), a freshly built interior root
// one level taller.
//
// The parent is mutated under whatever lock path_get already left on it
// (at most ModeRead — there is no ancestor-intent acquisition anywhere
// in this package) rather than upgraded to write first; see DESIGN.md's
// node/tx limitations entry for why that's an accepted simplification
// rather than a real protocol.
func (t *Transaction) linkSplit(ctx context.Context, s pendingSplit, seq uint64) error {
	left, right := s.left, s.right
	left.Seq = seq
	right.Seq = seq

	rightID := t.e.Cache.Insert(right)
	t.e.Cache.RecordLoc(node.Loc{BtreeID: s.btreeID, Level: right.Level, Seq: right.Seq}, rightID)

	leftKey := btreePtrKey(left.Max, left)
	rightKey := btreePtrKey(right.Max, right)

	// s.path.levels is leaf-first after PathGet's reordering: index 0 is
	// the node that just split (== left), index 1 its parent if one was
	// walked through to reach it.
	levels := s.path.levels
	if len(levels) < 2 {
		newRoot := node.NewInterior(s.btreeID, left.Level+1, left.Min, right.Max)
		newRoot.Seq = seq
		newRoot.Insert(leftKey)
		newRoot.Insert(rightKey)
		rootID := t.e.Cache.Insert(newRoot)
		t.e.Cache.RecordLoc(node.Loc{BtreeID: s.btreeID, Level: newRoot.Level, Seq: newRoot.Seq}, rootID)
		left.Parent = rootID
		right.Parent = rootID
		t.e.SetRoot(s.btreeID, rootID)
		return nil
	}

	parentID := levels[1].id
	parent, err := t.e.Cache.Get(ctx, parentID, nil)
	if err != nil {
		return fmt.Errorf("tx: link split: load parent: %w", err)
	}
	left.Parent = parentID
	right.Parent = parentID
	parent.Insert(leftKey)
	parent.Insert(rightKey)
	parent.Seq = seq

	if !parent.NeedsSplit() {
		return nil
	}
	parentRight := parent.Split(node.DefaultFillPercent)
	if parentRight == nil {
		return nil
	}
	up := pendingSplit{btreeID: s.btreeID, path: &Path{levels: levels[1:]}, left: parent, right: parentRight}
	return t.linkSplit(ctx, up, seq)
}

// btreePtrKey builds a btree_ptr_v2 key whose position is the upper
// bound (exclusive) of the range n covers, matching findChild's "first
// child key with Pos strictly greater than target" descent convention;
// MinKey carries n's actual lower bound for ValidateChildren
// (node.ValidateChildren, and Fsck's use of it) to check invariant 2
// against.
//
// Ptrs is a placeholder — split-created nodes have no on-disk bucket
// address in this engine (see DESIGN.md); resolving a resident node by
// Loc never reaches the Ptrs fallback (node.Cache.GetByLoc tries its
// resident secondary index first), so the placeholder is never
// dereferenced for the lifetime of a live mount.
func btreePtrKey(upper keyfmt.Pos, n *node.Node) keyfmt.Key {
	return keyfmt.Key{
		Header: keyfmt.Header{Type: keyfmt.KeyTypeBtreePtrV2, Pos: upper},
		Value: keyfmt.BtreePtrV2{
			Ptrs:    []uint64{0},
			Seq:     n.Seq,
			MinKey:  n.Min,
			Sectors: 0,
		},
	}
}
