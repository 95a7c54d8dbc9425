package node

import (
	"fmt"
	"sort"

	"github.com/arborfs/arbor/keyfmt"
)

// MaxBsets is the threshold at which a node's accumulated bsets are
// merged into one by Sort (spec.md §4.2, "Sort/compact").
const MaxBsets = 3

// FillPercent bounds a split's target fill, the way the teacher's
// Bucket.FillPercent bounds bolt's node.splitTwo threshold.
const (
	MinFillPercent = 0.1
	MaxFillPercent = 1.0
	DefaultFillPercent = 0.5
)

// Node is the in-memory, deserialized form of one on-disk btree node.
// A commit inserts into the resident node in place and records the
// change in the journal; it does not write a fresh node image or retire
// the old bucket. A node's on-disk image is written only by Cache.Persist.
type Node struct {
	ID      ID
	BtreeID uint8
	Level   uint8
	Min, Max keyfmt.Pos
	Seq      uint64
	Parent   ID

	Bsets []*keyfmt.Bset

	// ReadError is set when the last fill from the block layer failed
	// checksum/decrypt verification (spec.md §4.2, "Read-in").
	ReadError error
}

func NewLeaf(btreeID uint8, min, max keyfmt.Pos) *Node {
	return &Node{BtreeID: btreeID, Level: 0, Min: min, Max: max, Bsets: []*keyfmt.Bset{keyfmt.NewBset()}}
}

func NewInterior(btreeID uint8, level uint8, min, max keyfmt.Pos) *Node {
	return &Node{BtreeID: btreeID, Level: level, Min: min, Max: max, Bsets: []*keyfmt.Bset{keyfmt.NewBset()}}
}

func (n *Node) IsLeaf() bool { return n.Level == 0 }

// Covers reports whether pos falls within [Min, Max).
func (n *Node) Covers(pos keyfmt.Pos) bool {
	return !pos.Less(n.Min) && (n.Max.Equal(keyfmt.PosMax) || pos.Less(n.Max))
}

// Size estimates the node's serialized size across all its bsets, the
// same budget bolt's node.size() tracks per page.
func (n *Node) Size() int {
	sz := HeaderBytes
	for _, b := range n.Bsets {
		sz += 16 // per-bset checksum + format header
		for _, k := range b.Keys {
			sz += k.EncodedSize()
		}
	}
	return sz
}

// NeedsSort reports whether the node has accumulated enough bsets to be
// worth merging (spec.md §4.2).
func (n *Node) NeedsSort() bool { return len(n.Bsets) > MaxBsets }

// Sort merges every bset into a single one, deduplicating by latest-wins
// per invariant 1 (spec.md §3).
func (n *Node) Sort() {
	if len(n.Bsets) <= 1 {
		return
	}
	merged := keyfmt.NewMergeIterator(n.Bsets)
	out := keyfmt.NewBset()
	for {
		k, ok := merged.Next()
		if !ok {
			break
		}
		out.Append(k)
	}
	out.Reindex()
	n.Bsets = []*keyfmt.Bset{out}
}

// Insert stages k into the node's newest (last) bset — new writes always
// land in a fresh or most-recent bset rather than disturbing older,
// possibly-still-being-read ones.
func (n *Node) Insert(k keyfmt.Key) {
	if len(n.Bsets) == 0 {
		n.Bsets = append(n.Bsets, keyfmt.NewBset())
	}
	n.Bsets[len(n.Bsets)-1].Insert(k)
}

// Merged returns a read view across every bset, newest-last priority.
func (n *Node) Merged() *keyfmt.MergeIterator {
	return keyfmt.NewMergeIterator(n.Bsets)
}

// NeedsSplit reports whether the node has grown past its on-disk budget.
func (n *Node) NeedsSplit() bool { return n.Size() > NodeSize }

// Split breaks an overflowing node into two siblings covering disjoint,
// contiguous sub-ranges of the original [Min, Max) — invariant 2 (spec.md
// §3). The receiver becomes the left sibling in place; the returned node
// is the new right sibling and has ID == NoID until the caller allocates
// a bucket for it.
func (n *Node) Split(fillPercent float64) *Node {
	n.Sort() // split only makes sense over a single merged bset
	if fillPercent < MinFillPercent {
		fillPercent = MinFillPercent
	} else if fillPercent > MaxFillPercent {
		fillPercent = MaxFillPercent
	}
	threshold := int(float64(NodeSize) * fillPercent)

	base := n.Bsets[0]
	splitIdx := splitIndex(base, threshold)
	if splitIdx <= 0 || splitIdx >= len(base.Keys) {
		return nil
	}

	rightKeys := append([]keyfmt.Key(nil), base.Keys[splitIdx:]...)
	base.Keys = base.Keys[:splitIdx]
	base.Reindex()

	splitPos := rightKeys[0].Pos
	right := &Node{
		BtreeID: n.BtreeID,
		Level:   n.Level,
		Min:     splitPos,
		Max:     n.Max,
		Parent:  n.Parent,
		Bsets:   []*keyfmt.Bset{{Format: base.Format, Keys: rightKeys}},
	}
	right.Bsets[0].Reindex()
	n.Max = splitPos
	return right
}

func splitIndex(b *keyfmt.Bset, threshold int) int {
	sz := HeaderBytes
	for i, k := range b.Keys {
		sz += k.EncodedSize()
		if sz > threshold && i > 0 {
			return i
		}
	}
	return len(b.Keys)
}

// Validate checks invariant 1 across every resident bset.
func (n *Node) Validate() error {
	for i, b := range n.Bsets {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("node %d bset %d: %w", n.ID, i, err)
		}
	}
	return nil
}

// ValidateChildren checks invariant 2 — the position ranges of an
// interior node's btree_ptr_v2 children are contiguous and
// non-overlapping and together cover [n.Min, n.Max).
func ValidateChildren(parentMin, parentMax keyfmt.Pos, children []keyfmt.Pos) error {
	if len(children) == 0 {
		return nil
	}
	sorted := append([]keyfmt.Pos(nil), children...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	if !sorted[0].Equal(parentMin) {
		return fmt.Errorf("node: child ranges do not start at parent min")
	}
	if !sorted[len(sorted)-1].Less(parentMax) && !sorted[len(sorted)-1].Equal(parentMax) {
		return fmt.Errorf("node: child ranges exceed parent max")
	}
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Compare(sorted[i-1]) <= 0 {
			return fmt.Errorf("node: overlapping or unordered child ranges")
		}
	}
	return nil
}
