package tx

import (
	"context"
	"sort"

	"github.com/arborfs/arbor/keyfmt"
)

// IterFlags selects the filters spec.md §4.7 describes for one
// iterator instance.
type IterFlags struct {
	FilterSnapshots bool
	IsExtents       bool
	Slot            bool
	Cached          bool
}

// Iterator is a thin, direction-aware overlay on a Path: it materializes
// the path's leaf into a merged, filtered, position-ordered slice once
// per reload and then moves an index cursor over it. Re-deriving the
// slice on every mutation keeps peek/next/prev trivially consistent at
// the cost of not being a true streaming merge; correctness over a
// resident leaf (at most NodeSize bytes) is cheap enough to afford that.
type Iterator struct {
	tx    *Transaction
	path  *Path
	want  LockFlag
	flags IterFlags

	keys []keyfmt.Key
	idx  int
}

// IterInit opens a path at pos and wraps it with the requested filters
// (spec.md §4.6's iter_init).
func (t *Transaction) IterInit(ctx context.Context, btreeID uint8, pos keyfmt.Pos, want LockFlag, flags IterFlags) (*Iterator, error) {
	p, err := t.PathGet(ctx, btreeID, pos, want)
	if err != nil {
		return nil, err
	}
	p.cached = flags.Cached
	it := &Iterator{tx: t, path: p, want: want, flags: flags}
	if err := it.Reload(ctx); err != nil {
		return nil, err
	}
	it.Seek(pos)
	return it, nil
}

// Reload recomputes the iterator's visible-key slice from the path's
// current leaf. Callers call this after a mutation that may have
// changed the leaf's contents out from under a live iterator.
func (it *Iterator) Reload(ctx context.Context) error {
	n, err := it.tx.e.Cache.Get(ctx, it.path.LeafID(), nil)
	if err != nil {
		return err
	}

	merged := n.Merged()
	var all []keyfmt.Key
	for {
		k, ok := merged.Next()
		if !ok {
			break
		}
		all = append(all, k)
	}

	if !it.flags.FilterSnapshots {
		it.keys = all
		return nil
	}

	// Snapshot IDs decrease with depth (a parent's ID always exceeds its
	// children's), so among a position's candidates that are visible to
	// this transaction's target snapshot, the nearest ancestor-or-self is
	// the one with the smallest snapshot ID. A whiteout at that nearest
	// candidate only masks the position within its own subtree — it is
	// not itself a terminal answer — so the walk keeps descending toward
	// the next-smallest (next ancestor) candidate instead of stopping,
	// per spec.md §4.9's "deleting a snapshot-local override falls
	// through to the parent's key". A Deleted key is terminal and wins
	// outright: it is visible as a tombstone, not skipped.
	candidates := make(map[keyfmt.Pos][]keyfmt.Key)
	var order []keyfmt.Pos
	for _, k := range all {
		if !it.tx.visibleAtSnapshot(k.Pos.Snapshot) {
			continue
		}
		base := k.Pos
		base.Snapshot = 0
		if _, ok := candidates[base]; !ok {
			order = append(order, base)
		}
		candidates[base] = append(candidates[base], k)
	}
	sort.Slice(order, func(i, j int) bool { return order[i].Compare(order[j]) < 0 })
	visible := make([]keyfmt.Key, 0, len(order))
	for _, base := range order {
		cs := candidates[base]
		sort.Slice(cs, func(i, j int) bool { return cs[i].Pos.Snapshot < cs[j].Pos.Snapshot })
		for _, k := range cs {
			if k.IsWhiteout() {
				continue
			}
			visible = append(visible, k)
			break
		}
	}
	it.keys = visible
	return nil
}

// Seek repositions the cursor at the first visible key with Pos >= pos.
func (it *Iterator) Seek(pos keyfmt.Pos) {
	it.idx = sort.Search(len(it.keys), func(i int) bool {
		return !it.keys[i].Pos.Less(pos)
	})
}

// Peek returns the key at the cursor without advancing, consulting the
// key_cache first for a cached-tree path (spec.md §4.7's key_cache
// filter). If the current leaf is exhausted it transparently crosses
// into the next sibling leaf first (spec.md §4.7, "iterators ... may
// cross leaves transparently").
func (it *Iterator) Peek(ctx context.Context) (keyfmt.Key, bool) {
	for it.idx >= len(it.keys) {
		if !it.crossForward(ctx) {
			return keyfmt.Key{}, false
		}
	}
	if it.idx < 0 {
		return keyfmt.Key{}, false
	}
	k := it.keys[it.idx]
	if it.path.cached {
		if cached, ok := it.tx.CachePeek(it.path.BtreeID, k.Pos); ok {
			return cached, true
		}
	}
	return k, true
}

// PeekPrev returns the key just behind the cursor without moving it,
// crossing into the previous sibling leaf first if the cursor sits at
// the start of the current one.
func (it *Iterator) PeekPrev(ctx context.Context) (keyfmt.Key, bool) {
	for it.idx-1 < 0 {
		if !it.crossBackward(ctx) {
			return keyfmt.Key{}, false
		}
	}
	j := it.idx - 1
	if j >= len(it.keys) {
		return keyfmt.Key{}, false
	}
	return it.keys[j], true
}

// PeekSlot returns the key at exactly pos, or — in slot mode — a
// synthetic tombstone standing in for an absent key, letting a caller
// distinguish "absent" from "deleted" (spec.md §4.7).
func (it *Iterator) PeekSlot(ctx context.Context, pos keyfmt.Pos) (keyfmt.Key, bool) {
	if k, ok := it.Peek(ctx); ok && k.Pos.Equal(pos) {
		return k, true
	}
	if it.flags.Slot {
		return keyfmt.Deleted(pos, 0), true
	}
	return keyfmt.Key{}, false
}

// Next returns the key at the cursor and advances past it.
func (it *Iterator) Next(ctx context.Context) (keyfmt.Key, bool) {
	k, ok := it.Peek(ctx)
	if !ok {
		return keyfmt.Key{}, false
	}
	it.Advance()
	return k, true
}

// Prev moves the cursor back one position and returns the key landed on.
func (it *Iterator) Prev(ctx context.Context) (keyfmt.Key, bool) {
	k, ok := it.PeekPrev(ctx)
	if !ok {
		return keyfmt.Key{}, false
	}
	it.idx--
	return k, true
}

// Advance steps the cursor forward by one visible key.
func (it *Iterator) Advance() { it.idx++ }

// Rewind resets the cursor to the first visible key.
func (it *Iterator) Rewind() { it.idx = 0 }

// crossForward loads the sibling leaf immediately to the right of the
// one currently backing the iterator, once its slice is exhausted, and
// reloads into it. It recurses past a sibling that turns out to filter
// down to zero visible keys (e.g. every key there is snapshot-filtered
// out) rather than stopping on an empty leaf; each step's probe position
// strictly increases, so it terminates once the tree's own upper bound
// is reached.
func (it *Iterator) crossForward(ctx context.Context) bool {
	n, err := it.tx.e.Cache.Get(ctx, it.path.LeafID(), nil)
	if err != nil || n.Max.Equal(keyfmt.PosMax) {
		return false
	}
	p, err := it.tx.PathGet(ctx, it.path.BtreeID, n.Max, it.want)
	if err != nil {
		return false
	}
	it.path = p
	it.path.cached = it.flags.Cached
	if err := it.Reload(ctx); err != nil {
		return false
	}
	it.idx = 0
	if len(it.keys) > 0 {
		return true
	}
	return it.crossForward(ctx)
}

// crossBackward is crossForward's mirror: it loads the sibling leaf
// immediately to the left, using previousLeafPath's "last child below
// target" descent rather than PathGet's "first child at or above"
// descent, and positions the cursor past its last key so the caller's
// idx-- lands on it.
func (it *Iterator) crossBackward(ctx context.Context) bool {
	n, err := it.tx.e.Cache.Get(ctx, it.path.LeafID(), nil)
	if err != nil || n.Min.Equal(keyfmt.PosMin) {
		return false
	}
	p, err := it.tx.previousLeafPath(ctx, it.path.BtreeID, n.Min, it.want)
	if err != nil {
		return false
	}
	it.path = p
	it.path.cached = it.flags.Cached
	if err := it.Reload(ctx); err != nil {
		return false
	}
	it.idx = len(it.keys)
	if len(it.keys) > 0 {
		return true
	}
	return it.crossBackward(ctx)
}

// NextPos returns the raw position a caller doing manual position-based
// iteration should resume from after the key currently under the
// cursor: the extent's end for an is_extents iterator, or simply
// position+1 otherwise (spec.md §4.7's extents filter).
func (it *Iterator) NextPos(ctx context.Context) keyfmt.Pos {
	k, ok := it.Peek(ctx)
	if !ok {
		return keyfmt.PosMax
	}
	if it.flags.IsExtents {
		_, end := k.Range()
		return keyfmt.Pos{Inode: k.Pos.Inode, Offset: end, Snapshot: k.Pos.Snapshot}
	}
	return keyfmt.Pos{Inode: k.Pos.Inode, Offset: k.Pos.Offset + 1, Snapshot: k.Pos.Snapshot}
}
