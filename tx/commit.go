package tx

import (
	"context"
	"fmt"
	"sort"

	"github.com/arborfs/arbor/alloc"
	"github.com/arborfs/arbor/journal"
	"github.com/arborfs/arbor/keyfmt"
	"github.com/arborfs/arbor/lock"
	"github.com/arborfs/arbor/node"
)

// CommitFlags carries per-commit durability requests.
type CommitFlags struct {
	// Flush requests the underlying journal write be durable (fsync'd)
	// before Commit returns, rather than merely ordered (spec.md §4.3's
	// flush/noflush distinction).
	Flush bool
}

// Commit executes the eight-step commit path (spec.md §4.8). Steps 1-4
// may fail and return a lock.Restart — by the time Commit returns such
// an error, the transaction has already been reset via Reset and is
// ready for the caller's retry loop to try again. Steps 5-7 only fail on
// fatal I/O; a caller seeing a non-restart error past that point must
// treat the filesystem as needing emergency read-only (spec.md §7).
func (t *Transaction) Commit(ctx context.Context, reservation alloc.Reservation, flags CommitFlags) (uint64, error) {
	t.flushKeyCache()
	if len(t.pending) == 0 {
		return 0, nil
	}

	// Step 1: validate updates — locate (or open) each target leaf and
	// ensure it holds at least intent. Paths are opened in ascending
	// btree order so each new path's locks follow those already held.
	byTree := append([]Update(nil), t.pending...)
	sort.SliceStable(byTree, func(i, k int) bool { return byTree[i].BtreeID < byTree[k].BtreeID })
	leafPaths := make(map[uint8]*Path, len(t.pending))
	for _, u := range byTree {
		if _, ok := leafPaths[u.BtreeID]; ok {
			continue
		}
		p, err := t.pathForUpdate(ctx, u)
		if err != nil {
			return 0, err
		}
		leafPaths[u.BtreeID] = p
	}

	// Step 2: journal reservation for the updates plus a small fixed
	// accounting overhead.
	var u64s uint64
	for _, u := range t.pending {
		u64s += uint64(u.Key.EncodedSize() / 8)
	}
	jr, err := t.e.Journal.Reserve(u64s + 4)
	if err != nil {
		return 0, t.restart(lock.RestartJournalReclaim)
	}

	// Step 3: disk reservation — extent updates must fit under what the
	// caller supplied.
	var sectors uint64
	for _, u := range t.pending {
		if _, ok := u.Key.Value.(keyfmt.Extent); ok {
			sectors += uint64(u.Key.Size)
		}
	}
	if sectors > reservation.Sectors {
		return 0, fmt.Errorf("tx: disk reservation too small: need %d sectors, have %d", sectors, reservation.Sectors)
	}

	// Step 4: upgrade every touched leaf's intent lock to write.
	var upgraded []*Path
	for _, p := range leafPaths {
		nl := t.e.Locks.For(p.LeafID())
		if !nl.TryUpgradeWrite() {
			for _, up := range upgraded {
				t.e.Locks.For(up.LeafID()).ReleaseWrite()
				up.levels[0].mode = lock.ModeIntent
			}
			return 0, t.restart(lock.RestartRelockFail)
		}
		p.levels[0].mode = lock.ModeWrite
		upgraded = append(upgraded, p)
	}

	// Step 5: mutate in place, splitting any leaf that overflows. A split's
	// right sibling isn't wired into the tree here — that needs the
	// commit's journal seq, not assigned until step 6 — just staged in
	// splits for step 7 to link in once seq is known.
	var entries []journal.SubEntry
	var splits []pendingSplit
	for _, u := range t.pending {
		p := leafPaths[u.BtreeID]
		n, err := t.e.Cache.Get(ctx, p.LeafID(), nil)
		if err != nil {
			return 0, err
		}
		n.Insert(u.Key)
		entries = append(entries, journal.SubEntry{
			Kind: journal.SubEntryBtreeKey, BtreeID: u.BtreeID, Level: n.Level,
			Keys: []keyfmt.Key{u.Key},
		})
		if n.NeedsSplit() {
			if right := n.Split(node.DefaultFillPercent); right != nil {
				// right's own keys came from node splits or earlier commits,
				// not from this jset, so there's nothing of this commit's to
				// journal for it here; linkSplit below records it in the
				// cache once seq is known.
				splits = append(splits, pendingSplit{btreeID: u.BtreeID, path: p, left: n, right: right})
			}
		}
	}

	// Step 6: write the journal entries into the fixed, superblock-recorded
	// journal region so a later Open's replay scan can find them; a
	// freshly allocated bucket would be durable but invisible on remount.
	bucket, ok := t.e.Journal.NextBucket()
	if !ok {
		b, err := t.e.Alloc.BucketAlloc(0, alloc.DataTypeBtree, alloc.Writepoint(0))
		if err != nil {
			return 0, fmt.Errorf("tx: commit journal bucket: %w", err)
		}
		bucket = b
	}
	seq, err := t.e.Journal.Write(ctx, jr, entries, flags.Flush, bucket)
	if err != nil {
		return 0, fmt.Errorf("tx: commit journal write: %w", err)
	}
	t.e.Journal.Pin(seq)

	// Step 7: publish seq on every touched node. Until seq is flushed,
	// the buckets it references cannot be reused (spec.md §4.8 step 7);
	// the pin above is what actually enforces that.
	for _, p := range leafPaths {
		if n, err := t.e.Cache.Get(ctx, p.LeafID(), nil); err == nil {
			n.Seq = seq
		}
	}

	// Step 5 continued: now that seq is known, wire every split's right
	// sibling into the tree so both halves stay reachable through
	// PathGet — promoting the split node to an interior root if it had
	// none, otherwise threading a btree_ptr_v2 into its existing parent
	// (splitting that in turn if it overflows).
	for _, s := range splits {
		if err := t.linkSplit(ctx, s, seq); err != nil {
			return 0, fmt.Errorf("tx: commit: link split: %w", err)
		}
	}

	// Step 8: release locks — write back to read for paths that survive,
	// fully released otherwise. p.release() below already performs the
	// write release for the non-surviving case, so the two branches must
	// not both call it on the same lock.
	for _, p := range leafPaths {
		if p.preserve {
			p.releaseAncestors()
			nl := t.e.Locks.For(p.LeafID())
			nl.ReleaseWrite()
			if nl.TryRead() {
				p.levels[0].mode = lock.ModeRead
			} else {
				p.levels[0].mode = lock.ModeNone
			}
		} else {
			p.release()
		}
	}

	if flags.Flush {
		t.e.Journal.MarkFlushed(seq)
		t.e.Journal.Unpin(seq)
	}

	t.priority.RecordCommit()
	t.pending = nil
	return seq, nil
}

// pathForUpdate opens (or reuses) the path for u's target leaf with
// intent held, the path_get call step 1 of the commit path performs for
// any update that doesn't already have an open path.
func (t *Transaction) pathForUpdate(ctx context.Context, u Update) (*Path, error) {
	for _, p := range t.paths {
		if p.BtreeID == u.BtreeID && p.LeafMode() != lock.ModeNone {
			return p, nil
		}
	}
	return t.PathGet(ctx, u.BtreeID, u.Key.Pos, LockIntent)
}
