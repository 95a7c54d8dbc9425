package tx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arborfs/arbor/alloc"
	"github.com/arborfs/arbor/block"
	"github.com/arborfs/arbor/codec"
	"github.com/arborfs/arbor/journal"
	"github.com/arborfs/arbor/keyfmt"
	"github.com/arborfs/arbor/lock"
	"github.com/arborfs/arbor/node"
	"github.com/arborfs/arbor/snapshot"
)

const testBtreeID uint8 = 1

func newTestEngine(t *testing.T) (*Engine, node.ID) {
	dev := block.NewMemory(16 * 1024)
	cache := node.New(dev, codec.Blake3Checksummer{}, 64, nil, node.CacheCodec{})
	locks := lock.NewTable()
	j := journal.New(dev, codec.Blake3Checksummer{}, 0)
	a := alloc.NewSimple(0)
	a.AddDevice(0, 16*1024, 64)
	snaps := snapshot.NewTable()

	leaf := node.NewLeaf(testBtreeID, keyfmt.PosMin, keyfmt.PosMax)
	rootID := cache.Insert(leaf)

	e := NewEngine(cache, locks, j, a, snaps, nil)
	e.SetRoot(testBtreeID, rootID)
	return e, rootID
}

func mkInodeKey(inode uint64) keyfmt.Key {
	return keyfmt.Key{
		Header: keyfmt.Header{Type: keyfmt.KeyTypeInodeV3, Pos: keyfmt.Pos{Inode: inode}},
		Value:  keyfmt.InodeV3{Mode: 0o644},
	}
}

func TestPathGetAcquiresLeafLockAtRequestedLevel(t *testing.T) {
	e, rootID := newTestEngine(t)
	ctx := context.Background()
	tr := Begin(e, snapshot.NoID)

	p, err := tr.PathGet(ctx, testBtreeID, keyfmt.Pos{Inode: 5}, LockIntent)
	require.NoError(t, err)
	require.Equal(t, rootID, p.LeafID())
	require.Equal(t, lock.ModeIntent, p.LeafMode())
}

func TestPathGetReusesOpenPathForSamePosition(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	tr := Begin(e, snapshot.NoID)

	p1, err := tr.PathGet(ctx, testBtreeID, keyfmt.Pos{Inode: 5}, LockRead)
	require.NoError(t, err)
	p2, err := tr.PathGet(ctx, testBtreeID, keyfmt.Pos{Inode: 5}, LockRead)
	require.NoError(t, err)
	require.Same(t, p1, p2)
	require.Equal(t, 2, p1.refs)
}

func TestCommitInsertsKeyAndReturnsJournalSeq(t *testing.T) {
	e, rootID := newTestEngine(t)
	ctx := context.Background()
	tr := Begin(e, snapshot.NoID)

	k := mkInodeKey(42)
	tr.StageUpdate(testBtreeID, k)
	seq, err := tr.Commit(ctx, alloc.Reservation{}, CommitFlags{Flush: true})
	require.NoError(t, err)
	require.NotZero(t, seq)
	require.True(t, e.Journal.Fsync(seq))

	n, err := e.Cache.Get(ctx, rootID, nil)
	require.NoError(t, err)
	found := false
	merged := n.Merged()
	for {
		mk, ok := merged.Next()
		if !ok {
			break
		}
		if mk.Pos.Equal(k.Pos) {
			found = true
		}
	}
	require.True(t, found)
}

func TestCommitWithNoPendingUpdatesIsANoop(t *testing.T) {
	e, _ := newTestEngine(t)
	tr := Begin(e, snapshot.NoID)
	seq, err := tr.Commit(context.Background(), alloc.Reservation{}, CommitFlags{})
	require.NoError(t, err)
	require.Zero(t, seq)
}

func TestCommitReleasesWriteLockAfterward(t *testing.T) {
	e, rootID := newTestEngine(t)
	ctx := context.Background()
	tr := Begin(e, snapshot.NoID)
	tr.StageUpdate(testBtreeID, mkInodeKey(1))
	_, err := tr.Commit(ctx, alloc.Reservation{}, CommitFlags{})
	require.NoError(t, err)

	nl := e.Locks.For(rootID)
	require.True(t, nl.TryIntent()) // would fail if write were still held
	nl.ReleaseIntent()
}

// TestCommitSplitsOverflowingLeaf checks the full split contract, not
// just that the original node shrank: the split-off sibling must be
// wired into a promoted interior root (node.NewInterior stops being dead
// code) and every key that migrated to it — as well as the key that
// triggered the split — must remain findable through both PathGet and a
// fresh Iterator afterward (spec.md §4.2, §4.8 step 5, §8's "next insert
// triggers a split that preserves invariants 1 and 2").
func TestCommitSplitsOverflowingLeaf(t *testing.T) {
	e, rootID := newTestEngine(t)
	ctx := context.Background()

	n, err := e.Cache.Get(ctx, rootID, nil)
	require.NoError(t, err)
	for i := 0; i < 70; i++ {
		n.Insert(keyfmt.Key{
			Header: keyfmt.Header{Type: keyfmt.KeyTypeXattr, Pos: keyfmt.Pos{Inode: 1, Offset: uint64(i)}},
			Value:  keyfmt.Xattr{Name: "a", Value: make([]byte, 4096)},
		})
	}
	require.True(t, n.NeedsSplit())

	tr := Begin(e, snapshot.NoID)
	tr.StageUpdate(testBtreeID, keyfmt.Key{
		Header: keyfmt.Header{Type: keyfmt.KeyTypeXattr, Pos: keyfmt.Pos{Inode: 1, Offset: 9999}},
		Value:  keyfmt.Xattr{Name: "a", Value: make([]byte, 4096)},
	})
	_, err = tr.Commit(ctx, alloc.Reservation{}, CommitFlags{})
	require.NoError(t, err)

	originalLeaf, err := e.Cache.Get(ctx, rootID, nil)
	require.NoError(t, err)
	require.False(t, originalLeaf.Max.Equal(keyfmt.PosMax), "left half must have shrunk")

	newRootID, ok := e.Root(testBtreeID)
	require.True(t, ok)
	require.NotEqual(t, rootID, newRootID, "a split root must be promoted to a new interior node")
	newRoot, err := e.Cache.Get(ctx, newRootID, nil)
	require.NoError(t, err)
	require.Equal(t, uint8(1), newRoot.Level)
	require.False(t, newRoot.IsLeaf())

	var children []keyfmt.Pos
	merged := newRoot.Merged()
	for {
		k, ok := merged.Next()
		if !ok {
			break
		}
		ptr, isPtr := k.Value.(keyfmt.BtreePtrV2)
		require.True(t, isPtr)
		children = append(children, ptr.MinKey)
	}
	require.NoError(t, node.ValidateChildren(newRoot.Min, newRoot.Max, children))

	tr2 := Begin(e, snapshot.NoID)
	p, err := tr2.PathGet(ctx, testBtreeID, keyfmt.Pos{Inode: 1, Offset: 9999}, LockRead)
	require.NoError(t, err)
	require.NotEqual(t, rootID, p.LeafID(), "the key that overflowed the leaf must resolve into the new sibling")

	it, err := tr2.IterInit(ctx, testBtreeID, keyfmt.Pos{Inode: 1, Offset: 0}, LockRead, IterFlags{})
	require.NoError(t, err)
	seen := make(map[uint64]bool)
	for {
		k, ok := it.Next(ctx)
		if !ok {
			break
		}
		seen[k.Pos.Offset] = true
	}
	for i := 0; i < 70; i++ {
		require.True(t, seen[uint64(i)], "offset %d must survive the split reachable via iteration", i)
	}
	require.True(t, seen[9999], "the key that triggered the split must be reachable via iteration")
}

// TestIteratorCrossesIntoSiblingLeafAfterSplit exercises spec.md §4.7's
// "iterators ... may cross leaves transparently" directly against a
// post-split, two-level tree, independent of the commit test above.
func TestIteratorCrossesIntoSiblingLeafAfterSplit(t *testing.T) {
	e, rootID := newTestEngine(t)
	ctx := context.Background()

	n, err := e.Cache.Get(ctx, rootID, nil)
	require.NoError(t, err)
	for i := 0; i < 80; i++ {
		n.Insert(keyfmt.Key{
			Header: keyfmt.Header{Type: keyfmt.KeyTypeXattr, Pos: keyfmt.Pos{Inode: 1, Offset: uint64(i)}},
			Value:  keyfmt.Xattr{Name: "a", Value: make([]byte, 4096)},
		})
	}
	require.True(t, n.NeedsSplit())

	tr := Begin(e, snapshot.NoID)
	tr.StageUpdate(testBtreeID, keyfmt.Key{
		Header: keyfmt.Header{Type: keyfmt.KeyTypeXattr, Pos: keyfmt.Pos{Inode: 1, Offset: 80}},
		Value:  keyfmt.Xattr{Name: "a", Value: make([]byte, 4096)},
	})
	_, err = tr.Commit(ctx, alloc.Reservation{}, CommitFlags{})
	require.NoError(t, err)

	tr2 := Begin(e, snapshot.NoID)
	it, err := tr2.IterInit(ctx, testBtreeID, keyfmt.Pos{Inode: 1, Offset: 0}, LockRead, IterFlags{})
	require.NoError(t, err)

	count := 0
	firstLeaf := it.path.LeafID()
	crossedLeaf := false
	for {
		_, ok := it.Next(ctx)
		if !ok {
			break
		}
		if it.path.LeafID() != firstLeaf {
			crossedLeaf = true
		}
		count++
	}
	require.Equal(t, 81, count)
	require.True(t, crossedLeaf, "forward iteration must cross from the left sibling into the right one")

	it2, err := tr2.IterInit(ctx, testBtreeID, keyfmt.Pos{Inode: 1, Offset: 80}, LockRead, IterFlags{})
	require.NoError(t, err)
	back := 0
	for {
		_, ok := it2.Prev(ctx)
		if !ok {
			break
		}
		back++
	}
	require.Equal(t, 80, back, "backward iteration from the last key must walk every earlier key, crossing back into the left sibling")
}

func TestRestartResetsPendingUpdatesAndBumpsCounter(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	tr := Begin(e, snapshot.NoID)

	_, err := tr.PathGet(ctx, testBtreeID, keyfmt.Pos{Inode: 1}, LockIntent)
	require.NoError(t, err)
	tr.StageUpdate(testBtreeID, mkInodeKey(1))

	err = tr.restart(lock.RestartWouldBlock)
	require.Error(t, err)
	require.Equal(t, 1, tr.RestartCount())
	require.Empty(t, tr.pending)
	require.Empty(t, tr.paths)
}

func TestPathGetFailsWhenLeafAlreadyWriteLocked(t *testing.T) {
	e, rootID := newTestEngine(t)
	ctx := context.Background()

	nl := e.Locks.For(rootID)
	require.True(t, nl.TryIntent())
	require.True(t, nl.TryUpgradeWrite())

	tr := Begin(e, snapshot.NoID)
	_, err := tr.PathGet(ctx, testBtreeID, keyfmt.Pos{Inode: 1}, LockRead)
	require.Error(t, err)
	var restartErr lock.Restart
	require.ErrorAs(t, err, &restartErr)
}

func TestTooManyItersHardBound(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	tr := Begin(e, snapshot.NoID)
	for i := 0; i < maxPathsHard; i++ {
		tr.paths = append(tr.paths, &Path{BtreeID: testBtreeID, Pos: keyfmt.Pos{Inode: uint64(i)}, levels: []levelState{{mode: lock.ModeRead}}})
	}
	_, err := tr.PathGet(ctx, testBtreeID, keyfmt.Pos{Inode: 99999}, LockRead)
	require.ErrorIs(t, err, ErrTooManyIters)
}
