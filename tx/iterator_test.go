package tx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arborfs/arbor/keyfmt"
	"github.com/arborfs/arbor/snapshot"
)

func TestIteratorFiltersToNearestVisibleAncestorSnapshot(t *testing.T) {
	e, rootID := newTestEngine(t)
	ctx := context.Background()

	root, _ := e.Snaps.Root(1)
	child, err := e.Snaps.Create(root)
	require.NoError(t, err)

	n, err := e.Cache.Get(ctx, rootID, nil)
	require.NoError(t, err)
	n.Insert(keyfmt.Key{
		Header: keyfmt.Header{Type: keyfmt.KeyTypeInodeV3, Pos: keyfmt.Pos{Inode: 1, Snapshot: uint32(root)}},
		Value:  keyfmt.InodeV3{Mode: 0o600},
	})
	n.Insert(keyfmt.Key{
		Header: keyfmt.Header{Type: keyfmt.KeyTypeInodeV3, Pos: keyfmt.Pos{Inode: 1, Snapshot: uint32(child)}},
		Value:  keyfmt.InodeV3{Mode: 0o644},
	})

	tr := Begin(e, child)
	it, err := tr.IterInit(ctx, testBtreeID, keyfmt.Pos{Inode: 1}, LockRead, IterFlags{FilterSnapshots: true})
	require.NoError(t, err)

	k, ok := it.Peek(ctx)
	require.True(t, ok)
	require.Equal(t, uint16(0o644), k.Value.(keyfmt.InodeV3).Mode)
	require.Equal(t, uint32(child), k.Pos.Snapshot)
}

// TestIteratorWhiteoutFallsThroughToAncestorKey exercises spec.md §4.9's
// Scenario 4: a snapshot-local delete (whiteout) of a key only masks that
// key within its own snapshot's subtree, so a lookup there must still see
// the parent's key rather than treat the position as gone everywhere the
// way a terminal Deleted tombstone would.
func TestIteratorWhiteoutFallsThroughToAncestorKey(t *testing.T) {
	e, rootID := newTestEngine(t)
	ctx := context.Background()

	root, _ := e.Snaps.Root(1)
	child, err := e.Snaps.Create(root)
	require.NoError(t, err)

	n, err := e.Cache.Get(ctx, rootID, nil)
	require.NoError(t, err)
	n.Insert(keyfmt.Key{
		Header: keyfmt.Header{Type: keyfmt.KeyTypeInodeV3, Pos: keyfmt.Pos{Inode: 1, Snapshot: uint32(root)}},
		Value:  keyfmt.InodeV3{Mode: 0o600},
	})
	n.Insert(keyfmt.Key{
		Header: keyfmt.Header{Type: keyfmt.KeyTypeInodeV3, Pos: keyfmt.Pos{Inode: 1, Snapshot: uint32(child)}},
		Value:  keyfmt.InodeV3{Mode: 0o644},
	})

	tr := Begin(e, child)
	it, err := tr.IterInit(ctx, testBtreeID, keyfmt.Pos{Inode: 1}, LockRead, IterFlags{FilterSnapshots: true})
	require.NoError(t, err)
	k, ok := it.Peek(ctx)
	require.True(t, ok)
	require.Equal(t, uint16(0o644), k.Value.(keyfmt.InodeV3).Mode, "child's own override must win before it is deleted")

	whiteout := keyfmt.Whiteout(keyfmt.Pos{Inode: 1, Snapshot: uint32(child)}, 2)
	n.Insert(whiteout)

	it, err = tr.IterInit(ctx, testBtreeID, keyfmt.Pos{Inode: 1}, LockRead, IterFlags{FilterSnapshots: true})
	require.NoError(t, err)
	k, ok = it.Peek(ctx)
	require.True(t, ok, "deleting the child's override must not hide the parent's key")
	require.Equal(t, uint16(0o600), k.Value.(keyfmt.InodeV3).Mode)
	require.Equal(t, uint32(root), k.Pos.Snapshot)
	require.False(t, k.IsWhiteout())
}

// TestIteratorWhiteoutWithNoAncestorKeyIsAbsent checks the other half of
// the same rule: if no ancestor holds a key at the position, a whiteout
// leaves the position absent rather than surfacing the whiteout itself.
func TestIteratorWhiteoutWithNoAncestorKeyIsAbsent(t *testing.T) {
	e, rootID := newTestEngine(t)
	ctx := context.Background()

	root, _ := e.Snaps.Root(1)
	child, err := e.Snaps.Create(root)
	require.NoError(t, err)

	n, err := e.Cache.Get(ctx, rootID, nil)
	require.NoError(t, err)
	n.Insert(keyfmt.Whiteout(keyfmt.Pos{Inode: 2, Snapshot: uint32(child)}, 1))

	tr := Begin(e, child)
	it, err := tr.IterInit(ctx, testBtreeID, keyfmt.Pos{Inode: 2}, LockRead, IterFlags{FilterSnapshots: true})
	require.NoError(t, err)
	_, ok := it.Peek(ctx)
	require.False(t, ok)
}

func TestIteratorSlotModeSynthesizesTombstoneForAbsentKey(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	tr := Begin(e, snapshot.NoID)

	it, err := tr.IterInit(ctx, testBtreeID, keyfmt.Pos{Inode: 77}, LockRead, IterFlags{Slot: true})
	require.NoError(t, err)

	k, ok := it.PeekSlot(ctx, keyfmt.Pos{Inode: 77})
	require.True(t, ok)
	require.True(t, k.IsTombstone())
}

func TestIteratorCachedPathConsultsKeyCacheFirst(t *testing.T) {
	e, rootID := newTestEngine(t)
	ctx := context.Background()

	n, err := e.Cache.Get(ctx, rootID, nil)
	require.NoError(t, err)
	n.Insert(keyfmt.Key{Header: keyfmt.Header{Type: keyfmt.KeyTypeInodeV3, Pos: keyfmt.Pos{Inode: 9}}, Value: keyfmt.InodeV3{Mode: 0o1}})

	tr := Begin(e, snapshot.NoID)
	tr.CachePut(testBtreeID, keyfmt.Key{Header: keyfmt.Header{Type: keyfmt.KeyTypeInodeV3, Pos: keyfmt.Pos{Inode: 9}}, Value: keyfmt.InodeV3{Mode: 0o700}})

	it, err := tr.IterInit(ctx, testBtreeID, keyfmt.Pos{Inode: 9}, LockRead, IterFlags{Cached: true})
	require.NoError(t, err)

	k, ok := it.Peek(ctx)
	require.True(t, ok)
	require.Equal(t, uint16(0o700), k.Value.(keyfmt.InodeV3).Mode)
}

func TestIteratorNextPosAdvancesByExtentSizeInExtentsMode(t *testing.T) {
	e, rootID := newTestEngine(t)
	ctx := context.Background()

	n, err := e.Cache.Get(ctx, rootID, nil)
	require.NoError(t, err)
	n.Insert(keyfmt.Key{
		Header: keyfmt.Header{Type: keyfmt.KeyTypeExtent, Pos: keyfmt.Pos{Inode: 3, Offset: 100}, Size: 40},
		Value:  keyfmt.Extent{Ptrs: []keyfmt.ExtentPtr{{Dev: 0, Offset: 1}}},
	})

	tr := Begin(e, snapshot.NoID)
	it, err := tr.IterInit(ctx, testBtreeID, keyfmt.Pos{Inode: 3}, LockRead, IterFlags{IsExtents: true})
	require.NoError(t, err)

	next := it.NextPos(ctx)
	require.Equal(t, uint64(100), next.Offset) // extent covers (60,100]; NextPos lands on its end, not +1
}
