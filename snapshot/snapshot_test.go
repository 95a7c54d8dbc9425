package snapshot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootIsAncestorOfItself(t *testing.T) {
	tbl := NewTable()
	root, _ := tbl.Root(1)
	require.True(t, tbl.IsAncestor(root, root))
}

func TestDirectChildAncestry(t *testing.T) {
	tbl := NewTable()
	root, _ := tbl.Root(1)
	child, err := tbl.Create(root)
	require.NoError(t, err)

	require.True(t, tbl.IsAncestor(root, child))
	require.False(t, tbl.IsAncestor(child, root)) // a child is never an ancestor of its parent
}

func TestDeepChainWithinBitmapWindow(t *testing.T) {
	tbl := NewTable()
	root, _ := tbl.Root(1)

	cur := root
	for i := 0; i < 20; i++ {
		next, err := tbl.Create(cur)
		require.NoError(t, err)
		cur = next
	}
	require.True(t, tbl.IsAncestor(root, cur))
}

func TestDeepChainBeyondBitmapWindowUsesSkiplist(t *testing.T) {
	tbl := NewTable()
	root, _ := tbl.Root(1)

	cur := root
	for i := 0; i < 300; i++ {
		next, err := tbl.Create(cur)
		require.NoError(t, err)
		cur = next
	}
	require.True(t, tbl.IsAncestor(root, cur))
}

func TestUnrelatedBranchesAreNotAncestors(t *testing.T) {
	tbl := NewTable()
	root, _ := tbl.Root(1)
	left, err := tbl.Create(root)
	require.NoError(t, err)
	right, err := tbl.Create(root)
	require.NoError(t, err)

	leftChild, err := tbl.Create(left)
	require.NoError(t, err)

	require.False(t, tbl.IsAncestor(right, leftChild))
	require.True(t, tbl.IsAncestor(root, leftChild))
	require.True(t, tbl.IsAncestor(left, leftChild))
}

func TestForkMarksParentReadOnlyAndCreatesWritableChild(t *testing.T) {
	tbl := NewTable()
	_, sv := tbl.Root(1)

	child, err := tbl.Fork(sv, 2)
	require.NoError(t, err)

	parent, ok := tbl.Subvolume(sv)
	require.True(t, ok)
	require.True(t, parent.ReadOnly)

	childVol, ok := tbl.Subvolume(child)
	require.True(t, ok)
	require.False(t, childVol.ReadOnly)
	require.True(t, tbl.IsAncestor(parent.Snapshot, childVol.Snapshot))
}
