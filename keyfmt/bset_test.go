package keyfmt

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkKey(inode, offset uint64, snap uint32, ver uint64) Key {
	return Key{Header: Header{Type: KeyTypeInodeV3, Pos: Pos{inode, offset, snap}, Version: ver}, Value: InodeV3{}}
}

func TestBsetSortedInsert(t *testing.T) {
	b := NewBset()
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		b.Insert(mkKey(uint64(r.Intn(50)), uint64(r.Intn(50)), 0, 0))
	}
	require.NoError(t, b.Validate())
	assert.True(t, sort.IsSorted(b))
}

func TestBsetSearchExactAndMiss(t *testing.T) {
	b := NewBset()
	for i := 0; i < 500; i++ {
		b.Append(mkKey(uint64(i), 0, 0, 0))
	}
	b.Reindex()

	for _, i := range []int{0, 1, 250, 499} {
		idx, exact := b.Search(Pos{Inode: uint64(i)})
		require.True(t, exact, "index %d should be found", i)
		assert.Equal(t, i, idx)
	}

	idx, exact := b.Search(Pos{Inode: 1000})
	assert.False(t, exact)
	assert.Equal(t, 500, idx)
}

func TestBsetBfloatCollisionStillCorrect(t *testing.T) {
	// Three keys of inode 1 whose offsets differ only in low bits collide
	// under computeBfloat's lossy compression; Search must still find exact
	// matches.
	b := NewBset()
	b.Append(mkKey(1, 0, 0, 0))
	b.Append(mkKey(1, 1, 0, 0))
	b.Append(mkKey(1, 2, 0, 0))
	b.Reindex()
	assert.Greater(t, b.FailedFraction(), -0.1) // instrumented, never silently dropped

	idx, exact := b.Search(Pos{Inode: 1, Offset: 1})
	require.True(t, exact)
	assert.Equal(t, 1, idx)
}

// TestMergeIteratorWithinBsetHighestVersionWins checks the case a single
// resident bset accumulates more than one write at the same position
// before a Sort/compact runs (e.g. two commits against the same node
// between journal checkpoints): Insert keeps such a run ordered by
// Version ascending, and the merge must still surface the newest
// (highest-version) entry, not the first one encountered walking the
// run forward.
func TestMergeIteratorWithinBsetHighestVersionWins(t *testing.T) {
	b := NewBset()
	b.Insert(mkKey(1, 0, 0, 0))
	b.Insert(Deleted(Pos{Inode: 1}, 2))

	m := NewMergeIterator([]*Bset{b})
	k, ok := m.Next()
	require.True(t, ok)
	assert.True(t, k.IsTombstone(), "the later (version 2) delete must win over the earlier insert")
	_, ok = m.Next()
	require.False(t, ok)
}

func TestMergeIteratorNewerWinsAndTombstoneSuppresses(t *testing.T) {
	old := NewBset()
	old.Append(mkKey(1, 0, 0, 0))
	old.Append(mkKey(2, 0, 0, 0))

	newer := NewBset()
	newer.Append(Deleted(Pos{Inode: 1}, 1))
	newer.Append(mkKey(3, 0, 0, 1))

	m := NewMergeIterator([]*Bset{old, newer})
	var got []Key
	for {
		k, ok := m.Next()
		if !ok {
			break
		}
		got = append(got, k)
	}

	require.Len(t, got, 3)
	assert.True(t, got[0].IsTombstone())
	assert.Equal(t, uint64(1), got[0].Pos.Inode)
	assert.Equal(t, uint64(2), got[1].Pos.Inode)
	assert.Equal(t, uint64(3), got[2].Pos.Inode)
}
