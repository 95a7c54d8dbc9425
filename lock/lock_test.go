package lock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arborfs/arbor/keyfmt"
	"github.com/arborfs/arbor/node"
)

func TestReadersCoexistWithIntent(t *testing.T) {
	l := &NodeLock{}
	require.True(t, l.TryRead())
	require.True(t, l.TryRead())
	require.True(t, l.TryIntent())
	require.False(t, l.TryIntent()) // only one intent holder at a time
}

func TestWriteExclusiveWithReaders(t *testing.T) {
	l := &NodeLock{}
	require.True(t, l.TryRead())
	require.True(t, l.TryIntent())
	require.False(t, l.TryUpgradeWrite()) // a reader is still present

	l.ReleaseRead()
	require.True(t, l.TryUpgradeWrite())
}

func TestWriteReleaseBumpsSeq(t *testing.T) {
	l := &NodeLock{}
	require.True(t, l.TryIntent())
	require.True(t, l.TryUpgradeWrite())
	before := l.Seq()
	l.ReleaseWrite()
	require.Equal(t, before+1, l.Seq())
}

func TestReadBlockedByWrite(t *testing.T) {
	l := &NodeLock{}
	require.True(t, l.TryIntent())
	require.True(t, l.TryUpgradeWrite())
	require.False(t, l.TryRead())
}

func TestTableReturnsSameLockForSameID(t *testing.T) {
	tbl := NewTable()
	a := tbl.For(node.ID(1))
	b := tbl.For(node.ID(1))
	require.Same(t, a, b)

	c := tbl.For(node.ID(2))
	require.NotSame(t, a, c)
}

func TestOrderedRejectsOutOfTreeOrderAcquisition(t *testing.T) {
	o := &Ordered{}
	l1 := &NodeLock{}
	l2 := &NodeLock{}

	k1 := Key{BtreeID: 0, Level: 2, Pos: keyfmt.Pos{Inode: 5}}
	k2 := Key{BtreeID: 0, Level: 1, Pos: keyfmt.Pos{Inode: 3}} // lower level sorts after higher

	require.True(t, o.CheckOrder(k1))
	o.Record(k1, node.ID(1), l1, ModeRead)

	require.True(t, o.CheckOrder(k2))
	o.Record(k2, node.ID(2), l2, ModeRead)

	// Going back up to a higher level violates tree order.
	back := Key{BtreeID: 0, Level: 2, Pos: keyfmt.Pos{Inode: 9}}
	require.False(t, o.CheckOrder(back))
}

func TestOrderedReleaseAllUnwindsEveryLock(t *testing.T) {
	o := &Ordered{}
	l1, l2 := &NodeLock{}, &NodeLock{}
	require.True(t, l1.TryRead())
	require.True(t, l2.TryIntent())
	o.Record(Key{Level: 1}, node.ID(1), l1, ModeRead)
	o.Record(Key{Level: 0}, node.ID(2), l2, ModeIntent)

	o.ReleaseAll()
	require.Equal(t, 0, o.Len())
	require.True(t, l1.TryIntent()) // read released, intent now free
	require.True(t, l2.TryIntent()) // intent released, free again
}

func TestWriteIsFullyFreedAfterReleaseWriteAndReleaseIntent(t *testing.T) {
	l := &NodeLock{}
	require.True(t, l.TryIntent())
	require.True(t, l.TryUpgradeWrite())

	// ReleaseWrite alone only downgrades back to intent held — a second
	// intent acquisition must still fail until ReleaseIntent runs too.
	l.ReleaseWrite()
	require.False(t, l.TryIntent())

	l.ReleaseIntent()
	require.True(t, l.TryIntent())
}

func TestOrderedReleaseAllFullyFreesAWriteLock(t *testing.T) {
	o := &Ordered{}
	l := &NodeLock{}
	require.True(t, l.TryIntent())
	require.True(t, l.TryUpgradeWrite())
	o.Record(Key{Level: 0}, node.ID(1), l, ModeWrite)

	o.ReleaseAll()
	require.True(t, l.TryRead()) // fully released: read must now succeed too
}

func TestPriorityTrackerBoostsAfterThreshold(t *testing.T) {
	p := &PriorityTracker{}
	for i := 0; i < PriorityBumpThreshold-1; i++ {
		p.RecordRestart()
	}
	require.False(t, p.Boosted())
	p.RecordRestart()
	require.True(t, p.Boosted())

	p.RecordCommit()
	require.False(t, p.Boosted())
}
