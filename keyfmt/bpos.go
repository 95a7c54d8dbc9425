// Package keyfmt implements the packed variable-width key format shared by
// every btree in the engine: positions (bpos), typed keys (bkey), and the
// sorted in-memory runs of keys (bset) that make up a node's log structure.
package keyfmt

import "fmt"

// Pos is the three-component key prefix every bkey is ordered by:
// (inode, offset, snapshot). Extents key their range by the *end* offset;
// all other keys are point keys.
type Pos struct {
	Inode    uint64
	Offset   uint64
	Snapshot uint32
}

// PosMin and PosMax bound the total order over Pos and are used as
// sentinel start/end points for range iteration.
var (
	PosMin = Pos{0, 0, 0}
	PosMax = Pos{^uint64(0), ^uint64(0), ^uint32(0)}
)

// Compare defines the total lexicographic order (inode, offset, snapshot).
func (p Pos) Compare(o Pos) int {
	switch {
	case p.Inode < o.Inode:
		return -1
	case p.Inode > o.Inode:
		return 1
	case p.Offset < o.Offset:
		return -1
	case p.Offset > o.Offset:
		return 1
	case p.Snapshot < o.Snapshot:
		return -1
	case p.Snapshot > o.Snapshot:
		return 1
	default:
		return 0
	}
}

func (p Pos) Less(o Pos) bool { return p.Compare(o) < 0 }
func (p Pos) Equal(o Pos) bool { return p.Compare(o) == 0 }

// WithSnapshot returns a copy of p with a different snapshot component,
// used when walking the ancestor chain during a snapshotted lookup.
func (p Pos) WithSnapshot(snap uint32) Pos {
	p.Snapshot = snap
	return p
}

func (p Pos) String() string {
	return fmt.Sprintf("(%d,%d,s%d)", p.Inode, p.Offset, p.Snapshot)
}
