// Package tx implements the transaction object, its path/iterator
// layer, and the commit path (spec.md §4.6, §4.7, §4.8): the engine a
// caller actually drives to read and mutate the btree forest. It wires
// together every lower layer — node, lock, journal, alloc, keyfmt, and
// snapshot — behind the begin/path_get/commit surface spec.md describes.
package tx

import (
	"github.com/arborfs/arbor/keyfmt"
	"github.com/arborfs/arbor/lock"
	"github.com/arborfs/arbor/node"
)

// LockFlag is the lock level a caller asks path_get to leave held at the
// leaf once traversal completes.
type LockFlag uint8

const (
	LockRead LockFlag = iota
	LockIntent
)

// levelState is one level's worth of per-path bookkeeping: the resident
// node currently pointed at, the lock mode held on it, and the lock's
// sequence number at acquisition time (spec.md §4.6(a)).
type levelState struct {
	id   node.ID
	lock *lock.NodeLock
	mode lock.Mode
	seq  uint32
}

// Path is a reference-counted cursor into one btree, holding per-level
// lock state from the leaf (index 0) up through every level acquired on
// the way down from the root. Multiple iterators over the same key
// range share one Path rather than each re-walking the tree.
type Path struct {
	BtreeID uint8
	Pos     keyfmt.Pos

	levels   []levelState
	refs     int
	preserve bool
	cached   bool
}

func (p *Path) leaf() *levelState {
	if len(p.levels) == 0 {
		return nil
	}
	return &p.levels[0]
}

// LeafID returns the node ID this path currently has locked at level 0.
func (p *Path) LeafID() node.ID {
	if l := p.leaf(); l != nil {
		return l.id
	}
	return node.NoID
}

// LeafMode reports the lock level currently held at the leaf.
func (p *Path) LeafMode() lock.Mode {
	if l := p.leaf(); l != nil {
		return l.mode
	}
	return lock.ModeNone
}

// LeafSeq returns the leaf lock's sequence number as observed at
// acquisition, for a caller validating a cached pointer is still good.
func (p *Path) LeafSeq() uint32 {
	if l := p.leaf(); l != nil {
		return l.seq
	}
	return 0
}

// Preserve marks the path to survive transaction_begin's automatic
// release of every non-preserved path (spec.md §4.6 invariants).
func (p *Path) Preserve(v bool) { p.preserve = v }

// releaseAncestors drops every lock above the leaf (indices 1 and up),
// the ones path_get holds only long enough to validate the descent, and
// truncates levels to the leaf alone. Used when a path survives past a
// commit via Preserve(true): only the leaf lock is meant to outlive the
// commit, so any ancestor locks acquired walking down to it — read-only,
// never upgraded — must still be released rather than leaked for the
// rest of the path's life.
func (p *Path) releaseAncestors() {
	for i := 1; i < len(p.levels); i++ {
		ls := &p.levels[i]
		if ls.lock == nil {
			continue
		}
		switch ls.mode {
		case lock.ModeRead:
			ls.lock.ReleaseRead()
		case lock.ModeIntent:
			ls.lock.ReleaseIntent()
		case lock.ModeWrite:
			ls.lock.ReleaseWrite()
			ls.lock.ReleaseIntent()
		}
	}
	if len(p.levels) > 1 {
		p.levels = p.levels[:1]
	}
}

// release drops every lock this path holds, leaf outward, and clears its
// level state. Used by both begin()'s reuse path and Transaction.Put.
func (p *Path) release() {
	for i := range p.levels {
		ls := &p.levels[i]
		if ls.lock == nil {
			continue
		}
		switch ls.mode {
		case lock.ModeRead:
			ls.lock.ReleaseRead()
		case lock.ModeIntent:
			ls.lock.ReleaseIntent()
		case lock.ModeWrite:
			// Write sits on top of an already-held intent (see
			// lock.NodeLock.TryUpgradeWrite); releasing it fully means
			// dropping both.
			ls.lock.ReleaseWrite()
			ls.lock.ReleaseIntent()
		}
		ls.mode = lock.ModeNone
	}
	p.levels = p.levels[:0]
}
