package lock

import (
	"fmt"

	"github.com/arborfs/arbor/keyfmt"
	"github.com/arborfs/arbor/node"
)

// RestartKind is the sub-kind carried on a transaction_restart, used for
// instrumentation and fault injection (spec.md §4.5).
type RestartKind uint8

const (
	RestartLockNodeReused RestartKind = iota
	RestartRelockFail
	RestartJournalReclaim
	RestartMemRealloced
	RestartWouldBlock
	RestartOrderViolation
)

func (k RestartKind) String() string {
	names := [...]string{
		"lock_node_reused", "relock_fail", "journal_reclaim",
		"mem_realloced", "would_block", "order_violation",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// Restart is the error transaction code returns in place of blocking.
type Restart struct {
	Kind   RestartKind
	Nested bool
}

func (r Restart) Error() string {
	if r.Nested {
		return fmt.Sprintf("transaction_restart_nested(%s)", r.Kind)
	}
	return fmt.Sprintf("transaction_restart(%s)", r.Kind)
}

// Key orders acquisitions the way spec.md §4.4 requires: by
// (btree_id, level desc, position asc). Two keys with equal btree_id and
// level are ordered by Pos; higher levels sort first within a btree_id.
type Key struct {
	BtreeID uint8
	Level   uint8
	Pos     keyfmt.Pos
}

func less(a, b Key) bool {
	if a.BtreeID != b.BtreeID {
		return a.BtreeID < b.BtreeID
	}
	if a.Level != b.Level {
		return a.Level > b.Level // level desc
	}
	return a.Pos.Compare(b.Pos) < 0
}

// Ordered tracks the sequence of locks a single transaction has
// acquired and rejects any acquisition attempt that would violate tree
// order, per spec.md §4.4: "Within a transaction, the set of owned
// paths is kept sorted in acquisition order for validation."
type Ordered struct {
	held []heldLock
}

type heldLock struct {
	key  Key
	id   node.ID
	lock *NodeLock
	mode Mode
}

// CheckOrder reports whether acquiring key next is consistent with tree
// order given what this transaction already holds.
func (o *Ordered) CheckOrder(key Key) bool {
	if len(o.held) == 0 {
		return true
	}
	last := o.held[len(o.held)-1].key
	return !less(key, last) // next must not sort before the last acquired
}

// Record appends a newly acquired lock to the held list. Callers must
// have verified CheckOrder first.
func (o *Ordered) Record(key Key, id node.ID, l *NodeLock, mode Mode) {
	o.held = append(o.held, heldLock{key: key, id: id, lock: l, mode: mode})
}

// ReleaseAll unwinds every held lock in reverse acquisition order, the
// discipline a restart's "discards all pending updates, releases all
// locks" step follows.
func (o *Ordered) ReleaseAll() {
	for i := len(o.held) - 1; i >= 0; i-- {
		h := o.held[i]
		switch h.mode {
		case ModeRead:
			h.lock.ReleaseRead()
		case ModeIntent:
			h.lock.ReleaseIntent()
		case ModeWrite:
			// Write is an escalation on top of an already-held intent
			// (TryUpgradeWrite requires intentHeld), so a full release
			// must drop both.
			h.lock.ReleaseWrite()
			h.lock.ReleaseIntent()
		}
	}
	o.held = o.held[:0]
}

// Len reports how many locks are currently held, for "too many iters"
// and debugging accounting.
func (o *Ordered) Len() int { return len(o.held) }
