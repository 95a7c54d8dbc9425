// Package lock implements the per-node lock and the
// restart-based acquisition discipline spec.md §4.4 and §4.5 describe:
// read/intent/write with escalation, tree-ordered acquisition, and
// deadlock avoidance by restart rather than by blocking.
package lock

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arborfs/arbor/node"
)

// Mode names the lock level a path holds on a node.
type Mode uint8

const (
	ModeNone Mode = iota
	ModeRead
	ModeIntent
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeIntent:
		return "intent"
	case ModeWrite:
		return "write"
	default:
		return "none"
	}
}

// NodeLock is the per-node lock: readers shared, a single intent holder
// compatible with readers, and write exclusive with everyone. Every
// acquisition that cannot succeed immediately fails rather than blocks —
// the caller is expected to surface that as a transaction restart.
type NodeLock struct {
	mu         sync.Mutex
	readers    int
	intentHeld bool
	writeHeld  bool
	seq        uint32
}

// Seq returns the lock's current sequence number. Readers record this at
// acquisition time and must re-check it before trusting cached pointers
// into the node (spec.md §4.4).
func (l *NodeLock) Seq() uint32 { return atomic.LoadUint32(&l.seq) }

// TryRead acquires a shared read hold. Fails only if write is held.
func (l *NodeLock) TryRead() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeHeld {
		return false
	}
	l.readers++
	return true
}

func (l *NodeLock) ReleaseRead() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readers > 0 {
		l.readers--
	}
}

// TryIntent acquires the single intent slot. Intent is compatible with
// any number of concurrent readers but exclusive against another intent
// holder or a write holder.
func (l *NodeLock) TryIntent() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeHeld || l.intentHeld {
		return false
	}
	l.intentHeld = true
	return true
}

func (l *NodeLock) ReleaseIntent() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.intentHeld = false
}

// TryUpgradeWrite escalates an already-held intent to write. It fails —
// rather than blocks — if any reader is currently present, matching
// spec.md §4.4's "upgrade to write is attempted ... under a short
// critical section" with failure surfaced as restart.
func (l *NodeLock) TryUpgradeWrite() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.intentHeld || l.writeHeld {
		return false
	}
	if l.readers > 0 {
		return false
	}
	l.writeHeld = true
	return true
}

// ReleaseWrite downgrades write back to intent and bumps the sequence
// number, the point at which any reader holding a stale seq must restart.
func (l *NodeLock) ReleaseWrite() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeHeld = false
	l.seq++
}

// ReleaseToRead downgrades a held intent straight to a read hold, the
// "intent -> read for paths that survive" step of commit's release phase.
func (l *NodeLock) ReleaseToRead() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.intentHeld = false
	l.readers++
}

func (l *NodeLock) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprintf("lock{readers=%d intent=%v write=%v seq=%d}", l.readers, l.intentHeld, l.writeHeld, l.seq)
}

// Table is the process-wide registry of per-node locks, created lazily
// on first For; an entry is removed only by an explicit Drop, which the
// node cache does not call on eviction. It is one
// of the shared, briefly-held, never-held-while-locking-tree resources
// spec.md §4.6 calls out.
type Table struct {
	mu    sync.Mutex
	locks map[node.ID]*NodeLock
}

func NewTable() *Table {
	return &Table{locks: make(map[node.ID]*NodeLock)}
}

func (t *Table) For(id node.ID) *NodeLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &NodeLock{}
		t.locks[id] = l
	}
	return l
}

// Drop removes a node's lock entry, e.g. after the node is evicted or
// retired by COW replacement.
func (t *Table) Drop(id node.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, id)
}
