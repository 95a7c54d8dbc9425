package tx

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/arborfs/arbor/alloc"
	"github.com/arborfs/arbor/journal"
	"github.com/arborfs/arbor/keyfmt"
	"github.com/arborfs/arbor/lock"
	"github.com/arborfs/arbor/node"
	"github.com/arborfs/arbor/snapshot"
)

// maxPathsSoft and maxPathsHard bound the number of paths a single
// transaction may hold open at once (spec.md §4.6 invariants): crossing
// the soft bound is a signal to commit and restart; crossing the hard
// bound is an outright error.
const (
	maxPathsSoft = 64
	maxPathsHard = 96
)

// ErrTooManyIters is returned once a transaction's path count exceeds
// maxPathsHard.
var ErrTooManyIters = fmt.Errorf("tx: too_many_iters")

// Engine is the process-wide state every transaction is constructed
// against — the "filesystem handle passed by reference into every
// transaction constructor" spec.md's Design Notes require but never
// name. It holds exactly the shared resources spec.md §5 calls out as
// process-wide and briefly locked: the node cache, the lock table, the
// journal, the allocator, and the snapshot table. The root package's FS
// handle owns one Engine per mounted filesystem.
type Engine struct {
	Cache   *node.Cache
	Locks   *lock.Table
	Journal *journal.Journal
	Alloc   alloc.Allocator
	Snaps   *snapshot.Table
	Log     *logrus.Logger

	mu    sync.RWMutex
	roots map[uint8]node.ID
}

// NewEngine wires the five shared subsystems into one Engine.
func NewEngine(cache *node.Cache, locks *lock.Table, j *journal.Journal, a alloc.Allocator, snaps *snapshot.Table, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		Cache: cache, Locks: locks, Journal: j, Alloc: a, Snaps: snaps, Log: log,
		roots: make(map[uint8]node.ID),
	}
}

// SetRoot records btreeID's current root node, called at mkfs and again
// whenever a root-level split or journal replay installs a new root.
func (e *Engine) SetRoot(btreeID uint8, id node.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roots[btreeID] = id
}

// Root returns btreeID's current root node ID.
func (e *Engine) Root(btreeID uint8) (node.ID, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.roots[btreeID]
	return id, ok
}

// Update is one staged insert/overwrite/delete, keyed by the btree it
// targets (spec.md §4.6(c), "a list of pending updates").
type Update struct {
	BtreeID uint8
	Key     keyfmt.Key
}

type keyCacheKey struct {
	btreeID uint8
	pos     keyfmt.Pos
}

// Transaction is the object spec.md §4.6 describes: a bounded set of
// paths, an arena's worth of pending updates, and restart accounting. A
// Transaction belongs to exactly one goroutine for its lifetime.
type Transaction struct {
	e *Engine

	snapshot snapshot.ID
	priority lock.PriorityTracker
	ordered  lock.Ordered

	paths   []*Path
	pending []Update

	restarts    int
	lastRestart string

	keyCache map[keyCacheKey]keyfmt.Key
	dirty    map[keyCacheKey]bool
}

// Begin constructs a fresh transaction against e, scoped to reads and
// writes as of snap (spec.md §4.6's begin()). Use Transaction.Reset, not
// a fresh Begin, to retry after a restart — Begin is for the first
// attempt only.
func Begin(e *Engine, snap snapshot.ID) *Transaction {
	return &Transaction{
		e: e, snapshot: snap,
		keyCache: make(map[keyCacheKey]keyfmt.Key),
		dirty:    make(map[keyCacheKey]bool),
	}
}

// Reset implements begin()'s reuse path: the arena (pending updates) is
// cleared, every path not marked preserve is released, and the restart
// counter is bumped. Call this after catching a restart, then retry the
// same logical operation.
func (t *Transaction) Reset(kind lock.RestartKind) {
	t.ordered.ReleaseAll()
	kept := t.paths[:0]
	for _, p := range t.paths {
		if p.preserve {
			p.releaseAncestors()
			kept = append(kept, p)
			continue
		}
		p.release()
	}
	t.paths = kept
	t.pending = nil
	t.restarts++
	t.lastRestart = kind.String()
	t.priority.RecordRestart()
}

// restart is the internal helper every failing acquisition funnels
// through: reset the transaction and hand back a typed restart error
// for the caller's retry loop (spec.md §4.5's "Restart" paragraph).
func (t *Transaction) restart(kind lock.RestartKind) error {
	t.Reset(kind)
	return lock.Restart{Kind: kind}
}

// RestartCount reports how many times this transaction has been reset.
func (t *Transaction) RestartCount() int { return t.restarts }

// LastRestart names the most recent restart sub-kind, for debugging.
func (t *Transaction) LastRestart() string { return t.lastRestart }

// Priority exposes the transaction's consecutive-restart tracker so a
// caller can decide whether this attempt has earned priority treatment
// (spec.md §4.5's "priority bump after N consecutive restarts").
func (t *Transaction) Priority() *lock.PriorityTracker { return &t.priority }

// Snapshot returns the snapshot ID this transaction's reads and writes
// are scoped to.
func (t *Transaction) Snapshot() snapshot.ID { return t.snapshot }

// visibleAtSnapshot reports whether a key stamped with snapshot id cand
// should be visible to this transaction's target snapshot: unstamped
// (cand == 0) keys belong to non-snapshotted trees and are always
// visible; otherwise cand must be an ancestor of (or equal to) the
// transaction's snapshot.
func (t *Transaction) visibleAtSnapshot(cand uint32) bool {
	if cand == 0 {
		return true
	}
	if snapshot.ID(cand) == t.snapshot {
		return true
	}
	return t.e.Snaps.IsAncestor(snapshot.ID(cand), t.snapshot)
}

// PathGet returns a path positioned at the greatest key <= pos on
// btreeID, acquiring locks root to leaf (spec.md §4.6's path_get). want
// is the lock level left held at the leaf; every level passed through on
// the way down is held only long enough to validate the descent under
// tree order, then downgraded/released as traversal proceeds.
func (t *Transaction) PathGet(ctx context.Context, btreeID uint8, pos keyfmt.Pos, want LockFlag) (*Path, error) {
	for _, p := range t.paths {
		if p.BtreeID == btreeID && p.Pos.Equal(pos) && p.LeafMode() != lock.ModeNone {
			p.refs++
			return p, nil
		}
	}
	if len(t.paths) >= maxPathsHard {
		return nil, ErrTooManyIters
	}
	return t.descend(ctx, btreeID, pos, want, findChild)
}

// childSelector picks, among an interior node's resident btree_ptr_v2
// keys, the one a descent bound for pos should follow next. findChild
// implements the ordinary "covers pos" rule; findChildBefore implements
// the "immediately precedes pos" rule a backward leaf crossing needs.
type childSelector func(n *node.Node, pos keyfmt.Pos) (keyfmt.BtreePtrV2, bool)

// descend is the shared root-to-leaf walk behind PathGet and
// previousLeafPath: acquire locks top-down, validate tree order at each
// level, and follow select's choice of child until a leaf is reached.
func (t *Transaction) descend(ctx context.Context, btreeID uint8, pos keyfmt.Pos, want LockFlag, selectChild childSelector) (*Path, error) {
	rootID, ok := t.e.Root(btreeID)
	if !ok {
		return nil, fmt.Errorf("tx: unknown btree %d", btreeID)
	}

	p := &Path{BtreeID: btreeID, Pos: pos}
	cur := rootID
	for {
		n, err := t.e.Cache.Get(ctx, cur, nil)
		if err != nil {
			p.release()
			return nil, err
		}

		mode := lock.ModeRead
		if n.IsLeaf() && want == LockIntent {
			mode = lock.ModeIntent
		}

		lkey := lock.Key{BtreeID: btreeID, Level: n.Level, Pos: pos}
		if !t.ordered.CheckOrder(lkey) {
			p.release()
			return nil, t.restart(lock.RestartOrderViolation)
		}

		nl := t.e.Locks.For(cur)
		var acquired bool
		if mode == lock.ModeIntent {
			acquired = nl.TryIntent()
		} else {
			acquired = nl.TryRead()
		}
		if !acquired {
			p.release()
			return nil, t.restart(lock.RestartWouldBlock)
		}
		t.ordered.Record(lkey, cur, nl, mode)
		p.levels = append(p.levels, levelState{id: cur, lock: nl, mode: mode, seq: nl.Seq()})

		if n.IsLeaf() {
			break
		}

		ptr, ok := selectChild(n, pos)
		if !ok {
			p.release()
			return nil, fmt.Errorf("tx: no child near %s at level %d of btree %d", pos, n.Level, btreeID)
		}
		loc := node.Loc{BtreeID: btreeID, Level: n.Level - 1, Seq: ptr.Seq}
		_, childID, err := t.e.Cache.GetByLoc(ctx, loc, ptr.Ptrs)
		if err != nil {
			p.release()
			return nil, err
		}
		cur = childID
	}

	// The loop above appends root-to-leaf; every other Path accessor
	// (leaf(), LeafID/LeafMode/LeafSeq, commit's Step 4/8) expects index 0
	// to be the leaf, so flip the order once descent completes.
	for i, j := 0, len(p.levels)-1; i < j; i, j = i+1, j-1 {
		p.levels[i], p.levels[j] = p.levels[j], p.levels[i]
	}

	p.refs = 1
	t.paths = append(t.paths, p)
	return p, nil
}

// previousLeafPath descends to the leaf immediately to the left of pos —
// the one whose range ends exactly at pos — for Iterator's backward
// leaf-crossing. It bypasses PathGet's same-(btreeID,pos) path reuse
// since pos here names a boundary, not a lookup key a caller would ever
// ask for directly.
func (t *Transaction) previousLeafPath(ctx context.Context, btreeID uint8, pos keyfmt.Pos, want LockFlag) (*Path, error) {
	if len(t.paths) >= maxPathsHard {
		return nil, ErrTooManyIters
	}
	return t.descend(ctx, btreeID, pos, want, findChildBefore)
}

// findChild locates the covering btree_ptr_v2 key for pos among an
// interior node's resident keys: children are keyed by the upper bound
// (exclusive) of the range they cover, so the first child key with
// Pos strictly greater than target is the one to descend into — a
// target exactly equal to some child's upper bound belongs to the next
// child, whose range starts there.
func findChild(n *node.Node, pos keyfmt.Pos) (keyfmt.BtreePtrV2, bool) {
	it := n.Merged()
	for {
		k, ok := it.Next()
		if !ok {
			return keyfmt.BtreePtrV2{}, false
		}
		ptr, isPtr := k.Value.(keyfmt.BtreePtrV2)
		if !isPtr {
			continue
		}
		if k.Pos.Compare(pos) <= 0 {
			continue
		}
		return ptr, true
	}
}

// findChildBefore locates the last child entirely below target — the
// sibling immediately preceding the child whose range starts at target —
// for a backward leaf crossing that has exhausted the child starting
// there and needs to step left into whatever came before it.
func findChildBefore(n *node.Node, target keyfmt.Pos) (keyfmt.BtreePtrV2, bool) {
	it := n.Merged()
	var best keyfmt.BtreePtrV2
	found := false
	for {
		k, ok := it.Next()
		if !ok {
			break
		}
		ptr, isPtr := k.Value.(keyfmt.BtreePtrV2)
		if !isPtr {
			continue
		}
		if ptr.MinKey.Compare(target) >= 0 {
			break
		}
		best, found = ptr, true
	}
	return best, found
}

// StageUpdate adds an insert/overwrite/delete to the transaction's
// pending list (spec.md §4.6's update()). A delete is staged as a
// tombstone via keyfmt.Deleted by the caller.
func (t *Transaction) StageUpdate(btreeID uint8, k keyfmt.Key) {
	t.pending = append(t.pending, Update{BtreeID: btreeID, Key: k})
}

// CachePeek consults the key_cache before falling through to the
// resident leaf, for trees flagged cached (spec.md §4.7's key_cache
// filter).
func (t *Transaction) CachePeek(btreeID uint8, pos keyfmt.Pos) (keyfmt.Key, bool) {
	k, ok := t.keyCache[keyCacheKey{btreeID, pos}]
	return k, ok
}

// CachePut stages an update directly into the key_cache, marking it
// dirty so commit flushes it in journal order rather than writing
// through immediately.
func (t *Transaction) CachePut(btreeID uint8, k keyfmt.Key) {
	key := keyCacheKey{btreeID, k.Pos}
	t.keyCache[key] = k
	t.dirty[key] = true
}

// flushKeyCache drains every dirty key_cache entry into the pending
// update list in a stable (btree, position) order, the "commits flush
// dirty entries in journal order" half of spec.md §4.7's key_cache note.
func (t *Transaction) flushKeyCache() {
	if len(t.dirty) == 0 {
		return
	}
	type dk struct {
		key keyCacheKey
	}
	var keys []dk
	for k := range t.dirty {
		keys = append(keys, dk{k})
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i].key, keys[j].key
		if a.btreeID != b.btreeID {
			return a.btreeID < b.btreeID
		}
		return a.pos.Compare(b.pos) < 0
	})
	for _, k := range keys {
		t.StageUpdate(k.key.btreeID, t.keyCache[k.key])
		delete(t.dirty, k.key)
	}
}

// Put releases every path and the transaction's pending updates, the
// end-of-life call spec.md §4.6 names (put()).
func (t *Transaction) Put() {
	for _, p := range t.paths {
		p.release()
	}
	t.paths = nil
	t.pending = nil
	t.ordered.ReleaseAll()
}
