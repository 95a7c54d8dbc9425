package lock

import "sync/atomic"

// PriorityBumpThreshold is N in "a priority bump after N consecutive
// restarts of the same transaction kind" (spec.md §4.5).
const PriorityBumpThreshold = 8

// PriorityTracker counts a transaction's consecutive restarts and
// reports when it has earned priority treatment (e.g. skipping a
// trylock failure and cannibalizing instead of yielding).
type PriorityTracker struct {
	consecutive uint32
}

func (p *PriorityTracker) RecordRestart() {
	atomic.AddUint32(&p.consecutive, 1)
}

func (p *PriorityTracker) RecordCommit() {
	atomic.StoreUint32(&p.consecutive, 0)
}

func (p *PriorityTracker) Boosted() bool {
	return atomic.LoadUint32(&p.consecutive) >= PriorityBumpThreshold
}

func (p *PriorityTracker) Consecutive() uint32 {
	return atomic.LoadUint32(&p.consecutive)
}
