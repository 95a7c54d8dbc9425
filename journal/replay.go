package journal

import (
	"context"

	"github.com/fxamacker/cbor/v2"

	"github.com/arborfs/arbor/block"
	"github.com/arborfs/arbor/codec"
)

// ReplayResult is what Replay returns: the sub-entries of every valid
// jset, in ascending seq order, plus the highest seq among the valid
// and the blacklisted jsets read, so the caller can resume numbering
// past both.
type ReplayResult struct {
	Jsets     []Jset
	HighestSeq uint64
	StoppedAt  uint64 // seq at which replay stopped due to an invalid/missing entry, 0 if it reached the end
}

// Replay scans buckets in the order given by buckets, decoding and
// validating jsets until it hits the first invalid one (spec.md §4.3:
// "On first invalid entry, replay stops"). A jset is valid iff its magic
// matches, its checksum matches, it is not blacklisted, and it falls
// within the declared journal bucket range (enforced by the caller only
// scanning within buckets).
func (j *Journal) Replay(ctx context.Context, buckets []uint64) (ReplayResult, error) {
	var result ReplayResult
	var lastSeq uint64

	for _, bucket := range buckets {
		buf := make([]byte, j.dev.BucketSize())
		if st := j.dev.Submit(ctx, block.OpRead, bucket, buf); st != block.StatusOK {
			result.StoppedAt = lastSeq + 1
			break
		}

		var js Jset
		// The jset fills only the front of its zero-padded bucket, so
		// decode the first cbor item and ignore the padding after it.
		if _, err := cbor.UnmarshalFirst(buf, &js); err != nil {
			result.StoppedAt = lastSeq + 1
			break
		}
		if js.Magic != magic {
			result.StoppedAt = lastSeq + 1
			break
		}

		body, err := cbor.Marshal(js.Entries)
		if err != nil {
			result.StoppedAt = lastSeq + 1
			break
		}
		sum, err := j.checksum.Checksum(codec.ChecksumBlake3, js.Seq, body)
		if err != nil || sum != js.Checksum {
			result.StoppedAt = lastSeq + 1
			break
		}

		j.mu.Lock()
		blacklisted := j.blacklisted[js.Seq]
		j.mu.Unlock()
		if blacklisted {
			lastSeq = js.Seq
			if js.Seq > result.HighestSeq {
				result.HighestSeq = js.Seq
			}
			continue
		}
		if js.Seq != 0 && lastSeq != 0 && js.Seq <= lastSeq {
			// Out-of-order or duplicate seq; treat as end of the valid
			// contiguous run.
			result.StoppedAt = js.Seq
			break
		}

		result.Jsets = append(result.Jsets, js)
		lastSeq = js.Seq
		if js.Seq > result.HighestSeq {
			result.HighestSeq = js.Seq
		}

		j.mu.Lock()
		j.index.Set(seqEntry{seq: js.Seq, bucket: bucket})
		if js.Flush && js.Seq > j.flushedSeq {
			j.flushedSeq = js.Seq
		}
		j.mu.Unlock()
	}

	j.mu.Lock()
	if result.HighestSeq >= j.nextSeq {
		j.nextSeq = result.HighestSeq + 1
	}
	j.mu.Unlock()

	return result, nil
}

// BtreeRoots reduces a ReplayResult's btree_root sub-entries down to the
// highest-seq root installed per tree, per spec.md §4.3's "install the
// highest btree_root seen per tree".
func BtreeRoots(r ReplayResult) map[uint8]SubEntry {
	latest := make(map[uint8]SubEntry)
	latestSeq := make(map[uint8]uint64)
	for _, js := range r.Jsets {
		for _, e := range js.Entries {
			if e.Kind != SubEntryBtreeRoot {
				continue
			}
			if js.Seq >= latestSeq[e.RootBtreeID] {
				latest[e.RootBtreeID] = e
				latestSeq[e.RootBtreeID] = js.Seq
			}
		}
	}
	return latest
}

// BtreeKeys flattens every btree_key sub-entry across a ReplayResult, in
// ascending seq order, ready for a caller to apply to in-memory trees.
func BtreeKeys(r ReplayResult) []SubEntry {
	var out []SubEntry
	for _, js := range r.Jsets {
		for _, e := range js.Entries {
			if e.Kind == SubEntryBtreeKey {
				out = append(out, e)
			}
		}
	}
	return out
}
