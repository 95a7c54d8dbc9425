// Package journal implements the write-ahead log that gives the
// transaction engine atomicity and ordering across heterogeneous
// updates (spec.md §4.3): jsets, reservations, flush/noflush durability,
// replay, and the journal_pin mechanism that keeps a committed-but-not-
// yet-flushed write's buckets from being reclaimed early.
package journal

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/tidwall/btree"

	"github.com/arborfs/arbor/block"
	"github.com/arborfs/arbor/codec"
	"github.com/arborfs/arbor/keyfmt"
)

const magic uint32 = 0xb17cafe5

// SubEntryKind tags one sub-entry within a jset.
type SubEntryKind uint8

const (
	SubEntryBtreeKey SubEntryKind = iota
	SubEntryBtreeRoot
	SubEntryClock
	SubEntryUsage
	SubEntryDataUsage
	SubEntryDevUsage
	SubEntryBlacklist
)

// SubEntry is one jset payload item. Only the fields relevant to its
// Kind are populated; the rest round-trip as zero values.
type SubEntry struct {
	Kind SubEntryKind

	// btree_key
	BtreeID uint8
	Level   uint8
	Keys    []keyfmt.Key

	// btree_root
	RootBtreeID uint8
	RootNodeLoc uint64
	RootSeq     uint64

	// clock
	ClockNanos uint64

	// usage / data_usage / dev_usage, accounted generically via cbor so
	// new accounting shapes don't require a schema change here.
	UsagePayload []byte

	// blacklist
	BlacklistSeqs []uint64
}

// Jset is one journal entry: a sequence number, a durability class, and
// its sub-entries. Checksum covers the cbor-encoded sub-entry list.
type Jset struct {
	Seq      uint64
	Magic    uint32
	Flush    bool
	Checksum uint64
	Entries  []SubEntry
}

// u64sLen approximates the on-disk cost in 8-byte units, the unit
// journal_reserve accounts in (spec.md §4.3).
func (j Jset) u64sLen() uint64 {
	n := uint64(4) // header words
	for _, e := range j.Entries {
		switch e.Kind {
		case SubEntryBtreeKey:
			for _, k := range e.Keys {
				n += uint64(k.EncodedSize() / 8)
			}
		case SubEntryUsage, SubEntryDataUsage, SubEntryDevUsage:
			n += uint64(len(e.UsagePayload)/8) + 1
		default:
			n += 2
		}
	}
	return n
}

// Reservation is the result of journal_reserve: a seq/offset pair the
// caller writes its sub-entries against.
type Reservation struct {
	Seq    uint64
	Offset uint64
	u64s   uint64
}

var (
	ErrNoSpace       = fmt.Errorf("journal: no space")
	ErrWouldDeadlock = fmt.Errorf("journal: would deadlock")
	ErrBlacklisted   = fmt.Errorf("journal: seq is blacklisted")
	ErrInvalidJset   = fmt.Errorf("journal: invalid jset")
)

type pin struct {
	refs int
}

// Journal is the in-memory + block-backed journal. Its capacity is
// expressed in u64s; a rolling window bounded by capacity tracks
// outstanding (unflushed) reservations per spec.md §4.3's "Reservations".
type Journal struct {
	mu sync.Mutex

	dev      block.Device
	checksum codec.Checksummer
	capacity uint64

	nextSeq    uint64
	outstanding uint64 // u64s reserved but not yet flushed
	flushedSeq uint64  // highest seq known durable

	pins map[uint64]*pin // seq -> pin refcount; seqs with pins can't be reclaimed

	// index is the in-memory seq -> bucket index, filled by Write and
	// Replay and read by BucketFor to locate a jset's on-disk location.
	index *btree.BTreeG[seqEntry]

	blacklisted map[uint64]bool

	// buckets is the fixed, superblock-recorded journal region (spec.md
	// §4.3, "the journal occupies a fixed set of buckets"). Write rotates
	// through it so every committed jset lands somewhere Replay will scan
	// on the next mount; writing to an address outside this set would be
	// durable in-process but invisible to Open.
	buckets  []uint64
	bucketAt int
}

type seqEntry struct {
	seq    uint64
	bucket uint64
}

func seqLess(a, b seqEntry) bool { return a.seq < b.seq }

func New(dev block.Device, checksum codec.Checksummer, capacityU64s uint64) *Journal {
	return &Journal{
		dev:         dev,
		checksum:    checksum,
		capacity:    capacityU64s,
		nextSeq:     1,
		pins:        make(map[uint64]*pin),
		index:       btree.NewBTreeG(seqLess),
		blacklisted: make(map[uint64]bool),
	}
}

// SetBuckets installs the fixed journal region Write rotates through.
// Called once at Format/Open time with the superblock's recorded journal
// bucket list; Write before SetBuckets has no fixed region to target.
func (j *Journal) SetBuckets(buckets []uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.buckets = buckets
	j.bucketAt = 0
}

// NextBucket returns the next bucket in the fixed journal region, in
// round-robin order, or false if SetBuckets was never called.
func (j *Journal) NextBucket() (uint64, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.buckets) == 0 {
		return 0, false
	}
	b := j.buckets[j.bucketAt]
	j.bucketAt = (j.bucketAt + 1) % len(j.buckets)
	return b, true
}

// Reserve implements journal_reserve(u64s): accounts u64s against the
// rolling window and returns a (seq, offset) pair, or ErrNoSpace if the
// window is exhausted. It never blocks — spec.md §4.6 requires every
// blocking point to sit outside a held tree lock, so a caller that gets
// ErrNoSpace here must restart rather than wait inline.
func (j *Journal) Reserve(u64s uint64) (Reservation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.capacity > 0 && j.outstanding+u64s > j.capacity {
		return Reservation{}, ErrNoSpace
	}
	seq := j.nextSeq
	j.nextSeq++
	j.outstanding += u64s
	return Reservation{Seq: seq, Offset: 0, u64s: u64s}, nil
}

// Pin records that an in-memory transaction has written (but not yet
// flushed) data covered by seq, preventing reclaim of that seq's journal
// space and the buckets it references until Unpin is called — the
// journal_pin mechanism SPEC_FULL.md adds on top of spec.md §4.3.
func (j *Journal) Pin(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	p, ok := j.pins[seq]
	if !ok {
		p = &pin{}
		j.pins[seq] = p
	}
	p.refs++
}

func (j *Journal) Unpin(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	p, ok := j.pins[seq]
	if !ok {
		return
	}
	p.refs--
	if p.refs <= 0 {
		delete(j.pins, seq)
	}
}

// Pinned reports whether seq (or anything lower, since pins apply to the
// range up to a transaction's commit point) is still pinned.
func (j *Journal) Pinned(seq uint64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for s := range j.pins {
		if s <= seq {
			return true
		}
	}
	return false
}

// Blacklist marks seq to be ignored on replay (spec.md §4.3), used when
// a write is known bad.
func (j *Journal) Blacklist(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.blacklisted[seq] = true
}

// Write serializes and submits one jset at bucket, returning its seq so
// the caller can fsync or pin against it. If flush is set, OpFlush is
// issued after the write, matching §4.3's "flush vs noflush" durability
// boundary.
func (j *Journal) Write(ctx context.Context, r Reservation, entries []SubEntry, flush bool, bucket uint64) (uint64, error) {
	js := Jset{Seq: r.Seq, Magic: magic, Flush: flush, Entries: entries}

	body, err := cbor.Marshal(js.Entries)
	if err != nil {
		return 0, fmt.Errorf("journal: encode: %w", err)
	}
	sum, err := j.checksum.Checksum(codec.ChecksumBlake3, js.Seq, body)
	if err != nil {
		return 0, err
	}
	js.Checksum = sum

	raw, err := cbor.Marshal(js)
	if err != nil {
		return 0, fmt.Errorf("journal: encode jset: %w", err)
	}
	buf := make([]byte, j.dev.BucketSize())
	if len(raw) > len(buf) {
		return 0, fmt.Errorf("journal: jset too large for bucket")
	}
	copy(buf, raw)
	if st := j.dev.Submit(ctx, block.OpWrite, bucket, buf); st != block.StatusOK {
		return 0, st.Error()
	}
	if flush {
		if st := j.dev.Submit(ctx, block.OpFlush, bucket, nil); st != block.StatusOK {
			return 0, st.Error()
		}
	}

	j.mu.Lock()
	j.index.Set(seqEntry{seq: js.Seq, bucket: bucket})
	if flush && js.Seq > j.flushedSeq {
		j.flushedSeq = js.Seq
	}
	if j.outstanding >= r.u64s {
		j.outstanding -= r.u64s
	}
	j.mu.Unlock()
	return js.Seq, nil
}

// Fsync reports whether seq has been flushed, that is whether a flushed
// Write or a MarkFlushed call has reached it. It does not wait and
// issues no flush of its own: a seq written without flush reads as
// unflushed until a later flushed Write or MarkFlushed covers it.
func (j *Journal) Fsync(seq uint64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return seq <= j.flushedSeq
}

// MarkFlushed records that seq (and transitively, the highest seq now
// durable) has reached disk; used by callers issuing their own flush.
func (j *Journal) MarkFlushed(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq > j.flushedSeq {
		j.flushedSeq = seq
	}
}

// BucketFor returns the bucket a given seq was last written to, as
// recorded in the index by Write or by Replay, for fsck/debugging.
func (j *Journal) BucketFor(seq uint64) (uint64, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.index.Get(seqEntry{seq: seq})
	return e.bucket, ok
}
