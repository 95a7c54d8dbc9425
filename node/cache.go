package node

import (
	"bytes"
	"container/list"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/btree"
	"golang.org/x/sync/errgroup"

	"github.com/arborfs/arbor/block"
	"github.com/arborfs/arbor/codec"
)

// Loc identifies a node's on-disk identity for the cache's secondary
// index: (btree_id, level, sequence). Several Loc values may exist for
// the same logical node range over time as COW replaces it.
type Loc struct {
	BtreeID uint8
	Level   uint8
	Seq     uint64
}

func locLess(a, b Loc) bool {
	if a.BtreeID != b.BtreeID {
		return a.BtreeID < b.BtreeID
	}
	if a.Level != b.Level {
		return a.Level < b.Level
	}
	return a.Seq < b.Seq
}

type locEntry struct {
	loc Loc
	id  ID
}

// Stats mirrors the observability the teacher's DB.Stats exposes,
// extended with cache-specific counters (SPEC_FULL.md's node module
// addition).
type Stats struct {
	Hits, Misses, Evictions, Cannibalized, Splits, Sorts, ReadErrors int
}

type entry struct {
	node *Node
	pins int // intent/write refs; >0 means not evictable
	lru  *list.Element
}

// Cache is the bounded resident-node cache: pinned (locked) nodes are
// never evicted; the rest sit on an LRU list and are evicted oldest
// first unless a cannibalize acquires them forcibly (spec.md §4.2).
type Cache struct {
	mu       sync.Mutex
	nodes    map[ID]*entry
	byLoc    *btree.BTreeG[locEntry]
	nextID   ID
	lru      *list.List // evictable, front = most recently used
	maxSize  int

	cannibalizeMu sync.Mutex

	dev      block.Device
	checksum codec.Checksummer
	log      *logrus.Logger

	codec CacheCodec

	stats Stats
}

// CacheCodec bundles the at-rest transforms Persist/fill apply to a
// node's serialized image beyond the Checksummer every image always
// gets: per-bset LZ4 compression when Compression enables it, and
// whole-image ChaCha20-Poly1305 encryption when EncryptKey is set. A
// zero-value CacheCodec disables both, leaving images as plain cbor.
type CacheCodec struct {
	Compressor  codec.Compressor
	Compression codec.CompressionKind
	Cipher      codec.Cipher
	EncryptKey  []byte
}

func (cc CacheCodec) encrypting() bool { return cc.Cipher != nil && len(cc.EncryptKey) > 0 }
func (cc CacheCodec) compressing() bool {
	return cc.Compressor != nil && cc.Compression != codec.CompressionNone
}

// New constructs a cache backed by dev, bounded to maxResident nodes.
func New(dev block.Device, checksum codec.Checksummer, maxResident int, log *logrus.Logger, cc CacheCodec) *Cache {
	if log == nil {
		log = logrus.New()
	}
	return &Cache{
		nodes:    make(map[ID]*entry),
		byLoc:    btree.NewBTreeG(func(a, b locEntry) bool { return locLess(a.loc, b.loc) }),
		lru:      list.New(),
		maxSize:  maxResident,
		dev:      dev,
		checksum: checksum,
		log:      log,
		codec:    cc,
	}
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Insert registers a freshly constructed (not-yet-persisted) node and
// returns its stable ID. Used when split/new-root creates a node that
// has no on-disk image yet.
func (c *Cache) Insert(n *Node) ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ensureRoomLocked()
	c.nextID++
	n.ID = c.nextID
	e := &entry{node: n}
	c.nodes[n.ID] = e
	c.touchLocked(e)
	return n.ID
}

// Pin marks a node as not evictable (an intent or write lock is held on
// it); Unpin releases one such hold.
func (c *Cache) Pin(id ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.nodes[id]
	if !ok {
		return
	}
	e.pins++
	if e.lru != nil {
		c.lru.Remove(e.lru)
		e.lru = nil
	}
}

func (c *Cache) Unpin(id ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.nodes[id]
	if !ok {
		return
	}
	if e.pins > 0 {
		e.pins--
	}
	if e.pins == 0 {
		c.touchLocked(e)
	}
}

func (c *Cache) touchLocked(e *entry) {
	if e.pins > 0 {
		return
	}
	if e.lru != nil {
		c.lru.MoveToFront(e.lru)
		return
	}
	e.lru = c.lru.PushFront(e)
}

// Get returns the resident node for id, loading it from the block layer
// on a cold cache per spec.md §4.2's "Read-in". locs are the bucket
// addresses to try, in replica order.
func (c *Cache) Get(ctx context.Context, id ID, locs []uint64) (*Node, error) {
	c.mu.Lock()
	if e, ok := c.nodes[id]; ok {
		c.stats.Hits++
		c.touchLocked(e)
		c.mu.Unlock()
		return e.node, nil
	}
	c.stats.Misses++
	c.mu.Unlock()

	n, err := c.fill(ctx, locs)
	if err != nil {
		c.mu.Lock()
		c.stats.ReadErrors++
		c.mu.Unlock()
		return nil, err
	}
	n.ID = id

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureRoomLocked(); err != nil {
		return nil, err
	}
	e := &entry{node: n}
	c.nodes[id] = e
	c.touchLocked(e)
	return n, nil
}

// fill issues reads against each candidate location in order, returning
// the first replica that verifies; spec.md §4.2, "A node whose
// verification fails is marked read_error; retries may target replicas."
func (c *Cache) fill(ctx context.Context, locs []uint64) (*Node, error) {
	var lastErr error
	for _, loc := range locs {
		buf := make([]byte, c.dev.BucketSize())
		if st := c.dev.Submit(ctx, block.OpRead, loc, buf); st != block.StatusOK {
			lastErr = st.Error()
			continue
		}
		raw, err := c.decodeImageEnvelope(buf)
		if err != nil {
			lastErr = err
			continue
		}
		img, err := DecodeImage(raw)
		if err != nil {
			lastErr = err
			continue
		}
		n, err := c.verifyAndBuild(img)
		if err != nil {
			lastErr = err
			continue
		}
		return n, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("node: no replicas available")
	}
	return nil, lastErr
}

func (c *Cache) verifyAndBuild(img Image) (*Node, error) {
	n := &Node{
		BtreeID: img.Header.BtreeID,
		Level:   img.Header.Level,
		Min:     img.Header.Min,
		Max:     img.Header.Max,
		Seq:     img.Header.Seq,
	}
	for i, bi := range img.Bsets {
		sum, err := c.checksum.Checksum(codec.ChecksumBlake3, img.Header.Seq, bi.Entries)
		if err != nil {
			return nil, err
		}
		if sum != bi.Checksum {
			return nil, fmt.Errorf("node: bset %d checksum mismatch: %w", i, ErrFatalCorruption)
		}
		entries := bi.Entries
		if bi.Compression != codec.CompressionNone {
			if c.codec.Compressor == nil {
				return nil, fmt.Errorf("node: bset %d compressed with kind %d but no compressor configured: %w", i, bi.Compression, ErrFatalCorruption)
			}
			dec, derr := c.codec.Compressor.Decompress(bi.Compression, entries, 0)
			if derr != nil {
				return nil, fmt.Errorf("node: bset %d decompress: %w", i, derr)
			}
			entries = dec
		}
		b, err := DecodeBset(BsetImage{Format: bi.Format, Entries: entries})
		if err != nil {
			return nil, err
		}
		b.Reindex()
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("node: bset %d: %w", i, ErrFatalCorruption)
		}
		n.Bsets = append(n.Bsets, b)
	}
	return n, nil
}

// encodeImageEnvelope wraps raw (a serialized Image) with at-rest
// encryption, if configured, and a length prefix recording exactly how
// many bytes are meaningful — Persist writes into a fixed bucket-size
// buffer, and a random nonce or AEAD ciphertext can't tolerate the zero
// padding that fills the rest of it the way a bare cbor value can.
func (c *Cache) encodeImageEnvelope(raw []byte) ([]byte, error) {
	payload := raw
	if c.codec.encrypting() {
		nonce, err := codec.NewNonce()
		if err != nil {
			return nil, fmt.Errorf("node: generate nonce: %w", err)
		}
		enc, err := c.codec.Cipher.Encrypt(c.codec.EncryptKey, nonce, raw)
		if err != nil {
			return nil, fmt.Errorf("node: encrypt image: %w", err)
		}
		payload = append(nonce, enc...)
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(payload))); err != nil {
		return nil, err
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}

// decodeImageEnvelope reverses encodeImageEnvelope, given buf as read
// straight off the block device (zero-padded to bucket size).
func (c *Cache) decodeImageEnvelope(buf []byte) ([]byte, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("node: image envelope shorter than its length prefix")
	}
	plen := binary.LittleEndian.Uint32(buf[:4])
	if int(plen) > len(buf)-4 {
		return nil, fmt.Errorf("node: image envelope length %d exceeds bucket", plen)
	}
	payload := buf[4 : 4+plen]
	if !c.codec.encrypting() {
		return payload, nil
	}
	if len(payload) < codec.NonceSize {
		return nil, fmt.Errorf("node: encrypted image shorter than its nonce")
	}
	nonce, ciphertext := payload[:codec.NonceSize], payload[codec.NonceSize:]
	dec, err := c.codec.Cipher.Decrypt(c.codec.EncryptKey, nonce, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("node: decrypt image: %w", err)
	}
	return dec, nil
}

// ErrFatalCorruption signals spec.md §7's fatal_corruption kind: the
// filesystem must enter emergency read-only state on this error.
var ErrFatalCorruption = fmt.Errorf("node: fatal corruption")

// Persist serializes n, checksums each bset, and writes it to loc via
// the block layer. Callers are responsible for having reserved disk
// space through the allocator first (spec.md §4.8 step 3).
func (c *Cache) Persist(ctx context.Context, n *Node, loc uint64) error {
	img := Image{Header: Header{BtreeID: n.BtreeID, Level: n.Level, Min: n.Min, Max: n.Max, Seq: n.Seq}}
	for _, b := range n.Bsets {
		bi, err := EncodeBset(b)
		if err != nil {
			return err
		}
		if c.codec.compressing() {
			compressed, cerr := c.codec.Compressor.Compress(c.codec.Compression, bi.Entries)
			if cerr != nil {
				return fmt.Errorf("node: compress bset: %w", cerr)
			}
			// A compressor may decline an incompressible run and hand
			// the input back unchanged; only claim the compressed kind
			// when it actually shrank, so fill/verifyAndBuild knows
			// whether to reverse it.
			if len(compressed) < len(bi.Entries) {
				bi.Entries = compressed
				bi.Compression = c.codec.Compression
			}
		}
		sum, err := c.checksum.Checksum(codec.ChecksumBlake3, n.Seq, bi.Entries)
		if err != nil {
			return err
		}
		bi.Checksum = sum
		img.Bsets = append(img.Bsets, bi)
	}
	raw, err := EncodeImage(img)
	if err != nil {
		return err
	}
	wrapped, err := c.encodeImageEnvelope(raw)
	if err != nil {
		return err
	}
	if len(wrapped) > c.dev.BucketSize() {
		return fmt.Errorf("node: serialized size %d exceeds bucket size %d", len(wrapped), c.dev.BucketSize())
	}
	buf := make([]byte, c.dev.BucketSize())
	copy(buf, wrapped)
	if st := c.dev.Submit(ctx, block.OpWrite, loc, buf); st != block.StatusOK {
		return st.Error()
	}
	return nil
}

// ensureRoomLocked evicts from the LRU tail until the cache is under
// budget. If nothing is evictable it stops and the cache goes over
// budget; no victim is cannibalized.
func (c *Cache) ensureRoomLocked() error {
	for len(c.nodes) >= c.maxSize && c.maxSize > 0 {
		if !c.evictOneLocked() {
			break // nothing evictable right now; caller proceeds over budget
		}
	}
	return nil
}

func (c *Cache) evictOneLocked() bool {
	back := c.lru.Back()
	if back == nil {
		return false
	}
	e := back.Value.(*entry)
	c.lru.Remove(back)
	delete(c.nodes, e.node.ID)
	c.stats.Evictions++
	return true
}

// Cannibalize forcibly evicts one unpinned node even if the cache is
// below budget, for a caller that must allocate a node slot right now
// and has nothing else available (spec.md §4.2). It serializes against
// other cannibalizers so exactly one victim is chosen at a time.
func (c *Cache) Cannibalize() (ID, bool) {
	c.cannibalizeMu.Lock()
	defer c.cannibalizeMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	back := c.lru.Back()
	if back == nil {
		return NoID, false
	}
	e := back.Value.(*entry)
	c.lru.Remove(back)
	delete(c.nodes, e.node.ID)
	c.stats.Cannibalized++
	return e.node.ID, true
}

// RunCompaction scans resident nodes and, for any that have accumulated
// more than MaxBsets bsets, merges them concurrently via a bounded
// worker pool — the background sort/compact job spec.md §4.2 describes.
func (c *Cache) RunCompaction(ctx context.Context, workers int) error {
	c.mu.Lock()
	var candidates []*Node
	for _, e := range c.nodes {
		if e.pins == 0 && e.node.NeedsSort() {
			candidates = append(candidates, e.node)
		}
	}
	c.mu.Unlock()

	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, n := range candidates {
		n := n
		g.Go(func() error {
			n.Sort()
			c.mu.Lock()
			c.stats.Sorts++
			c.mu.Unlock()
			return nil
		})
	}
	_ = ctx
	return g.Wait()
}

// LocateByLoc resolves a cache ID from its (btree_id, level, seq)
// identity using the ordered secondary index, short-circuiting a future
// read the way spec.md §4.2's "Eviction" describes: the mapping survives
// even after the node buffer itself is dropped.
func (c *Cache) LocateByLoc(loc Loc) (ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.byLoc.Get(locEntry{loc: loc})
	if !ok {
		return NoID, false
	}
	return item.id, true
}

// GetByLoc resolves the node living at loc, identified on disk by
// bucketAddrs, via the secondary index if resident or by filling from
// the block layer and recording the mapping otherwise. This is the path
// an interior node's descent takes: a parent knows only a child's
// bucket pointers and on-disk sequence, not yet its cache ID.
func (c *Cache) GetByLoc(ctx context.Context, loc Loc, bucketAddrs []uint64) (*Node, ID, error) {
	if id, ok := c.LocateByLoc(loc); ok {
		n, err := c.Get(ctx, id, bucketAddrs)
		return n, id, err
	}

	n, err := c.fill(ctx, bucketAddrs)
	if err != nil {
		c.mu.Lock()
		c.stats.ReadErrors++
		c.mu.Unlock()
		return nil, NoID, err
	}

	c.mu.Lock()
	_ = c.ensureRoomLocked()
	c.nextID++
	id := c.nextID
	n.ID = id
	e := &entry{node: n}
	c.nodes[id] = e
	c.touchLocked(e)
	c.mu.Unlock()

	c.RecordLoc(loc, id)
	return n, id, nil
}

func (c *Cache) RecordLoc(loc Loc, id ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byLoc.Set(locEntry{loc: loc, id: id})
}
