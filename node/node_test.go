package node

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arborfs/arbor/block"
	"github.com/arborfs/arbor/codec"
	"github.com/arborfs/arbor/keyfmt"
)

func mkKey(inode, offset uint64, ver uint64) keyfmt.Key {
	return keyfmt.Key{
		Header: keyfmt.Header{Type: keyfmt.KeyTypeInodeV3, Pos: keyfmt.Pos{Inode: inode, Offset: offset}, Version: ver},
		Value:  keyfmt.InodeV3{Mode: 0o644, Size: offset},
	}
}

func TestNodeInsertAndSort(t *testing.T) {
	n := NewLeaf(0, keyfmt.PosMin, keyfmt.PosMax)
	r := rand.New(rand.NewSource(11))
	for i := 0; i < 50; i++ {
		n.Insert(mkKey(uint64(r.Intn(1000)), 0, uint64(i)))
	}
	require.True(t, n.NeedsSort() == false || len(n.Bsets) > MaxBsets)

	n.Sort()
	require.Len(t, n.Bsets, 1)
	require.NoError(t, n.Validate())
}

func TestNodeSplitProducesContiguousRanges(t *testing.T) {
	n := NewLeaf(0, keyfmt.Pos{}, keyfmt.PosMax)
	for i := uint64(0); i < 5000; i++ {
		n.Insert(mkKey(i, 0, 1))
	}
	right := n.Split(DefaultFillPercent)
	require.NotNil(t, right)

	require.True(t, n.Max.Equal(right.Min))
	require.True(t, right.Max.Equal(keyfmt.PosMax))
	require.True(t, n.Min.Less(n.Max))
}

func TestValidateChildrenDetectsOverlapAndBadStart(t *testing.T) {
	parentMin, parentMax := keyfmt.Pos{}, keyfmt.Pos{Inode: 100}
	ok := []keyfmt.Pos{{Inode: 0}, {Inode: 40}, {Inode: 70}}
	require.NoError(t, ValidateChildren(parentMin, parentMax, ok))

	wrongStart := []keyfmt.Pos{{Inode: 5}, {Inode: 40}}
	require.Error(t, ValidateChildren(parentMin, parentMax, wrongStart))

	duplicate := []keyfmt.Pos{{Inode: 0}, {Inode: 0}, {Inode: 40}}
	require.Error(t, ValidateChildren(parentMin, parentMax, duplicate))
}

func TestNodeCoversRespectsOpenUpperBound(t *testing.T) {
	n := NewLeaf(0, keyfmt.Pos{Inode: 10}, keyfmt.Pos{Inode: 20})
	require.True(t, n.Covers(keyfmt.Pos{Inode: 10}))
	require.True(t, n.Covers(keyfmt.Pos{Inode: 19}))
	require.False(t, n.Covers(keyfmt.Pos{Inode: 20}))
	require.False(t, n.Covers(keyfmt.Pos{Inode: 9}))
}

func TestEncodeDecodeImageRoundTrip(t *testing.T) {
	n := NewLeaf(3, keyfmt.Pos{}, keyfmt.PosMax)
	for i := uint64(0); i < 10; i++ {
		n.Insert(mkKey(i, i*2, 1))
	}
	n.Sort()

	bi, err := EncodeBset(n.Bsets[0])
	require.NoError(t, err)
	img := Image{Header: Header{BtreeID: n.BtreeID, Level: n.Level, Min: n.Min, Max: n.Max}, Bsets: []BsetImage{bi}}

	raw, err := EncodeImage(img)
	require.NoError(t, err)

	out, err := DecodeImage(raw)
	require.NoError(t, err)
	require.Equal(t, img.Header, out.Header)

	b, err := DecodeBset(out.Bsets[0])
	require.NoError(t, err)
	require.Len(t, b.Keys, 10)
	require.Equal(t, n.Bsets[0].Keys[3].Pos, b.Keys[3].Pos)
	require.Equal(t, n.Bsets[0].Keys[3].Value.String(), b.Keys[3].Value.String())
}

func TestCacheFillsFromDeviceAndCachesHit(t *testing.T) {
	dev := block.NewMemory(NodeSize)
	cs := codec.Blake3Checksummer{}
	cache := New(dev, cs, 16, nil, CacheCodec{})
	ctx := context.Background()

	n := NewLeaf(1, keyfmt.Pos{}, keyfmt.PosMax)
	n.Insert(mkKey(1, 1, 1))
	n.Sort()

	require.NoError(t, cache.Persist(ctx, n, 7))

	got, err := cache.Get(ctx, ID(42), []uint64{7})
	require.NoError(t, err)
	require.Len(t, got.Bsets, 1)
	require.Equal(t, 1, cache.Stats().Misses)

	_, err = cache.Get(ctx, ID(42), []uint64{7})
	require.NoError(t, err)
	require.Equal(t, 1, cache.Stats().Hits)
}

func TestCacheFillDetectsChecksumCorruption(t *testing.T) {
	dev := block.NewMemory(NodeSize)
	cs := codec.Blake3Checksummer{}
	cache := New(dev, cs, 16, nil, CacheCodec{})
	ctx := context.Background()

	n := NewLeaf(1, keyfmt.Pos{}, keyfmt.PosMax)
	n.Insert(mkKey(1, 1, 1))
	n.Sort()
	require.NoError(t, cache.Persist(ctx, n, 3))

	buf := make([]byte, dev.BucketSize())
	require.Equal(t, block.StatusOK, dev.Submit(ctx, block.OpRead, 3, buf))
	buf[10] ^= 0xff // flip a byte inside the encoded image, not the zero-padded tail
	require.Equal(t, block.StatusOK, dev.Submit(ctx, block.OpWrite, 3, buf))

	_, err := cache.Get(ctx, ID(9), []uint64{3})
	require.Error(t, err)
}

func TestCacheEvictsLeastRecentlyUsedWhenFull(t *testing.T) {
	dev := block.NewMemory(NodeSize)
	cs := codec.Blake3Checksummer{}
	cache := New(dev, cs, 2, nil, CacheCodec{})

	a := cache.Insert(NewLeaf(0, keyfmt.Pos{}, keyfmt.PosMax))
	b := cache.Insert(NewLeaf(0, keyfmt.Pos{}, keyfmt.PosMax))
	c := cache.Insert(NewLeaf(0, keyfmt.Pos{}, keyfmt.PosMax))
	_ = a
	_ = b
	_ = c
	require.Equal(t, 1, cache.Stats().Evictions)
}

// TestCachePersistCompressesBsetsWhenEnabled checks that Persist actually
// calls through to the configured Compressor rather than merely carrying
// one: a sufficiently repetitive run of keys must come out the other end
// recorded as compressed, and still decode back to the same keys.
func TestCachePersistCompressesBsetsWhenEnabled(t *testing.T) {
	dev := block.NewMemory(NodeSize)
	cs := codec.Blake3Checksummer{}
	cache := New(dev, cs, 16, nil, CacheCodec{Compressor: codec.LZ4Compressor{}, Compression: codec.CompressionLZ4})
	ctx := context.Background()

	n := NewLeaf(1, keyfmt.Pos{}, keyfmt.PosMax)
	for i := uint64(0); i < 500; i++ {
		n.Insert(mkKey(i, 0, 1))
	}
	n.Sort()
	require.NoError(t, cache.Persist(ctx, n, 5))

	buf := make([]byte, dev.BucketSize())
	require.Equal(t, block.StatusOK, dev.Submit(ctx, block.OpRead, 5, buf))
	raw, err := cache.decodeImageEnvelope(buf)
	require.NoError(t, err)
	img, err := DecodeImage(raw)
	require.NoError(t, err)
	require.Equal(t, codec.CompressionLZ4, img.Bsets[0].Compression, "a repetitive key run should compress")

	got, err := cache.Get(ctx, ID(1), []uint64{5})
	require.NoError(t, err)
	require.Len(t, got.Bsets[0].Keys, 500)
}

// TestCachePersistEncryptsImageWhenEnabled checks that a cache configured
// with a cipher and key produces ciphertext a cache with neither can't
// read back, and correctly decrypts for its own reads.
func TestCachePersistEncryptsImageWhenEnabled(t *testing.T) {
	dev := block.NewMemory(NodeSize)
	cs := codec.Blake3Checksummer{}
	cache := New(dev, cs, 16, nil, CacheCodec{Cipher: codec.ChaChaCipher{}, EncryptKey: codec.DeriveKey("s3cr3t")})
	ctx := context.Background()

	n := NewLeaf(2, keyfmt.Pos{}, keyfmt.PosMax)
	n.Insert(mkKey(9, 9, 1))
	n.Sort()
	require.NoError(t, cache.Persist(ctx, n, 6))

	plain := New(dev, cs, 16, nil, CacheCodec{})
	_, err := plain.fill(ctx, []uint64{6})
	require.Error(t, err, "ciphertext must not parse as a plain cbor image")

	got, err := cache.Get(ctx, ID(2), []uint64{6})
	require.NoError(t, err)
	require.Len(t, got.Bsets[0].Keys, 1)
}

// TestCacheEncryptedImageDetectsTamper flips a byte inside the ciphertext
// region and checks the AEAD tag catches it rather than decrypting to
// garbage that happens to fail cbor decode for unrelated reasons.
func TestCacheEncryptedImageDetectsTamper(t *testing.T) {
	dev := block.NewMemory(NodeSize)
	cs := codec.Blake3Checksummer{}
	cache := New(dev, cs, 16, nil, CacheCodec{Cipher: codec.ChaChaCipher{}, EncryptKey: codec.DeriveKey("s3cr3t")})
	ctx := context.Background()

	n := NewLeaf(2, keyfmt.Pos{}, keyfmt.PosMax)
	n.Insert(mkKey(9, 9, 1))
	n.Sort()
	require.NoError(t, cache.Persist(ctx, n, 11))

	buf := make([]byte, dev.BucketSize())
	require.Equal(t, block.StatusOK, dev.Submit(ctx, block.OpRead, 11, buf))
	buf[20] ^= 0xff // inside the ciphertext: 4-byte length prefix + 12-byte nonce precede it
	require.Equal(t, block.StatusOK, dev.Submit(ctx, block.OpWrite, 11, buf))

	_, err := cache.Get(ctx, ID(3), []uint64{11})
	require.Error(t, err)
}

func TestCachePinPreventsEviction(t *testing.T) {
	dev := block.NewMemory(NodeSize)
	cs := codec.Blake3Checksummer{}
	cache := New(dev, cs, 1, nil, CacheCodec{})

	a := cache.Insert(NewLeaf(0, keyfmt.Pos{}, keyfmt.PosMax))
	cache.Pin(a)
	_ = cache.Insert(NewLeaf(0, keyfmt.Pos{}, keyfmt.PosMax))
	require.Equal(t, 0, cache.Stats().Evictions)

	id, ok := cache.Cannibalize()
	require.True(t, ok)
	require.NotEqual(t, a, id)
}
