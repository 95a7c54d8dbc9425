// Package node implements the resident B+tree node: its on-disk image
// (header + one or more bsets), the in-memory representation built from
// that image, and the bounded node cache that fills, evicts, sorts and
// splits nodes on behalf of the transaction engine.
package node

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/arborfs/arbor/codec"
	"github.com/arborfs/arbor/keyfmt"
)

// ID is a stable handle into the node cache. Per the engine's Design
// Notes, paths store ID values rather than pointers so that eviction and
// COW replacement never leave a dangling reference; "up" traversal
// resolves a parent ID through the child's Node.Parent field.
type ID uint64

const NoID ID = 0

// NodeSize is the fixed on-disk unit size for every btree node (spec.md
// §3, "Node"). 256 KiB is bcachefs's own default and is kept here so the
// split/fill-percent math in Node matches real on-disk budgets.
const NodeSize = 256 * 1024

// HeaderBytes is the serialized size of Header, counted by Node.Size.
const HeaderBytes = 64

// Header is the fixed prefix of a node's on-disk image.
type Header struct {
	BtreeID uint8
	Level   uint8
	Min     keyfmt.Pos
	Max     keyfmt.Pos
	Seq     uint64
	Flags   uint32
}

// BsetImage is one bset's on-disk representation: a checksum over the
// entry bytes (computed by the caller via the codec.Checksum contract,
// §6) plus the packing format and the cbor-encoded key list. Keys are
// cbor-encoded whole with their positions unpacked (keyfmt.Pack is not
// applied); cbor is one of the domain-stack libraries wired per SPEC_FULL.md. Entries holds
// whatever Cache.Persist last wrote there — plain cbor, or the result of
// running that cbor through a codec.Compressor — and Compression records
// which, since a compressor may decline an incompressible run and store
// it as-is (CompressionNone) even when the node cache asked for CompressionLZ4.
type BsetImage struct {
	Checksum    uint64
	Format      keyfmt.Format
	Compression codec.CompressionKind
	Entries     []byte
}

// Image is a node's complete on-disk image, the unit a Checksummer,
// Compressor and Cipher (package codec) operate over.
type Image struct {
	Header Header
	Bsets  []BsetImage
}

// EncodeBset serializes a bset's keys to cbor for inclusion in a
// BsetImage. The checksum is left zero; callers fill it in via the
// configured Checksummer once the bytes are final.
func EncodeBset(b *keyfmt.Bset) (BsetImage, error) {
	entries, err := cbor.Marshal(b.Keys)
	if err != nil {
		return BsetImage{}, fmt.Errorf("node: encode bset: %w", err)
	}
	return BsetImage{Format: b.Format, Entries: entries}, nil
}

// DecodeBset reverses EncodeBset. The checksum must be verified by the
// caller before calling this — DecodeBset does not re-check it.
func DecodeBset(img BsetImage) (*keyfmt.Bset, error) {
	var keys []keyfmt.Key
	if err := cbor.Unmarshal(img.Entries, &keys); err != nil {
		return nil, fmt.Errorf("node: decode bset: %w", err)
	}
	return &keyfmt.Bset{Format: img.Format, Keys: keys}, nil
}

// EncodeImage and DecodeImage cbor-encode the whole node image; the
// block layer treats the result as an opaque byte range (spec.md §6).
func EncodeImage(img Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := cbor.NewEncoder(&buf).Encode(img); err != nil {
		return nil, fmt.Errorf("node: encode image: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeImage(raw []byte) (Image, error) {
	var img Image
	if err := cbor.Unmarshal(raw, &img); err != nil {
		return Image{}, fmt.Errorf("node: decode image: %w", err)
	}
	return img, nil
}
