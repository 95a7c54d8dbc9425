package keyfmt

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// KeyType tags the value carried by a Key. The set is closed but
// appendable: an implementation must preserve unknown tags verbatim on
// read rather than reject them, so that newer on-disk images remain
// readable by older code.
type KeyType uint8

const (
	KeyTypeDeleted KeyType = iota
	KeyTypeWhiteout
	KeyTypeBtreePtrV2
	KeyTypeExtent
	KeyTypeInodeV3
	KeyTypeDirent
	KeyTypeXattr
	KeyTypeAllocV4
	KeyTypeStripe
	KeyTypeReflinkP
	KeyTypeReflinkV
	KeyTypeSnapshot
	KeyTypeSubvolume
	KeyTypeInlineData
	// keyTypeUnknownBase and above are reserved for tags this build does
	// not recognise; they round-trip unchanged but cannot be constructed.
	keyTypeUnknownBase KeyType = 0xf0
)

func (t KeyType) String() string {
	switch {
	case t >= keyTypeUnknownBase:
		return fmt.Sprintf("unknown<%#02x>", uint8(t))
	}
	names := [...]string{
		"deleted", "whiteout", "btree_ptr_v2", "extent", "inode_v3",
		"dirent", "xattr", "alloc_v4", "stripe", "reflink_p",
		"reflink_v", "snapshot", "subvolume", "inline_data",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return fmt.Sprintf("keytype<%d>", uint8(t))
}

// Value is the per-type payload of a Key. Concrete types implement the
// validate/to_text/compute_size trio spec.md's Design Notes call for.
type Value interface {
	Type() KeyType
	Validate() error
	String() string
	EncodedSize() int
}

// Header is the fixed prefix every bkey carries ahead of its
// type-specific value.
type Header struct {
	U64sLen uint8 // length of the whole key in units of 8 bytes; 0 terminates a bset
	Format  uint8 // which bset packing format this key was encoded under (0 = unpacked)
	Type    KeyType
	Pos     Pos
	Size    uint32 // extent size; for extents the key's Pos is the *end* of (Pos.Offset-Size, Pos.Offset]
	Version uint64
}

// Key is the unit of update: a header plus its typed value. Point keys
// have Size == 0; extent keys occupy (Pos.Offset-Size, Pos.Offset].
type Key struct {
	Header
	Value Value
}

// Deleted constructs a tombstone at pos. Tombstones suppress older keys
// at the same position in snapshot-aware trees and are physically removed
// immediately in non-snapshot trees (spec.md §3, "Lifecycles").
func Deleted(pos Pos, version uint64) Key {
	return Key{Header: Header{Type: KeyTypeDeleted, Pos: pos, Version: version}, Value: deletedValue{}}
}

// Whiteout constructs a snapshot-local delete at pos: it masks an
// ancestor snapshot's key at this position for the snapshot that writes
// it, but unlike Deleted is not itself a terminal answer — an ancestor
// walk that finds only a whiteout must keep searching older snapshots
// rather than treat the position as gone everywhere (spec.md §4.9's
// "lookup falls through to the parent's key" once the snapshot-local
// override is removed).
func Whiteout(pos Pos, version uint64) Key {
	return Key{Header: Header{Type: KeyTypeWhiteout, Pos: pos, Version: version}, Value: WhiteoutValue{}}
}

// IsTombstone reports whether k suppresses a visible value at its
// position for the tree it was staged into: Deleted terminally, so any
// walk that finds one stops there, Whiteout only within its own
// snapshot's subtree — see Key.IsWhiteout and the iterator's ancestor
// walk in package tx.
func (k Key) IsTombstone() bool {
	return k.Type == KeyTypeDeleted || k.Type == KeyTypeWhiteout
}

// IsWhiteout reports whether k is a snapshot-local mask rather than a
// terminal delete, the distinction spec.md §4.9's Scenario 4 ("deleting
// a snapshot-local override falls through to the parent's key") needs
// a caller walking ancestor snapshots to make.
func (k Key) IsWhiteout() bool {
	return k.Type == KeyTypeWhiteout
}

// Range returns an extent key's interval (start, end], that is
// (Pos.Offset - Size, Pos.Offset]; for point keys start == end.
func (k Key) Range() (start, end uint64) {
	return k.Pos.Offset - uint64(k.Size), k.Pos.Offset
}

func (k Key) Validate() error {
	if k.Value == nil {
		return fmt.Errorf("bkey: nil value for type %s", k.Type)
	}
	if k.Value.Type() != k.Type && k.Type < keyTypeUnknownBase {
		return fmt.Errorf("bkey: value type %s does not match header type %s", k.Value.Type(), k.Type)
	}
	return k.Value.Validate()
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s v%d: %s", k.Type, k.Pos, k.Version, k.Value)
}

// EncodedSize is the header's fixed cost plus the value's variable cost,
// rounded the way U64sLen is measured on disk (units of 8 bytes).
func (k Key) EncodedSize() int {
	const headerBytes = 8 + 8 + 8 + 4 + 1 + 1 + 1 + 1 // Pos(20)+Version(8)+Size/Type/Format/pad, kept generous
	total := headerBytes
	if k.Value != nil {
		total += k.Value.EncodedSize()
	}
	return (total + 7) &^ 7
}

// wireKey is Key's on-the-wire shape: the Value interface is carried as
// its own cbor-encoded payload alongside the header's Type tag, since
// cbor cannot marshal into/out of an interface field directly. This
// mirrors the real on-disk bkey layout of a type byte followed by an
// opaque type-specific blob.
type wireKey struct {
	Header
	Payload []byte
}

// MarshalCBOR implements cbor.Marshaler.
func (k Key) MarshalCBOR() ([]byte, error) {
	var payload []byte
	var err error
	if u, ok := k.Value.(UnknownValue); ok {
		payload = u.Raw
	} else if k.Value != nil {
		payload, err = cbor.Marshal(k.Value)
		if err != nil {
			return nil, fmt.Errorf("bkey: marshal value: %w", err)
		}
	}
	return cbor.Marshal(wireKey{Header: k.Header, Payload: payload})
}

// UnmarshalCBOR implements cbor.Unmarshaler, reconstructing the correct
// concrete Value type from the header's Type tag so that unrecognised
// tags fall back to UnknownValue rather than failing to decode.
func (k *Key) UnmarshalCBOR(data []byte) error {
	var w wireKey
	if err := cbor.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("bkey: unmarshal: %w", err)
	}
	k.Header = w.Header

	v, err := newValue(w.Header.Type)
	if err != nil {
		return err
	}
	if v == nil {
		k.Value = UnknownValue{RawType: w.Header.Type, Raw: w.Payload}
		return nil
	}
	if len(w.Payload) > 0 {
		if err := cbor.Unmarshal(w.Payload, v); err != nil {
			return fmt.Errorf("bkey: unmarshal value %s: %w", w.Header.Type, err)
		}
	}
	k.Value = derefValue(v)
	return nil
}

// newValue returns a pointer to a zero value of the concrete type Value
// implementation for t, or nil (with no error) for an unrecognised tag.
func newValue(t KeyType) (interface{}, error) {
	switch t {
	case KeyTypeDeleted:
		return new(deletedValue), nil
	case KeyTypeWhiteout:
		return new(WhiteoutValue), nil
	case KeyTypeBtreePtrV2:
		return new(BtreePtrV2), nil
	case KeyTypeExtent:
		return new(Extent), nil
	case KeyTypeInodeV3:
		return new(InodeV3), nil
	case KeyTypeDirent:
		return new(Dirent), nil
	case KeyTypeXattr:
		return new(Xattr), nil
	case KeyTypeAllocV4:
		return new(AllocV4), nil
	case KeyTypeStripe:
		return new(Stripe), nil
	case KeyTypeReflinkP:
		return new(ReflinkP), nil
	case KeyTypeReflinkV:
		return new(ReflinkV), nil
	case KeyTypeSnapshot:
		return new(Snapshot), nil
	case KeyTypeSubvolume:
		return new(Subvolume), nil
	case KeyTypeInlineData:
		return new(InlineData), nil
	default:
		return nil, nil
	}
}

// derefValue turns one of newValue's pointers back into the Value the
// rest of the package deals in (concrete types implement Value on their
// value receiver, not their pointer receiver).
func derefValue(v interface{}) Value {
	switch p := v.(type) {
	case *deletedValue:
		return *p
	case *WhiteoutValue:
		return *p
	case *BtreePtrV2:
		return *p
	case *Extent:
		return *p
	case *InodeV3:
		return *p
	case *Dirent:
		return *p
	case *Xattr:
		return *p
	case *AllocV4:
		return *p
	case *Stripe:
		return *p
	case *ReflinkP:
		return *p
	case *ReflinkV:
		return *p
	case *Snapshot:
		return *p
	case *Subvolume:
		return *p
	case *InlineData:
		return *p
	default:
		return nil
	}
}

// --- concrete value types -------------------------------------------------

type deletedValue struct{}

func (deletedValue) Type() KeyType      { return KeyTypeDeleted }
func (deletedValue) Validate() error    { return nil }
func (deletedValue) String() string     { return "<deleted>" }
func (deletedValue) EncodedSize() int   { return 0 }

type WhiteoutValue struct{}

func (WhiteoutValue) Type() KeyType    { return KeyTypeWhiteout }
func (WhiteoutValue) Validate() error  { return nil }
func (WhiteoutValue) String() string   { return "<whiteout>" }
func (WhiteoutValue) EncodedSize() int { return 0 }

// BtreePtrV2 is an interior-node pointer: the bucket(s) holding a child
// node plus the child's own sequence number and key-range bound, used to
// detect stale pointers after a COW replacement.
type BtreePtrV2 struct {
	Ptrs    []uint64 // bucket addresses, one per replica
	Seq     uint64
	MinKey  Pos
	Sectors uint32
}

func (BtreePtrV2) Type() KeyType { return KeyTypeBtreePtrV2 }
func (p BtreePtrV2) Validate() error {
	if len(p.Ptrs) == 0 {
		return fmt.Errorf("btree_ptr_v2: no replicas")
	}
	return nil
}
func (p BtreePtrV2) String() string   { return fmt.Sprintf("btree_ptr_v2{ptrs=%v seq=%d}", p.Ptrs, p.Seq) }
func (p BtreePtrV2) EncodedSize() int { return 8*len(p.Ptrs) + 8 + 20 + 4 }

// ExtentPtr is one data pointer within an Extent value: device, bucket
// offset, and a checksum/compression descriptor for that replica.
type ExtentPtr struct {
	Dev         uint16
	Offset      uint64
	Checksum    uint64
	ChecksumAlg uint8
	Compression uint8
	Cached      bool
}

// Extent carries one or more data pointers (replicas) plus the logical
// size of the data they describe.
type Extent struct {
	Ptrs        []ExtentPtr
	Compression uint8
	Encrypted   bool
}

func (Extent) Type() KeyType { return KeyTypeExtent }
func (e Extent) Validate() error {
	if len(e.Ptrs) == 0 {
		return fmt.Errorf("extent: no data pointers")
	}
	return nil
}
func (e Extent) String() string   { return fmt.Sprintf("extent{replicas=%d}", len(e.Ptrs)) }
func (e Extent) EncodedSize() int { return len(e.Ptrs)*24 + 2 }

// InodeV3 is the per-inode metadata record.
type InodeV3 struct {
	Mode       uint16
	Size       uint64
	Flags      uint32
	NLink      uint32
	BiGeneration uint64
}

func (InodeV3) Type() KeyType       { return KeyTypeInodeV3 }
func (InodeV3) Validate() error     { return nil }
func (i InodeV3) String() string    { return fmt.Sprintf("inode_v3{mode=%#o size=%d}", i.Mode, i.Size) }
func (InodeV3) EncodedSize() int    { return 2 + 8 + 4 + 4 + 8 }

// Dirent maps a directory entry hash to a child inode and its file type.
type Dirent struct {
	Name      string
	ChildInode uint64
	FileType  uint8
}

func (Dirent) Type() KeyType  { return KeyTypeDirent }
func (d Dirent) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("dirent: empty name")
	}
	return nil
}
func (d Dirent) String() string  { return fmt.Sprintf("dirent{%q -> inode %d}", d.Name, d.ChildInode) }
func (d Dirent) EncodedSize() int { return len(d.Name) + 8 + 1 }

// Xattr stores one extended attribute name/value pair.
type Xattr struct {
	Name  string
	Value []byte
}

func (Xattr) Type() KeyType     { return KeyTypeXattr }
func (x Xattr) Validate() error { return nil }
func (x Xattr) String() string  { return fmt.Sprintf("xattr{%q}", x.Name) }
func (x Xattr) EncodedSize() int { return len(x.Name) + len(x.Value) }

// AllocV4 is the per-bucket allocation state tracked by the alloc tree.
type AllocV4 struct {
	Gen        uint8
	DataType   uint8
	Dirty      bool
	OwnedSectors uint32
	JournalSeqNonempty uint64
}

func (AllocV4) Type() KeyType     { return KeyTypeAllocV4 }
func (AllocV4) Validate() error   { return nil }
func (a AllocV4) String() string  { return fmt.Sprintf("alloc_v4{gen=%d type=%d}", a.Gen, a.DataType) }
func (AllocV4) EncodedSize() int  { return 1 + 1 + 1 + 4 + 8 }

// Stripe describes one erasure-coded stripe: block pointers plus parity.
type Stripe struct {
	Blocks      []uint64
	ParityBlocks uint8
	Checksum    uint64
}

func (Stripe) Type() KeyType     { return KeyTypeStripe }
func (s Stripe) Validate() error {
	if len(s.Blocks) == 0 {
		return fmt.Errorf("stripe: no blocks")
	}
	return nil
}
func (s Stripe) String() string  { return fmt.Sprintf("stripe{blocks=%d parity=%d}", len(s.Blocks), s.ParityBlocks) }
func (s Stripe) EncodedSize() int { return len(s.Blocks)*8 + 1 + 8 }

// ReflinkP is a pointer-indirection key: a refcounted extent lives under
// the reflink tree, and reflink_p keys in a file's extent tree point at it.
type ReflinkP struct {
	ReflinkIdx uint64
}

func (ReflinkP) Type() KeyType     { return KeyTypeReflinkP }
func (ReflinkP) Validate() error   { return nil }
func (r ReflinkP) String() string  { return fmt.Sprintf("reflink_p{idx=%d}", r.ReflinkIdx) }
func (ReflinkP) EncodedSize() int  { return 8 }

// ReflinkV is the refcounted extent itself, shared by every ReflinkP that
// points at it.
type ReflinkV struct {
	Extent   Extent
	RefCount uint32
}

func (ReflinkV) Type() KeyType    { return KeyTypeReflinkV }
func (r ReflinkV) Validate() error { return r.Extent.Validate() }
func (r ReflinkV) String() string { return fmt.Sprintf("reflink_v{refs=%d}", r.RefCount) }
func (r ReflinkV) EncodedSize() int { return r.Extent.EncodedSize() + 4 }

// Snapshot is a node in the snapshot parent/child tree (spec.md §4.9).
type Snapshot struct {
	Parent   uint32
	Children [2]uint32
	Depth    uint32
	Skiplist [3]uint32
	Ancestors uint64 // low 64 of the 128-bit ancestor bitmap; full bitmap lives in the snapshot package
	AncestorsHi uint64
	Subvolume uint32
}

func (Snapshot) Type() KeyType    { return KeyTypeSnapshot }
func (Snapshot) Validate() error  { return nil }
func (s Snapshot) String() string { return fmt.Sprintf("snapshot{parent=%d depth=%d}", s.Parent, s.Depth) }
func (Snapshot) EncodedSize() int { return 4 + 8 + 4 + 12 + 8 + 8 + 4 }

// Subvolume maps a user-visible subvolume ID to its current snapshot.
type Subvolume struct {
	Snapshot   uint32
	ReadOnly   bool
	RootInode  uint64
}

func (Subvolume) Type() KeyType    { return KeyTypeSubvolume }
func (Subvolume) Validate() error  { return nil }
func (s Subvolume) String() string { return fmt.Sprintf("subvolume{snap=%d ro=%v}", s.Snapshot, s.ReadOnly) }
func (Subvolume) EncodedSize() int { return 4 + 1 + 8 }

// InlineData stores small file data directly in the extent tree instead
// of allocating a separate extent.
type InlineData struct {
	Data []byte
}

func (InlineData) Type() KeyType    { return KeyTypeInlineData }
func (InlineData) Validate() error  { return nil }
func (d InlineData) String() string { return fmt.Sprintf("inline_data{%d bytes}", len(d.Data)) }
func (d InlineData) EncodedSize() int { return len(d.Data) }

// UnknownValue preserves a key type this build does not recognise,
// verbatim, for forward compatibility.
type UnknownValue struct {
	RawType KeyType
	Raw     []byte
}

func (u UnknownValue) Type() KeyType    { return u.RawType }
func (UnknownValue) Validate() error    { return nil }
func (u UnknownValue) String() string   { return fmt.Sprintf("unknown<%s>{%d bytes}", u.RawType, len(u.Raw)) }
func (u UnknownValue) EncodedSize() int { return len(u.Raw) }
