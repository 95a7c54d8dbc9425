package arbor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/arborfs/arbor/codec"
)

// sbMagic and sbVersion identify an arbor superblock and its binary
// layout version (spec.md §6's "bit-exact definition... for
// cross-implementation compatibility").
const (
	sbMagic   uint64 = 0x4152424f52544545 // "ARBORTEE"
	sbVersion uint32 = 1
)

// MemberDevice records one device's identity and geometry in the
// superblock's members section (spec.md §6: "per-device UUID and
// bucket-size/count").
type MemberDevice struct {
	UUID        [16]byte
	BucketSize  uint32
	BucketCount uint64
	Label       string
}

// BtreeRootInfo is one tree's root location as of the superblock's last
// write — either at format time or at a clean unmount.
type BtreeRootInfo struct {
	Bucket uint64
	Seq    uint64
}

// Usage is the per-filesystem accounting carried in the clean section.
type Usage struct {
	UsedSectors uint64
	FreeSectors uint64
}

// CleanSection is populated at a clean unmount with enough state to skip
// journal replay entirely (spec.md §4.3, §6's "clean section... allowing
// journal replay to be skipped").
type CleanSection struct {
	BtreeRoots map[uint8]BtreeRootInfo
	Usage      Usage
}

// Superblock is the persisted root of trust for a mounted filesystem
// (spec.md §6's "Superblock contract"). Fixed-width fields are encoded
// little-endian in a stable field order; the variable-length Members,
// JournalBuckets and Clean sections are cbor-encoded length-prefixed
// blocks, the same technique the journal package uses for jset bodies.
// Every multi-byte integer on disk is little-endian, per spec.md §6.
type Superblock struct {
	Magic    uint64
	Version  uint32
	UUID     [16]byte
	Features uint64
	Options  Options

	Members        []MemberDevice
	JournalBuckets []uint64
	Clean          CleanSection
}

type sbFixedHeader struct {
	Magic       uint64
	Version     uint32
	UUID        [16]byte
	Features    uint64
	BlockSize   uint32
	BucketSize  uint32
	Replicas    uint8
	Compression uint8
	Checksum    uint8
	Encrypted   uint8
}

type sbVariableSection struct {
	Members        []MemberDevice
	JournalBuckets []uint64
	Clean          CleanSection
}

// EncodeSuperblock serializes sb to its on-disk byte layout, trailing it
// with a blake3 checksum over everything that precedes it.
func EncodeSuperblock(sb Superblock) ([]byte, error) {
	var buf bytes.Buffer

	var encrypted uint8
	if sb.Options.Encrypted {
		encrypted = 1
	}
	fixed := sbFixedHeader{
		Magic: sb.Magic, Version: sb.Version, UUID: sb.UUID, Features: sb.Features,
		BlockSize: sb.Options.BlockSize, BucketSize: sb.Options.BucketSize, Replicas: sb.Options.Replicas,
		Compression: uint8(sb.Options.Compression), Checksum: uint8(sb.Options.Checksum),
		Encrypted: encrypted,
	}
	if err := binary.Write(&buf, binary.LittleEndian, fixed); err != nil {
		return nil, fmt.Errorf("arbor: encode superblock header: %w", err)
	}

	strHash := []byte(sb.Options.StrHash)
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(strHash))); err != nil {
		return nil, err
	}
	buf.Write(strHash)

	variable, err := cbor.Marshal(sbVariableSection{Members: sb.Members, JournalBuckets: sb.JournalBuckets, Clean: sb.Clean})
	if err != nil {
		return nil, fmt.Errorf("arbor: encode superblock variable section: %w", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(variable))); err != nil {
		return nil, err
	}
	buf.Write(variable)

	sum, err := (codec.Blake3Checksummer{}).Checksum(codec.ChecksumBlake3, sb.Magic, buf.Bytes())
	if err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, sum); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeSuperblock parses and validates raw, returning ErrInvalidSuperblock
// on a magic or checksum mismatch and ErrVersionMismatch on a version this
// build does not understand.
func DecodeSuperblock(raw []byte) (Superblock, error) {
	r := bytes.NewReader(raw)

	var fixed sbFixedHeader
	if err := binary.Read(r, binary.LittleEndian, &fixed); err != nil {
		return Superblock{}, fmt.Errorf("%w: header: %v", ErrInvalidSuperblock, err)
	}

	var strHashLen uint32
	if err := binary.Read(r, binary.LittleEndian, &strHashLen); err != nil {
		return Superblock{}, fmt.Errorf("%w: str_hash length: %v", ErrInvalidSuperblock, err)
	}
	strHashBuf := make([]byte, strHashLen)
	if _, err := io.ReadFull(r, strHashBuf); err != nil {
		return Superblock{}, fmt.Errorf("%w: str_hash: %v", ErrInvalidSuperblock, err)
	}

	var varLen uint32
	if err := binary.Read(r, binary.LittleEndian, &varLen); err != nil {
		return Superblock{}, fmt.Errorf("%w: variable section length: %v", ErrInvalidSuperblock, err)
	}
	varBuf := make([]byte, varLen)
	if _, err := io.ReadFull(r, varBuf); err != nil {
		return Superblock{}, fmt.Errorf("%w: variable section: %v", ErrInvalidSuperblock, err)
	}

	var checksum uint64
	if err := binary.Read(r, binary.LittleEndian, &checksum); err != nil {
		return Superblock{}, fmt.Errorf("%w: checksum: %v", ErrInvalidSuperblock, err)
	}

	consumed := len(raw) - r.Len() - 8
	sum, err := (codec.Blake3Checksummer{}).Checksum(codec.ChecksumBlake3, fixed.Magic, raw[:consumed])
	if err != nil {
		return Superblock{}, err
	}
	if sum != checksum {
		return Superblock{}, fmt.Errorf("%w: checksum mismatch", ErrInvalidSuperblock)
	}
	if fixed.Magic != sbMagic {
		return Superblock{}, fmt.Errorf("%w: bad magic", ErrInvalidSuperblock)
	}
	if fixed.Version != sbVersion {
		return Superblock{}, ErrVersionMismatch
	}

	var variable sbVariableSection
	if err := cbor.Unmarshal(varBuf, &variable); err != nil {
		return Superblock{}, fmt.Errorf("%w: variable section decode: %v", ErrInvalidSuperblock, err)
	}

	return Superblock{
		Magic: fixed.Magic, Version: fixed.Version, UUID: fixed.UUID, Features: fixed.Features,
		Options: Options{
			BlockSize: fixed.BlockSize, BucketSize: fixed.BucketSize, Replicas: fixed.Replicas,
			Compression: codec.CompressionKind(fixed.Compression), Checksum: codec.ChecksumKind(fixed.Checksum),
			StrHash: string(strHashBuf), Encrypted: fixed.Encrypted != 0,
		},
		Members: variable.Members, JournalBuckets: variable.JournalBuckets, Clean: variable.Clean,
	}, nil
}
