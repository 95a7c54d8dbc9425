package arbor

import (
	"gopkg.in/yaml.v3"

	"github.com/arborfs/arbor/codec"
)

// Options is the format-time configuration (spec.md §6's "options
// (checksum types, compression, replicas, targets, inode-use options)").
// It round-trips through YAML for cmd/arborctl's human-editable config
// file; the bytes actually persisted in the superblock are the fixed
// binary encoding in superblock.go, never YAML.
type Options struct {
	BlockSize   uint32                 `yaml:"block_size"`
	BucketSize  uint32                 `yaml:"bucket_size"`
	Replicas    uint8                  `yaml:"replicas"`
	Compression codec.CompressionKind  `yaml:"compression"`
	Checksum    codec.ChecksumKind     `yaml:"checksum"`
	StrHash     string                 `yaml:"str_hash"`

	// Encrypted records whether this filesystem's node images are
	// encrypted at rest; it round-trips through the superblock like
	// every other option. The key itself never does — Format and Open
	// take it as a separate argument, supplied by the caller's keyring
	// at format/mount time, the same way a real encrypted filesystem
	// never writes its key next to the data it protects.
	Encrypted bool `yaml:"encrypted"`
}

// DefaultOptions returns the options mkfs uses when a caller supplies
// none.
func DefaultOptions() Options {
	return Options{
		BlockSize:   4096,
		BucketSize:  524288,
		Replicas:    1,
		Compression: codec.CompressionLZ4,
		Checksum:    codec.ChecksumBlake3,
		StrHash:     "siphash",
	}
}

// ParseOptionsYAML decodes a format-time config file into Options,
// starting from DefaultOptions so a partial file only overrides what it
// names.
func ParseOptionsYAML(data []byte) (Options, error) {
	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// ToYAML renders opts back to the config-file format, the inverse of
// ParseOptionsYAML — used by `arborctl stat` to print the options a
// filesystem was formatted with.
func (o Options) ToYAML() ([]byte, error) {
	return yaml.Marshal(o)
}
