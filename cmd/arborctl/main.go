// arborctl is a thin CLI front door over the arbor engine: mkfs formats
// a device file, fsck walks every tree checking the invariants the
// engine's own package tests exercise in isolation, and stat prints the
// superblock and per-tree counts. None of this belongs in the engine
// itself — it is the "configuration, CLI, packaging" layer spec.md §1
// explicitly leaves to callers.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/arborfs/arbor/arbor"
	"github.com/arborfs/arbor/block"
	"github.com/arborfs/arbor/codec"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "arborctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: arborctl <mkfs|fsck|stat> [flags] <device>")
	}
	switch args[0] {
	case "mkfs":
		return runMkfs(args[1:])
	case "fsck":
		return runFsck(args[1:])
	case "stat":
		return runStat(args[1:])
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func runMkfs(args []string) error {
	fs := pflag.NewFlagSet("mkfs", pflag.ContinueOnError)
	bucketSize := fs.Uint32("bucket-size", arbor.DefaultOptions().BucketSize, "bucket size in bytes")
	bucketCount := fs.Uint64("bucket-count", 256, "number of buckets to format")
	replicas := fs.Uint8("replicas", 1, "replica count")
	compression := fs.String("compression", "lz4", "compression codec: none|lz4")
	checksum := fs.String("checksum", "blake3", "checksum algorithm: none|blake3")
	label := fs.String("label", "", "device label recorded in the superblock")
	passphrase := fs.String("encrypt-passphrase", "", "if set, encrypt node images at rest, deriving the key from this passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: arborctl mkfs [flags] <device>")
	}

	opts := arbor.DefaultOptions()
	opts.BucketSize = *bucketSize
	opts.Replicas = *replicas
	switch *compression {
	case "none":
		opts.Compression = codec.CompressionNone
	case "lz4":
		opts.Compression = codec.CompressionLZ4
	default:
		return fmt.Errorf("unknown compression %q", *compression)
	}
	switch *checksum {
	case "none":
		opts.Checksum = codec.ChecksumNone
	case "blake3":
		opts.Checksum = codec.ChecksumBlake3
	default:
		return fmt.Errorf("unknown checksum %q", *checksum)
	}

	var encryptKey []byte
	if *passphrase != "" {
		opts.Encrypted = true
		encryptKey = codec.DeriveKey(*passphrase)
	}

	dev, err := block.OpenFile(fs.Arg(0), int(*bucketSize), int(*bucketCount))
	if err != nil {
		return err
	}
	defer dev.Close()

	log := logrus.New()
	_, err = arbor.Format(context.Background(), []arbor.DeviceSpec{
		{Dev: dev, BucketCount: *bucketCount, Label: *label},
	}, opts, encryptKey, log)
	return err
}

func runFsck(args []string) error {
	fs := pflag.NewFlagSet("fsck", pflag.ContinueOnError)
	bucketCount := fs.Uint64("bucket-count", 256, "number of buckets on the device")
	passphrase := fs.String("encrypt-passphrase", "", "passphrase to unlock an encrypted filesystem")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: arborctl fsck [flags] <device>")
	}

	dev, err := block.OpenFile(fs.Arg(0), int(arbor.DefaultOptions().BucketSize), int(*bucketCount))
	if err != nil {
		return err
	}
	defer dev.Close()

	var encryptKey []byte
	if *passphrase != "" {
		encryptKey = codec.DeriveKey(*passphrase)
	}

	log := logrus.New()
	ctx := context.Background()
	f, err := arbor.Open(ctx, []arbor.DeviceSpec{{Dev: dev, BucketCount: *bucketCount}}, encryptKey, log)
	if err != nil {
		return err
	}

	report, err := f.Fsck(ctx)
	if err != nil {
		return err
	}
	for _, line := range report.Lines {
		fmt.Println(line)
	}
	if len(report.Violations) > 0 {
		for _, v := range report.Violations {
			fmt.Fprintln(os.Stderr, "violation:", v)
		}
		return fmt.Errorf("fsck found %d invariant violations", len(report.Violations))
	}
	return nil
}

func runStat(args []string) error {
	fs := pflag.NewFlagSet("stat", pflag.ContinueOnError)
	bucketCount := fs.Uint64("bucket-count", 256, "number of buckets on the device")
	passphrase := fs.String("encrypt-passphrase", "", "passphrase to unlock an encrypted filesystem")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: arborctl stat [flags] <device>")
	}

	dev, err := block.OpenFile(fs.Arg(0), int(arbor.DefaultOptions().BucketSize), int(*bucketCount))
	if err != nil {
		return err
	}
	defer dev.Close()

	var encryptKey []byte
	if *passphrase != "" {
		encryptKey = codec.DeriveKey(*passphrase)
	}

	log := logrus.New()
	ctx := context.Background()
	f, err := arbor.Open(ctx, []arbor.DeviceSpec{{Dev: dev, BucketCount: *bucketCount}}, encryptKey, log)
	if err != nil {
		return err
	}

	sb := f.Superblock()
	y, err := sb.Options.ToYAML()
	if err != nil {
		return err
	}
	fmt.Printf("uuid: %x\nversion: %d\n%s\n", sb.UUID, sb.Version, y)
	for _, member := range sb.Members {
		fmt.Printf("member: label=%q uuid=%x bucket_size=%d bucket_count=%d\n",
			member.Label, member.UUID, member.BucketSize, member.BucketCount)
	}

	counts, err := f.TreeKeyCounts(ctx)
	if err != nil {
		return err
	}
	for btreeID, n := range counts {
		fmt.Printf("btree %d: %d keys\n", btreeID, n)
	}
	stats := f.NodeCacheStats()
	fmt.Printf("cache: hits=%d misses=%d evictions=%d\n", stats.Hits, stats.Misses, stats.Evictions)
	return nil
}
