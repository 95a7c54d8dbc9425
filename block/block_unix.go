//go:build !windows && !plan9

package block

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// File is a Device backed by a real file, memory-mapped read-only the
// way the teacher maps bolt's data file in bolt_unix.go; writes go
// through pwrite (os.File.WriteAt) rather than the mmap, matching the
// teacher's "reads via mmap, writes via fwrite" split, and OpFlush calls
// fsync (os.File.Sync).
type File struct {
	mu         sync.RWMutex
	f          *os.File
	bucketSize int
	size       int64
	mapped     []byte
}

// OpenFile opens or creates path for use as a block device with the
// given bucket size, growing it to at least minBuckets buckets.
func OpenFile(path string, bucketSize, minBuckets int) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("block: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	minSize := int64(bucketSize) * int64(minBuckets)
	if info.Size() < minSize {
		if err := f.Truncate(minSize); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("block: truncate: %w", err)
		}
	}
	size, err := f.Seek(0, os.SEEK_END)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	dev := &File{f: f, bucketSize: bucketSize, size: size}
	if err := dev.remap(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return dev, nil
}

func (d *File) remap() error {
	if d.mapped != nil {
		if err := unix.Munmap(d.mapped); err != nil {
			return fmt.Errorf("block: munmap: %w", err)
		}
		d.mapped = nil
	}
	b, err := unix.Mmap(int(d.f.Fd()), 0, int(d.size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("block: mmap: %w", err)
	}
	d.mapped = b
	return nil
}

func (d *File) BucketSize() int { return d.bucketSize }

func (d *File) Submit(_ context.Context, op Op, bucket uint64, buf []byte) Status {
	off := int64(bucket) * int64(d.bucketSize)

	switch op {
	case OpRead:
		d.mu.RLock()
		defer d.mu.RUnlock()
		if off+int64(len(buf)) > int64(len(d.mapped)) {
			return StatusIOError
		}
		copy(buf, d.mapped[off:off+int64(len(buf))])
		return StatusOK

	case OpWrite:
		d.mu.Lock()
		defer d.mu.Unlock()
		if need := off + int64(len(buf)); need > d.size {
			if err := d.f.Truncate(need); err != nil {
				return StatusIOError
			}
			d.size = need
			if err := d.remap(); err != nil {
				return StatusIOError
			}
		}
		if _, err := d.f.WriteAt(buf, off); err != nil {
			return StatusIOError
		}
		return StatusOK

	case OpDiscard:
		return StatusOK

	case OpFlush:
		d.mu.RLock()
		defer d.mu.RUnlock()
		if err := d.f.Sync(); err != nil {
			return StatusIOError
		}
		return StatusOK

	default:
		return StatusIOError
	}
}

// Close unmaps and closes the underlying file.
func (d *File) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mapped != nil {
		_ = unix.Munmap(d.mapped)
		d.mapped = nil
	}
	return d.f.Close()
}
