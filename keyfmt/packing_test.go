package keyfmt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	f := Format{InodeBits: 20, OffsetBits: 20, SnapshotBits: 8}
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		pos := Pos{
			Inode:    uint64(r.Intn(1 << 20)),
			Offset:   uint64(r.Intn(1 << 20)),
			Snapshot: uint32(r.Intn(1 << 8)),
		}
		p, ok := Pack(f, pos)
		assert.True(t, ok)
		assert.Equal(t, pos, Unpack(p))
	}
}

func TestPackFallsBackToUnpacked(t *testing.T) {
	f := Format{InodeBits: 4, OffsetBits: 4, SnapshotBits: 4}
	pos := Pos{Inode: 1 << 40, Offset: 7, Snapshot: 1}
	p, ok := Pack(f, pos)
	assert.False(t, ok)
	assert.True(t, p.Unpacked)
	assert.Equal(t, pos, Unpack(p))
}
