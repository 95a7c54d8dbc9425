package keyfmt

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPosOrder(t *testing.T) {
	assert.True(t, PosMin.Less(PosMax))
	assert.Equal(t, 0, Pos{1, 2, 3}.Compare(Pos{1, 2, 3}))
	assert.True(t, Pos{1, 2, 3}.Less(Pos{1, 2, 4}))
	assert.True(t, Pos{1, 2, 3}.Less(Pos{1, 3, 0}))
	assert.True(t, Pos{1, 2, 3}.Less(Pos{2, 0, 0}))
}

func TestKeyValidate(t *testing.T) {
	k := Key{Header: Header{Type: KeyTypeInodeV3, Pos: Pos{Inode: 42}}, Value: InodeV3{Mode: 0644}}
	require.NoError(t, k.Validate())

	bad := Key{Header: Header{Type: KeyTypeDirent}, Value: Dirent{}}
	require.Error(t, bad.Validate())
}

func TestExtentRange(t *testing.T) {
	k := Key{Header: Header{Pos: Pos{Offset: 100}, Size: 40}}
	start, end := k.Range()
	assert.Equal(t, uint64(60), start)
	assert.Equal(t, uint64(100), end)
}

func TestDeletedIsTombstone(t *testing.T) {
	d := Deleted(Pos{Inode: 1}, 5)
	assert.True(t, d.IsTombstone())
}

func TestKeyCBORRoundTrip(t *testing.T) {
	k := Key{
		Header: Header{Type: KeyTypeDirent, Pos: Pos{Inode: 7, Offset: 3}, Version: 2},
		Value:  Dirent{Name: "hello", ChildInode: 99, FileType: 1},
	}
	raw, err := cbor.Marshal(k)
	require.NoError(t, err)

	var out Key
	require.NoError(t, cbor.Unmarshal(raw, &out))
	require.Equal(t, k.Header, out.Header)
	require.Equal(t, k.Value, out.Value)
}

func TestKeyCBORRoundTripUnknownType(t *testing.T) {
	k := Key{
		Header: Header{Type: KeyType(0xf3), Pos: Pos{Inode: 1}},
		Value:  UnknownValue{RawType: KeyType(0xf3), Raw: []byte{1, 2, 3}},
	}
	raw, err := cbor.Marshal(k)
	require.NoError(t, err)

	var out Key
	require.NoError(t, cbor.Unmarshal(raw, &out))
	uv, ok := out.Value.(UnknownValue)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, uv.Raw)
}

func TestKeyListCBORRoundTrip(t *testing.T) {
	keys := []Key{
		{Header: Header{Type: KeyTypeInodeV3, Pos: Pos{Inode: 1}}, Value: InodeV3{Mode: 0o644, Size: 10}},
		{Header: Header{Type: KeyTypeDeleted, Pos: Pos{Inode: 2}}, Value: deletedValue{}},
	}
	raw, err := cbor.Marshal(keys)
	require.NoError(t, err)

	var out []Key
	require.NoError(t, cbor.Unmarshal(raw, &out))
	require.Len(t, out, 2)
	require.Equal(t, keys[0].Value, out[0].Value)
	require.True(t, out[1].IsTombstone())
}
