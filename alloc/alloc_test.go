package alloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReservationGetRespectsBudget(t *testing.T) {
	a := NewSimple(1000)
	r1, err := a.ReservationGet(400, 2, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(400), r1.Sectors)

	_, err = a.ReservationGet(200, 2, 0) // 400 more sectors, total would be 1200
	require.ErrorIs(t, err, ErrNoSpace)

	a.ReleaseReservation(r1)
	_, err = a.ReservationGet(200, 2, 0)
	require.NoError(t, err)
}

func TestBucketAllocAndReleaseRoundTrip(t *testing.T) {
	a := NewSimple(0)
	a.AddDevice(1, 4096, 4)

	require.Equal(t, 4, a.FreeBuckets(1))
	b1, err := a.BucketAlloc(1, DataTypeBtree, Writepoint(0))
	require.NoError(t, err)
	require.Equal(t, 3, a.FreeBuckets(1))

	a.BucketRelease(1, b1, ReleaseReasonAbort)
	require.Equal(t, 4, a.FreeBuckets(1))
}

func TestBucketAllocExhaustsFreeList(t *testing.T) {
	a := NewSimple(0)
	a.AddDevice(2, 4096, 2)

	_, err := a.BucketAlloc(2, DataTypeUser, Writepoint(0))
	require.NoError(t, err)
	_, err = a.BucketAlloc(2, DataTypeUser, Writepoint(0))
	require.NoError(t, err)

	_, err = a.BucketAlloc(2, DataTypeUser, Writepoint(0))
	require.ErrorIs(t, err, ErrNoSpace)
}

func TestBucketAllocUnknownDevice(t *testing.T) {
	a := NewSimple(0)
	_, err := a.BucketAlloc(99, DataTypeUser, Writepoint(0))
	require.Error(t, err)
}
