package oplog_test

import (
	"math"
	"testing"

	"github.com/duralog/duralog/pkg/oplog"
	"github.com/stretchr/testify/require"
)

func TestIndex_Next(t *testing.T) {
	require.Equal(t, oplog.InitialIndex, oplog.NoneIndex.Next())
	require.Equal(t, oplog.Index(2), oplog.InitialIndex.Next())
	// saturates at the maximum
	max := oplog.Index(math.MaxUint64)
	require.Equal(t, max, max.Next())
}

func TestIndex_Previous(t *testing.T) {
	require.Equal(t, oplog.NoneIndex, oplog.InitialIndex.Previous())
	// saturates at none
	require.Equal(t, oplog.NoneIndex, oplog.NoneIndex.Previous())
	require.Equal(t, oplog.Index(41), oplog.Index(42).Previous())
}

func TestIndex_RangeEnd(t *testing.T) {
	require.Equal(t, oplog.Index(10), oplog.InitialIndex.RangeEnd(10))
	require.Equal(t, oplog.Index(5), oplog.Index(5).RangeEnd(1))
	// zero-length range ends before it starts
	require.Equal(t, oplog.Index(4), oplog.Index(5).RangeEnd(0))
	// saturates instead of overflowing
	require.Equal(t, oplog.Index(math.MaxUint64), oplog.Index(math.MaxUint64-1).RangeEnd(10))
}
