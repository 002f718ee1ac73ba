package mem_test

import (
	"context"
	"testing"

	"github.com/duralog/duralog/pkg/blob"
	"github.com/duralog/duralog/pkg/blob/mem"
	"github.com/stretchr/testify/require"
)

func TestMemAdapter(t *testing.T) {
	ctx := context.Background()
	a := mem.New()

	_, err := a.Get(ctx, "ns", "some/object")
	require.ErrorIs(t, err, blob.ErrDataNotFound)

	require.NoError(t, a.Put(ctx, "ns", "some/object", []byte("payload")))

	data, err := a.Get(ctx, "ns", "some/object")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)

	// namespaces are isolated
	_, err = a.Get(ctx, "other", "some/object")
	require.ErrorIs(t, err, blob.ErrDataNotFound)

	exists, err := a.Exists(ctx, "ns", "some/object")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, a.Remove(ctx, "ns", "some/object"))
	exists, err = a.Exists(ctx, "ns", "some/object")
	require.NoError(t, err)
	require.False(t, exists)

	// removing a missing object is not an error
	require.NoError(t, a.Remove(ctx, "ns", "some/object"))
}
