package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/duralog/duralog/pkg/store"
	nanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
)

// MakeStore returns a new open Store for testing. Driver tests supply their own
// construction, the suite owns the assertions.
type MakeStore func(t testing.TB, ctx context.Context) store.Store

const testNamespace = "storetest"

// DriverTest runs the driver conformance suite against the given store constructor.
func DriverTest(t *testing.T, ms MakeStore) {
	t.Run("Store_AppendRead", func(t *testing.T) { testAppendRead(t, ms) })
	t.Run("Store_AppendOverwrite", func(t *testing.T) { testAppendOverwrite(t, ms) })
	t.Run("Store_ReadRange", func(t *testing.T) { testReadRange(t, ms) })
	t.Run("Store_DropPrefix", func(t *testing.T) { testDropPrefix(t, ms) })
	t.Run("Store_FirstLastIndex", func(t *testing.T) { testFirstLastIndex(t, ms) })
	t.Run("Store_ExistsDelete", func(t *testing.T) { testExistsDelete(t, ms) })
	t.Run("Store_Length", func(t *testing.T) { testLength(t, ms) })
	t.Run("Store_Scan", func(t *testing.T) { testScan(t, ms) })
	t.Run("Store_MissingKey", func(t *testing.T) { testMissingKey(t, ms) })
}

func uniqueKey(t testing.TB, prefix string) string {
	t.Helper()
	id, err := nanoid.New()
	require.NoError(t, err)
	return prefix + "-" + id
}

func setupEntries(t testing.TB, ctx context.Context, s store.Store, key string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		err := s.Append(ctx, testNamespace, key, uint64(i), []byte(fmt.Sprintf("value-%d", i)))
		require.NoError(t, err)
	}
}

func testAppendRead(t *testing.T, ms MakeStore) {
	ctx := context.Background()
	s := ms(t, ctx)
	defer s.Close()
	key := uniqueKey(t, "append-read")

	setupEntries(t, ctx, s, key, 5)

	entries, err := s.Read(ctx, testNamespace, key, 1, 5)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		require.Equal(t, uint64(i+1), e.Index)
		require.Equal(t, []byte(fmt.Sprintf("value-%d", i+1)), e.Value)
	}
}

func testAppendOverwrite(t *testing.T, ms MakeStore) {
	ctx := context.Background()
	s := ms(t, ctx)
	defer s.Close()
	key := uniqueKey(t, "overwrite")

	require.NoError(t, s.Append(ctx, testNamespace, key, 3, []byte("old")))
	require.NoError(t, s.Append(ctx, testNamespace, key, 3, []byte("new")))

	entries, err := s.Read(ctx, testNamespace, key, 3, 3)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, []byte("new"), entries[0].Value)

	length, err := s.Length(ctx, testNamespace, key)
	require.NoError(t, err)
	require.Equal(t, uint64(1), length)
}

func testReadRange(t *testing.T, ms MakeStore) {
	ctx := context.Background()
	s := ms(t, ctx)
	defer s.Close()
	key := uniqueKey(t, "read-range")

	setupEntries(t, ctx, s, key, 10)

	// inclusive on both ends
	entries, err := s.Read(ctx, testNamespace, key, 3, 7)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	require.Equal(t, uint64(3), entries[0].Index)
	require.Equal(t, uint64(7), entries[len(entries)-1].Index)

	// range past the end is truncated, not an error
	entries, err = s.Read(ctx, testNamespace, key, 8, 100)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// empty range on a missing key
	entries, err = s.Read(ctx, testNamespace, uniqueKey(t, "missing"), 1, 10)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func testDropPrefix(t *testing.T, ms MakeStore) {
	ctx := context.Background()
	s := ms(t, ctx)
	defer s.Close()
	key := uniqueKey(t, "drop-prefix")

	setupEntries(t, ctx, s, key, 10)

	require.NoError(t, s.DropPrefix(ctx, testNamespace, key, 4))

	first, err := s.FirstIndex(ctx, testNamespace, key)
	require.NoError(t, err)
	require.Equal(t, uint64(5), first)

	length, err := s.Length(ctx, testNamespace, key)
	require.NoError(t, err)
	require.Equal(t, uint64(6), length)

	// dropping everything leaves no key behind
	require.NoError(t, s.DropPrefix(ctx, testNamespace, key, 10))
	exists, err := s.Exists(ctx, testNamespace, key)
	require.NoError(t, err)
	require.False(t, exists)

	// dropping on a missing key is not an error
	require.NoError(t, s.DropPrefix(ctx, testNamespace, uniqueKey(t, "missing"), 4))
}

func testFirstLastIndex(t *testing.T, ms MakeStore) {
	ctx := context.Background()
	s := ms(t, ctx)
	defer s.Close()
	key := uniqueKey(t, "first-last")

	_, err := s.FirstIndex(ctx, testNamespace, key)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.LastIndex(ctx, testNamespace, key)
	require.ErrorIs(t, err, store.ErrNotFound)

	setupEntries(t, ctx, s, key, 7)

	first, err := s.FirstIndex(ctx, testNamespace, key)
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)

	last, err := s.LastIndex(ctx, testNamespace, key)
	require.NoError(t, err)
	require.Equal(t, uint64(7), last)
}

func testExistsDelete(t *testing.T, ms MakeStore) {
	ctx := context.Background()
	s := ms(t, ctx)
	defer s.Close()
	key := uniqueKey(t, "exists-delete")

	exists, err := s.Exists(ctx, testNamespace, key)
	require.NoError(t, err)
	require.False(t, exists)

	setupEntries(t, ctx, s, key, 3)

	exists, err = s.Exists(ctx, testNamespace, key)
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, s.Delete(ctx, testNamespace, key))
	exists, err = s.Exists(ctx, testNamespace, key)
	require.NoError(t, err)
	require.False(t, exists)

	// deleting a missing key is not an error
	require.NoError(t, s.Delete(ctx, testNamespace, key))
}

func testLength(t *testing.T, ms MakeStore) {
	ctx := context.Background()
	s := ms(t, ctx)
	defer s.Close()
	key := uniqueKey(t, "length")

	length, err := s.Length(ctx, testNamespace, key)
	require.NoError(t, err)
	require.Equal(t, uint64(0), length)

	setupEntries(t, ctx, s, key, 4)

	length, err = s.Length(ctx, testNamespace, key)
	require.NoError(t, err)
	require.Equal(t, uint64(4), length)
}

func testScan(t *testing.T, ms MakeStore) {
	ctx := context.Background()
	s := ms(t, ctx)
	defer s.Close()
	prefix := uniqueKey(t, "scan")

	const numKeys = 5
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("%s:%d", prefix, i)
		require.NoError(t, s.Append(ctx, testNamespace, key, 1, []byte("v")))
	}

	found := make(map[string]bool)
	var cursor uint64
	for {
		next, keys, err := s.Scan(ctx, testNamespace, prefix+":*", cursor, 2)
		require.NoError(t, err)
		for _, k := range keys {
			found[k] = true
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	require.Len(t, found, numKeys)
	for i := 0; i < numKeys; i++ {
		require.True(t, found[fmt.Sprintf("%s:%d", prefix, i)])
	}
}

func testMissingKey(t *testing.T, ms MakeStore) {
	ctx := context.Background()
	s := ms(t, ctx)
	defer s.Close()

	err := s.Append(ctx, testNamespace, "", 1, []byte("v"))
	require.Error(t, err)
	require.True(t, errors.Is(err, store.ErrMissingKey))
}
