package oplog_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	blobmem "github.com/duralog/duralog/pkg/blob/mem"
	"github.com/duralog/duralog/pkg/oplog"
	"github.com/duralog/duralog/pkg/store/mem"
	"github.com/stretchr/testify/require"
)

const testMaxOperationsBeforeCommit = 8

func newPrimaryService(t *testing.T) *oplog.PrimaryService {
	t.Helper()
	ctx := context.Background()
	ps, err := oplog.NewPayloadStore(blobmem.New(), testMaxPayloadSize)
	require.NoError(t, err)
	t.Cleanup(ps.Close)
	svc, err := oplog.NewPrimaryService(ctx, mem.NewStore(), ps, testMaxOperationsBeforeCommit)
	require.NoError(t, err)
	return svc
}

func logEntry(message string) oplog.Entry {
	return oplog.NewLog("info", "test", message)
}

func TestPrimary_AddCommitReadNoGaps(t *testing.T) {
	ctx := context.Background()
	svc := newPrimaryService(t)
	owned := testOwnedWorker("no-gaps")

	log, err := svc.Create(ctx, owned, oplog.NewCreateEntry(owned.WorkerID, 1, nil, nil))
	require.NoError(t, err)
	defer log.Close()

	const added = 20
	for i := 0; i < added; i++ {
		require.NoError(t, log.Add(ctx, logEntry(fmt.Sprintf("entry-%d", i))))
	}
	require.NoError(t, log.Commit(ctx))

	last := log.CurrentIndex()
	require.Equal(t, oplog.Index(added+1), last)

	for idx := oplog.InitialIndex; idx <= last; idx = idx.Next() {
		entry, err := log.Read(ctx, idx)
		require.NoError(t, err)
		if idx == oplog.InitialIndex {
			require.Equal(t, oplog.KindCreate, entry.Kind)
		} else {
			require.Equal(t, fmt.Sprintf("entry-%d", uint64(idx)-2), entry.Message)
		}
	}
}

func TestPrimary_ReadsHitStorageOnly(t *testing.T) {
	ctx := context.Background()
	svc := newPrimaryService(t)
	owned := testOwnedWorker("buffered")

	log, err := svc.Create(ctx, owned, oplog.NewCreateEntry(owned.WorkerID, 1, nil, nil))
	require.NoError(t, err)
	defer log.Close()

	require.NoError(t, log.Add(ctx, logEntry("buffered")))
	bufferedIdx := log.CurrentIndex()

	// the buffered entry is not visible until commit
	_, err = log.Read(ctx, bufferedIdx)
	require.ErrorIs(t, err, oplog.ErrEntryNotFound)

	require.NoError(t, log.Commit(ctx))
	entry, err := log.Read(ctx, bufferedIdx)
	require.NoError(t, err)
	require.Equal(t, "buffered", entry.Message)
}

func TestPrimary_ImplicitCommit(t *testing.T) {
	ctx := context.Background()
	svc := newPrimaryService(t)
	owned := testOwnedWorker("implicit")

	log, err := svc.Create(ctx, owned, oplog.NewCreateEntry(owned.WorkerID, 1, nil, nil))
	require.NoError(t, err)
	defer log.Close()

	// crossing the buffer limit flushes without an explicit commit
	for i := 0; i <= testMaxOperationsBeforeCommit; i++ {
		require.NoError(t, log.Add(ctx, logEntry(fmt.Sprintf("entry-%d", i))))
	}
	length, err := log.Length(ctx)
	require.NoError(t, err)
	require.Greater(t, length, uint64(testMaxOperationsBeforeCommit))
}

func TestPrimary_AddAndCommit(t *testing.T) {
	ctx := context.Background()
	svc := newPrimaryService(t)
	owned := testOwnedWorker("add-and-commit")

	log, err := svc.Create(ctx, owned, oplog.NewCreateEntry(owned.WorkerID, 1, nil, nil))
	require.NoError(t, err)
	defer log.Close()

	idx, err := log.AddAndCommit(ctx, logEntry("committed"))
	require.NoError(t, err)
	require.Equal(t, oplog.Index(2), idx)

	entry, err := log.Read(ctx, idx)
	require.NoError(t, err)
	require.Equal(t, "committed", entry.Message)
}

func TestPrimary_CreateExisting(t *testing.T) {
	ctx := context.Background()
	svc := newPrimaryService(t)
	owned := testOwnedWorker("duplicate")

	log, err := svc.Create(ctx, owned, oplog.NewCreateEntry(owned.WorkerID, 1, nil, nil))
	require.NoError(t, err)
	defer log.Close()

	_, err = svc.Create(ctx, owned, oplog.NewCreateEntry(owned.WorkerID, 1, nil, nil))
	require.ErrorIs(t, err, oplog.ErrWorkerExists)
}

func TestPrimary_SharedHandle(t *testing.T) {
	ctx := context.Background()
	svc := newPrimaryService(t)
	owned := testOwnedWorker("shared")

	first, err := svc.Create(ctx, owned, oplog.NewCreateEntry(owned.WorkerID, 1, nil, nil))
	require.NoError(t, err)

	second, err := svc.Open(ctx, owned)
	require.NoError(t, err)
	// both owners observe the same handle state
	require.NoError(t, first.Add(ctx, logEntry("from-first")))
	require.Equal(t, first.CurrentIndex(), second.CurrentIndex())

	second.Close()
	// still usable through the remaining owner
	require.NoError(t, first.Commit(ctx))
	first.Close()
}

func TestPrimary_DropPrefix(t *testing.T) {
	ctx := context.Background()
	svc := newPrimaryService(t)
	owned := testOwnedWorker("drop")

	log, err := svc.Create(ctx, owned, oplog.NewCreateEntry(owned.WorkerID, 1, nil, nil))
	require.NoError(t, err)
	defer log.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, log.Add(ctx, logEntry(fmt.Sprintf("entry-%d", i))))
	}
	require.NoError(t, log.Commit(ctx))

	require.NoError(t, log.DropPrefix(ctx, 3))
	length, err := log.Length(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), length)

	_, err = log.Read(ctx, 3)
	require.ErrorIs(t, err, oplog.ErrEntryNotFound)

	// draining to zero removes the worker's storage key entirely
	require.NoError(t, log.DropPrefix(ctx, log.CurrentIndex()))
	exists, err := svc.Exists(ctx, owned)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestPrimary_WaitForReplicas(t *testing.T) {
	ctx := context.Background()
	svc := newPrimaryService(t)
	owned := testOwnedWorker("replicas")

	log, err := svc.Create(ctx, owned, oplog.NewCreateEntry(owned.WorkerID, 1, nil, nil))
	require.NoError(t, err)
	defer log.Close()

	require.NoError(t, log.Add(ctx, logEntry("durable")))

	// the mem store has no replicas, the requested count clamps to zero
	ok, err := log.WaitForReplicas(ctx, 2, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// wait_for_replicas commits first
	entry, err := log.Read(ctx, log.CurrentIndex())
	require.NoError(t, err)
	require.Equal(t, "durable", entry.Message)
}

func TestPrimary_ServiceReadAndScan(t *testing.T) {
	ctx := context.Background()
	svc := newPrimaryService(t)
	owned := testOwnedWorker("svc-read")

	log, err := svc.Create(ctx, owned, oplog.NewCreateEntry(owned.WorkerID, 1, nil, nil))
	require.NoError(t, err)
	defer log.Close()

	for i := 0; i < 4; i++ {
		require.NoError(t, log.Add(ctx, logEntry(fmt.Sprintf("entry-%d", i))))
	}
	require.NoError(t, log.Commit(ctx))

	records, err := svc.Read(ctx, owned, 2, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, oplog.Index(2), records[0].Index)
	require.Equal(t, oplog.Index(4), records[2].Index)

	cursor, workers, err := svc.Scan(ctx, owned.AccountID, owned.WorkerID.ComponentID, oplog.ScanCursor{}, 10)
	require.NoError(t, err)
	require.True(t, cursor.ActiveLayerFinished())
	require.Equal(t, []oplog.OwnedWorkerID{owned}, workers)
}
