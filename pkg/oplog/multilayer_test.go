package oplog_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	blobmem "github.com/duralog/duralog/pkg/blob/mem"
	"github.com/duralog/duralog/pkg/oplog"
	"github.com/duralog/duralog/pkg/store/mem"
	"github.com/stretchr/testify/require"
)

const testEntryCountLimit = 4

type multiLayerFixture struct {
	service *oplog.MultiLayerService
	lower   []*oplog.StoreArchiveService
}

func newMultiLayerFixture(t *testing.T, layers int, entryCountLimit uint64) *multiLayerFixture {
	t.Helper()
	ctx := context.Background()
	st := mem.NewStore()
	ps, err := oplog.NewPayloadStore(blobmem.New(), testMaxPayloadSize)
	require.NoError(t, err)
	t.Cleanup(ps.Close)
	primary, err := oplog.NewPrimaryService(ctx, st, ps, testMaxOperationsBeforeCommit)
	require.NoError(t, err)

	lower := make([]*oplog.StoreArchiveService, layers)
	archives := make([]oplog.ArchiveService, layers)
	for i := range lower {
		lower[i] = oplog.NewStoreArchiveService(st, i)
		archives[i] = lower[i]
	}
	svc, err := oplog.NewMultiLayerService(primary, archives, entryCountLimit)
	require.NoError(t, err)
	return &multiLayerFixture{service: svc, lower: lower}
}

func (f *multiLayerFixture) createLog(t *testing.T, owned oplog.OwnedWorkerID) oplog.Log {
	t.Helper()
	log, err := f.service.Create(context.Background(), owned, oplog.NewCreateEntry(owned.WorkerID, 1, nil, nil))
	require.NoError(t, err)
	t.Cleanup(log.Close)
	return log
}

func addEntries(t *testing.T, log oplog.Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, log.Add(context.Background(), logEntry(fmt.Sprintf("entry-%d", i))))
	}
}

func TestMultiLayer_CommitTriggersTransfer(t *testing.T) {
	ctx := context.Background()
	f := newMultiLayerFixture(t, 1, testEntryCountLimit)
	owned := testOwnedWorker("transfer")

	log := f.createLog(t, owned)
	addEntries(t, log, testEntryCountLimit)
	require.NoError(t, log.Commit(ctx))

	// the background goroutine drains the primary oplog into the archive layer
	require.Eventually(t, func() bool {
		exists, err := f.lower[0].Exists(ctx, owned)
		require.NoError(t, err)
		return exists
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		length, err := log.Length(ctx)
		require.NoError(t, err)
		return length == uint64(testEntryCountLimit+1)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMultiLayer_ReadFallthrough(t *testing.T) {
	ctx := context.Background()
	f := newMultiLayerFixture(t, 1, testEntryCountLimit)
	owned := testOwnedWorker("fallthrough")

	log := f.createLog(t, owned)
	addEntries(t, log, testEntryCountLimit)
	require.NoError(t, log.Commit(ctx))
	require.Eventually(t, func() bool {
		exists, err := f.lower[0].Exists(ctx, owned)
		require.NoError(t, err)
		return exists
	}, 5*time.Second, 10*time.Millisecond)

	// newer entries stay in the primary oplog, older ones live in the archive
	require.NoError(t, log.Add(ctx, logEntry("hot-entry")))
	require.NoError(t, log.Commit(ctx))

	last := log.CurrentIndex()
	records, err := f.service.Read(ctx, owned, oplog.InitialIndex, uint64(last))
	require.NoError(t, err)
	require.Len(t, records, int(last))
	for i, record := range records {
		require.Equal(t, oplog.Index(i+1), record.Index, "records must be contiguous")
	}
	require.Equal(t, "hot-entry", records[len(records)-1].Entry.Message)

	// single-index reads resolve through the layers as well
	archived, err := log.Read(ctx, oplog.InitialIndex.Next())
	require.NoError(t, err)
	require.Equal(t, "entry-0", archived.Message)
}

func TestMultiLayer_LastIndexFallthrough(t *testing.T) {
	ctx := context.Background()
	f := newMultiLayerFixture(t, 1, 1000)
	owned := testOwnedWorker("last-index")

	log := f.createLog(t, owned)
	addEntries(t, log, 3)
	require.NoError(t, log.Commit(ctx))
	last := log.CurrentIndex()

	// drain the primary completely, the archive now holds the whole oplog
	more, err := oplog.TryArchive(ctx, log, true)
	require.NoError(t, err)
	require.False(t, more)

	idx, err := f.service.LastIndex(ctx, owned)
	require.NoError(t, err)
	require.Equal(t, last, idx)

	exists, err := f.service.Exists(ctx, owned)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestMultiLayer_ArchiveNowDrainsAllLayers(t *testing.T) {
	ctx := context.Background()
	f := newMultiLayerFixture(t, 3, 1000)
	owned := testOwnedWorker("drain")

	log := f.createLog(t, owned)
	addEntries(t, log, 5)
	require.NoError(t, log.Commit(ctx))
	last := log.CurrentIndex()

	for {
		more, err := oplog.TryArchive(ctx, log, true)
		require.NoError(t, err)
		if !more {
			break
		}
	}

	coldest, err := f.lower[2].Read(ctx, owned, oplog.InitialIndex, uint64(last))
	require.NoError(t, err)
	require.Len(t, coldest, int(last))

	// the whole oplog is still readable through the composite
	records, err := f.service.Read(ctx, owned, oplog.InitialIndex, uint64(last))
	require.NoError(t, err)
	require.Len(t, records, int(last))
}

// flakyArchiveService fails appends while enabled, leaving the source layer untouched.
type flakyArchiveService struct {
	*oplog.StoreArchiveService
	fail atomic.Bool
}

func (s *flakyArchiveService) Open(ctx context.Context, owned oplog.OwnedWorkerID) (oplog.Archive, error) {
	inner, err := s.StoreArchiveService.Open(ctx, owned)
	if err != nil {
		return nil, err
	}
	return &flakyArchive{Archive: inner, fail: &s.fail}, nil
}

type flakyArchive struct {
	oplog.Archive
	fail *atomic.Bool
}

func (a *flakyArchive) Append(ctx context.Context, chunk []oplog.Record) error {
	if a.fail.Load() {
		return errors.New("append rejected")
	}
	return a.Archive.Append(ctx, chunk)
}

func TestMultiLayer_TransferFailureKeepsSource(t *testing.T) {
	ctx := context.Background()
	st := mem.NewStore()
	ps, err := oplog.NewPayloadStore(blobmem.New(), testMaxPayloadSize)
	require.NoError(t, err)
	defer ps.Close()
	primary, err := oplog.NewPrimaryService(ctx, st, ps, testMaxOperationsBeforeCommit)
	require.NoError(t, err)
	flaky := &flakyArchiveService{StoreArchiveService: oplog.NewStoreArchiveService(st, 0)}
	svc, err := oplog.NewMultiLayerService(primary, []oplog.ArchiveService{flaky}, 1000)
	require.NoError(t, err)
	owned := testOwnedWorker("flaky")

	log, err := svc.Create(ctx, owned, oplog.NewCreateEntry(owned.WorkerID, 1, nil, nil))
	require.NoError(t, err)
	defer log.Close()
	addEntries(t, log, 5)
	require.NoError(t, log.Commit(ctx))
	last := log.CurrentIndex()

	flaky.fail.Store(true)
	_, err = oplog.TryArchive(ctx, log, true)
	require.NoError(t, err)

	// the failed transfer must not have dropped anything from the primary oplog
	kept, err := primary.Read(ctx, owned, oplog.InitialIndex, uint64(last))
	require.NoError(t, err)
	require.Len(t, kept, int(last))
	exists, err := flaky.Exists(ctx, owned)
	require.NoError(t, err)
	require.False(t, exists)

	// once the layer recovers, the retry converges to the same result
	flaky.fail.Store(false)
	_, err = oplog.TryArchive(ctx, log, true)
	require.NoError(t, err)

	records, err := svc.Read(ctx, owned, oplog.InitialIndex, uint64(last))
	require.NoError(t, err)
	require.Len(t, records, int(last))
	for i, record := range records {
		require.Equal(t, oplog.Index(i+1), record.Index)
	}
}

func TestMultiLayer_ScanAcrossLayers(t *testing.T) {
	ctx := context.Background()
	f := newMultiLayerFixture(t, 1, 1000)

	hot := testOwnedWorker("hot")
	cold := testOwnedWorker("cold")
	cold.WorkerID.ComponentID = hot.WorkerID.ComponentID

	hotLog := f.createLog(t, hot)
	require.NoError(t, hotLog.Commit(ctx))

	coldLog := f.createLog(t, cold)
	require.NoError(t, coldLog.Commit(ctx))
	// push the cold worker's oplog fully into the archive layer
	more, err := oplog.TryArchive(ctx, coldLog, true)
	require.NoError(t, err)
	require.False(t, more)

	seen := make(map[string]bool)
	cursor := oplog.ScanCursor{}
	for {
		next, workers, err := f.service.Scan(ctx, hot.AccountID, hot.WorkerID.ComponentID, cursor, 100)
		require.NoError(t, err)
		for _, w := range workers {
			seen[w.WorkerID.WorkerName] = true
		}
		if next.Done() {
			break
		}
		cursor = next
	}
	require.True(t, seen["hot"])
	require.True(t, seen["cold"])
}

func TestMultiLayer_DeleteRemovesAllLayers(t *testing.T) {
	ctx := context.Background()
	f := newMultiLayerFixture(t, 2, 1000)
	owned := testOwnedWorker("deleted")

	log := f.createLog(t, owned)
	addEntries(t, log, 3)
	require.NoError(t, log.Commit(ctx))
	_, err := oplog.TryArchive(ctx, log, true)
	require.NoError(t, err)

	require.NoError(t, f.service.Delete(ctx, owned))
	exists, err := f.service.Exists(ctx, owned)
	require.NoError(t, err)
	require.False(t, exists)
}
