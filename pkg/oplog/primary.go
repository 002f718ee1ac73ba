package oplog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/duralog/duralog/pkg/logging"
	"github.com/duralog/duralog/pkg/store"
	"github.com/google/uuid"
)

// primaryNamespace is the indexed-store namespace of the hot oplog layer.
const primaryNamespace = "oplog"

// PrimaryService stores and retrieves individual oplog entries from the indexed store.
// Suitable for direct use, or as the top level of a multi-layered setup.
type PrimaryService struct {
	store                     store.Store
	payloads                  *PayloadStore
	replicas                  int
	maxOperationsBeforeCommit uint64
	logs                      *openLogs
	logger                    logging.Logger
}

func NewPrimaryService(ctx context.Context, st store.Store, payloads *PayloadStore, maxOperationsBeforeCommit uint64) (*PrimaryService, error) {
	replicas, err := st.NumberOfReplicas(ctx)
	if err != nil {
		return nil, fmt.Errorf("get number of replicas of the indexed store: %w", err)
	}
	return &PrimaryService{
		store:                     st,
		payloads:                  payloads,
		replicas:                  replicas,
		maxOperationsBeforeCommit: maxOperationsBeforeCommit,
		logs:                      newOpenLogs("primary oplog"),
		logger:                    logging.Default().WithField(logging.ServiceNameFieldKey, "oplog_primary"),
	}, nil
}

func keyPattern(componentID uuid.UUID) string {
	return componentID.String() + ":*"
}

func workerIDFromKey(key string, componentID uuid.UUID) (WorkerID, error) {
	prefix := componentID.String() + ":"
	workerName, found := strings.CutPrefix(key, prefix)
	if !found {
		return WorkerID{}, fmt.Errorf("unexpected oplog key %q for component %s", key, componentID)
	}
	return WorkerID{ComponentID: componentID, WorkerName: workerName}, nil
}

func (s *PrimaryService) Create(ctx context.Context, owned OwnedWorkerID, initial Entry) (Log, error) {
	recordOplogCall("create")

	key := owned.Key()
	exists, err := s.store.Exists(ctx, primaryNamespace, key)
	if err != nil {
		return nil, fmt.Errorf("%w: check oplog exists for %s: %w", ErrDurability, owned, err)
	}
	if exists {
		return nil, fmt.Errorf("%s: %w", owned, ErrWorkerExists)
	}
	data, err := encodeEntry(initial)
	if err != nil {
		return nil, err
	}
	if err := s.store.Append(ctx, primaryNamespace, key, uint64(InitialIndex), data); err != nil {
		return nil, fmt.Errorf("%w: append initial oplog entry for %s: %w", ErrDurability, owned, err)
	}
	return s.open(ctx, owned, InitialIndex)
}

func (s *PrimaryService) Open(ctx context.Context, owned OwnedWorkerID) (Log, error) {
	recordOplogCall("open")

	last, err := s.LastIndex(ctx, owned)
	if err != nil {
		return nil, err
	}
	return s.open(ctx, owned, last)
}

func (s *PrimaryService) open(ctx context.Context, owned OwnedWorkerID, lastOplogIdx Index) (Log, error) {
	return s.logs.GetOrOpen(ctx, owned.Key(), func(_ context.Context) (Log, error) {
		return &primaryLog{
			store:                     s.store,
			payloads:                  s.payloads,
			owned:                     owned,
			key:                       owned.Key(),
			replicas:                  s.replicas,
			maxOperationsBeforeCommit: s.maxOperationsBeforeCommit,
			lastOplogIdx:              lastOplogIdx,
			lastCommittedIdx:          lastOplogIdx,
			logger:                    s.logger.WithField(logging.WorkerIDFieldKey, owned.Key()),
		}, nil
	})
}

func (s *PrimaryService) LastIndex(ctx context.Context, owned OwnedWorkerID) (Index, error) {
	recordOplogCall("last_index")

	last, err := s.store.LastIndex(ctx, primaryNamespace, owned.Key())
	if errors.Is(err, store.ErrNotFound) {
		return NoneIndex, nil
	}
	if err != nil {
		return NoneIndex, fmt.Errorf("%w: get last oplog index for %s: %w", ErrDurability, owned, err)
	}
	return Index(last), nil
}

func (s *PrimaryService) Delete(ctx context.Context, owned OwnedWorkerID) error {
	recordOplogCall("delete")

	if err := s.store.Delete(ctx, primaryNamespace, owned.Key()); err != nil {
		return fmt.Errorf("%w: delete oplog for %s: %w", ErrDurability, owned, err)
	}
	s.logs.Remove(owned.Key())
	return nil
}

func (s *PrimaryService) Read(ctx context.Context, owned OwnedWorkerID, idx Index, n uint64) ([]Record, error) {
	recordOplogCall("read")

	entries, err := s.store.Read(ctx, primaryNamespace, owned.Key(), uint64(idx), uint64(idx.RangeEnd(n)))
	if err != nil {
		return nil, fmt.Errorf("%w: read oplog for %s: %w", ErrDurability, owned, err)
	}
	return decodeRecords(entries)
}

func (s *PrimaryService) Exists(ctx context.Context, owned OwnedWorkerID) (bool, error) {
	recordOplogCall("exists")

	exists, err := s.store.Exists(ctx, primaryNamespace, owned.Key())
	if err != nil {
		return false, fmt.Errorf("%w: check oplog exists for %s: %w", ErrDurability, owned, err)
	}
	return exists, nil
}

func (s *PrimaryService) Scan(ctx context.Context, accountID string, componentID uuid.UUID, cursor ScanCursor, count int64) (ScanCursor, []OwnedWorkerID, error) {
	recordOplogCall("scan")

	if cursor.Layer != 0 {
		return ScanCursor{}, nil, fmt.Errorf("%w: %d", ErrInvalidCursor, cursor.Layer)
	}
	next, keys, err := s.store.Scan(ctx, primaryNamespace, keyPattern(componentID), cursor.Cursor, count)
	if err != nil {
		return ScanCursor{}, nil, fmt.Errorf("%w: scan component %s: %w", ErrDurability, componentID, err)
	}
	workers := make([]OwnedWorkerID, 0, len(keys))
	for _, key := range keys {
		workerID, err := workerIDFromKey(key, componentID)
		if err != nil {
			return ScanCursor{}, nil, err
		}
		workers = append(workers, OwnedWorkerID{AccountID: accountID, WorkerID: workerID})
	}
	return ScanCursor{Cursor: next, Layer: 0}, workers, nil
}

func (s *PrimaryService) UploadPayload(ctx context.Context, owned OwnedWorkerID, data []byte) (Payload, error) {
	return s.payloads.Upload(ctx, owned, data)
}

func (s *PrimaryService) DownloadPayload(ctx context.Context, owned OwnedWorkerID, payload Payload) ([]byte, error) {
	return s.payloads.Download(ctx, owned, payload)
}

func decodeRecords(entries []store.IndexedEntry) ([]Record, error) {
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		entry, err := decodeEntry(e.Value)
		if err != nil {
			return nil, err
		}
		records = append(records, Record{Index: Index(e.Index), Entry: entry})
	}
	return records, nil
}

// primaryLog is the writable handle of a single worker's primary oplog. Entries are
// buffered in memory and become durable on commit; reads always hit storage.
type primaryLog struct {
	store    store.Store
	payloads *PayloadStore
	owned    OwnedWorkerID
	key      string
	replicas int
	logger   logging.Logger

	mu                        sync.Mutex
	maxOperationsBeforeCommit uint64
	buffer                    []Entry
	lastOplogIdx              Index
	lastCommittedIdx          Index
}

func (l *primaryLog) Add(ctx context.Context, entry Entry) error {
	recordOplogCall("add")

	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer = append(l.buffer, entry)
	if uint64(len(l.buffer)) > l.maxOperationsBeforeCommit {
		if err := l.commitLocked(ctx); err != nil {
			return err
		}
	}
	l.lastOplogIdx = l.lastOplogIdx.Next()
	return nil
}

func (l *primaryLog) AddAndCommit(ctx context.Context, entry Entry) (Index, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer = append(l.buffer, entry)
	l.lastOplogIdx = l.lastOplogIdx.Next()
	if err := l.commitLocked(ctx); err != nil {
		return NoneIndex, err
	}
	return l.lastOplogIdx, nil
}

func (l *primaryLog) Commit(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitLocked(ctx)
}

// commitLocked appends the buffered entries contiguously after the last committed
// index. On failure the unappended suffix stays buffered and the fault surfaces as
// ErrDurability.
func (l *primaryLog) commitLocked(ctx context.Context) error {
	recordOplogCall("commit")

	for len(l.buffer) > 0 {
		entry := l.buffer[0]
		data, err := encodeEntry(entry)
		if err != nil {
			return err
		}
		idx := l.lastCommittedIdx.Next()
		if err := l.store.Append(ctx, primaryNamespace, l.key, uint64(idx), data); err != nil {
			return fmt.Errorf("%w: append oplog entry %d for %s: %w", ErrDurability, idx, l.key, err)
		}
		l.lastCommittedIdx = idx
		l.buffer = l.buffer[1:]
	}
	return nil
}

func (l *primaryLog) CurrentIndex() Index {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastOplogIdx
}

func (l *primaryLog) WaitForReplicas(ctx context.Context, replicas int, timeout time.Duration) (bool, error) {
	recordOplogCall("wait_for_replicas")

	l.mu.Lock()
	if err := l.commitLocked(ctx); err != nil {
		l.mu.Unlock()
		return false, err
	}
	l.mu.Unlock()

	if replicas > l.replicas {
		replicas = l.replicas
	}
	if replicas == 0 {
		return true, nil
	}
	acked, err := l.store.WaitForReplicas(ctx, replicas, timeout)
	if err != nil {
		return false, fmt.Errorf("wait for %d replicas of %s: %w", replicas, l.key, err)
	}
	return acked >= replicas, nil
}

func (l *primaryLog) Read(ctx context.Context, idx Index) (Entry, error) {
	recordOplogCall("read")

	entries, err := l.store.Read(ctx, primaryNamespace, l.key, uint64(idx), uint64(idx))
	if err != nil {
		return Entry{}, fmt.Errorf("%w: read oplog entry %d for %s: %w", ErrDurability, idx, l.key, err)
	}
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("oplog entry %d for %s: %w", idx, l.key, ErrEntryNotFound)
	}
	return decodeEntry(entries[0].Value)
}

func (l *primaryLog) Length(ctx context.Context) (uint64, error) {
	recordOplogCall("length")

	length, err := l.store.Length(ctx, primaryNamespace, l.key)
	if err != nil {
		return 0, fmt.Errorf("%w: get oplog length for %s: %w", ErrDurability, l.key, err)
	}
	return length, nil
}

func (l *primaryLog) DropPrefix(ctx context.Context, lastDropped Index) error {
	recordOplogCall("drop_prefix")

	if err := l.store.DropPrefix(ctx, primaryNamespace, l.key, uint64(lastDropped)); err != nil {
		return fmt.Errorf("%w: drop oplog prefix %d for %s: %w", ErrDurability, lastDropped, l.key, err)
	}
	remaining, err := l.store.Length(ctx, primaryNamespace, l.key)
	if err != nil {
		return fmt.Errorf("%w: get oplog length for %s: %w", ErrDurability, l.key, err)
	}
	if remaining == 0 {
		if err := l.store.Delete(ctx, primaryNamespace, l.key); err != nil {
			return fmt.Errorf("%w: delete drained oplog for %s: %w", ErrDurability, l.key, err)
		}
	}
	return nil
}

func (l *primaryLog) UploadPayload(ctx context.Context, data []byte) (Payload, error) {
	return l.payloads.Upload(ctx, l.owned, data)
}

func (l *primaryLog) DownloadPayload(ctx context.Context, payload Payload) ([]byte, error) {
	return l.payloads.Download(ctx, l.owned, payload)
}

func (l *primaryLog) Close() {
	if err := l.Commit(context.Background()); err != nil {
		l.logger.WithError(err).Error("failed to commit buffered oplog entries on close")
	}
}
