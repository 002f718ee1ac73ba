package oplog

import (
	"context"
	"errors"
	"fmt"

	"github.com/duralog/duralog/pkg/logging"
	"github.com/duralog/duralog/pkg/store"
	"github.com/google/uuid"
)

// archiveNamespace is the indexed-store namespace of one archive layer. Layer 0 is the
// hottest archive, directly below the primary oplog.
func archiveNamespace(layer int) string {
	return fmt.Sprintf("oplog:archive:%d", layer)
}

// StoreArchiveService is an ArchiveService backed by the indexed store, holding each
// layer in its own storage namespace.
type StoreArchiveService struct {
	store  store.Store
	layer  int
	logger logging.Logger
}

func NewStoreArchiveService(st store.Store, layer int) *StoreArchiveService {
	return &StoreArchiveService{
		store:  st,
		layer:  layer,
		logger: logging.Default().WithField(logging.LayerFieldKey, layer),
	}
}

func (s *StoreArchiveService) namespace() string {
	return archiveNamespace(s.layer)
}

func (s *StoreArchiveService) Open(_ context.Context, owned OwnedWorkerID) (Archive, error) {
	return &storeArchive{
		store:     s.store,
		namespace: s.namespace(),
		key:       owned.Key(),
	}, nil
}

func (s *StoreArchiveService) Delete(ctx context.Context, owned OwnedWorkerID) error {
	if err := s.store.Delete(ctx, s.namespace(), owned.Key()); err != nil {
		return fmt.Errorf("%w: delete archive layer %d for %s: %w", ErrDurability, s.layer, owned, err)
	}
	return nil
}

func (s *StoreArchiveService) Read(ctx context.Context, owned OwnedWorkerID, idx Index, n uint64) ([]Record, error) {
	entries, err := s.store.Read(ctx, s.namespace(), owned.Key(), uint64(idx), uint64(idx.RangeEnd(n)))
	if err != nil {
		return nil, fmt.Errorf("%w: read archive layer %d for %s: %w", ErrDurability, s.layer, owned, err)
	}
	return decodeRecords(entries)
}

func (s *StoreArchiveService) Exists(ctx context.Context, owned OwnedWorkerID) (bool, error) {
	exists, err := s.store.Exists(ctx, s.namespace(), owned.Key())
	if err != nil {
		return false, fmt.Errorf("%w: check archive layer %d exists for %s: %w", ErrDurability, s.layer, owned, err)
	}
	return exists, nil
}

func (s *StoreArchiveService) LastIndex(ctx context.Context, owned OwnedWorkerID) (Index, error) {
	last, err := s.store.LastIndex(ctx, s.namespace(), owned.Key())
	if errors.Is(err, store.ErrNotFound) {
		return NoneIndex, nil
	}
	if err != nil {
		return NoneIndex, fmt.Errorf("%w: get last index of archive layer %d for %s: %w", ErrDurability, s.layer, owned, err)
	}
	return Index(last), nil
}

func (s *StoreArchiveService) Scan(ctx context.Context, accountID string, componentID uuid.UUID, cursor uint64, count int64) (uint64, []OwnedWorkerID, error) {
	next, keys, err := s.store.Scan(ctx, s.namespace(), keyPattern(componentID), cursor, count)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: scan archive layer %d for component %s: %w", ErrDurability, s.layer, componentID, err)
	}
	workers := make([]OwnedWorkerID, 0, len(keys))
	for _, key := range keys {
		workerID, err := workerIDFromKey(key, componentID)
		if err != nil {
			return 0, nil, err
		}
		workers = append(workers, OwnedWorkerID{AccountID: accountID, WorkerID: workerID})
	}
	return next, workers, nil
}

// storeArchive is an open handle to one worker's entries in a single archive layer.
// All state lives in the store, so the handle itself is stateless.
type storeArchive struct {
	store     store.Store
	namespace string
	key       string
}

func (a *storeArchive) Read(ctx context.Context, idx Index, n uint64) ([]Record, error) {
	entries, err := a.store.Read(ctx, a.namespace, a.key, uint64(idx), uint64(idx.RangeEnd(n)))
	if err != nil {
		return nil, fmt.Errorf("%w: read archive %s for %s: %w", ErrDurability, a.namespace, a.key, err)
	}
	return decodeRecords(entries)
}

func (a *storeArchive) ReadPrefix(ctx context.Context, lastIdx Index) ([]Record, error) {
	if lastIdx == NoneIndex {
		return nil, nil
	}
	return a.Read(ctx, InitialIndex, uint64(lastIdx))
}

func (a *storeArchive) Append(ctx context.Context, chunk []Record) error {
	for _, record := range chunk {
		data, err := encodeEntry(record.Entry)
		if err != nil {
			return err
		}
		if err := a.store.Append(ctx, a.namespace, a.key, uint64(record.Index), data); err != nil {
			return fmt.Errorf("%w: append entry %d to archive %s for %s: %w", ErrDurability, record.Index, a.namespace, a.key, err)
		}
	}
	return nil
}

func (a *storeArchive) CurrentIndex(ctx context.Context) (Index, error) {
	return a.LastIndex(ctx)
}

func (a *storeArchive) DropPrefix(ctx context.Context, lastDropped Index) error {
	if err := a.store.DropPrefix(ctx, a.namespace, a.key, uint64(lastDropped)); err != nil {
		return fmt.Errorf("%w: drop prefix %d of archive %s for %s: %w", ErrDurability, lastDropped, a.namespace, a.key, err)
	}
	remaining, err := a.store.Length(ctx, a.namespace, a.key)
	if err != nil {
		return fmt.Errorf("%w: get length of archive %s for %s: %w", ErrDurability, a.namespace, a.key, err)
	}
	if remaining == 0 {
		if err := a.store.Delete(ctx, a.namespace, a.key); err != nil {
			return fmt.Errorf("%w: delete drained archive %s for %s: %w", ErrDurability, a.namespace, a.key, err)
		}
	}
	return nil
}

func (a *storeArchive) Length(ctx context.Context) (uint64, error) {
	length, err := a.store.Length(ctx, a.namespace, a.key)
	if err != nil {
		return 0, fmt.Errorf("%w: get length of archive %s for %s: %w", ErrDurability, a.namespace, a.key, err)
	}
	return length, nil
}

func (a *storeArchive) LastIndex(ctx context.Context) (Index, error) {
	last, err := a.store.LastIndex(ctx, a.namespace, a.key)
	if errors.Is(err, store.ErrNotFound) {
		return NoneIndex, nil
	}
	if err != nil {
		return NoneIndex, fmt.Errorf("%w: get last index of archive %s for %s: %w", ErrDurability, a.namespace, a.key, err)
	}
	return Index(last), nil
}

func (a *storeArchive) Close() {}
