package oplog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDurability marks an unrecoverable fault of the underlying indexed store.
	// A worker whose oplog operation fails this way must not continue executing.
	ErrDurability = errors.New("oplog durability fault")

	ErrWorkerExists    = errors.New("worker oplog already exists")
	ErrWorkerNotFound  = errors.New("worker oplog not found")
	ErrEntryNotFound   = errors.New("oplog entry not found")
	ErrPayloadNotFound = errors.New("oplog payload not found")
	ErrInvalidCursor   = errors.New("invalid oplog layer in scan cursor")
	ErrInvalidCutOff   = errors.New("invalid fork cut-off index")
)

// Service manages worker oplogs. Opening the same worker twice returns the same
// shared Log handle.
type Service interface {
	// Create creates a new oplog for the worker with the given initial entry at
	// InitialIndex and returns an open handle. Fails with ErrWorkerExists when the
	// worker already has an oplog.
	Create(ctx context.Context, owned OwnedWorkerID, initial Entry) (Log, error)

	// Open opens the worker's existing oplog for writing.
	Open(ctx context.Context, owned OwnedWorkerID) (Log, error)

	// LastIndex returns the worker's last stored index, NoneIndex when no oplog exists.
	LastIndex(ctx context.Context, owned OwnedWorkerID) (Index, error)

	// Delete removes the worker's oplog completely.
	Delete(ctx context.Context, owned OwnedWorkerID) error

	// Read returns up to n entries starting at idx, ordered by index.
	Read(ctx context.Context, owned OwnedWorkerID, idx Index, n uint64) ([]Record, error)

	// Exists reports whether the worker has an oplog.
	Exists(ctx context.Context, owned OwnedWorkerID) (bool, error)

	// Scan enumerates workers of a component. The cursor starts zeroed; the scan is
	// finished when the returned cursor is Done.
	Scan(ctx context.Context, accountID string, componentID uuid.UUID, cursor ScanCursor, count int64) (ScanCursor, []OwnedWorkerID, error)

	// UploadPayload externalizes data when it exceeds the configured payload size.
	UploadPayload(ctx context.Context, owned OwnedWorkerID, data []byte) (Payload, error)

	// DownloadPayload resolves a payload back to its bytes.
	DownloadPayload(ctx context.Context, owned OwnedWorkerID, payload Payload) ([]byte, error)
}

// Log is an open, writable handle to one worker's oplog. Handles are shared between
// owners; Close releases the caller's ownership and tears the handle down when it was
// the last one.
type Log interface {
	// Add buffers an entry. The write becomes durable on the next Commit, which may
	// be triggered implicitly when the buffer outgrows its limit.
	Add(ctx context.Context, entry Entry) error

	// AddAndCommit appends the entry, commits, and returns the entry's index.
	AddAndCommit(ctx context.Context, entry Entry) (Index, error)

	// Commit flushes all buffered entries to storage.
	Commit(ctx context.Context) error

	// CurrentIndex returns the index of the last added entry, committed or not.
	CurrentIndex() Index

	// WaitForReplicas commits, then blocks until min(replicas, available) replicas
	// acknowledged, or the timeout elapsed. Returns whether the target was reached.
	WaitForReplicas(ctx context.Context, replicas int, timeout time.Duration) (bool, error)

	// Read returns the committed entry at the given index.
	Read(ctx context.Context, idx Index) (Entry, error)

	// Length returns the number of stored entries.
	Length(ctx context.Context) (uint64, error)

	// DropPrefix removes all entries with index <= lastDropped.
	DropPrefix(ctx context.Context, lastDropped Index) error

	UploadPayload(ctx context.Context, data []byte) (Payload, error)
	DownloadPayload(ctx context.Context, payload Payload) ([]byte, error)

	Close()
}

// ArchiveService manages one archive layer holding cold oplog entries.
type ArchiveService interface {
	// Open opens the worker's archive in this layer for writing.
	Open(ctx context.Context, owned OwnedWorkerID) (Archive, error)

	// Delete removes the worker's archive in this layer completely.
	Delete(ctx context.Context, owned OwnedWorkerID) error

	// Read returns up to n entries starting at idx without opening for writing.
	Read(ctx context.Context, owned OwnedWorkerID, idx Index, n uint64) ([]Record, error)

	// Exists reports whether the worker has entries in this layer.
	Exists(ctx context.Context, owned OwnedWorkerID) (bool, error)

	// LastIndex returns the last stored index in this layer, NoneIndex when empty.
	LastIndex(ctx context.Context, owned OwnedWorkerID) (Index, error)

	// Scan enumerates workers of a component stored in this layer.
	Scan(ctx context.Context, accountID string, componentID uuid.UUID, cursor uint64, count int64) (uint64, []OwnedWorkerID, error)
}

// Archive is an open handle to one worker's entries in a single archive layer.
// It requires less functionality than the primary Log.
type Archive interface {
	// Read returns up to n entries starting at idx.
	Read(ctx context.Context, idx Index, n uint64) ([]Record, error)

	// ReadPrefix returns all entries up to and including lastIdx.
	ReadPrefix(ctx context.Context, lastIdx Index) ([]Record, error)

	// Append stores a chunk of entries, preserving their original indices.
	Append(ctx context.Context, chunk []Record) error

	// CurrentIndex returns the last appended chunk's last index.
	CurrentIndex(ctx context.Context) (Index, error)

	// DropPrefix removes entries with index <= lastDropped. Call only after the
	// entries were appended to the layer below this one.
	DropPrefix(ctx context.Context, lastDropped Index) error

	// Length returns the number of entries in this layer.
	Length(ctx context.Context) (uint64, error)

	// LastIndex returns the last index in this layer, NoneIndex when empty.
	LastIndex(ctx context.Context) (Index, error)

	Close()
}
