package oplog

import (
	"context"
	"fmt"
)

// forkPageSize is how many entries a fork copies per read.
const forkPageSize = 512

// Fork copies the source worker's oplog up to and including cutOff into a freshly
// created oplog for the target worker. The initial entry's worker id is rewritten to
// the target. The target must not exist yet; cutOff must lie within the source oplog.
func Fork(ctx context.Context, svc Service, source, target OwnedWorkerID, cutOff Index) error {
	recordOplogCall("fork")

	if cutOff < InitialIndex {
		return fmt.Errorf("cut-off %d precedes the initial entry: %w", cutOff, ErrInvalidCutOff)
	}
	targetExists, err := svc.Exists(ctx, target)
	if err != nil {
		return err
	}
	if targetExists {
		return fmt.Errorf("fork target %s: %w", target, ErrWorkerExists)
	}
	sourceExists, err := svc.Exists(ctx, source)
	if err != nil {
		return err
	}
	if !sourceExists {
		return fmt.Errorf("fork source %s: %w", source, ErrWorkerNotFound)
	}
	last, err := svc.LastIndex(ctx, source)
	if err != nil {
		return err
	}
	if cutOff > last {
		return fmt.Errorf("cut-off %d beyond last index %d of %s: %w", cutOff, last, source, ErrInvalidCutOff)
	}

	initialRecords, err := svc.Read(ctx, source, InitialIndex, 1)
	if err != nil {
		return err
	}
	if len(initialRecords) == 0 || initialRecords[0].Index != InitialIndex {
		return fmt.Errorf("initial entry of %s: %w", source, ErrEntryNotFound)
	}
	initial := initialRecords[0].Entry
	if initial.WorkerID != nil {
		workerID := target.WorkerID
		initial.WorkerID = &workerID
	}

	log, err := svc.Create(ctx, target, initial)
	if err != nil {
		return err
	}
	defer log.Close()

	for idx := InitialIndex.Next(); idx <= cutOff; {
		n := uint64(forkPageSize)
		if rangeLeft := uint64(cutOff) - uint64(idx) + 1; rangeLeft < n {
			n = rangeLeft
		}
		records, err := svc.Read(ctx, source, idx, n)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return fmt.Errorf("gap at index %d while forking %s: %w", idx, source, ErrEntryNotFound)
		}
		for _, record := range records {
			if err := log.Add(ctx, record.Entry); err != nil {
				return err
			}
		}
		idx = records[len(records)-1].Index.Next()
	}
	return log.Commit(ctx)
}
