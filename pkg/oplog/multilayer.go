package oplog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duralog/duralog/pkg/logging"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// adjustmentMarks records, per (target layer, worker), the index up to which a transfer
// into that layer has been enqueued but not yet confirmed by the source's drop-prefix.
// While a mark is present the layer must be treated as receiving entries even when its
// stored length says otherwise.
type adjustmentMarks struct {
	mu    sync.RWMutex
	marks map[markKey]Index
}

type markKey struct {
	layer  int
	worker string
}

func newAdjustmentMarks() *adjustmentMarks {
	return &adjustmentMarks{marks: make(map[markKey]Index)}
}

func (m *adjustmentMarks) set(layer int, worker string, upTo Index) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[markKey{layer: layer, worker: worker}] = upTo
}

// clear removes the mark only when it still records the given boundary; a newer
// in-flight transfer keeps its own mark.
func (m *adjustmentMarks) clear(layer int, worker string, upTo Index) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := markKey{layer: layer, worker: worker}
	if current, ok := m.marks[key]; ok && current == upTo {
		delete(m.marks, key)
	}
}

func (m *adjustmentMarks) pending(layer int, worker string) (Index, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.marks[markKey{layer: layer, worker: worker}]
	return idx, ok
}

// transferKind discriminates the background transfer messages.
type transferKind int

const (
	transferFromPrimary transferKind = iota
	transferFromLower
)

type transferMessage struct {
	kind   transferKind
	source int // source layer, transferFromLower only
	upTo   Index
	done   chan struct{} // closed when the transfer finished, nil for fire-and-forget
}

// transferQueue is an unbounded FIFO feeding a handle's background transfer goroutine.
// The commit path must never block on archival progress.
type transferQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	msgs   []transferMessage
	closed bool
}

func newTransferQueue() *transferQueue {
	q := &transferQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *transferQueue) push(msg transferMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.msgs = append(q.msgs, msg)
	q.cond.Signal()
}

func (q *transferQueue) pop() (transferMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.msgs) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.msgs) == 0 {
		return transferMessage{}, false
	}
	msg := q.msgs[0]
	q.msgs = q.msgs[1:]
	return msg, true
}

func (q *transferQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// MultiLayerService layers the primary oplog service over a chain of archive layers,
// hottest first. Reads fall through the chain; commits migrate cold entries down it in
// the background.
type MultiLayerService struct {
	primary         Service
	lower           []ArchiveService
	entryCountLimit uint64
	logs            *openLogs
	marks           *adjustmentMarks
	logger          logging.Logger
}

func NewMultiLayerService(primary Service, lower []ArchiveService, entryCountLimit uint64) (*MultiLayerService, error) {
	if len(lower) == 0 {
		return nil, errors.New("at least one lower oplog layer is required")
	}
	return &MultiLayerService{
		primary:         primary,
		lower:           lower,
		entryCountLimit: entryCountLimit,
		logs:            newOpenLogs("multi-layer oplog"),
		marks:           newAdjustmentMarks(),
		logger:          logging.Default().WithField(logging.ServiceNameFieldKey, "oplog_multilayer"),
	}, nil
}

func (s *MultiLayerService) Create(ctx context.Context, owned OwnedWorkerID, initial Entry) (Log, error) {
	return s.logs.GetOrOpen(ctx, owned.Key(), func(ctx context.Context) (Log, error) {
		primary, err := s.primary.Create(ctx, owned, initial)
		if err != nil {
			return nil, err
		}
		return s.newLog(ctx, owned, primary)
	})
}

func (s *MultiLayerService) Open(ctx context.Context, owned OwnedWorkerID) (Log, error) {
	return s.logs.GetOrOpen(ctx, owned.Key(), func(ctx context.Context) (Log, error) {
		primary, err := s.primary.Open(ctx, owned)
		if err != nil {
			return nil, err
		}
		return s.newLog(ctx, owned, primary)
	})
}

func (s *MultiLayerService) LastIndex(ctx context.Context, owned OwnedWorkerID) (Index, error) {
	result, err := s.primary.LastIndex(ctx, owned)
	if err != nil {
		return NoneIndex, err
	}
	if result != NoneIndex {
		return result, nil
	}
	for _, layer := range s.lower {
		idx, err := layer.LastIndex(ctx, owned)
		if err != nil {
			return NoneIndex, err
		}
		if idx != NoneIndex {
			return idx, nil
		}
	}
	return NoneIndex, nil
}

func (s *MultiLayerService) Delete(ctx context.Context, owned OwnedWorkerID) error {
	var merr *multierror.Error
	merr = multierror.Append(merr, s.primary.Delete(ctx, owned))
	for _, layer := range s.lower {
		merr = multierror.Append(merr, layer.Delete(ctx, owned))
	}
	s.logs.Remove(owned.Key())
	return merr.ErrorOrNil()
}

// Read falls through the layer chain: the primary result is complete when its first
// returned index equals the requested start; otherwise colder layers fill the gap up
// to the hottest index already seen.
func (s *MultiLayerService) Read(ctx context.Context, owned OwnedWorkerID, idx Index, n uint64) ([]Record, error) {
	if n == 0 {
		return nil, nil
	}
	collected := make(map[Index]Entry)

	remaining := int64(n)
	partial, err := s.primary.Read(ctx, owned, idx, uint64(remaining))
	if err != nil {
		return nil, err
	}
	fullMatch := false
	if len(partial) > 0 {
		firstIdx := partial[0].Index
		remaining = int64(firstIdx) - int64(idx)
		fullMatch = firstIdx == idx
	}
	for _, r := range partial {
		collected[r.Index] = r.Entry
	}

	if !fullMatch {
		for _, layer := range s.lower {
			partial, err := layer.Read(ctx, owned, idx, uint64(remaining))
			if err != nil {
				return nil, err
			}
			fullMatch = false
			if len(partial) > 0 {
				firstIdx := partial[0].Index
				remaining = int64(firstIdx) - int64(idx)
				fullMatch = firstIdx == idx
			}
			for _, r := range partial {
				collected[r.Index] = r.Entry
			}
			if fullMatch {
				break
			}
		}
	}

	result := make([]Record, 0, len(collected))
	for index, entry := range collected {
		result = append(result, Record{Index: index, Entry: entry})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })
	return result, nil
}

func (s *MultiLayerService) Exists(ctx context.Context, owned OwnedWorkerID) (bool, error) {
	exists, err := s.primary.Exists(ctx, owned)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}
	for _, layer := range s.lower {
		exists, err := layer.Exists(ctx, owned)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// Scan pages through the primary layer first, then each archive layer in turn. The
// cursor's layer field names the layer being enumerated.
func (s *MultiLayerService) Scan(ctx context.Context, accountID string, componentID uuid.UUID, cursor ScanCursor, count int64) (ScanCursor, []OwnedWorkerID, error) {
	switch {
	case cursor.Layer == 0:
		next, workers, err := s.primary.Scan(ctx, accountID, componentID, cursor, count)
		if err != nil {
			return ScanCursor{}, nil, err
		}
		if next.ActiveLayerFinished() {
			return ScanCursor{Cursor: 0, Layer: 1}, workers, nil
		}
		return next, workers, nil
	case cursor.Layer <= len(s.lower):
		layer := cursor.Layer
		next, workers, err := s.lower[layer-1].Scan(ctx, accountID, componentID, cursor.Cursor, count)
		if err != nil {
			return ScanCursor{}, nil, err
		}
		if next == 0 && layer+1 <= len(s.lower) {
			return ScanCursor{Cursor: 0, Layer: layer + 1}, workers, nil
		}
		if next == 0 {
			return ScanCursor{Cursor: 0, Layer: 0}, workers, nil
		}
		return ScanCursor{Cursor: next, Layer: layer}, workers, nil
	default:
		return ScanCursor{}, nil, fmt.Errorf("%w: %d", ErrInvalidCursor, cursor.Layer)
	}
}

func (s *MultiLayerService) UploadPayload(ctx context.Context, owned OwnedWorkerID, data []byte) (Payload, error) {
	return s.primary.UploadPayload(ctx, owned, data)
}

func (s *MultiLayerService) DownloadPayload(ctx context.Context, owned OwnedWorkerID, payload Payload) ([]byte, error) {
	return s.primary.DownloadPayload(ctx, owned, payload)
}

func (s *MultiLayerService) newLog(ctx context.Context, owned OwnedWorkerID, primary Log) (Log, error) {
	l := &MultiLayerLog{
		owned:   owned,
		service: s,
		primary: primary,
		queue:   newTransferQueue(),
		logger:  s.logger.WithField(logging.WorkerIDFieldKey, owned.Key()),
	}

	lower := make([]Archive, len(s.lower))
	for i, layerService := range s.lower {
		archive, err := layerService.Open(ctx, owned)
		if err != nil {
			primary.Close()
			return nil, err
		}
		if i != len(s.lower)-1 {
			// intermediate layers push entries onward once they grow past the limit
			wrapped, err := newWrappedArchive(ctx, i, archive, l, s.entryCountLimit)
			if err != nil {
				primary.Close()
				return nil, err
			}
			lower[i] = wrapped
		} else {
			lower[i] = archive
		}
	}
	l.lower = lower

	length, err := primary.Length(ctx)
	if err != nil {
		primary.Close()
		return nil, err
	}
	l.primaryLength.Store(length)

	taskCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.runTransfers(taskCtx)
	return l, nil
}

// MultiLayerLog is the writable handle of a worker's layered oplog. Writes go to the
// primary handle; a per-handle background goroutine migrates committed entries toward
// the colder layers.
type MultiLayerLog struct {
	owned   OwnedWorkerID
	service *MultiLayerService
	primary Log
	lower   []Archive
	queue   *transferQueue
	cancel  context.CancelFunc
	logger  logging.Logger

	primaryLength atomic.Uint64
}

func (l *MultiLayerLog) Add(ctx context.Context, entry Entry) error {
	if err := l.primary.Add(ctx, entry); err != nil {
		return err
	}
	l.primaryLength.Add(1)
	return nil
}

func (l *MultiLayerLog) AddAndCommit(ctx context.Context, entry Entry) (Index, error) {
	if err := l.Add(ctx, entry); err != nil {
		return NoneIndex, err
	}
	if err := l.Commit(ctx); err != nil {
		return NoneIndex, err
	}
	return l.CurrentIndex(), nil
}

func (l *MultiLayerLog) Commit(ctx context.Context) error {
	if err := l.primary.Commit(ctx); err != nil {
		return err
	}
	count := l.primaryLength.Load()
	if count >= l.service.entryCountLimit {
		current := l.primary.CurrentIndex()
		l.logger.WithField(logging.IndexFieldKey, uint64(current)).
			Debugf("enqueuing transfer of %d primary oplog entries to the next layer", count)
		l.enqueuePrimaryTransfer(current, nil)
		// reset so the counter does not re-trigger until the background transfer runs
		l.primaryLength.Store(0)
	}
	return nil
}

func (l *MultiLayerLog) enqueuePrimaryTransfer(upTo Index, done chan struct{}) {
	l.service.marks.set(0, l.owned.Key(), upTo)
	l.queue.push(transferMessage{kind: transferFromPrimary, upTo: upTo, done: done})
}

func (l *MultiLayerLog) enqueueLowerTransfer(source int, upTo Index, done chan struct{}) {
	l.service.marks.set(source+1, l.owned.Key(), upTo)
	l.queue.push(transferMessage{kind: transferFromLower, source: source, upTo: upTo, done: done})
}

func (l *MultiLayerLog) CurrentIndex() Index {
	return l.primary.CurrentIndex()
}

func (l *MultiLayerLog) WaitForReplicas(ctx context.Context, replicas int, timeout time.Duration) (bool, error) {
	return l.primary.WaitForReplicas(ctx, replicas, timeout)
}

func (l *MultiLayerLog) Read(ctx context.Context, idx Index) (Entry, error) {
	records, err := l.service.Read(ctx, l.owned, idx, 1)
	if err != nil {
		return Entry{}, err
	}
	if len(records) == 0 {
		return Entry{}, fmt.Errorf("oplog entry %d for %s: %w", idx, l.owned.Key(), ErrEntryNotFound)
	}
	return records[0].Entry, nil
}

func (l *MultiLayerLog) Length(ctx context.Context) (uint64, error) {
	total, err := l.primary.Length(ctx)
	if err != nil {
		return 0, err
	}
	for _, layer := range l.lower {
		length, err := layer.Length(ctx)
		if err != nil {
			return 0, err
		}
		total += length
	}
	return total, nil
}

func (l *MultiLayerLog) DropPrefix(ctx context.Context, lastDropped Index) error {
	if err := l.primary.DropPrefix(ctx, lastDropped); err != nil {
		return err
	}
	newLength, err := l.primary.Length(ctx)
	if err != nil {
		return err
	}
	if old := l.primaryLength.Load(); newLength < old {
		l.primaryLength.Store(newLength)
	}
	return nil
}

func (l *MultiLayerLog) UploadPayload(ctx context.Context, data []byte) (Payload, error) {
	return l.primary.UploadPayload(ctx, data)
}

func (l *MultiLayerLog) DownloadPayload(ctx context.Context, payload Payload) ([]byte, error) {
	return l.primary.DownloadPayload(ctx, payload)
}

func (l *MultiLayerLog) Close() {
	l.cancel()
	l.queue.close()
	for _, layer := range l.lower {
		layer.Close()
	}
	l.primary.Close()
}

// ArchiveNow pushes the hottest non-empty layer one level down. When blocking, it
// waits for the enqueued transfer to finish. Returns true while more archiving work
// remains (further layers still hold entries to push).
func (l *MultiLayerLog) ArchiveNow(ctx context.Context, blocking bool) (bool, error) {
	var done chan struct{}
	if blocking {
		done = make(chan struct{})
	}

	primaryLength, err := l.primary.Length(ctx)
	if err != nil {
		return false, err
	}
	var more bool
	if primaryLength > 0 {
		l.enqueuePrimaryTransfer(l.primary.CurrentIndex(), done)
		more = len(l.lower) > 1
	} else {
		firstNonEmpty := -1
		// the last layer is skipped, there is nowhere to transfer to from there
		for n := 0; n < len(l.lower)-1; n++ {
			length, err := l.lower[n].Length(ctx)
			if err != nil {
				return false, err
			}
			_, inbound := l.service.marks.pending(n, l.owned.Key())
			if length > 0 || inbound {
				firstNonEmpty = n
				break
			}
		}
		if firstNonEmpty == -1 {
			// fully archived
			return false, nil
		}
		upTo, err := l.lower[firstNonEmpty].CurrentIndex(ctx)
		if err != nil {
			return false, err
		}
		l.enqueueLowerTransfer(firstNonEmpty, upTo, done)
		more = firstNonEmpty < len(l.lower)-2
	}

	if blocking {
		select {
		case <-done:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return more, nil
}

// TryArchive invokes ArchiveNow when the log is a layered one. Returns false, nil
// when the handle has no archive layers.
func TryArchive(ctx context.Context, log Log, blocking bool) (bool, error) {
	ml, ok := unwrapMultiLayer(log)
	if !ok {
		return false, nil
	}
	return ml.ArchiveNow(ctx, blocking)
}

func unwrapMultiLayer(log Log) (*MultiLayerLog, bool) {
	switch l := log.(type) {
	case *MultiLayerLog:
		return l, true
	case *sharedLog:
		return unwrapMultiLayer(l.Log)
	default:
		return nil, false
	}
}

// runTransfers is the handle's background transfer loop. Failures are logged and leave
// the source layer untouched, so the next threshold crossing retries the transfer.
func (l *MultiLayerLog) runTransfers(ctx context.Context) {
	for {
		msg, ok := l.queue.pop()
		if !ok {
			return
		}
		var err error
		switch msg.kind {
		case transferFromPrimary:
			l.logger.WithField(logging.IndexFieldKey, uint64(msg.upTo)).
				Info("transferring primary oplog entries to the next layer")
			err = l.transferFromPrimary(ctx, msg.upTo)
		case transferFromLower:
			l.logger.WithFields(logging.Fields{
				logging.LayerFieldKey: msg.source,
				logging.IndexFieldKey: uint64(msg.upTo),
			}).Info("transferring oplog layer entries to the next layer")
			err = l.transferFromLower(ctx, msg.source, msg.upTo)
		}
		if err != nil {
			l.logger.WithError(err).Error("background oplog transfer failed")
		}
		if msg.done != nil {
			close(msg.done)
		}
	}
}

// transferFromPrimary moves the committed prefix up to upTo from the primary oplog
// into the hottest archive layer. The source prefix is dropped only after the append
// succeeded; on failure the entries stay in the primary oplog.
func (l *MultiLayerLog) transferFromPrimary(ctx context.Context, upTo Index) error {
	entries, err := l.service.primary.Read(ctx, l.owned, InitialIndex, uint64(upTo))
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		l.logger.Warn("no entries to transfer from the primary oplog")
		l.service.marks.clear(0, l.owned.Key(), upTo)
		return nil
	}
	lastDropped := entries[len(entries)-1].Index
	if err := l.lower[0].Append(ctx, entries); err != nil {
		return err
	}
	recordTransfer("0", len(entries))
	if err := l.primary.DropPrefix(ctx, lastDropped); err != nil {
		return err
	}
	if newLength, err := l.primary.Length(ctx); err == nil {
		if old := l.primaryLength.Load(); newLength < old {
			l.primaryLength.Store(newLength)
		}
	}
	l.service.marks.clear(0, l.owned.Key(), upTo)
	return nil
}

// transferFromLower moves the prefix up to upTo from one archive layer to the next
// colder one.
func (l *MultiLayerLog) transferFromLower(ctx context.Context, source int, upTo Index) error {
	src := l.lower[source]
	dst := l.lower[source+1]
	entries, err := src.ReadPrefix(ctx, upTo)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		l.logger.WithField(logging.LayerFieldKey, source).Warn("no entries to transfer from oplog layer")
		l.service.marks.clear(source+1, l.owned.Key(), upTo)
		return nil
	}
	lastDropped := entries[len(entries)-1].Index
	if err := dst.Append(ctx, entries); err != nil {
		return err
	}
	recordTransfer(strconv.Itoa(source+1), len(entries))
	if err := src.DropPrefix(ctx, lastDropped); err != nil {
		return err
	}
	l.service.marks.clear(source+1, l.owned.Key(), upTo)
	return nil
}

// wrappedArchive tracks the number of entries written to an intermediate layer and
// schedules a transfer to the next one when the limit is reached.
type wrappedArchive struct {
	layer           int
	inner           Archive
	owner           *MultiLayerLog
	entryCount      atomic.Uint64
	entryCountLimit uint64
}

func newWrappedArchive(ctx context.Context, layer int, inner Archive, owner *MultiLayerLog, entryCountLimit uint64) (*wrappedArchive, error) {
	w := &wrappedArchive{
		layer:           layer,
		inner:           inner,
		owner:           owner,
		entryCountLimit: entryCountLimit,
	}
	length, err := inner.Length(ctx)
	if err != nil {
		return nil, err
	}
	w.entryCount.Store(length)
	return w, nil
}

func (w *wrappedArchive) Read(ctx context.Context, idx Index, n uint64) ([]Record, error) {
	return w.inner.Read(ctx, idx, n)
}

func (w *wrappedArchive) ReadPrefix(ctx context.Context, lastIdx Index) ([]Record, error) {
	return w.inner.ReadPrefix(ctx, lastIdx)
}

func (w *wrappedArchive) Append(ctx context.Context, chunk []Record) error {
	if len(chunk) == 0 {
		return nil
	}
	lastIdx := chunk[len(chunk)-1].Index
	if err := w.inner.Append(ctx, chunk); err != nil {
		return err
	}
	count := w.entryCount.Add(uint64(len(chunk)))
	if count >= w.entryCountLimit {
		w.owner.logger.WithFields(logging.Fields{
			logging.LayerFieldKey: w.layer,
			logging.IndexFieldKey: uint64(lastIdx),
		}).Debug("enqueuing transfer of oplog layer entries to the next layer")
		w.owner.enqueueLowerTransfer(w.layer, lastIdx, nil)
		// reset so the counter does not re-trigger until the background transfer runs
		w.entryCount.Store(0)
	}
	return nil
}

func (w *wrappedArchive) CurrentIndex(ctx context.Context) (Index, error) {
	return w.inner.CurrentIndex(ctx)
}

func (w *wrappedArchive) DropPrefix(ctx context.Context, lastDropped Index) error {
	if err := w.inner.DropPrefix(ctx, lastDropped); err != nil {
		return err
	}
	newLength, err := w.inner.Length(ctx)
	if err != nil {
		return err
	}
	if old := w.entryCount.Load(); newLength < old {
		w.entryCount.Store(newLength)
	}
	return nil
}

func (w *wrappedArchive) Length(ctx context.Context) (uint64, error) {
	return w.inner.Length(ctx)
}

func (w *wrappedArchive) LastIndex(ctx context.Context) (Index, error) {
	return w.inner.LastIndex(ctx)
}

func (w *wrappedArchive) Close() {
	w.inner.Close()
}
