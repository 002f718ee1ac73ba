package debug_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	blobmem "github.com/duralog/duralog/pkg/blob/mem"
	"github.com/duralog/duralog/pkg/debug"
	"github.com/duralog/duralog/pkg/oplog"
	"github.com/duralog/duralog/pkg/store/mem"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type advanceCall struct {
	worker    string
	target    oplog.Index
	overrides map[oplog.Index]oplog.Entry
}

// fakeEngine replays instantly: Advance reaches exactly the requested target.
type fakeEngine struct {
	mu       sync.Mutex
	restarts map[string]int
	advances []advanceCall
	subs     map[string]chan debug.Event
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		restarts: make(map[string]int),
		subs:     make(map[string]chan debug.Event),
	}
}

func (e *fakeEngine) Advance(_ context.Context, owned oplog.OwnedWorkerID, target oplog.Index, overrides map[oplog.Index]oplog.Entry) (oplog.Index, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.advances = append(e.advances, advanceCall{worker: owned.Key(), target: target, overrides: overrides})
	return target, nil
}

func (e *fakeEngine) Restart(_ context.Context, owned oplog.OwnedWorkerID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.restarts[owned.Key()]++
	return nil
}

func (e *fakeEngine) Subscribe(owned oplog.OwnedWorkerID) (<-chan debug.Event, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan debug.Event, 16)
	e.subs[owned.Key()] = ch
	return ch, func() { close(ch) }, nil
}

func (e *fakeEngine) emit(owned oplog.OwnedWorkerID, event debug.Event) {
	e.mu.Lock()
	ch := e.subs[owned.Key()]
	e.mu.Unlock()
	ch <- event
}

func (e *fakeEngine) advanceTargets(worker string) []oplog.Index {
	e.mu.Lock()
	defer e.mu.Unlock()
	var targets []oplog.Index
	for _, call := range e.advances {
		if call.worker == worker {
			targets = append(targets, call.target)
		}
	}
	return targets
}

type captureNotifier struct {
	mu     sync.Mutex
	events []debug.Event
	lagged []uint64
	gate   chan struct{}
}

func (n *captureNotifier) EmitLogs(events []debug.Event) error {
	if n.gate != nil {
		<-n.gate
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, events...)
	return nil
}

func (n *captureNotifier) NotifyLogsLagged(count uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lagged = append(n.lagged, count)
	return nil
}

func (n *captureNotifier) messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	msgs := make([]string, len(n.events))
	for i, e := range n.events {
		msgs[i] = e.Message
	}
	return msgs
}

func (n *captureNotifier) laggedTotal() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	var total uint64
	for _, c := range n.lagged {
		total += c
	}
	return total
}

func testWorker(name string) oplog.OwnedWorkerID {
	return oplog.OwnedWorkerID{
		AccountID: "debug-account",
		WorkerID:  oplog.WorkerID{ComponentID: uuid.New(), WorkerName: name},
	}
}

// newDebugFixture builds a worker whose oplog has invocation boundaries at the given
// indices, all other entries being plain log lines.
func newDebugFixture(t *testing.T, owned oplog.OwnedWorkerID, lastIndex oplog.Index, boundaries ...oplog.Index) (*debug.Service, *fakeEngine) {
	t.Helper()
	ctx := context.Background()
	ps, err := oplog.NewPayloadStore(blobmem.New(), 1024)
	require.NoError(t, err)
	t.Cleanup(ps.Close)
	svc, err := oplog.NewPrimaryService(ctx, mem.NewStore(), ps, 1000)
	require.NoError(t, err)

	boundary := make(map[oplog.Index]bool, len(boundaries))
	for _, b := range boundaries {
		boundary[b] = true
	}

	log, err := svc.Create(ctx, owned, oplog.NewCreateEntry(owned.WorkerID, 1, nil, nil))
	require.NoError(t, err)
	defer log.Close()
	for idx := oplog.InitialIndex.Next(); idx <= lastIndex; idx = idx.Next() {
		entry := oplog.NewLog("info", "test", fmt.Sprintf("entry-%d", idx))
		if boundary[idx] {
			entry = oplog.Entry{Kind: oplog.KindExportedFunctionCompleted, Timestamp: time.Now().UTC()}
		}
		require.NoError(t, log.Add(ctx, entry))
	}
	require.NoError(t, log.Commit(ctx))

	engine := newFakeEngine()
	return debug.NewService(svc, engine), engine
}

func TestService_PlaybackSnapsToInvocationBoundary(t *testing.T) {
	ctx := context.Background()
	owned := testWorker("snapping")
	svc, _ := newDebugFixture(t, owned, 10, 5, 9)

	session, result, err := svc.Connect(ctx, owned, &captureNotifier{})
	require.NoError(t, err)
	defer svc.Terminate(session)
	require.Equal(t, oplog.Index(10), result.LastIndex)

	// 7 falls inside an invocation, playback continues to its boundary at 9
	reached, err := svc.Playback(ctx, session, 7, nil, true, 0)
	require.NoError(t, err)
	require.Equal(t, oplog.Index(9), reached)
	require.Equal(t, oplog.Index(9), svc.CurrentOplogIndex(session))

	// a target already at a boundary stays put
	reached, err = svc.Playback(ctx, session, 9, nil, true, 0)
	require.NoError(t, err)
	require.Equal(t, oplog.Index(9), reached)
}

func TestService_PlaybackNoBoundaryByLastIndex(t *testing.T) {
	ctx := context.Background()
	owned := testWorker("no-boundary")
	svc, _ := newDebugFixture(t, owned, 10, 5)

	session, _, err := svc.Connect(ctx, owned, &captureNotifier{})
	require.NoError(t, err)
	defer svc.Terminate(session)

	_, err = svc.Playback(ctx, session, 7, nil, true, 0)
	var debugErr *debug.Error
	require.ErrorAs(t, err, &debugErr)
	require.Equal(t, debug.KindValidation, debugErr.Kind)
	require.False(t, debugErr.TerminatesSession())
}

func TestService_PlaybackBackwardRequiresRewind(t *testing.T) {
	ctx := context.Background()
	owned := testWorker("backward")
	svc, _ := newDebugFixture(t, owned, 10, 5, 9)

	session, _, err := svc.Connect(ctx, owned, &captureNotifier{})
	require.NoError(t, err)
	defer svc.Terminate(session)

	_, err = svc.Playback(ctx, session, 9, nil, true, 0)
	require.NoError(t, err)

	_, err = svc.Playback(ctx, session, 5, nil, true, 0)
	var debugErr *debug.Error
	require.ErrorAs(t, err, &debugErr)
	require.Equal(t, debug.KindValidation, debugErr.Kind)
	require.Contains(t, debugErr.Message, "rewind")
}

func TestService_RewindReplaysFromZero(t *testing.T) {
	ctx := context.Background()
	owned := testWorker("rewind")
	svc, engine := newDebugFixture(t, owned, 10, 5, 9)

	session, _, err := svc.Connect(ctx, owned, &captureNotifier{})
	require.NoError(t, err)
	defer svc.Terminate(session)

	_, err = svc.Playback(ctx, session, 9, nil, true, 0)
	require.NoError(t, err)

	reached, err := svc.Rewind(ctx, session, 5, true, 0)
	require.NoError(t, err)
	require.Equal(t, oplog.Index(5), reached)
	require.Equal(t, 1, engine.restarts[owned.Key()])

	// replaying forward again reaches the same boundary with the same target
	reached, err = svc.Playback(ctx, session, 9, nil, true, 0)
	require.NoError(t, err)
	require.Equal(t, oplog.Index(9), reached)
	require.Equal(t, []oplog.Index{9, 5, 9}, engine.advanceTargets(owned.Key()))
}

func TestService_OverrideValidation(t *testing.T) {
	ctx := context.Background()
	owned := testWorker("overrides")
	svc, engine := newDebugFixture(t, owned, 10, 5, 9)

	session, _, err := svc.Connect(ctx, owned, &captureNotifier{})
	require.NoError(t, err)
	defer svc.Terminate(session)

	_, err = svc.Playback(ctx, session, 5, nil, true, 0)
	require.NoError(t, err)

	// overriding an index already replayed is rejected
	_, err = svc.Playback(ctx, session, 9, []debug.PlaybackOverride{
		{Index: 3, Entry: oplog.NewNoOp()},
	}, true, 0)
	var debugErr *debug.Error
	require.ErrorAs(t, err, &debugErr)
	require.Equal(t, debug.KindValidation, debugErr.Kind)

	// region markers cannot be overridden
	_, err = svc.Playback(ctx, session, 9, []debug.PlaybackOverride{
		{Index: 7, Entry: oplog.NewBeginAtomicRegion()},
	}, true, 0)
	require.ErrorAs(t, err, &debugErr)
	require.Equal(t, debug.KindValidation, debugErr.Kind)

	// a valid override is passed through to the engine
	_, err = svc.Playback(ctx, session, 9, []debug.PlaybackOverride{
		{Index: 7, Entry: oplog.NewNoOp()},
	}, true, 0)
	require.NoError(t, err)
	last := engine.advances[len(engine.advances)-1]
	require.Len(t, last.overrides, 1)
	require.Equal(t, oplog.KindNoOp, last.overrides[7].Kind)
}

func TestService_ConnectMissingWorker(t *testing.T) {
	ctx := context.Background()
	owned := testWorker("exists")
	svc, _ := newDebugFixture(t, owned, 5, 5)

	_, _, err := svc.Connect(ctx, testWorker("missing"), &captureNotifier{})
	var debugErr *debug.Error
	require.ErrorAs(t, err, &debugErr)
	require.Equal(t, debug.KindValidation, debugErr.Kind)
}

func TestService_ConnectConflictTerminates(t *testing.T) {
	ctx := context.Background()
	owned := testWorker("conflicted")
	svc, _ := newDebugFixture(t, owned, 5, 5)

	session, _, err := svc.Connect(ctx, owned, &captureNotifier{})
	require.NoError(t, err)
	defer svc.Terminate(session)

	_, _, err = svc.Connect(ctx, owned, &captureNotifier{})
	var debugErr *debug.Error
	require.ErrorAs(t, err, &debugErr)
	require.Equal(t, debug.KindConflict, debugErr.Kind)
	require.True(t, debugErr.TerminatesSession())

	// the worker becomes attachable again once the first session terminates
	svc.Terminate(session)
	session2, _, err := svc.Connect(ctx, owned, &captureNotifier{})
	require.NoError(t, err)
	svc.Terminate(session2)
}

func TestService_SessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	first := testWorker("first")
	second := testWorker("second")
	second.WorkerID.ComponentID = first.WorkerID.ComponentID

	ps, err := oplog.NewPayloadStore(blobmem.New(), 1024)
	require.NoError(t, err)
	defer ps.Close()
	oplogSvc, err := oplog.NewPrimaryService(ctx, mem.NewStore(), ps, 1000)
	require.NoError(t, err)
	for _, owned := range []oplog.OwnedWorkerID{first, second} {
		log, err := oplogSvc.Create(ctx, owned, oplog.NewCreateEntry(owned.WorkerID, 1, nil, nil))
		require.NoError(t, err)
		require.NoError(t, log.Commit(ctx))
		log.Close()
	}
	engine := newFakeEngine()
	svc := debug.NewService(oplogSvc, engine)

	firstNotifier := &captureNotifier{}
	secondNotifier := &captureNotifier{}
	firstSession, firstResult, err := svc.Connect(ctx, first, firstNotifier)
	require.NoError(t, err)
	defer svc.Terminate(firstSession)
	secondSession, secondResult, err := svc.Connect(ctx, second, secondNotifier)
	require.NoError(t, err)
	defer svc.Terminate(secondSession)

	require.NotEqual(t, firstResult.SessionID, secondResult.SessionID)

	engine.emit(first, debug.Event{Level: "info", Message: "first-only"})
	engine.emit(second, debug.Event{Level: "info", Message: "second-only"})

	require.Eventually(t, func() bool {
		return len(firstNotifier.messages()) == 1 && len(secondNotifier.messages()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"first-only"}, firstNotifier.messages())
	require.Equal(t, []string{"second-only"}, secondNotifier.messages())
}

func TestService_LaggedNotifications(t *testing.T) {
	ctx := context.Background()
	owned := testWorker("lagged")
	svc, engine := newDebugFixture(t, owned, 5, 5)

	notifier := &captureNotifier{gate: make(chan struct{})}
	session, _, err := svc.Connect(ctx, owned, notifier)
	require.NoError(t, err)
	defer svc.Terminate(session)

	// flood well past the forwarding buffer while delivery is blocked
	const flood = 300
	for i := 0; i < flood; i++ {
		engine.emit(owned, debug.Event{Level: "info", Message: fmt.Sprintf("line-%d", i)})
	}
	close(notifier.gate)

	require.Eventually(t, func() bool {
		return notifier.laggedTotal() > 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return uint64(len(notifier.messages()))+notifier.laggedTotal() == flood
	}, 5*time.Second, 10*time.Millisecond)
}

func TestService_ForkAtReplayedFrontier(t *testing.T) {
	ctx := context.Background()
	owned := testWorker("fork-src")
	svc, _ := newDebugFixture(t, owned, 10, 5, 9)

	session, _, err := svc.Connect(ctx, owned, &captureNotifier{})
	require.NoError(t, err)
	defer svc.Terminate(session)

	_, err = svc.Playback(ctx, session, 5, nil, true, 0)
	require.NoError(t, err)

	// forking beyond the replayed frontier is rejected
	err = svc.Fork(ctx, session, testWorker("fork-dst").WorkerID, 9)
	var debugErr *debug.Error
	require.ErrorAs(t, err, &debugErr)
	require.Equal(t, debug.KindValidation, debugErr.Kind)

	require.NoError(t, svc.Fork(ctx, session, testWorker("fork-dst").WorkerID, 5))
}
