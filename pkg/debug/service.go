package debug

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/duralog/duralog/pkg/logging"
	"github.com/duralog/duralog/pkg/oplog"
)

// defaultReplicaTimeout bounds how long playback and rewind wait for replica
// acknowledgement when the caller requested one.
const defaultReplicaTimeout = 10 * time.Second

// PlaybackOverride substitutes the recorded entry at the given index before replay
// reaches it.
type PlaybackOverride struct {
	Index oplog.Index `json:"index"`
	Entry oplog.Entry `json:"entry"`
}

// ConnectResult is returned to the client after a successful connect.
type ConnectResult struct {
	SessionID string         `json:"session_id"`
	WorkerID  oplog.WorkerID `json:"worker_id"`
	LastIndex oplog.Index    `json:"last_index"`
	Message   string         `json:"message"`
}

// Service implements the debug protocol operations against a worker's oplog and its
// replay engine. Sessions are created by Connect and torn down by Terminate.
type Service struct {
	oplogs         oplog.Service
	engine         Engine
	sessions       *sessionRegistry
	replicaTimeout time.Duration
	logger         logging.Logger
}

func NewService(oplogs oplog.Service, engine Engine) *Service {
	return &Service{
		oplogs:         oplogs,
		engine:         engine,
		sessions:       newSessionRegistry(),
		replicaTimeout: defaultReplicaTimeout,
		logger:         logging.Default().WithField(logging.ServiceNameFieldKey, "debug"),
	}
}

// Connect attaches a new session to an existing worker and starts forwarding its
// replay events to the notifier.
func (s *Service) Connect(ctx context.Context, owned oplog.OwnedWorkerID, notifier Notifier) (*Session, ConnectResult, error) {
	exists, err := s.oplogs.Exists(ctx, owned)
	if err != nil {
		return nil, ConnectResult{}, Internalf(err, "check worker %s", owned.WorkerID)
	}
	if !exists {
		return nil, ConnectResult{}, Validationf("worker %s does not exist", owned.WorkerID)
	}
	lastIndex, err := s.oplogs.LastIndex(ctx, owned)
	if err != nil {
		return nil, ConnectResult{}, Internalf(err, "get last index of worker %s", owned.WorkerID)
	}

	events, unsubscribe, err := s.engine.Subscribe(owned)
	if err != nil {
		return nil, ConnectResult{}, Internalf(err, "subscribe to worker %s", owned.WorkerID)
	}
	session := newSession(owned, events, unsubscribe, notifier)
	if err := s.sessions.attach(session); err != nil {
		session.close()
		return nil, ConnectResult{}, err
	}

	s.logger.WithContext(ctx).WithFields(logging.Fields{
		logging.SessionIDFieldKey: session.ID,
		logging.WorkerIDFieldKey:  owned.Key(),
	}).Info("debug session connected")

	return session, ConnectResult{
		SessionID: session.ID,
		WorkerID:  owned.WorkerID,
		LastIndex: lastIndex,
		Message:   fmt.Sprintf("worker %s connected", owned.WorkerID),
	}, nil
}

// Terminate releases the session's worker attachment and event subscription.
func (s *Service) Terminate(session *Session) {
	s.sessions.detach(session)
	session.close()
	s.logger.WithFields(logging.Fields{
		logging.SessionIDFieldKey: session.ID,
		logging.WorkerIDFieldKey:  session.Owned.Key(),
	}).Info("debug session terminated")
}

// Playback replays the worker forward to the target index. With ensureBoundary the
// target snaps forward to the next invocation boundary, so the caller only ever
// observes complete invocations. Returns the index actually reached.
func (s *Service) Playback(ctx context.Context, session *Session, target oplog.Index, overrides []PlaybackOverride, ensureBoundary bool, replicas int) (oplog.Index, error) {
	if target == oplog.NoneIndex {
		return oplog.NoneIndex, Validationf("invalid playback target index %d", target)
	}
	if err := session.beginReplay(); err != nil {
		return oplog.NoneIndex, err
	}
	defer session.endReplay()

	current := session.CurrentIndex()
	last, err := s.oplogs.LastIndex(ctx, session.Owned)
	if err != nil {
		return oplog.NoneIndex, Internalf(err, "get last index of worker %s", session.Owned.WorkerID)
	}

	newTarget := target
	if ensureBoundary {
		newTarget, err = TargetIndexAtInvocationBoundary(ctx, s.oplogs, session.Owned, target, last)
		if err != nil {
			return oplog.NoneIndex, err
		}
	}
	if newTarget < current {
		return oplog.NoneIndex, Validationf(
			"playback target %d is behind the current index %d, use rewind instead", target, current)
	}
	validated, err := validateOverrides(overrides, current)
	if err != nil {
		return oplog.NoneIndex, err
	}

	reached, err := s.engine.Advance(ctx, session.Owned, newTarget, validated)
	if err != nil {
		return oplog.NoneIndex, Internalf(err, "playback of worker %s to index %d", session.Owned.WorkerID, newTarget)
	}
	session.setCurrentIndex(reached)

	if err := s.waitForReplicas(ctx, session.Owned, replicas); err != nil {
		return reached, err
	}
	return reached, nil
}

// Rewind moves the worker backward to the target index by discarding all in-memory
// execution state and replaying from the beginning of the oplog. Repeated rewinds to
// the same index are idempotent.
func (s *Service) Rewind(ctx context.Context, session *Session, target oplog.Index, ensureBoundary bool, replicas int) (oplog.Index, error) {
	if target == oplog.NoneIndex {
		return oplog.NoneIndex, Validationf("invalid rewind target index %d", target)
	}
	if err := session.beginReplay(); err != nil {
		return oplog.NoneIndex, err
	}
	defer session.endReplay()

	current := session.CurrentIndex()
	newTarget := target
	if ensureBoundary {
		var err error
		newTarget, err = TargetIndexAtInvocationBoundary(ctx, s.oplogs, session.Owned, target, current)
		if err != nil {
			return oplog.NoneIndex, err
		}
	}
	if newTarget >= current {
		return oplog.NoneIndex, Validationf(
			"rewind target %d (at an invocation boundary) is not behind the current index %d, use playback instead",
			newTarget, current)
	}

	if err := s.engine.Restart(ctx, session.Owned); err != nil {
		return oplog.NoneIndex, Internalf(err, "restart of worker %s", session.Owned.WorkerID)
	}
	session.setCurrentIndex(oplog.NoneIndex)

	reached, err := s.engine.Advance(ctx, session.Owned, newTarget, nil)
	if err != nil {
		return oplog.NoneIndex, Internalf(err, "rewind of worker %s to index %d", session.Owned.WorkerID, newTarget)
	}
	session.setCurrentIndex(reached)

	if err := s.waitForReplicas(ctx, session.Owned, replicas); err != nil {
		return reached, err
	}
	return reached, nil
}

// Fork copies the session's worker up to and including cutOff into a new worker under
// the same account. The cut-off must not exceed the index the session has replayed to.
func (s *Service) Fork(ctx context.Context, session *Session, targetWorker oplog.WorkerID, cutOff oplog.Index) error {
	if cutOff == oplog.NoneIndex || cutOff > session.CurrentIndex() {
		return Validationf("fork cut-off %d is beyond the replayed frontier %d", cutOff, session.CurrentIndex())
	}
	target := oplog.OwnedWorkerID{AccountID: session.Owned.AccountID, WorkerID: targetWorker}
	err := oplog.Fork(ctx, s.oplogs, session.Owned, target, cutOff)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, oplog.ErrWorkerExists),
		errors.Is(err, oplog.ErrWorkerNotFound),
		errors.Is(err, oplog.ErrInvalidCutOff):
		return &Error{Kind: KindValidation, Message: err.Error(), Err: err}
	default:
		return Internalf(err, "fork worker %s to %s", session.Owned.WorkerID, targetWorker)
	}
}

// CurrentOplogIndex returns the index the session's worker has replayed to. Callers
// poll it to observe asynchronous playback progress.
func (s *Service) CurrentOplogIndex(session *Session) oplog.Index {
	return session.CurrentIndex()
}

func (s *Service) waitForReplicas(ctx context.Context, owned oplog.OwnedWorkerID, replicas int) error {
	if replicas <= 0 {
		return nil
	}
	log, err := s.oplogs.Open(ctx, owned)
	if err != nil {
		return Internalf(err, "open oplog of worker %s", owned.WorkerID)
	}
	defer log.Close()
	ok, err := log.WaitForReplicas(ctx, replicas, s.replicaTimeout)
	if err != nil {
		return Internalf(err, "wait for %d replicas of worker %s", replicas, owned.WorkerID)
	}
	if !ok {
		return Internalf(nil, "replica acknowledgement for worker %s timed out", owned.WorkerID)
	}
	return nil
}

// TargetIndexAtInvocationBoundary snaps target forward to the index of the next
// exported-function-completed entry, scanning no further than last. Playback and
// rewind may only stop at such boundaries.
func TargetIndexAtInvocationBoundary(ctx context.Context, svc oplog.Service, owned oplog.OwnedWorkerID, target, last oplog.Index) (oplog.Index, error) {
	for idx := target; ; idx = idx.Next() {
		records, err := svc.Read(ctx, owned, idx, 1)
		if err != nil {
			return oplog.NoneIndex, Internalf(err, "read oplog entry %d of worker %s", idx, owned.WorkerID)
		}
		if len(records) > 0 && records[0].Index == idx && records[0].Entry.IsInvocationBoundary() {
			return idx, nil
		}
		if idx >= last {
			return oplog.NoneIndex, Validationf(
				"invocation boundary not found, set an oplog index that is not in the middle of an incomplete invocation, last oplog index: %d", last)
		}
	}
}

func validateOverrides(overrides []PlaybackOverride, current oplog.Index) (map[oplog.Index]oplog.Entry, error) {
	if len(overrides) == 0 {
		return nil, nil
	}
	validated := make(map[oplog.Index]oplog.Entry, len(overrides))
	for _, o := range overrides {
		if o.Index <= current {
			return nil, Validationf("cannot override oplog entries at or before the current index %d", current)
		}
		switch o.Entry.Kind {
		case oplog.KindBeginAtomicRegion, oplog.KindEndAtomicRegion,
			oplog.KindBeginRemoteWrite, oplog.KindEndRemoteWrite:
			return nil, Validationf("oplog entries of kind %s cannot be overridden", o.Entry.Kind)
		}
		validated[o.Index] = o.Entry
	}
	return validated, nil
}
