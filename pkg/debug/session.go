package debug

import (
	"sync"
	"sync/atomic"

	"github.com/duralog/duralog/pkg/oplog"
	"github.com/puzpuzpuz/xsync"
	"github.com/rs/xid"
)

const (
	// eventBufferSize bounds the per-session forwarding buffer. Events beyond it
	// are dropped and reported through a lagged notification.
	eventBufferSize = 128

	// maxLogBatch caps the number of events delivered in one emit-logs notification.
	maxLogBatch = 32
)

// Notifier receives the session's asynchronous notifications. Delivery is decoupled
// from request handling; a slow notifier only delays its own notifications.
type Notifier interface {
	// EmitLogs delivers a batch of replay log events.
	EmitLogs(events []Event) error

	// NotifyLogsLagged reports that count events were dropped because the
	// forwarding buffer was full.
	NotifyLogsLagged(count uint64) error
}

// Session is one connected debug session, attached to exactly one worker. A worker
// can be attached to at most one session at a time.
type Session struct {
	ID    string
	Owned oplog.OwnedWorkerID

	mu           sync.Mutex
	currentIndex oplog.Index
	replaying    bool

	lagged      atomic.Uint64
	buf         chan Event
	unsubscribe func()
	closeOnce   sync.Once
}

func newSession(owned oplog.OwnedWorkerID, events <-chan Event, unsubscribe func(), notifier Notifier) *Session {
	s := &Session{
		ID:           xid.New().String(),
		Owned:        owned,
		currentIndex: oplog.NoneIndex,
		buf:          make(chan Event, eventBufferSize),
		unsubscribe:  unsubscribe,
	}
	go s.pump(events)
	go s.forward(notifier)
	return s
}

// pump moves events from the engine subscription into the bounded buffer, counting
// instead of blocking when the buffer is full.
func (s *Session) pump(events <-chan Event) {
	for event := range events {
		select {
		case s.buf <- event:
		default:
			s.lagged.Add(1)
		}
	}
	close(s.buf)
}

// forward batches buffered events into emit-logs notifications, preceded by a lagged
// notification whenever events were dropped since the last delivery.
func (s *Session) forward(notifier Notifier) {
	for event, ok := <-s.buf; ok; event, ok = <-s.buf {
		batch := []Event{event}
	drain:
		for len(batch) < maxLogBatch {
			select {
			case next, more := <-s.buf:
				if !more {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		if count := s.lagged.Swap(0); count > 0 {
			if err := notifier.NotifyLogsLagged(count); err != nil {
				return
			}
		}
		if err := notifier.EmitLogs(batch); err != nil {
			return
		}
	}
}

// CurrentIndex returns the index the worker has replayed to.
func (s *Session) CurrentIndex() oplog.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentIndex
}

func (s *Session) setCurrentIndex(idx oplog.Index) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentIndex = idx
}

// beginReplay marks a playback or rewind as in flight. At most one may run per
// session at a time.
func (s *Session) beginReplay() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaying {
		return Validationf("a playback or rewind is already in progress for worker %s", s.Owned.WorkerID)
	}
	s.replaying = true
	return nil
}

func (s *Session) endReplay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaying = false
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})
}

// sessionRegistry enforces the one-session-per-worker invariant.
type sessionRegistry struct {
	sessions *xsync.MapOf[string, *Session]
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: xsync.NewMapOf[*Session]()}
}

// attach registers the session for its worker; fails when the worker is already
// attached to another session.
func (r *sessionRegistry) attach(s *Session) error {
	if _, loaded := r.sessions.LoadOrStore(s.Owned.Key(), s); loaded {
		return Conflictf("worker %s is already being debugged", s.Owned.WorkerID)
	}
	return nil
}

func (r *sessionRegistry) detach(s *Session) {
	r.sessions.Delete(s.Owned.Key())
}
