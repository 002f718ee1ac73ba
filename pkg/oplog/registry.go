package oplog

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync"
	"golang.org/x/sync/singleflight"
)

// openLogs keeps at most one open Log handle per worker. Concurrent opens of the same
// worker are collapsed into a single construction; the handle is shared and torn down
// when the last owner closes it.
type openLogs struct {
	name  string
	group singleflight.Group
	logs  *xsync.MapOf[string, *sharedLog]
}

func newOpenLogs(name string) *openLogs {
	return &openLogs{
		name: name,
		logs: xsync.NewMapOf[*sharedLog](),
	}
}

// logConstructor builds the underlying Log. The close callback must be invoked by the
// registry exactly once, when the last owner releases the handle.
type logConstructor func(ctx context.Context) (Log, error)

// GetOrOpen returns the worker's shared handle, constructing it if needed. Each
// successful call owns one reference; Close on the returned Log releases it.
func (o *openLogs) GetOrOpen(ctx context.Context, key string, construct logConstructor) (Log, error) {
	for {
		v, err, _ := o.group.Do(key, func() (interface{}, error) {
			if existing, ok := o.logs.Load(key); ok {
				return existing, nil
			}
			inner, err := construct(ctx)
			if err != nil {
				return nil, err
			}
			created := &sharedLog{Log: inner, registry: o, key: key}
			o.logs.Store(key, created)
			return created, nil
		})
		if err != nil {
			return nil, err
		}
		shared := v.(*sharedLog)
		if shared.acquire() {
			return shared, nil
		}
		// lost a race with the last owner closing the handle, construct a fresh one
		o.group.Forget(key)
	}
}

// Remove detaches the worker's handle from the registry without closing it, used when
// the oplog is deleted underneath its owners.
func (o *openLogs) Remove(key string) {
	o.logs.Delete(key)
}

// sharedLog is a reference-counted wrapper around a Log handle.
type sharedLog struct {
	Log
	registry *openLogs
	key      string

	mu     sync.Mutex
	refs   int
	closed bool
}

func (s *sharedLog) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.refs++
	return true
}

func (s *sharedLog) Close() {
	s.mu.Lock()
	s.refs--
	last := s.refs == 0 && !s.closed
	if last {
		s.closed = true
	}
	s.mu.Unlock()
	if last {
		s.registry.logs.Delete(s.key)
		s.Log.Close()
	}
}
