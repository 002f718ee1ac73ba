package debug

import (
	"context"
	"sync"

	"github.com/duralog/duralog/pkg/oplog"
)

const replayPageSize = 256

// LogReplayer is an Engine that replays a worker by walking its oplog. It applies no
// guest-side effects; log entries encountered during replay are emitted to
// subscribers. It serves as the engine backend when no guest runtime is attached.
type LogReplayer struct {
	oplogs oplog.Service

	mu          sync.Mutex
	positions   map[string]oplog.Index
	subscribers map[string][]chan Event
}

func NewLogReplayer(oplogs oplog.Service) *LogReplayer {
	return &LogReplayer{
		oplogs:      oplogs,
		positions:   make(map[string]oplog.Index),
		subscribers: make(map[string][]chan Event),
	}
}

func (r *LogReplayer) Advance(ctx context.Context, owned oplog.OwnedWorkerID, target oplog.Index, overrides map[oplog.Index]oplog.Entry) (oplog.Index, error) {
	r.mu.Lock()
	position := r.positions[owned.Key()]
	r.mu.Unlock()

	for position < target {
		start := position.Next()
		n := uint64(target) - uint64(position)
		if n > replayPageSize {
			n = replayPageSize
		}
		records, err := r.oplogs.Read(ctx, owned, start, n)
		if err != nil {
			return position, err
		}
		if len(records) == 0 {
			break
		}
		for _, record := range records {
			entry := record.Entry
			if override, ok := overrides[record.Index]; ok {
				entry = override
			}
			if entry.Kind == oplog.KindLog {
				r.publish(owned, Event{
					Level:   entry.LogLevel,
					Context: entry.LogContext,
					Message: entry.Message,
				})
			}
			position = record.Index
		}
	}

	r.mu.Lock()
	r.positions[owned.Key()] = position
	r.mu.Unlock()
	return position, nil
}

func (r *LogReplayer) Restart(_ context.Context, owned oplog.OwnedWorkerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions[owned.Key()] = oplog.NoneIndex
	return nil
}

func (r *LogReplayer) Subscribe(owned oplog.OwnedWorkerID) (<-chan Event, func(), error) {
	ch := make(chan Event, eventBufferSize)
	r.mu.Lock()
	r.subscribers[owned.Key()] = append(r.subscribers[owned.Key()], ch)
	r.mu.Unlock()

	unsubscribe := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		subs := r.subscribers[owned.Key()]
		for i, sub := range subs {
			if sub == ch {
				r.subscribers[owned.Key()] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, unsubscribe, nil
}

func (r *LogReplayer) publish(owned oplog.OwnedWorkerID, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subscribers[owned.Key()] {
		select {
		case ch <- event:
		default:
			// subscriber buffers are bounded, the session reports lag itself
		}
	}
}
