package debug

import (
	"context"

	"github.com/duralog/duralog/pkg/oplog"
)

// Event is one log line produced by a worker during replay, forwarded to the
// session's client.
type Event struct {
	Level   string `json:"level"`
	Context string `json:"context,omitempty"`
	Message string `json:"message"`
}

// Engine drives a worker's deterministic replay. The actual guest execution runtime
// sits behind this interface; the debug service only steers its position in the oplog.
type Engine interface {
	// Advance replays the worker forward from its current position until the
	// target index is reached and returns the index actually reached. Overridden
	// entries substitute the recorded outcome before replay reaches them.
	Advance(ctx context.Context, owned oplog.OwnedWorkerID, target oplog.Index, overrides map[oplog.Index]oplog.Entry) (oplog.Index, error)

	// Restart discards all in-memory execution state of the worker so the next
	// Advance replays from the beginning of the oplog.
	Restart(ctx context.Context, owned oplog.OwnedWorkerID) error

	// Subscribe returns the worker's live event stream and a function releasing
	// the subscription. The channel is closed when the subscription is released.
	Subscribe(owned oplog.OwnedWorkerID) (<-chan Event, func(), error)
}
