package oplog

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// WorkerID identifies a worker instance of a deployed component.
type WorkerID struct {
	ComponentID uuid.UUID `json:"component_id"`
	WorkerName  string    `json:"worker_name"`
}

// String formats the worker id as the storage key "component-id:worker-name".
func (w WorkerID) String() string {
	return w.ComponentID.String() + ":" + w.WorkerName
}

// ParseWorkerID parses a "component-id:worker-name" storage key.
func ParseWorkerID(s string) (WorkerID, error) {
	componentPart, workerName, found := strings.Cut(s, ":")
	if !found || workerName == "" {
		return WorkerID{}, fmt.Errorf("invalid worker id %q", s)
	}
	componentID, err := uuid.Parse(componentPart)
	if err != nil {
		return WorkerID{}, fmt.Errorf("invalid component id in worker id %q: %w", s, err)
	}
	return WorkerID{ComponentID: componentID, WorkerName: workerName}, nil
}

// OwnedWorkerID is a worker id qualified by the owning account.
type OwnedWorkerID struct {
	AccountID string   `json:"account_id"`
	WorkerID  WorkerID `json:"worker_id"`
}

// Key returns the indexed-store key for this worker's oplog.
func (o OwnedWorkerID) Key() string {
	return o.WorkerID.String()
}

func (o OwnedWorkerID) String() string {
	return o.AccountID + "/" + o.WorkerID.String()
}

// ScanCursor tracks a paged worker enumeration across oplog layers. Layer 0 is the
// primary oplog, layer n > 0 is the n-th archive layer.
type ScanCursor struct {
	Cursor uint64 `json:"cursor"`
	Layer  int    `json:"layer"`
}

// ActiveLayerFinished reports whether the current layer has been fully enumerated.
func (c ScanCursor) ActiveLayerFinished() bool {
	return c.Cursor == 0
}

// Done reports whether the whole scan finished.
func (c ScanCursor) Done() bool {
	return c.Cursor == 0 && c.Layer == 0
}
