package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	storeparams "github.com/duralog/duralog/pkg/store/params"
)

var (
	ErrConnectFailed       = errors.New("connect failed")
	ErrDriverConfiguration = errors.New("driver configuration")
	ErrMissingKey          = errors.New("missing key")
	ErrNotFound            = errors.New("not found")
	ErrOperationFailed     = errors.New("operation failed")
	ErrUnknownDriver       = errors.New("unknown driver")
)

// Driver is the interface to access an indexed database as a Store.
// Each provider implements a Driver.
type Driver interface {
	// Open opens access to the database store. Implementations give access to the same
	// storage based on the params. Implementation can return the same Store instance
	// as long as it provides access to the same storage.
	Open(ctx context.Context, params storeparams.Store) (Store, error)
}

// IndexedEntry is a single stored record: an index paired with an opaque value.
type IndexedEntry struct {
	Index uint64
	Value []byte
}

// Store is an append-only indexed store. Records live under (namespace, key) and are
// ordered by a monotonically increasing uint64 index. Indices are assigned by the
// caller and are never reused after a drop.
type Store interface {
	// Append stores value under (namespace, key) at index. Appending at an index that
	// already holds a value overwrites it.
	Append(ctx context.Context, namespace, key string, index uint64, value []byte) error

	// Read returns the entries in [start, end] (inclusive), ordered by index.
	// Missing indices inside the range are simply absent from the result.
	Read(ctx context.Context, namespace, key string, start, end uint64) ([]IndexedEntry, error)

	// DropPrefix deletes all entries with index <= lastDropped.
	DropPrefix(ctx context.Context, namespace, key string, lastDropped uint64) error

	// Length returns the number of stored entries under (namespace, key).
	Length(ctx context.Context, namespace, key string) (uint64, error)

	// FirstIndex returns the smallest stored index, or ErrNotFound when empty.
	FirstIndex(ctx context.Context, namespace, key string) (uint64, error)

	// LastIndex returns the largest stored index, or ErrNotFound when empty.
	LastIndex(ctx context.Context, namespace, key string) (uint64, error)

	// Exists reports whether (namespace, key) holds at least one entry.
	Exists(ctx context.Context, namespace, key string) (bool, error)

	// Delete removes the key and all its entries. No error if the key doesn't exist.
	Delete(ctx context.Context, namespace, key string) error

	// Scan enumerates keys in the namespace matching a glob pattern. cursor is an opaque
	// position returned by a previous call, 0 starts a new scan; the returned cursor is 0
	// when the scan is complete. count is a hint for the page size.
	Scan(ctx context.Context, namespace, pattern string, cursor uint64, count int64) (uint64, []string, error)

	// NumberOfReplicas returns how many replicas currently follow this store.
	// Non-replicated stores return 0.
	NumberOfReplicas(ctx context.Context) (int, error)

	// WaitForReplicas blocks until n replicas acknowledged all preceding writes, or the
	// timeout elapsed. Returns the number of replicas that acknowledged.
	WaitForReplicas(ctx context.Context, n int, timeout time.Duration) (int, error)

	// Close access to the database store. After calling Close the instance is unusable.
	Close()
}

// map drivers implementation
var (
	drivers   = make(map[string]Driver)
	driversMu sync.RWMutex
)

// Register 'driver' implementation under 'name'. Panic in case of empty name, nil driver
// or name already registered.
func Register(name string, driver Driver) {
	if name == "" {
		panic("store register name is missing")
	}
	if driver == nil {
		panic("store Register driver is nil")
	}
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, found := drivers[name]; found {
		panic("store Register driver already registered " + name)
	}
	drivers[name] = driver
}

// UnregisterAllDrivers remove all loaded drivers, used for test code.
func UnregisterAllDrivers() {
	driversMu.Lock()
	defer driversMu.Unlock()
	for k := range drivers {
		delete(drivers, k)
	}
}

// Open lookup driver with params.Type and return an open Store.
// Failed with ErrUnknownDriver in case params.Type is not registered.
func Open(ctx context.Context, params storeparams.Store) (Store, error) {
	driversMu.RLock()
	d, ok := drivers[params.Type]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, params.Type)
	}
	return d.Open(ctx, params)
}

// Drivers returns a list of registered driver names
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	return names
}
