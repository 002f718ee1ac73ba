package local

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/duralog/duralog/pkg/logging"
	"github.com/duralog/duralog/pkg/store"
	storeparams "github.com/duralog/duralog/pkg/store/params"
)

const (
	DriverName           = "local"
	DefaultDirectoryPath = "~/data/duralog/store"
	DefaultPrefetchSize  = 256

	keySeparator = byte(0)
	indexLen     = 8
)

var (
	driverLock    = &sync.Mutex{}
	connectionMap = make(map[string]*Store)
)

type Driver struct{}

type Store struct {
	db           *badger.DB
	logger       logging.Logger
	prefetchSize int
	path         string
	refCount     int
}

func normalizeDBParams(p *storeparams.Local) {
	if len(p.Path) == 0 {
		p.Path = DefaultDirectoryPath
	}
	if p.PrefetchSize <= 0 {
		p.PrefetchSize = DefaultPrefetchSize
	}
}

func (d *Driver) Open(ctx context.Context, params storeparams.Store) (store.Store, error) {
	driverLock.Lock()
	defer driverLock.Unlock()
	p := params.Local
	if p == nil {
		return nil, fmt.Errorf("missing %s settings: %w", DriverName, store.ErrDriverConfiguration)
	}
	normalizeDBParams(p)
	connection, ok := connectionMap[p.Path]
	if !ok {
		// no database open for this path
		var logger logging.Logger = logging.NullLogger{}
		if p.EnableLogging {
			logger = logging.FromContext(ctx).WithField(logging.StoreFieldKey, DriverName)
		}
		opts := badger.DefaultOptions(p.Path)
		opts.SyncWrites = p.SyncWrites
		opts.Logger = &BadgerLogger{logger}
		db, err := badger.Open(opts)
		if err != nil {
			return nil, fmt.Errorf("open badger database: %w", err)
		}
		connection = &Store{
			db:           db,
			logger:       logger,
			prefetchSize: p.PrefetchSize,
			path:         p.Path,
		}
		connectionMap[p.Path] = connection
	}
	connection.refCount++
	return connection, nil
}

//nolint:gochecknoinits
func init() {
	store.Register(DriverName, &Driver{})
}

// composeKey builds the badger key for (namespace, key, index). namespace and key are
// joined with a zero byte, followed by the big-endian index so lexicographic badger
// order matches index order.
func composeKey(namespace, key string, index uint64) []byte {
	buf := make([]byte, 0, len(namespace)+len(key)+2+indexLen)
	buf = append(buf, namespace...)
	buf = append(buf, keySeparator)
	buf = append(buf, key...)
	buf = append(buf, keySeparator)
	buf = binary.BigEndian.AppendUint64(buf, index)
	return buf
}

func composePrefix(namespace, key string) []byte {
	buf := make([]byte, 0, len(namespace)+len(key)+2)
	buf = append(buf, namespace...)
	buf = append(buf, keySeparator)
	buf = append(buf, key...)
	buf = append(buf, keySeparator)
	return buf
}

func indexFromKey(composed []byte) uint64 {
	return binary.BigEndian.Uint64(composed[len(composed)-indexLen:])
}

func (s *Store) Append(_ context.Context, namespace, key string, index uint64, value []byte) error {
	if key == "" {
		return store.ErrMissingKey
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(composeKey(namespace, key, index), value)
	})
	if err != nil {
		return fmt.Errorf("badger set: %w", err)
	}
	return nil
}

func (s *Store) Read(_ context.Context, namespace, key string, start, end uint64) ([]store.IndexedEntry, error) {
	var result []store.IndexedEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = s.prefetchSize
		opts.Prefix = composePrefix(namespace, key)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(composeKey(namespace, key, start)); it.Valid(); it.Next() {
			item := it.Item()
			index := indexFromKey(item.Key())
			if index > end {
				break
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			result = append(result, store.IndexedEntry{Index: index, Value: value})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger read: %w", err)
	}
	return result, nil
}

func (s *Store) DropPrefix(ctx context.Context, namespace, key string, lastDropped uint64) error {
	keys, err := s.collectKeys(namespace, key, lastDropped)
	if err != nil {
		return err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("badger delete: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badger flush: %w", err)
	}
	return nil
}

// collectKeys lists the badger keys under (namespace, key) with index <= upTo.
func (s *Store) collectKeys(namespace, key string, upTo uint64) ([][]byte, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = composePrefix(namespace, key)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			composed := it.Item().KeyCopy(nil)
			if indexFromKey(composed) > upTo {
				break
			}
			keys = append(keys, composed)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger scan: %w", err)
	}
	return keys, nil
}

func (s *Store) Length(_ context.Context, namespace, key string) (uint64, error) {
	var count uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = composePrefix(namespace, key)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger scan: %w", err)
	}
	return count, nil
}

func (s *Store) FirstIndex(_ context.Context, namespace, key string) (uint64, error) {
	return s.edgeIndex(namespace, key, false)
}

func (s *Store) LastIndex(_ context.Context, namespace, key string) (uint64, error) {
	return s.edgeIndex(namespace, key, true)
}

func (s *Store) edgeIndex(namespace, key string, reverse bool) (uint64, error) {
	var index uint64
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = reverse
		prefix := composePrefix(namespace, key)
		it := txn.NewIterator(opts)
		defer it.Close()
		if reverse {
			// seek past the largest possible index under the prefix
			it.Seek(composeKey(namespace, key, ^uint64(0)))
		} else {
			it.Seek(prefix)
		}
		if it.Valid() && bytes.HasPrefix(it.Item().Key(), prefix) {
			index = indexFromKey(it.Item().Key())
			found = true
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger scan: %w", err)
	}
	if !found {
		return 0, store.ErrNotFound
	}
	return index, nil
}

func (s *Store) Exists(ctx context.Context, namespace, key string) (bool, error) {
	_, err := s.FirstIndex(ctx, namespace, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	return s.DropPrefix(ctx, namespace, key, ^uint64(0))
}

func (s *Store) Scan(_ context.Context, namespace, pattern string, cursor uint64, count int64) (uint64, []string, error) {
	seen := make(map[string]bool)
	var keys []string
	nsPrefix := append([]byte(namespace), keySeparator)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = nsPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			composed := it.Item().Key()
			rest := composed[len(nsPrefix) : len(composed)-indexLen-1]
			k := string(rest)
			if seen[k] {
				continue
			}
			seen[k] = true
			matched, err := path.Match(pattern, k)
			if err != nil {
				return err
			}
			if matched {
				keys = append(keys, k)
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, fmt.Errorf("badger scan: %w", err)
	}
	sort.Strings(keys)
	if cursor >= uint64(len(keys)) {
		return 0, nil, nil
	}
	if count <= 0 {
		count = int64(len(keys))
	}
	end := cursor + uint64(count)
	if end >= uint64(len(keys)) {
		return 0, keys[cursor:], nil
	}
	return end, keys[cursor:end], nil
}

func (s *Store) NumberOfReplicas(_ context.Context) (int, error) {
	return 0, nil
}

func (s *Store) WaitForReplicas(_ context.Context, _ int, _ time.Duration) (int, error) {
	return 0, nil
}

func (s *Store) Close() {
	driverLock.Lock()
	defer driverLock.Unlock()
	if s.refCount > 0 {
		s.refCount--
	}
	if s.refCount == 0 {
		if err := s.db.Close(); err != nil {
			s.logger.WithError(err).Error("failed to close badger database")
		}
		delete(connectionMap, s.path)
	}
}

// BadgerLogger routes badger's internal logging through our logger.
type BadgerLogger struct {
	logging.Logger
}

func (l *BadgerLogger) Warningf(fmt string, args ...interface{}) {
	l.Warnf(fmt, args...)
}
