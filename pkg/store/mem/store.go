package mem

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/duralog/duralog/pkg/store"
	storeparams "github.com/duralog/duralog/pkg/store/params"
)

const DriverName = "mem"

type Driver struct{}

type Store struct {
	mu sync.RWMutex
	// namespace -> key -> entries ordered by index
	data map[string]map[string][]store.IndexedEntry
}

func (d *Driver) Open(_ context.Context, _ storeparams.Store) (store.Store, error) {
	return NewStore(), nil
}

func NewStore() *Store {
	return &Store{
		data: make(map[string]map[string][]store.IndexedEntry),
	}
}

//nolint:gochecknoinits
func init() {
	store.Register(DriverName, &Driver{})
}

// searchIndex returns the position of index in entries, or the position it would be
// inserted at, and whether it was found.
func searchIndex(entries []store.IndexedEntry, index uint64) (int, bool) {
	pos := sort.Search(len(entries), func(i int) bool {
		return entries[i].Index >= index
	})
	return pos, pos < len(entries) && entries[pos].Index == index
}

func (s *Store) Append(_ context.Context, namespace, key string, index uint64, value []byte) error {
	if key == "" {
		return store.ErrMissingKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.data[namespace]
	if !ok {
		ns = make(map[string][]store.IndexedEntry)
		s.data[namespace] = ns
	}
	entries := ns[key]
	v := make([]byte, len(value))
	copy(v, value)
	pos, found := searchIndex(entries, index)
	if found {
		entries[pos].Value = v
	} else {
		entries = append(entries, store.IndexedEntry{})
		copy(entries[pos+1:], entries[pos:])
		entries[pos] = store.IndexedEntry{Index: index, Value: v}
	}
	ns[key] = entries
	return nil
}

func (s *Store) Read(_ context.Context, namespace, key string, start, end uint64) ([]store.IndexedEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.data[namespace][key]
	from, _ := searchIndex(entries, start)
	var result []store.IndexedEntry
	for i := from; i < len(entries) && entries[i].Index <= end; i++ {
		v := make([]byte, len(entries[i].Value))
		copy(v, entries[i].Value)
		result = append(result, store.IndexedEntry{Index: entries[i].Index, Value: v})
	}
	return result, nil
}

func (s *Store) DropPrefix(_ context.Context, namespace, key string, lastDropped uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.data[namespace]
	entries, ok := ns[key]
	if !ok {
		return nil
	}
	pos := sort.Search(len(entries), func(i int) bool {
		return entries[i].Index > lastDropped
	})
	remaining := entries[pos:]
	if len(remaining) == 0 {
		delete(ns, key)
		return nil
	}
	ns[key] = append([]store.IndexedEntry(nil), remaining...)
	return nil
}

func (s *Store) Length(_ context.Context, namespace, key string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.data[namespace][key])), nil
}

func (s *Store) FirstIndex(_ context.Context, namespace, key string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.data[namespace][key]
	if len(entries) == 0 {
		return 0, store.ErrNotFound
	}
	return entries[0].Index, nil
}

func (s *Store) LastIndex(_ context.Context, namespace, key string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.data[namespace][key]
	if len(entries) == 0 {
		return 0, store.ErrNotFound
	}
	return entries[len(entries)-1].Index, nil
}

func (s *Store) Exists(_ context.Context, namespace, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[namespace][key]) > 0, nil
}

func (s *Store) Delete(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[namespace], key)
	return nil
}

func (s *Store) Scan(_ context.Context, namespace, pattern string, cursor uint64, count int64) (uint64, []string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data[namespace]))
	for key := range s.data[namespace] {
		matched, err := path.Match(pattern, key)
		if err != nil {
			return 0, nil, err
		}
		if matched {
			keys = append(keys, key)
		}
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

func (s *Store) Close() {}
