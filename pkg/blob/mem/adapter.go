package mem

import (
	"context"
	"fmt"
	"sync"

	"github.com/duralog/duralog/pkg/blob"
)

type Adapter struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func New() *Adapter {
	return &Adapter{
		data: make(map[string][]byte),
	}
}

func qualifiedKey(namespace, path string) string {
	return fmt.Sprintf("%s/%s", namespace, path)
}

func (a *Adapter) Put(_ context.Context, namespace, path string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	a.data[qualifiedKey(namespace, path)] = stored
	return nil
}

func (a *Adapter) Get(_ context.Context, namespace, path string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.data[qualifiedKey(namespace, path)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", namespace, path, blob.ErrDataNotFound)
	}
	result := make([]byte, len(data))
	copy(result, data)
	return result, nil
}

func (a *Adapter) Exists(_ context.Context, namespace, path string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.data[qualifiedKey(namespace, path)]
	return ok, nil
}

func (a *Adapter) Remove(_ context.Context, namespace, path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.data, qualifiedKey(namespace, path))
	return nil
}
