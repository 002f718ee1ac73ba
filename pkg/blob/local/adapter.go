package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/duralog/duralog/pkg/blob"
	blobparams "github.com/duralog/duralog/pkg/blob/params"
)

type Adapter struct {
	root string
}

func New(params *blobparams.Local) (*Adapter, error) {
	if params == nil || params.Path == "" {
		return nil, fmt.Errorf("missing local blob path: %w", blob.ErrInvalidAddress)
	}
	root, err := filepath.Abs(params.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve local blob path: %w", err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create local blob path: %w", err)
	}
	return &Adapter{root: root}, nil
}

// objectPath resolves (namespace, path) under the adapter root, refusing anything
// that escapes it.
func (a *Adapter) objectPath(namespace, path string) (string, error) {
	full := filepath.Join(a.root, namespace, path)
	if !strings.HasPrefix(full, a.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%s/%s escapes storage root: %w", namespace, path, blob.ErrInvalidAddress)
	}
	return full, nil
}

func (a *Adapter) Put(_ context.Context, namespace, path string, data []byte) error {
	full, err := a.objectPath(namespace, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), filepath.Base(full)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit object: %w", err)
	}
	return nil
}

func (a *Adapter) Get(_ context.Context, namespace, path string) ([]byte, error) {
	full, err := a.objectPath(namespace, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s/%s: %w", namespace, path, blob.ErrDataNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

func (a *Adapter) Exists(_ context.Context, namespace, path string) (bool, error) {
	full, err := a.objectPath(namespace, path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat object: %w", err)
	}
	return true, nil
}

func (a *Adapter) Remove(_ context.Context, namespace, path string) error {
	full, err := a.objectPath(namespace, path)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}
